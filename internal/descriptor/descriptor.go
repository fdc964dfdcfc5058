// Package descriptor parses an optional, informative type-graph
// description — a small SDL-like grammar of `type Name { field: Type }`
// blocks — into per-field extraction and chunking rules (C4). Absence of a
// descriptor degrades the engine to pure structural inference (C5 alone).
// Parse returns an error only for malformed descriptor text, and the engine
// treats that as non-fatal: it logs a warning and stages without a
// descriptor.
package descriptor

import (
	"bufio"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/jsonstage/jsonstage/internal/chunkstore"
)

// Cardinality is the multiplicity of a directed relationship between two
// types.
type Cardinality string

const (
	OneToOne  Cardinality = "one-to-one"
	OneToMany Cardinality = "one-to-many"
)

// FieldDef describes one field of a type block.
type FieldDef struct {
	Base       string
	IsList     bool
	IsNullable bool
}

// TypeDef is one parsed, kept type block.
type TypeDef struct {
	Name   string
	Fields map[string]FieldDef
}

// Relationship records a directed "contains entity/entities" edge observed
// between two type blocks.
type Relationship struct {
	From, To, Field string
	Cardinality     Cardinality
}

// ExtractionRule carries any field directive args that aren't chunking
// related (e.g. a rename or flatten hint a future extractor might honor).
type ExtractionRule struct {
	Args map[string]string
}

// TypeGraph is the parsed result: types, relationships, and the per-field
// rules a schema descriptor can express.
type TypeGraph struct {
	Types           map[string]*TypeDef
	Relationships   []Relationship
	ExtractionRules map[string]map[string]ExtractionRule
	ChunkRules      map[string]map[string]chunkstore.FieldRule
}

// ChunkRule looks up the chunking rule for typeName.fieldName, if any.
func (g *TypeGraph) ChunkRule(typeName, fieldName string) (chunkstore.FieldRule, bool) {
	if g == nil {
		return chunkstore.FieldRule{}, false
	}
	byField, ok := g.ChunkRules[typeName]
	if !ok {
		return chunkstore.FieldRule{}, false
	}
	rule, ok := byField[fieldName]
	return rule, ok
}

var (
	headerRe = regexp.MustCompile(`^\s*(type|input|scalar|enum|interface)\s+(\w+)\s*({)?\s*$`)
	fieldRe  = regexp.MustCompile(`^\s*(\w+)\s*(\(([^)]*)\))?\s*:\s*([^,]+?),?\s*$`)
	typeExpr = regexp.MustCompile(`^(\[)?\s*(\w+)\s*(!)?\s*(\])?\s*(!)?$`)
)

// isSkippable reports whether a block kind/name pair should be dropped:
// introspection types, input types, connection/edge wrappers, scalar
// wrappers, and enum-like names.
func isSkippable(kind, name string) bool {
	if kind == "input" || kind == "scalar" || kind == "enum" {
		return true
	}
	if strings.HasPrefix(name, "__") {
		return true
	}
	if strings.HasSuffix(name, "Connection") || strings.HasSuffix(name, "Edge") {
		return true
	}
	return false
}

// Parse reads a type-graph description and returns the kept types,
// inferred relationships, and per-field rules.
func Parse(src string) (*TypeGraph, error) {
	g := &TypeGraph{
		Types:           make(map[string]*TypeDef),
		ExtractionRules: make(map[string]map[string]ExtractionRule),
		ChunkRules:      make(map[string]map[string]chunkstore.FieldRule),
	}

	scanner := bufio.NewScanner(strings.NewReader(src))
	var currentKind, currentName string
	var inBlock bool

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if !inBlock {
			if m := headerRe.FindStringSubmatch(line); m != nil {
				currentKind, currentName = m[1], m[2]
				if m[3] == "{" {
					inBlock = !isSkippable(currentKind, currentName) && currentKind != "scalar"
					if inBlock {
						g.Types[currentName] = &TypeDef{Name: currentName, Fields: make(map[string]FieldDef)}
					}
				}
				// bodyless "scalar Foo" lines never open a block.
				continue
			}
			if line == "{" && currentName != "" {
				inBlock = !isSkippable(currentKind, currentName)
				if inBlock {
					g.Types[currentName] = &TypeDef{Name: currentName, Fields: make(map[string]FieldDef)}
				}
				continue
			}
			continue
		}

		if line == "}" {
			inBlock = false
			currentKind, currentName = "", ""
			continue
		}

		m := fieldRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		fieldName, argsRaw, typeRaw := m[1], m[3], strings.TrimSpace(m[4])

		fd, err := parseTypeExpr(typeRaw)
		if err != nil {
			return nil, fmt.Errorf("descriptor: type %s field %s: %w", currentName, fieldName, err)
		}
		g.Types[currentName].Fields[fieldName] = fd

		if argsRaw != "" {
			applyFieldArgs(g, currentName, fieldName, argsRaw)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("descriptor: %w", err)
	}

	g.Relationships = deriveRelationships(g)
	return g, nil
}

func parseTypeExpr(expr string) (FieldDef, error) {
	trimmed := strings.TrimSpace(expr)
	m := typeExpr.FindStringSubmatch(trimmed)
	if m == nil {
		return FieldDef{}, fmt.Errorf("unrecognised type expression %q", expr)
	}
	isList := m[1] == "[" && m[4] == "]"
	base := m[2]
	// Nullable unless the innermost/outermost position carries a `!`.
	nullable := true
	if isList {
		nullable = m[5] != "!"
	} else {
		nullable = m[3] != "!"
	}
	return FieldDef{Base: base, IsList: isList, IsNullable: nullable}, nil
}

// applyFieldArgs splits a field's parenthesised args into chunk rules
// (recognised keys: chunk, threshold) and a catch-all extraction rule.
func applyFieldArgs(g *TypeGraph, typeName, fieldName, raw string) {
	args := make(map[string]string)
	for _, part := range strings.Split(raw, ",") {
		kv := strings.SplitN(part, ":", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.TrimSpace(kv[0])
		val := strings.Trim(strings.TrimSpace(kv[1]), `"`)
		args[key] = val
	}
	if len(args) == 0 {
		return
	}

	if chunkVal, ok := args["chunk"]; ok {
		rule := chunkstore.FieldRule{Priority: chunkstore.Priority(chunkVal)}
		if thr, ok := args["threshold"]; ok {
			if n, err := strconv.Atoi(thr); err == nil {
				rule.Threshold = n
			}
		}
		if g.ChunkRules[typeName] == nil {
			g.ChunkRules[typeName] = make(map[string]chunkstore.FieldRule)
		}
		g.ChunkRules[typeName][fieldName] = rule
		delete(args, "chunk")
		delete(args, "threshold")
	}

	if len(args) > 0 {
		if g.ExtractionRules[typeName] == nil {
			g.ExtractionRules[typeName] = make(map[string]ExtractionRule)
		}
		g.ExtractionRules[typeName][fieldName] = ExtractionRule{Args: args}
	}
}

// deriveRelationships walks every kept type's fields and records a directed
// relationship for any field whose base type is itself a kept type,
// skipping self-relations.
func deriveRelationships(g *TypeGraph) []Relationship {
	var rels []Relationship
	for fromName, def := range g.Types {
		for fieldName, fd := range def.Fields {
			if _, ok := g.Types[fd.Base]; !ok {
				continue
			}
			if fd.Base == fromName {
				continue
			}
			card := OneToOne
			if fd.IsList {
				card = OneToMany
			}
			rels = append(rels, Relationship{From: fromName, To: fd.Base, Field: fieldName, Cardinality: card})
		}
	}
	return rels
}
