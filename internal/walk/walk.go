// Package walk holds the payload traversal rules shared by schema inference
// (C5) and data insertion (C6): entity detection, graph-wrapper
// transparency, entity-type naming, and payload-object identity. Both C5
// and C6 walk the same decoded tree independently (per spec) but must agree
// on these rules bit-for-bit, so they live in one place.
package walk

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/jsonstage/jsonstage/internal/descriptor"
)

// humanMeaningful lists the field names that, alongside >=2 total fields,
// qualify a map node as an entity under rule (b).
var humanMeaningful = map[string]bool{
	"name": true, "symbol": true, "description": true, "type": true, "score": true,
}

// IdentifierKeys maps a domain identifier field name to its canonical
// entity type name. The generic "id" key is also an identifier but does not
// by itself select a type name.
var IdentifierKeys = map[string]string{
	"ensemblId": "target",
	"chemblId":  "compound",
	"efoId":     "disease",
}

// discriminatorFields are checked, in order, for an explicit type name
// before any identifier-key or path-based inference.
var discriminatorFields = []string{"__typename", "entityType"}

// IsIdentifierField reports whether fieldName is one of the keys the engine
// treats as an identifier — used to pin chunking rules to "never" (§4.3).
func IsIdentifierField(fieldName string) bool {
	if fieldName == "id" {
		return true
	}
	_, ok := IdentifierKeys[fieldName]
	return ok
}

// IsEntity reports whether m is an entity node per §3: it carries an
// identifier key, or it has at least two fields including one
// human-meaningful field.
func IsEntity(m map[string]any) bool {
	if len(m) == 0 {
		return false
	}
	if _, ok := m["id"]; ok {
		return true
	}
	for k := range IdentifierKeys {
		if _, ok := m[k]; ok {
			return true
		}
	}
	if len(m) < 2 {
		return false
	}
	for k := range m {
		if humanMeaningful[k] {
			return true
		}
	}
	return false
}

// UnwrapGraphWrapper detects {edges:[{node:...}]} or {rows:[...]} shapes and
// returns the inner element list, already unwrapped one level (edge.node).
func UnwrapGraphWrapper(m map[string]any) ([]any, bool) {
	if rows, ok := m["rows"].([]any); ok {
		return rows, true
	}
	if edges, ok := m["edges"].([]any); ok {
		out := make([]any, 0, len(edges))
		for _, e := range edges {
			if em, ok := e.(map[string]any); ok {
				if node, ok := em["node"]; ok {
					out = append(out, node)
					continue
				}
			}
			out = append(out, e)
		}
		return out, true
	}
	return nil, false
}

// AsEntityArray normalises a field value that may be a plain array or a
// graph-wrapper map into its element list.
func AsEntityArray(v any) ([]any, bool) {
	switch t := v.(type) {
	case []any:
		return t, true
	case map[string]any:
		return UnwrapGraphWrapper(t)
	default:
		return nil, false
	}
}

// ExtractCarrier detects a "row carrier" shape: a map whose only non-scalar
// field is a single entity-shaped nested map, with every other field a
// scalar. Such a carrier is elided during traversal — its sibling scalars
// are folded onto the nested entity's own row instead of the carrier
// becoming its own entity/table. This keeps junction-style row objects
// (e.g. `{disease: {...}, score: 0.9}`) from spawning a phantom table.
func ExtractCarrier(m map[string]any) (nested map[string]any, siblings map[string]any, ok bool) {
	var nestedKey string
	var nestedVal map[string]any
	complexCount := 0

	for k, v := range m {
		switch val := v.(type) {
		case map[string]any:
			complexCount++
			if IsEntity(val) {
				nestedKey = k
				nestedVal = val
			} else {
				return nil, nil, false
			}
		case []any:
			return nil, nil, false
		}
	}
	if nestedKey == "" || complexCount != 1 {
		return nil, nil, false
	}
	siblings = make(map[string]any, len(m)-1)
	for k, v := range m {
		if k == nestedKey {
			continue
		}
		siblings[k] = v
	}
	return nestedVal, siblings, true
}

// Singularize turns a plural path segment into its singular form: trailing
// "ies" becomes "y", trailing "s" (not "ss") is stripped. Exported so
// schema and insert can derive the same type name for a single nested
// entity reference without going through TypeNamer's synthesis counter.
func Singularize(segment string) string { return singularize(segment) }

func singularize(segment string) string {
	switch {
	case strings.HasSuffix(segment, "ies"):
		return segment[:len(segment)-3] + "y"
	case strings.HasSuffix(segment, "ss"):
		return segment
	case strings.HasSuffix(segment, "s"):
		return segment[:len(segment)-1]
	default:
		return segment
	}
}

// TypeNamer assigns a stable entity-type name to a node, given the path
// segment whose field held it (already adjusted for graph-wrapper
// transparency by the caller) and an optional schema descriptor.
type TypeNamer struct {
	desc         *descriptor.TypeGraph
	synthCounter int
}

func NewTypeNamer(desc *descriptor.TypeGraph) *TypeNamer {
	return &TypeNamer{desc: desc}
}

// Name infers the entity type name for m, reached via parentSegment.
func (n *TypeNamer) Name(m map[string]any, parentSegment string) string {
	for _, field := range discriminatorFields {
		if tn, ok := m[field].(string); ok && tn != "" {
			return tn
		}
	}
	for key, typeName := range IdentifierKeys {
		if typeName == "" {
			continue
		}
		if _, ok := m[key]; ok {
			return typeName
		}
	}
	if parentSegment != "" {
		return singularize(parentSegment)
	}
	n.synthCounter++
	return fmt.Sprintf("entity_%d", n.synthCounter)
}

// NodeIdentity returns a stable key for map/slice payload nodes, rooted in
// the Go runtime's header pointer for the value — this is "payload object
// identity" (§3 invariant 5), not value equality: two structurally-equal
// but distinct nodes get different identities, and the same node reached
// twice (e.g. once to derive a foreign key, once during recursion) gets the
// same one.
func NodeIdentity(v any) (uintptr, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice:
		if rv.IsNil() {
			return 0, false
		}
		return rv.Pointer(), true
	default:
		return 0, false
	}
}
