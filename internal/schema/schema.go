// Package schema infers a relational table/junction layout from a decoded
// JSON payload (C5). It walks the tree once, using the rules in
// internal/walk to find entities, then derives one table per entity type
// plus a junction table per observed type-to-type containment edge.
package schema

import (
	"github.com/jsonstage/jsonstage/internal/descriptor"
	"github.com/jsonstage/jsonstage/internal/identifier"
	"github.com/jsonstage/jsonstage/internal/sqltypes"
	"github.com/jsonstage/jsonstage/internal/walk"
)

// ColumnDef is one resolved table column.
type ColumnDef struct {
	Name  string
	Class sqltypes.Class
}

// TableDef is the inferred shape of one entity type's table.
type TableDef struct {
	Name           string // normalised SQL table name
	TypeName       string // raw inferred entity type name
	Columns        []ColumnDef
	IdentityColumn string // source field supplying the primary key ("id" or a domain key); "" means a synthetic autoincrement key
	RefColumns     map[string]string // column name -> referenced entity type name, for one-to-one nested refs
	SampleRows     []map[string]any
}

// JunctionDef is a many-to-many table linking two entity tables.
type JunctionDef struct {
	Name   string
	TableA string
	TableB string
	ColA   string
	ColB   string
	ClassA sqltypes.Class
	ClassB sqltypes.Class
}

// Schema is the full inferred layout for one staged payload.
type Schema struct {
	Tables    map[string]*TableDef
	Junctions map[string]*JunctionDef
	// Fallback names the fallback table used when the payload had no
	// discoverable entities at all: "scalar_data", "array_data", or
	// "root_object". Empty when entities were found.
	Fallback string
}

// FieldKind categorises how a single field value maps onto SQL.
type FieldKind int

const (
	FieldScalar FieldKind = iota
	FieldFlatten
	FieldJSON
	FieldRef
	FieldEntityArray
)

// ClassifyField is shared between schema inference and insertion so both
// phases agree, field by field, on how a value is represented.
func ClassifyField(val any) FieldKind {
	switch v := val.(type) {
	case nil, bool, float64, string:
		return FieldScalar
	case map[string]any:
		if _, ok := walk.UnwrapGraphWrapper(v); ok {
			return FieldEntityArray
		}
		if walk.IsEntity(v) {
			return FieldRef
		}
		return FieldFlatten
	case []any:
		// Any array of non-empty map elements is treated as an array of
		// entity rows, not a JSON blob: the array is itself the signal that
		// its elements are row data, even when a single element in
		// isolation wouldn't pass IsEntity's two-field/human-meaningful
		// test (e.g. a bare {"v": 1}). Only the first element decides —
		// if it's entity-array-worthy, the rest follow even if a later
		// element is oddly shaped; if it isn't, the whole field is JSON
		// even if a later element would have qualified.
		if len(v) > 0 {
			if m, ok := v[0].(map[string]any); ok && len(m) > 0 {
				return FieldEntityArray
			}
		}
		return FieldJSON
	default:
		return FieldJSON
	}
}

func isComplex(v any) bool {
	switch v.(type) {
	case map[string]any, []any:
		return true
	default:
		return false
	}
}

type discoverState struct {
	entities map[string][]map[string]any
	order    []string
	rels     map[[2]string]bool
	namer    *walk.TypeNamer
}

// Infer walks payload and produces the table/junction layout it implies.
// desc, if non-nil, supplies declared field types that override observed
// storage-class widening.
func Infer(payload any, desc *descriptor.TypeGraph) (*Schema, error) {
	st := &discoverState{
		entities: make(map[string][]map[string]any),
		rels:     make(map[[2]string]bool),
		namer:    walk.NewTypeNamer(desc),
	}
	st.visit(payload, "", "", false)

	if len(st.entities) == 0 {
		return fallbackSchema(payload), nil
	}

	sch := &Schema{Tables: make(map[string]*TableDef), Junctions: make(map[string]*JunctionDef)}
	for _, typeName := range st.order {
		table := buildTable(typeName, st.entities[typeName], desc)
		sch.Tables[table.Name] = table
	}
	for pair := range st.rels {
		tableA := identifier.NormaliseTable(pair[0])
		tableB := identifier.NormaliseTable(pair[1])
		if tableA == tableB {
			continue
		}
		jd := buildJunction(tableA, tableB)
		sch.Junctions[jd.Name] = jd
	}

	resolveRefColumnClasses(sch)
	resolveJunctionClasses(sch)
	return sch, nil
}

// resolveRefColumnClasses fixes up nested-ref foreign key columns, declared
// Integer by default during buildTable, to match the referenced table's
// actual primary key class (a domain identifier is often TEXT, not an
// autoincrement integer).
func resolveRefColumnClasses(sch *Schema) {
	for _, table := range sch.Tables {
		for col, refType := range table.RefColumns {
			refTable, ok := sch.Tables[identifier.NormaliseTable(refType)]
			if !ok {
				continue
			}
			class := primaryKeyClass(refTable)
			for i := range table.Columns {
				if table.Columns[i].Name == col {
					table.Columns[i].Class = class
				}
			}
		}
	}
}

func resolveJunctionClasses(sch *Schema) {
	for _, jd := range sch.Junctions {
		jd.ClassA = primaryKeyClass(sch.Tables[jd.TableA])
		jd.ClassB = primaryKeyClass(sch.Tables[jd.TableB])
	}
}

// primaryKeyClass reports the storage class of table's primary key: the
// identity column's resolved class when the table has one, else Integer for
// the synthetic autoincrement key.
func primaryKeyClass(table *TableDef) sqltypes.Class {
	if table == nil || table.IdentityColumn == "" {
		return sqltypes.Integer
	}
	idCol := identifier.NormaliseColumn(table.IdentityColumn)
	for _, c := range table.Columns {
		if c.Name == idCol {
			return c.Class
		}
	}
	return sqltypes.Integer
}

// inArray is true when node is an element of a JSON array: array membership
// is itself enough to treat a map as a row candidate, even one that fails
// IsEntity's standalone two-field/human-meaningful test (see ClassifyField's
// array case). It resets to false whenever a value is reached through a
// named field rather than array iteration.
func (st *discoverState) visit(node any, parentSegment, parentType string, inArray bool) {
	switch v := node.(type) {
	case []any:
		for _, item := range v {
			st.visit(item, parentSegment, parentType, true)
		}
	case map[string]any:
		if inner, ok := walk.UnwrapGraphWrapper(v); ok {
			for _, item := range inner {
				st.visit(item, parentSegment, parentType, true)
			}
			return
		}
		if nested, siblings, ok := walk.ExtractCarrier(v); ok {
			merged := make(map[string]any, len(nested)+len(siblings))
			for k, val := range nested {
				merged[k] = val
			}
			for k, val := range siblings {
				if _, exists := merged[k]; !exists {
					merged[k] = val
				}
			}
			// The field holding the nested entity is its enclosing path segment.
			segment := parentSegment
			for k, val := range v {
				if _, isMap := val.(map[string]any); isMap {
					segment = k
				}
			}
			st.visit(merged, segment, parentType, inArray)
			return
		}
		if walk.IsEntity(v) || (inArray && len(v) > 0) {
			typeName := st.namer.Name(v, parentSegment)
			if _, seen := st.entities[typeName]; !seen {
				st.order = append(st.order, typeName)
			}
			st.entities[typeName] = append(st.entities[typeName], v)
			if parentType != "" && parentType != typeName {
				st.rels[[2]string{parentType, typeName}] = true
			}
			for fieldName, fieldVal := range v {
				switch ClassifyField(fieldVal) {
				case FieldRef, FieldEntityArray:
					st.visit(fieldVal, fieldName, typeName, false)
				}
			}
			return
		}
		for fieldName, fieldVal := range v {
			st.visit(fieldVal, fieldName, parentType, false)
		}
	}
}

func buildTable(typeName string, rows []map[string]any, desc *descriptor.TypeGraph) *TableDef {
	colSets := make(map[string]sqltypes.Set)
	var colOrder []string
	var refColumns map[string]string
	ensure := func(col string) {
		if _, ok := colSets[col]; !ok {
			colSets[col] = sqltypes.Set{}
			colOrder = append(colOrder, col)
		}
	}

	identityField := ""
	for _, row := range rows {
		if _, ok := row["id"]; ok {
			identityField = "id"
		} else if identityField == "" {
			for key := range walk.IdentifierKeys {
				if _, ok := row[key]; ok {
					identityField = key
					break
				}
			}
		}

		for fieldName, val := range row {
			switch ClassifyField(val) {
			case FieldScalar:
				col := identifier.NormaliseColumn(fieldName)
				ensure(col)
				colSets[col].Add(resolveClass(desc, typeName, fieldName, val))
			case FieldFlatten:
				sub := val.(map[string]any)
				for subKey, subVal := range sub {
					var col string
					var class sqltypes.Class
					if isComplex(subVal) {
						col = identifier.NormaliseColumn(fieldName + "_" + subKey + "_json")
						class = sqltypes.Text
					} else {
						col = identifier.NormaliseColumn(fieldName + "_" + subKey)
						class = sqltypes.Observe(subVal)
					}
					ensure(col)
					colSets[col].Add(class)
				}
			case FieldJSON:
				col := identifier.NormaliseColumn(fieldName + "_json")
				ensure(col)
				colSets[col].Add(sqltypes.Text)
			case FieldRef:
				col := identifier.NormaliseColumn(fieldName + "_id")
				ensure(col)
				colSets[col].Add(sqltypes.Integer)
				if refColumns == nil {
					refColumns = make(map[string]string)
				}
				refColumns[col] = peekRefType(val.(map[string]any), fieldName)
			case FieldEntityArray:
				// represented by a junction table, not a column.
			}
		}
	}

	columns := make([]ColumnDef, 0, len(colOrder))
	for _, col := range colOrder {
		columns = append(columns, ColumnDef{Name: col, Class: colSets[col].Resolve()})
	}

	sample := rows
	if len(sample) > 3 {
		sample = sample[:3]
	}

	return &TableDef{
		Name:           identifier.NormaliseTable(typeName),
		TypeName:       typeName,
		Columns:        columns,
		IdentityColumn: identityField,
		RefColumns:     refColumns,
		SampleRows:     sample,
	}
}

// peekRefType infers the entity type name of a single nested ref field's
// value using the same rules as TypeNamer.Name. It never reaches the
// synthesis fallback: a ref field always has a concrete field name to
// singularise, unlike the root node.
func peekRefType(v map[string]any, fieldName string) string {
	for _, field := range []string{"__typename", "entityType"} {
		if tn, ok := v[field].(string); ok && tn != "" {
			return tn
		}
	}
	for key, typeName := range walk.IdentifierKeys {
		if typeName == "" {
			continue
		}
		if _, ok := v[key]; ok {
			return typeName
		}
	}
	return walk.Singularize(fieldName)
}

// resolveClass prefers a schema descriptor's declared field type, when one
// exists for typeName.fieldName, over the observed value's storage class.
func resolveClass(desc *descriptor.TypeGraph, typeName, fieldName string, val any) sqltypes.Class {
	if desc != nil {
		if td, ok := desc.Types[typeName]; ok {
			if fd, ok := td.Fields[fieldName]; ok {
				return sqltypes.FromDeclared(fd.Base)
			}
		}
	}
	return sqltypes.Observe(val)
}

func buildJunction(tableA, tableB string) *JunctionDef {
	a, b := tableA, tableB
	if b < a {
		a, b = b, a
	}
	return &JunctionDef{
		Name:   identifier.NormaliseTable(a + "_" + b),
		TableA: a,
		TableB: b,
		ColA:   a + "_id",
		ColB:   b + "_id",
	}
}

func fallbackSchema(payload any) *Schema {
	sch := &Schema{Tables: make(map[string]*TableDef), Junctions: make(map[string]*JunctionDef)}
	switch v := payload.(type) {
	case []any:
		sch.Fallback = "array_data"
		set := sqltypes.Set{}
		var sample []map[string]any
		for i, elem := range v {
			set.Add(sqltypes.Observe(elem))
			if i < 3 {
				sample = append(sample, map[string]any{"value": elem})
			}
		}
		sch.Tables["array_data"] = &TableDef{
			Name:       "array_data",
			Columns:    []ColumnDef{{Name: "value", Class: set.Resolve()}},
			SampleRows: sample,
		}
	case map[string]any:
		sch.Fallback = "root_object"
		table := buildTable("root_object", []map[string]any{v}, nil)
		table.Name = "root_object"
		table.TypeName = "root_object"
		sch.Tables["root_object"] = table
	default:
		sch.Fallback = "scalar_data"
		sch.Tables["scalar_data"] = &TableDef{
			Name:       "scalar_data",
			Columns:    []ColumnDef{{Name: "value", Class: sqltypes.Observe(v)}},
			SampleRows: []map[string]any{{"value": v}},
		}
	}
	return sch
}
