// Package insert materialises a decoded JSON payload into the tables a
// schema.Schema describes (C6). It walks the payload a second time,
// independently of schema inference, memoising already-inserted nodes both
// by payload object identity and, when an entity carries a stable
// identifier, by that identifier's value — so the same logical entity seen
// twice in one payload lands in exactly one row.
package insert

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jsonstage/jsonstage/internal/chunkstore"
	"github.com/jsonstage/jsonstage/internal/descriptor"
	"github.com/jsonstage/jsonstage/internal/identifier"
	"github.com/jsonstage/jsonstage/internal/log"
	"github.com/jsonstage/jsonstage/internal/schema"
	"github.com/jsonstage/jsonstage/internal/sqltypes"
	"github.com/jsonstage/jsonstage/internal/util"
	"github.com/jsonstage/jsonstage/internal/walk"
)

// RowError records a single row that failed to insert; the rest of the
// payload still lands (§7: a row failure aborts only that row).
type RowError struct {
	Table string
	Err   string
}

// Result summarises one Stage() call's materialisation.
type Result struct {
	TablesCreated []string
	RowsInserted  map[string]int
	RowErrors     []RowError
}

// Insert creates sch's tables (idempotently) and materialises payload into
// them inside a single transaction. chunks, if non-nil, is used to offload
// oversized text/JSON field values.
func Insert(ctx context.Context, db *sql.DB, sch *schema.Schema, payload any, desc *descriptor.TypeGraph, chunks *chunkstore.Store, logger log.Logger) (*Result, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, util.NewExecutionError("unable to begin staging transaction", err)
	}
	defer tx.Rollback()

	if err := createTables(ctx, tx, sch); err != nil {
		return nil, err
	}

	ins := &inserter{
		ctx:        ctx,
		tx:         tx,
		schema:     sch,
		desc:       desc,
		chunks:     chunks,
		byPointer:  make(map[uintptr]any),
		byIdentity: make(map[string]map[string]any),
		pairsSeen:  make(map[string]bool),
		namer:      walk.NewTypeNamer(desc),
		logger:     logger,
		result:     &Result{RowsInserted: make(map[string]int)},
	}

	if sch.Fallback != "" {
		if err := ins.insertFallback(payload); err != nil {
			return nil, err
		}
	} else {
		ins.walk(payload, "", "", nil, false)
	}

	if err := tx.Commit(); err != nil {
		return nil, util.NewExecutionError("unable to commit staging transaction", err)
	}
	for name := range sch.Tables {
		ins.result.TablesCreated = append(ins.result.TablesCreated, name)
	}
	for name := range sch.Junctions {
		ins.result.TablesCreated = append(ins.result.TablesCreated, name)
	}
	return ins.result, nil
}

func createTables(ctx context.Context, tx *sql.Tx, sch *schema.Schema) error {
	for _, table := range sch.Tables {
		if err := createTable(ctx, tx, table); err != nil {
			return err
		}
	}
	for _, jd := range sch.Junctions {
		stmt := fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %s (%s %s NOT NULL, %s %s NOT NULL, PRIMARY KEY (%s, %s))`,
			jd.Name, jd.ColA, jd.ClassA, jd.ColB, jd.ClassB, jd.ColA, jd.ColB)
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return util.NewExecutionError(fmt.Sprintf("unable to create junction table %s", jd.Name), err)
		}
	}
	return nil
}

func createTable(ctx context.Context, tx *sql.Tx, table *schema.TableDef) error {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (", table.Name)

	pkCol := ""
	if table.IdentityColumn != "" {
		pkCol = identifier.NormaliseColumn(table.IdentityColumn)
	} else {
		b.WriteString("id INTEGER PRIMARY KEY AUTOINCREMENT")
		if len(table.Columns) > 0 {
			b.WriteString(", ")
		}
	}

	for i, col := range table.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s %s", col.Name, col.Class)
		if col.Name == pkCol {
			b.WriteString(" PRIMARY KEY")
		}
	}
	b.WriteString(")")

	if _, err := tx.ExecContext(ctx, b.String()); err != nil {
		return util.NewExecutionError(fmt.Sprintf("unable to create table %s", table.Name), err)
	}
	return nil
}

type inserter struct {
	ctx    context.Context
	tx     *sql.Tx
	schema *schema.Schema
	desc   *descriptor.TypeGraph
	chunks *chunkstore.Store
	namer  *walk.TypeNamer
	logger log.Logger

	byPointer  map[uintptr]any            // payload object identity -> assigned row key
	byIdentity map[string]map[string]any  // table -> identity value (as string) -> row key
	pairsSeen  map[string]bool            // junction dedup: "<junction>:<a>:<b>"
	savepoints int

	result *Result
}

// walk mirrors schema's discovery traversal (graph-wrapper transparency,
// carrier collapsing, entity detection) but inserts rows as it goes instead
// of only recording shapes. inArray is true when node is an element of a
// JSON array, which is itself enough to treat a map as a row candidate even
// when it fails IsEntity's standalone test — see schema.ClassifyField's
// array case for the matching rule on the discovery side.
func (ins *inserter) walk(node any, parentSegment, parentType string, parentRowKey any, inArray bool) {
	switch v := node.(type) {
	case []any:
		for _, item := range v {
			ins.walk(item, parentSegment, parentType, parentRowKey, true)
		}
	case map[string]any:
		if inner, ok := walk.UnwrapGraphWrapper(v); ok {
			for _, item := range inner {
				ins.walk(item, parentSegment, parentType, parentRowKey, true)
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
			ins.walk(merged, segment, parentType, parentRowKey, inArray)
			return
		}
		if walk.IsEntity(v) || (inArray && len(v) > 0) {
			table, rowKey, err := ins.insertEntity(v, parentSegment, parentType)
			if err != nil {
				ins.result.RowErrors = append(ins.result.RowErrors, RowError{Table: table, Err: err.Error()})
				return
			}
			if parentType != "" && parentRowKey != nil {
				ins.maybeJunction(parentType, parentRowKey, table, rowKey)
			}
			return
		}
		for fieldName, fieldVal := range v {
			ins.walk(fieldVal, fieldName, parentType, parentRowKey, false)
		}
	}
}

// insertEntity inserts node (already known to be entity-shaped) and returns
// the table it landed in plus its assigned row key (its identity value, or
// a synthetic autoincrement rowid when it has none).
func (ins *inserter) insertEntity(node map[string]any, parentSegment, parentType string) (string, any, error) {
	typeName := ins.namer.Name(node, parentSegment)
	tableName := identifier.NormaliseTable(typeName)
	table, ok := ins.schema.Tables[tableName]
	if !ok {
		return tableName, nil, util.NewValidationError(fmt.Sprintf("no inferred table for type %q", typeName), nil)
	}

	ptr, hasPtr := walk.NodeIdentity(node)
	if hasPtr {
		if rowKey, found := ins.byPointer[ptr]; found {
			return table.Name, rowKey, nil
		}
	}

	var identKey string
	if table.IdentityColumn != "" {
		if idVal, ok := node[table.IdentityColumn]; ok {
			identKey = fmt.Sprint(idVal)
			if m, ok := ins.byIdentity[table.Name]; ok {
				if rowKey, found := m[identKey]; found {
					if hasPtr {
						ins.byPointer[ptr] = rowKey
					}
					return table.Name, rowKey, nil
				}
			}
		}
	}

	colVals := make(map[string]any)
	colField := make(map[string]string) // column -> raw field name, for chunk-rule lookup
	var pending []pendingArray

	for fieldName, val := range node {
		switch schema.ClassifyField(val) {
		case schema.FieldScalar:
			col := identifier.NormaliseColumn(fieldName)
			colVals[col] = val
			colField[col] = fieldName
		case schema.FieldFlatten:
			sub := val.(map[string]any)
			for subKey, subVal := range sub {
				var col string
				var stored any
				if isComplex(subVal) {
					col = identifier.NormaliseColumn(fieldName + "_" + subKey + "_json")
					stored = encodeJSON(subVal)
				} else {
					col = identifier.NormaliseColumn(fieldName + "_" + subKey)
					stored = subVal
				}
				colVals[col] = stored
				colField[col] = fieldName + "." + subKey
			}
		case schema.FieldJSON:
			col := identifier.NormaliseColumn(fieldName + "_json")
			colVals[col] = encodeJSON(val)
			colField[col] = fieldName
		case schema.FieldRef:
			_, childKey, err := ins.insertEntity(val.(map[string]any), fieldName, typeName)
			if err == nil {
				col := identifier.NormaliseColumn(fieldName + "_id")
				colVals[col] = childKey
			}
		case schema.FieldEntityArray:
			pending = append(pending, pendingArray{field: fieldName, val: val})
		}
	}

	if err := ins.applyChunking(typeName, table, colVals, colField); err != nil {
		return table.Name, nil, err
	}

	rowKey, err := ins.execInsert(table, colVals)
	if err != nil {
		return table.Name, nil, err
	}

	if hasPtr {
		ins.byPointer[ptr] = rowKey
	}
	if identKey != "" {
		if ins.byIdentity[table.Name] == nil {
			ins.byIdentity[table.Name] = make(map[string]any)
		}
		ins.byIdentity[table.Name][identKey] = rowKey
	}

	for _, p := range pending {
		ins.walk(p.val, p.field, typeName, rowKey, false)
	}

	return table.Name, rowKey, nil
}

type pendingArray struct {
	field string
	val   any
}

// applyChunking offloads any TEXT-classed value over threshold to the
// chunk store, honoring descriptor overrides and pinning identifier fields
// to "never" regardless of any descriptor rule (§4.3).
func (ins *inserter) applyChunking(typeName string, table *schema.TableDef, colVals map[string]any, colField map[string]string) error {
	if ins.chunks == nil {
		return nil
	}
	classOf := make(map[string]sqltypes.Class, len(table.Columns))
	for _, c := range table.Columns {
		classOf[c.Name] = c.Class
	}
	for col, val := range colVals {
		if classOf[col] != sqltypes.Text {
			continue
		}
		str, ok := val.(string)
		if !ok || str == "" {
			continue
		}
		fieldName := colField[col]
		if walk.IsIdentifierField(fieldName) {
			continue
		}
		var rule *chunkstore.FieldRule
		if r, ok := ins.desc.ChunkRule(typeName, fieldName); ok {
			rule = &r
		}
		ct := chunkstore.ContentText
		if strings.HasSuffix(col, "_json") {
			ct = chunkstore.ContentJSON
		}
		stored, _, err := ins.chunks.MaybeChunk(ins.ctx, str, ct, rule)
		if err != nil {
			return err
		}
		colVals[col] = stored
	}
	return nil
}

// execInsert runs one row's INSERT inside a SAVEPOINT so a single row's
// failure can be rolled back without aborting the whole payload.
func (ins *inserter) execInsert(table *schema.TableDef, colVals map[string]any) (any, error) {
	cols := make([]string, 0, len(colVals))
	for col := range colVals {
		cols = append(cols, col)
	}
	// Deterministic column order, following the table's declared order,
	// then anything unexpected (shouldn't normally happen).
	ordered := make([]string, 0, len(cols))
	seen := make(map[string]bool, len(cols))
	for _, c := range table.Columns {
		if _, ok := colVals[c.Name]; ok {
			ordered = append(ordered, c.Name)
			seen[c.Name] = true
		}
	}
	for _, c := range cols {
		if !seen[c] {
			ordered = append(ordered, c)
		}
	}

	placeholders := make([]string, len(ordered))
	args := make([]any, len(ordered))
	for i, c := range ordered {
		placeholders[i] = "?"
		args[i] = colVals[c]
	}

	stmt := fmt.Sprintf("INSERT OR IGNORE INTO %s (%s) VALUES (%s)",
		table.Name, strings.Join(ordered, ", "), strings.Join(placeholders, ", "))
	if len(ordered) == 0 {
		stmt = fmt.Sprintf("INSERT OR IGNORE INTO %s DEFAULT VALUES", table.Name)
	}

	sp := fmt.Sprintf("sp_%d", ins.savepoints)
	ins.savepoints++

	if _, err := ins.tx.ExecContext(ins.ctx, "SAVEPOINT "+sp); err != nil {
		return nil, util.NewExecutionError("unable to open savepoint", err)
	}

	res, execErr := ins.tx.ExecContext(ins.ctx, stmt, args...)
	if execErr != nil {
		ins.tx.ExecContext(ins.ctx, "ROLLBACK TO "+sp)
		ins.tx.ExecContext(ins.ctx, "RELEASE "+sp)
		return nil, util.NewExecutionError(fmt.Sprintf("unable to insert row into %s", table.Name), execErr)
	}
	if _, err := ins.tx.ExecContext(ins.ctx, "RELEASE "+sp); err != nil {
		return nil, util.NewExecutionError("unable to release savepoint", err)
	}

	if table.IdentityColumn != "" {
		idCol := identifier.NormaliseColumn(table.IdentityColumn)
		if rowKey, ok := colVals[idCol]; ok {
			if affected, _ := res.RowsAffected(); affected > 0 {
				ins.result.RowsInserted[table.Name]++
			}
			return rowKey, nil
		}
	}

	affected, _ := res.RowsAffected()
	if affected > 0 {
		ins.result.RowsInserted[table.Name]++
	}
	lastID, err := res.LastInsertId()
	if err != nil {
		return nil, util.NewExecutionError("unable to read inserted row id", err)
	}
	return lastID, nil
}

func (ins *inserter) maybeJunction(tableA string, rowKeyA any, tableB string, rowKeyB any) {
	a, b := tableA, tableB
	ra, rb := rowKeyA, rowKeyB
	if b < a {
		a, b = b, a
		ra, rb = rb, ra
	}
	if a == b {
		return
	}
	jname := identifier.NormaliseTable(a + "_" + b)
	jd, ok := ins.schema.Junctions[jname]
	if !ok {
		return
	}
	key := fmt.Sprintf("%s:%v:%v", jname, ra, rb)
	if ins.pairsSeen[key] {
		return
	}
	ins.pairsSeen[key] = true

	stmt := fmt.Sprintf("INSERT OR IGNORE INTO %s (%s, %s) VALUES (?, ?)", jname, jd.ColA, jd.ColB)
	res, err := ins.tx.ExecContext(ins.ctx, stmt, ra, rb)
	if err != nil {
		ins.logger.WarnContext(ins.ctx, "junction insert failed", "junction", jname, "err", err)
		return
	}
	if affected, _ := res.RowsAffected(); affected > 0 {
		ins.result.RowsInserted[jname]++
	}
}

// insertFallback handles the no-entities-found payload shapes: a single
// value row, a flat array of scalar rows, or an object's own fields.
func (ins *inserter) insertFallback(payload any) error {
	table, ok := ins.schema.Tables[ins.schema.Fallback]
	if !ok {
		return util.NewValidationError("no fallback table for payload shape", nil)
	}

	switch v := payload.(type) {
	case []any:
		for _, elem := range v {
			colVals := map[string]any{"value": elem}
			colField := map[string]string{"value": "value"}
			if err := ins.applyChunking("array_data", table, colVals, colField); err != nil {
				return err
			}
			if _, err := ins.execInsert(table, colVals); err != nil {
				ins.result.RowErrors = append(ins.result.RowErrors, RowError{Table: table.Name, Err: err.Error()})
			}
		}
	case map[string]any:
		colVals := make(map[string]any)
		colField := make(map[string]string)
		for fieldName, val := range v {
			switch schema.ClassifyField(val) {
			case schema.FieldScalar:
				col := identifier.NormaliseColumn(fieldName)
				colVals[col] = val
				colField[col] = fieldName
			default:
				col := identifier.NormaliseColumn(fieldName + "_json")
				colVals[col] = encodeJSON(val)
				colField[col] = fieldName
			}
		}
		if err := ins.applyChunking("root_object", table, colVals, colField); err != nil {
			return err
		}
		if _, err := ins.execInsert(table, colVals); err != nil {
			ins.result.RowErrors = append(ins.result.RowErrors, RowError{Table: table.Name, Err: err.Error()})
		}
	default:
		colVals := map[string]any{"value": v}
		colField := map[string]string{"value": "value"}
		if err := ins.applyChunking("scalar_data", table, colVals, colField); err != nil {
			return err
		}
		if _, err := ins.execInsert(table, colVals); err != nil {
			ins.result.RowErrors = append(ins.result.RowErrors, RowError{Table: table.Name, Err: err.Error()})
		}
	}
	return nil
}

func isComplex(v any) bool {
	switch v.(type) {
	case map[string]any, []any:
		return true
	default:
		return false
	}
}

func encodeJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
