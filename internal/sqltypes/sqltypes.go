// Package sqltypes infers and widens SQLite storage classes from observed
// JSON values, per the spec's widening rule (TEXT > REAL > INTEGER).
package sqltypes

import "strings"

// Class is one of SQLite's five type affinities.
type Class string

const (
	Integer Class = "INTEGER"
	Real    Class = "REAL"
	Text    Class = "TEXT"
	Blob    Class = "BLOB"
	Numeric Class = "NUMERIC"
)

// Observe classifies a single decoded JSON value (from encoding/json, so
// numbers arrive as float64) into a storage-class observation.
func Observe(v any) Class {
	switch val := v.(type) {
	case nil:
		return Text
	case bool:
		return Integer
	case float64:
		if val == float64(int64(val)) {
			return Integer
		}
		return Real
	case string:
		return Text
	default:
		return Text
	}
}

// Set is an accumulating set of observations for a single column.
type Set map[Class]bool

// Add records an observation.
func (s Set) Add(c Class) { s[c] = true }

// Resolve widens a set of observations to a single storage class: TEXT wins
// over REAL wins over INTEGER.
func (s Set) Resolve() Class {
	if len(s) == 0 {
		return Text
	}
	if s[Text] {
		return Text
	}
	if s[Real] {
		return Real
	}
	return Integer
}

// aliases maps declared type names (from a schema descriptor) to a storage
// class. Unrecognised names default to TEXT.
var aliases = map[string]Class{
	"varchar":   Text,
	"char":      Text,
	"text":      Text,
	"string":    Text,
	"bigint":    Integer,
	"int":       Integer,
	"integer":   Integer,
	"boolean":   Integer,
	"bool":      Integer,
	"float":     Real,
	"double":    Real,
	"real":      Real,
	"decimal":   Numeric,
	"numeric":   Numeric,
	"date":      Text,
	"datetime":  Text,
	"timestamp": Text,
}

// FromDeclared resolves a pre-stated type name (e.g. from a schema
// descriptor) to a storage class, recognising common aliases and defaulting
// unrecognised names to TEXT.
func FromDeclared(declared string) Class {
	if c, ok := aliases[strings.ToLower(strings.TrimSpace(declared))]; ok {
		return c
	}
	return Text
}
