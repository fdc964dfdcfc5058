// Package identifier sanitises arbitrary strings into safe SQL identifiers
// (table and column names). It is deliberately dependency-free: this is a
// pure string transform and no library in the example corpus does exactly
// this contract (lowercase + camel-to-snake + character stripping +
// reserved-word suffixing), so the standard library is the right tool.
package identifier

import (
	"strings"
	"unicode"
)

// reserved holds the fixed reserved-word list from the spec, at minimum.
var reserved = map[string]bool{
	"table": true, "index": true, "view": true, "column": true,
	"primary": true, "key": true, "foreign": true, "constraint": true,
	"order": true, "group": true, "select": true, "from": true,
	"where": true, "insert": true, "update": true, "delete": true,
	"create": true, "drop": true, "alter": true, "join": true,
	"inner": true, "outer": true, "left": true, "right": true,
	"union": true, "all": true, "distinct": true, "having": true,
	"limit": true, "offset": true, "as": true, "on": true,
}

// synonyms collapses a handful of domain-specific identifier spellings to
// their canonical snake_case form before the reserved-word check runs.
var synonyms = map[string]string{
	"compoundid":   "compound_id",
	"compound_id_": "compound_id",
	"ensemblid":    "ensembl_id",
	"chemblid":     "chembl_id",
	"efoid":        "efo_id",
}

// NormaliseTable sanitises name into a safe SQL table name.
func NormaliseTable(name string) string {
	return normalise(name, "table_", "_tbl")
}

// NormaliseColumn sanitises name into a safe SQL column name, converting
// camelCase to snake_case first.
func NormaliseColumn(name string) string {
	return normalise(camelToSnake(name), "col_", "_col")
}

func normalise(name, digitPrefix, collisionSuffix string) string {
	lower := strings.ToLower(name)

	var b strings.Builder
	for _, r := range lower {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	cleaned := collapseUnderscores(b.String())
	cleaned = strings.Trim(cleaned, "_")

	if alias, ok := synonyms[cleaned]; ok {
		cleaned = alias
	}

	if cleaned == "" || (cleaned[0] >= '0' && cleaned[0] <= '9') {
		cleaned = digitPrefix + cleaned
	}

	if reserved[cleaned] {
		cleaned = cleaned + collisionSuffix
	}

	return cleaned
}

func collapseUnderscores(s string) string {
	var b strings.Builder
	prevUnderscore := false
	for _, r := range s {
		if r == '_' {
			if prevUnderscore {
				continue
			}
			prevUnderscore = true
		} else {
			prevUnderscore = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

// camelToSnake converts camelCase/PascalCase input to snake_case. Runs of
// consecutive uppercase letters (an acronym) are treated as a single word.
func camelToSnake(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			prevLower := i > 0 && (unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1]))
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if i > 0 && (prevLower || (nextLower && unicode.IsUpper(runes[i-1]))) {
				b.WriteRune('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// IsReserved reports whether a cleaned (lowercased) word collides with the
// fixed reserved-word set, exposed for callers that want to pre-check
// user-declared identifiers before falling back to normalisation.
func IsReserved(word string) bool {
	return reserved[strings.ToLower(word)]
}

// AddReservedWords extends the fixed reserved-word set with deployment- or
// domain-specific words, supplied through Config. Safe to call only before
// any staging begins — the sets are package-global, not per-compartment.
func AddReservedWords(words []string) {
	for _, w := range words {
		reserved[strings.ToLower(w)] = true
	}
}

// AddSynonyms extends the synonym map with additional collapsed spellings,
// supplied through Config.
func AddSynonyms(m map[string]string) {
	for k, v := range m {
		synonyms[strings.ToLower(k)] = v
	}
}
