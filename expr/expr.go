// Package expr manipulates the clause structured update expressions used by
// the store. An update expression is a sequence of clauses, each introduced by
// one of the keywords SET, ADD, REMOVE or DELETE, for example
//
//	SET #a = :a, b = b + :one REMOVE c
//
// The functions here let code inject its own clauses (such as a version bump)
// into an expression supplied by someone else without corrupting either one.
// Attribute names are referenced through "#name" placeholders and values
// through ":name" placeholders; DefineAttributes builds both maps.
package expr

import (
	"strings"
)

// Keywords lists the clause keywords in the order Stringify emits them.
var Keywords = []string{"SET", "ADD", "REMOVE", "DELETE"}

// Clauses maps an upper case clause keyword to the text of that clause,
// without the keyword itself.
type Clauses map[string]string

// keyword returns the canonical form of token if it is a clause keyword,
// and the empty string otherwise.
func keyword(token string) string {
	up := strings.ToUpper(token)
	for _, k := range Keywords {
		if up == k {
			return k
		}
	}
	return ""
}

// Parse splits expression into its clauses. Keywords are matched without
// regard to case. Any tokens appearing before the first keyword are dropped.
// Whitespace inside a clause is collapsed to single spaces. If a keyword
// appears more than once its fragments are joined with ", ".
func Parse(expression string) Clauses {
	result := make(Clauses)
	var current string
	var tokens []string
	flush := func() {
		if current == "" || len(tokens) == 0 {
			return
		}
		fragment := strings.Join(tokens, " ")
		if prev := result[current]; prev != "" {
			fragment = prev + ", " + fragment
		}
		result[current] = fragment
	}
	for _, token := range strings.Fields(expression) {
		if k := keyword(token); k != "" {
			flush()
			current = k
			tokens = tokens[:0]
			continue
		}
		if current == "" {
			continue
		}
		tokens = append(tokens, token)
	}
	flush()
	return result
}

// Stringify serializes c back into an expression. Only keywords with non-empty
// content are emitted, always in the order SET, ADD, REMOVE, DELETE.
func Stringify(c Clauses) string {
	var parts []string
	for _, k := range Keywords {
		fragment := strings.TrimSpace(c[k])
		if fragment == "" {
			continue
		}
		parts = append(parts, k+" "+fragment)
	}
	return strings.Join(parts, " ")
}

// Compose merges the given expressions into one. Fragments for the same
// keyword are joined with ", ". For a given keyword the fragments of a later
// argument come before those of an earlier one, so
//
//	Compose("SET a = :a", "SET b = :b") == "SET b = :b, a = :a"
func Compose(expressions ...string) string {
	composed := make(Clauses)
	for _, e := range expressions {
		for k, fragment := range Parse(e) {
			if prev := composed[k]; prev != "" {
				fragment = fragment + ", " + prev
			}
			composed[k] = fragment
		}
	}
	return Stringify(composed)
}

// DefineAttributes returns the placeholder maps for a set of attributes.
// Each key k in attrs produces the name placeholder "#k" -> k and the value
// placeholder ":k" -> attrs[k].
func DefineAttributes(attrs map[string]interface{}) (map[string]string, map[string]interface{}) {
	names := make(map[string]string, len(attrs))
	values := make(map[string]interface{}, len(attrs))
	for k, v := range attrs {
		names["#"+k] = k
		values[":"+k] = v
	}
	return names, values
}
