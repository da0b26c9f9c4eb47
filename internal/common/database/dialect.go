// internal/common/database/dialect.go
package database

import (
	"strconv"
	"strings"
)

// Dialect selects the SQL flavour of the backing store.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

func (d Dialect) String() string {
	switch d {
	case DialectPostgres:
		return "postgres"
	default:
		return "sqlite"
	}
}

// Fold wraps a text expression in the dialect's Unicode case folding
// function. On postgres the result follows the database locale.
func (d Dialect) Fold(expr string) string {
	if d == DialectPostgres {
		return "LOWER(" + expr + ")"
	}
	return sqliteFoldFunc + "(" + expr + ")"
}

// Rebind rewrites '?' placeholders into the dialect's form. Queries are
// written with '?' everywhere; postgres gets $1..$n. Quoted literals are left
// untouched.
func (d Dialect) Rebind(query string) string {
	if d != DialectPostgres || !strings.Contains(query, "?") {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
