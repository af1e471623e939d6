package storage

import (
	"strconv"
	"strings"
)

func (s *Store) rebind(query string) string {
	return rebindQuery(s.driver, query)
}

// rebindQuery rewrites '?' placeholders as $1, $2, ... for postgres. Other
// drivers take the query unchanged.
func rebindQuery(driver, query string) string {
	if driver != "pgx" {
		return query
	}
	return rebindToPostgres(query)
}

// rebindToPostgres leaves '?' alone inside single-quoted literals and
// double-quoted identifiers. A doubled quote inside either is an escape.
func rebindToPostgres(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)

	var quote byte
	argIndex := 1

	for i := 0; i < len(query); i++ {
		ch := query[i]

		switch {
		case quote != 0 && ch == quote:
			if i+1 < len(query) && query[i+1] == quote {
				b.WriteByte(ch)
				b.WriteByte(ch)
				i++
				continue
			}
			quote = 0
		case quote == 0 && (ch == '\'' || ch == '"'):
			quote = ch
		case quote == 0 && ch == '?':
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(argIndex))
			argIndex++
			continue
		}

		b.WriteByte(ch)
	}

	return b.String()
}
