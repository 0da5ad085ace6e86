package storage

import (
	"strconv"
	"strings"
)

// rebindDollar rewrites "?" placeholders to $1, $2, ... in order.
// Queries in this package never contain a literal "?" inside strings.
func rebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
