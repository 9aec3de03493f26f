package store

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"
)

// Rebind rewrites positional ? placeholders into the bindvar style of bindType in a
// single left-to-right pass. Placeholders inside quoted literals and identifiers are
// left alone. The number of placeholders must equal paramCount.
func Rebind(bindType int, qry string, paramCount int) (string, error) {
	var out strings.Builder
	out.Grow(len(qry) + paramCount*3)

	n := 0
	var quote byte
	for i := 0; i < len(qry); i++ {
		ch := qry[i]

		if quote != 0 {
			out.WriteByte(ch)
			if ch == quote {
				// doubled quote is an escaped quote, stay inside the literal
				if i+1 < len(qry) && qry[i+1] == quote && quote != ']' {
					out.WriteByte(qry[i+1])
					i++
					continue
				}
				quote = 0
			}
			continue
		}

		switch ch {
		case '\'', '"':
			quote = ch
			out.WriteByte(ch)
			continue
		case '[':
			quote = ']'
			out.WriteByte(ch)
			continue
		case '?':
		default:
			out.WriteByte(ch)
			continue
		}

		n++
		switch bindType {
		case sqlx.DOLLAR:
			out.WriteByte('$')
			out.WriteString(strconv.Itoa(n))
		case sqlx.AT:
			out.WriteString("@p")
			out.WriteString(strconv.Itoa(n))
		case sqlx.NAMED:
			out.WriteString(":arg")
			out.WriteString(strconv.Itoa(n))
		default:
			out.WriteByte('?')
		}
	}

	if n != paramCount {
		return "", fmt.Errorf("%w: %d placeholders, %d params in %q", ErrParamCount, n, paramCount, qry)
	}

	return out.String(), nil
}

// CountPlaceholders returns the number of ? placeholders outside quoted text.
func CountPlaceholders(qry string) int {
	n := 0
	var quote byte
	for i := 0; i < len(qry); i++ {
		ch := qry[i]
		if quote != 0 {
			if ch == quote {
				quote = 0
			}
			continue
		}
		switch ch {
		case '\'', '"':
			quote = ch
		case '[':
			quote = ']'
		case '?':
			n++
		}
	}
	return n
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return "?" + strings.Repeat(", ?", n-1)
}
