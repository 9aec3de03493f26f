package store

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

type sqliteDialect struct{}

func (sqliteDialect) Name() string {
	return "sqlite"
}

func (sqliteDialect) BindType() int {
	return sqlx.QUESTION
}

func (sqliteDialect) Quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func (sqliteDialect) Paginate(limit, skip int64) (string, []any) {
	switch {
	case limit > 0 && skip > 0:
		return " LIMIT ? OFFSET ?", []any{limit, skip}
	case limit > 0:
		return " LIMIT ?", []any{limit}
	case skip > 0:
		// sqlite cannot OFFSET without LIMIT
		return " LIMIT -1 OFFSET ?", []any{skip}
	default:
		return "", nil
	}
}

func (d sqliteDialect) InsertSQL(table, keyColumn string, columns []string) string {
	returning := " RETURNING " + d.Quote(keyColumn)
	if len(columns) == 0 {
		return "INSERT INTO " + table + " DEFAULT VALUES" + returning
	}
	cols := Map(columns, d.Quote)
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)%s", table, strings.Join(cols, ", "), placeholders(len(columns)), returning)
}

func (sqliteDialect) guard(column string) string {
	return fmt.Sprintf("CASE WHEN json_valid(%s) THEN %s ELSE '[]' END", column, column)
}

func (d sqliteDialect) ContainsAny(column string, values []any) (string, []any) {
	var params []any
	for _, v := range values {
		params = append(params, d.ElementValues(v)...)
	}
	params = dedupe(params)
	if len(params) == 0 {
		return "1=0", nil
	}
	return fmt.Sprintf("EXISTS (SELECT 1 FROM json_each(%s) AS je WHERE je.value IN (%s))", d.guard(column), placeholders(len(params))), params
}

func (d sqliteDialect) Elements(column string) string {
	return fmt.Sprintf("json_each(%s) AS je", d.guard(column))
}

func (sqliteDialect) ElementField(key string, numeric bool) string {
	expr := "je.value"
	if key != "" {
		expr = fmt.Sprintf("json_extract(je.value, '$.%s')", key)
	}
	if numeric {
		return "CAST(" + expr + " AS REAL)"
	}
	return expr
}

// ElementValues returns both the numeric and the text form of v. json_each yields
// untyped values, so 7 and '7' never compare equal.
func (sqliteDialect) ElementValues(v any) []any {
	switch t := v.(type) {
	case bool:
		if t {
			return []any{int64(1)}
		}
		return []any{int64(0)}
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64); err == nil {
			return []any{t, n}
		}
		if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
			return []any{t, f}
		}
		return []any{t}
	}
	if isNumber(v) {
		return dedupe([]any{normalizeNumber(v), stringForm(v)})
	}
	return []any{v}
}

func (sqliteDialect) ColumnType(f Field) string {
	if f.SQLType != "" {
		return f.SQLType
	}
	switch f.Kind {
	case KindRefSet, KindJSONArray, KindJSONObject:
		return "TEXT"
	case KindRef, KindBool:
		return "INTEGER"
	}

	switch goTypeCategory(f.GoType) {
	case "int", "bool":
		return "INTEGER"
	case "float":
		return "REAL"
	case "time":
		return "TIMESTAMP"
	default:
		return "TEXT"
	}
}

func (d sqliteDialect) CreateTableSQL(s *Schema) string {
	defs := append([]string{d.Quote(s.KeyColumn) + " INTEGER PRIMARY KEY AUTOINCREMENT"}, columnDefs(d, s)...)
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", s.FullTableName(d), strings.Join(defs, ", "))
}

func (sqliteDialect) DescribeSQL(s *Schema) (string, []any) {
	return `SELECT name AS column_name, type AS data_type,
CASE WHEN "notnull" = 1 THEN 'NO' ELSE 'YES' END AS is_nullable, dflt_value AS column_default
FROM pragma_table_info(?) ORDER BY cid`, []any{s.Table}
}

func (sqliteDialect) WrapError(err error) error {
	if werr, done := wrapCommonError(err); done {
		return werr
	}

	var sqErr *sqlite.Error
	if !errors.As(err, &sqErr) {
		return err
	}

	switch sqErr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return &ConstraintError{Kind: constraintUnique, Err: err}
	case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
		return &ConstraintError{Kind: constraintForeignKey, Err: err}
	case sqlite3.SQLITE_CONSTRAINT_NOTNULL:
		return &ConstraintError{Kind: constraintNotNull, Err: err}
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_CANTOPEN:
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}

	return err
}
