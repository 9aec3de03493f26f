package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

type postgresDialect struct{}

func (postgresDialect) Name() string {
	return "postgres"
}

func (postgresDialect) BindType() int {
	return sqlx.DOLLAR
}

func (postgresDialect) Quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func (postgresDialect) Paginate(limit, skip int64) (string, []any) {
	var (
		clause string
		args   []any
	)
	if limit > 0 {
		clause += " LIMIT ?"
		args = append(args, limit)
	}
	if skip > 0 {
		clause += " OFFSET ?"
		args = append(args, skip)
	}
	return clause, args
}

func (d postgresDialect) InsertSQL(table, keyColumn string, columns []string) string {
	returning := " RETURNING " + d.Quote(keyColumn)
	if len(columns) == 0 {
		return "INSERT INTO " + table + " DEFAULT VALUES" + returning
	}
	cols := Map(columns, d.Quote)
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)%s", table, strings.Join(cols, ", "), placeholders(len(columns)), returning)
}

func (postgresDialect) jsonb(column string) string {
	return fmt.Sprintf("CASE WHEN jsonb_typeof(%s::jsonb) = 'array' THEN %s::jsonb ELSE '[]'::jsonb END", column, column)
}

// ContainsAny uses jsonb containment for both the numeric and the string encoding
// of every value, since legacy rows store ids either way.
func (d postgresDialect) ContainsAny(column string, values []any) (string, []any) {
	var (
		terms  []string
		params []any
	)
	for _, v := range values {
		for _, enc := range jsonEncodings(v) {
			terms = append(terms, fmt.Sprintf("%s::jsonb @> ?::jsonb", column))
			params = append(params, enc)
		}
	}
	if len(terms) == 0 {
		return "1=0", nil
	}
	return "(" + strings.Join(terms, " OR ") + ")", params
}

func jsonEncodings(v any) []any {
	var out []any
	if isNumber(v) {
		b, _ := json.Marshal([]any{normalizeNumber(v)})
		out = append(out, string(b))
	}
	b, _ := json.Marshal([]string{stringForm(v)})
	return dedupe(append(out, string(b)))
}

func (d postgresDialect) Elements(column string) string {
	return fmt.Sprintf("jsonb_array_elements(%s) AS je(value)", d.jsonb(column))
}

func (postgresDialect) ElementField(key string, numeric bool) string {
	expr := "je.value #>> '{}'"
	if key != "" {
		expr = fmt.Sprintf("je.value->>'%s'", key)
	}
	if numeric {
		return "(" + expr + ")::numeric"
	}
	return expr
}

func (postgresDialect) ElementValues(v any) []any {
	return []any{stringForm(v)}
}

func (postgresDialect) ColumnType(f Field) string {
	if f.SQLType != "" {
		return f.SQLType
	}
	switch f.Kind {
	case KindRefSet, KindJSONArray, KindJSONObject:
		return "JSONB"
	case KindRef:
		return "BIGINT"
	case KindBool:
		return "BOOLEAN"
	}

	switch goTypeCategory(f.GoType) {
	case "int":
		return "BIGINT"
	case "float":
		return "DOUBLE PRECISION"
	case "bool":
		return "BOOLEAN"
	case "time":
		return "TIMESTAMPTZ"
	default:
		if f.Size > 0 {
			return fmt.Sprintf("VARCHAR(%d)", f.Size)
		}
		return "TEXT"
	}
}

func (d postgresDialect) CreateTableSQL(s *Schema) string {
	defs := append([]string{d.Quote(s.KeyColumn) + " BIGSERIAL PRIMARY KEY"}, columnDefs(d, s)...)
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", s.FullTableName(d), strings.Join(defs, ", "))
}

func (postgresDialect) DescribeSQL(s *Schema) (string, []any) {
	schema := s.TableSchema
	if schema == "" {
		schema = "public"
	}
	return `SELECT column_name, data_type, is_nullable, column_default
FROM information_schema.columns WHERE table_schema = ? AND table_name = ? ORDER BY ordinal_position`, []any{schema, s.Table}
}

func (postgresDialect) WrapError(err error) error {
	if werr, done := wrapCommonError(err); done {
		return werr
	}

	var code string
	var pqErr *pq.Error
	var pgErr *pgconn.PgError
	switch {
	case errors.As(err, &pqErr):
		code = string(pqErr.Code)
	case errors.As(err, &pgErr):
		code = pgErr.Code
	default:
		return err
	}

	switch code {
	case pgerrcode.UniqueViolation:
		return &ConstraintError{Kind: constraintUnique, Err: err}
	case pgerrcode.ForeignKeyViolation:
		return &ConstraintError{Kind: constraintForeignKey, Err: err}
	case pgerrcode.NotNullViolation:
		return &ConstraintError{Kind: constraintNotNull, Err: err}
	}

	if pgerrcode.IsConnectionException(code) {
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}

	return err
}
