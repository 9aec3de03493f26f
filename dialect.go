package store

import (
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Dialect holds everything that differs between the supported SQL engines:
// bindvars, quoting, paging, JSON column access and error classification.
type Dialect interface {
	Name() string
	// BindType is one of the sqlx bindvar constants.
	BindType() int
	Quote(ident string) string

	// Paginate returns the clause placed after ORDER BY together with its parameters.
	Paginate(limit, skip int64) (string, []any)
	// InsertSQL returns an INSERT that yields the generated key as its only column.
	InsertSQL(table, keyColumn string, columns []string) string

	// ContainsAny tests whether the JSON array stored in column holds any of values.
	ContainsAny(column string, values []any) (string, []any)
	// Elements is a FROM source iterating the JSON array in column as rows aliased je.
	Elements(column string) string
	// ElementField addresses key inside the current je element.
	ElementField(key string, numeric bool) string
	// ElementValues lists the representations an element value must be matched against.
	ElementValues(v any) []any

	ColumnType(f Field) string
	CreateTableSQL(s *Schema) string
	DescribeSQL(s *Schema) (string, []any)

	WrapError(err error) error
}

// DialectFor returns the dialect registered for a database/sql driver name.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case DriverSQLServer, "mssql", "azuresql":
		return sqlServerDialect{}, nil
	case DriverPostgres, DriverPgx:
		return postgresDialect{}, nil
	case DriverSqlite, "sqlite3":
		return sqliteDialect{}, nil
	default:
		return nil, fmt.Errorf("no dialect for driver %q", driver)
	}
}

// likeEscape is the escape character used by every generated LIKE.
const likeEscape = '!'

func escapeLike(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '%', '_', '[', likeEscape:
			b.WriteRune(likeEscape)
		}
		b.WriteRune(r)
	}
	return b.String()
}

// stringForm renders a scalar the way it appears as text inside JSON or after ->> / JSON_VALUE.
func stringForm(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case time.Time:
		return t.Format(time.RFC3339Nano)
	}
	if isNumber(v) {
		return idKey(v)
	}
	return fmt.Sprint(v)
}

func dedupe(values []any) []any {
	seen := make(map[string]bool, len(values))
	var out []any
	for _, v := range values {
		k := fmt.Sprintf("%T:%v", v, v)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, v)
	}
	return out
}

func columnDefs(d Dialect, s *Schema) []string {
	return Map(s.Fields, func(f Field) string {
		def := d.Quote(f.Column) + " " + d.ColumnType(f)
		if f.Required {
			def += " NOT NULL"
		}
		return def
	})
}

// goTypeCategory sorts a Go field type into the buckets used to pick a column type.
func goTypeCategory(t reflect.Type) string {
	if t == nil {
		return "text"
	}
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	switch t.Kind() {
	case reflect.String:
		return "text"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "int"
	case reflect.Float32, reflect.Float64:
		return "float"
	case reflect.Bool:
		return "bool"
	case reflect.Struct:
		switch t.Name() {
		case "Time":
			return "time"
		case "NullString", "String":
			return "text"
		case "NullFloat64", "Float":
			return "float"
		case "NullInt32", "NullInt64", "Int":
			return "int"
		case "NullBool", "Bool":
			return "bool"
		}
	}
	return "text"
}

func wrapCommonError(err error) (error, bool) {
	if err == nil {
		return nil, true
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w. %s", ErrKeynotFound, err.Error()), true
	}
	if isBadConn(err) {
		return fmt.Errorf("%w: %w", ErrConnection, err), true
	}
	return err, false
}
