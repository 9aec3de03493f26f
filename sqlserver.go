package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	mssql "github.com/microsoft/go-mssqldb"
)

type sqlServerDialect struct{}

func (sqlServerDialect) Name() string {
	return "sqlserver"
}

func (sqlServerDialect) BindType() int {
	return sqlx.AT
}

func (sqlServerDialect) Quote(ident string) string {
	return "[" + strings.ReplaceAll(ident, "]", "]]") + "]"
}

// Paginate relies on the ORDER BY that every generated SELECT carries; OFFSET/FETCH
// is invalid without one.
func (sqlServerDialect) Paginate(limit, skip int64) (string, []any) {
	if limit <= 0 && skip <= 0 {
		return "", nil
	}
	if skip < 0 {
		skip = 0
	}
	if limit <= 0 {
		return " OFFSET ? ROWS", []any{skip}
	}
	return " OFFSET ? ROWS FETCH NEXT ? ROWS ONLY", []any{skip, limit}
}

func (d sqlServerDialect) InsertSQL(table, keyColumn string, columns []string) string {
	output := " OUTPUT INSERTED." + d.Quote(keyColumn)
	if len(columns) == 0 {
		return "INSERT INTO " + table + output + " DEFAULT VALUES"
	}
	cols := Map(columns, d.Quote)
	return fmt.Sprintf("INSERT INTO %s (%s)%s VALUES (%s)", table, strings.Join(cols, ", "), output, placeholders(len(columns)))
}

func (d sqlServerDialect) guard(column string) string {
	return fmt.Sprintf("CASE WHEN ISJSON(%s) = 1 THEN %s ELSE N'[]' END", column, column)
}

// ContainsAny compares against the nvarchar value column of OPENJSON, which renders
// 7 and "7" identically, so the text form covers both storage variants.
func (d sqlServerDialect) ContainsAny(column string, values []any) (string, []any) {
	params := dedupe(Map(values, func(v any) any { return stringForm(v) }))
	return fmt.Sprintf("EXISTS (SELECT 1 FROM OPENJSON(%s) AS je WHERE je.[value] IN (%s))", d.guard(column), placeholders(len(params))), params
}

func (d sqlServerDialect) Elements(column string) string {
	return fmt.Sprintf("OPENJSON(%s) AS je", d.guard(column))
}

func (sqlServerDialect) ElementField(key string, numeric bool) string {
	expr := "je.[value]"
	if key != "" {
		expr = fmt.Sprintf("JSON_VALUE(je.[value], '$.%s')", key)
	}
	if numeric {
		return "TRY_CAST(" + expr + " AS FLOAT)"
	}
	return expr
}

func (sqlServerDialect) ElementValues(v any) []any {
	return []any{stringForm(v)}
}

func (sqlServerDialect) ColumnType(f Field) string {
	if f.SQLType != "" {
		return f.SQLType
	}
	switch f.Kind {
	case KindRefSet, KindJSONArray, KindJSONObject:
		return "NVARCHAR(MAX)"
	case KindRef:
		return "BIGINT"
	case KindBool:
		return "BIT"
	}

	switch goTypeCategory(f.GoType) {
	case "int":
		return "BIGINT"
	case "float":
		return "FLOAT"
	case "bool":
		return "BIT"
	case "time":
		return "DATETIME2"
	default:
		if f.Size > 0 {
			return fmt.Sprintf("NVARCHAR(%d)", f.Size)
		}
		return "NVARCHAR(MAX)"
	}
}

func (d sqlServerDialect) CreateTableSQL(s *Schema) string {
	objectName := s.Table
	if s.TableSchema != "" {
		objectName = s.TableSchema + "." + s.Table
	}
	defs := append([]string{d.Quote(s.KeyColumn) + " BIGINT IDENTITY(1,1) NOT NULL PRIMARY KEY"}, columnDefs(d, s)...)
	return fmt.Sprintf("IF OBJECT_ID(N'%s', N'U') IS NULL CREATE TABLE %s (%s)", objectName, s.FullTableName(d), strings.Join(defs, ", "))
}

func (sqlServerDialect) DescribeSQL(s *Schema) (string, []any) {
	schema := s.TableSchema
	if schema == "" {
		schema = "dbo"
	}
	return `SELECT COLUMN_NAME AS column_name, DATA_TYPE AS data_type, IS_NULLABLE AS is_nullable, COLUMN_DEFAULT AS column_default
FROM INFORMATION_SCHEMA.COLUMNS WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ? ORDER BY ORDINAL_POSITION`, []any{schema, s.Table}
}

func (sqlServerDialect) WrapError(err error) error {
	if werr, done := wrapCommonError(err); done {
		return werr
	}

	var msErr mssql.Error
	if errors.As(err, &msErr) {
		switch msErr.Number {
		case 2627, 2601:
			return &ConstraintError{Kind: constraintUnique, Err: err}
		case 547:
			return &ConstraintError{Kind: constraintForeignKey, Err: err}
		case 515:
			return &ConstraintError{Kind: constraintNotNull, Err: err}
		}
	}

	return err
}
