package store

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
)

// ImportCSV loads rows from r into the model's table inside one transaction and
// returns how many rows were inserted. With header set, the first line names the
// fields (logical names or column names, in any order); otherwise the columns follow
// the schema order. Empty cells are stored as NULL. The primary key is never imported.
func (m *Model) ImportCSV(ctx context.Context, r io.Reader, header bool, options ...QueryOption) (int64, error) {
	rd := csv.NewReader(r)
	rd.TrimLeadingSpace = true

	fields := m.writableFields()
	if header {
		line, err := rd.Read()
		if err != nil {
			return 0, fmt.Errorf("read csv header: %w", err)
		}
		fields, err = m.headerFields(line)
		if err != nil {
			return 0, err
		}
	}
	if len(fields) == 0 {
		return 0, compileErrorf("csv", "no columns to import into %s", m.schema.Name)
	}

	d := m.dialect()
	columns := Map(fields, func(f *Field) string { return d.Quote(f.Column) })
	qry := "INSERT INTO " + m.schema.FullTableName(d) +
		" (" + strings.Join(columns, ", ") + ") VALUES (" + placeholders(len(fields)) + ")"

	var n int64
	err := m.withTx(ctx, newQueryOption(options), func(tx Transaction) error {
		for {
			line, err := rd.Read()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return fmt.Errorf("read csv line %d: %w", n+1, err)
			}
			if len(line) != len(fields) {
				return fmt.Errorf("csv line %d has %d values, want %d", n+1, len(line), len(fields))
			}

			values := make([]any, len(line))
			for i, cell := range line {
				cell = strings.TrimSpace(cell)
				if cell == "" {
					continue
				}
				v, err := columnValue(fields[i], cell)
				if err != nil {
					return err
				}
				values[i] = v
			}

			if _, err := tx.Exec(ctx, qry, values...); err != nil {
				return wrapOp("importCSV", m.schema.Name, err)
			}
			n++
		}
	})
	if err != nil {
		return 0, err
	}

	m.store.log.Info().Str("model", m.schema.Name).Int64("rows", n).Msg("csv imported")
	return n, nil
}

func (m *Model) writableFields() []*Field {
	fields := make([]*Field, len(m.schema.Fields))
	for i := range m.schema.Fields {
		fields[i] = &m.schema.Fields[i]
	}
	return fields
}

func (m *Model) headerFields(line []string) ([]*Field, error) {
	seen := map[string]bool{}
	fields := make([]*Field, len(line))
	for i, name := range line {
		name = strings.TrimSpace(name)
		f, ok := m.schema.Field(name)
		if !ok {
			f, ok = m.schema.fieldByColumn(name)
		}
		if !ok {
			return nil, compileErrorf("csv."+name, "header does not match a field of %s", m.schema.Name)
		}
		if seen[f.Name] {
			return nil, compileErrorf("csv."+name, "column appears twice in header")
		}
		seen[f.Name] = true
		fields[i] = f
	}
	return fields, nil
}
