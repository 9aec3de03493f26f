package store

import (
	"context"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
)

// Model is one registered entity backed by one table.
type Model struct {
	store      *Store
	schema     Schema
	initValues []any
}

func (m *Model) Name() string {
	return m.schema.Name
}

func (m *Model) Schema() *Schema {
	return &m.schema
}

func (m *Model) Store() *Store {
	return m.store
}

func (m *Model) dialect() Dialect {
	return m.store.pool.Dialect()
}

// conn picks the transaction from options or falls back to the pool.
func (m *Model) conn(opt *queryOption) Querier {
	if opt.Tx != nil {
		return opt.Tx
	}
	return m.store.pool
}

func (m *Model) Find(filter any) *Query {
	return newQuery(m, filter, false)
}

func (m *Model) FindOne(filter any) *Query {
	return newQuery(m, filter, true)
}

func (m *Model) FindById(id any) *Query {
	return newQuery(m, bson.D{{Key: IDField, Value: id}}, true)
}

// Select runs a find configured through QueryOptions instead of chaining.
func (m *Model) Select(ctx context.Context, filter any, options ...QueryOption) ([]*Record, error) {
	opt := newQueryOption(options)
	q := m.Find(filter).Limit(opt.Limit).Skip(opt.Offset).Sort(opt.Sorter)
	if opt.Tx != nil {
		q = q.Session(opt.Tx)
	}
	return q.Exec(ctx)
}

// New returns an unsaved record. Save inserts it.
func (m *Model) New(data any) (*Record, error) {
	doc, err := toDocument(data)
	if err != nil {
		return nil, err
	}
	if err := m.checkWritable(doc, false); err != nil {
		return nil, err
	}
	return &Record{model: m, doc: doc.Clone(), isNew: true}, nil
}

func (m *Model) checkWritable(doc Document, allowID bool) error {
	for k := range doc {
		if k == IDField {
			if allowID {
				continue
			}
			return compileErrorf(k, "primary key is generated by the database")
		}
		if _, ok := m.schema.Field(k); !ok {
			return compileErrorf(k, "unknown field on %s", m.schema.Name)
		}
	}
	return nil
}

// columnValues converts the document keys present in doc into column/value pairs in
// schema order.
func (m *Model) columnValues(doc Document) ([]string, []any, error) {
	var (
		columns []string
		values  []any
	)
	for i := range m.schema.Fields {
		f := &m.schema.Fields[i]
		v, ok := doc[f.Name]
		if !ok {
			continue
		}
		cv, err := columnValue(f, v)
		if err != nil {
			return nil, nil, err
		}
		columns = append(columns, f.Column)
		values = append(values, cv)
	}
	return columns, values, nil
}

// Create inserts only the keys present in data and returns the stored entity.
func (m *Model) Create(ctx context.Context, data any, options ...QueryOption) (*Record, error) {
	doc, err := toDocument(data)
	if err != nil {
		return nil, err
	}
	if err := m.checkWritable(doc, false); err != nil {
		return nil, err
	}

	opt := newQueryOption(options)
	return m.insert(ctx, m.conn(opt), doc)
}

func (m *Model) insert(ctx context.Context, conn Querier, doc Document) (*Record, error) {
	columns, values, err := m.columnValues(doc)
	if err != nil {
		return nil, err
	}

	d := m.dialect()
	qry := d.InsertSQL(m.schema.FullTableName(d), m.schema.KeyColumn, columns)
	rows, _, err := conn.Query(ctx, qry, values...)
	if err != nil {
		return nil, wrapOp("create", m.schema.Name, err)
	}
	if len(rows) == 0 {
		return nil, wrapOp("create", m.schema.Name, fmt.Errorf("insert returned no key"))
	}

	id := generatedKey(rows[0], m.schema.KeyColumn)
	rec, err := m.FindById(id).Session(asTransaction(conn)).One(ctx)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, wrapOp("create", m.schema.Name, fmt.Errorf("%w: inserted row %v not readable", ErrKeynotFound, id))
	}
	return rec, nil
}

func generatedKey(row Row, keyColumn string) any {
	for k, v := range row {
		if strings.EqualFold(k, keyColumn) {
			return normalizeScalar(v)
		}
	}
	for _, v := range row {
		return normalizeScalar(v)
	}
	return nil
}

func asTransaction(conn Querier) Transaction {
	tx, _ := conn.(Transaction)
	return tx
}

// InsertMany creates every entry inside one transaction.
func (m *Model) InsertMany(ctx context.Context, data []any, options ...QueryOption) ([]*Record, error) {
	docs := make([]Document, len(data))
	for i, v := range data {
		doc, err := toDocument(v)
		if err != nil {
			return nil, err
		}
		if err := m.checkWritable(doc, false); err != nil {
			return nil, err
		}
		docs[i] = doc
	}

	var records []*Record
	err := m.withTx(ctx, newQueryOption(options), func(tx Transaction) error {
		for _, doc := range docs {
			rec, err := m.insert(ctx, tx, doc)
			if err != nil {
				return err
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// withTx runs fn in the caller's transaction, or in a new one committed on success.
func (m *Model) withTx(ctx context.Context, opt *queryOption, fn func(tx Transaction) error) error {
	if opt.Tx != nil {
		return fn(opt.Tx)
	}

	tx, err := m.store.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Release()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// FindByIdAndUpdate applies a sparse update to one row. Only the keys present in
// update are written. It returns the document as it was before the update, or after
// it with WithReturnNew, and (nil, nil) when no row has that id.
func (m *Model) FindByIdAndUpdate(ctx context.Context, id any, update any, options ...QueryOption) (*Record, error) {
	set, params, err := compileUpdate(m.dialect(), &m.schema, update)
	if err != nil {
		return nil, err
	}

	opt := newQueryOption(options)
	var result *Record
	err = m.withTx(ctx, opt, func(tx Transaction) error {
		before, err := m.FindById(id).Session(tx).One(ctx)
		if err != nil || before == nil {
			return err
		}
		result = before

		if set == "" {
			return nil
		}

		where, whereParams, err := CompileFilter(m.dialect(), &m.schema, bson.D{{Key: IDField, Value: id}})
		if err != nil {
			return err
		}
		qry := "UPDATE " + m.schema.FullTableName(m.dialect()) + " SET " + set + " WHERE " + where
		if _, err := tx.Exec(ctx, qry, append(params, whereParams...)...); err != nil {
			return wrapOp("findByIdAndUpdate", m.schema.Name, err)
		}

		if opt.ReturnNew {
			result, err = m.FindById(id).Session(tx).One(ctx)
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// UpdateMany applies a sparse update to every matching row and returns how many
// rows changed.
func (m *Model) UpdateMany(ctx context.Context, filter any, update any, options ...QueryOption) (int64, error) {
	d := m.dialect()
	set, params, err := compileUpdate(d, &m.schema, update)
	if err != nil {
		return 0, err
	}
	if set == "" {
		return 0, nil
	}

	where, whereParams, err := CompileFilter(d, &m.schema, filter)
	if err != nil {
		return 0, err
	}

	qry := "UPDATE " + m.schema.FullTableName(d) + " SET " + set
	if where != "" {
		qry += " WHERE " + where
	}

	res, err := m.conn(newQueryOption(options)).Exec(ctx, qry, append(params, whereParams...)...)
	if err != nil {
		return 0, wrapOp("updateMany", m.schema.Name, err)
	}
	return res.RowsAffected()
}

// FindByIdAndDelete removes one row and returns its last state, or (nil, nil) when
// no row has that id.
func (m *Model) FindByIdAndDelete(ctx context.Context, id any, options ...QueryOption) (*Record, error) {
	var snapshot *Record
	err := m.withTx(ctx, newQueryOption(options), func(tx Transaction) error {
		rec, err := m.FindById(id).Session(tx).One(ctx)
		if err != nil || rec == nil {
			return err
		}

		n, err := m.deleteWhere(ctx, tx, bson.D{{Key: IDField, Value: id}})
		if err != nil {
			return wrapOp("findByIdAndDelete", m.schema.Name, err)
		}
		if n == 0 {
			return nil
		}

		rec.detached = true
		snapshot = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

// DeleteMany removes every matching row and returns how many were removed.
func (m *Model) DeleteMany(ctx context.Context, filter any, options ...QueryOption) (int64, error) {
	n, err := m.deleteWhere(ctx, m.conn(newQueryOption(options)), filter)
	if err != nil {
		return 0, wrapOp("deleteMany", m.schema.Name, err)
	}
	return n, nil
}

func (m *Model) deleteWhere(ctx context.Context, conn Querier, filter any) (int64, error) {
	d := m.dialect()
	where, params, err := CompileFilter(d, &m.schema, filter)
	if err != nil {
		return 0, err
	}

	qry := "DELETE FROM " + m.schema.FullTableName(d)
	if where != "" {
		qry += " WHERE " + where
	}
	res, err := conn.Exec(ctx, qry, params...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (m *Model) CountDocuments(ctx context.Context, filter any, options ...QueryOption) (int64, error) {
	return m.count(ctx, m.conn(newQueryOption(options)), filter)
}

func (m *Model) count(ctx context.Context, conn Querier, filter any) (int64, error) {
	d := m.dialect()
	where, params, err := CompileFilter(d, &m.schema, filter)
	if err != nil {
		return 0, err
	}

	qry := "SELECT COUNT(*) AS n FROM " + m.schema.FullTableName(d)
	if where != "" {
		qry += " WHERE " + where
	}
	rows, _, err := conn.Query(ctx, qry, params...)
	if err != nil {
		return 0, wrapOp("countDocuments", m.schema.Name, err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	switch n := normalizeNumber(rows[0]["n"]).(type) {
	case int64:
		return n, nil
	default:
		return 0, wrapOp("countDocuments", m.schema.Name, fmt.Errorf("unexpected count %T", n))
	}
}

// saveRecord writes every loaded field of an existing record.
func (m *Model) saveRecord(ctx context.Context, conn Querier, r *Record) error {
	fields := r.fields
	if fields == nil {
		for i := range m.schema.Fields {
			fields = append(fields, &m.schema.Fields[i])
		}
	}

	d := m.dialect()
	var (
		sets   []string
		params []any
	)
	for _, f := range fields {
		v, err := columnValue(f, r.doc[f.Name])
		if err != nil {
			return err
		}
		sets = append(sets, d.Quote(f.Column)+" = ?")
		params = append(params, v)
	}
	if len(sets) == 0 {
		return nil
	}

	params = append(params, scalarParam(r.doc[IDField]))
	qry := "UPDATE " + m.schema.FullTableName(d) + " SET " + strings.Join(sets, ", ") +
		" WHERE " + d.Quote(m.schema.KeyColumn) + " = ?"
	res, err := conn.Exec(ctx, qry, params...)
	if err != nil {
		return wrapOp("save", m.schema.Name, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return wrapOp("save", m.schema.Name, fmt.Errorf("%w: %v", ErrKeynotFound, r.doc[IDField]))
	}
	return nil
}

func (m *Model) mapRows(rows []Row) []Document {
	docs := make([]Document, len(rows))
	for i, row := range rows {
		doc, malformed := mapRow(&m.schema, row)
		if len(malformed) > 0 {
			m.store.log.Warn().
				Str("model", m.schema.Name).
				Interface("id", doc[IDField]).
				Strs("fields", malformed).
				Msg("malformed JSON column, using empty value")
		}
		docs[i] = doc
	}
	return docs
}
