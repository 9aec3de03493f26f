package store

import (
	"context"
	"strings"
)

// Query is a lazy, chainable find. Nothing touches the database until a terminal
// method (Exec, One, Docs, Count, Go, Iterator) runs; every terminal call executes
// afresh. Chain errors are kept and returned by the terminal call.
type Query struct {
	model     *Model
	filter    any
	single    bool
	sort      []sortKey
	limit     int64
	skip      int64
	proj      *projection
	populates []populateSpec
	lean      bool
	conn      Querier
	err       error
}

type populateSpec struct {
	path   string
	fields string
}

// QueryResult is delivered by Go once the query finishes.
type QueryResult struct {
	Records []*Record
	Err     error
}

func newQuery(m *Model, filter any, single bool) *Query {
	return &Query{model: m, filter: filter, single: single}
}

func (q *Query) setErr(err error) *Query {
	if q.err == nil {
		q.err = err
	}
	return q
}

// Where replaces the filter.
func (q *Query) Where(filter any) *Query {
	q.filter = filter
	return q
}

// Sort appends sort keys, e.g. Sort("-createdAt name") or Sort(bson.D{{"name", 1}}).
func (q *Query) Sort(spec any) *Query {
	keys, err := parseSort(&q.model.schema, spec)
	if err != nil {
		return q.setErr(err)
	}
	q.sort = append(q.sort, keys...)
	return q
}

func (q *Query) Limit(n int64) *Query {
	if n < 0 {
		return q.setErr(compileErrorf("limit", "must not be negative"))
	}
	q.limit = n
	return q
}

func (q *Query) Skip(n int64) *Query {
	if n < 0 {
		return q.setErr(compileErrorf("skip", "must not be negative"))
	}
	q.skip = n
	return q
}

// Select narrows the returned fields: "name code", "-notes", "+password" or a
// bson document of 0/1 flags. The primary key is always returned.
func (q *Query) Select(spec any) *Query {
	if q.proj == nil {
		q.proj = &projection{}
	}
	if err := q.proj.merge(&q.model.schema, spec); err != nil {
		return q.setErr(err)
	}
	return q
}

// Populate queues relation paths to hydrate after the rows are fetched. path may hold
// several space separated paths; fields optionally narrows the populated documents.
// Calls accumulate.
func (q *Query) Populate(path string, fields ...string) *Query {
	hint := strings.Join(fields, " ")
	for _, p := range strings.Fields(path) {
		if err := q.model.checkPath(p); err != nil {
			return q.setErr(err)
		}
		q.populates = append(q.populates, populateSpec{path: p, fields: hint})
	}
	return q
}

// Lean returns detached records that cannot be saved.
func (q *Query) Lean() *Query {
	q.lean = true
	return q
}

// Session runs the query inside tx.
func (q *Query) Session(tx Transaction) *Query {
	if tx != nil {
		q.conn = tx
	}
	return q
}

func (q *Query) querier() Querier {
	if q.conn != nil {
		return q.conn
	}
	return q.model.store.pool
}

// SQL compiles the query without running it.
func (q *Query) SQL() (string, []any, error) {
	if q.err != nil {
		return "", nil, q.err
	}

	m := q.model
	d := m.dialect()
	where, params, err := CompileFilter(d, &m.schema, q.filter)
	if err != nil {
		return "", nil, err
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(selectColumns(d, &m.schema, q.proj.fields(&m.schema)))
	b.WriteString(" FROM ")
	b.WriteString(m.schema.FullTableName(d))
	if where != "" {
		b.WriteString(" WHERE ")
		b.WriteString(where)
	}
	b.WriteString(" ORDER BY ")
	b.WriteString(MakeSortClause(d, &m.schema, q.sort))

	limit := q.limit
	if q.single {
		limit = 1
	}
	page, pageParams := d.Paginate(limit, q.skip)
	b.WriteString(page)

	return b.String(), append(params, pageParams...), nil
}

// Exec runs the query, maps the rows and resolves queued populate paths.
func (q *Query) Exec(ctx context.Context) ([]*Record, error) {
	docs, err := q.Docs(ctx)
	if err != nil {
		return nil, err
	}

	records := make([]*Record, len(docs))
	for i, doc := range docs {
		records[i] = &Record{model: q.model, doc: doc, fields: q.proj.fields(&q.model.schema), detached: q.lean}
	}
	return records, nil
}

// One runs the query for a single record. A missing row yields (nil, nil).
func (q *Query) One(ctx context.Context) (*Record, error) {
	single := *q
	single.single = true
	records, err := single.Exec(ctx)
	if err != nil || len(records) == 0 {
		return nil, err
	}
	return records[0], nil
}

// Docs runs the query and returns plain documents.
func (q *Query) Docs(ctx context.Context) ([]Document, error) {
	sqlText, params, err := q.SQL()
	if err != nil {
		return nil, err
	}

	m := q.model
	conn := q.querier()
	rows, _, err := conn.Query(ctx, sqlText, params...)
	if err != nil {
		return nil, wrapOp("find", m.schema.Name, err)
	}

	docs := m.mapRows(rows)
	for _, p := range q.populates {
		if err := m.populate(ctx, conn, docs, p); err != nil {
			return nil, err
		}
	}
	return docs, nil
}

// Count returns the number of rows matching the filter, ignoring limit and skip.
func (q *Query) Count(ctx context.Context) (int64, error) {
	if q.err != nil {
		return 0, q.err
	}
	return q.model.count(ctx, q.querier(), q.filter)
}

// Go runs Exec in a goroutine and delivers the result on the returned channel.
func (q *Query) Go(ctx context.Context) <-chan QueryResult {
	result := make(chan QueryResult, 1)
	go func() {
		defer close(result)
		records, err := q.Exec(ctx)
		result <- QueryResult{Records: records, Err: err}
	}()
	return result
}

// RowIterator walks a result set page by page.
type RowIterator interface {
	Next(ctx context.Context) (*Record, error)
	Close() error
}

type pageIterator struct {
	query  *Query
	size   int64
	offset int64
	left   int64
	buf    []*Record
	done   bool
}

// Iterator returns a RowIterator fetching pageSize rows per query. Next returns
// ErrNoRow after the last record.
func (q *Query) Iterator(pageSize int64) (RowIterator, error) {
	if q.err != nil {
		return nil, q.err
	}
	if pageSize <= 0 {
		return nil, compileErrorf("iterator", "page size must be positive")
	}
	return &pageIterator{query: q, size: pageSize, offset: q.skip, left: q.limit}, nil
}

func (it *pageIterator) Next(ctx context.Context) (*Record, error) {
	for len(it.buf) == 0 {
		if it.done {
			return nil, ErrNoRow
		}

		size := it.size
		if it.query.limit > 0 && it.left < size {
			size = it.left
		}

		page := *it.query
		page.limit = size
		page.skip = it.offset
		records, err := page.Exec(ctx)
		if err != nil {
			return nil, err
		}

		it.buf = records
		it.offset += int64(len(records))
		if it.query.limit > 0 {
			it.left -= int64(len(records))
			if it.left <= 0 {
				it.done = true
			}
		}
		if int64(len(records)) < size {
			it.done = true
		}
	}

	rec := it.buf[0]
	it.buf = it.buf[1:]
	return rec, nil
}

func (it *pageIterator) Close() error {
	it.done = true
	it.buf = nil
	return nil
}
