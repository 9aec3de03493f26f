package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// Row is a raw relational row keyed by column name.
type Row map[string]any

// Querier is the uniform statement surface shared by the pool and transactions.
// Statements use positional ? placeholders; they are rewritten for the driver.
type Querier interface {
	Query(ctx context.Context, sqlText string, params ...any) ([]Row, []Column, error)
	Exec(ctx context.Context, sqlText string, params ...any) (sql.Result, error)
	Dialect() Dialect
}

// QueryEvent is handed to query hooks after every statement.
type QueryEvent struct {
	SQL      string
	Params   []any
	Duration time.Duration
	InTx     bool
	Err      error
}

type PoolOption func(p *Pool)

func WithLogger(logger zerolog.Logger) PoolOption {
	return func(p *Pool) {
		p.log = logger
	}
}

// WithQueryHook registers a callback invoked after each statement, in registration order.
func WithQueryHook(hook func(ctx context.Context, ev QueryEvent)) PoolOption {
	return func(p *Pool) {
		p.hooks = append(p.hooks, hook)
	}
}

// Pool is the process-wide connection adapter. At most MaxOpenConns callers hold a
// connection; up to QueueLimit more wait for one, each for at most QueueTimeout.
type Pool struct {
	db      *sqlx.DB
	dialect Dialect
	config  PoolConfig
	log     zerolog.Logger
	hooks   []func(ctx context.Context, ev QueryEvent)

	sem      *semaphore.Weighted
	mu       sync.Mutex
	closed   bool
	waiting  int
	inflight sync.WaitGroup
}

func newPool(db *sqlx.DB, dialect Dialect, config PoolConfig, options ...PoolOption) *Pool {
	p := &Pool{
		db:      db,
		dialect: dialect,
		config:  config,
		log:     zerolog.Nop(),
		sem:     semaphore.NewWeighted(int64(config.MaxOpenConns)),
	}

	for _, op := range options {
		op(p)
	}

	return p
}

func (p *Pool) Dialect() Dialect {
	return p.dialect
}

func (p *Pool) Logger() zerolog.Logger {
	return p.log
}

// DB exposes the underlying handle for callers that need sqlx directly.
func (p *Pool) DB() *sqlx.DB {
	return p.db
}

func (p *Pool) acquire(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.inflight.Add(1)
	p.mu.Unlock()

	if !p.sem.TryAcquire(1) {
		if err := p.wait(ctx); err != nil {
			p.inflight.Done()
			return nil, err
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			p.sem.Release(1)
			p.inflight.Done()
		})
	}, nil
}

// wait queues the caller for a connection slot. Callers beyond QueueLimit are
// refused right away.
func (p *Pool) wait(ctx context.Context) error {
	p.mu.Lock()
	if p.waiting >= p.config.QueueLimit {
		p.mu.Unlock()
		return ErrPoolQueueFull
	}
	p.waiting++
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.waiting--
		p.mu.Unlock()
	}()

	wctx, cancel := context.WithTimeout(ctx, p.config.QueueTimeout)
	defer cancel()

	if err := p.sem.Acquire(wctx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.log.Warn().Dur("queue_timeout", p.config.QueueTimeout).Msg("timed out waiting for a connection")
		return ErrPoolTimeout
	}
	return nil
}

func (p *Pool) Query(ctx context.Context, sqlText string, params ...any) ([]Row, []Column, error) {
	release, err := p.acquire(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer release()

	return p.runQuery(ctx, p.db, false, sqlText, params)
}

func (p *Pool) Exec(ctx context.Context, sqlText string, params ...any) (sql.Result, error) {
	release, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	return p.runExec(ctx, p.db, false, sqlText, params)
}

// Ping checks that the database is reachable through the pool.
func (p *Pool) Ping(ctx context.Context) error {
	release, err := p.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	if err := p.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %s", ErrConnection, err.Error())
	}
	return nil
}

// Begin returns a transaction bound to one connection. The admission slot is held
// until Commit, Rollback or Release.
func (p *Pool) Begin(ctx context.Context) (*Tx, error) {
	release, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		release()
		return nil, p.dialect.WrapError(err)
	}

	return &Tx{tx: tx, pool: p, release: release}, nil
}

// Close stops admitting new work, waits for in-flight statements and transactions
// to finish (or ctx to expire) and closes the underlying handle.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		p.log.Warn().Msg("closing pool with statements still in flight")
	}

	p.log.Info().Msg("connection pool closed")
	return p.db.Close()
}

type sqlxConn interface {
	QueryxContext(ctx context.Context, query string, args ...interface{}) (*sqlx.Rows, error)
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (p *Pool) statementContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.config.StatementTimeout > 0 {
		return context.WithTimeout(ctx, p.config.StatementTimeout)
	}
	return ctx, func() {}
}

func (p *Pool) runQuery(ctx context.Context, conn sqlxConn, inTx bool, sqlText string, params []any) ([]Row, []Column, error) {
	qry, err := Rebind(p.dialect.BindType(), sqlText, len(params))
	if err != nil {
		return nil, nil, err
	}

	sctx, cancel := p.statementContext(ctx)
	defer cancel()

	start := time.Now()
	rows, cols, err := scanRows(sctx, conn, qry, params)
	p.emit(ctx, QueryEvent{SQL: qry, Params: params, Duration: time.Since(start), InTx: inTx, Err: err})
	if err != nil {
		return nil, nil, p.dialect.WrapError(err)
	}

	return rows, cols, nil
}

func (p *Pool) runExec(ctx context.Context, conn sqlxConn, inTx bool, sqlText string, params []any) (sql.Result, error) {
	qry, err := Rebind(p.dialect.BindType(), sqlText, len(params))
	if err != nil {
		return nil, err
	}

	sctx, cancel := p.statementContext(ctx)
	defer cancel()

	start := time.Now()
	res, err := conn.ExecContext(sctx, qry, params...)
	p.emit(ctx, QueryEvent{SQL: qry, Params: params, Duration: time.Since(start), InTx: inTx, Err: err})
	if err != nil {
		return nil, p.dialect.WrapError(err)
	}

	return res, nil
}

func (p *Pool) emit(ctx context.Context, ev QueryEvent) {
	if ev.Err != nil {
		p.log.Debug().Err(ev.Err).Str("sql", ev.SQL).Int("params", len(ev.Params)).Msg("statement failed")
	} else {
		p.log.Debug().Str("sql", ev.SQL).Int("params", len(ev.Params)).Dur("took", ev.Duration).Msg("statement")
	}

	for _, hook := range p.hooks {
		hook(ctx, ev)
	}
}

func scanRows(ctx context.Context, conn sqlxConn, qry string, params []any) ([]Row, []Column, error) {
	rs, err := conn.QueryxContext(ctx, qry, params...)
	if err != nil {
		return nil, nil, err
	}
	defer rs.Close()

	types, err := rs.ColumnTypes()
	if err != nil {
		return nil, nil, err
	}

	cols := Map(types, func(ct *sql.ColumnType) Column {
		nullable, _ := ct.Nullable()
		return Column{
			ColumnName: ct.Name(),
			DataType:   ct.DatabaseTypeName(),
			Nullable:   nullable,
		}
	})

	var rows []Row
	for rs.Next() {
		raw := make(map[string]interface{}, len(cols))
		if err := rs.MapScan(raw); err != nil {
			return nil, nil, err
		}

		row := make(Row, len(raw))
		for k, v := range raw {
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[k] = v
		}
		rows = append(rows, row)
	}

	if err := rs.Err(); err != nil {
		return nil, nil, err
	}

	return rows, cols, nil
}

// Tx is a transaction-scoped handle. Commit and Rollback are idempotent; once either
// has run the handle refuses further statements with ErrTxDone.
type Tx struct {
	tx      *sqlx.Tx
	pool    *Pool
	release func()

	mu   sync.Mutex
	done bool
}

func (t *Tx) Dialect() Dialect {
	return t.pool.dialect
}

func (t *Tx) active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.done
}

func (t *Tx) Query(ctx context.Context, sqlText string, params ...any) ([]Row, []Column, error) {
	if !t.active() {
		return nil, nil, ErrTxDone
	}
	return t.pool.runQuery(ctx, t.tx, true, sqlText, params)
}

func (t *Tx) Exec(ctx context.Context, sqlText string, params ...any) (sql.Result, error) {
	if !t.active() {
		return nil, ErrTxDone
	}
	return t.pool.runExec(ctx, t.tx, true, sqlText, params)
}

func (t *Tx) finish(fn func() error) error {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return nil
	}
	t.done = true
	t.mu.Unlock()

	defer t.release()

	err := fn()
	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		return t.pool.dialect.WrapError(err)
	}
	return nil
}

func (t *Tx) Commit(_ context.Context) error {
	return t.finish(t.tx.Commit)
}

func (t *Tx) Rollback(_ context.Context) error {
	return t.finish(t.tx.Rollback)
}

// Release rolls back the transaction if it is still open. Meant for defer.
func (t *Tx) Release() {
	_ = t.Rollback(context.Background())
}

var defaultPool struct {
	mu   sync.Mutex
	pool *Pool
}

// Init opens the process-wide pool. It fails if the pool is already initialized.
func Init(ctx context.Context, config PoolConfig, options ...PoolOption) (*Pool, error) {
	defaultPool.mu.Lock()
	defer defaultPool.mu.Unlock()

	if defaultPool.pool != nil {
		return nil, fmt.Errorf("connection pool already initialized")
	}

	pool, err := Open(ctx, config, options...)
	if err != nil {
		return nil, err
	}

	defaultPool.pool = pool
	return pool, nil
}

// Default returns the pool opened by Init.
func Default() (*Pool, error) {
	defaultPool.mu.Lock()
	defer defaultPool.mu.Unlock()

	if defaultPool.pool == nil {
		return nil, fmt.Errorf("%w: pool not initialized", ErrConnection)
	}
	return defaultPool.pool, nil
}

// Shutdown drains and closes the pool opened by Init.
func Shutdown(ctx context.Context) error {
	defaultPool.mu.Lock()
	pool := defaultPool.pool
	defaultPool.pool = nil
	defaultPool.mu.Unlock()

	if pool == nil {
		return nil
	}
	return pool.Close(ctx)
}

func isBadConn(err error) bool {
	return errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone)
}
