package store

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Repository is the document-style surface every registered model offers.
type Repository interface {
	Name() string
	Schema() *Schema
	Find(filter any) *Query
	FindOne(filter any) *Query
	FindById(id any) *Query
	Select(ctx context.Context, filter any, options ...QueryOption) ([]*Record, error)
	Create(ctx context.Context, data any, options ...QueryOption) (*Record, error)
	InsertMany(ctx context.Context, data []any, options ...QueryOption) ([]*Record, error)
	FindByIdAndUpdate(ctx context.Context, id any, update any, options ...QueryOption) (*Record, error)
	FindByIdAndDelete(ctx context.Context, id any, options ...QueryOption) (*Record, error)
	UpdateMany(ctx context.Context, filter any, update any, options ...QueryOption) (int64, error)
	DeleteMany(ctx context.Context, filter any, options ...QueryOption) (int64, error)
	CountDocuments(ctx context.Context, filter any, options ...QueryOption) (int64, error)
	Populate(ctx context.Context, records []*Record, paths string, options ...QueryOption) error
}

var _ Repository = (*Model)(nil)

// Store is the registry of models sharing one pool.
type Store struct {
	pool      *Pool
	log       zerolog.Logger
	batchSize int

	mu        sync.RWMutex
	models    map[string]*Model
	order     []string
	resolvers map[string]Resolver
}

// defaultBatchSize stays under the 2100 parameter limit of SQL Server.
const defaultBatchSize = 2000

func New(pool *Pool, options ...StoreOption) *Store {
	s := &Store{
		pool:      pool,
		log:       pool.Logger(),
		batchSize: defaultBatchSize,
		models:    make(map[string]*Model),
		resolvers: make(map[string]Resolver),
	}

	for _, op := range options {
		op(s)
	}

	return s
}

func (s *Store) Pool() *Pool {
	return s.pool
}

func (s *Store) Logger() zerolog.Logger {
	return s.log
}

// Register validates schema and adds it as a model. References to other models are
// checked lazily, so models may be registered in any order.
func (s *Store) Register(schema Schema, options ...RepositoryOption) (*Model, error) {
	opt := &option{}
	for _, op := range options {
		op(opt)
	}
	if opt.name != "" {
		schema.Name = opt.name
	}

	sc := schema
	sc.Fields = append([]Field(nil), schema.Fields...)
	if err := sc.init(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.models[sc.Name]; exists {
		return nil, fmt.Errorf("model %s already registered", sc.Name)
	}

	m := &Model{store: s, schema: sc, initValues: opt.initValues}
	s.models[sc.Name] = m
	s.order = append(s.order, sc.Name)

	return m, nil
}

// RegisterModel builds the schema from a tagged struct and registers it.
func (s *Store) RegisterModel(model any, options ...RepositoryOption) (*Model, error) {
	sc, err := SchemaOf(model)
	if err != nil {
		return nil, err
	}
	return s.Register(sc, options...)
}

// Model returns a registered model by name.
func (s *Store) Model(name string) (*Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.models[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, name)
	}
	return m, nil
}

// RegisterResolver replaces the default id lookup used when populating references
// to the named model.
func (s *Store) RegisterResolver(name string, r Resolver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolvers[name] = r
}

func (s *Store) resolver(name string) (Resolver, error) {
	s.mu.RLock()
	r, ok := s.resolvers[name]
	s.mu.RUnlock()
	if ok {
		return r, nil
	}

	m, err := s.Model(name)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Store) registered() []*Model {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Map(s.order, func(name string) *Model { return s.models[name] })
}

// Begin starts a transaction on the store's pool.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	return s.pool.Begin(ctx)
}

// Sync creates missing tables in registration order and seeds empty tables with
// the values given through InitWith.
func (s *Store) Sync(ctx context.Context) error {
	d := s.pool.Dialect()
	for _, m := range s.registered() {
		if _, err := s.pool.Exec(ctx, d.CreateTableSQL(&m.schema)); err != nil {
			return wrapOp("sync", m.schema.Name, err)
		}
		s.log.Debug().Str("model", m.schema.Name).Str("table", m.schema.Table).Msg("table ready")

		if len(m.initValues) == 0 {
			continue
		}
		n, err := m.CountDocuments(ctx, nil)
		if err != nil {
			return err
		}
		if n > 0 {
			continue
		}
		if _, err := m.InsertMany(ctx, m.initValues); err != nil {
			return err
		}
		s.log.Info().Str("model", m.schema.Name).Int("rows", len(m.initValues)).Msg("seeded")
	}
	return nil
}

// Verify checks that every registered model has a table holding all of its columns
// and that every reference points to a registered model.
func (s *Store) Verify(ctx context.Context) error {
	d := s.pool.Dialect()
	var problems []string
	for _, m := range s.registered() {
		for _, f := range m.schema.Fields {
			for _, target := range f.targets() {
				if _, err := s.resolver(target); err != nil {
					problems = append(problems, fmt.Sprintf("%s.%s references unknown model %s", m.schema.Name, f.Name, target))
				}
			}
		}

		qry, params := d.DescribeSQL(&m.schema)
		rows, _, err := s.pool.Query(ctx, qry, params...)
		if err != nil {
			return wrapOp("verify", m.schema.Name, err)
		}
		if len(rows) == 0 {
			problems = append(problems, fmt.Sprintf("%s: table %s does not exist", m.schema.Name, m.schema.Table))
			continue
		}

		present := make(map[string]bool, len(rows))
		for _, col := range rowsToColumns(rows) {
			present[strings.ToLower(col.ColumnName)] = true
		}
		for _, col := range m.schema.ColumnNames() {
			if !present[strings.ToLower(col)] {
				problems = append(problems, fmt.Sprintf("%s: column %s.%s is missing", m.schema.Name, m.schema.Table, col))
			}
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("schema verification failed: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Describe returns the catalog columns of a model's table.
func (s *Store) Describe(ctx context.Context, name string) ([]Column, error) {
	m, err := s.Model(name)
	if err != nil {
		return nil, err
	}
	qry, params := s.pool.Dialect().DescribeSQL(&m.schema)
	rows, _, err := s.pool.Query(ctx, qry, params...)
	if err != nil {
		return nil, wrapOp("describe", name, err)
	}
	return rowsToColumns(rows), nil
}

func rowsToColumns(rows []Row) []Column {
	return Map(rows, func(r Row) Column {
		col := Column{}
		for k, v := range r {
			s, _ := v.(string)
			switch strings.ToLower(k) {
			case "column_name":
				col.ColumnName = s
			case "data_type":
				col.DataType = s
			case "is_nullable":
				col.IsNullable.SetValid(s)
				col.Nullable = strings.EqualFold(s, "YES")
			case "column_default":
				if v != nil {
					col.Default.SetValid(fmt.Sprint(v))
				}
			}
		}
		return col
	})
}
