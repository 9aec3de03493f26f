package store

import (
	"context"

	"github.com/rs/zerolog"
)

// Transaction is a Querier bound to one connection with an explicit end.
type Transaction interface {
	Querier
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

type StoreOption func(s *Store)

// WithStoreLogger overrides the logger taken from the pool.
func WithStoreLogger(logger zerolog.Logger) StoreOption {
	return func(s *Store) {
		s.log = logger
	}
}

// WithBatchSize sets how many ids go into one population query. Larger id sets are
// split into several queries.
func WithBatchSize(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

type RepositoryOption func(o *option)

type option struct {
	initValues []any
	name       string
}

// InitWith seeds the table with values during Sync when the table is empty.
func InitWith(values ...any) RepositoryOption {
	return func(o *option) {
		o.initValues = append(o.initValues, values...)
	}
}

// WithName registers the schema under a different model name.
func WithName(name string) RepositoryOption {
	return func(o *option) {
		o.name = name
	}
}

type QueryOption func(o *queryOption)

type queryOption struct {
	Tx        Transaction
	Limit     int64
	Offset    int64
	Sorter    []string
	ReturnNew bool
}

func newQueryOption(options []QueryOption) *queryOption {
	opt := &queryOption{}
	for _, op := range options {
		op(opt)
	}
	return opt
}

// WithTransaction returns a QueryOption that runs the operation inside tx.
func WithTransaction(tx Transaction) QueryOption {
	return func(o *queryOption) {
		o.Tx = tx
	}
}

// WithLimit returns a QueryOption that sets the limit for the
// number of rows to return.
func WithLimit(limit int64) QueryOption {
	return func(o *queryOption) {
		o.Limit = limit
	}
}

// WithOffset returns a QueryOption that sets the offset for the
// rows returned.
func WithOffset(offset int64) QueryOption {
	return func(o *queryOption) {
		o.Offset = offset
	}
}

// WithSorter returns a QueryOption that sets the sorting order for the query.
// Field names are prefixed by "-" for descending order and optionally "+" for ascending.
//
// example:
//
//	WithSorter("-createdAt", "+name")
func WithSorter(sorter ...string) QueryOption {
	return func(o *queryOption) {
		o.Sorter = sorter
	}
}

// WithReturnNew makes FindByIdAndUpdate return the document as it is after the update
// instead of before.
func WithReturnNew() QueryOption {
	return func(o *queryOption) {
		o.ReturnNew = true
	}
}
