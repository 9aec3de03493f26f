package store

import (
	"errors"
	"fmt"
)

var (
	ErrKeyAlreadyExists = errors.New("key already exists")
	ErrKeynotFound      = errors.New("key not found")
	ErrNoRow            = errors.New("no row")

	// ErrConnection marks failures to reach the database. Fatal at startup.
	ErrConnection = errors.New("database connection failed")
	// ErrConstraint marks duplicate-key and foreign-key violations reported by the driver.
	ErrConstraint = errors.New("constraint violation")
	// ErrQueryCompile marks malformed or unsupported filters, sorts, projections and updates.
	ErrQueryCompile = errors.New("query compile error")

	ErrPoolClosed    = errors.New("connection pool is closed")
	ErrPoolTimeout   = errors.New("timed out waiting for a pooled connection")
	ErrPoolQueueFull = errors.New("too many callers waiting for a pooled connection")
	ErrTxDone        = errors.New("transaction has already been committed or rolled back")
	ErrParamCount    = errors.New("placeholder count does not match parameter count")
	ErrDetached      = errors.New("record is not attached to a model")
	ErrUnknownModel  = errors.New("unknown model")
)

// CompileError reports a filter/update/sort that cannot be translated into SQL.
type CompileError struct {
	Path   string
	Reason string
}

func (e *CompileError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %s", ErrQueryCompile, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", ErrQueryCompile, e.Path, e.Reason)
}

func (e *CompileError) Unwrap() error {
	return ErrQueryCompile
}

func compileErrorf(path string, format string, args ...any) error {
	return &CompileError{Path: path, Reason: fmt.Sprintf(format, args...)}
}

// OpError adds the failing operation and model name to an error coming back from the database.
type OpError struct {
	Op    string
	Model string
	Err   error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Model, e.Op, e.Err.Error())
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// ConstraintError wraps a driver error classified as a constraint violation.
// The original driver error stays reachable through errors.As.
type ConstraintError struct {
	Kind string
	Err  error
}

func (e *ConstraintError) Error() string {
	return fmt.Sprintf("%s (%s): %s", ErrConstraint, e.Kind, e.Err.Error())
}

func (e *ConstraintError) Is(target error) bool {
	if target == ErrConstraint {
		return true
	}
	return e.Kind == constraintUnique && target == ErrKeyAlreadyExists
}

func (e *ConstraintError) Unwrap() error {
	return e.Err
}

const (
	constraintUnique     = "unique"
	constraintForeignKey = "foreign_key"
	constraintNotNull    = "not_null"
)

func wrapOp(op string, model string, err error) error {
	if err == nil {
		return nil
	}

	var ce *CompileError
	if errors.As(err, &ce) {
		return err
	}

	return &OpError{Op: op, Model: model, Err: err}
}
