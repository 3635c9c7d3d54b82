package storage

import (
	"errors"
	"fmt"
)

// DatabaseError wraps a backend failure (connection, constraint, syntax) with
// the operation and table it happened on. It is always fatal for the current
// file.
type DatabaseError struct {
	Op    string // connect | ddl | insert | lookup | begin | commit
	Table string
	Err   error
}

func (e *DatabaseError) Error() string {
	if e.Table == "" {
		return fmt.Sprintf("database %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("database %s %s: %v", e.Op, e.Table, e.Err)
}

func (e *DatabaseError) Unwrap() error { return e.Err }

// WrapDB returns err wrapped in a *DatabaseError, or nil when err is nil.
// An error that already carries a *DatabaseError is returned unchanged.
func WrapDB(op, table string, err error) error {
	if err == nil {
		return nil
	}
	var de *DatabaseError
	if errors.As(err, &de) {
		return err
	}
	return &DatabaseError{Op: op, Table: table, Err: err}
}
