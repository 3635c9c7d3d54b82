package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Config is the minimal configuration needed to open a repository.
//
// When to use:
//   - Use Config when constructing a Repository via New.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend factory; validation is backend-specific.
//
// Errors:
//   - New returns an error if Kind is empty or unsupported.
type Config struct {
	Kind string
	DSN  string
}

// Repository is a backend-agnostic interface for the star-schema loader.
//
// IMPORTANT: This interface is intentionally minimal and focused on the
// operations the load engine needs. Each backend implements the conflict
// policies in its own idiomatic way (Postgres and SQLite ON CONFLICT, MySQL
// ON DUPLICATE KEY UPDATE, SQL Server NOT EXISTS). None of them may turn a
// non-key constraint failure into a skipped row.
type Repository interface {
	// Close releases any backend resources (connections, pools).
	//
	// Edge cases:
	//   - Callers should treat Close as "call once".
	Close()

	// EnsureTables creates tables and constraints as needed
	// ("create-if-not-exists"; existing tables are never altered).
	EnsureTables(ctx context.Context, tables []TableSpec) error

	// Begin opens the transaction that scopes one source file.
	Begin(ctx context.Context) (Tx, error)
}

// Tx is one open transaction. All writes and lookups for a source file go
// through the same Tx so a failure can roll back the whole file.
type Tx interface {
	// InsertRows writes rows using the policy in spec.Load.Conflict:
	//   - nil:        plain insert
	//   - do_nothing: conflict-ignore on Conflict.TargetColumns
	//   - update:     upsert, overwriting Conflict.UpdateColumns; rows are applied
	//                 one statement at a time in slice order so the last row wins.
	//
	// It returns the number of rows the backend reports as affected.
	InsertRows(ctx context.Context, spec TableSpec, columns []string, rows [][]any) (int64, error)

	// Lookup runs the equality lookup described by spec. args bind to
	// spec.Match in order. At most limit rows are returned (limit <= 0 means
	// no limit), ordered by spec.OrderBy, each holding the spec.Return columns.
	Lookup(ctx context.Context, spec LookupSpec, args []any, limit int) ([][]any, error)

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

type factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	mu        sync.RWMutex
	factories = map[string]factory{}
)

// Register registers a backend under a kind (e.g. "postgres", "sqlite").
//
// When to use:
//   - Call Register from an init() function in a backend package.
//   - The `kind` string becomes the lookup key used by New.
//
// Panics:
//   - If kind is empty.
//   - If f is nil.
//   - If kind is already registered.
func Register(kind string, f func(ctx context.Context, cfg Config) (Repository, error)) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}

	factories[kind] = f
}

// New constructs a Repository using the registered backend factory.
//
// Concurrency:
//   - Safe for concurrent use with Register. New takes a read lock while
//     selecting the factory.
//
// Errors:
//   - Returns an error if cfg.Kind is empty or unsupported.
//   - Returns whatever error the registered factory returns.
func New(ctx context.Context, cfg Config) (Repository, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported storage.kind=%s (registered: %v)", cfg.Kind, Kinds())
	}
	return f(ctx, cfg)
}

// Kinds returns the registered backend kinds in sorted order.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()

	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ChunkRows splits rows so that no chunk binds more than maxParams
// placeholders for the given column count. It always returns at least one
// row per chunk.
func ChunkRows(rows [][]any, columns int, maxParams int) [][][]any {
	if len(rows) == 0 {
		return nil
	}
	per := len(rows)
	if columns > 0 && maxParams > 0 {
		per = maxParams / columns
		if per < 1 {
			per = 1
		}
	}

	out := make([][][]any, 0, (len(rows)+per-1)/per)
	for start := 0; start < len(rows); start += per {
		end := start + per
		if end > len(rows) {
			end = len(rows)
		}
		out = append(out, rows[start:end])
	}
	return out
}
