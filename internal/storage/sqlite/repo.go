package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"sparkify/internal/storage"
)

// maxParams stays under SQLITE_MAX_VARIABLE_NUMBER (32766 since 3.32).
const maxParams = 32000

// Repo implements storage.Repository for SQLite.
//
// Key design points vs Postgres:
//   - SQLite has no native timestamp type. Timestamps are bound as RFC3339Nano
//     UTC strings so equal instants compare equal as TEXT (primary keys and
//     foreign keys on time columns depend on that).
//   - The pool is pinned to one connection: the loader is sequential, and
//     PRAGMA foreign_keys is per-connection.
type Repo struct {
	db *sql.DB
}

func init() {
	storage.Register("sqlite", New)
}

func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, storage.WrapDB("connect", "", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, storage.WrapDB("connect", "", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, storage.WrapDB("connect", "", err)
	}
	return &Repo{db: db}, nil
}

func (r *Repo) Close() { _ = r.db.Close() }

// EnsureTables creates tables in slice order when AutoCreateTable is true.
func (r *Repo) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		if !t.AutoCreateTable {
			continue
		}
		ddl, err := buildCreateTableSQL(t)
		if err != nil {
			return err
		}
		if _, err := r.db.ExecContext(ctx, ddl); err != nil {
			return storage.WrapDB("ddl", t.Name, err)
		}
	}
	return nil
}

func (r *Repo) Begin(ctx context.Context) (storage.Tx, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storage.WrapDB("begin", "", err)
	}
	return &Tx{tx: tx}, nil
}

// Tx wraps *sql.Tx.
type Tx struct {
	tx *sql.Tx
}

// InsertRows implements storage.Tx.
//
// do_nothing uses ON CONFLICT ... DO NOTHING, which requires a PRIMARY KEY or
// UNIQUE constraint on the conflict target. update uses ON CONFLICT ... DO
// UPDATE and runs one row per statement.
func (t *Tx) InsertRows(ctx context.Context, spec storage.TableSpec, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	var total int64
	exec := func(batch [][]any) error {
		q, args, err := buildInsertSQL(spec.Name, columns, batch, spec.Load.Conflict)
		if err != nil {
			return err
		}
		res, err := t.tx.ExecContext(ctx, q, args...)
		if err != nil {
			return storage.WrapDB("insert", spec.Name, err)
		}
		n, _ := res.RowsAffected()
		total += n
		return nil
	}

	if c := spec.Load.Conflict; c != nil && c.Action == storage.ConflictUpdate {
		for _, row := range rows {
			if err := exec([][]any{row}); err != nil {
				return total, err
			}
		}
		return total, nil
	}

	for _, batch := range storage.ChunkRows(rows, len(columns), maxParams) {
		if err := exec(batch); err != nil {
			return total, err
		}
	}
	return total, nil
}

// Lookup implements storage.Tx.
func (t *Tx) Lookup(ctx context.Context, spec storage.LookupSpec, args []any, limit int) ([][]any, error) {
	q, err := buildLookupSQL(spec, limit)
	if err != nil {
		return nil, err
	}
	bound := make([]any, len(args))
	for i, a := range args {
		bound[i] = bindValue(a)
	}

	rows, err := t.tx.QueryContext(ctx, q, bound...)
	if err != nil {
		return nil, storage.WrapDB("lookup", spec.Table, err)
	}
	defer rows.Close()

	var out [][]any
	for rows.Next() {
		vals := make([]any, len(spec.Return))
		ptrs := make([]any, len(vals))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, storage.WrapDB("lookup", spec.Table, err)
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				vals[i] = string(b)
			}
		}
		out = append(out, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.WrapDB("lookup", spec.Table, err)
	}
	return out, nil
}

func (t *Tx) Commit(ctx context.Context) error {
	return storage.WrapDB("commit", "", t.tx.Commit())
}

func (t *Tx) Rollback(ctx context.Context) error {
	return storage.WrapDB("rollback", "", t.tx.Rollback())
}

func sqlIdent(id string) string {
	// SQLite supports "quoted identifiers"
	return `"` + strings.ReplaceAll(strings.TrimSpace(id), `"`, `""`) + `"`
}

func qualIdent(name string) string {
	table, col := storage.SplitQualified(name)
	if table == "" {
		return sqlIdent(col)
	}
	return sqlIdent(table) + "." + sqlIdent(col)
}

func joinIdents(cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = sqlIdent(c)
	}
	return strings.Join(out, ", ")
}

// buildInsertSQL builds a multi-row INSERT with "?" placeholders.
func buildInsertSQL(table string, columns []string, rows [][]any, conflict *storage.ConflictSpec) (string, []any, error) {
	if len(columns) == 0 {
		return "", nil, fmt.Errorf("sqlite: insert into %s: no columns", table)
	}

	var suffix string
	if conflict != nil {
		switch conflict.Action {
		case storage.ConflictDoNothing:
			// OR IGNORE would also swallow NOT NULL and CHECK failures.
			if len(conflict.TargetColumns) == 0 {
				return "", nil, fmt.Errorf("sqlite: insert into %s: do_nothing needs target_columns", table)
			}
			suffix = fmt.Sprintf(" ON CONFLICT (%s) DO NOTHING", joinIdents(conflict.TargetColumns))
		case storage.ConflictUpdate:
			if len(conflict.TargetColumns) == 0 || len(conflict.UpdateColumns) == 0 {
				return "", nil, fmt.Errorf("sqlite: insert into %s: update needs target_columns and update_columns", table)
			}
			sets := make([]string, len(conflict.UpdateColumns))
			for i, c := range conflict.UpdateColumns {
				sets[i] = fmt.Sprintf("%s = excluded.%s", sqlIdent(c), sqlIdent(c))
			}
			suffix = fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s", joinIdents(conflict.TargetColumns), strings.Join(sets, ", "))
		default:
			return "", nil, fmt.Errorf("sqlite: insert into %s: unsupported conflict action %q", table, conflict.Action)
		}
	}

	placeholders := "(" + strings.TrimRight(strings.Repeat("?,", len(columns)), ",") + ")"

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(sqlIdent(table))
	b.WriteString(" (")
	b.WriteString(joinIdents(columns))
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	for i, row := range rows {
		if len(row) != len(columns) {
			return "", nil, fmt.Errorf("sqlite: insert into %s: row %d has %d values for %d columns", table, i, len(row), len(columns))
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(placeholders)
		for _, v := range row {
			args = append(args, bindValue(v))
		}
	}
	b.WriteString(suffix)
	return b.String(), args, nil
}

func buildLookupSQL(spec storage.LookupSpec, limit int) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}

	ret := make([]string, len(spec.Return))
	for i, c := range spec.Return {
		ret[i] = qualIdent(c)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", strings.Join(ret, ", "), sqlIdent(spec.Table))
	if j := spec.Join; j != nil {
		fmt.Fprintf(&b, " JOIN %s ON %s.%s = %s.%s",
			sqlIdent(j.Table), sqlIdent(j.Table), sqlIdent(j.Column), sqlIdent(spec.Table), sqlIdent(j.Column))
	}
	b.WriteString(" WHERE ")
	for i, m := range spec.Match {
		if i > 0 {
			b.WriteString(" AND ")
		}
		b.WriteString(qualIdent(m))
		b.WriteString(" = ?")
	}
	if len(spec.OrderBy) > 0 {
		ord := make([]string, len(spec.OrderBy))
		for i, c := range spec.OrderBy {
			ord[i] = qualIdent(c)
		}
		b.WriteString(" ORDER BY ")
		b.WriteString(strings.Join(ord, ", "))
	}
	if limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", limit)
	}
	return b.String(), nil
}

func buildCreateTableSQL(t storage.TableSpec) (string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", fmt.Errorf("table name is empty")
	}

	var parts []string

	if t.PrimaryKey != nil {
		// "INTEGER PRIMARY KEY" is special in sqlite: it becomes the rowid and auto-generates values.
		parts = append(parts, fmt.Sprintf(`%s INTEGER PRIMARY KEY AUTOINCREMENT`, sqlIdent(t.PrimaryKey.Name)))
	}

	for _, c := range t.Columns {
		if strings.TrimSpace(c.Name) == "" || strings.TrimSpace(c.Type) == "" {
			return "", fmt.Errorf("%s: column name/type must be set", t.Name)
		}
		col := fmt.Sprintf("%s %s", sqlIdent(c.Name), sqliteType(c.Type))
		if !c.IsNullable() {
			col += " NOT NULL"
		}
		// Enforced because New turns on PRAGMA foreign_keys.
		if ref := c.References; ref != nil {
			col += fmt.Sprintf(" REFERENCES %s (%s)", sqlIdent(ref.Table), sqlIdent(ref.Column))
		}
		parts = append(parts, col)
	}

	for _, con := range t.Constraints {
		if len(con.Columns) == 0 {
			return "", fmt.Errorf("%s: %s constraint has no columns", t.Name, con.Kind)
		}
		switch con.Kind {
		case storage.ConstraintPrimaryKey:
			parts = append(parts, fmt.Sprintf("PRIMARY KEY (%s)", joinIdents(con.Columns)))
		case storage.ConstraintUnique:
			parts = append(parts, fmt.Sprintf("UNIQUE (%s)", joinIdents(con.Columns)))
		default:
			return "", fmt.Errorf("%s unsupported constraint kind: %s", t.Name, con.Kind)
		}
	}

	if len(parts) == 0 {
		return "", fmt.Errorf("%s: no columns", t.Name)
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n);", sqlIdent(t.Name), strings.Join(parts, ",\n  ")), nil
}

func sqliteType(logical string) string {
	switch strings.ToLower(logical) {
	case storage.TypeKey, storage.TypeText, storage.TypeTimestamp:
		return "TEXT"
	case storage.TypeInt:
		return "INTEGER"
	case storage.TypeFloat:
		return "REAL"
	default:
		return logical
	}
}

// bindValue converts values SQLite cannot store natively.
func bindValue(v any) any {
	if t, ok := v.(time.Time); ok {
		return formatSQLiteTime(t)
	}
	return v
}

// formatSQLiteTime formats a time as RFC3339Nano in UTC.
// Timestamps are stored as TEXT; nothing in the loader reads them back.
func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
