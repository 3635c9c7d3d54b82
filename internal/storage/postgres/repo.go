package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"sparkify/internal/storage"
)

// maxParams is the Postgres bind-parameter ceiling per statement.
const maxParams = 65535

/*
Repo implements storage.Repository for Postgres.

It provides:
  - create-if-missing DDL from storage.TableSpec
  - per-file transactions over a pgx pool
  - conflict-ignore and upsert inserts via ON CONFLICT
  - joined equality lookups for fact resolution
*/
type Repo struct {
	pool *pgxpool.Pool
}

// New creates a new Postgres-backed Repo and verifies connectivity.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, storage.WrapDB("connect", "", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, storage.WrapDB("connect", "", err)
	}
	return &Repo{pool: pool}, nil
}

// Close closes the connection pool.
func (r *Repo) Close() {
	r.pool.Close()
}

// EnsureTables creates tables when AutoCreateTable is enabled.
//
// Tables are created in slice order, so referenced tables must come first.
// This method is idempotent.
func (r *Repo) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		if !t.AutoCreateTable {
			continue
		}
		schemaSQL, baseSQL, err := buildCreateSQL(t)
		if err != nil {
			return err
		}
		if schemaSQL != "" {
			if _, err := r.pool.Exec(ctx, schemaSQL); err != nil {
				return storage.WrapDB("ddl", t.Name, fmt.Errorf("create schema: %w", err))
			}
		}
		if _, err := r.pool.Exec(ctx, baseSQL); err != nil {
			return storage.WrapDB("ddl", t.Name, err)
		}
	}
	return nil
}

// Begin opens a transaction on one pooled connection.
func (r *Repo) Begin(ctx context.Context) (storage.Tx, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, storage.WrapDB("begin", "", err)
	}
	return &Tx{tx: tx}, nil
}

// Tx is a pgx transaction scoped to one source file.
type Tx struct {
	tx pgx.Tx
}

// InsertRows implements storage.Tx.
//
// Upserts run one row per statement: a single INSERT ... ON CONFLICT DO UPDATE
// cannot touch the same key twice, and the caller relies on file order for
// last-write-wins.
func (t *Tx) InsertRows(ctx context.Context, spec storage.TableSpec, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	var total int64
	exec := func(batch [][]any) error {
		sql, args, err := buildInsertSQL(spec.Name, columns, batch, spec.Load.Conflict)
		if err != nil {
			return err
		}
		cmd, err := t.tx.Exec(ctx, sql, args...)
		if err != nil {
			return storage.WrapDB("insert", spec.Name, err)
		}
		total += cmd.RowsAffected()
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
	sql, err := buildLookupSQL(spec, limit)
	if err != nil {
		return nil, err
	}
	rows, err := t.tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, storage.WrapDB("lookup", spec.Table, err)
	}
	defer rows.Close()

	var out [][]any
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, storage.WrapDB("lookup", spec.Table, err)
		}
		out = append(out, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.WrapDB("lookup", spec.Table, err)
	}
	return out, nil
}

func (t *Tx) Commit(ctx context.Context) error {
	return storage.WrapDB("commit", "", t.tx.Commit(ctx))
}

func (t *Tx) Rollback(ctx context.Context) error {
	return storage.WrapDB("rollback", "", t.tx.Rollback(ctx))
}

// buildInsertSQL constructs a single INSERT statement and its args for Postgres.
//
// Why this exists:
//   - It is pure and deterministic, so we can unit test correctness (especially
//     ON CONFLICT behavior and placeholder numbering) without a database.
//
// Constraints:
//   - rows must have the same length as columns for every row.
//   - columns must be non-empty.
func buildInsertSQL(table string, columns []string, rows [][]any, conflict *storage.ConflictSpec) (string, []any, error) {
	if len(columns) == 0 {
		return "", nil, fmt.Errorf("postgres: insert into %s: no columns", table)
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pgTableIdent(table))
	b.WriteString(" (")
	b.WriteString(joinIdents(columns))
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if len(row) != len(columns) {
			return "", nil, fmt.Errorf("postgres: insert into %s: row %d has %d values for %d columns", table, i, len(row), len(columns))
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", p)
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}

	if conflict != nil {
		if len(conflict.TargetColumns) == 0 {
			return "", nil, fmt.Errorf("postgres: insert into %s: conflict target is empty", table)
		}
		b.WriteString(" ON CONFLICT (")
		b.WriteString(joinIdents(conflict.TargetColumns))
		b.WriteString(")")

		switch conflict.Action {
		case storage.ConflictDoNothing:
			b.WriteString(" DO NOTHING")
		case storage.ConflictUpdate:
			if len(conflict.UpdateColumns) == 0 {
				return "", nil, fmt.Errorf("postgres: insert into %s: update action needs update_columns", table)
			}
			b.WriteString(" DO UPDATE SET ")
			for i, c := range conflict.UpdateColumns {
				if i > 0 {
					b.WriteString(", ")
				}
				fmt.Fprintf(&b, "%s = EXCLUDED.%s", pgIdent(c), pgIdent(c))
			}
		default:
			return "", nil, fmt.Errorf("postgres: insert into %s: unsupported conflict action %q", table, conflict.Action)
		}
	}

	b.WriteString(";")
	return b.String(), args, nil
}

// buildLookupSQL renders a LookupSpec as a parameterized SELECT.
func buildLookupSQL(spec storage.LookupSpec, limit int) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	for i, c := range spec.Return {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgQualIdent(c))
	}
	b.WriteString(" FROM ")
	b.WriteString(pgTableIdent(spec.Table))

	if j := spec.Join; j != nil {
		fmt.Fprintf(&b, " JOIN %s ON %s.%s = %s.%s",
			pgTableIdent(j.Table),
			pgTableIdent(j.Table), pgIdent(j.Column),
			pgTableIdent(spec.Table), pgIdent(j.Column))
	}

	b.WriteString(" WHERE ")
	for i, m := range spec.Match {
		if i > 0 {
			b.WriteString(" AND ")
		}
		fmt.Fprintf(&b, "%s = $%d", pgQualIdent(m), i+1)
	}

	if len(spec.OrderBy) > 0 {
		b.WriteString(" ORDER BY ")
		for i, c := range spec.OrderBy {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(pgQualIdent(c))
		}
	}
	if limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", limit)
	}
	return b.String(), nil
}

// buildCreateSQL builds DDL for one table plus an optional CREATE SCHEMA for
// schema-qualified names.
func buildCreateSQL(t storage.TableSpec) (schemaSQL, baseSQL string, err error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", "", fmt.Errorf("table name is empty")
	}

	if schema, _ := splitQualifiedName(t.Name); schema != "" {
		schemaSQL = fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s;`, pgIdent(schema))
	}

	defs, err := buildColumnDefs(t)
	if err != nil {
		return "", "", err
	}
	constraints, err := buildConstraints(t)
	if err != nil {
		return "", "", err
	}
	defs = append(defs, constraints...)

	baseSQL = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s);`, pgTableIdent(t.Name), strings.Join(defs, ", "))
	return schemaSQL, baseSQL, nil
}

// buildColumnDefs returns the list of "<col> <type> ..." definitions.
//
// Primary key handling:
//   - If PrimaryKeySpec is provided, it becomes the first column.
//   - The primary key column is not expected to be present in t.Columns.
func buildColumnDefs(t storage.TableSpec) ([]string, error) {
	cols := make([]string, 0, len(t.Columns)+1)

	if t.PrimaryKey != nil {
		pk := strings.TrimSpace(t.PrimaryKey.Name)
		if pk == "" {
			return nil, fmt.Errorf("table %s: primary_key.name is required", t.Name)
		}
		cols = append(cols, fmt.Sprintf(`%s %s PRIMARY KEY`, pgIdent(pk), pgSerialType(t.PrimaryKey.Type)))
	}

	for _, c := range t.Columns {
		def, err := buildColumnDef(c)
		if err != nil {
			return nil, fmt.Errorf("table %s: %w", t.Name, err)
		}
		cols = append(cols, def)
	}

	if len(cols) == 0 {
		return nil, fmt.Errorf("table %s: no columns", t.Name)
	}
	return cols, nil
}

// buildColumnDef renders a single column definition.
//
// Nullable semantics:
//   - nullable == nil  => NOT NULL
//   - nullable == true => NULL
func buildColumnDef(c storage.ColumnSpec) (string, error) {
	name := strings.TrimSpace(c.Name)
	typ := strings.TrimSpace(c.Type)
	if name == "" || typ == "" {
		return "", fmt.Errorf("column name/type must be set")
	}

	var b strings.Builder
	b.WriteString(pgIdent(name))
	b.WriteString(" ")
	b.WriteString(pgType(typ))

	if !c.IsNullable() {
		b.WriteString(" NOT NULL")
	}
	if ref := c.References; ref != nil {
		fmt.Fprintf(&b, " REFERENCES %s (%s)", pgTableIdent(ref.Table), pgIdent(ref.Column))
	}
	return b.String(), nil
}

// buildConstraints generates table-level PRIMARY KEY and UNIQUE constraints.
func buildConstraints(t storage.TableSpec) ([]string, error) {
	out := make([]string, 0, len(t.Constraints))
	for _, c := range t.Constraints {
		if len(c.Columns) == 0 {
			return nil, fmt.Errorf("table %s: %s constraint requires columns", t.Name, c.Kind)
		}
		switch strings.ToLower(strings.TrimSpace(c.Kind)) {
		case storage.ConstraintPrimaryKey:
			out = append(out, "PRIMARY KEY ("+joinIdents(c.Columns)+")")
		case storage.ConstraintUnique:
			out = append(out, "UNIQUE ("+joinIdents(c.Columns)+")")
		default:
			return nil, fmt.Errorf("table %s: unsupported constraint kind %q", t.Name, c.Kind)
		}
	}
	return out, nil
}

func pgType(logical string) string {
	switch strings.ToLower(logical) {
	case storage.TypeKey, storage.TypeText:
		return "TEXT"
	case storage.TypeInt:
		return "INTEGER"
	case storage.TypeFloat:
		return "DOUBLE PRECISION"
	case storage.TypeTimestamp:
		return "TIMESTAMP"
	default:
		return logical
	}
}

func pgSerialType(t string) string {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case "bigserial":
		return "BIGSERIAL"
	case "serial", "identity", "":
		return "SERIAL"
	default:
		return t
	}
}

// splitQualifiedName splits a schema-qualified name into (schema, table).
//
// Examples:
//   - "public.songs" => ("public", "songs")
//   - "songs"        => ("", "songs")
func splitQualifiedName(name string) (schema string, table string) {
	name = strings.TrimSpace(name)
	parts := strings.Split(name, ".")
	if len(parts) != 2 {
		return "", name
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
}

func pgIdent(name string) string {
	return `"` + strings.ReplaceAll(strings.TrimSpace(name), `"`, `""`) + `"`
}

func pgTableIdent(name string) string {
	if schema, table := splitQualifiedName(name); schema != "" {
		return pgIdent(schema) + "." + pgIdent(table)
	}
	return pgIdent(name)
}

// pgQualIdent quotes "table.column" as "table"."column".
func pgQualIdent(name string) string {
	table, col := storage.SplitQualified(name)
	if table == "" {
		return pgIdent(col)
	}
	return pgTableIdent(table) + "." + pgIdent(col)
}

func joinIdents(cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = pgIdent(c)
	}
	return strings.Join(out, ", ")
}
