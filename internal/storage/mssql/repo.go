package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/microsoft/go-mssqldb"

	"sparkify/internal/storage"
)

// SQL Server rejects statements with more than 2100 parameters.
const maxParams = 2000

// Repo implements storage.Repository for Microsoft SQL Server.
//
// Conflict handling avoids MERGE:
//   - do_nothing: INSERT ... SELECT over a VALUES table guarded by NOT EXISTS.
//     Rows are deduped per batch first (keep first occurrence) since SQL Server
//     does not collapse duplicates inside the VALUES source.
//   - update: UPDATE by target columns, then INSERT when no row was touched.
type Repo struct {
	db dbConn
}

func init() {
	storage.Register("mssql", New)
}

// New opens a pool on the "sqlserver" driver and pings it.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	raw, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, storage.WrapDB("connect", "", err)
	}
	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, storage.WrapDB("connect", "", err)
	}
	return &Repo{db: &sqlDB{db: raw}}, nil
}

func (r *Repo) Close() {
	if r == nil || r.db == nil {
		return
	}
	_ = r.db.Close()
}

// EnsureTables creates missing tables behind an OBJECT_ID guard.
func (r *Repo) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		if !t.AutoCreateTable {
			continue
		}
		ddl, err := buildCreateSQL(t)
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

type Tx struct {
	tx txConn
}

func (t *Tx) InsertRows(ctx context.Context, spec storage.TableSpec, columns []string, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(columns) == 0 {
		return 0, fmt.Errorf("mssql: insert into %s: no columns", spec.Name)
	}

	c := spec.Load.Conflict
	switch {
	case c == nil:
		return t.insertPlain(ctx, spec.Name, columns, rows)
	case c.Action == storage.ConflictDoNothing:
		return t.insertNotExists(ctx, spec.Name, columns, rows, c.TargetColumns)
	case c.Action == storage.ConflictUpdate:
		return t.upsert(ctx, spec.Name, columns, rows, c)
	default:
		return 0, fmt.Errorf("mssql: insert into %s: unsupported conflict action %q", spec.Name, c.Action)
	}
}

func (t *Tx) insertPlain(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	var total int64
	for _, part := range storage.ChunkRows(rows, len(columns), maxParams) {
		q, args, err := buildBulkInsertSQL(table, columns, part)
		if err != nil {
			return total, err
		}
		res, err := t.tx.ExecContext(ctx, q, args...)
		if err != nil {
			return total, storage.WrapDB("insert", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func (t *Tx) insertNotExists(ctx context.Context, table string, columns []string, rows [][]any, dedupeColumns []string) (int64, error) {
	if len(dedupeColumns) == 0 {
		return 0, fmt.Errorf("mssql: insert into %s: conflict target is empty", table)
	}
	uniq, err := dedupeRowsByColumns(rows, columns, dedupeColumns)
	if err != nil {
		return 0, err
	}

	var total int64
	for _, part := range storage.ChunkRows(uniq, len(columns), maxParams) {
		q, args, err := buildInsertNotExistsSQL(table, columns, part, dedupeColumns)
		if err != nil {
			return total, err
		}
		res, err := t.tx.ExecContext(ctx, q, args...)
		if err != nil {
			return total, storage.WrapDB("insert", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// upsert applies rows one at a time in input order so the last row per key wins.
func (t *Tx) upsert(ctx context.Context, table string, columns []string, rows [][]any, c *storage.ConflictSpec) (int64, error) {
	var total int64
	for _, row := range rows {
		uq, uargs, err := buildUpdateSQL(table, columns, row, c.TargetColumns, c.UpdateColumns)
		if err != nil {
			return total, err
		}
		res, err := t.tx.ExecContext(ctx, uq, uargs...)
		if err != nil {
			return total, storage.WrapDB("upsert", table, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			total += n
			continue
		}

		iq, iargs, err := buildBulkInsertSQL(table, columns, [][]any{row})
		if err != nil {
			return total, err
		}
		res, err = t.tx.ExecContext(ctx, iq, iargs...)
		if err != nil {
			return total, storage.WrapDB("upsert", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func (t *Tx) Lookup(ctx context.Context, spec storage.LookupSpec, args []any, limit int) ([][]any, error) {
	q, err := buildLookupSQL(spec, limit)
	if err != nil {
		return nil, err
	}
	rows, err := t.tx.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, storage.WrapDB("lookup", spec.Table, err)
	}
	defer rows.Close()

	var out [][]any
	for rows.Next() {
		vals := make([]any, len(spec.Return))
		dests := make([]any, len(vals))
		for i := range vals {
			dests[i] = &vals[i]
		}
		if err := rows.Scan(dests...); err != nil {
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

// buildCreateSQL builds idempotent CREATE TABLE SQL guarded by OBJECT_ID.
func buildCreateSQL(t storage.TableSpec) (string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", fmt.Errorf("mssql: table name is empty")
	}

	var parts []string
	if t.PrimaryKey != nil {
		pkDef, err := mssqlPrimaryKeyDef(*t.PrimaryKey)
		if err != nil {
			return "", err
		}
		parts = append(parts, pkDef)
	}

	for _, c := range t.Columns {
		def, err := mssqlColumnDef(c)
		if err != nil {
			return "", err
		}
		parts = append(parts, def)
	}

	for _, con := range t.Constraints {
		if len(con.Columns) == 0 {
			return "", fmt.Errorf("%s %s constraint has no columns", t.Name, con.Kind)
		}
		cols := joinIdents(con.Columns)
		switch con.Kind {
		case storage.ConstraintPrimaryKey:
			parts = append(parts, fmt.Sprintf("PRIMARY KEY (%s)", cols))
		case storage.ConstraintUnique:
			parts = append(parts, fmt.Sprintf("UNIQUE (%s)", cols))
		default:
			return "", fmt.Errorf("%s unsupported constraint kind: %s", t.Name, con.Kind)
		}
	}

	if len(parts) == 0 {
		return "", fmt.Errorf("mssql: %s: no columns", t.Name)
	}
	return wrapCreateIfMissing(t.Name, strings.Join(parts, ", ")), nil
}

func wrapCreateIfMissing(tableName string, innerDefs string) string {
	return fmt.Sprintf(
		"IF OBJECT_ID(N'%s', N'U') IS NULL BEGIN CREATE TABLE %s (%s); END;",
		strings.ReplaceAll(tableName, "'", "''"),
		mssqlTableIdent(tableName),
		innerDefs,
	)
}

// mssqlPrimaryKeyDef maps serial to INT IDENTITY and bigserial to BIGINT IDENTITY.
func mssqlPrimaryKeyDef(pk storage.PrimaryKeySpec) (string, error) {
	if strings.TrimSpace(pk.Name) == "" {
		return "", fmt.Errorf("mssql: primary key name is empty")
	}
	switch strings.ToLower(strings.TrimSpace(pk.Type)) {
	case "serial", "identity", "":
		return fmt.Sprintf("%s INT IDENTITY(1,1) PRIMARY KEY", mssqlIdent(pk.Name)), nil
	case "bigserial":
		return fmt.Sprintf("%s BIGINT IDENTITY(1,1) PRIMARY KEY", mssqlIdent(pk.Name)), nil
	default:
		return fmt.Sprintf("%s %s PRIMARY KEY", mssqlIdent(pk.Name), mssqlType(pk.Type)), nil
	}
}

func mssqlColumnDef(c storage.ColumnSpec) (string, error) {
	if strings.TrimSpace(c.Name) == "" {
		return "", fmt.Errorf("mssql: column name is empty")
	}
	if strings.TrimSpace(c.Type) == "" {
		return "", fmt.Errorf("mssql: column %s type is empty", c.Name)
	}

	var b strings.Builder
	b.WriteString(mssqlIdent(c.Name))
	b.WriteString(" ")
	b.WriteString(mssqlType(c.Type))
	if c.IsNullable() {
		b.WriteString(" NULL")
	} else {
		b.WriteString(" NOT NULL")
	}
	if ref := c.References; ref != nil {
		fmt.Fprintf(&b, " REFERENCES %s (%s)", mssqlTableIdent(ref.Table), mssqlIdent(ref.Column))
	}
	return b.String(), nil
}

func mssqlType(logical string) string {
	switch strings.ToLower(logical) {
	case storage.TypeKey:
		return "NVARCHAR(64)"
	case storage.TypeText:
		return "NVARCHAR(MAX)"
	case storage.TypeInt:
		return "INT"
	case storage.TypeFloat:
		return "FLOAT"
	case storage.TypeTimestamp:
		return "DATETIME2(3)"
	default:
		return logical
	}
}

// buildBulkInsertSQL builds a single INSERT ... VALUES statement for all rows.
func buildBulkInsertSQL(table string, columns []string, rows [][]any) (string, []any, error) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" (")
	b.WriteString(joinIdents(columns))
	b.WriteString(") VALUES ")

	args, err := writeValues(&b, table, columns, rows)
	if err != nil {
		return "", nil, err
	}
	return b.String(), args, nil
}

// buildInsertNotExistsSQL materializes the rows as a derived table v and inserts
// only those with no match in the target per dedupeColumns.
func buildInsertNotExistsSQL(table string, columns []string, rows [][]any, dedupeColumns []string) (string, []any, error) {
	var b strings.Builder

	b.WriteString("INSERT INTO ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" (")
	b.WriteString(joinIdents(columns))
	b.WriteString(") SELECT ")
	for i, c := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("v.")
		b.WriteString(mssqlIdent(c))
	}
	b.WriteString(" FROM (VALUES ")

	args, err := writeValues(&b, table, columns, rows)
	if err != nil {
		return "", nil, err
	}

	b.WriteString(") AS v(")
	b.WriteString(joinIdents(columns))
	b.WriteString(") WHERE NOT EXISTS (SELECT 1 FROM ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" t WHERE ")
	for i, dc := range dedupeColumns {
		if i > 0 {
			b.WriteString(" AND ")
		}
		b.WriteString("t.")
		b.WriteString(mssqlIdent(dc))
		b.WriteString(" = v.")
		b.WriteString(mssqlIdent(dc))
	}
	b.WriteString(")")

	return b.String(), args, nil
}

// buildUpdateSQL builds the UPDATE half of an upsert for a single row.
func buildUpdateSQL(table string, columns []string, row []any, keyColumns, updateColumns []string) (string, []any, error) {
	if len(keyColumns) == 0 || len(updateColumns) == 0 {
		return "", nil, fmt.Errorf("mssql: upsert %s: target and update columns are required", table)
	}
	if len(row) != len(columns) {
		return "", nil, fmt.Errorf("mssql: upsert %s: row has %d values for %d columns", table, len(row), len(columns))
	}
	colIdx := indexColumns(columns)
	setIdx, err := indicesFor(updateColumns, colIdx)
	if err != nil {
		return "", nil, fmt.Errorf("mssql: upsert %s: %w", table, err)
	}
	keyIdx, err := indicesFor(keyColumns, colIdx)
	if err != nil {
		return "", nil, fmt.Errorf("mssql: upsert %s: %w", table, err)
	}

	var b strings.Builder
	b.WriteString("UPDATE ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" SET ")

	args := make([]any, 0, len(setIdx)+len(keyIdx))
	p := 1
	for i, idx := range setIdx {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(mssqlIdent(updateColumns[i]))
		b.WriteString(" = @p")
		b.WriteString(strconv.Itoa(p))
		args = append(args, row[idx])
		p++
	}
	b.WriteString(" WHERE ")
	for i, idx := range keyIdx {
		if i > 0 {
			b.WriteString(" AND ")
		}
		b.WriteString(mssqlIdent(keyColumns[i]))
		b.WriteString(" = @p")
		b.WriteString(strconv.Itoa(p))
		args = append(args, row[idx])
		p++
	}
	return b.String(), args, nil
}

// buildLookupSQL renders the lookup with SELECT TOP since SQL Server has no LIMIT.
func buildLookupSQL(spec storage.LookupSpec, limit int) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	if limit > 0 {
		fmt.Fprintf(&b, "TOP (%d) ", limit)
	}
	for i, c := range spec.Return {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(mssqlTableIdent(c))
	}
	b.WriteString(" FROM ")
	b.WriteString(mssqlTableIdent(spec.Table))
	if j := spec.Join; j != nil {
		fmt.Fprintf(&b, " JOIN %s ON %s.%s = %s.%s",
			mssqlTableIdent(j.Table),
			mssqlTableIdent(j.Table), mssqlIdent(j.Column),
			mssqlTableIdent(spec.Table), mssqlIdent(j.Column))
	}
	b.WriteString(" WHERE ")
	for i, m := range spec.Match {
		if i > 0 {
			b.WriteString(" AND ")
		}
		b.WriteString(mssqlTableIdent(m))
		b.WriteString(" = @p")
		b.WriteString(strconv.Itoa(i + 1))
	}
	if len(spec.OrderBy) > 0 {
		b.WriteString(" ORDER BY ")
		for i, c := range spec.OrderBy {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(mssqlTableIdent(c))
		}
	}
	return b.String(), nil
}

func writeValues(b *strings.Builder, table string, columns []string, rows [][]any) ([]any, error) {
	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if len(row) != len(columns) {
			return nil, fmt.Errorf("mssql: insert into %s: row %d has %d values for %d columns", table, i, len(row), len(columns))
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteString("@p")
			b.WriteString(strconv.Itoa(p))
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}
	return args, nil
}

// dedupeRowsByColumns keeps the first row seen for each key built from
// keyColumns, preserving input order.
func dedupeRowsByColumns(rows [][]any, columns []string, keyColumns []string) ([][]any, error) {
	idx, err := indicesFor(keyColumns, indexColumns(columns))
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(rows))
	out := make([][]any, 0, len(rows))
	vals := make([]any, len(idx))
	for _, row := range rows {
		for i, j := range idx {
			vals[i] = row[j]
		}
		k := storage.DedupeKey(vals...)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, row)
	}
	return out, nil
}

func indexColumns(columns []string) map[string]int {
	m := make(map[string]int, len(columns))
	for i, c := range columns {
		m[c] = i
	}
	return m
}

func indicesFor(required []string, colIdx map[string]int) ([]int, error) {
	out := make([]int, len(required))
	for i, c := range required {
		idx, ok := colIdx[c]
		if !ok {
			return nil, fmt.Errorf("column %q not found in columns", c)
		}
		out[i] = idx
	}
	return out, nil
}

// mssqlIdent returns a bracket-quoted identifier, escaping ']' as ']]'.
func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(strings.TrimSpace(name), "]", "]]") + "]"
}

// mssqlTableIdent quotes every dotted part.
//
//	"dbo.songs" -> [dbo].[songs]
func mssqlTableIdent(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = mssqlIdent(parts[i])
	}
	return strings.Join(parts, ".")
}

func joinIdents(cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = mssqlIdent(c)
	}
	return strings.Join(out, ", ")
}

// ---- database/sql seam types ----

type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error)
	Close() error
}

type txConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	Commit() error
	Rollback() error
}

type sqlDB struct {
	db *sql.DB
}

func (s *sqlDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

func (s *sqlDB) BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error) {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func (s *sqlDB) Close() error { return s.db.Close() }

var (
	_ dbConn = (*sqlDB)(nil)
	_ txConn = (*sql.Tx)(nil)
)
