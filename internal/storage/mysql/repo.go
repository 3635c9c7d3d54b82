package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"

	"sparkify/internal/storage"
)

const maxParams = 65535

// Repo implements storage.Repository for MySQL / MariaDB.
//
// Notes:
//   - Foreign keys are emitted as table-level FOREIGN KEY clauses; InnoDB
//     parses and then ignores inline column REFERENCES.
//   - The DSN should carry parseTime=true if callers ever scan DATETIME
//     columns; the loader itself only binds time.Time values.
type Repo struct {
	db *sql.DB
}

func init() {
	storage.Register("mysql", New)
}

func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, storage.WrapDB("connect", "", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, storage.WrapDB("connect", "", err)
	}
	return &Repo{db: db}, nil
}

func (r *Repo) Close() { _ = r.db.Close() }

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

type Tx struct {
	tx *sql.Tx
}

// InsertRows implements storage.Tx. Both conflict actions map to ON DUPLICATE
// KEY UPDATE, applied one row per statement.
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
		ptrs := make([]any, len(vals))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, storage.WrapDB("lookup", spec.Table, err)
		}
		// The text protocol hands back []byte for VARCHAR columns.
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

func mysqlIdent(name string) string {
	return "`" + strings.ReplaceAll(strings.TrimSpace(name), "`", "``") + "`"
}

func mysqlQualIdent(name string) string {
	table, col := storage.SplitQualified(name)
	if table == "" {
		return mysqlIdent(col)
	}
	return mysqlIdent(table) + "." + mysqlIdent(col)
}

func joinIdents(cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = mysqlIdent(c)
	}
	return strings.Join(out, ", ")
}

func buildInsertSQL(table string, columns []string, rows [][]any, conflict *storage.ConflictSpec) (string, []any, error) {
	if len(columns) == 0 {
		return "", nil, fmt.Errorf("mysql: insert into %s: no columns", table)
	}

	var suffix string
	if conflict != nil {
		switch conflict.Action {
		case storage.ConflictDoNothing:
			// Self-assignment skips duplicates; other errors still fail the row.
			if len(conflict.TargetColumns) == 0 {
				return "", nil, fmt.Errorf("mysql: insert into %s: do_nothing needs target_columns", table)
			}
			c := mysqlIdent(conflict.TargetColumns[0])
			suffix = " ON DUPLICATE KEY UPDATE " + c + " = " + c
		case storage.ConflictUpdate:
			if len(conflict.UpdateColumns) == 0 {
				return "", nil, fmt.Errorf("mysql: insert into %s: update action needs update_columns", table)
			}
			sets := make([]string, len(conflict.UpdateColumns))
			for i, c := range conflict.UpdateColumns {
				sets[i] = fmt.Sprintf("%s = VALUES(%s)", mysqlIdent(c), mysqlIdent(c))
			}
			suffix = " ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
		default:
			return "", nil, fmt.Errorf("mysql: insert into %s: unsupported conflict action %q", table, conflict.Action)
		}
	}

	placeholders := "(" + strings.TrimRight(strings.Repeat("?, ", len(columns)), ", ") + ")"

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(mysqlIdent(table))
	b.WriteString(" (")
	b.WriteString(joinIdents(columns))
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	for i, row := range rows {
		if len(row) != len(columns) {
			return "", nil, fmt.Errorf("mysql: insert into %s: row %d has %d values for %d columns", table, i, len(row), len(columns))
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(placeholders)
		args = append(args, row...)
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
		ret[i] = mysqlQualIdent(c)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", strings.Join(ret, ", "), mysqlIdent(spec.Table))
	if j := spec.Join; j != nil {
		fmt.Fprintf(&b, " JOIN %s ON %s.%s = %s.%s",
			mysqlIdent(j.Table), mysqlIdent(j.Table), mysqlIdent(j.Column), mysqlIdent(spec.Table), mysqlIdent(j.Column))
	}
	b.WriteString(" WHERE ")
	for i, m := range spec.Match {
		if i > 0 {
			b.WriteString(" AND ")
		}
		b.WriteString(mysqlQualIdent(m))
		b.WriteString(" = ?")
	}
	if len(spec.OrderBy) > 0 {
		ord := make([]string, len(spec.OrderBy))
		for i, c := range spec.OrderBy {
			ord[i] = mysqlQualIdent(c)
		}
		b.WriteString(" ORDER BY " + strings.Join(ord, ", "))
	}
	if limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", limit)
	}
	return b.String(), nil
}

func buildCreateTableSQL(t storage.TableSpec) (string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", fmt.Errorf("mysql: table name is empty")
	}

	var parts, foreign []string

	if t.PrimaryKey != nil {
		typ := "INT"
		if strings.EqualFold(strings.TrimSpace(t.PrimaryKey.Type), "bigserial") {
			typ = "BIGINT"
		}
		parts = append(parts, fmt.Sprintf("%s %s NOT NULL AUTO_INCREMENT PRIMARY KEY", mysqlIdent(t.PrimaryKey.Name), typ))
	}

	for _, c := range t.Columns {
		if strings.TrimSpace(c.Name) == "" || strings.TrimSpace(c.Type) == "" {
			return "", fmt.Errorf("mysql: %s: column name/type must be set", t.Name)
		}
		def := mysqlIdent(c.Name) + " " + mysqlType(c.Type)
		if c.IsNullable() {
			def += " NULL"
		} else {
			def += " NOT NULL"
		}
		parts = append(parts, def)

		if ref := c.References; ref != nil {
			foreign = append(foreign, fmt.Sprintf("FOREIGN KEY (%s) REFERENCES %s (%s)",
				mysqlIdent(c.Name), mysqlIdent(ref.Table), mysqlIdent(ref.Column)))
		}
	}

	for _, con := range t.Constraints {
		if len(con.Columns) == 0 {
			return "", fmt.Errorf("mysql: %s: %s constraint has no columns", t.Name, con.Kind)
		}
		switch con.Kind {
		case storage.ConstraintPrimaryKey:
			parts = append(parts, "PRIMARY KEY ("+joinIdents(con.Columns)+")")
		case storage.ConstraintUnique:
			parts = append(parts, "UNIQUE ("+joinIdents(con.Columns)+")")
		default:
			return "", fmt.Errorf("mysql: %s unsupported constraint kind: %s", t.Name, con.Kind)
		}
	}
	parts = append(parts, foreign...)

	if len(parts) == 0 {
		return "", fmt.Errorf("mysql: %s: no columns", t.Name)
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s) ENGINE=InnoDB", mysqlIdent(t.Name), strings.Join(parts, ", ")), nil
}

func mysqlType(logical string) string {
	switch strings.ToLower(logical) {
	case storage.TypeKey:
		return "VARCHAR(64)"
	case storage.TypeText:
		return "TEXT"
	case storage.TypeInt:
		return "INT"
	case storage.TypeFloat:
		return "DOUBLE"
	case storage.TypeTimestamp:
		return "DATETIME(3)"
	default:
		return logical
	}
}
