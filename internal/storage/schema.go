// The TableSpec types live here so both multitable and the backend packages can import them without circular deps.
package storage

import (
	"fmt"
	"strings"
)

// Logical column types. Each backend maps them to a native type; any other
// value is passed through to the DDL verbatim.
const (
	TypeKey       = "key"       // short text usable in a primary key
	TypeText      = "text"      // unbounded text
	TypeInt       = "int"       // 32-bit integer
	TypeFloat     = "float"     // double precision
	TypeTimestamp = "timestamp" // instant without zone, stored as UTC
)

// Conflict actions for LoadSpec.Conflict.
const (
	ConflictDoNothing = "do_nothing"
	ConflictUpdate    = "update"
)

// Constraint kinds for ConstraintSpec.
const (
	ConstraintPrimaryKey = "primary_key"
	ConstraintUnique     = "unique"
)

type TableSpec struct {
	Name            string           `yaml:"name" json:"name"`
	AutoCreateTable bool             `yaml:"auto_create_table" json:"auto_create_table"`
	PrimaryKey      *PrimaryKeySpec  `yaml:"primary_key,omitempty" json:"primary_key,omitempty"`
	Columns         []ColumnSpec     `yaml:"columns" json:"columns"`
	Constraints     []ConstraintSpec `yaml:"constraints,omitempty" json:"constraints,omitempty"`
	Load            LoadSpec         `yaml:"load" json:"load"`
}

// PrimaryKeySpec declares a store-assigned surrogate key column. The loader
// never writes it.
type PrimaryKeySpec struct {
	Name string `yaml:"name" json:"name"`
	Type string `yaml:"type" json:"type"` // serial | bigserial
}

type ColumnSpec struct {
	Name       string         `yaml:"name" json:"name"`
	Type       string         `yaml:"type" json:"type"`
	References *ReferenceSpec `yaml:"references,omitempty" json:"references,omitempty"`
	Nullable   *bool          `yaml:"nullable,omitempty" json:"nullable,omitempty"`
}

type ReferenceSpec struct {
	Table  string `yaml:"table" json:"table"`
	Column string `yaml:"column" json:"column"`
}

type ConstraintSpec struct {
	Kind    string   `yaml:"kind" json:"kind"` // primary_key | unique
	Columns []string `yaml:"columns" json:"columns"`
}

type LoadSpec struct {
	Kind string `yaml:"kind" json:"kind"` // "dimension" | "fact"

	// Conflict is nil for plain inserts.
	Conflict *ConflictSpec `yaml:"conflict,omitempty" json:"conflict,omitempty"`

	// Lookups resolve fact columns against dimension tables at load time.
	Lookups []LookupSpec `yaml:"lookups,omitempty" json:"lookups,omitempty"`
}

type ConflictSpec struct {
	TargetColumns []string `yaml:"target_columns" json:"target_columns"`
	Action        string   `yaml:"action" json:"action"` // do_nothing | update
	UpdateColumns []string `yaml:"update_columns,omitempty" json:"update_columns,omitempty"`
}

// LookupSpec is an equality lookup over Table, optionally joined to a second
// table on a shared column. Column references in Match, Return and OrderBy are
// qualified as "table.column".
type LookupSpec struct {
	Name      string    `yaml:"name" json:"name"`
	Table     string    `yaml:"table" json:"table"`
	Join      *JoinSpec `yaml:"join,omitempty" json:"join,omitempty"`
	Match     []string  `yaml:"match" json:"match"`
	Return    []string  `yaml:"return" json:"return"`
	OrderBy   []string  `yaml:"order_by,omitempty" json:"order_by,omitempty"`
	Targets   []string  `yaml:"targets" json:"targets"`       // fact columns filled from Return, in order
	OnMissing string    `yaml:"on_missing" json:"on_missing"` // "null"
}

type JoinSpec struct {
	Table  string `yaml:"table" json:"table"`
	Column string `yaml:"column" json:"column"`
}

// ColumnNames returns the insertable column names in declaration order. The
// surrogate primary key is not included.
func (t TableSpec) ColumnNames() []string {
	out := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		out = append(out, c.Name)
	}
	return out
}

// IsNullable reports whether a column accepts NULL. Columns default to NOT NULL.
func (c ColumnSpec) IsNullable() bool {
	return c.Nullable != nil && *c.Nullable
}

// SplitQualified splits "table.column" into its parts. An unqualified name
// returns an empty table.
func SplitQualified(name string) (table, column string) {
	name = strings.TrimSpace(name)
	if i := strings.LastIndex(name, "."); i >= 0 {
		return strings.TrimSpace(name[:i]), strings.TrimSpace(name[i+1:])
	}
	return "", name
}

// Validate checks the parts of a lookup every backend relies on.
func (l LookupSpec) Validate() error {
	if strings.TrimSpace(l.Table) == "" {
		return fmt.Errorf("lookup %s: table is required", l.Name)
	}
	if len(l.Match) == 0 {
		return fmt.Errorf("lookup %s: match must not be empty", l.Name)
	}
	if len(l.Return) == 0 {
		return fmt.Errorf("lookup %s: return must not be empty", l.Name)
	}
	if len(l.Targets) != len(l.Return) {
		return fmt.Errorf("lookup %s: %d targets for %d return columns", l.Name, len(l.Targets), len(l.Return))
	}
	if l.Join != nil && (l.Join.Table == "" || l.Join.Column == "") {
		return fmt.Errorf("lookup %s: join requires table and column", l.Name)
	}
	return nil
}
