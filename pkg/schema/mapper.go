package schema

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Dialect selects the destination column vocabulary.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
	DialectSQLite   Dialect = "sqlite"
	DialectBigQuery Dialect = "bigquery"
)

// Column describes one destination table column.
type Column struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
	Default  string `json:"default,omitempty"`
}

// TableDef is the expected shape of a destination table.
type TableDef struct {
	Name       string   `json:"name"`
	Columns    []Column `json:"columns"`
	PrimaryKey string   `json:"primary_key"`
}

// Column lookup by name.
func (t *TableDef) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// MapType maps a source attribute declaration (e.g. "string|maxlength:255")
// to a destination column for the given dialect. Unknown base types fall
// back to the plain string mapping so replication keeps flowing; schema
// strictness is enforced by the sync policy, not the mapper.
func MapType(declaration string, dialect Dialect) Column {
	base, args, required := parseDeclaration(declaration)

	col := Column{Nullable: !required}
	switch base {
	case "string", "secret":
		col.Type = pick(dialect, "TEXT", "TEXT", "TEXT", "STRING")
		if n, ok := args["maxlength"]; ok && (dialect == DialectPostgres || dialect == DialectMySQL) {
			col.Type = fmt.Sprintf("VARCHAR(%d)", n)
		}
	case "number":
		col.Type = pick(dialect, "DOUBLE PRECISION", "DOUBLE", "REAL", "FLOAT64")
	case "boolean":
		col.Type = pick(dialect, "BOOLEAN", "TINYINT(1)", "INTEGER", "BOOL")
	case "json", "object", "array", "embedding":
		col.Type = pick(dialect, "JSONB", "JSON", "TEXT", "JSON")
	case "ip4":
		col.Type = pick(dialect, "INET", "VARCHAR(15)", "TEXT", "STRING")
	case "ip6":
		col.Type = pick(dialect, "INET", "VARCHAR(45)", "TEXT", "STRING")
	case "uuid":
		col.Type = pick(dialect, "UUID", "CHAR(36)", "TEXT", "STRING")
	case "date":
		col.Type = pick(dialect, "DATE", "DATE", "TEXT", "DATE")
	case "datetime":
		col.Type = pick(dialect, "TIMESTAMPTZ", "DATETIME", "TEXT", "TIMESTAMP")
	default:
		col.Type = pick(dialect, "TEXT", "TEXT", "TEXT", "STRING")
	}
	return col
}

// parseDeclaration splits "string|maxlength:255|required" into its base
// type, integer arguments and the required flag.
func parseDeclaration(declaration string) (base string, args map[string]int, required bool) {
	args = make(map[string]int)
	parts := strings.Split(declaration, "|")
	if len(parts) == 0 {
		return "string", args, false
	}

	head := parts[0]
	if idx := strings.Index(head, ":"); idx >= 0 {
		// e.g. "embedding:1536" carries its argument on the base token.
		if n, err := strconv.Atoi(head[idx+1:]); err == nil {
			args[head[:idx]] = n
		}
		head = head[:idx]
	}
	base = head

	for _, part := range parts[1:] {
		if part == "required" {
			required = true
			continue
		}
		if idx := strings.Index(part, ":"); idx >= 0 {
			if n, err := strconv.Atoi(part[idx+1:]); err == nil {
				args[part[:idx]] = n
			}
		}
	}
	return base, args, required
}

func pick(dialect Dialect, pg, my, lite, bq string) string {
	switch dialect {
	case DialectMySQL:
		return my
	case DialectSQLite:
		return lite
	case DialectBigQuery:
		return bq
	default:
		return pg
	}
}

// BaseColumns returns the auxiliary columns every destination table carries.
func BaseColumns(dialect Dialect) []Column {
	id := Column{Name: "id", Nullable: false}
	created := Column{Name: "created_at", Nullable: false}
	updated := Column{Name: "updated_at", Nullable: false}

	switch dialect {
	case DialectMySQL:
		id.Type = "VARCHAR(191)"
		created.Type, created.Default = "TIMESTAMP", "CURRENT_TIMESTAMP"
		updated.Type, updated.Default = "TIMESTAMP", "CURRENT_TIMESTAMP"
	case DialectSQLite:
		id.Type = "TEXT"
		created.Type, created.Default = "TEXT", "CURRENT_TIMESTAMP"
		updated.Type, updated.Default = "TEXT", "CURRENT_TIMESTAMP"
	case DialectBigQuery:
		id.Type = "STRING"
		created.Type = "TIMESTAMP"
		updated.Type = "TIMESTAMP"
	default:
		id.Type = "TEXT"
		created.Type, created.Default = "TIMESTAMPTZ", "NOW()"
		updated.Type, updated.Default = "TIMESTAMPTZ", "NOW()"
	}
	return []Column{id, created, updated}
}

// Warehouse mutability modes.
const (
	ModeAppendOnly = "append-only"
	ModeMutable    = "mutable"
	ModeImmutable  = "immutable"
)

// TrackingColumns returns the extra columns implied by a warehouse
// mutability mode. Empty for mutable.
func TrackingColumns(mode string) []Column {
	switch mode {
	case ModeAppendOnly:
		return []Column{
			{Name: "_operation_type", Type: "STRING", Nullable: false},
			{Name: "_operation_timestamp", Type: "TIMESTAMP", Nullable: false},
		}
	case ModeImmutable:
		return []Column{
			{Name: "_operation_type", Type: "STRING", Nullable: false},
			{Name: "_operation_timestamp", Type: "TIMESTAMP", Nullable: false},
			{Name: "_is_deleted", Type: "BOOL", Nullable: false},
			{Name: "_version", Type: "INT64", Nullable: false},
		}
	default:
		return nil
	}
}

// ExpectedTable computes the full expected table shape: auxiliary columns,
// mapped source attributes (in name order, for deterministic DDL), then any
// driver-specific extras such as warehouse tracking columns.
func ExpectedTable(table string, attrs map[string]string, dialect Dialect, extra []Column) TableDef {
	def := TableDef{Name: table, PrimaryKey: "id", Columns: BaseColumns(dialect)}

	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if _, taken := def.Column(name); taken {
			continue
		}
		col := MapType(attrs[name], dialect)
		col.Name = name
		def.Columns = append(def.Columns, col)
	}

	for _, col := range extra {
		if _, taken := def.Column(col.Name); !taken {
			def.Columns = append(def.Columns, col)
		}
	}
	return def
}
