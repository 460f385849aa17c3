package schema

import (
	"fmt"
	"strings"
)

// QuoteIdent quotes an identifier for the dialect. Values are never
// interpolated; identifiers come from configuration, not records.
func QuoteIdent(dialect Dialect, ident string) string {
	switch dialect {
	case DialectMySQL, DialectBigQuery:
		return "`" + strings.ReplaceAll(ident, "`", "") + "`"
	default:
		return `"` + strings.ReplaceAll(ident, `"`, "") + `"`
	}
}

func columnDDL(dialect Dialect, col Column, primary bool) string {
	var sb strings.Builder
	sb.WriteString(QuoteIdent(dialect, col.Name))
	sb.WriteString(" ")
	sb.WriteString(col.Type)
	if primary {
		sb.WriteString(" PRIMARY KEY")
	} else if !col.Nullable {
		sb.WriteString(" NOT NULL")
	}
	if col.Default != "" {
		sb.WriteString(" DEFAULT ")
		sb.WriteString(col.Default)
	}
	return sb.String()
}

// CreateTableSQL renders CREATE TABLE IF NOT EXISTS for the table.
func CreateTableSQL(dialect Dialect, def TableDef) string {
	cols := make([]string, 0, len(def.Columns))
	for _, col := range def.Columns {
		cols = append(cols, columnDDL(dialect, col, col.Name == def.PrimaryKey))
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)",
		QuoteIdent(dialect, def.Name), strings.Join(cols, ", "))
}

// AddColumnSQL renders ALTER TABLE ADD COLUMN. Added columns are nullable
// with no default so existing rows are preserved untouched.
func AddColumnSQL(dialect Dialect, table string, col Column) string {
	relaxed := Column{Name: col.Name, Type: col.Type, Nullable: true}
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s",
		QuoteIdent(dialect, table), columnDDL(dialect, relaxed, false))
}

// DropColumnSQL renders ALTER TABLE DROP COLUMN.
func DropColumnSQL(dialect Dialect, table, column string) string {
	return fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s",
		QuoteIdent(dialect, table), QuoteIdent(dialect, column))
}

// DropTableSQL renders DROP TABLE IF EXISTS.
func DropTableSQL(dialect Dialect, table string) string {
	return fmt.Sprintf("DROP TABLE IF EXISTS %s", QuoteIdent(dialect, table))
}
