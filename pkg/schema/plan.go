package schema

import "strings"

// Mismatch records an expected column whose destination type disagrees.
type Mismatch struct {
	Name     string `json:"name"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

// Plan is the migration derived for one destination table. It is computed
// during start, executed before the first replicate call, and discarded
// afterwards (kept only under validate-only for later re-checks).
type Plan struct {
	TableName       string     `json:"table_name"`
	CreateIfMissing bool       `json:"create_if_missing"`
	Recreate        bool       `json:"recreate"`
	ColumnsToAdd    []Column   `json:"columns_to_add,omitempty"`
	ColumnsToDrop   []string   `json:"columns_to_drop,omitempty"`
	ColumnsMismatch []Mismatch `json:"columns_mismatch,omitempty"`
	Expected        TableDef   `json:"expected"`
}

// Empty reports whether the plan requires no migration.
func (p *Plan) Empty() bool {
	return !p.CreateIfMissing &&
		len(p.ColumnsToAdd) == 0 &&
		len(p.ColumnsToDrop) == 0 &&
		len(p.ColumnsMismatch) == 0
}

// Diff reports what a driver actually changed while applying a plan.
type Diff struct {
	TableCreated   bool     `json:"table_created"`
	TableRecreated bool     `json:"table_recreated"`
	ColumnsAdded   []string `json:"columns_added,omitempty"`
	ColumnsDropped []string `json:"columns_dropped,omitempty"`
}

// TableInfo is the introspected state of a destination table.
type TableInfo struct {
	Exists  bool
	Columns map[string]string // column name -> reported type
}

// BuildPlan compares the expected table against the introspected state.
// autoCreate gates table creation; dropMissing gates column removal.
func BuildPlan(expected TableDef, actual *TableInfo, autoCreate, dropMissing bool) *Plan {
	plan := &Plan{TableName: expected.Name, Expected: expected}

	if actual == nil || !actual.Exists {
		if autoCreate {
			plan.CreateIfMissing = true
			plan.ColumnsToAdd = append(plan.ColumnsToAdd, expected.Columns...)
		}
		return plan
	}

	for _, col := range expected.Columns {
		actualType, present := actual.Columns[col.Name]
		if !present {
			plan.ColumnsToAdd = append(plan.ColumnsToAdd, col)
			continue
		}
		if !typesAgree(col.Type, actualType) {
			plan.ColumnsMismatch = append(plan.ColumnsMismatch, Mismatch{
				Name:     col.Name,
				Expected: col.Type,
				Actual:   actualType,
			})
		}
	}

	if dropMissing {
		for name := range actual.Columns {
			if _, ok := expected.Column(name); !ok {
				plan.ColumnsToDrop = append(plan.ColumnsToDrop, name)
			}
		}
	}
	return plan
}

// typesAgree compares a mapped type against an introspected one. Databases
// report normalised names (e.g. "character varying(255)" for VARCHAR), so
// the comparison works on a canonical form.
func typesAgree(expected, actual string) bool {
	return canonicalType(expected) == canonicalType(actual)
}

func canonicalType(t string) string {
	t = strings.ToUpper(strings.TrimSpace(t))
	// Strip length arguments: VARCHAR(255) and VARCHAR agree.
	if idx := strings.Index(t, "("); idx >= 0 {
		t = t[:idx]
	}
	switch t {
	case "CHARACTER VARYING", "VARCHAR", "CHAR", "TEXT", "STRING":
		return "TEXT"
	case "TIMESTAMP WITH TIME ZONE", "TIMESTAMPTZ", "TIMESTAMP", "DATETIME":
		return "TIMESTAMP"
	case "DOUBLE PRECISION", "DOUBLE", "FLOAT64", "REAL":
		return "DOUBLE"
	case "BOOLEAN", "BOOL", "TINYINT":
		return "BOOL"
	case "JSONB", "JSON":
		return "JSON"
	case "INT64", "BIGINT", "INTEGER", "INT":
		return "INTEGER"
	default:
		return t
	}
}
