package estuary

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pquerna/ffjson/ffjson"
	"github.com/rs/zerolog"

	"github.com/riverrun/replicator/pkg/config"
	"github.com/riverrun/replicator/pkg/models"
	"github.com/riverrun/replicator/pkg/schema"
)

var logger = zerolog.New(os.Stderr).With().Timestamp().Str("component", "estuary").Logger()

// sqlConfig is the shared configuration block of the SQL driver family.
// TLS options ride inside the DSN untouched.
type sqlConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"maxOpenConns"`
	LogTable     string `mapstructure:"logTable"`
}

// classifyFunc maps a database error to a retriable/permanent DriverError.
type classifyFunc func(driver string, err error) error

// sqlEndpoint is the core shared by the SQL driver family. Dialect
// differences live in the DDL renderer, the introspection query and the
// error classifier.
type sqlEndpoint struct {
	kind     string
	dialect  schema.Dialect
	conn     *sqlx.DB
	logTable string
	classify classifyFunc
}

func newSQLEndpoint(kind, driverName string, dialect schema.Dialect, cfg map[string]interface{}, classify classifyFunc) (*sqlEndpoint, error) {
	var sc sqlConfig
	if err := config.Decode(cfg, &sc); err != nil {
		return nil, &models.ConfigError{Field: "config", Message: err.Error()}
	}
	if sc.DSN == "" {
		return nil, &models.ConfigError{Field: "config.dsn", Message: "dsn is required"}
	}
	if sc.MaxOpenConns <= 0 {
		sc.MaxOpenConns = 10
	}

	conn, err := sqlx.Open(driverName, sc.DSN)
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(sc.MaxOpenConns)

	return &sqlEndpoint{
		kind:     kind,
		dialect:  dialect,
		conn:     conn,
		logTable: sc.LogTable,
		classify: classify,
	}, nil
}

func (e *sqlEndpoint) Init() error {
	if err := e.conn.Ping(); err != nil {
		return e.classify(e.kind, err)
	}
	if e.logTable != "" {
		def := schema.TableDef{
			Name:       e.logTable,
			PrimaryKey: "id",
			Columns: []schema.Column{
				{Name: "id", Type: textType(e.dialect), Nullable: false},
				{Name: "resource", Type: textType(e.dialect)},
				{Name: "record_id", Type: textType(e.dialect)},
				{Name: "operation", Type: textType(e.dialect)},
				{Name: "created_at", Type: timestampType(e.dialect)},
			},
		}
		if _, err := e.conn.Exec(schema.CreateTableSQL(e.dialect, def)); err != nil {
			return e.classify(e.kind, err)
		}
	}
	return nil
}

func (e *sqlEndpoint) Close() error {
	return e.conn.Close()
}

func (e *sqlEndpoint) Replicate(ctx context.Context, op Op) error {
	tx, err := e.conn.BeginTxx(ctx, nil)
	if err != nil {
		return e.classify(e.kind, err)
	}
	defer tx.Rollback()

	var query string
	var args []interface{}
	switch op.Operation {
	case "deleted":
		query = fmt.Sprintf("DELETE FROM %s WHERE %s = ?",
			e.quote(op.Binding.Destination), e.quote("id"))
		args = []interface{}{op.RecordID}
	default:
		// Upserts keep at-least-once replays idempotent by primary key.
		query, args = e.upsertSQL(op.Binding.Destination, op.RecordID, op.Record, op.Timestamp)
	}

	if _, err := tx.ExecContext(ctx, e.conn.Rebind(query), args...); err != nil {
		return e.classify(e.kind, err)
	}

	if e.logTable != "" {
		logQuery := fmt.Sprintf("INSERT INTO %s (%s, %s, %s, %s, %s) VALUES (?, ?, ?, ?, ?)",
			e.quote(e.logTable), e.quote("id"), e.quote("resource"),
			e.quote("record_id"), e.quote("operation"), e.quote("created_at"))
		_, err := tx.ExecContext(ctx, e.conn.Rebind(logQuery),
			uuid.NewString(), op.Binding.Source, op.RecordID, op.Operation, op.Timestamp.UTC())
		if err != nil {
			return e.classify(e.kind, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return e.classify(e.kind, err)
	}
	return nil
}

// ReplicateBatch runs the batch in a single transaction. The caller
// replays per-item on retriable failure.
func (e *sqlEndpoint) ReplicateBatch(ctx context.Context, ops []Op) error {
	tx, err := e.conn.BeginTxx(ctx, nil)
	if err != nil {
		return e.classify(e.kind, err)
	}
	defer tx.Rollback()

	for _, op := range ops {
		var query string
		var args []interface{}
		if op.Operation == "deleted" {
			query = fmt.Sprintf("DELETE FROM %s WHERE %s = ?",
				e.quote(op.Binding.Destination), e.quote("id"))
			args = []interface{}{op.RecordID}
		} else {
			query, args = e.upsertSQL(op.Binding.Destination, op.RecordID, op.Record, op.Timestamp)
		}
		if _, err := tx.ExecContext(ctx, e.conn.Rebind(query), args...); err != nil {
			return e.classify(e.kind, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return e.classify(e.kind, err)
	}
	return nil
}

// upsertSQL builds the idempotent write for one record. Column order is
// sorted for stable statements. Nested values travel as JSON text.
func (e *sqlEndpoint) upsertSQL(table, recordID string, record map[string]interface{}, ts time.Time) (string, []interface{}) {
	cols := []string{"id", "created_at", "updated_at"}
	args := []interface{}{recordID, ts.UTC(), ts.UTC()}

	names := make([]string, 0, len(record))
	for name := range record {
		if name == "id" || name == "created_at" || name == "updated_at" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		cols = append(cols, name)
		args = append(args, sqlValue(record[name]))
	}

	quoted := make([]string, len(cols))
	marks := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = e.quote(c)
		marks[i] = "?"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES (%s)",
		e.quote(table), strings.Join(quoted, ", "), strings.Join(marks, ", "))

	if e.dialect == schema.DialectMySQL {
		sb.WriteString(" ON DUPLICATE KEY UPDATE ")
		first := true
		for _, c := range cols {
			if c == "id" || c == "created_at" {
				continue
			}
			if !first {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%s = VALUES(%s)", e.quote(c), e.quote(c))
			first = false
		}
	} else {
		fmt.Fprintf(&sb, " ON CONFLICT (%s) DO UPDATE SET ", e.quote("id"))
		first := true
		for _, c := range cols {
			if c == "id" || c == "created_at" {
				continue
			}
			if !first {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%s = excluded.%s", e.quote(c), e.quote(c))
			first = false
		}
	}
	return sb.String(), args
}

func (e *sqlEndpoint) quote(ident string) string {
	return schema.QuoteIdent(e.dialect, ident)
}

// sqlValue converts a record value to something the driver can bind.
func sqlValue(v interface{}) interface{} {
	switch v.(type) {
	case nil, string, bool, int, int32, int64, float32, float64, time.Time, []byte:
		return v
	default:
		data, err := ffjson.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

// Dialect implements the schema capability.
func (e *sqlEndpoint) Dialect() schema.Dialect { return e.dialect }

// ExtraColumns implements the schema capability; the SQL family adds none.
func (e *sqlEndpoint) ExtraColumns() []schema.Column { return nil }

// IntrospectTable reads the destination column set from information_schema.
// The SQLite family overrides this with a pragma query.
func (e *sqlEndpoint) IntrospectTable(ctx context.Context, table string) (*schema.TableInfo, error) {
	var query string
	switch e.dialect {
	case schema.DialectMySQL:
		query = "SELECT column_name, data_type FROM information_schema.columns WHERE table_schema = DATABASE() AND table_name = ?"
	default:
		query = "SELECT column_name, data_type FROM information_schema.columns WHERE table_schema = current_schema() AND table_name = ?"
	}

	rows, err := e.conn.QueryxContext(ctx, e.conn.Rebind(query), table)
	if err != nil {
		return nil, e.classify(e.kind, err)
	}
	defer rows.Close()

	info := &schema.TableInfo{Columns: make(map[string]string)}
	for rows.Next() {
		var name, typ string
		if err := rows.Scan(&name, &typ); err != nil {
			return nil, e.classify(e.kind, err)
		}
		info.Columns[name] = typ
		info.Exists = true
	}
	return info, rows.Err()
}

// SyncSchema applies a migration plan with plain DDL.
func (e *sqlEndpoint) SyncSchema(ctx context.Context, plan *schema.Plan) (*schema.Diff, error) {
	diff := &schema.Diff{}

	if plan.Recreate {
		if _, err := e.conn.ExecContext(ctx, schema.DropTableSQL(e.dialect, plan.TableName)); err != nil {
			return nil, e.classify(e.kind, err)
		}
		if _, err := e.conn.ExecContext(ctx, schema.CreateTableSQL(e.dialect, plan.Expected)); err != nil {
			return nil, e.classify(e.kind, err)
		}
		diff.TableRecreated = true
		return diff, nil
	}

	if plan.CreateIfMissing {
		if _, err := e.conn.ExecContext(ctx, schema.CreateTableSQL(e.dialect, plan.Expected)); err != nil {
			return nil, e.classify(e.kind, err)
		}
		diff.TableCreated = true
		return diff, nil
	}

	for _, col := range plan.ColumnsToAdd {
		if _, err := e.conn.ExecContext(ctx, schema.AddColumnSQL(e.dialect, plan.TableName, col)); err != nil {
			return nil, e.classify(e.kind, err)
		}
		diff.ColumnsAdded = append(diff.ColumnsAdded, col.Name)
	}
	for _, name := range plan.ColumnsToDrop {
		if _, err := e.conn.ExecContext(ctx, schema.DropColumnSQL(e.dialect, plan.TableName, name)); err != nil {
			return nil, e.classify(e.kind, err)
		}
		diff.ColumnsDropped = append(diff.ColumnsDropped, name)
	}
	return diff, nil
}

func textType(dialect schema.Dialect) string {
	if dialect == schema.DialectMySQL {
		return "VARCHAR(191)"
	}
	return "TEXT"
}

func timestampType(dialect schema.Dialect) string {
	switch dialect {
	case schema.DialectMySQL:
		return "TIMESTAMP"
	case schema.DialectSQLite:
		return "TEXT"
	default:
		return "TIMESTAMPTZ"
	}
}
