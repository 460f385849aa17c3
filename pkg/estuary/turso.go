package estuary

import (
	"context"
	"errors"
	"fmt"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/riverrun/replicator/pkg/models"
	"github.com/riverrun/replicator/pkg/schema"
)

func init() {
	Register("turso", func(cfg map[string]interface{}) (Driver, error) {
		base, err := newSQLEndpoint("turso", "sqlite3", schema.DialectSQLite, cfg, classifySQLite)
		if err != nil {
			return nil, err
		}
		return &tursoEndpoint{sqlEndpoint: base}, nil
	})
}

// tursoEndpoint speaks the SQLite dialect. Introspection goes through
// table_info because SQLite has no information_schema.
type tursoEndpoint struct {
	*sqlEndpoint
}

func (e *tursoEndpoint) IntrospectTable(ctx context.Context, table string) (*schema.TableInfo, error) {
	rows, err := e.conn.QueryxContext(ctx,
		fmt.Sprintf("PRAGMA table_info(%s)", schema.QuoteIdent(schema.DialectSQLite, table)))
	if err != nil {
		return nil, classifySQLite("turso", err)
	}
	defer rows.Close()

	info := &schema.TableInfo{Columns: make(map[string]string)}
	for rows.Next() {
		var cid, notNull, pk int
		var name, typ string
		var dflt interface{}
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return nil, classifySQLite("turso", err)
		}
		info.Columns[name] = typ
		info.Exists = true
	}
	return info, rows.Err()
}

func classifySQLite(driver string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) {
		switch sqErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrProtocol:
			return models.Transient(driver, err)
		default:
			return models.Permanent(driver, err)
		}
	}
	return models.Transient(driver, err)
}
