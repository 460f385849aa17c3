package estuary

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/riverrun/replicator/pkg/models"
	"github.com/riverrun/replicator/pkg/schema"
)

func init() {
	Register("postgresql", func(cfg map[string]interface{}) (Driver, error) {
		return newSQLEndpoint("postgresql", "pgx", schema.DialectPostgres, cfg, classifyPostgres)
	})
}

// classifyPostgres sorts server errors by SQLSTATE class. Connection and
// resource classes retry; auth, integrity and catalog errors do not.
func classifyPostgres(driver string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		switch pgErr.Code[:2] {
		case "08", "53", "57", "40":
			return models.Transient(driver, err)
		default:
			return models.Permanent(driver, err)
		}
	}
	// Anything below the protocol (dial, reset, timeout) is worth a retry.
	return models.Transient(driver, err)
}
