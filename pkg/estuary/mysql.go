package estuary

import (
	"context"
	"errors"

	"github.com/go-sql-driver/mysql"

	"github.com/riverrun/replicator/pkg/models"
	"github.com/riverrun/replicator/pkg/schema"
)

func init() {
	// MariaDB and PlanetScale speak the MySQL wire protocol; they share
	// the endpoint and differ only in the registered kind.
	for _, kind := range []string{"mysql", "mariadb", "planetscale"} {
		kind := kind
		Register(kind, func(cfg map[string]interface{}) (Driver, error) {
			return newSQLEndpoint(kind, "mysql", schema.DialectMySQL, cfg, classifyMySQL)
		})
	}
}

// classifyMySQL sorts server errors by error number. Lock contention and
// connection loss retry; auth and schema errors do not.
func classifyMySQL(driver string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1205, 1213, 1040, 1203, 2006, 2013:
			// Lock wait timeout, deadlock, too many connections, server
			// gone away.
			return models.Transient(driver, err)
		default:
			return models.Permanent(driver, err)
		}
	}
	return models.Transient(driver, err)
}
