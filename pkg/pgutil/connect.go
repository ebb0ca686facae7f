package pgutil

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/chainsafe/bridge-relayer/pkg/config"
)

// ConnectDB creates a connection to the specified database.
// cfg.URL is used as a DSN when set, otherwise the discrete fields.
func ConnectDB(ctx context.Context, cfg *config.DatabaseConfig) (*bun.DB, error) {
	var connector *pgdriver.Connector
	if cfg.URL != "" {
		connector = pgdriver.NewConnector(pgdriver.WithDSN(cfg.URL))
	} else {
		// functional options escape special characters in credentials
		connector = pgdriver.NewConnector(
			pgdriver.WithNetwork("tcp"),
			pgdriver.WithAddr(fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)),
			pgdriver.WithUser(cfg.User),
			pgdriver.WithPassword(cfg.Password),
			pgdriver.WithDatabase(cfg.Database),
			pgdriver.WithInsecure(cfg.SSLMode == "disable" || cfg.SSLMode == ""),
			pgdriver.WithTimeout(10*time.Second),
		)
	}

	sqldb := sql.OpenDB(connector)
	db := bun.NewDB(sqldb, pgdialect.New())

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database %s: %w", connector.Config().Database, err)
	}
	return db, nil
}
