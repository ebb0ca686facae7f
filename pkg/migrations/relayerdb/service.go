// Package relayerdb holds the relayer database schema as bun migrations:
// transfers, chain and nonce state, and the delivered event log.
package relayerdb

import (
	"github.com/uptrace/bun/migrate"
)

// Migrations is the ordered collection applied by cmd/relayer/migrate.
var Migrations = migrate.NewMigrations()
