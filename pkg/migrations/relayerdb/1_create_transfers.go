package relayerdb

import (
	"context"
	"log"

	"github.com/uptrace/bun"

	"github.com/chainsafe/bridge-relayer/pkg/db/dao"
	mghelper "github.com/chainsafe/bridge-relayer/pkg/pgutil/migrations"
)

func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		log.Println("creating transfers table...")
		if err := mghelper.CreateSchema(ctx, db, &dao.TransferDao{}); err != nil {
			return err
		}
		// ids are unique per source chain; NULL ids never conflict
		if err := mghelper.CreateModelUniqueIndex(ctx, db, &dao.TransferDao{}, "source_chain_id", "transaction_id"); err != nil {
			return err
		}
		return mghelper.CreateModelIndexes(ctx, db, &dao.TransferDao{},
			"source_tx_hash",
			"cross_bridge_status",
			"target_address",
			"source_from_address",
			"updated_at",
		)
	}, func(ctx context.Context, db *bun.DB) error {
		log.Println("dropping transfers table...")
		return mghelper.DropTables(ctx, db, &dao.TransferDao{})
	})
}
