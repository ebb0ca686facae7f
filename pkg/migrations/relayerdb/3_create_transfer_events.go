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
		log.Println("creating transfer_events table...")
		if err := mghelper.CreateSchema(ctx, db, &dao.TransferEventDao{}); err != nil {
			return err
		}
		if err := mghelper.CreateModelUniqueIndex(ctx, db, &dao.TransferEventDao{}, "chain_id", "tx_hash", "log_index"); err != nil {
			return err
		}
		return mghelper.CreateModelIndexes(ctx, db, &dao.TransferEventDao{}, "source_tx_hash")
	}, func(ctx context.Context, db *bun.DB) error {
		log.Println("dropping transfer_events table...")
		return mghelper.DropTables(ctx, db, &dao.TransferEventDao{})
	})
}
