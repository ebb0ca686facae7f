package relayerdb

import (
	"context"
	"log"

	"github.com/uptrace/bun"

	"github.com/chainsafe/bridge-relayer/pkg/db/dao"
	mghelper "github.com/chainsafe/bridge-relayer/pkg/pgutil/migrations"
)

// Per-chain bookkeeping: the polling cursor and the last nonce used by the
// relayer key on each chain.
func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		log.Println("creating chain_state and nonce_state tables...")
		return db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			return mghelper.CreateSchema(ctx, tx, &dao.ChainStateDao{}, &dao.NonceStateDao{})
		})
	}, func(ctx context.Context, db *bun.DB) error {
		log.Println("dropping chain_state and nonce_state tables...")
		return db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			return mghelper.DropTables(ctx, tx, &dao.NonceStateDao{}, &dao.ChainStateDao{})
		})
	})
}
