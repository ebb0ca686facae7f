package migrations

import (
	"context"
	"testing"

	"github.com/uptrace/bun"
	"go.uber.org/zap"

	"github.com/chainsafe/bridge-relayer/pkg/config"
	"github.com/chainsafe/bridge-relayer/pkg/pgutil"
)

type testEventDao struct {
	bun.BaseModel `bun:"table:test_events"`
	ID            int64  `bun:",pk,autoincrement"`
	TxHash        string `bun:",notnull,type:varchar(66)"`
	LogIndex      int    `bun:",notnull,use_zero"`
	Kind          string `bun:",nullzero"`
}

func TestConnectDB_InvalidHost(t *testing.T) {
	cfg := &config.DatabaseConfig{
		Host:     "invalid-host-that-does-not-exist",
		Port:     5432,
		User:     "test",
		Password: "test",
		Database: "test",
		SSLMode:  "disable",
	}

	db, err := pgutil.ConnectDB(context.Background(), cfg)
	if err == nil {
		db.Close()
		t.Error("ConnectDB() should fail with invalid host")
	}
}

func TestRunMigrations_UnknownCommand(t *testing.T) {
	err := RunMigrations(context.Background(), zap.NewNop(), nil, "sideways")
	if err == nil {
		t.Fatal("expected error for unknown command")
	}
}

func TestCreateSchemaAndDrop(t *testing.T) {
	db, cleanup := pgutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	if err := CreateSchema(ctx, db, &testEventDao{}); err != nil {
		t.Fatalf("CreateSchema() failed: %v", err)
	}
	pgutil.AssertTableExists(t, db, "test_events")

	// idempotent
	if err := CreateSchema(ctx, db, &testEventDao{}); err != nil {
		t.Errorf("CreateSchema() second call failed: %v", err)
	}

	if err := DropTables(ctx, db, &testEventDao{}); err != nil {
		t.Fatalf("DropTables() failed: %v", err)
	}
	pgutil.AssertTableNotExists(t, db, "test_events")
}

func TestModelIndexes(t *testing.T) {
	db, cleanup := pgutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	if err := CreateSchema(ctx, db, &testEventDao{}); err != nil {
		t.Fatalf("CreateSchema() failed: %v", err)
	}

	if err := CreateModelIndexes(ctx, db, &testEventDao{}, "kind"); err != nil {
		t.Fatalf("CreateModelIndexes() failed: %v", err)
	}
	pgutil.AssertIndexExists(t, db, "idx_test_events_kind")

	if err := CreateModelUniqueIndex(ctx, db, &testEventDao{}, "tx_hash", "log_index"); err != nil {
		t.Fatalf("CreateModelUniqueIndex() failed: %v", err)
	}
	pgutil.AssertIndexExists(t, db, "idx_test_events_tx_hash_log_index")

	if _, err := db.NewInsert().Model(&testEventDao{TxHash: "0x01", LogIndex: 0}).Exec(ctx); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}
	if _, err := db.NewInsert().Model(&testEventDao{TxHash: "0x01", LogIndex: 1}).Exec(ctx); err != nil {
		t.Fatalf("insert with other log index failed: %v", err)
	}
	if _, err := db.NewInsert().Model(&testEventDao{TxHash: "0x01", LogIndex: 0}).Exec(ctx); err == nil {
		t.Error("expected duplicate (tx_hash, log_index) insert to fail")
	}

	if err := DropModelIndexes(ctx, db, &testEventDao{}, "kind"); err != nil {
		t.Fatalf("DropModelIndexes() failed: %v", err)
	}
	var exists bool
	query := `SELECT EXISTS (SELECT FROM pg_indexes WHERE schemaname = 'public' AND indexname = ?)`
	if err := db.NewRaw(query, "idx_test_events_kind").Scan(ctx, &exists); err != nil {
		t.Fatalf("failed to check index: %v", err)
	}
	if exists {
		t.Error("idx_test_events_kind should be dropped")
	}
}
