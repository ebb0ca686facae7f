package dao

import (
	"time"

	"github.com/uptrace/bun"
)

// TransferEventDao is a data access object that maps directly to the 'transfer_events' table in PostgreSQL.
// (chain_id, tx_hash, log_index) is unique.
type TransferEventDao struct {
	bun.BaseModel `bun:"table:transfer_events,alias:te"`
	ID            int64     `json:"id" bun:"id,pk,autoincrement"`
	ChainID       int64     `json:"chain_id" bun:"chain_id,notnull"`
	TxHash        string    `json:"tx_hash" bun:"tx_hash,notnull,type:varchar(66)"`
	LogIndex      int64     `json:"log_index" bun:"log_index,notnull,use_zero"`
	BlockNumber   int64     `json:"block_number" bun:"block_number,notnull,use_zero"`
	EventName     string    `json:"event_name" bun:"event_name,notnull,type:varchar(32)"`
	SourceTxHash  string    `json:"source_tx_hash" bun:"source_tx_hash,notnull,type:varchar(66)"`
	CreatedAt     time.Time `json:"created_at" bun:"created_at,notnull,nullzero,default:current_timestamp"`
}
