package dao

import (
	"time"

	"github.com/uptrace/bun"
)

// ChainStateDao is a data access object that maps directly to the 'chain_state' table in PostgreSQL.
type ChainStateDao struct {
	bun.BaseModel `bun:"table:chain_state"`
	ChainID       int64     `json:"chain_id" bun:"chain_id,pk"`
	LastBlock     int64     `json:"last_block" bun:"last_block,notnull,use_zero"`
	LastBlockHash string    `json:"last_block_hash" bun:"last_block_hash,notnull,type:varchar(66)"`
	UpdatedAt     time.Time `json:"updated_at" bun:"updated_at,notnull,nullzero,default:current_timestamp"`
}
