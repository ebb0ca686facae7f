package dao

import (
	"time"

	"github.com/uptrace/bun"
)

// NonceStateDao is a data access object that maps directly to the 'nonce_state' table in PostgreSQL.
type NonceStateDao struct {
	bun.BaseModel `bun:"table:nonce_state"`
	ChainID       int64     `json:"chain_id" bun:"chain_id,pk"`
	Address       string    `json:"address" bun:"address,pk,type:varchar(42)"`
	Nonce         int64     `json:"nonce" bun:"nonce,notnull,use_zero"`
	UpdatedAt     time.Time `json:"updated_at" bun:"updated_at,notnull,nullzero,default:current_timestamp"`
}
