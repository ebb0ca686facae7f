package dao

import (
	"time"

	"github.com/uptrace/bun"
)

// TransferDao is a data access object that maps directly to the 'transfers' table in PostgreSQL.
type TransferDao struct {
	bun.BaseModel `bun:"table:transfers,alias:t"`

	ID            int64   `json:"id" bun:"id,pk,autoincrement"`
	Key           string  `json:"transfer_key" bun:"transfer_key,unique,notnull,type:varchar(96)"`
	SourceTxHash  string  `json:"source_tx_hash" bun:"source_tx_hash,notnull,type:varchar(66)"`
	TransactionID *string `json:"transaction_id,omitempty" bun:"transaction_id,type:varchar(66)"`
	EventName     string  `json:"event_name" bun:"event_name,notnull,type:varchar(32)"`

	SourceChainID      int64  `json:"source_chain_id" bun:"source_chain_id,notnull"`
	SourceChain        string `json:"source_chain" bun:"source_chain,notnull,type:varchar(64)"`
	SourceTokenName    string `json:"source_token_name" bun:"source_token_name,notnull,type:varchar(64)"`
	SourceTokenAddress string `json:"source_token_address" bun:"source_token_address,notnull,type:varchar(42)"`
	SourceFromAddress  string `json:"source_from_address" bun:"source_from_address,notnull,type:varchar(42)"`
	SourceAmount       string `json:"source_amount" bun:"source_amount,notnull,type:numeric(78,0)"`
	SourceFee          string `json:"source_fee" bun:"source_fee,notnull,type:numeric(78,0)"`
	SourceBlockNumber  int64  `json:"source_block_number" bun:"source_block_number,notnull,use_zero"`
	SourceLogIndex     int64  `json:"source_log_index" bun:"source_log_index,notnull,use_zero"`
	SourceTxStatus     string `json:"source_tx_status" bun:"source_tx_status,notnull,type:varchar(16)"`

	TargetChainID      int64   `json:"target_chain_id" bun:"target_chain_id,notnull,use_zero"`
	TargetChain        string  `json:"target_chain" bun:"target_chain,notnull,type:varchar(64)"`
	TargetTokenName    string  `json:"target_token_name" bun:"target_token_name,notnull,type:varchar(64)"`
	TargetTokenAddress string  `json:"target_token_address" bun:"target_token_address,notnull,type:varchar(42)"`
	TargetAddress      string  `json:"target_address" bun:"target_address,notnull,type:varchar(42)"`
	TargetCallContract string  `json:"target_call_contract" bun:"target_call_contract,notnull,type:varchar(42)"`
	TargetAmount       *string `json:"target_amount,omitempty" bun:"target_amount,type:numeric(78,0)"`
	TargetTxHash       *string `json:"target_tx_hash,omitempty" bun:"target_tx_hash,type:varchar(66)"`
	TargetTxStatus     string  `json:"target_tx_status" bun:"target_tx_status,notnull,type:varchar(16)"`

	Action            string `json:"action" bun:"action,notnull,type:varchar(16)"`
	CrossBridgeStatus string `json:"cross_bridge_status" bun:"cross_bridge_status,notnull,type:varchar(16)"`

	ErrorKind       *string    `json:"error_kind,omitempty" bun:"error_kind,type:varchar(32)"`
	ErrorMessage    *string    `json:"error_message,omitempty" bun:"error_message,type:text"`
	Permanent       bool       `json:"permanent" bun:"permanent,notnull,use_zero,default:false"`
	RetryCount      int        `json:"retry_count" bun:"retry_count,notnull,use_zero,default:0"`
	SubmittingUntil *time.Time `json:"submitting_until,omitempty" bun:"submitting_until"`

	CreatedAt time.Time `json:"created_at" bun:"created_at,notnull,nullzero,default:current_timestamp"`
	UpdatedAt time.Time `json:"updated_at" bun:"updated_at,notnull,nullzero,default:current_timestamp"`
}
