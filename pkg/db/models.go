package db

import (
	"fmt"
	"strings"
	"time"
)

// TxStatus is the status of one leg (source or target) of a transfer.
type TxStatus string

const (
	TxStatusPending TxStatus = "pending"
	TxStatusSuccess TxStatus = "success"
	TxStatusFailed  TxStatus = "failed"
)

// BridgeStatus is the overall status of a transfer. It is always derived from
// the two leg statuses by DeriveStatus and never set directly.
type BridgeStatus string

const (
	BridgeStatusPending BridgeStatus = "pending"
	BridgeStatusFailed  BridgeStatus = "failed"
	BridgeStatusMinted  BridgeStatus = "minted"
)

// Action is the destination call a transfer resolves to.
type Action string

const (
	ActionMint   Action = "mint"
	ActionUnlock Action = "unlock"
)

// Stage is the lifecycle position of a transfer, computed from the record.
type Stage string

const (
	StageObserved             Stage = "observed"
	StageSourceConfirmed      Stage = "source_confirmed"
	StageDestinationSubmitted Stage = "destination_submitted"
	StageDestinationConfirmed Stage = "destination_confirmed"
	StageFailed               Stage = "failed"
)

// DeriveStatus computes the overall status from the leg statuses.
// minted requires both legs to be successful.
func DeriveStatus(source, target TxStatus) BridgeStatus {
	switch {
	case source == TxStatusSuccess && target == TxStatusSuccess:
		return BridgeStatusMinted
	case source == TxStatusFailed || target == TxStatusFailed:
		return BridgeStatusFailed
	default:
		return BridgeStatusPending
	}
}

// Transfer is one source-chain lock or burn and its destination action.
// Key identifies the record: the first bridge log of a transaction is keyed by
// the tx hash, every further log by TransferKey(hash, logIndex).
type Transfer struct {
	Key           string
	SourceTxHash  string
	TransactionID string
	EventName     string

	SourceChainID      int64
	SourceChain        string
	SourceTokenName    string
	SourceTokenAddress string
	SourceFromAddress  string
	SourceAmount       string
	SourceFee          string
	SourceBlockNumber  uint64
	SourceLogIndex     uint
	SourceTxStatus     TxStatus

	TargetChainID      int64
	TargetChain        string
	TargetTokenName    string
	TargetTokenAddress string
	TargetAddress      string
	TargetCallContract string
	TargetAmount       string
	TargetTxHash       string
	TargetTxStatus     TxStatus

	Action            Action
	CrossBridgeStatus BridgeStatus

	ErrorKind       string
	ErrorMessage    string
	Permanent       bool
	RetryCount      int
	SubmittingUntil *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Normalize lowercases addresses and hashes, fills empty leg statuses and
// recomputes CrossBridgeStatus.
func (t *Transfer) Normalize() {
	t.SourceTxHash = strings.ToLower(t.SourceTxHash)
	t.Key = strings.ToLower(t.Key)
	if t.Key == "" {
		t.Key = t.SourceTxHash
	}
	t.TransactionID = strings.ToLower(t.TransactionID)
	t.SourceTokenAddress = strings.ToLower(t.SourceTokenAddress)
	t.SourceFromAddress = strings.ToLower(t.SourceFromAddress)
	t.TargetTokenAddress = strings.ToLower(t.TargetTokenAddress)
	t.TargetAddress = strings.ToLower(t.TargetAddress)
	t.TargetCallContract = strings.ToLower(t.TargetCallContract)
	t.TargetTxHash = strings.ToLower(t.TargetTxHash)
	if t.SourceTxStatus == "" {
		t.SourceTxStatus = TxStatusPending
	}
	if t.TargetTxStatus == "" {
		t.TargetTxStatus = TxStatusPending
	}
	t.CrossBridgeStatus = DeriveStatus(t.SourceTxStatus, t.TargetTxStatus)
}

// TransferKey is the record key of a log that shares its transaction with an
// already recorded one.
func TransferKey(sourceTxHash string, logIndex uint) string {
	return fmt.Sprintf("%s:%d", strings.ToLower(sourceTxHash), logIndex)
}

// Stage returns where the transfer is in its lifecycle.
func (t *Transfer) Stage() Stage {
	switch DeriveStatus(t.SourceTxStatus, t.TargetTxStatus) {
	case BridgeStatusMinted:
		return StageDestinationConfirmed
	case BridgeStatusFailed:
		return StageFailed
	}
	switch {
	case t.SourceTxStatus != TxStatusSuccess:
		return StageObserved
	case t.TargetTxHash == "":
		return StageSourceConfirmed
	default:
		return StageDestinationSubmitted
	}
}

// Minted reports whether the destination action is confirmed.
func (t *Transfer) Minted() bool {
	return DeriveStatus(t.SourceTxStatus, t.TargetTxStatus) == BridgeStatusMinted
}

// LeaseHeld reports whether another actor holds the submission lease at now.
func (t *Transfer) LeaseHeld(now time.Time) bool {
	return t.SubmittingUntil != nil && now.Before(*t.SubmittingUntil)
}

// Clone returns a copy safe to mutate.
func (t *Transfer) Clone() *Transfer {
	c := *t
	if t.SubmittingUntil != nil {
		until := *t.SubmittingUntil
		c.SubmittingUntil = &until
	}
	return &c
}

// ChainState tracks the last processed block for each chain
type ChainState struct {
	ChainID       int64
	LastBlock     uint64
	LastBlockHash string
	UpdatedAt     time.Time
}

// NonceState tracks the last nonce used by an address on a chain
type NonceState struct {
	ChainID   int64
	Address   string
	Nonce     uint64
	UpdatedAt time.Time
}

// TransferEvent is one delivered source log.
type TransferEvent struct {
	ChainID      int64
	TxHash       string
	LogIndex     uint
	BlockNumber  uint64
	EventName    string
	SourceTxHash string
	CreatedAt    time.Time
}

// TransferFilter narrows ListTransfers.
type TransferFilter struct {
	Status       BridgeStatus
	Address      string
	SourceTxHash string
	Limit        int
	Offset       int
}

// RetryFilter bounds the reconciliation selections. Unless IncludeExhausted
// is set, failed records that are permanent or have used MaxRetries attempts
// are left out so they cannot crowd retryable work out of Limit.
type RetryFilter struct {
	Limit            int
	MaxRetries       int
	IncludeExhausted bool
}

// exhausted reports whether f leaves a failed record out.
func (f RetryFilter) exhausted(t *Transfer) bool {
	if f.IncludeExhausted || t.CrossBridgeStatus != BridgeStatusFailed {
		return false
	}
	return t.Permanent || (f.MaxRetries > 0 && t.RetryCount >= f.MaxRetries)
}
