package db

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrTransferNotFound is returned when a transfer lookup finds no matching record.
	ErrTransferNotFound = errors.New("transfer not found")
	// ErrNoChange aborts an UpdateTransfer callback without writing.
	ErrNoChange = errors.New("no change")
)

// UpdateFunc mutates a freshly read transfer inside UpdateTransfer.
type UpdateFunc func(t *Transfer) error

// TransferStore persists transfer records.
type TransferStore interface {
	// CreateTransfer inserts t unless a record with the same key, or the same
	// transaction id on the same source chain, exists. created reports whether
	// a row was written.
	CreateTransfer(ctx context.Context, t *Transfer) (created bool, err error)
	// GetTransfer looks a record up. By source tx hash alone it returns the
	// record of the lowest log index.
	GetTransfer(ctx context.Context, opts ...QueryOption) (*Transfer, error)
	// UpdateTransfer reads the record under a row lock, applies fn, recomputes
	// CrossBridgeStatus and writes it back. fn returning ErrNoChange skips the
	// write and returns the current record.
	UpdateTransfer(ctx context.Context, key string, fn UpdateFunc) (*Transfer, error)
	ListTransfers(ctx context.Context, filter TransferFilter) ([]*Transfer, error)
	// PendingTransfers selects records that are pending, or whose source leg
	// succeeded while the target leg did not, oldest first.
	PendingTransfers(ctx context.Context, filter RetryFilter) ([]*Transfer, error)
	// FailedTransfersSince selects failed records updated at or after since.
	FailedTransfersSince(ctx context.Context, since time.Time, filter RetryFilter) ([]*Transfer, error)
	CountByStatus(ctx context.Context) (map[BridgeStatus]int, error)
}

// ChainStateStore persists the per-chain polling cursor.
type ChainStateStore interface {
	GetChainState(ctx context.Context, chainID int64) (*ChainState, error)
	SetChainState(ctx context.Context, chainID int64, block uint64, blockHash string) error
}

// NonceStore persists the last nonce used per relayer address and chain.
type NonceStore interface {
	GetNonce(ctx context.Context, chainID int64, address string) (nonce uint64, found bool, err error)
	SetNonce(ctx context.Context, chainID int64, address string, nonce uint64) error
}

// EventStore records every delivered source log.
type EventStore interface {
	// RecordEvent stores ev and reports false when it was already recorded.
	RecordEvent(ctx context.Context, ev *TransferEvent) (bool, error)
}

// Store is the relayer database.
type Store interface {
	TransferStore
	ChainStateStore
	NonceStore
	EventStore
	Ping(ctx context.Context) error
	Close() error
}

// QueryOptions defines options for looking up a transfer
type QueryOptions struct {
	Key           *string
	SourceTxHash  *string
	SourceChainID *int64
	TransactionID *string
}

// QueryOption is a functional option for looking up a transfer
type QueryOption func(*QueryOptions)

// WithKey sets the record key filter
func WithKey(key string) QueryOption {
	return func(opts *QueryOptions) {
		opts.Key = &key
	}
}

// WithSourceTxHash sets the source tx hash filter
func WithSourceTxHash(hash string) QueryOption {
	return func(opts *QueryOptions) {
		opts.SourceTxHash = &hash
	}
}

// WithTransactionID sets the transaction id filter. Ids are unique per
// source chain only.
func WithTransactionID(sourceChainID int64, id string) QueryOption {
	return func(opts *QueryOptions) {
		opts.SourceChainID = &sourceChainID
		opts.TransactionID = &id
	}
}

func applyOptions(opts []QueryOption) *QueryOptions {
	options := &QueryOptions{}
	for _, opt := range opts {
		opt(options)
	}
	return options
}
