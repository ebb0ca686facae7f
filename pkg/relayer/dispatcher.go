package relayer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chainsafe/bridge-relayer/internal/metrics"
	"github.com/chainsafe/bridge-relayer/pkg/db"
	"github.com/chainsafe/bridge-relayer/pkg/ethereum"
	"github.com/chainsafe/bridge-relayer/pkg/ethereum/contracts"
	"github.com/chainsafe/bridge-relayer/pkg/retry"
)

var errNotVisible = errors.New("record not complete yet")

// Advancer drives one transfer through the state machine.
type Advancer interface {
	Advance(ctx context.Context, key string, trigger Trigger) (*db.Transfer, error)
}

// IngestStore is the part of the store the dispatcher writes to.
type IngestStore interface {
	db.TransferStore
	db.EventStore
}

// DispatcherConfig sizes the worker pool.
type DispatcherConfig struct {
	Workers   int
	QueueSize int
	// RecordVisibility bounds the wait for another writer to complete a
	// record before a burn without a token name is resolved on chain.
	RecordVisibility retry.Policy
}

type job struct {
	key       string
	awaitName bool
}

// Dispatcher persists delivered logs as transfer records and fans them out
// to a bounded pool of state machine workers, so a slow destination never
// blocks event delivery for unrelated transfers.
type Dispatcher struct {
	store   IngestStore
	machine Advancer
	cfg     DispatcherConfig
	queue   chan job
	logger  *zap.Logger

	mu       sync.Mutex
	inflight map[string]bool
}

// NewDispatcher creates a new dispatcher
func NewDispatcher(store IngestStore, machine Advancer, cfg DispatcherConfig, logger *zap.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	return &Dispatcher{
		store:    store,
		machine:  machine,
		cfg:      cfg,
		queue:    make(chan job, cfg.QueueSize),
		logger:   logger.With(zap.String("component", "dispatcher")),
		inflight: make(map[string]bool),
	}
}

// Run processes queued transfers until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		g.Go(func() error {
			d.work(ctx)
			return nil
		})
	}
	d.logger.Info("Dispatcher started", zap.Int("workers", d.cfg.Workers))
	return g.Wait()
}

// Handler returns the log handler for chain.
func (d *Dispatcher) Handler(chain Chain) ethereum.LogHandler {
	return func(ctx context.Context, log types.Log) error {
		return d.Ingest(ctx, chain, log)
	}
}

// Ingest decodes log, records it and makes sure a transfer record exists
// before queueing it. When Ingest returns nil the transfer is durable, so the
// chain cursor may move past the log.
func (d *Dispatcher) Ingest(ctx context.Context, chain Chain, log types.Log) error {
	ev, err := contracts.DecodeLog(log)
	if errors.Is(err, contracts.ErrUnknownEvent) {
		return nil
	}
	if err != nil {
		// an undecodable log would pin the cursor forever
		d.logger.Error("Failed to decode bridge log",
			zap.String("chain", chain.Name()),
			zap.String("tx_hash", log.TxHash.Hex()),
			zap.Uint("log_index", log.Index),
			zap.Error(err))
		metrics.ErrorsTotal.WithLabelValues("dispatcher", "decode").Inc()
		return nil
	}
	metrics.EventsDetected.WithLabelValues(chain.Name(), ev.Name).Inc()

	sourceTxHash := log.TxHash.Hex()
	fresh, err := d.store.RecordEvent(ctx, &db.TransferEvent{
		ChainID:      chain.ChainID(),
		TxHash:       sourceTxHash,
		LogIndex:     log.Index,
		BlockNumber:  log.BlockNumber,
		EventName:    ev.Name,
		SourceTxHash: sourceTxHash,
	})
	if err != nil {
		return err
	}
	if !fresh {
		d.logger.Debug("Duplicate event delivery",
			zap.String("tx_hash", sourceTxHash),
			zap.Uint("log_index", log.Index))
	}

	rec := transferFromEvent(chain, ev)
	key, created, err := d.place(ctx, rec)
	if err != nil {
		return err
	}
	if key == "" {
		d.logger.Warn("Transaction id already relayed under another source log",
			zap.String("tx_hash", sourceTxHash),
			zap.Uint("log_index", log.Index),
			zap.String("transaction_id", rec.TransactionID))
		return nil
	}
	if created {
		d.logger.Info("Transfer observed",
			zap.String("chain", chain.Name()),
			zap.String("event", ev.Name),
			zap.String("key", key),
			zap.String("recipient", rec.TargetAddress),
			zap.String("amount", rec.SourceAmount))
	}

	return d.enqueue(ctx, job{
		key:       key,
		awaitName: ev.Name == contracts.EventBurned,
	})
}

// place finds or creates the record of rec and returns its key. A redelivered
// log merges into its own record and a record written by another writer
// before the event is claimed by the first log of the transaction. Any other
// log of the same transaction gets a record of its own. An empty key means
// the transaction id was already relayed from another log.
func (d *Dispatcher) place(ctx context.Context, rec *db.Transfer) (string, bool, error) {
	for attempt := 0; attempt < 2; attempt++ {
		existing, err := d.store.ListTransfers(ctx, db.TransferFilter{SourceTxHash: rec.SourceTxHash, Limit: 500})
		if err != nil {
			return "", false, err
		}
		if t := matchRecord(existing, rec); t != nil {
			_, err := d.store.UpdateTransfer(ctx, t.Key, func(cur *db.Transfer) error {
				return mergeEvent(cur, rec)
			})
			if err != nil {
				return "", false, fmt.Errorf("failed to merge event into transfer: %w", err)
			}
			return t.Key, false, nil
		}

		candidate := rec.Clone()
		if len(existing) > 0 {
			candidate.Key = db.TransferKey(rec.SourceTxHash, rec.SourceLogIndex)
			if strings.EqualFold(candidate.TransactionID, candidate.SourceTxHash) {
				// legacy logs fall back to the tx hash as id, which the first log already uses
				candidate.TransactionID = crypto.Keccak256Hash([]byte(candidate.Key)).Hex()
			}
		}
		candidate.Normalize()
		created, err := d.store.CreateTransfer(ctx, candidate)
		if err != nil {
			return "", false, err
		}
		if created {
			return candidate.Key, true, nil
		}
		if candidate.TransactionID != "" {
			holder, err := d.store.GetTransfer(ctx, db.WithTransactionID(candidate.SourceChainID, candidate.TransactionID))
			switch {
			case err == nil && holder.Key != candidate.Key:
				return "", false, nil
			case err != nil && !errors.Is(err, db.ErrTransferNotFound):
				return "", false, err
			}
		}
		// another writer created the key between the lookup and the insert
	}
	return "", false, fmt.Errorf("failed to place transfer %s:%d", rec.SourceTxHash, rec.SourceLogIndex)
}

// matchRecord picks the record of this transaction rec belongs to: its own
// record on redelivery, else a record without event facts yet.
func matchRecord(existing []*db.Transfer, rec *db.Transfer) *db.Transfer {
	var unclaimed *db.Transfer
	for _, t := range existing {
		if t.EventName == "" {
			if unclaimed == nil || (t.TransactionID != "" && strings.EqualFold(t.TransactionID, rec.TransactionID)) {
				unclaimed = t
			}
			continue
		}
		if t.SourceChainID == rec.SourceChainID && t.SourceLogIndex == rec.SourceLogIndex {
			return t
		}
	}
	if unclaimed != nil && (unclaimed.TransactionID == "" || strings.EqualFold(unclaimed.TransactionID, rec.TransactionID)) {
		return unclaimed
	}
	return nil
}

func (d *Dispatcher) enqueue(ctx context.Context, j job) error {
	d.mu.Lock()
	if d.inflight[j.key] {
		d.mu.Unlock()
		return nil
	}
	d.inflight[j.key] = true
	d.mu.Unlock()

	select {
	case d.queue <- j:
		return nil
	case <-ctx.Done():
		d.done(j.key)
		return ctx.Err()
	}
}

func (d *Dispatcher) done(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inflight, key)
}

func (d *Dispatcher) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-d.queue:
			d.process(ctx, j)
			d.done(j.key)
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, j job) {
	if j.awaitName {
		d.awaitTokenName(ctx, j.key)
	}

	rec, err := d.machine.Advance(ctx, j.key, TriggerEvent)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		// the record keeps its state; reconciliation picks it up
		d.logger.Warn("Transfer not advanced",
			zap.String("key", j.key),
			zap.String("error_kind", string(retry.KindOf(err))),
			zap.Error(err))
		metrics.ErrorsTotal.WithLabelValues("dispatcher", string(retry.KindOf(err))).Inc()
		return
	}
	d.logger.Debug("Transfer advanced",
		zap.String("key", j.key),
		zap.String("stage", string(rec.Stage())))
}

// awaitTokenName gives another writer the chance to store the token name of
// a legacy burn before it is read from the chain.
func (d *Dispatcher) awaitTokenName(ctx context.Context, key string) {
	err := retry.Do(ctx, d.cfg.RecordVisibility, func(ctx context.Context) error {
		rec, err := d.store.GetTransfer(ctx, db.WithKey(key))
		if err != nil {
			return retry.Transient(err)
		}
		if rec.SourceTokenName == "" {
			return retry.Transient(errNotVisible)
		}
		return nil
	})
	if err != nil && ctx.Err() == nil {
		d.logger.Debug("No token name recorded, reading it from chain", zap.String("key", key))
	}
}

func transferFromEvent(chain Chain, ev *contracts.BridgeEvent) *db.Transfer {
	rec := &db.Transfer{
		SourceTxHash:      ev.Raw.TxHash.Hex(),
		TransactionID:     ev.TransferID().Hex(),
		EventName:         ev.Name,
		SourceChainID:     chain.ChainID(),
		SourceChain:       chain.Name(),
		SourceFromAddress: ev.Sender.Hex(),
		SourceAmount:      bigString(ev.Amount),
		SourceFee:         bigString(ev.Fee),
		SourceBlockNumber: ev.Raw.BlockNumber,
		SourceLogIndex:    ev.Raw.Index,
		SourceTxStatus:    db.TxStatusPending,
		TargetAddress:     ev.Recipient.Hex(),
		TargetTxStatus:    db.TxStatusPending,
	}
	// Burned carries no token; Locked is always the native coin
	if ev.Name != contracts.EventBurned {
		rec.SourceTokenAddress = ev.Token.Hex()
	}
	if ev.DestinationChainID != nil && ev.DestinationChainID.Sign() > 0 && ev.DestinationChainID.IsInt64() {
		rec.TargetChainID = ev.DestinationChainID.Int64()
	}
	return rec
}

// mergeEvent completes a record written by another writer with the on-chain
// facts of the event. Fields the event does not know are kept. A record that
// already carries another log is never overwritten.
func mergeEvent(t, ev *db.Transfer) error {
	if t.EventName != "" && (t.SourceChainID != ev.SourceChainID || t.SourceLogIndex != ev.SourceLogIndex) {
		return fmt.Errorf("record %s already holds log %d", t.Key, t.SourceLogIndex)
	}
	before := *t
	if t.TransactionID == "" {
		t.TransactionID = ev.TransactionID
	}
	t.EventName = ev.EventName
	t.SourceChainID = ev.SourceChainID
	t.SourceChain = ev.SourceChain
	t.SourceFromAddress = ev.SourceFromAddress
	t.SourceAmount = ev.SourceAmount
	t.SourceFee = ev.SourceFee
	t.SourceBlockNumber = ev.SourceBlockNumber
	t.SourceLogIndex = ev.SourceLogIndex
	if ev.SourceTokenAddress != "" {
		t.SourceTokenAddress = ev.SourceTokenAddress
	}
	if t.TargetAddress == "" {
		t.TargetAddress = ev.TargetAddress
	}
	if t.TargetChainID == 0 {
		t.TargetChainID = ev.TargetChainID
	}
	t.Normalize()
	if sameEventFields(&before, t) {
		return db.ErrNoChange
	}
	return nil
}

func sameEventFields(a, b *db.Transfer) bool {
	return a.TransactionID == b.TransactionID &&
		a.EventName == b.EventName &&
		a.SourceChainID == b.SourceChainID &&
		a.SourceChain == b.SourceChain &&
		a.SourceFromAddress == b.SourceFromAddress &&
		a.SourceAmount == b.SourceAmount &&
		a.SourceFee == b.SourceFee &&
		a.SourceBlockNumber == b.SourceBlockNumber &&
		a.SourceLogIndex == b.SourceLogIndex &&
		a.SourceTokenAddress == b.SourceTokenAddress &&
		a.TargetAddress == b.TargetAddress &&
		a.TargetChainID == b.TargetChainID
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
