package relayer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/chainsafe/bridge-relayer/internal/metrics"
	"github.com/chainsafe/bridge-relayer/pkg/db"
	"github.com/chainsafe/bridge-relayer/pkg/ethereum"
	"github.com/chainsafe/bridge-relayer/pkg/ethereum/contracts"
	"github.com/chainsafe/bridge-relayer/pkg/notify"
	"github.com/chainsafe/bridge-relayer/pkg/resolver"
	"github.com/chainsafe/bridge-relayer/pkg/retry"
	"github.com/chainsafe/bridge-relayer/pkg/signer"
)

// Trigger names what asked the machine to advance a transfer.
type Trigger string

const (
	// TriggerEvent is a live source event. It never reopens failed records.
	TriggerEvent Trigger = "event"
	// TriggerReconcile is a reconciliation pass. It reopens failed records
	// that are not permanent and still have retries left.
	TriggerReconcile Trigger = "reconcile"
	// TriggerManual is an operator run. It also reopens permanent failures.
	TriggerManual Trigger = "manual"
)

var (
	errSourcePending = errors.New("source transaction not confirmed yet")
	errSettled       = errors.New("transfer moved on")
	errLeaseHeld     = errors.New("submission lease held")
)

// DestinationResolver resolves where a transfer lands.
type DestinationResolver interface {
	Resolve(ctx context.Context, req resolver.Request) (*resolver.Resolution, error)
}

// MachineConfig tunes the state machine.
type MachineConfig struct {
	// MaxRetries bounds how often a failed transfer is reopened automatically.
	MaxRetries int
	// Lease is how long one actor owns the destination submission.
	Lease time.Duration
	// SourceWait bounds the wait for source confirmations.
	SourceWait retry.Policy
}

type leg int

const (
	legSource leg = iota
	legTarget
)

// Machine advances transfer records through
// observed -> source confirmed -> destination submitted -> minted, or failed.
// Every transition re-reads the persisted record, so a live event and a
// reconciliation pass may drive the same transfer concurrently.
type Machine struct {
	store    db.TransferStore
	chains   *Registry
	resolver DestinationResolver
	signer   *signer.Signer
	notifier notify.Notifier
	cfg      MachineConfig
	now      func() time.Time
	logger   *zap.Logger
}

// NewMachine creates a new transfer state machine
func NewMachine(
	store db.TransferStore,
	chains *Registry,
	res DestinationResolver,
	sig *signer.Signer,
	notifier notify.Notifier,
	cfg MachineConfig,
	logger *zap.Logger,
) *Machine {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 10 * time.Minute
	}
	return &Machine{
		store:    store,
		chains:   chains,
		resolver: res,
		signer:   sig,
		notifier: notifier,
		cfg:      cfg,
		now:      time.Now,
		logger:   logger.With(zap.String("component", "machine")),
	}
}

// MaxRetries returns the automatic reopen limit.
func (m *Machine) MaxRetries() int { return m.cfg.MaxRetries }

// Advance moves the transfer stored under key as far as it can go.
//
// Failures that belong to the transfer (unresolved destination, rejected
// signature, revert, timeout, insufficient funds) are written to the record
// and returned with a nil error; inspect the record's Stage. A non-nil error
// means the record was left as it was and may be advanced again later.
func (m *Machine) Advance(ctx context.Context, key string, trigger Trigger) (*db.Transfer, error) {
	rec, err := m.store.GetTransfer(ctx, db.WithKey(key))
	if err != nil {
		return nil, err
	}
	logger := m.logger.With(
		zap.String("key", rec.Key),
		zap.String("source_tx_hash", rec.SourceTxHash),
		zap.String("trigger", string(trigger)))

	if rec.Minted() {
		logger.Debug("Transfer already minted")
		return rec, nil
	}

	if rec.Stage() == db.StageFailed {
		if !m.reopenable(rec, trigger) {
			return rec, nil
		}
		if rec, err = m.reopen(ctx, rec, logger); err != nil {
			return rec, err
		}
	}

	if rec.Stage() == db.StageObserved {
		if rec, err = m.confirmSource(ctx, rec, logger); err != nil {
			return rec, err
		}
	}

	switch rec.Stage() {
	case db.StageSourceConfirmed:
		return m.submit(ctx, rec, logger)
	case db.StageDestinationSubmitted:
		return m.resume(ctx, rec, logger)
	default:
		return rec, nil
	}
}

func (m *Machine) reopenable(rec *db.Transfer, trigger Trigger) bool {
	switch trigger {
	case TriggerManual:
		return true
	case TriggerReconcile:
		return !rec.Permanent && rec.RetryCount < m.cfg.MaxRetries
	default:
		return false
	}
}

// reopen puts a failed record back to pending. A destination transaction
// that landed after all is kept so resume can confirm it.
func (m *Machine) reopen(ctx context.Context, rec *db.Transfer, logger *zap.Logger) (*db.Transfer, error) {
	keepHash := false
	if rec.TargetTxHash != "" {
		if dst, ok := m.chains.ByChainID(rec.TargetChainID); ok {
			receipt, err := dst.TransactionReceipt(ctx, common.HexToHash(rec.TargetTxHash))
			if err != nil {
				return rec, err
			}
			keepHash = receipt != nil && receipt.Status == types.ReceiptStatusSuccessful
		}
	}

	updated, err := m.store.UpdateTransfer(ctx, rec.Key, func(t *db.Transfer) error {
		if t.Stage() != db.StageFailed {
			return db.ErrNoChange
		}
		if t.SourceTxStatus == db.TxStatusFailed {
			t.SourceTxStatus = db.TxStatusPending
		}
		if t.TargetTxStatus == db.TxStatusFailed {
			t.TargetTxStatus = db.TxStatusPending
		}
		if !keepHash {
			t.TargetTxHash = ""
		}
		t.RetryCount++
		t.ErrorKind, t.ErrorMessage = "", ""
		t.Permanent = false
		t.SubmittingUntil = nil
		return nil
	})
	if err != nil {
		return rec, fmt.Errorf("failed to reopen transfer: %w", err)
	}
	logger.Info("Reopened failed transfer",
		zap.Int("retry_count", updated.RetryCount),
		zap.String("previous_error", rec.ErrorKind))
	return updated, nil
}

// confirmSource waits, within SourceWait, for the source transaction to reach
// the confirmation depth. A receipt of either status counts only once it is
// that deep, since a reorg can replace a shallow revert as well as a shallow
// success. Running out of patience leaves the record observed.
func (m *Machine) confirmSource(ctx context.Context, rec *db.Transfer, logger *zap.Logger) (*db.Transfer, error) {
	src, ok := m.chains.ByChainID(rec.SourceChainID)
	if !ok {
		return m.fail(ctx, rec, legSource, retry.Mark(retry.KindUnresolved,
			fmt.Errorf("no client for source chain %d", rec.SourceChainID)), logger)
	}

	var receipt *types.Receipt
	err := retry.Do(ctx, m.cfg.SourceWait, func(ctx context.Context) error {
		r, err := src.TransactionReceipt(ctx, common.HexToHash(rec.SourceTxHash))
		if err != nil {
			return err
		}
		if r == nil {
			return retry.Transient(errSourcePending)
		}
		confirmed, err := src.Confirmed(ctx, r)
		if err != nil {
			return err
		}
		if !confirmed {
			return retry.Transient(errSourcePending)
		}
		receipt = r
		return nil
	})
	if errors.Is(err, errSourcePending) {
		logger.Debug("Source transaction not confirmed yet")
		return rec, nil
	}
	if err != nil {
		return rec, err
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		return m.fail(ctx, rec, legSource, retry.Mark(retry.KindSourceFailed,
			fmt.Errorf("source transaction %s reverted", rec.SourceTxHash)), logger)
	}

	updated, err := m.store.UpdateTransfer(ctx, rec.Key, func(t *db.Transfer) error {
		if t.SourceTxStatus != db.TxStatusPending {
			return db.ErrNoChange
		}
		t.SourceTxStatus = db.TxStatusSuccess
		if t.SourceBlockNumber == 0 && receipt.BlockNumber != nil {
			t.SourceBlockNumber = receipt.BlockNumber.Uint64()
		}
		return nil
	})
	if err != nil {
		return rec, fmt.Errorf("failed to confirm source: %w", err)
	}
	logger.Info("Source transaction confirmed", zap.Uint64("block", updated.SourceBlockNumber))
	return updated, nil
}

// request builds the resolver input from the persisted record. Legacy Burned
// events carry no token, so it is read from the burn contract.
func (m *Machine) request(ctx context.Context, rec *db.Transfer) (resolver.Request, error) {
	amount, ok := new(big.Int).SetString(rec.SourceAmount, 10)
	if !ok {
		return resolver.Request{}, retry.Mark(retry.KindUnresolved, fmt.Errorf("invalid source amount %q", rec.SourceAmount))
	}
	fee := new(big.Int)
	if rec.SourceFee != "" {
		if _, ok := fee.SetString(rec.SourceFee, 10); !ok {
			return resolver.Request{}, retry.Mark(retry.KindUnresolved, fmt.Errorf("invalid source fee %q", rec.SourceFee))
		}
	}

	req := resolver.Request{
		SourceChainID:      rec.SourceChainID,
		DestinationChainID: rec.TargetChainID,
		SourceToken:        common.HexToAddress(rec.SourceTokenAddress),
		TokenHint:          rec.SourceTokenName,
		Amount:             amount,
		Fee:                fee,
	}

	if rec.EventName == contracts.EventBurned && rec.SourceTokenAddress == "" {
		src, ok := m.chains.ByChainID(rec.SourceChainID)
		if !ok || src.Config().BurnContract == "" {
			return req, retry.Mark(retry.KindUnresolved, fmt.Errorf("no burn contract known on chain %d", rec.SourceChainID))
		}
		token, err := src.BurnToken(ctx, common.HexToAddress(src.Config().BurnContract))
		if err != nil {
			return req, err
		}
		req.SourceToken = token
		if req.TokenHint == "" {
			if name, err := src.TokenName(ctx, token); err == nil {
				req.TokenHint = name
			} else if retry.IsTransient(err) {
				return req, err
			}
		}
	}
	return req, nil
}

// submit resolves, authorizes and sends the destination call, then waits for it.
func (m *Machine) submit(ctx context.Context, rec *db.Transfer, logger *zap.Logger) (*db.Transfer, error) {
	req, err := m.request(ctx, rec)
	if err != nil {
		return m.failOrReturn(ctx, rec, err, logger)
	}
	res, err := m.resolver.Resolve(ctx, req)
	if err != nil {
		return m.failOrReturn(ctx, rec, err, logger)
	}
	dst, ok := m.chains.ByChainID(res.DestinationChainID)
	if !ok {
		return m.fail(ctx, rec, legTarget, retry.Mark(retry.KindUnresolved,
			fmt.Errorf("no client for destination chain %d", res.DestinationChainID)), logger)
	}
	layout, err := signer.ParseLayout(res.HashLayout)
	if err != nil {
		return m.fail(ctx, rec, legTarget, retry.Mark(retry.KindUnresolved, err), logger)
	}
	if !common.IsHexAddress(rec.TargetAddress) {
		return m.fail(ctx, rec, legTarget, retry.Mark(retry.KindUnresolved,
			fmt.Errorf("invalid recipient %q", rec.TargetAddress)), logger)
	}
	recipient := common.HexToAddress(rec.TargetAddress)

	now := m.now()
	leased, err := m.store.UpdateTransfer(ctx, rec.Key, func(t *db.Transfer) error {
		switch {
		case t.Stage() != db.StageSourceConfirmed:
			return errSettled
		case t.LeaseHeld(now):
			return errLeaseHeld
		}
		until := now.Add(m.cfg.Lease)
		t.SubmittingUntil = &until
		if t.SourceTokenName == "" {
			t.SourceTokenName = res.SourceSymbol
		}
		if t.SourceTokenAddress == "" && req.SourceToken != (common.Address{}) {
			t.SourceTokenAddress = req.SourceToken.Hex()
		}
		t.TargetChainID = res.DestinationChainID
		t.TargetChain = res.DestinationNetwork
		t.TargetTokenName = res.DestinationSymbol
		t.TargetTokenAddress = res.DestinationToken.Hex()
		t.TargetCallContract = res.Contract.Hex()
		t.TargetAmount = res.Amount.String()
		t.Action = res.Action
		return nil
	})
	if errors.Is(err, errSettled) || errors.Is(err, errLeaseHeld) {
		logger.Debug("Skipping submission", zap.Error(err))
		return m.store.GetTransfer(ctx, db.WithKey(rec.Key))
	}
	if err != nil {
		return rec, fmt.Errorf("failed to acquire submission lease: %w", err)
	}
	rec = leased
	logger = logger.With(
		zap.String("action", string(res.Action)),
		zap.String("destination", dst.Name()),
		zap.String("contract", res.Contract.Hex()))

	id := transferID(rec)
	processed, err := dst.IsProcessed(ctx, res.Contract, res.Action, id)
	switch {
	case err != nil && retry.IsTransient(err):
		return m.release(ctx, rec, err, logger)
	case err != nil:
		logger.Warn("Processed check failed, relying on dry run", zap.Error(err))
	case processed:
		return m.adoptExecution(ctx, rec, dst, res, id, logger)
	}

	msg := signer.Message{
		TransactionID: id,
		Token:         res.DestinationToken,
		Recipient:     recipient,
		Amount:        res.Amount,
		Contract:      res.Contract,
	}
	sig, err := m.signer.Sign(layout, msg)
	if err != nil {
		return m.fail(ctx, rec, legTarget, retry.Mark(retry.KindAuthorization, err), logger)
	}
	if err := m.signer.Verify(layout, msg, sig); err != nil {
		return m.fail(ctx, rec, legTarget, err, logger)
	}

	var data []byte
	if res.Action == db.ActionUnlock {
		data, err = contracts.PackUnlock(id, res.DestinationToken, recipient, res.Amount, sig)
	} else {
		data, err = contracts.PackMint(id, recipient, res.Amount, sig)
	}
	if err != nil {
		return m.fail(ctx, rec, legTarget, retry.Mark(retry.KindUnresolved, err), logger)
	}
	call := ethereum.ContractCall{To: res.Contract, Data: data}

	if err := dst.DryRun(ctx, call); err != nil {
		if retry.IsTransient(err) {
			return m.release(ctx, rec, err, logger)
		}
		return m.fail(ctx, rec, legTarget, err, logger)
	}

	var signed common.Hash
	txHash, err := dst.Submit(ctx, call, func(hash common.Hash) error {
		signed = hash
		_, err := m.store.UpdateTransfer(ctx, rec.Key, func(t *db.Transfer) error {
			t.TargetTxHash = hash.Hex()
			t.TargetTxStatus = db.TxStatusPending
			return nil
		})
		return err
	})
	if err != nil {
		metrics.TransactionsSent.WithLabelValues(dst.Name(), "error").Inc()
		if signed != (common.Hash{}) {
			m.unrecord(ctx, rec.Key, signed, logger)
		}
		if retry.IsTransient(err) || errors.Is(err, ethereum.ErrReadOnly) {
			return m.release(ctx, rec, err, logger)
		}
		return m.fail(ctx, rec, legTarget, err, logger)
	}
	metrics.TransactionsSent.WithLabelValues(dst.Name(), "sent").Inc()
	logger.Info("Destination transaction submitted", zap.String("target_tx_hash", txHash.Hex()))

	return m.await(ctx, rec, dst, txHash, res.Amount, res.DestinationDecimals, logger)
}

// resume waits for a destination transaction submitted earlier by an actor
// whose lease has expired.
func (m *Machine) resume(ctx context.Context, rec *db.Transfer, logger *zap.Logger) (*db.Transfer, error) {
	now := m.now()
	if rec.LeaseHeld(now) {
		logger.Debug("Destination transaction is being awaited elsewhere")
		return rec, nil
	}
	dst, ok := m.chains.ByChainID(rec.TargetChainID)
	if !ok {
		return m.fail(ctx, rec, legTarget, retry.Mark(retry.KindUnresolved,
			fmt.Errorf("no client for destination chain %d", rec.TargetChainID)), logger)
	}

	leased, err := m.store.UpdateTransfer(ctx, rec.Key, func(t *db.Transfer) error {
		switch {
		case t.Stage() != db.StageDestinationSubmitted:
			return errSettled
		case t.LeaseHeld(now):
			return errLeaseHeld
		}
		until := now.Add(m.cfg.Lease)
		t.SubmittingUntil = &until
		return nil
	})
	if errors.Is(err, errSettled) || errors.Is(err, errLeaseHeld) {
		return m.store.GetTransfer(ctx, db.WithKey(rec.Key))
	}
	if err != nil {
		return rec, fmt.Errorf("failed to acquire submission lease: %w", err)
	}

	logger.Info("Resuming destination confirmation", zap.String("target_tx_hash", leased.TargetTxHash))
	return m.await(ctx, leased, dst, common.HexToHash(leased.TargetTxHash), nil, 0, logger)
}

func (m *Machine) await(
	ctx context.Context,
	rec *db.Transfer,
	dst Chain,
	txHash common.Hash,
	amount *big.Int,
	decimals uint8,
	logger *zap.Logger,
) (*db.Transfer, error) {
	receipt, err := dst.AwaitConfirmation(ctx, txHash)
	if err != nil {
		switch retry.KindOf(err) {
		case retry.KindReverted, retry.KindConfirmationTimeout:
			return m.fail(ctx, rec, legTarget, err, logger)
		}
		// the record stays submitted; once the lease expires a reconciliation
		// pass picks the confirmation up again
		return rec, err
	}
	updated, err := m.complete(ctx, rec.Key, txHash)
	if err != nil {
		return rec, err
	}
	metrics.GasUsed.WithLabelValues(string(updated.Action)).Observe(float64(receipt.GasUsed))
	if amount != nil {
		value, _ := decimal.NewFromBigInt(amount, -int32(decimals)).Float64()
		metrics.TransferAmount.WithLabelValues(string(updated.Action), updated.TargetTokenName).Observe(value)
	}
	logger.Info("Transfer completed", zap.String("target_tx_hash", updated.TargetTxHash))
	return updated, nil
}

// adoptExecution records a destination action that already happened on
// chain, e.g. by an earlier attempt whose hash was never persisted.
func (m *Machine) adoptExecution(
	ctx context.Context,
	rec *db.Transfer,
	dst Chain,
	res *resolver.Resolution,
	id common.Hash,
	logger *zap.Logger,
) (*db.Transfer, error) {
	txHash, found, err := dst.FindExecution(ctx, res.Contract, res.Action, id)
	if err != nil {
		return m.release(ctx, rec, err, logger)
	}
	if !found {
		logger.Warn("Transfer already processed on chain but execution log not found",
			zap.String("transaction_id", id.Hex()))
		return m.release(ctx, rec, nil, logger)
	}
	logger.Info("Transfer already processed on chain", zap.String("target_tx_hash", txHash.Hex()))
	return m.complete(ctx, rec.Key, txHash)
}

func (m *Machine) complete(ctx context.Context, key string, txHash common.Hash) (*db.Transfer, error) {
	updated, err := m.store.UpdateTransfer(ctx, key, func(t *db.Transfer) error {
		if t.Minted() {
			return db.ErrNoChange
		}
		t.TargetTxHash = txHash.Hex()
		t.TargetTxStatus = db.TxStatusSuccess
		t.SubmittingUntil = nil
		t.ErrorKind, t.ErrorMessage = "", ""
		t.Permanent = false
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to complete transfer: %w", err)
	}
	if !updated.Minted() {
		return updated, nil
	}
	metrics.TransfersTotal.WithLabelValues(string(updated.Action), string(db.BridgeStatusMinted)).Inc()
	metrics.TransferDuration.WithLabelValues(string(updated.Action)).Observe(m.now().Sub(updated.CreatedAt).Seconds())
	m.notify(ctx, updated, notify.Success(updated.Action, updated.SourceTxHash, updated.TargetTxHash))
	return updated, nil
}

// failOrReturn records permanent errors and hands everything else back to
// the caller with the record untouched.
func (m *Machine) failOrReturn(ctx context.Context, rec *db.Transfer, err error, logger *zap.Logger) (*db.Transfer, error) {
	if retry.IsPermanent(err) {
		return m.fail(ctx, rec, legTarget, err, logger)
	}
	return rec, err
}

func (m *Machine) fail(ctx context.Context, rec *db.Transfer, l leg, cause error, logger *zap.Logger) (*db.Transfer, error) {
	kind := retry.KindOf(cause)
	updated, err := m.store.UpdateTransfer(ctx, rec.Key, func(t *db.Transfer) error {
		if t.Minted() {
			return db.ErrNoChange
		}
		if l == legSource {
			t.SourceTxStatus = db.TxStatusFailed
		} else {
			t.TargetTxStatus = db.TxStatusFailed
		}
		t.ErrorKind = string(kind)
		t.ErrorMessage = cause.Error()
		t.Permanent = kind.Permanent()
		t.SubmittingUntil = nil
		return nil
	})
	if err != nil {
		return rec, fmt.Errorf("failed to record transfer failure: %w", err)
	}
	if updated.Minted() {
		return updated, nil
	}

	logger.Error("Transfer failed",
		zap.String("error_kind", string(kind)),
		zap.Bool("permanent", updated.Permanent),
		zap.Error(cause))
	metrics.TransfersTotal.WithLabelValues(string(updated.Action), string(db.BridgeStatusFailed)).Inc()
	metrics.ErrorsTotal.WithLabelValues("machine", string(kind)).Inc()
	m.notify(ctx, updated, notify.Failure(updated.Action, updated.SourceTxHash, cause))
	return updated, nil
}

// release drops the submission lease and returns cause unchanged.
func (m *Machine) release(ctx context.Context, rec *db.Transfer, cause error, logger *zap.Logger) (*db.Transfer, error) {
	updated, err := m.store.UpdateTransfer(ctx, rec.Key, func(t *db.Transfer) error {
		if t.SubmittingUntil == nil {
			return db.ErrNoChange
		}
		t.SubmittingUntil = nil
		return nil
	})
	if err != nil {
		logger.Warn("Failed to release submission lease", zap.Error(err))
		return rec, cause
	}
	return updated, cause
}

// unrecord forgets a signed transaction that was never accepted by the node.
func (m *Machine) unrecord(ctx context.Context, key string, signed common.Hash, logger *zap.Logger) {
	_, err := m.store.UpdateTransfer(ctx, key, func(t *db.Transfer) error {
		if !strings.EqualFold(t.TargetTxHash, signed.Hex()) {
			return db.ErrNoChange
		}
		t.TargetTxHash = ""
		return nil
	})
	if err != nil {
		logger.Warn("Failed to clear unsent transaction hash", zap.String("tx_hash", signed.Hex()), zap.Error(err))
	}
}

func (m *Machine) notify(ctx context.Context, rec *db.Transfer, msg notify.Message) {
	if rec.TargetAddress == "" {
		return
	}
	if err := m.notifier.Notify(ctx, rec.TargetAddress, msg); err != nil {
		m.logger.Debug("Notification not delivered",
			zap.String("address", rec.TargetAddress),
			zap.String("type", string(msg.Type)),
			zap.Error(err))
	}
}

// transferID is the id the destination contract keys processed transfers by.
func transferID(rec *db.Transfer) common.Hash {
	if rec.TransactionID != "" {
		return common.HexToHash(rec.TransactionID)
	}
	return common.HexToHash(rec.SourceTxHash)
}
