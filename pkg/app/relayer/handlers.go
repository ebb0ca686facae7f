package relayer

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/chainsafe/bridge-relayer/pkg/app/errors"
	apphttp "github.com/chainsafe/bridge-relayer/pkg/app/http"
	"github.com/chainsafe/bridge-relayer/pkg/db"
	"github.com/chainsafe/bridge-relayer/pkg/reconciler"
)

const (
	defaultLimitForListTransfer = 100
	maxLimitForListTransfer     = 500
)

// TransferReader is the part of the store the API reads.
type TransferReader interface {
	GetTransfer(ctx context.Context, opts ...db.QueryOption) (*db.Transfer, error)
	ListTransfers(ctx context.Context, filter db.TransferFilter) ([]*db.Transfer, error)
	Ping(ctx context.Context) error
}

// ReconcileRunner starts reconciliations on demand and reports on them.
type ReconcileRunner interface {
	Start(opts reconciler.Options) string
	Report(runID string) (*reconciler.Report, bool)
}

type transferResponse struct {
	Key                string          `json:"key"`
	SourceTxHash       string          `json:"source_tx_hash"`
	SourceLogIndex     uint            `json:"source_log_index"`
	TransactionID      string          `json:"transaction_id,omitempty"`
	EventName          string          `json:"event_name,omitempty"`
	SourceChainID      int64           `json:"source_chain_id"`
	SourceChain        string          `json:"source_chain,omitempty"`
	SourceTokenName    string          `json:"source_token_name,omitempty"`
	SourceTokenAddress string          `json:"source_token_address,omitempty"`
	SourceFromAddress  string          `json:"source_from_address,omitempty"`
	SourceAmount       string          `json:"source_amount,omitempty"`
	SourceFee          string          `json:"source_fee,omitempty"`
	SourceBlockNumber  uint64          `json:"source_block_number,omitempty"`
	SourceTxStatus     db.TxStatus     `json:"source_tx_status"`
	TargetChainID      int64           `json:"target_chain_id,omitempty"`
	TargetChain        string          `json:"target_chain,omitempty"`
	TargetTokenName    string          `json:"target_token_name,omitempty"`
	TargetTokenAddress string          `json:"target_token_address,omitempty"`
	TargetAddress      string          `json:"target_address,omitempty"`
	TargetAmount       string          `json:"target_amount,omitempty"`
	TargetTxHash       string          `json:"target_tx_hash,omitempty"`
	TargetTxStatus     db.TxStatus     `json:"target_tx_status"`
	Action             db.Action       `json:"action,omitempty"`
	CrossBridgeStatus  db.BridgeStatus `json:"cross_bridge_status"`
	Stage              db.Stage        `json:"stage"`
	ErrorKind          string          `json:"error_kind,omitempty"`
	ErrorMessage       string          `json:"error_message,omitempty"`
	RetryCount         int             `json:"retry_count"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

func toResponse(t *db.Transfer) transferResponse {
	return transferResponse{
		Key:                t.Key,
		SourceTxHash:       t.SourceTxHash,
		SourceLogIndex:     t.SourceLogIndex,
		TransactionID:      t.TransactionID,
		EventName:          t.EventName,
		SourceChainID:      t.SourceChainID,
		SourceChain:        t.SourceChain,
		SourceTokenName:    t.SourceTokenName,
		SourceTokenAddress: t.SourceTokenAddress,
		SourceFromAddress:  t.SourceFromAddress,
		SourceAmount:       t.SourceAmount,
		SourceFee:          t.SourceFee,
		SourceBlockNumber:  t.SourceBlockNumber,
		SourceTxStatus:     t.SourceTxStatus,
		TargetChainID:      t.TargetChainID,
		TargetChain:        t.TargetChain,
		TargetTokenName:    t.TargetTokenName,
		TargetTokenAddress: t.TargetTokenAddress,
		TargetAddress:      t.TargetAddress,
		TargetAmount:       t.TargetAmount,
		TargetTxHash:       t.TargetTxHash,
		TargetTxStatus:     t.TargetTxStatus,
		Action:             t.Action,
		CrossBridgeStatus:  t.CrossBridgeStatus,
		Stage:              t.Stage(),
		ErrorKind:          t.ErrorKind,
		ErrorMessage:       t.ErrorMessage,
		RetryCount:         t.RetryCount,
		CreatedAt:          t.CreatedAt,
		UpdatedAt:          t.UpdatedAt,
	}
}

type handler struct {
	store      TransferReader
	reconciler ReconcileRunner
	logger     *zap.Logger
}

// RegisterRoutes mounts the transfer API on r. rec may be nil when
// reconciliation is disabled.
func RegisterRoutes(r chi.Router, store TransferReader, rec ReconcileRunner, logger *zap.Logger) {
	h := &handler{store: store, reconciler: rec, logger: logger}

	r.Get("/ready", apphttp.HandleError(logger, h.ready))
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/transfers", apphttp.HandleError(logger, h.listTransfers))
		r.Get("/transfers/{key}", apphttp.HandleError(logger, h.getTransfer))
		r.Post("/reconcile", apphttp.HandleError(logger, h.reconcile))
		r.Get("/reconcile/{runID}", apphttp.HandleError(logger, h.reconcileReport))
	})
}

func (h *handler) ready(w http.ResponseWriter, r *http.Request) error {
	if err := h.store.Ping(r.Context()); err != nil {
		return apperrors.UnavailableError(err, "NOT_READY")
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("READY"))
	return nil
}

func (h *handler) listTransfers(w http.ResponseWriter, r *http.Request) error {
	q := r.URL.Query()
	filter := db.TransferFilter{
		Status:       db.BridgeStatus(q.Get("status")),
		Address:      q.Get("address"),
		SourceTxHash: q.Get("tx_hash"),
		Limit:        defaultLimitForListTransfer,
	}

	switch filter.Status {
	case "", db.BridgeStatusPending, db.BridgeStatusFailed, db.BridgeStatusMinted:
	default:
		return apperrors.BadRequestError(nil, "status must be pending, failed or minted")
	}
	if filter.Address != "" && !common.IsHexAddress(filter.Address) {
		return apperrors.BadRequestError(nil, "invalid address")
	}
	if filter.SourceTxHash != "" && !isTxHash(filter.SourceTxHash) {
		return apperrors.BadRequestError(nil, "invalid transaction hash")
	}

	var err error
	if v := q.Get("limit"); v != "" {
		if filter.Limit, err = strconv.Atoi(v); err != nil || filter.Limit <= 0 || filter.Limit > maxLimitForListTransfer {
			return apperrors.BadRequestError(err, "limit must be between 1 and 500")
		}
	}
	if v := q.Get("offset"); v != "" {
		if filter.Offset, err = strconv.Atoi(v); err != nil || filter.Offset < 0 {
			return apperrors.BadRequestError(err, "offset must not be negative")
		}
	}

	transfers, err := h.store.ListTransfers(r.Context(), filter)
	if err != nil {
		return apperrors.DependencyError(err, "failed to list transfers")
	}

	out := make([]transferResponse, 0, len(transfers))
	for _, t := range transfers {
		out = append(out, toResponse(t))
	}
	apphttp.WriteJSON(w, http.StatusOK, map[string]any{"transfers": out})
	return nil
}

// getTransfer looks a transfer up by tx hash, which returns the first bridge
// log of the transaction, or by "<hash>:<log index>" for any log.
func (h *handler) getTransfer(w http.ResponseWriter, r *http.Request) error {
	hash, index, byLog := strings.Cut(chi.URLParam(r, "key"), ":")
	if !isTxHash(hash) {
		return apperrors.BadRequestError(nil, "invalid transaction hash")
	}
	var logIndex uint64
	if byLog {
		var err error
		if logIndex, err = strconv.ParseUint(index, 10, 32); err != nil {
			return apperrors.BadRequestError(err, "invalid log index")
		}
	}

	transfer, err := h.findTransfer(r.Context(), hash, uint(logIndex), byLog)
	if errors.Is(err, db.ErrTransferNotFound) {
		return apperrors.ResourceNotFoundError(err, "transfer not found")
	}
	if err != nil {
		return apperrors.DependencyError(err, "failed to get transfer")
	}

	apphttp.WriteJSON(w, http.StatusOK, toResponse(transfer))
	return nil
}

func (h *handler) findTransfer(ctx context.Context, hash string, logIndex uint, byLog bool) (*db.Transfer, error) {
	if !byLog {
		return h.store.GetTransfer(ctx, db.WithSourceTxHash(hash))
	}
	transfer, err := h.store.GetTransfer(ctx, db.WithKey(db.TransferKey(hash, logIndex)))
	if !errors.Is(err, db.ErrTransferNotFound) {
		return transfer, err
	}
	// the first log of a transaction is stored under the bare hash
	transfer, err = h.store.GetTransfer(ctx, db.WithKey(hash))
	if err != nil {
		return nil, err
	}
	if transfer.SourceLogIndex != logIndex {
		return nil, db.ErrTransferNotFound
	}
	return transfer, nil
}

func isTxHash(s string) bool {
	return strings.HasPrefix(s, "0x") && len(common.FromHex(s)) == common.HashLength
}

// reconcile starts one manual reconciliation and answers with its run id
// without waiting for it. failed_window (a Go duration) adds the failed pass;
// manual=false keeps the automatic retry budget.
func (h *handler) reconcile(w http.ResponseWriter, r *http.Request) error {
	if h.reconciler == nil {
		return apperrors.UnavailableError(nil, "reconciliation is disabled")
	}

	opts := reconciler.Options{Reason: "api", Manual: true}
	q := r.URL.Query()
	if v := q.Get("failed_window"); v != "" {
		window, err := time.ParseDuration(v)
		if err != nil || window < 0 {
			return apperrors.BadRequestError(err, "invalid failed_window")
		}
		opts.FailedWindow = window
	}
	if v := q.Get("manual"); v != "" {
		manual, err := strconv.ParseBool(v)
		if err != nil {
			return apperrors.BadRequestError(err, "invalid manual flag")
		}
		opts.Manual = manual
	}

	h.logger.Info("Reconciliation requested",
		zap.Duration("failed_window", opts.FailedWindow),
		zap.Bool("manual", opts.Manual))

	runID := h.reconciler.Start(opts)
	apphttp.WriteJSON(w, http.StatusAccepted, map[string]string{
		"run_id": runID,
		"status": "accepted",
	})
	return nil
}

func (h *handler) reconcileReport(w http.ResponseWriter, r *http.Request) error {
	if h.reconciler == nil {
		return apperrors.UnavailableError(nil, "reconciliation is disabled")
	}
	report, ok := h.reconciler.Report(chi.URLParam(r, "runID"))
	if !ok {
		return apperrors.ResourceNotFoundError(nil, "reconciliation run not found or still running")
	}
	apphttp.WriteJSON(w, http.StatusOK, report)
	return nil
}
