package ethereum

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/chainsafe/bridge-relayer/internal/metrics"
	"github.com/chainsafe/bridge-relayer/pkg/db"
	"github.com/chainsafe/bridge-relayer/pkg/retry"
)

// LogHandler processes one delivered log. A non-nil error keeps the log
// eligible for redelivery.
type LogHandler func(ctx context.Context, log types.Log) error

// Hooks are notified about the health of the event source.
type Hooks struct {
	OnConnectionLost func(err error)
	OnReconnect      func(ctx context.Context)
}

func (h Hooks) connectionLost(err error) {
	if h.OnConnectionLost != nil {
		h.OnConnectionLost(err)
	}
}

func (h Hooks) reconnected(ctx context.Context) {
	if h.OnReconnect != nil {
		h.OnReconnect(ctx)
	}
}

// Poller delivers logs by polling block ranges, keeping lastProcessedBlock
// in chain_state.
type Poller struct {
	client  *Client
	cursor  db.ChainStateStore
	query   ethereum.FilterQuery
	handler LogHandler
	hooks   Hooks
	logger  *zap.Logger

	disconnected bool
}

// NewPoller creates a poller for query on client's chain.
func NewPoller(client *Client, cursor db.ChainStateStore, query ethereum.FilterQuery, handler LogHandler, hooks Hooks) *Poller {
	return &Poller{
		client:  client,
		cursor:  cursor,
		query:   query,
		handler: handler,
		hooks:   hooks,
		logger:  client.logger.With(zap.String("component", "poller")),
	}
}

// Run polls every polling_interval until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	interval := p.client.config.PollingInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	p.logger.Info("Starting event poller", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := p.Poll(ctx); err != nil && ctx.Err() == nil {
			p.logger.Warn("Poll failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Poll runs one tick: it queries [lastProcessedBlock+1, head], bounded by
// max_block_range, hands every log to the handler and advances the cursor
// only if all of them succeeded.
func (p *Poller) Poll(ctx context.Context) error {
	_, _, err := p.poll(ctx)
	return err
}

// CatchUp polls until the cursor reaches the head observed by the last tick.
func (p *Poller) CatchUp(ctx context.Context) error {
	for {
		to, head, err := p.poll(ctx)
		if err != nil {
			return err
		}
		if to >= head {
			return nil
		}
	}
}

func (p *Poller) poll(ctx context.Context) (uint64, uint64, error) {
	chainID := p.client.ChainID()

	head, err := p.client.LatestHeader(ctx)
	if err != nil {
		p.lost(err)
		return 0, 0, err
	}
	p.restored(ctx)
	headNumber := head.Number.Uint64()

	state, err := p.cursor.GetChainState(ctx, chainID)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read cursor: %w", err)
	}

	var from uint64
	switch {
	case state != nil:
		from = state.LastBlock + 1
	case p.client.config.StartBlock > 0:
		from = p.client.config.StartBlock
	default:
		from = headNumber
	}
	if from > headNumber {
		return headNumber, headNumber, nil
	}
	to := headNumber
	if limit := p.client.config.MaxBlockRange; limit > 0 && to-from+1 > limit {
		to = from + limit - 1
	}

	logs, err := p.client.PollRange(ctx, p.query, from, to)
	if err != nil {
		p.lost(err)
		return 0, 0, err
	}

	var failed error
	for _, log := range logs {
		if log.Removed {
			continue
		}
		if err := p.handler(ctx, log); err != nil {
			p.logger.Error("Failed to handle log",
				zap.String("tx_hash", log.TxHash.Hex()),
				zap.Uint("log_index", log.Index),
				zap.Error(err))
			failed = errors.Join(failed, err)
		}
	}
	if failed != nil {
		return 0, 0, fmt.Errorf("cursor not advanced: %w", failed)
	}

	hash := ""
	if to == headNumber {
		hash = head.Hash().Hex()
	}
	if err := p.cursor.SetChainState(ctx, chainID, to, hash); err != nil {
		return 0, 0, fmt.Errorf("failed to persist cursor: %w", err)
	}
	metrics.BlocksProcessed.WithLabelValues(p.client.Name()).Add(float64(to - from + 1))
	metrics.LastProcessedBlock.WithLabelValues(p.client.Name()).Set(float64(to))
	if len(logs) > 0 {
		p.logger.Debug("Processed block range",
			zap.Uint64("from", from), zap.Uint64("to", to), zap.Int("logs", len(logs)))
	}
	return to, headNumber, nil
}

func (p *Poller) lost(err error) {
	if !retry.IsConnectionLoss(err) || p.disconnected {
		return
	}
	p.disconnected = true
	p.logger.Warn("Lost connection to chain", zap.Error(err))
	p.hooks.connectionLost(err)
}

func (p *Poller) restored(ctx context.Context) {
	if !p.disconnected {
		return
	}
	p.disconnected = false
	p.logger.Info("Connection to chain restored")
	p.hooks.reconnected(ctx)
}
