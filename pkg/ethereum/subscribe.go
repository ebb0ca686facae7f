package ethereum

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/chainsafe/bridge-relayer/pkg/db"
	"github.com/chainsafe/bridge-relayer/pkg/retry"
)

var errSubscriptionClosed = errors.New("subscription connection closed")

// Subscribe delivers logs matching query to handler until ctx is done.
//
// With a ws_url the client subscribes over WebSocket. When the subscription
// drops it reports OnConnectionLost, redials with the reconnect policy, calls
// OnReconnect and backfills the gap from the stored cursor before resuming.
// Without a ws_url it falls back to a Poller.
func (c *Client) Subscribe(ctx context.Context, query ethereum.FilterQuery, cursor db.ChainStateStore, handler LogHandler, hooks Hooks) error {
	if c.config.WSURL == "" {
		return NewPoller(c, cursor, query, handler, hooks).Run(ctx)
	}
	s := &subscriber{
		client:   c,
		cursor:   cursor,
		query:    query,
		handler:  handler,
		hooks:    hooks,
		backfill: NewPoller(c, cursor, query, handler, Hooks{}),
		logger:   c.logger.With(zap.String("component", "subscriber")),
	}
	return s.run(ctx)
}

type subscriber struct {
	client   *Client
	cursor   db.ChainStateStore
	query    ethereum.FilterQuery
	handler  LogHandler
	hooks    Hooks
	backfill *Poller
	logger   *zap.Logger

	lastBlock uint64
}

func (s *subscriber) run(ctx context.Context) error {
	first := true
	for {
		sub, logs, err := s.subscribe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to subscribe to %s logs: %w", s.client.Name(), err)
		}
		if !first {
			s.logger.Info("Subscription restored")
			s.hooks.reconnected(ctx)
		}
		first = false

		if err := s.backfill.CatchUp(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("Backfill incomplete", zap.Error(err))
		}

		err = s.consume(ctx, sub, logs)
		sub.Unsubscribe()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.client.dropWS()

		if retry.IsConnectionLoss(err) {
			s.logger.Warn("Subscription lost", zap.Error(err))
			s.hooks.connectionLost(err)
			continue
		}
		s.logger.Warn("Resubscribing after handler failure", zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(max(s.client.reconnect.Delay, time.Second)):
		}
	}
}

func (s *subscriber) subscribe(ctx context.Context) (ethereum.Subscription, chan types.Log, error) {
	var (
		sub  ethereum.Subscription
		logs chan types.Log
	)
	err := retry.Do(ctx, s.client.reconnect, func(ctx context.Context) error {
		ws, err := s.client.websocket(ctx)
		if err != nil {
			return err
		}
		logs = make(chan types.Log, 128)
		sub, err = ws.SubscribeFilterLogs(ctx, s.query, logs)
		if err != nil {
			s.client.dropWS()
			return err
		}
		return nil
	}, retry.Always(), retry.OnRetry(func(n uint, err error) {
		s.logger.Warn("Reconnecting websocket", zap.Uint("attempt", n+1), zap.Error(err))
	}))
	return sub, logs, err
}

func (s *subscriber) consume(ctx context.Context, sub ethereum.Subscription, logs <-chan types.Log) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			if err == nil {
				err = errSubscriptionClosed
			}
			return err
		case log := <-logs:
			if log.Removed {
				continue
			}
			if err := s.handler(ctx, log); err != nil {
				return fmt.Errorf("failed to handle log %s/%d: %w", log.TxHash.Hex(), log.Index, err)
			}
			s.advance(ctx, log.BlockNumber)
		}
	}
}

// advance moves the cursor to the block before the last delivered log so a
// restart redelivers that whole block.
func (s *subscriber) advance(ctx context.Context, block uint64) {
	if block == 0 || block-1 <= s.lastBlock {
		return
	}
	state, err := s.cursor.GetChainState(ctx, s.client.ChainID())
	if err == nil && state != nil && state.LastBlock >= block-1 {
		s.lastBlock = state.LastBlock
		return
	}
	if err := s.cursor.SetChainState(ctx, s.client.ChainID(), block-1, ""); err != nil {
		s.logger.Warn("Failed to persist cursor", zap.Uint64("block", block-1), zap.Error(err))
		return
	}
	s.lastBlock = block - 1
}

func (c *Client) websocket(ctx context.Context) (RPC, error) {
	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	if c.ws != nil {
		return c.ws, nil
	}
	ws, err := c.dial(ctx, c.config.WSURL)
	if err != nil {
		return nil, retry.Transient(fmt.Errorf("failed to dial websocket: %w", err))
	}
	c.ws = ws
	return ws, nil
}

func (c *Client) dropWS() {
	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	if c.ws != nil {
		c.ws.Close()
		c.ws = nil
	}
}
