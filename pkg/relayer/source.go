package relayer

import (
	"context"
	"fmt"

	geth "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/chainsafe/bridge-relayer/internal/metrics"
	"github.com/chainsafe/bridge-relayer/pkg/config"
	"github.com/chainsafe/bridge-relayer/pkg/db"
	"github.com/chainsafe/bridge-relayer/pkg/ethereum"
	"github.com/chainsafe/bridge-relayer/pkg/ethereum/contracts"
)

// Subscriber streams matching logs of one chain to a handler, resuming from
// the stored cursor after every outage.
type Subscriber interface {
	Subscribe(ctx context.Context, query geth.FilterQuery, cursor db.ChainStateStore, handler ethereum.LogHandler, hooks ethereum.Hooks) error
}

// ReconcileTrigger asks for an out-of-schedule reconciliation run.
type ReconcileTrigger interface {
	Trigger(reason string)
}

var sourceEvents = []string{
	contracts.EventAssetLocked,
	contracts.EventLocked,
	contracts.EventTokensBurned,
	contracts.EventBurned,
}

// WatchQuery builds the log filter for the lock and burn contracts of cfg.
func WatchQuery(cfg config.ChainConfig) (geth.FilterQuery, error) {
	var addresses []common.Address
	for _, addr := range []string{cfg.LockContract, cfg.BurnContract} {
		if addr == "" {
			continue
		}
		if !common.IsHexAddress(addr) {
			return geth.FilterQuery{}, fmt.Errorf("chain %s: invalid contract address %q", cfg.Name, addr)
		}
		addresses = append(addresses, common.HexToAddress(addr))
	}
	if len(addresses) == 0 {
		return geth.FilterQuery{}, fmt.Errorf("chain %s has no lock or burn contract", cfg.Name)
	}

	topics := make([]common.Hash, 0, len(sourceEvents))
	for _, name := range sourceEvents {
		id, err := contracts.EventID(name)
		if err != nil {
			return geth.FilterQuery{}, err
		}
		topics = append(topics, id)
	}
	return geth.FilterQuery{Addresses: addresses, Topics: [][]common.Hash{topics}}, nil
}

// Source feeds the bridge events of one chain into the dispatcher.
type Source struct {
	chain      Chain
	subscriber Subscriber
	cursor     db.ChainStateStore
	dispatcher *Dispatcher
	reconciler ReconcileTrigger
	logger     *zap.Logger
}

// NewSource creates a source for chain. reconciler may be nil.
func NewSource(
	chain Chain,
	subscriber Subscriber,
	cursor db.ChainStateStore,
	dispatcher *Dispatcher,
	reconciler ReconcileTrigger,
	logger *zap.Logger,
) *Source {
	return &Source{
		chain:      chain,
		subscriber: subscriber,
		cursor:     cursor,
		dispatcher: dispatcher,
		reconciler: reconciler,
		logger:     logger.With(zap.String("component", "source"), zap.String("chain", chain.Name())),
	}
}

// Run subscribes until ctx is done or the subscription gives up.
func (s *Source) Run(ctx context.Context) error {
	query, err := WatchQuery(s.chain.Config())
	if err != nil {
		return err
	}
	s.logger.Info("Watching bridge contracts", zap.Int("contracts", len(query.Addresses)))
	return s.subscriber.Subscribe(ctx, query, s.cursor, s.dispatcher.Handler(s.chain), ethereum.Hooks{
		OnConnectionLost: s.connectionLost,
		OnReconnect:      s.reconnected,
	})
}

func (s *Source) connectionLost(err error) {
	s.logger.Warn("Connection lost", zap.Error(err))
	metrics.ConnectionLosses.WithLabelValues(s.chain.Name()).Inc()
}

// reconnected runs a reconciliation pass: logs emitted during the outage
// may belong to transfers the pass can resume.
func (s *Source) reconnected(context.Context) {
	s.logger.Info("Connection restored, triggering reconciliation")
	if s.reconciler != nil {
		s.reconciler.Trigger("reconnect:" + s.chain.Name())
	}
}
