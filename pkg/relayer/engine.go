package relayer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chainsafe/bridge-relayer/internal/metrics"
	"github.com/chainsafe/bridge-relayer/pkg/db"
)

const sourceRestartDelay = 5 * time.Second

// Engine orchestrates the bridge relayer operations: one source per watched
// chain feeding a shared dispatcher.
type Engine struct {
	chains     *Registry
	cursor     db.ChainStateStore
	dispatcher *Dispatcher
	reconciler ReconcileTrigger
	logger     *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates a new relayer engine
func NewEngine(
	chains *Registry,
	cursor db.ChainStateStore,
	dispatcher *Dispatcher,
	reconciler ReconcileTrigger,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		chains:     chains,
		cursor:     cursor,
		dispatcher: dispatcher,
		reconciler: reconciler,
		logger:     logger.With(zap.String("component", "engine")),
	}
}

// Start starts the dispatcher and a source for every watched chain.
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Info("Starting relayer engine")

	sources, err := e.sources()
	if err != nil {
		return err
	}

	ctx, e.cancel = context.WithCancel(ctx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.dispatcher.Run(ctx); err != nil && ctx.Err() == nil {
			e.logger.Error("Dispatcher failed", zap.Error(err))
		}
	}()

	for name, src := range sources {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.runSource(ctx, name, src)
		}()
	}

	e.logger.Info("Relayer engine started", zap.Int("sources", len(sources)))
	return nil
}

// Stop stops the relayer engine and waits for in-flight work to return.
func (e *Engine) Stop() {
	e.logger.Info("Stopping relayer engine")
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.logger.Info("Relayer engine stopped")
}

func (e *Engine) sources() (map[string]*Source, error) {
	sources := make(map[string]*Source)
	for _, chain := range e.chains.All() {
		if !chain.Config().Watches() {
			continue
		}
		sub, ok := chain.(Subscriber)
		if !ok {
			return nil, fmt.Errorf("chain %s cannot subscribe to events", chain.Name())
		}
		sources[chain.Name()] = NewSource(chain, sub, e.cursor, e.dispatcher, e.reconciler, e.logger)
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("no chain has a lock or burn contract to watch")
	}
	return sources, nil
}

// runSource restarts a source that gave up until ctx is done.
func (e *Engine) runSource(ctx context.Context, name string, src *Source) {
	for {
		err := src.Run(ctx)
		if ctx.Err() != nil {
			return
		}
		e.logger.Error("Source stopped, restarting", zap.String("chain", name), zap.Error(err))
		metrics.ErrorsTotal.WithLabelValues("source", "stopped").Inc()

		select {
		case <-ctx.Done():
			return
		case <-time.After(sourceRestartDelay):
		}
	}
}
