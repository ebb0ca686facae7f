package relayer

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	geth "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chainsafe/bridge-relayer/pkg/config"
	"github.com/chainsafe/bridge-relayer/pkg/db"
	"github.com/chainsafe/bridge-relayer/pkg/ethereum"
	"github.com/chainsafe/bridge-relayer/pkg/ethereum/contracts"
)

func TestWatchQuery(t *testing.T) {
	q, err := WatchQuery(config.ChainConfig{
		Name:         "sepolia",
		LockContract: lockContract.Hex(),
		BurnContract: burnContract.Hex(),
	})
	require.NoError(t, err)
	assert.Equal(t, []common.Address{lockContract, burnContract}, q.Addresses)
	require.Len(t, q.Topics, 1)
	require.Len(t, q.Topics[0], 4)

	for _, name := range []string{contracts.EventAssetLocked, contracts.EventLocked, contracts.EventTokensBurned, contracts.EventBurned} {
		id, err := contracts.EventID(name)
		require.NoError(t, err)
		assert.Contains(t, q.Topics[0], id)
	}
}

func TestWatchQuery_Invalid(t *testing.T) {
	_, err := WatchQuery(config.ChainConfig{Name: "empty"})
	assert.Error(t, err)

	_, err = WatchQuery(config.ChainConfig{Name: "bad", LockContract: "not-an-address"})
	assert.Error(t, err)
}

func TestEngine_StartWithoutWatchedChains(t *testing.T) {
	chains := NewRegistry()
	require.NoError(t, chains.Register(&MockChain{Cfg: config.ChainConfig{Name: "maochain", ChainID: maochainID}}))

	store := db.NewMemoryStore()
	d := NewDispatcher(store, &MockAdvancer{}, DispatcherConfig{}, zap.NewNop())
	engine := NewEngine(chains, store, d, nil, zap.NewNop())

	assert.Error(t, engine.Start(context.Background()))
}

func TestEngine_DeliversEventsAndReconcilesOnReconnect(t *testing.T) {
	store := db.NewMemoryStore()
	advancer := &MockAdvancer{}
	trigger := &MockTrigger{}
	d := NewDispatcher(store, advancer, DispatcherConfig{}, zap.NewNop())

	log := lockedLog(t, common.HexToHash("0x0e"), big.NewInt(10))
	sepolia := newSepolia()
	sepolia.SubscribeFunc = func(
		ctx context.Context,
		query geth.FilterQuery,
		cursor db.ChainStateStore,
		handler ethereum.LogHandler,
		hooks ethereum.Hooks) error {
		assert.Equal(t, []common.Address{lockContract}, query.Addresses)
		assert.NotNil(t, cursor)

		hooks.OnConnectionLost(errors.New("websocket: close 1006"))
		hooks.OnReconnect(ctx)
		if err := handler(ctx, log); err != nil {
			return err
		}
		<-ctx.Done()
		return ctx.Err()
	}
	maochain := &MockChain{Cfg: config.ChainConfig{Name: "maochain", ChainID: maochainID}}

	chains := NewRegistry()
	require.NoError(t, chains.Register(sepolia))
	require.NoError(t, chains.Register(maochain))

	engine := NewEngine(chains, store, d, trigger, zap.NewNop())
	require.NoError(t, engine.Start(context.Background()))
	defer engine.Stop()

	require.Eventually(t, func() bool {
		return len(advancer.Advanced()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, strings.ToLower(log.TxHash.Hex()), advancer.Advanced()[0])
	assert.Equal(t, []string{"reconnect:sepolia"}, trigger.Reasons())

	rec, err := store.GetTransfer(context.Background(), db.WithSourceTxHash(log.TxHash.Hex()))
	require.NoError(t, err)
	assert.Equal(t, "sepolia", rec.SourceChain)
}

func TestEngine_StopWaitsForSources(t *testing.T) {
	store := db.NewMemoryStore()
	d := NewDispatcher(store, &MockAdvancer{}, DispatcherConfig{}, zap.NewNop())

	stopped := make(chan struct{})
	sepolia := newSepolia()
	sepolia.SubscribeFunc = func(ctx context.Context, _ geth.FilterQuery, _ db.ChainStateStore, _ ethereum.LogHandler, _ ethereum.Hooks) error {
		<-ctx.Done()
		close(stopped)
		return ctx.Err()
	}

	chains := NewRegistry()
	require.NoError(t, chains.Register(sepolia))
	engine := NewEngine(chains, store, d, nil, zap.NewNop())
	require.NoError(t, engine.Start(context.Background()))

	engine.Stop()
	select {
	case <-stopped:
	default:
		t.Fatal("source still running after Stop")
	}
}
