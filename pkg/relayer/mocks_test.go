package relayer

import (
	"context"
	"math/big"
	"sync"

	geth "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/chainsafe/bridge-relayer/pkg/config"
	"github.com/chainsafe/bridge-relayer/pkg/db"
	"github.com/chainsafe/bridge-relayer/pkg/ethereum"
	"github.com/chainsafe/bridge-relayer/pkg/notify"
)

// MockChain is a mock implementation of Chain, Subscriber and resolver.TokenReader
type MockChain struct {
	Cfg config.ChainConfig

	TransactionReceiptFunc func(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	ConfirmedFunc          func(ctx context.Context, receipt *types.Receipt) (bool, error)
	BurnTokenFunc          func(ctx context.Context, contract common.Address) (common.Address, error)
	TokenNameFunc          func(ctx context.Context, token common.Address) (string, error)
	TokenSymbolFunc        func(ctx context.Context, token common.Address) (string, error)
	TokenDecimalsFunc      func(ctx context.Context, token common.Address) (uint8, error)
	IsProcessedFunc        func(ctx context.Context, contract common.Address, action db.Action, id common.Hash) (bool, error)
	FindExecutionFunc      func(ctx context.Context, contract common.Address, action db.Action, id common.Hash) (common.Hash, bool, error)
	DryRunFunc             func(ctx context.Context, call ethereum.ContractCall) error
	SubmitFunc             func(ctx context.Context, call ethereum.ContractCall, onSigned func(common.Hash) error) (common.Hash, error)
	AwaitConfirmationFunc  func(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	SubscribeFunc          func(ctx context.Context, query geth.FilterQuery, cursor db.ChainStateStore, handler ethereum.LogHandler, hooks ethereum.Hooks) error

	mu    sync.Mutex
	calls []ethereum.ContractCall
}

func (m *MockChain) Name() string               { return m.Cfg.Name }
func (m *MockChain) ChainID() int64             { return m.Cfg.ChainID }
func (m *MockChain) Config() config.ChainConfig { return m.Cfg }

func (m *MockChain) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	if m.TransactionReceiptFunc != nil {
		return m.TransactionReceiptFunc(ctx, hash)
	}
	return &types.Receipt{TxHash: hash, Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(100)}, nil
}

func (m *MockChain) Confirmed(ctx context.Context, receipt *types.Receipt) (bool, error) {
	if m.ConfirmedFunc != nil {
		return m.ConfirmedFunc(ctx, receipt)
	}
	return true, nil
}

func (m *MockChain) BurnToken(ctx context.Context, contract common.Address) (common.Address, error) {
	if m.BurnTokenFunc != nil {
		return m.BurnTokenFunc(ctx, contract)
	}
	return common.Address{}, nil
}

func (m *MockChain) TokenName(ctx context.Context, token common.Address) (string, error) {
	if m.TokenNameFunc != nil {
		return m.TokenNameFunc(ctx, token)
	}
	return "", nil
}

func (m *MockChain) TokenSymbol(ctx context.Context, token common.Address) (string, error) {
	if m.TokenSymbolFunc != nil {
		return m.TokenSymbolFunc(ctx, token)
	}
	return "", nil
}

func (m *MockChain) TokenDecimals(ctx context.Context, token common.Address) (uint8, error) {
	if m.TokenDecimalsFunc != nil {
		return m.TokenDecimalsFunc(ctx, token)
	}
	return 18, nil
}

func (m *MockChain) IsProcessed(ctx context.Context, contract common.Address, action db.Action, id common.Hash) (bool, error) {
	if m.IsProcessedFunc != nil {
		return m.IsProcessedFunc(ctx, contract, action, id)
	}
	return false, nil
}

func (m *MockChain) FindExecution(
	ctx context.Context,
	contract common.Address,
	action db.Action,
	id common.Hash) (common.Hash, bool, error) {
	if m.FindExecutionFunc != nil {
		return m.FindExecutionFunc(ctx, contract, action, id)
	}
	return common.Hash{}, false, nil
}

func (m *MockChain) DryRun(ctx context.Context, call ethereum.ContractCall) error {
	if m.DryRunFunc != nil {
		return m.DryRunFunc(ctx, call)
	}
	return nil
}

// Submit records every call. The default signs a hash derived from the call
// data and reports it through onSigned before "broadcasting".
func (m *MockChain) Submit(ctx context.Context, call ethereum.ContractCall, onSigned func(common.Hash) error) (common.Hash, error) {
	m.mu.Lock()
	m.calls = append(m.calls, call)
	n := len(m.calls)
	m.mu.Unlock()

	if m.SubmitFunc != nil {
		return m.SubmitFunc(ctx, call, onSigned)
	}
	hash := crypto.Keccak256Hash(call.Data, big.NewInt(int64(n)).Bytes())
	if err := onSigned(hash); err != nil {
		return common.Hash{}, err
	}
	return hash, nil
}

func (m *MockChain) AwaitConfirmation(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	if m.AwaitConfirmationFunc != nil {
		return m.AwaitConfirmationFunc(ctx, hash)
	}
	return &types.Receipt{TxHash: hash, Status: types.ReceiptStatusSuccessful, GasUsed: 65000, BlockNumber: big.NewInt(200)}, nil
}

func (m *MockChain) Subscribe(
	ctx context.Context,
	query geth.FilterQuery,
	cursor db.ChainStateStore,
	handler ethereum.LogHandler,
	hooks ethereum.Hooks) error {
	if m.SubscribeFunc != nil {
		return m.SubscribeFunc(ctx, query, cursor, handler, hooks)
	}
	<-ctx.Done()
	return ctx.Err()
}

// Submitted returns the calls passed to Submit so far.
func (m *MockChain) Submitted() []ethereum.ContractCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ethereum.ContractCall(nil), m.calls...)
}

// recordingNotifier keeps every message it is asked to deliver.
type recordingNotifier struct {
	mu       sync.Mutex
	messages map[string][]notify.Message
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{messages: make(map[string][]notify.Message)}
}

func (r *recordingNotifier) Notify(_ context.Context, address string, msg notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages[address] = append(r.messages[address], msg)
	return nil
}

func (r *recordingNotifier) For(address string) []notify.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Message(nil), r.messages[address]...)
}

// MockAdvancer is a mock implementation of Advancer
type MockAdvancer struct {
	AdvanceFunc func(ctx context.Context, key string, trigger Trigger) (*db.Transfer, error)

	mu       sync.Mutex
	advanced []string
}

func (m *MockAdvancer) Advance(ctx context.Context, key string, trigger Trigger) (*db.Transfer, error) {
	m.mu.Lock()
	m.advanced = append(m.advanced, key)
	m.mu.Unlock()
	if m.AdvanceFunc != nil {
		return m.AdvanceFunc(ctx, key, trigger)
	}
	return &db.Transfer{Key: key}, nil
}

func (m *MockAdvancer) Advanced() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.advanced...)
}

// MockTrigger is a mock implementation of ReconcileTrigger
type MockTrigger struct {
	mu      sync.Mutex
	reasons []string
}

func (m *MockTrigger) Trigger(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reasons = append(m.reasons, reason)
}

func (m *MockTrigger) Reasons() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.reasons...)
}
