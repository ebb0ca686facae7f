package ethereum

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// MockRPC is a mock implementation of RPC
type MockRPC struct {
	ChainIDFunc             func(ctx context.Context) (*big.Int, error)
	HeaderByNumberFunc      func(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogsFunc          func(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	SubscribeFilterLogsFunc func(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	TransactionReceiptFunc  func(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContractFunc        func(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAtFunc      func(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPriceFunc     func(ctx context.Context) (*big.Int, error)
	EstimateGasFunc         func(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransactionFunc     func(ctx context.Context, tx *types.Transaction) error

	mu     sync.Mutex
	sent   []*types.Transaction
	closed bool
}

func (m *MockRPC) ChainID(ctx context.Context) (*big.Int, error) {
	if m.ChainIDFunc != nil {
		return m.ChainIDFunc(ctx)
	}
	return big.NewInt(1), nil
}

func (m *MockRPC) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	if m.HeaderByNumberFunc != nil {
		return m.HeaderByNumberFunc(ctx, number)
	}
	return &types.Header{Number: big.NewInt(100)}, nil
}

func (m *MockRPC) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	if m.FilterLogsFunc != nil {
		return m.FilterLogsFunc(ctx, q)
	}
	return nil, nil
}

func (m *MockRPC) SubscribeFilterLogs(
	ctx context.Context,
	q ethereum.FilterQuery,
	ch chan<- types.Log) (ethereum.Subscription, error) {
	if m.SubscribeFilterLogsFunc != nil {
		return m.SubscribeFilterLogsFunc(ctx, q, ch)
	}
	return newMockSubscription(), nil
}

func (m *MockRPC) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if m.TransactionReceiptFunc != nil {
		return m.TransactionReceiptFunc(ctx, txHash)
	}
	return nil, ethereum.NotFound
}

func (m *MockRPC) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if m.CallContractFunc != nil {
		return m.CallContractFunc(ctx, msg, blockNumber)
	}
	return nil, nil
}

func (m *MockRPC) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	if m.PendingNonceAtFunc != nil {
		return m.PendingNonceAtFunc(ctx, account)
	}
	return 0, nil
}

func (m *MockRPC) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	if m.SuggestGasPriceFunc != nil {
		return m.SuggestGasPriceFunc(ctx)
	}
	return big.NewInt(1_000_000_000), nil
}

func (m *MockRPC) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	if m.EstimateGasFunc != nil {
		return m.EstimateGasFunc(ctx, msg)
	}
	return 100_000, nil
}

func (m *MockRPC) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	m.mu.Lock()
	m.sent = append(m.sent, tx)
	m.mu.Unlock()
	if m.SendTransactionFunc != nil {
		return m.SendTransactionFunc(ctx, tx)
	}
	return nil
}

func (m *MockRPC) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

func (m *MockRPC) Sent() []*types.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*types.Transaction(nil), m.sent...)
}

// mockSubscription is a subscription whose failure is driven by the test
type mockSubscription struct {
	errCh chan error
	once  sync.Once
}

func newMockSubscription() *mockSubscription {
	return &mockSubscription{errCh: make(chan error, 1)}
}

func (s *mockSubscription) Fail(err error) {
	s.errCh <- err
}

func (s *mockSubscription) Unsubscribe() {
	s.once.Do(func() {})
}

func (s *mockSubscription) Err() <-chan error {
	return s.errCh
}
