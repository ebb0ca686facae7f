package resolver

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chainsafe/bridge-relayer/pkg/config"
	"github.com/chainsafe/bridge-relayer/pkg/db"
	"github.com/chainsafe/bridge-relayer/pkg/retry"
)

const testDeployments = `
networks:
  - name: sepolia
    chain_id: 11155111
    native_symbol: ETH
    wrapped_native: [WETH]
    default_destination: 8822
    tokens:
      USDC:
        address: "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238"
        decimals: 6
      WETH:
        address: "0xfFf9976782d46CC05630D1f6eBAb18b2324d6B14"
      maoMAO:
        address: "0x4000000000000000000000000000000000000004"
    contracts:
      MAO:
        address: "0x5000000000000000000000000000000000000005"
        hash_layout: [transactionId, recipient, amount]
      USDC:
        address: "0xB00000000000000000000000000000000000000B"
        action: unlock
      ETH:
        address: "0xC00000000000000000000000000000000000000C"
  - name: maochain
    chain_id: 8822
    native_symbol: MAO
    default_destination: 11155111
    tokens:
      maoETH:
        address: "0x6000000000000000000000000000000000000006"
      maoUSDC:
        address: "0x7000000000000000000000000000000000000007"
    contracts:
      maoETH:
        address: "0x8000000000000000000000000000000000000008"
      maoUSDC:
        address: "0x9000000000000000000000000000000000000009"
        hash_layout: [transactionId, token, recipient, amount, contract]
    targets:
      target_11155111: "0xA00000000000000000000000000000000000000A"
`

type mockReader struct {
	symbol    string
	symbolErr error
	decimals  uint8
	decErr    error
	calls     int
}

func (m *mockReader) TokenSymbol(context.Context, common.Address) (string, error) {
	m.calls++
	return m.symbol, m.symbolErr
}

func (m *mockReader) TokenDecimals(context.Context, common.Address) (uint8, error) {
	m.calls++
	return m.decimals, m.decErr
}

func newTestResolver(t *testing.T, readers map[int64]TokenReader) *Resolver {
	t.Helper()
	d, err := config.ParseDeployments([]byte(testDeployments))
	require.NoError(t, err)
	return New(d, "USDC", readers, zap.NewNop())
}

func eth(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e17))
}

func TestResolve_NativeLockMints(t *testing.T) {
	r := newTestResolver(t, nil)

	res, err := r.Resolve(context.Background(), Request{
		SourceChainID: 11155111,
		Amount:        eth(5),
		Fee:           big.NewInt(0),
	})
	require.NoError(t, err)
	assert.Equal(t, "ETH", res.SourceSymbol)
	assert.Equal(t, ClassNative, res.Class)
	assert.Equal(t, int64(8822), res.DestinationChainID)
	assert.Equal(t, "maoETH", res.DestinationSymbol)
	assert.Equal(t, db.ActionMint, res.Action)
	assert.Equal(t, common.HexToAddress("0x8000000000000000000000000000000000000008"), res.Contract)
	assert.Equal(t, "500000000000000000", res.Amount.String())
	assert.Equal(t, "0", res.Fee.String())
}

func TestResolve_WrappedNativeNormalizes(t *testing.T) {
	r := newTestResolver(t, nil)

	res, err := r.Resolve(context.Background(), Request{
		SourceChainID: 11155111,
		SourceToken:   common.HexToAddress("0xfFf9976782d46CC05630D1f6eBAb18b2324d6B14"),
		Amount:        eth(1),
	})
	require.NoError(t, err)
	assert.Equal(t, ClassNative, res.Class)
	assert.Equal(t, "maoETH", res.DestinationSymbol)
}

func TestResolve_ScalesSixDecimals(t *testing.T) {
	r := newTestResolver(t, nil)

	res, err := r.Resolve(context.Background(), Request{
		SourceChainID: 11155111,
		SourceToken:   common.HexToAddress("0x1c7d4b196cb0c7b01d743fbc6116a902379c7238"),
		Amount:        big.NewInt(1_000_000),
		Fee:           big.NewInt(10_000),
	})
	require.NoError(t, err)
	assert.Equal(t, "USDC", res.SourceSymbol)
	assert.Equal(t, ClassPlain, res.Class)
	assert.Equal(t, "maoUSDC", res.DestinationSymbol)
	assert.Equal(t, uint8(6), res.SourceDecimals)
	assert.Equal(t, uint8(18), res.DestinationDecimals)
	assert.Equal(t, "1000000000000000000", res.Amount.String())
	assert.Equal(t, "10000000000000000", res.Fee.String())
	assert.Equal(t, []string{"transactionId", "token", "recipient", "amount", "contract"}, res.HashLayout)
}

func TestResolve_OnChainSymbolFallback(t *testing.T) {
	reader := &mockReader{symbol: "USDC", decimals: 6}
	r := newTestResolver(t, map[int64]TokenReader{11155111: reader})

	res, err := r.Resolve(context.Background(), Request{
		SourceChainID: 11155111,
		SourceToken:   common.HexToAddress("0xdead000000000000000000000000000000000001"),
		Amount:        big.NewInt(2_500_000),
	})
	require.NoError(t, err)
	assert.Equal(t, "USDC", res.SourceSymbol)
	assert.Equal(t, common.HexToAddress("0x9000000000000000000000000000000000000009"), res.Contract)
	assert.Equal(t, "2500000000000000000", res.Amount.String())
}

func TestResolve_DefaultSymbolFallback(t *testing.T) {
	reader := &mockReader{symbolErr: errors.New("execution reverted"), decErr: errors.New("execution reverted")}
	r := newTestResolver(t, map[int64]TokenReader{11155111: reader})

	res, err := r.Resolve(context.Background(), Request{
		SourceChainID: 11155111,
		SourceToken:   common.HexToAddress("0xdead000000000000000000000000000000000001"),
		Amount:        big.NewInt(1_000_000),
	})
	require.NoError(t, err)
	assert.Equal(t, "USDC", res.SourceSymbol)
	assert.Equal(t, uint8(6), res.SourceDecimals, "decimals fall back to the table entry of the symbol")
}

func TestResolve_TransientReadIsNotUnresolved(t *testing.T) {
	reader := &mockReader{symbolErr: retry.Transient(errors.New("timeout"))}
	r := newTestResolver(t, map[int64]TokenReader{11155111: reader})

	_, err := r.Resolve(context.Background(), Request{
		SourceChainID: 11155111,
		SourceToken:   common.HexToAddress("0xdead000000000000000000000000000000000001"),
		Amount:        big.NewInt(1),
	})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrUnresolved))
	assert.True(t, retry.IsTransient(err))
}

func TestResolve_SyntheticBurnUnlocks(t *testing.T) {
	r := newTestResolver(t, nil)

	res, err := r.Resolve(context.Background(), Request{
		SourceChainID: 8822,
		SourceToken:   common.HexToAddress("0x7000000000000000000000000000000000000007"),
		Amount:        eth(10),
	})
	require.NoError(t, err)
	assert.Equal(t, ClassSynthetic, res.Class)
	assert.Equal(t, "USDC", res.DestinationSymbol)
	assert.Equal(t, db.ActionUnlock, res.Action)
	assert.Equal(t, common.HexToAddress("0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238"), res.DestinationToken)
	assert.Equal(t, uint8(6), res.DestinationDecimals)
	assert.Equal(t, "1000000", res.Amount.String(), "18 to 6 decimals")
}

func TestResolve_BurnHintAndTargetFallback(t *testing.T) {
	r := newTestResolver(t, nil)

	// maoMAO burned on sepolia unlocks native MAO through the targets fallback
	res, err := r.Resolve(context.Background(), Request{
		SourceChainID: 11155111,
		SourceToken:   common.HexToAddress("0x4000000000000000000000000000000000000004"),
		Amount:        eth(1),
	})
	require.NoError(t, err)
	assert.Equal(t, "maoMAO", res.SourceSymbol)
	assert.Equal(t, "MAO", res.DestinationSymbol)
	assert.Equal(t, db.ActionUnlock, res.Action)
	assert.Equal(t, common.HexToAddress("0xA00000000000000000000000000000000000000A"), res.Contract, "targets fallback")
	assert.Equal(t, common.Address{}, res.DestinationToken, "native unlock has no token")

	hinted, err := r.Resolve(context.Background(), Request{
		SourceChainID: 8822,
		SourceToken:   common.HexToAddress("0xdead000000000000000000000000000000000002"),
		TokenHint:     "maoETH",
		Amount:        eth(1),
	})
	require.NoError(t, err)
	assert.Equal(t, "ETH", hinted.DestinationSymbol)
	assert.Equal(t, db.ActionUnlock, hinted.Action)
}

func TestResolve_Unresolved(t *testing.T) {
	r := newTestResolver(t, nil)
	ctx := context.Background()

	tests := map[string]Request{
		"unknown source chain": {SourceChainID: 1, Amount: big.NewInt(1)},
		"destination equals source": {
			SourceChainID: 11155111, DestinationChainID: 11155111, Amount: big.NewInt(1),
		},
		"unknown destination chain": {
			SourceChainID: 11155111, DestinationChainID: 42, Amount: big.NewInt(1),
		},
		"no contract and no target": {
			SourceChainID: 8822, TokenHint: "DAI", Amount: big.NewInt(1),
		},
	}
	for name, req := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := r.Resolve(ctx, req)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrUnresolved)
			assert.True(t, retry.IsPermanent(err))
		})
	}
}

func TestScaleAmount(t *testing.T) {
	tests := []struct {
		amount   string
		from, to uint8
		want     string
	}{
		{"1000000", 6, 18, "1000000000000000000"},
		{"1000000000000000000", 18, 6, "1000000"},
		{"1999999999999", 18, 6, "1"},
		{"42", 18, 18, "42"},
		{"0", 6, 18, "0"},
	}
	for _, tt := range tests {
		amount, ok := new(big.Int).SetString(tt.amount, 10)
		require.True(t, ok)
		assert.Equal(t, tt.want, ScaleAmount(amount, tt.from, tt.to).String(), "%+v", tt)
	}
	assert.Equal(t, "0", ScaleAmount(nil, 6, 18).String())
}

func TestClassifyAndDestinationSymbol(t *testing.T) {
	n := &config.Network{NativeSymbol: "ETH", WrappedNative: []string{"WETH"}}

	assert.Equal(t, ClassNative, Classify(n, "ETH"))
	assert.Equal(t, ClassNative, Classify(n, "weth"))
	assert.Equal(t, ClassSynthetic, Classify(n, "maoUSDC"))
	assert.Equal(t, ClassPlain, Classify(n, "USDC"))

	assert.Equal(t, "maoETH", DestinationSymbol(n, "WETH"))
	assert.Equal(t, "USDC", DestinationSymbol(n, "maoUSDC"))
	assert.Equal(t, "maoDAI", DestinationSymbol(n, "DAI"))

	assert.Equal(t, db.ActionMint, ActionFor("maoUSDC"))
	assert.Equal(t, db.ActionUnlock, ActionFor("USDC"))
}
