package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/chainsafe/bridge-relayer/pkg/config"
	"github.com/chainsafe/bridge-relayer/pkg/db"
	"github.com/chainsafe/bridge-relayer/pkg/retry"
)

// RPC is the part of ethclient.Client the adapter depends on.
type RPC interface {
	ChainID(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	Close()
}

// Dialer opens an RPC connection to url.
type Dialer func(ctx context.Context, url string) (RPC, error)

// DialEthclient is the production Dialer.
func DialEthclient(ctx context.Context, url string) (RPC, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Options carries the optional dependencies of a Client.
type Options struct {
	// PrivateKey signs destination transactions. Read-only clients leave it nil.
	PrivateKey *ecdsa.PrivateKey
	// Nonces persists the last used nonce; nil keeps it in memory only.
	Nonces    db.NonceStore
	RPCRetry  retry.Policy
	Reconnect retry.Policy
	Dial      Dialer
	Logger    *zap.Logger
}

// Client is the chain adapter for one EVM network.
type Client struct {
	config      config.ChainConfig
	rpc         RPC
	dial        Dialer
	privateKey  *ecdsa.PrivateKey
	address     common.Address
	nonces      *NonceManager
	rpcRetry    retry.Policy
	reconnect   retry.Policy
	maxGasPrice *big.Int
	logger      *zap.Logger

	wsMu sync.Mutex
	ws   RPC
}

// NewClient dials the chain's HTTP endpoint and checks its chain id.
// The WebSocket endpoint is dialed lazily by Subscribe.
func NewClient(ctx context.Context, cfg config.ChainConfig, opts Options) (*Client, error) {
	dial := opts.Dial
	if dial == nil {
		dial = DialEthclient
	}
	rpcClient, err := dial(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s RPC: %w", cfg.Name, err)
	}

	chainID, err := rpcClient.ChainID(ctx)
	if err != nil {
		rpcClient.Close()
		return nil, fmt.Errorf("failed to get %s chain id: %w", cfg.Name, err)
	}
	if chainID.Int64() != cfg.ChainID {
		rpcClient.Close()
		return nil, fmt.Errorf("%s RPC reports chain id %s, configured %d", cfg.Name, chainID, cfg.ChainID)
	}

	c, err := NewClientWithRPC(cfg, rpcClient, opts)
	if err != nil {
		rpcClient.Close()
		return nil, err
	}

	c.logger.Info("Connected to chain",
		zap.String("rpc_url", cfg.RPCURL),
		zap.Bool("websocket", cfg.WSURL != ""),
		zap.String("relayer_address", c.address.Hex()))
	return c, nil
}

// NewClientWithRPC builds a Client over an existing connection.
func NewClientWithRPC(cfg config.ChainConfig, rpcClient RPC, opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("chain", cfg.Name), zap.Int64("chain_id", cfg.ChainID))

	dial := opts.Dial
	if dial == nil {
		dial = DialEthclient
	}

	c := &Client{
		config:     cfg,
		rpc:        rpcClient,
		dial:       dial,
		privateKey: opts.PrivateKey,
		rpcRetry:   opts.RPCRetry,
		reconnect:  opts.Reconnect,
		logger:     logger,
	}

	if cfg.MaxGasPrice != "" {
		maxGasPrice, ok := new(big.Int).SetString(cfg.MaxGasPrice, 10)
		if !ok {
			return nil, fmt.Errorf("invalid max_gas_price %q for %s", cfg.MaxGasPrice, cfg.Name)
		}
		c.maxGasPrice = maxGasPrice
	}

	if opts.PrivateKey != nil {
		c.address = crypto.PubkeyToAddress(opts.PrivateKey.PublicKey)
		c.nonces = NewNonceManager(cfg.ChainID, c.address, opts.Nonces, logger)
	}
	return c, nil
}

// Name returns the configured chain name.
func (c *Client) Name() string { return c.config.Name }

// ChainID returns the configured chain id.
func (c *Client) ChainID() int64 { return c.config.ChainID }

// Address returns the relayer address, zero for read-only clients.
func (c *Client) Address() common.Address { return c.address }

// Config returns the chain configuration.
func (c *Client) Config() config.ChainConfig { return c.config }

// Close closes the RPC connections
func (c *Client) Close() {
	if c.rpc != nil {
		c.rpc.Close()
	}
	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	if c.ws != nil {
		c.ws.Close()
		c.ws = nil
	}
}

// LatestHeader returns the current head.
func (c *Client) LatestHeader(ctx context.Context) (*types.Header, error) {
	var header *types.Header
	err := retry.Do(ctx, c.rpcRetry, func(ctx context.Context) error {
		var err error
		header, err = c.rpc.HeaderByNumber(ctx, nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get latest block: %w", err)
	}
	return header, nil
}

// LatestBlockNumber returns the current head number.
func (c *Client) LatestBlockNumber(ctx context.Context) (uint64, error) {
	header, err := c.LatestHeader(ctx)
	if err != nil {
		return 0, err
	}
	return header.Number.Uint64(), nil
}

// TransactionReceipt returns the receipt of hash, or nil when the
// transaction is unknown or not yet mined.
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := retry.Do(ctx, c.rpcRetry, func(ctx context.Context) error {
		var err error
		receipt, err = c.rpc.TransactionReceipt(ctx, hash)
		if errors.Is(err, ethereum.NotFound) {
			receipt = nil
			return nil
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get receipt for %s: %w", hash.Hex(), err)
	}
	return receipt, nil
}

// Confirmed reports whether receipt is buried under the configured number of
// confirmations, whatever its status.
func (c *Client) Confirmed(ctx context.Context, receipt *types.Receipt) (bool, error) {
	if receipt == nil || receipt.BlockNumber == nil {
		return false, nil
	}
	head, err := c.LatestBlockNumber(ctx)
	if err != nil {
		return false, err
	}
	return confirmedAt(head, receipt.BlockNumber.Uint64(), c.config.Confirmations), nil
}

func confirmedAt(head, block, confirmations uint64) bool {
	if head < block {
		return false
	}
	depth := head - block + 1
	return depth >= max(confirmations, 1)
}

// PollRange returns the logs matching query in [from, to], split into
// max_block_range sized requests and ordered by block and log index.
func (c *Client) PollRange(ctx context.Context, query ethereum.FilterQuery, from, to uint64) ([]types.Log, error) {
	if from > to {
		return nil, nil
	}
	step := c.config.MaxBlockRange
	if step == 0 {
		step = to - from + 1
	}

	var out []types.Log
	for start := from; start <= to; start += step {
		end := min(start+step-1, to)
		q := query
		q.FromBlock = new(big.Int).SetUint64(start)
		q.ToBlock = new(big.Int).SetUint64(end)

		var logs []types.Log
		err := retry.Do(ctx, c.rpcRetry, func(ctx context.Context) error {
			var err error
			logs, err = c.rpc.FilterLogs(ctx, q)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to filter logs %d-%d: %w", start, end, err)
		}
		out = append(out, logs...)
		if end == to {
			break
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber < out[j].BlockNumber
		}
		return out[i].Index < out[j].Index
	})
	return out, nil
}
