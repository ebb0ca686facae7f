package ethereum

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"github.com/chainsafe/bridge-relayer/pkg/db"
	"github.com/chainsafe/bridge-relayer/pkg/ethereum/contracts"
	"github.com/chainsafe/bridge-relayer/pkg/retry"
)

func (c *Client) call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	var out []byte
	err := retry.Do(ctx, c.rpcRetry, func(ctx context.Context) error {
		var err error
		out, err = c.rpc.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
		return err
	})
	return out, err
}

func (c *Client) callERC20(ctx context.Context, token common.Address, method string) (any, error) {
	data, err := contracts.PackERC20(method)
	if err != nil {
		return nil, err
	}
	raw, err := c.call(ctx, token, data)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s on %s: %w", method, token.Hex(), err)
	}
	out, err := contracts.UnpackERC20(method, raw)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty %s result from %s", method, token.Hex())
	}
	return out[0], nil
}

// TokenSymbol reads symbol() of an ERC20 token.
func (c *Client) TokenSymbol(ctx context.Context, token common.Address) (string, error) {
	v, err := c.callERC20(ctx, token, "symbol")
	if err != nil {
		return "", err
	}
	s, _ := v.(string)
	return s, nil
}

// TokenName reads name() of an ERC20 token.
func (c *Client) TokenName(ctx context.Context, token common.Address) (string, error) {
	v, err := c.callERC20(ctx, token, "name")
	if err != nil {
		return "", err
	}
	s, _ := v.(string)
	return s, nil
}

// TokenDecimals reads decimals() of an ERC20 token.
func (c *Client) TokenDecimals(ctx context.Context, token common.Address) (uint8, error) {
	v, err := c.callERC20(ctx, token, "decimals")
	if err != nil {
		return 0, err
	}
	d, ok := v.(uint8)
	if !ok {
		return 0, fmt.Errorf("unexpected decimals type %T from %s", v, token.Hex())
	}
	return d, nil
}

// BurnToken reads token() of a burn contract.
func (c *Client) BurnToken(ctx context.Context, contract common.Address) (common.Address, error) {
	out, err := c.callBridge(ctx, contract, "token")
	if err != nil {
		return common.Address{}, err
	}
	addr, _ := out.(common.Address)
	return addr, nil
}

func (c *Client) callBridge(ctx context.Context, contract common.Address, method string, args ...any) (any, error) {
	data, err := contracts.PackBridge(method, args...)
	if err != nil {
		return nil, err
	}
	raw, err := c.call(ctx, contract, data)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s on %s: %w", method, contract.Hex(), err)
	}
	out, err := contracts.UnpackBridge(method, raw)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty %s result from %s", method, contract.Hex())
	}
	return out[0], nil
}

func processedMethod(action db.Action) string {
	if action == db.ActionUnlock {
		return "processedUnlockTxs"
	}
	return "processedMintTxs"
}

// IsProcessed asks the destination contract whether id was already minted
// or unlocked.
func (c *Client) IsProcessed(ctx context.Context, contract common.Address, action db.Action, id common.Hash) (bool, error) {
	out, err := c.callBridge(ctx, contract, processedMethod(action), [32]byte(id))
	if err != nil {
		return false, err
	}
	done, _ := out.(bool)
	return done, nil
}

// FindExecution looks back execution_lookback blocks for the Minted or
// Unlocked log of id and returns the transaction that emitted it.
func (c *Client) FindExecution(ctx context.Context, contract common.Address, action db.Action, id common.Hash) (common.Hash, bool, error) {
	event := contracts.EventMinted
	if action == db.ActionUnlock {
		event = contracts.EventUnlocked
	}
	topic, err := contracts.EventID(event)
	if err != nil {
		return common.Hash{}, false, err
	}

	head, err := c.LatestBlockNumber(ctx)
	if err != nil {
		return common.Hash{}, false, err
	}
	lookback := c.config.ExecutionLookback
	if lookback == 0 {
		lookback = 50_000
	}
	from := uint64(0)
	if head > lookback {
		from = head - lookback
	}

	logs, err := c.PollRange(ctx, ethereum.FilterQuery{
		Addresses: []common.Address{contract},
		Topics:    [][]common.Hash{{topic}, {id}},
	}, from, head)
	if err != nil {
		return common.Hash{}, false, err
	}
	if len(logs) == 0 {
		return common.Hash{}, false, nil
	}
	return logs[len(logs)-1].TxHash, true, nil
}
