package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/chainsafe/bridge-relayer/pkg/retry"
)

// ErrReadOnly is returned when a client without a key is asked to transact.
var ErrReadOnly = errors.New("client has no signing key")

// ContractCall is a destination contract invocation.
type ContractCall struct {
	To       common.Address
	Data     []byte
	GasLimit uint64
}

// DryRun simulates call from the relayer address. Reverts come back marked
// reverted, or authorization when the revert names the signature or caller.
func (c *Client) DryRun(ctx context.Context, call ContractCall) error {
	msg := ethereum.CallMsg{From: c.address, To: &call.To, Data: call.Data}
	err := retry.Do(ctx, c.rpcRetry, func(ctx context.Context) error {
		_, err := c.rpc.CallContract(ctx, msg, nil)
		return err
	})
	if err == nil {
		return nil
	}
	return classifyCallError(fmt.Errorf("dry run failed: %w", err))
}

func classifyCallError(err error) error {
	switch kind := retry.KindOf(err); kind {
	case retry.KindTransient, retry.KindInsufficientFunds:
		return retry.Mark(kind, err)
	}
	msg := strings.ToLower(err.Error())
	for _, token := range authorizationTokens {
		if strings.Contains(msg, token) {
			return retry.Mark(retry.KindAuthorization, err)
		}
	}
	return retry.Mark(retry.KindReverted, err)
}

var authorizationTokens = []string{
	"signature",
	"signer",
	"unauthorized",
	"not authorized",
	"not relayer",
	"caller is not",
	"accesscontrol",
}

// Submit signs and broadcasts call. onSigned receives the transaction hash
// before broadcast; if it fails the transaction is never sent and its nonce
// is not consumed.
func (c *Client) Submit(ctx context.Context, call ContractCall, onSigned func(common.Hash) error) (common.Hash, error) {
	if c.privateKey == nil {
		return common.Hash{}, ErrReadOnly
	}

	gasPrice, err := c.gasPrice(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	gasLimit, err := c.gasLimit(ctx, call)
	if err != nil {
		return common.Hash{}, err
	}

	var hash common.Hash
	signer := types.LatestSignerForChainID(big.NewInt(c.config.ChainID))
	err = c.nonces.Do(ctx, func(ctx context.Context) (uint64, error) {
		return c.rpc.PendingNonceAt(ctx, c.address)
	}, func(nonce uint64) error {
		tx, err := types.SignTx(types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			To:       &call.To,
			Gas:      gasLimit,
			GasPrice: gasPrice,
			Data:     call.Data,
		}), signer, c.privateKey)
		if err != nil {
			return fmt.Errorf("failed to sign transaction: %w", err)
		}
		hash = tx.Hash()

		if onSigned != nil {
			if err := onSigned(hash); err != nil {
				return fmt.Errorf("failed to record signed transaction: %w", err)
			}
		}

		if err := c.rpc.SendTransaction(ctx, tx); err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "already known") {
				return nil
			}
			return fmt.Errorf("failed to send transaction: %w", err)
		}

		c.logger.Info("Transaction submitted",
			zap.String("tx_hash", hash.Hex()),
			zap.String("to", call.To.Hex()),
			zap.Uint64("nonce", nonce),
			zap.String("gas_price", gasPrice.String()))
		return nil
	})
	if err != nil {
		return common.Hash{}, err
	}
	return hash, nil
}

func (c *Client) gasPrice(ctx context.Context) (*big.Int, error) {
	var gasPrice *big.Int
	err := retry.Do(ctx, c.rpcRetry, func(ctx context.Context) error {
		var err error
		gasPrice, err = c.rpc.SuggestGasPrice(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to suggest gas price: %w", err)
	}
	if c.maxGasPrice != nil && gasPrice.Cmp(c.maxGasPrice) > 0 {
		c.logger.Warn("Suggested gas price exceeds maximum",
			zap.String("suggested", gasPrice.String()),
			zap.String("max", c.maxGasPrice.String()))
		gasPrice = new(big.Int).Set(c.maxGasPrice)
	}
	return gasPrice, nil
}

func (c *Client) gasLimit(ctx context.Context, call ContractCall) (uint64, error) {
	if call.GasLimit > 0 {
		return call.GasLimit, nil
	}
	if c.config.GasLimit > 0 {
		return c.config.GasLimit, nil
	}
	gas, err := c.rpc.EstimateGas(ctx, ethereum.CallMsg{From: c.address, To: &call.To, Data: call.Data})
	if err != nil {
		return 0, classifyCallError(fmt.Errorf("failed to estimate gas: %w", err))
	}
	return gas + gas/5, nil
}

// AwaitConfirmation polls the receipt of hash until it is confirmed. A
// reverted transaction is marked reverted; running out of
// confirmation_timeout is marked confirmation_timeout.
func (c *Client) AwaitConfirmation(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	timeout := c.config.ConfirmationTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	interval := c.config.PollingInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		receipt, err := c.TransactionReceipt(ctx, hash)
		switch {
		case err != nil && ctx.Err() == nil:
			c.logger.Warn("Failed to get receipt", zap.String("tx_hash", hash.Hex()), zap.Error(err))
		case receipt != nil && receipt.Status != types.ReceiptStatusSuccessful:
			return receipt, retry.Mark(retry.KindReverted, fmt.Errorf("transaction %s reverted", hash.Hex()))
		case receipt != nil:
			ok, err := c.Confirmed(ctx, receipt)
			if err == nil && ok {
				return receipt, nil
			}
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, retry.Mark(retry.KindConfirmationTimeout,
					fmt.Errorf("transaction %s not confirmed within %s", hash.Hex(), timeout))
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
