//go:build integration
// +build integration

package relayer

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/chainsafe/bridge-relayer/pkg/config"
	"github.com/chainsafe/bridge-relayer/pkg/db"
	"github.com/chainsafe/bridge-relayer/pkg/ethereum"
	"github.com/chainsafe/bridge-relayer/pkg/keys"
	"github.com/chainsafe/bridge-relayer/pkg/retry"
)

// Integration test configuration
// These values match a default anvil node
var anvilChain = config.ChainConfig{
	Name:                "anvil",
	ChainID:             31337,
	RPCURL:              "http://localhost:8545",
	Confirmations:       1,
	GasLimit:            300000,
	ConfirmationTimeout: 30 * time.Second,
}

const anvilKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func newAnvilClient(t *testing.T) *ethereum.Client {
	t.Helper()
	if os.Getenv("INTEGRATION_TEST") != "true" {
		t.Skip("Skipping integration test (set INTEGRATION_TEST=true to run)")
	}

	logger, _ := zap.NewDevelopment()
	key, err := keys.LoadRelayerKey(anvilKey, "", "")
	if err != nil {
		t.Fatalf("Failed to load relayer key: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := ethereum.NewClient(ctx, anvilChain, ethereum.Options{
		PrivateKey: key,
		Nonces:     db.NewMemoryStore(),
		RPCRetry:   retry.Fixed(3, time.Second),
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("Failed to create Ethereum client: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

// TestIntegration_EthereumConnectivity tests that we can connect to anvil
func TestIntegration_EthereumConnectivity(t *testing.T) {
	client := newAnvilClient(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	blockNum, err := client.LatestBlockNumber(ctx)
	if err != nil {
		t.Fatalf("Failed to get latest block number: %v", err)
	}
	t.Logf("Ethereum connectivity OK - Block number: %d", blockNum)

	registry := NewRegistry()
	if err := registry.Register(client); err != nil {
		t.Fatalf("Failed to register client: %v", err)
	}
	if _, ok := registry.ByChainID(31337); !ok {
		t.Fatal("anvil client not registered")
	}
}

// TestIntegration_SubmitAndConfirm sends a plain call through the relayer
// transaction path and waits for its receipt.
func TestIntegration_SubmitAndConfirm(t *testing.T) {
	client := newAnvilClient(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	call := ethereum.ContractCall{To: common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")}
	if err := client.DryRun(ctx, call); err != nil {
		t.Fatalf("Dry run failed: %v", err)
	}

	var signed common.Hash
	txHash, err := client.Submit(ctx, call, func(hash common.Hash) error {
		signed = hash
		return nil
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if signed != txHash {
		t.Errorf("signed hash %s differs from sent hash %s", signed.Hex(), txHash.Hex())
	}

	receipt, err := client.AwaitConfirmation(ctx, txHash)
	if err != nil {
		t.Fatalf("Confirmation failed: %v", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		t.Errorf("transaction %s reverted", txHash.Hex())
	}
	t.Logf("Transaction confirmed in block %d", receipt.BlockNumber.Uint64())
}
