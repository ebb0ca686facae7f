package ethereum

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/chainsafe/bridge-relayer/pkg/db"
)

// NonceManager serializes transactions of one key on one chain. The next
// nonce is max(pending nonce reported by the node, last used + 1). The last
// used nonce is written to the store for auditing only; after a restart the
// node's pending nonce is authoritative.
type NonceManager struct {
	mu      sync.Mutex
	chainID int64
	address common.Address
	store   db.NonceStore
	logger  *zap.Logger

	hasLast bool
	last    uint64
}

// NewNonceManager creates a manager; store may be nil.
func NewNonceManager(chainID int64, address common.Address, store db.NonceStore, logger *zap.Logger) *NonceManager {
	return &NonceManager{chainID: chainID, address: address, store: store, logger: logger}
}

// Do holds the key's lock, picks the next nonce and runs fn with it. The
// nonce counts as used only when fn returns nil. A nonce error from fn drops
// the local view so the next call resyncs from the node.
func (m *NonceManager) Do(ctx context.Context, pending func(ctx context.Context) (uint64, error), fn func(nonce uint64) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	nonce, err := pending(ctx)
	if err != nil {
		return fmt.Errorf("failed to get pending nonce: %w", err)
	}
	if m.hasLast && m.last+1 > nonce {
		nonce = m.last + 1
	}

	if err := fn(nonce); err != nil {
		if isNonceError(err) {
			m.logger.Warn("Nonce rejected, resyncing from node",
				zap.Uint64("nonce", nonce), zap.Error(err))
			m.hasLast = false
		}
		return err
	}

	m.hasLast, m.last = true, nonce
	if m.store != nil {
		if err := m.store.SetNonce(ctx, m.chainID, m.address.Hex(), nonce); err != nil {
			m.logger.Warn("Failed to persist nonce", zap.Uint64("nonce", nonce), zap.Error(err))
		}
	}
	return nil
}

func isNonceError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nonce too low") ||
		strings.Contains(msg, "nonce too high") ||
		strings.Contains(msg, "replacement transaction underpriced")
}
