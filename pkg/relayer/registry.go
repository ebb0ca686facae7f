package relayer

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/chainsafe/bridge-relayer/pkg/config"
	"github.com/chainsafe/bridge-relayer/pkg/db"
	"github.com/chainsafe/bridge-relayer/pkg/ethereum"
)

// Chain is the capability set the relayer needs from one EVM network,
// both as a source of lock/burn events and as a mint/unlock destination.
type Chain interface {
	Name() string
	ChainID() int64
	Config() config.ChainConfig

	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	Confirmed(ctx context.Context, receipt *types.Receipt) (bool, error)

	BurnToken(ctx context.Context, contract common.Address) (common.Address, error)
	TokenName(ctx context.Context, token common.Address) (string, error)

	IsProcessed(ctx context.Context, contract common.Address, action db.Action, id common.Hash) (bool, error)
	FindExecution(ctx context.Context, contract common.Address, action db.Action, id common.Hash) (common.Hash, bool, error)
	DryRun(ctx context.Context, call ethereum.ContractCall) error
	Submit(ctx context.Context, call ethereum.ContractCall, onSigned func(common.Hash) error) (common.Hash, error)
	AwaitConfirmation(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

var _ Chain = (*ethereum.Client)(nil)

// Registry holds the named chain clients injected into the relayer components.
type Registry struct {
	mu     sync.RWMutex
	byID   map[int64]Chain
	byName map[string]Chain
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[int64]Chain),
		byName: make(map[string]Chain),
	}
}

// Register adds a chain. Names and chain ids must be unique.
func (r *Registry) Register(c Chain) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[c.ChainID()]; ok {
		return fmt.Errorf("chain id %d already registered", c.ChainID())
	}
	if _, ok := r.byName[c.Name()]; ok {
		return fmt.Errorf("chain %q already registered", c.Name())
	}
	r.byID[c.ChainID()] = c
	r.byName[c.Name()] = c
	return nil
}

func (r *Registry) ByChainID(id int64) (Chain, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	return c, ok
}

func (r *Registry) ByName(name string) (Chain, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byName[name]
	return c, ok
}

// All returns the registered chains ordered by chain id.
func (r *Registry) All() []Chain {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Chain, 0, len(r.byID))
	for _, c := range r.byID {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChainID() < out[j].ChainID() })
	return out
}

// Close closes every chain that holds a connection.
func (r *Registry) Close() {
	for _, c := range r.All() {
		if closer, ok := c.(interface{ Close() }); ok {
			closer.Close()
		}
	}
}
