package relayer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainsafe/bridge-relayer/pkg/config"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	sepolia := newSepolia()
	maochain := &MockChain{Cfg: config.ChainConfig{Name: "maochain", ChainID: maochainID}}

	require.NoError(t, r.Register(sepolia))
	require.NoError(t, r.Register(maochain))

	got, ok := r.ByChainID(sepoliaID)
	require.True(t, ok)
	assert.Same(t, sepolia, got)

	got, ok = r.ByName("maochain")
	require.True(t, ok)
	assert.Same(t, maochain, got)

	_, ok = r.ByChainID(1)
	assert.False(t, ok)

	all := r.All()
	require.Len(t, all, 2)
	assert.Equal(t, maochainID, all[0].ChainID())
	assert.Equal(t, sepoliaID, all[1].ChainID())
}

func TestRegistry_RejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(newSepolia()))

	err := r.Register(&MockChain{Cfg: config.ChainConfig{Name: "other", ChainID: sepoliaID}})
	assert.Error(t, err)

	err = r.Register(&MockChain{Cfg: config.ChainConfig{Name: "sepolia", ChainID: 5}})
	assert.Error(t, err)
	assert.Len(t, r.All(), 1)
}
