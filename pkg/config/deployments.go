package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Deployments is the static deployment map: per network, the tokens it knows
// and the bridge contracts that mint or unlock them.
type Deployments struct {
	Networks []Network `yaml:"networks" validate:"required,min=1,dive"`
}

// Network is the deployment description of one chain.
type Network struct {
	Name               string              `yaml:"name" validate:"required"`
	ChainID            int64               `yaml:"chain_id" validate:"required,gt=0"`
	NativeSymbol       string              `yaml:"native_symbol" default:"ETH" validate:"required"`
	NativeDecimals     uint8               `yaml:"native_decimals" default:"18"`
	WrappedNative      []string            `yaml:"wrapped_native"`
	DefaultDestination int64               `yaml:"default_destination"`
	Tokens             map[string]Token    `yaml:"tokens" validate:"dive"`
	Contracts          map[string]Contract `yaml:"contracts" validate:"dive"`
	// Targets maps a source chain id to a fallback contract on this network.
	Targets       map[string]string `yaml:"targets" validate:"dive,eth_addr"`
	DefaultTarget string            `yaml:"default_target" validate:"omitempty,eth_addr"`
}

// Token is an ERC20 known to a network.
type Token struct {
	Address  string `yaml:"address" validate:"required,eth_addr"`
	Decimals uint8  `yaml:"decimals" default:"18" validate:"lte=36"`
	Name     string `yaml:"name"`
}

// Contract is a destination bridge contract for one token symbol.
type Contract struct {
	Address string `yaml:"address" validate:"required,eth_addr"`
	// Action is "mint" or "unlock". Empty derives it from the symbol.
	Action string `yaml:"action" validate:"omitempty,oneof=mint unlock"`
	// HashLayout lists the fields of the signed message in order.
	HashLayout []string `yaml:"hash_layout" validate:"dive,oneof=transactionId token recipient amount contract"`
}

// LoadDeployments reads and validates the deployment map.
func LoadDeployments(path string) (*Deployments, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read deployments file: %w", err)
	}
	return ParseDeployments(data)
}

// ParseDeployments decodes a deployment map from YAML.
func ParseDeployments(data []byte) (*Deployments, error) {
	var d Deployments
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to decode deployments: %w", err)
	}

	for i := range d.Networks {
		if err := defaults.Set(&d.Networks[i]); err != nil {
			return nil, fmt.Errorf("failed to apply defaults for network %q: %w", d.Networks[i].Name, err)
		}
		// map values are not addressable, so defaults go through a copy
		for symbol, token := range d.Networks[i].Tokens {
			if err := defaults.Set(&token); err != nil {
				return nil, fmt.Errorf("failed to apply defaults for token %s: %w", symbol, err)
			}
			d.Networks[i].Tokens[symbol] = token
		}
	}

	if err := validator.New().Struct(&d); err != nil {
		return nil, fmt.Errorf("invalid deployments: %w", err)
	}

	seen := make(map[int64]bool, len(d.Networks))
	for _, n := range d.Networks {
		if seen[n.ChainID] {
			return nil, fmt.Errorf("invalid deployments: duplicate chain id %d", n.ChainID)
		}
		seen[n.ChainID] = true
		for key := range n.Targets {
			if _, err := strconv.ParseInt(strings.TrimPrefix(key, "target_"), 10, 64); err != nil {
				return nil, fmt.Errorf("invalid deployments: network %s target key %q is not a chain id", n.Name, key)
			}
		}
	}
	return &d, nil
}

// Network returns the network with the given chain id.
func (d *Deployments) Network(chainID int64) (*Network, bool) {
	for i := range d.Networks {
		if d.Networks[i].ChainID == chainID {
			return &d.Networks[i], true
		}
	}
	return nil, false
}

// Target returns the fallback contract for transfers coming from sourceChainID.
// Keys may be written as "<id>" or "target_<id>".
func (n *Network) Target(sourceChainID int64) (string, bool) {
	id := strconv.FormatInt(sourceChainID, 10)
	if addr, ok := n.Targets[id]; ok {
		return addr, true
	}
	addr, ok := n.Targets["target_"+id]
	return addr, ok
}

// IsWrappedNative reports whether symbol is the network's wrapped native coin.
func (n *Network) IsWrappedNative(symbol string) bool {
	for _, s := range n.WrappedNative {
		if strings.EqualFold(s, symbol) {
			return true
		}
	}
	return false
}

// TokenByAddress looks up a token symbol by address, case-insensitively.
func (n *Network) TokenByAddress(address string) (string, Token, bool) {
	for symbol, token := range n.Tokens {
		if strings.EqualFold(token.Address, address) {
			return symbol, token, true
		}
	}
	return "", Token{}, false
}
