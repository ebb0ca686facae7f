// Package resolver maps a source lock or burn onto its destination: token
// class, destination contract, action and decimal-adjusted amounts.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/chainsafe/bridge-relayer/pkg/config"
	"github.com/chainsafe/bridge-relayer/pkg/db"
	"github.com/chainsafe/bridge-relayer/pkg/retry"
)

// SyntheticPrefix marks bridged (wrapped) token symbols.
const SyntheticPrefix = "mao"

const defaultDecimals = 18

// ErrUnresolved means no destination could be determined for a transfer.
// It is permanent until the deployment map changes.
var ErrUnresolved = errors.New("unresolved destination")

// Class is the token class of a source asset.
type Class string

const (
	ClassNative    Class = "native"
	ClassSynthetic Class = "synthetic"
	ClassPlain     Class = "plain"
)

// TokenReader reads ERC20 metadata on one chain.
type TokenReader interface {
	TokenSymbol(ctx context.Context, token common.Address) (string, error)
	TokenDecimals(ctx context.Context, token common.Address) (uint8, error)
}

// Request describes the source side of a transfer.
type Request struct {
	SourceChainID int64
	// DestinationChainID falls back to the source network's default_destination when zero.
	DestinationChainID int64
	// SourceToken is the zero address for the native coin.
	SourceToken common.Address
	// TokenHint is a symbol or token name already known for the transfer,
	// e.g. from the stored record of a burn.
	TokenHint string
	Amount    *big.Int
	Fee       *big.Int
}

// Resolution is where and how a transfer lands.
type Resolution struct {
	SourceSymbol        string
	SourceDecimals      uint8
	Class               Class
	DestinationChainID  int64
	DestinationNetwork  string
	DestinationSymbol   string
	DestinationToken    common.Address
	DestinationDecimals uint8
	Contract            common.Address
	Action              db.Action
	HashLayout          []string
	Amount              *big.Int
	Fee                 *big.Int
}

// Resolver resolves transfers against the deployment map, reading token
// metadata on chain when the map does not know a token.
type Resolver struct {
	deployments   *config.Deployments
	defaultSymbol string
	readers       map[int64]TokenReader
	logger        *zap.Logger
}

// New creates a resolver. readers is keyed by chain id; a chain without a
// reader skips on-chain lookups.
func New(deployments *config.Deployments, defaultSymbol string, readers map[int64]TokenReader, logger *zap.Logger) *Resolver {
	if readers == nil {
		readers = make(map[int64]TokenReader)
	}
	return &Resolver{
		deployments:   deployments,
		defaultSymbol: defaultSymbol,
		readers:       readers,
		logger:        logger.With(zap.String("component", "resolver")),
	}
}

func unresolved(format string, args ...any) error {
	return retry.Mark(retry.KindUnresolved, fmt.Errorf("%w: %s", ErrUnresolved, fmt.Sprintf(format, args...)))
}

// Resolve determines the destination of req.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*Resolution, error) {
	src, ok := r.deployments.Network(req.SourceChainID)
	if !ok {
		return nil, unresolved("source chain %d is not in the deployment map", req.SourceChainID)
	}

	dstID := req.DestinationChainID
	if dstID == 0 {
		dstID = src.DefaultDestination
	}
	if dstID == 0 {
		return nil, unresolved("no destination chain for transfers from %s", src.Name)
	}
	if dstID == src.ChainID {
		return nil, unresolved("destination chain %d equals source chain", dstID)
	}
	dst, ok := r.deployments.Network(dstID)
	if !ok {
		return nil, unresolved("destination chain %d is not in the deployment map", dstID)
	}

	symbol, err := r.sourceSymbol(ctx, src, req)
	if err != nil {
		return nil, err
	}
	srcDecimals, err := r.decimals(ctx, src, symbol, req.SourceToken)
	if err != nil {
		return nil, err
	}

	class := Classify(src, symbol)
	dstSymbol := DestinationSymbol(src, symbol)

	res := &Resolution{
		SourceSymbol:       symbol,
		SourceDecimals:     srcDecimals,
		Class:              class,
		DestinationChainID: dst.ChainID,
		DestinationNetwork: dst.Name,
		DestinationSymbol:  dstSymbol,
		Action:             ActionFor(dstSymbol),
	}

	if contract, ok := lookupContract(dst, dstSymbol); ok {
		res.Contract = common.HexToAddress(contract.Address)
		res.HashLayout = contract.HashLayout
		if contract.Action != "" {
			res.Action = db.Action(contract.Action)
		}
	} else if target, ok := dst.Target(src.ChainID); ok {
		res.Contract = common.HexToAddress(target)
	} else if dst.DefaultTarget != "" {
		res.Contract = common.HexToAddress(dst.DefaultTarget)
	} else {
		return nil, unresolved("no %s contract on %s", dstSymbol, dst.Name)
	}

	isNativeDst := strings.EqualFold(dstSymbol, dst.NativeSymbol)
	if token, ok := lookupToken(dst, dstSymbol); ok {
		res.DestinationToken = common.HexToAddress(token.Address)
	} else if res.Action == db.ActionUnlock && !isNativeDst {
		return nil, unresolved("no %s token on %s to unlock", dstSymbol, dst.Name)
	}

	res.DestinationDecimals, err = r.decimals(ctx, dst, dstSymbol, res.DestinationToken)
	if err != nil {
		return nil, err
	}
	res.Amount = ScaleAmount(req.Amount, srcDecimals, res.DestinationDecimals)
	res.Fee = ScaleAmount(req.Fee, srcDecimals, res.DestinationDecimals)

	r.logger.Debug("Resolved transfer",
		zap.Int64("source_chain_id", src.ChainID),
		zap.String("source_symbol", symbol),
		zap.String("class", string(class)),
		zap.String("destination", dst.Name),
		zap.String("destination_symbol", dstSymbol),
		zap.String("contract", res.Contract.Hex()),
		zap.String("action", string(res.Action)))
	return res, nil
}

// sourceSymbol falls back in order: native coin, deployment table, hint,
// on-chain symbol(), configured default.
func (r *Resolver) sourceSymbol(ctx context.Context, src *config.Network, req Request) (string, error) {
	if req.SourceToken == (common.Address{}) {
		if req.TokenHint != "" {
			return req.TokenHint, nil
		}
		return src.NativeSymbol, nil
	}
	if symbol, _, ok := src.TokenByAddress(req.SourceToken.Hex()); ok {
		return symbol, nil
	}
	if req.TokenHint != "" {
		return req.TokenHint, nil
	}
	if reader, ok := r.readers[src.ChainID]; ok {
		symbol, err := reader.TokenSymbol(ctx, req.SourceToken)
		switch {
		case err == nil && symbol != "":
			return symbol, nil
		case err != nil && retry.IsTransient(err):
			return "", fmt.Errorf("failed to read symbol of %s: %w", req.SourceToken.Hex(), err)
		case err != nil:
			r.logger.Warn("symbol() read failed, using default symbol",
				zap.String("token", req.SourceToken.Hex()), zap.Error(err))
		}
	}
	if r.defaultSymbol == "" {
		return "", unresolved("unknown token %s on %s", req.SourceToken.Hex(), src.Name)
	}
	return r.defaultSymbol, nil
}

// decimals falls back in order: native coin, deployment table by address,
// on-chain decimals(), deployment table by symbol, 18.
func (r *Resolver) decimals(ctx context.Context, n *config.Network, symbol string, token common.Address) (uint8, error) {
	if token == (common.Address{}) && (strings.EqualFold(symbol, n.NativeSymbol) || n.IsWrappedNative(symbol)) {
		return n.NativeDecimals, nil
	}
	if token != (common.Address{}) {
		if _, t, ok := n.TokenByAddress(token.Hex()); ok {
			return t.Decimals, nil
		}
		if reader, ok := r.readers[n.ChainID]; ok {
			d, err := reader.TokenDecimals(ctx, token)
			if err == nil {
				return d, nil
			}
			if retry.IsTransient(err) {
				return 0, fmt.Errorf("failed to read decimals of %s: %w", token.Hex(), err)
			}
			r.logger.Warn("decimals() read failed",
				zap.String("token", token.Hex()), zap.Error(err))
		}
	}
	if t, ok := lookupToken(n, symbol); ok {
		return t.Decimals, nil
	}
	return defaultDecimals, nil
}

// Classify returns the token class of symbol on network n.
func Classify(n *config.Network, symbol string) Class {
	switch {
	case strings.HasPrefix(symbol, SyntheticPrefix):
		return ClassSynthetic
	case strings.EqualFold(symbol, n.NativeSymbol) || n.IsWrappedNative(symbol):
		return ClassNative
	default:
		return ClassPlain
	}
}

// DestinationSymbol maps a source symbol to the symbol it becomes on the
// other side: synthetic tokens lose the prefix, everything else gains it.
// Wrapped native coins map as the native coin.
func DestinationSymbol(src *config.Network, symbol string) string {
	switch Classify(src, symbol) {
	case ClassSynthetic:
		return strings.TrimPrefix(symbol, SyntheticPrefix)
	case ClassNative:
		return SyntheticPrefix + src.NativeSymbol
	default:
		return SyntheticPrefix + symbol
	}
}

// ActionFor returns mint for synthetic destination symbols and unlock for
// everything else.
func ActionFor(destinationSymbol string) db.Action {
	if strings.HasPrefix(destinationSymbol, SyntheticPrefix) {
		return db.ActionMint
	}
	return db.ActionUnlock
}

// ScaleAmount converts amount from one decimal precision to another.
// Downscaling truncates.
func ScaleAmount(amount *big.Int, from, to uint8) *big.Int {
	if amount == nil {
		return new(big.Int)
	}
	if from == to {
		return new(big.Int).Set(amount)
	}
	return decimal.NewFromBigInt(amount, 0).Shift(int32(to) - int32(from)).BigInt()
}

func lookupContract(n *config.Network, symbol string) (config.Contract, bool) {
	if c, ok := n.Contracts[symbol]; ok {
		return c, true
	}
	for s, c := range n.Contracts {
		if strings.EqualFold(s, symbol) {
			return c, true
		}
	}
	return config.Contract{}, false
}

func lookupToken(n *config.Network, symbol string) (config.Token, bool) {
	if t, ok := n.Tokens[symbol]; ok {
		return t, true
	}
	for s, t := range n.Tokens {
		if strings.EqualFold(s, symbol) {
			return t, true
		}
	}
	return config.Token{}, false
}
