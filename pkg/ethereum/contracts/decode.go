package contracts

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ErrUnknownEvent is returned by DecodeLog for logs outside the bridge ABI.
var ErrUnknownEvent = errors.New("unknown bridge event")

// BridgeEvent is a decoded lock or burn log.
type BridgeEvent struct {
	Name               string
	Sender             common.Address
	Recipient          common.Address
	Token              common.Address
	Amount             *big.Int
	Fee                *big.Int
	CrosschainHash     common.Hash
	TransactionID      common.Hash
	DestinationChainID *big.Int
	Raw                types.Log
}

// IsBurn reports whether the event came from a burn contract.
func (e *BridgeEvent) IsBurn() bool {
	return e.Name == EventTokensBurned || e.Name == EventBurned
}

// TransferID returns the id the destination contract keys processed
// transfers by: the event transactionId, else the crosschain hash, else the
// source transaction hash.
func (e *BridgeEvent) TransferID() common.Hash {
	switch {
	case e.TransactionID != (common.Hash{}):
		return e.TransactionID
	case e.CrosschainHash != (common.Hash{}):
		return e.CrosschainHash
	default:
		return e.Raw.TxHash
	}
}

func bridgeABI() (*abi.ABI, error) {
	parsed, err := BridgeMetaData.GetAbi()
	if err != nil {
		return nil, fmt.Errorf("failed to parse bridge abi: %w", err)
	}
	return parsed, nil
}

func erc20ABI() (*abi.ABI, error) {
	parsed, err := ERC20MetaData.GetAbi()
	if err != nil {
		return nil, fmt.Errorf("failed to parse erc20 abi: %w", err)
	}
	return parsed, nil
}

// EventID returns topic0 of a bridge event.
func EventID(name string) (common.Hash, error) {
	parsed, err := bridgeABI()
	if err != nil {
		return common.Hash{}, err
	}
	ev, ok := parsed.Events[name]
	if !ok {
		return common.Hash{}, fmt.Errorf("%w: %s", ErrUnknownEvent, name)
	}
	return ev.ID, nil
}

// DecodeLog decodes a lock or burn log. Minted and Unlocked logs decode too,
// with Sender left empty.
func DecodeLog(log types.Log) (*BridgeEvent, error) {
	if len(log.Topics) == 0 {
		return nil, ErrUnknownEvent
	}
	parsed, err := bridgeABI()
	if err != nil {
		return nil, err
	}
	ev, err := parsed.EventByID(log.Topics[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, log.Topics[0].Hex())
	}

	fields := make(map[string]any)
	if len(log.Data) > 0 {
		if err := parsed.UnpackIntoMap(fields, ev.Name, log.Data); err != nil {
			return nil, fmt.Errorf("failed to unpack %s data: %w", ev.Name, err)
		}
	}
	var indexed abi.Arguments
	for _, arg := range ev.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if err := abi.ParseTopicsIntoMap(fields, indexed, log.Topics[1:]); err != nil {
		return nil, fmt.Errorf("failed to parse %s topics: %w", ev.Name, err)
	}

	out := &BridgeEvent{
		Name:   ev.Name,
		Amount: bigField(fields, "amount"),
		Fee:    bigField(fields, "fee"),
		Raw:    log,
	}
	switch ev.Name {
	case EventAssetLocked:
		out.Sender = addressField(fields, "sender")
		out.Recipient = addressField(fields, "receiver")
		out.Token = addressField(fields, "token")
		out.CrosschainHash = hashField(fields, "crosschainHash")
		if id := bigField(fields, "transactionId"); id.Sign() > 0 {
			out.TransactionID = common.BigToHash(id)
		}
		out.DestinationChainID = bigField(fields, "destinationChainId")
	case EventLocked:
		out.Sender = addressField(fields, "sender")
		out.Recipient = addressField(fields, "receiver")
		out.CrosschainHash = hashField(fields, "crosschainHash")
	case EventTokensBurned:
		out.Sender = addressField(fields, "burner")
		out.Recipient = addressField(fields, "recipient")
		out.Token = addressField(fields, "token")
		out.TransactionID = hashField(fields, "transactionId")
		out.DestinationChainID = bigField(fields, "destinationChainId")
	case EventBurned:
		out.Sender = addressField(fields, "burner")
		out.Recipient = addressField(fields, "recipient")
		out.CrosschainHash = hashField(fields, "crosschainHash")
	case EventMinted, EventUnlocked:
		out.Recipient = addressField(fields, "recipient")
		out.Token = addressField(fields, "token")
		out.TransactionID = hashField(fields, "transactionId")
	}
	return out, nil
}

func bigField(fields map[string]any, name string) *big.Int {
	if v, ok := fields[name].(*big.Int); ok && v != nil {
		return v
	}
	return new(big.Int)
}

func addressField(fields map[string]any, name string) common.Address {
	v, _ := fields[name].(common.Address)
	return v
}

func hashField(fields map[string]any, name string) common.Hash {
	switch v := fields[name].(type) {
	case [32]byte:
		return common.Hash(v)
	case common.Hash:
		return v
	}
	return common.Hash{}
}

// PackMint encodes a mint(bytes32,address,uint256,bytes) call.
func PackMint(id common.Hash, recipient common.Address, amount *big.Int, signature []byte) ([]byte, error) {
	return PackBridge("mint", [32]byte(id), recipient, amount, signature)
}

// PackUnlock encodes an unlock(bytes32,address,address,uint256,bytes) call.
func PackUnlock(id common.Hash, token, recipient common.Address, amount *big.Int, signature []byte) ([]byte, error) {
	return PackBridge("unlock", [32]byte(id), token, recipient, amount, signature)
}

// PackBridge encodes a call to any bridge method.
func PackBridge(method string, args ...any) ([]byte, error) {
	parsed, err := bridgeABI()
	if err != nil {
		return nil, err
	}
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method, err)
	}
	return data, nil
}

// UnpackBridge decodes the return data of a bridge view method.
func UnpackBridge(method string, data []byte) ([]any, error) {
	parsed, err := bridgeABI()
	if err != nil {
		return nil, err
	}
	out, err := parsed.Unpack(method, data)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s: %w", method, err)
	}
	return out, nil
}

// PackERC20 encodes a call to an ERC20 metadata getter.
func PackERC20(method string) ([]byte, error) {
	parsed, err := erc20ABI()
	if err != nil {
		return nil, err
	}
	data, err := parsed.Pack(method)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method, err)
	}
	return data, nil
}

// UnpackERC20 decodes the return data of an ERC20 metadata getter.
func UnpackERC20(method string, data []byte) ([]any, error) {
	parsed, err := erc20ABI()
	if err != nil {
		return nil, err
	}
	out, err := parsed.Unpack(method, data)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s: %w", method, err)
	}
	return out, nil
}
