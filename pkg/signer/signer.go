// Package signer produces the relayer authorization the destination bridge
// contracts verify before minting or unlocking.
package signer

import (
	"bytes"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/chainsafe/bridge-relayer/pkg/retry"
)

// Message fields, in the names used by the deployment map.
const (
	FieldTransactionID = "transactionId"
	FieldToken         = "token"
	FieldRecipient     = "recipient"
	FieldAmount        = "amount"
	FieldContract      = "contract"
)

// ErrSignatureMismatch is returned when a signature does not recover to the
// expected signer.
var ErrSignatureMismatch = errors.New("signature does not recover to relayer")

// Layout is the ordered list of fields packed into the message hash.
type Layout []string

// DefaultLayout is used by contracts that do not bind the contract address.
var DefaultLayout = Layout{FieldTransactionID, FieldToken, FieldRecipient, FieldAmount}

// ParseLayout validates a configured layout. Empty means DefaultLayout.
func ParseLayout(fields []string) (Layout, error) {
	if len(fields) == 0 {
		return DefaultLayout, nil
	}
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		switch f {
		case FieldTransactionID, FieldToken, FieldRecipient, FieldAmount, FieldContract:
		default:
			return nil, fmt.Errorf("unknown hash field %q", f)
		}
		if seen[f] {
			return nil, fmt.Errorf("duplicate hash field %q", f)
		}
		seen[f] = true
	}
	return Layout(fields), nil
}

// Message is the data a destination contract authorizes.
type Message struct {
	TransactionID common.Hash
	Token         common.Address
	Recipient     common.Address
	Amount        *big.Int
	Contract      common.Address
}

// MessageHash returns keccak256(abi.encodePacked(fields in layout)).
func MessageHash(layout Layout, m Message) (common.Hash, error) {
	var buf bytes.Buffer
	for _, f := range layout {
		switch f {
		case FieldTransactionID:
			buf.Write(m.TransactionID.Bytes())
		case FieldToken:
			buf.Write(m.Token.Bytes())
		case FieldRecipient:
			buf.Write(m.Recipient.Bytes())
		case FieldAmount:
			if m.Amount == nil || m.Amount.Sign() < 0 {
				return common.Hash{}, fmt.Errorf("invalid amount %v", m.Amount)
			}
			buf.Write(math.U256Bytes(new(big.Int).Set(m.Amount)))
		case FieldContract:
			buf.Write(m.Contract.Bytes())
		default:
			return common.Hash{}, fmt.Errorf("unknown hash field %q", f)
		}
	}
	return crypto.Keccak256Hash(buf.Bytes()), nil
}

// Signer signs messages with the relayer key.
type Signer struct {
	key              *ecdsa.PrivateKey
	address          common.Address
	ethSignedMessage bool
}

// New creates a signer. With ethSignedMessage the signature covers the
// EIP-191 prefixed message hash, as ECDSA.toEthSignedMessageHash does.
func New(key *ecdsa.PrivateKey, ethSignedMessage bool) *Signer {
	return &Signer{
		key:              key,
		address:          crypto.PubkeyToAddress(key.PublicKey),
		ethSignedMessage: ethSignedMessage,
	}
}

// Address returns the signing address.
func (s *Signer) Address() common.Address {
	return s.address
}

func (s *Signer) digest(layout Layout, m Message) ([]byte, error) {
	hash, err := MessageHash(layout, m)
	if err != nil {
		return nil, err
	}
	if s.ethSignedMessage {
		return accounts.TextHash(hash.Bytes()), nil
	}
	return hash.Bytes(), nil
}

// Sign returns a 65 byte signature with v in {27, 28}.
func (s *Signer) Sign(layout Layout, m Message) ([]byte, error) {
	digest, err := s.digest(layout, m)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// Verify checks that sig over m recovers to the signer address.
func (s *Signer) Verify(layout Layout, m Message, sig []byte) error {
	digest, err := s.digest(layout, m)
	if err != nil {
		return err
	}
	addr, err := Recover(digest, sig)
	if err != nil {
		return retry.Mark(retry.KindAuthorization, err)
	}
	if addr != s.address {
		return retry.Mark(retry.KindAuthorization,
			fmt.Errorf("%w: recovered %s, want %s", ErrSignatureMismatch, addr.Hex(), s.address.Hex()))
	}
	return nil
}

// Recover returns the address that produced sig over digest. v may be
// 0/1 or 27/28.
func Recover(digest, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("invalid signature length %d", len(sig))
	}
	normalized := make([]byte, len(sig))
	copy(normalized, sig)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(digest, normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
