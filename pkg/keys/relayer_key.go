// Package keys loads the relayer signing key.
// The key is either supplied as plain hex or sealed with AES-256-GCM under a
// key derived from an operator master secret with HKDF.
package keys

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/hkdf"
)

const sealInfo = "bridge-relayer-key-v1"

// LoadRelayerKey returns the relayer key from either a hex private key or a
// sealed key plus master secret. Exactly one source must be provided.
func LoadRelayerKey(privateKeyHex, sealedKey, masterSecret string) (*ecdsa.PrivateKey, error) {
	switch {
	case privateKeyHex != "" && sealedKey != "":
		return nil, fmt.Errorf("private key and sealed key are mutually exclusive")
	case privateKeyHex != "":
		return ParsePrivateKey(privateKeyHex)
	case sealedKey != "":
		raw, err := OpenPrivateKey(sealedKey, masterSecret)
		if err != nil {
			return nil, err
		}
		key, err := crypto.ToECDSA(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid sealed private key: %w", err)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("no relayer key configured")
	}
}

// ParsePrivateKey parses a hex secp256k1 key, with or without 0x prefix.
func ParsePrivateKey(s string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return key, nil
}

// DeriveSealingKey derives the 32-byte AES key from the master secret.
func DeriveSealingKey(masterSecret string) ([]byte, error) {
	if len(masterSecret) < 16 {
		return nil, fmt.Errorf("master secret must be at least 16 bytes")
	}
	r := hkdf.New(sha256.New, []byte(masterSecret), nil, []byte(sealInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive sealing key: %w", err)
	}
	return key, nil
}

// SealPrivateKey encrypts a 32-byte private key. The result is base64 of
// nonce || ciphertext || tag.
func SealPrivateKey(privateKey []byte, masterSecret string) (string, error) {
	if len(privateKey) != 32 {
		return "", fmt.Errorf("private key must be 32 bytes (secp256k1)")
	}
	gcm, err := newGCM(masterSecret)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return base64.StdEncoding.EncodeToString(gcm.Seal(nonce, nonce, privateKey, nil)), nil
}

// OpenPrivateKey reverses SealPrivateKey.
func OpenPrivateKey(sealed, masterSecret string) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}
	gcm, err := newGCM(masterSecret)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	if len(plaintext) != 32 {
		return nil, fmt.Errorf("decrypted key has wrong size: got %d, want 32", len(plaintext))
	}
	return plaintext, nil
}

// PrivateKeyHex renders a key for operators sealing it offline.
func PrivateKeyHex(key *ecdsa.PrivateKey) string {
	return hex.EncodeToString(crypto.FromECDSA(key))
}

func newGCM(masterSecret string) (cipher.AEAD, error) {
	key, err := DeriveSealingKey(masterSecret)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}
