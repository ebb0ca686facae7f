//go:build ignore

// seal-relayer-key.go - Seal a relayer private key for relayer.encrypted_key
//
// Usage:
//   RELAYER_MASTER_SECRET=... go run scripts/seal-relayer-key.go -key 0x...
//   RELAYER_MASTER_SECRET=... go run scripts/seal-relayer-key.go -generate

package main

import (
	"crypto/ecdsa"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/chainsafe/bridge-relayer/pkg/keys"
)

var (
	keyHex   = flag.String("key", "", "Hex private key to seal")
	generate = flag.Bool("generate", false, "Generate a new key instead of sealing -key")
)

func main() {
	flag.Parse()

	secret := os.Getenv("RELAYER_MASTER_SECRET")
	if secret == "" {
		log.Fatal("RELAYER_MASTER_SECRET is not set")
	}

	var (
		key *ecdsa.PrivateKey
		err error
	)
	if *generate {
		key, err = crypto.GenerateKey()
	} else {
		key, err = keys.ParsePrivateKey(*keyHex)
	}
	if err != nil {
		log.Fatalf("Failed to get key: %v", err)
	}

	sealed, err := keys.SealPrivateKey(crypto.FromECDSA(key), secret)
	if err != nil {
		log.Fatalf("Failed to seal key: %v", err)
	}

	// round trip before handing it out
	if _, err := keys.LoadRelayerKey("", sealed, secret); err != nil {
		log.Fatalf("Sealed key does not open: %v", err)
	}

	fmt.Printf("Relayer address: %s\n", crypto.PubkeyToAddress(key.PublicKey).Hex())
	fmt.Printf("encrypted_key:   %s\n", sealed)
}
