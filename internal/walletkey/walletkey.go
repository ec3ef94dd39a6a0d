// Package walletkey loads the oracle's signing key and derives the
// address it transacts from.
package walletkey

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Key is a loaded signing key and the address it corresponds to.
type Key struct {
	Private *ecdsa.PrivateKey
	Address common.Address
}

// Load parses a hex-encoded secp256k1 private key, with or without a
// leading "0x", and derives its address.
func Load(hexKey string) (Key, error) {
	trimmed := strings.TrimPrefix(hexKey, "0x")
	priv, err := crypto.HexToECDSA(trimmed)
	if err != nil {
		return Key{}, fmt.Errorf("walletkey: parse signing key: %w", err)
	}
	return Key{
		Private: priv,
		Address: crypto.PubkeyToAddress(priv.PublicKey),
	}, nil
}
