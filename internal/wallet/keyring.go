package wallet

import (
	"crypto/ecdsa"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// KeySpec pairs a configured address with its hex-encoded private key.
type KeySpec struct {
	Address    string
	PrivateKey string
}

// Keyring resolves wallet addresses to signing keys.
type Keyring struct {
	mu   sync.RWMutex
	keys map[common.Address]*ecdsa.PrivateKey
}

// NewKeyring parses the configured keys. An address that does not match the
// key it is configured with is rejected. Specs without a key are skipped so
// paper mode can run with addresses only.
func NewKeyring(specs []KeySpec) (*Keyring, error) {
	ring := &Keyring{keys: make(map[common.Address]*ecdsa.PrivateKey, len(specs))}
	for _, spec := range specs {
		raw := strings.TrimPrefix(strings.TrimSpace(spec.PrivateKey), "0x")
		if raw == "" {
			continue
		}
		key, err := crypto.HexToECDSA(raw)
		if err != nil {
			return nil, fmt.Errorf("parse key for %s: %w", spec.Address, err)
		}
		derived := crypto.PubkeyToAddress(key.PublicKey)
		if spec.Address != "" {
			if !common.IsHexAddress(spec.Address) {
				return nil, fmt.Errorf("invalid wallet address %q", spec.Address)
			}
			if common.HexToAddress(spec.Address) != derived {
				return nil, fmt.Errorf("wallet %s does not match its private key (derived %s)", spec.Address, derived.Hex())
			}
		}
		ring.keys[derived] = key
	}
	return ring, nil
}

// Key returns the private key for address.
func (k *Keyring) Key(address string) (*ecdsa.PrivateKey, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("invalid wallet address %q", address)
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	key, ok := k.keys[common.HexToAddress(address)]
	if !ok {
		return nil, fmt.Errorf("no signing key for wallet %s", address)
	}
	return key, nil
}

// Addresses lists the checksummed addresses the keyring can sign for.
func (k *Keyring) Addresses() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]string, 0, len(k.keys))
	for addr := range k.keys {
		out = append(out, addr.Hex())
	}
	return out
}
