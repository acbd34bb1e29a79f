package wallet

import (
	"encoding/hex"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func TestKeyringResolvesConfiguredKeys(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey).Hex()
	hexKey := hex.EncodeToString(crypto.FromECDSA(key))

	ring, err := NewKeyring([]KeySpec{{Address: addr, PrivateKey: "0x" + hexKey}, {Address: addr}})
	require.NoError(t, err)

	got, err := ring.Key(addr)
	require.NoError(t, err)
	require.Equal(t, key.D, got.D)
	require.Equal(t, []string{addr}, ring.Addresses())
}

func TestKeyringRejectsMismatchedAddress(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	other, err := crypto.GenerateKey()
	require.NoError(t, err)

	_, err = NewKeyring([]KeySpec{{
		Address:    crypto.PubkeyToAddress(other.PublicKey).Hex(),
		PrivateKey: hex.EncodeToString(crypto.FromECDSA(key)),
	}})
	require.Error(t, err)
}

func TestKeyringUnknownAddress(t *testing.T) {
	ring, err := NewKeyring(nil)
	require.NoError(t, err)
	_, err = ring.Key("0x000000000000000000000000000000000000dEaD")
	require.Error(t, err)
	_, err = ring.Key("not-an-address")
	require.Error(t, err)
}
