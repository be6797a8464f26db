package crypto

import (
	"crypto/ed25519"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddressFromPublicKeyShape(t *testing.T) {
	pk := make([]byte, 32)
	for i := range pk {
		pk[i] = byte(i)
	}

	addr := AddressFromPublicKey(pk)
	assert.Len(t, addr, AddressLength)
	assert.True(t, strings.HasPrefix(addr, AddressPrefix))
}

func TestAddressRoundTrip(t *testing.T) {
	// Every derived address must validate, across many keys.
	for seed := 0; seed < 256; seed++ {
		pk := make([]byte, 32)
		for i := range pk {
			pk[i] = byte(seed)
		}
		addr := AddressFromPublicKey(pk)
		require.True(t, ValidateAddress(addr), "checksum failed for seed %d: %s", seed, addr)
	}
}

func TestAddressDeterministic(t *testing.T) {
	pk := make([]byte, 32)
	pk[0] = 99
	assert.Equal(t, AddressFromPublicKey(pk), AddressFromPublicKey(pk))
}

func TestDifferentKeysDifferentAddresses(t *testing.T) {
	a := AddressFromPublicKey(make([]byte, 32))
	b := make([]byte, 32)
	b[0] = 1
	assert.NotEqual(t, a, AddressFromPublicKey(b))
}

func TestChecksumDetectsSingleCharFlip(t *testing.T) {
	pk := make([]byte, 32)
	pk[5] = 42
	addr := AddressFromPublicKey(pk)
	require.True(t, ValidateAddress(addr))

	// Flipping any single body character must fail the checksum.
	for pos := len(AddressPrefix); pos < len(AddressPrefix)+35; pos++ {
		mutated := []byte(addr)
		if mutated[pos] == '0' {
			mutated[pos] = 'a'
		} else {
			mutated[pos] = '0'
		}
		assert.False(t, ValidateAddress(string(mutated)), "flip at %d passed checksum", pos)
	}
}

func TestValidateAddressRejects(t *testing.T) {
	assert.False(t, ValidateAddress(""))
	assert.False(t, ValidateAddress("zion1short"))
	assert.False(t, ValidateAddress("btc1aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"))
	assert.False(t, ValidateAddress("zion1AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")) // uppercase body
}

func TestValidateAddressFormatSkipsChecksum(t *testing.T) {
	fake := "zion1" + strings.Repeat("0", 39)
	require.Len(t, fake, AddressLength)
	assert.True(t, ValidateAddressFormat(fake))
}

func TestVerifySignature(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	msg := []byte("spend authorization")
	sig := ed25519.Sign(priv, msg)

	assert.True(t, VerifySignature(pub, msg, sig))
	assert.False(t, VerifySignature(pub, []byte("different"), sig))

	sig[0] ^= 0xff
	assert.False(t, VerifySignature(pub, msg, sig))
}

func TestVerifySignatureMalformedInputs(t *testing.T) {
	assert.False(t, VerifySignature(nil, []byte("m"), make([]byte, 64)))
	assert.False(t, VerifySignature(make([]byte, 32), []byte("m"), nil))
	assert.False(t, VerifySignature(make([]byte, 31), []byte("m"), make([]byte, 64)))
}

func TestSignAndDerive(t *testing.T) {
	seed := make([]byte, 32)
	copy(seed, []byte("pool wallet signing key seed...."))

	pub := PublicKeyFromSeed(seed)
	msg := []byte("batch payout")
	sig := Sign(seed, msg)
	assert.True(t, VerifySignature(pub, msg, sig))

	addr := AddressFromPublicKey(pub)
	assert.True(t, ValidateAddress(addr))

	hexAddr := AddressFromPublicKeyHex(hex.EncodeToString(pub))
	assert.Equal(t, addr, hexAddr)
}

func TestAddressFromPublicKeyHexInvalid(t *testing.T) {
	assert.Equal(t, "", AddressFromPublicKeyHex("not-hex"))
}
