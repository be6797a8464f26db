package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"

	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // address format is fixed on RIPEMD160
)

// AddressPrefix is the constant five-character prefix of every address.
const AddressPrefix = "zion1"

// AddressLength is prefix(5) + body(35) + checksum(4).
const AddressLength = 44

const addressBodyLength = 35

// addressAlphabet is the 32-symbol lowercase alphabet used for address
// bodies and checksums. Two characters encode one byte: (b % 32) then
// ((b / 32) % 32).
const addressAlphabet = "023456789acdefghjklmnpqrstuvwxyz"

// VerifySignature checks an Ed25519 signature. Malformed keys or signatures
// simply fail verification.
func VerifySignature(publicKey, msg, sig []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), msg, sig)
}

// Sign signs msg with a raw 32-byte Ed25519 seed.
func Sign(seed, msg []byte) []byte {
	key := ed25519.NewKeyFromSeed(seed)
	return ed25519.Sign(key, msg)
}

// PublicKeyFromSeed derives the 32-byte Ed25519 public key for a seed.
func PublicKeyFromSeed(seed []byte) []byte {
	key := ed25519.NewKeyFromSeed(seed)
	return key.Public().(ed25519.PublicKey)
}

// AddressFromPublicKey derives the zion1 address of an Ed25519 public key:
// RIPEMD160(SHA256(pubkey)) encoded in the 32-symbol alphabet, truncated to
// 35 body characters, with a 4-character checksum appended.
func AddressFromPublicKey(publicKey []byte) string {
	sha := sha256.Sum256(publicKey)
	r := ripemd160.New()
	_, _ = r.Write(sha[:])
	keyHash := r.Sum(nil)

	body := make([]byte, 0, 40)
	for _, b := range keyHash {
		body = append(body, addressAlphabet[b%32], addressAlphabet[(b/32)%32])
	}
	body = body[:addressBodyLength]

	return AddressPrefix + string(body) + addressChecksum(string(body))
}

// AddressFromPublicKeyHex is the hex-string convenience form. Returns empty
// string for invalid hex.
func AddressFromPublicKeyHex(publicKeyHex string) string {
	pk, err := hex.DecodeString(publicKeyHex)
	if err != nil {
		return ""
	}
	return AddressFromPublicKey(pk)
}

// addressChecksum derives 4 alphabet characters from the first two bytes of
// SHA256(prefix || body).
func addressChecksum(body string) string {
	h := sha256.New()
	h.Write([]byte(AddressPrefix))
	h.Write([]byte(body))
	sum := h.Sum(nil)

	ck := make([]byte, 0, 4)
	for _, b := range sum[:2] {
		ck = append(ck, addressAlphabet[b%32], addressAlphabet[(b/32)%32])
	}
	return string(ck)
}

// ValidateAddress performs the full check: length, prefix, body alphabet and
// checksum. This is the check used on every consensus path.
func ValidateAddress(address string) bool {
	if !ValidateAddressFormat(address) {
		return false
	}
	body := address[len(AddressPrefix) : len(AddressPrefix)+addressBodyLength]
	return addressChecksum(body) == address[len(AddressPrefix)+addressBodyLength:]
}

// ValidateAddressFormat checks length, prefix and character set only. Kept
// for legacy allocations that predate the checksum; never valid in
// consensus paths.
func ValidateAddressFormat(address string) bool {
	if len(address) != AddressLength {
		return false
	}
	if address[:len(AddressPrefix)] != AddressPrefix {
		return false
	}
	for i := len(AddressPrefix); i < len(address); i++ {
		c := address[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'z') {
			return false
		}
	}
	return true
}
