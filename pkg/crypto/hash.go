package crypto

import (
	"encoding/hex"
	"math/big"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/scrypt"
	"golang.org/x/crypto/sha3"
	"lukechampine.com/blake3"
)

// Algorithm is the closed set of proof-of-work hash functions. Dispatch is
// always through an exhaustive switch so adding a member is a compile-time
// event, not a runtime registration.
type Algorithm int

const (
	AlgoCosmicHarmony Algorithm = iota
	AlgoCosmicHarmonyV2
	AlgoRandomX
	AlgoYescrypt
	AlgoBlake3
)

func (a Algorithm) String() string {
	switch a {
	case AlgoCosmicHarmony:
		return "cosmic_harmony"
	case AlgoCosmicHarmonyV2:
		return "cosmic_harmony_v2"
	case AlgoRandomX:
		return "randomx"
	case AlgoYescrypt:
		return "yescrypt"
	case AlgoBlake3:
		return "blake3"
	default:
		return "unknown"
	}
}

// ParseAlgorithm accepts the aliases miners commonly send.
func ParseAlgorithm(s string) (Algorithm, bool) {
	switch strings.ToLower(s) {
	case "cosmic", "cosmic_harmony", "cosmicharmony", "cosmic-harmony":
		return AlgoCosmicHarmony, true
	case "cosmic_harmony_v2", "cosmicharmonyv2", "cosmic-harmony-v2":
		return AlgoCosmicHarmonyV2, true
	case "randomx", "random-x", "rx/0", "rx0":
		return AlgoRandomX, true
	case "yescrypt":
		return AlgoYescrypt, true
	case "blake3":
		return AlgoBlake3, true
	default:
		return AlgoCosmicHarmony, false
	}
}

// AlgorithmForHeight selects the PoW algorithm for a block height. The
// schedule rotates through the auxiliary algorithms in ten-block bands with
// Cosmic Harmony taking every other band, keeping the native algorithm
// dominant while the others stay exercised.
func AlgorithmForHeight(height uint64) Algorithm {
	band := height / 10
	if band%2 == 0 {
		return AlgoCosmicHarmony
	}
	switch (band / 2) % 4 {
	case 0:
		return AlgoCosmicHarmonyV2
	case 1:
		return AlgoRandomX
	case 2:
		return AlgoYescrypt
	default:
		return AlgoBlake3
	}
}

// cosmicKey is the keyed-hash domain for the native algorithm.
var cosmicKey = func() [32]byte {
	var k [32]byte
	copy(k[:], "zion-cosmic-harmony-v1.golden.23")
	return k
}()

// HashPoW computes the proof-of-work digest of data with the given
// algorithm. Every member returns a 32-byte digest compared big-endian
// against the target.
func HashPoW(data []byte, algo Algorithm) [32]byte {
	switch algo {
	case AlgoCosmicHarmony:
		h := blake3.New(32, cosmicKey[:])
		_, _ = h.Write(data)
		var out [32]byte
		copy(out[:], h.Sum(nil))
		return out

	case AlgoCosmicHarmonyV2:
		// v2 layers a Keccak permutation over the keyed blake3 digest.
		h := blake3.New(32, cosmicKey[:])
		_, _ = h.Write(data)
		return sha3.Sum256(h.Sum(nil))

	case AlgoRandomX:
		// Memory-hard stand-in with the RandomX interface shape.
		seed := blake3.Sum256(data)
		out := argon2.IDKey(data, seed[:16], 1, 2048, 1, 32)
		var digest [32]byte
		copy(digest[:], out)
		return digest

	case AlgoYescrypt:
		seed := blake3.Sum256(data)
		out, err := scrypt.Key(data, seed[:16], 1024, 8, 1, 32)
		if err != nil {
			// Parameters are compile-time constants; scrypt only errors on
			// invalid parameters.
			panic(err)
		}
		var digest [32]byte
		copy(digest[:], out)
		return digest

	case AlgoBlake3:
		return blake3.Sum256(data)

	default:
		return blake3.Sum256(data)
	}
}

// HashSmall is the non-PoW hash used for transaction ids and merkle nodes.
func HashSmall(data []byte) [32]byte {
	return blake3.Sum256(data)
}

// HashSmallHex returns the hex form of HashSmall.
func HashSmallHex(data []byte) string {
	h := HashSmall(data)
	return hex.EncodeToString(h[:])
}

var two256 = new(big.Int).Lsh(big.NewInt(1), 256)

// TargetFromDifficulty returns 2^256 / difficulty. Difficulty 0 is treated
// as 1 so the target is never undefined.
func TargetFromDifficulty(difficulty uint64) *big.Int {
	if difficulty == 0 {
		difficulty = 1
	}
	return new(big.Int).Div(two256, new(big.Int).SetUint64(difficulty))
}

// TargetHex renders the 256-bit target as 64 hex characters, the framing the
// stratum layer sends to miners.
func TargetHex(difficulty uint64) string {
	t := TargetFromDifficulty(difficulty)
	b := t.Bytes()
	if len(b) > 32 {
		b = b[len(b)-32:]
	}
	var buf [32]byte
	copy(buf[32-len(b):], b)
	return hex.EncodeToString(buf[:])
}

// HashMeetsTarget reports whether the big-endian digest is at or below the
// target for the difficulty.
func HashMeetsTarget(digest [32]byte, difficulty uint64) bool {
	h := new(big.Int).SetBytes(digest[:])
	return h.Cmp(TargetFromDifficulty(difficulty)) <= 0
}
