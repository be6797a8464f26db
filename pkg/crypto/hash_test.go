package crypto

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashPoWDeterministic(t *testing.T) {
	data := []byte("block header bytes")
	for _, algo := range []Algorithm{AlgoCosmicHarmony, AlgoCosmicHarmonyV2, AlgoRandomX, AlgoYescrypt, AlgoBlake3} {
		a := HashPoW(data, algo)
		b := HashPoW(data, algo)
		assert.Equal(t, a, b, "algo %s not deterministic", algo)
	}
}

func TestHashPoWAlgorithmsDiffer(t *testing.T) {
	data := []byte("block header bytes")
	seen := make(map[[32]byte]Algorithm)
	for _, algo := range []Algorithm{AlgoCosmicHarmony, AlgoCosmicHarmonyV2, AlgoRandomX, AlgoYescrypt, AlgoBlake3} {
		digest := HashPoW(data, algo)
		prev, dup := seen[digest]
		require.False(t, dup, "%s and %s collide", algo, prev)
		seen[digest] = algo
	}
}

func TestAlgorithmForHeightPure(t *testing.T) {
	for h := uint64(0); h < 200; h++ {
		assert.Equal(t, AlgorithmForHeight(h), AlgorithmForHeight(h))
	}
	// Even bands are the native algorithm.
	assert.Equal(t, AlgoCosmicHarmony, AlgorithmForHeight(0))
	assert.Equal(t, AlgoCosmicHarmony, AlgorithmForHeight(9))
	assert.Equal(t, AlgoCosmicHarmony, AlgorithmForHeight(25))
	// Odd bands rotate the rest.
	assert.Equal(t, AlgoCosmicHarmonyV2, AlgorithmForHeight(10))
	assert.Equal(t, AlgoRandomX, AlgorithmForHeight(30))
	assert.Equal(t, AlgoYescrypt, AlgorithmForHeight(50))
	assert.Equal(t, AlgoBlake3, AlgorithmForHeight(70))
	assert.Equal(t, AlgoCosmicHarmonyV2, AlgorithmForHeight(90))
}

func TestParseAlgorithmAliases(t *testing.T) {
	cases := map[string]Algorithm{
		"cosmic":          AlgoCosmicHarmony,
		"cosmic_harmony":  AlgoCosmicHarmony,
		"rx/0":            AlgoRandomX,
		"RandomX":         AlgoRandomX,
		"yescrypt":        AlgoYescrypt,
		"blake3":          AlgoBlake3,
		"cosmicharmonyv2": AlgoCosmicHarmonyV2,
	}
	for input, want := range cases {
		got, ok := ParseAlgorithm(input)
		require.True(t, ok, "alias %q", input)
		assert.Equal(t, want, got)
	}

	_, ok := ParseAlgorithm("sha256d")
	assert.False(t, ok)
}

func TestTargetFromDifficultyMonotonic(t *testing.T) {
	t1 := TargetFromDifficulty(1000)
	t2 := TargetFromDifficulty(2000)
	assert.Equal(t, 1, t1.Cmp(t2), "higher difficulty must have a lower target")
}

func TestTargetZeroDifficulty(t *testing.T) {
	assert.Equal(t, 0, TargetFromDifficulty(0).Cmp(TargetFromDifficulty(1)))
}

func TestTargetHexShape(t *testing.T) {
	h := TargetHex(1000)
	assert.Len(t, h, 64)

	parsed, ok := new(big.Int).SetString(h, 16)
	require.True(t, ok)
	assert.Equal(t, 0, parsed.Cmp(TargetFromDifficulty(1000)))
}

func TestHashMeetsTarget(t *testing.T) {
	var zero [32]byte
	assert.True(t, HashMeetsTarget(zero, 1))
	assert.True(t, HashMeetsTarget(zero, MaxTestDifficulty()))

	var max [32]byte
	for i := range max {
		max[i] = 0xff
	}
	// At difficulty 1 the target is 2^256, everything passes.
	assert.True(t, HashMeetsTarget(max, 1))
	assert.False(t, HashMeetsTarget(max, 2))
}

// MaxTestDifficulty keeps the literal out of the assertion.
func MaxTestDifficulty() uint64 {
	return 1 << 40
}

func TestPoWTimesDifficultyBound(t *testing.T) {
	// For any digest accepted at difficulty D, digest * D <= 2^256.
	data := []byte("bound check")
	digest := HashPoW(data, AlgoBlake3)

	d := uint64(1 << 20)
	if !HashMeetsTarget(digest, d) {
		t.Skip("digest does not meet the sampled difficulty")
	}

	product := new(big.Int).Mul(new(big.Int).SetBytes(digest[:]), new(big.Int).SetUint64(d))
	limit := new(big.Int).Lsh(big.NewInt(1), 256)
	assert.True(t, product.Cmp(limit) <= 0)
}
