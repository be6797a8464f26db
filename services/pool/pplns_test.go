package pool

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zion-terranova/ziond/ulogger"
)

func storeShares(t *testing.T, storage *MemoryStorage, miner string, count int, startTS int64) {
	t.Helper()
	for i := 0; i < count; i++ {
		require.NoError(t, storage.StoreShare(&Share{
			ID:           fmt.Sprintf("%s-%d-%d", miner[:12], startTS, i),
			JobID:        "job",
			MinerAddress: miner,
			Nonce:        fmt.Sprintf("%x", i),
			Timestamp:    startTS + int64(i),
		}))
	}
}

func TestPPLNSProportionalSplit(t *testing.T) {
	storage := NewMemoryStorage()
	calc := NewPPLNSCalculator(ulogger.TestLogger{}, storage, 100)

	a := poolTestAddress(1)
	b := poolTestAddress(2)

	storeShares(t, storage, a, 75, 1000)
	storeShares(t, storage, b, 25, 2000)

	payouts, err := calc.Distribution(1_000_000)
	require.NoError(t, err)

	assert.Equal(t, uint64(750_000), payouts[a])
	assert.Equal(t, uint64(250_000), payouts[b])
}

func TestPPLNSSumNeverExceedsMinerShare(t *testing.T) {
	storage := NewMemoryStorage()
	calc := NewPPLNSCalculator(ulogger.TestLogger{}, storage, 100)

	// Awkward counts that do not divide the reward evenly.
	storeShares(t, storage, poolTestAddress(1), 7, 1000)
	storeShares(t, storage, poolTestAddress(2), 11, 2000)
	storeShares(t, storage, poolTestAddress(3), 13, 3000)

	minerShare := uint64(5_400_067_000) / 100 * 89
	payouts, err := calc.Distribution(minerShare)
	require.NoError(t, err)

	var total uint64
	for _, amount := range payouts {
		total += amount
	}
	assert.LessOrEqual(t, total, minerShare)
	assert.GreaterOrEqual(t, total+3, minerShare, "truncation loss is bounded")
}

func TestPPLNSWindowBound(t *testing.T) {
	storage := NewMemoryStorage()
	// Window of 10: only the most recent 10 shares count.
	calc := NewPPLNSCalculator(ulogger.TestLogger{}, storage, 10)

	old := poolTestAddress(1)
	recent := poolTestAddress(2)

	storeShares(t, storage, old, 50, 1000)
	storeShares(t, storage, recent, 10, 10_000)

	payouts, err := calc.Distribution(1_000_000)
	require.NoError(t, err)

	assert.Equal(t, uint64(1_000_000), payouts[recent])
	assert.Zero(t, payouts[old], "shares outside the window earn nothing")
}

func TestPPLNSEmptyWindow(t *testing.T) {
	storage := NewMemoryStorage()
	calc := NewPPLNSCalculator(ulogger.TestLogger{}, storage, 100)

	payouts, err := calc.Distribution(1_000_000)
	require.NoError(t, err)
	assert.Empty(t, payouts)

	// Crediting with an empty window is a no-op, not an error.
	assert.NoError(t, calc.CreditBlock("some-block", 1_000_000))
}

func TestPPLNSCreditBlockLocksAgainstBlock(t *testing.T) {
	storage := NewMemoryStorage()
	calc := NewPPLNSCalculator(ulogger.TestLogger{}, storage, 100)

	miner := poolTestAddress(1)
	storeShares(t, storage, miner, 10, 1000)

	require.NoError(t, calc.CreditBlock("block-1", 1_000_000))

	// Locked until the maturity tracker unlocks.
	pending, err := storage.PendingBalance(miner)
	require.NoError(t, err)
	assert.Zero(t, pending)

	require.NoError(t, storage.UnlockBlockCredits("block-1"))
	pending, err = storage.PendingBalance(miner)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000), pending)
}
