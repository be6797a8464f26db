package pool

import (
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zion-terranova/ziond/pkg/crypto"
	"github.com/zion-terranova/ziond/services/rpc"
	"github.com/zion-terranova/ziond/ulogger"
)

const poolSeedByte = 200

func poolSeedHex() string {
	s := make([]byte, 32)
	for i := range s {
		s[i] = poolSeedByte
	}
	return hex.EncodeToString(s)
}

func newPayoutHarness(t *testing.T) (*PayoutManager, *MemoryStorage, *fakeNode, *PoolWallet) {
	t.Helper()

	node := newFakeNode()
	storage := NewMemoryStorage()

	poolWallet, err := NewPoolWallet(ulogger.TestLogger{}, node, poolSeedHex())
	require.NoError(t, err)

	// Fund the pool wallet with one large UTXO.
	node.balance = 100_000_000
	node.utxos = []rpc.UTXO{{
		Key:          "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa:0",
		AmountAtomic: 100_000_000,
		Address:      poolWallet.Address,
	}}

	maturity := NewMaturityTracker(ulogger.TestLogger{}, storage, node)
	config := DefaultPayoutConfig()
	config.MinPayoutAtomic = 3_000_000
	config.ConfirmTimeout = time.Hour

	pm := NewPayoutManager(ulogger.TestLogger{}, storage, node, poolWallet, maturity, config)
	return pm, storage, node, poolWallet
}

// creditMature puts a mature balance on a miner.
func creditMature(t *testing.T, storage *MemoryStorage, addr string, amount uint64) {
	t.Helper()
	require.NoError(t, storage.CreditBlockShares("block-x", map[string]uint64{addr: amount}))
	require.NoError(t, storage.UnlockBlockCredits("block-x"))
}

func TestBatchPayout(t *testing.T) {
	pm, storage, node, _ := newPayoutHarness(t)

	minerA := poolTestAddress(1)
	minerB := poolTestAddress(2)
	minerC := poolTestAddress(3)

	creditMature(t, storage, minerA, 10_000_000)
	creditMature(t, storage, minerB, 5_000_000)
	creditMature(t, storage, minerC, 20_000_000)

	require.NoError(t, pm.ProcessPayouts())

	// One signed transaction with three recipient outputs plus change.
	require.Len(t, node.submittedTxs, 1)
	tx := node.submittedTxs[0]
	require.Len(t, tx.Outputs, 4)
	assert.True(t, tx.VerifySignatures())

	paid := make(map[string]uint64)
	for _, out := range tx.Outputs[:3] {
		paid[out.Address] = out.Amount
	}
	assert.Equal(t, uint64(10_000_000), paid[minerA])
	assert.Equal(t, uint64(5_000_000), paid[minerB])
	assert.Equal(t, uint64(20_000_000), paid[minerC])

	// Pending balances debited.
	for _, miner := range []string{minerA, minerB, minerC} {
		pending, err := storage.PendingBalance(miner)
		require.NoError(t, err)
		assert.Zero(t, pending)
	}

	// Three sent records exist.
	records, err := storage.SentPayoutRecords(10)
	require.NoError(t, err)
	assert.Len(t, records, 3)
}

func TestPayoutSkipsBelowMinimum(t *testing.T) {
	pm, storage, node, _ := newPayoutHarness(t)

	creditMature(t, storage, poolTestAddress(1), 2_000_000) // below 3 ZION min

	require.NoError(t, pm.ProcessPayouts())
	assert.Empty(t, node.submittedTxs)
}

func TestPayoutSkipsUnaffordableCandidate(t *testing.T) {
	pm, storage, node, poolWallet := newPayoutHarness(t)

	// Pool can only cover the small candidate.
	node.balance = 6_000_000
	node.utxos = []rpc.UTXO{{
		Key:          "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb:0",
		AmountAtomic: 6_000_000,
		Address:      poolWallet.Address,
	}}

	big := poolTestAddress(1)
	small := poolTestAddress(2)
	creditMature(t, storage, big, 50_000_000)
	creditMature(t, storage, small, 4_000_000)

	require.NoError(t, pm.ProcessPayouts())

	// The unaffordable candidate is skipped, the affordable one is paid.
	require.Len(t, node.submittedTxs, 1)
	tx := node.submittedTxs[0]
	assert.Equal(t, small, tx.Outputs[0].Address)

	pending, err := storage.PendingBalance(big)
	require.NoError(t, err)
	assert.Equal(t, uint64(50_000_000), pending, "skipped candidate keeps its balance")
}

func TestPayoutRespectsPerTxCap(t *testing.T) {
	pm, storage, node, _ := newPayoutHarness(t)
	pm.config.MaxPayoutPerTx = 8_000_000

	miner := poolTestAddress(1)
	creditMature(t, storage, miner, 20_000_000)

	require.NoError(t, pm.ProcessPayouts())

	require.Len(t, node.submittedTxs, 1)
	assert.Equal(t, uint64(8_000_000), node.submittedTxs[0].Outputs[0].Amount)

	pending, err := storage.PendingBalance(miner)
	require.NoError(t, err)
	assert.Equal(t, uint64(12_000_000), pending)
}

func TestConfirmSentPayouts(t *testing.T) {
	pm, storage, node, _ := newPayoutHarness(t)

	miner := poolTestAddress(1)
	id, err := storage.CreatePayoutRecord(miner, 5_000_000, "tx-confirmed")
	require.NoError(t, err)

	node.txResults["tx-confirmed"] = map[string]interface{}{"block_height": float64(123)}

	require.NoError(t, pm.ConfirmSentPayouts())

	rec := storage.PayoutRecord(id)
	require.NotNil(t, rec)
	assert.Equal(t, PayoutStatusConfirmed, rec.Status)
}

func TestConfirmTimesOutToFailed(t *testing.T) {
	pm, storage, _, _ := newPayoutHarness(t)
	pm.config.ConfirmTimeout = time.Second

	id, err := storage.CreatePayoutRecord(poolTestAddress(1), 5_000_000, "tx-lost")
	require.NoError(t, err)

	// Age the record past the timeout.
	storage.mu.Lock()
	storage.payoutRecords[id].UpdatedTS = time.Now().Add(-time.Minute).Unix()
	storage.mu.Unlock()

	require.NoError(t, pm.ConfirmSentPayouts())

	rec := storage.PayoutRecord(id)
	require.NotNil(t, rec)
	assert.Equal(t, PayoutStatusFailed, rec.Status)
}

func TestPoolWalletDerivation(t *testing.T) {
	node := newFakeNode()
	poolWallet, err := NewPoolWallet(ulogger.TestLogger{}, node, poolSeedHex())
	require.NoError(t, err)
	assert.True(t, crypto.ValidateAddress(poolWallet.Address))

	_, err = NewPoolWallet(ulogger.TestLogger{}, node, "zz")
	assert.Error(t, err)

	_, err = NewPoolWallet(ulogger.TestLogger{}, node, "abcd")
	assert.Error(t, err)
}
