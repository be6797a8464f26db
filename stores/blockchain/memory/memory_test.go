package memory

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zion-terranova/ziond/model"
	"github.com/zion-terranova/ziond/pkg/chaincfg"
	"github.com/zion-terranova/ziond/pkg/crypto"
	store "github.com/zion-terranova/ziond/stores/blockchain"
)

func addr(seed byte) string {
	s := make([]byte, 32)
	for i := range s {
		s[i] = seed
	}
	return crypto.AddressFromPublicKey(crypto.PublicKeyFromSeed(s))
}

func coinbaseBlock(height uint64, prevHash string, miner string) *model.Block {
	cb := model.NewCoinbaseTransaction(miner, chaincfg.BlockReward(height), 1_700_000_000+height)
	return model.NewBlock(1, height, prevHash, 1_700_000_000+height, chaincfg.MinDifficulty, height, []*model.Transaction{cb})
}

func TestSaveAndGetBlock(t *testing.T) {
	m := New()

	genesis := model.GenesisBlock(&chaincfg.TestNetParams)
	require.NoError(t, m.SaveBlock(genesis))

	byHash, err := m.GetBlock(genesis.Hash())
	require.NoError(t, err)
	assert.Equal(t, genesis.Hash(), byHash.Hash())

	byHeight, err := m.GetBlockByHeight(0)
	require.NoError(t, err)
	assert.Equal(t, genesis.Hash(), byHeight.Hash())

	height, hash, err := m.GetTip()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), height)
	assert.Equal(t, genesis.Hash(), hash)
}

func TestGetMissing(t *testing.T) {
	m := New()

	_, err := m.GetBlock("nope")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = m.GetBlockByHeight(5)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, _, err = m.GetTip()
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = m.GetUTXO("a:0")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSaveBlockAppliesUTXOs(t *testing.T) {
	m := New()
	miner := addr(1)

	genesis := model.GenesisBlock(&chaincfg.TestNetParams)
	require.NoError(t, m.SaveBlock(genesis))

	b1 := coinbaseBlock(1, genesis.Hash(), miner)
	require.NoError(t, m.SaveBlock(b1))

	cb := b1.Coinbase()
	out, err := m.GetUTXO(model.OutpointKey(cb.ID, 0))
	require.NoError(t, err)
	assert.Equal(t, chaincfg.BlockReward(1), out.Amount)
	assert.Equal(t, miner, out.Address)

	total, count, err := m.GetBalanceForAddress(miner)
	require.NoError(t, err)
	assert.Equal(t, chaincfg.BlockReward(1), total)
	assert.Equal(t, 1, count)

	blockHash, err := m.GetBlockHashForTx(cb.ID)
	require.NoError(t, err)
	assert.Equal(t, b1.Hash(), blockHash)
}

func TestDeleteBlockRollsBackUTXOs(t *testing.T) {
	m := New()
	miner := addr(1)

	genesis := model.GenesisBlock(&chaincfg.TestNetParams)
	require.NoError(t, m.SaveBlock(genesis))

	b1 := coinbaseBlock(1, genesis.Hash(), miner)
	require.NoError(t, m.SaveBlock(b1))

	require.NoError(t, m.DeleteBlockAtHeight(1))

	_, err := m.GetUTXO(model.OutpointKey(b1.Coinbase().ID, 0))
	assert.ErrorIs(t, err, store.ErrNotFound)

	height, _, err := m.GetTip()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), height)

	total, _, err := m.GetBalanceForAddress(miner)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestDeleteBlockRestoresSpentInputs(t *testing.T) {
	m := New()

	genesis := model.GenesisBlock(&chaincfg.TestNetParams)
	require.NoError(t, m.SaveBlock(genesis))

	// Spend a genesis allocation output in block 1.
	alloc := genesis.Transactions[0]
	spendKey := model.OutpointKey(alloc.ID, 0)
	before, err := m.GetUTXO(spendKey)
	require.NoError(t, err)

	seed := make([]byte, 32)
	pub := crypto.PublicKeyFromSeed(seed)

	spend := &model.Transaction{
		Version: 1,
		Inputs: []*model.TxInput{{
			PrevTxHash:  alloc.ID,
			OutputIndex: 0,
			PublicKey:   hex.EncodeToString(pub),
			Signature:   "00",
		}},
		Outputs:   []*model.TxOutput{{Amount: before.Amount, Address: addr(9)}},
		Fee:       0,
		Timestamp: 1,
	}
	spend.ID = spend.CalculateHash()

	cb := model.NewCoinbaseTransaction(addr(1), chaincfg.BlockReward(1), 2)
	b1 := model.NewBlock(1, 1, genesis.Hash(), 1_700_000_002, chaincfg.MinDifficulty, 0, []*model.Transaction{cb, spend})
	require.NoError(t, m.SaveBlock(b1))

	// Spent output is gone, replacement exists.
	_, err = m.GetUTXO(spendKey)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = m.GetUTXO(model.OutpointKey(spend.ID, 0))
	require.NoError(t, err)

	// Rollback restores the original output.
	require.NoError(t, m.DeleteBlockAtHeight(1))
	restored, err := m.GetUTXO(spendKey)
	require.NoError(t, err)
	assert.Equal(t, before.Amount, restored.Amount)
	assert.Equal(t, before.Address, restored.Address)
}

func TestSaveBlockMissingInputLeavesStoreUntouched(t *testing.T) {
	m := New()

	genesis := model.GenesisBlock(&chaincfg.TestNetParams)
	require.NoError(t, m.SaveBlock(genesis))

	bad := &model.Transaction{
		Version: 1,
		Inputs: []*model.TxInput{{
			PrevTxHash:  "ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff",
			OutputIndex: 0,
		}},
		Outputs:   []*model.TxOutput{{Amount: 1, Address: addr(2)}},
		Timestamp: 1,
	}
	bad.ID = bad.CalculateHash()

	cb := model.NewCoinbaseTransaction(addr(1), chaincfg.BlockReward(1), 2)
	b1 := model.NewBlock(1, 1, genesis.Hash(), 1_700_000_002, chaincfg.MinDifficulty, 0, []*model.Transaction{cb, bad})

	assert.Error(t, m.SaveBlock(b1))

	height, _, err := m.GetTip()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), height, "failed apply must not move the tip")

	_, err = m.GetBlockByHeight(1)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestGetBlocksInRange(t *testing.T) {
	m := New()
	miner := addr(1)

	genesis := model.GenesisBlock(&chaincfg.TestNetParams)
	require.NoError(t, m.SaveBlock(genesis))

	prev := genesis.Hash()
	for h := uint64(1); h <= 5; h++ {
		b := coinbaseBlock(h, prev, miner)
		require.NoError(t, m.SaveBlock(b))
		prev = b.Hash()
	}

	blocks, err := m.GetBlocksInRange(1, 3)
	require.NoError(t, err)
	require.Len(t, blocks, 3)
	assert.Equal(t, uint64(1), blocks[0].Height())
	assert.Equal(t, uint64(3), blocks[2].Height())

	// A range past the tip truncates at the tip.
	blocks, err = m.GetBlocksInRange(4, 100)
	require.NoError(t, err)
	assert.Len(t, blocks, 2)
}

func TestGetUTXOsForAddressPaging(t *testing.T) {
	m := New()
	miner := addr(1)

	genesis := model.GenesisBlock(&chaincfg.TestNetParams)
	require.NoError(t, m.SaveBlock(genesis))

	prev := genesis.Hash()
	for h := uint64(1); h <= 4; h++ {
		b := coinbaseBlock(h, prev, miner)
		require.NoError(t, m.SaveBlock(b))
		prev = b.Hash()
	}

	page1, err := m.GetUTXOsForAddress(miner, 3, 0)
	require.NoError(t, err)
	assert.Len(t, page1, 3)

	page2, err := m.GetUTXOsForAddress(miner, 3, 3)
	require.NoError(t, err)
	assert.Len(t, page2, 1)
}
