package memory

import (
	"sort"
	"sync"

	"github.com/zion-terranova/ziond/errors"
	"github.com/zion-terranova/ziond/model"
	store "github.com/zion-terranova/ziond/stores/blockchain"
)

// Memory is a map-backed Store with the same transactional semantics as the
// leveldb backend. Used by tests and ephemeral nodes.
type Memory struct {
	mu        sync.RWMutex
	blocks    map[string]*model.Block  // hash -> block
	heights   map[uint64]string        // height -> hash
	utxos     map[string]*model.TxOutput
	addrIndex map[string]map[string]uint64 // address -> outpoint -> amount
	txIndex   map[string]string            // txid -> block hash
	tipHeight uint64
	tipHash   string
	hasTip    bool
}

func New() *Memory {
	return &Memory{
		blocks:    make(map[string]*model.Block),
		heights:   make(map[uint64]string),
		utxos:     make(map[string]*model.TxOutput),
		addrIndex: make(map[string]map[string]uint64),
		txIndex:   make(map[string]string),
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) GetBlock(hash string) (*model.Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.blocks[hash]
	if !ok {
		return nil, store.ErrNotFound
	}
	return b, nil
}

func (m *Memory) GetBlockByHeight(height uint64) (*model.Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hash, ok := m.heights[height]
	if !ok {
		return nil, store.ErrNotFound
	}
	return m.blocks[hash], nil
}

func (m *Memory) GetBlocksInRange(start, end uint64) ([]*model.Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	blocks := make([]*model.Block, 0, end-start+1)
	for h := start; h <= end; h++ {
		hash, ok := m.heights[h]
		if !ok {
			break
		}
		blocks = append(blocks, m.blocks[hash])
	}
	return blocks, nil
}

func (m *Memory) SaveBlock(b *model.Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	hash := b.Hash()

	// Validate inputs exist before mutating so a failure leaves the store
	// untouched, mirroring the batch-write atomicity of the disk backend.
	// An input may consume an output created earlier in this same block.
	createdInBlock := make(map[string]bool)
	for _, tx := range b.Transactions {
		for _, in := range tx.Inputs {
			if createdInBlock[in.Outpoint()] {
				continue
			}
			if _, ok := m.utxos[in.Outpoint()]; !ok {
				return errors.NewStorageError("apply %s: missing utxo %s", hash, in.Outpoint())
			}
		}
		for idx := range tx.Outputs {
			createdInBlock[model.OutpointKey(tx.ID, uint32(idx))] = true
		}
	}

	m.blocks[hash] = b
	m.heights[b.Height()] = hash

	for _, tx := range b.Transactions {
		m.txIndex[tx.ID] = hash

		for idx, out := range tx.Outputs {
			key := model.OutpointKey(tx.ID, uint32(idx))
			m.utxos[key] = out
			if m.addrIndex[out.Address] == nil {
				m.addrIndex[out.Address] = make(map[string]uint64)
			}
			m.addrIndex[out.Address][key] = out.Amount
		}
	}

	// Inputs consume after all in-block outputs exist, so dependent
	// transaction chains resolve.
	for _, tx := range b.Transactions {
		for _, in := range tx.Inputs {
			out := m.utxos[in.Outpoint()]
			delete(m.utxos, in.Outpoint())
			if out != nil {
				if idx := m.addrIndex[out.Address]; idx != nil {
					delete(idx, in.Outpoint())
				}
			}
		}
	}

	m.tipHeight = b.Height()
	m.tipHash = hash
	m.hasTip = true

	return nil
}

func (m *Memory) DeleteBlockAtHeight(height uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	hash, ok := m.heights[height]
	if !ok {
		return store.ErrNotFound
	}
	b := m.blocks[hash]

	inBlock := make(map[string]bool, len(b.Transactions))
	for _, tx := range b.Transactions {
		inBlock[tx.ID] = true
	}

	for _, tx := range b.Transactions {
		delete(m.txIndex, tx.ID)

		for idx, out := range tx.Outputs {
			key := model.OutpointKey(tx.ID, uint32(idx))
			delete(m.utxos, key)
			if ai := m.addrIndex[out.Address]; ai != nil {
				delete(ai, key)
			}
		}

		for _, in := range tx.Inputs {
			if inBlock[in.PrevTxHash] {
				// The consumed output dies with this block.
				continue
			}
			out, err := m.lookupSpentOutputLocked(in)
			if err != nil {
				return err
			}
			m.utxos[in.Outpoint()] = out
			if m.addrIndex[out.Address] == nil {
				m.addrIndex[out.Address] = make(map[string]uint64)
			}
			m.addrIndex[out.Address][in.Outpoint()] = out.Amount
		}
	}

	delete(m.blocks, hash)
	delete(m.heights, height)

	if height > 0 {
		prevHash := m.heights[height-1]
		m.tipHeight = height - 1
		m.tipHash = prevHash
	} else {
		m.hasTip = false
		m.tipHash = ""
		m.tipHeight = 0
	}

	return nil
}

func (m *Memory) lookupSpentOutputLocked(in *model.TxInput) (*model.TxOutput, error) {
	blockHash, ok := m.txIndex[in.PrevTxHash]
	if !ok {
		return nil, errors.NewStorageError("rollback: source tx %s not indexed", in.PrevTxHash)
	}
	for _, tx := range m.blocks[blockHash].Transactions {
		if tx.ID == in.PrevTxHash {
			if int(in.OutputIndex) >= len(tx.Outputs) {
				return nil, errors.NewStorageError("rollback: output index %d out of range", in.OutputIndex)
			}
			return tx.Outputs[in.OutputIndex], nil
		}
	}
	return nil, errors.NewStorageError("rollback: tx %s not in indexed block", in.PrevTxHash)
}

func (m *Memory) GetUTXO(key string) (*model.TxOutput, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out, ok := m.utxos[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return out, nil
}

func (m *Memory) GetBalanceForAddress(address string) (uint64, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total uint64
	idx := m.addrIndex[address]
	for _, amount := range idx {
		total += amount
	}
	return total, len(idx), nil
}

func (m *Memory) GetUTXOsForAddress(address string, limit, offset int) ([]store.UTXOEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	idx := m.addrIndex[address]
	keys := make([]string, 0, len(idx))
	for k := range idx {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	entries := make([]store.UTXOEntry, 0, limit)
	for i := offset; i < len(keys) && len(entries) < limit; i++ {
		entries = append(entries, store.UTXOEntry{
			Key:    keys[i],
			Output: &model.TxOutput{Amount: idx[keys[i]], Address: address},
		})
	}
	return entries, nil
}

func (m *Memory) GetBlockHashForTx(txID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hash, ok := m.txIndex[txID]
	if !ok {
		return "", store.ErrNotFound
	}
	return hash, nil
}

func (m *Memory) GetTip() (uint64, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.hasTip {
		return 0, "", store.ErrNotFound
	}
	return m.tipHeight, m.tipHash, nil
}
