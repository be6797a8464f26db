package mempool

import (
	"sort"
	"sync"

	"github.com/zion-terranova/ziond/errors"
	"github.com/zion-terranova/ziond/model"
	"github.com/zion-terranova/ziond/pkg/chaincfg"
	"github.com/zion-terranova/ziond/ulogger"
)

// UTXOReader is the slice of the chain store the mempool needs to decide
// whether a referenced outpoint exists in committed state.
type UTXOReader interface {
	GetUTXO(key string) (*model.TxOutput, error)
}

// entry wraps a transaction with its admission metadata.
type entry struct {
	tx         *model.Transaction
	feeRate    uint64
	insertedAt int64
}

// Mempool holds verified, unconfirmed transactions. One mutex guards both
// the transaction map and the outpoint shadow map; the maps are always
// mutated together in that order.
type Mempool struct {
	logger ulogger.Logger
	utxos  UTXOReader

	maxSize int

	mu sync.Mutex
	// txs maps id -> entry.
	txs map[string]*entry
	// spentOutpoints maps "{tx}:{idx}" -> claiming tx id, so conflicting
	// submissions are rejected without touching storage.
	spentOutpoints map[string]string

	// clock is an insertion counter standing in for wall time so eviction
	// ordering is deterministic under test.
	clock int64
}

func New(logger ulogger.Logger, utxos UTXOReader, maxSize int) *Mempool {
	if maxSize <= 0 {
		maxSize = 10_000
	}
	return &Mempool{
		logger:         logger,
		utxos:          utxos,
		maxSize:        maxSize,
		txs:            make(map[string]*entry),
		spentOutpoints: make(map[string]string),
	}
}

// Add admits a transaction. Rejections: duplicate id, bad id or signatures,
// insufficient fee, an input not present in the committed UTXO set, or an
// input already claimed by another mempool transaction. On success the
// pool is trimmed back to its size bound.
func (m *Mempool) Add(tx *model.Transaction) error {
	if len(tx.Inputs) == 0 {
		return errors.NewTxInvalidError("transaction has no inputs")
	}
	if !tx.VerifySignatures() {
		return errors.NewTxInvalidError("invalid id or signatures")
	}

	size := tx.EstimateSize()
	if size > chaincfg.MaxTxSizeBytes {
		return errors.NewTxInvalidError("size %d exceeds maximum %d", size, chaincfg.MaxTxSizeBytes)
	}
	if required := chaincfg.RequiredFee(size); tx.Fee < required {
		return errors.NewTxInvalidError("fee %d below required %d", tx.Fee, required)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.txs[tx.ID]; ok {
		return errors.NewTxInvalidError("duplicate transaction %s", tx.ID)
	}

	for _, in := range tx.Inputs {
		key := in.Outpoint()
		if claimedBy, ok := m.spentOutpoints[key]; ok {
			return errors.NewTxInvalidError("outpoint %s already claimed by %s", key, claimedBy)
		}
		if _, err := m.utxos.GetUTXO(key); err != nil {
			return errors.NewTxInvalidError("outpoint %s not found", key)
		}
	}

	m.clock++
	m.txs[tx.ID] = &entry{
		tx:         tx,
		feeRate:    tx.FeeRate(),
		insertedAt: m.clock,
	}
	for _, in := range tx.Inputs {
		m.spentOutpoints[in.Outpoint()] = tx.ID
	}

	m.evictLocked()

	return nil
}

// Remove drops a transaction and releases its claimed outpoints.
func (m *Mempool) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(id)
}

func (m *Mempool) removeLocked(id string) {
	e, ok := m.txs[id]
	if !ok {
		return
	}
	delete(m.txs, id)
	for _, in := range e.tx.Inputs {
		if m.spentOutpoints[in.Outpoint()] == id {
			delete(m.spentOutpoints, in.Outpoint())
		}
	}
}

// RemoveForBlock drops every mempool transaction confirmed by the block,
// plus any transaction that conflicts with an outpoint the block spent.
func (m *Mempool) RemoveForBlock(b *model.Block) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, tx := range b.Transactions {
		m.removeLocked(tx.ID)
		for _, in := range tx.Inputs {
			if conflicting, ok := m.spentOutpoints[in.Outpoint()]; ok {
				m.removeLocked(conflicting)
			}
		}
	}
}

// GetTransaction returns a transaction by id, nil if absent.
func (m *Mempool) GetTransaction(id string) *model.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.txs[id]; ok {
		return e.tx
	}
	return nil
}

// GetAll returns the pooled transactions in descending fee-rate order, the
// order a miner would pick them.
func (m *Mempool) GetAll() []*model.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := make([]*entry, 0, len(m.txs))
	for _, e := range m.txs {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].feeRate != entries[j].feeRate {
			return entries[i].feeRate > entries[j].feeRate
		}
		return entries[i].insertedAt < entries[j].insertedAt
	})

	txs := make([]*model.Transaction, 0, len(entries))
	for _, e := range entries {
		txs = append(txs, e.tx)
	}
	return txs
}

func (m *Mempool) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.txs)
}

// IsOutpointClaimed reports whether a mempool transaction already spends
// the outpoint.
func (m *Mempool) IsOutpointClaimed(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.spentOutpoints[key]
	return ok
}

// evictLocked trims the pool to maxSize: lowest fee rate goes first, ties
// broken by oldest insertion. Evicted transactions release their claimed
// outpoints.
func (m *Mempool) evictLocked() int {
	if len(m.txs) <= m.maxSize {
		return 0
	}

	candidates := make([]*entry, 0, len(m.txs))
	for _, e := range m.txs {
		candidates = append(candidates, e)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].feeRate != candidates[j].feeRate {
			return candidates[i].feeRate < candidates[j].feeRate
		}
		return candidates[i].insertedAt < candidates[j].insertedAt
	})

	toRemove := len(m.txs) - m.maxSize
	for _, e := range candidates[:toRemove] {
		m.removeLocked(e.tx.ID)
	}

	if toRemove > 0 {
		m.logger.Debugf("evicted %d transactions, pool at %d", toRemove, len(m.txs))
	}
	return toRemove
}
