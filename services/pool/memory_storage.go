package pool

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStorage implements Storage without Redis, for tests and single-box
// development pools.
type MemoryStorage struct {
	mu sync.Mutex

	shares       []*Share
	minerStats   map[string]*MinerStats
	blockCredits map[string]map[string]uint64
	pending      map[string]uint64

	pendingBlocks map[string]*PendingBlock

	payoutRecords map[uint64]*PayoutRecord
	nextPayoutID  uint64
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		minerStats:    make(map[string]*MinerStats),
		blockCredits:  make(map[string]map[string]uint64),
		pending:       make(map[string]uint64),
		pendingBlocks: make(map[string]*PendingBlock),
		payoutRecords: make(map[uint64]*PayoutRecord),
	}
}

func (m *MemoryStorage) Ping() error  { return nil }
func (m *MemoryStorage) Close() error { return nil }

func (m *MemoryStorage) StoreShare(share *Share) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if share.ID == "" {
		share.ID = uuid.NewString()
	}
	m.shares = append(m.shares, share)
	return nil
}

func (m *MemoryStorage) RecentShares(n int64) ([]*Share, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sorted := make([]*Share, len(m.shares))
	copy(sorted, m.shares)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp > sorted[j].Timestamp })

	if int64(len(sorted)) > n {
		sorted = sorted[:n]
	}
	return sorted, nil
}

func (m *MemoryStorage) statsFor(address string) *MinerStats {
	if m.minerStats[address] == nil {
		m.minerStats[address] = &MinerStats{}
	}
	return m.minerStats[address]
}

func (m *MemoryStorage) IncrementMinerShare(address string, accepted bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if accepted {
		m.statsFor(address).Accepted++
	} else {
		m.statsFor(address).Rejected++
	}
	return nil
}

func (m *MemoryStorage) IncrementMinerBlocks(address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statsFor(address).Blocks++
	return nil
}

func (m *MemoryStorage) GetMinerStats(address string) (*MinerStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := *m.statsFor(address)
	return &stats, nil
}

func (m *MemoryStorage) CreditBlockShares(blockHash string, credits map[string]uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.blockCredits[blockHash] == nil {
		m.blockCredits[blockHash] = make(map[string]uint64)
	}
	for addr, amount := range credits {
		m.blockCredits[blockHash][addr] += amount
	}
	return nil
}

func (m *MemoryStorage) UnlockBlockCredits(blockHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for addr, amount := range m.blockCredits[blockHash] {
		m.pending[addr] += amount
	}
	delete(m.blockCredits, blockHash)
	return nil
}

func (m *MemoryStorage) DropBlockCredits(blockHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blockCredits, blockHash)
	return nil
}

func (m *MemoryStorage) PendingBalance(address string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending[address], nil
}

func (m *MemoryStorage) PayoutCandidates(minAmount uint64, limit int) (map[string]uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	candidates := make(map[string]uint64)
	for addr, balance := range m.pending {
		if balance >= minAmount {
			candidates[addr] = balance
		}
		if len(candidates) >= limit {
			break
		}
	}
	return candidates, nil
}

func (m *MemoryStorage) DebitPending(address string, amount uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending[address] < amount {
		m.pending[address] = 0
		return nil
	}
	m.pending[address] -= amount
	return nil
}

func (m *MemoryStorage) RecordPendingBlock(pb *PendingBlock) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingBlocks[pb.Hash] = pb
	return nil
}

func (m *MemoryStorage) PendingBlocksUpTo(height uint64) ([]*PendingBlock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var blocks []*PendingBlock
	for _, pb := range m.pendingBlocks {
		if pb.Height <= height {
			blocks = append(blocks, pb)
		}
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Height < blocks[j].Height })
	return blocks, nil
}

func (m *MemoryStorage) RemovePendingBlock(blockHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pendingBlocks, blockHash)
	return nil
}

func (m *MemoryStorage) PendingBlockCount() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.pendingBlocks)), nil
}

func (m *MemoryStorage) CreatePayoutRecord(address string, amountAtomic uint64, txID string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextPayoutID++
	now := time.Now().Unix()
	m.payoutRecords[m.nextPayoutID] = &PayoutRecord{
		ID:           m.nextPayoutID,
		Address:      address,
		AmountAtomic: amountAtomic,
		Status:       PayoutStatusSent,
		TxID:         txID,
		CreatedTS:    now,
		UpdatedTS:    now,
	}
	return m.nextPayoutID, nil
}

func (m *MemoryStorage) SentPayoutRecords(limit int) ([]*PayoutRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var records []*PayoutRecord
	for _, rec := range m.payoutRecords {
		if rec.Status == PayoutStatusSent {
			records = append(records, rec)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (m *MemoryStorage) MarkPayoutConfirmed(id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.payoutRecords[id]; ok {
		rec.Status = PayoutStatusConfirmed
		rec.UpdatedTS = time.Now().Unix()
	}
	return nil
}

func (m *MemoryStorage) MarkPayoutFailed(id uint64, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.payoutRecords[id]; ok {
		rec.Status = PayoutStatusFailed
		rec.Error = reason
		rec.UpdatedTS = time.Now().Unix()
	}
	return nil
}

// PayoutRecord returns a record by id (test helper).
func (m *MemoryStorage) PayoutRecord(id uint64) *PayoutRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.payoutRecords[id]; ok {
		cp := *rec
		return &cp
	}
	return nil
}
