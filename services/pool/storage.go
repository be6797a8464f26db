package pool

// Share is one accepted proof-of-work submission.
type Share struct {
	ID                string  `json:"id"`
	JobID             string  `json:"job_id"`
	MinerAddress      string  `json:"miner_address"`
	Nonce             string  `json:"nonce"`
	Hash              string  `json:"hash"`
	ShareDifficulty   uint64  `json:"share_difficulty"`
	NetworkDifficulty uint64  `json:"network_difficulty"`
	Algorithm         string  `json:"algorithm"`
	Timestamp         int64   `json:"timestamp"`
	IsBlock           bool    `json:"is_block"`
	JobBlob           string  `json:"job_blob"`
	Height            uint64  `json:"height"`
}

// PendingBlock is a found block awaiting coinbase maturity.
type PendingBlock struct {
	Height       uint64 `json:"height"`
	Hash         string `json:"hash"`
	RewardAtomic uint64 `json:"reward_atomic"`
	FoundAt      int64  `json:"found_at"`
	Valid        bool   `json:"valid"`
}

// Payout record statuses.
const (
	PayoutStatusPending   = "pending"
	PayoutStatusSent      = "sent"
	PayoutStatusConfirmed = "confirmed"
	PayoutStatusFailed    = "failed"
)

// PayoutRecord tracks one payment from sent to confirmed or failed.
type PayoutRecord struct {
	ID           uint64 `json:"id"`
	Address      string `json:"address"`
	AmountAtomic uint64 `json:"amount_atomic"`
	Status       string `json:"status"`
	TxID         string `json:"tx_id,omitempty"`
	Error        string `json:"error,omitempty"`
	CreatedTS    int64  `json:"created_ts"`
	UpdatedTS    int64  `json:"updated_ts"`
}

// MinerStats are the per-miner lifetime counters.
type MinerStats struct {
	Accepted uint64 `json:"accepted"`
	Rejected uint64 `json:"rejected"`
	Blocks   uint64 `json:"blocks"`
}

// Storage is the pool's persistence contract. The production backend is
// Redis; tests use the in-memory implementation. Share writes are
// append-only so a crash never corrupts accounting.
type Storage interface {
	// Shares.
	StoreShare(share *Share) error
	// RecentShares returns up to n most recent shares, newest first.
	RecentShares(n int64) ([]*Share, error)
	IncrementMinerShare(address string, accepted bool) error
	IncrementMinerBlocks(address string) error
	GetMinerStats(address string) (*MinerStats, error)

	// Block credits, locked until maturity.
	CreditBlockShares(blockHash string, credits map[string]uint64) error
	UnlockBlockCredits(blockHash string) error
	DropBlockCredits(blockHash string) error

	// Mature pending balances.
	PendingBalance(address string) (uint64, error)
	PayoutCandidates(minAmount uint64, limit int) (map[string]uint64, error)
	DebitPending(address string, amount uint64) error

	// Maturity tracking.
	RecordPendingBlock(pb *PendingBlock) error
	PendingBlocksUpTo(height uint64) ([]*PendingBlock, error)
	RemovePendingBlock(blockHash string) error
	PendingBlockCount() (int64, error)

	// Payout records.
	CreatePayoutRecord(address string, amountAtomic uint64, txID string) (uint64, error)
	SentPayoutRecords(limit int) ([]*PayoutRecord, error)
	MarkPayoutConfirmed(id uint64) error
	MarkPayoutFailed(id uint64, reason string) error

	Ping() error
	Close() error
}
