package blockchain

import (
	"github.com/zion-terranova/ziond/errors"
	"github.com/zion-terranova/ziond/model"
)

var (
	// ErrNotFound is returned for any missing block, transaction or UTXO.
	ErrNotFound = errors.New(errors.ErrNotFound, "not found")
)

// UTXOEntry is an indexed view row: the outpoint key plus its output.
type UTXOEntry struct {
	Key    string          `json:"key"`
	Output *model.TxOutput `json:"output"`
}

// Store is the persistence contract the consensus engine relies on. Every
// mutating call is transactional: SaveBlock commits the block together with
// all of its UTXO effects or nothing; DeleteBlockAtHeight reverses them the
// same way. Reads outside a mutation see a consistent snapshot.
type Store interface {
	// GetBlock fetches a block by hash.
	GetBlock(hash string) (*model.Block, error)

	// GetBlockByHeight fetches a block on the canonical chain.
	GetBlockByHeight(height uint64) (*model.Block, error)

	// GetBlocksInRange returns canonical blocks for heights [start, end]
	// from one consistent snapshot.
	GetBlocksInRange(start, end uint64) ([]*model.Block, error)

	// SaveBlock atomically persists the block, applies its UTXO state
	// transition (consume inputs, create outputs), indexes its
	// transactions and advances the tip.
	SaveBlock(b *model.Block) error

	// DeleteBlockAtHeight atomically removes the block at height, restores
	// the UTXOs it consumed, deletes the ones it created and moves the tip
	// back one block.
	DeleteBlockAtHeight(height uint64) error

	// GetUTXO returns the unspent output for an outpoint key
	// "{tx_hash}:{index}".
	GetUTXO(key string) (*model.TxOutput, error)

	// GetBalanceForAddress sums the address's unspent outputs.
	GetBalanceForAddress(address string) (total uint64, count int, err error)

	// GetUTXOsForAddress pages through the address's unspent outputs.
	GetUTXOsForAddress(address string, limit, offset int) ([]UTXOEntry, error)

	// GetBlockHashForTx resolves the block containing a confirmed
	// transaction.
	GetBlockHashForTx(txID string) (string, error)

	// GetTip returns the canonical chain head.
	GetTip() (height uint64, hash string, err error)

	Close() error
}
