package leveldb

import (
	"encoding/binary"
	"encoding/json"

	"github.com/btcsuite/goleveldb/leveldb"
	ldberrors "github.com/btcsuite/goleveldb/leveldb/errors"
	"github.com/btcsuite/goleveldb/leveldb/util"

	"github.com/zion-terranova/ziond/errors"
	"github.com/zion-terranova/ziond/model"
	store "github.com/zion-terranova/ziond/stores/blockchain"
	"github.com/zion-terranova/ziond/ulogger"
)

// Keyspace. Heights are big-endian so lexicographic iteration is height
// order.
//
//	b:<hash>            -> block JSON
//	h:<height BE>       -> block hash
//	u:<outpoint>        -> TxOutput JSON
//	a:<address>:<outpoint> -> amount LE (address index)
//	t:<txid>            -> containing block hash
//	tip                 -> height BE || hash
const (
	prefixBlock   = "b:"
	prefixHeight  = "h:"
	prefixUTXO    = "u:"
	prefixAddress = "a:"
	prefixTxIndex = "t:"
	keyTip        = "tip"
)

type LevelDB struct {
	logger ulogger.Logger
	db     *leveldb.DB
}

// New opens (or creates) the embedded store at dir. Failure here is the one
// fatal startup condition for the node.
func New(logger ulogger.Logger, dir string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		if ldberrors.IsCorrupted(err) {
			db, err = leveldb.RecoverFile(dir, nil)
		}
		if err != nil {
			return nil, errors.NewStorageError("opening leveldb at %s: %v", dir, err)
		}
	}

	return &LevelDB{
		logger: logger,
		db:     db,
	}, nil
}

func (l *LevelDB) Close() error {
	return l.db.Close()
}

func heightKey(height uint64) []byte {
	key := make([]byte, len(prefixHeight)+8)
	copy(key, prefixHeight)
	binary.BigEndian.PutUint64(key[len(prefixHeight):], height)
	return key
}

func (l *LevelDB) GetBlock(hash string) (*model.Block, error) {
	raw, err := l.db.Get([]byte(prefixBlock+hash), nil)
	if err == leveldb.ErrNotFound {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, errors.NewStorageError("reading block %s: %v", hash, err)
	}

	var b model.Block
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, errors.NewStorageError("decoding block %s: %v", hash, err)
	}
	return &b, nil
}

func (l *LevelDB) GetBlockByHeight(height uint64) (*model.Block, error) {
	hash, err := l.db.Get(heightKey(height), nil)
	if err == leveldb.ErrNotFound {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, errors.NewStorageError("reading height index %d: %v", height, err)
	}
	return l.GetBlock(string(hash))
}

func (l *LevelDB) GetBlocksInRange(start, end uint64) ([]*model.Block, error) {
	snap, err := l.db.GetSnapshot()
	if err != nil {
		return nil, errors.NewStorageError("snapshot: %v", err)
	}
	defer snap.Release()

	blocks := make([]*model.Block, 0, end-start+1)
	for h := start; h <= end; h++ {
		hash, err := snap.Get(heightKey(h), nil)
		if err == leveldb.ErrNotFound {
			break
		}
		if err != nil {
			return nil, errors.NewStorageError("reading height index %d: %v", h, err)
		}
		raw, err := snap.Get([]byte(prefixBlock+string(hash)), nil)
		if err != nil {
			return nil, errors.NewStorageError("reading block at %d: %v", h, err)
		}
		var b model.Block
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, errors.NewStorageError("decoding block at %d: %v", h, err)
		}
		blocks = append(blocks, &b)
	}
	return blocks, nil
}

// SaveBlock writes the block, its indexes and all UTXO effects in a single
// batch. A crash either commits everything or nothing.
func (l *LevelDB) SaveBlock(b *model.Block) error {
	hash := b.Hash()

	raw, err := json.Marshal(b)
	if err != nil {
		return errors.NewStorageError("encoding block %s: %v", hash, err)
	}

	batch := new(leveldb.Batch)
	batch.Put([]byte(prefixBlock+hash), raw)
	batch.Put(heightKey(b.Height()), []byte(hash))

	// createdInBlock resolves inputs that spend an output created by an
	// earlier transaction of the same block, which is not yet visible in
	// the committed UTXO set.
	createdInBlock := make(map[string]*model.TxOutput)

	for _, tx := range b.Transactions {
		batch.Put([]byte(prefixTxIndex+tx.ID), []byte(hash))

		// Consume inputs.
		for _, in := range tx.Inputs {
			out, ok := createdInBlock[in.Outpoint()]
			if ok {
				delete(createdInBlock, in.Outpoint())
			} else {
				var err error
				out, err = l.GetUTXO(in.Outpoint())
				if err != nil {
					return errors.NewStorageError("apply %s: missing utxo %s", hash, in.Outpoint())
				}
			}
			batch.Delete([]byte(prefixUTXO + in.Outpoint()))
			batch.Delete([]byte(prefixAddress + out.Address + ":" + in.Outpoint()))
		}

		// Create outputs.
		for idx, out := range tx.Outputs {
			key := model.OutpointKey(tx.ID, uint32(idx))
			outRaw, err := json.Marshal(out)
			if err != nil {
				return errors.NewStorageError("encoding output %s: %v", key, err)
			}
			batch.Put([]byte(prefixUTXO+key), outRaw)

			var amount [8]byte
			binary.LittleEndian.PutUint64(amount[:], out.Amount)
			batch.Put([]byte(prefixAddress+out.Address+":"+key), amount[:])
			createdInBlock[key] = out
		}
	}

	tip := make([]byte, 8+len(hash))
	binary.BigEndian.PutUint64(tip, b.Height())
	copy(tip[8:], hash)
	batch.Put([]byte(keyTip), tip)

	if err := l.db.Write(batch, nil); err != nil {
		return errors.NewStorageError("committing block %s: %v", hash, err)
	}
	return nil
}

// DeleteBlockAtHeight reverses a block: restores the UTXOs its transactions
// consumed, removes the ones they created, and steps the tip back. All in
// one batch.
func (l *LevelDB) DeleteBlockAtHeight(height uint64) error {
	b, err := l.GetBlockByHeight(height)
	if err != nil {
		return err
	}
	hash := b.Hash()

	batch := new(leveldb.Batch)

	// Transactions of this block, for inputs whose source is in-block.
	inBlock := make(map[string]*model.Transaction, len(b.Transactions))
	for _, tx := range b.Transactions {
		inBlock[tx.ID] = tx
	}

	for _, tx := range b.Transactions {
		batch.Delete([]byte(prefixTxIndex + tx.ID))

		for idx, out := range tx.Outputs {
			key := model.OutpointKey(tx.ID, uint32(idx))
			batch.Delete([]byte(prefixUTXO + key))
			batch.Delete([]byte(prefixAddress + out.Address + ":" + key))
		}

		for _, in := range tx.Inputs {
			if src, ok := inBlock[in.PrevTxHash]; ok {
				// The consumed output dies with this block; nothing to
				// restore.
				if int(in.OutputIndex) >= len(src.Outputs) {
					return errors.NewStorageError("rollback: output index %d out of range for tx %s", in.OutputIndex, src.ID)
				}
				continue
			}
			out, err := l.lookupSpentOutput(in)
			if err != nil {
				return err
			}
			outRaw, err := json.Marshal(out)
			if err != nil {
				return errors.NewStorageError("encoding restored output: %v", err)
			}
			batch.Put([]byte(prefixUTXO+in.Outpoint()), outRaw)

			var amount [8]byte
			binary.LittleEndian.PutUint64(amount[:], out.Amount)
			batch.Put([]byte(prefixAddress+out.Address+":"+in.Outpoint()), amount[:])
		}
	}

	batch.Delete([]byte(prefixBlock + hash))
	batch.Delete(heightKey(height))

	if height > 0 {
		prevHash, err := l.db.Get(heightKey(height-1), nil)
		if err != nil {
			return errors.NewStorageError("reading parent at %d: %v", height-1, err)
		}
		tip := make([]byte, 8+len(prevHash))
		binary.BigEndian.PutUint64(tip, height-1)
		copy(tip[8:], prevHash)
		batch.Put([]byte(keyTip), tip)
	} else {
		batch.Delete([]byte(keyTip))
	}

	if err := l.db.Write(batch, nil); err != nil {
		return errors.NewStorageError("rolling back block %s: %v", hash, err)
	}
	return nil
}

// lookupSpentOutput finds the output an input consumed by walking the tx
// index to the source block.
func (l *LevelDB) lookupSpentOutput(in *model.TxInput) (*model.TxOutput, error) {
	blockHash, err := l.db.Get([]byte(prefixTxIndex+in.PrevTxHash), nil)
	if err != nil {
		return nil, errors.NewStorageError("rollback: source tx %s not indexed: %v", in.PrevTxHash, err)
	}
	b, err := l.GetBlock(string(blockHash))
	if err != nil {
		return nil, err
	}
	for _, tx := range b.Transactions {
		if tx.ID == in.PrevTxHash {
			if int(in.OutputIndex) >= len(tx.Outputs) {
				return nil, errors.NewStorageError("rollback: output index %d out of range for tx %s", in.OutputIndex, tx.ID)
			}
			return tx.Outputs[in.OutputIndex], nil
		}
	}
	return nil, errors.NewStorageError("rollback: tx %s not in indexed block", in.PrevTxHash)
}

func (l *LevelDB) GetUTXO(key string) (*model.TxOutput, error) {
	raw, err := l.db.Get([]byte(prefixUTXO+key), nil)
	if err == leveldb.ErrNotFound {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, errors.NewStorageError("reading utxo %s: %v", key, err)
	}

	var out model.TxOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errors.NewStorageError("decoding utxo %s: %v", key, err)
	}
	return &out, nil
}

func (l *LevelDB) GetBalanceForAddress(address string) (uint64, int, error) {
	iter := l.db.NewIterator(util.BytesPrefix([]byte(prefixAddress+address+":")), nil)
	defer iter.Release()

	var total uint64
	var count int
	for iter.Next() {
		total += binary.LittleEndian.Uint64(iter.Value())
		count++
	}
	if err := iter.Error(); err != nil {
		return 0, 0, errors.NewStorageError("scanning balance for %s: %v", address, err)
	}
	return total, count, nil
}

func (l *LevelDB) GetUTXOsForAddress(address string, limit, offset int) ([]store.UTXOEntry, error) {
	prefix := prefixAddress + address + ":"
	iter := l.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()

	entries := make([]store.UTXOEntry, 0, limit)
	pos := 0
	for iter.Next() {
		if pos < offset {
			pos++
			continue
		}
		if len(entries) >= limit {
			break
		}
		key := string(iter.Key())[len(prefix):]
		entries = append(entries, store.UTXOEntry{
			Key: key,
			Output: &model.TxOutput{
				Amount:  binary.LittleEndian.Uint64(iter.Value()),
				Address: address,
			},
		})
		pos++
	}
	if err := iter.Error(); err != nil {
		return nil, errors.NewStorageError("scanning utxos for %s: %v", address, err)
	}
	return entries, nil
}

func (l *LevelDB) GetBlockHashForTx(txID string) (string, error) {
	hash, err := l.db.Get([]byte(prefixTxIndex+txID), nil)
	if err == leveldb.ErrNotFound {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", errors.NewStorageError("reading tx index %s: %v", txID, err)
	}
	return string(hash), nil
}

func (l *LevelDB) GetTip() (uint64, string, error) {
	raw, err := l.db.Get([]byte(keyTip), nil)
	if err == leveldb.ErrNotFound {
		return 0, "", store.ErrNotFound
	}
	if err != nil {
		return 0, "", errors.NewStorageError("reading tip: %v", err)
	}
	return binary.BigEndian.Uint64(raw[:8]), string(raw[8:]), nil
}
