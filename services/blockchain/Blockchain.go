package blockchain

import (
	"sync"
	"time"

	"github.com/zion-terranova/ziond/errors"
	"github.com/zion-terranova/ziond/model"
	"github.com/zion-terranova/ziond/pkg/chaincfg"
	"github.com/zion-terranova/ziond/pkg/crypto"
	"github.com/zion-terranova/ziond/services/mempool"
	store "github.com/zion-terranova/ziond/stores/blockchain"
	"github.com/zion-terranova/ziond/ulogger"
)

// Notification is pushed to subscribers (the p2p gossip layer) when the
// chain state changes.
type Notification struct {
	Block *model.Block       // set when a block was accepted
	Tx    *model.Transaction // set when a transaction entered the mempool
}

// Blockchain is the consensus engine: it owns the tip, the mempool and all
// storage writes. The single mutex makes block-apply and mempool updates
// linearizable; UTXO reads outside block-apply go straight to the store's
// snapshot reads.
type Blockchain struct {
	logger  ulogger.Logger
	params  *chaincfg.Params
	store   store.Store
	mempool *mempool.Mempool

	mu      sync.Mutex
	genesis *model.Block

	subMu       sync.Mutex
	subscribers []func(Notification)
}

func New(logger ulogger.Logger, s store.Store, params *chaincfg.Params, mempoolSize int) (*Blockchain, error) {
	b := &Blockchain{
		logger:  logger,
		params:  params,
		store:   s,
		genesis: model.GenesisBlock(params),
	}
	b.mempool = mempool.New(logger.New("mempool"), s, mempoolSize)

	if _, _, err := s.GetTip(); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		if err := s.SaveBlock(b.genesis); err != nil {
			return nil, errors.NewStorageError("writing genesis: %v", err)
		}
		logger.Infof("initialised %s chain at genesis %s", params.Name, b.genesis.Hash())
	}

	return b, nil
}

func (b *Blockchain) Store() store.Store       { return b.store }
func (b *Blockchain) Mempool() *mempool.Mempool { return b.mempool }
func (b *Blockchain) Genesis() *model.Block     { return b.genesis }

// Subscribe registers a chain event listener. Callbacks run on the
// accepting goroutine and must not block.
func (b *Blockchain) Subscribe(fn func(Notification)) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	b.subscribers = append(b.subscribers, fn)
}

func (b *Blockchain) notify(n Notification) {
	b.subMu.Lock()
	subs := make([]func(Notification), len(b.subscribers))
	copy(subs, b.subscribers)
	b.subMu.Unlock()

	for _, fn := range subs {
		fn(n)
	}
}

// Tip returns the canonical chain head.
func (b *Blockchain) Tip() (uint64, string, error) {
	return b.store.GetTip()
}

// NextDifficulty is the difficulty required of the next block.
func (b *Blockchain) NextDifficulty() uint64 {
	tip, _, err := b.store.GetTip()
	if err != nil {
		return chaincfg.MinDifficulty
	}
	return b.nextDifficulty(tip)
}

// ProcessBlock validates and applies a single block. A block extending the
// tip advances the chain; anything else is evaluated as a one-block
// candidate chain for reorganisation.
func (b *Blockchain) ProcessBlock(blk *model.Block) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.processChainLocked([]*model.Block{blk})
}

// ProcessBlocks applies a contiguous ascending sequence (an IBD batch or a
// competing chain) under one hold of the consensus lock.
func (b *Blockchain) ProcessBlocks(blocks []*model.Block) error {
	if len(blocks) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.processChainLocked(blocks)
}

func (b *Blockchain) processChainLocked(blocks []*model.Block) error {
	for i := 1; i < len(blocks); i++ {
		if blocks[i].Height() != blocks[i-1].Height()+1 || blocks[i].Header.PrevHash != blocks[i-1].Hash() {
			return errors.NewBlockInvalidError("block sequence not contiguous at %d", blocks[i].Height())
		}
	}

	tipHeight, tipHash, err := b.store.GetTip()
	if err != nil {
		return errors.NewStorageError("reading tip: %v", err)
	}

	first := blocks[0]

	// Fast path: the sequence extends the tip.
	if first.Height() == tipHeight+1 && first.Header.PrevHash == tipHash {
		return b.extendLocked(blocks)
	}

	// Already known?
	if existing, err := b.store.GetBlock(first.Hash()); err == nil && existing != nil && len(blocks) == 1 {
		return errors.NewBlockExistsError("block %s already known", first.Hash())
	}

	return b.reorganizeLocked(blocks)
}

// extendLocked validates and applies blocks one at a time onto the tip.
func (b *Blockchain) extendLocked(blocks []*model.Block) error {
	for _, blk := range blocks {
		parent, err := b.store.GetBlockByHeight(blk.Height() - 1)
		if err != nil {
			return errors.NewStorageError("loading parent of %d: %v", blk.Height(), err)
		}
		if err := b.validateBlock(blk, parent); err != nil {
			return err
		}
		if err := b.store.SaveBlock(blk); err != nil {
			return err
		}

		b.mempool.RemoveForBlock(blk)
		b.logger.Infof("accepted block height=%d hash=%s txs=%d difficulty=%d",
			blk.Height(), blk.Hash(), len(blk.Transactions), blk.Difficulty())
		b.notify(Notification{Block: blk})
	}
	return nil
}

// reorganizeLocked evaluates an alternative chain and switches to it when
// it carries strictly more work (or equal work and strictly more height).
// Each block's rollback and each block's apply is one atomic store batch;
// if applying the new chain fails part-way, the rolled-back blocks are
// re-applied so a bad chain leaves the pre-reorg state. The reorg as a
// whole is not journaled: a crash between rollback and re-apply leaves the
// store at whatever block the process reached.
func (b *Blockchain) reorganizeLocked(blocks []*model.Block) error {
	forkPoint, err := findForkPoint(b.store, blocks)
	if err != nil {
		return err
	}

	// Incoming blocks at or below the fork point are already ours; they are
	// neither re-applied nor counted toward the candidate's work.
	apply := blocks
	for len(apply) > 0 && apply[0].Height() <= forkPoint {
		apply = apply[1:]
	}

	stronger, err := isStrongerChain(b.store, forkPoint, apply)
	if err != nil {
		return err
	}
	if !stronger {
		return errors.NewBlockInvalidError("candidate chain is not stronger than current tip")
	}

	tipHeight, _, _ := b.store.GetTip()
	b.logger.Warnf("reorganizing: fork=%d tip=%d incoming=%d blocks", forkPoint, tipHeight, len(apply))

	rolledBack, err := rollbackToHeight(b.store, forkPoint)
	if err != nil {
		return errors.NewStorageError("rollback to %d failed: %v", forkPoint, err)
	}

	if err := b.extendLocked(apply); err != nil {
		b.logger.Errorf("reorg apply failed, restoring previous chain: %v", err)
		b.restoreLocked(forkPoint, rolledBack)
		return err
	}

	// Return rolled-back transactions to the mempool where still valid.
	for _, old := range rolledBack {
		for _, tx := range old.Transactions {
			if tx.IsCoinbase() || len(tx.Inputs) == 0 {
				continue
			}
			if err := b.mempool.Add(tx); err != nil {
				b.logger.Debugf("dropped rolled-back tx %s: %v", tx.ID, err)
			}
		}
	}

	newTip, newHash, _ := b.store.GetTip()
	b.logger.Warnf("reorganization complete: new tip height=%d hash=%s", newTip, newHash)
	return nil
}

// restoreLocked puts the previously rolled-back blocks back after a failed
// reorg. rolledBack is tip-first.
func (b *Blockchain) restoreLocked(forkPoint uint64, rolledBack []*model.Block) {
	// Remove whatever part of the new chain was applied.
	if _, err := rollbackToHeight(b.store, forkPoint); err != nil {
		b.logger.Errorf("restore: rollback of partial chain failed: %v", err)
		return
	}
	for i := len(rolledBack) - 1; i >= 0; i-- {
		if err := b.store.SaveBlock(rolledBack[i]); err != nil {
			b.logger.Errorf("restore: re-applying block %d failed: %v", rolledBack[i].Height(), err)
			return
		}
	}
}

// ProcessTransaction verifies a transaction, admits it to the mempool and
// announces it.
func (b *Blockchain) ProcessTransaction(tx *model.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.mempool.Add(tx); err != nil {
		return err
	}

	b.notify(Notification{Tx: tx})
	return nil
}

// BlockTemplate is the mining work handed to the pool.
type BlockTemplate struct {
	Version      uint32 `json:"version"`
	Height       uint64 `json:"height"`
	Difficulty   uint64 `json:"difficulty"`
	PrevHash     string `json:"prev_hash"`
	Target       string `json:"target"`
	RewardAtomic uint64 `json:"reward_atomic"`
	Timestamp    uint64 `json:"timestamp"`
	Blob         string `json:"blob"`
}

// BuildTemplate produces work for a wallet. The blob commits to a coinbase
// paying the wallet the full reward at the template timestamp, so
// SubmitTemplateBlock can reconstruct the identical block from
// (blob, nonce, wallet) alone.
func (b *Blockchain) BuildTemplate(wallet string) (*BlockTemplate, error) {
	if !crypto.ValidateAddress(wallet) {
		return nil, errors.NewInvalidArgumentError("invalid wallet address %s", wallet)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	tipHeight, tipHash, err := b.store.GetTip()
	if err != nil {
		return nil, errors.NewStorageError("reading tip: %v", err)
	}
	tipBlock, err := b.store.GetBlockByHeight(tipHeight)
	if err != nil {
		return nil, errors.NewStorageError("loading tip block: %v", err)
	}

	height := tipHeight + 1
	difficulty := b.nextDifficulty(tipHeight)

	timestamp := uint64(time.Now().Unix())
	if timestamp <= tipBlock.Header.Timestamp {
		timestamp = tipBlock.Header.Timestamp + 1
	}

	reward := chaincfg.BlockReward(height)
	coinbase := model.NewCoinbaseTransaction(wallet, reward, timestamp)
	merkleRoot := model.CalculateMerkleRoot([]*model.Transaction{coinbase})

	return &BlockTemplate{
		Version:      chaincfg.ProtocolVersion,
		Height:       height,
		Difficulty:   difficulty,
		PrevHash:     tipHash,
		Target:       crypto.TargetHex(difficulty),
		RewardAtomic: reward,
		Timestamp:    timestamp,
		Blob:         model.BuildTemplateBlob(chaincfg.ProtocolVersion, height, tipHash, merkleRoot, timestamp, difficulty),
	}, nil
}

// SubmitTemplateBlock reconstructs a full block from a template blob, the
// winning nonce and the paying wallet, then runs it through normal block
// processing.
func (b *Blockchain) SubmitTemplateBlock(blobHex string, nonce uint64, wallet string) (uint64, string, error) {
	blob, err := model.ParseTemplateBlob(blobHex)
	if err != nil {
		return 0, "", err
	}
	if !crypto.ValidateAddress(wallet) {
		return 0, "", errors.NewInvalidArgumentError("invalid wallet address %s", wallet)
	}

	coinbase := model.NewCoinbaseTransaction(wallet, chaincfg.BlockReward(blob.Height), blob.Timestamp)
	merkleRoot := model.CalculateMerkleRoot([]*model.Transaction{coinbase})
	if merkleRoot != blob.MerkleRoot {
		return 0, "", errors.NewBlockInvalidError("blob merkle root does not commit to wallet %s", wallet)
	}

	blk := &model.Block{
		Header:       *blob.HeaderWithNonce(nonce),
		Transactions: []*model.Transaction{coinbase},
	}

	if err := b.ProcessBlock(blk); err != nil {
		return 0, "", err
	}
	return blk.Height(), blk.Hash(), nil
}
