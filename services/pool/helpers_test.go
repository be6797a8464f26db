package pool

import (
	"encoding/hex"
	"sync"

	"github.com/zion-terranova/ziond/model"
	"github.com/zion-terranova/ziond/pkg/crypto"
	"github.com/zion-terranova/ziond/services/blockchain"
	"github.com/zion-terranova/ziond/services/rpc"
)

// fakeNode is an in-memory NodeClient for pool tests.
type fakeNode struct {
	mu sync.Mutex

	height       uint64
	template     *blockchain.BlockTemplate
	hashAtHeight map[uint64]string

	balance uint64
	utxos   []rpc.UTXO

	acceptBlocks    bool
	submittedBlocks []uint64

	submittedTxs []*model.Transaction
	txResults    map[string]map[string]interface{}
}

func newFakeNode() *fakeNode {
	return &fakeNode{
		hashAtHeight: make(map[uint64]string),
		txResults:    make(map[string]map[string]interface{}),
		acceptBlocks: true,
	}
}

func (f *fakeNode) GetHeight() (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.height, nil
}

func (f *fakeNode) GetBlockTemplate(string) (*blockchain.BlockTemplate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.template, nil
}

func (f *fakeNode) SubmitBlock(blobHex string, nonce uint64, _ string) (*rpc.SubmitBlockResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	blob, err := model.ParseTemplateBlob(blobHex)
	if err != nil {
		return nil, err
	}
	f.submittedBlocks = append(f.submittedBlocks, nonce)

	if !f.acceptBlocks {
		return &rpc.SubmitBlockResult{Accepted: false, Message: "rejected"}, nil
	}

	hash := f.hashAtHeight[blob.Height]
	if hash == "" {
		digest := crypto.HashPoW(blob.HeaderWithNonce(nonce).Bytes(), crypto.AlgorithmForHeight(blob.Height))
		hash = hex.EncodeToString(digest[:])
		f.hashAtHeight[blob.Height] = hash
	}
	return &rpc.SubmitBlockResult{Accepted: true, Height: blob.Height, Hash: hash}, nil
}

func (f *fakeNode) SubmitTransaction(tx *model.Transaction) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submittedTxs = append(f.submittedTxs, tx)
	return tx.ID, nil
}

func (f *fakeNode) GetTransaction(txID string) (map[string]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if result, ok := f.txResults[txID]; ok {
		return result, nil
	}
	return map[string]interface{}{"in_mempool": true}, nil
}

func (f *fakeNode) GetBalance(string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance, nil
}

func (f *fakeNode) GetUtxos(_ string, limit, offset int) ([]rpc.UTXO, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if offset >= len(f.utxos) {
		return nil, nil
	}
	end := offset + limit
	if end > len(f.utxos) {
		end = len(f.utxos)
	}
	return f.utxos[offset:end], nil
}

func (f *fakeNode) GetBlockHashAtHeight(height uint64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hashAtHeight[height], nil
}

func poolTestAddress(seed byte) string {
	s := make([]byte, 32)
	for i := range s {
		s[i] = seed
	}
	return crypto.AddressFromPublicKey(crypto.PublicKeyFromSeed(s))
}

// testTemplate builds a template whose blob commits to arbitrary work at
// the given height and network difficulty.
func testTemplate(height, difficulty uint64) *blockchain.BlockTemplate {
	prev := model.ZeroHash
	merkle := model.ZeroHash
	return &blockchain.BlockTemplate{
		Version:      1,
		Height:       height,
		Difficulty:   difficulty,
		PrevHash:     prev,
		Target:       crypto.TargetHex(difficulty),
		RewardAtomic: 5_400_067_000,
		Timestamp:    1_800_000_000,
		Blob:         model.BuildTemplateBlob(1, height, prev, merkle, 1_800_000_000, difficulty),
	}
}
