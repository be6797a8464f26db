package rpc

import (
	"encoding/json"

	"github.com/zion-terranova/ziond/errors"
	"github.com/zion-terranova/ziond/model"
	"github.com/zion-terranova/ziond/pkg/chaincfg"
	store "github.com/zion-terranova/ziond/stores/blockchain"
)

func (s *Server) getInfo() (interface{}, *Error) {
	height, hash, err := s.chain.Tip()
	if err != nil {
		return nil, &Error{Code: codeInternal, Message: "tip unavailable"}
	}

	peerCount := 0
	if s.peers != nil {
		peerCount = s.peers.ActivePeerCount()
	}

	return map[string]interface{}{
		"height":       height,
		"difficulty":   s.chain.NextDifficulty(),
		"tip":          hash,
		"peers":        peerCount,
		"network":      s.params.Name,
		"mempool_size": s.chain.Mempool().Size(),
	}, nil
}

func (s *Server) getBlockTemplate(params json.RawMessage) (interface{}, *Error) {
	var p struct {
		WalletAddress string `json:"wallet_address"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.WalletAddress == "" {
		return nil, &Error{Code: codeInvalidParams, Message: "wallet_address required"}
	}

	tpl, err := s.chain.BuildTemplate(p.WalletAddress)
	if err != nil {
		return nil, &Error{Code: codeInvalidParams, Message: err.Error()}
	}
	return tpl, nil
}

// submitBlock accepts [blob_hex, nonce, wallet_address].
func (s *Server) submitBlock(params json.RawMessage) (interface{}, *Error) {
	var p []json.RawMessage
	if err := json.Unmarshal(params, &p); err != nil || len(p) < 3 {
		return nil, &Error{Code: codeInvalidParams, Message: "expected [blob, nonce, wallet_address]"}
	}

	var blob, wallet string
	var nonce uint64
	if json.Unmarshal(p[0], &blob) != nil || json.Unmarshal(p[1], &nonce) != nil || json.Unmarshal(p[2], &wallet) != nil {
		return nil, &Error{Code: codeInvalidParams, Message: "malformed submitBlock params"}
	}

	height, hash, err := s.chain.SubmitTemplateBlock(blob, nonce, wallet)
	if err != nil {
		s.logger.Warnf("submitBlock rejected: %v", err)
		return map[string]interface{}{
			"accepted": false,
			"message":  err.Error(),
		}, nil
	}

	s.logger.Infof("submitBlock accepted height=%d hash=%s", height, hash)
	return map[string]interface{}{
		"accepted": true,
		"height":   height,
		"hash":     hash,
	}, nil
}

// submitTransaction accepts [tx_json].
func (s *Server) submitTransaction(params json.RawMessage) (interface{}, *Error) {
	var p []json.RawMessage
	if err := json.Unmarshal(params, &p); err != nil || len(p) < 1 {
		return nil, &Error{Code: codeInvalidParams, Message: "expected [transaction]"}
	}

	var tx model.Transaction
	if err := json.Unmarshal(p[0], &tx); err != nil {
		return nil, &Error{Code: codeInvalidParams, Message: "malformed transaction"}
	}

	if err := s.chain.ProcessTransaction(&tx); err != nil {
		return map[string]interface{}{
			"status":  "error",
			"message": err.Error(),
		}, nil
	}

	return map[string]interface{}{
		"status": "OK",
		"tx_id":  tx.ID,
	}, nil
}

// getBlock accepts {"height": n} or {"hash": "..."}.
func (s *Server) getBlock(params json.RawMessage) (interface{}, *Error) {
	var p struct {
		Height *uint64 `json:"height"`
		Hash   string  `json:"hash"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &Error{Code: codeInvalidParams, Message: "expected height or hash"}
	}

	var blk *model.Block
	var err error
	switch {
	case p.Hash != "":
		blk, err = s.chain.Store().GetBlock(p.Hash)
	case p.Height != nil:
		blk, err = s.chain.Store().GetBlockByHeight(*p.Height)
	default:
		return nil, &Error{Code: codeInvalidParams, Message: "expected height or hash"}
	}

	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &Error{Code: codeInvalidParams, Message: "block not found"}
		}
		return nil, &Error{Code: codeInternal, Message: err.Error()}
	}

	return blockResult(blk), nil
}

func (s *Server) getBlockByHeight(params json.RawMessage) (interface{}, *Error) {
	var p []uint64
	if err := json.Unmarshal(params, &p); err != nil || len(p) < 1 {
		// Also accept {"height": n}.
		var obj struct {
			Height uint64 `json:"height"`
		}
		if err := json.Unmarshal(params, &obj); err != nil {
			return nil, &Error{Code: codeInvalidParams, Message: "expected [height]"}
		}
		p = []uint64{obj.Height}
	}

	blk, err := s.chain.Store().GetBlockByHeight(p[0])
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &Error{Code: codeInvalidParams, Message: "block not found"}
		}
		return nil, &Error{Code: codeInternal, Message: err.Error()}
	}

	return blockResult(blk), nil
}

func blockResult(blk *model.Block) map[string]interface{} {
	return map[string]interface{}{
		"hash":   blk.Hash(),
		"header": blk.Header,
		"txs":    blk.Transactions,
	}
}

// getTransaction accepts [txid]; checks the mempool then the tx index.
func (s *Server) getTransaction(params json.RawMessage) (interface{}, *Error) {
	var p []string
	if err := json.Unmarshal(params, &p); err != nil || len(p) < 1 {
		return nil, &Error{Code: codeInvalidParams, Message: "expected [txid]"}
	}
	txID := p[0]

	if tx := s.chain.Mempool().GetTransaction(txID); tx != nil {
		return map[string]interface{}{
			"tx":         tx,
			"in_mempool": true,
		}, nil
	}

	blockHash, err := s.chain.Store().GetBlockHashForTx(txID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &Error{Code: codeInvalidParams, Message: "transaction not found"}
		}
		return nil, &Error{Code: codeInternal, Message: err.Error()}
	}

	blk, err := s.chain.Store().GetBlock(blockHash)
	if err != nil {
		return nil, &Error{Code: codeInternal, Message: err.Error()}
	}

	for _, tx := range blk.Transactions {
		if tx.ID == txID {
			return map[string]interface{}{
				"tx":           tx,
				"in_mempool":   false,
				"block_hash":   blockHash,
				"block_height": blk.Height(),
			}, nil
		}
	}

	return nil, &Error{Code: codeInvalidParams, Message: "transaction not found"}
}

func (s *Server) getBalance(params json.RawMessage) (interface{}, *Error) {
	var p struct {
		Address string `json:"address"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Address == "" {
		return nil, &Error{Code: codeInvalidParams, Message: "address required"}
	}

	total, count, err := s.chain.Store().GetBalanceForAddress(p.Address)
	if err != nil {
		return nil, &Error{Code: codeInternal, Message: err.Error()}
	}

	return map[string]interface{}{
		"address":        p.Address,
		"balance_atomic": total,
		"balance_zion":   total / chaincfg.AtomicUnitsPerZion,
		"utxo_count":     count,
	}, nil
}

func (s *Server) getUtxos(params json.RawMessage) (interface{}, *Error) {
	var p struct {
		Address string `json:"address"`
		Limit   int    `json:"limit"`
		Offset  int    `json:"offset"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Address == "" {
		return nil, &Error{Code: codeInvalidParams, Message: "address required"}
	}
	if p.Limit <= 0 || p.Limit > 500 {
		p.Limit = 100
	}

	entries, err := s.chain.Store().GetUTXOsForAddress(p.Address, p.Limit, p.Offset)
	if err != nil {
		return nil, &Error{Code: codeInternal, Message: err.Error()}
	}

	utxos := make([]map[string]interface{}, 0, len(entries))
	for _, e := range entries {
		utxos = append(utxos, map[string]interface{}{
			"key":           e.Key,
			"amount_atomic": e.Output.Amount,
			"address":       e.Output.Address,
		})
	}

	return map[string]interface{}{
		"address": p.Address,
		"count":   len(utxos),
		"limit":   p.Limit,
		"offset":  p.Offset,
		"utxos":   utxos,
	}, nil
}

func (s *Server) getSyncStatus() (interface{}, *Error) {
	if s.peers == nil {
		return map[string]interface{}{"state": "steady", "syncing": false}, nil
	}
	return s.peers.Sync().Snapshot(), nil
}

func (s *Server) getMempoolInfo() (interface{}, *Error) {
	txs := s.chain.Mempool().GetAll()
	ids := make([]string, 0, len(txs))
	for _, tx := range txs {
		ids = append(ids, tx.ID)
	}
	return map[string]interface{}{
		"size":         len(ids),
		"transactions": ids,
	}, nil
}

func (s *Server) getPremineInfo() (interface{}, *Error) {
	allocations := chaincfg.PremineAllocations()
	list := make([]map[string]interface{}, 0, len(allocations))
	for _, a := range allocations {
		list = append(list, map[string]interface{}{
			"address":       a.Address,
			"purpose":       a.Purpose,
			"amount_atomic": a.Amount,
			"amount_zion":   a.Amount / chaincfg.AtomicUnitsPerZion,
			"unlock_height": a.UnlockHeight,
		})
	}
	return map[string]interface{}{
		"total_atomic": chaincfg.PremineTotal(),
		"total_zion":   chaincfg.PremineTotal() / chaincfg.AtomicUnitsPerZion,
		"allocations":  list,
	}, nil
}
