package pool

import (
	"context"
	"sync"
	"time"

	"github.com/zion-terranova/ziond/errors"
	"github.com/zion-terranova/ziond/model"
	"github.com/zion-terranova/ziond/services/blockchain"
	"github.com/zion-terranova/ziond/services/rpc"
	"github.com/zion-terranova/ziond/ulogger"
)

// NodeClient is the slice of the node RPC surface the pool uses. The
// production implementation is rpc.Client; tests substitute a fake.
type NodeClient interface {
	GetHeight() (uint64, error)
	GetBlockTemplate(walletAddress string) (*blockchain.BlockTemplate, error)
	SubmitBlock(blobHex string, nonce uint64, walletAddress string) (*rpc.SubmitBlockResult, error)
	SubmitTransaction(tx *model.Transaction) (string, error)
	GetTransaction(txID string) (map[string]interface{}, error)
	GetBalance(address string) (uint64, error)
	GetUtxos(address string, limit, offset int) ([]rpc.UTXO, error)
	GetBlockHashAtHeight(height uint64) (string, error)
}

// TemplateManager polls the node for block templates and pushes changes to
// subscribers (the stratum server, which fans fresh jobs out to miners).
type TemplateManager struct {
	logger     ulogger.Logger
	node       NodeClient
	poolWallet string
	interval   time.Duration

	mu        sync.RWMutex
	current   *blockchain.BlockTemplate
	fetchedAt time.Time

	subMu       sync.Mutex
	subscribers []func(*blockchain.BlockTemplate)
}

func NewTemplateManager(logger ulogger.Logger, node NodeClient, poolWallet string, interval time.Duration) *TemplateManager {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &TemplateManager{
		logger:     logger,
		node:       node,
		poolWallet: poolWallet,
		interval:   interval,
	}
}

// OnChange registers a callback fired when height or prev hash moves.
func (tm *TemplateManager) OnChange(fn func(*blockchain.BlockTemplate)) {
	tm.subMu.Lock()
	defer tm.subMu.Unlock()
	tm.subscribers = append(tm.subscribers, fn)
}

// Start polls until ctx is cancelled.
func (tm *TemplateManager) Start(ctx context.Context) {
	ticker := time.NewTicker(tm.interval)
	defer ticker.Stop()

	// Fetch once immediately so miners connecting at startup get work.
	tm.refresh()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tm.refresh()
		}
	}
}

func (tm *TemplateManager) refresh() {
	tpl, err := tm.node.GetBlockTemplate(tm.poolWallet)
	if err != nil || tpl == nil {
		tm.logger.Errorf("fetching block template: %v", err)
		return
	}

	tm.mu.Lock()
	changed := tm.current == nil || tm.current.Height != tpl.Height || tm.current.PrevHash != tpl.PrevHash
	tm.current = tpl
	tm.fetchedAt = time.Now()
	tm.mu.Unlock()

	if !changed {
		return
	}

	tm.logger.Infof("new block template: height=%d difficulty=%d prev=%.16s", tpl.Height, tpl.Difficulty, tpl.PrevHash)

	tm.subMu.Lock()
	subs := make([]func(*blockchain.BlockTemplate), len(tm.subscribers))
	copy(subs, tm.subscribers)
	tm.subMu.Unlock()

	for _, fn := range subs {
		fn(tpl)
	}
}

// Current returns the live template, force-refreshing a stale one so a
// newly connected miner never receives work older than twice the poll
// interval.
func (tm *TemplateManager) Current() (*blockchain.BlockTemplate, error) {
	tm.mu.RLock()
	tpl := tm.current
	age := time.Since(tm.fetchedAt)
	tm.mu.RUnlock()

	if tpl != nil && age <= 2*tm.interval {
		return tpl, nil
	}

	tm.refresh()

	tm.mu.RLock()
	defer tm.mu.RUnlock()
	if tm.current == nil {
		return nil, errors.NewServiceError("no block template available")
	}
	return tm.current, nil
}

// Height is the current template height, 0 when none is cached.
func (tm *TemplateManager) Height() uint64 {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	if tm.current == nil {
		return 0
	}
	return tm.current.Height
}
