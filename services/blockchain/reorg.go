package blockchain

import (
	"github.com/zion-terranova/ziond/errors"
	"github.com/zion-terranova/ziond/model"
	store "github.com/zion-terranova/ziond/stores/blockchain"
)

// cumulativeDifficulty sums difficulty from genesis through height.
func cumulativeDifficulty(s store.Store, height uint64) (uint64, error) {
	var total uint64
	for h := uint64(0); h <= height; h++ {
		blk, err := s.GetBlockByHeight(h)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				break
			}
			return 0, err
		}
		total += blk.Difficulty()
	}
	return total, nil
}

// findForkPoint walks backwards from the first incoming block's prev hash
// through local blocks until it meets the canonical chain. Iterative, so an
// arbitrarily long fork cannot blow the stack. Returns the height of the
// deepest common block.
func findForkPoint(s store.Store, incoming []*model.Block) (uint64, error) {
	if len(incoming) == 0 {
		tip, _, err := s.GetTip()
		return tip, err
	}

	first := incoming[0]
	if first.Height() == 0 {
		return 0, nil
	}

	checkHash := first.Header.PrevHash
	forkHeight := first.Height() - 1

	for {
		local, err := s.GetBlockByHeight(forkHeight)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				if forkHeight == 0 {
					return 0, nil
				}
				forkHeight--
				continue
			}
			return 0, err
		}

		if local.Hash() == checkHash {
			return forkHeight, nil
		}

		if forkHeight == 0 {
			return 0, errors.NewBlockInvalidError("no common ancestor down to genesis")
		}
		checkHash = local.Header.PrevHash
		forkHeight--
	}
}

// isStrongerChain decides fork choice: strictly more cumulative work wins;
// equal work with a strictly taller tip wins; everything else loses. There
// is deliberately no weaker fallback — accepting a chain with less work
// enables chain replacement.
func isStrongerChain(s store.Store, forkPoint uint64, newChain []*model.Block) (bool, error) {
	if len(newChain) == 0 {
		return false, nil
	}

	currentTip, _, err := s.GetTip()
	if err != nil {
		return false, err
	}
	currentWork, err := cumulativeDifficulty(s, currentTip)
	if err != nil {
		return false, err
	}

	// Work up to and including the fork point counts toward both chains.
	workBeforeFork, err := cumulativeDifficulty(s, forkPoint)
	if err != nil {
		return false, err
	}

	var newChainWork uint64
	for _, blk := range newChain {
		newChainWork += blk.Difficulty()
	}
	totalNewWork := workBeforeFork + newChainWork

	if totalNewWork > currentWork {
		return true, nil
	}

	newTipHeight := newChain[len(newChain)-1].Height()
	if totalNewWork == currentWork && newTipHeight > currentTip {
		return true, nil
	}

	return false, nil
}

// rollbackToHeight removes blocks above target, restoring UTXOs block by
// block from the tip downwards. Returns the removed blocks tip-first so a
// failed reorg can re-apply them.
func rollbackToHeight(s store.Store, target uint64) ([]*model.Block, error) {
	currentTip, _, err := s.GetTip()
	if err != nil {
		return nil, err
	}
	if target >= currentTip {
		return nil, nil
	}

	rolledBack := make([]*model.Block, 0, currentTip-target)
	for h := currentTip; h > target; h-- {
		blk, err := s.GetBlockByHeight(h)
		if err != nil {
			return rolledBack, err
		}
		if err := s.DeleteBlockAtHeight(h); err != nil {
			return rolledBack, err
		}
		rolledBack = append(rolledBack, blk)
	}
	return rolledBack, nil
}
