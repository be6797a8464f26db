package pool

import (
	"time"

	"github.com/zion-terranova/ziond/pkg/chaincfg"
	"github.com/zion-terranova/ziond/ulogger"
)

// MaturityTracker holds found blocks until their coinbase has
// CoinbaseMaturity confirmations, re-verifying against the canonical chain
// so an orphaned block forfeits its PPLNS credits instead of being paid.
type MaturityTracker struct {
	logger  ulogger.Logger
	storage Storage
	node    NodeClient
}

func NewMaturityTracker(logger ulogger.Logger, storage Storage, node NodeClient) *MaturityTracker {
	return &MaturityTracker{
		logger:  logger,
		storage: storage,
		node:    node,
	}
}

// RecordFoundBlock registers a freshly accepted block for maturity
// tracking.
func (mt *MaturityTracker) RecordFoundBlock(height uint64, hash string, rewardAtomic uint64) error {
	pb := &PendingBlock{
		Height:       height,
		Hash:         hash,
		RewardAtomic: rewardAtomic,
		FoundAt:      time.Now().Unix(),
		Valid:        true,
	}
	if err := mt.storage.RecordPendingBlock(pb); err != nil {
		return err
	}
	mt.logger.Infof("block recorded for maturity: height=%d hash=%.16s reward=%d", height, hash, rewardAtomic)
	return nil
}

// CheckMaturity runs once per payout cycle. Blocks deep enough under the
// tip are re-verified against the chain: still-canonical blocks unlock
// their miners' credits, orphaned ones are dropped.
func (mt *MaturityTracker) CheckMaturity() ([]*PendingBlock, error) {
	tipHeight, err := mt.node.GetHeight()
	if err != nil {
		return nil, err
	}
	if tipHeight < chaincfg.CoinbaseMaturity {
		return nil, nil
	}
	cutoff := tipHeight - chaincfg.CoinbaseMaturity

	candidates, err := mt.storage.PendingBlocksUpTo(cutoff)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	var matured []*PendingBlock
	for _, pb := range candidates {
		chainHash, err := mt.node.GetBlockHashAtHeight(pb.Height)
		if err != nil {
			// Can't verify right now; leave it pending for the next cycle.
			mt.logger.Warnf("cannot verify block %.16s at height %d: %v", pb.Hash, pb.Height, err)
			continue
		}

		if chainHash != pb.Hash {
			mt.logger.Warnf("block %.16s at height %d was orphaned, forfeiting credits", pb.Hash, pb.Height)
			if err := mt.storage.DropBlockCredits(pb.Hash); err != nil {
				mt.logger.Errorf("dropping credits for orphan %.16s: %v", pb.Hash, err)
			}
			if err := mt.storage.RemovePendingBlock(pb.Hash); err != nil {
				mt.logger.Errorf("removing orphan %.16s: %v", pb.Hash, err)
			}
			continue
		}

		if err := mt.storage.UnlockBlockCredits(pb.Hash); err != nil {
			mt.logger.Errorf("unlocking credits for %.16s: %v", pb.Hash, err)
			continue
		}
		if err := mt.storage.RemovePendingBlock(pb.Hash); err != nil {
			mt.logger.Errorf("removing matured block %.16s: %v", pb.Hash, err)
		}

		matured = append(matured, pb)
	}

	if len(matured) > 0 {
		mt.logger.Infof("%d blocks matured (tip=%d, cutoff=%d)", len(matured), tipHeight, cutoff)
	}
	return matured, nil
}
