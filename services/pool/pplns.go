package pool

import (
	"github.com/zion-terranova/ziond/ulogger"
)

// PPLNSCalculator distributes the miner share of a block reward across the
// last N shares preceding it, weighted by per-miner share counts.
type PPLNSCalculator struct {
	logger       ulogger.Logger
	storage      Storage
	windowShares int64
}

func NewPPLNSCalculator(logger ulogger.Logger, storage Storage, windowShares int64) *PPLNSCalculator {
	if windowShares <= 0 {
		windowShares = 1000
	}
	return &PPLNSCalculator{
		logger:       logger,
		storage:      storage,
		windowShares: windowShares,
	}
}

// Distribution computes payout(m) = minerShare * shares_m / totalShares
// over the PPLNS window. Integer truncation may leave a few atomic units
// undistributed; they stay with the pool rather than being minted.
func (p *PPLNSCalculator) Distribution(minerShareAtomic uint64) (map[string]uint64, error) {
	window, err := p.storage.RecentShares(p.windowShares)
	if err != nil {
		return nil, err
	}
	if len(window) == 0 {
		return map[string]uint64{}, nil
	}

	counts := make(map[string]uint64)
	var total uint64
	for _, share := range window {
		counts[share.MinerAddress]++
		total++
	}

	payouts := make(map[string]uint64, len(counts))
	for addr, count := range counts {
		amount := minerShareAtomic / total * count
		amount += minerShareAtomic % total * count / total
		if amount > 0 {
			payouts[addr] = amount
		}
	}

	return payouts, nil
}

// CreditBlock locks the distribution against the found block until the
// maturity tracker releases it.
func (p *PPLNSCalculator) CreditBlock(blockHash string, minerShareAtomic uint64) error {
	payouts, err := p.Distribution(minerShareAtomic)
	if err != nil {
		return err
	}
	if len(payouts) == 0 {
		p.logger.Warnf("block %s found with an empty PPLNS window", blockHash)
		return nil
	}

	var distributed uint64
	for _, amount := range payouts {
		distributed += amount
	}
	p.logger.Infof("PPLNS distribution for block %.16s: %d miners, %d of %d atomic",
		blockHash, len(payouts), distributed, minerShareAtomic)

	return p.storage.CreditBlockShares(blockHash, payouts)
}
