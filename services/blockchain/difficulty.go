package blockchain

import (
	"math/big"

	"github.com/zion-terranova/ziond/model"
	"github.com/zion-terranova/ziond/pkg/chaincfg"
)

// BlockInfo is the slice of a header the retarget needs.
type BlockInfo struct {
	Timestamp  uint64
	Difficulty uint64
}

// NextDifficultyLWMA computes the next difficulty from a window of
// consecutive blocks (ascending height, newest last). The window should
// hold LWMAWindow+1 entries; a shorter window is averaged over the entries
// it has. An empty window yields MinDifficulty and a single entry yields
// that block's difficulty.
//
// Solve times are clamped to [T/2, 2T] so a single wild timestamp cannot
// swing the retarget, recent blocks weigh more than old ones, and the
// result is clamped to [0.75, 1.25] of the previous difficulty and to the
// global floor and ceiling. Accumulation is done in big.Int: near the
// difficulty ceiling the weighted sums overflow uint64.
func NextDifficultyLWMA(window []BlockInfo) uint64 {
	if len(window) == 0 {
		return chaincfg.MinDifficulty
	}

	prev := window[len(window)-1].Difficulty
	if prev < chaincfg.MinDifficulty {
		prev = chaincfg.MinDifficulty
	}
	if len(window) < 2 {
		return prev
	}

	targetSecs := uint64(chaincfg.TargetBlockTime.Seconds())
	minSolve := targetSecs / 2
	maxSolve := targetSecs * 2

	weightedSolve := new(big.Int)
	weightedDiff := new(big.Int)
	tmp := new(big.Int)

	for i := 1; i < len(window); i++ {
		solve := minSolve
		if window[i].Timestamp > window[i-1].Timestamp {
			solve = window[i].Timestamp - window[i-1].Timestamp
		}
		if solve < minSolve {
			solve = minSolve
		}
		if solve > maxSolve {
			solve = maxSolve
		}

		weight := uint64(i)
		weightedSolve.Add(weightedSolve, tmp.SetUint64(weight*solve))
		weightedDiff.Add(weightedDiff, new(big.Int).Mul(big.NewInt(int64(weight)), new(big.Int).SetUint64(window[i].Difficulty)))
	}

	if weightedSolve.Sign() == 0 {
		return prev
	}

	// next = weightedDiff * T / weightedSolve
	nextBig := new(big.Int).Mul(weightedDiff, new(big.Int).SetUint64(targetSecs))
	nextBig.Div(nextBig, weightedSolve)

	var next uint64
	if nextBig.IsUint64() {
		next = nextBig.Uint64()
	} else {
		next = chaincfg.MaxDifficulty
	}

	next = clampDifficultyStep(next, prev)

	if next < chaincfg.MinDifficulty {
		next = chaincfg.MinDifficulty
	}
	if next > chaincfg.MaxDifficulty {
		next = chaincfg.MaxDifficulty
	}
	return next
}

// clampDifficultyStep bounds a difficulty to [0.75, 1.25] of the previous
// block's difficulty.
func clampDifficultyStep(next, prev uint64) uint64 {
	lower := prev / 4 * 3
	upper := prev + prev/4
	if next < lower {
		return lower
	}
	if next > upper {
		return upper
	}
	return next
}

// difficultyWithinStep reports whether a child difficulty respects the
// per-block adjustment clamp relative to its parent.
func difficultyWithinStep(child, parent uint64) bool {
	return child >= parent/4*3 && child <= parent+parent/4
}

// nextDifficulty reads the retarget window ending at the tip from the store.
func (b *Blockchain) nextDifficulty(tipHeight uint64) uint64 {
	start := uint64(0)
	if tipHeight > chaincfg.LWMAWindow {
		start = tipHeight - chaincfg.LWMAWindow
	}

	blocks, err := b.store.GetBlocksInRange(start, tipHeight)
	if err != nil || len(blocks) == 0 {
		return chaincfg.MinDifficulty
	}

	return NextDifficultyLWMA(toBlockInfos(blocks))
}

func toBlockInfos(blocks []*model.Block) []BlockInfo {
	infos := make([]BlockInfo, 0, len(blocks))
	for _, blk := range blocks {
		infos = append(infos, BlockInfo{
			Timestamp:  blk.Header.Timestamp,
			Difficulty: blk.Header.Difficulty,
		})
	}
	return infos
}
