package pool

import (
	"time"
)

// VarDiffConfig tunes per-session difficulty retargeting.
type VarDiffConfig struct {
	// TargetShareTime is the desired average time between accepted shares.
	TargetShareTime time.Duration
	// RetargetInterval is how often the window is evaluated.
	RetargetInterval time.Duration
	// Variance suppresses small fluctuations: no retarget while the ratio
	// stays within [1-variance, 1+variance].
	Variance      float64
	MinDifficulty uint64
	MaxDifficulty uint64
}

func DefaultVarDiffConfig() VarDiffConfig {
	return VarDiffConfig{
		TargetShareTime:  15 * time.Second,
		RetargetInterval: 30 * time.Second,
		Variance:         0.25,
		MinDifficulty:    1_000,
		MaxDifficulty:    10_000_000_000,
	}
}

// VarDiffState is the per-session retarget window. Not safe for concurrent
// use; each connection owns one and touches it from its own handler.
type VarDiffState struct {
	cfg           VarDiffConfig
	lastRetarget  time.Time
	acceptedSince uint64
}

func NewVarDiffState(cfg VarDiffConfig) *VarDiffState {
	if cfg.MinDifficulty == 0 {
		cfg = DefaultVarDiffConfig()
	}
	return &VarDiffState{
		cfg:          cfg,
		lastRetarget: time.Now(),
	}
}

// OnShare records a share and retargets when the window has elapsed.
// Returns the new difficulty and true when it changed; the window resets on
// every retarget evaluation regardless of outcome.
func (v *VarDiffState) OnShare(now time.Time, accepted bool, currentDifficulty uint64) (uint64, bool) {
	if accepted {
		v.acceptedSince++
	}

	elapsed := now.Sub(v.lastRetarget)
	if elapsed < v.cfg.RetargetInterval {
		return 0, false
	}

	// No accepted shares: keep the difficulty, restart the window.
	if v.acceptedSince == 0 {
		v.lastRetarget = now
		return 0, false
	}

	avgShareTime := elapsed.Seconds() / float64(v.acceptedSince)
	target := v.cfg.TargetShareTime.Seconds()
	ratio := target / avgShareTime

	v.lastRetarget = now
	v.acceptedSince = 0

	if ratio >= 1-v.cfg.Variance && ratio <= 1+v.cfg.Variance {
		return 0, false
	}

	next := uint64(float64(currentDifficulty) * ratio)
	if next < v.cfg.MinDifficulty {
		next = v.cfg.MinDifficulty
	}
	if next > v.cfg.MaxDifficulty {
		next = v.cfg.MaxDifficulty
	}
	if next == currentDifficulty {
		return 0, false
	}
	return next, true
}
