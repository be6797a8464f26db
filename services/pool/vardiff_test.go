package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVarDiffUpAdjust(t *testing.T) {
	cfg := VarDiffConfig{
		TargetShareTime:  10 * time.Second,
		RetargetInterval: 10 * time.Second,
		Variance:         0,
		MinDifficulty:    1,
		MaxDifficulty:    1_000_000,
	}
	v := NewVarDiffState(cfg)
	start := v.lastRetarget

	// Ten accepted shares one second apart: far too fast for a 10s
	// target. The tenth lands exactly on the retarget boundary.
	var next uint64
	var changed bool
	for i := 1; i <= 10; i++ {
		next, changed = v.OnShare(start.Add(time.Duration(i)*time.Second), true, 100)
	}
	require.True(t, changed)
	assert.Greater(t, next, uint64(100))
}

func TestVarDiffDownAdjust(t *testing.T) {
	cfg := VarDiffConfig{
		TargetShareTime:  10 * time.Second,
		RetargetInterval: 20 * time.Second,
		Variance:         0,
		MinDifficulty:    1,
		MaxDifficulty:    1_000_000,
	}
	v := NewVarDiffState(cfg)
	start := v.lastRetarget

	// One accepted share in 20 seconds: too slow, difficulty halves.
	next, changed := v.OnShare(start.Add(20*time.Second), true, 100)
	require.True(t, changed)
	assert.Less(t, next, uint64(100))
}

func TestVarDiffNoChangeWithinVariance(t *testing.T) {
	cfg := VarDiffConfig{
		TargetShareTime:  10 * time.Second,
		RetargetInterval: 10 * time.Second,
		Variance:         0.25,
		MinDifficulty:    1,
		MaxDifficulty:    1_000_000,
	}
	v := NewVarDiffState(cfg)
	start := v.lastRetarget

	// One share right on target: ratio 1.0 sits inside the variance band.
	_, changed := v.OnShare(start.Add(10*time.Second), true, 100)
	assert.False(t, changed)
}

func TestVarDiffClampsToBounds(t *testing.T) {
	cfg := VarDiffConfig{
		TargetShareTime:  10 * time.Second,
		RetargetInterval: 10 * time.Second,
		Variance:         0,
		MinDifficulty:    50,
		MaxDifficulty:    150,
	}

	// Way too fast: clamped to the ceiling. The final share lands on the
	// retarget boundary with 100 accepted in the window.
	v := NewVarDiffState(cfg)
	start := v.lastRetarget
	var next uint64
	var changed bool
	for i := 1; i <= 100; i++ {
		next, changed = v.OnShare(start.Add(time.Duration(i)*100*time.Millisecond), true, 100)
	}
	require.True(t, changed)
	assert.Equal(t, uint64(150), next)

	// Way too slow: clamped to the floor.
	v = NewVarDiffState(cfg)
	start = v.lastRetarget
	next, changed = v.OnShare(start.Add(100*time.Second), true, 100)
	require.True(t, changed)
	assert.Equal(t, uint64(50), next)
}

func TestVarDiffNoAcceptedSharesKeepsDifficulty(t *testing.T) {
	cfg := DefaultVarDiffConfig()
	v := NewVarDiffState(cfg)
	start := v.lastRetarget

	_, changed := v.OnShare(start.Add(cfg.RetargetInterval+time.Second), false, 1000)
	assert.False(t, changed, "a window with only rejected shares keeps the difficulty")
}

func TestVarDiffWindowResets(t *testing.T) {
	cfg := VarDiffConfig{
		TargetShareTime:  10 * time.Second,
		RetargetInterval: 10 * time.Second,
		Variance:         0,
		MinDifficulty:    1,
		MaxDifficulty:    1_000_000,
	}
	v := NewVarDiffState(cfg)
	start := v.lastRetarget

	_, _ = v.OnShare(start.Add(11*time.Second), true, 100)
	assert.Zero(t, v.acceptedSince, "window resets after retarget evaluation")
}
