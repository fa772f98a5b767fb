package vardiff

import (
	"testing"
	"time"
)

func TestConvergesWithinBoundedRetargets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RetargetDelay = 0
	cfg.RingSize = 8
	targetInterval := time.Duration(60/cfg.TargetSharesPerMin) * time.Second

	s := NewState(cfg, 1<<10) // start far from steady state

	const maxRetargets = 40
	now := time.Unix(0, 0)
	lastDiff := s.CurrentDifficulty()
	stableStreak := 0
	for i := 0; i < 500 && s.RetargetCount() < maxRetargets; i++ {
		now = now.Add(targetInterval)
		if s.RecordShare(now) {
			diff, changed := s.ApplyPending()
			if changed && diff == lastDiff {
				stableStreak++
			} else if changed {
				stableStreak = 0
			}
			lastDiff = diff
		}
		if stableStreak >= 3 {
			break
		}
	}

	if s.RetargetCount() >= maxRetargets {
		t.Fatalf("did not converge within %d retargets, took %d", maxRetargets, s.RetargetCount())
	}
}

func TestDeadbandSuppressesSmallDeviation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RetargetDelay = 0
	s := NewState(cfg, 64)

	targetInterval := time.Duration(60/cfg.TargetSharesPerMin) * time.Second
	// Slightly faster than target but within the 50% deadband.
	interval := targetInterval * 8 / 10

	now := time.Unix(0, 0)
	retargeted := false
	for i := 0; i < 10; i++ {
		now = now.Add(interval)
		if s.RecordShare(now) {
			retargeted = true
		}
	}
	if retargeted {
		t.Fatal("expected deadband to suppress retarget for small deviation")
	}
}

func TestPendingAppliesOnlyOnNotification(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RetargetDelay = 0
	s := NewState(cfg, 1)

	targetInterval := time.Duration(60/cfg.TargetSharesPerMin) * time.Second
	// Much faster than target, well outside the deadband, to force a retarget.
	fast := targetInterval / 20

	now := time.Unix(0, 0)
	queued := false
	for i := 0; i < 8 && !queued; i++ {
		now = now.Add(fast)
		queued = s.RecordShare(now)
	}
	if !queued {
		t.Fatal("expected a retarget to be queued")
	}

	pending, ok := s.PendingDifficulty()
	if !ok {
		t.Fatal("expected pending difficulty set")
	}
	if s.CurrentDifficulty() == pending {
		t.Fatal("pending difficulty should not equal current before ApplyPending")
	}

	newDiff, changed := s.ApplyPending()
	if !changed {
		t.Fatal("expected ApplyPending to report a change")
	}
	if s.CurrentDifficulty() != newDiff {
		t.Fatal("current difficulty should match applied value")
	}
}
