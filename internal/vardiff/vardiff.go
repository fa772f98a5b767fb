// Package vardiff implements the per-worker adaptive difficulty controller
// described in spec.md §4.5: a bounded ring of recent accepted-share
// timestamps drives a damped, step-clamped, power-of-two-quantized
// difficulty retarget.
package vardiff

import (
	"math"
	"sync"
	"time"

	"github.com/hako/durafmt"
)

// Config mirrors the teacher's VarDiffConfig: bounds, target rate, and the
// damping/step knobs that keep retargets from oscillating.
type Config struct {
	MinDiff            float64
	MaxDiff            float64
	TargetSharesPerMin float64
	// RetargetDelay is the minimum cooldown between two retarget decisions
	// for the same worker.
	RetargetDelay time.Duration
	// Step bounds how far a single retarget may move difficulty, expressed
	// as a multiplicative factor (newDiff/oldDiff is clamped to [1/Step, Step]).
	Step float64
	// DampingFactor controls how aggressively a retarget moves toward the
	// freshly computed target difficulty. 1.0 = full correction.
	DampingFactor float64
	// RingSize bounds how many recent share timestamps are retained.
	RingSize int
}

// DefaultConfig matches the teacher's defaultVarDiff defaults in shape,
// values tuned to a generic coin family rather than any one chain.
func DefaultConfig() Config {
	return Config{
		MinDiff:            1,
		MaxDiff:            1 << 20,
		TargetSharesPerMin: 5,
		RetargetDelay:      30 * time.Second,
		Step:               4,
		DampingFactor:      0.7,
		RingSize:           16,
	}
}

// State is the VardiffState data-model type from spec.md §3: per worker,
// the ring of recent share timestamps, current target interval, the last
// retarget time, and the current difficulty.
type State struct {
	mu            sync.Mutex
	cfg           Config
	ring          []time.Time
	ringPos       int
	ringLen       int
	currentDiff   float64
	pendingDiff   float64
	hasPending    bool
	lastRetarget  time.Time
	retargetCount int
}

// NewState constructs a VardiffState seeded at startDiff, clamped to cfg's
// bounds. Every retarget decision is driven off the timestamp the caller
// passes to RecordShare rather than a wall clock, so State itself needs no
// injectable clock.
func NewState(cfg Config, startDiff float64) *State {
	s := &State{
		cfg:  cfg,
		ring: make([]time.Time, max(cfg.RingSize, 1)),
	}
	s.currentDiff = clampAndQuantize(startDiff, cfg.MinDiff, cfg.MaxDiff)
	return s
}

// CurrentDifficulty returns the difficulty currently in effect.
func (s *State) CurrentDifficulty() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentDiff
}

// PendingDifficulty returns the difficulty queued to apply on the next job
// notification, and whether one is pending. Per spec.md §4.5, a retarget
// decision does not take effect until the next job notification.
func (s *State) PendingDifficulty() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingDiff, s.hasPending
}

// ApplyPending commits any pending difficulty as current, called when the
// session actually emits the next job/set_difficulty notification.
func (s *State) ApplyPending() (newDiff float64, changed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasPending {
		return s.currentDiff, false
	}
	s.currentDiff = s.pendingDiff
	s.hasPending = false
	return s.currentDiff, true
}

// RecordShare appends a share acceptance timestamp and, if enough history
// has accumulated and the retarget cooldown has elapsed, computes a new
// pending difficulty. It returns whether a new retarget was queued.
func (s *State) RecordShare(at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ring[s.ringPos] = at
	s.ringPos = (s.ringPos + 1) % len(s.ring)
	if s.ringLen < len(s.ring) {
		s.ringLen++
	}

	if s.ringLen < 2 {
		return false
	}
	if !s.lastRetarget.IsZero() && at.Sub(s.lastRetarget) < s.cfg.RetargetDelay {
		return false
	}

	avgInterval := s.averageIntervalLocked()
	if avgInterval <= 0 {
		return false
	}

	target, ok := s.retargetLocked(avgInterval, at)
	if !ok {
		return false
	}
	s.pendingDiff = target
	s.hasPending = true
	s.lastRetarget = at
	s.retargetCount++
	return true
}

// RetargetCount reports how many retargets have been queued so far, used
// by the convergence property test (spec.md §8).
func (s *State) RetargetCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retargetCount
}

// averageIntervalLocked computes the mean gap between consecutive
// timestamps currently held in the ring. Caller must hold s.mu.
func (s *State) averageIntervalLocked() float64 {
	n := s.ringLen
	if n < 2 {
		return 0
	}
	// Oldest sample is at (ringPos - n) mod len, walking forward.
	idx := (s.ringPos - n + len(s.ring)) % len(s.ring)
	first := s.ring[idx]
	idx = (s.ringPos - 1 + len(s.ring)) % len(s.ring)
	last := s.ring[idx]
	span := last.Sub(first).Seconds()
	if span <= 0 {
		return 0
	}
	return span / float64(n-1)
}

// retargetLocked computes a damped, step-clamped, quantized candidate
// difficulty from the observed average inter-share interval, following
// the teacher's suggestedVardiff shape generalized from a rolling-
// hashrate EMA to spec.md's literal ring-of-timestamps model. Caller
// must hold s.mu.
func (s *State) retargetLocked(avgIntervalSeconds float64, now time.Time) (float64, bool) {
	targetShares := s.cfg.TargetSharesPerMin
	if targetShares <= 0 {
		targetShares = 5
	}
	targetInterval := 60 / targetShares

	ratio := avgIntervalSeconds / targetInterval
	const deadband = 0.5
	if ratio >= 1-deadband && ratio <= 1+deadband {
		return 0, false
	}

	// observed faster than target (ratio<1) => raise difficulty;
	// observed slower (ratio>1) => lower difficulty.
	rawTarget := s.currentDiff / ratio
	if rawTarget <= 0 || math.IsNaN(rawTarget) || math.IsInf(rawTarget, 0) {
		return 0, false
	}

	damping := s.cfg.DampingFactor
	if damping <= 0 || damping > 1 {
		damping = 0.5
	}
	damped := s.currentDiff + damping*(rawTarget-s.currentDiff)

	step := s.cfg.Step
	if step <= 1 {
		step = 2
	}
	factor := damped / s.currentDiff
	if factor > step {
		factor = step
	}
	if factor < 1/step {
		factor = 1 / step
	}
	candidate := s.currentDiff * factor

	if math.Abs(candidate-s.currentDiff) < 1e-9 {
		return 0, false
	}

	return clampAndQuantize(candidate, s.cfg.MinDiff, s.cfg.MaxDiff), true
}

func clampAndQuantize(diff, min, max float64) float64 {
	if diff <= 0 {
		diff = min
	}
	if min > 0 && diff < min {
		diff = min
	}
	if max > 0 && diff > max {
		diff = max
	}
	return quantizeToPowerOfTwo(diff, min, max)
}

// quantizeToPowerOfTwo snaps diff to the nearest power of two within
// [min, max], matching the teacher's quantizeDifficultyToPowerOfTwo.
func quantizeToPowerOfTwo(diff, min, max float64) float64 {
	if diff <= 0 {
		return diff
	}
	log2 := math.Log2(diff)
	if math.IsNaN(log2) || math.IsInf(log2, 0) {
		return diff
	}
	exp := math.Round(log2)
	cand := math.Pow(2, exp)

	if cand < min && min > 0 {
		cand = math.Pow(2, math.Ceil(math.Log2(min)))
	}
	if max > 0 && cand > max {
		cand = math.Pow(2, math.Floor(math.Log2(max)))
	}
	if cand < min {
		cand = min
	}
	if max > 0 && cand > max {
		cand = max
	}
	return cand
}

// HumanInterval renders a retarget interval for log attributes.
func HumanInterval(d time.Duration) string {
	return durafmt.Parse(d).String()
}
