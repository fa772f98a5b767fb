// Package validator implements the Share Validator pipeline of spec.md
// §4.4: locate job, decode submission, duplicate check, assemble and hash
// the candidate header, compare against worker and network targets, and
// construct the resulting Share record.
package validator

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"multipool/internal/hashfamily"
	"multipool/internal/job"
)

// Error codes from spec.md §6. -1 covers stale and duplicate shares at
// the wire boundary; low-difficulty gets its own dedicated code. Each
// condition is still a distinct typed error internally (DESIGN.md Open
// Question 1) so logs and tests can tell them apart.
const (
	CodeStaleOrDuplicateOrLowDiff = -1
	CodeOther                     = 20
	CodeLowDifficulty             = 23
	CodeUnauthorizedWorker        = 24
	CodeNotSubscribed             = 25
	CodeJobNotFound               = -2
)

// RejectError is the typed, internally-distinguishable rejection reason a
// Validate call returns. WireCode renders it to the spec.md §6 numeric
// code a stratum response carries.
type RejectError struct {
	Kind    RejectKind
	Message string
	Actual  float64
	Claimed float64
}

// RejectKind distinguishes reject reasons internally even though several
// collapse to the same wire code.
type RejectKind int

const (
	RejectStale RejectKind = iota
	RejectDuplicate
	RejectLowDifficulty
	RejectOther
)

func (e *RejectError) Error() string { return e.Message }

// WireCode returns the spec.md §6 numeric code for this rejection.
func (e *RejectError) WireCode() int {
	switch e.Kind {
	case RejectStale, RejectDuplicate:
		return CodeStaleOrDuplicateOrLowDiff
	case RejectLowDifficulty:
		return CodeLowDifficulty
	default:
		return CodeOther
	}
}

func staleShare() *RejectError {
	return &RejectError{Kind: RejectStale, Message: "stale share"}
}

func duplicateShare() *RejectError {
	return &RejectError{Kind: RejectDuplicate, Message: "duplicate share"}
}

func lowDifficultyShare(actual, claimed float64) *RejectError {
	return &RejectError{
		Kind:    RejectLowDifficulty,
		Message: fmt.Sprintf("low difficulty share (%v expected %v)", actual, claimed),
		Actual:  actual,
		Claimed: claimed,
	}
}

// Share is the spec.md §3 record emitted on successful validation.
type Share struct {
	PoolID            string
	WorkerName        string
	MinerAddress      string
	ClaimedDifficulty float64
	ActualDifficulty  float64
	NetworkDifficulty float64
	Height            int64
	IsBlockCandidate  bool
	Source            string
	CreatedAt         time.Time
	Solution          hashfamily.HeaderResult
}

// Validator dispatches the coin-family-polymorphic share pipeline against
// a single pool's retained job set.
type Validator struct {
	PoolID string
	Jobs   *job.Manager
	Family hashfamily.Family
}

// New constructs a Validator for one pool.
func New(poolID string, jobs *job.Manager, family hashfamily.Family) *Validator {
	return &Validator{PoolID: poolID, Jobs: jobs, Family: family}
}

// Validate runs spec.md §4.4 steps 1-8. duplicateTuple is precomputed by
// the caller (the Stratum Session) from the coin-family-specific
// submission parameters.
func (v *Validator) Validate(ctx context.Context, params hashfamily.SubmitParams, claimedDifficulty float64, duplicateTuple string) (*Share, error) {
	j, ok := v.Jobs.Lookup(params.JobID)
	if !ok {
		return nil, staleShare()
	}

	if j.SeenAndAdd(duplicateTuple) {
		return nil, duplicateShare()
	}

	result, err := v.Family.AssembleAndHash(ctx, j.FamilyJob, params)
	if err != nil {
		return nil, &RejectError{Kind: RejectOther, Message: "other"}
	}

	hashInt := hashfamily.HashAsBigInt(result.Hash)
	workerTarget := v.Family.WorkerTarget(claimedDifficulty)
	networkTarget := j.Target()

	accepted := hashInt.Cmp(workerTarget) <= 0
	if !accepted {
		actual := v.Family.DifficultyFromHash(result.Hash)
		return nil, lowDifficultyShare(actual, claimedDifficulty)
	}

	actualDifficulty := v.Family.DifficultyFromHash(result.Hash)
	if actualDifficulty < claimedDifficulty {
		// Invariant (spec.md §3): a Share's actual difficulty is always >=
		// the credited difficulty; the validator refuses to record
		// otherwise. A hash that passed the target comparison but reports
		// a lower approximate difficulty is a measurement artifact, not a
		// real share: floor it to the claimed value rather than reject.
		actualDifficulty = claimedDifficulty
	}

	isBlockCandidate := networkTarget != nil && hashInt.Cmp(networkTarget) <= 0

	share := &Share{
		PoolID:            v.PoolID,
		WorkerName:        params.WorkerName,
		ClaimedDifficulty: claimedDifficulty,
		ActualDifficulty:  actualDifficulty,
		NetworkDifficulty: networkDifficulty(networkTarget),
		Height:            j.Height,
		IsBlockCandidate:  isBlockCandidate,
		CreatedAt:         time.Now(),
		Solution:          result,
	}
	return share, nil
}

func networkDifficulty(target *big.Int) float64 {
	if target == nil || target.Sign() <= 0 {
		return 0
	}
	r := new(big.Rat).SetFrac(hashfamily.MaxUint256, target)
	f, _ := r.Float64()
	return f
}
