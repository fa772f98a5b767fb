// Package hashfamily expresses coin-family polymorphism as a capability
// set (validate / refresh template / submit block) rather than class
// inheritance, per spec.md §9's design note. Each coin family implements
// Family against its own job/template representation.
package hashfamily

import (
	"context"
	"math/big"
)

// MaxUint256 is the largest value representable in 256 bits, used as the
// family-agnostic fallback target per spec.md §4.4's literal formula.
var MaxUint256 = func() *big.Int {
	n := new(big.Int).Lsh(big.NewInt(1), 256)
	return n.Sub(n, big.NewInt(1))
}()

// TargetFromDifficulty implements spec.md §4.4's literal family-agnostic
// formula target = floor(2^256 / difficulty). Coin families that define
// their own conventional difficulty-1 target (e.g. Bitcoin's) override
// this at the Family implementation level; see DESIGN.md Open Question 2.
func TargetFromDifficulty(diff float64) *big.Int {
	if diff <= 0 {
		return new(big.Int).Set(MaxUint256)
	}
	r := new(big.Rat).SetFloat64(diff)
	if r == nil || r.Sign() <= 0 {
		return new(big.Int).Set(MaxUint256)
	}
	num := new(big.Rat).SetInt(MaxUint256)
	num.Quo(num, r)
	target := new(big.Int).Quo(num.Num(), num.Denom())
	if target.Sign() == 0 {
		target = big.NewInt(1)
	}
	if target.Cmp(MaxUint256) > 0 {
		target = new(big.Int).Set(MaxUint256)
	}
	return target
}

// HashAsBigInt interprets a raw hash as an unsigned big-endian integer,
// the comparison basis for spec.md §4.4 step 6.
func HashAsBigInt(hash []byte) *big.Int {
	return new(big.Int).SetBytes(hash)
}

// SubmitParams carries the coin-family-specific fields a session submits
// with mining.submit; the core never interprets these beyond routing them
// to the active Family.
type SubmitParams struct {
	WorkerName      string
	JobID           string
	ExtraNonce2     string
	NTime           string
	Nonce           string
	VersionBits     string
	ExtraNonce1     string
	ExtraNonce2Size int
}

// HeaderResult is what a Family produces after assembling and hashing a
// submission's candidate header.
type HeaderResult struct {
	Hash       []byte
	HeightHint int64
}

// NotifyFields is the coin-family-specific set of wire fields a Stratum
// Session needs to emit a mining.notify for a job, already hex-encoded
// in the order each family's miners expect. The core session code never
// interprets these beyond forwarding them as the notify params tail.
type NotifyFields struct {
	PrevHashHex    string
	Coinbase1Hex   string
	Coinbase2Hex   string
	MerkleBranches []string
	VersionHex     string
	BitsHex        string
	NTimeHex       string
}

// Job is the minimal per-job surface a Family needs; concrete job state
// lives in internal/job and satisfies this via a small adapter.
type Job interface {
	JobID() string
	Target() *big.Int
	Height() int64
	Notify() NotifyFields
}

// Family is the capability set a coin-family implementation provides.
// The Share Validator dispatches to it without knowing which chain it is
// talking to.
type Family interface {
	// Name identifies the family for config/log purposes ("bitcoin", …).
	Name() string
	// WorkerTarget converts a per-worker difficulty into that family's
	// conventional target representation.
	WorkerTarget(difficulty float64) *big.Int
	// AssembleAndHash builds the candidate header/input from job + params
	// and returns its hash, ready for comparison against worker/network
	// targets.
	AssembleAndHash(ctx context.Context, job Job, params SubmitParams) (HeaderResult, error)
	// DifficultyFromHash converts a resulting hash into a difficulty
	// value relative to the family's difficulty-1 definition.
	DifficultyFromHash(hash []byte) float64
	// RefreshTemplate asks the daemon for the latest template/work unit.
	RefreshTemplate(ctx context.Context) (any, error)
	// SubmitBlock submits a winning candidate back to the daemon.
	SubmitBlock(ctx context.Context, result HeaderResult, raw any) (bool, error)
}
