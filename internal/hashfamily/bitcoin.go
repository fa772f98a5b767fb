package hashfamily

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"math/big"

	sha256simd "github.com/minio/sha256-simd"
)

// diff1Target is Bitcoin's conventional difficulty-1 target. Per DESIGN.md
// Open Question 2, the Bitcoin family overrides the family-agnostic
// 2^256/difficulty formula with this chain-conventional value, which is
// the capability-set design's explicit allowance for per-family
// conventions (spec.md §9).
var diff1Target = func() *big.Int {
	n, _ := new(big.Int).SetString("00000000FFFF0000000000000000000000000000000000000000000000000000", 16)
	return n
}()

// BitcoinTemplate is the subset of a getblocktemplate response the header
// assembly and target math need. The transactions, coinbase value and
// witness commitment are consumed by RefreshTemplate, which folds them
// into the merkle branches and the coinbase halves stored here.
type BitcoinTemplate struct {
	Version          int32
	PreviousHashBE   [32]byte
	BitsBE           [4]byte
	MerkleBranchesBE []string
	Height           int64
	NetworkTarget    *big.Int

	// Coinbase1Hex/Coinbase2Hex are the raw coinbase transaction halves
	// either side of the extranonce1/extranonce2 splice point, as sent to
	// miners in mining.notify and re-hashed by AssembleAndHash on submit.
	Coinbase1Hex string
	Coinbase2Hex string

	// CurTime is getblocktemplate's curtime field, the ntime value
	// advertised in mining.notify for this job.
	CurTime uint32
}

// BitcoinJob adapts a BitcoinTemplate to the Job interface the validator
// dispatches against.
type BitcoinJob struct {
	ID       string
	Template BitcoinTemplate
}

func (j *BitcoinJob) JobID() string    { return j.ID }
func (j *BitcoinJob) Target() *big.Int { return j.Template.NetworkTarget }
func (j *BitcoinJob) Height() int64    { return j.Template.Height }

// Notify renders the mining.notify wire fields for this job, per
// spec.md §4.3 step 4's "serializes job fields into the wire notify
// payload" step.
func (j *BitcoinJob) Notify() NotifyFields {
	return NotifyFields{
		PrevHashHex:    hex.EncodeToString(j.Template.PreviousHashBE[:]),
		Coinbase1Hex:   j.Template.Coinbase1Hex,
		Coinbase2Hex:   j.Template.Coinbase2Hex,
		MerkleBranches: j.Template.MerkleBranchesBE,
		VersionHex:     fmt.Sprintf("%08x", uint32(j.Template.Version)),
		BitsHex:        hex.EncodeToString(j.Template.BitsBE[:]),
		NTimeHex:       fmt.Sprintf("%08x", j.Template.CurTime),
	}
}

// RPCClient is the narrow daemon capability the Bitcoin family needs; the
// Daemon Client (internal/daemon) satisfies this.
type RPCClient interface {
	CallCtx(ctx context.Context, method string, params any, out any) error
}

// Bitcoin implements Family for SHA256d, header-based coin families
// (Bitcoin and its direct forks).
type Bitcoin struct {
	rpc             RPCClient
	payoutScript    []byte
	recipients      []RewardRecipient
	extranonce1Size int
	extranonce2Size int
	coinbaseMessage string
}

// BitcoinOption customizes a Bitcoin family beyond its RPC client.
type BitcoinOption func(*Bitcoin)

// WithPayout sets the primary payout script and any fee-split recipients
// the coinbase transaction splits the block reward across, per spec.md
// §4.2/§6's reward_recipients configuration.
func WithPayout(payoutScript []byte, recipients []RewardRecipient) BitcoinOption {
	return func(b *Bitcoin) {
		b.payoutScript = payoutScript
		b.recipients = recipients
	}
}

// WithExtranonceSizes records the extranonce1/extranonce2 byte widths the
// coinbase scriptSig placeholder must reserve room for.
func WithExtranonceSizes(extranonce1Size, extranonce2Size int) BitcoinOption {
	return func(b *Bitcoin) {
		b.extranonce1Size = extranonce1Size
		b.extranonce2Size = extranonce2Size
	}
}

// WithCoinbaseMessage sets the pool tag embedded in the coinbase scriptSig
// (job_coinbase.go's normalizeCoinbaseMessage input).
func WithCoinbaseMessage(msg string) BitcoinOption {
	return func(b *Bitcoin) { b.coinbaseMessage = msg }
}

// NewBitcoin returns a Bitcoin-family Family backed by rpc for template
// refresh and block submission.
func NewBitcoin(rpc RPCClient, opts ...BitcoinOption) *Bitcoin {
	b := &Bitcoin{rpc: rpc, extranonce2Size: 4}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bitcoin) Name() string { return "bitcoin" }

// WorkerTarget follows Bitcoin's conventional target = diff1Target /
// difficulty, floor division via big.Rat, distinct from the family-
// agnostic 2^256/difficulty formula used when no family overrides it.
func (b *Bitcoin) WorkerTarget(difficulty float64) *big.Int {
	if difficulty <= 0 {
		return new(big.Int).Set(MaxUint256)
	}
	r := new(big.Rat).SetFloat64(difficulty)
	if r == nil || r.Sign() <= 0 {
		return new(big.Int).Set(MaxUint256)
	}
	num := new(big.Rat).SetInt(diff1Target)
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

// DifficultyFromHash converts hash (big-endian bytes) into a difficulty
// value relative to diff1Target.
func (b *Bitcoin) DifficultyFromHash(hash []byte) float64 {
	h := new(big.Int).SetBytes(hash)
	if h.Sign() == 0 {
		return math.MaxFloat64
	}
	r := new(big.Rat).SetFrac(diff1Target, h)
	f, _ := r.Float64()
	return f
}

// AssembleAndHash builds the 80-byte SHA256d block header from the job's
// template fields and the submission params, then double-SHA256s it.
func (b *Bitcoin) AssembleAndHash(_ context.Context, job Job, p SubmitParams) (HeaderResult, error) {
	bj, ok := job.(*BitcoinJob)
	if !ok {
		return HeaderResult{}, fmt.Errorf("hashfamily: job is not a BitcoinJob")
	}

	extranonce2, err := hex.DecodeString(p.ExtraNonce2)
	if err != nil {
		return HeaderResult{}, fmt.Errorf("decode extranonce2: %w", err)
	}
	extranonce1, err := hex.DecodeString(p.ExtraNonce1)
	if err != nil {
		return HeaderResult{}, fmt.Errorf("decode extranonce1: %w", err)
	}
	coinb1, err := hex.DecodeString(bj.Template.Coinbase1Hex)
	if err != nil {
		return HeaderResult{}, fmt.Errorf("decode coinbase1: %w", err)
	}
	coinb2, err := hex.DecodeString(bj.Template.Coinbase2Hex)
	if err != nil {
		return HeaderResult{}, fmt.Errorf("decode coinbase2: %w", err)
	}

	coinbaseHash := computeCoinbaseHash(coinb1, coinb2, extranonce1, extranonce2)
	merkleRoot := computeMerkleRootFromBranches(coinbaseHash, bj.Template.MerkleBranchesBE)

	version := bj.Template.Version
	if p.VersionBits != "" {
		if v, err := parseHexUint32(p.VersionBits); err == nil {
			version = int32(v)
		}
	}

	header, err := buildBlockHeader(bj.Template, merkleRoot, p.NTime, p.Nonce, version)
	if err != nil {
		return HeaderResult{}, err
	}

	hash := doubleSHA256(header)
	return HeaderResult{Hash: reverseBytes(hash), HeightHint: bj.Template.Height}, nil
}

// gbtTransaction is one entry of getblocktemplate's "transactions" array,
// grounded on job.go's GBTTransaction.
type gbtTransaction struct {
	Txid string `json:"txid"`
	Hash string `json:"hash"`
}

// getBlockTemplateResult is the subset of bitcoind's getblocktemplate
// response this family consumes, grounded on job.go's request/response
// struct.
type getBlockTemplateResult struct {
	Bits                     string           `json:"bits"`
	CurTime                  int64            `json:"curtime"`
	Height                   int64            `json:"height"`
	Target                   string           `json:"target"`
	Version                  int32            `json:"version"`
	Previous                 string           `json:"previousblockhash"`
	CoinbaseValue            int64            `json:"coinbasevalue"`
	DefaultWitnessCommitment string           `json:"default_witness_commitment"`
	Transactions             []gbtTransaction `json:"transactions"`
}

// RefreshTemplate fetches a fresh getblocktemplate from the daemon and
// assembles the header-relevant fields plus a freshly built coinbase
// transaction, grounded on job.go's poll cycle and job_coinbase.go's
// coinbase assembly.
func (b *Bitcoin) RefreshTemplate(ctx context.Context) (any, error) {
	if b.rpc == nil {
		return nil, fmt.Errorf("hashfamily: no rpc client configured")
	}
	var raw getBlockTemplateResult
	if err := b.rpc.CallCtx(ctx, "getblocktemplate", nil, &raw); err != nil {
		return nil, err
	}

	prevBytes, err := hex.DecodeString(raw.Previous)
	if err != nil || len(prevBytes) != 32 {
		return nil, fmt.Errorf("hashfamily: decode previousblockhash: %w", err)
	}
	bitsBytes, err := hex.DecodeString(raw.Bits)
	if err != nil || len(bitsBytes) != 4 {
		return nil, fmt.Errorf("hashfamily: decode bits: %w", err)
	}
	target, ok := new(big.Int).SetString(raw.Target, 16)
	if !ok {
		return nil, fmt.Errorf("hashfamily: decode target %q", raw.Target)
	}

	txids := make([][]byte, 0, len(raw.Transactions))
	for _, tx := range raw.Transactions {
		id, err := hex.DecodeString(tx.Txid)
		if err != nil || len(id) != 32 {
			return nil, fmt.Errorf("hashfamily: decode txid %q: %w", tx.Txid, err)
		}
		txids = append(txids, reverseBytes(id))
	}

	if len(b.payoutScript) == 0 {
		return nil, fmt.Errorf("hashfamily: no payout script configured")
	}
	coinb1, coinb2, err := buildCoinbaseParts(raw.Height, make([]byte, b.extranonce1Size), b.extranonce2Size,
		b.payoutScript, raw.CoinbaseValue, b.recipients, raw.DefaultWitnessCommitment, b.coinbaseMessage, raw.CurTime)
	if err != nil {
		return nil, fmt.Errorf("hashfamily: build coinbase: %w", err)
	}

	var tmpl BitcoinTemplate
	tmpl.Version = raw.Version
	copy(tmpl.PreviousHashBE[:], reverseBytes(prevBytes))
	copy(tmpl.BitsBE[:], bitsBytes)
	tmpl.MerkleBranchesBE = BuildMerkleBranches(txids)
	tmpl.Height = raw.Height
	tmpl.NetworkTarget = target
	tmpl.Coinbase1Hex = coinb1
	tmpl.Coinbase2Hex = coinb2
	tmpl.CurTime = uint32(raw.CurTime)
	return tmpl, nil
}

func (b *Bitcoin) SubmitBlock(ctx context.Context, _ HeaderResult, raw any) (bool, error) {
	if b.rpc == nil {
		return false, fmt.Errorf("hashfamily: no rpc client configured")
	}
	var accepted bool
	if err := b.rpc.CallCtx(ctx, "submitblock", raw, &accepted); err != nil {
		return false, err
	}
	return accepted, nil
}

// computeCoinbaseHash hashes the coinbase transaction after splicing in
// the caller's extranonce1/extranonce2, grounded on job_coinbase.go's
// coinbase assembly: the full coinbase transaction is coinb1 ||
// extranonce1 || extranonce2 || coinb2, and its txid is its own
// double-SHA256.
func computeCoinbaseHash(coinb1, coinb2, extranonce1, extranonce2 []byte) []byte {
	buf := make([]byte, 0, len(coinb1)+len(coinb2)+len(extranonce1)+len(extranonce2))
	buf = append(buf, coinb1...)
	buf = append(buf, extranonce1...)
	buf = append(buf, extranonce2...)
	buf = append(buf, coinb2...)
	return doubleSHA256(buf)
}

func computeMerkleRootFromBranches(coinbaseHash []byte, branchesBE []string) []byte {
	root := coinbaseHash
	for _, branch := range branchesBE {
		b, err := hex.DecodeString(branch)
		if err != nil || len(b) != 32 {
			continue
		}
		concat := make([]byte, 0, 64)
		concat = append(concat, root...)
		concat = append(concat, b...)
		root = doubleSHA256(concat)
	}
	return root
}

// BuildMerkleBranches computes the per-level sibling hashes needed to
// recompute the merkle root given only the coinbase hash, grounded on
// job_block.go's buildMerkleBranches.
func BuildMerkleBranches(txids [][]byte) []string {
	if len(txids) == 0 {
		return []string{}
	}
	layer := make([][]byte, 1+len(txids))
	copy(layer[1:], txids)

	branches := make([]string, 0, 16)
	n := len(layer)
	for n > 1 {
		branches = append(branches, hex.EncodeToString(layer[1]))
		if n%2 == 1 {
			layer = append(layer, layer[n-1])
			n++
		}
		next := make([][]byte, 0, n/2)
		for i := 2; i+1 < n; i += 2 {
			joined := append(append([]byte{}, layer[i]...), layer[i+1]...)
			next = append(next, doubleSHA256(joined))
		}
		layer = append([][]byte{nil}, next...)
		n = len(layer)
	}
	return branches
}

func buildBlockHeader(tmpl BitcoinTemplate, merkleRootBE []byte, ntimeHex, nonceHex string, version int32) ([]byte, error) {
	if len(merkleRootBE) != 32 {
		return nil, fmt.Errorf("merkle root must be 32 bytes")
	}
	ntime, err := parseHexUint32(ntimeHex)
	if err != nil {
		return nil, fmt.Errorf("decode ntime: %w", err)
	}
	nonce, err := parseHexUint32(nonceHex)
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}

	var hdr [80]byte
	binary.BigEndian.PutUint32(hdr[0:4], nonce)
	copy(hdr[4:8], tmpl.BitsBE[:])
	binary.BigEndian.PutUint32(hdr[8:12], ntime)
	for i := 0; i < 32; i++ {
		hdr[12+i] = merkleRootBE[31-i]
	}
	copy(hdr[44:76], tmpl.PreviousHashBE[:])
	uver := uint32(version)
	hdr[76] = byte(uver >> 24)
	hdr[77] = byte(uver >> 16)
	hdr[78] = byte(uver >> 8)
	hdr[79] = byte(uver)

	for i := 0; i < 40; i++ {
		hdr[i], hdr[79-i] = hdr[79-i], hdr[i]
	}
	return hdr[:], nil
}

func doubleSHA256(b []byte) []byte {
	first := sha256simd.Sum256(b)
	second := sha256simd.Sum256(first[:])
	return second[:]
}

func reverseBytes(b []byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[i] = b[len(b)-1-i]
	}
	return out
}

func parseHexUint32(s string) (uint32, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 4 {
		return 0, fmt.Errorf("invalid 4-byte hex %q", s)
	}
	return binary.BigEndian.Uint32(b), nil
}
