package stratum

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/bits"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"multipool/internal/ban"
	"multipool/internal/bus"
	"multipool/internal/hashfamily"
	"multipool/internal/job"
	"multipool/internal/jsonx"
	"multipool/internal/logging"
	"multipool/internal/validator"
	"multipool/internal/vardiff"
)

const (
	maxMessageSize        = 16 * 1024
	writeTimeout          = 10 * time.Second
	initialReadTimeout    = 15 * time.Second
	junkBanDuration       = 30 * time.Minute
	defaultExtranonce2Len = 4

	// sendQueueDepth bounds the outgoing message backlog a session may
	// accumulate before it is treated as a stalled/slow reader and
	// forcibly disconnected, per spec.md §4.1/§5's bounded-queue
	// requirement.
	sendQueueDepth = 256
)

// SessionConfig carries the per-pool parameters a Session needs that do
// not change across connections.
type SessionConfig struct {
	PoolID            string
	Extranonce2Size   int
	ConnectionTimeout time.Duration
	VersionMask       uint32
	MinVersionBits    int
	DefaultDifficulty float64
	MaxRecentJobs     int
	Vardiff           vardiff.Config
	// BlockSubmit, if set, is invoked synchronously on every block-
	// candidate share before it is published to the bus, implementing
	// spec.md §4.3's "when the validator flags a share as a block
	// candidate, the manager serializes a submit-work/submitblock RPC"
	// step. It returns the share to publish (with IsBlockCandidate
	// possibly cleared on daemon rejection, per spec.md §4.3/§8 scenario
	// 4).
	BlockSubmit func(ctx context.Context, share *validator.Share) *validator.Share
}

// Session is one live miner connection, grounded on the teacher's
// MinerConn/handle() read loop generalized away from its per-connection
// dual-payout coinbase and accounting hooks, which are out of this
// system's scope (spec.md §1 Non-goals: payment processing).
type Session struct {
	id     string
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer

	// sendCh is drained by a single writer goroutine (writeLoop), so a
	// slow miner's socket cannot stall message delivery to anyone else;
	// once it fills, writeJSON forcibly disconnects the session rather
	// than blocking the caller.
	sendCh chan []byte
	stopCh chan struct{}

	cfg       SessionConfig
	jobs      *job.Manager
	validate  *validator.Validator
	vd        *vardiff.State
	bans      *ban.Manager
	bus       *bus.Bus
	logger    *logging.Logger
	extranonce1 []byte

	jobCh chan *job.Job

	stateMu          sync.Mutex
	subscribed       bool
	authorizedWorker string
	difficulty       float64
	pendingDiff      float64
	seenFirstDiff    bool
	poolMask         uint32
	minerMask        uint32
	versionRoll      bool
	effectiveMask    uint32
	minVerBits       int
	lastActivity     time.Time
	accepted         int64

	closeOnce sync.Once
	closed    atomic.Bool
}

// NewSession wraps a freshly accepted connection.
func NewSession(c net.Conn, cfg SessionConfig, jobs *job.Manager, v *validator.Validator, b *bus.Bus, bans *ban.Manager, l *logging.Logger) *Session {
	extranonce2Size := cfg.Extranonce2Size
	if extranonce2Size <= 0 {
		extranonce2Size = defaultExtranonce2Len
	}

	minBits := cfg.MinVersionBits
	if cfg.VersionMask == 0 {
		minBits = 0
	} else if minBits <= 0 {
		minBits = 1
	}
	if avail := bits.OnesCount32(cfg.VersionMask); minBits > avail {
		minBits = avail
	}

	initialDiff := cfg.DefaultDifficulty
	if initialDiff <= 0 {
		initialDiff = 1
	}

	vdCfg := cfg.Vardiff
	if vdCfg == (vardiff.Config{}) {
		vdCfg = vardiff.DefaultConfig()
	}

	s := &Session{
		id:           c.RemoteAddr().String(),
		conn:         c,
		reader:       bufio.NewReaderSize(c, maxMessageSize),
		writer:       bufio.NewWriter(c),
		sendCh:       make(chan []byte, sendQueueDepth),
		stopCh:       make(chan struct{}),
		cfg:          cfg,
		jobs:         jobs,
		validate:     v,
		vd:           vardiff.NewState(vdCfg, initialDiff),
		bans:         bans,
		bus:          b,
		logger:       l,
		extranonce1:  jobs.NextExtranonce1(extranonce2Size),
		jobCh:        jobs.Subscribe(),
		difficulty:   initialDiff,
		poolMask:     cfg.VersionMask,
		minVerBits:   minBits,
		lastActivity: time.Now(),
	}
	go s.writeLoop()
	return s
}

// writeLoop is the session's single writer goroutine: it drains sendCh so
// no two goroutines ever touch the connection's write side at once, and
// forcibly closes the session the moment a write or flush fails, per
// spec.md §4.1/§5.
func (s *Session) writeLoop() {
	for {
		select {
		case <-s.stopCh:
			return
		case b := <-s.sendCh:
			if err := s.writeFrame(b); err != nil {
				if !isIgnoredSocketError(err) {
					s.logger.Warn("stratum write error", "remote", s.id, "error", err)
				}
				s.Close("write failed")
				return
			}
		}
	}
}

func (s *Session) writeFrame(b []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	if _, err := s.writer.Write(b); err != nil {
		return err
	}
	return s.writer.Flush()
}

// Run drives the session's read loop until the connection closes or ctx
// is cancelled. It blocks the caller's goroutine; the caller should also
// start ListenJobs in its own goroutine.
func (s *Session) Run(ctx context.Context) {
	defer s.Close("shutdown")

	for {
		if ctx.Err() != nil {
			return
		}
		deadline := s.currentReadTimeout()
		if err := s.conn.SetReadDeadline(time.Now().Add(deadline)); err != nil {
			return
		}

		line, err := s.reader.ReadBytes('\n')
		if err != nil {
			if errors.Is(err, bufio.ErrBufferFull) {
				s.banFor("oversized stratum message", junkBanDuration)
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				if s.idleExpired() {
					return
				}
				continue
			}
			if err != io.EOF && !errors.Is(err, net.ErrClosed) && !isIgnoredSocketError(err) {
				s.logger.Warn("stratum read error", "remote", s.id, "error", err)
			}
			return
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		s.recordActivity()

		var req Request
		if err := jsonx.Unmarshal(line, &req); err != nil {
			s.logger.Warn("invalid stratum json", "remote", s.id, "error", err)
			s.writeResponse(Response{Error: errorCode(errInvalidParams, "parse error")})
			s.banFor("invalid stratum json", junkBanDuration)
			return
		}

		s.dispatch(&req)
	}
}

func (s *Session) currentReadTimeout() time.Duration {
	base := s.cfg.ConnectionTimeout
	if base <= 0 {
		base = 10 * time.Minute
	}
	s.stateMu.Lock()
	accepted := s.accepted
	s.stateMu.Unlock()
	if accepted < 3 {
		return initialReadTimeout
	}
	return base
}

func (s *Session) idleExpired() bool {
	s.stateMu.Lock()
	last := s.lastActivity
	s.stateMu.Unlock()
	base := s.cfg.ConnectionTimeout
	if base <= 0 {
		base = 10 * time.Minute
	}
	return time.Since(last) > base
}

func (s *Session) recordActivity() {
	s.stateMu.Lock()
	s.lastActivity = time.Now()
	s.stateMu.Unlock()
}

func (s *Session) dispatch(req *Request) {
	switch req.Method {
	case "mining.subscribe":
		s.handleSubscribe(req)
	case "mining.authorize":
		s.handleAuthorize(req)
	case "mining.submit":
		s.handleSubmit(req)
	case "mining.configure":
		s.handleConfigure(req)
	case "mining.extranonce.subscribe":
		s.writeResponse(Response{ID: req.ID, Result: true})
	case "mining.suggest_difficulty":
		s.handleSuggestDifficulty(req)
	case "mining.ping":
		s.writeResponse(Response{ID: req.ID, Result: "pong"})
	case "mining.get_transactions":
		s.writeResponse(Response{ID: req.ID, Result: []any{}})
	case "mining.capabilities":
		s.writeResponse(Response{ID: req.ID, Result: true})
	default:
		s.logger.Debug("ignoring unknown stratum method", "remote", s.id, "method", req.Method)
	}
}

// ListenJobs forwards every job the manager installs as a mining.notify,
// grounded on the teacher's listenJobs goroutine.
func (s *Session) ListenJobs() {
	for j := range s.jobCh {
		s.sendNotify(j, false)
	}
}

func (s *Session) handleSubscribe(req *Request) {
	s.stateMu.Lock()
	alreadySubscribed := s.subscribed
	if !alreadySubscribed {
		s.subscribed = true
	}
	s.stateMu.Unlock()
	if alreadySubscribed {
		s.writeResponse(Response{ID: req.ID, Error: errorCode(errInvalidParams, "already subscribed")})
		return
	}

	extranonce1Hex := hex.EncodeToString(s.extranonce1)
	result := []any{
		[]any{[]any{"mining.set_difficulty", s.id}, []any{"mining.notify", s.id}},
		extranonce1Hex,
		s.cfg.Extranonce2Size,
	}
	s.writeResponse(Response{ID: req.ID, Result: result})
}

func (s *Session) handleAuthorize(req *Request) {
	if len(req.Params) < 1 {
		s.writeResponse(Response{ID: req.ID, Error: errorCode(errInvalidParams, "invalid params")})
		return
	}
	worker, _ := req.Params[0].(string)
	worker = strings.TrimSpace(worker)
	if worker == "" {
		s.writeResponse(Response{ID: req.ID, Error: errorCode(errInvalidParams, "invalid worker name")})
		return
	}

	s.stateMu.Lock()
	s.authorizedWorker = worker
	s.stateMu.Unlock()

	s.writeResponse(Response{ID: req.ID, Result: true})
	s.sendInitialWork()
}

// sendInitialWork sends the first mining.notify (always with clean_jobs
// true) once a session is both subscribed and authorized, grounded on
// the teacher's sendInitialWork.
func (s *Session) sendInitialWork() {
	s.stateMu.Lock()
	ready := s.subscribed && s.authorizedWorker != ""
	s.stateMu.Unlock()
	if !ready {
		return
	}
	s.sendDifficulty(s.currentDifficulty())
	if j := s.jobs.CurrentJob(); j != nil {
		s.sendNotify(j, true)
	}
}

func (s *Session) handleConfigure(req *Request) {
	if len(req.Params) == 0 {
		s.writeResponse(Response{ID: req.ID, Error: errorCode(errInvalidParams, "invalid params")})
		return
	}
	extensions, _ := req.Params[0].([]any)
	var opts map[string]any
	if len(req.Params) > 1 {
		opts, _ = req.Params[1].(map[string]any)
	}

	result := make(map[string]any)
	for _, rawExt := range extensions {
		ext, _ := rawExt.(string)
		switch strings.ToLower(strings.TrimSpace(ext)) {
		case "version-rolling":
			s.negotiateVersionRolling(opts, result)
		}
	}
	s.writeResponse(Response{ID: req.ID, Result: result})
}

// negotiateVersionRolling implements BIP320's mask negotiation, grounded
// on the teacher's handleConfigure "versionrolling" case.
func (s *Session) negotiateVersionRolling(opts map[string]any, result map[string]any) {
	if s.poolMask == 0 {
		result["version-rolling"] = false
		return
	}
	requestMask := s.poolMask
	if opts != nil {
		if raw, ok := opts["version-rolling.mask"]; ok {
			if maskStr, ok := raw.(string); ok {
				if parsed, err := parseHexUint32(maskStr); err == nil {
					requestMask = parsed
				}
			}
		}
	}

	mask := requestMask & s.poolMask
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if mask == 0 {
		s.versionRoll = false
		s.minerMask = requestMask
		result["version-rolling"] = false
		return
	}
	available := bits.OnesCount32(mask)
	minBits := s.minVerBits
	if minBits <= 0 {
		minBits = 1
	}
	if minBits > available {
		minBits = available
	}
	s.minerMask = requestMask
	s.versionRoll = true
	s.effectiveMask = mask
	s.minVerBits = minBits
	result["version-rolling"] = true
	result["version-rolling.mask"] = fmt.Sprintf("%08x", mask)
	result["version-rolling.min-bit-count"] = minBits
}

func (s *Session) handleSuggestDifficulty(req *Request) {
	if len(req.Params) == 0 {
		s.writeResponse(Response{ID: req.ID, Result: true})
		return
	}
	diff, ok := parseNumeric(req.Params[0])
	if !ok || diff < 0 {
		s.writeResponse(Response{ID: req.ID, Error: errorCode(errInvalidParams, "invalid params")})
		return
	}
	if diff == 0 {
		s.writeResponse(Response{ID: req.ID, Result: true})
		return
	}
	s.writeResponse(Response{ID: req.ID, Result: true})

	s.stateMu.Lock()
	alreadySet := s.seenFirstDiff
	if !alreadySet {
		s.seenFirstDiff = true
	}
	s.stateMu.Unlock()
	if !alreadySet {
		s.setDifficulty(diff)
	}
}

func (s *Session) currentDifficulty() float64 {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.difficulty
}

func (s *Session) setDifficulty(diff float64) {
	s.stateMu.Lock()
	s.difficulty = diff
	s.stateMu.Unlock()
	s.sendDifficulty(diff)
}

func (s *Session) sendDifficulty(diff float64) {
	s.writeJSON(Request{Method: "mining.set_difficulty", Params: []any{diff}})
}

// sendNotify serializes job fields into the wire notify payload, per
// spec.md §4.3 step 4, applying any vardiff difficulty due on this
// notification (spec.md §4.5's "applied when the next set_difficulty/job
// notification is emitted" semantics).
func (s *Session) sendNotify(j *job.Job, forceClean bool) {
	s.stateMu.Lock()
	subscribed := s.subscribed
	s.stateMu.Unlock()
	if !subscribed {
		return
	}

	if pending, ok := s.vd.ApplyPending(); ok {
		s.setDifficulty(pending)
		forceClean = true
	}

	fields := j.FamilyJob.Notify()
	clean := forceClean || j.Clean

	params := []any{
		j.ID,
		fields.PrevHashHex,
		fields.Coinbase1Hex,
		fields.Coinbase2Hex,
		branchesToAny(fields.MerkleBranches),
		fields.VersionHex,
		fields.BitsHex,
		fields.NTimeHex,
		clean,
	}
	s.writeJSON(Request{Method: "mining.notify", Params: params})
}

func branchesToAny(branches []string) []any {
	out := make([]any, len(branches))
	for i, b := range branches {
		out[i] = b
	}
	return out
}

func (s *Session) handleSubmit(req *Request) {
	s.stateMu.Lock()
	subscribed := s.subscribed
	worker := s.authorizedWorker
	s.stateMu.Unlock()
	if !subscribed {
		s.writeResponse(Response{ID: req.ID, Error: errorCode(errNotSubscribed, "not subscribed")})
		return
	}
	if worker == "" {
		s.writeResponse(Response{ID: req.ID, Error: errorCode(errUnauthorizedWorker, "unauthorized worker")})
		return
	}
	if len(req.Params) < 5 {
		s.writeResponse(Response{ID: req.ID, Error: errorCode(errInvalidParams, "invalid params")})
		return
	}
	submittedWorker, _ := req.Params[0].(string)
	jobID, _ := req.Params[1].(string)
	extranonce2, _ := req.Params[2].(string)
	ntime, _ := req.Params[3].(string)
	nonce, _ := req.Params[4].(string)
	var versionBits string
	if len(req.Params) > 5 {
		versionBits, _ = req.Params[5].(string)
	}
	if strings.TrimSpace(submittedWorker) != "" && submittedWorker != worker {
		s.writeResponse(Response{ID: req.ID, Error: errorCode(errUnauthorizedWorker, "worker mismatch")})
		return
	}

	params := hashfamily.SubmitParams{
		WorkerName:      worker,
		JobID:           jobID,
		ExtraNonce2:     extranonce2,
		NTime:           ntime,
		Nonce:           nonce,
		VersionBits:     versionBits,
		ExtraNonce1:     hex.EncodeToString(s.extranonce1),
		ExtraNonce2Size: s.cfg.Extranonce2Size,
	}

	claimed := s.currentDifficulty()
	dupTuple := fmt.Sprintf("%s:%s:%s", params.ExtraNonce1, nonce, extranonce2)

	share, err := s.validate.Validate(context.Background(), params, claimed, dupTuple)
	if err != nil {
		var rej *validator.RejectError
		if errors.As(err, &rej) {
			s.writeResponse(Response{ID: req.ID, Result: false, Error: errorCode(rej.WireCode(), rej.Message)})
		} else {
			s.writeResponse(Response{ID: req.ID, Result: false, Error: errorCode(errInvalidParams, "rejected")})
		}
		return
	}

	s.stateMu.Lock()
	s.accepted++
	s.stateMu.Unlock()

	s.writeResponse(Response{ID: req.ID, Result: true})

	if share.IsBlockCandidate && s.cfg.BlockSubmit != nil {
		share = s.cfg.BlockSubmit(context.Background(), share)
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicShare, share)
	}

	// applied on the next notify per sendNotify's ApplyPending
	s.vd.RecordShare(time.Now())
}

func (s *Session) banFor(reason string, d time.Duration) {
	host, _, err := net.SplitHostPort(s.id)
	if err != nil {
		host = s.id
	}
	if s.bans != nil {
		s.bans.Ban(host, reason, d)
	}
	s.logger.Warn("banning session", "remote", s.id, "reason", reason, "duration", d)
	s.Close(reason)
}

func (s *Session) writeResponse(resp Response) {
	s.writeJSON(resp)
}

// writeJSON encodes v and hands it to the session's bounded send queue.
// The queue is drained by writeLoop, so writeJSON never blocks on the
// network; if the queue is already full the session is treated as a
// stalled reader and forcibly disconnected rather than backing up
// indefinitely, per spec.md §4.1/§5.
func (s *Session) writeJSON(v any) {
	if s.closed.Load() {
		return
	}
	b, err := jsonx.Marshal(v)
	if err != nil {
		s.logger.Error("stratum encode failed", "remote", s.id, "error", err)
		return
	}
	b = append(b, '\n')

	select {
	case s.sendCh <- b:
	case <-s.stopCh:
	default:
		s.logger.Warn("stratum send queue full, disconnecting", "remote", s.id)
		s.Close("send queue full")
	}
}

// Close tears the session down, unsubscribing it from job notifications
// and stopping the write loop.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.stopCh)
		s.jobs.Unsubscribe(s.jobCh)
		_ = s.conn.Close()
		s.logger.Info("session closed", "remote", s.id, "reason", reason)
	})
}

func parseHexUint32(s string) (uint32, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil || len(b) != 4 {
		return 0, fmt.Errorf("invalid 4-byte hex %q", s)
	}
	v := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	return v, nil
}

func parseNumeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case string:
		var f float64
		if _, err := fmt.Sscanf(n, "%g", &f); err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
