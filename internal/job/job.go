// Package job implements the Job Manager: it polls (or accepts pushed)
// block templates from a coin family, maintains the retained job set, and
// fans out "new job" events to subscribers, per spec.md §4.3.
package job

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/remeh/sizedwaitgroup"

	"multipool/internal/bus"
	"multipool/internal/hashfamily"
	"multipool/internal/logging"
	"multipool/internal/notify"
)

// MaxBlockBacklog bounds how many block heights behind the newest job's
// height a retained job may be before it is evicted (spec.md §3).
const MaxBlockBacklog = 3

// notifyQueueDepth mirrors the teacher's notifyQueue buffer size. It is
// not referenced by broadcastJob, which bounds delivery with notifyWorkers
// and never falls back to a synchronous fan-out.
const notifyQueueDepth = 100

// Job is the spec.md §3 Job record: an opaque id, the coin-family
// template, the family adapter used to hash submissions against it, a
// per-job duplicate-submission set, and the job's expected target.
type Job struct {
	ID         string
	Height     int64
	CreatedAt  time.Time
	Clean      bool
	FamilyJob  hashfamily.Job
	Template   any

	seenMu sync.Mutex
	seen   map[string]struct{}
}

// Target returns the job's network target, delegating to the family job.
func (j *Job) Target() *big.Int {
	return j.FamilyJob.Target()
}

// SeenAndAdd reports whether tuple has already been recorded against this
// job and, if not, records it. Implements spec.md §4.4 step 3/7 (duplicate
// check, then record).
func (j *Job) SeenAndAdd(tuple string) (alreadySeen bool) {
	j.seenMu.Lock()
	defer j.seenMu.Unlock()
	if j.seen == nil {
		j.seen = make(map[string]struct{})
	}
	if _, ok := j.seen[tuple]; ok {
		return true
	}
	j.seen[tuple] = struct{}{}
	return false
}

// Builder constructs a Job from a freshly fetched coin-family template,
// keeping the Job Manager itself coin-family agnostic (spec.md §9).
type Builder func(template any, id string, height int64) (*Job, error)

// Source is the narrow capability the Job Manager needs from a coin
// family: fetch a fresh template and, if available, a channel of pushed
// templates for push mode.
type Source interface {
	RefreshTemplate(ctx context.Context) (any, error)
}

// PushSource is optionally implemented by a Source that also supports
// spec.md §4.3's push mode (daemon websocket subscription).
type PushSource interface {
	Subscribe(ctx context.Context) (<-chan any, error)
}

// NewJobEvent is published on the bus's TopicTelemetry channel each time
// a job is installed.
type NewJobEvent struct {
	Job *Job
}

// Manager owns the retained job set and the poll/push fused update loop.
type Manager struct {
	poolID       string
	source       Source
	builder      Builder
	pollInterval time.Duration
	bus          *bus.Bus
	logger       *logging.Logger

	unreachable atomic.Bool

	mu              sync.RWMutex
	current         *Job
	byID            map[string]*Job
	idSeq           atomic.Uint64
	extranonce1Seq  atomic.Uint64

	subsMu sync.Mutex
	subs   map[chan *Job]struct{}

	// notifyWg bounds how many subscriber-delivery goroutines may run at
	// once, so a burst of new jobs cannot spawn unbounded goroutines.
	notifyWg sizedwaitgroup.SizedWaitGroup

	stopOnce sync.Once
	cancel   context.CancelFunc
}

// notifyWorkers is the concurrency cap passed to sizedwaitgroup, mirroring
// the teacher's NumCPU-sized notification worker pool.
const notifyWorkers = 8

// New constructs a Manager. pollInterval corresponds to
// PoolConfig.blockRefreshInterval.
func New(poolID string, source Source, builder Builder, pollInterval time.Duration, b *bus.Bus, l *logging.Logger) *Manager {
	return &Manager{
		poolID:       poolID,
		source:       source,
		builder:      builder,
		pollInterval: pollInterval,
		bus:          b,
		logger:       l,
		byID:         make(map[string]*Job),
		subs:         make(map[chan *Job]struct{}),
		notifyWg:     sizedwaitgroup.New(notifyWorkers),
	}
}

// NextJobID returns a monotonic hex token, per spec.md §4.3 step 1.
func (m *Manager) NextJobID() string {
	return fmt.Sprintf("%x", m.idSeq.Add(1))
}

// NextExtranonce1 returns a pool-unique extranonce1 value of size bytes for
// a newly subscribed session, per spec.md §4.2. Uniqueness comes from a
// monotonic counter of its own (separate from job id allocation) rather
// than from the byte width requested; size only controls how the counter
// is packed.
func (m *Manager) NextExtranonce1(size int) []byte {
	if size <= 0 {
		size = 4
	}
	n := m.extranonce1Seq.Add(1)
	buf := make([]byte, size)
	for i := size - 1; i >= 0 && n > 0; i-- {
		buf[i] = byte(n)
		n >>= 8
	}
	return buf
}

// CurrentJob returns the most recently installed job, or nil before the
// first successful refresh.
func (m *Manager) CurrentJob() *Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Ready reports whether at least one job has been installed.
func (m *Manager) Ready() bool {
	return m.CurrentJob() != nil
}

// Subscribe registers a channel that receives every newly installed Job.
// Buffered per spec.md §4.2's "one session's slow consumer does not stall
// others" — a full subscriber channel does not receive the new job;
// broadcastJob drops it rather than blocking.
func (m *Manager) Subscribe() chan *Job {
	ch := make(chan *Job, 4)
	m.subsMu.Lock()
	m.subs[ch] = struct{}{}
	m.subsMu.Unlock()
	return ch
}

// Unsubscribe removes and closes ch.
func (m *Manager) Unsubscribe(ch chan *Job) {
	m.subsMu.Lock()
	if _, ok := m.subs[ch]; ok {
		delete(m.subs, ch)
		close(ch)
	}
	m.subsMu.Unlock()
}

// Start performs an initial refresh, then launches the poll (and, if the
// source supports it, push) loops in the background and returns; the
// loops run until ctx is cancelled or Stop is called.
func (m *Manager) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	if err := m.refresh(ctx); err != nil {
		m.logger.Warn("initial job refresh failed", "error", err)
		m.reportUnreachable(err)
	}

	go m.pollLoop(ctx)
	if pushSrc, ok := m.source.(PushSource); ok {
		go m.pushLoop(ctx, pushSrc)
	}
	return nil
}

// Stop cancels the poll/push loops and unblocks notification workers.
// Implements spec.md §9's requirement that Stop() actually do something,
// not just log.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}
	})
}

func (m *Manager) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.refresh(ctx); err != nil {
				m.logger.Warn("job refresh failed", "error", err)
				m.reportUnreachable(err)
				continue
			}
			m.unreachable.Store(false)
		}
	}
}

// reportUnreachable implements spec.md §7's "if all [daemon endpoints]
// fail within the refresh window, the current job ages naturally and the
// pool reports 'daemons unreachable' on the notification bus." A single
// failed refresh already reflects every configured endpoint having
// failed, since Source.RefreshTemplate fans out and retries across all of
// them internally; the notification fires once per outage rather than
// once per failed poll tick, mirroring pool.submitBlockCandidate's
// block_accepted/block_failed admin-notify wiring.
func (m *Manager) reportUnreachable(err error) {
	if m.bus == nil {
		return
	}
	if m.unreachable.Swap(true) {
		return
	}
	m.bus.Publish(bus.TopicAdminNotify, notify.Event{
		PoolID:  m.poolID,
		Kind:    "daemon_unreachable",
		Message: fmt.Sprintf("job refresh failed: %v", err),
		At:      time.Now(),
	})
}

func (m *Manager) pushLoop(ctx context.Context, src PushSource) {
	pushes, err := src.Subscribe(ctx)
	if err != nil {
		m.logger.Warn("job push subscription failed", "error", err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case tmpl, ok := <-pushes:
			if !ok {
				return
			}
			if err := m.install(tmpl); err != nil {
				m.logger.Warn("job push install failed", "error", err)
			}
		}
	}
}

func (m *Manager) refresh(ctx context.Context) error {
	tmpl, err := m.source.RefreshTemplate(ctx)
	if err != nil {
		return err
	}
	return m.install(tmpl)
}

func (m *Manager) install(tmpl any) error {
	id := m.NextJobID()

	m.mu.RLock()
	prev := m.current
	m.mu.RUnlock()

	var prevHeight int64 = -1
	if prev != nil {
		prevHeight = prev.Height
	}

	j, err := m.builder(tmpl, id, prevHeight)
	if err != nil {
		return err
	}
	j.CreatedAt = time.Now()
	if prev == nil || j.Height != prev.Height {
		j.Clean = true
	}

	m.mu.Lock()
	m.current = j
	m.byID[j.ID] = j
	m.evictBacklogLocked(j.Height)
	m.mu.Unlock()

	m.broadcastJob(j)
	return nil
}

// evictBacklogLocked removes jobs whose height is more than
// MaxBlockBacklog below newestHeight. Caller must hold m.mu.
func (m *Manager) evictBacklogLocked(newestHeight int64) {
	for id, j := range m.byID {
		if newestHeight-j.Height > MaxBlockBacklog {
			delete(m.byID, id)
		}
	}
}

// Lookup finds a retained job by id, satisfying the Share Validator's
// "locate job" step (spec.md §4.4 step 1).
func (m *Manager) Lookup(id string) (*Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.byID[id]
	return j, ok
}

// RetainedHeights reports the heights currently retained, for tests
// validating the backlog-eviction invariant.
func (m *Manager) RetainedHeights() []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]int64, 0, len(m.byID))
	for _, j := range m.byID {
		out = append(out, j.Height)
	}
	return out
}

// broadcastJob fans j out to every subscriber. Each delivery runs on its
// own bounded-concurrency goroutine (sizedwaitgroup caps how many run at
// once) so one slow subscriber's channel send cannot delay delivery to
// the others; a full subscriber channel drops the notification rather
// than blocking.
func (m *Manager) broadcastJob(j *Job) {
	m.subsMu.Lock()
	subs := make([]chan *Job, 0, len(m.subs))
	for ch := range m.subs {
		subs = append(subs, ch)
	}
	m.subsMu.Unlock()

	for _, ch := range subs {
		m.notifyWg.Add()
		go func(ch chan *Job) {
			defer m.notifyWg.Done()
			select {
			case ch <- j:
			default:
			}
		}(ch)
	}

	if m.bus != nil {
		m.bus.Publish(bus.TopicTelemetry, NewJobEvent{Job: j})
	}
}
