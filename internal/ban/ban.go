// Package ban implements the cluster-wide IP ban table: an O(1) lookup
// address-to-expiry map with lazy purge on access, grounded on the same
// mutex+map shape the teacher uses for its difficulty memory cache.
package ban

import (
	"sync"
	"time"

	"github.com/hako/durafmt"

	"multipool/internal/clock"
)

// DefaultJunkBanDuration is the default ban period applied when the
// banning policy's banOnJunkReceive fires (spec.md §4.1, §8 scenario 5).
const DefaultJunkBanDuration = 30 * time.Minute

// maxEntries bounds the table before lazy pruning kicks in, mirroring the
// difficulty cache's maxEntries/maybePruneLocked pattern.
const maxEntries = 200_000

// pruneFraction is the share of the oldest-expiring entries removed once
// maxEntries is exceeded.
const pruneFraction = 0.10

type entry struct {
	expiresAt time.Time
	reason    string
}

// Manager is the cluster-wide, concurrency-safe ban table.
type Manager struct {
	mu      sync.Mutex
	byAddr  map[string]entry
	clock   clock.Clock
	onBan   func(addr, reason string, until time.Time)
}

// New returns an empty Manager using the supplied clock (use clock.Real()
// in production, a clock.FakeClock in tests).
func New(c clock.Clock) *Manager {
	if c == nil {
		c = clock.Real()
	}
	return &Manager{byAddr: make(map[string]entry), clock: c}
}

// OnBan installs a hook invoked synchronously whenever Ban applies a new
// or extended ban, used to drive admin notifications.
func (m *Manager) OnBan(fn func(addr, reason string, until time.Time)) {
	m.mu.Lock()
	m.onBan = fn
	m.mu.Unlock()
}

// IsBanned reports whether addr is currently banned, purging the entry
// first if it has already expired.
func (m *Manager) IsBanned(addr string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byAddr[addr]
	if !ok {
		return false
	}
	if !e.expiresAt.After(m.clock.Now()) {
		delete(m.byAddr, addr)
		return false
	}
	return true
}

// Ban bans addr for duration, extending any existing ban whose remaining
// time is shorter. reason is carried for logging and admin notification.
func (m *Manager) Ban(addr, reason string, duration time.Duration) {
	until := m.clock.Now().Add(duration)

	m.mu.Lock()
	if existing, ok := m.byAddr[addr]; ok && existing.expiresAt.After(until) {
		until = existing.expiresAt
	}
	m.byAddr[addr] = entry{expiresAt: until, reason: reason}
	if len(m.byAddr) > maxEntries {
		m.pruneOldestLocked()
	}
	hook := m.onBan
	m.mu.Unlock()

	if hook != nil {
		hook(addr, reason, until)
	}
}

// Unban removes any ban on addr immediately.
func (m *Manager) Unban(addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byAddr, addr)
}

// Remaining reports how long addr's current ban has left, or zero if it
// is not banned.
func (m *Manager) Remaining(addr string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byAddr[addr]
	if !ok {
		return 0
	}
	d := e.expiresAt.Sub(m.clock.Now())
	if d < 0 {
		return 0
	}
	return d
}

// HumanRemaining renders Remaining(addr) as a human-readable duration
// string ("30m0s" -> "30 minutes") for log attributes.
func (m *Manager) HumanRemaining(addr string) string {
	return durafmt.Parse(m.Remaining(addr)).String()
}

// Count returns the number of entries currently tracked, including ones
// that have expired but not yet been touched by IsBanned.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byAddr)
}

// pruneOldestLocked removes the pruneFraction share of entries with the
// nearest expiry, bounding table growth from addresses that connect once
// and never come back. Caller must hold m.mu.
func (m *Manager) pruneOldestLocked() {
	toRemove := int(float64(len(m.byAddr)) * pruneFraction)
	if toRemove <= 0 {
		return
	}
	type kv struct {
		addr string
		exp  time.Time
	}
	all := make([]kv, 0, len(m.byAddr))
	for addr, e := range m.byAddr {
		all = append(all, kv{addr, e.expiresAt})
	}
	// Partial selection: repeatedly find the minimum. The table is pruned
	// rarely (about once every maxEntries*pruneFraction insertions), so an
	// O(n*k) selection is cheap relative to steady-state lookup cost.
	for i := 0; i < toRemove && len(all) > 0; i++ {
		minIdx := 0
		for j := 1; j < len(all); j++ {
			if all[j].exp.Before(all[minIdx].exp) {
				minIdx = j
			}
		}
		delete(m.byAddr, all[minIdx].addr)
		all[minIdx] = all[len(all)-1]
		all = all[:len(all)-1]
	}
}
