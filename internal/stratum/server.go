package stratum

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/google/uuid"
	"software.sslmate.com/src/go-pkcs12"

	"multipool/internal/ban"
	"multipool/internal/bus"
	"multipool/internal/hashfamily"
	"multipool/internal/job"
	"multipool/internal/logging"
	"multipool/internal/validator"
	"multipool/internal/vardiff"
)

// ListenerConfig describes one of a pool's stratum listener endpoints
// (spec.md §3 PoolConfig.stratums entry).
type ListenerConfig struct {
	Address     string
	Port        int
	TLS         bool
	TLSCertPath string
	TLSKeyPath  string
	// TLSPFXPassword is the PFX/PKCS#12 bundle password. When TLSKeyPath
	// is empty, TLSCertPath names such a bundle (cert + key together)
	// rather than a PEM certificate paired with TLSKeyPath.
	TLSPFXPassword string
	Session        SessionConfig
	Vardiff        vardiff.Config
}

const acceptBacklog = 512

// Hooks lets the owning Pool observe connect/disconnect without the
// Stratum Server needing to know about pool-level bookkeeping, per
// spec.md §4.2 step 4's "invokes the pool's on_connect hook".
type Hooks struct {
	OnConnect    func(id, remote string)
	OnDisconnect func(id, remote string)
}

// Server is the Stratum Server of spec.md §4.2: it owns a set of TCP
// listeners, the session registry, and broadcast fan-out, grounded on the
// teacher's serveStratum accept loop and connection registry (main.go).
type Server struct {
	jobs   *job.Manager
	family hashfamily.Family
	bans   *ban.Manager
	bus    *bus.Bus
	logger *logging.Logger
	hooks  Hooks
	certs  *certCache

	regMu    sync.Mutex
	sessions map[string]*Session

	listenersMu sync.Mutex
	listeners   []net.Listener

	wg sync.WaitGroup
}

// NewServer constructs a Server bound to one pool's validator/job set.
func NewServer(jobs *job.Manager, family hashfamily.Family, bans *ban.Manager, b *bus.Bus, l *logging.Logger, hooks Hooks) *Server {
	return &Server{
		jobs:     jobs,
		family:   family,
		bans:     bans,
		bus:      b,
		logger:   l,
		hooks:    hooks,
		certs:    processCertCache,
		sessions: make(map[string]*Session),
	}
}

// Start opens a TCP (optionally TLS) listener for every entry in cfgs and
// begins accepting connections, one goroutine per listener, per spec.md
// §4.2's "start(ports)". It returns once every listener is bound; accept
// loops continue in the background until Stop or ctx is cancelled.
func (srv *Server) Start(ctx context.Context, cfgs []ListenerConfig) error {
	for _, cfg := range cfgs {
		ln, err := srv.listen(cfg)
		if err != nil {
			srv.Stop()
			return fmt.Errorf("stratum: listen %s:%d: %w", cfg.Address, cfg.Port, err)
		}
		srv.listenersMu.Lock()
		srv.listeners = append(srv.listeners, ln)
		srv.listenersMu.Unlock()

		srv.wg.Add(1)
		go srv.acceptLoop(ctx, ln, cfg)
	}
	return nil
}

func (srv *Server) listen(cfg ListenerConfig) (net.Listener, error) {
	ln, err := listenTCPBacklog(cfg.Address, cfg.Port, acceptBacklog)
	if err != nil {
		return nil, err
	}
	if !cfg.TLS {
		return ln, nil
	}
	tlsCfg, err := srv.certs.configFor(cfg.TLSCertPath, cfg.TLSKeyPath, cfg.TLSPFXPassword)
	if err != nil {
		_ = ln.Close()
		return nil, err
	}
	return tls.NewListener(ln, tlsCfg), nil
}

// acceptLoop implements spec.md §4.2's per-listener accept steps 1-4.
func (srv *Server) acceptLoop(ctx context.Context, ln net.Listener, cfg ListenerConfig) {
	defer srv.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || isClosedListenerError(err) {
				return
			}
			srv.logger.Error("stratum accept error", "listener", cfg.Address, "error", err)
			continue
		}

		remote := conn.RemoteAddr().String()
		host, _, splitErr := net.SplitHostPort(remote)
		if splitErr != nil {
			host = remote
		}
		if srv.bans != nil && srv.bans.IsBanned(host) {
			_ = conn.Close()
			continue
		}

		connID := uuid.NewString()
		sessCfg := cfg.Session
		sessCfg.Vardiff = cfg.Vardiff
		v := validator.New(sessCfg.PoolID, srv.jobs, srv.family)
		sess := NewSession(conn, sessCfg, srv.jobs, v, srv.bus, srv.bans, srv.logger)
		sess.id = connID

		srv.register(sess)
		if srv.hooks.OnConnect != nil {
			srv.hooks.OnConnect(connID, remote)
		}

		go sess.ListenJobs()
		go func() {
			sess.Run(ctx)
			srv.unregister(sess)
			if srv.hooks.OnDisconnect != nil {
				srv.hooks.OnDisconnect(connID, remote)
			}
		}()
	}
}

func (srv *Server) register(s *Session) {
	srv.regMu.Lock()
	srv.sessions[s.id] = s
	srv.regMu.Unlock()
}

func (srv *Server) unregister(s *Session) {
	srv.regMu.Lock()
	delete(srv.sessions, s.id)
	srv.regMu.Unlock()
}

// SessionCount reports the number of currently registered sessions.
func (srv *Server) SessionCount() int {
	srv.regMu.Lock()
	defer srv.regMu.Unlock()
	return len(srv.sessions)
}

// Broadcast delivers fn to a snapshot of the current session set, per
// spec.md §4.2's fan-out: one slow session does not stall delivery to the
// others.
func (srv *Server) Broadcast(fn func(*Session)) {
	srv.regMu.Lock()
	snapshot := make([]*Session, 0, len(srv.sessions))
	for _, s := range srv.sessions {
		snapshot = append(snapshot, s)
	}
	srv.regMu.Unlock()

	for _, s := range snapshot {
		go fn(s)
	}
}

// Stop closes every listener and every live session, per spec.md §5's
// cancellation requirement and §9's "implement graceful shutdown... as
// the broader system requires it" resolution of the Stop()-is-a-no-op
// open question.
func (srv *Server) Stop() {
	srv.listenersMu.Lock()
	for _, ln := range srv.listeners {
		_ = ln.Close()
	}
	srv.listenersMu.Unlock()
	srv.wg.Wait()

	srv.regMu.Lock()
	snapshot := make([]*Session, 0, len(srv.sessions))
	for _, s := range srv.sessions {
		snapshot = append(snapshot, s)
	}
	srv.regMu.Unlock()
	for _, s := range snapshot {
		s.Close("server stop")
	}
}

func isClosedListenerError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Err != nil && opErr.Err.Error() == "use of closed network connection"
}

// certCache is the process-wide, write-once-per-path TLS certificate
// cache of spec.md §4.1: a PFX/PEM pair is loaded once and shared by every
// listener that references the same path pair.
type certCache struct {
	mu    sync.Mutex
	byKey map[string]*tls.Config
}

func newCertCache() *certCache {
	return &certCache{byKey: make(map[string]*tls.Config)}
}

// processCertCache is the one certCache every Server in the process
// shares, so listeners of different pools naming the same files load them
// once.
var processCertCache = newCertCache()

// configFor loads and caches the TLS material at certPath, keyed by the
// (certPath, keyPath, pfxPassword) triple so a PFX bundle and a PEM pair
// never collide in the cache. An empty keyPath means certPath is a
// PFX/PKCS#12 bundle carrying both cert and key, decoded with
// pfxPassword; otherwise certPath/keyPath is a PEM pair, per spec.md §4.1.
func (c *certCache) configFor(certPath, keyPath, pfxPassword string) (*tls.Config, error) {
	key := certPath + "|" + keyPath + "|" + pfxPassword
	c.mu.Lock()
	defer c.mu.Unlock()
	if cfg, ok := c.byKey[key]; ok {
		return cfg, nil
	}

	var cert tls.Certificate
	pool := x509.NewCertPool()
	if keyPath == "" {
		bundle, err := os.ReadFile(certPath)
		if err != nil {
			return nil, fmt.Errorf("stratum: read pfx cert %s: %w", certPath, err)
		}
		privateKey, leaf, caCerts, err := pkcs12.DecodeChain(bundle, pfxPassword)
		if err != nil {
			return nil, fmt.Errorf("stratum: decode pfx cert %s: %w", certPath, err)
		}
		cert = tls.Certificate{
			Certificate: [][]byte{leaf.Raw},
			PrivateKey:  privateKey,
			Leaf:        leaf,
		}
		pool.AddCert(leaf)
		for _, ca := range caCerts {
			pool.AddCert(ca)
		}
	} else {
		loaded, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("stratum: load tls cert %s: %w", certPath, err)
		}
		cert = loaded
		if pem, readErr := os.ReadFile(certPath); readErr == nil {
			pool.AppendCertsFromPEM(pem)
		}
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
	}
	c.byKey[key] = cfg
	return cfg, nil
}
