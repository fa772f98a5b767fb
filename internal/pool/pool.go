// Package pool implements the Pool glue of spec.md §4/§2: it wires one
// currency's Job Manager, Stratum Server, Vardiff parameters, Share
// Validator, and Share Relay together, and exposes basic stats. Grounded
// on the teacher's main.go per-pool startup sequencing (daemon health
// checks, job manager start, listener start, graceful shutdown order),
// generalized from a single-process/single-currency wiring to this
// system's explicit multi-pool/multi-currency Pool component.
package pool

import (
	"context"
	"fmt"
	"strings"
	"time"

	"multipool/internal/address"
	"multipool/internal/ban"
	"multipool/internal/bus"
	"multipool/internal/config"
	"multipool/internal/daemon"
	"multipool/internal/hashfamily"
	"multipool/internal/job"
	"multipool/internal/jsonx"
	"multipool/internal/logging"
	"multipool/internal/notify"
	"multipool/internal/stratum"
	"multipool/internal/validator"
	"multipool/internal/vardiff"
)

// Pool wires one currency's components together and owns their lifetime.
type Pool struct {
	cfg     config.PoolConfig
	daemon  *daemon.Client
	family  hashfamily.Family
	jobs    *job.Manager
	server  *stratum.Server
	bans    *ban.Manager
	bus     *bus.Bus
	logger  *logging.Logger

	startedAt time.Time
}

// New constructs a Pool for cfg. It resolves the coin family, builds the
// Daemon Client, and wires the Job Manager and Stratum Server, but does
// not start network I/O; call Start for that.
func New(cfg config.PoolConfig, bans *ban.Manager, b *bus.Bus, l *logging.Logger) (*Pool, error) {
	endpoints := make([]daemon.Endpoint, 0, len(cfg.Daemons))
	for _, d := range cfg.Daemons {
		endpoints = append(endpoints, daemon.Endpoint{
			URL: d.URL, User: d.User, Pass: d.Pass, WebsocketURL: d.WebsocketURL,
		})
	}
	rpc := daemon.New(endpoints, l)

	family, err := buildFamily(cfg, rpc)
	if err != nil {
		return nil, fmt.Errorf("pool %s: %w", cfg.ID, err)
	}

	builder := buildJobBuilder(family)

	jobs := job.New(cfg.ID, family, builder, cfg.BlockRefreshInterval, b, l)

	p := &Pool{
		cfg:    cfg,
		daemon: rpc,
		family: family,
		jobs:   jobs,
		bans:   bans,
		bus:    b,
		logger: l,
	}

	hooks := stratum.Hooks{
		OnConnect: func(id, remote string) {
			l.Debug("miner connected", "pool", cfg.ID, "remote", remote, "conn_id", id)
		},
		OnDisconnect: func(id, remote string) {
			l.Debug("miner disconnected", "pool", cfg.ID, "remote", remote, "conn_id", id)
		},
	}
	p.server = stratum.NewServer(jobs, family, bans, b, l, hooks)

	return p, nil
}

// buildFamily resolves cfg.CoinType into a concrete Family, wiring the
// payout address, fee-split recipients, and extranonce sizing into the
// coinbase assembly the family owns (spec.md §4.2's coinbase-output-
// construction requirement), per the capability-set design of spec.md §9.
func buildFamily(cfg config.PoolConfig, rpc *daemon.Client) (hashfamily.Family, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.CoinType)) {
	case "bitcoin", "":
		params, err := address.ParamsForNetwork(cfg.Network)
		if err != nil {
			return nil, err
		}
		payoutScript, err := address.PayoutScript(cfg.PayoutAddress, params)
		if err != nil {
			return nil, err
		}
		recipients := make([]hashfamily.RewardRecipient, 0, len(cfg.RewardRecipients))
		for _, r := range cfg.RewardRecipients {
			script, err := address.PayoutScript(r.Address, params)
			if err != nil {
				return nil, fmt.Errorf("reward recipient %q: %w", r.Name, err)
			}
			recipients = append(recipients, hashfamily.RewardRecipient{Script: script, Percent: r.Percent})
		}
		return hashfamily.NewBitcoin(rpc,
			hashfamily.WithPayout(payoutScript, recipients),
			hashfamily.WithExtranonceSizes(4, cfg.Extranonce2Size),
			hashfamily.WithCoinbaseMessage(cfg.ID),
		), nil
	default:
		return nil, fmt.Errorf("unsupported coin_type %q (fatal startup error per spec.md §7)", cfg.CoinType)
	}
}

// buildJobBuilder returns the job.Builder that adapts a coin family's raw
// refreshed template into a *job.Job. The family itself already baked the
// payout script and coinbase construction into the template it hands
// back, so this adapter only needs to know the concrete template/job
// types for the family in play.
func buildJobBuilder(family hashfamily.Family) job.Builder {
	switch family.(type) {
	case *hashfamily.Bitcoin:
		return func(tmpl any, id string, _ int64) (*job.Job, error) {
			bt, ok := tmpl.(hashfamily.BitcoinTemplate)
			if !ok {
				return nil, fmt.Errorf("pool: unexpected template type %T for bitcoin family", tmpl)
			}
			fj := &hashfamily.BitcoinJob{ID: id, Template: bt}
			return &job.Job{
				ID:        id,
				Height:    bt.Height,
				FamilyJob: fj,
				Template:  bt,
			}, nil
		}
	default:
		return func(tmpl any, id string, height int64) (*job.Job, error) {
			return nil, fmt.Errorf("pool: no job builder registered for family %q", family.Name())
		}
	}
}

// Start brings up the Job Manager and, if enabled, the internal Stratum
// listeners, per spec.md §4.3's startup preconditions (daemon health,
// peer count, sync state) and §4.2's start(ports).
func (p *Pool) Start(ctx context.Context) error {
	if err := p.daemon.CheckReadiness(ctx); err != nil {
		return fmt.Errorf("pool %s: startup preconditions failed: %w", p.cfg.ID, err)
	}

	if err := p.jobs.Start(ctx); err != nil {
		return fmt.Errorf("pool %s: start job manager: %w", p.cfg.ID, err)
	}

	if !p.cfg.EnableInternalStratum {
		p.logger.Info("pool internal stratum disabled", "pool", p.cfg.ID)
		p.startedAt = time.Now()
		return nil
	}

	listenerCfgs := make([]stratum.ListenerConfig, 0, len(p.cfg.Stratums))
	for _, s := range p.cfg.Stratums {
		vd := vardiff.Config{
			MinDiff:            s.Vardiff.MinDifficulty,
			MaxDiff:            s.Vardiff.MaxDifficulty,
			TargetSharesPerMin: s.Vardiff.TargetSharesPerMin,
			RetargetDelay:      time.Duration(s.Vardiff.RetargetSeconds) * time.Second,
			Step:               4,
			DampingFactor:      0.7,
			RingSize:           16,
		}
		if !s.Vardiff.Enabled {
			vd = vardiff.DefaultConfig()
		}
		listenerCfgs = append(listenerCfgs, stratum.ListenerConfig{
			Address:        s.Address,
			Port:           s.Port,
			TLS:            s.TLSCertPath != "" && (s.TLSKeyPath != "" || s.TLSPFXPassword != ""),
			TLSCertPath:    s.TLSCertPath,
			TLSKeyPath:     s.TLSKeyPath,
			TLSPFXPassword: s.TLSPFXPassword,
			Vardiff:        vd,
			Session: stratum.SessionConfig{
				PoolID:            p.cfg.ID,
				Extranonce2Size:   p.cfg.Extranonce2Size,
				ConnectionTimeout: p.cfg.ConnectionTimeout,
				DefaultDifficulty: s.BaseDifficulty,
				MaxRecentJobs:     p.cfg.MaxRecentJobs,
				BlockSubmit:       p.submitBlockCandidate,
			},
		})
	}
	if err := p.server.Start(ctx, listenerCfgs); err != nil {
		return fmt.Errorf("pool %s: start stratum server: %w", p.cfg.ID, err)
	}

	p.startedAt = time.Now()
	p.logger.Info("pool started", "pool", p.cfg.ID, "listeners", len(listenerCfgs))
	return nil
}

// submitBlockCandidate implements spec.md §4.3's block submission step
// and §8 scenario 4's accepted/failed admin notifications. The Share
// Relay itself is not driven from here: every validated share, block
// candidate or not, is forwarded to it from bus.TopicShare (spec.md §2's
// Session → Validator → Message Bus → {Relay, ...} data flow).
func (p *Pool) submitBlockCandidate(ctx context.Context, share *validator.Share) *validator.Share {
	raw, err := jsonx.Marshal(share.Solution)
	if err != nil {
		p.logger.Warn("pool: failed to encode block submission payload", "pool", p.cfg.ID, "error", err)
	}
	accepted, err := p.family.SubmitBlock(ctx, share.Solution, raw)
	if err != nil {
		p.logger.Warn("block submission failed", "pool", p.cfg.ID, "height", share.Height, "error", err)
		share.IsBlockCandidate = false
		p.publishAdmin("block_failed", fmt.Sprintf("submission error at height %d: %v", share.Height, err))
		return share
	}
	if !accepted {
		share.IsBlockCandidate = false
		p.publishAdmin("block_failed", fmt.Sprintf("daemon rejected submission at height %d", share.Height))
		return share
	}
	p.publishAdmin("block_accepted", fmt.Sprintf("block accepted at height %d, worker %s", share.Height, share.WorkerName))
	return share
}

func (p *Pool) publishAdmin(kind, msg string) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(bus.TopicAdminNotify, notify.Event{
		PoolID:  p.cfg.ID,
		Kind:    kind,
		Message: msg,
		At:      time.Now(),
	})
}

// Stop implements spec.md §9's resolved graceful shutdown: stop the job
// manager's poll/push loops, then close every stratum listener and drain
// live sessions.
func (p *Pool) Stop() {
	p.logger.Info("pool stopping", "pool", p.cfg.ID)
	p.jobs.Stop()
	p.server.Stop()
	p.logger.Info("pool stopped", "pool", p.cfg.ID)
}

// SessionCount reports live miner connections, for status reporting.
func (p *Pool) SessionCount() int {
	return p.server.SessionCount()
}

// Uptime reports how long the pool has been running.
func (p *Pool) Uptime() time.Duration {
	if p.startedAt.IsZero() {
		return 0
	}
	return time.Since(p.startedAt)
}

// ID returns the pool's configured identity.
func (p *Pool) ID() string { return p.cfg.ID }
