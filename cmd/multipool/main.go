// Command multipool is the process entrypoint: it loads the cluster
// configuration, brings up one Pool per configured currency plus the
// shared Share Relay, Share Receiver, and Admin Notifier, and runs until
// SIGINT/SIGTERM, grounded on the teacher's main.go startup/shutdown
// sequencing generalized from a single bitcoind pool to a multi-pool
// cluster.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	debugpkg "runtime/debug"
	"syscall"
	"time"

	"multipool/internal/ban"
	"multipool/internal/bus"
	"multipool/internal/clock"
	"multipool/internal/config"
	"multipool/internal/logging"
	"multipool/internal/notify"
	"multipool/internal/pool"
	"multipool/internal/receiver"
	"multipool/internal/relay"
	"multipool/internal/validator"
)

func main() {
	logger := logging.New()
	defer logger.Stop()

	defer func() {
		if r := recover(); r != nil {
			path := "panic.log"
			if f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
				defer f.Close()
				ts := time.Now().UTC().Format(time.RFC3339)
				fmt.Fprintf(f, "[%s] panic: %v\n%s\n\n", ts, r, debugpkg.Stack())
			}
			logger.Error("recovered from panic, exiting", "panic", r)
			logger.Stop()
			os.Exit(1)
		}
	}()

	cfgPathFlag := flag.String("config", "multipool.toml", "path to the cluster TOML configuration file")
	logLevelFlag := flag.String("log-level", "", "override configured log level (debug/info/warn/error)")
	stdoutFlag := flag.Bool("stdout", false, "mirror log output to stdout")
	flag.Parse()

	cfg, err := config.Load(*cfgPathFlag)
	if err != nil {
		logging.Fatal(logger, "load config", err, "path", *cfgPathFlag)
	}

	level := logLevelFromName(cfg.LogLevel)
	if *logLevelFlag != "" {
		level = logLevelFromName(*logLevelFlag)
	}
	logger.SetLevel(level)

	if cfg.LogDir != "" {
		poolWriter := logging.NewDailyRollingFileWriter(filepath.Join(cfg.LogDir, "pool.log"))
		errWriter := logging.NewDailyRollingFileWriter(filepath.Join(cfg.LogDir, "error.log"))
		logger.Configure(poolWriter, errWriter, nil, *stdoutFlag)
	} else {
		logger.Configure(os.Stdout, os.Stderr, nil, *stdoutFlag)
	}

	logger.Info("starting multipool", "cluster", cfg.ClusterName, "pools", len(cfg.Pools))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b := bus.New()
	bans := ban.New(clock.Real())
	notifier := notify.New(notify.Config{
		BotToken:  os.Getenv("MULTIPOOL_DISCORD_TOKEN"),
		ChannelID: os.Getenv("MULTIPOOL_DISCORD_CHANNEL"),
	}, b, logger)
	if err := notifier.Start(ctx); err != nil {
		logging.Fatal(logger, "start admin notifier", err)
	}

	bans.OnBan(func(addr, reason string, until time.Time) {
		b.Publish(bus.TopicAdminNotify, notify.Event{
			Kind:    "junk_ban",
			Message: fmt.Sprintf("banned %s until %s: %s", addr, until.Format(time.RFC3339), reason),
			At:      time.Now(),
		})
	})

	var publisher *relay.Publisher
	if cfg.SharePublish != nil && cfg.SharePublish.URL != "" {
		publisher, err = relay.NewPublisher(relay.PublishConfig{URL: cfg.SharePublish.URL}, logger)
		if err != nil {
			logging.Fatal(logger, "start share relay publisher", err, "url", cfg.SharePublish.URL)
		}
		defer publisher.Close()
		go relayShares(ctx, publisher, b, logger)
	}

	pools := make([]*pool.Pool, 0, len(cfg.Pools))
	var receivers []*receiver.Subscriber
	for _, pc := range cfg.Pools {
		if !pc.Enabled {
			logger.Info("pool disabled, skipping", "pool", pc.ID)
			continue
		}
		p, err := pool.New(pc, bans, b, logger)
		if err != nil {
			logging.Fatal(logger, "construct pool", err, "pool", pc.ID)
		}
		if err := p.Start(ctx); err != nil {
			logging.Fatal(logger, "start pool", err, "pool", pc.ID)
		}
		pools = append(pools, p)

		if len(pc.ExternalStratums) > 0 {
			targets := make([]receiver.Target, 0, len(pc.ExternalStratums))
			for _, t := range pc.ExternalStratums {
				targets = append(targets, receiver.Target{
					URL: t.URL, Topics: t.Topics, ClusterName: cfg.ClusterName,
				})
			}
			sub := receiver.New(targets, b, clock.Real(), logger)
			sub.Start(ctx)
			receivers = append(receivers, sub)
		}
	}
	_ = receivers

	if len(pools) == 0 {
		logging.Fatal(logger, "startup", fmt.Errorf("no enabled pools configured"))
	}

	logger.Info("multipool running", "pools", len(pools))
	<-ctx.Done()

	logger.Info("shutdown signal received, stopping pools")
	for _, p := range pools {
		p.Stop()
	}
	logger.Info("multipool stopped")
}

// relayShares drains bus.TopicShare and forwards every validated share
// (block candidate or not) to the Share Relay publisher, per spec.md
// §2's Session → Validator → Message Bus → {Relay, ...} data flow and
// §4.6's relaying of ordinary accepted shares.
func relayShares(ctx context.Context, publisher *relay.Publisher, b *bus.Bus, l *logging.Logger) {
	sub := b.Subscribe(bus.TopicShare)
	defer b.Unsubscribe(bus.TopicShare, sub)
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-sub:
			if !ok {
				return
			}
			share, ok := raw.(*validator.Share)
			if !ok {
				continue
			}
			if err := publisher.Publish(share); err != nil {
				l.Warn("share relay publish failed", "pool", share.PoolID, "error", err)
			}
		}
	}
}

func logLevelFromName(name string) logging.Level {
	switch name {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}
