// Package config loads and validates the process-wide ClusterConfig and
// its per-pool PoolConfig entries, per spec.md §3/§6. The on-disk format
// is TOML, the teacher's own configuration format, substituting for
// spec.md §6's literal "single JSON document" wording (DESIGN.md Open
// Question resolution).
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml"
)

// DaemonEndpoint is one entry of PoolConfig.Daemons.
type DaemonEndpoint struct {
	URL          string `toml:"url"`
	User         string `toml:"user"`
	Pass         string `toml:"pass"`
	WebsocketURL string `toml:"websocket_url"`
}

// StratumListener is one entry of PoolConfig.Stratums.
type StratumListener struct {
	Address      string `toml:"address"`
	Port         int    `toml:"port"`
	TLSCertPath  string `toml:"tls_cert_path"`
	TLSKeyPath   string `toml:"tls_key_path"`
	// TLSPFXPassword decrypts TLSCertPath when it is a PFX/PKCS#12 bundle
	// rather than a PEM certificate; TLSKeyPath is left empty in that case,
	// since the bundle carries both the certificate and its private key.
	TLSPFXPassword string `toml:"tls_pfx_password"`
	BaseDifficulty float64 `toml:"base_difficulty"`
	Vardiff      VardiffConfig `toml:"vardiff"`
}

// VardiffConfig is the per-listener vardiff parameter set (spec.md §4.5).
type VardiffConfig struct {
	Enabled            bool    `toml:"enabled"`
	TargetSharesPerMin float64 `toml:"target_shares_per_min"`
	MinDifficulty      float64 `toml:"min_difficulty"`
	MaxDifficulty      float64 `toml:"max_difficulty"`
	RetargetSeconds    int     `toml:"retarget_seconds"`
}

// RelaySubscribeTarget is one entry of PoolConfig.ExternalStratums: a
// remote cluster's share-relay publish endpoint this pool subscribes to,
// per spec.md §4.6.
type RelaySubscribeTarget struct {
	URL    string   `toml:"url"`
	Topics []string `toml:"topics"`
}

// RewardRecipient is one entry of PoolConfig.RewardRecipients.
type RewardRecipient struct {
	Address string  `toml:"address"`
	Percent float64 `toml:"percent"`
	Name    string  `toml:"name"`
}

// PoolConfig is the immutable per-pool configuration record of spec.md §3.
type PoolConfig struct {
	ID                    string                 `toml:"id"`
	CoinType              string                 `toml:"coin_type"`
	Enabled               bool                   `toml:"enabled"`
	Daemons               []DaemonEndpoint       `toml:"daemons"`
	Stratums              []StratumListener      `toml:"stratums"`
	BlockRefreshInterval  time.Duration           `toml:"block_refresh_interval"`
	EnableInternalStratum bool                   `toml:"enable_internal_stratum"`
	ExternalStratums      []RelaySubscribeTarget `toml:"external_stratums"`
	RewardRecipients      []RewardRecipient      `toml:"reward_recipients"`
	PayoutAddress         string                 `toml:"payout_address"`
	Network               string                 `toml:"network"`
	Extranonce2Size       int                    `toml:"extranonce2_size"`
	ConnectionTimeout     time.Duration          `toml:"connection_timeout"`
	MaxRecentJobs         int                    `toml:"max_recent_jobs"`
}

// RelayPublishConfig is spec.md §4.6's outbound share-relay descriptor.
type RelayPublishConfig struct {
	URL    string `toml:"url"`
	Topic  string `toml:"topic"`
}

// BanningPolicy carries spec.md §4.7/§6's banning policy bits.
type BanningPolicy struct {
	BanOnJunkReceive   bool `toml:"ban_on_junk_receive"`
	BanOnInvalidShares bool `toml:"ban_on_invalid_shares"`
	InvalidShareThreshold int           `toml:"invalid_share_threshold"`
	InvalidShareWindow    time.Duration `toml:"invalid_share_window"`
	InvalidShareBanDuration time.Duration `toml:"invalid_share_ban_duration"`
}

// ClusterConfig is the immutable, process-wide configuration record of
// spec.md §3, deserialized once at startup.
type ClusterConfig struct {
	ClusterName  string               `toml:"cluster_name"`
	Pools        []PoolConfig         `toml:"pools"`
	Banning      BanningPolicy        `toml:"banning"`
	SharePublish *RelayPublishConfig  `toml:"share_relay"`
	LogLevel     string               `toml:"log_level"`
	LogDir       string               `toml:"log_dir"`
}

func defaultBanningPolicy() BanningPolicy {
	return BanningPolicy{
		BanOnJunkReceive:        true,
		BanOnInvalidShares:      false,
		InvalidShareThreshold:   20,
		InvalidShareWindow:      10 * time.Minute,
		InvalidShareBanDuration: 30 * time.Minute,
	}
}

// Default returns a ClusterConfig with the teacher's conservative
// defaults applied, before any file overlay.
func Default() ClusterConfig {
	return ClusterConfig{
		ClusterName: "default",
		Banning:     defaultBanningPolicy(),
		LogLevel:    "info",
		LogDir:      "logs",
	}
}

func defaultPoolConfig() PoolConfig {
	return PoolConfig{
		CoinType:             "bitcoin",
		Enabled:              true,
		BlockRefreshInterval: 500 * time.Millisecond,
		Extranonce2Size:      4,
		ConnectionTimeout:    10 * time.Minute,
		MaxRecentJobs:        8,
	}
}

// Load reads and parses path as TOML into a ClusterConfig, applying
// defaults for any pool that omits them, then validates the result.
func Load(path string) (ClusterConfig, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return ClusterConfig{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return ClusterConfig{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	for i := range cfg.Pools {
		applyPoolDefaults(&cfg.Pools[i])
	}

	if err := Validate(cfg); err != nil {
		return ClusterConfig{}, err
	}
	return cfg, nil
}

func applyPoolDefaults(p *PoolConfig) {
	d := defaultPoolConfig()
	if p.CoinType == "" {
		p.CoinType = d.CoinType
	}
	if p.BlockRefreshInterval <= 0 {
		p.BlockRefreshInterval = d.BlockRefreshInterval
	}
	if p.Extranonce2Size <= 0 {
		p.Extranonce2Size = d.Extranonce2Size
	}
	if p.ConnectionTimeout <= 0 {
		p.ConnectionTimeout = d.ConnectionTimeout
	}
	if p.MaxRecentJobs <= 0 {
		p.MaxRecentJobs = d.MaxRecentJobs
	}
	for i := range p.Stratums {
		if p.Stratums[i].Vardiff.RetargetSeconds <= 0 {
			p.Stratums[i].Vardiff.RetargetSeconds = 30
		}
	}
}

// Validate checks a ClusterConfig and every PoolConfig within it for the
// invariants spec.md §6's configuration surface implies.
func Validate(cfg ClusterConfig) error {
	if strings.TrimSpace(cfg.ClusterName) == "" {
		return errors.New("cluster_name is required")
	}
	if len(cfg.Pools) == 0 {
		return errors.New("at least one pool must be configured")
	}
	seenIDs := make(map[string]bool, len(cfg.Pools))
	for _, p := range cfg.Pools {
		if err := validatePool(p); err != nil {
			return fmt.Errorf("pool %q: %w", p.ID, err)
		}
		if seenIDs[p.ID] {
			return fmt.Errorf("duplicate pool id %q", p.ID)
		}
		seenIDs[p.ID] = true
	}
	if cfg.SharePublish != nil && strings.TrimSpace(cfg.SharePublish.URL) != "" {
		if _, err := url.Parse(cfg.SharePublish.URL); err != nil {
			return fmt.Errorf("share_relay.url parse error: %w", err)
		}
	}
	return nil
}

func validatePool(p PoolConfig) error {
	if strings.TrimSpace(p.ID) == "" {
		return errors.New("id is required")
	}
	if strings.TrimSpace(p.CoinType) == "" {
		return errors.New("coin_type is required")
	}
	if len(p.Daemons) == 0 {
		return errors.New("at least one daemon endpoint is required")
	}
	for _, d := range p.Daemons {
		if strings.TrimSpace(d.URL) == "" {
			return errors.New("daemon url is required")
		}
		parsed, err := url.Parse(d.URL)
		if err != nil {
			return fmt.Errorf("daemon url parse error: %w", err)
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return fmt.Errorf("daemon url %q must use http or https scheme", d.URL)
		}
	}
	if p.EnableInternalStratum && len(p.Stratums) == 0 {
		return errors.New("enable_internal_stratum requires at least one stratum listener")
	}
	for _, s := range p.Stratums {
		if s.Port <= 0 || s.Port > 65535 {
			return fmt.Errorf("stratum port %d out of range", s.Port)
		}
		if s.Vardiff.Enabled {
			if s.Vardiff.MinDifficulty <= 0 {
				return errors.New("vardiff.min_difficulty must be > 0 when vardiff is enabled")
			}
			if s.Vardiff.MaxDifficulty < s.Vardiff.MinDifficulty {
				return errors.New("vardiff.max_difficulty must be >= vardiff.min_difficulty")
			}
			if s.Vardiff.TargetSharesPerMin <= 0 {
				return errors.New("vardiff.target_shares_per_min must be > 0 when vardiff is enabled")
			}
		}
	}
	if strings.TrimSpace(p.PayoutAddress) == "" {
		return errors.New("payout_address is required for coinbase outputs")
	}
	if p.Extranonce2Size <= 0 {
		return fmt.Errorf("extranonce2_size must be > 0, got %d", p.Extranonce2Size)
	}
	if p.MaxRecentJobs <= 0 {
		return fmt.Errorf("max_recent_jobs must be > 0, got %d", p.MaxRecentJobs)
	}
	if total := sumRecipientPercent(p.RewardRecipients); total < 0 || total > 100 {
		return fmt.Errorf("reward_recipients percentages sum to %v, must be within [0, 100]", total)
	}
	return nil
}

func sumRecipientPercent(recipients []RewardRecipient) float64 {
	var total float64
	for _, r := range recipients {
		total += r.Percent
	}
	return total
}
