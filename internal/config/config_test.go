package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, toml string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "cluster.toml")
	if err := os.WriteFile(path, []byte(toml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalValidConfig = `
cluster_name = "solo"

[[pools]]
id = "btc1"
coin_type = "bitcoin"
payout_address = "1BitcoinEaterAddressDontSendf59kuE"

[[pools.daemons]]
url = "http://127.0.0.1:8332"
user = "rpcuser"
pass = "rpcpass"
`

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, minimalValidConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Pools) != 1 {
		t.Fatalf("expected 1 pool, got %d", len(cfg.Pools))
	}
	p := cfg.Pools[0]
	if p.Extranonce2Size != 4 {
		t.Fatalf("expected default extranonce2_size 4, got %d", p.Extranonce2Size)
	}
	if p.MaxRecentJobs != 8 {
		t.Fatalf("expected default max_recent_jobs 8, got %d", p.MaxRecentJobs)
	}
	if !cfg.Banning.BanOnJunkReceive {
		t.Fatal("expected ban_on_junk_receive to default true")
	}
}

func TestValidateRejectsMissingClusterName(t *testing.T) {
	cfg := Default()
	cfg.Pools = []PoolConfig{{ID: "a", CoinType: "bitcoin", PayoutAddress: "x", Extranonce2Size: 4, MaxRecentJobs: 1,
		Daemons: []DaemonEndpoint{{URL: "http://localhost:8332"}}}}
	cfg.ClusterName = ""
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for missing cluster_name")
	}
}

func TestValidateRejectsDuplicatePoolIDs(t *testing.T) {
	cfg := Default()
	pool := PoolConfig{
		ID: "btc1", CoinType: "bitcoin", PayoutAddress: "x",
		Extranonce2Size: 4, MaxRecentJobs: 1,
		Daemons: []DaemonEndpoint{{URL: "http://localhost:8332"}},
	}
	cfg.Pools = []PoolConfig{pool, pool}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for duplicate pool id")
	}
}

func TestValidateRejectsPoolWithNoDaemons(t *testing.T) {
	cfg := Default()
	cfg.Pools = []PoolConfig{{ID: "btc1", CoinType: "bitcoin", PayoutAddress: "x", Extranonce2Size: 4, MaxRecentJobs: 1}}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for pool with no daemons")
	}
}

func TestValidateRejectsBadDaemonScheme(t *testing.T) {
	cfg := Default()
	cfg.Pools = []PoolConfig{{
		ID: "btc1", CoinType: "bitcoin", PayoutAddress: "x",
		Extranonce2Size: 4, MaxRecentJobs: 1,
		Daemons: []DaemonEndpoint{{URL: "ftp://localhost:8332"}},
	}}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for non-http(s) daemon scheme")
	}
}

func TestValidateRejectsInternalStratumWithNoListeners(t *testing.T) {
	cfg := Default()
	cfg.Pools = []PoolConfig{{
		ID: "btc1", CoinType: "bitcoin", PayoutAddress: "x",
		Extranonce2Size: 4, MaxRecentJobs: 1,
		EnableInternalStratum: true,
		Daemons:               []DaemonEndpoint{{URL: "http://localhost:8332"}},
	}}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error when enable_internal_stratum has no listeners")
	}
}

func TestValidateRejectsInvalidVardiffBounds(t *testing.T) {
	cfg := Default()
	cfg.Pools = []PoolConfig{{
		ID: "btc1", CoinType: "bitcoin", PayoutAddress: "x",
		Extranonce2Size: 4, MaxRecentJobs: 1,
		EnableInternalStratum: true,
		Daemons:               []DaemonEndpoint{{URL: "http://localhost:8332"}},
		Stratums: []StratumListener{{
			Port: 3333,
			Vardiff: VardiffConfig{
				Enabled:            true,
				MinDifficulty:      100,
				MaxDifficulty:      10,
				TargetSharesPerMin: 20,
			},
		}},
	}}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error when max_difficulty < min_difficulty")
	}
}

func TestValidateRejectsRewardPercentOverflow(t *testing.T) {
	cfg := Default()
	cfg.Pools = []PoolConfig{{
		ID: "btc1", CoinType: "bitcoin", PayoutAddress: "x",
		Extranonce2Size: 4, MaxRecentJobs: 1,
		Daemons:          []DaemonEndpoint{{URL: "http://localhost:8332"}},
		RewardRecipients: []RewardRecipient{{Address: "a", Percent: 60}, {Address: "b", Percent: 60}},
	}}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error when reward percentages exceed 100")
	}
}
