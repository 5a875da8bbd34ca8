package config

import (
	"path/filepath"
	"testing"
	"time"
)

func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("CEX_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store != StorePostgres {
		t.Fatalf("expected postgres store, got %q", cfg.Store)
	}
	if cfg.Kafka.Topics.PriceTicks != "prices.ticks" {
		t.Fatalf("unexpected price topic %q", cfg.Kafka.Topics.PriceTicks)
	}
	if cfg.DB.LockTimeout != 2*time.Second {
		t.Fatalf("expected 2s lock timeout, got %s", cfg.DB.LockTimeout)
	}
	if len(cfg.Ledger.AllowNegativeTypes) != 0 {
		t.Fatalf("expected no negative types by default, got %v", cfg.Ledger.AllowNegativeTypes)
	}
	if cfg.Settlement.ReferralRewardPercent.String() != "10" {
		t.Fatalf("expected 10%% referral reward, got %s", cfg.Settlement.ReferralRewardPercent)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("TRADING_STORE", "memory")
	t.Setenv("LEDGER_ALLOW_NEGATIVE_TYPES", "adjustment, fee")
	t.Setenv("STRATEGY_GRID_FEE_RATE", "0.002")
	t.Setenv("KAFKA_ENABLED", "true")
	t.Setenv("KAFKA_BROKERS", "a:9092,b:9092")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store != StoreMemory {
		t.Fatalf("expected memory store, got %q", cfg.Store)
	}
	if len(cfg.Ledger.AllowNegativeTypes) != 2 || cfg.Ledger.AllowNegativeTypes[1] != "fee" {
		t.Fatalf("unexpected negative types %v", cfg.Ledger.AllowNegativeTypes)
	}
	if cfg.Strategy.GridFeeRate.String() != "0.002" {
		t.Fatalf("expected fee override, got %s", cfg.Strategy.GridFeeRate)
	}
	if !cfg.Kafka.Enabled || len(cfg.Kafka.Brokers) != 2 {
		t.Fatalf("expected kafka enabled with 2 brokers, got %+v", cfg.Kafka)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string][2]string{
		"unknown store":     {"TRADING_STORE", "sqlite"},
		"malformed decimal": {"REFERRAL_REWARD_PERCENT", "ten"},
		"negative spread":   {"POSITIONS_DEFAULT_SPREAD_RATE", "-0.1"},
		"unknown cache":     {"CACHE_BACKEND", "memcached"},
		"leverage below 1":  {"POSITIONS_MAX_LEVERAGE_STOCK", "0.5"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			isolate(t)
			t.Setenv(kv[0], kv[1])
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%s", kv[0], kv[1])
			}
		})
	}
}

func TestDSN(t *testing.T) {
	c := DBConfig{Host: "db", Port: 5433, Name: "x", User: "u", Password: "p", SSLMode: "disable"}
	if got := c.DSN(); got != "postgres://u:p@db:5433/x?sslmode=disable" {
		t.Fatalf("unexpected dsn %q", got)
	}
}
