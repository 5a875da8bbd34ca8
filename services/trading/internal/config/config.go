package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	base "github.com/AfshinJalili/tradedesk/libs/config"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"

	CacheMemory = "memory"
	CacheRedis  = "redis"
)

type DBConfig struct {
	Host        string
	Port        int
	Name        string
	User        string
	Password    string
	SSLMode     string
	LockTimeout time.Duration
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s", c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type CacheConfig struct {
	Backend        string
	IdempotencyTTL time.Duration
	MaxEntries     int
}

type KafkaTopics struct {
	PriceTicks      string
	ReferralRewards string
	DeadLetter      string
}

type KafkaConfig struct {
	Enabled       bool
	Brokers       []string
	ClientID      string
	ConsumerGroup string
	Topics        KafkaTopics
	MaxRetries    int
	RetryBackoff  time.Duration
}

type LedgerConfig struct {
	AllowNegativeTypes []string
	RetryAttempts      int
	RetryBackoff       time.Duration
}

type PositionsConfig struct {
	DefaultSpreadRate decimal.Decimal
	MaxLeverageCrypto decimal.Decimal
	MaxLeverageForex  decimal.Decimal
	MaxLeverageStock  decimal.Decimal
	TickBuffer        int
}

type StrategyConfig struct {
	GridFeeRate        decimal.Decimal
	OrderRatePerSecond float64
	OrderBurst         int
}

type SettlementConfig struct {
	ReferralRewardPercent decimal.Decimal
	ReferralRewardFixed   decimal.Decimal
	OutboxPollInterval    time.Duration
	OutboxBatchSize       int
	OutboxMaxAttempts     int
	OutboxBaseBackoff     time.Duration
}

type CatalogConfig struct {
	RefreshInterval time.Duration
}

type Config struct {
	App        base.AppConfig
	Store      string
	DB         DBConfig
	Redis      RedisConfig
	Cache      CacheConfig
	Kafka      KafkaConfig
	Ledger     LedgerConfig
	Positions  PositionsConfig
	Strategy   StrategyConfig
	Settlement SettlementConfig
	Catalog    CatalogConfig
}

func Load() (*Config, error) {
	path := os.Getenv("CEX_CONFIG")
	appCfg, err := base.Load(path)
	if err != nil {
		return nil, err
	}

	v, err := base.NewViper(path)
	if err != nil {
		return nil, err
	}
	setDefaults(v)

	cfg := &Config{
		App:   *appCfg,
		Store: strings.ToLower(envString("TRADING_STORE", v.GetString("store"))),
		DB: DBConfig{
			Host:        envString("POSTGRES_HOST", "localhost"),
			Port:        envInt("POSTGRES_PORT", 5432),
			Name:        envString("POSTGRES_DB", "tradedesk"),
			User:        envString("POSTGRES_USER", "tradedesk"),
			Password:    envString("POSTGRES_PASSWORD", "tradedesk"),
			SSLMode:     envString("POSTGRES_SSLMODE", "disable"),
			LockTimeout: envDuration("POSTGRES_LOCK_TIMEOUT", v.GetDuration("db.lock_timeout")),
		},
		Redis: RedisConfig{
			Addr:     envString("REDIS_ADDR", v.GetString("redis.addr")),
			Password: envString("REDIS_PASSWORD", ""),
			DB:       envInt("REDIS_DB", v.GetInt("redis.db")),
		},
		Cache: CacheConfig{
			Backend:        strings.ToLower(envString("CACHE_BACKEND", v.GetString("cache.backend"))),
			IdempotencyTTL: envDuration("CACHE_IDEMPOTENCY_TTL", v.GetDuration("cache.idempotency_ttl")),
			MaxEntries:     envInt("CACHE_MAX_ENTRIES", v.GetInt("cache.max_entries")),
		},
		Kafka: KafkaConfig{
			Enabled:       envBool("KAFKA_ENABLED", v.GetBool("kafka.enabled")),
			Brokers:       envCSV("KAFKA_BROKERS", v.GetStringSlice("kafka.brokers")),
			ClientID:      envString("KAFKA_CLIENT_ID", v.GetString("kafka.client_id")),
			ConsumerGroup: envString("KAFKA_CONSUMER_GROUP", v.GetString("kafka.consumer_group")),
			Topics: KafkaTopics{
				PriceTicks:      envString("KAFKA_PRICE_TICKS_TOPIC", v.GetString("kafka.topics.price_ticks")),
				ReferralRewards: envString("KAFKA_REFERRAL_TOPIC", v.GetString("kafka.topics.referral_rewards")),
				DeadLetter:      envString("KAFKA_DLQ_TOPIC", v.GetString("kafka.topics.dead_letter")),
			},
			MaxRetries:   envInt("KAFKA_MAX_RETRIES", v.GetInt("kafka.max_retries")),
			RetryBackoff: envDuration("KAFKA_RETRY_BACKOFF", v.GetDuration("kafka.retry_backoff")),
		},
		Ledger: LedgerConfig{
			AllowNegativeTypes: envCSV("LEDGER_ALLOW_NEGATIVE_TYPES", v.GetStringSlice("ledger.allow_negative_types")),
			RetryAttempts:      envInt("LEDGER_RETRY_ATTEMPTS", v.GetInt("ledger.retry_attempts")),
			RetryBackoff:       envDuration("LEDGER_RETRY_BACKOFF", v.GetDuration("ledger.retry_backoff")),
		},
		Catalog: CatalogConfig{
			RefreshInterval: envDuration("CEX_CACHE_REFRESH_INTERVAL", v.GetDuration("catalog.refresh_interval")),
		},
	}

	if cfg.Positions, err = loadPositions(v); err != nil {
		return nil, err
	}
	if cfg.Strategy, err = loadStrategy(v); err != nil {
		return nil, err
	}
	if cfg.Settlement, err = loadSettlement(v); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadPositions(v *viper.Viper) (PositionsConfig, error) {
	var (
		cfg PositionsConfig
		err error
	)
	if cfg.DefaultSpreadRate, err = envDecimal("POSITIONS_DEFAULT_SPREAD_RATE", v.GetString("positions.default_spread_rate")); err != nil {
		return cfg, err
	}
	if cfg.MaxLeverageCrypto, err = envDecimal("POSITIONS_MAX_LEVERAGE_CRYPTO", v.GetString("positions.max_leverage.crypto")); err != nil {
		return cfg, err
	}
	if cfg.MaxLeverageForex, err = envDecimal("POSITIONS_MAX_LEVERAGE_FOREX", v.GetString("positions.max_leverage.forex")); err != nil {
		return cfg, err
	}
	if cfg.MaxLeverageStock, err = envDecimal("POSITIONS_MAX_LEVERAGE_STOCK", v.GetString("positions.max_leverage.stock")); err != nil {
		return cfg, err
	}
	cfg.TickBuffer = envInt("POSITIONS_TICK_BUFFER", v.GetInt("positions.tick_buffer"))
	return cfg, nil
}

func loadStrategy(v *viper.Viper) (StrategyConfig, error) {
	fee, err := envDecimal("STRATEGY_GRID_FEE_RATE", v.GetString("strategy.grid_fee_rate"))
	if err != nil {
		return StrategyConfig{}, err
	}
	rps := v.GetFloat64("strategy.order_rate_per_second")
	if raw := os.Getenv("STRATEGY_ORDER_RATE_PER_SECOND"); raw != "" {
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			rps = f
		}
	}
	return StrategyConfig{
		GridFeeRate:        fee,
		OrderRatePerSecond: rps,
		OrderBurst:         envInt("STRATEGY_ORDER_BURST", v.GetInt("strategy.order_burst")),
	}, nil
}

func loadSettlement(v *viper.Viper) (SettlementConfig, error) {
	pct, err := envDecimal("REFERRAL_REWARD_PERCENT", v.GetString("settlement.referral_reward_percent"))
	if err != nil {
		return SettlementConfig{}, err
	}
	fixed, err := envDecimal("REFERRAL_REWARD_FIXED", v.GetString("settlement.referral_reward_fixed"))
	if err != nil {
		return SettlementConfig{}, err
	}
	return SettlementConfig{
		ReferralRewardPercent: pct,
		ReferralRewardFixed:   fixed,
		OutboxPollInterval:    envDuration("OUTBOX_POLL_INTERVAL", v.GetDuration("settlement.outbox.poll_interval")),
		OutboxBatchSize:       envInt("OUTBOX_BATCH_SIZE", v.GetInt("settlement.outbox.batch_size")),
		OutboxMaxAttempts:     envInt("OUTBOX_MAX_ATTEMPTS", v.GetInt("settlement.outbox.max_attempts")),
		OutboxBaseBackoff:     envDuration("OUTBOX_BASE_BACKOFF", v.GetDuration("settlement.outbox.base_backoff")),
	}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store", StorePostgres)
	v.SetDefault("db.lock_timeout", "2s")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("cache.backend", CacheMemory)
	v.SetDefault("cache.idempotency_ttl", "24h")
	v.SetDefault("cache.max_entries", 100000)
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.client_id", "trading")
	v.SetDefault("kafka.consumer_group", "trading-service")
	v.SetDefault("kafka.topics.price_ticks", "prices.ticks")
	v.SetDefault("kafka.topics.referral_rewards", "rewards.referral")
	v.SetDefault("kafka.topics.dead_letter", "trading.dlq")
	v.SetDefault("kafka.max_retries", 3)
	v.SetDefault("kafka.retry_backoff", "200ms")
	v.SetDefault("ledger.allow_negative_types", []string{})
	v.SetDefault("ledger.retry_attempts", 3)
	v.SetDefault("ledger.retry_backoff", "25ms")
	v.SetDefault("positions.default_spread_rate", "0.001")
	v.SetDefault("positions.max_leverage.crypto", "100")
	v.SetDefault("positions.max_leverage.forex", "500")
	v.SetDefault("positions.max_leverage.stock", "20")
	v.SetDefault("positions.tick_buffer", 256)
	v.SetDefault("strategy.grid_fee_rate", "0.001")
	v.SetDefault("strategy.order_rate_per_second", 5)
	v.SetDefault("strategy.order_burst", 10)
	v.SetDefault("settlement.referral_reward_percent", "10")
	v.SetDefault("settlement.referral_reward_fixed", "0")
	v.SetDefault("settlement.outbox.poll_interval", "1s")
	v.SetDefault("settlement.outbox.batch_size", 50)
	v.SetDefault("settlement.outbox.max_attempts", 8)
	v.SetDefault("settlement.outbox.base_backoff", "1s")
	v.SetDefault("catalog.refresh_interval", "5m")
}

func (c *Config) validate() error {
	switch c.Store {
	case StoreMemory, StorePostgres:
	default:
		return fmt.Errorf("store must be %q or %q, got %q", StoreMemory, StorePostgres, c.Store)
	}
	switch c.Cache.Backend {
	case CacheMemory, CacheRedis:
	default:
		return fmt.Errorf("cache backend must be %q or %q, got %q", CacheMemory, CacheRedis, c.Cache.Backend)
	}
	if c.Cache.Backend == CacheRedis && c.Redis.Addr == "" {
		return fmt.Errorf("REDIS_ADDR required for redis cache")
	}
	if c.Cache.IdempotencyTTL <= 0 {
		return fmt.Errorf("cache idempotency ttl must be positive")
	}
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka brokers required")
		}
		if c.Kafka.ConsumerGroup == "" {
			return fmt.Errorf("kafka consumer group required")
		}
		if c.Kafka.Topics.PriceTicks == "" || c.Kafka.Topics.ReferralRewards == "" {
			return fmt.Errorf("kafka topics required")
		}
	}
	if c.Ledger.RetryAttempts < 1 {
		return fmt.Errorf("ledger retry attempts must be at least 1")
	}
	if c.Positions.DefaultSpreadRate.IsNegative() {
		return fmt.Errorf("default spread rate must be non-negative")
	}
	for name, lev := range map[string]decimal.Decimal{
		"crypto": c.Positions.MaxLeverageCrypto,
		"forex":  c.Positions.MaxLeverageForex,
		"stock":  c.Positions.MaxLeverageStock,
	} {
		if lev.LessThan(decimal.NewFromInt(1)) {
			return fmt.Errorf("max leverage for %s must be at least 1", name)
		}
	}
	if c.Strategy.GridFeeRate.IsNegative() {
		return fmt.Errorf("grid fee rate must be non-negative")
	}
	if c.Strategy.OrderRatePerSecond <= 0 || c.Strategy.OrderBurst <= 0 {
		return fmt.Errorf("strategy order rate and burst must be positive")
	}
	if c.Settlement.ReferralRewardPercent.IsNegative() || c.Settlement.ReferralRewardFixed.IsNegative() {
		return fmt.Errorf("referral reward must be non-negative")
	}
	if c.Settlement.OutboxMaxAttempts < 1 {
		return fmt.Errorf("outbox max attempts must be at least 1")
	}
	if c.Catalog.RefreshInterval <= 0 {
		return fmt.Errorf("catalog refresh interval must be positive")
	}
	return nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func envCSV(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}

// envDecimal parses key, falling back to def. Unlike the other helpers a
// malformed value is an error since it feeds money math.
func envDecimal(key, def string) (decimal.Decimal, error) {
	raw := def
	if v := os.Getenv(key); v != "" {
		raw = v
	}
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: invalid decimal %q", key, raw)
	}
	return d, nil
}
