package testutil

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// SetupTestDB connects to the integration database described by POSTGRES_*.
// Callers skip when it returns an error.
func SetupTestDB() (*pgxpool.Pool, error) {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		getEnv("POSTGRES_USER", "tradedesk"),
		getEnv("POSTGRES_PASSWORD", "tradedesk"),
		getEnv("POSTGRES_HOST", "localhost"),
		getEnv("POSTGRES_PORT", "5432"),
		getEnv("POSTGRES_DB", "tradedesk_test"),
		getEnv("POSTGRES_SSLMODE", "disable"),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	return pool, nil
}

// CleanupTestData empties every table the trading schema owns, children first.
func CleanupTestData(ctx context.Context, pool *pgxpool.Pool) error {
	queries := []string{
		"DELETE FROM bot_activity_log",
		"DELETE FROM bot_orders",
		"DELETE FROM grid_levels",
		"DELETE FROM grid_configs",
		"DELETE FROM dca_configs",
		"DELETE FROM trading_bots",
		"DELETE FROM spot_fills",
		"DELETE FROM spot_holdings",
		"DELETE FROM positions",
		"DELETE FROM idempotency_keys",
		"DELETE FROM transactions",
		"DELETE FROM accounts",
		"DELETE FROM outbox",
		"DELETE FROM tier_purchases",
		"DELETE FROM users",
	}

	for _, q := range queries {
		if _, err := pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("cleanup %q: %w", q, err)
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
