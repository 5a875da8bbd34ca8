package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/AfshinJalili/tradedesk/services/testutil"
	"github.com/AfshinJalili/tradedesk/services/trading/internal/ledger"
	"github.com/AfshinJalili/tradedesk/services/trading/internal/storage"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

type seedAccount struct {
	id       uuid.UUID
	name     string
	currency string
	deposit  string
	referrer *uuid.UUID
}

func main() {
	env := getEnv("CEX_ENV", "dev")
	if env != "dev" && env != "test" {
		log.Fatalf("refusing to seed: CEX_ENV must be 'dev' or 'test' (got '%s')", env)
	}

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		getEnv("POSTGRES_USER", "tradedesk"),
		getEnv("POSTGRES_PASSWORD", "tradedesk"),
		getEnv("POSTGRES_HOST", "localhost"),
		getEnv("POSTGRES_PORT", "5432"),
		getEnv("POSTGRES_DB", "tradedesk"),
		getEnv("POSTGRES_SSLMODE", "disable"),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		log.Fatalf("connect db: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("ping db: %v", err)
	}

	store := storage.New(pool, nil)
	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("migrate: %v", err)
	}
	led, err := ledger.NewService(store, nil, nil, ledger.Options{})
	if err != nil {
		log.Fatalf("ledger: %v", err)
	}

	fmt.Println("Seeding database...")

	referrer := testutil.ReferrerUserID
	accounts := []seedAccount{
		{id: testutil.ReferrerUserID, name: "referrer", currency: "USD", deposit: "1000"},
		{id: testutil.DemoUserID, name: "demo", currency: "USD", deposit: "10000", referrer: &referrer},
		{id: testutil.TraderUserID, name: "trader", currency: "EUR", deposit: "25000"},
	}
	if err := seedAccounts(ctx, store, led, accounts); err != nil {
		log.Fatalf("seed accounts: %v", err)
	}
	fmt.Println("✓ Accounts seeded")

	if err := seedInstruments(ctx, store); err != nil {
		log.Fatalf("seed instruments: %v", err)
	}
	fmt.Println("✓ Instruments seeded")

	if err := seedTiers(ctx, store); err != nil {
		log.Fatalf("seed tiers: %v", err)
	}
	fmt.Println("✓ Tiers seeded")

	if os.Getenv("SEED_TESTDATA") == "1" {
		if err := seedTestData(ctx, store); err != nil {
			log.Fatalf("seed test data: %v", err)
		}
		fmt.Println("✓ Test data seeded")
	}

	fmt.Println("\n=== Seed Complete ===")
	for _, a := range accounts {
		acct, err := led.GetBalance(ctx, a.id)
		if err != nil {
			log.Fatalf("read balance: %v", err)
		}
		fmt.Printf("  %-8s %s  %s %s\n", a.name, a.id, acct.BalanceAvailable.StringFixed(2), acct.Currency)
	}
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// seedAccounts funds each account once. Deposits carry a fixed idempotency key
// so re-running the seed does not add money.
func seedAccounts(ctx context.Context, store *storage.Store, led *ledger.Service, accounts []seedAccount) error {
	for _, a := range accounts {
		if err := store.CreateUser(ctx, storage.User{ID: a.id, Tier: "basic", ReferrerID: a.referrer}); err != nil {
			return fmt.Errorf("user %s: %w", a.name, err)
		}
		if _, err := store.CreateAccount(ctx, a.id, a.currency); err != nil {
			return fmt.Errorf("account %s: %w", a.name, err)
		}
		_, err := led.ApplyWithRetry(ctx, storage.MutationRequest{
			UserID:         a.id,
			Amount:         decimal.RequireFromString(a.deposit),
			Type:           storage.MutationDeposit,
			Description:    "seed deposit",
			IdempotencyKey: "seed:deposit:" + a.id.String(),
		})
		if err != nil {
			return fmt.Errorf("deposit %s: %w", a.name, err)
		}
	}
	return nil
}

func seedInstruments(ctx context.Context, store *storage.Store) error {
	instruments := []storage.Instrument{
		{Symbol: "BTC/USDT", AssetClass: storage.AssetCrypto, MaxLeverage: decimal.NewFromInt(100), SpreadRate: decimal.RequireFromString("0.001"), Active: true},
		{Symbol: "ETH/USDT", AssetClass: storage.AssetCrypto, MaxLeverage: decimal.NewFromInt(50), SpreadRate: decimal.RequireFromString("0.001"), Active: true},
		{Symbol: "EUR/USD", AssetClass: storage.AssetForex, MaxLeverage: decimal.NewFromInt(500), SpreadRate: decimal.RequireFromString("0.0001"), Active: true},
		{Symbol: "GBP/JPY", AssetClass: storage.AssetForex, MaxLeverage: decimal.NewFromInt(200), SpreadRate: decimal.RequireFromString("0.0002"), Active: true},
		{Symbol: "AAPL", AssetClass: storage.AssetStock, MaxLeverage: decimal.NewFromInt(20), SpreadRate: decimal.RequireFromString("0.0005"), Active: true},
	}
	for _, inst := range instruments {
		if err := store.UpsertInstrument(ctx, inst); err != nil {
			return fmt.Errorf("instrument %s: %w", inst.Symbol, err)
		}
	}
	return nil
}

func seedTiers(ctx context.Context, store *storage.Store) error {
	tiers := []storage.Tier{
		{Name: "basic", Price: decimal.Zero, BonusPct: decimal.Zero, Rank: 0},
		{Name: "silver", Price: decimal.NewFromInt(250), BonusPct: decimal.NewFromInt(10), Rank: 1},
		{Name: "gold", Price: decimal.NewFromInt(1000), BonusPct: decimal.NewFromInt(20), Rank: 2},
		{Name: "platinum", Price: decimal.NewFromInt(5000), BonusPct: decimal.NewFromInt(30), Rank: 3},
	}
	for _, t := range tiers {
		if err := store.UpsertTier(ctx, t); err != nil {
			return fmt.Errorf("tier %s: %w", t.Name, err)
		}
	}
	return nil
}
