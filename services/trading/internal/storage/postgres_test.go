package storage

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/AfshinJalili/tradedesk/services/testutil"
	"github.com/AfshinJalili/tradedesk/services/trading/internal/apperr"
	"github.com/google/uuid"
)

func setupStore(t *testing.T) (*Store, func()) {
	t.Helper()
	if os.Getenv("RUN_DB_INTEGRATION") == "" {
		t.Skip("set RUN_DB_INTEGRATION=1 to run")
	}

	pool, err := testutil.SetupTestDB()
	if err != nil {
		t.Skipf("db connection failed: %v", err)
	}
	ctx := context.Background()
	store := New(pool, nil)
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		t.Fatalf("migrate: %v", err)
	}
	if err := testutil.CleanupTestData(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("cleanup: %v", err)
	}
	return store, func() {
		_ = testutil.CleanupTestData(ctx, pool)
		pool.Close()
	}
}

func TestPostgresMutationIdempotency(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()

	ctx := context.Background()
	userID := uuid.New()
	if _, err := store.CreateAccount(ctx, userID, "USD"); err != nil {
		t.Fatalf("create account: %v", err)
	}

	req := MutationRequest{UserID: userID, Amount: testutil.D("100"), Type: MutationDeposit, IdempotencyKey: "dep-1"}
	first, err := store.ApplyMutation(ctx, req)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	second, err := store.ApplyMutation(ctx, req)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !second.Replayed || second.TransactionID != first.TransactionID {
		t.Fatalf("expected replay of %s, got %+v", first.TransactionID, second)
	}

	acct, err := store.GetAccount(ctx, userID)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	testutil.AssertDecimal(t, "available", acct.BalanceAvailable, "100")

	txns, err := store.ListTransactions(ctx, userID, 10)
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	if len(txns) != 1 {
		t.Fatalf("expected 1 transaction, got %d", len(txns))
	}
}

func TestPostgresConcurrentDebitsNeverOverdraw(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()

	ctx := context.Background()
	userID := uuid.New()
	if _, err := store.CreateAccount(ctx, userID, "USD"); err != nil {
		t.Fatalf("create account: %v", err)
	}
	if _, err := store.ApplyMutation(ctx, MutationRequest{UserID: userID, Amount: testutil.D("50"), Type: MutationDeposit}); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.ApplyMutation(ctx, MutationRequest{UserID: userID, Amount: testutil.D("-10"), Type: MutationWithdrawal})
			if err == nil {
				mu.Lock()
				success++
				mu.Unlock()
				return
			}
			if !errors.Is(err, apperr.ErrInsufficientFunds) && !errors.Is(err, apperr.ErrConcurrentModification) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	acct, _ := store.GetAccount(ctx, userID)
	if acct.BalanceAvailable.IsNegative() {
		t.Fatalf("balance went negative: %s", acct.BalanceAvailable)
	}
	if success > 5 {
		t.Fatalf("expected at most 5 withdrawals, got %d", success)
	}
}

func TestPostgresPositionAndBotRoundTrip(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()

	ctx := context.Background()
	userID := uuid.New()
	if _, err := store.CreateAccount(ctx, userID, "USD"); err != nil {
		t.Fatalf("create account: %v", err)
	}

	sl := testutil.D("95")
	pos := Position{
		ID: uuid.New(), UserID: userID, Symbol: "BTC/USD", AssetClass: AssetCrypto, Direction: DirectionLong,
		Investment: testutil.D("100"), Multiplier: testutil.D("10"), EntryPrice: testutil.D("100"),
		LiquidationPrice: testutil.D("90"), StopLoss: &sl, SpreadCost: testutil.D("1"), AccountCurrency: "USD",
		Status: PositionOpen, OpenedAt: time.Now().UTC(),
	}
	if err := store.CreatePosition(ctx, pos); err != nil {
		t.Fatalf("create position: %v", err)
	}
	closeReq := PositionClose{Status: PositionStoppedOut, ExitPrice: sl, RealizedPnL: testutil.D("-50"), ClosedAt: time.Now().UTC()}
	if _, err := store.ClosePosition(ctx, pos.ID, closeReq); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := store.ClosePosition(ctx, pos.ID, closeReq); !errors.Is(err, apperr.ErrAlreadyClosed) {
		t.Fatalf("expected already closed, got %v", err)
	}

	bot := Bot{
		ID: uuid.New(), UserID: userID, Type: BotGrid, Pair: "BTC/USD", Status: BotStopped,
		Grid: &GridConfig{
			UpperPrice: testutil.D("110"), LowerPrice: testutil.D("100"), GridCount: 2, GridType: GridArithmetic,
			TotalInvestment: testutil.D("100"), PerGridAmount: testutil.D("100"), Strategy: GridNeutral,
			Levels: []GridLevel{{Index: 0, Price: testutil.D("100")}, {Index: 1, Price: testutil.D("110")}},
		},
	}
	if err := store.CreateBot(ctx, bot); err != nil {
		t.Fatalf("create bot: %v", err)
	}
	got, err := store.GetBot(ctx, bot.ID)
	if err != nil {
		t.Fatalf("get bot: %v", err)
	}
	if got.Grid == nil || len(got.Grid.Levels) != 2 {
		t.Fatalf("expected grid with 2 levels, got %+v", got.Grid)
	}
	if _, err := store.TransitionBot(ctx, bot.ID, []BotStatus{BotRunning}, BotPaused, ""); !errors.Is(err, apperr.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
	if err := store.DeleteBot(ctx, bot.ID); err != nil {
		t.Fatalf("delete bot: %v", err)
	}
}
