package positions

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/AfshinJalili/tradedesk/services/testutil"
	"github.com/AfshinJalili/tradedesk/services/trading/internal/apperr"
	"github.com/AfshinJalili/tradedesk/services/trading/internal/feed"
	"github.com/AfshinJalili/tradedesk/services/trading/internal/ledger"
	"github.com/AfshinJalili/tradedesk/services/trading/internal/market"
	"github.com/AfshinJalili/tradedesk/services/trading/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type failingStore struct {
	*storage.Memory
	failCreate bool
	failFill   bool
}

func (f *failingStore) ApplySpotFill(ctx context.Context, fill storage.SpotFill) (storage.SpotFillResult, error) {
	if f.failFill {
		return storage.SpotFillResult{}, errors.New("disk full")
	}
	return f.Memory.ApplySpotFill(ctx, fill)
}

func (f *failingStore) CreatePosition(ctx context.Context, p storage.Position) error {
	if f.failCreate {
		return errors.New("disk full")
	}
	return f.Memory.CreatePosition(ctx, p)
}

// flakyLedger fails trade_close mutations while failClose is set.
type flakyLedger struct {
	*ledger.Service
	mu        sync.Mutex
	failClose bool
}

func (f *flakyLedger) ApplyWithRetry(ctx context.Context, req storage.MutationRequest) (storage.MutationResult, error) {
	f.mu.Lock()
	fail := f.failClose && req.Type == storage.MutationTradeClose
	f.mu.Unlock()
	if fail {
		return storage.MutationResult{}, apperr.ErrConcurrentModification
	}
	return f.Service.ApplyWithRetry(ctx, req)
}

type staticInstruments map[string]storage.Instrument

func (s staticInstruments) Instrument(symbol string) (storage.Instrument, bool) {
	inst, ok := s[feed.NormalizeSymbol(symbol)]
	return inst, ok
}

type harness struct {
	engine *Engine
	store  *failingStore
	ledger *flakyLedger
	user   uuid.UUID
}

func newHarness(t *testing.T, funds string, instruments Instruments) *harness {
	t.Helper()
	ctx := context.Background()
	store := &failingStore{Memory: storage.NewMemory()}
	svc, err := ledger.NewService(store, nil, nil, ledger.Options{})
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	user := uuid.New()
	if _, err := store.CreateAccount(ctx, user, "USD"); err != nil {
		t.Fatalf("create account: %v", err)
	}
	if funds != "0" {
		if _, err := svc.ApplyMutation(ctx, storage.MutationRequest{UserID: user, Amount: testutil.D(funds), Type: storage.MutationDeposit}); err != nil {
			t.Fatalf("deposit: %v", err)
		}
	}
	fl := &flakyLedger{Service: svc}
	engine := NewEngine(store, fl, instruments, nil, nil, nil, Options{
		DefaultSpreadRate: testutil.D("0.001"),
		MaxLeverage: map[storage.AssetClass]decimal.Decimal{
			storage.AssetCrypto: testutil.D("100"),
		},
	})
	return &harness{engine: engine, store: store, ledger: fl, user: user}
}

func (h *harness) balance(t *testing.T) storage.Account {
	t.Helper()
	acct, err := h.ledger.GetBalance(context.Background(), h.user)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return acct
}

func (h *harness) openLong(t *testing.T, sl, tp *decimal.Decimal) storage.Position {
	t.Helper()
	pos, err := h.engine.Open(context.Background(), OpenRequest{
		UserID:     h.user,
		Symbol:     "btc-usd",
		Direction:  storage.DirectionLong,
		Investment: testutil.D("100"),
		Multiplier: testutil.D("10"),
		Price:      testutil.D("100"),
		StopLoss:   sl,
		TakeProfit: tp,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return pos
}

func dptr(s string) *decimal.Decimal {
	d := testutil.D(s)
	return &d
}

func TestOpenLocksInvestmentAndChargesSpread(t *testing.T) {
	h := newHarness(t, "1000", nil)
	pos := h.openLong(t, nil, nil)

	if pos.Symbol != "BTC/USD" || pos.Status != storage.PositionOpen {
		t.Fatalf("unexpected position %+v", pos)
	}
	testutil.AssertDecimal(t, "liquidation price", pos.LiquidationPrice, "90")
	testutil.AssertDecimal(t, "spread", pos.SpreadCost, "1")

	acct := h.balance(t)
	testutil.AssertDecimal(t, "available", acct.BalanceAvailable, "899")
	testutil.AssertDecimal(t, "locked", acct.BalanceLocked, "100")
	if h.engine.OpenCount() != 1 {
		t.Fatalf("expected position to be tracked")
	}
}

func TestOpenUSDTPairOnUSDAccount(t *testing.T) {
	h := newHarness(t, "1000", nil)
	ctx := context.Background()
	pos, err := h.engine.Open(ctx, OpenRequest{
		UserID:     h.user,
		Symbol:     "BTC/USDT",
		Direction:  storage.DirectionLong,
		Investment: testutil.D("100"),
		Multiplier: testutil.D("10"),
		Price:      testutil.D("100"),
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	testutil.AssertDecimal(t, "locked", h.balance(t).BalanceLocked, "100")

	if _, err := h.engine.Close(ctx, CloseRequest{PositionID: pos.ID, UserID: h.user, Price: testutil.D("110")}); err != nil {
		t.Fatalf("close: %v", err)
	}
	testutil.AssertDecimal(t, "available", h.balance(t).BalanceAvailable, "1099")
}

func TestOpenInsufficientFundsCreatesNothing(t *testing.T) {
	h := newHarness(t, "50", nil)
	_, err := h.engine.Open(context.Background(), OpenRequest{
		UserID:     h.user,
		Symbol:     "BTC/USD",
		Direction:  storage.DirectionLong,
		Investment: testutil.D("100"),
		Multiplier: testutil.D("2"),
		Price:      testutil.D("100"),
	})
	if !errors.Is(err, apperr.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	positions, _ := h.store.ListUserPositions(context.Background(), h.user)
	if len(positions) != 0 {
		t.Fatalf("expected no positions, got %d", len(positions))
	}
	testutil.AssertDecimal(t, "available", h.balance(t).BalanceAvailable, "50")
}

func TestOpenValidation(t *testing.T) {
	h := newHarness(t, "1000", staticInstruments{
		"DOGE/USD": {Symbol: "DOGE/USD", AssetClass: storage.AssetCrypto, Active: false},
		"ETH/USD":  {Symbol: "ETH/USD", AssetClass: storage.AssetCrypto, MaxLeverage: testutil.D("5"), Active: true},
	})
	base := OpenRequest{
		UserID:     h.user,
		Symbol:     "BTC/USD",
		Direction:  storage.DirectionLong,
		Investment: testutil.D("10"),
		Multiplier: testutil.D("2"),
		Price:      testutil.D("100"),
	}

	cases := map[string]func(r *OpenRequest){
		"zero investment":   func(r *OpenRequest) { r.Investment = decimal.Zero },
		"leverage below 1":  func(r *OpenRequest) { r.Multiplier = testutil.D("0.5") },
		"unknown direction": func(r *OpenRequest) { r.Direction = "sideways" },
		"malformed symbol":  func(r *OpenRequest) { r.Symbol = "BTCUSD" },
		"over class limit":  func(r *OpenRequest) { r.Multiplier = testutil.D("101") },
		"over instrument":   func(r *OpenRequest) { r.Symbol = "ETH/USD"; r.Multiplier = testutil.D("6") },
		"inactive symbol":   func(r *OpenRequest) { r.Symbol = "DOGE/USD" },
		"stop above entry":  func(r *OpenRequest) { r.StopLoss = dptr("101") },
		"missing fx rate":   func(r *OpenRequest) { r.Symbol = "EUR/GBP" },
	}
	for name, mutate := range cases {
		req := base
		mutate(&req)
		if _, err := h.engine.Open(context.Background(), req); !errors.Is(err, apperr.ErrInvalidParameters) {
			t.Fatalf("%s: expected invalid parameters, got %v", name, err)
		}
	}
	testutil.AssertDecimal(t, "available", h.balance(t).BalanceAvailable, "1000")
}

func TestOpenIdempotentByKey(t *testing.T) {
	h := newHarness(t, "1000", nil)
	req := OpenRequest{
		UserID:         h.user,
		Symbol:         "BTC/USD",
		Direction:      storage.DirectionShort,
		Investment:     testutil.D("100"),
		Multiplier:     testutil.D("10"),
		Price:          testutil.D("100"),
		IdempotencyKey: "open-1",
	}
	first, err := h.engine.Open(context.Background(), req)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	second, err := h.engine.Open(context.Background(), req)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same position, got %s and %s", first.ID, second.ID)
	}
	testutil.AssertDecimal(t, "available", h.balance(t).BalanceAvailable, "899")
	testutil.AssertDecimal(t, "short liquidation", first.LiquidationPrice, "110")
}

func TestOpenPersistFailureIsReversed(t *testing.T) {
	h := newHarness(t, "1000", nil)
	ctx := context.Background()
	h.store.failCreate = true

	req := OpenRequest{
		UserID:         h.user,
		Symbol:         "BTC/USD",
		Direction:      storage.DirectionLong,
		Investment:     testutil.D("100"),
		Multiplier:     testutil.D("10"),
		Price:          testutil.D("100"),
		IdempotencyKey: "open-1",
	}
	if _, err := h.engine.Open(ctx, req); err == nil {
		t.Fatalf("expected persistence failure")
	}
	acct := h.balance(t)
	testutil.AssertDecimal(t, "available", acct.BalanceAvailable, "1000")
	testutil.AssertDecimal(t, "locked", acct.BalanceLocked, "0")

	txns, _ := h.ledger.ListTransactions(ctx, h.user, 10)
	if len(txns) != 3 || txns[0].Type != storage.MutationReversal {
		t.Fatalf("expected deposit, trade_open and reversal, got %+v", txns)
	}

	// The same key must not open a position that nothing paid for.
	h.store.failCreate = false
	if _, err := h.engine.Open(ctx, req); !errors.Is(err, apperr.ErrInvalidState) {
		t.Fatalf("expected invalid state on reused key, got %v", err)
	}
	if open, _ := h.store.ListUserPositions(ctx, h.user); len(open) != 0 {
		t.Fatalf("expected no position, got %d", len(open))
	}

	req.IdempotencyKey = "open-2"
	pos, err := h.engine.Open(ctx, req)
	if err != nil {
		t.Fatalf("open with new key: %v", err)
	}
	acct = h.balance(t)
	testutil.AssertDecimal(t, "locked after reopen", acct.BalanceLocked, "100")
	testutil.AssertDecimal(t, "available after reopen", acct.BalanceAvailable, "999")

	if _, err := h.engine.Close(ctx, CloseRequest{PositionID: pos.ID, UserID: h.user, Price: testutil.D("105")}); err != nil {
		t.Fatalf("close: %v", err)
	}
	testutil.AssertDecimal(t, "locked after close", h.balance(t).BalanceLocked, "0")
}

func TestSpotBuyRefundedFillIDIsRefused(t *testing.T) {
	h := newHarness(t, "1000", nil)
	ctx := context.Background()
	h.store.failFill = true

	buy := SpotOrder{FillID: uuid.New(), UserID: h.user, Symbol: "ETH/USD", Quantity: testutil.D("2"), Price: testutil.D("100")}
	if _, err := h.engine.BuySpot(ctx, buy); err == nil {
		t.Fatalf("expected fill failure")
	}
	testutil.AssertDecimal(t, "after refund", h.balance(t).BalanceAvailable, "1000")

	h.store.failFill = false
	if _, err := h.engine.BuySpot(ctx, buy); !errors.Is(err, apperr.ErrInvalidState) {
		t.Fatalf("expected invalid state on refunded fill id, got %v", err)
	}
	holding, _ := h.engine.Holding(ctx, h.user, "ETH/USD")
	if !holding.Quantity.IsZero() {
		t.Fatalf("expected no holding, got %s", holding.Quantity)
	}
	testutil.AssertDecimal(t, "after refused retry", h.balance(t).BalanceAvailable, "1000")
}

func TestLiquidationOnTick(t *testing.T) {
	h := newHarness(t, "1000", nil)
	pos := h.openLong(t, nil, nil)

	res, err := h.engine.OnTick(context.Background(), feed.Tick{Symbol: "BTC-USD", Price: testutil.D("90"), Timestamp: time.Now()})
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(res.Closed) != 1 || res.Closed[0].Status != storage.PositionLiquidated {
		t.Fatalf("expected liquidation, got %+v", res)
	}
	testutil.AssertDecimal(t, "realized", *res.Closed[0].RealizedPnL, "-100")

	acct := h.balance(t)
	testutil.AssertDecimal(t, "available", acct.BalanceAvailable, "899")
	testutil.AssertDecimal(t, "locked", acct.BalanceLocked, "0")

	// A duplicate tick must not close or settle twice.
	res, _ = h.engine.OnTick(context.Background(), feed.Tick{Symbol: "BTC/USD", Price: testutil.D("90"), Timestamp: time.Now()})
	if len(res.Closed) != 0 {
		t.Fatalf("expected no further closes, got %d", len(res.Closed))
	}
	if _, err := h.engine.Close(context.Background(), CloseRequest{PositionID: pos.ID, UserID: h.user, Price: testutil.D("95")}); !errors.Is(err, apperr.ErrAlreadyClosed) {
		t.Fatalf("expected already closed, got %v", err)
	}
	testutil.AssertDecimal(t, "available after replays", h.balance(t).BalanceAvailable, "899")
}

func TestGapThroughLiquidationIsClamped(t *testing.T) {
	h := newHarness(t, "1000", nil)
	h.openLong(t, nil, nil)

	res, _ := h.engine.OnTick(context.Background(), feed.Tick{Symbol: "BTC/USD", Price: testutil.D("50"), Timestamp: time.Now()})
	if len(res.Closed) != 1 {
		t.Fatalf("expected one close, got %d", len(res.Closed))
	}
	testutil.AssertDecimal(t, "clamped", *res.Closed[0].RealizedPnL, "-100")
	testutil.AssertDecimal(t, "available", h.balance(t).BalanceAvailable, "899")
}

func TestStopLossAndTakeProfitOnTick(t *testing.T) {
	h := newHarness(t, "1000", nil)
	h.openLong(t, dptr("95"), dptr("120"))

	res, _ := h.engine.OnTick(context.Background(), feed.Tick{Symbol: "BTC/USD", Price: testutil.D("94"), Timestamp: time.Now()})
	if len(res.Closed) != 1 || res.Closed[0].Status != storage.PositionStoppedOut {
		t.Fatalf("expected stop out, got %+v", res)
	}
	testutil.AssertDecimal(t, "available", h.balance(t).BalanceAvailable, "939")

	h.openLong(t, dptr("95"), dptr("120"))
	res, _ = h.engine.OnTick(context.Background(), feed.Tick{Symbol: "BTC/USD", Price: testutil.D("121"), Timestamp: time.Now()})
	if len(res.Closed) != 1 || res.Closed[0].Status != storage.PositionTakeProfit {
		t.Fatalf("expected take profit, got %+v", res)
	}
	testutil.AssertDecimal(t, "available", h.balance(t).BalanceAvailable, "1148")
}

func TestStaleTickIgnored(t *testing.T) {
	h := newHarness(t, "1000", nil)
	h.openLong(t, nil, nil)
	now := time.Now()

	if res, _ := h.engine.OnTick(context.Background(), feed.Tick{Symbol: "BTC/USD", Price: testutil.D("101"), Timestamp: now}); res.Stale || res.Evaluated != 1 {
		t.Fatalf("expected fresh tick to evaluate, got %+v", res)
	}
	res, _ := h.engine.OnTick(context.Background(), feed.Tick{Symbol: "BTC/USD", Price: testutil.D("10"), Timestamp: now.Add(-time.Second)})
	if !res.Stale || len(res.Closed) != 0 {
		t.Fatalf("expected stale tick to be ignored, got %+v", res)
	}
}

func TestManualCloseCreditsProfit(t *testing.T) {
	h := newHarness(t, "1000", nil)
	pos := h.openLong(t, nil, nil)

	if _, err := h.engine.Close(context.Background(), CloseRequest{PositionID: pos.ID, UserID: uuid.New(), Price: testutil.D("110")}); !errors.Is(err, apperr.ErrPositionNotFound) {
		t.Fatalf("expected other users to be refused, got %v", err)
	}
	closed, err := h.engine.Close(context.Background(), CloseRequest{PositionID: pos.ID, UserID: h.user, Price: testutil.D("110")})
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closed.Status != storage.PositionClosed {
		t.Fatalf("expected closed status, got %s", closed.Status)
	}
	testutil.AssertDecimal(t, "available", h.balance(t).BalanceAvailable, "1099")
	if h.engine.OpenCount() != 0 {
		t.Fatalf("expected position to be untracked")
	}
}

func TestFailedSettlementIsRetried(t *testing.T) {
	h := newHarness(t, "1000", nil)
	pos := h.openLong(t, nil, nil)

	h.ledger.failClose = true
	closed, err := h.engine.Close(context.Background(), CloseRequest{PositionID: pos.ID, UserID: h.user, Price: testutil.D("105")})
	if err == nil {
		t.Fatalf("expected settlement error")
	}
	if closed.Status != storage.PositionClosed {
		t.Fatalf("expected position closed before settlement, got %s", closed.Status)
	}
	testutil.AssertDecimal(t, "locked while unsettled", h.balance(t).BalanceLocked, "100")

	h.ledger.mu.Lock()
	h.ledger.failClose = false
	h.ledger.mu.Unlock()
	if n := h.engine.RetryUnsettled(context.Background()); n != 1 {
		t.Fatalf("expected one settled position, got %d", n)
	}
	acct := h.balance(t)
	testutil.AssertDecimal(t, "available", acct.BalanceAvailable, "1049")
	testutil.AssertDecimal(t, "locked", acct.BalanceLocked, "0")
	if n := h.engine.RetryUnsettled(context.Background()); n != 0 {
		t.Fatalf("expected nothing left to settle, got %d", n)
	}
}

func TestLoadTracksOpenPositions(t *testing.T) {
	h := newHarness(t, "1000", nil)
	h.openLong(t, nil, nil)

	fresh := NewEngine(h.store, h.ledger, nil, market.NewSnapshot(), nil, nil, Options{})
	n, err := fresh.Load(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("expected 1 loaded position, got %d %v", n, err)
	}
	res, _ := fresh.OnTick(context.Background(), feed.Tick{Symbol: "BTC/USD", Price: testutil.D("102"), Timestamp: time.Now()})
	if res.Evaluated != 1 {
		t.Fatalf("expected loaded position to be evaluated")
	}
	views, _ := fresh.List(context.Background(), h.user)
	if len(views) != 1 || views[0].FloatingPnL == nil {
		t.Fatalf("expected marked view, got %+v", views)
	}
	testutil.AssertDecimal(t, "floating", *views[0].FloatingPnL, "20")
}

func TestRunClosesFromFeed(t *testing.T) {
	h := newHarness(t, "1000", nil)
	pos := h.openLong(t, nil, nil)

	hub := feed.NewHub(8, nil, nil)
	sub := hub.SubscribeLatest()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx, sub) }()

	hub.Publish(feed.Tick{Symbol: "BTC/USD", Price: testutil.D("80"), Timestamp: time.Now()})

	deadline := time.Now().Add(2 * time.Second)
	for {
		p, _ := h.store.GetPosition(context.Background(), pos.ID)
		if p.Status == storage.PositionLiquidated {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("position was not liquidated from the feed, status %s", p.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled run, got %v", err)
	}
}

func TestSpotFillsLeaveRatesToFeed(t *testing.T) {
	h := newHarness(t, "1000", nil)
	ctx := context.Background()
	rates := market.NewSnapshot()
	rates.Set("ETH/USD", testutil.D("120"))
	engine := NewEngine(h.store, h.ledger, nil, rates, nil, nil, Options{})

	if _, err := engine.BuySpot(ctx, SpotOrder{FillID: uuid.New(), UserID: h.user, Symbol: "ETH/USD", Quantity: testutil.D("1"), Price: testutil.D("100")}); err != nil {
		t.Fatalf("buy: %v", err)
	}
	if _, err := engine.SellSpot(ctx, SpotOrder{FillID: uuid.New(), UserID: h.user, Symbol: "ETH/USD", Quantity: testutil.D("1"), Price: testutil.D("90")}); err != nil {
		t.Fatalf("sell: %v", err)
	}
	p, ok := rates.Price("ETH/USD")
	if !ok {
		t.Fatal("expected feed rate to remain")
	}
	testutil.AssertDecimal(t, "rate", p, "120")
	if _, ok := rates.Price("BTC/USD"); ok {
		t.Fatal("unexpected rate for untraded symbol")
	}
}

func TestSpotBuyAndSell(t *testing.T) {
	h := newHarness(t, "1000", nil)
	ctx := context.Background()

	buy := SpotOrder{FillID: uuid.New(), UserID: h.user, Symbol: "eth-usd", Quantity: testutil.D("2"), Price: testutil.D("100")}
	if _, err := h.engine.BuySpot(ctx, buy); err != nil {
		t.Fatalf("buy: %v", err)
	}
	if _, err := h.engine.BuySpot(ctx, buy); err != nil {
		t.Fatalf("buy replay: %v", err)
	}
	testutil.AssertDecimal(t, "after buy", h.balance(t).BalanceAvailable, "800")

	sell := SpotOrder{FillID: uuid.New(), UserID: h.user, Symbol: "ETH/USD", Quantity: testutil.D("5"), Price: testutil.D("150")}
	res, err := h.engine.SellSpot(ctx, sell)
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	testutil.AssertDecimal(t, "filled", res.Filled, "2")
	testutil.AssertDecimal(t, "realized", res.RealizedPnL, "100")
	testutil.AssertDecimal(t, "after sell", h.balance(t).BalanceAvailable, "1100")

	if _, err := h.engine.SellSpot(ctx, sell); err != nil {
		t.Fatalf("sell replay: %v", err)
	}
	testutil.AssertDecimal(t, "after replay", h.balance(t).BalanceAvailable, "1100")

	holding, _ := h.engine.Holding(ctx, h.user, "ETH/USD")
	if !holding.Quantity.IsZero() {
		t.Fatalf("expected empty holding, got %s", holding.Quantity)
	}

	if _, err := h.engine.BuySpot(ctx, SpotOrder{FillID: uuid.New(), UserID: h.user, Symbol: "ETH/USD", Quantity: testutil.D("100"), Price: testutil.D("100")}); !errors.Is(err, apperr.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	testutil.AssertDecimal(t, "quantity for", QuantityFor(testutil.D("100"), testutil.D("8")), "12.5")
}
