package market

import (
	"errors"
	"testing"

	"github.com/AfshinJalili/tradedesk/services/testutil"
	"github.com/AfshinJalili/tradedesk/services/trading/internal/apperr"
	"github.com/AfshinJalili/tradedesk/services/trading/internal/storage"
	"github.com/shopspring/decimal"
)

func dptr(s string) *decimal.Decimal {
	d := testutil.D(s)
	return &d
}

func near(t *testing.T, name string, got decimal.Decimal, want string) {
	t.Helper()
	diff := got.Sub(testutil.D(want)).Abs()
	if diff.GreaterThan(testutil.D("0.01")) {
		t.Fatalf("%s: expected %s got %s", name, want, got)
	}
}

func position(dir storage.Direction, inv, mult, entry string) storage.Position {
	return storage.Position{
		Symbol:          "BTC/USD",
		AssetClass:      storage.AssetCrypto,
		Direction:       dir,
		Investment:      testutil.D(inv),
		Multiplier:      testutil.D(mult),
		EntryPrice:      testutil.D(entry),
		AccountCurrency: "USD",
	}
}

func TestLiquidationBoundaryLong(t *testing.T) {
	p := position(storage.DirectionLong, "100", "10", "100")
	e, err := ExposureOf(p)
	if err != nil {
		t.Fatalf("exposure: %v", err)
	}

	pnl, err := FloatingPnL(e, testutil.D("90"), nil)
	if err != nil {
		t.Fatalf("pnl: %v", err)
	}
	testutil.AssertDecimal(t, "pnl", pnl, "-100")
	testutil.AssertDecimal(t, "liquidation price", LiquidationPrice(e), "90")

	trig, _, err := Evaluate(p, testutil.D("90"), nil)
	if err != nil || trig != TriggerLiquidation {
		t.Fatalf("expected liquidation, got %q %v", trig, err)
	}
	trig, _, _ = Evaluate(p, testutil.D("90.01"), nil)
	if trig != TriggerNone {
		t.Fatalf("expected no trigger just above the boundary, got %q", trig)
	}
}

func TestLiquidationShort(t *testing.T) {
	p := position(storage.DirectionShort, "100", "10", "100")
	e, _ := ExposureOf(p)
	testutil.AssertDecimal(t, "liquidation price", LiquidationPrice(e), "110")

	pnl, _ := FloatingPnL(e, testutil.D("95"), nil)
	testutil.AssertDecimal(t, "short profit", pnl, "50")

	trig, _, _ := Evaluate(p, testutil.D("110"), nil)
	if trig != TriggerLiquidation {
		t.Fatalf("expected liquidation at 110, got %q", trig)
	}
}

func TestTriggerPrecedence(t *testing.T) {
	long := position(storage.DirectionLong, "100", "10", "100")
	long.StopLoss = dptr("95")
	long.TakeProfit = dptr("110")

	cases := []struct {
		price string
		want  Trigger
	}{
		{"89", TriggerLiquidation},
		{"94", TriggerStopLoss},
		{"95", TriggerStopLoss},
		{"100", TriggerNone},
		{"110", TriggerTakeProfit},
		{"111", TriggerTakeProfit},
	}
	for _, tc := range cases {
		got, _, err := Evaluate(long, testutil.D(tc.price), nil)
		if err != nil {
			t.Fatalf("evaluate at %s: %v", tc.price, err)
		}
		if got != tc.want {
			t.Fatalf("long at %s: expected %q got %q", tc.price, tc.want, got)
		}
	}

	short := position(storage.DirectionShort, "100", "5", "100")
	short.StopLoss = dptr("105")
	short.TakeProfit = dptr("90")
	if got, _, _ := Evaluate(short, testutil.D("106"), nil); got != TriggerStopLoss {
		t.Fatalf("short above stop: expected stop_loss got %q", got)
	}
	if got, _, _ := Evaluate(short, testutil.D("89"), nil); got != TriggerTakeProfit {
		t.Fatalf("short below target: expected take_profit got %q", got)
	}
	if TriggerStopLoss.Status() != storage.PositionStoppedOut || TriggerNone.Status() != storage.PositionClosed {
		t.Fatalf("unexpected trigger status mapping")
	}
}

func TestPnLInBaseCurrency(t *testing.T) {
	p := position(storage.DirectionLong, "1", "2", "100")
	p.AccountCurrency = "btc"
	e, _ := ExposureOf(p)

	pnl, _ := FloatingPnL(e, testutil.D("200"), nil)
	testutil.AssertDecimal(t, "base pnl", pnl, "1")

	liq := LiquidationPrice(e)
	near(t, "base liquidation", liq, "66.67")
	atLiq, _ := FloatingPnL(e, liq, nil)
	near(t, "pnl at liquidation", atLiq, "-1")

	short := e
	short.Direction = storage.DirectionShort
	short.Multiplier = testutil.D("1")
	if !LiquidationPrice(short).IsZero() {
		t.Fatalf("unlevered short in base currency cannot be liquidated by price")
	}
}

func TestPnLThroughUSDBridge(t *testing.T) {
	rates := NewSnapshot()
	rates.Set("gbp-usd", testutil.D("1.25"))

	e := Exposure{
		Pair:            Pair{Base: "EUR", Quote: "GBP"},
		Direction:       storage.DirectionLong,
		Investment:      testutil.D("100"),
		Multiplier:      testutil.D("10"),
		EntryPrice:      testutil.D("0.8"),
		AccountCurrency: "USD",
	}
	pnl, err := FloatingPnL(e, testutil.D("0.82"), rates)
	if err != nil {
		t.Fatalf("bridge pnl: %v", err)
	}
	testutil.AssertDecimal(t, "bridged pnl", pnl, "25")

	e.AccountCurrency = "CHF"
	if _, err := FloatingPnL(e, testutil.D("0.82"), rates); err == nil {
		t.Fatalf("expected missing USD/CHF rate to fail")
	}
	rates.Set("USD/CHF", testutil.D("0.9"))
	pnl, err = FloatingPnL(e, testutil.D("0.82"), rates)
	if err != nil {
		t.Fatalf("chf pnl: %v", err)
	}
	near(t, "chf pnl", pnl, "25")
}

func TestQuoteToAccountInverseRate(t *testing.T) {
	rates := NewSnapshot()
	rates.Set("USD/JPY", testutil.D("150"))
	rate, err := QuoteToAccount(Pair{Base: "EUR", Quote: "JPY"}, testutil.D("160"), "USD", rates)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	near(t, "jpy to usd", rate, "0.0067")
}

func TestQuoteToAccountStablecoinPeg(t *testing.T) {
	rates := NewSnapshot()
	rate, err := QuoteToAccount(Pair{Base: "BTC", Quote: "USDT"}, testutil.D("60000"), "USD", rates)
	if err != nil {
		t.Fatalf("usdt to usd: %v", err)
	}
	testutil.AssertDecimal(t, "usdt to usd", rate, "1")

	rates.Set("EUR/USD", testutil.D("1.25"))
	rate, err = QuoteToAccount(Pair{Base: "ETH", Quote: "USDC"}, testutil.D("3000"), "EUR", rates)
	if err != nil {
		t.Fatalf("usdc to eur: %v", err)
	}
	testutil.AssertDecimal(t, "usdc to eur", rate, "0.8")

	if _, err := QuoteToAccount(Pair{Base: "BTC", Quote: "USDT"}, testutil.D("60000"), "GBP", rates); err == nil {
		t.Fatal("expected missing GBP rate to fail")
	}
}

func TestPipValueAndMargin(t *testing.T) {
	e := Exposure{
		Pair:            Pair{Base: "EUR", Quote: "USD"},
		Direction:       storage.DirectionLong,
		Investment:      testutil.D("100"),
		Multiplier:      testutil.D("100"),
		EntryPrice:      testutil.D("1.25"),
		AccountCurrency: "USD",
	}
	pip, err := PipValue(e, testutil.D("1.25"), nil)
	if err != nil {
		t.Fatalf("pip value: %v", err)
	}
	testutil.AssertDecimal(t, "pip value", pip, "0.8")

	if got := PipSize(Pair{Base: "USD", Quote: "JPY"}); !got.Equal(testutil.D("0.01")) {
		t.Fatalf("expected yen pip 0.01, got %s", got)
	}

	margin, err := MarginRequirement(e.Pair, testutil.D("8000"), testutil.D("1.25"), testutil.D("100"), "USD", nil)
	if err != nil {
		t.Fatalf("margin: %v", err)
	}
	testutil.AssertDecimal(t, "margin", margin, "100")
	if _, err := MarginRequirement(e.Pair, testutil.D("1"), testutil.D("1"), decimal.Zero, "", nil); !errors.Is(err, apperr.ErrInvalidParameters) {
		t.Fatalf("expected zero multiplier rejection, got %v", err)
	}
}

func TestClampAndSpread(t *testing.T) {
	testutil.AssertDecimal(t, "clamped", ClampPnL(testutil.D("-150"), testutil.D("100")), "-100")
	testutil.AssertDecimal(t, "unclamped", ClampPnL(testutil.D("-20"), testutil.D("100")), "-20")
	testutil.AssertDecimal(t, "spread", SpreadFee(testutil.D("100"), testutil.D("10"), testutil.D("0.001")), "1")
}

func TestValidateProtection(t *testing.T) {
	entry := testutil.D("100")
	if err := ValidateProtection(storage.DirectionLong, entry, dptr("95"), dptr("120")); err != nil {
		t.Fatalf("valid long protection rejected: %v", err)
	}
	if err := ValidateProtection(storage.DirectionLong, entry, dptr("105"), nil); !errors.Is(err, apperr.ErrInvalidParameters) {
		t.Fatalf("expected long stop above entry to fail, got %v", err)
	}
	if err := ValidateProtection(storage.DirectionShort, entry, nil, dptr("110")); !errors.Is(err, apperr.ErrInvalidParameters) {
		t.Fatalf("expected short target above entry to fail, got %v", err)
	}
}

func TestParseSymbol(t *testing.T) {
	ok := []struct {
		in    string
		class storage.AssetClass
		want  string
	}{
		{"btc-usdt", storage.AssetCrypto, "BTC/USDT"},
		{"ETH/USD", storage.AssetCrypto, "ETH/USD"},
		{"aapl", storage.AssetStock, "AAPL/USD"},
		{"BRK.B", storage.AssetStock, "BRK.B/USD"},
		{"EURUSD", storage.AssetForex, "EUR/USD"},
	}
	for _, tc := range ok {
		got, err := ParseSymbol(tc.in, tc.class)
		if err != nil {
			t.Fatalf("parse %q: %v", tc.in, err)
		}
		if got.String() != tc.want {
			t.Fatalf("parse %q: expected %s got %s", tc.in, tc.want, got)
		}
	}

	for _, bad := range []string{"", "BTCUSD", "BTC/", "USD/USD", "BT C/USD"} {
		if _, err := ParseSymbol(bad, storage.AssetCrypto); !errors.Is(err, apperr.ErrInvalidParameters) {
			t.Fatalf("expected %q to be rejected, got %v", bad, err)
		}
	}
}
