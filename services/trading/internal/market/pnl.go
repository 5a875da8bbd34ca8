// Package market holds the pricing math shared by positions and strategies.
// Every function here is pure.
package market

import (
	"strings"

	"github.com/AfshinJalili/tradedesk/services/trading/internal/apperr"
	"github.com/AfshinJalili/tradedesk/services/trading/internal/storage"
	"github.com/shopspring/decimal"
)

var (
	one         = decimal.NewFromInt(1)
	pipStandard = decimal.RequireFromString("0.0001")
	pipJPY      = decimal.RequireFromString("0.01")
)

// Exposure is the part of a position the P&L depends on.
type Exposure struct {
	Pair            Pair
	Direction       storage.Direction
	Investment      decimal.Decimal
	Multiplier      decimal.Decimal
	EntryPrice      decimal.Decimal
	AccountCurrency string
}

func ExposureOf(p storage.Position) (Exposure, error) {
	pair, err := ParseSymbol(p.Symbol, p.AssetClass)
	if err != nil {
		return Exposure{}, err
	}
	return Exposure{
		Pair:            pair,
		Direction:       p.Direction,
		Investment:      p.Investment,
		Multiplier:      p.Multiplier,
		EntryPrice:      p.EntryPrice,
		AccountCurrency: strings.ToUpper(p.AccountCurrency),
	}, nil
}

// FloatingPnL is the unrealised P&L in the account currency:
// direction * investment * multiplier * (price - entry) / entry, with the
// quote leg converted at both ends when the account is not quoted in it.
func FloatingPnL(e Exposure, price decimal.Decimal, rates Rates) (decimal.Decimal, error) {
	if !e.EntryPrice.IsPositive() || !price.IsPositive() {
		return decimal.Zero, apperr.Invalid("prices must be positive")
	}
	move := price.Sub(e.EntryPrice)
	notional := e.Investment.Mul(e.Multiplier)

	switch e.AccountCurrency {
	case "", e.Pair.Quote:
		return e.Direction.Sign().Mul(notional).Mul(move).Div(e.EntryPrice), nil
	case e.Pair.Base:
		// Units bought are notional/entry in base; the quote move converts back at price.
		return e.Direction.Sign().Mul(notional).Mul(move).Div(price), nil
	}

	entryRate, err := QuoteToAccount(e.Pair, e.EntryPrice, e.AccountCurrency, rates)
	if err != nil {
		return decimal.Zero, err
	}
	exitRate, err := QuoteToAccount(e.Pair, price, e.AccountCurrency, rates)
	if err != nil {
		return decimal.Zero, err
	}
	units := Units(e, entryRate)
	return e.Direction.Sign().Mul(units).Mul(move).Mul(exitRate), nil
}

// Units is the base quantity the exposure controls.
func Units(e Exposure, entryQuoteToAccount decimal.Decimal) decimal.Decimal {
	denom := e.EntryPrice.Mul(entryQuoteToAccount)
	if denom.IsZero() {
		return decimal.Zero
	}
	return e.Investment.Mul(e.Multiplier).Div(denom)
}

// LiquidationPrice is where FloatingPnL reaches -investment. Zero means the
// position cannot be liquidated by price, which happens for a short of
// multiplier one or less when the account is in the base currency.
func LiquidationPrice(e Exposure) decimal.Decimal {
	if !e.Multiplier.IsPositive() {
		return decimal.Zero
	}
	dir := e.Direction.Sign()
	if e.AccountCurrency == e.Pair.Base && e.AccountCurrency != "" {
		denom := e.Multiplier.Add(dir)
		if !denom.IsPositive() {
			return decimal.Zero
		}
		return e.Multiplier.Mul(e.EntryPrice).Div(denom)
	}
	p := e.EntryPrice.Mul(one.Sub(dir.Div(e.Multiplier)))
	if p.IsNegative() {
		return decimal.Zero
	}
	return p
}

// ClampPnL bounds a realised loss at the posted investment.
func ClampPnL(pnl, investment decimal.Decimal) decimal.Decimal {
	floor := investment.Neg()
	if pnl.LessThan(floor) {
		return floor
	}
	return pnl
}

// SpreadFee charges spreadRate on the leveraged notional.
func SpreadFee(investment, multiplier, spreadRate decimal.Decimal) decimal.Decimal {
	return investment.Mul(multiplier).Mul(spreadRate)
}

// PipSize is 0.01 for yen-quoted pairs and 0.0001 otherwise.
func PipSize(pair Pair) decimal.Decimal {
	if pair.Quote == "JPY" {
		return pipJPY
	}
	return pipStandard
}

// PipValue is the account-currency value of a one pip move for the exposure.
func PipValue(e Exposure, price decimal.Decimal, rates Rates) (decimal.Decimal, error) {
	entryRate, err := QuoteToAccount(e.Pair, e.EntryPrice, accountOrQuote(e), rates)
	if err != nil {
		return decimal.Zero, err
	}
	rate, err := QuoteToAccount(e.Pair, price, accountOrQuote(e), rates)
	if err != nil {
		return decimal.Zero, err
	}
	return Units(e, entryRate).Mul(PipSize(e.Pair)).Mul(rate), nil
}

// MarginRequirement is the account-currency collateral needed to control
// units of the pair at price with the given multiplier.
func MarginRequirement(pair Pair, units, price, multiplier decimal.Decimal, account string, rates Rates) (decimal.Decimal, error) {
	if !multiplier.IsPositive() {
		return decimal.Zero, apperr.Invalid("multiplier must be positive")
	}
	if account == "" {
		account = pair.Quote
	}
	rate, err := QuoteToAccount(pair, price, account, rates)
	if err != nil {
		return decimal.Zero, err
	}
	return units.Mul(price).Mul(rate).Div(multiplier), nil
}

func invalid(format string, args ...any) error {
	return apperr.Invalid(format, args...)
}

func accountOrQuote(e Exposure) string {
	if e.AccountCurrency == "" {
		return e.Pair.Quote
	}
	return e.AccountCurrency
}
