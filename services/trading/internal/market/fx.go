package market

import (
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

const bridgeCurrency = "USD"

// usdPegged are stablecoins valued at one USD in bridge conversions, so USDT
// quoted pairs can be held on USD accounts.
var usdPegged = map[string]bool{
	"USDT": true,
	"USDC": true,
	"BUSD": true,
	"DAI":  true,
}

// bridgeValue reports whether ccy is worth exactly one bridge unit.
func bridgeValue(ccy string) bool {
	return ccy == bridgeCurrency || usdPegged[ccy]
}

// Rates is a last-price lookup keyed by BASE/QUOTE symbol.
type Rates interface {
	Price(symbol string) (decimal.Decimal, bool)
}

// Snapshot is the in-memory last price per symbol, updated from the feed.
type Snapshot struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

func NewSnapshot() *Snapshot {
	return &Snapshot{prices: map[string]decimal.Decimal{}}
}

func (s *Snapshot) Set(symbol string, price decimal.Decimal) {
	key := normalizeKey(symbol)
	s.mu.Lock()
	s.prices[key] = price
	s.mu.Unlock()
}

func (s *Snapshot) Price(symbol string) (decimal.Decimal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prices[normalizeKey(symbol)]
	return p, ok
}

func normalizeKey(symbol string) string {
	return strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(symbol)), "-", "/")
}

// QuoteToAccount converts one unit of the pair's quote currency into the
// account currency at the given pair price. It is direct when the account
// currency is either leg and bridges through USD otherwise.
func QuoteToAccount(pair Pair, price decimal.Decimal, account string, rates Rates) (decimal.Decimal, error) {
	account = strings.ToUpper(account)
	switch account {
	case pair.Quote:
		return decimal.NewFromInt(1), nil
	case pair.Base:
		if !price.IsPositive() {
			return decimal.Zero, fmt.Errorf("convert %s to %s: price must be positive", pair.Quote, account)
		}
		return decimal.NewFromInt(1).Div(price), nil
	}

	quoteUSD, err := toBridge(pair.Quote, rates)
	if err != nil {
		return decimal.Zero, err
	}
	usdAccount, err := fromBridge(account, rates)
	if err != nil {
		return decimal.Zero, err
	}
	return quoteUSD.Mul(usdAccount), nil
}

// toBridge is the USD value of one unit of ccy.
func toBridge(ccy string, rates Rates) (decimal.Decimal, error) {
	if bridgeValue(ccy) {
		return decimal.NewFromInt(1), nil
	}
	return crossRate(ccy, bridgeCurrency, rates)
}

// fromBridge is the ccy value of one USD.
func fromBridge(ccy string, rates Rates) (decimal.Decimal, error) {
	if bridgeValue(ccy) {
		return decimal.NewFromInt(1), nil
	}
	return crossRate(bridgeCurrency, ccy, rates)
}

func crossRate(from, to string, rates Rates) (decimal.Decimal, error) {
	if rates != nil {
		if p, ok := rates.Price(from + "/" + to); ok && p.IsPositive() {
			return p, nil
		}
		if p, ok := rates.Price(to + "/" + from); ok && p.IsPositive() {
			return decimal.NewFromInt(1).Div(p), nil
		}
	}
	return decimal.Zero, fmt.Errorf("no rate to convert %s to %s", from, to)
}
