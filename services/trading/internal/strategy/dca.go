package strategy

import (
	"fmt"
	"strings"
	"time"

	"github.com/AfshinJalili/tradedesk/services/trading/internal/storage"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
)

const priceScale = 8

var hundred = decimal.NewFromInt(100)

type DCAAction string

const (
	DCAHold        DCAAction = ""
	DCABaseOrder   DCAAction = "base_order"
	DCASafetyOrder DCAAction = "safety_order"
	DCATakeProfit  DCAAction = "take_profit"
	DCAStopLoss    DCAAction = "stop_loss"
)

// DCADecision is what a price event asks of an open deal. TrailingPeak is the
// peak to persist whether or not the deal closes.
type DCADecision struct {
	Action       DCAAction
	QuoteAmount  decimal.Decimal
	TriggerPrice decimal.Decimal
	TrailingPeak decimal.Decimal
}

func DealOpen(cfg storage.DCAConfig) bool {
	return cfg.TotalBaseBought.IsPositive()
}

// CumulativeDrop is the percentage drop from the average price at which the
// safety order at level n fires: sum of stepPct*stepScale^i for i in [0, n).
func CumulativeDrop(stepPct, stepScale decimal.Decimal, n int) decimal.Decimal {
	total := decimal.Zero
	step := stepPct
	for i := 0; i < n; i++ {
		total = total.Add(step)
		step = step.Mul(stepScale)
	}
	return total
}

func SafetyTriggerPrice(avg, stepPct, stepScale decimal.Decimal, n int) decimal.Decimal {
	drop := CumulativeDrop(stepPct, stepScale, n)
	return avg.Mul(decimal.NewFromInt(1).Sub(drop.Div(hundred))).Round(priceScale)
}

// SafetyOrderAmount is baseSize*volumeScale^n.
func SafetyOrderAmount(baseSize, volumeScale decimal.Decimal, n int) decimal.Decimal {
	amount := baseSize
	for i := 0; i < n; i++ {
		amount = amount.Mul(volumeScale)
	}
	return amount.Round(priceScale)
}

func TakeProfitPrice(cfg storage.DCAConfig) decimal.Decimal {
	return cfg.CurrentAvgPrice.Mul(decimal.NewFromInt(1).Add(cfg.TakeProfitPct.Div(hundred))).Round(priceScale)
}

func StopLossPrice(cfg storage.DCAConfig) (decimal.Decimal, bool) {
	if cfg.StopLossPct == nil || !cfg.StopLossPct.IsPositive() {
		return decimal.Zero, false
	}
	return cfg.CurrentAvgPrice.Mul(decimal.NewFromInt(1).Sub(cfg.StopLossPct.Div(hundred))).Round(priceScale), true
}

// RecordBuy folds a fill into the deal. Both accumulators move together and
// the average is recomputed from them.
func RecordBuy(cfg *storage.DCAConfig, quoteSpent, baseBought decimal.Decimal) {
	cfg.TotalQuoteSpent = cfg.TotalQuoteSpent.Add(quoteSpent)
	cfg.TotalBaseBought = cfg.TotalBaseBought.Add(baseBought)
	if cfg.TotalBaseBought.IsPositive() {
		cfg.CurrentAvgPrice = cfg.TotalQuoteSpent.DivRound(cfg.TotalBaseBought, priceScale)
	}
}

// ResetDeal clears the averaging state after a deal closes.
func ResetDeal(cfg *storage.DCAConfig) {
	cfg.TotalQuoteSpent = decimal.Zero
	cfg.TotalBaseBought = decimal.Zero
	cfg.CurrentAvgPrice = decimal.Zero
	cfg.ActiveSafetyCount = 0
	cfg.TrailingPeak = decimal.Zero
	cfg.DealCount++
}

// DecideDCA evaluates an open deal at price. Stop loss wins over take profit,
// which wins over a safety order.
func DecideDCA(cfg storage.DCAConfig, price decimal.Decimal) DCADecision {
	d := DCADecision{Action: DCAHold, TrailingPeak: cfg.TrailingPeak}
	if !DealOpen(cfg) || !price.IsPositive() {
		return d
	}

	if sl, ok := StopLossPrice(cfg); ok && price.LessThanOrEqual(sl) {
		d.Action = DCAStopLoss
		d.TriggerPrice = sl
		return d
	}

	tp := TakeProfitPrice(cfg)
	if cfg.TrailingTPEnabled {
		if price.GreaterThanOrEqual(tp) || d.TrailingPeak.IsPositive() {
			d.TrailingPeak = decimal.Max(d.TrailingPeak, price)
			exit := d.TrailingPeak.Mul(decimal.NewFromInt(1).Sub(cfg.TrailingTPDeviation.Div(hundred))).Round(priceScale)
			if price.LessThanOrEqual(exit) {
				d.Action = DCATakeProfit
				d.TriggerPrice = exit
				return d
			}
			// Armed trailing suppresses safety orders.
			return d
		}
	} else if price.GreaterThanOrEqual(tp) {
		d.Action = DCATakeProfit
		d.TriggerPrice = tp
		return d
	}

	if cfg.SafetyOrdersEnabled && cfg.ActiveSafetyCount < cfg.MaxSafetyOrders {
		next := cfg.ActiveSafetyCount + 1
		trigger := SafetyTriggerPrice(cfg.CurrentAvgPrice, cfg.SafetyOrderStepPct, cfg.SafetyOrderStepScale, next)
		if price.LessThanOrEqual(trigger) {
			d.Action = DCASafetyOrder
			d.TriggerPrice = trigger
			d.QuoteAmount = SafetyOrderAmount(cfg.SafetyOrderSize, cfg.SafetyOrderVolumeScale, cfg.ActiveSafetyCount)
		}
	}
	return d
}

var frequencyAliases = map[string]string{
	"hourly":  "@hourly",
	"daily":   "@daily",
	"weekly":  "@weekly",
	"monthly": "@monthly",
}

// ParseFrequency accepts the named aliases, a Go duration ("4h") or any
// standard cron spec including descriptors ("@every 30m").
func ParseFrequency(freq string) (cron.Schedule, error) {
	spec := strings.TrimSpace(strings.ToLower(freq))
	if spec == "" {
		return nil, fmt.Errorf("frequency is required")
	}
	if alias, ok := frequencyAliases[spec]; ok {
		spec = alias
	} else if d, err := time.ParseDuration(spec); err == nil {
		if d < time.Minute {
			return nil, fmt.Errorf("frequency %q is below one minute", freq)
		}
		spec = "@every " + d.String()
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parse frequency %q: %w", freq, err)
	}
	return sched, nil
}
