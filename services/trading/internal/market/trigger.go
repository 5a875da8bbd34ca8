package market

import (
	"github.com/AfshinJalili/tradedesk/services/trading/internal/storage"
	"github.com/shopspring/decimal"
)

type Trigger string

const (
	TriggerNone        Trigger = ""
	TriggerLiquidation Trigger = "liquidation"
	TriggerStopLoss    Trigger = "stop_loss"
	TriggerTakeProfit  Trigger = "take_profit"
)

// Status is the terminal position status a trigger closes with.
func (t Trigger) Status() storage.PositionStatus {
	switch t {
	case TriggerLiquidation:
		return storage.PositionLiquidated
	case TriggerStopLoss:
		return storage.PositionStoppedOut
	case TriggerTakeProfit:
		return storage.PositionTakeProfit
	}
	return storage.PositionClosed
}

// Evaluate checks a position against price. Liquidation wins over stop loss,
// which wins over take profit.
func Evaluate(p storage.Position, price decimal.Decimal, rates Rates) (Trigger, decimal.Decimal, error) {
	e, err := ExposureOf(p)
	if err != nil {
		return TriggerNone, decimal.Zero, err
	}
	pnl, err := FloatingPnL(e, price, rates)
	if err != nil {
		return TriggerNone, decimal.Zero, err
	}
	if pnl.LessThanOrEqual(p.Investment.Neg()) {
		return TriggerLiquidation, pnl, nil
	}

	long := p.Direction != storage.DirectionShort
	if sl := p.StopLoss; sl != nil {
		if (long && price.LessThanOrEqual(*sl)) || (!long && price.GreaterThanOrEqual(*sl)) {
			return TriggerStopLoss, pnl, nil
		}
	}
	if tp := p.TakeProfit; tp != nil {
		if (long && price.GreaterThanOrEqual(*tp)) || (!long && price.LessThanOrEqual(*tp)) {
			return TriggerTakeProfit, pnl, nil
		}
	}
	return TriggerNone, pnl, nil
}

// ValidateProtection checks stop loss and take profit sit on the right side of
// the entry price for the direction.
func ValidateProtection(dir storage.Direction, entry decimal.Decimal, sl, tp *decimal.Decimal) error {
	long := dir != storage.DirectionShort
	if sl != nil {
		if !sl.IsPositive() {
			return invalid("stop_loss must be positive")
		}
		if (long && sl.GreaterThanOrEqual(entry)) || (!long && sl.LessThanOrEqual(entry)) {
			return invalid("stop_loss %s is on the wrong side of entry %s", sl, entry)
		}
	}
	if tp != nil {
		if !tp.IsPositive() {
			return invalid("take_profit must be positive")
		}
		if (long && tp.LessThanOrEqual(entry)) || (!long && tp.GreaterThanOrEqual(entry)) {
			return invalid("take_profit %s is on the wrong side of entry %s", tp, entry)
		}
	}
	return nil
}
