package storage

import (
	"time"

	"github.com/AfshinJalili/tradedesk/services/trading/internal/apperr"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SpotFillResult reports the quantity actually applied. Sells are capped at the
// held quantity and CostReleased is the cost basis they remove.
type SpotFillResult struct {
	Holding      SpotHolding
	Filled       decimal.Decimal
	CostReleased decimal.Decimal
	Duplicate    bool
}

func applySpotFill(h SpotHolding, fill SpotFill, now time.Time) (SpotFillResult, error) {
	if fill.ID == uuid.Nil {
		return SpotFillResult{}, apperr.Invalid("fill id is required")
	}
	if !fill.Quantity.IsPositive() || !fill.Price.IsPositive() {
		return SpotFillResult{}, apperr.Invalid("fill quantity and price must be positive")
	}

	res := SpotFillResult{CostReleased: decimal.Zero}
	switch fill.Side {
	case SideBuy:
		h.Quantity = h.Quantity.Add(fill.Quantity)
		h.TotalCostBasis = h.TotalCostBasis.Add(fill.Quantity.Mul(fill.Price))
		h.AveragePrice = h.TotalCostBasis.Div(h.Quantity)
		res.Filled = fill.Quantity
	case SideSell:
		filled := decimal.Min(fill.Quantity, h.Quantity)
		released := decimal.Zero
		if filled.IsPositive() {
			released = h.AveragePrice.Mul(filled)
		}
		h.Quantity = h.Quantity.Sub(filled)
		h.TotalCostBasis = h.TotalCostBasis.Sub(released)
		if !h.Quantity.IsPositive() {
			h.Quantity = decimal.Zero
			h.TotalCostBasis = decimal.Zero
			h.AveragePrice = decimal.Zero
		}
		res.Filled = filled
		res.CostReleased = released
	default:
		return SpotFillResult{}, apperr.Invalid("unknown side %q", fill.Side)
	}
	h.UpdatedAt = now
	res.Holding = h
	return res, nil
}
