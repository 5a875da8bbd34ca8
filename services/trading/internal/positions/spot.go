package positions

import (
	"context"
	"fmt"

	"github.com/AfshinJalili/tradedesk/libs/trace"
	"github.com/AfshinJalili/tradedesk/services/trading/internal/apperr"
	"github.com/AfshinJalili/tradedesk/services/trading/internal/feed"
	"github.com/AfshinJalili/tradedesk/services/trading/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

const (
	spotBuyKeyPrefix      = "spot-buy:"
	spotBuyRefundPrefix   = "spot-buy-refund:"
	spotSellKeyPrefix     = "spot-sell:"
	spotQuantityPrecision = 8
)

type SpotOrder struct {
	FillID   uuid.UUID       `json:"fill_id" validate:"required"`
	UserID   uuid.UUID       `json:"user_id" validate:"required"`
	Symbol   string          `json:"symbol" validate:"required"`
	Quantity decimal.Decimal `json:"quantity" validate:"gt=0"`
	Price    decimal.Decimal `json:"price" validate:"gt=0"`
}

type SpotResult struct {
	Holding  storage.SpotHolding `json:"holding"`
	Filled   decimal.Decimal     `json:"filled"`
	Notional decimal.Decimal     `json:"notional"`
	// RealizedPnL is proceeds minus released cost basis; zero for buys.
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
}

// BuySpot debits quantity*price and adds the quantity to the holding. The
// fill id makes a retried buy a no-op.
func (e *Engine) BuySpot(ctx context.Context, order SpotOrder) (res SpotResult, err error) {
	ctx, span := trace.Start(ctx, tracerName, "positions.BuySpot", attribute.String("symbol", order.Symbol))
	defer func() {
		e.metrics.incSpot("buy", outcome(err))
		trace.End(span, err)
	}()
	if err := apperr.Validate(order); err != nil {
		return SpotResult{}, err
	}
	symbol := feed.NormalizeSymbol(order.Symbol)
	cost := order.Quantity.Mul(order.Price).Round(pnlScale)

	_, err = e.ledger.ApplyWithRetry(ctx, storage.MutationRequest{
		UserID:         order.UserID,
		Amount:         cost.Neg(),
		Type:           storage.MutationTradeOpen,
		Description:    fmt.Sprintf("buy %s %s @ %s", order.Quantity, symbol, order.Price),
		ReferenceID:    order.FillID.String(),
		IdempotencyKey: spotBuyKeyPrefix + order.FillID.String(),
	})
	if err != nil {
		return SpotResult{}, err
	}
	if err := e.refuseReversed(ctx, order.UserID, spotBuyRefundPrefix+order.FillID.String()); err != nil {
		return SpotResult{}, err
	}

	fill, err := e.store.ApplySpotFill(ctx, storage.SpotFill{
		ID:       order.FillID,
		UserID:   order.UserID,
		Symbol:   symbol,
		Side:     storage.SideBuy,
		Quantity: order.Quantity,
		Price:    order.Price,
	})
	if err != nil {
		e.refundBuy(ctx, order, cost)
		return SpotResult{}, fmt.Errorf("apply spot fill: %w", err)
	}
	return SpotResult{Holding: fill.Holding, Filled: fill.Filled, Notional: cost, RealizedPnL: decimal.Zero}, nil
}

func (e *Engine) refundBuy(ctx context.Context, order SpotOrder, cost decimal.Decimal) {
	_, err := e.ledger.ApplyWithRetry(context.WithoutCancel(ctx), storage.MutationRequest{
		UserID:         order.UserID,
		Amount:         cost,
		Type:           storage.MutationReversal,
		Description:    "refund failed spot buy",
		ReferenceID:    order.FillID.String(),
		IdempotencyKey: spotBuyRefundPrefix + order.FillID.String(),
	})
	if err != nil {
		e.logger.Error("spot buy refund failed", "fill_id", order.FillID, "user_id", order.UserID, "error", err)
	}
}

// SellSpot removes up to the held quantity and credits the proceeds of what
// was actually sold. Selling more than is held sells everything.
func (e *Engine) SellSpot(ctx context.Context, order SpotOrder) (res SpotResult, err error) {
	ctx, span := trace.Start(ctx, tracerName, "positions.SellSpot", attribute.String("symbol", order.Symbol))
	defer func() {
		e.metrics.incSpot("sell", outcome(err))
		trace.End(span, err)
	}()
	if err := apperr.Validate(order); err != nil {
		return SpotResult{}, err
	}
	symbol := feed.NormalizeSymbol(order.Symbol)

	fill, err := e.store.ApplySpotFill(ctx, storage.SpotFill{
		ID:       order.FillID,
		UserID:   order.UserID,
		Symbol:   symbol,
		Side:     storage.SideSell,
		Quantity: order.Quantity,
		Price:    order.Price,
	})
	if err != nil {
		return SpotResult{}, err
	}
	if !fill.Filled.IsPositive() {
		return SpotResult{}, apperr.Invalid("no %s holding to sell", symbol)
	}

	proceeds := fill.Filled.Mul(order.Price).Round(pnlScale)
	_, err = e.ledger.ApplyWithRetry(ctx, storage.MutationRequest{
		UserID:         order.UserID,
		Amount:         proceeds,
		Type:           storage.MutationTradeClose,
		Description:    fmt.Sprintf("sell %s %s @ %s", fill.Filled, symbol, order.Price),
		ReferenceID:    order.FillID.String(),
		IdempotencyKey: spotSellKeyPrefix + order.FillID.String(),
	})
	if err != nil {
		// The holding already moved; a retry with the same fill id settles it.
		return SpotResult{}, fmt.Errorf("credit spot sale: %w", err)
	}
	return SpotResult{
		Holding:     fill.Holding,
		Filled:      fill.Filled,
		Notional:    proceeds,
		RealizedPnL: proceeds.Sub(fill.CostReleased).Round(pnlScale),
	}, nil
}

func (e *Engine) Holding(ctx context.Context, userID uuid.UUID, symbol string) (storage.SpotHolding, error) {
	return e.store.GetSpotHolding(ctx, userID, feed.NormalizeSymbol(symbol))
}

// QuantityFor converts a quote amount into a base quantity at price.
func QuantityFor(quoteAmount, price decimal.Decimal) decimal.Decimal {
	if !price.IsPositive() {
		return decimal.Zero
	}
	return quoteAmount.DivRound(price, spotQuantityPrecision)
}
