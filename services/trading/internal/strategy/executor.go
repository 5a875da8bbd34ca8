package strategy

import (
	"context"
	"errors"
	"fmt"

	"github.com/AfshinJalili/tradedesk/services/trading/internal/apperr"
	"github.com/AfshinJalili/tradedesk/services/trading/internal/positions"
	"github.com/AfshinJalili/tradedesk/services/trading/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	kindDCABase       = "dca_base"
	kindDCASafety     = "dca_safety"
	kindDCATakeProfit = "dca_take_profit"
	kindDCAStopLoss   = "dca_stop_loss"
	kindGridInit      = "grid_init"
	kindGridBuy       = "grid_buy"
	kindGridSell      = "grid_sell"

	botOrderKeyPrefix = "bot-order:"
)

var errBotHalted = errors.New("bot is no longer running")

// intent is an order a bot wants placed. Buys carry a quote amount or a
// quantity; sells always carry a quantity.
type intent struct {
	kind     string
	side     storage.Side
	price    decimal.Decimal
	quote    decimal.Decimal
	quantity decimal.Decimal
	level    *int
}

// place records the intent as a pending bot order and then executes it. The
// order id doubles as the spot fill id so a re-submission is a no-op.
func (e *Engine) place(ctx context.Context, st *botState, in intent) error {
	if err := st.limiter.Wait(ctx); err != nil {
		return err
	}
	cur, err := e.store.GetBot(ctx, st.bot.ID)
	if err != nil {
		return fmt.Errorf("reload bot: %w", err)
	}
	if cur.Status != storage.BotRunning {
		return errBotHalted
	}

	qty := in.quantity
	if qty.IsZero() {
		qty = positions.QuantityFor(in.quote, in.price)
	}
	if !qty.IsPositive() {
		return apperr.Invalid("%s order for bot %s has no quantity", in.kind, st.bot.ID)
	}
	quote := in.quote
	if quote.IsZero() {
		quote = qty.Mul(in.price).Round(priceScale)
	}

	now := e.now()
	id := uuid.New()
	order := storage.BotOrder{
		ID:             id,
		BotID:          st.bot.ID,
		Kind:           in.kind,
		Side:           in.side,
		Price:          in.price,
		QuoteAmount:    quote,
		BaseQuantity:   qty,
		LevelIndex:     in.level,
		Status:         storage.BotOrderPending,
		IdempotencyKey: botOrderKeyPrefix + id.String(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.store.CreateBotOrder(ctx, order); err != nil {
		return fmt.Errorf("record bot order: %w", err)
	}
	return e.submit(ctx, st, order)
}

// submit executes a recorded order and folds the fill into the bot. An error
// with an unknown outcome leaves the order pending for the next attempt.
func (e *Engine) submit(ctx context.Context, st *botState, order storage.BotOrder) error {
	octx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.OrderTimeout)
	defer cancel()

	spot := positions.SpotOrder{
		FillID:   order.ID,
		UserID:   st.bot.UserID,
		Symbol:   st.bot.Pair,
		Quantity: order.BaseQuantity,
		Price:    order.Price,
	}
	var (
		res positions.SpotResult
		err error
	)
	if order.Side == storage.SideBuy {
		res, err = e.trader.BuySpot(octx, spot)
	} else {
		res, err = e.trader.SellSpot(octx, spot)
	}
	if err != nil {
		if !terminal(err) {
			st.pending = &order
			e.metrics.incOrder(st.bot.Type, order.Kind, "pending")
			return fmt.Errorf("%s order %s: %w", order.Kind, order.ID, err)
		}
		st.pending = nil
		if uerr := e.store.UpdateBotOrder(octx, order.ID, storage.BotOrderFailed, err.Error()); uerr != nil {
			e.logger.Error("mark bot order failed", "order_id", order.ID, "error", uerr)
		}
		e.metrics.incOrder(st.bot.Type, order.Kind, "failed")
		e.activity(octx, st.bot.ID, "order_failed", fmt.Sprintf("%s %s: %v", order.Kind, order.Side, err))
		return fmt.Errorf("%s order %s: %w", order.Kind, order.ID, err)
	}

	// The fold and the order status commit together; a replay of an order
	// already marked filled reloads the stored bot instead of folding again.
	next := st.bot.Clone()
	summary := e.applyFill(&next, order, res)
	if err := e.store.FillBotOrder(octx, next, order.ID); err != nil {
		if errors.Is(err, apperr.ErrAlreadyClosed) {
			st.pending = nil
			stored, gerr := e.store.GetBot(octx, st.bot.ID)
			if gerr != nil {
				return fmt.Errorf("reload bot: %w", gerr)
			}
			st.bot = stored
			return nil
		}
		st.pending = &order
		return fmt.Errorf("record fill: %w", err)
	}
	st.pending = nil
	st.bot = next
	e.metrics.incOrder(st.bot.Type, order.Kind, "filled")
	e.activity(octx, st.bot.ID, "order_filled", summary)
	return nil
}

// terminal reports whether the order's outcome is known to be a failure. A
// fill id whose earlier attempt was refunded is refused for good.
func terminal(err error) bool {
	return fatal(err) || errors.Is(err, apperr.ErrBotNotFound) || errors.Is(err, apperr.ErrInvalidState)
}

func (e *Engine) retryPending(ctx context.Context, st *botState) error {
	order := *st.pending
	return e.submit(ctx, st, order)
}

// reconcile re-submits orders a previous run recorded but never finished.
// Pausing does not cancel an order in flight; its outcome is settled here
// before the bot acts on new prices.
func (e *Engine) reconcile(ctx context.Context, st *botState) error {
	pending, err := e.store.ListPendingBotOrders(ctx, st.bot.ID)
	if err != nil {
		return fmt.Errorf("list pending bot orders: %w", err)
	}
	for _, order := range pending {
		err := e.submit(ctx, st, order)
		switch {
		case err == nil:
			e.metrics.incReconciled("filled")
		case terminal(err):
			e.metrics.incReconciled("failed")
			// A failed reconcile is final for that order only.
			if !errors.Is(err, apperr.ErrInsufficientFunds) {
				continue
			}
			return err
		default:
			e.metrics.incReconciled("pending")
			return err
		}
	}
	if len(pending) > 0 {
		e.logger.Info("reconciled pending bot orders", "bot_id", st.bot.ID, "count", len(pending))
	}
	return nil
}

// applyFill updates the bot for a filled order and describes what happened.
func (e *Engine) applyFill(bot *storage.Bot, order storage.BotOrder, res positions.SpotResult) string {
	switch order.Kind {
	case kindDCABase, kindDCASafety:
		cfg := bot.DCA
		RecordBuy(cfg, res.Notional, res.Filled)
		if order.Kind == kindDCASafety {
			cfg.ActiveSafetyCount++
		} else {
			at := order.CreatedAt
			cfg.LastOrderAt = &at
		}
		bot.InvestedAmount = cfg.TotalQuoteSpent
		return fmt.Sprintf("%s bought %s @ %s, avg %s", order.Kind, res.Filled, order.Price, cfg.CurrentAvgPrice)

	case kindDCATakeProfit, kindDCAStopLoss:
		cfg := bot.DCA
		realized := res.Notional.Sub(cfg.TotalQuoteSpent).Round(priceScale)
		bot.TotalPnL = bot.TotalPnL.Add(realized)
		ResetDeal(cfg)
		bot.InvestedAmount = decimal.Zero
		reason := "take_profit"
		if order.Kind == kindDCAStopLoss {
			reason = "stop_loss"
		}
		e.metrics.incDeal(reason)
		return fmt.Sprintf("deal %d closed by %s @ %s, realized %s", cfg.DealCount, reason, order.Price, realized)

	case kindGridInit:
		cfg := bot.Grid
		levels := InitialBuys(*cfg, order.Price)
		if len(levels) == 0 {
			return "grid start without inventory"
		}
		per := res.Filled.DivRound(decimal.NewFromInt(int64(len(levels))), priceScale)
		for _, i := range levels {
			FillGridBuy(cfg, i, order.Price, per)
		}
		cfg.FloatPnL = GridFloatingPnL(*cfg, order.Price)
		return fmt.Sprintf("grid start bought %s @ %s across %d levels", res.Filled, order.Price, len(levels))

	case kindGridBuy:
		cfg := bot.Grid
		i := *order.LevelIndex
		FillGridBuy(cfg, i, order.Price, res.Filled)
		cfg.FloatPnL = GridFloatingPnL(*cfg, order.Price)
		return fmt.Sprintf("grid level %d bought %s @ %s", i, res.Filled, order.Price)

	case kindGridSell:
		cfg := bot.Grid
		i := *order.LevelIndex
		profit := FillGridSell(cfg, i, order.Price, res.Filled, e.opts.GridFeeRate)
		cfg.FloatPnL = GridFloatingPnL(*cfg, order.Price)
		bot.TotalPnL = cfg.GridProfit
		e.metrics.incCycle()
		return fmt.Sprintf("grid level %d sold %s @ %s, cycle profit %s", i, res.Filled, order.Price, profit)
	}
	return fmt.Sprintf("%s %s %s @ %s", order.Kind, order.Side, res.Filled, order.Price)
}
