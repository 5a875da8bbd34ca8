package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/AfshinJalili/tradedesk/services/trading/internal/apperr"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const botSelect = `
	SELECT id, user_id, type, pair, status, invested_amount::text, total_pnl::text, last_error, created_at, updated_at
	FROM trading_bots`

func (s *Store) CreateBot(ctx context.Context, b Bot) error {
	now := time.Now().UTC()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	if b.UpdatedAt.IsZero() {
		b.UpdatedAt = now
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO trading_bots (id, user_id, type, pair, status, invested_amount, total_pnl, last_error, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, b.ID, b.UserID, string(b.Type), strings.ToUpper(b.Pair), string(b.Status), b.InvestedAmount.String(),
			b.TotalPnL.String(), b.LastError, b.CreatedAt, b.UpdatedAt); err != nil {
			if isUniqueViolation(err) {
				return apperr.Invalid("bot %s already exists", b.ID)
			}
			return err
		}
		return saveBotConfig(ctx, tx, b)
	})
}

func (s *Store) GetBot(ctx context.Context, id uuid.UUID) (Bot, error) {
	b, err := scanBot(s.pool.QueryRow(ctx, botSelect+` WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Bot{}, apperr.ErrBotNotFound
		}
		return Bot{}, err
	}
	if err := s.loadBotConfig(ctx, &b); err != nil {
		return Bot{}, err
	}
	return b, nil
}

func (s *Store) ListBots(ctx context.Context, userID uuid.UUID) ([]Bot, error) {
	return s.queryBots(ctx, botSelect+` WHERE user_id = $1 ORDER BY created_at`, userID)
}

func (s *Store) ListBotsByStatus(ctx context.Context, statuses ...BotStatus) ([]Bot, error) {
	names := make([]string, 0, len(statuses))
	for _, st := range statuses {
		names = append(names, string(st))
	}
	return s.queryBots(ctx, botSelect+` WHERE status = ANY($1) ORDER BY created_at`, names)
}

func (s *Store) queryBots(ctx context.Context, sql string, args ...any) ([]Bot, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	var out []Bot
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, b)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		if err := s.loadBotConfig(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// TransitionBot moves the bot to status to only if its current status is in
// from. It is the single place a bot lifecycle changes.
func (s *Store) TransitionBot(ctx context.Context, id uuid.UUID, from []BotStatus, to BotStatus, lastError string) (Bot, error) {
	names := make([]string, 0, len(from))
	for _, st := range from {
		names = append(names, string(st))
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE trading_bots
		SET status = $2, last_error = $3, updated_at = now()
		WHERE id = $1 AND status = ANY($4)
	`, id, string(to), lastError, names)
	if err != nil {
		return Bot{}, mapPgError(err)
	}
	b, err := s.GetBot(ctx, id)
	if err != nil {
		return Bot{}, err
	}
	if tag.RowsAffected() == 0 {
		return b, apperr.ErrInvalidState
	}
	return b, nil
}

// SaveBotState persists accumulators, config state and grid levels. Status and
// last error are owned by TransitionBot and left untouched.
func (s *Store) SaveBotState(ctx context.Context, b Bot) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE trading_bots
			SET invested_amount = $2, total_pnl = $3, updated_at = now()
			WHERE id = $1
		`, b.ID, b.InvestedAmount.String(), b.TotalPnL.String())
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return apperr.ErrBotNotFound
		}
		return saveBotConfig(ctx, tx, b)
	})
}

func (s *Store) DeleteBot(ctx context.Context, id uuid.UUID) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		var status string
		if err := tx.QueryRow(ctx, `SELECT status FROM trading_bots WHERE id = $1 FOR UPDATE`, id).Scan(&status); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return apperr.ErrBotNotFound
			}
			return err
		}
		if BotStatus(status) != BotStopped {
			return apperr.ErrInvalidState
		}
		_, err := tx.Exec(ctx, `DELETE FROM trading_bots WHERE id = $1`, id)
		return err
	})
}

func saveBotConfig(ctx context.Context, tx pgx.Tx, b Bot) error {
	if c := b.DCA; c != nil {
		if _, err := tx.Exec(ctx, `
			INSERT INTO dca_configs (bot_id, order_amount, frequency, take_profit_pct, stop_loss_pct,
			                         trailing_tp_enabled, trailing_tp_deviation, safety_orders_enabled,
			                         max_safety_orders, safety_order_size, safety_order_step_pct,
			                         safety_order_step_scale, safety_order_volume_scale, current_avg_price,
			                         total_base_bought, total_quote_spent, active_safety_count, deal_count,
			                         trailing_peak, last_order_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
			ON CONFLICT (bot_id) DO UPDATE
			SET current_avg_price = EXCLUDED.current_avg_price, total_base_bought = EXCLUDED.total_base_bought,
			    total_quote_spent = EXCLUDED.total_quote_spent, active_safety_count = EXCLUDED.active_safety_count,
			    deal_count = EXCLUDED.deal_count, trailing_peak = EXCLUDED.trailing_peak,
			    last_order_at = EXCLUDED.last_order_at
		`, b.ID, c.OrderAmount.String(), c.Frequency, c.TakeProfitPct.String(), decimalPtrArg(c.StopLossPct),
			c.TrailingTPEnabled, c.TrailingTPDeviation.String(), c.SafetyOrdersEnabled, c.MaxSafetyOrders,
			c.SafetyOrderSize.String(), c.SafetyOrderStepPct.String(), c.SafetyOrderStepScale.String(),
			c.SafetyOrderVolumeScale.String(), c.CurrentAvgPrice.String(), c.TotalBaseBought.String(),
			c.TotalQuoteSpent.String(), c.ActiveSafetyCount, c.DealCount, c.TrailingPeak.String(), c.LastOrderAt); err != nil {
			return err
		}
	}

	if c := b.Grid; c != nil {
		if _, err := tx.Exec(ctx, `
			INSERT INTO grid_configs (bot_id, upper_price, lower_price, grid_count, grid_type, total_investment,
			                          per_grid_amount, strategy, grid_profit, float_pnl, completed_cycles)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (bot_id) DO UPDATE
			SET grid_profit = EXCLUDED.grid_profit, float_pnl = EXCLUDED.float_pnl,
			    completed_cycles = EXCLUDED.completed_cycles
		`, b.ID, c.UpperPrice.String(), c.LowerPrice.String(), c.GridCount, string(c.GridType),
			c.TotalInvestment.String(), c.PerGridAmount.String(), string(c.Strategy), c.GridProfit.String(),
			c.FloatPnL.String(), c.CompletedCycles); err != nil {
			return err
		}

		batch := &pgx.Batch{}
		for _, lvl := range c.Levels {
			batch.Queue(`
				INSERT INTO grid_levels (bot_id, level_index, price, buy_filled, sell_filled, buy_price, quantity)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				ON CONFLICT (bot_id, level_index) DO UPDATE
				SET buy_filled = EXCLUDED.buy_filled, sell_filled = EXCLUDED.sell_filled,
				    buy_price = EXCLUDED.buy_price, quantity = EXCLUDED.quantity
			`, b.ID, lvl.Index, lvl.Price.String(), lvl.BuyFilled, lvl.SellFilled, lvl.BuyPrice.String(), lvl.Quantity.String())
		}
		if batch.Len() > 0 {
			if err := tx.SendBatch(ctx, batch).Close(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Store) loadBotConfig(ctx context.Context, b *Bot) error {
	switch b.Type {
	case BotDCA:
		cfg, err := s.loadDCAConfig(ctx, b.ID)
		if err != nil {
			return err
		}
		b.DCA = cfg
	case BotGrid:
		cfg, err := s.loadGridConfig(ctx, b.ID)
		if err != nil {
			return err
		}
		b.Grid = cfg
	}
	return nil
}

func (s *Store) loadDCAConfig(ctx context.Context, botID uuid.UUID) (*DCAConfig, error) {
	var (
		c                                                 DCAConfig
		orderAmount, tp, deviation, size, step, stepScale string
		volScale, avg, base, quote, peak                  string
		stopLoss                                          *string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT order_amount::text, frequency, take_profit_pct::text, stop_loss_pct::text, trailing_tp_enabled,
		       trailing_tp_deviation::text, safety_orders_enabled, max_safety_orders, safety_order_size::text,
		       safety_order_step_pct::text, safety_order_step_scale::text, safety_order_volume_scale::text,
		       current_avg_price::text, total_base_bought::text, total_quote_spent::text, active_safety_count,
		       deal_count, trailing_peak::text, last_order_at
		FROM dca_configs
		WHERE bot_id = $1
	`, botID).Scan(&orderAmount, &c.Frequency, &tp, &stopLoss, &c.TrailingTPEnabled, &deviation,
		&c.SafetyOrdersEnabled, &c.MaxSafetyOrders, &size, &step, &stepScale, &volScale, &avg, &base, &quote,
		&c.ActiveSafetyCount, &c.DealCount, &peak, &c.LastOrderAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	for _, f := range []struct {
		raw  string
		dst  *decimal.Decimal
		name string
	}{
		{orderAmount, &c.OrderAmount, "order_amount"},
		{tp, &c.TakeProfitPct, "take_profit_pct"},
		{deviation, &c.TrailingTPDeviation, "trailing_tp_deviation"},
		{size, &c.SafetyOrderSize, "safety_order_size"},
		{step, &c.SafetyOrderStepPct, "safety_order_step_pct"},
		{stepScale, &c.SafetyOrderStepScale, "safety_order_step_scale"},
		{volScale, &c.SafetyOrderVolumeScale, "safety_order_volume_scale"},
		{avg, &c.CurrentAvgPrice, "current_avg_price"},
		{base, &c.TotalBaseBought, "total_base_bought"},
		{quote, &c.TotalQuoteSpent, "total_quote_spent"},
		{peak, &c.TrailingPeak, "trailing_peak"},
	} {
		if *f.dst, err = parseDecimal(f.raw, f.name); err != nil {
			return nil, err
		}
	}
	if c.StopLossPct, err = parseDecimalPtr(stopLoss, "stop_loss_pct"); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) loadGridConfig(ctx context.Context, botID uuid.UUID) (*GridConfig, error) {
	var (
		c                                             GridConfig
		gridType, strategy                            string
		upper, lower, total, perGrid, profit, floatPn string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT upper_price::text, lower_price::text, grid_count, grid_type, total_investment::text,
		       per_grid_amount::text, strategy, grid_profit::text, float_pnl::text, completed_cycles
		FROM grid_configs
		WHERE bot_id = $1
	`, botID).Scan(&upper, &lower, &c.GridCount, &gridType, &total, &perGrid, &strategy, &profit, &floatPn, &c.CompletedCycles)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	c.GridType = GridType(gridType)
	c.Strategy = GridStrategy(strategy)
	for _, f := range []struct {
		raw  string
		dst  *decimal.Decimal
		name string
	}{
		{upper, &c.UpperPrice, "upper_price"},
		{lower, &c.LowerPrice, "lower_price"},
		{total, &c.TotalInvestment, "total_investment"},
		{perGrid, &c.PerGridAmount, "per_grid_amount"},
		{profit, &c.GridProfit, "grid_profit"},
		{floatPn, &c.FloatPnL, "float_pnl"},
	} {
		if *f.dst, err = parseDecimal(f.raw, f.name); err != nil {
			return nil, err
		}
	}

	rows, err := s.pool.Query(ctx, `
		SELECT level_index, price::text, buy_filled, sell_filled, buy_price::text, quantity::text
		FROM grid_levels
		WHERE bot_id = $1
		ORDER BY level_index
	`, botID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			lvl                  GridLevel
			price, buyPrice, qty string
		)
		if err := rows.Scan(&lvl.Index, &price, &lvl.BuyFilled, &lvl.SellFilled, &buyPrice, &qty); err != nil {
			return nil, err
		}
		if lvl.Price, err = parseDecimal(price, "price"); err != nil {
			return nil, err
		}
		if lvl.BuyPrice, err = parseDecimal(buyPrice, "buy_price"); err != nil {
			return nil, err
		}
		if lvl.Quantity, err = parseDecimal(qty, "quantity"); err != nil {
			return nil, err
		}
		c.Levels = append(c.Levels, lvl)
	}
	return &c, rows.Err()
}

func scanBot(row pgx.Row) (Bot, error) {
	var (
		b               Bot
		botType, status string
		invested, pnl   string
	)
	if err := row.Scan(&b.ID, &b.UserID, &botType, &b.Pair, &status, &invested, &pnl, &b.LastError, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return Bot{}, err
	}
	b.Type = BotType(botType)
	b.Status = BotStatus(status)
	var err error
	if b.InvestedAmount, err = parseDecimal(invested, "invested_amount"); err != nil {
		return Bot{}, err
	}
	if b.TotalPnL, err = parseDecimal(pnl, "total_pnl"); err != nil {
		return Bot{}, err
	}
	return b, nil
}

const botOrderColumns = `id, bot_id, kind, side, price::text, quote_amount::text, base_quantity::text,
	level_index, status, idempotency_key, error, created_at, updated_at`

// CreateBotOrder is idempotent on the order's idempotency key.
func (s *Store) CreateBotOrder(ctx context.Context, o BotOrder) error {
	now := time.Now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = now
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO bot_orders (id, bot_id, kind, side, price, quote_amount, base_quantity, level_index,
		                        status, idempotency_key, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, o.ID, o.BotID, o.Kind, string(o.Side), o.Price.String(), o.QuoteAmount.String(), o.BaseQuantity.String(),
		o.LevelIndex, string(o.Status), o.IdempotencyKey, o.Error, o.CreatedAt, o.UpdatedAt)
	return mapPgError(err)
}

func (s *Store) UpdateBotOrder(ctx context.Context, id uuid.UUID, status BotOrderStatus, errMsg string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE bot_orders SET status = $2, error = $3, updated_at = now() WHERE id = $1
	`, id, string(status), errMsg)
	if err != nil {
		return mapPgError(err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

// FillBotOrder saves the bot's folded state and marks the pending order filled
// in one transaction. The order row is locked first so a concurrent fill of the
// same order sees ErrAlreadyClosed instead of folding twice.
func (s *Store) FillBotOrder(ctx context.Context, b Bot, orderID uuid.UUID) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		var status string
		if err := tx.QueryRow(ctx, `SELECT status FROM bot_orders WHERE id = $1 FOR UPDATE`, orderID).Scan(&status); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return apperr.ErrNotFound
			}
			return err
		}
		if BotOrderStatus(status) != BotOrderPending {
			return apperr.ErrAlreadyClosed
		}
		tag, err := tx.Exec(ctx, `
			UPDATE trading_bots
			SET invested_amount = $2, total_pnl = $3, updated_at = now()
			WHERE id = $1
		`, b.ID, b.InvestedAmount.String(), b.TotalPnL.String())
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return apperr.ErrBotNotFound
		}
		if err := saveBotConfig(ctx, tx, b); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE bot_orders SET status = $2, error = '', updated_at = now() WHERE id = $1
		`, orderID, string(BotOrderFilled))
		return err
	})
}

func (s *Store) ListPendingBotOrders(ctx context.Context, botID uuid.UUID) ([]BotOrder, error) {
	return s.queryBotOrders(ctx, `SELECT `+botOrderColumns+` FROM bot_orders WHERE bot_id = $1 AND status = 'pending' ORDER BY created_at`, botID)
}

func (s *Store) ListBotOrders(ctx context.Context, botID uuid.UUID) ([]BotOrder, error) {
	return s.queryBotOrders(ctx, `SELECT `+botOrderColumns+` FROM bot_orders WHERE bot_id = $1 ORDER BY created_at`, botID)
}

func (s *Store) queryBotOrders(ctx context.Context, sql string, args ...any) ([]BotOrder, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BotOrder
	for rows.Next() {
		var (
			o                  BotOrder
			side, status       string
			price, quote, base string
		)
		if err := rows.Scan(&o.ID, &o.BotID, &o.Kind, &side, &price, &quote, &base, &o.LevelIndex,
			&status, &o.IdempotencyKey, &o.Error, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		o.Side = Side(side)
		o.Status = BotOrderStatus(status)
		if o.Price, err = parseDecimal(price, "price"); err != nil {
			return nil, err
		}
		if o.QuoteAmount, err = parseDecimal(quote, "quote_amount"); err != nil {
			return nil, err
		}
		if o.BaseQuantity, err = parseDecimal(base, "base_quantity"); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *Store) AppendBotActivity(ctx context.Context, a BotActivity) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO bot_activity_log (id, bot_id, action, details, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, a.ID, a.BotID, a.Action, a.Details, a.CreatedAt)
	return err
}

func (s *Store) ListBotActivity(ctx context.Context, botID uuid.UUID, limit int) ([]BotActivity, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, bot_id, action, details, created_at
		FROM bot_activity_log
		WHERE bot_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, botID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BotActivity
	for rows.Next() {
		var a BotActivity
		if err := rows.Scan(&a.ID, &a.BotID, &a.Action, &a.Details, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
