package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AfshinJalili/tradedesk/services/trading/internal/apperr"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const positionSelect = `
	SELECT id, user_id, symbol, asset_class, direction, investment::text, multiplier::text,
	       entry_price::text, liquidation_price::text, stop_loss::text, take_profit::text,
	       spread_cost::text, account_currency, status, opened_at, closed_at,
	       exit_price::text, realized_pnl::text
	FROM positions`

func (s *Store) CreatePosition(ctx context.Context, p Position) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO positions (id, user_id, symbol, asset_class, direction, investment, multiplier,
		                       entry_price, liquidation_price, stop_loss, take_profit, spread_cost,
		                       account_currency, status, opened_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, p.ID, p.UserID, p.Symbol, string(p.AssetClass), string(p.Direction), p.Investment.String(), p.Multiplier.String(),
		p.EntryPrice.String(), p.LiquidationPrice.String(), decimalPtrArg(p.StopLoss), decimalPtrArg(p.TakeProfit),
		p.SpreadCost.String(), p.AccountCurrency, string(p.Status), p.OpenedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.Invalid("position %s already exists", p.ID)
		}
		return mapPgError(err)
	}
	return nil
}

func (s *Store) GetPosition(ctx context.Context, id uuid.UUID) (Position, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx, positionSelect+` WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Position{}, apperr.ErrPositionNotFound
		}
		return Position{}, err
	}
	return p, nil
}

func (s *Store) ListOpenPositions(ctx context.Context) ([]Position, error) {
	return s.queryPositions(ctx, positionSelect+` WHERE status = 'open' ORDER BY opened_at`)
}

func (s *Store) ListUserPositions(ctx context.Context, userID uuid.UUID) ([]Position, error) {
	return s.queryPositions(ctx, positionSelect+` WHERE user_id = $1 ORDER BY opened_at`, userID)
}

func (s *Store) queryPositions(ctx context.Context, sql string, args ...any) ([]Position, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ClosePosition transitions an open position exactly once. A second close
// returns the stored row with ErrAlreadyClosed.
func (s *Store) ClosePosition(ctx context.Context, id uuid.UUID, c PositionClose) (Position, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx, `
		UPDATE positions
		SET status = $2, exit_price = $3, realized_pnl = $4, closed_at = $5
		WHERE id = $1 AND status = 'open'
		RETURNING id, user_id, symbol, asset_class, direction, investment::text, multiplier::text,
		          entry_price::text, liquidation_price::text, stop_loss::text, take_profit::text,
		          spread_cost::text, account_currency, status, opened_at, closed_at,
		          exit_price::text, realized_pnl::text
	`, id, string(c.Status), c.ExitPrice.String(), c.RealizedPnL.String(), c.ClosedAt))
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Position{}, mapPgError(err)
	}

	current, err := s.GetPosition(ctx, id)
	if err != nil {
		return Position{}, err
	}
	return current, apperr.ErrAlreadyClosed
}

func scanPosition(row pgx.Row) (Position, error) {
	var (
		p                                                  Position
		assetClass, direction, status                      string
		investment, multiplier, entry, liquidation, spread string
		stopLoss, takeProfit, exitPrice, realized          *string
	)
	if err := row.Scan(&p.ID, &p.UserID, &p.Symbol, &assetClass, &direction, &investment, &multiplier,
		&entry, &liquidation, &stopLoss, &takeProfit, &spread, &p.AccountCurrency, &status, &p.OpenedAt,
		&p.ClosedAt, &exitPrice, &realized); err != nil {
		return Position{}, err
	}
	p.AssetClass = AssetClass(assetClass)
	p.Direction = Direction(direction)
	p.Status = PositionStatus(status)

	var err error
	if p.Investment, err = parseDecimal(investment, "investment"); err != nil {
		return Position{}, err
	}
	if p.Multiplier, err = parseDecimal(multiplier, "multiplier"); err != nil {
		return Position{}, err
	}
	if p.EntryPrice, err = parseDecimal(entry, "entry_price"); err != nil {
		return Position{}, err
	}
	if p.LiquidationPrice, err = parseDecimal(liquidation, "liquidation_price"); err != nil {
		return Position{}, err
	}
	if p.SpreadCost, err = parseDecimal(spread, "spread_cost"); err != nil {
		return Position{}, err
	}
	if p.StopLoss, err = parseDecimalPtr(stopLoss, "stop_loss"); err != nil {
		return Position{}, err
	}
	if p.TakeProfit, err = parseDecimalPtr(takeProfit, "take_profit"); err != nil {
		return Position{}, err
	}
	if p.ExitPrice, err = parseDecimalPtr(exitPrice, "exit_price"); err != nil {
		return Position{}, err
	}
	if p.RealizedPnL, err = parseDecimalPtr(realized, "realized_pnl"); err != nil {
		return Position{}, err
	}
	return p, nil
}

// ApplySpotFill records the fill and updates the holding in one transaction.
// Replaying a fill ID returns the original result marked Duplicate.
func (s *Store) ApplySpotFill(ctx context.Context, fill SpotFill) (SpotFillResult, error) {
	var res SpotFillResult
	symbol := strings.ToUpper(fill.Symbol)
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, holdingKey(fill.UserID, symbol)); err != nil {
			return err
		}

		var filledStr, releasedStr string
		err := tx.QueryRow(ctx, `SELECT filled::text, cost_released::text FROM spot_fills WHERE id = $1`, fill.ID).
			Scan(&filledStr, &releasedStr)
		if err == nil {
			holding, err := getHolding(ctx, tx, fill.UserID, symbol, false)
			if err != nil {
				return err
			}
			res.Holding = holding
			res.Duplicate = true
			if res.Filled, err = parseDecimal(filledStr, "filled"); err != nil {
				return err
			}
			res.CostReleased, err = parseDecimal(releasedStr, "cost_released")
			return err
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}

		holding, err := getHolding(ctx, tx, fill.UserID, symbol, true)
		if err != nil {
			return err
		}
		res, err = applySpotFill(holding, fill, time.Now().UTC())
		if err != nil {
			return err
		}
		h := res.Holding

		if _, err := tx.Exec(ctx, `
			INSERT INTO spot_holdings (user_id, symbol, quantity, average_price, total_cost_basis, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (user_id, symbol) DO UPDATE
			SET quantity = EXCLUDED.quantity, average_price = EXCLUDED.average_price,
			    total_cost_basis = EXCLUDED.total_cost_basis, updated_at = EXCLUDED.updated_at
		`, h.UserID, h.Symbol, h.Quantity.String(), h.AveragePrice.String(), h.TotalCostBasis.String(), h.UpdatedAt); err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO spot_fills (id, user_id, symbol, side, quantity, price, filled, cost_released)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, fill.ID, fill.UserID, symbol, string(fill.Side), fill.Quantity.String(), fill.Price.String(),
			res.Filled.String(), res.CostReleased.String())
		return err
	})
	if err != nil {
		return SpotFillResult{}, err
	}
	return res, nil
}

func (s *Store) GetSpotHolding(ctx context.Context, userID uuid.UUID, symbol string) (SpotHolding, error) {
	return getHolding(ctx, s.pool, userID, strings.ToUpper(symbol), false)
}

func getHolding(ctx context.Context, q querier, userID uuid.UUID, symbol string, forUpdate bool) (SpotHolding, error) {
	sql := `
		SELECT quantity::text, average_price::text, total_cost_basis::text, updated_at
		FROM spot_holdings
		WHERE user_id = $1 AND symbol = $2`
	if forUpdate {
		sql += ` FOR UPDATE`
	}

	h := SpotHolding{UserID: userID, Symbol: symbol}
	var qty, avg, basis string
	if err := q.QueryRow(ctx, sql, userID, symbol).Scan(&qty, &avg, &basis, &h.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return h, nil
		}
		return SpotHolding{}, err
	}
	var err error
	if h.Quantity, err = parseDecimal(qty, "quantity"); err != nil {
		return SpotHolding{}, err
	}
	if h.AveragePrice, err = parseDecimal(avg, "average_price"); err != nil {
		return SpotHolding{}, err
	}
	if h.TotalCostBasis, err = parseDecimal(basis, "total_cost_basis"); err != nil {
		return SpotHolding{}, err
	}
	return h, nil
}

func (s *Store) UpsertInstrument(ctx context.Context, inst Instrument) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO instruments (symbol, asset_class, max_leverage, spread_rate, active)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (symbol) DO UPDATE
		SET asset_class = EXCLUDED.asset_class, max_leverage = EXCLUDED.max_leverage,
		    spread_rate = EXCLUDED.spread_rate, active = EXCLUDED.active
	`, strings.ToUpper(inst.Symbol), string(inst.AssetClass), inst.MaxLeverage.String(), inst.SpreadRate.String(), inst.Active)
	return err
}

func (s *Store) ListInstruments(ctx context.Context) ([]Instrument, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT symbol, asset_class, max_leverage::text, spread_rate::text, active
		FROM instruments
		WHERE active = TRUE
		ORDER BY symbol
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Instrument
	for rows.Next() {
		var (
			inst                  Instrument
			class, lev, spreadStr string
		)
		if err := rows.Scan(&inst.Symbol, &class, &lev, &spreadStr, &inst.Active); err != nil {
			return nil, err
		}
		inst.AssetClass = AssetClass(class)
		if inst.MaxLeverage, err = parseDecimal(lev, "max_leverage"); err != nil {
			return nil, err
		}
		if inst.SpreadRate, err = parseDecimal(spreadStr, "spread_rate"); err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list instruments: %w", err)
	}
	return out, nil
}
