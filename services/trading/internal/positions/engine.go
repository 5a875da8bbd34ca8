// Package positions runs the margin position lifecycle: open, mark-to-market,
// trigger evaluation and close. Balance changes go through the ledger only.
package positions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/AfshinJalili/tradedesk/libs/trace"
	"github.com/AfshinJalili/tradedesk/services/trading/internal/apperr"
	"github.com/AfshinJalili/tradedesk/services/trading/internal/market"
	"github.com/AfshinJalili/tradedesk/services/trading/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

const (
	tracerName = "trading/positions"

	openKeyPrefix     = "position-open:"
	reversalKeyPrefix = "position-open-reversal:"
	closeKeyPrefix    = "position-close:"

	defaultCloseConcurrency = 8
	pnlScale                = 8
)

type Ledger interface {
	GetBalance(ctx context.Context, userID uuid.UUID) (storage.Account, error)
	ApplyWithRetry(ctx context.Context, req storage.MutationRequest) (storage.MutationResult, error)
	LookupIdempotent(ctx context.Context, userID uuid.UUID, key string) (*storage.MutationResult, error)
}

type Store interface {
	CreatePosition(ctx context.Context, p storage.Position) error
	GetPosition(ctx context.Context, id uuid.UUID) (storage.Position, error)
	ListOpenPositions(ctx context.Context) ([]storage.Position, error)
	ListUserPositions(ctx context.Context, userID uuid.UUID) ([]storage.Position, error)
	ClosePosition(ctx context.Context, id uuid.UUID, c storage.PositionClose) (storage.Position, error)
	ApplySpotFill(ctx context.Context, fill storage.SpotFill) (storage.SpotFillResult, error)
	GetSpotHolding(ctx context.Context, userID uuid.UUID, symbol string) (storage.SpotHolding, error)
}

// Instruments resolves per-symbol trading limits. A symbol it does not know
// trades with the engine defaults.
type Instruments interface {
	Instrument(symbol string) (storage.Instrument, bool)
}

type Options struct {
	DefaultSpreadRate decimal.Decimal
	MaxLeverage       map[storage.AssetClass]decimal.Decimal
	CloseConcurrency  int
}

type Engine struct {
	store       Store
	ledger      Ledger
	instruments Instruments
	rates       *market.Snapshot
	opts        Options
	logger      *slog.Logger
	metrics     *Metrics
	now         func() time.Time

	mu       sync.RWMutex
	open     map[string]map[uuid.UUID]*tracked
	lastTick map[string]time.Time

	// unsettled holds closed positions whose trade_close failed.
	pendingMu sync.Mutex
	unsettled map[uuid.UUID]storage.Position
}

// tracked is an open position plus its last mark. The mark is never persisted.
type tracked struct {
	position storage.Position
	floating decimal.Decimal
	price    decimal.Decimal
}

func NewEngine(store Store, ledger Ledger, instruments Instruments, rates *market.Snapshot, logger *slog.Logger, metrics *Metrics, opts Options) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if rates == nil {
		rates = market.NewSnapshot()
	}
	if opts.CloseConcurrency <= 0 {
		opts.CloseConcurrency = defaultCloseConcurrency
	}
	return &Engine{
		store:       store,
		ledger:      ledger,
		instruments: instruments,
		rates:       rates,
		opts:        opts,
		logger:      logger,
		metrics:     metrics,
		now:         func() time.Time { return time.Now().UTC() },
		open:        map[string]map[uuid.UUID]*tracked{},
		lastTick:    map[string]time.Time{},
		unsettled:   map[uuid.UUID]storage.Position{},
	}
}

// Load rebuilds the mark-to-market index from the store.
func (e *Engine) Load(ctx context.Context) (int, error) {
	positions, err := e.store.ListOpenPositions(ctx)
	if err != nil {
		return 0, fmt.Errorf("load open positions: %w", err)
	}
	e.mu.Lock()
	e.open = map[string]map[uuid.UUID]*tracked{}
	for _, p := range positions {
		e.trackLocked(p)
	}
	n := e.countLocked()
	e.mu.Unlock()
	e.metrics.setOpen(n)
	return n, nil
}

type OpenRequest struct {
	UserID         uuid.UUID          `json:"user_id" validate:"required"`
	Symbol         string             `json:"symbol" validate:"required"`
	AssetClass     storage.AssetClass `json:"asset_class" validate:"omitempty,oneof=crypto forex stock"`
	Direction      storage.Direction  `json:"direction" validate:"required,oneof=long short"`
	Investment     decimal.Decimal    `json:"investment" validate:"gt=0"`
	Multiplier     decimal.Decimal    `json:"multiplier" validate:"gte=1"`
	Price          decimal.Decimal    `json:"price" validate:"gt=0"`
	StopLoss       *decimal.Decimal   `json:"stop_loss,omitempty"`
	TakeProfit     *decimal.Decimal   `json:"take_profit,omitempty"`
	IdempotencyKey string             `json:"idempotency_key,omitempty"`
}

// Open posts the spread fee and locks the investment in one ledger mutation,
// then persists the position. A retried request with the same idempotency key
// returns the position created the first time.
func (e *Engine) Open(ctx context.Context, req OpenRequest) (pos storage.Position, err error) {
	ctx, span := trace.Start(ctx, tracerName, "positions.Open",
		attribute.String("user.id", req.UserID.String()),
		attribute.String("symbol", req.Symbol),
	)
	defer func() {
		e.metrics.incOpen(outcome(err))
		trace.End(span, err)
	}()

	if err := apperr.Validate(req); err != nil {
		return storage.Position{}, err
	}
	class := req.AssetClass
	inst, known := e.lookupInstrument(req.Symbol)
	if known {
		if !inst.Active {
			return storage.Position{}, apperr.Invalid("symbol %s is not tradable", inst.Symbol)
		}
		class = inst.AssetClass
	}
	if class == "" {
		class = storage.AssetCrypto
	}
	pair, err := market.ParseSymbol(req.Symbol, class)
	if err != nil {
		return storage.Position{}, err
	}
	if err := e.checkLeverage(class, inst, known, req.Multiplier); err != nil {
		return storage.Position{}, err
	}
	if err := market.ValidateProtection(req.Direction, req.Price, req.StopLoss, req.TakeProfit); err != nil {
		return storage.Position{}, err
	}

	id := uuid.New()
	if req.IdempotencyKey != "" {
		id = positionID(req.UserID, req.IdempotencyKey)
		if existing, err := e.store.GetPosition(ctx, id); err == nil {
			return existing, nil
		} else if !errors.Is(err, apperr.ErrPositionNotFound) {
			return storage.Position{}, err
		}
	}

	acct, err := e.ledger.GetBalance(ctx, req.UserID)
	if err != nil {
		return storage.Position{}, err
	}
	exposure := market.Exposure{
		Pair:            pair,
		Direction:       req.Direction,
		Investment:      req.Investment,
		Multiplier:      req.Multiplier,
		EntryPrice:      req.Price,
		AccountCurrency: strings.ToUpper(acct.Currency),
	}
	// A position that cannot be marked in the account currency is refused up front.
	if _, err := market.FloatingPnL(exposure, req.Price, e.rates); err != nil {
		return storage.Position{}, apperr.Invalid("%v", err)
	}

	spreadRate := e.opts.DefaultSpreadRate
	if known && !inst.SpreadRate.IsZero() {
		spreadRate = inst.SpreadRate
	}
	fee := market.SpreadFee(req.Investment, req.Multiplier, spreadRate).Round(pnlScale)

	pos = storage.Position{
		ID:               id,
		UserID:           req.UserID,
		Symbol:           pair.String(),
		AssetClass:       class,
		Direction:        req.Direction,
		Investment:       req.Investment,
		Multiplier:       req.Multiplier,
		EntryPrice:       req.Price,
		LiquidationPrice: market.LiquidationPrice(exposure).Round(pnlScale),
		StopLoss:         req.StopLoss,
		TakeProfit:       req.TakeProfit,
		SpreadCost:       fee,
		AccountCurrency:  exposure.AccountCurrency,
		Status:           storage.PositionOpen,
		OpenedAt:         e.now(),
	}

	_, err = e.ledger.ApplyWithRetry(ctx, storage.MutationRequest{
		UserID:         req.UserID,
		Amount:         fee.Neg(),
		LockDelta:      req.Investment,
		Type:           storage.MutationTradeOpen,
		Description:    fmt.Sprintf("open %s %s x%s", req.Direction, pos.Symbol, req.Multiplier),
		ReferenceID:    id.String(),
		IdempotencyKey: openKeyPrefix + id.String(),
	})
	if err != nil {
		return storage.Position{}, err
	}
	// A replayed open whose first attempt was reversed carries no debit and
	// no lock; the key cannot open a position again.
	if err := e.refuseReversed(ctx, req.UserID, reversalKeyPrefix+id.String()); err != nil {
		return storage.Position{}, err
	}

	if err := e.store.CreatePosition(ctx, pos); err != nil {
		// A concurrent retry under the same key may have created it first.
		if existing, getErr := e.store.GetPosition(ctx, id); getErr == nil {
			return existing, nil
		}
		e.reverseOpen(ctx, pos)
		return storage.Position{}, fmt.Errorf("persist position: %w", err)
	}

	e.track(pos)
	e.logger.Info("position opened",
		"position_id", pos.ID,
		"user_id", pos.UserID,
		"symbol", pos.Symbol,
		"direction", pos.Direction,
		"investment", pos.Investment.String(),
		"multiplier", pos.Multiplier.String(),
		"liquidation_price", pos.LiquidationPrice.String(),
	)
	return pos, nil
}

// refuseReversed fails with ErrInvalidState when the compensating mutation
// under key has been applied.
func (e *Engine) refuseReversed(ctx context.Context, userID uuid.UUID, key string) error {
	prior, err := e.ledger.LookupIdempotent(ctx, userID, key)
	if err != nil {
		return fmt.Errorf("check reversal: %w", err)
	}
	if prior != nil {
		return fmt.Errorf("%w: request was reversed after a failed attempt, retry with a new key", apperr.ErrInvalidState)
	}
	return nil
}

func (e *Engine) reverseOpen(ctx context.Context, pos storage.Position) {
	_, err := e.ledger.ApplyWithRetry(context.WithoutCancel(ctx), storage.MutationRequest{
		UserID:         pos.UserID,
		Amount:         pos.SpreadCost,
		LockDelta:      pos.Investment.Neg(),
		Type:           storage.MutationReversal,
		Description:    "reverse failed position open",
		ReferenceID:    pos.ID.String(),
		IdempotencyKey: reversalKeyPrefix + pos.ID.String(),
	})
	if err != nil {
		e.logger.Error("position open reversal failed", "position_id", pos.ID, "user_id", pos.UserID, "error", err)
	}
}

type CloseRequest struct {
	PositionID uuid.UUID       `json:"position_id" validate:"required"`
	UserID     uuid.UUID       `json:"user_id" validate:"required"`
	Price      decimal.Decimal `json:"price" validate:"gt=0"`
}

// Close settles a position at the caller's price. Closing a position that is
// already closed returns it with ErrAlreadyClosed.
func (e *Engine) Close(ctx context.Context, req CloseRequest) (storage.Position, error) {
	if err := apperr.Validate(req); err != nil {
		return storage.Position{}, err
	}
	pos, err := e.store.GetPosition(ctx, req.PositionID)
	if err != nil {
		return storage.Position{}, err
	}
	if pos.UserID != req.UserID {
		return storage.Position{}, apperr.ErrPositionNotFound
	}
	if pos.Status != storage.PositionOpen {
		e.settle(ctx, pos)
		return pos, apperr.ErrAlreadyClosed
	}
	exposure, err := market.ExposureOf(pos)
	if err != nil {
		return storage.Position{}, err
	}
	pnl, err := market.FloatingPnL(exposure, req.Price, e.rates)
	if err != nil {
		return storage.Position{}, err
	}
	return e.closeAt(ctx, pos, req.Price, pnl, market.TriggerNone)
}

// closeAt records the close on the position first, then settles it through
// the ledger. The store close is the single decision point, so concurrent
// closes cannot settle different amounts.
func (e *Engine) closeAt(ctx context.Context, pos storage.Position, price, pnl decimal.Decimal, trig market.Trigger) (closed storage.Position, err error) {
	reason := string(trig)
	if reason == "" {
		reason = "manual"
	}
	ctx, span := trace.Start(ctx, tracerName, "positions.Close",
		attribute.String("position.id", pos.ID.String()),
		attribute.String("close.reason", reason),
	)
	defer func() {
		status := outcome(err)
		if errors.Is(err, apperr.ErrAlreadyClosed) {
			status = "already_closed"
		}
		e.metrics.incClose(reason, status)
		trace.End(span, err)
	}()

	final := market.ClampPnL(pnl.Round(pnlScale), pos.Investment)
	closed, err = e.store.ClosePosition(ctx, pos.ID, storage.PositionClose{
		Status:      trig.Status(),
		ExitPrice:   price,
		RealizedPnL: final,
		ClosedAt:    e.now(),
	})
	if errors.Is(err, apperr.ErrAlreadyClosed) {
		e.untrack(pos)
		e.settle(ctx, closed)
		return closed, err
	}
	if err != nil {
		return storage.Position{}, err
	}
	e.untrack(closed)

	if err := e.settle(ctx, closed); err != nil {
		return closed, err
	}
	e.logger.Info("position closed",
		"position_id", closed.ID,
		"user_id", closed.UserID,
		"reason", reason,
		"exit_price", price.String(),
		"pnl", final.String(),
	)
	return closed, nil
}

// settle posts the trade_close for a closed position. The idempotency key
// makes it safe to call for a position that was settled before.
func (e *Engine) settle(ctx context.Context, pos storage.Position) error {
	if pos.RealizedPnL == nil {
		return nil
	}
	_, err := e.ledger.ApplyWithRetry(ctx, storage.MutationRequest{
		UserID:         pos.UserID,
		Amount:         *pos.RealizedPnL,
		LockDelta:      pos.Investment.Neg(),
		Type:           storage.MutationTradeClose,
		Description:    fmt.Sprintf("close %s %s (%s)", pos.Direction, pos.Symbol, pos.Status),
		ReferenceID:    pos.ID.String(),
		IdempotencyKey: closeKeyPrefix + pos.ID.String(),
	})
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	if err != nil {
		e.unsettled[pos.ID] = pos
		e.logger.Error("position settlement failed", "position_id", pos.ID, "user_id", pos.UserID, "error", err)
		return fmt.Errorf("settle position %s: %w", pos.ID, err)
	}
	delete(e.unsettled, pos.ID)
	return nil
}

// RetryUnsettled re-posts trade_close for positions whose settlement failed.
func (e *Engine) RetryUnsettled(ctx context.Context) int {
	e.pendingMu.Lock()
	pending := make([]storage.Position, 0, len(e.unsettled))
	for _, p := range e.unsettled {
		pending = append(pending, p)
	}
	e.pendingMu.Unlock()

	settled := 0
	for _, p := range pending {
		if ctx.Err() != nil {
			break
		}
		if e.settle(ctx, p) == nil {
			settled++
		}
	}
	return settled
}

// View is a position with its current mark.
type View struct {
	storage.Position
	CurrentPrice *decimal.Decimal `json:"current_price,omitempty"`
	FloatingPnL  *decimal.Decimal `json:"floating_pnl,omitempty"`
}

// List returns the user's positions, marking open ones against the last
// known price.
func (e *Engine) List(ctx context.Context, userID uuid.UUID) ([]View, error) {
	positions, err := e.store.ListUserPositions(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]View, 0, len(positions))
	for _, p := range positions {
		v := View{Position: p}
		if p.Status == storage.PositionOpen {
			if price, ok := e.rates.Price(p.Symbol); ok {
				if exposure, err := market.ExposureOf(p); err == nil {
					if pnl, err := market.FloatingPnL(exposure, price, e.rates); err == nil {
						v.CurrentPrice = &price
						v.FloatingPnL = &pnl
					}
				}
			}
		}
		out = append(out, v)
	}
	return out, nil
}

func (e *Engine) Get(ctx context.Context, id uuid.UUID) (storage.Position, error) {
	return e.store.GetPosition(ctx, id)
}

func (e *Engine) lookupInstrument(symbol string) (storage.Instrument, bool) {
	if e.instruments == nil {
		return storage.Instrument{}, false
	}
	return e.instruments.Instrument(symbol)
}

func (e *Engine) checkLeverage(class storage.AssetClass, inst storage.Instrument, known bool, multiplier decimal.Decimal) error {
	limit := e.opts.MaxLeverage[class]
	if known && inst.MaxLeverage.IsPositive() {
		limit = inst.MaxLeverage
	}
	if limit.IsPositive() && multiplier.GreaterThan(limit) {
		return apperr.Invalid("multiplier %s exceeds maximum %s for %s", multiplier, limit, class)
	}
	return nil
}

// positionID derives the position id from the caller's idempotency key.
func positionID(userID uuid.UUID, key string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("position|"+userID.String()+"|"+key))
}

func outcome(err error) string {
	if err == nil {
		return "success"
	}
	return strings.ToLower(string(apperr.CodeOf(err)))
}
