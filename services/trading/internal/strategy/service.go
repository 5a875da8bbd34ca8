// Package strategy owns DCA and grid bots: their configuration, lifecycle and
// the per-bot tasks that turn prices and schedules into spot orders.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AfshinJalili/tradedesk/libs/trace"
	"github.com/AfshinJalili/tradedesk/services/trading/internal/apperr"
	"github.com/AfshinJalili/tradedesk/services/trading/internal/feed"
	"github.com/AfshinJalili/tradedesk/services/trading/internal/market"
	"github.com/AfshinJalili/tradedesk/services/trading/internal/positions"
	"github.com/AfshinJalili/tradedesk/services/trading/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

const tracerName = "trading/strategy"

type Store interface {
	CreateBot(ctx context.Context, b storage.Bot) error
	GetBot(ctx context.Context, id uuid.UUID) (storage.Bot, error)
	ListBots(ctx context.Context, userID uuid.UUID) ([]storage.Bot, error)
	ListBotsByStatus(ctx context.Context, statuses ...storage.BotStatus) ([]storage.Bot, error)
	TransitionBot(ctx context.Context, id uuid.UUID, from []storage.BotStatus, to storage.BotStatus, lastError string) (storage.Bot, error)
	SaveBotState(ctx context.Context, b storage.Bot) error
	DeleteBot(ctx context.Context, id uuid.UUID) error
	CreateBotOrder(ctx context.Context, o storage.BotOrder) error
	UpdateBotOrder(ctx context.Context, id uuid.UUID, status storage.BotOrderStatus, errMsg string) error
	FillBotOrder(ctx context.Context, b storage.Bot, orderID uuid.UUID) error
	ListPendingBotOrders(ctx context.Context, botID uuid.UUID) ([]storage.BotOrder, error)
	ListBotOrders(ctx context.Context, botID uuid.UUID) ([]storage.BotOrder, error)
	AppendBotActivity(ctx context.Context, a storage.BotActivity) error
	ListBotActivity(ctx context.Context, botID uuid.UUID, limit int) ([]storage.BotActivity, error)
}

// Trader executes spot orders. Fill ids make retries safe.
type Trader interface {
	BuySpot(ctx context.Context, order positions.SpotOrder) (positions.SpotResult, error)
	SellSpot(ctx context.Context, order positions.SpotOrder) (positions.SpotResult, error)
}

type Feed interface {
	Subscribe(symbol string) *feed.Subscription
}

type Prices interface {
	Price(symbol string) (decimal.Decimal, bool)
}

type Options struct {
	GridFeeRate        decimal.Decimal
	OrderRatePerSecond float64
	OrderBurst         int
	OrderTimeout       time.Duration
}

type Engine struct {
	store   Store
	trader  Trader
	feed    Feed
	prices  Prices
	opts    Options
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time

	mu     sync.Mutex
	tasks  map[uuid.UUID]*task
	closed bool
}

func NewEngine(store Store, trader Trader, hub Feed, prices Prices, logger *slog.Logger, metrics *Metrics, opts Options) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.OrderRatePerSecond <= 0 {
		opts.OrderRatePerSecond = 5
	}
	if opts.OrderBurst <= 0 {
		opts.OrderBurst = 1
	}
	if opts.OrderTimeout <= 0 {
		opts.OrderTimeout = 30 * time.Second
	}
	return &Engine{
		store:   store,
		trader:  trader,
		feed:    hub,
		prices:  prices,
		opts:    opts,
		logger:  logger,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
		tasks:   map[uuid.UUID]*task{},
	}
}

type DCARequest struct {
	OrderAmount            decimal.Decimal  `json:"order_amount" validate:"gt=0"`
	Frequency              string           `json:"frequency" validate:"required"`
	TakeProfitPct          decimal.Decimal  `json:"take_profit_pct" validate:"gt=0"`
	StopLossPct            *decimal.Decimal `json:"stop_loss_pct,omitempty"`
	TrailingTPEnabled      bool             `json:"trailing_tp_enabled"`
	TrailingTPDeviation    decimal.Decimal  `json:"trailing_tp_deviation" validate:"gte=0"`
	SafetyOrdersEnabled    bool             `json:"safety_orders_enabled"`
	MaxSafetyOrders        int              `json:"max_safety_orders" validate:"gte=0,lte=50"`
	SafetyOrderSize        decimal.Decimal  `json:"safety_order_size" validate:"gte=0"`
	SafetyOrderStepPct     decimal.Decimal  `json:"safety_order_step_pct" validate:"gte=0"`
	SafetyOrderStepScale   decimal.Decimal  `json:"safety_order_step_scale" validate:"gte=0"`
	SafetyOrderVolumeScale decimal.Decimal  `json:"safety_order_volume_scale" validate:"gte=0"`
}

type GridRequest struct {
	UpperPrice      decimal.Decimal      `json:"upper_price" validate:"gt=0"`
	LowerPrice      decimal.Decimal      `json:"lower_price" validate:"gt=0"`
	GridCount       int                  `json:"grid_count" validate:"gte=2,lte=200"`
	GridType        storage.GridType     `json:"grid_type" validate:"omitempty,oneof=arithmetic geometric"`
	TotalInvestment decimal.Decimal      `json:"total_investment" validate:"gt=0"`
	Strategy        storage.GridStrategy `json:"strategy" validate:"omitempty,oneof=neutral long short"`
}

type CreateBotRequest struct {
	UserID uuid.UUID       `json:"user_id" validate:"required"`
	Type   storage.BotType `json:"type" validate:"required,oneof=dca grid"`
	Pair   string          `json:"pair" validate:"required"`
	DCA    *DCARequest     `json:"dca,omitempty"`
	Grid   *GridRequest    `json:"grid,omitempty"`
}

// CreateBot validates and stores a bot in the stopped state. Grid levels are
// generated here so the ladder never changes over the bot's life.
func (e *Engine) CreateBot(ctx context.Context, req CreateBotRequest) (bot storage.Bot, err error) {
	ctx, span := trace.Start(ctx, tracerName, "strategy.CreateBot", attribute.String("type", string(req.Type)))
	defer func() { trace.End(span, err) }()

	if err := apperr.Validate(req); err != nil {
		return storage.Bot{}, err
	}
	pair, err := market.ParseSymbol(req.Pair, storage.AssetCrypto)
	if err != nil {
		return storage.Bot{}, err
	}

	now := e.now()
	bot = storage.Bot{
		ID:             uuid.New(),
		UserID:         req.UserID,
		Type:           req.Type,
		Pair:           pair.String(),
		Status:         storage.BotStopped,
		InvestedAmount: decimal.Zero,
		TotalPnL:       decimal.Zero,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	switch req.Type {
	case storage.BotDCA:
		if req.DCA == nil {
			return storage.Bot{}, apperr.Invalid("dca config is required")
		}
		if bot.DCA, err = newDCAConfig(*req.DCA); err != nil {
			return storage.Bot{}, err
		}
	case storage.BotGrid:
		if req.Grid == nil {
			return storage.Bot{}, apperr.Invalid("grid config is required")
		}
		if bot.Grid, err = newGridConfig(*req.Grid); err != nil {
			return storage.Bot{}, err
		}
		bot.InvestedAmount = bot.Grid.TotalInvestment
	}

	if err := e.store.CreateBot(ctx, bot); err != nil {
		return storage.Bot{}, fmt.Errorf("create bot: %w", err)
	}
	e.activity(ctx, bot.ID, "created", fmt.Sprintf("%s bot on %s", bot.Type, bot.Pair))
	e.logger.Info("bot created", "bot_id", bot.ID, "user_id", bot.UserID, "type", bot.Type, "pair", bot.Pair)
	return bot, nil
}

func newDCAConfig(req DCARequest) (*storage.DCAConfig, error) {
	if _, err := ParseFrequency(req.Frequency); err != nil {
		return nil, apperr.Invalid("%v", err)
	}
	if req.StopLossPct != nil && (!req.StopLossPct.IsPositive() || req.StopLossPct.GreaterThanOrEqual(hundred)) {
		return nil, apperr.Invalid("stop_loss_pct must be between 0 and 100")
	}
	if req.TrailingTPEnabled && (!req.TrailingTPDeviation.IsPositive() || req.TrailingTPDeviation.GreaterThanOrEqual(hundred)) {
		return nil, apperr.Invalid("trailing_tp_deviation must be between 0 and 100")
	}
	stepScale := req.SafetyOrderStepScale
	if stepScale.IsZero() {
		stepScale = decimal.NewFromInt(1)
	}
	volumeScale := req.SafetyOrderVolumeScale
	if volumeScale.IsZero() {
		volumeScale = decimal.NewFromInt(1)
	}
	if req.SafetyOrdersEnabled {
		switch {
		case req.MaxSafetyOrders < 1:
			return nil, apperr.Invalid("max_safety_orders must be at least 1")
		case !req.SafetyOrderSize.IsPositive():
			return nil, apperr.Invalid("safety_order_size must be greater than 0")
		case !req.SafetyOrderStepPct.IsPositive():
			return nil, apperr.Invalid("safety_order_step_pct must be greater than 0")
		}
		// The deepest safety order must still sit above zero.
		if CumulativeDrop(req.SafetyOrderStepPct, stepScale, req.MaxSafetyOrders).GreaterThanOrEqual(hundred) {
			return nil, apperr.Invalid("safety order steps reach a drop of 100%% or more")
		}
	}
	return &storage.DCAConfig{
		OrderAmount:            req.OrderAmount,
		Frequency:              req.Frequency,
		TakeProfitPct:          req.TakeProfitPct,
		StopLossPct:            req.StopLossPct,
		TrailingTPEnabled:      req.TrailingTPEnabled,
		TrailingTPDeviation:    req.TrailingTPDeviation,
		SafetyOrdersEnabled:    req.SafetyOrdersEnabled,
		MaxSafetyOrders:        req.MaxSafetyOrders,
		SafetyOrderSize:        req.SafetyOrderSize,
		SafetyOrderStepPct:     req.SafetyOrderStepPct,
		SafetyOrderStepScale:   stepScale,
		SafetyOrderVolumeScale: volumeScale,
		CurrentAvgPrice:        decimal.Zero,
		TotalBaseBought:        decimal.Zero,
		TotalQuoteSpent:        decimal.Zero,
		TrailingPeak:           decimal.Zero,
	}, nil
}

func newGridConfig(req GridRequest) (*storage.GridConfig, error) {
	cfg := &storage.GridConfig{
		UpperPrice:      req.UpperPrice,
		LowerPrice:      req.LowerPrice,
		GridCount:       req.GridCount,
		GridType:        req.GridType,
		TotalInvestment: req.TotalInvestment,
		Strategy:        req.Strategy,
		GridProfit:      decimal.Zero,
		FloatPnL:        decimal.Zero,
	}
	if cfg.GridType == "" {
		cfg.GridType = storage.GridArithmetic
	}
	if cfg.Strategy == "" {
		cfg.Strategy = storage.GridNeutral
	}
	levels, err := BuildLevels(*cfg)
	if err != nil {
		return nil, apperr.Invalid("%v", err)
	}
	cfg.Levels = levels
	cfg.PerGridAmount = PerGridAmount(cfg.TotalInvestment, cfg.GridCount)
	return cfg, nil
}

func (e *Engine) Get(ctx context.Context, id uuid.UUID) (storage.Bot, error) {
	return e.store.GetBot(ctx, id)
}

func (e *Engine) List(ctx context.Context, userID uuid.UUID) ([]storage.Bot, error) {
	return e.store.ListBots(ctx, userID)
}

func (e *Engine) Orders(ctx context.Context, id uuid.UUID) ([]storage.BotOrder, error) {
	return e.store.ListBotOrders(ctx, id)
}

func (e *Engine) Activity(ctx context.Context, id uuid.UUID, limit int) ([]storage.BotActivity, error) {
	return e.store.ListBotActivity(ctx, id, limit)
}

// Start moves a stopped, paused or failed bot to running. The task first
// re-submits orders an earlier run left pending, under their original ids.
func (e *Engine) Start(ctx context.Context, userID, id uuid.UUID) (bot storage.Bot, err error) {
	ctx, span := trace.Start(ctx, tracerName, "strategy.Start", attribute.String("bot_id", id.String()))
	defer func() { trace.End(span, err) }()

	if _, err := e.owned(ctx, userID, id); err != nil {
		return storage.Bot{}, err
	}
	bot, err = e.store.TransitionBot(ctx, id,
		[]storage.BotStatus{storage.BotStopped, storage.BotPaused, storage.BotError},
		storage.BotRunning, "")
	if err != nil {
		return bot, transitionError(err, bot, "start")
	}
	e.metrics.incTransition(storage.BotRunning)
	e.activity(ctx, id, "started", "")

	if err := e.launch(id); err != nil {
		return bot, err
	}
	return bot, nil
}

// Stop halts the task and keeps the bot's state.
func (e *Engine) Stop(ctx context.Context, userID, id uuid.UUID) (storage.Bot, error) {
	return e.halt(ctx, userID, id,
		[]storage.BotStatus{storage.BotRunning, storage.BotPaused, storage.BotError},
		storage.BotStopped, "stopped")
}

// Pause halts the task like Stop. A paused bot cannot be deleted.
func (e *Engine) Pause(ctx context.Context, userID, id uuid.UUID) (storage.Bot, error) {
	return e.halt(ctx, userID, id, []storage.BotStatus{storage.BotRunning}, storage.BotPaused, "paused")
}

func (e *Engine) halt(ctx context.Context, userID, id uuid.UUID, from []storage.BotStatus, to storage.BotStatus, action string) (bot storage.Bot, err error) {
	ctx, span := trace.Start(ctx, tracerName, "strategy."+action, attribute.String("bot_id", id.String()))
	defer func() { trace.End(span, err) }()

	if _, err := e.owned(ctx, userID, id); err != nil {
		return storage.Bot{}, err
	}
	bot, err = e.store.TransitionBot(ctx, id, from, to, "")
	if err != nil {
		if errors.Is(err, apperr.ErrInvalidState) && to == storage.BotPaused {
			return bot, fmt.Errorf("%w: bot is %s", apperr.ErrBotNotRunning, bot.Status)
		}
		return bot, transitionError(err, bot, action)
	}
	// The status change lands first so a task finishing an order sees it.
	e.cancel(id)
	e.metrics.incTransition(to)
	e.activity(ctx, id, action, "")
	e.logger.Info("bot "+action, "bot_id", id)
	return bot, nil
}

// Delete removes a stopped bot with its orders and activity.
func (e *Engine) Delete(ctx context.Context, userID, id uuid.UUID) (err error) {
	ctx, span := trace.Start(ctx, tracerName, "strategy.Delete", attribute.String("bot_id", id.String()))
	defer func() { trace.End(span, err) }()

	bot, err := e.owned(ctx, userID, id)
	if err != nil {
		return err
	}
	if bot.Status != storage.BotStopped {
		return fmt.Errorf("%w: bot must be stopped before delete, is %s", apperr.ErrInvalidState, bot.Status)
	}
	if err := e.store.DeleteBot(ctx, id); err != nil {
		return fmt.Errorf("delete bot: %w", err)
	}
	e.logger.Info("bot deleted", "bot_id", id, "user_id", userID)
	return nil
}

// Resume launches a task for every bot left running by a previous process.
func (e *Engine) Resume(ctx context.Context) (int, error) {
	bots, err := e.store.ListBotsByStatus(ctx, storage.BotRunning)
	if err != nil {
		return 0, fmt.Errorf("list running bots: %w", err)
	}
	started := 0
	for _, b := range bots {
		if err := e.launch(b.ID); err != nil {
			return started, err
		}
		started++
	}
	return started, nil
}

func (e *Engine) owned(ctx context.Context, userID, id uuid.UUID) (storage.Bot, error) {
	bot, err := e.store.GetBot(ctx, id)
	if err != nil {
		return storage.Bot{}, err
	}
	if bot.UserID != userID {
		return storage.Bot{}, apperr.ErrBotNotFound
	}
	return bot, nil
}

func transitionError(err error, bot storage.Bot, action string) error {
	if errors.Is(err, apperr.ErrInvalidState) {
		return fmt.Errorf("%w: cannot %s a %s bot", apperr.ErrInvalidState, action, bot.Status)
	}
	return fmt.Errorf("%s bot: %w", action, err)
}

func (e *Engine) activity(ctx context.Context, botID uuid.UUID, action, details string) {
	err := e.store.AppendBotActivity(context.WithoutCancel(ctx), storage.BotActivity{
		ID:        uuid.New(),
		BotID:     botID,
		Action:    action,
		Details:   details,
		CreatedAt: e.now(),
	})
	if err != nil {
		e.logger.Warn("append bot activity failed", "bot_id", botID, "action", action, "error", err)
	}
}
