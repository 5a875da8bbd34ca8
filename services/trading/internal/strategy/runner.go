package strategy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AfshinJalili/tradedesk/services/trading/internal/apperr"
	"github.com/AfshinJalili/tradedesk/services/trading/internal/positions"
	"github.com/AfshinJalili/tradedesk/services/trading/internal/storage"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

var errEngineClosed = errors.New("strategy engine is shut down")

// task is the single goroutine allowed to mutate one bot's state.
type task struct {
	botID  uuid.UUID
	cancel context.CancelFunc
	done   chan struct{}
}

// botState is owned by the task goroutine.
type botState struct {
	bot       storage.Bot
	limiter   *rate.Limiter
	schedule  cron.Schedule
	lastPrice decimal.Decimal
	// wantBase is set when the schedule fired before any price was known.
	wantBase    bool
	gridChecked bool
	// pending is an order whose outcome is unknown; it is retried before
	// anything else happens.
	pending *storage.BotOrder
}

func (e *Engine) launch(id uuid.UUID) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return errEngineClosed
	}
	if _, running := e.tasks[id]; running {
		e.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &task{botID: id, cancel: cancel, done: make(chan struct{})}
	e.tasks[id] = t
	n := len(e.tasks)
	e.mu.Unlock()

	e.metrics.setTasks(n)
	go e.run(ctx, t)
	return nil
}

// cancel stops the bot's task and waits for it to exit.
func (e *Engine) cancel(id uuid.UUID) {
	e.mu.Lock()
	t := e.tasks[id]
	e.mu.Unlock()
	if t == nil {
		return
	}
	t.cancel()
	<-t.done
}

// Running reports whether a task is active for the bot.
func (e *Engine) Running(id uuid.UUID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.tasks[id]
	return ok
}

// Shutdown stops every task. Bot statuses are left as they are so Resume
// picks the running ones up again.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	tasks := make([]*task, 0, len(e.tasks))
	for _, t := range e.tasks {
		tasks = append(tasks, t)
	}
	e.mu.Unlock()

	for _, t := range tasks {
		t.cancel()
	}
	for _, t := range tasks {
		select {
		case <-t.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (e *Engine) run(ctx context.Context, t *task) {
	defer func() {
		e.mu.Lock()
		if e.tasks[t.botID] == t {
			delete(e.tasks, t.botID)
		}
		n := len(e.tasks)
		e.mu.Unlock()
		e.metrics.setTasks(n)
		close(t.done)
	}()

	bot, err := e.store.GetBot(ctx, t.botID)
	if err != nil {
		e.logger.Error("load bot for task failed", "bot_id", t.botID, "error", err)
		return
	}
	if bot.Status != storage.BotRunning {
		return
	}
	st := &botState{
		bot:     bot,
		limiter: rate.NewLimiter(rate.Limit(e.opts.OrderRatePerSecond), e.opts.OrderBurst),
	}

	sub := e.feed.Subscribe(bot.Pair)
	defer sub.Close()

	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)
	if bot.Type == storage.BotDCA && bot.DCA != nil {
		st.schedule, err = ParseFrequency(bot.DCA.Frequency)
		if err != nil {
			e.fail(ctx, st, apperr.Invalid("%v", err))
			return
		}
		timer = time.NewTimer(e.untilNext(st, bot.DCA.LastOrderAt))
		defer timer.Stop()
		timerC = timer.C
	}

	if err := e.reconcile(ctx, st); err != nil && e.handle(ctx, st, err) {
		return
	}
	e.logger.Info("bot task started", "bot_id", bot.ID, "type", bot.Type, "pair", bot.Pair)

	for {
		var err error
		select {
		case <-ctx.Done():
			return
		case tick, ok := <-sub.Ticks():
			if !ok {
				return
			}
			err = e.onPrice(ctx, st, tick.Price)
		case <-timerC:
			err = e.onSchedule(ctx, st)
			fired := e.now()
			timer.Reset(e.untilNext(st, &fired))
		}
		if err != nil && e.handle(ctx, st, err) {
			return
		}
	}
}

// handle logs a step error and reports whether the task must exit.
func (e *Engine) handle(ctx context.Context, st *botState, err error) bool {
	switch {
	case ctx.Err() != nil, errors.Is(err, errBotHalted):
		return true
	case fatal(err):
		e.fail(ctx, st, err)
		return true
	}
	e.logger.Warn("bot step failed", "bot_id", st.bot.ID, "error", err)
	return false
}

// fatal errors do not clear up by retrying and move the bot to error.
func fatal(err error) bool {
	return errors.Is(err, apperr.ErrInsufficientFunds) ||
		errors.Is(err, apperr.ErrInvalidParameters) ||
		errors.Is(err, apperr.ErrAccountNotFound)
}

func (e *Engine) fail(ctx context.Context, st *botState, cause error) {
	ctx = context.WithoutCancel(ctx)
	_, err := e.store.TransitionBot(ctx, st.bot.ID, []storage.BotStatus{storage.BotRunning}, storage.BotError, cause.Error())
	if err != nil && !errors.Is(err, apperr.ErrInvalidState) {
		e.logger.Error("mark bot failed", "bot_id", st.bot.ID, "error", err)
		return
	}
	e.metrics.incTransition(storage.BotError)
	e.activity(ctx, st.bot.ID, "error", cause.Error())
	e.logger.Error("bot stopped on error", "bot_id", st.bot.ID, "error", cause)
}

// untilNext is the wait before the DCA schedule fires after the given time. A
// bot that never ordered fires at once; missed runs collapse into one.
func (e *Engine) untilNext(st *botState, after *time.Time) time.Duration {
	if after == nil {
		return 0
	}
	if d := st.schedule.Next(*after).Sub(e.now()); d > 0 {
		return d
	}
	return 0
}

func (e *Engine) price(st *botState) (decimal.Decimal, bool) {
	if st.lastPrice.IsPositive() {
		return st.lastPrice, true
	}
	if e.prices == nil {
		return decimal.Zero, false
	}
	return e.prices.Price(st.bot.Pair)
}

// onSchedule opens a new deal when none is open.
func (e *Engine) onSchedule(ctx context.Context, st *botState) error {
	cfg := st.bot.DCA
	if cfg == nil || DealOpen(*cfg) {
		return nil
	}
	price, ok := e.price(st)
	if !ok {
		st.wantBase = true
		return nil
	}
	return e.placeBase(ctx, st, price)
}

func (e *Engine) placeBase(ctx context.Context, st *botState, price decimal.Decimal) error {
	st.wantBase = false
	return e.place(ctx, st, intent{
		kind:  kindDCABase,
		side:  storage.SideBuy,
		price: price,
		quote: st.bot.DCA.OrderAmount,
	})
}

func (e *Engine) onPrice(ctx context.Context, st *botState, price decimal.Decimal) error {
	if !price.IsPositive() {
		return nil
	}
	if st.pending != nil {
		if err := e.retryPending(ctx, st); err != nil {
			return err
		}
	}
	var err error
	switch st.bot.Type {
	case storage.BotDCA:
		err = e.stepDCA(ctx, st, price)
	case storage.BotGrid:
		err = e.stepGrid(ctx, st, price)
	default:
		err = fmt.Errorf("unknown bot type %q", st.bot.Type)
	}
	st.lastPrice = price
	return err
}

func (e *Engine) stepDCA(ctx context.Context, st *botState, price decimal.Decimal) error {
	cfg := st.bot.DCA
	if cfg == nil {
		return nil
	}
	if !DealOpen(*cfg) {
		if st.wantBase {
			return e.placeBase(ctx, st, price)
		}
		return nil
	}

	d := DecideDCA(*cfg, price)
	peakMoved := !d.TrailingPeak.Equal(cfg.TrailingPeak)
	cfg.TrailingPeak = d.TrailingPeak

	switch d.Action {
	case DCASafetyOrder:
		return e.place(ctx, st, intent{kind: kindDCASafety, side: storage.SideBuy, price: price, quote: d.QuoteAmount})
	case DCATakeProfit:
		return e.place(ctx, st, intent{kind: kindDCATakeProfit, side: storage.SideSell, price: price, quantity: cfg.TotalBaseBought})
	case DCAStopLoss:
		return e.place(ctx, st, intent{kind: kindDCAStopLoss, side: storage.SideSell, price: price, quantity: cfg.TotalBaseBought})
	}
	if peakMoved {
		return e.store.SaveBotState(ctx, st.bot)
	}
	return nil
}

func (e *Engine) stepGrid(ctx context.Context, st *botState, price decimal.Decimal) error {
	cfg := st.bot.Grid
	if cfg == nil {
		return nil
	}
	if !st.gridChecked {
		if err := e.initGrid(ctx, st, price); err != nil {
			return err
		}
		st.gridChecked = true
	}

	for _, sig := range GridSignals(*cfg, st.lastPrice, price) {
		level := sig.Level
		in := intent{side: sig.Side, price: sig.Price, level: &level}
		if sig.Side == storage.SideBuy {
			in.kind = kindGridBuy
			in.quote = cfg.PerGridAmount
		} else {
			in.kind = kindGridSell
			in.quantity = sig.Quantity
		}
		if err := e.place(ctx, st, in); err != nil {
			return err
		}
	}
	cfg.FloatPnL = GridFloatingPnL(*cfg, price)
	return nil
}

// initGrid buys the starting inventory the posture asks for. It runs once per
// bot: a grid that has ever placed an order is past its start.
func (e *Engine) initGrid(ctx context.Context, st *botState, price decimal.Decimal) error {
	cfg := st.bot.Grid
	if cfg.CompletedCycles > 0 {
		return nil
	}
	for _, lvl := range cfg.Levels {
		if lvl.BuyFilled {
			return nil
		}
	}
	orders, err := e.store.ListBotOrders(ctx, st.bot.ID)
	if err != nil {
		return fmt.Errorf("list bot orders: %w", err)
	}
	if len(orders) > 0 {
		return nil
	}
	levels := InitialBuys(*cfg, price)
	if len(levels) == 0 {
		return nil
	}
	perLevel := positions.QuantityFor(cfg.PerGridAmount, price)
	return e.place(ctx, st, intent{
		kind:     kindGridInit,
		side:     storage.SideBuy,
		price:    price,
		quantity: perLevel.Mul(decimal.NewFromInt(int64(len(levels)))),
	})
}
