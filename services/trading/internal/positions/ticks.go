package positions

import (
	"context"
	"time"

	"github.com/AfshinJalili/tradedesk/services/trading/internal/feed"
	"github.com/AfshinJalili/tradedesk/services/trading/internal/market"
	"github.com/AfshinJalili/tradedesk/services/trading/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

const (
	symbolQueue        = 64
	settleRetryEvery   = 10 * time.Second
	defaultTickTimeout = 30 * time.Second
)

// TickResult reports what one tick did.
type TickResult struct {
	Evaluated int
	Closed    []storage.Position
	Stale     bool
}

// OnTick marks every open position on the tick's symbol and closes those whose
// trigger fired. Ticks older than the last applied tick for the symbol are
// ignored; a repeated tick re-evaluates to the same outcome.
func (e *Engine) OnTick(ctx context.Context, tick feed.Tick) (TickResult, error) {
	start := time.Now()
	defer func() { e.metrics.observeTick(time.Since(start)) }()

	symbol := feed.NormalizeSymbol(tick.Symbol)
	if !e.advance(symbol, tick.Timestamp) {
		e.metrics.incStale()
		return TickResult{Stale: true}, nil
	}
	e.rates.Set(symbol, tick.Price)

	type firing struct {
		position storage.Position
		trigger  market.Trigger
		pnl      decimal.Decimal
	}
	var fired []firing

	e.mu.Lock()
	set := e.open[symbol]
	evaluated := 0
	for _, t := range set {
		trig, pnl, err := market.Evaluate(t.position, tick.Price, e.rates)
		if err != nil {
			e.logger.Warn("mark to market failed", "position_id", t.position.ID, "symbol", symbol, "error", err)
			continue
		}
		evaluated++
		t.floating = pnl
		t.price = tick.Price
		if trig != market.TriggerNone {
			fired = append(fired, firing{position: t.position, trigger: trig, pnl: pnl})
		}
	}
	e.mu.Unlock()

	res := TickResult{Evaluated: evaluated}
	if len(fired) == 0 {
		return res, nil
	}

	closed := make([]storage.Position, len(fired))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.CloseConcurrency)
	for i, f := range fired {
		g.Go(func() error {
			p, err := e.closeAt(gctx, f.position, tick.Price, f.pnl, f.trigger)
			if err != nil {
				e.logger.Error("triggered close failed",
					"position_id", f.position.ID,
					"trigger", f.trigger,
					"price", tick.Price.String(),
					"error", err,
				)
				return nil
			}
			closed[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}
	for _, p := range closed {
		if p.ID != uuid.Nil {
			res.Closed = append(res.Closed, p)
		}
	}
	return res, nil
}

// advance records ts as the newest tick for symbol. It reports false for a
// tick older than one already applied.
func (e *Engine) advance(symbol string, ts time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	last, ok := e.lastTick[symbol]
	if ok && ts.Before(last) {
		return false
	}
	e.lastTick[symbol] = ts
	return true
}

// Run consumes ticks until ctx ends or the subscription closes. Each symbol
// is handled by its own worker so symbols proceed in parallel while ticks of
// one symbol stay ordered.
func (e *Engine) Run(ctx context.Context, sub *feed.Subscription) error {
	g, gctx := errgroup.WithContext(ctx)
	workers := map[string]chan feed.Tick{}
	defer func() {
		for _, ch := range workers {
			close(ch)
		}
		_ = g.Wait()
	}()

	retry := time.NewTicker(settleRetryEvery)
	defer retry.Stop()

	for {
		select {
		case <-gctx.Done():
			return ctx.Err()
		case <-retry.C:
			if n := e.RetryUnsettled(gctx); n > 0 {
				e.logger.Info("settled positions on retry", "count", n)
			}
		case tick, ok := <-sub.Ticks():
			if !ok {
				return nil
			}
			symbol := feed.NormalizeSymbol(tick.Symbol)
			ch, exists := workers[symbol]
			if !exists {
				ch = make(chan feed.Tick, symbolQueue)
				workers[symbol] = ch
				g.Go(func() error {
					e.work(gctx, symbol, ch)
					return nil
				})
			}
			select {
			case ch <- tick:
			case <-gctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (e *Engine) work(ctx context.Context, symbol string, ticks <-chan feed.Tick) {
	for tick := range ticks {
		if ctx.Err() != nil {
			return
		}
		tctx, cancel := context.WithTimeout(ctx, defaultTickTimeout)
		res, err := e.OnTick(tctx, tick)
		cancel()
		if err != nil {
			e.logger.Error("tick processing failed", "symbol", symbol, "error", err)
			continue
		}
		if len(res.Closed) > 0 {
			e.logger.Info("tick closed positions", "symbol", symbol, "count", len(res.Closed), "price", tick.Price.String())
		}
	}
}

// Mark returns the last floating P&L computed for an open position.
func (e *Engine) Mark(id uuid.UUID) (price, pnl decimal.Decimal, ok bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, set := range e.open {
		if t, found := set[id]; found && !t.price.IsZero() {
			return t.price, t.floating, true
		}
	}
	return decimal.Zero, decimal.Zero, false
}

// OpenCount is the number of positions under mark-to-market.
func (e *Engine) OpenCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.countLocked()
}

func (e *Engine) track(p storage.Position) {
	e.mu.Lock()
	e.trackLocked(p)
	n := e.countLocked()
	e.mu.Unlock()
	e.metrics.setOpen(n)
}

func (e *Engine) trackLocked(p storage.Position) {
	symbol := feed.NormalizeSymbol(p.Symbol)
	set := e.open[symbol]
	if set == nil {
		set = map[uuid.UUID]*tracked{}
		e.open[symbol] = set
	}
	set[p.ID] = &tracked{position: p}
}

func (e *Engine) untrack(p storage.Position) {
	symbol := feed.NormalizeSymbol(p.Symbol)
	e.mu.Lock()
	if set := e.open[symbol]; set != nil {
		delete(set, p.ID)
		if len(set) == 0 {
			delete(e.open, symbol)
		}
	}
	n := e.countLocked()
	e.mu.Unlock()
	e.metrics.setOpen(n)
}

func (e *Engine) countLocked() int {
	n := 0
	for _, set := range e.open {
		n += len(set)
	}
	return n
}
