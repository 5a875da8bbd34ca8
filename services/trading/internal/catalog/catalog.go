// Package catalog keeps read caches over the instrument and tier tables.
package catalog

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/AfshinJalili/tradedesk/services/trading/internal/storage"
)

const refreshTimeout = 5 * time.Second

type InstrumentStore interface {
	ListInstruments(ctx context.Context) ([]storage.Instrument, error)
}

type TierStore interface {
	ListTiers(ctx context.Context) ([]storage.Tier, error)
}

type RefreshMetrics interface {
	ObserveRefresh(catalog string, duration time.Duration)
	SetCacheSize(catalog string, size int)
	IncRefreshError(catalog string)
}

// Instruments maps normalized symbols to instruments. Inactive rows are
// dropped on load.
type Instruments struct {
	mu          sync.RWMutex
	items       map[string]storage.Instrument
	lastRefresh time.Time
}

func NewInstruments() *Instruments {
	return &Instruments{items: make(map[string]storage.Instrument)}
}

func (c *Instruments) Load(ctx context.Context, store InstrumentStore) error {
	rows, err := store.ListInstruments(ctx)
	if err != nil {
		return err
	}
	items := make(map[string]storage.Instrument, len(rows))
	for _, inst := range rows {
		symbol := normalize(inst.Symbol)
		if symbol == "" || !inst.Active {
			continue
		}
		inst.Symbol = symbol
		items[symbol] = inst
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = items
	c.lastRefresh = time.Now().UTC()
	return nil
}

func (c *Instruments) Refresh(ctx context.Context, store InstrumentStore) error {
	return c.Load(ctx, store)
}

// Instrument satisfies positions.Instruments.
func (c *Instruments) Instrument(symbol string) (storage.Instrument, bool) {
	key := normalize(symbol)
	if key == "" {
		return storage.Instrument{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	inst, ok := c.items[key]
	return inst, ok
}

func (c *Instruments) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func (c *Instruments) LastRefresh() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastRefresh
}

func (c *Instruments) StartAutoRefresh(ctx context.Context, store InstrumentStore, interval time.Duration, metrics RefreshMetrics, logger *slog.Logger) {
	autoRefresh(ctx, "instruments", interval, metrics, logger,
		func(ctx context.Context) error { return c.Refresh(ctx, store) }, c.Size)
}

// Tiers maps lower-cased tier names to tiers.
type Tiers struct {
	mu          sync.RWMutex
	items       map[string]storage.Tier
	lastRefresh time.Time
}

func NewTiers() *Tiers {
	return &Tiers{items: make(map[string]storage.Tier)}
}

func (c *Tiers) Load(ctx context.Context, store TierStore) error {
	rows, err := store.ListTiers(ctx)
	if err != nil {
		return err
	}
	items := make(map[string]storage.Tier, len(rows))
	for _, tier := range rows {
		name := strings.ToLower(strings.TrimSpace(tier.Name))
		if name == "" || tier.Price.IsNegative() || tier.BonusPct.IsNegative() {
			continue
		}
		tier.Name = name
		items[name] = tier
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = items
	c.lastRefresh = time.Now().UTC()
	return nil
}

func (c *Tiers) Refresh(ctx context.Context, store TierStore) error {
	return c.Load(ctx, store)
}

func (c *Tiers) Tier(name string) (storage.Tier, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	c.mu.RLock()
	defer c.mu.RUnlock()
	tier, ok := c.items[key]
	return tier, ok
}

func (c *Tiers) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func (c *Tiers) LastRefresh() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastRefresh
}

func (c *Tiers) StartAutoRefresh(ctx context.Context, store TierStore, interval time.Duration, metrics RefreshMetrics, logger *slog.Logger) {
	autoRefresh(ctx, "tiers", interval, metrics, logger,
		func(ctx context.Context) error { return c.Refresh(ctx, store) }, c.Size)
}

func autoRefresh(ctx context.Context, name string, interval time.Duration, metrics RefreshMetrics, logger *slog.Logger, refresh func(context.Context) error, size func() int) {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		logger.Warn("catalog refresh disabled", "catalog", name)
		return
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				refreshCtx, cancel := context.WithTimeout(ctx, refreshTimeout)
				start := time.Now()
				err := refresh(refreshCtx)
				cancel()
				if err != nil {
					logger.Error("catalog refresh failed", "catalog", name, "error", err)
					if metrics != nil {
						metrics.IncRefreshError(name)
					}
					continue
				}
				if metrics != nil {
					metrics.ObserveRefresh(name, time.Since(start))
					metrics.SetCacheSize(name, size())
				}
				logger.Debug("catalog refreshed", "catalog", name, "size", size())
			}
		}
	}()
}

func normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
