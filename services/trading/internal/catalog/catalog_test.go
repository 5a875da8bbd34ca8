package catalog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/AfshinJalili/tradedesk/services/testutil"
	"github.com/AfshinJalili/tradedesk/services/trading/internal/positions"
	"github.com/AfshinJalili/tradedesk/services/trading/internal/storage"
)

var _ positions.Instruments = (*Instruments)(nil)

type fakeStore struct {
	mu          sync.Mutex
	instruments []storage.Instrument
	tiers       []storage.Tier
	err         error
}

func (f *fakeStore) ListInstruments(ctx context.Context) ([]storage.Instrument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.instruments, f.err
}

func (f *fakeStore) ListTiers(ctx context.Context) ([]storage.Tier, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tiers, f.err
}

func (f *fakeStore) setTiers(tiers []storage.Tier) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tiers = tiers
}

type fakeMetrics struct {
	mu       sync.Mutex
	refresh  int
	errors   int
	lastSize int
}

func (m *fakeMetrics) ObserveRefresh(_ string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refresh++
}

func (m *fakeMetrics) SetCacheSize(_ string, size int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSize = size
}

func (m *fakeMetrics) IncRefreshError(_ string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors++
}

func (m *fakeMetrics) snapshot() (int, int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refresh, m.errors, m.lastSize
}

func TestInstrumentsLoadAndLookup(t *testing.T) {
	store := &fakeStore{instruments: []storage.Instrument{
		{Symbol: "btcusd", AssetClass: storage.AssetCrypto, MaxLeverage: testutil.D("10"), Active: true},
		{Symbol: " EURUSD ", AssetClass: storage.AssetForex, MaxLeverage: testutil.D("100"), Active: true},
		{Symbol: "DELISTED", AssetClass: storage.AssetStock, Active: false},
	}}
	c := NewInstruments()
	if err := c.Load(context.Background(), store); err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Size() != 2 {
		t.Fatalf("expected 2 instruments, got %d", c.Size())
	}
	inst, ok := c.Instrument("BTCUSD")
	if !ok {
		t.Fatalf("expected BTCUSD hit")
	}
	testutil.AssertDecimal(t, "max leverage", inst.MaxLeverage, "10")
	if _, ok := c.Instrument("eurusd"); !ok {
		t.Fatalf("expected case-insensitive hit")
	}
	if _, ok := c.Instrument("DELISTED"); ok {
		t.Fatalf("inactive instrument must not be served")
	}
	if c.LastRefresh().IsZero() {
		t.Fatalf("expected refresh time")
	}
}

func TestInstrumentsLoadErrorKeepsPrevious(t *testing.T) {
	store := &fakeStore{instruments: []storage.Instrument{{Symbol: "BTCUSD", Active: true}}}
	c := NewInstruments()
	if err := c.Load(context.Background(), store); err != nil {
		t.Fatalf("load: %v", err)
	}
	store.err = errors.New("boom")
	if err := c.Refresh(context.Background(), store); err == nil {
		t.Fatalf("expected refresh error")
	}
	if _, ok := c.Instrument("BTCUSD"); !ok {
		t.Fatalf("failed refresh must keep the previous catalog")
	}
}

func TestTiersLoadSkipsInvalid(t *testing.T) {
	store := &fakeStore{tiers: []storage.Tier{
		{Name: "Gold", Price: testutil.D("500"), BonusPct: testutil.D("20"), Rank: 2},
		{Name: "", Price: testutil.D("1")},
		{Name: "broken", Price: testutil.D("-1")},
	}}
	c := NewTiers()
	if err := c.Load(context.Background(), store); err != nil {
		t.Fatalf("load: %v", err)
	}
	tier, ok := c.Tier(" GOLD ")
	if !ok {
		t.Fatalf("expected gold tier")
	}
	if tier.Name != "gold" {
		t.Fatalf("expected normalized name, got %q", tier.Name)
	}
	testutil.AssertDecimal(t, "bonus pct", tier.BonusPct, "20")
	if c.Size() != 1 {
		t.Fatalf("expected 1 tier, got %d", c.Size())
	}
}

func TestTiersAutoRefresh(t *testing.T) {
	store := &fakeStore{tiers: []storage.Tier{{Name: "basic", Price: testutil.D("100")}}}
	c := NewTiers()
	if err := c.Load(context.Background(), store); err != nil {
		t.Fatalf("load: %v", err)
	}
	store.setTiers([]storage.Tier{
		{Name: "basic", Price: testutil.D("100")},
		{Name: "pro", Price: testutil.D("250")},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	metrics := &fakeMetrics{}
	c.StartAutoRefresh(ctx, store, 10*time.Millisecond, metrics, nil)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if refresh, _, size := metrics.snapshot(); refresh > 0 && size == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, ok := c.Tier("pro"); !ok {
		t.Fatalf("expected refreshed tier")
	}
	if _, errs, _ := metrics.snapshot(); errs != 0 {
		t.Fatalf("expected no refresh errors, got %d", errs)
	}
}

func TestAutoRefreshDisabled(t *testing.T) {
	store := &fakeStore{}
	c := NewInstruments()
	metrics := &fakeMetrics{}
	c.StartAutoRefresh(context.Background(), store, 0, metrics, nil)
	time.Sleep(20 * time.Millisecond)
	if refresh, _, _ := metrics.snapshot(); refresh != 0 {
		t.Fatalf("expected no refresh when disabled")
	}
}
