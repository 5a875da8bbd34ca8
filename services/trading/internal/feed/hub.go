// Package feed fans price ticks out to subscribers. Delivery is at least once
// upstream. Plain subscriptions are lossy: one that falls behind misses ticks,
// which later ticks for the same symbol supersede. Latest subscriptions never
// lose a symbol; a slow reader sees the newest tick per symbol instead of every
// tick.
package feed

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const defaultBuffer = 256

type Tick struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// NormalizeSymbol maps BASE-QUOTE and lower case spellings onto BASE/QUOTE.
func NormalizeSymbol(symbol string) string {
	return strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(symbol)), "-", "/")
}

type Subscription struct {
	hub    *Hub
	symbol string
	ch     chan Tick
	once   sync.Once
	latest *latestSlot
}

// latestSlot holds the newest undelivered tick per symbol. Publish writes it
// without blocking and pump drains it into the subscription channel.
type latestSlot struct {
	mu    sync.Mutex
	ticks map[string]Tick
	wake  chan struct{}
	done  chan struct{}
}

func (l *latestSlot) put(t Tick) {
	l.mu.Lock()
	l.ticks[t.Symbol] = t
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// take empties the slot, oldest tick first.
func (l *latestSlot) take() []Tick {
	l.mu.Lock()
	out := make([]Tick, 0, len(l.ticks))
	for _, t := range l.ticks {
		out = append(out, t)
	}
	l.ticks = map[string]Tick{}
	l.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

func (s *Subscription) pump() {
	defer close(s.ch)
	l := s.latest
	for {
		select {
		case <-l.done:
			return
		case <-l.wake:
		}
		for _, t := range l.take() {
			select {
			case s.ch <- t:
			case <-l.done:
				return
			}
		}
	}
}

func (s *Subscription) shut() {
	if s.latest != nil {
		close(s.latest.done)
		return
	}
	close(s.ch)
}

// Ticks is closed when the subscription or the hub is closed.
func (s *Subscription) Ticks() <-chan Tick {
	return s.ch
}

func (s *Subscription) Close() {
	s.hub.remove(s)
}

type Hub struct {
	mu      sync.RWMutex
	subs    map[string]map[*Subscription]struct{}
	all     map[*Subscription]struct{}
	buffer  int
	closed  bool
	logger  *slog.Logger
	metrics *Metrics
}

func NewHub(buffer int, logger *slog.Logger, metrics *Metrics) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:    map[string]map[*Subscription]struct{}{},
		all:     map[*Subscription]struct{}{},
		buffer:  buffer,
		logger:  logger,
		metrics: metrics,
	}
}

func (h *Hub) Subscribe(symbol string) *Subscription {
	return h.add(NormalizeSymbol(symbol))
}

// SubscribeAll receives every symbol.
func (h *Hub) SubscribeAll() *Subscription {
	return h.add("")
}

// SubscribeLatest receives every symbol and never drops one: while the reader
// is behind, a newer tick replaces the undelivered tick for its symbol.
// Position monitoring reads from this so no symbol's stops go unchecked.
func (h *Hub) SubscribeLatest() *Subscription {
	s := h.newSubscription("")
	s.latest = &latestSlot{
		ticks: map[string]Tick{},
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	go s.pump()
	return h.register(s)
}

func (h *Hub) add(symbol string) *Subscription {
	return h.register(h.newSubscription(symbol))
}

func (h *Hub) newSubscription(symbol string) *Subscription {
	return &Subscription{hub: h, symbol: symbol, ch: make(chan Tick, h.buffer)}
}

func (h *Hub) register(s *Subscription) *Subscription {
	symbol := s.symbol
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		s.once.Do(s.shut)
		return s
	}
	if symbol == "" {
		h.all[s] = struct{}{}
	} else {
		set := h.subs[symbol]
		if set == nil {
			set = map[*Subscription]struct{}{}
			h.subs[symbol] = set
		}
		set[s] = struct{}{}
	}
	h.metrics.setSubscribers(h.countLocked())
	return s
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.symbol == "" {
		delete(h.all, s)
	} else if set := h.subs[s.symbol]; set != nil {
		delete(set, s)
		if len(set) == 0 {
			delete(h.subs, s.symbol)
		}
	}
	s.once.Do(s.shut)
	h.metrics.setSubscribers(h.countLocked())
}

// Publish never blocks. It returns how many subscribers received the tick; a
// latest subscription always counts.
func (h *Hub) Publish(t Tick) int {
	t.Symbol = NormalizeSymbol(t.Symbol)
	if t.Symbol == "" || !t.Price.IsPositive() {
		h.metrics.incRejected()
		return 0
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return 0
	}
	delivered := 0
	deliver := func(s *Subscription) {
		if s.latest != nil {
			s.latest.put(t)
			delivered++
			return
		}
		select {
		case s.ch <- t:
			delivered++
		default:
			h.metrics.incDropped()
		}
	}
	for s := range h.subs[t.Symbol] {
		deliver(s)
	}
	for s := range h.all {
		deliver(s)
	}
	h.metrics.incPublished()
	return delivered
}

func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, set := range h.subs {
		for s := range set {
			s.once.Do(s.shut)
		}
	}
	for s := range h.all {
		s.once.Do(s.shut)
	}
	h.subs = map[string]map[*Subscription]struct{}{}
	h.all = map[*Subscription]struct{}{}
	h.metrics.setSubscribers(0)
	h.logger.Info("price feed hub closed")
}

func (h *Hub) countLocked() int {
	n := len(h.all)
	for _, set := range h.subs {
		n += len(set)
	}
	return n
}
