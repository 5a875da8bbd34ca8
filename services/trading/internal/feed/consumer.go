package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AfshinJalili/tradedesk/libs/kafka"
	"github.com/IBM/sarama"
	"github.com/shopspring/decimal"
)

const PriceTickEventType = "prices.tick"

type PriceTickEvent struct {
	kafka.Envelope
	Symbol    string `json:"symbol"`
	Price     string `json:"price"`
	Timestamp string `json:"timestamp"`
}

func (e *PriceTickEvent) Validate() error {
	if err := e.Envelope.Validate(); err != nil {
		return err
	}
	if e.EventType != PriceTickEventType {
		return fmt.Errorf("unexpected event_type: %s", e.EventType)
	}
	if strings.TrimSpace(e.Symbol) == "" {
		return fmt.Errorf("symbol is required")
	}
	return nil
}

// Tick converts the event, falling back to the envelope time when the event
// carries no timestamp of its own.
func (e *PriceTickEvent) Tick() (Tick, error) {
	price, err := decimal.NewFromString(strings.TrimSpace(e.Price))
	if err != nil {
		return Tick{}, fmt.Errorf("invalid price %q", e.Price)
	}
	if !price.IsPositive() {
		return Tick{}, fmt.Errorf("price must be positive")
	}
	ts := e.Envelope.Timestamp
	if raw := strings.TrimSpace(e.Timestamp); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return Tick{}, fmt.Errorf("invalid timestamp %q", e.Timestamp)
		}
		ts = parsed
	}
	return Tick{Symbol: NormalizeSymbol(e.Symbol), Price: price, Timestamp: ts.UTC()}, nil
}

// TickConsumer feeds price tick events from Kafka into a Hub.
type TickConsumer struct {
	hub    *Hub
	logger *slog.Logger
}

func NewTickConsumer(hub *Hub, logger *slog.Logger) *TickConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &TickConsumer{hub: hub, logger: logger}
}

// HandleMessage dead-letters malformed ticks immediately; there is nothing to
// retry for them.
func (c *TickConsumer) HandleMessage(_ context.Context, msg *sarama.ConsumerMessage) error {
	if msg == nil || len(msg.Value) == 0 {
		return kafka.DLQ(fmt.Errorf("empty kafka message"), "invalid_payload")
	}
	var event PriceTickEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return kafka.DLQ(fmt.Errorf("decode %s: %w", PriceTickEventType, err), "invalid_payload")
	}
	if err := event.Validate(); err != nil {
		return kafka.DLQ(err, "invalid_event")
	}
	tick, err := event.Tick()
	if err != nil {
		return kafka.DLQ(err, "invalid_event")
	}
	if c.hub.Publish(tick) == 0 {
		c.logger.Debug("price tick had no subscribers", "symbol", tick.Symbol, "event_id", event.EventID)
	}
	return nil
}

// NewPriceTickEvent builds the event published for tick.
func NewPriceTickEvent(tick Tick) (PriceTickEvent, error) {
	symbol := NormalizeSymbol(tick.Symbol)
	ts := tick.Timestamp.UTC().Format(time.RFC3339Nano)
	env, err := kafka.NewEnvelopeWithID(kafka.DeterministicEventID(PriceTickEventType, symbol, ts, tick.Price.String()), PriceTickEventType, 1, "")
	if err != nil {
		return PriceTickEvent{}, err
	}
	return PriceTickEvent{
		Envelope:  env,
		Symbol:    symbol,
		Price:     tick.Price.String(),
		Timestamp: ts,
	}, nil
}
