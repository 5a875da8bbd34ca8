package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AfshinJalili/tradedesk/libs/kafka"
	"github.com/AfshinJalili/tradedesk/services/trading/internal/storage"
	"github.com/google/uuid"
)

const (
	defaultPollInterval = time.Second
	defaultBatchSize    = 50
	defaultMaxAttempts  = 8
	defaultBaseBackoff  = time.Second
	defaultMaxBackoff   = 5 * time.Minute
	exhaustedReason     = "outbox_exhausted"
)

type OutboxStore interface {
	ClaimOutbox(ctx context.Context, limit int) ([]storage.OutboxEvent, error)
	MarkOutboxSent(ctx context.Context, id uuid.UUID) error
	MarkOutboxFailed(ctx context.Context, id uuid.UUID, errMsg string, nextAttempt time.Time, dead bool) error
}

type RelayOptions struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	DLQTopic     string
}

// Relay delivers outbox rows to Kafka at least once. Rows that keep failing
// back off exponentially and, after MaxAttempts, are marked dead and copied
// to the dead-letter topic.
type Relay struct {
	store     OutboxStore
	publisher kafka.Publisher
	dlq       kafka.Publisher
	opts      RelayOptions
	logger    *slog.Logger
	metrics   *Metrics
	now       func() time.Time
}

func NewRelay(store OutboxStore, publisher, dlq kafka.Publisher, logger *slog.Logger, metrics *Metrics, opts RelayOptions) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = defaultBaseBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	return &Relay{
		store:     store,
		publisher: publisher,
		dlq:       dlq,
		opts:      opts,
		logger:    logger,
		metrics:   metrics,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run flushes the outbox every poll interval until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := r.Flush(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("outbox flush failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Flush publishes one batch of due rows and reports how many were sent.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	if r.publisher == nil {
		return 0, fmt.Errorf("kafka producer not configured")
	}
	events, err := r.store.ClaimOutbox(ctx, r.opts.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claim outbox: %w", err)
	}
	sent := 0
	var errs []error
	for _, e := range events {
		ok, err := r.deliver(ctx, e)
		if err != nil {
			errs = append(errs, err)
		}
		if ok {
			sent++
		}
	}
	return sent, errors.Join(errs...)
}

// deliver returns an error only when the row's state could not be recorded.
func (r *Relay) deliver(ctx context.Context, e storage.OutboxEvent) (bool, error) {
	_, _, pubErr := r.publisher.PublishJSON(ctx, e.Topic, e.Key, json.RawMessage(e.Payload))
	if pubErr == nil {
		r.metrics.incOutbox(e.Topic, "sent")
		if err := r.store.MarkOutboxSent(ctx, e.ID); err != nil {
			// Redelivered after the lease expires; consumers dedupe.
			return true, fmt.Errorf("mark outbox %s sent: %w", e.ID, err)
		}
		return true, nil
	}

	attempts := e.Attempts + 1
	dead := attempts >= r.opts.MaxAttempts
	next := r.now().Add(r.backoff(attempts))
	if err := r.store.MarkOutboxFailed(ctx, e.ID, pubErr.Error(), next, dead); err != nil {
		return false, fmt.Errorf("mark outbox %s failed: %w", e.ID, err)
	}
	if !dead {
		r.metrics.incOutbox(e.Topic, "retry")
		r.logger.Warn("outbox publish failed", "event_id", e.ID, "topic", e.Topic, "attempts", attempts, "next_attempt", next, "error", pubErr)
		return false, nil
	}

	r.metrics.incOutbox(e.Topic, "dead")
	r.logger.Error("outbox event exhausted", "event_id", e.ID, "topic", e.Topic, "attempts", attempts, "error", pubErr)
	if r.dlq != nil && r.opts.DLQTopic != "" {
		payload := kafka.PublishedDeadLetter(kafka.SourceOutbox, e.Topic, e.Key, json.RawMessage(e.Payload), pubErr, exhaustedReason, attempts)
		if _, _, err := r.dlq.PublishJSON(ctx, r.opts.DLQTopic, e.Key, payload); err != nil {
			r.logger.Error("publish dlq failed", "topic", r.opts.DLQTopic, "event_id", e.ID, "error", err)
		}
	}
	return false, nil
}

// backoff is BaseBackoff doubled per prior attempt, capped at MaxBackoff.
func (r *Relay) backoff(attempts int) time.Duration {
	d := r.opts.BaseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= r.opts.MaxBackoff {
			return r.opts.MaxBackoff
		}
	}
	return d
}
