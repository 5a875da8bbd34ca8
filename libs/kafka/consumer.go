package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
)

type MessageHandler interface {
	HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error
}

// HandlerFunc adapts a function to MessageHandler.
type HandlerFunc func(ctx context.Context, msg *sarama.ConsumerMessage) error

func (f HandlerFunc) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	return f(ctx, msg)
}

type Consumer struct {
	group        sarama.ConsumerGroup
	logger       *slog.Logger
	dlqPublisher Publisher
	dlqTopic     string
	maxAttempts  int
	retryBackoff time.Duration
}

func NewConsumer(brokers []string, groupID string, logger *slog.Logger) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if groupID == "" {
		return nil, fmt.Errorf("kafka consumer group required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_7_0_0
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRange()}
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Group.Session.Timeout = 30 * time.Second
	cfg.Consumer.Group.Heartbeat.Interval = 3 * time.Second
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer group: %w", err)
	}

	return &Consumer{
		group:        group,
		logger:       logger,
		maxAttempts:  3,
		retryBackoff: 500 * time.Millisecond,
	}, nil
}

// WithDLQ routes messages that keep failing to topic on publisher.
func (c *Consumer) WithDLQ(publisher Publisher, topic string) *Consumer {
	c.dlqPublisher = publisher
	c.dlqTopic = topic
	return c
}

// WithRetry sets how many times a failing message is handled before it is
// dead-lettered.
func (c *Consumer) WithRetry(maxAttempts int, backoff time.Duration) *Consumer {
	if maxAttempts > 0 {
		c.maxAttempts = maxAttempts
	}
	if backoff > 0 {
		c.retryBackoff = backoff
	}
	return c
}

func (c *Consumer) Consume(ctx context.Context, topics []string, handler MessageHandler) error {
	if handler == nil {
		return fmt.Errorf("message handler required")
	}

	cgHandler := &consumerGroupHandler{
		handler:      handler,
		logger:       c.logger,
		dlqPublisher: c.dlqPublisher,
		dlqTopic:     c.dlqTopic,
		retryTracker: newRetryTracker(c.maxAttempts, c.retryBackoff),
	}

	for {
		if err := c.group.Consume(ctx, topics, cgHandler); err != nil {
			c.logger.Error("kafka consume error", "error", err)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			time.Sleep(2 * time.Second)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *Consumer) Close() error {
	if c.group == nil {
		return nil
	}
	return c.group.Close()
}

type retryTracker struct {
	maxAttempts int
	backoff     time.Duration
}

func newRetryTracker(maxAttempts int, backoff time.Duration) *retryTracker {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &retryTracker{maxAttempts: maxAttempts, backoff: backoff}
}

func (r *retryTracker) wait(ctx context.Context, attempt int) error {
	if r.backoff <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(r.backoff * time.Duration(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type consumerGroupHandler struct {
	handler      MessageHandler
	logger       *slog.Logger
	dlqPublisher Publisher
	dlqTopic     string
	retryTracker *retryTracker
}

func (h *consumerGroupHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerGroupHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		if h.process(session.Context(), msg) {
			session.MarkMessage(msg, "")
		}
	}
	return nil
}

// process reports whether the offset may be committed.
func (h *consumerGroupHandler) process(ctx context.Context, msg *sarama.ConsumerMessage) bool {
	tracker := h.retryTracker
	if tracker == nil {
		tracker = newRetryTracker(1, 0)
	}

	ctx = ExtractTrace(ctx, msg)

	var err error
	attempt := 1
	for ; attempt <= tracker.maxAttempts; attempt++ {
		err = h.handler.HandleMessage(ctx, msg)
		if err == nil {
			return true
		}
		var dlqErr *DLQError
		if errors.As(err, &dlqErr) {
			break
		}
		h.logger.Warn("kafka message handler error", "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "attempt", attempt, "error", err)
		if attempt < tracker.maxAttempts {
			if waitErr := tracker.wait(ctx, attempt); waitErr != nil {
				return false
			}
		}
	}
	if attempt > tracker.maxAttempts {
		attempt = tracker.maxAttempts
	}

	if h.dlqPublisher == nil || h.dlqTopic == "" {
		h.logger.Error("kafka message dropped", "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "error", err)
		return false
	}

	var dlqErr *DLQError
	if !errors.As(err, &dlqErr) {
		dlqErr = &DLQError{Err: err, Reason: "retries_exhausted"}
	}
	key := ""
	if len(msg.Key) > 0 {
		key = string(msg.Key)
	}
	if _, _, pubErr := h.dlqPublisher.PublishJSON(ctx, h.dlqTopic, key, ConsumedDeadLetter(msg, dlqErr, attempt)); pubErr != nil {
		h.logger.Error("kafka dlq publish failed", "topic", h.dlqTopic, "error", pubErr)
		return false
	}
	return true
}
