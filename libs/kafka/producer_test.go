package kafka

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	oteltrace "go.opentelemetry.io/otel/trace"
)

type stubPublisher struct {
	mu    sync.Mutex
	calls []publishCall
	err   error
}

type publishCall struct {
	topic string
	key   string
	value any
}

func (s *stubPublisher) PublishJSON(_ context.Context, topic, key string, value any) (int32, int64, error) {
	s.mu.Lock()
	s.calls = append(s.calls, publishCall{topic: topic, key: key, value: value})
	s.mu.Unlock()
	if s.err != nil {
		return 0, 0, s.err
	}
	return 0, 0, nil
}

func (s *stubPublisher) Close() error { return nil }

// fakeSyncProducer records messages; unimplemented methods panic.
type fakeSyncProducer struct {
	sarama.SyncProducer
	msgs []*sarama.ProducerMessage
	err  error
}

func (f *fakeSyncProducer) SendMessage(msg *sarama.ProducerMessage) (int32, int64, error) {
	if f.err != nil {
		return 0, 0, f.err
	}
	f.msgs = append(f.msgs, msg)
	return 2, int64(len(f.msgs)), nil
}

func (f *fakeSyncProducer) Close() error { return nil }

func TestSyncProducerPublishesJSONWithHeaders(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	fake := &fakeSyncProducer{}
	producer := newSyncProducer(fake, slog.Default(), nil)

	traceID, _ := oteltrace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := oteltrace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := oteltrace.ContextWithSpanContext(context.Background(), oteltrace.NewSpanContext(oteltrace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: oteltrace.FlagsSampled,
	}))

	partition, offset, err := producer.PublishJSON(ctx, "referral.rewards", "user-1", json.RawMessage(`{"amount":"10"}`))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if partition != 2 || offset != 1 {
		t.Fatalf("expected partition 2 offset 1, got %d/%d", partition, offset)
	}
	msg := fake.msgs[0]
	value, _ := msg.Value.Encode()
	if string(value) != `{"amount":"10"}` {
		t.Fatalf("expected raw payload passed through, got %s", value)
	}

	consumed := &sarama.ConsumerMessage{Topic: msg.Topic}
	for i := range msg.Headers {
		consumed.Headers = append(consumed.Headers, &msg.Headers[i])
	}
	if got := Header(consumed, contentTypeHeader); got != "application/json" {
		t.Fatalf("expected json content type, got %q", got)
	}
	got := oteltrace.SpanContextFromContext(ExtractTrace(context.Background(), consumed))
	if got.TraceID() != traceID {
		t.Fatalf("expected trace id to survive the hop, got %s", got.TraceID())
	}
}

func TestSyncProducerWrapsSendError(t *testing.T) {
	fake := &fakeSyncProducer{err: errors.New("broker down")}
	producer := newSyncProducer(fake, slog.Default(), nil)

	if _, _, err := producer.PublishJSON(context.Background(), "price.ticks", "", map[string]string{"a": "b"}); err == nil {
		t.Fatalf("expected publish error")
	}
}

func TestSyncProducerRejectsCancelledContext(t *testing.T) {
	fake := &fakeSyncProducer{}
	producer := newSyncProducer(fake, slog.Default(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, _, err := producer.PublishJSON(ctx, "price.ticks", "", "x"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(fake.msgs) != 0 {
		t.Fatalf("expected nothing sent")
	}
}

func TestPublishedDeadLetterKeepsRawPayload(t *testing.T) {
	dl := PublishedDeadLetter(SourceOutbox, "referral.rewards", "user-1", json.RawMessage(`{"x":1}`), errors.New("boom"), "outbox_exhausted", 8)

	raw, err := base64.StdEncoding.DecodeString(dl.Payload)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if string(raw) != `{"x":1}` {
		t.Fatalf("expected raw payload, got %s", raw)
	}
	if dl.Source != SourceOutbox || dl.Attempts != 8 || dl.Error != "boom" {
		t.Fatalf("unexpected dead letter %+v", dl)
	}
	if dl.Partition != nil || dl.Offset != nil {
		t.Fatalf("expected no position for unpublished value")
	}
}

func TestProducerConfigDefaults(t *testing.T) {
	cfg := ProducerConfig{ClientID: "trading"}.sarama()
	if cfg.Producer.Retry.Max != defaultProducerRetries {
		t.Fatalf("expected default retries, got %d", cfg.Producer.Retry.Max)
	}
	if !cfg.Producer.Idempotent || cfg.Net.MaxOpenRequests != 1 {
		t.Fatalf("expected idempotent producer settings")
	}
	if cfg.ClientID != "trading" {
		t.Fatalf("expected client id, got %s", cfg.ClientID)
	}
}

func TestDeterministicEventIDStable(t *testing.T) {
	a := DeterministicEventID("referral", "user-1")
	b := DeterministicEventID("referral", "user-1")
	c := DeterministicEventID("referral", "user-2")
	if a != b {
		t.Fatalf("expected stable id, got %s and %s", a, b)
	}
	if a == c {
		t.Fatalf("expected distinct ids for distinct parts")
	}
}

func TestNewEnvelopeWithIDValidates(t *testing.T) {
	if _, err := NewEnvelopeWithID("", "referral.reward", 1, ""); err == nil {
		t.Fatalf("expected error for missing id")
	}
	env, err := NewEnvelopeWithID("evt-1", "referral.reward", 1, "corr")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.Timestamp.IsZero() {
		t.Fatalf("expected timestamp to be set")
	}
}
