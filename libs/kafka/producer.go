package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
)

type ProducerMetrics struct {
	Published *prometheus.CounterVec
	Latency   *prometheus.HistogramVec
}

func NewProducerMetrics(registry prometheus.Registerer) *ProducerMetrics {
	m := &ProducerMetrics{
		Published: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kafka_published_total",
				Help: "Kafka publish attempts by topic and outcome.",
			},
			[]string{"topic", "status"},
		),
		Latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kafka_publish_duration_seconds",
				Help:    "Time until the broker acknowledged a publish.",
				Buckets: []float64{.002, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"topic"},
		),
	}
	registry.MustRegister(m.Published, m.Latency)
	return m
}

func (m *ProducerMetrics) observe(topic string, took time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.Published.WithLabelValues(topic, status).Inc()
	if err == nil {
		m.Latency.WithLabelValues(topic).Observe(took.Seconds())
	}
}

// Publisher sends JSON values keyed for partition affinity.
type Publisher interface {
	PublishJSON(ctx context.Context, topic, key string, value any) (int32, int64, error)
	Close() error
}

// ProducerConfig tunes the idempotent sync producer. Zero values take the
// defaults below.
type ProducerConfig struct {
	Brokers      []string
	ClientID     string
	MaxRetries   int
	RetryBackoff time.Duration
}

const (
	defaultProducerRetries = 5
	defaultProducerBackoff = 250 * time.Millisecond
)

func (c ProducerConfig) sarama() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_7_0_0
	if c.ClientID != "" {
		cfg.ClientID = c.ClientID
	}
	// Idempotent delivery needs acks from all replicas and a single
	// in-flight request per connection.
	cfg.Producer.Idempotent = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Net.MaxOpenRequests = 1
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.Partitioner = sarama.NewHashPartitioner

	cfg.Producer.Retry.Max = defaultProducerRetries
	if c.MaxRetries > 0 {
		cfg.Producer.Retry.Max = c.MaxRetries
	}
	cfg.Producer.Retry.Backoff = defaultProducerBackoff
	if c.RetryBackoff > 0 {
		cfg.Producer.Retry.Backoff = c.RetryBackoff
	}
	return cfg
}

// SyncProducer publishes one message at a time and waits for the broker ack.
type SyncProducer struct {
	producer sarama.SyncProducer
	logger   *slog.Logger
	metrics  *ProducerMetrics
}

func NewSyncProducer(cfg ProducerConfig, logger *slog.Logger, metrics *ProducerMetrics) (*SyncProducer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	producer, err := sarama.NewSyncProducer(cfg.Brokers, cfg.sarama())
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return newSyncProducer(producer, logger, metrics), nil
}

func newSyncProducer(producer sarama.SyncProducer, logger *slog.Logger, metrics *ProducerMetrics) *SyncProducer {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncProducer{producer: producer, logger: logger, metrics: metrics}
}

// PublishJSON marshals value and sends it to topic. Already encoded payloads
// may be passed as json.RawMessage. The caller's span context travels in the
// message headers.
func (p *SyncProducer) PublishJSON(ctx context.Context, topic, key string, value any) (int32, int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return 0, 0, fmt.Errorf("marshal kafka payload for %s: %w", topic, err)
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte(contentTypeHeader), Value: []byte("application/json")},
		},
	}
	if key != "" {
		msg.Key = sarama.StringEncoder(key)
	}
	injectTrace(ctx, msg)

	start := time.Now()
	partition, offset, err := p.producer.SendMessage(msg)
	p.metrics.observe(topic, time.Since(start), err)
	if err != nil {
		p.logger.Error("kafka publish failed", "topic", topic, "key", key, "error", err)
		return 0, 0, fmt.Errorf("publish to %s: %w", topic, err)
	}
	p.logger.Debug("kafka message published", "topic", topic, "key", key, "partition", partition, "offset", offset)
	return partition, offset, nil
}

func (p *SyncProducer) Close() error {
	if p == nil || p.producer == nil {
		return nil
	}
	return p.producer.Close()
}
