package kafka

import (
	"context"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel"
)

const contentTypeHeader = "content-type"

// producerCarrier writes propagation fields onto an outgoing message.
type producerCarrier struct {
	msg *sarama.ProducerMessage
}

func (c producerCarrier) Get(key string) string {
	for _, h := range c.msg.Headers {
		if string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c producerCarrier) Set(key, value string) {
	for i, h := range c.msg.Headers {
		if string(h.Key) == key {
			c.msg.Headers[i].Value = []byte(value)
			return
		}
	}
	c.msg.Headers = append(c.msg.Headers, sarama.RecordHeader{Key: []byte(key), Value: []byte(value)})
}

func (c producerCarrier) Keys() []string {
	keys := make([]string, 0, len(c.msg.Headers))
	for _, h := range c.msg.Headers {
		keys = append(keys, string(h.Key))
	}
	return keys
}

// consumerCarrier reads propagation fields from a consumed message.
type consumerCarrier struct {
	msg *sarama.ConsumerMessage
}

func (c consumerCarrier) Get(key string) string {
	for _, h := range c.msg.Headers {
		if h != nil && string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c consumerCarrier) Set(string, string) {}

func (c consumerCarrier) Keys() []string {
	keys := make([]string, 0, len(c.msg.Headers))
	for _, h := range c.msg.Headers {
		if h != nil {
			keys = append(keys, string(h.Key))
		}
	}
	return keys
}

func injectTrace(ctx context.Context, msg *sarama.ProducerMessage) {
	otel.GetTextMapPropagator().Inject(ctx, producerCarrier{msg: msg})
}

// ExtractTrace returns ctx carrying the span context the producer attached to
// msg, if any.
func ExtractTrace(ctx context.Context, msg *sarama.ConsumerMessage) context.Context {
	if msg == nil {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, consumerCarrier{msg: msg})
}

// Header returns the value of the named header on msg.
func Header(msg *sarama.ConsumerMessage, key string) string {
	if msg == nil {
		return ""
	}
	return consumerCarrier{msg: msg}.Get(key)
}
