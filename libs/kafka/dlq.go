package kafka

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
)

// Dead-letter sources.
const (
	SourceConsumer  = "consumer"
	SourcePublisher = "publisher"
	SourceOutbox    = "outbox"
)

// DLQError marks a handler failure that must not be retried.
type DLQError struct {
	Err    error
	Reason string
}

func (e *DLQError) Error() string {
	if e == nil {
		return ""
	}
	if e.Reason == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *DLQError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func DLQ(err error, reason string) error {
	if err == nil {
		return nil
	}
	return &DLQError{Err: err, Reason: reason}
}

// DeadLetter is the record written to the dead-letter topic. Partition and
// Offset are set only for messages that were consumed.
type DeadLetter struct {
	Source        string    `json:"source"`
	OriginalTopic string    `json:"original_topic"`
	Partition     *int32    `json:"partition,omitempty"`
	Offset        *int64    `json:"offset,omitempty"`
	Key           string    `json:"key,omitempty"`
	Error         string    `json:"error"`
	Reason        string    `json:"reason,omitempty"`
	Attempts      int       `json:"attempts,omitempty"`
	Payload       string    `json:"payload_base64"`
	Timestamp     time.Time `json:"timestamp"`
}

// ConsumedDeadLetter describes a consumed message its handler gave up on.
func ConsumedDeadLetter(msg *sarama.ConsumerMessage, err *DLQError, attempts int) DeadLetter {
	if msg == nil {
		msg = &sarama.ConsumerMessage{}
	}
	partition, offset := msg.Partition, msg.Offset
	dl := DeadLetter{
		Source:        SourceConsumer,
		OriginalTopic: msg.Topic,
		Partition:     &partition,
		Offset:        &offset,
		Key:           string(msg.Key),
		Attempts:      attempts,
		Payload:       encodeRaw(msg.Value),
		Timestamp:     time.Now().UTC(),
	}
	if err != nil {
		dl.Reason = err.Reason
		if err.Err != nil {
			dl.Error = err.Err.Error()
		} else {
			dl.Error = err.Error()
		}
	}
	return dl
}

// PublishedDeadLetter describes a value that could not be published.
func PublishedDeadLetter(source, topic, key string, value any, err error, reason string, attempts int) DeadLetter {
	dl := DeadLetter{
		Source:        source,
		OriginalTopic: topic,
		Key:           key,
		Reason:        reason,
		Attempts:      attempts,
		Timestamp:     time.Now().UTC(),
	}
	if err != nil {
		dl.Error = err.Error()
	}
	switch v := value.(type) {
	case nil:
	case []byte:
		dl.Payload = encodeRaw(v)
	case json.RawMessage:
		dl.Payload = encodeRaw(v)
	default:
		raw, marshalErr := json.Marshal(v)
		if marshalErr != nil {
			raw = []byte(fmt.Sprintf("%v", v))
		}
		dl.Payload = encodeRaw(raw)
	}
	return dl
}

func encodeRaw(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(b)
}
