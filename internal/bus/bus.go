// Package bus wraps the durable, partitioned, offset-seekable message bus
// the core depends on: a tail-subscribed consumer for inbound StratumJob
// records, and best-effort producers for the outbound ShareLog and
// SolvedShare topics. No repo in the retrieval pack uses a Kafka client;
// this package introduces github.com/segmentio/kafka-go to fill that role
// (see DESIGN.md).
package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	kafka "github.com/segmentio/kafka-go"
)

// ErrNoRecord is returned by Consumer.Poll when the poll timeout elapses
// without a record being delivered. Callers should treat this the same as
// an end-of-partition indication: log nothing, continue the loop.
var ErrNoRecord = errors.New("bus: no record within poll timeout")

// Consumer subscribes to a single-partition topic starting at the tail, so
// that only the single most recent record is replayed on restart.
type Consumer struct {
	reader *kafka.Reader
	topic  string
	logger *zap.Logger
}

// NewConsumer dials the partition leader to read the last offset and
// subscribes to topic at offset TAIL(1): the reader starts one record
// before the end, so the most recent existing record is delivered first.
func NewConsumer(brokers []string, topic string, logger *zap.Logger) (*Consumer, error) {
	conn, err := kafka.DialLeader(context.Background(), "tcp", brokers[0], topic, 0)
	if err != nil {
		return nil, fmt.Errorf("bus: dial %s leader: %w", topic, err)
	}
	last, err := conn.ReadLastOffset()
	conn.Close()
	if err != nil {
		return nil, fmt.Errorf("bus: read %s last offset: %w", topic, err)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		Partition:   0,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.LastOffset,
	})
	if last > 0 {
		if err := reader.SetOffset(last - 1); err != nil {
			reader.Close()
			return nil, fmt.Errorf("bus: seek %s: %w", topic, err)
		}
	}

	return &Consumer{
		reader: reader,
		topic:  topic,
		logger: logger.Named("bus.consumer").With(zap.String("topic", topic)),
	}, nil
}

// Poll waits up to timeout for the next record. It returns ErrNoRecord on
// timeout (treated as an ignorable end-of-partition indication), ctx's
// error once ctx is cancelled, and any other read failure wrapped; IsFatal
// tells the unrecoverable ones (unknown topic/partition) apart from
// transient ones.
func (c *Consumer) Poll(ctx context.Context, timeout time.Duration) ([]byte, error) {
	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg, err := c.reader.ReadMessage(pollCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrNoRecord
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("bus: poll %s: %w", c.topic, err)
	}
	return msg.Value, nil
}

// Close releases the underlying connection.
func (c *Consumer) Close() error {
	return c.reader.Close()
}

// Producer publishes opaque payloads to a topic. Messages carry no key;
// the partition of each message is chosen on the client by kafka-go's
// round-robin balancer, not by the broker.
type Producer struct {
	writer *kafka.Writer
	topic  string
	logger *zap.Logger
}

// NewProducer creates a producer for topic that spreads messages over the
// topic's partitions with a client-side round-robin balancer.
func NewProducer(brokers []string, topic string, logger *zap.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.RoundRobin{},
		AllowAutoTopicCreation: false,
	}

	return &Producer{
		writer: writer,
		topic:  topic,
		logger: logger.Named("bus.producer").With(zap.String("topic", topic)),
	}
}

// Produce publishes a single opaque payload. Failures are recoverable per
// the core's error-handling design: the caller logs and moves on.
func (p *Producer) Produce(ctx context.Context, payload []byte) error {
	err := p.writer.WriteMessages(ctx, kafka.Message{Value: payload})
	if err != nil {
		return fmt.Errorf("bus: produce %s: %w", p.topic, err)
	}
	return nil
}

// Close flushes and releases the underlying connection.
func (p *Producer) Close() error {
	return p.writer.Close()
}

// IsFatal reports whether err represents an unrecoverable bus condition
// (unknown topic/partition) that should abort the process, as opposed to
// a transient I/O failure.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, kafka.UnknownTopicOrPartition)
}
