package exporter

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/zoobzio/clockz"
)

// KafkaOptions configures a KafkaTransport.
type KafkaOptions struct {
	Brokers []string
	Topic   string
	// Key partitions batches; the service name keeps one service's traces
	// ordered on one partition.
	Key      string
	Username string
	Password string
	Timeout  time.Duration
}

// KafkaTransport publishes each batch as one message on a topic.
type KafkaTransport struct {
	producer sarama.SyncProducer
	topic    string
	key      string
	clock    clockz.Clock
}

// NewKafkaConfig returns the producer configuration used by
// NewKafkaTransport.
func NewKafkaConfig(opts KafkaOptions) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = "apm-agent"
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Return.Successes = true
	cfg.Producer.Compression = sarama.CompressionGZIP
	if opts.Timeout > 0 {
		cfg.Producer.Timeout = opts.Timeout
		cfg.Net.DialTimeout = opts.Timeout
	}
	if opts.Username != "" {
		cfg.Net.SASL.Enable = true
		cfg.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		cfg.Net.SASL.User = opts.Username
		cfg.Net.SASL.Password = opts.Password
	}
	return cfg
}

// NewKafkaTransport connects a synchronous producer to the brokers.
func NewKafkaTransport(opts KafkaOptions) (*KafkaTransport, error) {
	producer, err := sarama.NewSyncProducer(opts.Brokers, NewKafkaConfig(opts))
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return NewKafkaTransportWithProducer(producer, opts.Topic, opts.Key), nil
}

// NewKafkaTransportWithProducer wraps an existing producer.
func NewKafkaTransportWithProducer(p sarama.SyncProducer, topic, key string) *KafkaTransport {
	if topic == "" {
		topic = "traces"
	}
	return &KafkaTransport{producer: p, topic: topic, key: key, clock: clockz.RealClock}
}

// Send implements Transport. The producer call itself cannot be cancelled,
// so it runs on its own goroutine and Send returns ctx.Err() once ctx is
// done; the abandoned publish finishes or fails in the background.
func (k *KafkaTransport) Send(ctx context.Context, payload []byte, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	now := k.clock.Now()
	msg := &sarama.ProducerMessage{
		Topic:     k.topic,
		Value:     sarama.ByteEncoder(payload),
		Timestamp: now,
		Headers: []sarama.RecordHeader{
			{Key: []byte("content-type"), Value: []byte(contentType)},
			{Key: []byte("timestamp"), Value: []byte(now.UTC().Format(time.RFC3339Nano))},
		},
	}
	if k.key != "" {
		msg.Key = sarama.StringEncoder(k.key)
	}

	done := make(chan error, 1)
	go func() {
		_, _, err := k.producer.SendMessage(msg)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("publish to %s: %w", k.topic, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the producer.
func (k *KafkaTransport) Close() error {
	return k.producer.Close()
}
