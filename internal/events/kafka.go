package events

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"
)

// KafkaConfig holds Kafka connection parameters.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`

	// TLS enables TLS for Kafka connections.
	TLS bool `yaml:"tls"`

	// SASL configuration for authentication.
	SASLEnabled   bool   `yaml:"sasl_enabled"`
	SASLMechanism string `yaml:"sasl_mechanism"` // "PLAIN" or "SCRAM-SHA-256" or "SCRAM-SHA-512"
	SASLUsername  string `yaml:"sasl_username"`
	SASLPassword  string `yaml:"-"`

	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

// ParseBrokers splits a comma-separated bootstrap list.
func ParseBrokers(bootstrap string) []string {
	var out []string
	for _, b := range strings.Split(bootstrap, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// KafkaProducer is a Transport backed by kafka-go writers, one per topic.
type KafkaProducer struct {
	mu        sync.Mutex
	writers   map[string]*kafkago.Writer
	brokers   []string
	transport *kafkago.Transport
	dialer    *kafkago.Dialer
	batch     time.Duration
}

// NewKafkaProducer creates a producer. Writers are created lazily per topic.
func NewKafkaProducer(cfg KafkaConfig) (*KafkaProducer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: at least one broker is required")
	}

	p := &KafkaProducer{
		writers:   make(map[string]*kafkago.Writer),
		brokers:   cfg.Brokers,
		transport: &kafkago.Transport{},
		dialer:    &kafkago.Dialer{Timeout: 10 * time.Second},
		batch:     cfg.BatchTimeout,
	}
	if p.batch <= 0 {
		p.batch = 10 * time.Millisecond
	}

	if cfg.TLS {
		tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
		p.transport.TLS = tlsCfg
		p.dialer.TLS = tlsCfg
	}
	if cfg.SASLEnabled {
		mech, err := resolveSASL(cfg)
		if err != nil {
			return nil, err
		}
		p.transport.SASL = mech
		p.dialer.SASLMechanism = mech
	}

	return p, nil
}

// resolveSASL returns the configured SASL mechanism.
func resolveSASL(cfg KafkaConfig) (sasl.Mechanism, error) {
	switch strings.ToUpper(cfg.SASLMechanism) {
	case "SCRAM-SHA-256":
		return scram.Mechanism(scram.SHA256, cfg.SASLUsername, cfg.SASLPassword)
	case "SCRAM-SHA-512":
		return scram.Mechanism(scram.SHA512, cfg.SASLUsername, cfg.SASLPassword)
	case "PLAIN", "":
		return plain.Mechanism{
			Username: cfg.SASLUsername,
			Password: cfg.SASLPassword,
		}, nil
	default:
		return nil, fmt.Errorf("kafka: unsupported sasl mechanism %q", cfg.SASLMechanism)
	}
}

// Publish sends messages to the specified topic.
func (p *KafkaProducer) Publish(ctx context.Context, topic string, messages ...Message) error {
	w := p.getOrCreateWriter(topic)

	kafkaMessages := make([]kafkago.Message, 0, len(messages))
	for _, msg := range messages {
		km := kafkago.Message{
			Key:   msg.Key,
			Value: msg.Value,
		}
		for k, v := range msg.Headers {
			km.Headers = append(km.Headers, kafkago.Header{
				Key:   k,
				Value: []byte(v),
			})
		}
		kafkaMessages = append(kafkaMessages, km)
	}

	if err := w.WriteMessages(ctx, kafkaMessages...); err != nil {
		return fmt.Errorf("kafka publish to %s: %w", topic, err)
	}
	return nil
}

// Ping dials the first reachable broker.
func (p *KafkaProducer) Ping(ctx context.Context) error {
	var lastErr error
	for _, broker := range p.brokers {
		conn, err := p.dialer.DialContext(ctx, "tcp", broker)
		if err != nil {
			lastErr = err
			continue
		}
		conn.Close()
		return nil
	}
	return fmt.Errorf("kafka: no reachable broker: %w", lastErr)
}

// Close closes all writers.
func (p *KafkaProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for topic, w := range p.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing writer for topic %s: %w", topic, err)
		}
	}
	p.writers = make(map[string]*kafkago.Writer)
	return firstErr
}

// getOrCreateWriter lazily creates a writer for a topic.
func (p *KafkaProducer) getOrCreateWriter(topic string) *kafkago.Writer {
	p.mu.Lock()
	defer p.mu.Unlock()

	if w, ok := p.writers[topic]; ok {
		return w
	}

	w := &kafkago.Writer{
		Addr:                   kafkago.TCP(p.brokers...),
		Topic:                  topic,
		Balancer:               &kafkago.Hash{},
		BatchTimeout:           p.batch,
		RequiredAcks:           kafkago.RequireAll,
		AllowAutoTopicCreation: true,
		Transport:              p.transport,
	}
	p.writers[topic] = w
	return w
}
