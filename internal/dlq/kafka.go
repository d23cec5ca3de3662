package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/twmb/franz-go/pkg/kgo"
)

// producer abstracts the kafka client methods used by KafkaPublisher for testing.
type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// KafkaPublisher publishes dead-lettered batches to a Kafka topic. Records are
// keyed by correlation ID and carry the rule and error code as headers.
type KafkaPublisher struct {
	client producer
	topic  string
}

// KafkaTarget is a parsed kafka://broker1,broker2/topic address.
type KafkaTarget struct {
	Brokers []string
	Topic   string
}

// ParseKafkaTarget parses a kafka://host:port[,host:port]/topic address.
func ParseKafkaTarget(raw string) (KafkaTarget, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return KafkaTarget{}, fmt.Errorf("parse kafka address: %w", err)
	}
	if u.Scheme != "kafka" {
		return KafkaTarget{}, fmt.Errorf("kafka address %q: scheme must be kafka", raw)
	}
	var brokers []string
	for _, b := range strings.Split(u.Host, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	if len(brokers) == 0 {
		return KafkaTarget{}, fmt.Errorf("kafka address %q: at least one broker is required", raw)
	}
	topic := strings.Trim(u.Path, "/")
	if topic == "" || strings.Contains(topic, "/") {
		return KafkaTarget{}, fmt.Errorf("kafka address %q: exactly one topic is required", raw)
	}
	return KafkaTarget{Brokers: brokers, Topic: topic}, nil
}

// NewKafkaPublisher creates a publisher producing to target.
func NewKafkaPublisher(target KafkaTarget, opts ...kgo.Opt) (*KafkaPublisher, error) {
	if len(target.Brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if target.Topic == "" {
		return nil, errors.New("topic is required")
	}

	client, err := kgo.NewClient(append([]kgo.Opt{
		kgo.SeedBrokers(target.Brokers...),
		kgo.ClientID("batchrules"),
	}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return &KafkaPublisher{client: client, topic: target.Topic}, nil
}

// Publish implements Publisher.
func (p *KafkaPublisher) Publish(ctx context.Context, rec Record) error {
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	record := &kgo.Record{
		Topic: p.topic,
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "batchrules-rule", Value: []byte(rec.Rule)},
			{Key: "batchrules-error-code", Value: []byte(rec.ErrorCode)},
		},
	}
	if rec.CorrelationID != "" {
		record.Key = []byte(rec.CorrelationID)
	}

	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("kafka publish: %w", err)
	}
	return nil
}

// Close shuts down the client.
func (p *KafkaPublisher) Close() error {
	p.client.Close()
	return nil
}
