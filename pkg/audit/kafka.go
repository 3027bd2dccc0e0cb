package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

type KafkaClient interface {
	Produce(ctx context.Context, record *kgo.Record, fn func(*kgo.Record, error))
}

// KafkaSink publishes records as JSON keyed by fingerprint and waits for the
// broker acknowledgement.
type KafkaSink struct {
	client KafkaClient
	topic  string
}

func NewKafkaSink(client KafkaClient, topic string) (*KafkaSink, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	return &KafkaSink{client: client, topic: topic}, nil
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Append(ctx context.Context, rec Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}

	done := make(chan error, 1)
	s.client.Produce(ctx, &kgo.Record{
		Topic: s.topic,
		Key:   []byte(rec.Fingerprint),
		Value: payload,
	}, func(_ *kgo.Record, err error) {
		done <- err
	})

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("failed to produce record: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close is a no-op. The client is owned by the caller.
func (s *KafkaSink) Close() error { return nil }

// KafkaProducer is a kgo client for audit records.
type KafkaProducer struct {
	client *kgo.Client
}

func NewKafkaProducer(brokers []string) (*KafkaProducer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("brokers are required")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.AllowAutoTopicCreation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	return &KafkaProducer{client: client}, nil
}

func (p *KafkaProducer) Produce(ctx context.Context, record *kgo.Record, fn func(*kgo.Record, error)) {
	p.client.Produce(ctx, record, fn)
}

// EnsureTopic creates the topic unless it already exists.
func (p *KafkaProducer) EnsureTopic(ctx context.Context, topic string, partitions int, replication int) error {
	adm := kadm.NewClient(p.client)
	_, err := adm.CreateTopic(ctx, int32(partitions), int16(replication), nil, topic)
	if err != nil {
		if errors.Is(err, kerr.TopicAlreadyExists) || strings.Contains(err.Error(), "TOPIC_ALREADY_EXISTS") {
			return nil
		}
		return fmt.Errorf("create topic: %w", err)
	}
	return nil
}

func (p *KafkaProducer) Close() { p.client.Close() }
