// Package queue is the work-queue transport adapter: a partitioned,
// offset-acknowledged stream carrying one durable task record per job.
//
// Records are keyed by jobId so per-job ordering is preserved within a
// partition, and no two consumer processes compete for the same job.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/ChuLiYu/crawlqueue/pkg/types"
)

// Publisher publishes one task record per submitted job. The publish is
// synchronous: an error return means the record is not durably on the stream.
type Publisher interface {
	Publish(ctx context.Context, msg types.TaskMessage) error
	Close()
}

// KafkaPublisher implements Publisher on a Kafka-compatible broker.
type KafkaPublisher struct {
	client *kgo.Client
	topic  string
	log    *slog.Logger
}

// NewKafkaPublisher connects a producer client to the given brokers.
func NewKafkaPublisher(brokers []string, topic string, logger *slog.Logger) (*KafkaPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	return &KafkaPublisher{client: client, topic: topic, log: logger}, nil
}

// Publish produces the task record keyed by jobId and waits for the broker
// acknowledgement. Callers treat a failure here as a transport error: the
// durable job row already exists and stays PENDING.
func (p *KafkaPublisher) Publish(ctx context.Context, msg types.TaskMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode task message for %s: %w", msg.JobID, err)
	}

	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(msg.JobID),
		Value: payload,
	}

	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("failed to publish task record for %s: %w", msg.JobID, err)
	}

	p.log.Info("Task record published",
		"jobID", msg.JobID, "urls", len(msg.URLs), "topic", p.topic)
	return nil
}

// Close flushes and releases the producer client.
func (p *KafkaPublisher) Close() {
	p.client.Close()
}
