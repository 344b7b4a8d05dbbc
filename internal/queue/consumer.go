package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/ChuLiYu/crawlqueue/pkg/types"
)

// ErrDuplicate reports that the handler already holds the task. Duplicate
// records are acknowledged: redelivering them again would change nothing.
var ErrDuplicate = errors.New("task already accepted")

// IntakeHandler accepts a parsed task record into the pending set.
// An error return prevents the offset commit so the record is redelivered.
type IntakeHandler interface {
	Accept(ctx context.Context, msg types.TaskMessage) error
}

// Consumer drains the task stream into the intake handler.
//
// Offsets are committed manually, one record at a time, only after the
// handler has accepted the task. Malformed records are committed anyway and
// logged, so a poison pill cannot wedge the consumer group.
type Consumer struct {
	client  *kgo.Client
	handler IntakeHandler
	log     *slog.Logger
}

// NewConsumer joins the consumer group on the task topic.
func NewConsumer(brokers []string, topic, groupID string, handler IntakeHandler, logger *slog.Logger) (*Consumer, error) {
	if logger == nil {
		logger = slog.Default()
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topic),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}

	return &Consumer{client: client, handler: handler, log: logger}, nil
}

// Run polls the transport until ctx is cancelled. It never lets a parse
// error kill the loop.
func (c *Consumer) Run(ctx context.Context) {
	for {
		fetches := c.client.PollFetches(ctx)
		if ctx.Err() != nil {
			c.log.Info("Intake consumer stopped")
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.log.Error("Fetch error", "topic", topic, "partition", partition, "error", err)
		})

		iter := fetches.RecordIter()
		for !iter.Done() {
			record := iter.Next()
			if err := c.handleRecord(ctx, record); err != nil {
				// 不提交 offset，訊息將被重新投遞
				c.log.Error("Failed to accept task record, leaving uncommitted",
					"partition", record.Partition, "offset", record.Offset, "error", err)
				continue
			}
			if err := c.client.CommitRecords(ctx, record); err != nil {
				c.log.Error("Failed to commit offset",
					"partition", record.Partition, "offset", record.Offset, "error", err)
			}
		}
	}
}

// handleRecord parses and forwards one record. A nil return means the offset
// may be committed, including the malformed-message case.
func (c *Consumer) handleRecord(ctx context.Context, record *kgo.Record) error {
	var msg types.TaskMessage
	if err := json.Unmarshal(record.Value, &msg); err != nil {
		c.log.Error("Malformed task record, acknowledging",
			"partition", record.Partition, "offset", record.Offset, "error", err)
		return nil
	}
	if msg.JobID == "" || len(msg.URLs) == 0 {
		c.log.Error("Invalid task record, acknowledging",
			"partition", record.Partition, "offset", record.Offset, "jobID", msg.JobID)
		return nil
	}

	err := c.handler.Accept(ctx, msg)
	if errors.Is(err, ErrDuplicate) {
		c.log.Warn("Duplicate task record, acknowledging", "jobID", msg.JobID)
		return nil
	}
	if err != nil {
		return err
	}

	c.log.Info("Task record accepted",
		"jobID", msg.JobID, "urls", len(msg.URLs), "partition", record.Partition, "offset", record.Offset)
	return nil
}

// Close leaves the consumer group.
func (c *Consumer) Close() {
	c.client.Close()
}
