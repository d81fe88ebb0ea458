package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/eddielth/telemetry-normalizer/config"
	"github.com/eddielth/telemetry-normalizer/logger"
	"github.com/eddielth/telemetry-normalizer/pipeline"
	kafkago "github.com/segmentio/kafka-go"
)

const retryDelay = time.Second

// RecordHandler processes one raw telemetry payload
type RecordHandler interface {
	Handle(source string, payload []byte) error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Consumer reads raw telemetry from a topic as part of a consumer group.
// An offset is committed only after its message is stored or rejected.
type Consumer struct {
	reader     messageReader
	topic      string
	handler    RecordHandler
	retryDelay time.Duration
}

// NewConsumer creates a consumer group reader for cfg.Topic
func NewConsumer(cfg config.KafkaConfig, handler RecordHandler) *Consumer {
	reader := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		StartOffset:    kafkago.FirstOffset,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        time.Second,
		ReadBackoffMin: 100 * time.Millisecond,
		ReadBackoffMax: time.Second,
		CommitInterval: time.Second,
	})

	return &Consumer{
		reader:     reader,
		topic:      cfg.Topic,
		handler:    handler,
		retryDelay: retryDelay,
	}
}

// Run consumes until ctx is done or the reader is closed. Invalid records
// are committed after the handler logs them; storage failures are retried
// until they succeed or ctx is done.
func (c *Consumer) Run(ctx context.Context) error {
	logger.Info("starting kafka consumer for topic %s", c.topic)

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			logger.Error("error reading from kafka topic %s: %v", c.topic, err)
			if !c.wait(ctx) {
				return nil
			}
			continue
		}

		if !c.handle(ctx, msg) {
			return nil
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error("failed to commit offset %d of %s/%d: %v", msg.Offset, msg.Topic, msg.Partition, err)
		}
	}
}

// handle hands msg to the handler until it is not a storage failure.
// It returns false when ctx is done first.
func (c *Consumer) handle(ctx context.Context, msg kafkago.Message) bool {
	source := fmt.Sprintf("kafka:%s/%d@%d", msg.Topic, msg.Partition, msg.Offset)

	for {
		err := c.handler.Handle(source, msg.Value)
		if !errors.Is(err, pipeline.ErrStoreFailed) {
			return true
		}
		logger.Warn("retrying %s after storage failure", source)
		if !c.wait(ctx) {
			return false
		}
	}
}

func (c *Consumer) wait(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(c.retryDelay):
		return true
	}
}

// Close closes the reader and commits pending offsets
func (c *Consumer) Close() error {
	return c.reader.Close()
}
