package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/eddielth/telemetry-normalizer/logger"
	"github.com/eddielth/telemetry-normalizer/transformer"
	"github.com/segmentio/kafka-go"
)

const kafkaWriteTimeout = 10 * time.Second

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaStorage publishes canonical records as JSON, keyed by device ID so a
// device's records stay on one partition
type KafkaStorage struct {
	writer messageWriter
	topic  string
}

// NewKafkaStorage creates a writer for topic
func NewKafkaStorage(brokers []string, topic string) *KafkaStorage {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}

	logger.Info("init kafka storage: topic %s on %v", topic, brokers)
	return &KafkaStorage{writer: writer, topic: topic}
}

// Store publishes one record
func (ks *KafkaStorage) Store(record transformer.Record) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("serialize record failed: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), kafkaWriteTimeout)
	defer cancel()

	err = ks.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(record.DeviceID),
		Value: payload,
		Time:  time.UnixMilli(record.Timestamp),
	})
	if err != nil {
		return fmt.Errorf("publish to kafka topic %s failed: %w", ks.topic, err)
	}

	logger.Debug("published record of device %s to kafka topic %s", record.DeviceID, ks.topic)
	return nil
}

// Close flushes and closes the writer
func (ks *KafkaStorage) Close() error {
	return ks.writer.Close()
}
