package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/aq-intake/internal/config"
	"github.com/couchcryptid/aq-intake/internal/domain"
)

// Writer produces normalized readings to a Kafka topic after each successful
// flush. It implements ingest.Publisher.
type Writer struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewWriter creates a Kafka producer for the configured readings topic.
func NewWriter(cfg *config.Config, logger *slog.Logger) *Writer {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaReadingsTopic,
		Balancer:     &kafkago.LeastBytes{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Writer{writer: w, logger: logger}
}

// PublishReadings serializes and publishes a flushed batch in a single
// WriteMessages call.
func (w *Writer) PublishReadings(ctx context.Context, readings []domain.NormalizedReading) error {
	if len(readings) == 0 {
		return nil
	}
	msgs := make([]kafkago.Message, len(readings))
	for i := range readings {
		msg, err := serializeToMessage(readings[i])
		if err != nil {
			return err
		}
		msgs[i] = msg
	}
	return w.writer.WriteMessages(ctx, msgs...)
}

func (w *Writer) Close() error {
	return w.writer.Close()
}

// serializeToMessage marshals a reading into a Kafka message. The key is the
// reading's dedup identity so topic compaction keeps one record per
// measurement.
func serializeToMessage(r domain.NormalizedReading) (kafkago.Message, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize reading: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(r.DedupKey()),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "parameter", Value: []byte(r.Parameter)},
			{Key: "ingested_at", Value: []byte(domain.Now().UTC().Format(time.RFC3339))},
		},
	}, nil
}
