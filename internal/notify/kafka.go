package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"

	"news_ingest/internal/model"
	"news_ingest/internal/partition"
)

// Event is the message published for each high-impact story.
type Event struct {
	RunID       string    `json:"run_id"`
	Partition   string    `json:"partition"`
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	Source      string    `json:"source"`
	ImpactLevel int       `json:"impact_level"`
	PublishedAt time.Time `json:"published_at"`
}

// Kafka publishes high-impact stories to a topic, keyed by partition name.
type Kafka struct {
	producer sarama.SyncProducer
	topic    string
	log      *slog.Logger
}

// NewKafka connects a synchronous producer to brokers.
func NewKafka(brokers []string, topic string, log *slog.Logger) (*Kafka, error) {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_6_0_0
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return newKafka(producer, topic, log), nil
}

func newKafka(producer sarama.SyncProducer, topic string, log *slog.Logger) *Kafka {
	return &Kafka{producer: producer, topic: topic, log: log.With("component", "kafka")}
}

// Notify implements Notifier.
func (k *Kafka) Notify(_ context.Context, result model.RunResult) error {
	if len(result.HighImpact) == 0 {
		return nil
	}

	msgs := make([]*sarama.ProducerMessage, 0, len(result.HighImpact))
	for _, item := range result.HighImpact {
		key := partition.KeyFor(item.PublishedAt).String()
		payload, err := json.Marshal(Event{
			RunID:       result.RunID,
			Partition:   key,
			Title:       item.Title,
			URL:         item.URL,
			Source:      item.Source,
			ImpactLevel: int(item.Impact),
			PublishedAt: item.PublishedAt,
		})
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		msgs = append(msgs, &sarama.ProducerMessage{
			Topic: k.topic,
			Key:   sarama.StringEncoder(key),
			Value: sarama.ByteEncoder(payload),
		})
	}

	if err := k.producer.SendMessages(msgs); err != nil {
		return fmt.Errorf("publish %d events: %w", len(msgs), err)
	}
	k.log.Debug("published events", "topic", k.topic, "count", len(msgs))
	return nil
}

// Close flushes and closes the producer.
func (k *Kafka) Close() error {
	return k.producer.Close()
}
