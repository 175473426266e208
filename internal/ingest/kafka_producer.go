package ingest

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/emergency-connect/internal/dispatch"
	"github.com/example/emergency-connect/internal/models"
)

// KafkaProducer writes to one topic. The server runs one for ambulance
// locations and, when configured, one for lifecycle events.
type KafkaProducer struct {
	writer *kafka.Writer
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: topic, Balancer: &kafka.Hash{}})
	return &KafkaProducer{writer: w}
}

// PublishLocation keys by ambulance so a unit's reports stay ordered.
func (k *KafkaProducer) PublishLocation(ctx context.Context, p models.AmbulancePosition) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(strconv.FormatInt(p.AmbulanceID, 10)), Value: b})
}

// Send implements dispatch.Sink for downstream consumers such as audit or
// analytics pipelines.
func (k *KafkaProducer) Send(ctx context.Context, scopes []string, ev dispatch.Event) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.Type),
		Value: b,
		Headers: []kafka.Header{
			{Key: "scopes", Value: []byte(strings.Join(scopes, ","))},
		},
	})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
