package message

import (
	"context"
	"encoding/json"
	"fmt"

	kafka "github.com/segmentio/kafka-go"

	"priceguard/internal/core"
)

// KafkaPublisher publishes alert and engagement events to Kafka. The
// notification-service consumes them and drives channel delivery.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher creates a publisher that writes to the given Kafka brokers.
func NewKafkaPublisher(brokers []string) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Balancer: &kafka.LeastBytes{},
	}
	return &KafkaPublisher{writer: w}
}

// Close shuts down the underlying Kafka writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// NotifyAlert publishes a triggered alert to the alerts.triggered topic.
func (p *KafkaPublisher) NotifyAlert(ctx context.Context, alert *core.Alert) error {
	event := AlertEvent{
		AlertID:        alert.ID,
		UserID:         alert.UserID,
		ProductID:      alert.ProductID,
		RuleID:         alert.RuleID,
		AlertType:      string(alert.Type),
		Message:        alert.Message,
		CurrentPrice:   alert.CurrentPrice.String(),
		PercentageDrop: alert.PercentageDrop,
		Currency:       alert.Currency,
		Priority:       alert.Priority,
		CreatedAt:      alert.CreatedAt,
	}
	if alert.PreviousPrice != nil {
		event.PreviousPrice = alert.PreviousPrice.String()
	}
	if alert.AbsoluteDrop != nil {
		event.AbsoluteDrop = alert.AbsoluteDrop.String()
	}
	for _, ch := range alert.EnabledChannels {
		event.Channels = append(event.Channels, string(ch))
	}
	return p.publish(ctx, TopicAlerts, kafka.Message{
		Key: []byte(alert.ProductID),
	}, event)
}

// PublishEngagement publishes an engagement signal to the engagement.events topic.
func (p *KafkaPublisher) PublishEngagement(ctx context.Context, ev *core.EngagementEvent) error {
	event := EngagementEvent{
		EventID:    ev.ID,
		UserID:     ev.UserID,
		DeliveryID: ev.DeliveryID,
		Channel:    string(ev.Channel),
		EventType:  string(ev.Type),
		DeviceType: ev.DeviceType,
		Platform:   ev.Platform,
		OccurredAt: ev.OccurredAt,
	}
	return p.publish(ctx, TopicEngagement, kafka.Message{
		Key: []byte(ev.UserID),
	}, event)
}

func (p *KafkaPublisher) publish(ctx context.Context, topic string, msg kafka.Message, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal kafka event for topic %s: %w", topic, err)
	}
	msg.Topic = topic
	msg.Value = data
	return p.writer.WriteMessages(ctx, msg)
}
