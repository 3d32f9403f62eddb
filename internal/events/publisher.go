// Package events はドメインイベントの外部配信を提供する。
// 監査ログの記録やリマインダーの配信をKafkaトピックへJSONで送信する。
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// イベント種別。
const (
	TypeInteractionLogged = "interaction_log.recorded"
	TypeReminderDelivered = "reminder.delivered"
	TypeReminderMissed    = "reminder.missed"
)

// Event はトピックに送信するイベント。
type Event struct {
	Type         string    `json:"type"`
	UserID       string    `json:"userId,omitempty"`
	MedicationID string    `json:"medicationId,omitempty"`
	Payload      any       `json:"payload,omitempty"`
	OccurredAt   time.Time `json:"occurredAt"`
}

// Publisher はイベント配信のインターフェース。
type Publisher interface {
	// Publish はキーを付けてイベントを送信する。同じキーのイベントは同じパーティションに入る。
	Publish(ctx context.Context, key string, event Event) error
	Close() error
}

// messageWriter はkafka.Writerのうち使用するメソッドのインターフェース。
// テスト時にモックに差し替え可能。
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher はKafkaにイベントを送信するPublisher実装。
type KafkaPublisher struct {
	writer messageWriter
	topic  string
	logger *slog.Logger
}

// NewKafkaPublisher はKafkaPublisherを生成する。
// brokersはカンマ区切りのブローカーアドレス一覧。
func NewKafkaPublisher(brokers, topic string, logger *slog.Logger) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(strings.Split(brokers, ",")...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 5 * time.Second,
		RequiredAcks: kafka.RequireOne,
	}
	logger.Info("Kafkaイベント配信を有効化しました",
		slog.String("topic", topic),
	)
	return newKafkaPublisher(writer, topic, logger)
}

func newKafkaPublisher(writer messageWriter, topic string, logger *slog.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		writer: writer,
		topic:  topic,
		logger: logger,
	}
}

// Publish はイベントをJSONにシリアライズしてKafkaに送信する。
func (p *KafkaPublisher) Publish(ctx context.Context, key string, event Event) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("イベントのシリアライズに失敗しました: %w", err)
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(event.Type)},
		},
	})
	if err != nil {
		return fmt.Errorf("イベントの送信に失敗しました (topic=%s): %w", p.topic, err)
	}

	p.logger.Debug("イベントを送信しました",
		slog.String("topic", p.topic),
		slog.String("type", event.Type),
		slog.String("key", key),
	)
	return nil
}

// Close は未送信のメッセージを送信してWriterを閉じる。
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// NoopPublisher はイベントを破棄するPublisher実装。KAFKA_BROKERS未設定時に使用する。
type NoopPublisher struct{}

// Publish は何もしない。
func (NoopPublisher) Publish(context.Context, string, Event) error { return nil }

// Close は何もしない。
func (NoopPublisher) Close() error { return nil }
