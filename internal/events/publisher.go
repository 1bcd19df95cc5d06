// Package events publishes committed ledger transactions to Kafka so notification
// delivery and reporting consumers can follow balance changes.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"

	"github.com/taskpay/backend/internal/models"
	"github.com/taskpay/backend/internal/money"
)

// TransactionEvent is the message value, keyed by account id.
type TransactionEvent struct {
	ID             uuid.UUID        `json:"id"`
	AccountID      uuid.UUID        `json:"accountId"`
	Type           models.Direction `json:"type"`
	Category       models.Category  `json:"category"`
	Amount         money.Amount     `json:"amount"`
	BalanceAfter   money.Amount     `json:"balanceAfter"`
	Description    string           `json:"description"`
	Reference      string           `json:"reference"`
	CounterpartyID *uuid.UUID       `json:"counterpartyId,omitempty"`
	TaskID         *uuid.UUID       `json:"taskId,omitempty"`
	CreatedAt      time.Time        `json:"createdAt"`
}

func NewTransactionEvent(t *models.Transaction) TransactionEvent {
	return TransactionEvent{
		ID:             t.ID,
		AccountID:      t.AccountID,
		Type:           t.Direction,
		Category:       t.Category,
		Amount:         money.NewAmount(t.Amount),
		BalanceAfter:   money.NewAmount(t.BalanceAfter),
		Description:    t.Description,
		Reference:      t.Reference,
		CounterpartyID: t.CounterpartyID,
		TaskID:         t.TaskID,
		CreatedAt:      t.CreatedAt,
	}
}

type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
	log      *slog.Logger
}

func NewKafkaPublisher(producer sarama.SyncProducer, topic string, log *slog.Logger) *KafkaPublisher {
	if log == nil {
		log = slog.Default()
	}
	return &KafkaPublisher{producer: producer, topic: topic, log: log}
}

// NewSyncProducer dials brokers with acks from all in-sync replicas and an
// idempotent producer, so a retried send is not duplicated in the log.
func NewSyncProducer(brokers []string, clientID string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.ClientID = clientID
	cfg.Version = sarama.V2_8_0_0
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Idempotent = true
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Retry.Backoff = 200 * time.Millisecond
	cfg.Producer.Return.Successes = true
	cfg.Net.MaxOpenRequests = 1
	p, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return p, nil
}

// PublishTransactions sends one message per transaction in a single batch.
func (p *KafkaPublisher) PublishTransactions(_ context.Context, txns []*models.Transaction) error {
	if len(txns) == 0 {
		return nil
	}
	msgs := make([]*sarama.ProducerMessage, 0, len(txns))
	for _, t := range txns {
		value, err := json.Marshal(NewTransactionEvent(t))
		if err != nil {
			return fmt.Errorf("marshal transaction %s: %w", t.ID, err)
		}
		msgs = append(msgs, &sarama.ProducerMessage{
			Topic: p.topic,
			Key:   sarama.StringEncoder(t.AccountID.String()),
			Value: sarama.ByteEncoder(value),
			Headers: []sarama.RecordHeader{
				{Key: []byte("category"), Value: []byte(t.Category)},
			},
		})
	}
	if err := p.producer.SendMessages(msgs); err != nil {
		return fmt.Errorf("send %d ledger events: %w", len(msgs), err)
	}
	p.log.Debug("ledger events published", "topic", p.topic, "count", len(msgs))
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}
