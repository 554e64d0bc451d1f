// Package events publishes wallet changes after their atomic unit commits.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	TypeDeposited     = "wallet.deposited"
	TypeWithdrawn     = "wallet.withdrawn"
	TypeCreditIssued  = "wallet.credit_issued"
	TypeCreditExpired = "wallet.credit_expired"
	TypeFrozen        = "wallet.frozen"
	TypeUnfrozen      = "wallet.unfrozen"
)

// Event describes a committed wallet change.
type Event struct {
	Type             string    `json:"type"`
	Phone            string    `json:"phone"`
	Amount           int64     `json:"amount,omitempty"`
	RealBalance      int64     `json:"real_balance"`
	VirtualBalance   int64     `json:"virtual_balance"`
	CreditID         string    `json:"credit_id,omitempty"`
	TransactionIDs   []int64   `json:"transaction_ids,omitempty"`
	TransactionCodes []string  `json:"transaction_codes,omitempty"`
	Reason           string    `json:"reason,omitempty"`
	PerformedBy      string    `json:"performed_by,omitempty"`
	RequestID        string    `json:"request_id,omitempty"`
	OccurredAt       time.Time `json:"occurred_at"`
}

// Publisher delivers events to downstream systems.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// LogPublisher writes events to the structured logger. A nil receiver or
// logger drops events.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher constructs a logging publisher.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

// Publish logs the event.
func (p *LogPublisher) Publish(_ context.Context, event Event) error {
	if p == nil || p.logger == nil {
		return nil
	}
	p.logger.Info("wallet event",
		"type", event.Type,
		"phone", event.Phone,
		"amount", event.Amount,
		"real_balance", event.RealBalance,
		"virtual_balance", event.VirtualBalance,
		"transaction_codes", event.TransactionCodes,
	)
	return nil
}

// MessageWriter is the subset of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaPublisher sends events as JSON keyed by phone, so one wallet's events
// stay ordered within a partition.
type KafkaPublisher struct {
	writer MessageWriter
}

// NewKafkaPublisher constructs a Kafka-backed publisher.
func NewKafkaPublisher(writer MessageWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: writer}
}

// Publish writes the event to Kafka.
func (p *KafkaPublisher) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal wallet event: %w", err)
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.Phone),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(event.Type)},
		},
		Time: event.OccurredAt,
	})
	if err != nil {
		return fmt.Errorf("write wallet event to kafka: %w", err)
	}
	return nil
}
