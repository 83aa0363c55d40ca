// Package kafka publishes coordinator audit events to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	jianwen "github.com/SmallHorseBrother/jianwen-community-sub000"
)

// Config holds producer settings for the audit topic.
type Config struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
	WriteTimeout time.Duration
}

func DefaultConfig(brokers []string, topic string) Config {
	return Config{
		Brokers:      brokers,
		Topic:        topic,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 5 * time.Second,
	}
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Sink implements jianwen.AuditSink. Emit is called from the audit
// dispatcher's worker, so a slow broker backs up the dispatcher buffer and
// never an auth operation.
type Sink struct {
	writer       messageWriter
	topic        string
	writeTimeout time.Duration
	logger       *slog.Logger
	failed       atomic.Uint64
	published    atomic.Uint64
}

func New(cfg Config, logger *slog.Logger) (*Sink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka audit sink: no brokers configured")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka audit sink: topic is required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		RequiredAcks: kafka.RequireAll,
	}
	return newSink(w, cfg.Topic, cfg.WriteTimeout, logger), nil
}

func newSink(w messageWriter, topic string, writeTimeout time.Duration, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &Sink{writer: w, topic: topic, writeTimeout: writeTimeout, logger: logger}
}

// Emit writes event keyed by user id, so one user's events stay ordered
// within a partition.
func (s *Sink) Emit(ctx context.Context, event jianwen.AuditEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		s.failed.Add(1)
		return
	}

	key := event.UserID
	if key == "" {
		key = event.ID
	}
	msg := kafka.Message{
		Key:   []byte(key),
		Value: data,
		Time:  event.Timestamp,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
		},
	}
	if event.OperationID != "" {
		msg.Headers = append(msg.Headers, kafka.Header{Key: "operation_id", Value: []byte(event.OperationID)})
	}
	if event.RequestID != "" {
		msg.Headers = append(msg.Headers, kafka.Header{Key: "request_id", Value: []byte(event.RequestID)})
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.writeTimeout)
	defer cancel()
	if err := s.writer.WriteMessages(wctx, msg); err != nil {
		s.failed.Add(1)
		s.logger.ErrorContext(ctx, "audit event not published",
			slog.String("topic", s.topic),
			slog.String("event_type", event.EventType),
			slog.String("error", err.Error()),
		)
		return
	}
	s.published.Add(1)
}

// Failed counts events that could not be published.
func (s *Sink) Failed() uint64 { return s.failed.Load() }

// Published counts events acknowledged by the brokers.
func (s *Sink) Published() uint64 { return s.published.Load() }

// Close flushes pending messages. Close the coordinator first so the
// dispatcher has drained.
func (s *Sink) Close() error {
	return s.writer.Close()
}
