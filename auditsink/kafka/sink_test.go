package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jianwen "github.com/SmallHorseBrother/jianwen-community-sub000"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("write without deadline")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func header(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestEmitPublishesKeyedMessage(t *testing.T) {
	w := &fakeWriter{}
	s := newSink(w, "auth-audit", time.Second, nil)

	ev := jianwen.AuditEvent{
		ID:          "evt-1",
		Timestamp:   time.Now().UTC(),
		EventType:   jianwen.AuditLogin,
		UserID:      "user-1",
		OperationID: "op-7",
		RequestID:   "req-9",
		Success:     true,
	}
	s.Emit(context.Background(), ev)

	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, "user-1", string(msg.Key))
	assert.Equal(t, jianwen.AuditLogin, header(msg, "event_type"))
	assert.Equal(t, "op-7", header(msg, "operation_id"))
	assert.Equal(t, "req-9", header(msg, "request_id"))

	var decoded jianwen.AuditEvent
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "evt-1", decoded.ID)
	assert.Equal(t, uint64(1), s.Published())
}

func TestEmitFallsBackToEventIDKey(t *testing.T) {
	w := &fakeWriter{}
	s := newSink(w, "auth-audit", time.Second, nil)

	s.Emit(context.Background(), jianwen.AuditEvent{ID: "evt-2", EventType: jianwen.AuditHydrate})

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "evt-2", string(w.msgs[0].Key))
	assert.Empty(t, header(w.msgs[0], "operation_id"))
}

func TestEmitCountsFailures(t *testing.T) {
	w := &fakeWriter{err: errors.New("leader not available")}
	s := newSink(w, "auth-audit", time.Second, nil)

	s.Emit(context.Background(), jianwen.AuditEvent{ID: "evt-3"})
	assert.Equal(t, uint64(1), s.Failed())
	assert.Equal(t, uint64(0), s.Published())
}

func TestEmitIgnoresCallerCancellation(t *testing.T) {
	w := &fakeWriter{}
	s := newSink(w, "auth-audit", time.Second, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Emit(ctx, jianwen.AuditEvent{ID: "evt-4"})
	assert.Len(t, w.msgs, 1)
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(DefaultConfig(nil, "auth-audit"), nil)
	assert.Error(t, err)
	_, err = New(DefaultConfig([]string{"localhost:9092"}, ""), nil)
	assert.Error(t, err)

	s, err := New(DefaultConfig([]string{"localhost:9092"}, "auth-audit"), nil)
	require.NoError(t, err)
	assert.NoError(t, s.Close())
}
