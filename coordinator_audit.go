package jianwen

import (
	"context"

	"github.com/google/uuid"

	"github.com/SmallHorseBrother/jianwen-community-sub000/queue"
)

func (c *Coordinator) emitAudit(ctx context.Context, eventType string, success bool, userID string, err error, metadata map[string]string) {
	if c.audit == nil {
		return
	}

	event := AuditEvent{
		ID:          uuid.NewString(),
		Timestamp:   c.now().UTC(),
		EventType:   eventType,
		UserID:      userID,
		OperationID: queue.OperationID(ctx),
		RequestID:   requestIDFromContext(ctx),
		Success:     success,
		Metadata:    metadata,
	}
	if err != nil {
		event.Error = string(CodeOf(err))
	}

	c.audit.Emit(ctx, event)
}
