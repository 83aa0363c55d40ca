package jianwen

import (
	"io"

	"github.com/SmallHorseBrother/jianwen-community-sub000/internal/audit"
)

// AuditEvent is one audit record for an auth operation.
type AuditEvent = audit.Event

// AuditSink receives audit events off the caller's goroutine.
type AuditSink = audit.Sink

// NoOpSink drops audit events.
type NoOpSink = audit.NoOpSink

// ChannelSink buffers audit events in a channel. Intended for tests.
type ChannelSink = audit.ChannelSink

// JSONWriterSink writes one JSON object per line.
type JSONWriterSink = audit.JSONWriterSink

// NewChannelSink returns a ChannelSink with the given buffer.
func NewChannelSink(buffer int) *ChannelSink {
	return audit.NewChannelSink(buffer)
}

// NewJSONWriterSink returns a sink writing JSON lines to w.
func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return audit.NewJSONWriterSink(w)
}

// Audit event types.
const (
	AuditLogin         = "login"
	AuditRegister      = "register"
	AuditLogout        = "logout"
	AuditHydrate       = "hydrate"
	AuditProfileUpdate = "profile_update"
	AuditProfileReload = "profile_reload"
	AuditCacheCleared  = "cache_cleared"
	AuditForcedSignOut = "forced_sign_out"
)
