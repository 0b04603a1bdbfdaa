package domain

import (
	"context"
	"time"
)

// AuditEventType classifies audit log entries.
type AuditEventType string

const (
	AuditHandshakeAccepted AuditEventType = "handshake_accepted"
	AuditHandshakeRejected AuditEventType = "handshake_rejected"
	AuditSessionReplaced   AuditEventType = "session_replaced"
	AuditSessionClosed     AuditEventType = "session_closed"
	AuditOperatorCall      AuditEventType = "operator_call"
	AuditAccessDenied      AuditEventType = "access_denied"
	AuditProtocolViolation AuditEventType = "protocol_violation"
)

// AuditEvent represents a single auditable action.
type AuditEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	Type      AuditEventType    `json:"type"`
	Detail    map[string]string `json:"detail"`

	Actor    string `json:"actor,omitempty"`
	Resource string `json:"resource,omitempty"`
	Action   string `json:"action,omitempty"`
	Outcome  string `json:"outcome,omitempty"`
}

// AuditLogger records audit events.
type AuditLogger interface {
	Log(ctx context.Context, event AuditEvent) error
	Close() error
}
