// Package audit captures structured security events from the gateway:
// authentication outcomes, permission denials, and idempotent mutations.
// Emission is best-effort and never blocks request handling.
package audit

import "time"

// Well-known actions recorded by the gateway.
const (
	ActionTokenRejected    = "token.rejected"
	ActionPermissionDenied = "permission.denied"
	ActionRequestProxied   = "request.proxied"
	ActionRequestReplayed  = "request.replayed"
)

// Event is emitted from request handling to capture key actions. Keep it
// transport-agnostic so sinks can fan out.
type Event struct {
	Timestamp  time.Time `json:"timestamp"`
	RequestID  string    `json:"requestId,omitempty"`
	UserID     string    `json:"userId,omitempty"`
	Caller     string    `json:"caller,omitempty"`
	Action     string    `json:"action"`
	Method     string    `json:"method,omitempty"`
	Path       string    `json:"path,omitempty"`
	Status     int       `json:"status,omitempty"`
	ClientIP   string    `json:"clientIp,omitempty"`
	DeviceName string    `json:"deviceName,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}
