// Package events implements durable, at-least-once consumption of broker
// messages, plus the cross-service event contracts those messages carry.
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Stream and subject names shared across services.
const (
	StreamAuthEvents         = "AUTH_EVENT"
	StreamNotificationEvents = "NOTIFICATION_EVENT"

	SubjectUserRegistered      = "user.registered"
	SubjectNotificationCreated = "notification.created"

	// StreamDeadLetter holds messages that exhausted redelivery, one subject
	// per durable consumer.
	StreamDeadLetter     = "DEAD_LETTER"
	SubjectDeadLetterAll = "dlq.>"
)

// DeadLetterSubject names the dead-letter subject for a durable consumer.
func DeadLetterSubject(durable string) string {
	return "dlq." + durable
}

// WebSocket event names pushed to live connections.
const (
	WSNotificationNew     = "notification:new"
	WSNotificationRead    = "notification:read"
	WSNotificationReadAll = "notification:read-all"
	WSUnreadCountUpdated  = "unreadCount:updated"
)

// UserRegistered is published by the identity service after a successful
// registration; the notifier consumes it to create a verification notification.
type UserRegistered struct {
	UserID    string    `json:"userId"`
	Email     string    `json:"email"`
	Code      string    `json:"code"`
	CreatedAt time.Time `json:"createdAt"`
}

func (e UserRegistered) validate() error {
	if e.UserID == "" {
		return fmt.Errorf("user.registered: missing userId")
	}
	if e.Email == "" {
		return fmt.Errorf("user.registered: missing email")
	}
	return nil
}

// NotificationCreated is published by the notification service after persisting
// a notification; the gateway consumes it to push to live sockets.
type NotificationCreated struct {
	NotificationID string    `json:"notificationId"`
	UserID         string    `json:"userId"`
	Type           string    `json:"type"`
	Title          string    `json:"title"`
	Body           string    `json:"body"`
	ActionCreated  time.Time `json:"actionCreatedAt"`
	UnreadCount    int       `json:"unreadCount"`
}

func (e NotificationCreated) validate() error {
	if e.NotificationID == "" {
		return fmt.Errorf("notification.created: missing notificationId")
	}
	if e.UserID == "" {
		return fmt.Errorf("notification.created: missing userId")
	}
	return nil
}

// NotificationNewPayload is the envelope pushed over WebSocket for a new
// notification.
type NotificationNewPayload struct {
	NotificationID string    `json:"notificationId"`
	UserID         string    `json:"userId"`
	Type           string    `json:"type"`
	Title          string    `json:"title"`
	Body           string    `json:"body"`
	CreatedAt      time.Time `json:"createdAt"`
	UnreadCount    int       `json:"unreadCount"`
}

// DecodeUserRegistered parses and validates a user.registered message body.
func DecodeUserRegistered(data []byte) (UserRegistered, error) {
	var e UserRegistered
	if err := json.Unmarshal(data, &e); err != nil {
		return UserRegistered{}, fmt.Errorf("decode user.registered: %w", err)
	}
	if err := e.validate(); err != nil {
		return UserRegistered{}, err
	}
	return e, nil
}

// DecodeNotificationCreated parses and validates a notification.created body.
func DecodeNotificationCreated(data []byte) (NotificationCreated, error) {
	var e NotificationCreated
	if err := json.Unmarshal(data, &e); err != nil {
		return NotificationCreated{}, fmt.Errorf("decode notification.created: %w", err)
	}
	if err := e.validate(); err != nil {
		return NotificationCreated{}, err
	}
	return e, nil
}
