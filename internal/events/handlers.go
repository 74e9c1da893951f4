package events

import (
	"context"
	"log/slog"
)

// UserEmitter is the fan-out capability the gateway consumer needs. It is an
// injected port rather than the concrete WebSocket gateway so the consumer and
// the gateway do not reference each other's types.
type UserEmitter interface {
	EmitToUser(userID, event string, payload any)
}

// NotificationCreator is the port the notifier-side consumer feeds after a
// user.registered event; the concrete implementation lives with the
// notification persistence, outside this core.
type NotificationCreator interface {
	CreateFromRegistration(ctx context.Context, e UserRegistered) error
}

// GatewayConsumers returns the gateway's durable subscriptions: pushing newly
// created notifications to the owning user's live sockets.
func GatewayConsumers(emitter UserEmitter, logger *slog.Logger) []ConsumerConfig {
	return []ConsumerConfig{
		{
			Stream:        StreamNotificationEvents,
			Durable:       "gateway-notification-created",
			FilterSubject: SubjectNotificationCreated,
			Handle: func(_ context.Context, msg Msg) error {
				payload, err := DecodeNotificationCreated(msg.Data())
				if err != nil {
					return err
				}

				emitter.EmitToUser(payload.UserID, WSNotificationNew, NotificationNewPayload{
					NotificationID: payload.NotificationID,
					UserID:         payload.UserID,
					Type:           payload.Type,
					Title:          payload.Title,
					Body:           payload.Body,
					CreatedAt:      payload.ActionCreated,
					UnreadCount:    payload.UnreadCount,
				})

				logger.Info("pushed notification to websocket",
					"userId", payload.UserID,
					"notificationId", payload.NotificationID,
					"unreadCount", payload.UnreadCount)
				return nil
			},
		},
	}
}

// NotifierConsumers returns the notification service's durable subscriptions:
// turning registration events into persisted notifications.
func NotifierConsumers(creator NotificationCreator, logger *slog.Logger) []ConsumerConfig {
	return []ConsumerConfig{
		{
			Stream:        StreamAuthEvents,
			Durable:       "notification-user-registered",
			FilterSubject: SubjectUserRegistered,
			Handle: func(ctx context.Context, msg Msg) error {
				payload, err := DecodeUserRegistered(msg.Data())
				if err != nil {
					return err
				}
				if err := creator.CreateFromRegistration(ctx, payload); err != nil {
					return err
				}
				logger.Info("created notification from registration",
					"userId", payload.UserID)
				return nil
			},
		},
	}
}
