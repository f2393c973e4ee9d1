package dispatch

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/example/ride-dispatch/internal/models"
)

type EventKind string

const (
	EventRequestCreated EventKind = "RIDE_REQUEST_CREATED"
	EventDriverAssigned EventKind = "DRIVER_ASSIGNED"
	EventRideAccepted   EventKind = "RIDE_ACCEPTED"
	EventNoDriverFound  EventKind = "NO_DRIVER_FOUND"
	EventDriverArriving EventKind = "DRIVER_ARRIVING"
	EventDriverArrived  EventKind = "DRIVER_ARRIVED"
	EventRideStarted    EventKind = "RIDE_STARTED"
	EventRideCompleted  EventKind = "RIDE_COMPLETED"
	EventRatingRequest  EventKind = "RATING_REQUEST"
	EventRideCancelled  EventKind = "RIDE_CANCELLED"
)

// Notification is what a Notifier delivers. Ride is nil for request-level
// events; RequestID is set for those instead.
type Notification struct {
	Kind        EventKind    `json:"kind"`
	RecipientID string       `json:"recipient_id"`
	RequestID   string       `json:"request_id,omitempty"`
	Ride        *models.Ride `json:"ride,omitempty"`
}

// Notifier is fire-and-forget; callers log errors and carry on.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Publisher pushes payloads to real-time topics with at-most-once delivery.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

func UserRequestTopic(userID string) string { return "/user/" + userID + "/ride-request" }
func UserRideTopic(userID string) string    { return "/user/" + userID + "/ride" }
func UserETATopic(userID string) string     { return "/user/" + userID + "/eta" }
func RideStatusTopic(rideID string) string  { return "/topic/ride/" + rideID + "/status" }

// LogNotifier writes notifications to the structured log.
type LogNotifier struct {
	Logger *zap.Logger
}

func (l *LogNotifier) Notify(_ context.Context, n Notification) error {
	fields := []zap.Field{zap.String("kind", string(n.Kind)), zap.String("recipient_id", n.RecipientID)}
	if n.RequestID != "" {
		fields = append(fields, zap.String("request_id", n.RequestID))
	}
	if n.Ride != nil {
		fields = append(fields, zap.String("ride_id", n.Ride.ID), zap.String("status", string(n.Ride.Status)))
	}
	l.Logger.Info("notification", fields...)
	return nil
}

// Notifiers delivers to every notifier and joins their errors.
type Notifiers []Notifier

func (ns Notifiers) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, x := range ns {
		if err := x.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Fanout publishes to every publisher and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, topic string, payload any) error {
	var errs []error
	for i, p := range f {
		if err := p.Publish(ctx, topic, payload); err != nil {
			errs = append(errs, fmt.Errorf("publisher %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
