package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// FCMNotifier posts to the FCM HTTP v1 send endpoint. Apps subscribe each
// device to the "user-<id>" topic, so no token registry is needed here.
type FCMNotifier struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewFCMNotifier(endpoint, key string) *FCMNotifier {
	return &FCMNotifier{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

type fcmMessage struct {
	Topic        string            `json:"topic"`
	Notification fcmNotification   `json:"notification"`
	Data         map[string]string `json:"data"`
}

type fcmNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

var notificationText = map[EventKind][2]string{
	EventRequestCreated: {"Looking for a driver", "We are finding a driver near you."},
	EventDriverAssigned: {"Driver assigned", "A driver accepted your ride."},
	EventRideAccepted:   {"New ride", "You have been assigned a new ride."},
	EventNoDriverFound:  {"No driver found", "No drivers are available right now. Please try again."},
	EventDriverArriving: {"Driver on the way", "Your driver is heading to the pickup point."},
	EventDriverArrived:  {"Driver arrived", "Your driver is waiting at the pickup point."},
	EventRideStarted:    {"Ride started", "Enjoy your ride."},
	EventRideCompleted:  {"Ride completed", "You have arrived."},
	EventRatingRequest:  {"Rate your ride", "Tell us how it went."},
	EventRideCancelled:  {"Ride cancelled", "The ride has been cancelled."},
}

func (f *FCMNotifier) Notify(ctx context.Context, n Notification) error {
	text := notificationText[n.Kind]
	data := map[string]string{"kind": string(n.Kind)}
	if n.RequestID != "" {
		data["request_id"] = n.RequestID
	}
	if n.Ride != nil {
		data["ride_id"] = n.Ride.ID
		data["status"] = string(n.Ride.Status)
	}
	body := map[string]fcmMessage{"message": {
		Topic:        "user-" + n.RecipientID,
		Notification: fcmNotification{Title: text[0], Body: text[1]},
		Data:         data,
	}}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.Key != "" {
		req.Header.Set("Authorization", "Bearer "+f.Key)
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("fcm send %s: status %d", n.Kind, resp.StatusCode)
	}
	return nil
}
