package alerts

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/Urvi-Malhotra/Safeguard/internal/realtime"
	"github.com/Urvi-Malhotra/Safeguard/internal/storage"
)

// Store persists peer notifications for later review.
type Store interface {
	AddNotification(n storage.Notification) error
}

// Journal records alert activity in the daily journal.
type Journal interface {
	Append(entry storage.JournalEntry) error
}

// Broadcaster pushes events to connected dashboard clients.
type Broadcaster interface {
	Broadcast(event string, data any)
}

// Subscriber registers handlers for backend socket events.
type Subscriber interface {
	On(event string, handler func(json.RawMessage))
}

// Relay turns peer emergency events from the backend socket into local
// notifications. Events originated by this device's own user are ignored
// so a trigger does not alert its own sender.
type Relay struct {
	selfID  string
	store   Store
	journal Journal
	hub     Broadcaster
	now     func() time.Time
}

func NewRelay(selfID string, store Store, journal Journal, hub Broadcaster) *Relay {
	return &Relay{
		selfID:  selfID,
		store:   store,
		journal: journal,
		hub:     hub,
		now:     time.Now,
	}
}

// Bind registers the relay's handlers on the backend socket client.
func (r *Relay) Bind(sub Subscriber) {
	sub.On(realtime.EventEmergencyAlert, func(data json.RawMessage) {
		var alert realtime.AlertRaised
		if err := json.Unmarshal(data, &alert); err != nil {
			log.Printf("alerts: malformed emergency_alert payload: %v", err)
			return
		}
		r.HandleAlertRaised(alert)
	})
	sub.On(realtime.EventEmergencyDismissed, func(data json.RawMessage) {
		var dismissed realtime.AlertDismissed
		if err := json.Unmarshal(data, &dismissed); err != nil {
			log.Printf("alerts: malformed emergency_dismissed payload: %v", err)
			return
		}
		r.HandleAlertDismissed(dismissed)
	})
}

func (r *Relay) HandleAlertRaised(alert realtime.AlertRaised) {
	if alert.User.ID != "" && alert.User.ID == r.selfID {
		return
	}

	name := alert.User.Name
	if name == "" {
		name = "A nearby user"
	}

	notification := storage.Notification{
		ID:             uuid.NewString(),
		Kind:           realtime.EventEmergencyAlert,
		Title:          "Emergency Alert",
		Message:        fmt.Sprintf("%s needs help", name),
		SourceUserID:   alert.User.ID,
		SourceUserName: alert.User.Name,
		TriggerType:    alert.TriggerType,
		ContactPhone:   alert.ContactPhone,
		CreatedAt:      r.now(),
	}
	if alert.Location != nil {
		lat := alert.Location.Latitude
		lng := alert.Location.Longitude
		notification.Latitude = &lat
		notification.Longitude = &lng
	}

	if err := r.store.AddNotification(notification); err != nil {
		log.Printf("alerts: persist notification: %v", err)
	}

	if r.journal != nil {
		entry := storage.JournalEntry{
			Timestamp: notification.CreatedAt,
			Kind:      "alert",
			Text:      fmt.Sprintf("%s raised an emergency (%s trigger)", name, alert.TriggerType),
		}
		if err := r.journal.Append(entry); err != nil {
			log.Printf("alerts: journal append: %v", err)
		}
	}

	if r.hub != nil {
		r.hub.Broadcast("notification", notification)
	}
}

// HandleAlertDismissed forwards a peer's all-clear to the dashboard. The
// dismissal is transient and is not written to the notification list.
func (r *Relay) HandleAlertDismissed(dismissed realtime.AlertDismissed) {
	if dismissed.User.ID != "" && dismissed.User.ID == r.selfID {
		return
	}

	name := dismissed.User.Name
	if name == "" {
		name = "A nearby user"
	}

	if r.journal != nil {
		entry := storage.JournalEntry{
			Timestamp: r.now(),
			Kind:      "alert",
			Text:      fmt.Sprintf("%s dismissed their emergency", name),
		}
		if err := r.journal.Append(entry); err != nil {
			log.Printf("alerts: journal append: %v", err)
		}
	}

	if r.hub != nil {
		r.hub.Broadcast("peer_dismissed", map[string]string{
			"user_id":   dismissed.User.ID,
			"user_name": dismissed.User.Name,
		})
	}
}
