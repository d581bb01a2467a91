package server

import (
	"time"

	"github.com/Urvi-Malhotra/Safeguard/internal/emergency"
)

const EventVersion = 1

type Event struct {
	Type      string `json:"type"`
	Version   int    `json:"version"`
	Timestamp string `json:"timestamp"`
}

type ConnectionEvent struct {
	Event
	Connected bool `json:"connected"`
}

type EmergencyStartedEvent struct {
	Event
	Session emergency.Session `json:"session"`
}

type EmergencyDismissedEvent struct {
	Event
	Session emergency.Session `json:"session"`
}

type CountdownStartedEvent struct {
	Event
	Seconds float64 `json:"seconds"`
}

type CountdownCanceledEvent struct {
	Event
}

type AlarmStateEvent struct {
	Event
	Active bool `json:"active"`
}

type RecordingStateEvent struct {
	Event
	Active bool `json:"active"`
}

type VoiceStateEvent struct {
	Event
	Listening bool `json:"listening"`
}

// GenericEvent wraps broadcasts whose payload shape is owned elsewhere,
// such as peer notifications and finished incident notes.
type GenericEvent struct {
	Event
	Data any `json:"data,omitempty"`
}

func newEvent(eventType string, now time.Time) Event {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return Event{
		Type:      eventType,
		Version:   EventVersion,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
	}
}
