package realtime

import (
	"time"

	"github.com/Urvi-Malhotra/Safeguard/internal/location"
)

// Event names shared with the Safeguard backend socket.
const (
	EventAuthenticate        = "authenticate"
	EventAuthenticated       = "authenticated"
	EventAuthenticationError = "authentication_error"

	EventEmergencyAlert     = "emergency_alert"
	EventEmergencyDismissed = "emergency_dismissed"

	EventLocationUpdate      = "location_update"
	EventVoicePhraseDetected = "voice_phrase_detected"
)

// UserInfo identifies the originator of a peer event.
type UserInfo struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
}

// AlertRaised is the inbound payload for another user's active emergency.
type AlertRaised struct {
	User         UserInfo      `json:"user"`
	Location     *location.Fix `json:"location,omitempty"`
	TriggerType  string        `json:"trigger_type"`
	ContactPhone string        `json:"contact_phone,omitempty"`
}

// AlertDismissed is the inbound payload when a peer emergency ends.
type AlertDismissed struct {
	User UserInfo `json:"user"`
}

type authPayload struct {
	Token string `json:"token"`
}

type locationUpdatePayload struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
	Timestamp string   `json:"timestamp"`
}

type phraseDetectedPayload struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
	Timestamp  string  `json:"timestamp"`
}

func nowStamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}
