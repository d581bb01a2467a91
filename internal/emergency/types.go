package emergency

import (
	"context"
	"time"

	"github.com/Urvi-Malhotra/Safeguard/internal/backend"
	"github.com/Urvi-Malhotra/Safeguard/internal/location"
	"github.com/Urvi-Malhotra/Safeguard/internal/storage"
)

// State is the lifecycle phase of the session slot.
type State string

const (
	StateIdle                State = "idle"
	StatePendingConfirmation State = "pending_confirmation"
	StateTriggering          State = "triggering"
	StateActive              State = "active"
	StateDismissing          State = "dismissing"
)

// Trigger sources.
const (
	TriggerManual = "manual"
	TriggerVoice  = "voice"
	TriggerQuick  = "quick"
)

// Session is the single emergency slot. Only the Controller mutates it.
type Session struct {
	ID               string    `json:"session_id,omitempty"`
	State            State     `json:"state"`
	TriggerType      string    `json:"trigger_type,omitempty"`
	TriggeredAt      time.Time `json:"triggered_at,omitzero"`
	AlarmActive      bool      `json:"alarm_active"`
	RecordingActive  bool      `json:"recording_active"`
	ContactsNotified int       `json:"contacts_notified,omitempty"`
	NearbyNotified   int       `json:"nearby_notified,omitempty"`
}

// VoiceEvidence carries the utterance that raised a voice trigger.
type VoiceEvidence struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
}

// Timeouts bound the session's automatic behavior.
type Timeouts struct {
	Alarm     time.Duration
	Recording time.Duration
	Confirm   time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		Alarm:     3 * time.Minute,
		Recording: 15 * time.Minute,
		Confirm:   10 * time.Second,
	}
}

func (t Timeouts) withDefaults() Timeouts {
	d := DefaultTimeouts()
	if t.Alarm <= 0 {
		t.Alarm = d.Alarm
	}
	if t.Recording <= 0 {
		t.Recording = d.Recording
	}
	if t.Confirm <= 0 {
		t.Confirm = d.Confirm
	}
	return t
}

// Backend is the remote emergency collaborator.
type Backend interface {
	TriggerEmergency(ctx context.Context, req backend.TriggerRequest) (backend.TriggerResponse, error)
	DismissEmergency(ctx context.Context, sessionID string) error
}

// Locator supplies a best-effort location snapshot, nil when unknown.
type Locator interface {
	Current() *location.Fix
}

// Recorder captures session audio.
type Recorder interface {
	Start(sessionID string) error
	Stop() (string, error)
}

// Publisher pushes outbound events on the real-time channel.
type Publisher interface {
	PublishLocation(fix location.Fix) error
}

// Store persists the local emergency history.
type Store interface {
	CreateEmergency(e storage.Emergency) error
	DismissEmergency(id string, dismissedAt time.Time, audioPath string) error
}

// Journal records session activity in the daily journal.
type Journal interface {
	Append(entry storage.JournalEntry) error
}

// Notetaker produces an incident note for a finished session.
type Notetaker interface {
	Generate(ctx context.Context, sessionID string)
}

// EventBroadcaster pushes session events to connected dashboard clients.
type EventBroadcaster interface {
	BroadcastEmergencyStarted(s Session)
	BroadcastEmergencyDismissed(s Session)
	BroadcastCountdownStarted(window time.Duration)
	BroadcastCountdownCanceled()
	BroadcastAlarmState(active bool)
	BroadcastRecordingState(active bool)
}
