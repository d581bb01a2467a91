package emergency

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Urvi-Malhotra/Safeguard/internal/backend"
	"github.com/Urvi-Malhotra/Safeguard/internal/storage"
)

// Controller owns the emergency session slot. All transitions are
// serialized through its mutex; async completions re-check state before
// committing so a stale result can never land on a newer session.
type Controller struct {
	backend  Backend
	store    Store
	recorder Recorder
	hub      EventBroadcaster
	timeouts Timeouts

	locator   Locator
	publisher Publisher
	journal   Journal
	notetaker Notetaker

	mu             sync.Mutex
	session        Session
	epoch          uint64
	audioPath      string
	confirmTimer   *time.Timer
	alarmTimer     *time.Timer
	recordingTimer *time.Timer
}

func NewController(remote Backend, store Store, recorder Recorder, hub EventBroadcaster, timeouts Timeouts) *Controller {
	return &Controller{
		backend:  remote,
		store:    store,
		recorder: recorder,
		hub:      hub,
		timeouts: timeouts.withDefaults(),
		session:  Session{State: StateIdle},
	}
}

func (c *Controller) SetLocator(l Locator)     { c.locator = l }
func (c *Controller) SetPublisher(p Publisher) { c.publisher = p }
func (c *Controller) SetJournal(j Journal)     { c.journal = j }
func (c *Controller) SetNotetaker(n Notetaker) { c.notetaker = n }

// Snapshot returns a copy of the current session.
func (c *Controller) Snapshot() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Arm opens the pre-trigger confirmation window for the physical button.
// If the countdown expires without a cancel, a manual trigger fires.
func (c *Controller) Arm() error {
	c.mu.Lock()
	if c.session.State != StateIdle {
		c.mu.Unlock()
		return ErrAlreadyActive
	}

	c.session.State = StatePendingConfirmation
	c.epoch++
	epoch := c.epoch
	c.confirmTimer = time.AfterFunc(c.timeouts.Confirm, func() { c.confirmExpired(epoch) })
	c.mu.Unlock()

	if c.hub != nil {
		c.hub.BroadcastCountdownStarted(c.timeouts.Confirm)
	}
	return nil
}

// CancelCountdown aborts the confirmation window. No remote call has been
// made yet, so this is purely local.
func (c *Controller) CancelCountdown() error {
	c.mu.Lock()
	if c.session.State != StatePendingConfirmation {
		c.mu.Unlock()
		return ErrNoCountdown
	}

	if c.confirmTimer != nil {
		c.confirmTimer.Stop()
		c.confirmTimer = nil
	}
	c.session = Session{State: StateIdle}
	c.epoch++
	c.mu.Unlock()

	if c.hub != nil {
		c.hub.BroadcastCountdownCanceled()
	}
	return nil
}

func (c *Controller) confirmExpired(epoch uint64) {
	c.mu.Lock()
	if c.epoch != epoch || c.session.State != StatePendingConfirmation {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if _, err := c.Trigger(ctx, TriggerManual, nil); err != nil {
		log.Printf("emergency: countdown trigger failed: %v", err)
	}
}

// Trigger raises an emergency. Voice and quick triggers bypass any open
// confirmation window; a trigger while a session is in flight or active is
// rejected, never queued.
func (c *Controller) Trigger(ctx context.Context, triggerType string, evidence *VoiceEvidence) (Session, error) {
	c.mu.Lock()
	switch c.session.State {
	case StateIdle:
	case StatePendingConfirmation:
		if c.confirmTimer != nil {
			c.confirmTimer.Stop()
			c.confirmTimer = nil
		}
	default:
		c.mu.Unlock()
		return Session{}, ErrAlreadyActive
	}

	c.session = Session{State: StateTriggering, TriggerType: triggerType}
	epoch := c.epoch
	c.mu.Unlock()

	// Location is best effort and never blocks the trigger.
	req := backend.TriggerRequest{TriggerType: triggerType}
	if c.locator != nil {
		req.Location = c.locator.Current()
	}
	if evidence != nil {
		req.Transcript = evidence.Transcript
		req.Confidence = evidence.Confidence
	}

	resp, err := c.backend.TriggerEmergency(ctx, req)
	if err != nil {
		c.mu.Lock()
		if c.epoch == epoch && c.session.State == StateTriggering {
			c.session = Session{State: StateIdle}
		}
		c.mu.Unlock()
		return Session{}, fmt.Errorf("trigger emergency: %w", err)
	}

	c.mu.Lock()
	if c.epoch != epoch || c.session.State != StateTriggering {
		c.mu.Unlock()
		log.Printf("emergency: discarding stale trigger completion for session %s", resp.SessionID)
		return Session{}, ErrAlreadyActive
	}

	sessionID := resp.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	c.session = Session{
		ID:               sessionID,
		State:            StateActive,
		TriggerType:      triggerType,
		TriggeredAt:      time.Now().UTC(),
		AlarmActive:      true,
		ContactsNotified: resp.ContactsNotified,
		NearbyNotified:   resp.NearbyUsersNotified,
	}
	c.audioPath = ""
	c.epoch++
	activeEpoch := c.epoch

	// Microphone failure degrades to a session without audio. The trigger
	// itself must never be aborted by recording problems.
	if c.recorder != nil {
		if recErr := c.recorder.Start(sessionID); recErr != nil {
			log.Printf("emergency: recording unavailable for session %s: %v", sessionID, recErr)
		} else {
			c.session.RecordingActive = true
		}
	}

	c.alarmTimer = time.AfterFunc(c.timeouts.Alarm, func() { c.alarmExpired(activeEpoch) })
	c.recordingTimer = time.AfterFunc(c.timeouts.Recording, func() { c.recordingExpired(activeEpoch) })

	snapshot := c.session
	c.mu.Unlock()

	if c.store != nil {
		err := c.store.CreateEmergency(storage.Emergency{
			ID:               snapshot.ID,
			TriggerType:      snapshot.TriggerType,
			TriggeredAt:      snapshot.TriggeredAt,
			ContactsNotified: snapshot.ContactsNotified,
			NearbyNotified:   snapshot.NearbyNotified,
		})
		if err != nil {
			log.Printf("emergency: persist session %s: %v", snapshot.ID, err)
		}
	}

	c.journalEvent(snapshot.TriggeredAt, fmt.Sprintf("Emergency session %s started (%s trigger)", snapshot.ID, snapshot.TriggerType))

	if c.hub != nil {
		c.hub.BroadcastEmergencyStarted(snapshot)
	}

	if c.publisher != nil && req.Location != nil {
		if pubErr := c.publisher.PublishLocation(*req.Location); pubErr != nil {
			log.Printf("emergency: publish location: %v", pubErr)
		}
	}

	return snapshot, nil
}

// Dismiss ends the active session. On remote failure the session stays
// active and the caller may retry.
func (c *Controller) Dismiss(ctx context.Context) (Session, error) {
	c.mu.Lock()
	if c.session.State != StateActive {
		c.mu.Unlock()
		return Session{}, ErrNoActiveSession
	}

	c.session.State = StateDismissing
	sessionID := c.session.ID
	epoch := c.epoch
	c.mu.Unlock()

	if err := c.backend.DismissEmergency(ctx, sessionID); err != nil {
		c.mu.Lock()
		if c.epoch == epoch && c.session.State == StateDismissing {
			c.session.State = StateActive
		}
		c.mu.Unlock()
		return Session{}, fmt.Errorf("dismiss emergency: %w", err)
	}

	c.mu.Lock()
	if c.epoch != epoch || c.session.State != StateDismissing {
		c.mu.Unlock()
		return Session{}, ErrNoActiveSession
	}

	if c.alarmTimer != nil {
		c.alarmTimer.Stop()
		c.alarmTimer = nil
	}
	if c.recordingTimer != nil {
		c.recordingTimer.Stop()
		c.recordingTimer = nil
	}

	ended := c.session
	bufferedAudioPath := c.audioPath
	c.session = Session{State: StateIdle}
	c.audioPath = ""
	c.epoch++
	c.mu.Unlock()

	audioPath := bufferedAudioPath
	if c.recorder != nil {
		path, recErr := c.recorder.Stop()
		if recErr != nil {
			log.Printf("emergency: stop recording for session %s: %v", sessionID, recErr)
		}
		if path != "" {
			audioPath = path
		}
	}

	dismissedAt := time.Now().UTC()
	if c.store != nil {
		if err := c.store.DismissEmergency(sessionID, dismissedAt, audioPath); err != nil {
			log.Printf("emergency: persist dismissal of session %s: %v", sessionID, err)
		}
	}

	c.journalEvent(dismissedAt, fmt.Sprintf("Emergency session %s dismissed", sessionID))

	ended.State = StateIdle
	ended.AlarmActive = false
	ended.RecordingActive = false

	if c.hub != nil {
		c.hub.BroadcastEmergencyDismissed(ended)
	}

	if c.notetaker != nil {
		go c.notetaker.Generate(context.Background(), sessionID)
	}

	return ended, nil
}

// HandleRecordingAutoStop records the artifact of a recording that hit its
// duration cap while the session stayed active.
func (c *Controller) HandleRecordingAutoStop(sessionID, audioPath string) {
	c.mu.Lock()
	if c.session.ID != sessionID {
		c.mu.Unlock()
		return
	}
	c.session.RecordingActive = false
	c.audioPath = audioPath
	c.mu.Unlock()

	if c.hub != nil {
		c.hub.BroadcastRecordingState(false)
	}
}

func (c *Controller) alarmExpired(epoch uint64) {
	c.mu.Lock()
	if c.epoch != epoch || c.session.State != StateActive || !c.session.AlarmActive {
		c.mu.Unlock()
		return
	}
	c.session.AlarmActive = false
	sessionID := c.session.ID
	c.mu.Unlock()

	log.Printf("emergency: alarm auto-off for session %s", sessionID)
	if c.hub != nil {
		c.hub.BroadcastAlarmState(false)
	}
}

func (c *Controller) recordingExpired(epoch uint64) {
	c.mu.Lock()
	if c.epoch != epoch || c.session.State != StateActive || !c.session.RecordingActive {
		c.mu.Unlock()
		return
	}
	c.session.RecordingActive = false
	sessionID := c.session.ID
	c.mu.Unlock()

	audioPath := ""
	if c.recorder != nil {
		path, err := c.recorder.Stop()
		if err != nil {
			log.Printf("emergency: recording auto-stop for session %s: %v", sessionID, err)
		}
		audioPath = path
	}

	c.mu.Lock()
	if c.session.ID == sessionID {
		c.audioPath = audioPath
	}
	c.mu.Unlock()

	log.Printf("emergency: recording auto-stop for session %s", sessionID)
	if c.hub != nil {
		c.hub.BroadcastRecordingState(false)
	}
}

func (c *Controller) journalEvent(ts time.Time, text string) {
	if c.journal == nil {
		return
	}
	entry := storage.JournalEntry{Timestamp: ts, Kind: "emergency", Text: text}
	if err := c.journal.Append(entry); err != nil {
		log.Printf("emergency: journal append: %v", err)
	}
}
