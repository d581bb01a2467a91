package server

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/Urvi-Malhotra/Safeguard/internal/emergency"
)

type Hub struct {
	mu      sync.RWMutex
	clients map[chan []byte]struct{}
}

func NewHub() *Hub {
	return &Hub{clients: make(map[chan []byte]struct{})}
}

func (h *Hub) Subscribe() chan []byte {
	ch := make(chan []byte, 64)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan []byte) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
	close(ch)
}

func (h *Hub) send(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.clients {
		select {
		case ch <- msg:
		default:
		}
	}
}

// Broadcast pushes an arbitrary payload under the given event type.
func (h *Hub) Broadcast(event string, data any) {
	h.broadcastEvent(GenericEvent{
		Event: newEvent(event, time.Now().UTC()),
		Data:  data,
	})
}

func (h *Hub) BroadcastEmergencyStarted(s emergency.Session) {
	h.broadcastEvent(EmergencyStartedEvent{
		Event:   newEvent("emergency_started", time.Now().UTC()),
		Session: s,
	})
}

func (h *Hub) BroadcastEmergencyDismissed(s emergency.Session) {
	h.broadcastEvent(EmergencyDismissedEvent{
		Event:   newEvent("emergency_dismissed", time.Now().UTC()),
		Session: s,
	})
}

func (h *Hub) BroadcastCountdownStarted(window time.Duration) {
	h.broadcastEvent(CountdownStartedEvent{
		Event:   newEvent("countdown_started", time.Now().UTC()),
		Seconds: window.Seconds(),
	})
}

func (h *Hub) BroadcastCountdownCanceled() {
	h.broadcastEvent(CountdownCanceledEvent{
		Event: newEvent("countdown_canceled", time.Now().UTC()),
	})
}

func (h *Hub) BroadcastAlarmState(active bool) {
	h.broadcastEvent(AlarmStateEvent{
		Event:  newEvent("alarm_state", time.Now().UTC()),
		Active: active,
	})
}

func (h *Hub) BroadcastRecordingState(active bool) {
	h.broadcastEvent(RecordingStateEvent{
		Event:  newEvent("recording_state", time.Now().UTC()),
		Active: active,
	})
}

func (h *Hub) BroadcastVoiceState(listening bool) {
	h.broadcastEvent(VoiceStateEvent{
		Event:     newEvent("voice_state", time.Now().UTC()),
		Listening: listening,
	})
}

func (h *Hub) broadcastEvent(event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("event marshal error: %v", err)
		return
	}
	h.send(payload)
}
