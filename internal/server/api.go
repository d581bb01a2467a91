package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Urvi-Malhotra/Safeguard/internal/emergency"
	"github.com/Urvi-Malhotra/Safeguard/internal/location"
	"github.com/Urvi-Malhotra/Safeguard/internal/storage"
	"github.com/Urvi-Malhotra/Safeguard/internal/voice"
)

var sessionIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

type EmergencyStore interface {
	GetEmergenciesByDate(date string) ([]storage.Emergency, error)
	GetEmergency(id string) (storage.Emergency, error)
	GetDates() ([]string, error)
	GetNotifications(limit int) ([]storage.Notification, error)
}

// Controls are the session and voice operations the dashboard can invoke.
type Controls struct {
	Arm             func() error
	CancelCountdown func() error
	Trigger         func(ctx context.Context, triggerType string) (emergency.Session, error)
	Dismiss         func(ctx context.Context) (emergency.Session, error)
	Status          func() emergency.Session
	StartVoice      func() error
	StopVoice       func()
	VoiceListening  func() bool
	SetPhrase       func(ctx context.Context, phrase, password string) error
	UpdateLocation  func(fix location.Fix)
	Warnings        func() []string
}

func registerAPIRoutes(mux *http.ServeMux, store EmergencyStore, controls Controls) {
	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, r *http.Request) {
		var session emergency.Session
		if controls.Status != nil {
			session = controls.Status()
		}
		listening := false
		if controls.VoiceListening != nil {
			listening = controls.VoiceListening()
		}
		var warnings []string
		if controls.Warnings != nil {
			warnings = controls.Warnings()
		}
		if warnings == nil {
			warnings = []string{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"session":         session,
			"voice_listening": listening,
			"warnings":        warnings,
		})
	})

	mux.HandleFunc("POST /api/emergency/arm", func(w http.ResponseWriter, r *http.Request) {
		if err := controls.Arm(); err != nil {
			writeJSONError(w, statusForTransition(err), err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /api/emergency/cancel", func(w http.ResponseWriter, r *http.Request) {
		if err := controls.CancelCountdown(); err != nil {
			writeJSONError(w, statusForTransition(err), err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /api/emergency/trigger", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			TriggerType string `json:"trigger_type"`
		}
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&body)
		}
		triggerType := body.TriggerType
		if triggerType == "" {
			triggerType = emergency.TriggerManual
		}
		if triggerType != emergency.TriggerManual && triggerType != emergency.TriggerQuick {
			writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("unsupported trigger type %q", triggerType))
			return
		}

		session, err := controls.Trigger(r.Context(), triggerType)
		if err != nil {
			writeJSONError(w, statusForTransition(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, session)
	})

	mux.HandleFunc("POST /api/emergency/dismiss", func(w http.ResponseWriter, r *http.Request) {
		session, err := controls.Dismiss(r.Context())
		if err != nil {
			writeJSONError(w, statusForTransition(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, session)
	})

	mux.HandleFunc("POST /api/voice/start", func(w http.ResponseWriter, r *http.Request) {
		if err := controls.StartVoice(); err != nil {
			writeJSONError(w, statusForTransition(err), err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /api/voice/stop", func(w http.ResponseWriter, r *http.Request) {
		controls.StopVoice()
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /api/voice/phrase", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Phrase   string `json:"phrase"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if strings.TrimSpace(body.Phrase) == "" {
			writeJSONError(w, http.StatusBadRequest, "phrase is required")
			return
		}

		if err := controls.SetPhrase(r.Context(), body.Phrase, body.Password); err != nil {
			writeJSONError(w, http.StatusBadGateway, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /api/location", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Latitude  float64  `json:"latitude"`
			Longitude float64  `json:"longitude"`
			Accuracy  *float64 `json:"accuracy"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if body.Latitude < -90 || body.Latitude > 90 || body.Longitude < -180 || body.Longitude > 180 {
			writeJSONError(w, http.StatusBadRequest, "coordinates out of range")
			return
		}

		if controls.UpdateLocation != nil {
			controls.UpdateLocation(location.Fix{
				Latitude:  body.Latitude,
				Longitude: body.Longitude,
				Accuracy:  body.Accuracy,
				Timestamp: time.Now().UTC(),
			})
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /api/emergencies", func(w http.ResponseWriter, r *http.Request) {
		date := r.URL.Query().Get("date")
		if date == "" {
			date = time.Now().UTC().Format("2006-01-02")
		}

		emergencies, err := store.GetEmergenciesByDate(date)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("list emergencies: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, emergencies)
	})

	mux.HandleFunc("GET /api/emergencies/{id}", func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.PathValue("id")
		if !validSessionID(sessionID) {
			writeJSONError(w, http.StatusForbidden, "invalid session id")
			return
		}

		record, err := store.GetEmergency(sessionID)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, os.ErrNotExist) || errors.Is(err, sql.ErrNoRows) {
				status = http.StatusNotFound
			}
			writeJSONError(w, status, fmt.Sprintf("get emergency: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, record)
	})

	mux.HandleFunc("GET /api/emergencies/{id}/audio", func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.PathValue("id")
		if !validSessionID(sessionID) {
			writeJSONError(w, http.StatusForbidden, "invalid session id")
			return
		}

		record, err := store.GetEmergency(sessionID)
		if err != nil {
			writeJSONError(w, http.StatusNotFound, "emergency not found")
			return
		}

		if record.AudioPath == "" {
			writeJSONError(w, http.StatusNotFound, "audio not available")
			return
		}

		cleanPath := filepath.Clean(record.AudioPath)
		if cleanPath == "" || cleanPath == "." || cleanPath == ".." || strings.Contains(cleanPath, "..") {
			writeJSONError(w, http.StatusForbidden, "invalid audio path")
			return
		}

		f, err := os.Open(cleanPath)
		if err != nil {
			writeJSONError(w, http.StatusNotFound, "audio file not found")
			return
		}
		defer func() { _ = f.Close() }()

		info, err := f.Stat()
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("stat audio: %v", err))
			return
		}

		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
		w.Header().Set("Content-Type", contentTypeForAudio(cleanPath))
		http.ServeContent(w, r, filepath.Base(cleanPath), info.ModTime(), f)
	})

	mux.HandleFunc("GET /api/notifications", func(w http.ResponseWriter, r *http.Request) {
		limit := 100
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
				limit = parsed
			}
		}

		notifications, err := store.GetNotifications(limit)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("list notifications: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, notifications)
	})

	mux.HandleFunc("GET /api/dates", func(w http.ResponseWriter, r *http.Request) {
		dates, err := store.GetDates()
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("get dates: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, dates)
	})
}

// statusForTransition maps rejected local transitions to 409 and everything
// else, such as remote trigger failures, to 502.
func statusForTransition(err error) int {
	switch {
	case errors.Is(err, emergency.ErrAlreadyActive),
		errors.Is(err, emergency.ErrNoActiveSession),
		errors.Is(err, emergency.ErrNoCountdown):
		return http.StatusConflict
	case errors.Is(err, voice.ErrNoPhrase):
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

func validSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

func contentTypeForAudio(path string) string {
	ext := filepath.Ext(path)
	switch ext {
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	default:
		return "application/octet-stream"
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
