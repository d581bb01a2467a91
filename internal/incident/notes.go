package incident

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/Urvi-Malhotra/Safeguard/internal/storage"
)

const systemPrompt = "Write a brief, factual incident note for a personal safety emergency session. " +
	"State how the session was triggered, when it started and ended, who was notified, and whether audio was captured. " +
	"Plain prose, no speculation about what happened."

type Store interface {
	GetEmergency(id string) (storage.Emergency, error)
	UpdateNote(id, note, status string) error
	ClaimNoteRequest(sessionID, promptHash string) (bool, error)
}

type Broadcaster interface {
	Broadcast(event string, data any)
}

// Notes produces a short written incident note for each dismissed session.
// Requests are claimed through the store first so a session is never billed
// for the same note twice.
type Notes struct {
	client *openai.Client
	model  string
	store  Store
	hub    Broadcaster
	sleep  func(time.Duration)
}

func NewNotes(apiKey, model string, store Store, hub Broadcaster) *Notes {
	config := openai.DefaultConfig(apiKey)
	return NewNotesWithConfig(config, model, store, hub)
}

func NewNotesWithConfig(config openai.ClientConfig, model string, store Store, hub Broadcaster) *Notes {
	if strings.TrimSpace(model) == "" {
		model = "gpt-4o-mini"
	}

	return &Notes{
		client: openai.NewClientWithConfig(config),
		model:  model,
		store:  store,
		hub:    hub,
		sleep:  time.Sleep,
	}
}

// Generate writes the incident note for a dismissed session. Failures are
// recorded on the session row and logged, never propagated.
func (n *Notes) Generate(ctx context.Context, sessionID string) {
	session, err := n.store.GetEmergency(sessionID)
	if err != nil {
		log.Printf("incident: load session %s: %v", sessionID, err)
		return
	}

	report := BuildReport(session)

	hash := sha256.Sum256([]byte(report))
	promptHash := hex.EncodeToString(hash[:])

	claimed, err := n.store.ClaimNoteRequest(sessionID, promptHash)
	if err != nil {
		log.Printf("incident: claim note request for session %s: %v", sessionID, err)
		return
	}
	if !claimed {
		return
	}

	if err := n.store.UpdateNote(sessionID, "", storage.NoteRunning); err != nil {
		log.Printf("incident: mark note running for session %s: %v", sessionID, err)
	}

	note, err := n.complete(ctx, report)
	if err != nil {
		log.Printf("incident: note generation for session %s: %v", sessionID, err)
		if updateErr := n.store.UpdateNote(sessionID, "", storage.NoteFailed); updateErr != nil {
			log.Printf("incident: mark note failed for session %s: %v", sessionID, updateErr)
		}
		n.broadcast(sessionID, "", storage.NoteFailed)
		return
	}

	if err := n.store.UpdateNote(sessionID, note, storage.NoteCompleted); err != nil {
		log.Printf("incident: save note for session %s: %v", sessionID, err)
		return
	}

	n.broadcast(sessionID, note, storage.NoteCompleted)
}

func (n *Notes) complete(ctx context.Context, report string) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: n.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: report},
		},
	}

	backoff := []time.Duration{1 * time.Second, 4 * time.Second, 16 * time.Second}
	var lastErr error
	for attempt := 0; attempt < len(backoff); attempt++ {
		resp, err := n.client.CreateChatCompletion(ctx, req)
		if err == nil {
			if len(resp.Choices) == 0 {
				return "", nil
			}
			return strings.TrimSpace(resp.Choices[0].Message.Content), nil
		}

		lastErr = err
		if attempt < len(backoff)-1 {
			n.sleep(backoff[attempt])
		}
	}

	return "", fmt.Errorf("incident note failed after retries: %w", lastErr)
}

func (n *Notes) broadcast(sessionID, note, status string) {
	if n.hub == nil {
		return
	}
	n.hub.Broadcast("note_ready", map[string]string{
		"session_id": sessionID,
		"note":       note,
		"status":     status,
	})
}

// BuildReport renders the session facts the note is written from.
func BuildReport(e storage.Emergency) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Trigger type: %s\n", e.TriggerType)
	fmt.Fprintf(&b, "Triggered at: %s\n", e.TriggeredAt.UTC().Format(time.RFC3339))
	if e.DismissedAt != nil {
		fmt.Fprintf(&b, "Dismissed at: %s\n", e.DismissedAt.UTC().Format(time.RFC3339))
		fmt.Fprintf(&b, "Duration: %s\n", e.DismissedAt.Sub(e.TriggeredAt).Round(time.Second))
	}
	fmt.Fprintf(&b, "Emergency contacts notified: %d\n", e.ContactsNotified)
	fmt.Fprintf(&b, "Nearby users notified: %d\n", e.NearbyNotified)
	if e.AudioPath != "" {
		b.WriteString("Audio recording captured: yes\n")
	} else {
		b.WriteString("Audio recording captured: no\n")
	}

	return b.String()
}
