package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Urvi-Malhotra/Safeguard/internal/location"
)

// Client is the typed boundary to the Safeguard REST backend. Every call is
// request/response; failures are surfaced as errors and recovered by the
// caller that owns the transition.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// TriggerRequest is the payload for an emergency trigger attempt. Location is
// best-effort and may be nil.
type TriggerRequest struct {
	TriggerType string        `json:"trigger_type"`
	Location    *location.Fix `json:"location,omitempty"`
	Transcript  string        `json:"transcript,omitempty"`
	Confidence  float64       `json:"confidence,omitempty"`
}

type TriggerResponse struct {
	Success             bool   `json:"success"`
	SessionID           string `json:"session_id"`
	Message             string `json:"message"`
	ContactsNotified    int    `json:"contacts_notified"`
	NearbyUsersNotified int    `json:"nearby_users_notified"`
}

type StatusResponse struct {
	Active    bool   `json:"active"`
	SessionID string `json:"session_id,omitempty"`
}

type successEnvelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// TriggerEmergency raises a new emergency session on the backend.
func (c *Client) TriggerEmergency(ctx context.Context, req TriggerRequest) (TriggerResponse, error) {
	var resp TriggerResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/emergency/trigger", req, &resp); err != nil {
		return TriggerResponse{}, err
	}
	if !resp.Success {
		return TriggerResponse{}, fmt.Errorf("trigger emergency rejected: %s", messageOr(resp.Message, "unknown reason"))
	}
	return resp, nil
}

// DismissEmergency ends the session identified by sessionID on the backend.
func (c *Client) DismissEmergency(ctx context.Context, sessionID string) error {
	var resp successEnvelope
	payload := map[string]string{"session_id": sessionID}
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/emergency/dismiss", payload, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("dismiss emergency rejected: %s", messageOr(resp.Message, "unknown reason"))
	}
	return nil
}

// EmergencyStatus reports whether the backend believes a session is active
// for this user.
func (c *Client) EmergencyStatus(ctx context.Context) (StatusResponse, error) {
	var resp StatusResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/emergency/status", nil, &resp); err != nil {
		return StatusResponse{}, err
	}
	return resp, nil
}

// TrainPhrase registers a new safety phrase protected by a password.
func (c *Client) TrainPhrase(ctx context.Context, phrase, password string) error {
	var resp successEnvelope
	payload := map[string]string{"phrase": phrase, "phrase_password": password}
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/voice/train-phrase", payload, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("train phrase rejected: %s", messageOr(resp.Message, "unknown reason"))
	}
	return nil
}

// UpdatePhrase replaces the current safety phrase after password verification.
func (c *Client) UpdatePhrase(ctx context.Context, phrase, oldPassword, newPassword string) error {
	var resp successEnvelope
	payload := map[string]string{
		"phrase":       phrase,
		"old_password": oldPassword,
		"new_password": newPassword,
	}
	if err := c.doJSON(ctx, http.MethodPut, "/api/v1/voice/update-phrase", payload, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("update phrase rejected: %s", messageOr(resp.Message, "unknown reason"))
	}
	return nil
}

// UpdateLocation reports the latest fix. Failures are non-fatal and are
// logged by the caller.
func (c *Client) UpdateLocation(ctx context.Context, fix location.Fix) error {
	return c.doJSON(ctx, http.MethodPost, "/api/v1/location/update", fix, nil)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", path, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("call %s: unexpected status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func messageOr(msg, fallback string) string {
	if strings.TrimSpace(msg) == "" {
		return fallback
	}
	return msg
}
