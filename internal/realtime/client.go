package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Urvi-Malhotra/Safeguard/internal/location"
)

// ErrNotConnected is returned by Emit when there is no authenticated
// connection to publish on.
var ErrNotConnected = errors.New("realtime channel not connected")

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Client maintains one websocket connection to the Safeguard backend. After
// connecting it performs an authenticate handshake; inbound events are only
// dispatched once the server has acknowledged the credential, so an
// unauthenticated connection is never trusted to relay alerts.
type Client struct {
	url    string
	token  string
	dialer *websocket.Dialer

	mu       sync.Mutex
	conn     *websocket.Conn
	authed   bool
	handlers map[string][]func(json.RawMessage)
	closed   bool

	maxBackoff time.Duration
	wait       func(time.Duration)
}

func NewClient(url, token string) *Client {
	return &Client{
		url:        url,
		token:      token,
		dialer:     websocket.DefaultDialer,
		handlers:   make(map[string][]func(json.RawMessage)),
		maxBackoff: 30 * time.Second,
		wait:       time.Sleep,
	}
}

// On registers a handler for an inbound event. Handlers run on the read
// goroutine; they must not block.
func (c *Client) On(event string, handler func(json.RawMessage)) {
	c.mu.Lock()
	c.handlers[event] = append(c.handlers[event], handler)
	c.mu.Unlock()
}

// Run connects and serves inbound events until ctx is canceled or Close is
// called, reconnecting with capped backoff on failure.
func (c *Client) Run(ctx context.Context) {
	backoff := time.Second

	for {
		if ctx.Err() != nil || c.isClosed() {
			return
		}

		err := c.connectAndServe(ctx)
		if ctx.Err() != nil || c.isClosed() {
			return
		}
		if err != nil {
			log.Printf("realtime: connection lost: %v", err)
		}

		c.wait(backoff)
		backoff *= 2
		if backoff > c.maxBackoff {
			backoff = c.maxBackoff
		}
	}
}

func (c *Client) connectAndServe(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.authed = false
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
			c.authed = false
		}
		c.mu.Unlock()
		_ = conn.Close()
	}()

	if err := c.send(conn, EventAuthenticate, authPayload{Token: c.token}); err != nil {
		return fmt.Errorf("authenticate handshake: %w", err)
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var env envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			log.Printf("realtime: malformed frame: %v", err)
			continue
		}

		switch env.Event {
		case EventAuthenticated:
			c.mu.Lock()
			c.authed = true
			c.mu.Unlock()
			log.Printf("realtime: authenticated")
		case EventAuthenticationError:
			return fmt.Errorf("authentication rejected: %s", string(env.Data))
		default:
			c.dispatch(env)
		}
	}
}

func (c *Client) dispatch(env envelope) {
	c.mu.Lock()
	authed := c.authed
	handlers := append(([]func(json.RawMessage))(nil), c.handlers[env.Event]...)
	c.mu.Unlock()

	// Events arriving before the handshake completes are not trusted.
	if !authed {
		log.Printf("realtime: dropping %s event before authentication", env.Event)
		return
	}

	for _, h := range handlers {
		h(env.Data)
	}
}

// Emit publishes an event to the backend. It fails fast when the channel is
// down; callers treat that as a degraded, non-fatal condition.
func (c *Client) Emit(event string, data any) error {
	c.mu.Lock()
	conn := c.conn
	authed := c.authed
	c.mu.Unlock()

	if conn == nil || !authed {
		return ErrNotConnected
	}
	return c.send(conn, event, data)
}

// PublishLocation emits a location_update event.
func (c *Client) PublishLocation(fix location.Fix) error {
	return c.Emit(EventLocationUpdate, locationUpdatePayload{
		Latitude:  fix.Latitude,
		Longitude: fix.Longitude,
		Accuracy:  fix.Accuracy,
		Timestamp: nowStamp(),
	})
}

// PublishPhraseDetected emits a voice_phrase_detected event.
func (c *Client) PublishPhraseDetected(transcript string, confidence float64) error {
	return c.Emit(EventVoicePhraseDetected, phraseDetectedPayload{
		Transcript: transcript,
		Confidence: confidence,
		Timestamp:  nowStamp(),
	})
}

// Close tears the connection down and stops reconnection attempts.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.authed = false
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) send(conn *websocket.Conn, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}
	frame, err := json.Marshal(envelope{Event: event, Data: payload})
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", event, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, frame)
}
