package realtime

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// fakeBackend accepts one connection, records the handshake, and lets the
// test script inbound frames.
type fakeBackend struct {
	t *testing.T

	mu        sync.Mutex
	conn      *websocket.Conn
	handshake *frame
	outbound  chan frame

	ready chan struct{}
}

func newFakeBackend(t *testing.T) (*fakeBackend, *httptest.Server) {
	fb := &fakeBackend{t: t, outbound: make(chan frame, 16), ready: make(chan struct{})}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}

		fb.mu.Lock()
		fb.conn = conn
		fb.mu.Unlock()

		// First frame must be the authenticate handshake.
		var first frame
		if err := conn.ReadJSON(&first); err != nil {
			return
		}
		fb.mu.Lock()
		fb.handshake = &first
		fb.mu.Unlock()
		close(fb.ready)

		for {
			var f frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			fb.outbound <- f
		}
	}))

	return fb, srv
}

func (fb *fakeBackend) sendToClient(event string, data any) {
	fb.mu.Lock()
	conn := fb.conn
	fb.mu.Unlock()
	payload, _ := json.Marshal(data)
	if err := conn.WriteJSON(frame{Event: event, Data: payload}); err != nil {
		fb.t.Errorf("server write failed: %v", err)
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestClient_AuthenticateHandshakeFirst(t *testing.T) {
	fb, srv := newFakeBackend(t)
	defer srv.Close()

	client := NewClient(wsURL(srv), "tok-abc")
	defer client.Close()
	go client.Run(t.Context())

	select {
	case <-fb.ready:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handshake")
	}

	fb.mu.Lock()
	hs := fb.handshake
	fb.mu.Unlock()

	if hs.Event != EventAuthenticate {
		t.Fatalf("expected authenticate frame first, got %q", hs.Event)
	}
	var auth authPayload
	if err := json.Unmarshal(hs.Data, &auth); err != nil {
		t.Fatalf("unmarshal handshake: %v", err)
	}
	if auth.Token != "tok-abc" {
		t.Fatalf("unexpected token %q", auth.Token)
	}
}

func TestClient_DropsEventsBeforeAuthenticated(t *testing.T) {
	fb, srv := newFakeBackend(t)
	defer srv.Close()

	var mu sync.Mutex
	var delivered []AlertRaised

	client := NewClient(wsURL(srv), "tok")
	defer client.Close()
	client.On(EventEmergencyAlert, func(data json.RawMessage) {
		var alert AlertRaised
		_ = json.Unmarshal(data, &alert)
		mu.Lock()
		delivered = append(delivered, alert)
		mu.Unlock()
	})
	go client.Run(t.Context())

	<-fb.ready

	// Alert before the server acknowledges authentication — must be dropped.
	fb.sendToClient(EventEmergencyAlert, AlertRaised{User: UserInfo{ID: "u9", Name: "Early"}})
	fb.sendToClient(EventAuthenticated, map[string]string{"status": "ok"})
	fb.sendToClient(EventEmergencyAlert, AlertRaised{User: UserInfo{ID: "u2", Name: "Peer"}, TriggerType: "manual"})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered) == 1
	}, "trusted alert delivery")

	mu.Lock()
	defer mu.Unlock()
	if delivered[0].User.ID != "u2" {
		t.Fatalf("expected only the post-auth alert, got %+v", delivered)
	}
}

func TestClient_EmitRequiresAuthenticatedConnection(t *testing.T) {
	client := NewClient("ws://127.0.0.1:1/ws", "tok")
	if err := client.PublishPhraseDetected("help me now", 0.9); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestClient_PublishesOutboundEvents(t *testing.T) {
	fb, srv := newFakeBackend(t)
	defer srv.Close()

	client := NewClient(wsURL(srv), "tok")
	defer client.Close()
	go client.Run(t.Context())

	<-fb.ready
	fb.sendToClient(EventAuthenticated, map[string]string{"status": "ok"})

	waitFor(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return client.authed
	}, "client authentication")

	if err := client.PublishPhraseDetected("help me now", 0.85); err != nil {
		t.Fatalf("PublishPhraseDetected failed: %v", err)
	}

	select {
	case f := <-fb.outbound:
		if f.Event != EventVoicePhraseDetected {
			t.Fatalf("unexpected event %q", f.Event)
		}
		var payload phraseDetectedPayload
		if err := json.Unmarshal(f.Data, &payload); err != nil {
			t.Fatalf("unmarshal payload: %v", err)
		}
		if payload.Transcript != "help me now" || payload.Confidence != 0.85 {
			t.Fatalf("unexpected payload %+v", payload)
		}
		if payload.Timestamp == "" {
			t.Fatal("expected timestamp")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound event")
	}
}

func TestClient_CloseStopsReconnect(t *testing.T) {
	waits := make(chan time.Duration, 8)

	client := NewClient("ws://127.0.0.1:1/ws", "tok")
	client.wait = func(d time.Duration) {
		waits <- d
		time.Sleep(time.Millisecond)
	}

	done := make(chan struct{})
	go func() {
		client.Run(t.Context())
		close(done)
	}()

	select {
	case <-waits:
	case <-time.After(2 * time.Second):
		t.Fatal("expected at least one reconnect wait")
	}

	client.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}
}
