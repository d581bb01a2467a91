package voice

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"

	"github.com/Urvi-Malhotra/Safeguard/internal/phrase"
)

type streamMock struct {
	mu      sync.Mutex
	stopped int
}

func (s *streamMock) Stop() {
	s.mu.Lock()
	s.stopped++
	s.mu.Unlock()
}

func (s *streamMock) stopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func decodeMessage(t *testing.T, raw string) *api.MessageResponse {
	t.Helper()
	var msg api.MessageResponse
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		t.Fatalf("unmarshal deepgram message failed: %v", err)
	}
	return &msg
}

func finalMessage(t *testing.T, transcript string, confidence float64, speechFinal bool) *api.MessageResponse {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"is_final":     true,
		"speech_final": speechFinal,
		"channel": map[string]any{
			"alternatives": []map[string]any{
				{"transcript": transcript, "confidence": confidence},
			},
		},
	})
	if err != nil {
		t.Fatalf("marshal deepgram message failed: %v", err)
	}
	return decodeMessage(t, string(raw))
}

type detection struct {
	transcript string
	confidence float64
}

func newTestMonitor(t *testing.T, safetyPhrase string) (*Monitor, *streamMock, chan detection) {
	t.Helper()

	monitor := NewMonitor(phrase.NewMatcher(phrase.DefaultThresholds()), safetyPhrase, 10*time.Millisecond)
	stream := &streamMock{}
	monitor.SetStream(stream)

	detected := make(chan detection, 2)
	monitor.OnDetected(func(transcript string, confidence float64) {
		detected <- detection{transcript: transcript, confidence: confidence}
	})

	return monitor, stream, detected
}

func TestMonitorDetectsPhraseOnSpeechFinal(t *testing.T) {
	monitor, stream, detected := newTestMonitor(t, "help me now")
	if err := monitor.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := monitor.Message(finalMessage(t, "I said help me now please", 0.92, true)); err != nil {
		t.Fatalf("Message failed: %v", err)
	}

	select {
	case d := <-detected:
		if d.transcript != "I said help me now please" {
			t.Errorf("transcript = %q", d.transcript)
		}
		if d.confidence != 0.92 {
			t.Errorf("confidence = %v", d.confidence)
		}
	default:
		t.Fatal("expected detection")
	}

	if stream.stopCount() != 1 {
		t.Errorf("stream stop count = %d, want 1", stream.stopCount())
	}
	if monitor.Listening() {
		t.Error("monitor should stop listening after detection")
	}
}

func TestMonitorBuffersFragmentsUntilUtteranceEnd(t *testing.T) {
	monitor, _, detected := newTestMonitor(t, "help me now")
	if err := monitor.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := monitor.Message(finalMessage(t, "help me", 0.9, false)); err != nil {
		t.Fatalf("Message failed: %v", err)
	}
	select {
	case <-detected:
		t.Fatal("should not detect on partial utterance")
	default:
	}

	if err := monitor.Message(finalMessage(t, "now", 0.85, false)); err != nil {
		t.Fatalf("Message failed: %v", err)
	}
	if err := monitor.UtteranceEnd(&api.UtteranceEndResponse{}); err != nil {
		t.Fatalf("UtteranceEnd failed: %v", err)
	}

	select {
	case d := <-detected:
		if d.transcript != "help me now" {
			t.Errorf("transcript = %q", d.transcript)
		}
		if d.confidence != 0.85 {
			t.Errorf("confidence = %v, want lowest fragment confidence", d.confidence)
		}
	default:
		t.Fatal("expected detection after utterance end")
	}
}

func TestMonitorIgnoresInterimResults(t *testing.T) {
	monitor, _, detected := newTestMonitor(t, "help me now")
	if err := monitor.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	msg := decodeMessage(t, `{
		"is_final": false,
		"speech_final": false,
		"channel": {"alternatives": [{"transcript": "help me now", "confidence": 0.99}]}
	}`)
	if err := monitor.Message(msg); err != nil {
		t.Fatalf("Message failed: %v", err)
	}

	select {
	case <-detected:
		t.Fatal("interim result must not trigger detection")
	default:
	}
}

func TestMonitorRejectsLowConfidence(t *testing.T) {
	monitor, stream, detected := newTestMonitor(t, "help me now")
	if err := monitor.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if err := monitor.Message(finalMessage(t, "help me now", 0.4, true)); err != nil {
		t.Fatalf("Message failed: %v", err)
	}

	select {
	case <-detected:
		t.Fatal("low confidence must not trigger detection")
	default:
	}
	if stream.stopCount() != 0 {
		t.Errorf("stream should keep running, stop count = %d", stream.stopCount())
	}
	if !monitor.Listening() {
		t.Error("monitor should keep listening after rejected utterance")
	}
}

func TestMonitorAppliesDefaultConfidence(t *testing.T) {
	monitor, _, detected := newTestMonitor(t, "help me now")
	if err := monitor.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	msg := decodeMessage(t, `{
		"is_final": true,
		"speech_final": true,
		"channel": {"alternatives": [{"transcript": "help me now"}]}
	}`)
	if err := monitor.Message(msg); err != nil {
		t.Fatalf("Message failed: %v", err)
	}

	select {
	case d := <-detected:
		if d.confidence != defaultConfidence {
			t.Errorf("confidence = %v, want default %v", d.confidence, defaultConfidence)
		}
	default:
		t.Fatal("expected detection with default confidence")
	}
}

func TestMonitorFiresOnce(t *testing.T) {
	monitor, _, detected := newTestMonitor(t, "help me now")
	if err := monitor.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	_ = monitor.Message(finalMessage(t, "help me now", 0.9, true))
	_ = monitor.Message(finalMessage(t, "help me now", 0.9, true))

	<-detected
	select {
	case <-detected:
		t.Fatal("detection must fire exactly once per arming")
	default:
	}
}

func TestMonitorIgnoresMessagesWhileStopped(t *testing.T) {
	monitor, _, detected := newTestMonitor(t, "help me now")

	if err := monitor.Message(finalMessage(t, "help me now", 0.9, true)); err != nil {
		t.Fatalf("Message failed: %v", err)
	}

	select {
	case <-detected:
		t.Fatal("stopped monitor must not detect")
	default:
	}
}

func TestMonitorStartRequiresPhrase(t *testing.T) {
	monitor := NewMonitor(nil, "  ", time.Second)
	if err := monitor.Start(); !errors.Is(err, ErrNoPhrase) {
		t.Fatalf("err = %v, want ErrNoPhrase", err)
	}
}

func TestMonitorRestartsAfterStreamClose(t *testing.T) {
	monitor, _, _ := newTestMonitor(t, "help me now")

	restarted := make(chan struct{}, 1)
	monitor.SetRestart(func() { restarted <- struct{}{} })

	if err := monitor.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := monitor.Close(&api.CloseResponse{}); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	select {
	case <-restarted:
	case <-time.After(2 * time.Second):
		t.Fatal("expected restart after stream close")
	}
}

func TestMonitorStopCancelsPendingRestart(t *testing.T) {
	monitor, stream, _ := newTestMonitor(t, "help me now")

	restarted := make(chan struct{}, 1)
	monitor.SetRestart(func() { restarted <- struct{}{} })

	if err := monitor.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := monitor.Close(&api.CloseResponse{}); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	monitor.Stop()

	select {
	case <-restarted:
		t.Fatal("Stop must cancel the pending restart")
	case <-time.After(50 * time.Millisecond):
	}

	if stream.stopCount() == 0 {
		t.Error("Stop should stop the stream")
	}
}

func TestMonitorFatalErrorStopsMonitoring(t *testing.T) {
	monitor, stream, _ := newTestMonitor(t, "help me now")
	if err := monitor.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	surfaced := make(chan error, 1)
	monitor.OnError(func(err error) { surfaced <- err })

	if err := monitor.Error(&api.ErrorResponse{ErrCode: "not-allowed", Description: "mic permission denied"}); err != nil {
		t.Fatalf("Error failed: %v", err)
	}

	select {
	case err := <-surfaced:
		if err == nil {
			t.Fatal("expected surfaced error")
		}
	case <-time.After(time.Second):
		t.Fatal("fatal error was not surfaced")
	}

	if monitor.Listening() {
		t.Error("monitor should stop on fatal error")
	}
	if stream.stopCount() != 1 {
		t.Errorf("stream stop count = %d, want 1", stream.stopCount())
	}
}

func TestMonitorTransientErrorKeepsListening(t *testing.T) {
	monitor, stream, _ := newTestMonitor(t, "help me now")
	if err := monitor.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	surfaced := make(chan error, 1)
	monitor.OnError(func(err error) { surfaced <- err })

	if err := monitor.Error(&api.ErrorResponse{ErrCode: "no-speech", Description: "nothing heard"}); err != nil {
		t.Fatalf("Error failed: %v", err)
	}

	select {
	case <-surfaced:
		t.Fatal("transient error must not be surfaced")
	case <-time.After(50 * time.Millisecond):
	}

	if !monitor.Listening() {
		t.Error("monitor should keep listening after transient error")
	}
	if stream.stopCount() != 0 {
		t.Errorf("stream stop count = %d, want 0", stream.stopCount())
	}
}

func TestMonitorSetPhraseUpdatesProfile(t *testing.T) {
	monitor, _, detected := newTestMonitor(t, "help me now")
	monitor.SetPhrase("red balloon")

	profile := monitor.Profile()
	if profile.Phrase != "red balloon" {
		t.Errorf("phrase = %q", profile.Phrase)
	}
	if profile.UpdatedAt.IsZero() {
		t.Error("expected UpdatedAt to be stamped")
	}

	if err := monitor.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	_ = monitor.Message(finalMessage(t, "red balloon", 0.9, true))

	select {
	case <-detected:
	default:
		t.Fatal("expected detection of updated phrase")
	}
}
