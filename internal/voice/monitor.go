package voice

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"

	"github.com/Urvi-Malhotra/Safeguard/internal/phrase"
)

// Deepgram sometimes omits per-alternative confidence. Treat those
// utterances as reasonably confident rather than discarding them.
const defaultConfidence = 0.8

var ErrNoPhrase = errors.New("no safety phrase configured")

// fatalErrCodes are Deepgram error codes that will not resolve on their
// own. Monitoring stops and the failure is surfaced instead of retried.
var fatalErrCodes = map[string]bool{
	"not-allowed":         true,
	"service-not-allowed": true,
	"network":             true,
}

// Profile describes the currently trained safety phrase.
type Profile struct {
	Phrase    string    `json:"phrase"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Stream is the live transcription connection the monitor listens on.
type Stream interface {
	Stop()
}

// Monitor watches live transcription for the trained safety phrase. It
// implements the Deepgram websocket callback interface. When the phrase is
// heard in a completed utterance, the stream is stopped first and the
// detection callback fires exactly once.
type Monitor struct {
	matcher        *phrase.Matcher
	restartBackoff time.Duration

	mu           sync.Mutex
	profile      Profile
	listening    bool
	fired        bool
	stream       Stream
	restart      func()
	restartTimer *time.Timer
	buffer       *UtteranceBuffer

	onDetected func(transcript string, confidence float64)
	onState    func(listening bool)
	onError    func(err error)
}

func NewMonitor(matcher *phrase.Matcher, safetyPhrase string, restartBackoff time.Duration) *Monitor {
	if matcher == nil {
		matcher = phrase.NewMatcher(phrase.DefaultThresholds())
	}
	if restartBackoff <= 0 {
		restartBackoff = time.Second
	}
	return &Monitor{
		matcher:        matcher,
		restartBackoff: restartBackoff,
		profile:        Profile{Phrase: strings.TrimSpace(safetyPhrase)},
		buffer:         NewUtteranceBuffer(),
	}
}

// SetStream attaches the live transcription connection the monitor controls.
func (m *Monitor) SetStream(stream Stream) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stream = stream
}

// SetRestart registers the hook that re-establishes a dropped stream.
func (m *Monitor) SetRestart(restart func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restart = restart
}

func (m *Monitor) OnDetected(fn func(transcript string, confidence float64)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDetected = fn
}

func (m *Monitor) OnState(fn func(listening bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onState = fn
}

func (m *Monitor) OnError(fn func(err error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onError = fn
}

func (m *Monitor) SetPhrase(safetyPhrase string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profile = Profile{
		Phrase:    strings.TrimSpace(safetyPhrase),
		UpdatedAt: time.Now().UTC(),
	}
}

func (m *Monitor) Profile() Profile {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.profile
}

func (m *Monitor) Listening() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listening
}

// Start arms the monitor. The stream itself is managed by the caller and
// the restart hook.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.profile.Phrase == "" {
		return ErrNoPhrase
	}
	if m.listening {
		return nil
	}

	m.listening = true
	m.fired = false
	m.buffer = NewUtteranceBuffer()
	m.notifyStateLocked(true)
	return nil
}

// Stop disarms the monitor, cancels any pending restart, and stops the
// stream before returning.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.listening {
		m.mu.Unlock()
		return
	}
	m.listening = false
	if m.restartTimer != nil {
		m.restartTimer.Stop()
		m.restartTimer = nil
	}
	stream := m.stream
	m.notifyStateLocked(false)
	m.mu.Unlock()

	if stream != nil {
		stream.Stop()
	}
}

func (m *Monitor) Message(mr *api.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}

	alt := mr.Channel.Alternatives[0]
	sentence := strings.TrimSpace(alt.Transcript)
	if sentence == "" {
		return nil
	}

	m.mu.Lock()
	if !m.listening {
		m.mu.Unlock()
		return nil
	}

	// Interim results are too unstable to match against.
	if !mr.IsFinal {
		m.mu.Unlock()
		return nil
	}

	m.buffer.Add(sentence, alt.Confidence)
	speechFinal := mr.SpeechFinal
	m.mu.Unlock()

	if speechFinal {
		m.evaluateUtterance()
	}
	return nil
}

func (m *Monitor) UtteranceEnd(_ *api.UtteranceEndResponse) error {
	m.evaluateUtterance()
	return nil
}

func (m *Monitor) Open(_ *api.OpenResponse) error {
	log.Println("voice: connected to Deepgram")
	return nil
}

func (m *Monitor) Metadata(_ *api.MetadataResponse) error { return nil }

func (m *Monitor) SpeechStarted(_ *api.SpeechStartedResponse) error { return nil }

func (m *Monitor) Close(_ *api.CloseResponse) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.listening || m.restart == nil {
		return nil
	}

	log.Printf("voice: stream closed, reconnecting in %s", m.restartBackoff)
	if m.restartTimer != nil {
		m.restartTimer.Stop()
	}
	restart := m.restart
	m.restartTimer = time.AfterFunc(m.restartBackoff, func() {
		if m.Listening() {
			restart()
		}
	})
	return nil
}

func (m *Monitor) Error(er *api.ErrorResponse) error {
	if er == nil {
		return nil
	}

	code := strings.ToLower(strings.TrimSpace(er.ErrCode))
	if !fatalErrCodes[code] {
		log.Printf("voice: transient deepgram error %s: %s", er.ErrCode, er.Description)
		return nil
	}

	m.mu.Lock()
	onError := m.onError
	m.mu.Unlock()

	m.Stop()

	if onError != nil {
		onError(fmt.Errorf("voice monitoring stopped: %s: %s", er.ErrCode, er.Description))
	}
	return nil
}

func (m *Monitor) UnhandledEvent(_ []byte) error { return nil }

func (m *Monitor) evaluateUtterance() {
	m.mu.Lock()
	transcript, confidence := m.buffer.Flush()
	if transcript == "" || !m.listening || m.fired {
		m.mu.Unlock()
		return
	}
	if confidence == 0 {
		confidence = defaultConfidence
	}

	safetyPhrase := m.profile.Phrase
	if !m.matcher.Matches(transcript, safetyPhrase, confidence) {
		m.mu.Unlock()
		return
	}

	m.fired = true
	m.listening = false
	if m.restartTimer != nil {
		m.restartTimer.Stop()
		m.restartTimer = nil
	}
	stream := m.stream
	onDetected := m.onDetected
	m.notifyStateLocked(false)
	m.mu.Unlock()

	log.Printf("voice: safety phrase detected (confidence %.2f)", confidence)

	if stream != nil {
		stream.Stop()
	}
	if onDetected != nil {
		onDetected(transcript, confidence)
	}
}

func (m *Monitor) notifyStateLocked(listening bool) {
	if m.onState == nil {
		return
	}
	fn := m.onState
	go fn(listening)
}
