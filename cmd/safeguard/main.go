package main

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	microphone "github.com/deepgram/deepgram-go-sdk/v3/pkg/audio/microphone"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"

	"github.com/Urvi-Malhotra/Safeguard/internal/alerts"
	"github.com/Urvi-Malhotra/Safeguard/internal/audio"
	"github.com/Urvi-Malhotra/Safeguard/internal/backend"
	"github.com/Urvi-Malhotra/Safeguard/internal/config"
	"github.com/Urvi-Malhotra/Safeguard/internal/emergency"
	"github.com/Urvi-Malhotra/Safeguard/internal/gdrive"
	"github.com/Urvi-Malhotra/Safeguard/internal/incident"
	"github.com/Urvi-Malhotra/Safeguard/internal/location"
	"github.com/Urvi-Malhotra/Safeguard/internal/phrase"
	"github.com/Urvi-Malhotra/Safeguard/internal/realtime"
	"github.com/Urvi-Malhotra/Safeguard/internal/server"
	"github.com/Urvi-Malhotra/Safeguard/internal/storage"
	"github.com/Urvi-Malhotra/Safeguard/internal/voice"
)

//go:embed static/*
var staticFiles embed.FS

// voiceLink owns the connection between the microphone, the Deepgram stream,
// and the phrase monitor. Each Connect opens a fresh websocket client and
// hands it to the monitor; the previous stream, if any, has already been
// stopped by the monitor before a reconnect is requested.
type voiceLink struct {
	ctx        context.Context
	apiKey     string
	sampleRate int
	monitor    *voice.Monitor
	mic        micStreamer
	recorder   *audio.Recorder

	mu sync.Mutex
}

func (l *voiceLink) Connect() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.mic == nil {
		return audio.ErrMicUnavailable
	}

	cOptions := &interfaces.ClientOptions{EnableKeepAlive: true}
	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:       "nova-2",
		Language:    "en-US",
		Punctuate:   true,
		SmartFormat: true,
		Encoding:    "linear16",
		SampleRate:  l.sampleRate,
		Channels:    1,
	}

	dgClient, err := client.NewWSUsingCallback(l.ctx, l.apiKey, cOptions, tOptions, l.monitor)
	if err != nil {
		return fmt.Errorf("deepgram client: %w", err)
	}
	if ok := dgClient.Connect(); !ok {
		return errors.New("deepgram connect failed")
	}

	l.monitor.SetStream(dgClient)
	go streamMicWithRetry(l.ctx, l.mic, l.recorder.Writer(dgClient), time.Sleep, log.Printf)
	return nil
}

func main() {
	log.Println("safeguard: starting")

	cfgPath := os.Getenv(config.EnvPrefix + "CONFIG")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}
	cfg, warnings, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	for _, w := range warnings {
		log.Printf("warning: %s", w)
	}

	store, err := storage.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("storage init failed: %v", err)
	}
	journal := storage.NewJournal(cfg.JournalDir)

	assets, err := fs.Sub(staticFiles, "static")
	if err != nil {
		log.Fatalf("static assets init failed: %v", err)
	}

	hub := server.NewHub()
	remote := backend.NewClient(cfg.APIBaseURL, cfg.APIToken)
	tracker := location.NewTracker(cfg.ParsedLocationMaxAge())
	recorder := audio.NewRecorder(cfg.AudioDir, cfg.ParsedRecordingLimit())

	controller := emergency.NewController(remote, store, recorder, hub, emergency.Timeouts{
		Alarm:     cfg.ParsedAlarmTimeout(),
		Recording: cfg.ParsedRecordingLimit(),
		Confirm:   cfg.ParsedConfirmWindow(),
	})
	controller.SetLocator(tracker)
	controller.SetJournal(journal)
	recorder.SetAutoStopHandler(controller.HandleRecordingAutoStop)

	if cfg.OpenAIAPIKey != "" {
		controller.SetNotetaker(incident.NewNotes(cfg.OpenAIAPIKey, cfg.OpenAIModel, store, hub))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer func() { _ = store.Close() }()

	var rt *realtime.Client
	if cfg.APIToken != "" {
		rt = realtime.NewClient(cfg.SocketURL, cfg.APIToken)
		relay := alerts.NewRelay(cfg.UserID, store, journal, hub)
		relay.Bind(rt)
		controller.SetPublisher(rt)
		go rt.Run(ctx)
	}

	if cfg.GDriveFolderID != "" {
		syncer, syncErr := gdrive.NewSyncer(ctx, cfg.GoogleCredentialsFile, cfg.GDriveFolderID)
		if syncErr != nil {
			log.Printf("warning: gdrive sync disabled: %v", syncErr)
		} else {
			recorder.SetExporter(func(audioPath, sessionID string) {
				if err := syncer.UploadAudio(audioPath, sessionID); err != nil {
					log.Printf("gdrive audio upload error: %v", err)
				}
			})
			go func() {
				ticker := time.NewTicker(5 * time.Minute)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						date := time.Now().UTC().Format("2006-01-02")
						if err := syncer.UploadJournal(journal.CurrentPath(), date); err != nil {
							log.Printf("gdrive journal upload error: %v", err)
						}
					}
				}
			}()
		}
	}

	matcher := phrase.NewMatcher(cfg.MatcherThresholds())
	monitor := voice.NewMonitor(matcher, cfg.SafetyPhrase, cfg.ParsedRestartBackoff())
	monitor.OnState(hub.BroadcastVoiceState)
	monitor.OnError(func(err error) {
		log.Printf("voice monitoring stopped: %v", err)
	})
	monitor.OnDetected(func(transcript string, confidence float64) {
		if rt != nil {
			if err := rt.PublishPhraseDetected(transcript, confidence); err != nil && !errors.Is(err, realtime.ErrNotConnected) {
				log.Printf("phrase detection publish failed: %v", err)
			}
		}

		trigCtx, trigCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer trigCancel()
		if _, err := controller.Trigger(trigCtx, emergency.TriggerVoice, &emergency.VoiceEvidence{
			Transcript: transcript,
			Confidence: confidence,
		}); err != nil {
			log.Printf("voice trigger failed: %v", err)
		}
	})

	microphone.Initialize()
	defer microphone.Teardown()

	client.Init(client.InitLib{LogLevel: client.LogLevelDefault})

	var mic *microphone.Microphone
	selectedSampleRate := cfg.MicSampleRate

	for _, rate := range cfg.SampleRateCandidates() {
		m, micErr := microphone.New(microphone.AudioConfig{InputChannels: 1, SamplingRate: float32(rate)})
		if micErr != nil {
			log.Printf("warning: microphone open failed at %d Hz: %v", rate, micErr)
			continue
		}
		mic = m
		selectedSampleRate = rate
		break
	}

	if mic == nil {
		log.Printf("warning: microphone unavailable, voice monitoring and evidence audio disabled")
	} else {
		recorder.SetSampleRate(selectedSampleRate)
		if err := mic.Start(); err != nil {
			log.Printf("warning: microphone start failed at %d Hz, voice monitoring and evidence audio disabled: %v", selectedSampleRate, err)
			mic = nil
		} else {
			log.Printf("microphone started at %d Hz", selectedSampleRate)
		}
	}

	link := &voiceLink{
		ctx:        ctx,
		apiKey:     cfg.DeepgramAPIKey,
		sampleRate: selectedSampleRate,
		monitor:    monitor,
		recorder:   recorder,
	}
	if mic != nil {
		link.mic = mic
	}
	monitor.SetRestart(func() {
		if err := link.Connect(); err != nil {
			log.Printf("voice stream reconnect failed: %v", err)
		}
	})

	startVoice := func() error {
		if cfg.DeepgramAPIKey == "" {
			return errors.New("deepgram API key not configured")
		}
		if link.mic == nil {
			return audio.ErrMicUnavailable
		}
		if monitor.Listening() {
			return nil
		}
		if err := monitor.Start(); err != nil {
			return err
		}
		if err := link.Connect(); err != nil {
			monitor.Stop()
			return err
		}
		return nil
	}

	if cfg.DeepgramAPIKey != "" && cfg.SafetyPhrase != "" && mic != nil {
		if err := startVoice(); err != nil {
			log.Printf("warning: voice monitoring not started: %v", err)
		}
	}

	controls := server.Controls{
		Arm:             controller.Arm,
		CancelCountdown: controller.CancelCountdown,
		Trigger: func(ctx context.Context, triggerType string) (emergency.Session, error) {
			return controller.Trigger(ctx, triggerType, nil)
		},
		Dismiss:        controller.Dismiss,
		Status:         controller.Snapshot,
		StartVoice:     startVoice,
		StopVoice:      monitor.Stop,
		VoiceListening: monitor.Listening,
		SetPhrase: func(ctx context.Context, phraseText, password string) error {
			if err := remote.TrainPhrase(ctx, phraseText, password); err != nil {
				return err
			}
			monitor.SetPhrase(phraseText)
			return nil
		},
		UpdateLocation: func(fix location.Fix) {
			tracker.Set(fix)
			go func() {
				upCtx, upCancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer upCancel()
				if err := remote.UpdateLocation(upCtx, fix); err != nil {
					log.Printf("location update failed: %v", err)
				}
			}()
			if rt != nil {
				if err := rt.PublishLocation(fix); err != nil && !errors.Is(err, realtime.ErrNotConnected) {
					log.Printf("location publish failed: %v", err)
				}
			}
		},
		Warnings: func() []string { return warnings },
	}

	handler, err := server.Handler(assets, hub, store, controls)
	if err != nil {
		log.Fatalf("build http handler failed: %v", err)
	}

	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: handler}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("http server error: %v", err)
		}
	}()

	log.Printf("safeguard: dashboard on http://127.0.0.1%s", cfg.ListenAddr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Println("safeguard: shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	monitor.Stop()
	if mic != nil {
		_ = mic.Stop()
	}
	if rt != nil {
		rt.Close()
	}

	if snapshot := controller.Snapshot(); snapshot.State == emergency.StateActive {
		log.Printf("warning: emergency session %s still active at shutdown, it stays open on the backend", snapshot.ID)
	}
	if recorder.Recording() {
		if _, err := recorder.Stop(); err != nil {
			log.Printf("warning: recorder stop failed: %v", err)
		}
	}

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("warning: http shutdown failed: %v", err)
	}
}

type micStreamer interface {
	Stream(writer io.Writer) error
}

func streamMicWithRetry(
	ctx context.Context,
	streamer micStreamer,
	writer io.Writer,
	wait func(time.Duration),
	logf func(string, ...any),
) {
	for {
		if ctx.Err() != nil {
			return
		}

		err := streamer.Stream(writer)
		if err == nil || ctx.Err() != nil {
			return
		}

		if strings.Contains(strings.ToLower(err.Error()), "overflow") {
			logf("warning: mic input overflow, restarting stream")
			wait(250 * time.Millisecond)
			continue
		}

		logf("mic stream error: %v", err)
		return
	}
}
