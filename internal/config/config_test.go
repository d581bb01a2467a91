package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func clearSafeguardEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, EnvPrefix) {
			key := strings.SplitN(kv, "=", 2)[0]
			t.Setenv(key, "")
			_ = os.Unsetenv(key)
		}
	}
}

func TestLoad_DefaultsWhenFileMissing(t *testing.T) {
	clearSafeguardEnv(t)

	cfg, _, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.DBPath != "data/safeguard.db" {
		t.Errorf("expected default db path, got %q", cfg.DBPath)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("expected default listen addr, got %q", cfg.ListenAddr)
	}
	if cfg.PhraseConfidenceFloor != 0.6 {
		t.Errorf("expected default confidence floor 0.6, got %v", cfg.PhraseConfidenceFloor)
	}
	if got := cfg.ParsedAlarmTimeout(); got != 3*time.Minute {
		t.Errorf("expected default alarm timeout 3m, got %v", got)
	}
	if got := cfg.ParsedRecordingLimit(); got != 15*time.Minute {
		t.Errorf("expected default recording limit 15m, got %v", got)
	}
	if got := cfg.ParsedConfirmWindow(); got != 10*time.Second {
		t.Errorf("expected default confirm window 10s, got %v", got)
	}
}

func TestLoad_YAMLFile(t *testing.T) {
	clearSafeguardEnv(t)

	path := filepath.Join(t.TempDir(), "safeguard.yaml")
	content := `
api_base_url: https://safeguard.example.com
socket_url: wss://safeguard.example.com/ws
safety_phrase: help me now
phrase_confidence_floor: 0.7
alarm_timeout: 2m
confirm_window: 5s
mic_sample_rate: 44100
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cfg, _, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.APIBaseURL != "https://safeguard.example.com" {
		t.Errorf("unexpected api base url %q", cfg.APIBaseURL)
	}
	if cfg.SafetyPhrase != "help me now" {
		t.Errorf("unexpected safety phrase %q", cfg.SafetyPhrase)
	}
	if cfg.PhraseConfidenceFloor != 0.7 {
		t.Errorf("unexpected confidence floor %v", cfg.PhraseConfidenceFloor)
	}
	if got := cfg.ParsedAlarmTimeout(); got != 2*time.Minute {
		t.Errorf("unexpected alarm timeout %v", got)
	}
	if got := cfg.ParsedConfirmWindow(); got != 5*time.Second {
		t.Errorf("unexpected confirm window %v", got)
	}
	if cfg.MicSampleRate != 44100 {
		t.Errorf("unexpected mic sample rate %d", cfg.MicSampleRate)
	}
}

func TestLoad_InvalidYAMLIsError(t *testing.T) {
	clearSafeguardEnv(t)

	path := filepath.Join(t.TempDir(), "broken.yaml")
	if err := os.WriteFile(path, []byte("api_base_url: [unclosed"), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	if _, _, err := Load(path); err == nil {
		t.Fatal("expected error for malformed yaml")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearSafeguardEnv(t)

	t.Setenv(EnvPrefix+"API_BASE_URL", "http://10.0.0.5:5000")
	t.Setenv(EnvPrefix+"SAFETY_PHRASE", "pineapple pizza")
	t.Setenv(EnvPrefix+"ALARM_TIMEOUT", "90s")
	t.Setenv(EnvPrefix+"PHRASE_EDIT_SIMILARITY", "0.9")
	t.Setenv(EnvPrefix+"MIC_SAMPLE_RATES", "48000, 22050, bogus, 48000")

	cfg, _, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.APIBaseURL != "http://10.0.0.5:5000" {
		t.Errorf("env override not applied, got %q", cfg.APIBaseURL)
	}
	if cfg.SafetyPhrase != "pineapple pizza" {
		t.Errorf("env override not applied, got %q", cfg.SafetyPhrase)
	}
	if got := cfg.ParsedAlarmTimeout(); got != 90*time.Second {
		t.Errorf("env override not applied, got %v", got)
	}
	if cfg.PhraseEditSimilarity != 0.9 {
		t.Errorf("env override not applied, got %v", cfg.PhraseEditSimilarity)
	}
	if len(cfg.MicSampleRates) != 2 || cfg.MicSampleRates[0] != 48000 || cfg.MicSampleRates[1] != 22050 {
		t.Errorf("unexpected mic sample rates %v", cfg.MicSampleRates)
	}
}

func TestLoad_SecretsFromEnvOnly(t *testing.T) {
	clearSafeguardEnv(t)

	t.Setenv(EnvPrefix+"API_TOKEN", "bearer-abc")
	t.Setenv(EnvPrefix+"DEEPGRAM_API_KEY", "dg-key")
	t.Setenv(EnvPrefix+"OPENAI_API_KEY", "oa-key")

	cfg, warnings, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.APIToken != "bearer-abc" || cfg.DeepgramAPIKey != "dg-key" || cfg.OpenAIAPIKey != "oa-key" {
		t.Fatal("expected secrets loaded from env")
	}
	for _, w := range warnings {
		if strings.Contains(w, "API token") || strings.Contains(w, "Deepgram") || strings.Contains(w, "OpenAI") {
			t.Errorf("unexpected warning with secrets set: %s", w)
		}
	}
}

func TestLoad_WarningsForMissingSecretsAndBadDurations(t *testing.T) {
	clearSafeguardEnv(t)

	t.Setenv(EnvPrefix+"RECORDING_LIMIT", "fifteen minutes")

	cfg, warnings, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	var sawToken, sawDuration, sawPhrase bool
	for _, w := range warnings {
		if strings.Contains(w, "API_TOKEN") {
			sawToken = true
		}
		if strings.Contains(w, "recording_limit") {
			sawDuration = true
		}
		if strings.Contains(w, "Safety phrase") {
			sawPhrase = true
		}
	}
	if !sawToken {
		t.Error("expected warning for missing API token")
	}
	if !sawDuration {
		t.Error("expected warning for invalid recording_limit")
	}
	if !sawPhrase {
		t.Error("expected warning for missing safety phrase")
	}

	if got := cfg.ParsedRecordingLimit(); got != 15*time.Minute {
		t.Errorf("expected fallback recording limit, got %v", got)
	}
}

func TestMatcherThresholds(t *testing.T) {
	clearSafeguardEnv(t)

	cfg, _, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	th := cfg.MatcherThresholds()
	if th.ConfidenceFloor != 0.6 || th.TokenOverlap != 0.7 || th.EditSimilarity != 0.75 {
		t.Fatalf("unexpected thresholds %+v", th)
	}
}

func TestSampleRateCandidates(t *testing.T) {
	cfg := defaults()
	cfg.MicSampleRate = 22050
	cfg.MicSampleRates = []int{48000, 22050}

	rates := cfg.SampleRateCandidates()
	if rates[0] != 22050 {
		t.Fatalf("expected preferred rate first, got %v", rates)
	}

	seen := map[int]bool{}
	for _, r := range rates {
		if seen[r] {
			t.Fatalf("duplicate rate %d in %v", r, rates)
		}
		seen[r] = true
	}
}
