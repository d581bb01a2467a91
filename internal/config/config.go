package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Urvi-Malhotra/Safeguard/internal/phrase"
)

// EnvPrefix is the namespace prefix for all Safeguard environment variables.
const EnvPrefix = "SAFEGUARD_"

// Config holds all application configuration. Secrets (tokens, API keys) are
// loaded exclusively from environment variables and never appear in the
// config file.
type Config struct {
	APIBaseURL string `yaml:"api_base_url"`
	SocketURL  string `yaml:"socket_url"`
	ListenAddr string `yaml:"listen_addr"`
	UserID     string `yaml:"user_id"`

	DBPath     string `yaml:"db_path"`
	AudioDir   string `yaml:"audio_dir"`
	JournalDir string `yaml:"journal_dir"`

	SafetyPhrase          string  `yaml:"safety_phrase"`
	PhraseConfidenceFloor float64 `yaml:"phrase_confidence_floor"`
	PhraseTokenOverlap    float64 `yaml:"phrase_token_overlap"`
	PhraseEditSimilarity  float64 `yaml:"phrase_edit_similarity"`

	AlarmTimeout   string `yaml:"alarm_timeout"`
	RecordingLimit string `yaml:"recording_limit"`
	ConfirmWindow  string `yaml:"confirm_window"`
	RestartBackoff string `yaml:"restart_backoff"`
	LocationMaxAge string `yaml:"location_max_age"`

	MicSampleRate  int   `yaml:"mic_sample_rate"`
	MicSampleRates []int `yaml:"mic_sample_rates"`

	OpenAIModel           string `yaml:"openai_model"`
	GDriveFolderID        string `yaml:"gdrive_folder_id"`
	GoogleCredentialsFile string `yaml:"google_credentials_file"`

	// Secrets — env vars only, never serialized to YAML.
	APIToken       string `yaml:"-"`
	DeepgramAPIKey string `yaml:"-"`
	OpenAIAPIKey   string `yaml:"-"`
}

func defaults() Config {
	return Config{
		APIBaseURL:            "http://localhost:5000",
		SocketURL:             "ws://localhost:5000/ws",
		ListenAddr:            ":8080",
		DBPath:                "data/safeguard.db",
		AudioDir:              "data/audio",
		JournalDir:            "data/journal",
		PhraseConfidenceFloor: phrase.DefaultConfidenceFloor,
		PhraseTokenOverlap:    phrase.DefaultTokenOverlap,
		PhraseEditSimilarity:  phrase.DefaultEditSimilarity,
		AlarmTimeout:          "3m",
		RecordingLimit:        "15m",
		ConfirmWindow:         "10s",
		RestartBackoff:        "1s",
		LocationMaxAge:        "5m",
		MicSampleRate:         16000,
		MicSampleRates:        []int{48000, 44100, 32000, 24000},
		OpenAIModel:           "gpt-4o-mini",
		GoogleCredentialsFile: "./service-account.json",
	}
}

// Load reads configuration from a YAML file (if it exists), applies
// environment variable overrides, loads secrets, and validates the result.
// It returns the config, any validation warnings, and an error if the file
// exists but cannot be read or parsed.
func Load(path string) (Config, []string, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, nil, fmt.Errorf("read config file: %w", err)
			}
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	applyEnvOverrides(&cfg)
	loadSecrets(&cfg)

	warnings := validate(&cfg)
	return cfg, warnings, nil
}

// MatcherThresholds returns the configured phrase-matcher thresholds.
func (c *Config) MatcherThresholds() phrase.Thresholds {
	return phrase.Thresholds{
		ConfidenceFloor: c.PhraseConfidenceFloor,
		TokenOverlap:    c.PhraseTokenOverlap,
		EditSimilarity:  c.PhraseEditSimilarity,
	}
}

// ParsedAlarmTimeout returns AlarmTimeout as a time.Duration,
// falling back to 3m if the value is invalid.
func (c *Config) ParsedAlarmTimeout() time.Duration {
	return parseDurationOr(c.AlarmTimeout, 3*time.Minute)
}

// ParsedRecordingLimit returns RecordingLimit as a time.Duration,
// falling back to 15m if the value is invalid.
func (c *Config) ParsedRecordingLimit() time.Duration {
	return parseDurationOr(c.RecordingLimit, 15*time.Minute)
}

// ParsedConfirmWindow returns ConfirmWindow as a time.Duration,
// falling back to 10s if the value is invalid.
func (c *Config) ParsedConfirmWindow() time.Duration {
	return parseDurationOr(c.ConfirmWindow, 10*time.Second)
}

// ParsedRestartBackoff returns RestartBackoff as a time.Duration,
// falling back to 1s if the value is invalid.
func (c *Config) ParsedRestartBackoff() time.Duration {
	return parseDurationOr(c.RestartBackoff, time.Second)
}

// ParsedLocationMaxAge returns LocationMaxAge as a time.Duration,
// falling back to 5m if the value is invalid.
func (c *Config) ParsedLocationMaxAge() time.Duration {
	return parseDurationOr(c.LocationMaxAge, 5*time.Minute)
}

func parseDurationOr(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// SampleRateCandidates returns a deduplicated ordered list of sample rates
// to try: preferred rate first, then configured alternatives, then defaults.
func (c *Config) SampleRateCandidates() []int {
	hardcoded := []int{16000, 48000, 44100, 32000, 24000}

	combined := make([]int, 0, 1+len(c.MicSampleRates)+len(hardcoded))
	combined = append(combined, c.MicSampleRate)
	combined = append(combined, c.MicSampleRates...)
	combined = append(combined, hardcoded...)

	seen := make(map[int]struct{}, len(combined))
	result := make([]int, 0, len(combined))
	for _, rate := range combined {
		if rate <= 0 {
			continue
		}
		if _, ok := seen[rate]; ok {
			continue
		}
		seen[rate] = struct{}{}
		result = append(result, rate)
	}
	return result
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvPrefix + "API_BASE_URL"); v != "" {
		cfg.APIBaseURL = v
	}
	if v := os.Getenv(EnvPrefix + "SOCKET_URL"); v != "" {
		cfg.SocketURL = v
	}
	if v := os.Getenv(EnvPrefix + "LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(EnvPrefix + "USER_ID"); v != "" {
		cfg.UserID = v
	}
	if v := os.Getenv(EnvPrefix + "DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(EnvPrefix + "AUDIO_DIR"); v != "" {
		cfg.AudioDir = v
	}
	if v := os.Getenv(EnvPrefix + "JOURNAL_DIR"); v != "" {
		cfg.JournalDir = v
	}
	if v := os.Getenv(EnvPrefix + "SAFETY_PHRASE"); v != "" {
		cfg.SafetyPhrase = v
	}
	if v := os.Getenv(EnvPrefix + "PHRASE_CONFIDENCE_FLOOR"); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil && f > 0 {
			cfg.PhraseConfidenceFloor = f
		}
	}
	if v := os.Getenv(EnvPrefix + "PHRASE_TOKEN_OVERLAP"); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil && f > 0 {
			cfg.PhraseTokenOverlap = f
		}
	}
	if v := os.Getenv(EnvPrefix + "PHRASE_EDIT_SIMILARITY"); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil && f > 0 {
			cfg.PhraseEditSimilarity = f
		}
	}
	if v := os.Getenv(EnvPrefix + "ALARM_TIMEOUT"); v != "" {
		cfg.AlarmTimeout = v
	}
	if v := os.Getenv(EnvPrefix + "RECORDING_LIMIT"); v != "" {
		cfg.RecordingLimit = v
	}
	if v := os.Getenv(EnvPrefix + "CONFIRM_WINDOW"); v != "" {
		cfg.ConfirmWindow = v
	}
	if v := os.Getenv(EnvPrefix + "RESTART_BACKOFF"); v != "" {
		cfg.RestartBackoff = v
	}
	if v := os.Getenv(EnvPrefix + "LOCATION_MAX_AGE"); v != "" {
		cfg.LocationMaxAge = v
	}
	if v := os.Getenv(EnvPrefix + "MIC_SAMPLE_RATE"); v != "" {
		if rate, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && rate > 0 {
			cfg.MicSampleRate = rate
		}
	}
	if v := os.Getenv(EnvPrefix + "MIC_SAMPLE_RATES"); v != "" {
		cfg.MicSampleRates = parseSampleRates(v)
	}
	if v := os.Getenv(EnvPrefix + "OPENAI_MODEL"); v != "" {
		cfg.OpenAIModel = v
	}
	if v := os.Getenv(EnvPrefix + "GDRIVE_FOLDER_ID"); v != "" {
		cfg.GDriveFolderID = v
	}
	if v := os.Getenv(EnvPrefix + "GOOGLE_CREDENTIALS_FILE"); v != "" {
		cfg.GoogleCredentialsFile = v
	}
}

func loadSecrets(cfg *Config) {
	cfg.APIToken = os.Getenv(EnvPrefix + "API_TOKEN")
	cfg.DeepgramAPIKey = os.Getenv(EnvPrefix + "DEEPGRAM_API_KEY")
	cfg.OpenAIAPIKey = os.Getenv(EnvPrefix + "OPENAI_API_KEY")
}

func validate(cfg *Config) []string {
	var warnings []string

	if cfg.APIToken == "" {
		warnings = append(warnings, "API token not configured — backend calls and the realtime channel are disabled. Set "+EnvPrefix+"API_TOKEN.")
	}
	if cfg.DeepgramAPIKey == "" {
		warnings = append(warnings, "Deepgram API key not configured — voice monitoring is disabled. Set "+EnvPrefix+"DEEPGRAM_API_KEY.")
	}
	if cfg.OpenAIAPIKey == "" {
		warnings = append(warnings, "OpenAI API key not configured — incident notes are disabled. Set "+EnvPrefix+"OPENAI_API_KEY.")
	}
	if cfg.SafetyPhrase == "" {
		warnings = append(warnings, "Safety phrase not configured — voice-activated triggering is disabled until one is set.")
	}

	for _, d := range []struct{ name, value string }{
		{"alarm_timeout", cfg.AlarmTimeout},
		{"recording_limit", cfg.RecordingLimit},
		{"confirm_window", cfg.ConfirmWindow},
		{"restart_backoff", cfg.RestartBackoff},
		{"location_max_age", cfg.LocationMaxAge},
	} {
		if _, err := time.ParseDuration(d.value); err != nil {
			warnings = append(warnings, fmt.Sprintf("Invalid %s %q — using the default.", d.name, d.value))
		}
	}

	return warnings
}

func parseSampleRates(raw string) []int {
	parts := strings.Split(raw, ",")
	seen := make(map[int]struct{}, len(parts))
	result := make([]int, 0, len(parts))

	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		rate, err := strconv.Atoi(trimmed)
		if err != nil || rate <= 0 {
			continue
		}
		if _, ok := seen[rate]; ok {
			continue
		}
		seen[rate] = struct{}{}
		result = append(result, rate)
	}

	return result
}
