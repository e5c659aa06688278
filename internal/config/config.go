package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr  string
	DataDir   string
	DBPath    string
	StateFile string

	HostBaseURL   string
	HostEventsURL string
	HostToken     string

	Countdown      time.Duration
	Cooldown       time.Duration
	Debounce       time.Duration
	RecoveryWindow time.Duration

	LoopMode             string // "marker" or "evaluator"
	DefaultMaxIterations int
	DefaultMarker        string

	AnthropicAPIKey string
	EvaluatorModel  string

	RestartToken string
}

func Load() Config {
	_ = godotenv.Load()
	dataDir := getEnv("AUTOPILOT_DATA_DIR", ".autopilot")
	return Config{
		HTTPAddr:  getEnv("AUTOPILOT_HTTP_ADDR", ":8090"),
		DataDir:   dataDir,
		DBPath:    getEnv("AUTOPILOT_DB_PATH", filepath.Join(dataDir, "journal.db")),
		StateFile: getEnv("AUTOPILOT_STATE_FILE", filepath.Join(dataDir, "loop.state")),

		HostBaseURL:   getEnv("AUTOPILOT_HOST_URL", "http://127.0.0.1:4096"),
		HostEventsURL: getEnv("AUTOPILOT_HOST_EVENTS_URL", ""),
		HostToken:     getEnv("AUTOPILOT_HOST_TOKEN", ""),

		Countdown:      getDuration("AUTOPILOT_COUNTDOWN_SECONDS", 10*time.Second),
		Cooldown:       getDuration("AUTOPILOT_COOLDOWN_SECONDS", 30*time.Second),
		Debounce:       getDuration("AUTOPILOT_DEBOUNCE_SECONDS", 5*time.Second),
		RecoveryWindow: getDuration("AUTOPILOT_RECOVERY_SECONDS", 15*time.Second),

		LoopMode:             getEnv("AUTOPILOT_LOOP_MODE", "marker"),
		DefaultMaxIterations: getInt("AUTOPILOT_MAX_ITERATIONS", 10),
		DefaultMarker:        getEnv("AUTOPILOT_COMPLETION_MARKER", "DONE"),

		AnthropicAPIKey: getEnv("AUTOPILOT_ANTHROPIC_API_KEY", os.Getenv("ANTHROPIC_API_KEY")),
		EvaluatorModel:  getEnv("AUTOPILOT_EVALUATOR_MODEL", "claude-3-5-haiku-latest"),

		RestartToken: getEnv("AUTOPILOT_RESTART_TOKEN", ""),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return fallback
}
