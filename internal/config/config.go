package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Browser launch modes.
const (
	BrowserModeLocal  = "local"
	BrowserModeDocker = "docker"
)

// Config is the worker configuration, read from the environment.
type Config struct {
	Port      int    `env:"WORKER_PORT" envDefault:"5000"`
	APISecret string `env:"WORKER_API_SECRET"`
	WorkerID  string `env:"WORKER_ID" envDefault:"worker-1"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`

	RedisURL       string `env:"REDIS_URL" envDefault:"redis://localhost:6379"`
	RedisKeyPrefix string `env:"REDIS_KEY_PREFIX" envDefault:"zoom_worker:"`

	RecordingsDir string `env:"RECORDINGS_DIR" envDefault:"./recordings"`

	MaxConcurrentBots   int           `env:"MAX_CONCURRENT_BOTS" envDefault:"10"`
	MaxBrowserInstances int           `env:"MAX_BROWSER_INSTANCES" envDefault:"5"`
	MemoryLimitMB       int64         `env:"MEMORY_LIMIT_MB" envDefault:"4096"`
	StaleSessionAge     time.Duration `env:"STALE_SESSION_AGE" envDefault:"30m"`

	PoolAcquireTimeout  time.Duration `env:"POOL_ACQUIRE_TIMEOUT" envDefault:"30s"`
	PoolPollInterval    time.Duration `env:"POOL_POLL_INTERVAL" envDefault:"100ms"`
	PoolMinIdle         int           `env:"POOL_MIN_IDLE" envDefault:"1"`
	PoolCleanupSchedule string        `env:"POOL_CLEANUP_SCHEDULE" envDefault:"@every 5m"`
	MonitorSchedule     string        `env:"MONITOR_SCHEDULE" envDefault:"@every 30s"`

	AudioRetryInterval time.Duration `env:"AUDIO_RETRY_INTERVAL" envDefault:"3s"`
	AudioMaxAttempts   int           `env:"AUDIO_MAX_ATTEMPTS" envDefault:"20"`
	MinTranscriptChars int           `env:"MIN_TRANSCRIPT_CHARS" envDefault:"3"`
	StepTimeout        time.Duration `env:"STEP_TIMEOUT" envDefault:"30s"`
	JoinTimeout        time.Duration `env:"JOIN_TIMEOUT" envDefault:"60s"`
	EndCheckInterval   time.Duration `env:"END_CHECK_INTERVAL" envDefault:"30s"`
	ChunkDrainInterval time.Duration `env:"CHUNK_DRAIN_INTERVAL" envDefault:"10s"`
	ShutdownTimeout    time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	MainServerURL     string        `env:"MAIN_SERVER_URL"`
	MainServerSecret  string        `env:"MAIN_SERVER_SECRET"`
	WebhookURL        string        `env:"WEBHOOK_URL"`
	BackendTimeout    time.Duration `env:"BACKEND_TIMEOUT" envDefault:"15s"`
	OpenAIAPIKey      string        `env:"OPENAI_API_KEY"`
	TranscribeTimeout time.Duration `env:"TRANSCRIBE_TIMEOUT" envDefault:"5m"`

	BrowserMode string `env:"BROWSER_MODE" envDefault:"local"`
	ChromeBin   string `env:"CHROME_BIN"`
	BotName     string `env:"BOT_NAME" envDefault:"Meeting Notes Bot"`

	AnnounceRecording bool          `env:"ANNOUNCE_RECORDING" envDefault:"true"`
	AnnounceMessage   string        `env:"ANNOUNCE_MESSAGE" envDefault:"Recording started"`
	AnnounceHold      time.Duration `env:"ANNOUNCE_HOLD" envDefault:"4s"`

	RateLimitPerHour int `env:"RATE_LIMIT_PER_HOUR" envDefault:"100"`
	RateLimitBurst   int `env:"RATE_LIMIT_BURST" envDefault:"10"`
}

// Load reads an optional dotenv file and parses the environment. A missing
// dotenv file is not an error; an explicitly named one that cannot be read is.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	} else if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("load .env: %w", err)
		}
	}

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	cfg.BrowserMode = strings.ToLower(strings.TrimSpace(cfg.BrowserMode))
	return &cfg, nil
}

// MemoryLimitBytes converts the configured limit to bytes.
func (c *Config) MemoryLimitBytes() uint64 {
	if c.MemoryLimitMB <= 0 {
		return 0
	}
	return uint64(c.MemoryLimitMB) * 1024 * 1024
}

// SessionAnnouncement returns the recording announcement, or "" when
// announcements are off.
func (c *Config) SessionAnnouncement() string {
	if !c.AnnounceRecording {
		return ""
	}
	return strings.TrimSpace(c.AnnounceMessage)
}

// Validate rejects configurations that would only fail later, mid-session.
func (c *Config) Validate() error {
	var problems []string

	if strings.TrimSpace(c.OpenAIAPIKey) == "" {
		problems = append(problems, "OPENAI_API_KEY is required")
	}
	if c.MaxConcurrentBots <= 0 {
		problems = append(problems, "MAX_CONCURRENT_BOTS must be positive")
	}
	if c.MaxBrowserInstances <= 0 {
		problems = append(problems, "MAX_BROWSER_INSTANCES must be positive")
	}
	if c.MemoryLimitMB <= 0 {
		problems = append(problems, "MEMORY_LIMIT_MB must be positive")
	}
	if c.AudioMaxAttempts <= 0 {
		problems = append(problems, "AUDIO_MAX_ATTEMPTS must be positive")
	}
	if c.AudioRetryInterval <= 0 || c.PoolPollInterval <= 0 || c.PoolAcquireTimeout <= 0 {
		problems = append(problems, "retry, poll and acquire intervals must be positive")
	}
	if c.PoolMinIdle < 1 || c.PoolMinIdle > c.MaxBrowserInstances {
		problems = append(problems, "POOL_MIN_IDLE must be between 1 and MAX_BROWSER_INSTANCES")
	}
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"STEP_TIMEOUT", c.StepTimeout},
		{"JOIN_TIMEOUT", c.JoinTimeout},
		{"CHUNK_DRAIN_INTERVAL", c.ChunkDrainInterval},
		{"SHUTDOWN_TIMEOUT", c.ShutdownTimeout},
		{"TRANSCRIBE_TIMEOUT", c.TranscribeTimeout},
	} {
		if d.value <= 0 {
			problems = append(problems, d.name+" must be positive")
		}
	}
	if c.AnnounceHold < 0 {
		problems = append(problems, "ANNOUNCE_HOLD must not be negative")
	}
	if c.EndCheckInterval < 0 {
		problems = append(problems, "END_CHECK_INTERVAL must not be negative")
	}
	switch c.BrowserMode {
	case BrowserModeLocal, BrowserModeDocker:
	default:
		problems = append(problems, fmt.Sprintf("BROWSER_MODE %q is not one of local, docker", c.BrowserMode))
	}
	if c.Port <= 0 || c.Port > 65535 {
		problems = append(problems, "WORKER_PORT is out of range")
	}

	if len(problems) > 0 {
		return errors.New("invalid configuration: " + strings.Join(problems, "; "))
	}
	return nil
}
