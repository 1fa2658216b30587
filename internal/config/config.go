package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// DefaultSystemInstruction is the persona of the live tutor
const DefaultSystemInstruction = "Bạn là một cô giáo tiểu học có giọng nói ấm áp, nhẹ nhàng và truyền cảm. " +
	"Hãy giúp bé lớp 1 học chữ, ghép vần và động viên bé một cách dịu dàng."

// Config holds all configuration for the live tutor service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Optional gRPC health endpoint (e.g. ":9090"); disabled when empty
	GRPCHealthAddr string `envconfig:"GRPC_HEALTH_ADDR" default:""`

	// Start a tutor session as soon as the process is up (kiosk mode)
	AutoStart bool `envconfig:"AUTO_START" default:"false"`

	// Gemini configuration
	GeminiAPIKey  string `envconfig:"GEMINI_API_KEY" required:"true"`
	GeminiLiveURL string `envconfig:"GEMINI_LIVE_URL" default:"wss://generativelanguage.googleapis.com/ws"`

	// Live tutor session configuration
	TutorModel             string `envconfig:"TUTOR_MODEL" default:"gemini-2.5-flash-native-audio-preview-12-2025"`
	TutorVoice             string `envconfig:"TUTOR_VOICE" default:"Puck"`
	TutorSystemInstruction string `envconfig:"TUTOR_SYSTEM_INSTRUCTION" default:""`
	TutorTranscription     bool   `envconfig:"TUTOR_TRANSCRIPTION" default:"false"` // Ask the model for input/output transcripts

	// Audio configuration
	CaptureSampleRate   int `envconfig:"CAPTURE_SAMPLE_RATE" default:"16000"`  // Outbound PCM rate
	CaptureBlockSize    int `envconfig:"CAPTURE_BLOCK_SIZE" default:"4096"`    // Samples per outbound frame
	PlaybackSampleRate  int `envconfig:"PLAYBACK_SAMPLE_RATE" default:"24000"` // Inbound PCM rate
	PlaybackChannels    int `envconfig:"PLAYBACK_CHANNELS" default:"1"`        // Inbound channel count
	SpeakerBufferFrames int `envconfig:"SPEAKER_BUFFER_FRAMES" default:"480"`  // 20ms at 24kHz
	MicBufferFrames     int `envconfig:"MIC_BUFFER_FRAMES" default:"1024"`     // Device read size

	// Voice activity metrics on the outbound path
	VADEnergyThreshold float64 `envconfig:"VAD_ENERGY_THRESHOLD" default:"500.0"` // RMS energy threshold for VAD
	VADSilenceFrames   int     `envconfig:"VAD_SILENCE_FRAMES" default:"3"`       // Blocks of silence to mark speech end

	// Session supervision
	SessionIdleTimeout int `envconfig:"SESSION_IDLE_TIMEOUT" default:"60"` // seconds, 0 disables the watchdog
	KeepaliveInterval  int `envconfig:"KEEPALIVE_INTERVAL" default:"20"`   // seconds between websocket pings
	ConnectMaxAttempts int `envconfig:"CONNECT_MAX_ATTEMPTS" default:"1"`  // 1 = no retry
	ConnectBackoff     int `envconfig:"CONNECT_BACKOFF" default:"500"`     // milliseconds
	StartTimeout       int `envconfig:"START_TIMEOUT" default:"15"`        // seconds to wait for the remote open

	// Lessons (unary generative calls)
	LessonsModel    string `envconfig:"LESSONS_MODEL" default:"gemini-3-flash-preview"`
	LessonsTTSModel string `envconfig:"LESSONS_TTS_MODEL" default:"gemini-2.5-flash-preview-tts"`

	// Deepgram captions (optional)
	DeepgramAPIKey   string `envconfig:"DEEPGRAM_API_KEY" default:""`
	DeepgramModel    string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`
	DeepgramLanguage string `envconfig:"DEEPGRAM_LANGUAGE" default:"vi"`

	// Recording of the child's microphone audio (optional)
	RecordDir string `envconfig:"RECORD_DIR" default:""`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Maximum retry attempts
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`         // Maximum reconnection attempts
	ReconnectBackoff           int `envconfig:"RECONNECT_BACKOFF" default:"1000"`           // Reconnection backoff in milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.TutorSystemInstruction == "" {
		cfg.TutorSystemInstruction = DefaultSystemInstruction
	}

	return &cfg, nil
}

// Validate checks required fields and value ranges
func (c *Config) Validate() error {
	if c.GeminiAPIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY is required")
	}
	if c.CaptureSampleRate <= 0 || c.PlaybackSampleRate <= 0 {
		return fmt.Errorf("sample rates must be positive (capture=%d, playback=%d)", c.CaptureSampleRate, c.PlaybackSampleRate)
	}
	if c.CaptureBlockSize <= 0 {
		return fmt.Errorf("CAPTURE_BLOCK_SIZE must be positive, got %d", c.CaptureBlockSize)
	}
	if c.PlaybackChannels < 1 || c.PlaybackChannels > 2 {
		return fmt.Errorf("PLAYBACK_CHANNELS must be 1 or 2, got %d", c.PlaybackChannels)
	}
	if c.ConnectMaxAttempts < 1 {
		return fmt.Errorf("CONNECT_MAX_ATTEMPTS must be at least 1, got %d", c.ConnectMaxAttempts)
	}
	return nil
}

// IdleTimeout returns the session watchdog timeout (zero when disabled)
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.SessionIdleTimeout) * time.Second
}

// Keepalive returns the websocket ping interval
func (c *Config) Keepalive() time.Duration {
	return time.Duration(c.KeepaliveInterval) * time.Second
}

// CaptionsEnabled reports whether Deepgram captions are configured
func (c *Config) CaptionsEnabled() bool {
	return c.DeepgramAPIKey != ""
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
