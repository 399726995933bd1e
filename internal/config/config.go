package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the voice agent service.
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Public base URL for this service (e.g. https://xxx.ngrok-free.dev when behind ngrok).
	// Used for logging the WebSocket endpoint; the telephony provider connects to
	// wss://<this-host>/streams/inbound. Optional; if unset, logs ws://localhost:PORT/streams/inbound.
	PublicURL string `envconfig:"PUBLIC_URL" default:""`

	// Deepgram STT API configuration (streaming recognizer)
	DeepgramAPIKey   string `envconfig:"DEEPGRAM_API_KEY" default:""`
	DeepgramModel    string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`
	DeepgramLanguage string `envconfig:"DEEPGRAM_LANGUAGE" default:"en"`

	// Whisper-backed reference STT recognizer (local HTTP server, batch recognize)
	WhisperServerURL     string  `envconfig:"WHISPER_SERVER_URL" default:"http://localhost:8081"`
	WhisperRMSThreshold  float64 `envconfig:"WHISPER_RMS_THRESHOLD" default:"300.0"`
	WhisperSilenceMs     int     `envconfig:"WHISPER_SILENCE_MS" default:"500"`
	WhisperMaxBufferMs   int     `envconfig:"WHISPER_MAX_BUFFER_MS" default:"10000"`
	WhisperMinUtteranceMs int    `envconfig:"WHISPER_MIN_UTTERANCE_MS" default:"300"`

	// Which STT engine backs a session: "deepgram" or "whisper"
	STTEngine string `envconfig:"STT_ENGINE" default:"deepgram"`

	// Cartesia TTS API configuration
	CartesiaAPIKey  string `envconfig:"CARTESIA_API_KEY" default:""`
	CartesiaVoiceID string `envconfig:"CARTESIA_VOICE_ID" default:"sonic-english"`
	CartesiaModelID string `envconfig:"CARTESIA_MODEL_ID" default:"sonic"`

	// TTS chunking (sentence-level, for low time-to-first-audio)
	TTSMinChunkLength int `envconfig:"TTS_MIN_CHUNK_LENGTH" default:"15"`
	TTSMaxChunkLength int `envconfig:"TTS_MAX_CHUNK_LENGTH" default:"200"`
	TTSRechunkMs      int `envconfig:"TTS_RECHUNK_MS" default:"100"`

	// Agent runtime selection: "grpc" (Cognitive Orchestrator) or "openai"
	AgentRuntime   string `envconfig:"AGENT_RUNTIME" default:"openai"`
	AgentMode      string `envconfig:"AGENT_MODE" default:"sales"` // "sales" or "healthcare"
	AgentTimeoutS  int    `envconfig:"AGENT_TIMEOUT_S" default:"30"`

	// Cognitive Orchestrator gRPC endpoint
	OrchestratorURL        string `envconfig:"ORCHESTRATOR_URL" default:"localhost:50051"`
	OrchestratorTLSEnabled bool   `envconfig:"ORCHESTRATOR_TLS_ENABLED" default:"false"`

	// OpenAI-compatible agent runtime
	OpenAIAPIKey  string `envconfig:"OPENAI_API_KEY" default:""`
	OpenAIBaseURL string `envconfig:"OPENAI_BASE_URL" default:""`
	OpenAIModel   string `envconfig:"OPENAI_MODEL" default:"gpt-4o-mini"`

	// Audio processing configuration
	AudioBufferSize int `envconfig:"AUDIO_BUFFER_SIZE" default:"8192"`

	// VAD barge-in configuration
	VADDefaultThreshold   float64 `envconfig:"VAD_DEFAULT_THRESHOLD" default:"500.0"`
	VADMinThreshold       float64 `envconfig:"VAD_MIN_THRESHOLD" default:"300.0"`
	VADMaxThreshold       float64 `envconfig:"VAD_MAX_THRESHOLD" default:"2000.0"`
	VADThresholdMultiplier float64 `envconfig:"VAD_THRESHOLD_MULTIPLIER" default:"1.5"`
	VADPercentile         float64 `envconfig:"VAD_PERCENTILE" default:"85.0"`
	VADWindowSamples      int     `envconfig:"VAD_WINDOW_SAMPLES" default:"1500"`
	VADStartFrames        int     `envconfig:"VAD_START_FRAMES" default:"10"`
	VADStopFrames         int     `envconfig:"VAD_STOP_FRAMES" default:"5"`
	GreetingEchoCooldownS float64 `envconfig:"GREETING_ECHO_COOLDOWN_S" default:"3.0"`

	// EOT / Turn Controller configuration
	EOTThreshold          float64 `envconfig:"EOT_THRESHOLD" default:"0.30"`
	EOTShortInputThreshold float64 `envconfig:"EOT_SHORT_INPUT_THRESHOLD" default:"0.15"`
	EOTShortInputWords    int     `envconfig:"EOT_SHORT_INPUT_WORDS" default:"4"`
	EOTHistoryTurns       int     `envconfig:"EOT_HISTORY_TURNS" default:"4"`
	SilenceFallbackS      float64 `envconfig:"SILENCE_FALLBACK_S" default:"1.2"`
	MaxBufferAgeS         float64 `envconfig:"MAX_BUFFER_AGE_S" default:"2.5"`
	TurnTickerMs          int     `envconfig:"TURN_TICKER_MS" default:"300"`
	NoInputTimeoutS       float64 `envconfig:"NO_INPUT_TIMEOUT_S" default:"5.0"`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"`
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`
	ReconnectBackoff           int `envconfig:"RECONNECT_BACKOFF" default:"1000"`

	// Thread Binder / Recovery persistence (Postgres)
	DatabaseURL string `envconfig:"DATABASE_URL" default:""`

	// Recovery / retry-on-disconnect policy
	RecoveryMinDurationS  float64 `envconfig:"RECOVERY_MIN_DURATION_S" default:"10.0"`
	RecoveryMaxRetries    int     `envconfig:"RECOVERY_MAX_RETRIES" default:"2"`
	RecoveryRetryDelayS   float64 `envconfig:"RECOVERY_RETRY_DELAY_S" default:"300.0"`

	// Call control (hangup) callback base, if the telephony provider exposes a REST API
	CallControlBaseURL string `envconfig:"CALL_CONTROL_BASE_URL" default:""`
	CallControlAuthSID string `envconfig:"CALL_CONTROL_AUTH_SID" default:""`
	CallControlAuthTok string `envconfig:"CALL_CONTROL_AUTH_TOKEN" default:""`

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
}

// Load reads configuration from environment variables.
// It first attempts to load from a .env file if present, then from the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load a .env file (useful for containerized deployments).
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.STTEngine {
	case "deepgram":
		if c.DeepgramAPIKey == "" {
			return fmt.Errorf("DEEPGRAM_API_KEY is required when STT_ENGINE=deepgram")
		}
	case "whisper":
		if c.WhisperServerURL == "" {
			return fmt.Errorf("WHISPER_SERVER_URL is required when STT_ENGINE=whisper")
		}
	default:
		return fmt.Errorf("unknown STT_ENGINE %q", c.STTEngine)
	}

	if c.CartesiaAPIKey == "" {
		return fmt.Errorf("CARTESIA_API_KEY is required")
	}

	switch c.AgentRuntime {
	case "grpc":
		if c.OrchestratorURL == "" {
			return fmt.Errorf("ORCHESTRATOR_URL is required when AGENT_RUNTIME=grpc")
		}
	case "openai":
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required when AGENT_RUNTIME=openai")
		}
	default:
		return fmt.Errorf("unknown AGENT_RUNTIME %q", c.AgentRuntime)
	}

	return nil
}

// GetEnv returns the value of an environment variable or a default value.
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
