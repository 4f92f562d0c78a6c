// Package config loads per-binary settings from the environment, after an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Relay configures cmd/speechrelay.
type Relay struct {
	Port            int    `env:"SPEECH_WS_PORT" envDefault:"3001"`
	LanguageCode    string `env:"SPEECH_LANGUAGE_CODE" envDefault:"ja-JP"`
	Model           string `env:"SPEECH_MODEL" envDefault:"latest_long"`
	SampleRate      int    `env:"SPEECH_SAMPLE_RATE" envDefault:"16000"`
	Punctuation     bool   `env:"SPEECH_AUTOMATIC_PUNCTUATION" envDefault:"true"`
	InterimResults  bool   `env:"SPEECH_INTERIM_RESULTS" envDefault:"true"`
	CredentialsJSON string `env:"GOOGLE_APPLICATION_CREDENTIALS_JSON"`
	CredentialsFile string `env:"GOOGLE_APPLICATION_CREDENTIALS"`
	LogLevel        string `env:"LOG_LEVEL" envDefault:"info"`
}

// API configures cmd/meetingd, the trusted backend.
type API struct {
	Addr             string        `env:"API_ADDR" envDefault:":3000"`
	JWTSecret        string        `env:"API_JWT_SECRET"`
	OpenAIAPIKey     string        `env:"OPENAI_API_KEY"`
	OpenAIBaseURL    string        `env:"OPENAI_BASE_URL"`
	FallbackModel    string        `env:"LLM_FALLBACK_MODEL"`
	RealtimeModel    string        `env:"OPENAI_REALTIME_MODEL" envDefault:"gpt-4o-mini-realtime-preview"`
	AmiVoiceAppKey   string        `env:"AMIVOICE_APPKEY"`
	AmiVoiceKeyTTL   time.Duration `env:"AMIVOICE_KEY_TTL" envDefault:"1h"`
	ElevenLabsAPIKey string        `env:"ELEVENLABS_API_KEY"`
	UpstreamTimeout  time.Duration `env:"UPSTREAM_TIMEOUT" envDefault:"15s"`
	UpstreamAttempts int           `env:"UPSTREAM_ATTEMPTS" envDefault:"3"`
	LogLevel         string        `env:"LOG_LEVEL" envDefault:"info"`
}

// Client configures cmd/transcribe.
type Client struct {
	Provider      string        `env:"TRANSCRIBE_PROVIDER" envDefault:"googlerelay"`
	TokenBaseURL  string        `env:"TOKEN_BASE_URL" envDefault:"http://localhost:3000"`
	TokenBearer   string        `env:"TOKEN_BEARER"`
	RelayURL      string        `env:"SPEECH_WS_URL" envDefault:"ws://localhost:3001"`
	Language      string        `env:"TRANSCRIBE_LANGUAGE" envDefault:"ja"`
	SampleRate    int           `env:"CAPTURE_SAMPLE_RATE" envDefault:"48000"`
	FrameSize     int           `env:"CAPTURE_FRAME_SIZE" envDefault:"4096"`
	ArchiveDir    string        `env:"ARCHIVE_DIR"`
	ArchiveMax    int           `env:"ARCHIVE_MAX_FILES" envDefault:"200"`
	ArchiveKeep   time.Duration `env:"ARCHIVE_RETENTION" envDefault:"168h"`
	InsightsMCP   string        `env:"INSIGHTS_MCP_URL"`
	HandshakeWait time.Duration `env:"HANDSHAKE_TIMEOUT" envDefault:"10s"`
	LogLevel      string        `env:"LOG_LEVEL" envDefault:"warn"`
}

// MCP configures cmd/mcp-server.
type MCP struct {
	Port          int    `env:"PORT" envDefault:"9001"`
	OpenAIAPIKey  string `env:"OPENAI_API_KEY"`
	OpenAIBaseURL string `env:"OPENAI_BASE_URL"`
	FallbackModel string `env:"LLM_FALLBACK_MODEL"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load reads the given .env files (".env" when none are named; missing files
// are skipped) and parses the environment into T.
func Load[T any](dotenv ...string) (T, error) {
	if len(dotenv) == 0 {
		dotenv = []string{".env"}
	}
	for _, p := range dotenv {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			var zero T
			return zero, fmt.Errorf("config: load %s: %w", p, err)
		}
	}
	cfg, err := env.ParseAs[T]()
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}
