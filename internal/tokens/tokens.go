// Package tokens mints the short-lived credentials browsers and the CLI use
// to open provider sessions, so long-lived provider keys never leave the
// backend.
package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/meeting-voice-lab/internal/config"
	"github.com/meeting-voice-lab/internal/logging"
)

const (
	AmiVoiceIssueURL   = "https://acp-api.amivoice.com/issue_service_authorization"
	ElevenLabsTokenURL = "https://api.elevenlabs.io/v1/single-use-token/realtime_scribe"
	OpenAISessionsURL  = "https://api.openai.com/v1/realtime/sessions"
)

// ErrNotConfigured is returned when the upstream key for a provider is unset.
var ErrNotConfigured = errors.New("tokens: provider key not configured")

// StatusError is a non-2xx answer from the upstream issuer.
type StatusError struct {
	Provider string
	Status   int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("tokens: %s issuer returned %d: %s", e.Provider, e.Status, e.Body)
}

// Service talks to the upstream credential issuers.
type Service struct {
	HTTP *http.Client

	AmiVoiceURL   string
	ElevenLabsURL string
	OpenAIURL     string

	AmiVoiceKey   string
	AmiVoiceTTL   time.Duration
	ElevenLabsKey string
	OpenAIKey     string
	RealtimeModel string

	Timeout  time.Duration
	Attempts int
}

// NewService builds a Service from backend configuration.
func NewService(cfg config.API) *Service {
	realtime := OpenAISessionsURL
	if cfg.OpenAIBaseURL != "" {
		realtime = strings.TrimRight(cfg.OpenAIBaseURL, "/") + "/realtime/sessions"
	}
	return &Service{
		HTTP:          &http.Client{},
		AmiVoiceURL:   AmiVoiceIssueURL,
		ElevenLabsURL: ElevenLabsTokenURL,
		OpenAIURL:     realtime,
		AmiVoiceKey:   cfg.AmiVoiceAppKey,
		AmiVoiceTTL:   cfg.AmiVoiceKeyTTL,
		ElevenLabsKey: cfg.ElevenLabsAPIKey,
		OpenAIKey:     cfg.OpenAIAPIKey,
		RealtimeModel: cfg.RealtimeModel,
		Timeout:       cfg.UpstreamTimeout,
		Attempts:      cfg.UpstreamAttempts,
	}
}

// AmiVoiceAppKey issues a one-time AmiVoice service authorization key. The
// upstream answers with the key as plain text.
func (s *Service) AmiVoiceAppKey(ctx context.Context) (string, error) {
	if s.AmiVoiceKey == "" {
		return "", fmt.Errorf("%w: AMIVOICE_APPKEY", ErrNotConfigured)
	}
	ttl := s.AmiVoiceTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	form := url.Values{"epi": {fmt.Sprint(ttl.Milliseconds())}}
	h := http.Header{}
	h.Set("Content-Type", "application/x-www-form-urlencoded")
	h.Set("Authorization", "Bearer "+s.AmiVoiceKey)
	body, err := s.post(ctx, "amivoice", s.AmiVoiceURL, []byte(form.Encode()), h)
	if err != nil {
		return "", err
	}
	key := strings.TrimSpace(string(body))
	if key == "" {
		return "", fmt.Errorf("tokens: amivoice issuer returned an empty key")
	}
	return key, nil
}

// ElevenLabsToken issues a single-use realtime Scribe token.
func (s *Service) ElevenLabsToken(ctx context.Context) (string, error) {
	if s.ElevenLabsKey == "" {
		return "", fmt.Errorf("%w: ELEVENLABS_API_KEY", ErrNotConfigured)
	}
	h := http.Header{}
	h.Set("xi-api-key", s.ElevenLabsKey)
	body, err := s.post(ctx, "elevenlabs", s.ElevenLabsURL, nil, h)
	if err != nil {
		return "", err
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("tokens: elevenlabs response: %w", err)
	}
	if out.Token == "" {
		return "", fmt.Errorf("tokens: elevenlabs issuer returned no token")
	}
	return out.Token, nil
}

// RealtimeSession creates an OpenAI Realtime session and returns the
// upstream JSON unchanged; the ephemeral key is client_secret.value.
func (s *Service) RealtimeSession(ctx context.Context) (json.RawMessage, error) {
	if s.OpenAIKey == "" {
		return nil, fmt.Errorf("%w: OPENAI_API_KEY", ErrNotConfigured)
	}
	model := s.RealtimeModel
	if model == "" {
		model = "gpt-4o-mini-realtime-preview"
	}
	req, _ := json.Marshal(map[string]string{"model": model})
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Authorization", "Bearer "+s.OpenAIKey)
	body, err := s.post(ctx, "openai", s.OpenAIURL, req, h)
	if err != nil {
		return nil, err
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("tokens: openai sessions response is not JSON")
	}
	var v any
	if json.Unmarshal(body, &v) == nil {
		logging.Debugw("tokens: realtime session created", "session", Redact(v))
	}
	return json.RawMessage(body), nil
}
