// Package credential fetches the per-session provider credential from the
// trusted backend.
package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/meeting-voice-lab/internal/logging"
	"github.com/meeting-voice-lab/internal/provider"
)

// Issuer produces a fresh credential for one connection attempt.
type Issuer interface {
	Issue(ctx context.Context) (provider.Credential, error)
}

// Kind selects where the credential lives in the backend's JSON answer.
type Kind string

const (
	KindAppKey       Kind = "appkey"
	KindToken        Kind = "token"
	KindClientSecret Kind = "client_secret"
)

// HTTPIssuer posts to a backend token endpoint.
type HTTPIssuer struct {
	URL    string
	Kind   Kind
	Bearer string
	// TTL is applied when the answer carries no expiry.
	TTL  time.Duration
	HTTP *http.Client
}

type answer struct {
	AppKey       string `json:"appkey"`
	Token        string `json:"token"`
	ClientSecret *struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
	Error string `json:"error"`
}

func (h *HTTPIssuer) Issue(ctx context.Context) (provider.Credential, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(nil))
	if err != nil {
		return provider.Credential{}, fmt.Errorf("%w: credential request: %v", provider.ErrHandshake, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.Bearer != "" {
		req.Header.Set("Authorization", "Bearer "+h.Bearer)
	}
	client := h.HTTP
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return provider.Credential{}, fmt.Errorf("%w: credential request: %v", provider.ErrHandshake, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return provider.Credential{}, fmt.Errorf("%w: credential read: %v", provider.ErrHandshake, err)
	}
	var a answer
	decErr := json.Unmarshal(body, &a)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(body))
		if decErr == nil && a.Error != "" {
			msg = a.Error
		}
		return provider.Credential{}, fmt.Errorf("%w: credential endpoint returned %d: %s", provider.ErrHandshake, resp.StatusCode, msg)
	}
	if decErr != nil {
		return provider.Credential{}, fmt.Errorf("%w: credential response: %v", provider.ErrHandshake, decErr)
	}

	cred := provider.Credential{}
	switch h.Kind {
	case KindAppKey:
		cred.Value = a.AppKey
	case KindToken:
		cred.Value = a.Token
	case KindClientSecret:
		if a.ClientSecret != nil {
			cred.Value = a.ClientSecret.Value
			if a.ClientSecret.ExpiresAt > 0 {
				cred.ExpiresAt = time.Unix(a.ClientSecret.ExpiresAt, 0)
			}
		}
	default:
		return provider.Credential{}, fmt.Errorf("%w: unknown credential kind %q", provider.ErrHandshake, h.Kind)
	}
	if cred.Value == "" {
		return provider.Credential{}, fmt.Errorf("%w: credential response has no %s", provider.ErrHandshake, h.Kind)
	}
	if cred.ExpiresAt.IsZero() && h.TTL > 0 {
		cred.ExpiresAt = time.Now().Add(h.TTL)
	}
	logging.Debugw("credential: issued", "kind", string(h.Kind), "expires_at", cred.ExpiresAt)
	return cred, nil
}

// None is the issuer for transports that need no client credential.
type None struct{}

func (None) Issue(context.Context) (provider.Credential, error) { return provider.Credential{}, nil }

// Static returns the same credential every time. Useful for tests and for
// keys supplied on the command line.
type Static provider.Credential

func (s Static) Issue(context.Context) (provider.Credential, error) {
	return provider.Credential(s), nil
}

// ForProvider returns the backend issuer for a registered transport name.
func ForProvider(name, baseURL, bearer string) (Issuer, error) {
	base := strings.TrimRight(baseURL, "/")
	switch name {
	case "amivoice":
		return &HTTPIssuer{URL: base + "/api/ai/amivoice-token", Kind: KindAppKey, Bearer: bearer, TTL: time.Hour}, nil
	case "elevenlabs":
		return &HTTPIssuer{URL: base + "/api/ai/elevenlabs-token", Kind: KindToken, Bearer: bearer, TTL: 15 * time.Minute}, nil
	case "openai":
		return &HTTPIssuer{URL: base + "/api/ai/realtime-token", Kind: KindClientSecret, Bearer: bearer}, nil
	case "googlerelay":
		return None{}, nil
	}
	return nil, fmt.Errorf("credential: no issuer for provider %q", name)
}
