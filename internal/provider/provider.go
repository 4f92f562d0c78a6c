// Package provider defines the streaming speech-to-text transport contract
// shared by every recognition backend, plus the websocket plumbing and the
// registry the backends plug into.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meeting-voice-lab/internal/audio"
	"github.com/meeting-voice-lab/internal/transcript"
)

var (
	// ErrHandshake covers bad or expired credentials and malformed provider
	// responses before the session is ready. Terminal for the session.
	ErrHandshake = errors.New("provider: handshake failed")
	// ErrNotReady is returned by SendAudio before the handshake completes.
	ErrNotReady = errors.New("provider: transport not ready")
	// ErrConnectionLost marks an abnormal close of an established connection.
	ErrConnectionLost = errors.New("provider: connection lost")
	// ErrMalformedEvent tags provider messages that failed to decode. They are
	// logged and dropped, never emitted.
	ErrMalformedEvent = errors.New("provider: malformed event")
)

// UpstreamError is a recognition error reported by the provider itself. It
// is surfaced to the user but the session stays usable.
type UpstreamError struct {
	Provider string
	Code     string
	Message  string
}

func (e *UpstreamError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: upstream error %s: %s", e.Provider, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: upstream error: %s", e.Provider, e.Message)
}

// Credential is a short-lived secret for exactly one connection attempt.
type Credential struct {
	Value     string
	ExpiresAt time.Time
}

// Expired reports whether the credential is past its expiry. A zero expiry
// never expires.
func (c Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// Info describes a transport's fixed properties.
type Info struct {
	Name       string
	SampleRate int
	// ConnectedPhase is set for providers with a distinct handshake-complete
	// phase before audio flows.
	ConnectedPhase bool
}

// Transport is one duplex streaming session with a recognition provider.
// A Transport is single use: Connect once, Disconnect once.
type Transport interface {
	Info() Info
	// Connect dials the provider and returns once its handshake completed.
	Connect(ctx context.Context, cred Credential) error
	// SendAudio encodes one capture frame for the provider and sends it.
	SendAudio(frame audio.Frame) error
	// Events delivers decoded events and is closed when the connection ends.
	Events() <-chan transcript.Event
	// Disconnect runs the provider's graceful shutdown and closes the socket.
	Disconnect() error
}

// Options configure a transport built from the registry.
type Options struct {
	URL              string // endpoint override
	Language         string
	Model            string
	HandshakeTimeout time.Duration
	Dialer           *websocket.Dialer
	SessionID        string
}

// Timeout returns the handshake timeout, 10s when unset.
func (o Options) Timeout() time.Duration {
	if o.HandshakeTimeout <= 0 {
		return 10 * time.Second
	}
	return o.HandshakeTimeout
}

// Or returns v, or def when v is empty.
func Or(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
