// Package elevenlabs streams audio to ElevenLabs Scribe realtime
// speech-to-text.
package elevenlabs

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/meeting-voice-lab/internal/audio"
	"github.com/meeting-voice-lab/internal/logging"
	"github.com/meeting-voice-lab/internal/provider"
	"github.com/meeting-voice-lab/internal/transcript"
)

const (
	Name         = "elevenlabs"
	DefaultURL   = "wss://api.elevenlabs.io/v1/speech-to-text/realtime"
	DefaultModel = "scribe_v2_realtime"
	SampleRate   = 16000
)

func init() {
	provider.Register(Name, func(opts provider.Options) (provider.Transport, error) {
		return New(opts), nil
	})
}

type audioChunk struct {
	MessageType string `json:"message_type"`
	Audio       string `json:"audio_base_64"`
	SampleRate  int    `json:"sample_rate"`
}

type serverMessage struct {
	MessageType string `json:"message_type"`
	SessionID   string `json:"session_id"`
	Text        string `json:"text"`
	Error       string `json:"error"`
}

type Transport struct {
	opts  provider.Options
	sock  *provider.Socket
	enc   audio.Encoder
	ready atomic.Bool

	started   chan error
	sessionID atomic.Value
}

func New(opts provider.Options) *Transport {
	return &Transport{
		opts:    opts,
		sock:    provider.NewSocket(Name),
		enc:     audio.Encoder{TargetRate: SampleRate},
		started: make(chan error, 1),
	}
}

func (t *Transport) Info() provider.Info {
	return provider.Info{Name: Name, SampleRate: SampleRate}
}

// URL builds the realtime endpoint carrying the single-use token, model and
// language as query parameters.
func (t *Transport) URL(token string) (string, error) {
	u, err := url.Parse(provider.Or(t.opts.URL, DefaultURL))
	if err != nil {
		return "", fmt.Errorf("%w: %s: bad url: %v", provider.ErrHandshake, Name, err)
	}
	q := u.Query()
	q.Set("model_id", provider.Or(t.opts.Model, DefaultModel))
	q.Set("token", token)
	q.Set("language_code", provider.Or(t.opts.Language, "ja"))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect dials the token URL and waits for session_started.
func (t *Transport) Connect(ctx context.Context, cred provider.Credential) error {
	if cred.Value == "" {
		return fmt.Errorf("%w: %s: missing single-use token", provider.ErrHandshake, Name)
	}
	endpoint, err := t.URL(cred.Value)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, t.opts.Timeout())
	defer cancel()

	if err := t.sock.Dial(ctx, endpoint, nil, t.opts.Dialer); err != nil {
		_ = t.sock.Close()
		return err
	}
	t.sock.Listen(t.handle)
	select {
	case err := <-t.started:
		if err != nil {
			_ = t.sock.Close()
			return err
		}
	case <-t.sock.Done():
		return fmt.Errorf("%w: %s: connection closed before session_started", provider.ErrHandshake, Name)
	case <-ctx.Done():
		_ = t.sock.Close()
		return fmt.Errorf("%w: %s: waiting for session_started: %v", provider.ErrHandshake, Name, ctx.Err())
	}
	t.ready.Store(true)
	sid, _ := t.sessionID.Load().(string)
	logging.Infow("elevenlabs: session started", "session.id", t.opts.SessionID, "upstream_session", sid)
	return nil
}

func (t *Transport) handle(mt int, data []byte) {
	if mt != websocket.TextMessage {
		return
	}
	var m serverMessage
	if err := json.Unmarshal(data, &m); err != nil {
		logging.Warnw("elevenlabs: discarding message", "err", fmt.Errorf("%w: %v", provider.ErrMalformedEvent, err))
		return
	}
	switch {
	case m.MessageType == "session_started":
		t.sessionID.Store(m.SessionID)
		t.signal(nil)
	case m.MessageType == "partial_transcript":
		if m.Text != "" {
			t.sock.Emit(transcript.Interim(m.Text))
		}
	case m.MessageType == "final_transcript", m.MessageType == "committed_transcript":
		if m.Text == "" {
			t.sock.Emit(transcript.Interim(""))
			return
		}
		t.sock.Emit(transcript.Final(m.Text))
	case m.MessageType == "error", strings.HasSuffix(m.MessageType, "_error"):
		msg := provider.Or(m.Error, m.MessageType)
		if !t.ready.Load() {
			t.signal(fmt.Errorf("%w: %s: %s", provider.ErrHandshake, Name, msg))
			return
		}
		logging.Warnw("elevenlabs: upstream error", "type", m.MessageType, "message", msg)
		t.sock.Emit(transcript.Failure(&provider.UpstreamError{Provider: Name, Code: m.MessageType, Message: msg}))
	default:
		logging.Debugw("elevenlabs: message", "type", m.MessageType)
	}
}

func (t *Transport) signal(err error) {
	select {
	case t.started <- err:
	default:
	}
}

func (t *Transport) SendAudio(frame audio.Frame) error {
	if !t.ready.Load() {
		return provider.ErrNotReady
	}
	return t.sock.WriteJSON(audioChunk{
		MessageType: "input_audio_chunk",
		Audio:       audio.Base64(t.enc.Encode(frame)),
		SampleRate:  SampleRate,
	})
}

func (t *Transport) Events() <-chan transcript.Event { return t.sock.Events() }

func (t *Transport) Disconnect() error {
	t.ready.Store(false)
	return t.sock.Close()
}
