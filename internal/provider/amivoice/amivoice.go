// Package amivoice streams audio to the AmiVoice Cloud websocket API.
//
// The protocol multiplexes single-letter commands and events on one socket:
// the client sends "s <format> <grammar> authorization=<key>" to start,
// binary 'p' frames of audio, and "e" to end. The server answers "s" and
// "e", reports speech boundaries with S, E and C, and recognition results
// with U (interim) and A (final) followed by a JSON body.
package amivoice

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meeting-voice-lab/internal/audio"
	"github.com/meeting-voice-lab/internal/logging"
	"github.com/meeting-voice-lab/internal/provider"
	"github.com/meeting-voice-lab/internal/transcript"
)

const (
	Name           = "amivoice"
	DefaultURL     = "wss://acp-api.amivoice.com/v1/nolog/"
	DefaultGrammar = "-a-general"
	AudioFormat    = "16K"
	SampleRate     = 16000

	tagAudio = 'p'
)

// DrainTimeout bounds how long Disconnect waits for the server's "e" reply
// so trailing results can arrive.
var DrainTimeout = 2 * time.Second

func init() {
	provider.Register(Name, func(opts provider.Options) (provider.Transport, error) {
		return New(opts), nil
	})
}

type result struct {
	Text    string `json:"text"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Transport struct {
	opts    provider.Options
	sock    *provider.Socket
	enc     audio.Encoder
	started atomic.Bool

	startReply chan error
	ended      chan struct{}
	endedOnce  atomic.Bool
}

func New(opts provider.Options) *Transport {
	return &Transport{
		opts:       opts,
		sock:       provider.NewSocket(Name),
		enc:        audio.Encoder{TargetRate: SampleRate},
		startReply: make(chan error, 1),
		ended:      make(chan struct{}),
	}
}

func (t *Transport) Info() provider.Info {
	return provider.Info{Name: Name, SampleRate: SampleRate}
}

// StartCommand is the session start command for appkey.
func (t *Transport) StartCommand(appkey string) string {
	return fmt.Sprintf("s %s %s authorization=%s", AudioFormat, provider.Or(t.opts.Model, DefaultGrammar), appkey)
}

// Connect opens the socket, sends the start command and waits for the
// server's "s" acknowledgement.
func (t *Transport) Connect(ctx context.Context, cred provider.Credential) error {
	if cred.Value == "" {
		return fmt.Errorf("%w: %s: missing appkey", provider.ErrHandshake, Name)
	}
	ctx, cancel := context.WithTimeout(ctx, t.opts.Timeout())
	defer cancel()

	if err := t.sock.Dial(ctx, provider.Or(t.opts.URL, DefaultURL), nil, t.opts.Dialer); err != nil {
		_ = t.sock.Close()
		return err
	}
	t.sock.Listen(t.handle)
	if err := t.sock.WriteText(t.StartCommand(cred.Value)); err != nil {
		_ = t.sock.Close()
		return fmt.Errorf("%w: %s: send start: %v", provider.ErrHandshake, Name, err)
	}

	select {
	case err := <-t.startReply:
		if err != nil {
			_ = t.sock.Close()
			return err
		}
	case <-t.sock.Done():
		return fmt.Errorf("%w: %s: connection closed before start acknowledged", provider.ErrHandshake, Name)
	case <-ctx.Done():
		_ = t.sock.Close()
		return fmt.Errorf("%w: %s: waiting for start acknowledgement: %v", provider.ErrHandshake, Name, ctx.Err())
	}
	t.started.Store(true)
	logging.Infow("amivoice: recognition session started", "session.id", t.opts.SessionID)
	return nil
}

// hasTag matches a one-letter event optionally followed by a space or a JSON
// body.
func hasTag(msg string, tag byte) bool {
	return len(msg) > 0 && msg[0] == tag && (len(msg) == 1 || msg[1] == ' ' || msg[1] == '{')
}

func (t *Transport) handle(mt int, data []byte) {
	if mt != websocket.TextMessage {
		return
	}
	msg := string(data)
	switch {
	case msg == "s":
		t.reply(nil)
	case hasTag(msg, 's'):
		t.reply(fmt.Errorf("%w: %s: %s", provider.ErrHandshake, Name, strings.TrimSpace(msg[1:])))
	case msg == "e":
		t.markEnded()
	case hasTag(msg, 'e'):
		t.markEnded()
		t.sock.Emit(transcript.Failure(&provider.UpstreamError{Provider: Name, Message: strings.TrimSpace(msg[1:])}))
	case hasTag(msg, 'U'):
		if r, ok := t.decode(msg); ok && r.Text != "" {
			t.sock.Emit(transcript.Interim(r.Text))
		}
	case hasTag(msg, 'A'):
		r, ok := t.decode(msg)
		if !ok {
			return
		}
		if r.Text == "" {
			t.sock.Emit(transcript.Interim(""))
			return
		}
		t.sock.Emit(transcript.Final(r.Text))
	case hasTag(msg, 'S'), hasTag(msg, 'E'), hasTag(msg, 'C'), hasTag(msg, 'G'):
		logging.Debugw("amivoice: marker", "event", msg)
	default:
		var r result
		if err := json.Unmarshal(data, &r); err != nil {
			logging.Warnw("amivoice: discarding message", "err", fmt.Errorf("%w: %v", provider.ErrMalformedEvent, err))
			return
		}
		if r.Code != "" && r.Code != "-" {
			logging.Warnw("amivoice: upstream error", "code", r.Code, "message", r.Message)
			t.sock.Emit(transcript.Failure(&provider.UpstreamError{Provider: Name, Code: r.Code, Message: r.Message}))
		}
	}
}

func (t *Transport) decode(msg string) (result, bool) {
	var r result
	if err := json.Unmarshal([]byte(strings.TrimSpace(msg[1:])), &r); err != nil {
		logging.Warnw("amivoice: discarding result", "tag", string(msg[0]), "err", fmt.Errorf("%w: %v", provider.ErrMalformedEvent, err))
		return r, false
	}
	return r, true
}

func (t *Transport) reply(err error) {
	select {
	case t.startReply <- err:
	default:
		logging.Debugw("amivoice: unexpected start reply", "err", err)
	}
}

func (t *Transport) markEnded() {
	t.started.Store(false)
	if t.endedOnce.CompareAndSwap(false, true) {
		close(t.ended)
	}
}

func (t *Transport) SendAudio(frame audio.Frame) error {
	if !t.started.Load() {
		return provider.ErrNotReady
	}
	return t.sock.WriteBinary(audio.WithCommand(tagAudio, t.enc.Encode(frame)))
}

func (t *Transport) Events() <-chan transcript.Event { return t.sock.Events() }

// Disconnect sends "e" when a session is running and waits briefly for the
// server to confirm before closing.
func (t *Transport) Disconnect() error {
	if t.started.Load() {
		if err := t.sock.WriteText("e"); err == nil {
			select {
			case <-t.ended:
			case <-t.sock.Done():
			case <-time.After(DrainTimeout):
				logging.Debugw("amivoice: no end acknowledgement before close")
			}
		}
	}
	t.started.Store(false)
	return t.sock.Close()
}
