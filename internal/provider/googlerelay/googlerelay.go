// Package googlerelay streams audio to the self-hosted Google Speech relay
// (cmd/speechrelay). The relay holds the cloud credential, so the client
// needs none.
package googlerelay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/meeting-voice-lab/internal/audio"
	"github.com/meeting-voice-lab/internal/logging"
	"github.com/meeting-voice-lab/internal/provider"
	"github.com/meeting-voice-lab/internal/relay"
	"github.com/meeting-voice-lab/internal/transcript"
)

const (
	Name       = "googlerelay"
	DefaultURL = "ws://localhost:3001"
	SampleRate = 16000
)

func init() {
	provider.Register(Name, func(opts provider.Options) (provider.Transport, error) {
		return New(opts), nil
	})
}

type Transport struct {
	opts  provider.Options
	sock  *provider.Socket
	enc   audio.Encoder
	ready atomic.Bool
}

func New(opts provider.Options) *Transport {
	return &Transport{
		opts: opts,
		sock: provider.NewSocket(Name),
		enc:  audio.Encoder{TargetRate: SampleRate},
	}
}

func (t *Transport) Info() provider.Info {
	return provider.Info{Name: Name, SampleRate: SampleRate}
}

// Connect dials the relay; the credential is ignored.
func (t *Transport) Connect(ctx context.Context, _ provider.Credential) error {
	ctx, cancel := context.WithTimeout(ctx, t.opts.Timeout())
	defer cancel()
	if err := t.sock.Dial(ctx, provider.Or(t.opts.URL, DefaultURL), nil, t.opts.Dialer); err != nil {
		_ = t.sock.Close()
		return err
	}
	t.sock.Listen(t.handle)
	t.ready.Store(true)
	logging.Infow("googlerelay: connected", "session.id", t.opts.SessionID, "url", provider.Or(t.opts.URL, DefaultURL))
	return nil
}

func (t *Transport) handle(mt int, data []byte) {
	if mt != websocket.TextMessage {
		return
	}
	var m relay.Message
	if err := json.Unmarshal(data, &m); err != nil {
		logging.Warnw("googlerelay: discarding message", "err", fmt.Errorf("%w: %v", provider.ErrMalformedEvent, err))
		return
	}
	switch m.Type {
	case relay.TypeInterim:
		t.sock.Emit(transcript.Interim(m.Transcript))
	case relay.TypeFinal:
		if m.Transcript == "" {
			t.sock.Emit(transcript.Interim(""))
			return
		}
		t.sock.Emit(transcript.Final(m.Transcript))
	case relay.TypeError:
		t.sock.Emit(transcript.Failure(&provider.UpstreamError{Provider: Name, Message: m.Error}))
	default:
		logging.Debugw("googlerelay: unknown message", "type", m.Type)
	}
}

// SendAudio sends raw little-endian int16 at 16 kHz as a binary frame.
func (t *Transport) SendAudio(frame audio.Frame) error {
	if !t.ready.Load() {
		return provider.ErrNotReady
	}
	return t.sock.WriteBinary(t.enc.Encode(frame))
}

func (t *Transport) Events() <-chan transcript.Event { return t.sock.Events() }

// Disconnect asks the relay to end the upstream stream, then closes.
func (t *Transport) Disconnect() error {
	if t.ready.Swap(false) {
		if err := t.sock.WriteJSON(relay.Message{Type: relay.TypeStop}); err != nil {
			logging.Debugw("googlerelay: stop not sent", "err", err)
		}
	}
	return t.sock.Close()
}
