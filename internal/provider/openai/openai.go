// Package openai streams audio to the OpenAI Realtime transcription API.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/meeting-voice-lab/internal/audio"
	"github.com/meeting-voice-lab/internal/logging"
	"github.com/meeting-voice-lab/internal/provider"
	"github.com/meeting-voice-lab/internal/transcript"
)

const (
	Name         = "openai"
	DefaultURL   = "wss://api.openai.com/v1/realtime?intent=transcription"
	DefaultModel = "gpt-4o-mini-transcribe"
	SampleRate   = 24000

	eventDelta     = "conversation.item.input_audio_transcription.delta"
	eventCompleted = "conversation.item.input_audio_transcription.completed"
	eventError     = "error"
)

func init() {
	provider.Register(Name, func(opts provider.Options) (provider.Transport, error) {
		return New(opts), nil
	})
}

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
}

type transcriptionConfig struct {
	Model    string `json:"model"`
	Language string `json:"language"`
}

type sessionConfig struct {
	InputAudioFormat        string              `json:"input_audio_format"`
	InputAudioTranscription transcriptionConfig `json:"input_audio_transcription"`
	TurnDetection           turnDetection       `json:"turn_detection"`
}

type sessionUpdate struct {
	Type    string        `json:"type"`
	Session sessionConfig `json:"session"`
}

type appendAudio struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type serverEvent struct {
	Type       string `json:"type"`
	ItemID     string `json:"item_id"`
	Delta      string `json:"delta"`
	Transcript string `json:"transcript"`
	Error      *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Transport is a Realtime transcription session. Deltas accumulate into the
// interim text until the item completes.
type Transport struct {
	opts  provider.Options
	sock  *provider.Socket
	enc   audio.Encoder
	ready atomic.Bool

	interim strings.Builder // read goroutine only
}

func New(opts provider.Options) *Transport {
	return &Transport{
		opts: opts,
		sock: provider.NewSocket(Name),
		enc:  audio.Encoder{TargetRate: SampleRate},
	}
}

func (t *Transport) Info() provider.Info {
	return provider.Info{Name: Name, SampleRate: SampleRate, ConnectedPhase: true}
}

// SessionConfig is the transcription_session.update sent on open.
func (t *Transport) SessionConfig() interface{} {
	return sessionUpdate{
		Type: "transcription_session.update",
		Session: sessionConfig{
			InputAudioFormat: "pcm16",
			InputAudioTranscription: transcriptionConfig{
				Model:    provider.Or(t.opts.Model, DefaultModel),
				Language: provider.Or(t.opts.Language, "ja"),
			},
			TurnDetection: turnDetection{Type: "server_vad", Threshold: 0.5, PrefixPaddingMs: 300, SilenceDurationMs: 500},
		},
	}
}

func (t *Transport) Connect(ctx context.Context, cred provider.Credential) error {
	if cred.Value == "" {
		return fmt.Errorf("%w: %s: missing ephemeral key", provider.ErrHandshake, Name)
	}
	ctx, cancel := context.WithTimeout(ctx, t.opts.Timeout())
	defer cancel()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+cred.Value)
	header.Set("OpenAI-Beta", "realtime=v1")
	if err := t.sock.Dial(ctx, provider.Or(t.opts.URL, DefaultURL), header, t.opts.Dialer); err != nil {
		_ = t.sock.Close()
		return err
	}
	t.sock.Listen(t.handle)
	if err := t.sock.WriteJSON(t.SessionConfig()); err != nil {
		_ = t.sock.Close()
		return fmt.Errorf("%w: %s: send session config: %v", provider.ErrHandshake, Name, err)
	}
	t.ready.Store(true)
	logging.Infow("openai: transcription session configured", "session.id", t.opts.SessionID)
	return nil
}

func (t *Transport) handle(mt int, data []byte) {
	if mt != websocket.TextMessage {
		return
	}
	var ev serverEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		logging.Warnw("openai: discarding message", "err", fmt.Errorf("%w: %v", provider.ErrMalformedEvent, err))
		return
	}
	switch ev.Type {
	case eventDelta:
		t.interim.WriteString(ev.Delta)
		t.sock.Emit(transcript.Interim(t.interim.String()))
	case eventCompleted:
		t.interim.Reset()
		if strings.TrimSpace(ev.Transcript) == "" {
			t.sock.Emit(transcript.Interim(""))
			return
		}
		t.sock.Emit(transcript.Final(ev.Transcript))
	case eventError:
		ue := &provider.UpstreamError{Provider: Name, Message: "unknown error"}
		if ev.Error != nil {
			ue.Code, ue.Message = ev.Error.Code, ev.Error.Message
		}
		logging.Warnw("openai: upstream error", "code", ue.Code, "message", ue.Message)
		t.sock.Emit(transcript.Failure(ue))
	default:
		logging.Debugw("openai: event", "type", ev.Type)
	}
}

func (t *Transport) SendAudio(frame audio.Frame) error {
	if !t.ready.Load() {
		return provider.ErrNotReady
	}
	return t.sock.WriteJSON(appendAudio{Type: "input_audio_buffer.append", Audio: audio.Base64(t.enc.Encode(frame))})
}

func (t *Transport) Events() <-chan transcript.Event { return t.sock.Events() }

func (t *Transport) Disconnect() error {
	t.ready.Store(false)
	return t.sock.Close()
}
