package openai

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meeting-voice-lab/internal/audio"
	"github.com/meeting-voice-lab/internal/provider"
	"github.com/meeting-voice-lab/internal/provider/providertest"
	"github.com/meeting-voice-lab/internal/transcript"
)

func TestSessionConfigDefaults(t *testing.T) {
	b, err := json.Marshal(New(provider.Options{}).SessionConfig())
	if err != nil {
		t.Fatal(err)
	}
	var got struct {
		Type    string `json:"type"`
		Session struct {
			InputAudioFormat        string `json:"input_audio_format"`
			InputAudioTranscription struct {
				Model    string `json:"model"`
				Language string `json:"language"`
			} `json:"input_audio_transcription"`
			TurnDetection struct {
				Type              string  `json:"type"`
				Threshold         float64 `json:"threshold"`
				SilenceDurationMs int     `json:"silence_duration_ms"`
			} `json:"turn_detection"`
		} `json:"session"`
	}
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatal(err)
	}
	s := got.Session
	if got.Type != "transcription_session.update" || s.InputAudioFormat != "pcm16" ||
		s.InputAudioTranscription.Model != DefaultModel || s.InputAudioTranscription.Language != "ja" ||
		s.TurnDetection.Type != "server_vad" || s.TurnDetection.Threshold != 0.5 || s.TurnDetection.SilenceDurationMs != 500 {
		t.Fatalf("session config = %s", b)
	}
}

func TestDeltasAccumulate(t *testing.T) {
	srv := providertest.NewServer(t, func(c *websocket.Conn) {
		var update map[string]any
		if err := c.ReadJSON(&update); err != nil || update["type"] != "transcription_session.update" {
			t.Errorf("first client message = %v (%v)", update, err)
			return
		}
		var appended appendAudio
		if err := c.ReadJSON(&appended); err != nil || appended.Type != "input_audio_buffer.append" {
			t.Errorf("audio message = %+v (%v)", appended, err)
			return
		}
		for _, m := range []map[string]string{
			{"type": "session.created"},
			{"type": eventDelta, "delta": "hel"},
			{"type": eventDelta, "delta": "lo"},
			{"type": eventCompleted, "transcript": "hello"},
			{"type": eventCompleted, "transcript": "  "},
		} {
			_ = c.WriteJSON(m)
		}
		_ = c.WriteJSON(map[string]any{"type": "error", "error": map[string]string{"code": "rate_limited", "message": "slow down"}})
		providertest.WaitClosed(c, 2*time.Second)
	})

	tr := New(provider.Options{URL: srv.URL})
	if !tr.Info().ConnectedPhase {
		t.Fatal("openai should report a connected phase")
	}
	if err := tr.Connect(context.Background(), provider.Credential{Value: "ek_123"}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer tr.Disconnect()
	req := <-srv.Requests
	if req.Header.Get("Authorization") != "Bearer ek_123" || req.Header.Get("OpenAI-Beta") != "realtime=v1" {
		t.Fatalf("headers = %v", req.Header)
	}
	if err := tr.SendAudio(audio.Frame{Samples: make([]float32, 480), SampleRate: 48000}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	evs := providertest.Collect(t, tr.Events(), 5, 2*time.Second)
	want := []transcript.Event{
		transcript.Interim("hel"),
		transcript.Interim("hello"),
		transcript.Final("hello"),
		transcript.Interim(""),
	}
	for i := range want {
		if evs[i] != want[i] {
			t.Fatalf("event %d = %+v, want %+v", i, evs[i], want[i])
		}
	}
	var ue *provider.UpstreamError
	if !errors.As(evs[4].Err, &ue) || ue.Code != "rate_limited" {
		t.Fatalf("error event = %+v", evs[4])
	}
}

func TestSendBeforeConnect(t *testing.T) {
	err := New(provider.Options{}).SendAudio(audio.Frame{Samples: []float32{0}, SampleRate: 24000})
	if !errors.Is(err, provider.ErrNotReady) {
		t.Fatalf("SendAudio = %v, want ErrNotReady", err)
	}
}
