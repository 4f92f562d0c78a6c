package googlerelay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meeting-voice-lab/internal/audio"
	"github.com/meeting-voice-lab/internal/provider"
	"github.com/meeting-voice-lab/internal/provider/providertest"
	"github.com/meeting-voice-lab/internal/relay"
	"github.com/meeting-voice-lab/internal/transcript"
)

func TestRelayRoundTrip(t *testing.T) {
	stopped := make(chan relay.Message, 1)
	srv := providertest.NewServer(t, func(c *websocket.Conn) {
		mt, data, err := c.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.BinaryMessage || len(data) != 320 {
			t.Errorf("audio frame: type %d len %d", mt, len(data))
		}
		_ = c.WriteJSON(relay.Message{Type: relay.TypeInterim, Transcript: "こん"})
		_ = c.WriteJSON(relay.Message{Type: relay.TypeFinal, Transcript: "こんにちは"})
		_ = c.WriteJSON(relay.Message{Type: relay.TypeError, Error: "quota"})
		var stop relay.Message
		if err := c.ReadJSON(&stop); err == nil {
			stopped <- stop
		}
		providertest.WaitClosed(c, time.Second)
	})

	tr := New(provider.Options{URL: srv.URL})
	if err := tr.Connect(context.Background(), provider.Credential{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := tr.SendAudio(audio.Frame{Samples: make([]float32, 480), SampleRate: 48000}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	evs := providertest.Collect(t, tr.Events(), 3, 2*time.Second)
	if evs[0] != transcript.Interim("こん") || evs[1] != transcript.Final("こんにちは") {
		t.Fatalf("events = %+v", evs)
	}
	var ue *provider.UpstreamError
	if !errors.As(evs[2].Err, &ue) || ue.Message != "quota" {
		t.Fatalf("error event = %+v", evs[2])
	}

	_ = tr.Disconnect()
	select {
	case m := <-stopped:
		if m.Type != relay.TypeStop {
			t.Fatalf("stop message = %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("relay never saw stop")
	}
}

func TestDialFailureIsHandshake(t *testing.T) {
	tr := New(provider.Options{URL: "ws://127.0.0.1:1", HandshakeTimeout: time.Second})
	if err := tr.Connect(context.Background(), provider.Credential{}); !errors.Is(err, provider.ErrHandshake) {
		t.Fatalf("Connect = %v, want ErrHandshake", err)
	}
}
