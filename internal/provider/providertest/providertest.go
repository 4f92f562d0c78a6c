// Package providertest runs scripted websocket peers for transport tests.
package providertest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meeting-voice-lab/internal/transcript"
)

// Server is an httptest server that upgrades every request and hands the
// connection to a script.
type Server struct {
	*httptest.Server
	// URL is the ws:// form of the server address.
	URL      string
	Requests chan *http.Request
}

// NewServer starts a websocket peer running script for each connection. The
// connection is closed when script returns.
func NewServer(t testing.TB, script func(c *websocket.Conn)) *Server {
	t.Helper()
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	s := &Server{Requests: make(chan *http.Request, 8)}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case s.Requests <- r:
		default:
		}
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer c.Close()
		script(c)
	}))
	s.URL = "ws" + strings.TrimPrefix(s.Server.URL, "http")
	t.Cleanup(s.Close)
	return s
}

// Collect reads n events or fails after timeout.
func Collect(t testing.TB, ch <-chan transcript.Event, n int, timeout time.Duration) []transcript.Event {
	t.Helper()
	var out []transcript.Event
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("events closed after %d of %d: %+v", len(out), n, out)
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("timed out after %d of %d events: %+v", len(out), n, out)
		}
	}
	return out
}

// ReadText reads the next message and fails unless it is text.
func ReadText(t testing.TB, c *websocket.Conn) string {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, data, err := c.ReadMessage()
	if err != nil {
		t.Errorf("read: %v", err)
		return ""
	}
	if mt != websocket.TextMessage {
		t.Errorf("message type = %d, want text", mt)
	}
	return string(data)
}

// WaitClosed blocks until the peer closes or the deadline passes.
func WaitClosed(c *websocket.Conn, timeout time.Duration) {
	_ = c.SetReadDeadline(time.Now().Add(timeout))
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			return
		}
	}
}
