package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type recvItem struct {
	res Result
	err error
}

type fakeStream struct {
	mu        sync.Mutex
	sent      [][]byte
	halfClose bool
	recv      chan recvItem
	ctx       context.Context
	cancel    context.CancelFunc
}

func (s *fakeStream) Send(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return s.ctx.Err()
	}
	s.sent = append(s.sent, pcm)
	return nil
}

func (s *fakeStream) Recv() (Result, error) {
	select {
	case it := <-s.recv:
		return it.res, it.err
	case <-s.ctx.Done():
		return Result{}, s.ctx.Err()
	}
}

func (s *fakeStream) CloseSend() error {
	s.mu.Lock()
	s.halfClose = true
	s.mu.Unlock()
	return nil
}

func (s *fakeStream) Close() error {
	s.cancel()
	return nil
}

func (s *fakeStream) frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func (s *fakeStream) halfClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.halfClose
}

type fakeRecognizer struct {
	mu      sync.Mutex
	streams []*fakeStream
	openErr error
}

func (r *fakeRecognizer) Open(ctx context.Context) (RecognizeStream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.openErr != nil {
		return nil, r.openErr
	}
	sctx, cancel := context.WithCancel(ctx)
	s := &fakeStream{recv: make(chan recvItem, 8), ctx: sctx, cancel: cancel}
	r.streams = append(r.streams, s)
	return s, nil
}

func (r *fakeRecognizer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}

func (r *fakeRecognizer) stream(i int) *fakeStream {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.streams[i]
}

func dial(t *testing.T, rec Recognizer) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(NewServer(rec).Handler())
	t.Cleanup(srv.Close)
	c, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func readMsg(t *testing.T, c *websocket.Conn) Message {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	var m Message
	if err := c.ReadJSON(&m); err != nil {
		t.Fatalf("read: %v", err)
	}
	return m
}

func sendAudio(t *testing.T, c *websocket.Conn) {
	t.Helper()
	if err := c.WriteMessage(websocket.BinaryMessage, make([]byte, 320)); err != nil {
		t.Fatal(err)
	}
}

func sendStop(t *testing.T, c *websocket.Conn) {
	t.Helper()
	if err := c.WriteJSON(Message{Type: TypeStop}); err != nil {
		t.Fatal(err)
	}
}

func TestStreamOpenedLazilyOnAudio(t *testing.T) {
	rec := &fakeRecognizer{}
	c := dial(t, rec)

	time.Sleep(20 * time.Millisecond)
	if rec.count() != 0 {
		t.Fatal("stream opened before any audio")
	}
	sendAudio(t, c)
	sendAudio(t, c)
	waitFor(t, "two frames upstream", func() bool { return rec.count() == 1 && rec.stream(0).frames() == 2 })

	s := rec.stream(0)
	s.recv <- recvItem{res: Result{Transcript: "こん"}}
	s.recv <- recvItem{res: Result{Transcript: "こんにちは", IsFinal: true}}
	if m := readMsg(t, c); m.Type != TypeInterim || m.Transcript != "こん" {
		t.Fatalf("first message = %+v", m)
	}
	if m := readMsg(t, c); m.Type != TypeFinal || m.Transcript != "こんにちは" {
		t.Fatalf("second message = %+v", m)
	}
	if rec.count() != 1 {
		t.Fatalf("streams = %d, want 1", rec.count())
	}
}

func TestStopThenAudioReactivates(t *testing.T) {
	rec := &fakeRecognizer{}
	c := dial(t, rec)

	sendAudio(t, c)
	waitFor(t, "first stream", func() bool { return rec.count() == 1 })
	sendStop(t, c)
	first := rec.stream(0)
	waitFor(t, "half close", first.halfClosed)

	// Late results of the stopped stream still reach the client.
	first.recv <- recvItem{res: Result{Transcript: "late", IsFinal: true}}
	if m := readMsg(t, c); m.Type != TypeFinal || m.Transcript != "late" {
		t.Fatalf("late result = %+v", m)
	}

	sendAudio(t, c)
	waitFor(t, "second stream", func() bool { return rec.count() == 2 })
	if first.ctx.Err() == nil {
		t.Fatal("stale stream left open after a new one was created")
	}
	waitFor(t, "frame on new stream", func() bool { return rec.stream(1).frames() == 1 })
}

func TestTimeoutIsSilentAndRecovers(t *testing.T) {
	rec := &fakeRecognizer{}
	c := dial(t, rec)

	sendAudio(t, c)
	waitFor(t, "stream", func() bool { return rec.count() == 1 })
	rec.stream(0).recv <- recvItem{err: fmt.Errorf("%w: max duration", ErrStreamTimeout)}
	waitFor(t, "stream closed", func() bool { return rec.stream(0).ctx.Err() != nil })

	sendAudio(t, c)
	waitFor(t, "recreated stream", func() bool { return rec.count() == 2 })
	rec.stream(1).recv <- recvItem{res: Result{Transcript: "after"}}
	// The first message the client sees is the new result, not an error.
	if m := readMsg(t, c); m.Type != TypeInterim || m.Transcript != "after" {
		t.Fatalf("message = %+v", m)
	}
}

func TestEOFIsSilent(t *testing.T) {
	rec := &fakeRecognizer{}
	c := dial(t, rec)
	sendAudio(t, c)
	waitFor(t, "stream", func() bool { return rec.count() == 1 })
	rec.stream(0).recv <- recvItem{err: io.EOF}
	sendAudio(t, c)
	waitFor(t, "recreated stream", func() bool { return rec.count() == 2 })
	rec.stream(1).recv <- recvItem{res: Result{Transcript: "x", IsFinal: true}}
	if m := readMsg(t, c); m.Type != TypeFinal {
		t.Fatalf("message = %+v", m)
	}
}

func TestFatalErrorForwarded(t *testing.T) {
	rec := &fakeRecognizer{}
	c := dial(t, rec)
	sendAudio(t, c)
	waitFor(t, "stream", func() bool { return rec.count() == 1 })
	rec.stream(0).recv <- recvItem{err: errors.New("PERMISSION_DENIED: billing disabled")}
	m := readMsg(t, c)
	if m.Type != TypeError || !strings.Contains(m.Error, "billing disabled") {
		t.Fatalf("message = %+v", m)
	}
	sendAudio(t, c)
	waitFor(t, "recreated stream", func() bool { return rec.count() == 2 })
}

func TestDrainingStreamErrorForwarded(t *testing.T) {
	rec := &fakeRecognizer{}
	c := dial(t, rec)
	sendAudio(t, c)
	waitFor(t, "stream", func() bool { return rec.count() == 1 })
	sendStop(t, c)
	waitFor(t, "half close", rec.stream(0).halfClosed)

	rec.stream(0).recv <- recvItem{err: errors.New("INVALID_ARGUMENT: bad audio")}
	if m := readMsg(t, c); m.Type != TypeError || !strings.Contains(m.Error, "bad audio") {
		t.Fatalf("message = %+v", m)
	}
}

func TestOpenFailureForwarded(t *testing.T) {
	rec := &fakeRecognizer{openErr: errors.New("no credentials")}
	c := dial(t, rec)
	sendAudio(t, c)
	if m := readMsg(t, c); m.Type != TypeError || m.Error != "no credentials" {
		t.Fatalf("message = %+v", m)
	}
}

func TestClientCloseEndsStream(t *testing.T) {
	rec := &fakeRecognizer{}
	c := dial(t, rec)
	sendAudio(t, c)
	waitFor(t, "stream", func() bool { return rec.count() == 1 })
	_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.Close()
	waitFor(t, "stream cancelled", func() bool { return rec.stream(0).ctx.Err() != nil })
}

func TestHealthAndMetrics(t *testing.T) {
	srv := httptest.NewServer(NewServer(&fakeRecognizer{}).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	var body map[string]string
	_ = json.NewDecoder(resp.Body).Decode(&body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("healthz = %d %v", resp.StatusCode, body)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	b, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(b), "speechrelay_connections") {
		t.Fatalf("metrics missing relay gauges:\n%s", b)
	}
}
