package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meeting-voice-lab/internal/logging"
	"github.com/meeting-voice-lab/internal/transcript"
)

const writeWait = 10 * time.Second

// Socket is the websocket plumbing shared by transports: one writer at a
// time, one read goroutine feeding a handler, and an event channel that is
// closed exactly once when the connection is over.
type Socket struct {
	provider string
	conn     *websocket.Conn
	writeMu  sync.Mutex

	events  chan transcript.Event
	closing chan struct{}
	done    chan struct{}

	emitMu     sync.RWMutex
	finished   bool
	listening  bool
	closeOnce  sync.Once
	finishOnce sync.Once
}

func NewSocket(provider string) *Socket {
	return &Socket{
		provider: provider,
		events:   make(chan transcript.Event, 64),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Dial opens the websocket. Failures wrap ErrHandshake.
func (s *Socket) Dial(ctx context.Context, rawURL string, header http.Header, dialer *websocket.Dialer) error {
	d := dialer
	if d == nil {
		d = &websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: 10 * time.Second}
	}
	conn, resp, err := d.DialContext(ctx, rawURL, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return fmt.Errorf("%w: %s: dial %s: %v (status %d)", ErrHandshake, s.provider, redact(rawURL), err, status)
	}
	s.conn = conn
	logging.Debugw("provider: socket open", logging.ProviderFields(s.provider, redact(rawURL))...)
	return nil
}

// Listen starts the read goroutine. handle runs on that goroutine for every
// message; it may call Emit. An abnormal close emits ErrConnectionLost.
func (s *Socket) Listen(handle func(msgType int, data []byte)) {
	s.emitMu.Lock()
	s.listening = true
	s.emitMu.Unlock()
	go func() {
		defer s.finish()
		for {
			mt, data, err := s.conn.ReadMessage()
			if err != nil {
				if !s.isClosing() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logging.Warnw("provider: connection lost", "provider", s.provider, "err", err)
					s.Emit(transcript.Failure(fmt.Errorf("%w: %s: %v", ErrConnectionLost, s.provider, err)))
				} else {
					logging.Debugw("provider: socket closed", "provider", s.provider)
				}
				return
			}
			handle(mt, data)
		}
	}()
}

// Emit hands ev to the consumer, blocking until it is taken or the socket is
// closing. It reports whether the event was delivered.
func (s *Socket) Emit(ev transcript.Event) bool {
	s.emitMu.RLock()
	defer s.emitMu.RUnlock()
	if s.finished {
		return false
	}
	select {
	case s.events <- ev:
		return true
	case <-s.closing:
		return false
	}
}

func (s *Socket) Events() <-chan transcript.Event { return s.events }

// Done is closed once the connection is over and Events is closed.
func (s *Socket) Done() <-chan struct{} { return s.done }

func (s *Socket) isClosing() bool {
	select {
	case <-s.closing:
		return true
	default:
		return false
	}
}

func (s *Socket) finish() {
	s.finishOnce.Do(func() {
		s.emitMu.Lock()
		s.finished = true
		close(s.events)
		s.emitMu.Unlock()
		close(s.done)
	})
}

func (s *Socket) write(mt int, data []byte) error {
	if s.conn == nil {
		return ErrNotReady
	}
	if s.isClosing() {
		return fmt.Errorf("%w: %s: socket closed", ErrNotReady, s.provider)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(mt, data)
}

func (s *Socket) WriteText(msg string) error { return s.write(websocket.TextMessage, []byte(msg)) }

func (s *Socket) WriteBinary(b []byte) error { return s.write(websocket.BinaryMessage, b) }

func (s *Socket) WriteJSON(v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.write(websocket.TextMessage, b)
}

// Close sends a normal close frame and closes the connection. Safe to call
// more than once and before Dial.
func (s *Socket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closing)
		s.emitMu.RLock()
		listening := s.listening
		s.emitMu.RUnlock()
		if s.conn != nil {
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			err = s.conn.Close()
		}
		if !listening {
			s.finish()
		}
	})
	return err
}

// redact strips credentials carried in query strings before logging.
func redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "<invalid url>"
	}
	q := u.Query()
	for _, k := range []string{"token", "key", "api_key", "authorization"} {
		if q.Has(k) {
			q.Set(k, "<redacted>")
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}
