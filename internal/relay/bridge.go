package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meeting-voice-lab/internal/logging"
)

// bridge is the per-connection state: streamActive while stream is set,
// streamInactive otherwise. A stream half-closed by "stop" keeps draining
// until it ends or a new stream replaces it.
type bridge struct {
	id      string
	conn    *websocket.Conn
	rec     Recognizer
	metrics *Metrics
	ctx     context.Context

	writeMu sync.Mutex

	mu       sync.Mutex
	stream   RecognizeStream
	draining RecognizeStream
	closed   bool
}

func (b *bridge) readLoop() {
	for {
		mt, data, err := b.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.Debugw("relay: read error", "conn.id", b.id, "err", err)
			}
			return
		}
		switch mt {
		case websocket.BinaryMessage:
			b.audio(data)
		case websocket.TextMessage:
			var m Message
			if err := json.Unmarshal(data, &m); err != nil {
				logging.Debugw("relay: bad control message", "conn.id", b.id, "err", err)
				continue
			}
			if m.Type == TypeStop {
				b.stop()
			} else {
				logging.Debugw("relay: ignoring control message", "conn.id", b.id, "type", m.Type)
			}
		}
	}
}

// audio forwards one frame, opening a stream first when none is active.
func (b *bridge) audio(pcm []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if b.stream == nil && !b.openLocked() {
		return
	}
	if err := b.stream.Send(pcm); err != nil {
		// The provider ended the stream between frames; retry on a fresh one.
		logging.Debugw("relay: send failed, reopening stream", "conn.id", b.id, "err", err)
		b.endLocked(b.stream, "send_error")
		b.stream = nil
		if !b.openLocked() {
			return
		}
		if err := b.stream.Send(pcm); err != nil {
			logging.Warnw("relay: send failed on fresh stream", "conn.id", b.id, "err", err)
			return
		}
	}
	b.metrics.AudioBytes.Add(float64(len(pcm)))
}

func (b *bridge) openLocked() bool {
	if b.draining != nil {
		b.endLocked(b.draining, "replaced")
		b.draining = nil
	}
	s, err := b.rec.Open(b.ctx)
	if err != nil {
		b.metrics.OpenErrors.Inc()
		logging.Errorw("relay: open stream failed", "conn.id", b.id, "err", err)
		b.send(Message{Type: TypeError, Error: err.Error()})
		return false
	}
	b.stream = s
	b.metrics.streamOpened()
	logging.Infow("relay: stream opened", "conn.id", b.id)
	go b.receive(s)
	return true
}

// endLocked abandons s. The receive goroutine sees the resulting error and
// treats it as stale.
func (b *bridge) endLocked(s RecognizeStream, reason string) {
	_ = s.Close()
	logging.Debugw("relay: stream closed", "conn.id", b.id, "reason", reason)
}

// stop half-closes the active stream; late results are still forwarded.
func (b *bridge) stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stream == nil {
		return
	}
	if b.draining != nil {
		b.endLocked(b.draining, "replaced")
	}
	if err := b.stream.CloseSend(); err != nil {
		logging.Debugw("relay: close send", "conn.id", b.id, "err", err)
	}
	b.draining = b.stream
	b.stream = nil
	logging.Infow("relay: stream stopped by client", "conn.id", b.id)
}

func (b *bridge) receive(s RecognizeStream) {
	for {
		res, err := s.Recv()
		if err != nil {
			b.streamDone(s, err)
			return
		}
		typ := TypeInterim
		if res.IsFinal {
			typ = TypeFinal
		}
		b.metrics.Results.WithLabelValues(typ).Inc()
		b.send(Message{Type: typ, Transcript: res.Transcript})
	}
}

// streamDone marks the connection inactive if s was its stream. Timeouts and
// normal ends are silent; other errors of the current or draining stream go
// to the client.
func (b *bridge) streamDone(s RecognizeStream, err error) {
	b.mu.Lock()
	current := b.stream == s
	if current {
		b.stream = nil
	}
	wasDraining := b.draining == s
	if wasDraining {
		b.draining = nil
	}
	closed := b.closed
	b.mu.Unlock()
	_ = s.Close()

	reason := "error"
	switch {
	case errors.Is(err, io.EOF):
		reason = "eof"
	case errors.Is(err, ErrStreamTimeout):
		reason = "timeout"
	case !current && !wasDraining:
		reason = "stale"
	}
	b.metrics.streamEnded(reason)
	logging.Debugw("relay: stream ended", "conn.id", b.id, "reason", reason, "err", err)
	if reason == "error" && (current || wasDraining) && !closed {
		logging.Warnw("relay: upstream error", "conn.id", b.id, "err", err)
		b.send(Message{Type: TypeError, Error: err.Error()})
	}
}

func (b *bridge) send(m Message) {
	data, err := json.Marshal(m)
	if err != nil {
		return
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	_ = b.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := b.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		logging.Debugw("relay: write failed", "conn.id", b.id, "err", err)
	}
}

// shutdown abandons every stream of a closed connection.
func (b *bridge) shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	if b.stream != nil {
		b.endLocked(b.stream, "client_closed")
		b.stream = nil
	}
	if b.draining != nil {
		b.endLocked(b.draining, "client_closed")
		b.draining = nil
	}
}
