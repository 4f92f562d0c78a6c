// Package relay bridges browser websocket sessions to a cloud streaming
// recognizer. Each connection owns at most one upstream stream, opened
// lazily on audio and re-opened after the provider ends it.
package relay

import (
	"context"
	"errors"
)

// ErrStreamTimeout marks the provider ending a stream because it reached its
// maximum duration. The bridge recovers by opening a new stream on the next
// audio frame.
var ErrStreamTimeout = errors.New("relay: upstream stream timed out")

// Result is the first alternative of the first result of one recognizer
// response.
type Result struct {
	Transcript string
	IsFinal    bool
}

// Recognizer opens upstream streaming-recognition sessions.
type Recognizer interface {
	Open(ctx context.Context) (RecognizeStream, error)
}

// RecognizeStream is one upstream session. Recv returns io.EOF once the
// provider has sent everything, and an error wrapping ErrStreamTimeout when
// the provider ended the stream for its duration limit.
type RecognizeStream interface {
	Send(pcm []byte) error
	Recv() (Result, error)
	// CloseSend half-closes: no more audio, results still arrive.
	CloseSend() error
	// Close abandons the stream.
	Close() error
}
