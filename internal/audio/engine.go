package audio

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/meeting-voice-lab/internal/logging"
)

// DefaultFrameSize is the number of samples per pushed frame.
const DefaultFrameSize = 4096

// leases maps a device name to the capture run that currently owns it.
var leases = struct {
	sync.Mutex
	holders map[string]*run
}{holders: make(map[string]*run)}

type run struct {
	engine *Engine
	stream Stream
	cancel context.CancelFunc
	ready  chan struct{}
	done   chan struct{}
	err    error
	once   sync.Once
}

func (r *run) closeStream() {
	r.once.Do(func() { _ = r.stream.Close() })
}

// Engine owns one capture of a Device and pushes fixed-size frames to a
// consumer. A device is held by at most one Engine process-wide; starting a
// capture on a device held elsewhere stops the other holder first.
type Engine struct {
	device      Device
	constraints Constraints
	frameSize   int

	mu       sync.Mutex
	cur      *run
	lastDone chan struct{}
	lastErr  error

	frames atomic.Int64
}

type Option func(*Engine)

func WithConstraints(c Constraints) Option { return func(e *Engine) { e.constraints = c } }

func WithFrameSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.frameSize = n
		}
	}
}

func NewEngine(device Device, opts ...Option) *Engine {
	e := &Engine{device: device, constraints: DefaultConstraints(), frameSize: DefaultFrameSize}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Start acquires the device and begins pushing frames to consumer from a
// dedicated goroutine. The consumer must not call Stop. Starting an engine
// that is already running restarts it.
func (e *Engine) Start(ctx context.Context, consumer func(Frame)) error {
	if e.device == nil {
		return ErrDeviceUnavailable
	}
	if consumer == nil {
		return errors.New("audio: nil frame consumer")
	}
	_ = e.Stop()

	r := &run{engine: e, ready: make(chan struct{}), done: make(chan struct{})}
	acquire(e.device.Name(), r)
	stream, err := e.device.Open(ctx, e.constraints)
	if err != nil {
		release(e.device.Name(), r)
		close(r.ready)
		return err
	}
	r.stream = stream
	runCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	e.mu.Lock()
	e.cur = r
	e.lastDone = r.done
	e.lastErr = nil
	e.mu.Unlock()
	close(r.ready)

	logging.Debugw("audio: capture started", "device", e.device.Name(), "sample_rate", stream.SampleRate(), "frame_size", e.frameSize)
	go e.pump(runCtx, r, consumer)
	return nil
}

func (e *Engine) pump(ctx context.Context, r *run, consumer func(Frame)) {
	defer func() {
		r.closeStream()
		release(e.device.Name(), r)
		e.mu.Lock()
		if e.cur == r {
			e.cur = nil
		}
		e.lastErr = r.err
		e.mu.Unlock()
		close(r.done)
	}()
	rate := r.stream.SampleRate()
	buf := make([]float32, e.frameSize)
	filled := 0
	for {
		n, err := r.stream.Read(buf[filled:])
		filled += n
		if filled == len(buf) {
			if ctx.Err() != nil {
				return
			}
			consumer(Frame{Samples: buf, SampleRate: rate})
			e.frames.Add(1)
			buf = make([]float32, e.frameSize)
			filled = 0
		}
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) && !errors.Is(err, ErrClosed) {
				r.err = err
				logging.Warnw("audio: capture ended with error", "device", e.device.Name(), "err", err)
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// Stop ends the capture and returns once the device is released. It is safe
// to call on a stopped engine.
func (e *Engine) Stop() error {
	e.mu.Lock()
	r := e.cur
	e.cur = nil
	e.mu.Unlock()
	if r == nil {
		return nil
	}
	r.cancel()
	r.closeStream()
	<-r.done
	logging.Debugw("audio: capture stopped", "device", e.device.Name(), "frames", e.frames.Load())
	return nil
}

// Active reports whether a capture is running.
func (e *Engine) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cur != nil
}

// Done is closed when the most recently started capture ends, whether by
// Stop, end of input or a read error. Nil before the first Start.
func (e *Engine) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastDone
}

// Frames returns the number of frames delivered since the engine was built.
func (e *Engine) Frames() int64 { return e.frames.Load() }

// Err returns the read error that ended the last capture, nil when it ended
// by Stop or end of input.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

func acquire(name string, r *run) {
	for {
		leases.Lock()
		h := leases.holders[name]
		if h == nil {
			leases.holders[name] = r
			leases.Unlock()
			return
		}
		leases.Unlock()
		logging.Infow("audio: device busy, stopping previous capture", "device", name)
		// A holder still inside Open is not stoppable yet.
		<-h.ready
		if h.stream != nil {
			_ = h.engine.Stop()
			<-h.done
		}
	}
}

func release(name string, r *run) {
	leases.Lock()
	defer leases.Unlock()
	if leases.holders[name] == r {
		delete(leases.holders, name)
	}
}

// Holder reports whether some engine currently owns the named device.
func Holder(name string) bool {
	leases.Lock()
	defer leases.Unlock()
	return leases.holders[name] != nil
}
