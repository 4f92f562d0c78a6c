// Package session drives one live transcription: it owns the capture engine
// and the provider transport, moves between the session states and feeds
// provider events into the transcript.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/meeting-voice-lab/internal/audio"
	"github.com/meeting-voice-lab/internal/credential"
	"github.com/meeting-voice-lab/internal/logging"
	"github.com/meeting-voice-lab/internal/provider"
	"github.com/meeting-voice-lab/internal/transcript"
)

type State int

const (
	Idle State = iota
	Connecting
	Connected
	Recording
	Paused
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Recording:
		return "recording"
	case Paused:
		return "paused"
	case Error:
		return "error"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// active reports whether the session holds, or is acquiring, resources.
func (s State) active() bool {
	return s == Connecting || s == Connected || s == Recording || s == Paused
}

var (
	// ErrSuperseded is returned by a Start that was overtaken by a later
	// Start or by Stop before it completed.
	ErrSuperseded = errors.New("session: start superseded")
	// ErrInvalidState is returned by Pause and Resume outside the states they
	// apply to.
	ErrInvalidState = errors.New("session: invalid state for operation")
)

// Config wires a Controller.
type Config struct {
	// Provider is the registered transport name.
	Provider string
	Options  provider.Options
	Issuer   credential.Issuer
	Device   audio.Device
	Engine   []audio.Option
	// Transports defaults to provider.Transports.
	Transports *provider.Registry[provider.Transport]

	// OnState is called after every state change, outside the controller's
	// lock.
	OnState func(State)
	// OnTranscript is called with every new transcript state.
	OnTranscript func(transcript.State)
	// FrameTap sees every frame forwarded to the provider.
	FrameTap func(audio.Frame)
}

// resources are what a session releases on teardown.
type resources struct {
	cancel    context.CancelFunc
	transport provider.Transport
	engine    *audio.Engine
}

// release stops capture and disconnects, synchronously.
func (r resources) release() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.engine != nil {
		_ = r.engine.Stop()
	}
	if r.transport != nil {
		if err := r.transport.Disconnect(); err != nil {
			logging.Debugw("session: disconnect", "err", err)
		}
	}
}

type Controller struct {
	cfg Config
	asm *transcript.Assembler

	mu    sync.Mutex
	state State
	err   error
	id    string
	res   resources

	// gen is the "still wanted" token. Bumped by Start, Stop and failures
	// under mu; read without it by event goroutines.
	gen    atomic.Uint64
	paused atomic.Bool
}

func New(cfg Config) *Controller {
	if cfg.Issuer == nil {
		cfg.Issuer = credential.None{}
	}
	if cfg.Transports == nil {
		cfg.Transports = provider.Transports
	}
	c := &Controller{cfg: cfg}
	c.asm = transcript.NewAssembler(cfg.OnTranscript)
	return c
}

// Start begins a new session, tearing down any running one first. It
// returns once audio is flowing to the provider.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	old := c.res
	c.res = resources{}
	gen := c.gen.Add(1)
	ctx, cancel := context.WithCancel(ctx)
	c.res.cancel = cancel
	c.id = uuid.NewString()
	c.err = nil
	c.paused.Store(false)
	id := c.id
	c.state = Connecting
	c.mu.Unlock()
	c.notify(Connecting)

	old.release()
	c.asm.ClearError()
	c.asm.ClearInterim()

	fields := logging.SessionFields(id, c.cfg.Provider)
	logging.Infow("session: starting", fields...)

	cred, err := c.cfg.Issuer.Issue(ctx)
	if err != nil {
		return c.abort(gen, fmt.Errorf("session: credential: %w", err))
	}
	opts := c.cfg.Options
	opts.SessionID = id
	tr, err := c.cfg.Transports.Create(c.cfg.Provider, opts)
	if err != nil {
		return c.abort(gen, err)
	}
	if err := tr.Connect(ctx, cred); err != nil {
		_ = tr.Disconnect()
		return c.abort(gen, err)
	}

	c.mu.Lock()
	if c.gen.Load() != gen {
		c.mu.Unlock()
		_ = tr.Disconnect()
		return ErrSuperseded
	}
	c.res.transport = tr
	phase := c.state
	if tr.Info().ConnectedPhase {
		c.state = Connected
		phase = Connected
	}
	c.mu.Unlock()
	if phase == Connected {
		c.notify(Connected)
	}
	go c.forward(gen, tr)

	eng := audio.NewEngine(c.cfg.Device, c.cfg.Engine...)
	if err := eng.Start(ctx, c.consumer(tr)); err != nil {
		return c.abort(gen, fmt.Errorf("session: capture: %w", err))
	}

	c.mu.Lock()
	if c.gen.Load() != gen {
		c.mu.Unlock()
		_ = eng.Stop()
		return ErrSuperseded
	}
	c.res.engine = eng
	c.state = Recording
	c.mu.Unlock()
	c.notify(Recording)
	go c.watch(gen, eng)

	logging.Infow("session: recording", fields...)
	return nil
}

func (c *Controller) consumer(tr provider.Transport) func(audio.Frame) {
	return func(f audio.Frame) {
		if c.paused.Load() {
			return
		}
		if tap := c.cfg.FrameTap; tap != nil {
			tap(f)
		}
		if err := tr.SendAudio(f); err != nil && !errors.Is(err, provider.ErrNotReady) {
			logging.Debugw("session: send audio", "err", err)
		}
	}
}

// forward applies the transport's events to the transcript until the
// transport closes. Interim updates and errors of a superseded session are
// dropped; finals are kept so results drained during Stop are not lost.
func (c *Controller) forward(gen uint64, tr provider.Transport) {
	for ev := range tr.Events() {
		current := c.gen.Load() == gen
		switch ev.Kind {
		case transcript.KindFinal:
			c.asm.Apply(ev)
		case transcript.KindInterim:
			if current {
				c.asm.Apply(ev)
			}
		case transcript.KindError:
			if !current {
				continue
			}
			if errors.Is(ev.Err, provider.ErrConnectionLost) {
				// Terminal. fail supersedes gen, so the finish below is a no-op.
				c.fail(gen, ev.Err)
				continue
			}
			logging.Warnw("session: provider error", "session.id", c.ID(), "err", ev.Err)
			c.mu.Lock()
			if c.gen.Load() == gen {
				c.err = ev.Err
			}
			c.mu.Unlock()
			c.asm.Apply(ev)
		}
	}
	c.finish(gen, "transport closed")
}

func (c *Controller) watch(gen uint64, eng *audio.Engine) {
	<-eng.Done()
	if err := eng.Err(); err != nil {
		c.fail(gen, fmt.Errorf("session: capture: %w", err))
		return
	}
	c.finish(gen, "capture ended")
}

// finish tears a still-current active session down to idle.
func (c *Controller) finish(gen uint64, reason string) {
	c.mu.Lock()
	if c.gen.Load() != gen || !c.state.active() {
		c.mu.Unlock()
		return
	}
	gen = c.gen.Add(1)
	res := c.res
	c.res = resources{}
	c.mu.Unlock()

	res.release()
	c.asm.ClearInterim()
	logging.Infow("session: ended", "session.id", c.ID(), "reason", reason)

	c.mu.Lock()
	if c.gen.Load() != gen {
		c.mu.Unlock()
		return
	}
	c.state = Idle
	c.mu.Unlock()
	c.notify(Idle)
}

// fail releases the session's resources, then enters Error.
func (c *Controller) fail(gen uint64, err error) {
	c.mu.Lock()
	if c.gen.Load() != gen {
		c.mu.Unlock()
		return
	}
	gen = c.gen.Add(1)
	res := c.res
	c.res = resources{}
	c.mu.Unlock()

	res.release()
	c.asm.ClearInterim()
	c.asm.Apply(transcript.Failure(err))
	logging.Errorw("session: failed", "session.id", c.ID(), "err", err)

	c.mu.Lock()
	if c.gen.Load() != gen {
		c.mu.Unlock()
		return
	}
	c.err = err
	c.state = Error
	c.mu.Unlock()
	c.notify(Error)
}

// abort ends a Start that failed. A superseded Start returns ErrSuperseded
// and leaves the newer session alone.
func (c *Controller) abort(gen uint64, err error) error {
	if c.gen.Load() != gen {
		return ErrSuperseded
	}
	c.fail(gen, err)
	return err
}

// Stop ends the session. It cancels an in-flight Start and returns once the
// microphone is released and the transport is closed.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.gen.Add(1)
	res := c.res
	c.res = resources{}
	prev := c.state
	c.state = Idle
	c.paused.Store(false)
	c.mu.Unlock()

	res.release()
	c.asm.ClearInterim()
	if prev != Idle {
		logging.Infow("session: stopped", "session.id", c.ID(), "from", prev.String())
		c.notify(Idle)
	}
}

// Pause keeps capturing but stops forwarding audio to the provider.
func (c *Controller) Pause() error {
	c.mu.Lock()
	if c.state != Recording {
		s := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: pause while %s", ErrInvalidState, s)
	}
	c.paused.Store(true)
	c.state = Paused
	c.mu.Unlock()
	c.notify(Paused)
	return nil
}

func (c *Controller) Resume() error {
	c.mu.Lock()
	if c.state != Paused {
		s := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: resume while %s", ErrInvalidState, s)
	}
	c.paused.Store(false)
	c.state = Recording
	c.mu.Unlock()
	c.notify(Recording)
	return nil
}

// Clear empties the transcript and forgets the last error.
func (c *Controller) Clear() {
	c.mu.Lock()
	c.err = nil
	c.mu.Unlock()
	c.asm.Reset()
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err is the error that put the session into Error, or the last provider
// error of a running session.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Controller) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *Controller) Transcript() transcript.State { return c.asm.Snapshot() }

func (c *Controller) notify(s State) {
	if c.cfg.OnState != nil {
		c.cfg.OnState(s)
	}
}
