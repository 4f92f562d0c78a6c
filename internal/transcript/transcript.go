// Package transcript folds streaming recognition events into a transcript.
package transcript

import (
	"strings"
	"sync"
)

// Kind tags an Event.
type Kind int

const (
	KindInterim Kind = iota
	KindFinal
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindInterim:
		return "interim"
	case KindFinal:
		return "final"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one decoded provider event: interim or final text, or an error.
type Event struct {
	Kind Kind
	Text string
	Err  error
}

func Interim(text string) Event { return Event{Kind: KindInterim, Text: text} }
func Final(text string) Event   { return Event{Kind: KindFinal, Text: text} }
func Failure(err error) Event   { return Event{Kind: KindError, Err: err} }

// Delimiter joins finalized segments when rendered.
const Delimiter = "\n"

// State is the transcript as shown to the user. Segments only grow within a
// session; Interim is the provider's current guess for the open segment.
type State struct {
	Segments []string
	Interim  string
	Err      error
}

// Text renders the finalized segments.
func (s State) Text() string { return strings.Join(s.Segments, Delimiter) }

// Reduce applies ev to s. Interim text replaces the previous interim, final
// text appends a segment and clears the interim, and an error is recorded
// without touching the text. Duplicate finals are appended as given.
func Reduce(s State, ev Event) State {
	switch ev.Kind {
	case KindInterim:
		s.Interim = ev.Text
	case KindFinal:
		segs := make([]string, len(s.Segments), len(s.Segments)+1)
		copy(segs, s.Segments)
		s.Segments = append(segs, ev.Text)
		s.Interim = ""
	case KindError:
		s.Err = ev.Err
	}
	return s
}

// Assembler is a concurrency-safe holder around Reduce with a change hook.
type Assembler struct {
	mu       sync.Mutex
	state    State
	onChange func(State)
}

// NewAssembler returns an empty assembler. onChange, if set, runs after each
// applied event with the new state, outside the assembler's lock.
func NewAssembler(onChange func(State)) *Assembler {
	return &Assembler{onChange: onChange}
}

// Apply reduces ev into the current state and returns the result.
func (a *Assembler) Apply(ev Event) State {
	a.mu.Lock()
	a.state = Reduce(a.state, ev)
	s := a.state
	a.mu.Unlock()
	if a.onChange != nil {
		a.onChange(s)
	}
	return s
}

// Snapshot returns the current state.
func (a *Assembler) Snapshot() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// ClearInterim drops the open interim text, as when recording stops.
func (a *Assembler) ClearInterim() {
	a.update(func(s *State) { s.Interim = "" })
}

// ClearError forgets a surfaced error.
func (a *Assembler) ClearError() {
	a.update(func(s *State) { s.Err = nil })
}

// Reset empties the transcript.
func (a *Assembler) Reset() {
	a.update(func(s *State) { *s = State{} })
}

// update applies fn and notifies onChange when the state changed.
func (a *Assembler) update(fn func(*State)) {
	a.mu.Lock()
	before := a.state
	fn(&a.state)
	s := a.state
	a.mu.Unlock()
	if a.onChange != nil && !sameState(before, s) {
		a.onChange(s)
	}
}

func sameState(x, y State) bool {
	return x.Interim == y.Interim && (x.Err == nil) == (y.Err == nil) && len(x.Segments) == len(y.Segments)
}
