package logging

import (
	"context"
	"sync"
	"testing"

	"go.uber.org/zap/zapcore"
)

type entry struct {
	level string
	msg   string
	kv    []interface{}
}

type recorder struct {
	mu      sync.Mutex
	entries []entry
}

func (r *recorder) add(level, msg string, kv []interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry{level: level, msg: msg, kv: kv})
}

func (r *recorder) Infow(msg string, kv ...interface{})  { r.add("info", msg, kv) }
func (r *recorder) Debugw(msg string, kv ...interface{}) { r.add("debug", msg, kv) }
func (r *recorder) Warnw(msg string, kv ...interface{})  { r.add("warn", msg, kv) }
func (r *recorder) Errorw(msg string, kv ...interface{}) { r.add("error", msg, kv) }
func (r *recorder) Sync() error                          { return nil }

func TestParseLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"":        zapcore.InfoLevel,
		"debug":   zapcore.DebugLevel,
		" WARN ":  zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"verbose": zapcore.InfoLevel,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestContextFieldsAreMergedInOrder(t *testing.T) {
	rec := &recorder{}
	SetLogger(rec)
	defer SetLogger(nil)

	ctx := WithFields(context.Background(), SessionFields("s-1", "amivoice")...)
	ctx = WithFields(ctx, "attempt", 2)
	InfowCtx(ctx, "session: connected", "latency_ms", 40)

	if len(rec.entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(rec.entries))
	}
	got := rec.entries[0].kv
	want := []interface{}{"session.id", "s-1", "provider", "amivoice", "attempt", 2, "latency_ms", 40}
	if len(got) != len(want) {
		t.Fatalf("kv = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("kv[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestSetLoggerNilRestoresNoop(t *testing.T) {
	rec := &recorder{}
	SetLogger(rec)
	SetLogger(nil)
	Warnw("dropped")
	if len(rec.entries) != 0 {
		t.Fatalf("recorder should no longer receive entries")
	}
}

func TestFrameFields(t *testing.T) {
	kv := FrameFields(4096, 48000)
	if kv[5] != 85 {
		t.Fatalf("duration_ms = %v, want 85", kv[5])
	}
	if FrameFields(10, 0)[5] != 0 {
		t.Fatalf("zero sample rate should not divide")
	}
}
