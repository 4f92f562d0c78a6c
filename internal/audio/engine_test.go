package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// toneDevice produces an endless constant signal and records how many of
// its streams are open at once.
type toneDevice struct {
	name    string
	openErr error
	open    atomic.Int32
	maxOpen atomic.Int32
}

func (d *toneDevice) Name() string { return d.name }

func (d *toneDevice) Open(ctx context.Context, c Constraints) (Stream, error) {
	if d.openErr != nil {
		return nil, d.openErr
	}
	n := d.open.Add(1)
	for {
		m := d.maxOpen.Load()
		if n <= m || d.maxOpen.CompareAndSwap(m, n) {
			break
		}
	}
	s := &toneStream{rate: c.SampleRate, closed: make(chan struct{})}
	s.onClose = func() { d.open.Add(-1) }
	return s, nil
}

type toneStream struct {
	rate    int
	closed  chan struct{}
	once    sync.Once
	onClose func()
}

func (s *toneStream) Read(buf []float32) (int, error) {
	select {
	case <-s.closed:
		return 0, ErrClosed
	case <-time.After(time.Millisecond):
	}
	for i := range buf {
		buf[i] = 0.25
	}
	return len(buf), nil
}

func (s *toneStream) SampleRate() int { return s.rate }

func (s *toneStream) Close() error {
	s.once.Do(func() {
		close(s.closed)
		s.onClose()
	})
	return nil
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

func TestEngineDeliversFixedSizeFrames(t *testing.T) {
	dev := &toneDevice{name: "tone-fixed"}
	e := NewEngine(dev, WithFrameSize(256))

	var mu sync.Mutex
	var frames []Frame
	if err := e.Start(context.Background(), func(f Frame) {
		mu.Lock()
		frames = append(frames, f)
		mu.Unlock()
	}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "three frames", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(frames) >= 3
	})
	if err := e.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	for i, f := range frames {
		if len(f.Samples) != 256 || f.SampleRate != 48000 {
			t.Fatalf("frame %d: %d samples at %d Hz", i, len(f.Samples), f.SampleRate)
		}
	}
	if dev.open.Load() != 0 {
		t.Fatalf("stream left open after Stop")
	}
	if Holder(dev.Name()) {
		t.Fatalf("device lease not released")
	}
}

func TestSecondEngineTakesDeviceOver(t *testing.T) {
	dev := &toneDevice{name: "tone-shared"}
	first := NewEngine(dev, WithFrameSize(64))
	second := NewEngine(dev, WithFrameSize(64))
	noop := func(Frame) {}

	if err := first.Start(context.Background(), noop); err != nil {
		t.Fatal(err)
	}
	if err := second.Start(context.Background(), noop); err != nil {
		t.Fatal(err)
	}
	if first.Active() {
		t.Fatalf("first engine should have been stopped")
	}
	if !second.Active() {
		t.Fatalf("second engine should be running")
	}
	if m := dev.maxOpen.Load(); m != 1 {
		t.Fatalf("device opened %d times concurrently", m)
	}
	_ = second.Stop()
}

func TestEngineOpenErrorReleasesLease(t *testing.T) {
	dev := &toneDevice{name: "tone-denied", openErr: MapOpenError("tone-denied", ErrPermissionDenied)}
	e := NewEngine(dev)
	err := e.Start(context.Background(), func(Frame) {})
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("err = %v, want ErrPermissionDenied", err)
	}
	if Holder(dev.Name()) || e.Active() {
		t.Fatalf("failed start must not hold the device")
	}
}

func TestFileDeviceMissingPath(t *testing.T) {
	dev := &FileDevice{Path: filepath.Join(t.TempDir(), "nope.pcm")}
	err := NewEngine(dev).Start(context.Background(), func(Frame) {})
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("err = %v, want ErrDeviceUnavailable", err)
	}
}

func TestReaderDeviceEndOfInput(t *testing.T) {
	var raw bytes.Buffer
	for i := 0; i < 300; i++ {
		_ = binary.Write(&raw, binary.LittleEndian, int16(16384))
	}
	dev := NewReaderDevice("pipe", &raw, FormatS16LE, 16000)
	e := NewEngine(dev, WithFrameSize(100))

	var got [][]float32
	var mu sync.Mutex
	if err := e.Start(context.Background(), func(f Frame) {
		mu.Lock()
		got = append(got, f.Samples)
		mu.Unlock()
	}); err != nil {
		t.Fatal(err)
	}
	done := e.Done()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("capture did not end at EOF")
	}
	if e.Err() != nil {
		t.Fatalf("EOF should not be an error: %v", e.Err())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 {
		t.Fatalf("got %d frames, want 3", len(got))
	}
	if got[0][0] != 0.5 {
		t.Fatalf("sample = %v, want 0.5", got[0][0])
	}
	if e.Active() || Holder("pipe") {
		t.Fatalf("engine should be released after EOF")
	}
}

func TestClassifyFFmpeg(t *testing.T) {
	if err := classifyFFmpeg("mic", "[pulse] Permission denied", errors.New("exit")); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("got %v", err)
	}
	if err := classifyFFmpeg("mic", "hw:9: No such device", errors.New("exit")); !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("got %v", err)
	}
}

func TestFFmpegArgs(t *testing.T) {
	d := &FFmpegDevice{InputFormat: "pulse"}
	args := d.Args(DefaultConstraints())
	joined := ""
	for _, a := range args {
		joined += a + " "
	}
	want := "-hide_banner -loglevel error -nostdin -f pulse -i default -ac 1 -ar 48000 -af afftdn -f f32le pipe:1 "
	if joined != want {
		t.Fatalf("args = %q\nwant   %q", joined, want)
	}
}

func TestFFmpegChildStopsWithContext(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	// Stand-in for ffmpeg that streams silence until killed.
	bin := filepath.Join(t.TempDir(), "fake-ffmpeg")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\nexec cat /dev/zero\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	d := &FFmpegDevice{Binary: bin, InputFormat: "pulse"}
	ctx, cancel := context.WithCancel(context.Background())
	s, err := d.Open(ctx, DefaultConstraints())
	if err != nil {
		cancel()
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	buf := make([]float32, readChunk)
	if _, err := s.Read(buf); err != nil {
		t.Fatalf("first read: %v", err)
	}
	cancel()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := s.Read(buf); err != nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("capture kept running after its context was cancelled")
		}
	}
}
