package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/meeting-voice-lab/internal/logging"
)

// FFmpegDevice captures from a platform input through an ffmpeg child
// process writing mono f32le to stdout.
type FFmpegDevice struct {
	Binary      string // defaults to "ffmpeg"
	InputFormat string // pulse, alsa, avfoundation, dshow
	Input       string // device name, "default" when empty
}

func (d *FFmpegDevice) input() string {
	if d.Input == "" {
		return "default"
	}
	return d.Input
}

func (d *FFmpegDevice) Name() string { return "ffmpeg:" + d.InputFormat + ":" + d.input() }

// Args builds the ffmpeg command line for c. Noise suppression maps to the
// afftdn filter; ffmpeg has no echo canceller for a single capture input.
func (d *FFmpegDevice) Args(c Constraints) []string {
	channels := c.ChannelCount
	if channels <= 0 {
		channels = 1
	}
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin",
		"-f", d.InputFormat, "-i", d.input(),
		"-ac", strconv.Itoa(channels), "-ar", strconv.Itoa(c.SampleRate)}
	if c.NoiseSuppression {
		args = append(args, "-af", "afftdn")
	}
	return append(args, "-f", "f32le", "pipe:1")
}

// Open starts ffmpeg and waits for the first block of audio so device and
// permission failures are reported here rather than mid-session. The child
// is killed when ctx is done.
func (d *FFmpegDevice) Open(ctx context.Context, c Constraints) (Stream, error) {
	bin := d.Binary
	if bin == "" {
		bin = "ffmpeg"
	}
	if _, err := exec.LookPath(bin); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	if c.EchoCancellation {
		logging.Debugw("audio: echo cancellation not available for ffmpeg capture", "device", d.Name())
	}
	if c.ChannelCount > 1 {
		logging.Debugw("audio: downmixing capture to mono", "device", d.Name(), "channels", c.ChannelCount)
		c.ChannelCount = 1
	}

	cmd := exec.CommandContext(ctx, bin, d.Args(c)...)
	stderr := &syncBuffer{}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, MapOpenError(d.Name(), err)
	}
	proc := &ffmpegProcess{cmd: cmd}
	stream := newProducerStream(c.SampleRate, proc, rawReader(stdout, FormatF32LE, readChunk))

	first := make([]float32, readChunk)
	type result struct {
		n   int
		err error
	}
	got := make(chan result, 1)
	go func() {
		n, err := stream.Read(first)
		got <- result{n, err}
	}()
	select {
	case <-ctx.Done():
		_ = stream.Close()
		return nil, ctx.Err()
	case r := <-got:
		if r.err != nil {
			_ = stream.Close()
			return nil, classifyFFmpeg(d.Name(), stderr.String(), r.err)
		}
		stream.pending = append(first[:r.n:r.n], stream.pending...)
	}
	logging.Debugw("audio: ffmpeg capture started", "device", d.Name(), "pid", cmd.Process.Pid)
	return stream, nil
}

func classifyFFmpeg(device, stderr string, err error) error {
	msg := strings.ToLower(stderr)
	switch {
	case strings.Contains(msg, "permission denied"), strings.Contains(msg, "not authorized"):
		return fmt.Errorf("%w: %s: %s", ErrPermissionDenied, device, strings.TrimSpace(stderr))
	case strings.Contains(msg, "no such file"), strings.Contains(msg, "no such device"),
		strings.Contains(msg, "cannot open"), strings.Contains(msg, "could not find"),
		strings.Contains(msg, "input/output error"):
		return fmt.Errorf("%w: %s: %s", ErrDeviceUnavailable, device, strings.TrimSpace(stderr))
	case errors.Is(err, io.EOF):
		return fmt.Errorf("%w: %s: ffmpeg exited without audio", ErrDeviceUnavailable, device)
	default:
		return fmt.Errorf("audio: ffmpeg %s: %w", device, err)
	}
}

type ffmpegProcess struct {
	cmd  *exec.Cmd
	once sync.Once
}

func (p *ffmpegProcess) Close() error {
	p.once.Do(func() {
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		_ = p.cmd.Wait()
	})
	return nil
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.buf.Len() > 8<<10 {
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
