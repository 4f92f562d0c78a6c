package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/meeting-voice-lab/internal/audio"
)

// parseFormat accepts f32le and s16le.
func parseFormat(s string) (audio.Format, error) {
	switch strings.ToLower(s) {
	case "", "f32le":
		return audio.FormatF32LE, nil
	case "s16le":
		return audio.FormatS16LE, nil
	}
	return 0, fmt.Errorf("unknown sample format %q (want f32le or s16le)", s)
}

// deviceFor maps a -device value onto a capture device:
//
//	stdin                    raw PCM on standard input
//	file:<path>              raw PCM file or FIFO
//	ffmpeg:<format>[:<in>]   ffmpeg input such as ffmpeg:pulse:default
//	opus:<path>              length-prefixed Opus packets
func deviceFor(arg string, format audio.Format, rate int) (audio.Device, error) {
	kind, rest, _ := strings.Cut(arg, ":")
	switch kind {
	case "", "stdin":
		return audio.NewReaderDevice("stdin", os.Stdin, format, rate), nil
	case "file":
		if rest == "" {
			return nil, fmt.Errorf("device %q: missing path", arg)
		}
		return &audio.FileDevice{Path: rest, Format: format, Rate: rate}, nil
	case "ffmpeg":
		inFmt, in, _ := strings.Cut(rest, ":")
		if inFmt == "" {
			return nil, fmt.Errorf("device %q: missing ffmpeg input format", arg)
		}
		return &audio.FFmpegDevice{InputFormat: inFmt, Input: in}, nil
	case "opus":
		if rest == "" {
			return nil, fmt.Errorf("device %q: missing path", arg)
		}
		return audio.NewOpusDevice("opus:"+rest, func() (io.ReadCloser, error) { return os.Open(rest) }), nil
	}
	return nil, fmt.Errorf("unknown device %q", arg)
}
