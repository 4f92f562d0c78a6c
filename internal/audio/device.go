// Package audio captures mono PCM from an input device and prepares it for
// streaming recognisers: fixed-size float32 frames, nearest-neighbour
// resampling and 16-bit little-endian encoding.
package audio

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
)

var (
	// ErrPermissionDenied means access to the input device was refused.
	ErrPermissionDenied = errors.New("audio: microphone permission denied")
	// ErrDeviceUnavailable means no usable input device exists.
	ErrDeviceUnavailable = errors.New("audio: no input device available")
	// ErrClosed is returned by reads on a closed stream.
	ErrClosed = errors.New("audio: stream closed")
)

// Constraints describe what the capture side asks of a device.
type Constraints struct {
	SampleRate       int
	ChannelCount     int
	EchoCancellation bool
	NoiseSuppression bool
}

// DefaultConstraints requests 48 kHz mono with echo cancellation and noise
// suppression.
func DefaultConstraints() Constraints {
	return Constraints{SampleRate: 48000, ChannelCount: 1, EchoCancellation: true, NoiseSuppression: true}
}

// Device is a physical or virtual audio input. Name identifies the physical
// device; two Devices with the same name are the same microphone.
type Device interface {
	Name() string
	Open(ctx context.Context, c Constraints) (Stream, error)
}

// Stream yields mono float32 samples in [-1, 1]. Close must unblock a
// pending Read.
type Stream interface {
	Read(buf []float32) (int, error)
	SampleRate() int
	Close() error
}

// Frame is one block of mono samples at SampleRate.
type Frame struct {
	Samples    []float32
	SampleRate int
}

// Duration in milliseconds.
func (f Frame) DurationMs() int {
	if f.SampleRate == 0 {
		return 0
	}
	return len(f.Samples) * 1000 / f.SampleRate
}

// MapOpenError folds platform access errors onto ErrPermissionDenied and
// ErrDeviceUnavailable.
func MapOpenError(device string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrPermissionDenied), errors.Is(err, ErrDeviceUnavailable):
		return err
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %s: %v", ErrPermissionDenied, device, err)
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %s: %v", ErrDeviceUnavailable, device, err)
	default:
		return fmt.Errorf("audio: open %s: %w", device, err)
	}
}
