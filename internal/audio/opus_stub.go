//go:build !opus
// +build !opus

package audio

import (
	"context"
	"fmt"
	"io"
)

// OpusDevice is unavailable in builds without libopus; build with -tags opus.
type OpusDevice struct {
	name string
}

func NewOpusDevice(name string, open func() (io.ReadCloser, error)) *OpusDevice {
	return &OpusDevice{name: name}
}

func (d *OpusDevice) Name() string { return d.name }

func (d *OpusDevice) Open(ctx context.Context, c Constraints) (Stream, error) {
	return nil, fmt.Errorf("%w: %s: built without opus support", ErrDeviceUnavailable, d.name)
}
