package audio

import (
	"context"
	"io"
	"os"
)

const readChunk = 1024

// ReaderDevice captures raw PCM from an already-open reader, for example a
// pipe from arecord or sox on stdin.
type ReaderDevice struct {
	name   string
	r      io.Reader
	format Format
	rate   int
}

func NewReaderDevice(name string, r io.Reader, format Format, sampleRate int) *ReaderDevice {
	return &ReaderDevice{name: name, r: r, format: format, rate: sampleRate}
}

func (d *ReaderDevice) Name() string { return d.name }

// Open ignores the processing constraints; the producer upstream of the
// reader decides them. The reader's own rate wins over c.SampleRate.
func (d *ReaderDevice) Open(ctx context.Context, c Constraints) (Stream, error) {
	if d.r == nil {
		return nil, MapOpenError(d.name, ErrDeviceUnavailable)
	}
	var closer io.Closer
	if rc, ok := d.r.(io.Closer); ok {
		closer = rc
	}
	return newProducerStream(d.rate, closer, rawReader(d.r, d.format, readChunk)), nil
}

// FileDevice opens a PCM file or FIFO at Open time, so a missing or
// unreadable path surfaces as ErrDeviceUnavailable or ErrPermissionDenied.
type FileDevice struct {
	Path   string
	Format Format
	Rate   int
}

func (d *FileDevice) Name() string { return "file:" + d.Path }

func (d *FileDevice) Open(ctx context.Context, c Constraints) (Stream, error) {
	f, err := os.Open(d.Path)
	if err != nil {
		return nil, MapOpenError(d.Name(), err)
	}
	rate := d.Rate
	if rate == 0 {
		rate = c.SampleRate
	}
	return newProducerStream(rate, f, rawReader(f, d.Format, readChunk)), nil
}
