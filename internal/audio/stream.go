package audio

import (
	"encoding/binary"
	"errors"
	"io"
	"math"
	"sync"
)

// Format is the sample encoding of a raw PCM byte stream.
type Format int

const (
	FormatF32LE Format = iota
	FormatS16LE
)

func (f Format) bytesPerSample() int {
	if f == FormatS16LE {
		return 2
	}
	return 4
}

func (f Format) String() string {
	if f == FormatS16LE {
		return "s16le"
	}
	return "f32le"
}

func decodeSamples(raw []byte, f Format) []float32 {
	bps := f.bytesPerSample()
	out := make([]float32, len(raw)/bps)
	for i := range out {
		switch f {
		case FormatS16LE:
			out[i] = float32(int16(binary.LittleEndian.Uint16(raw[i*2:]))) / 32768
		default:
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	}
	return out
}

type chunk struct {
	samples []float32
	err     error
}

// producerStream adapts a blocking sample producer to Stream. The producer
// runs on its own goroutine so Close never waits on a blocked source.
type producerStream struct {
	rate   int
	chunks chan chunk
	closed chan struct{}
	once   sync.Once
	closer io.Closer

	pending []float32
	err     error
}

func newProducerStream(rate int, closer io.Closer, next func() ([]float32, error)) *producerStream {
	s := &producerStream{
		rate:   rate,
		chunks: make(chan chunk, 4),
		closed: make(chan struct{}),
		closer: closer,
	}
	go func() {
		for {
			samples, err := next()
			select {
			case s.chunks <- chunk{samples: samples, err: err}:
			case <-s.closed:
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return s
}

func (s *producerStream) Read(buf []float32) (int, error) {
	for len(s.pending) == 0 {
		if s.err != nil {
			return 0, s.err
		}
		select {
		case c := <-s.chunks:
			s.pending, s.err = c.samples, c.err
		case <-s.closed:
			return 0, ErrClosed
		}
	}
	n := copy(buf, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

func (s *producerStream) SampleRate() int { return s.rate }

func (s *producerStream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.closed)
		if s.closer != nil {
			err = s.closer.Close()
		}
	})
	return err
}

// rawReader returns a producer that reads frames of raw PCM from r. A short
// final read is delivered before io.EOF.
func rawReader(r io.Reader, f Format, samplesPerRead int) func() ([]float32, error) {
	bps := f.bytesPerSample()
	raw := make([]byte, samplesPerRead*bps)
	return func() ([]float32, error) {
		n, err := io.ReadFull(r, raw)
		if errors.Is(err, io.ErrUnexpectedEOF) {
			err = io.EOF
		}
		return decodeSamples(raw[:n-n%bps], f), err
	}
}
