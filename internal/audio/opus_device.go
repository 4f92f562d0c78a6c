//go:build opus
// +build opus

package audio

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/hraban/opus"
)

// opusFrameSamples is the largest Opus frame (120 ms) at 48 kHz.
const opusFrameSamples = 48000 * 120 / 1000

// OpusDevice captures from a stream of Opus packets, each preceded by a
// big-endian uint16 length, as produced by browser MediaRecorder relays and
// RTP depacketisers. Packets decode to mono float32 at 48 kHz.
type OpusDevice struct {
	name string
	open func() (io.ReadCloser, error)
}

// NewOpusDevice reads packets from the reader returned by open.
func NewOpusDevice(name string, open func() (io.ReadCloser, error)) *OpusDevice {
	return &OpusDevice{name: name, open: open}
}

func (d *OpusDevice) Name() string { return d.name }

func (d *OpusDevice) Open(ctx context.Context, c Constraints) (Stream, error) {
	rc, err := d.open()
	if err != nil {
		return nil, MapOpenError(d.name, err)
	}
	dec, err := opus.NewDecoder(48000, 1)
	if err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("audio: opus decoder: %w", err)
	}
	var hdr [2]byte
	pcm := make([]float32, opusFrameSamples)
	next := func() ([]float32, error) {
		if _, err := io.ReadFull(rc, hdr[:]); err != nil {
			if err == io.ErrUnexpectedEOF {
				err = io.EOF
			}
			return nil, err
		}
		pkt := make([]byte, binary.BigEndian.Uint16(hdr[:]))
		if _, err := io.ReadFull(rc, pkt); err != nil {
			return nil, io.EOF
		}
		n, err := dec.DecodeFloat32(pkt, pcm)
		if err != nil {
			return nil, fmt.Errorf("audio: opus decode: %w", err)
		}
		out := make([]float32, n)
		copy(out, pcm[:n])
		return out, nil
	}
	return newProducerStream(48000, rc, next), nil
}
