package audio

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"math"
)

// Resample maps samples from sourceRate to targetRate by nearest-neighbour
// index selection. There is no filtering. Equal rates return samples as is.
func Resample(samples []float32, sourceRate, targetRate int) []float32 {
	if sourceRate == targetRate || sourceRate <= 0 || targetRate <= 0 || len(samples) == 0 {
		return samples
	}
	ratio := float64(sourceRate) / float64(targetRate)
	n := int(math.Round(float64(len(samples)) / ratio))
	out := make([]float32, n)
	last := len(samples) - 1
	for i := range out {
		idx := int(math.Round(float64(i) * ratio))
		if idx > last {
			idx = last
		}
		out[i] = samples[idx]
	}
	return out
}

// Float32ToInt16 clamps s to [-1, 1] and scales it to signed 16-bit PCM,
// using 32768 for negative values and 32767 for positive ones.
func Float32ToInt16(s float32) int16 {
	if math.IsNaN(float64(s)) {
		return 0
	}
	if s < -1 {
		s = -1
	} else if s > 1 {
		s = 1
	}
	if s < 0 {
		return int16(s * 32768)
	}
	return int16(s * 32767)
}

// PCM16 quantises samples to little-endian int16 bytes.
func PCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(Float32ToInt16(s)))
	}
	return out
}

// Base64 encodes a PCM buffer for JSON text transports.
func Base64(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}

// WithCommand prefixes pcm with a single command byte for transports that
// multiplex commands and audio on one binary channel.
func WithCommand(tag byte, pcm []byte) []byte {
	out := make([]byte, 1+len(pcm))
	out[0] = tag
	copy(out[1:], pcm)
	return out
}

// Encoder turns capture frames into PCM16 at a provider's rate.
type Encoder struct {
	TargetRate int
}

// Resample returns the frame's samples at the encoder's rate.
func (e Encoder) Resample(f Frame) []float32 {
	return Resample(f.Samples, f.SampleRate, e.TargetRate)
}

// Encode resamples and quantises f.
func (e Encoder) Encode(f Frame) []byte {
	return PCM16(e.Resample(f))
}

// WAV wraps raw PCM in a canonical RIFF/WAVE header.
func WAV(pcm []byte, sampleRate, channels, bitsPerSample int) []byte {
	byteRate := uint32(sampleRate * channels * bitsPerSample / 8)
	blockAlign := uint16(channels * bitsPerSample / 8)
	dataLen := uint32(len(pcm))

	buf := bytes.NewBuffer(make([]byte, 0, 44+len(pcm)))
	buf.WriteString("RIFF")
	_ = binary.Write(buf, binary.LittleEndian, 36+dataLen)
	buf.WriteString("WAVEfmt ")
	_ = binary.Write(buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(buf, binary.LittleEndian, uint16(1))
	_ = binary.Write(buf, binary.LittleEndian, uint16(channels))
	_ = binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	_ = binary.Write(buf, binary.LittleEndian, byteRate)
	_ = binary.Write(buf, binary.LittleEndian, blockAlign)
	_ = binary.Write(buf, binary.LittleEndian, uint16(bitsPerSample))
	buf.WriteString("data")
	_ = binary.Write(buf, binary.LittleEndian, dataLen)
	buf.Write(pcm)
	return buf.Bytes()
}
