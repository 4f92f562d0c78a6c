package audio

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"
)

func ramp(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i) / float32(n)
	}
	return out
}

func TestResampleRoundTripLengthBound(t *testing.T) {
	rates := []int{8000, 16000, 22050, 24000, 44100, 48000}
	for _, src := range rates {
		for _, dst := range rates {
			for _, n := range []int{1, 7, 128, 1000, 4096} {
				there := Resample(ramp(n), src, dst)
				back := Resample(there, dst, src)
				// rounding the intermediate length drifts by at most half a
				// source/target ratio
				drift := int(math.Ceil(0.5 * float64(src) / float64(dst)))
				if len(back) > n+drift {
					t.Fatalf("%d->%d->%d with n=%d: got %d samples, drift bound %d", src, dst, src, n, len(back), n+drift)
				}
				if src <= 3*dst {
					bound := int(math.Ceil(float64(n)*float64(dst)/float64(src)*float64(src)/float64(dst))) + 1
					if len(back) > bound {
						t.Fatalf("%d->%d->%d with n=%d: got %d samples, bound %d", src, dst, src, n, len(back), bound)
					}
				}
			}
		}
	}
}

func TestResampleNearestNeighbour(t *testing.T) {
	in := []float32{0, 1, 2, 3, 4, 5, 6, 7}
	got := Resample(in, 48000, 24000)
	want := []float32{0, 2, 4, 6}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got[%d] = %v, want %v", i, got[i], want[i])
		}
	}

	// 48k -> 16k: ratio 3, 4096 samples -> round(1365.33) = 1365
	if n := len(Resample(ramp(4096), 48000, 16000)); n != 1365 {
		t.Fatalf("48k->16k length = %d, want 1365", n)
	}
}

func TestResampleClampsLastIndex(t *testing.T) {
	// 3 samples at ratio 2 -> round(1.5) = 2 outputs; index round(2) = 2 is valid
	// 5 samples at ratio 1.5 (48k->32k) -> 3 outputs, last index round(3) = 3
	in := []float32{0.1, 0.2, 0.3, 0.4, 0.5}
	out := Resample(in, 48000, 32000)
	if len(out) != 3 || out[2] != 0.4 {
		t.Fatalf("unexpected %v", out)
	}
	// upsampling reaches past the end: 2 samples, 16k -> 48k = 6 outputs,
	// the last computed index round(5/3) = 2 must clamp to 1
	up := Resample([]float32{0.25, 0.75}, 16000, 48000)
	if len(up) != 6 || up[5] != 0.75 {
		t.Fatalf("unexpected upsample %v", up)
	}
}

func TestResampleSameRateReturnsInput(t *testing.T) {
	in := ramp(10)
	out := Resample(in, 16000, 16000)
	if &out[0] != &in[0] {
		t.Fatalf("expected the input slice back")
	}
}

func TestFloat32ToInt16(t *testing.T) {
	cases := []struct {
		in   float32
		want int16
	}{
		{-2, -32768},
		{-1, -32768},
		{-0.5, -16384},
		{0, 0},
		{0.5, 16383},
		{1, 32767},
		{3, 32767},
		{float32(math.NaN()), 0},
	}
	for _, c := range cases {
		if got := Float32ToInt16(c.in); got != c.want {
			t.Errorf("Float32ToInt16(%v) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestFloat32ToInt16Monotonic(t *testing.T) {
	prev := Float32ToInt16(-1.5)
	for x := -1.5; x <= 1.5; x += 0.0007 {
		got := Float32ToInt16(float32(x))
		if got < prev {
			t.Fatalf("not monotonic at %v: %d < %d", x, got, prev)
		}
		prev = got
	}
}

func TestPCM16LittleEndian(t *testing.T) {
	pcm := PCM16([]float32{1, -1, 0})
	want := []byte{0xff, 0x7f, 0x00, 0x80, 0x00, 0x00}
	if !bytes.Equal(pcm, want) {
		t.Fatalf("PCM16 = %x, want %x", pcm, want)
	}
}

func TestWithCommand(t *testing.T) {
	got := WithCommand('p', []byte{1, 2})
	if !bytes.Equal(got, []byte{0x70, 1, 2}) {
		t.Fatalf("WithCommand = %x", got)
	}
}

func TestEncoderResamplesThenQuantises(t *testing.T) {
	e := Encoder{TargetRate: 16000}
	f := Frame{Samples: make([]float32, 4096), SampleRate: 48000}
	for i := range f.Samples {
		f.Samples[i] = 0.5
	}
	out := e.Encode(f)
	if len(out) != 1365*2 {
		t.Fatalf("encoded %d bytes, want %d", len(out), 1365*2)
	}
	if v := int16(binary.LittleEndian.Uint16(out)); v != 16383 {
		t.Fatalf("first sample = %d", v)
	}
	if Base64([]byte{0xff, 0x7f}) != "/38=" {
		t.Fatalf("unexpected base64")
	}
}

func TestWAVHeader(t *testing.T) {
	pcm := make([]byte, 320)
	wav := WAV(pcm, 16000, 1, 16)
	if len(wav) != 44+320 {
		t.Fatalf("len = %d", len(wav))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:16]) != "WAVEfmt " || string(wav[36:40]) != "data" {
		t.Fatalf("bad chunk ids")
	}
	if binary.LittleEndian.Uint32(wav[4:]) != 36+320 {
		t.Fatalf("bad riff size")
	}
	if binary.LittleEndian.Uint32(wav[28:]) != 32000 {
		t.Fatalf("bad byte rate")
	}
}
