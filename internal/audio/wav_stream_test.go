package audio

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"
)

func TestWriteWAVHeaderStreaming(t *testing.T) {
	var buf bytes.Buffer

	n, err := WriteWAVHeaderStreaming(&buf)
	if err != nil {
		t.Fatalf("WriteWAVHeaderStreaming: %v", err)
	}

	if n != 44 || buf.Len() != 44 {
		t.Fatalf("header = %d bytes (returned %d), want 44", buf.Len(), n)
	}

	hdr := buf.Bytes()
	u16 := func(off int) uint32 { return uint32(binary.LittleEndian.Uint16(hdr[off:])) }
	u32 := func(off int) uint32 { return binary.LittleEndian.Uint32(hdr[off:]) }

	for _, m := range []struct {
		off  int
		want string
	}{{0, "RIFF"}, {8, "WAVE"}, {12, "fmt "}, {36, "data"}} {
		if got := string(hdr[m.off : m.off+4]); got != m.want {
			t.Errorf("marker at %d = %q, want %q", m.off, got, m.want)
		}
	}

	fields := []struct {
		name string
		got  uint32
		want uint32
	}{
		{"riff size", u32(4), math.MaxUint32},
		{"format", u16(20), 1},
		{"channels", u16(22), ExpectedChannels},
		{"sample rate", u32(24), ExpectedSampleRate},
		{"bits", u16(34), ExpectedBitDepth},
		{"data size", u32(40), math.MaxUint32},
	}
	for _, f := range fields {
		if f.got != f.want {
			t.Errorf("%s = %d, want %d", f.name, f.got, f.want)
		}
	}
}

func TestWritePCM16Samples(t *testing.T) {
	cases := []struct {
		name string
		in   []float32
		want []int16
	}{
		{"empty", nil, nil},
		{"scale", []float32{0, 0.5, -0.5}, []int16{0, 16383, -16383}},
		{"full scale", []float32{1, -1}, []int16{32767, -32767}},
		{"clamp", []float32{2, -3}, []int16{32767, -32767}},
		{"nan", []float32{float32(math.NaN())}, []int16{0}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer

			n, err := WritePCM16Samples(&buf, tc.in)
			if err != nil {
				t.Fatalf("WritePCM16Samples: %v", err)
			}

			if n != 2*len(tc.in) {
				t.Fatalf("wrote %d bytes, want %d", n, 2*len(tc.in))
			}

			for i, want := range tc.want {
				got := int16(binary.LittleEndian.Uint16(buf.Bytes()[2*i:]))
				if d := int(got) - int(want); d < -1 || d > 1 {
					t.Errorf("sample %d = %d, want %d", i, got, want)
				}
			}
		})
	}
}

func TestWAVStreamWriter(t *testing.T) {
	var buf bytes.Buffer

	w := NewWAVStreamWriter(&buf)

	if err := w.Write(nil); err != nil {
		t.Fatalf("Write(nil): %v", err)
	}

	if buf.Len() != 0 {
		t.Fatalf("empty stream wrote %d bytes; want 0", buf.Len())
	}

	_ = w.Write([]float32{0.1, 0.2})
	_ = w.Write([]float32{0.3})

	if buf.Len() != 44+3*2 {
		t.Fatalf("stream length = %d; want %d", buf.Len(), 44+3*2)
	}

	if w.Samples() != 3 {
		t.Fatalf("Samples() = %d; want 3", w.Samples())
	}
}

func TestFloat32LERoundTrip(t *testing.T) {
	in := []float32{0, -1, 0.25, float32(math.Inf(1))}

	got, err := ParseFloat32LE(Float32LE(in))
	if err != nil {
		t.Fatalf("ParseFloat32LE: %v", err)
	}

	for i := range in {
		if got[i] != in[i] {
			t.Fatalf("sample %d = %v; want %v", i, got[i], in[i])
		}
	}

	if _, err := ParseFloat32LE([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for a partial sample")
	}
}
