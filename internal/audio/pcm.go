package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Float32LE encodes samples as little-endian IEEE-754 floats, the wire
// format of the session websocket.
func Float32LE(samples []float32) []byte {
	out := make([]byte, 4*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(s))
	}

	return out
}

// ParseFloat32LE decodes little-endian IEEE-754 floats.
func ParseFloat32LE(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("audio: %d bytes is not a whole number of float32 samples", len(b))
	}

	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}

	return out, nil
}
