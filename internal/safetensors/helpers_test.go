package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"
)

type rawTensor struct {
	dtype string
	shape []int64
	data  []byte
}

// buildSafetensors assembles a checkpoint from raw little-endian payloads.
func buildSafetensors(t *testing.T, tensors map[string]rawTensor) []byte {
	t.Helper()

	header := make(map[string]headerEntry, len(tensors))

	var payload []byte

	for name, info := range tensors {
		start := len(payload)
		payload = append(payload, info.data...)
		header[name] = headerEntry{DType: info.dtype, Shape: info.shape, Offsets: [2]int{start, len(payload)}}
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}

	out := binary.LittleEndian.AppendUint64(nil, uint64(len(headerJSON)))
	out = append(out, headerJSON...)

	return append(out, payload...)
}

func float32Bytes(vals []float32) []byte {
	var buf []byte
	for _, v := range vals {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
	}

	return buf
}

func writeTemp(t *testing.T, data []byte) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "weights.safetensors")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write temp: %v", err)
	}

	return path
}

func assertFloatSliceNear(t *testing.T, got, want []float32, tol float64) {
	t.Helper()

	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}

	for i := range got {
		if math.Abs(float64(got[i]-want[i])) > tol {
			t.Fatalf("data[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}
