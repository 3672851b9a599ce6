package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
)

// EncodeTensors serializes float32 tensors. metadata may be nil.
func EncodeTensors(tensors []Tensor, metadata map[string]string) ([]byte, error) {
	if len(tensors) == 0 {
		return nil, errors.New("safetensors: no tensors to encode")
	}

	sorted := append([]Tensor(nil), tensors...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	header := make(map[string]any, len(sorted)+1)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}

	size := 0
	for _, t := range sorted {
		size += 4 * len(t.Data)
	}

	raw := make([]byte, 0, size)

	for _, t := range sorted {
		name := strings.TrimSpace(t.Name)
		if name == "" || name == metadataKey {
			return nil, fmt.Errorf("safetensors: invalid tensor name %q", t.Name)
		}

		if _, dup := header[name]; dup {
			return nil, fmt.Errorf("safetensors: duplicate tensor name %q", name)
		}

		count, err := shapeElementCount(t.Shape)
		if err != nil {
			return nil, fmt.Errorf("safetensors: tensor %q: %w", name, err)
		}

		if int64(len(t.Data)) != count {
			return nil, fmt.Errorf("safetensors: tensor %q shape %v expects %d elements, got %d", name, t.Shape, count, len(t.Data))
		}

		start := len(raw)
		for _, v := range t.Data {
			raw = binary.LittleEndian.AppendUint32(raw, math.Float32bits(v))
		}

		header[name] = headerEntry{
			DType:   dtypeF32,
			Shape:   append([]int64{}, t.Shape...),
			Offsets: [2]int{start, len(raw)},
		}
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("safetensors: encode header: %w", err)
	}

	out := make([]byte, 8, 8+len(headerJSON)+len(raw))
	binary.LittleEndian.PutUint64(out, uint64(len(headerJSON)))
	out = append(out, headerJSON...)
	out = append(out, raw...)

	return out, nil
}

// WriteFile writes tensors and optional metadata to path.
func WriteFile(path string, tensors []Tensor, metadata map[string]string) error {
	data, err := EncodeTensors(tensors, metadata)
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("safetensors: write %s: %w", path, err)
	}

	return nil
}
