package safetensors

import (
	"errors"
	"fmt"
	"math"
)

// CodesTensorName is the tensor holding [codebooks, steps] codec tokens.
const CodesTensorName = "codes"

// WriteCodes stores codec tokens as a [codebooks, steps] tensor. Token ids
// fit exactly in float32 (codebooks have at most 2^24 entries).
func WriteCodes(path string, codes [][]int, metadata map[string]string) error {
	if len(codes) == 0 {
		return errors.New("safetensors: no codebooks to write")
	}

	steps := len(codes[0])
	data := make([]float32, 0, len(codes)*steps)

	for k, row := range codes {
		if len(row) != steps {
			return fmt.Errorf("safetensors: codebook %d has %d steps, want %d", k, len(row), steps)
		}

		for _, id := range row {
			data = append(data, float32(id))
		}
	}

	return WriteFile(path, []Tensor{{
		Name:  CodesTensorName,
		Shape: []int64{int64(len(codes)), int64(steps)},
		Data:  data,
	}}, metadata)
}

// ReadCodes loads tokens written by WriteCodes (or any integer/float
// [codebooks, steps] tensor named "codes").
func ReadCodes(path string) ([][]int, map[string]string, error) {
	s, err := OpenStore(path, StoreOptions{})
	if err != nil {
		return nil, nil, err
	}
	defer s.Close()

	t, err := s.Tensor(CodesTensorName)
	if err != nil {
		return nil, nil, err
	}

	if len(t.Shape) != 2 {
		return nil, nil, fmt.Errorf("safetensors: codes tensor has shape %v, want [codebooks, steps]", t.Shape)
	}

	k, steps := int(t.Shape[0]), int(t.Shape[1])
	out := make([][]int, k)

	for i := range out {
		out[i] = make([]int, steps)
		for j := range steps {
			v := t.Data[i*steps+j]
			if v != float32(math.Trunc(float64(v))) || v < 0 {
				return nil, nil, fmt.Errorf("safetensors: codes[%d][%d] = %v is not a token id", i, j, v)
			}

			out[i][j] = int(v)
		}
	}

	return out, s.Metadata(), nil
}
