// Package safetensors reads and writes checkpoints in the safetensors format:
// an 8-byte little-endian header length, a JSON header, then raw tensor data.
// Large checkpoints are memory-mapped where the platform allows it and decoded
// to float32 one tensor at a time.
package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

const (
	dtypeF32  = "F32"
	dtypeF16  = "F16"
	dtypeBF16 = "BF16"
	dtypeI64  = "I64"
	dtypeI32  = "I32"

	metadataKey = "__metadata__"
)

// KeyMapper renames a checkpoint key. Returning keep=false drops the tensor.
type KeyMapper func(name string) (mapped string, keep bool)

type RemapMode string

const (
	// RemapLenient drops rejected tensors and keeps the first of colliding names.
	RemapLenient RemapMode = "lenient"
	// RemapStrict fails on rejected tensors and name collisions.
	RemapStrict RemapMode = "strict"
)

type StoreOptions struct {
	KeyMapper KeyMapper
	RemapMode RemapMode
}

// Tensor is a decoded tensor.
type Tensor struct {
	Name  string
	Shape []int64
	Data  []float32
}

// Store indexes the tensors of one checkpoint. Tensor data is decoded lazily.
type Store struct {
	raw      []byte
	release  func() error
	entries  map[string]storeEntry
	names    []string
	metadata map[string]string
}

type storeEntry struct {
	original string
	dtype    string
	shape    []int64
	start    int
	end      int
}

type headerEntry struct {
	DType   string  `json:"dtype"`
	Shape   []int64 `json:"shape"`
	Offsets [2]int  `json:"data_offsets"`
}

// OpenStore maps the file at path and indexes its header.
func OpenStore(path string, opts StoreOptions) (*Store, error) {
	data, release, err := mapFile(path)
	if err != nil {
		return nil, fmt.Errorf("safetensors: open %s: %w", path, err)
	}

	s, err := OpenStoreFromBytes(data, opts)
	if err != nil {
		_ = release()
		return nil, fmt.Errorf("safetensors: %s: %w", path, err)
	}

	s.release = release

	return s, nil
}

// OpenStoreFromBytes indexes an in-memory checkpoint. data must stay valid
// for the lifetime of the store.
func OpenStoreFromBytes(data []byte, opts StoreOptions) (*Store, error) {
	mapper := opts.KeyMapper
	if mapper == nil {
		mapper = func(name string) (string, bool) { return name, true }
	}

	strict := opts.RemapMode == RemapStrict

	headerEnd, header, err := decodeHeader(data)
	if err != nil {
		return nil, err
	}

	s := &Store{
		raw:     data,
		entries: make(map[string]storeEntry, len(header)),
	}

	originals := make([]string, 0, len(header))
	for name := range header {
		originals = append(originals, name)
	}

	sort.Strings(originals)

	for _, original := range originals {
		if original == metadataKey {
			if err := json.Unmarshal(header[original], &s.metadata); err != nil {
				return nil, fmt.Errorf("safetensors: decode metadata: %w", err)
			}

			continue
		}

		entry, err := parseEntry(original, header[original], headerEnd, len(data))
		if err != nil {
			return nil, err
		}

		mapped, keep := mapper(original)
		mapped = strings.TrimSpace(mapped)

		switch {
		case !keep && strict:
			return nil, fmt.Errorf("safetensors: strict remap rejected tensor %q", original)
		case !keep:
			continue
		case mapped == "":
			return nil, fmt.Errorf("safetensors: remapped tensor name for %q is empty", original)
		}

		if prev, exists := s.entries[mapped]; exists {
			if strict {
				return nil, fmt.Errorf("safetensors: strict remap collision for %q (%q and %q)", mapped, prev.original, original)
			}

			continue
		}

		s.entries[mapped] = entry
		s.names = append(s.names, mapped)
	}

	if len(s.entries) == 0 {
		return nil, errors.New("safetensors: no tensors found")
	}

	sort.Strings(s.names)

	return s, nil
}

func parseEntry(name string, raw json.RawMessage, headerEnd, size int) (storeEntry, error) {
	var h headerEntry
	if err := json.Unmarshal(raw, &h); err != nil {
		return storeEntry{}, fmt.Errorf("safetensors: decode header entry %q: %w", name, err)
	}

	dtype := strings.ToUpper(h.DType)

	elemBytes, err := dtypeBytes(dtype)
	if err != nil {
		return storeEntry{}, fmt.Errorf("safetensors: tensor %q: %w", name, err)
	}

	if h.Offsets[0] < 0 || h.Offsets[1] < h.Offsets[0] {
		return storeEntry{}, fmt.Errorf("safetensors: tensor %q has invalid data offsets %v", name, h.Offsets)
	}

	count, err := shapeElementCount(h.Shape)
	if err != nil {
		return storeEntry{}, fmt.Errorf("safetensors: tensor %q: %w", name, err)
	}

	start := headerEnd + h.Offsets[0]
	end := headerEnd + h.Offsets[1]

	if end > size {
		return storeEntry{}, fmt.Errorf("safetensors: tensor %q data [%d:%d] exceeds file size %d", name, start, end, size)
	}

	if need := int(count) * elemBytes; end-start < need {
		return storeEntry{}, fmt.Errorf("safetensors: tensor %q needs %d bytes but data has %d", name, need, end-start)
	}

	return storeEntry{
		original: name,
		dtype:    dtype,
		shape:    append([]int64(nil), h.Shape...),
		start:    start,
		end:      end,
	}, nil
}

// Names returns the mapped tensor names in sorted order.
func (s *Store) Names() []string {
	return append([]string(nil), s.names...)
}

func (s *Store) Has(name string) bool {
	_, ok := s.entries[name]
	return ok
}

// Shape returns a tensor's shape without decoding its data.
func (s *Store) Shape(name string) ([]int64, bool) {
	e, ok := s.entries[name]
	if !ok {
		return nil, false
	}

	return append([]int64(nil), e.shape...), true
}

// DType returns the on-disk dtype of a tensor.
func (s *Store) DType(name string) (string, bool) {
	e, ok := s.entries[name]
	return e.dtype, ok
}

// Metadata returns the free-form __metadata__ map, if any.
func (s *Store) Metadata() map[string]string {
	out := make(map[string]string, len(s.metadata))
	for k, v := range s.metadata {
		out[k] = v
	}

	return out
}

// Tensor decodes a tensor to float32.
func (s *Store) Tensor(name string) (*Tensor, error) {
	e, ok := s.entries[name]
	if !ok {
		return nil, fmt.Errorf("safetensors: tensor %q not found (available: %s)", name, summarizeNames(s.names))
	}

	data, err := decodeTensorData(s.raw[e.start:e.end], e.dtype, e.shape)
	if err != nil {
		return nil, fmt.Errorf("safetensors: tensor %q decode: %w", name, err)
	}

	return &Tensor{Name: name, Shape: append([]int64(nil), e.shape...), Data: data}, nil
}

// TensorWithShape decodes a tensor and checks its shape.
func (s *Store) TensorWithShape(name string, want []int64) (*Tensor, error) {
	shape, ok := s.Shape(name)
	if ok && !equalShape(shape, want) {
		return nil, fmt.Errorf("safetensors: tensor %q shape %v does not match expected %v", name, shape, want)
	}

	return s.Tensor(name)
}

// Close releases the file mapping. The store must not be used afterwards.
func (s *Store) Close() error {
	var err error
	if s.release != nil {
		err = s.release()
	}

	s.raw = nil
	s.release = nil
	s.entries = nil
	s.names = nil

	return err
}

func decodeHeader(data []byte) (int, map[string]json.RawMessage, error) {
	if len(data) < 8 {
		return 0, nil, fmt.Errorf("safetensors: file too short (%d bytes)", len(data))
	}

	headerLen := binary.LittleEndian.Uint64(data[:8])
	if headerLen > uint64(len(data)-8) {
		return 0, nil, fmt.Errorf("safetensors: header length %d exceeds file size %d", headerLen, len(data))
	}

	headerEnd := 8 + int(headerLen)

	var header map[string]json.RawMessage
	if err := json.Unmarshal(data[8:headerEnd], &header); err != nil {
		return 0, nil, fmt.Errorf("safetensors: parse header: %w", err)
	}

	return headerEnd, header, nil
}

func shapeElementCount(shape []int64) (int64, error) {
	total := int64(1)

	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("negative dimension in shape %v", shape)
		}

		if d != 0 && total > math.MaxInt64/d {
			return 0, fmt.Errorf("shape %v overflows element count", shape)
		}

		total *= d
	}

	return total, nil
}

func dtypeBytes(dtype string) (int, error) {
	switch dtype {
	case dtypeF32, dtypeI32:
		return 4, nil
	case dtypeF16, dtypeBF16:
		return 2, nil
	case dtypeI64:
		return 8, nil
	default:
		return 0, fmt.Errorf("unsupported dtype %q", dtype)
	}
}

func decodeTensorData(raw []byte, dtype string, shape []int64) ([]float32, error) {
	count, err := shapeElementCount(shape)
	if err != nil {
		return nil, err
	}

	out := make([]float32, count)

	switch dtype {
	case dtypeF32:
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case dtypeF16:
		for i := range out {
			out[i] = float16ToFloat32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
	case dtypeBF16:
		for i := range out {
			out[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(raw[i*2:])) << 16)
		}
	case dtypeI32:
		for i := range out {
			out[i] = float32(int32(binary.LittleEndian.Uint32(raw[i*4:])))
		}
	case dtypeI64:
		for i := range out {
			out[i] = float32(int64(binary.LittleEndian.Uint64(raw[i*8:])))
		}
	default:
		return nil, fmt.Errorf("unsupported dtype %q", dtype)
	}

	return out, nil
}

func float16ToFloat32(h uint16) float32 {
	sign := uint32(h>>15) << 31
	exp := uint32(h>>10) & 0x1f
	frac := uint32(h & 0x03ff)

	switch {
	case exp == 0 && frac == 0:
		return math.Float32frombits(sign)
	case exp == 0:
		// Subnormal: shift until the implicit bit appears.
		e := uint32(127 - 14)
		for frac&0x0400 == 0 {
			frac <<= 1
			e--
		}

		return math.Float32frombits(sign | e<<23 | (frac&0x03ff)<<13)
	case exp == 0x1f:
		return math.Float32frombits(sign | 0x7f800000 | frac<<13)
	default:
		return math.Float32frombits(sign | (exp+127-15)<<23 | frac<<13)
	}
}

func equalShape(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}

func summarizeNames(names []string) string {
	if len(names) == 0 {
		return "none"
	}

	const maxNames = 8
	if len(names) <= maxNames {
		return strings.Join(names, ", ")
	}

	return strings.Join(names[:maxNames], ", ") + ", ..."
}
