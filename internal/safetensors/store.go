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

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

const (
	DTypeF32  = "F32"
	DTypeF16  = "F16"
	DTypeBF16 = "BF16"

	metadataKey = "__metadata__"
)

// KeyMapper renames tensors as a store is opened. Returning keep=false drops
// the tensor.
type KeyMapper func(name string) (mapped string, keep bool)

type RemapMode string

const (
	RemapLenient RemapMode = "lenient"
	RemapStrict  RemapMode = "strict"
)

type StoreOptions struct {
	KeyMapper KeyMapper
	RemapMode RemapMode
}

// Info describes a stored tensor without decoding it.
type Info struct {
	Name         string
	OriginalName string
	DType        string
	Shape        []int64
	Bytes        int
}

// Store is an in-memory view over a safetensors payload. Tensors are decoded
// to float32 on access.
type Store struct {
	raw      []byte
	entries  map[string]entry
	names    []string
	metadata map[string]string
}

type entry struct {
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

func OpenStore(path string, opts StoreOptions) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("safetensors: read %s: %w", path, err)
	}

	return OpenStoreFromBytes(data, opts)
}

func OpenStoreFromBytes(data []byte, opts StoreOptions) (*Store, error) {
	mapper := opts.KeyMapper
	if mapper == nil {
		mapper = func(name string) (string, bool) { return name, true }
	}

	mode := opts.RemapMode
	if mode == "" {
		mode = RemapLenient
	}

	dataStart, header, err := splitHeader(data)
	if err != nil {
		return nil, err
	}

	s := &Store{
		raw:     data,
		entries: make(map[string]entry, len(header)),
	}

	if raw, ok := header[metadataKey]; ok {
		if err := json.Unmarshal(raw, &s.metadata); err != nil {
			return nil, fmt.Errorf("safetensors: decode metadata: %w", err)
		}
	}

	originals := make([]string, 0, len(header))
	for name := range header {
		if name != metadataKey {
			originals = append(originals, name)
		}
	}

	sort.Strings(originals)

	for _, original := range originals {
		var he headerEntry
		if err := json.Unmarshal(header[original], &he); err != nil {
			return nil, fmt.Errorf("safetensors: decode header entry %q: %w", original, err)
		}

		e, err := resolveEntry(original, he, dataStart, len(data))
		if err != nil {
			return nil, err
		}

		mapped, keep := mapper(original)
		if !keep {
			if mode == RemapStrict {
				return nil, fmt.Errorf("safetensors: strict remap rejected tensor %q", original)
			}

			continue
		}

		mapped = strings.TrimSpace(mapped)
		if mapped == "" {
			return nil, fmt.Errorf("safetensors: remapped tensor name for %q is empty", original)
		}

		if _, dup := s.entries[mapped]; dup {
			if mode == RemapStrict {
				return nil, fmt.Errorf("safetensors: strict remap collision for %q", mapped)
			}

			continue
		}

		s.entries[mapped] = e
		s.names = append(s.names, mapped)
	}

	if len(s.entries) == 0 {
		return nil, errors.New("safetensors: no tensors found")
	}

	sort.Strings(s.names)

	return s, nil
}

// resolveEntry validates a header record and turns its offsets into absolute
// positions within the payload.
func resolveEntry(name string, he headerEntry, dataStart, size int) (entry, error) {
	dtype := strings.ToUpper(he.DType)

	width, err := dtypeWidth(dtype)
	if err != nil {
		return entry{}, fmt.Errorf("safetensors: tensor %q has unsupported dtype %q", name, he.DType)
	}

	if he.Offsets[0] < 0 || he.Offsets[1] < he.Offsets[0] {
		return entry{}, fmt.Errorf("safetensors: tensor %q has invalid data offsets %v", name, he.Offsets)
	}

	count, err := elementCount(he.Shape)
	if err != nil {
		return entry{}, fmt.Errorf("safetensors: tensor %q: %w", name, err)
	}

	start := dataStart + he.Offsets[0]
	end := dataStart + he.Offsets[1]

	if end > size {
		return entry{}, fmt.Errorf("safetensors: tensor %q data [%d:%d] exceeds file size %d", name, start, end, size)
	}

	if need := int(count) * width; end-start < need {
		return entry{}, fmt.Errorf("safetensors: tensor %q needs %d bytes but data has %d", name, need, end-start)
	}

	return entry{
		original: name,
		dtype:    dtype,
		shape:    append([]int64(nil), he.Shape...),
		start:    start,
		end:      end,
	}, nil
}

func (s *Store) Names() []string {
	return append([]string(nil), s.names...)
}

func (s *Store) Has(name string) bool {
	_, ok := s.entries[name]
	return ok
}

// Metadata returns the free-form __metadata__ map, if the file carried one.
func (s *Store) Metadata() map[string]string {
	out := make(map[string]string, len(s.metadata))
	for k, v := range s.metadata {
		out[k] = v
	}

	return out
}

func (s *Store) Info(name string) (Info, bool) {
	e, ok := s.entries[name]
	if !ok {
		return Info{}, false
	}

	return Info{
		Name:         name,
		OriginalName: e.original,
		DType:        e.dtype,
		Shape:        append([]int64(nil), e.shape...),
		Bytes:        e.end - e.start,
	}, true
}

func (s *Store) Tensor(name string) (*Tensor, error) {
	e, ok := s.entries[name]
	if !ok {
		return nil, fmt.Errorf("safetensors: tensor %q not found (available: %s)", name, summarizeNames(s.names))
	}

	data, err := decode(s.raw[e.start:e.end], e.dtype, e.shape)
	if err != nil {
		return nil, fmt.Errorf("safetensors: tensor %q decode: %w", name, err)
	}

	return &Tensor{
		Name:  name,
		Shape: append([]int64(nil), e.shape...),
		Data:  data,
	}, nil
}

func (s *Store) TensorWithShape(name string, want []int64) (*Tensor, error) {
	t, err := s.Tensor(name)
	if err != nil {
		return nil, err
	}

	if !equalShape(t.Shape, want) {
		return nil, fmt.Errorf("safetensors: tensor %q shape %v does not match expected %v", name, t.Shape, want)
	}

	return t, nil
}

func (s *Store) ReadAll() (map[string]*Tensor, error) {
	out := make(map[string]*Tensor, len(s.names))

	for _, name := range s.names {
		t, err := s.Tensor(name)
		if err != nil {
			return nil, err
		}

		out[name] = t
	}

	return out, nil
}

func (s *Store) Close() {
	s.raw = nil
	s.entries = nil
	s.names = nil
	s.metadata = nil
}

// splitHeader reads the 8-byte little-endian length prefix and the JSON
// header that follows it. It returns the offset where tensor data begins.
func splitHeader(data []byte) (int, map[string]json.RawMessage, error) {
	if len(data) < 8 {
		return 0, nil, fmt.Errorf("safetensors: file too short (%d bytes)", len(data))
	}

	n := binary.LittleEndian.Uint64(data[:8])
	if n > uint64(len(data)-8) {
		return 0, nil, fmt.Errorf("safetensors: header length %d exceeds file size %d", n, len(data))
	}

	end := 8 + int(n)

	var header map[string]json.RawMessage
	if err := json.Unmarshal(data[8:end], &header); err != nil {
		return 0, nil, fmt.Errorf("safetensors: parse header: %w", err)
	}

	return end, header, nil
}

func elementCount(shape []int64) (int64, error) {
	total := int64(1)

	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("negative dimension in %v", shape)
		}

		if d == 0 {
			return 0, nil
		}

		if total > math.MaxInt64/d {
			return 0, fmt.Errorf("shape %v overflows element count", shape)
		}

		total *= d
	}

	return total, nil
}

func dtypeWidth(dtype string) (int, error) {
	switch dtype {
	case DTypeF32:
		return 4, nil
	case DTypeF16, DTypeBF16:
		return 2, nil
	default:
		return 0, fmt.Errorf("unsupported dtype %q", dtype)
	}
}

func decode(raw []byte, dtype string, shape []int64) ([]float32, error) {
	count, err := elementCount(shape)
	if err != nil {
		return nil, err
	}

	width, err := dtypeWidth(dtype)
	if err != nil {
		return nil, err
	}

	n := int(count)
	if len(raw) < n*width {
		return nil, fmt.Errorf("need %d bytes for %s, got %d", n*width, dtype, len(raw))
	}

	switch dtype {
	case DTypeF32:
		out := make([]float32, n)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}

		return out, nil
	case DTypeF16:
		out := make([]float32, n)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}

		return out, nil
	default:
		return bfloat16.DecodeFloat32(raw[:n*2]), nil
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
