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

	"github.com/x448/float16"
)

// EncodeOptions controls how tensors are serialized.
type EncodeOptions struct {
	// DType is F32 (default) or F16.
	DType    string
	Metadata map[string]string
}

// EncodeTensors serializes tensors as F32.
func EncodeTensors(tensors []Tensor) ([]byte, error) {
	return Encode(tensors, EncodeOptions{})
}

// Encode serializes tensors in name order using the requested storage dtype.
func Encode(tensors []Tensor, opts EncodeOptions) ([]byte, error) {
	if len(tensors) == 0 {
		return nil, errors.New("safetensors: no tensors to encode")
	}

	dtype := strings.ToUpper(strings.TrimSpace(opts.DType))
	if dtype == "" {
		dtype = DTypeF32
	}

	if dtype != DTypeF32 && dtype != DTypeF16 {
		return nil, fmt.Errorf("safetensors: cannot encode dtype %q", opts.DType)
	}

	width, _ := dtypeWidth(dtype)

	sorted := append([]Tensor(nil), tensors...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	header := make(map[string]any, len(sorted)+1)
	if len(opts.Metadata) > 0 {
		header[metadataKey] = opts.Metadata
	}

	var payload []byte

	for _, t := range sorted {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			return nil, errors.New("safetensors: tensor name must not be empty")
		}

		if _, dup := header[name]; dup || name == metadataKey {
			return nil, fmt.Errorf("safetensors: duplicate tensor name %q", name)
		}

		count, err := elementCount(t.Shape)
		if err != nil {
			return nil, fmt.Errorf("safetensors: tensor %q: %w", name, err)
		}

		if int64(len(t.Data)) != count {
			return nil, fmt.Errorf("safetensors: tensor %q shape %v expects %d elements, got %d", name, t.Shape, count, len(t.Data))
		}

		start := len(payload)
		payload = append(payload, make([]byte, len(t.Data)*width)...)
		buf := payload[start:]

		switch dtype {
		case DTypeF16:
			for i, v := range t.Data {
				binary.LittleEndian.PutUint16(buf[i*2:], float16.Fromfloat32(v).Bits())
			}
		default:
			for i, v := range t.Data {
				binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
			}
		}

		header[name] = headerEntry{
			DType:   dtype,
			Shape:   append([]int64{}, t.Shape...),
			Offsets: [2]int{start, len(payload)},
		}
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("safetensors: encode header: %w", err)
	}

	out := make([]byte, 8, 8+len(headerJSON)+len(payload))
	binary.LittleEndian.PutUint64(out, uint64(len(headerJSON)))
	out = append(out, headerJSON...)
	out = append(out, payload...)

	return out, nil
}

// WriteFile writes tensors into a .safetensors file as F32.
func WriteFile(path string, tensors []Tensor) error {
	return WriteFileWithOptions(path, tensors, EncodeOptions{})
}

func WriteFileWithOptions(path string, tensors []Tensor, opts EncodeOptions) error {
	data, err := Encode(tensors, opts)
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("safetensors: write %s: %w", path, err)
	}

	return nil
}
