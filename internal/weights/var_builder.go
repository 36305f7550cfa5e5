// Package weights resolves layer parameters stored in safetensors files and
// turns them into kernel-ready tensors and configs.
package weights

import (
	"errors"
	"fmt"
	"strings"

	"github.com/example/go-convkit/internal/runtime/tensor"
	"github.com/example/go-convkit/internal/safetensors"
)

// VarBuilder provides dotted-prefix tensor lookup over a safetensors store.
type VarBuilder struct {
	store  *safetensors.Store
	prefix string
}

func Open(path string, opts safetensors.StoreOptions) (*VarBuilder, error) {
	store, err := safetensors.OpenStore(path, opts)
	if err != nil {
		return nil, err
	}

	return &VarBuilder{store: store}, nil
}

func NewVarBuilder(store *safetensors.Store) *VarBuilder {
	return &VarBuilder{store: store}
}

// Path returns a builder rooted at prefix.parts[0].parts[1]...; empty parts
// are skipped.
func (vb *VarBuilder) Path(parts ...string) *VarBuilder {
	if vb == nil {
		return nil
	}

	prefix := vb.prefix

	for _, part := range parts {
		part = strings.Trim(strings.TrimSpace(part), ".")
		if part == "" {
			continue
		}

		if prefix == "" {
			prefix = part
		} else {
			prefix += "." + part
		}
	}

	return &VarBuilder{store: vb.store, prefix: prefix}
}

func (vb *VarBuilder) Prefix() string {
	if vb == nil {
		return ""
	}

	return vb.prefix
}

func (vb *VarBuilder) Has(name string) bool {
	if vb == nil || vb.store == nil {
		return false
	}

	return vb.store.Has(vb.resolve(name))
}

// Tensor loads name under the current prefix. When wantShape is given the
// stored shape must match it exactly.
func (vb *VarBuilder) Tensor(name string, wantShape ...int64) (*tensor.Tensor, error) {
	if vb == nil || vb.store == nil {
		return nil, errors.New("weights: uninitialized store")
	}

	full := vb.resolve(name)

	st, err := vb.store.Tensor(full)
	if err != nil {
		return nil, err
	}

	if len(wantShape) > 0 && !equalShape(st.Shape, wantShape) {
		return nil, fmt.Errorf("weights: tensor %q shape %v does not match expected %v", full, st.Shape, wantShape)
	}

	return st.Runtime()
}

// TensorMaybe is Tensor for optional parameters; ok is false when name is
// absent.
func (vb *VarBuilder) TensorMaybe(name string, wantShape ...int64) (*tensor.Tensor, bool, error) {
	if !vb.Has(name) {
		return nil, false, nil
	}

	t, err := vb.Tensor(name, wantShape...)
	if err != nil {
		return nil, true, err
	}

	return t, true, nil
}

// Shape reports the stored shape of name without decoding it.
func (vb *VarBuilder) Shape(name string) ([]int64, error) {
	if vb == nil || vb.store == nil {
		return nil, errors.New("weights: uninitialized store")
	}

	full := vb.resolve(name)

	info, ok := vb.store.Info(full)
	if !ok {
		return nil, fmt.Errorf("weights: tensor %q not found", full)
	}

	return info.Shape, nil
}

// Names lists the stored tensor names under the current prefix.
func (vb *VarBuilder) Names() []string {
	if vb == nil || vb.store == nil {
		return nil
	}

	all := vb.store.Names()
	if vb.prefix == "" {
		return all
	}

	var out []string

	for _, name := range all {
		if strings.HasPrefix(name, vb.prefix+".") {
			out = append(out, name)
		}
	}

	return out
}

func (vb *VarBuilder) Close() {
	if vb != nil && vb.store != nil {
		vb.store.Close()
	}
}

func (vb *VarBuilder) resolve(name string) string {
	name = strings.TrimSpace(name)
	if vb == nil || vb.prefix == "" {
		return name
	}

	if name == "" {
		return vb.prefix
	}

	return vb.prefix + "." + name
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
