package safetensors

import (
	"fmt"

	"github.com/example/go-convkit/internal/runtime/tensor"
)

// Tensor holds a single tensor decoded to float32.
type Tensor struct {
	Name  string
	Shape []int64
	Data  []float32
}

// Runtime converts t into a runtime tensor. The data slice is shared.
func (t *Tensor) Runtime() (*tensor.Tensor, error) {
	rt, err := tensor.FromOwned(t.Data, t.Shape)
	if err != nil {
		return nil, fmt.Errorf("safetensors: tensor %q: %w", t.Name, err)
	}

	return rt, nil
}

// LoadFirstTensor reads a safetensors file and returns its first tensor in
// name order.
func LoadFirstTensor(path string) (*Tensor, error) {
	store, err := OpenStore(path, StoreOptions{})
	if err != nil {
		return nil, err
	}
	defer store.Close()

	return store.Tensor(store.names[0])
}

// LoadFirstTensorFromBytes is LoadFirstTensor over an in-memory payload.
func LoadFirstTensorFromBytes(data []byte) (*Tensor, error) {
	store, err := OpenStoreFromBytes(data, StoreOptions{})
	if err != nil {
		return nil, err
	}
	defer store.Close()

	return store.Tensor(store.names[0])
}

// LoadTensor reads the named tensor from path. An empty name selects the
// first tensor.
func LoadTensor(path, name string) (*Tensor, error) {
	if name == "" {
		return LoadFirstTensor(path)
	}

	store, err := OpenStore(path, StoreOptions{})
	if err != nil {
		return nil, err
	}
	defer store.Close()

	return store.Tensor(name)
}
