package safetensors

import (
	"path/filepath"
	"testing"
)

func TestWriteFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.safetensors")

	want := Tensor{
		Name:  "output",
		Shape: []int64{2, 2, 2},
		Data:  []float32{1.5, -0.25, 3.25, 4, -1, 0.5, 2.5, 9},
	}

	if err := WriteFile(path, []Tensor{want}); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	got, err := LoadFirstTensor(path)
	if err != nil {
		t.Fatalf("LoadFirstTensor: %v", err)
	}

	if got.Name != want.Name || !equalShape(got.Shape, want.Shape) {
		t.Fatalf("got %q %v, want %q %v", got.Name, got.Shape, want.Name, want.Shape)
	}

	assertFloatSliceNear(t, got.Data, want.Data, 0)
}

func TestEncodeF16WithMetadata(t *testing.T) {
	blob, err := Encode([]Tensor{
		{Name: "b", Shape: []int64{2}, Data: []float32{3, 0.1}},
		{Name: "a", Shape: []int64{1, 2}, Data: []float32{1, -2}},
	}, EncodeOptions{DType: "f16", Metadata: map[string]string{"producer": "convkit"}})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	store, err := OpenStoreFromBytes(blob, StoreOptions{})
	if err != nil {
		t.Fatalf("OpenStoreFromBytes: %v", err)
	}
	defer store.Close()

	if names := store.Names(); len(names) != 2 || names[0] != "a" {
		t.Fatalf("Names() = %v", names)
	}

	if info, _ := store.Info("b"); info.DType != DTypeF16 || info.Bytes != 4 {
		t.Fatalf("Info(b) = %+v", info)
	}

	if store.Metadata()["producer"] != "convkit" {
		t.Fatalf("Metadata() = %v", store.Metadata())
	}

	b, err := store.Tensor("b")
	if err != nil {
		t.Fatalf("Tensor(b): %v", err)
	}

	assertFloatSliceNear(t, b.Data, []float32{3, 0.1}, 1e-4)
}

func TestEncodeValidationErrors(t *testing.T) {
	tests := map[string][]Tensor{
		"none":     nil,
		"empty":    {{Name: " ", Shape: []int64{1}, Data: []float32{1}}},
		"dup":      {{Name: "x", Shape: []int64{1}, Data: []float32{1}}, {Name: "x", Shape: []int64{1}, Data: []float32{2}}},
		"reserved": {{Name: "__metadata__", Shape: []int64{1}, Data: []float32{1}}},
		"mismatch": {{Name: "x", Shape: []int64{1, 2}, Data: []float32{1}}},
	}

	for name, tensors := range tests {
		if _, err := EncodeTensors(tensors); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}

	if _, err := Encode([]Tensor{{Name: "x", Shape: []int64{1}, Data: []float32{1}}}, EncodeOptions{DType: "BF16"}); err == nil {
		t.Fatal("BF16 encoding should be rejected")
	}
}
