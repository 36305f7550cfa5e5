package tensor

import "testing"

func TestNarrow(t *testing.T) {
	x, _ := New([]float32{1, 2, 3, 4, 5, 6}, []int64{2, 3})

	out, err := x.Narrow(1, 1, 2)
	if err != nil {
		t.Fatalf("narrow: %v", err)
	}

	if got := out.Shape(); !equalI64(got, []int64{2, 2}) {
		t.Fatalf("shape = %v, want [2 2]", got)
	}

	want := []float32{2, 3, 5, 6}
	if got := out.Data(); !equalF32(got, want, 0) {
		t.Fatalf("data = %v, want %v", got, want)
	}

	if _, err := x.Narrow(1, 2, 2); err == nil {
		t.Fatal("expected out-of-bounds error")
	}
}

func TestTranspose2D(t *testing.T) {
	x, _ := New([]float32{1, 2, 3, 4, 5, 6}, []int64{2, 3})

	y, err := x.Transpose(0, 1)
	if err != nil {
		t.Fatalf("transpose: %v", err)
	}

	if got := y.Shape(); !equalI64(got, []int64{3, 2}) {
		t.Fatalf("shape = %v, want [3 2]", got)
	}

	want := []float32{1, 4, 2, 5, 3, 6}
	if got := y.Data(); !equalF32(got, want, 0) {
		t.Fatalf("data = %v, want %v", got, want)
	}
}

func TestPermuteHWCToCHW(t *testing.T) {
	// [H=2, W=2, C=3] -> [C, H, W]
	x, _ := New(seq(12), []int64{2, 2, 3})

	y, err := x.Permute(2, 0, 1)
	if err != nil {
		t.Fatalf("permute: %v", err)
	}

	if got := y.Shape(); !equalI64(got, []int64{3, 2, 2}) {
		t.Fatalf("shape = %v, want [3 2 2]", got)
	}

	want := []float32{0, 3, 6, 9, 1, 4, 7, 10, 2, 5, 8, 11}
	if got := y.Data(); !equalF32(got, want, 0) {
		t.Fatalf("data = %v, want %v", got, want)
	}

	back, err := y.Permute(1, 2, 0)
	if err != nil {
		t.Fatalf("permute back: %v", err)
	}

	if got := back.Data(); !equalF32(got, seq(12), 0) {
		t.Fatalf("round trip = %v", got)
	}
}

func TestPermuteRejectsBadAxes(t *testing.T) {
	x, _ := New(seq(6), []int64{2, 3})

	tests := []struct {
		name string
		axes []int
	}{
		{name: "wrong count", axes: []int{0}},
		{name: "repeated", axes: []int{1, 1}},
		{name: "out of range", axes: []int{0, 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := x.Permute(tt.axes...); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
