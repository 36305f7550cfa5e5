package config

import (
	"errors"
	"testing"

	"github.com/example/go-convkit/internal/runtime/ops"
)

func TestNormalizePadding(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{"valid", PaddingValid, false},
		{" SAME ", PaddingSame, false},
		{"same-kernel", PaddingSameKernel, false},
		{"same_kernel", PaddingSameKernel, false},
		{"", "", true},
		{"full", "", true},
	}

	for _, tt := range tests {
		got, err := NormalizePadding(tt.input)
		if tt.wantErr {
			if err == nil {
				t.Errorf("NormalizePadding(%q) = %q, nil; want error", tt.input, got)
			}

			continue
		}

		if err != nil || got != tt.want {
			t.Errorf("NormalizePadding(%q) = %q, %v; want %q", tt.input, got, err, tt.want)
		}
	}
}

func TestKernelPaddingFor(t *testing.T) {
	k := DefaultConfig().Kernel

	k.Padding = "same"
	if p, _ := k.PaddingFor(5, 5); p != ops.Same() {
		t.Errorf("same = %v; want %v", p, ops.Same())
	}

	k.Padding = "same-kernel"
	if p, _ := k.PaddingFor(5, 3); p != ops.SameForKernel(5, 3) {
		t.Errorf("same-kernel = %v", p)
	}

	k.Padding = "valid"
	if p, _ := k.PaddingFor(5, 3); p != ops.Valid() {
		t.Errorf("valid = %v", p)
	}
}

func TestKernelConvTranspose2DConfig(t *testing.T) {
	k := KernelConfig{
		Padding:       "same",
		Layout:        "chw",
		SameExtraH:    1,
		SameExtraW:    3,
		TransposeBias: "per-output",
		PadToStride:   true,
	}

	cfg, err := k.ConvTranspose2DConfig(3, 3, ops.Square(2), ops.Square(1), 2)
	if err != nil {
		t.Fatalf("ConvTranspose2DConfig: %v", err)
	}

	if cfg.Layout != ops.LayoutFilterMajor || cfg.Bias != ops.BiasPerOutput || !cfg.PadToStride {
		t.Errorf("cfg = %+v", cfg)
	}

	if cfg.Padding != (ops.Padding{Mode: ops.PaddingSame, ExtraH: 1, ExtraW: 3}) {
		t.Errorf("Padding = %v", cfg.Padding)
	}

	if cfg.Stride != ops.Square(2) || cfg.Groups != 2 {
		t.Errorf("stepping = %v groups = %d", cfg.Stride, cfg.Groups)
	}

	k.Layout = "nhwc"
	if _, err := k.Conv2DConfig(3, 3, ops.Square(1), ops.Square(1), 1); !errors.Is(err, ops.ErrInvalidConfig) {
		t.Errorf("bad layout err = %v; want ErrInvalidConfig", err)
	}
}
