package ops

import (
	"math"

	"github.com/example/go-convkit/internal/runtime/tensor"
)

// GRUGate holds one gate's input and recurrent projections.
type GRUGate struct {
	Input      *tensor.Tensor // [unit, inputSize]
	Hidden     *tensor.Tensor // [unit, unit]
	InputBias  *tensor.Tensor // [unit] or nil
	HiddenBias *tensor.Tensor // [unit] or nil
}

// GRUWeights groups the update (z), reset (r) and candidate (n) gates.
type GRUWeights struct {
	Update    GRUGate
	Reset     GRUGate
	Candidate GRUGate
}

// Dims validates every gate and returns the input size and unit count.
func (w GRUWeights) Dims() (inputSize, unit int64, err error) {
	if w.Update.Input == nil {
		return 0, 0, configErrorf("gru update input weight is nil")
	}

	if w.Update.Input.Rank() != 2 {
		return 0, 0, shapeErrorf("gru update input weight must be rank 2, got %v", w.Update.Input.Shape())
	}

	unit, inputSize = w.Update.Input.Dim(0), w.Update.Input.Dim(1)
	if unit <= 0 || inputSize <= 0 {
		return 0, 0, shapeErrorf("gru update input weight %v must be positive", w.Update.Input.Shape())
	}

	gates := []struct {
		name string
		gate GRUGate
	}{
		{"update", w.Update},
		{"reset", w.Reset},
		{"candidate", w.Candidate},
	}

	for _, g := range gates {
		if err := checkMatrix("gru "+g.name+" input weight", g.gate.Input, unit, inputSize); err != nil {
			return 0, 0, err
		}

		if err := checkMatrix("gru "+g.name+" hidden weight", g.gate.Hidden, unit, unit); err != nil {
			return 0, 0, err
		}

		if err := checkVector("gru "+g.name+" input bias", g.gate.InputBias, unit); err != nil {
			return 0, 0, err
		}

		if err := checkVector("gru "+g.name+" hidden bias", g.gate.HiddenBias, unit); err != nil {
			return 0, 0, err
		}
	}

	return inputSize, unit, nil
}

func checkMatrix(name string, t *tensor.Tensor, rows, cols int64) error {
	if t == nil {
		return configErrorf("%s is nil", name)
	}

	if t.Rank() != 2 || t.Dim(0) != rows || t.Dim(1) != cols {
		return shapeErrorf("%s shape %v, want [%d %d]", name, t.Shape(), rows, cols)
	}

	return nil
}

func checkVector(name string, t *tensor.Tensor, n int64) error {
	if t == nil {
		return nil
	}

	if t.Rank() != 1 || t.Dim(0) != n {
		return shapeErrorf("%s shape %v, want [%d]", name, t.Shape(), n)
	}

	return nil
}

// GRUStep advances one step:
//
//	z  = sigmoid(Wz x + bz + Uz h + cz)
//	r  = sigmoid(Wr x + br + Ur h + cr)
//	n  = tanh(Wn x + bn + r * (Un h + cn))
//	h' = z * h + (1 - z) * n
//
// x is [inputSize], h is [unit]. Gate nonlinearities run in float64.
func GRUStep(x, h *tensor.Tensor, w GRUWeights) (*tensor.Tensor, error) {
	inputSize, unit, err := w.Dims()
	if err != nil {
		return nil, err
	}

	if x == nil || h == nil {
		return nil, configErrorf("gru step requires non-nil input and hidden state")
	}

	if x.Rank() != 1 || x.Dim(0) != inputSize {
		return nil, shapeErrorf("gru input shape %v, want [%d]", x.Shape(), inputSize)
	}

	if h.Rank() != 1 || h.Dim(0) != unit {
		return nil, shapeErrorf("gru hidden shape %v, want [%d]", h.Shape(), unit)
	}

	return gruStep(x, h, w)
}

func gruStep(x, h *tensor.Tensor, w GRUWeights) (*tensor.Tensor, error) {
	zi, zh, err := gateProjections(x, h, w.Update)
	if err != nil {
		return nil, err
	}

	ri, rh, err := gateProjections(x, h, w.Reset)
	if err != nil {
		return nil, err
	}

	ni, nh, err := gateProjections(x, h, w.Candidate)
	if err != nil {
		return nil, err
	}

	hPrev := h.RawData()
	next := make([]float32, len(hPrev))

	for i := range next {
		z := sigmoid(float64(zi[i]) + float64(zh[i]))
		r := sigmoid(float64(ri[i]) + float64(rh[i]))
		n := math.Tanh(float64(ni[i]) + r*float64(nh[i]))
		next[i] = float32(z*float64(hPrev[i]) + (1-z)*n)
	}

	return tensor.FromOwned(next, []int64{int64(len(next))})
}

// gateProjections returns (W x + b) and (U h + c) for one gate.
func gateProjections(x, h *tensor.Tensor, g GRUGate) ([]float32, []float32, error) {
	in, err := tensor.Linear(x, g.Input, g.InputBias)
	if err != nil {
		return nil, nil, shapeErrorf("gru input projection: %v", err)
	}

	rec, err := tensor.Linear(h, g.Hidden, g.HiddenBias)
	if err != nil {
		return nil, nil, shapeErrorf("gru hidden projection: %v", err)
	}

	return in.RawData(), rec.RawData(), nil
}

func sigmoid(v float64) float64 {
	return 1.0 / (1.0 + math.Exp(-v))
}

// GRUCell carries a hidden state across steps. It is not safe for concurrent use.
type GRUCell struct {
	weights   GRUWeights
	inputSize int64
	unit      int64
	hidden    *tensor.Tensor
}

// NewGRUCell validates weights and starts from a zero hidden state.
func NewGRUCell(w GRUWeights) (*GRUCell, error) {
	inputSize, unit, err := w.Dims()
	if err != nil {
		return nil, err
	}

	h, err := tensor.Zeros([]int64{unit})
	if err != nil {
		return nil, err
	}

	return &GRUCell{weights: w, inputSize: inputSize, unit: unit, hidden: h}, nil
}

func (c *GRUCell) InputSize() int64 { return c.inputSize }

func (c *GRUCell) Units() int64 { return c.unit }

// Hidden returns a copy of the current hidden state.
func (c *GRUCell) Hidden() []float32 { return c.hidden.Data() }

// Reset zeroes the hidden state.
func (c *GRUCell) Reset() {
	h, _ := tensor.Zeros([]int64{c.unit})
	c.hidden = h
}

// SetHidden replaces the hidden state.
func (c *GRUCell) SetHidden(h []float32) error {
	if int64(len(h)) != c.unit {
		return shapeErrorf("gru hidden length %d, want %d", len(h), c.unit)
	}

	t, err := tensor.New(h, []int64{c.unit})
	if err != nil {
		return err
	}

	c.hidden = t

	return nil
}

// Step consumes one input vector and returns the new hidden state.
func (c *GRUCell) Step(x []float32) ([]float32, error) {
	if int64(len(x)) != c.inputSize {
		return nil, shapeErrorf("gru input length %d, want %d", len(x), c.inputSize)
	}

	xt, err := tensor.New(x, []int64{c.inputSize})
	if err != nil {
		return nil, err
	}

	next, err := gruStep(xt, c.hidden, c.weights)
	if err != nil {
		return nil, err
	}

	c.hidden = next

	return next.Data(), nil
}

// Run feeds a [steps, inputSize] sequence and returns [steps, unit], row t
// being the hidden state after step t. The final state stays in the cell.
func (c *GRUCell) Run(xs *tensor.Tensor) (*tensor.Tensor, error) {
	if xs == nil {
		return nil, configErrorf("gru run input is nil")
	}

	if xs.Rank() != 2 || xs.Dim(1) != c.inputSize {
		return nil, shapeErrorf("gru run input shape %v, want [steps %d]", xs.Shape(), c.inputSize)
	}

	steps := xs.Dim(0)

	n, err := allocCheck("gru", []int64{steps, c.unit})
	if err != nil {
		return nil, err
	}

	out := make([]float32, 0, n)
	data := xs.RawData()

	for t := range steps {
		h, err := c.Step(data[t*c.inputSize : (t+1)*c.inputSize])
		if err != nil {
			return nil, err
		}

		out = append(out, h...)
	}

	return tensor.FromOwned(out, []int64{steps, c.unit})
}
