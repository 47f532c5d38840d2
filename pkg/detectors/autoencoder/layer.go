package autoencoder

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Activation is a layer nonlinearity.
type Activation int

// Supported activations.
const (
	Linear Activation = iota
	ReLU
	Sigmoid
)

func (a Activation) String() string {
	switch a {
	case Linear:
		return "linear"
	case ReLU:
		return "relu"
	case Sigmoid:
		return "sigmoid"
	}
	return fmt.Sprintf("Activation(%d)", int(a))
}

// ParseActivation parses an activation name.
func ParseActivation(s string) (Activation, error) {
	switch s {
	case "linear":
		return Linear, nil
	case "relu":
		return ReLU, nil
	case "sigmoid":
		return Sigmoid, nil
	}
	return 0, fmt.Errorf("unknown activation %q", s)
}

// apply replaces m with a(m).
func (a Activation) apply(m *mat.Dense) {
	switch a {
	case ReLU:
		m.Apply(func(_, _ int, v float64) float64 {
			return math.Max(0, v)
		}, m)
	case Sigmoid:
		m.Apply(func(_, _ int, v float64) float64 {
			return 1 / (1 + math.Exp(-v))
		}, m)
	}
}

// backward multiplies grad in place by a'(z), expressed through the
// layer output out = a(z).
func (a Activation) backward(grad, out *mat.Dense) {
	switch a {
	case ReLU:
		grad.Apply(func(i, j int, g float64) float64 {
			if out.At(i, j) > 0 {
				return g
			}
			return 0
		}, grad)
	case Sigmoid:
		grad.Apply(func(i, j int, g float64) float64 {
			y := out.At(i, j)
			return g * y * (1 - y)
		}, grad)
	}
}

// layer is a dense layer computing a(x·W + b).
type layer struct {
	In, Out int
	Act     Activation
	W       *mat.Dense
	B       []float64
}

// newLayer draws Glorot-uniform weights and zero biases.
func newLayer(in, out int, act Activation, rng *rand.Rand) *layer {
	limit := math.Sqrt(6 / float64(in+out))
	w := make([]float64, in*out)
	for i := range w {
		w[i] = (rng.Float64()*2 - 1) * limit
	}
	return &layer{
		In:  in,
		Out: out,
		Act: act,
		W:   mat.NewDense(in, out, w),
		B:   make([]float64, out),
	}
}

func (l *layer) forward(x mat.Matrix) *mat.Dense {
	var z mat.Dense
	z.Mul(x, l.W)
	rows, _ := z.Dims()
	for i := 0; i < rows; i++ {
		floats.Add(z.RawRowView(i), l.B)
	}
	l.Act.apply(&z)
	return &z
}

// forward returns the input followed by the output of every layer.
func forward(layers []*layer, x mat.Matrix) []mat.Matrix {
	acts := make([]mat.Matrix, len(layers)+1)
	acts[0] = x
	for i, l := range layers {
		acts[i+1] = l.forward(acts[i])
	}
	return acts
}

// layerGrad holds the gradients of one layer in raw row-major form.
type layerGrad struct {
	W []float64
	B []float64
}

// adam implements the Adam optimizer over all layer parameters.
type adam struct {
	lr, beta1, beta2, eps float64
	t                     int
	mW, vW, mB, vB        [][]float64
}

func newAdam(layers []*layer, lr float64) *adam {
	o := &adam{
		lr:    lr,
		beta1: 0.9,
		beta2: 0.999,
		eps:   1e-7,
	}
	for _, l := range layers {
		o.mW = append(o.mW, make([]float64, l.In*l.Out))
		o.vW = append(o.vW, make([]float64, l.In*l.Out))
		o.mB = append(o.mB, make([]float64, l.Out))
		o.vB = append(o.vB, make([]float64, l.Out))
	}
	return o
}

func (o *adam) update(layers []*layer, grads []layerGrad) {
	o.t++
	c1 := 1 - math.Pow(o.beta1, float64(o.t))
	c2 := 1 - math.Pow(o.beta2, float64(o.t))

	for i, l := range layers {
		o.step(l.W.RawMatrix().Data, grads[i].W, o.mW[i], o.vW[i], c1, c2)
		o.step(l.B, grads[i].B, o.mB[i], o.vB[i], c1, c2)
	}
}

func (o *adam) step(params, grad, m, v []float64, c1, c2 float64) {
	for j, g := range grad {
		m[j] = o.beta1*m[j] + (1-o.beta1)*g
		v[j] = o.beta2*v[j] + (1-o.beta2)*g*g
		params[j] -= o.lr * (m[j] / c1) / (math.Sqrt(v[j]/c2) + o.eps)
	}
}
