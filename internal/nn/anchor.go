package nn

import (
	"fmt"
	"math"

	"asphaleia/internal/model"
)

// The certificate constructions below anchor themselves at the equilibrium
// by subtraction: the anchoring identities hold for every parameter setting,
// they are never a training target.

// Lyapunov is V(x) = phi(x) - phi(x*) + lambda * |R (x - x*)|_1.
type Lyapunov struct {
	Phi    model.Network
	XEq    []float64
	Lambda float64
	R      [][]float64
}

// StateError returns v = R (x - x*).
func (l Lyapunov) StateError(x []float64) []float64 {
	v := make([]float64, len(l.R))
	for i, row := range l.R {
		for j, r := range row {
			v[i] += r * (x[j] - l.XEq[j])
		}
	}
	return v
}

// Value evaluates V(x). V(x*) = 0 exactly, for any parameters.
func (l Lyapunov) Value(x []float64) (float64, error) {
	out, err := Eval(l.Phi, x)
	if err != nil {
		return 0, err
	}
	eq, err := Eval(l.Phi, l.XEq)
	if err != nil {
		return 0, err
	}
	sum := out[0] - eq[0]
	for _, v := range l.StateError(x) {
		sum += l.Lambda * math.Abs(v)
	}
	return sum, nil
}

// Controller is u(x) = sat(psi(x) - psi(x*) + u*, u_lo, u_up), which pins
// u(x*) = u* and keeps u(x) inside the input box for every x.
type Controller struct {
	Psi  model.Network
	XEq  []float64
	UEq  []float64
	UBox model.Box
}

// AsNetwork materializes the anchored, saturated controller as a plain
// network: psi's layers, an identity affine shift by (u* - psi(x*)), and a
// saturation layer. The encoder consumes this directly.
func (c Controller) AsNetwork() (model.Network, error) {
	eq, err := Eval(c.Psi, c.XEq)
	if err != nil {
		return model.Network{}, err
	}
	uDim := len(c.UEq)
	if len(eq) != uDim {
		return model.Network{}, fmt.Errorf("%w: controller output width %d, equilibrium input width %d",
			ErrMalformed, len(eq), uDim)
	}
	shiftW := make([][]float64, uDim)
	shiftB := make([]float64, uDim)
	for i := 0; i < uDim; i++ {
		shiftW[i] = make([]float64, uDim)
		shiftW[i][i] = 1
		shiftB[i] = c.UEq[i] - eq[i]
	}
	layers := append(append([]model.Layer(nil), c.Psi.Layers...),
		model.Layer{Kind: model.LayerAffine, Weights: shiftW, Biases: shiftB},
		model.Layer{
			Kind:  model.LayerSaturation,
			Lower: append([]float64(nil), c.UBox.Lo...),
			Upper: append([]float64(nil), c.UBox.Up...),
		})
	return model.Network{ID: c.Psi.ID, InputDim: c.Psi.InputDim, Layers: layers}, nil
}

// Value evaluates u(x).
func (c Controller) Value(x []float64) ([]float64, error) {
	net, err := c.AsNetwork()
	if err != nil {
		return nil, err
	}
	return Eval(net, x)
}

// Barrier is h(x) = phi(x) - phi(x*) + 1, so h(x*) = 1 structurally.
type Barrier struct {
	Phi model.Network
	XEq []float64
}

// Value evaluates h(x).
func (b Barrier) Value(x []float64) (float64, error) {
	out, err := Eval(b.Phi, x)
	if err != nil {
		return 0, err
	}
	eq, err := Eval(b.Phi, b.XEq)
	if err != nil {
		return 0, err
	}
	return out[0] - eq[0] + 1, nil
}

// EqOffset returns phi(x*) for networks whose MILP encoding needs the
// anchoring constant folded into the objective.
func EqOffset(phi model.Network, xEq []float64) (float64, error) {
	out, err := Eval(phi, xEq)
	if err != nil {
		return 0, err
	}
	return out[0], nil
}
