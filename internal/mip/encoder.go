package mip

import (
	"fmt"
	"math"

	"asphaleia/internal/model"
	"asphaleia/internal/nn"
)

// ReLUUnit records how one leaky-ReLU unit was encoded. Bin is -1 when the
// propagated bounds prove the unit linear and the binary was skipped.
type ReLUUnit struct {
	Bin     Var
	FixedOn bool
	Pre     LinExpr
	Out     LinExpr
}

// SatUnit records how one saturation unit was encoded. The two binaries
// come from the relu decomposition sat(z) = z - relu(z-up) + relu(lo-z);
// BinHigh is on when the unit clamps high, BinLow when it clamps low.
type SatUnit struct {
	BinHigh    Var
	BinLow     Var
	FixedState nn.SatState
	Fixed      bool
	In         LinExpr
	Out        LinExpr
}

// Encoding is the MILP artifact of one network: the constraints added to
// the model force the output expressions to equal the network's exact
// forward value for any feasible input assignment. No relaxation of the
// nonlinearities themselves; only the big-M constants come from the bound
// propagator.
type Encoding struct {
	Net      model.Network
	Input    []Var
	Output   []LinExpr
	Bounds   NetBounds
	ReLU     [][]ReLUUnit
	Sat      [][]SatUnit
	Binaries []Var
}

// EncodeNetwork adds the exact mixed-integer representation of net to m,
// reading the input from the given variables, whose bounds must match the
// in intervals used for propagation.
func EncodeNetwork(m *Model, net model.Network, input []Var, in []Interval) (*Encoding, error) {
	if err := nn.Validate(net); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	if len(input) != net.InputDim {
		return nil, fmt.Errorf("%w: %d input vars for input dim %d", ErrEncoding, len(input), net.InputDim)
	}
	bounds, err := PropagateBounds(net, in)
	if err != nil {
		return nil, err
	}

	enc := &Encoding{Net: net, Input: input, Bounds: bounds}
	cur := make([]LinExpr, len(input))
	for i, v := range input {
		cur[i] = FromVar(v)
	}

	for li, layer := range net.Layers {
		switch layer.Kind {
		case model.LayerAffine:
			out := make([]LinExpr, len(layer.Weights))
			for i, row := range layer.Weights {
				e := FromConst(layer.Biases[i])
				for j, w := range row {
					e.AddExpr(cur[j], w)
				}
				out[i] = e
			}
			cur = out
		case model.LayerLeakyReLU:
			units := make([]ReLUUnit, len(cur))
			out := make([]LinExpr, len(cur))
			for i := range cur {
				pre := bounds.Pre[li][i]
				y, bin := encodePiecewiseMax(m, cur[i], pre, layer.NegSlope)
				units[i] = ReLUUnit{Bin: bin, FixedOn: bin < 0 && pre.Lo >= 0, Pre: cur[i].Clone(), Out: y.Clone()}
				if bin >= 0 {
					enc.Binaries = append(enc.Binaries, bin)
				}
				out[i] = y
			}
			enc.ReLU = append(enc.ReLU, units)
			cur = out
		case model.LayerSaturation:
			units := make([]SatUnit, len(cur))
			out := make([]LinExpr, len(cur))
			for i := range cur {
				pre := bounds.Pre[li][i]
				unit := encodeSaturation(m, cur[i], pre, layer.Lower[i], layer.Upper[i])
				if unit.BinHigh >= 0 {
					enc.Binaries = append(enc.Binaries, unit.BinHigh)
				}
				if unit.BinLow >= 0 {
					enc.Binaries = append(enc.Binaries, unit.BinLow)
				}
				units[i] = unit
				out[i] = unit.Out
			}
			enc.Sat = append(enc.Sat, units)
			cur = out
		}
		if m.Err() != nil {
			return nil, m.Err()
		}
	}
	enc.Output = cur
	return enc, nil
}

// EvalOutputs evaluates the encoded network outputs under an assignment.
func (enc *Encoding) EvalOutputs(assign []float64) []float64 {
	out := make([]float64, len(enc.Output))
	for i, e := range enc.Output {
		out[i] = e.Eval(assign)
	}
	return out
}

// encodePiecewiseMax encodes y = max(e, slope*e) for a bounded expression e.
// When the bounds pin the sign the unit is provably linear and no binary is
// introduced; otherwise the standard 4-constraint big-M encoding applies,
// with the binary forced to the sign of e. slope -1 yields |e|, slope 0 a
// plain ReLU.
func encodePiecewiseMax(m *Model, e LinExpr, b Interval, slope float64) (LinExpr, Var) {
	if b.Lo >= 0 {
		return e.Clone(), -1
	}
	if b.Up <= 0 {
		out := e.Clone()
		out.Scale(slope)
		return out, -1
	}

	pw := func(v float64) float64 { return math.Max(v, slope*v) }
	yLo := math.Min(math.Min(pw(b.Lo), 0), pw(b.Up))
	yUp := math.Max(pw(b.Lo), pw(b.Up))
	y := m.AddContinuousVar(yLo, yUp)
	bin := m.AddBinaryVar()
	if m.Err() != nil {
		return NewExpr(), -1
	}

	// y >= e
	c := FromVar(y)
	c.AddExpr(e, -1)
	rhs := -c.Const
	c.Const = 0
	m.AddLinearConstraint(c, GE, rhs)

	// y >= slope*e
	c = FromVar(y)
	c.AddExpr(e, -slope)
	rhs = -c.Const
	c.Const = 0
	m.AddLinearConstraint(c, GE, rhs)

	// y <= e - (1-slope)*lo*(1-bin)
	c = FromVar(y)
	c.AddExpr(e, -1)
	c.AddTerm(bin, -(1-slope)*b.Lo)
	rhs = -(1-slope)*b.Lo - c.Const
	c.Const = 0
	m.AddLinearConstraint(c, LE, rhs)

	// y <= slope*e + (1-slope)*up*bin
	c = FromVar(y)
	c.AddExpr(e, -slope)
	c.AddTerm(bin, -(1-slope)*b.Up)
	rhs = -c.Const
	c.Const = 0
	m.AddLinearConstraint(c, LE, rhs)

	return FromVar(y), bin
}

// encodeSaturation encodes clamp(e, lo, up) via the two-ReLU decomposition.
func encodeSaturation(m *Model, e LinExpr, b Interval, lo, up float64) SatUnit {
	unit := SatUnit{BinHigh: -1, BinLow: -1, In: e.Clone()}
	switch {
	case b.Up <= lo:
		unit.Fixed = true
		unit.FixedState = nn.SatLow
		unit.Out = FromConst(lo)
	case b.Lo >= up:
		unit.Fixed = true
		unit.FixedState = nn.SatHigh
		unit.Out = FromConst(up)
	case b.Lo >= lo && b.Up <= up:
		unit.Fixed = true
		unit.FixedState = nn.SatInterior
		unit.Out = e.Clone()
	default:
		// p = relu(e - up), q = relu(lo - e), out = e - p + q.
		overflow := e.Clone()
		overflow.Const -= up
		p, binHigh := encodePiecewiseMax(m, overflow, Interval{Lo: b.Lo - up, Up: b.Up - up}, 0)

		underflow := e.Clone()
		underflow.Scale(-1)
		underflow.Const += lo
		q, binLow := encodePiecewiseMax(m, underflow, Interval{Lo: lo - b.Up, Up: lo - b.Lo}, 0)

		out := e.Clone()
		out.AddExpr(p, -1)
		out.AddExpr(q, 1)
		unit.BinHigh = binHigh
		unit.BinLow = binLow
		unit.Out = out
	}
	return unit
}
