package mip

import (
	"fmt"
	"math"
)

// Strategy selects how non-unique subgradients of L1 terms are encoded.
// A configuration-time tagged variant; both strategies satisfy the same
// condition-builder contract.
type Strategy string

const (
	// StrategySampled restricts subgradient components to {-1, 0, +1},
	// selected by sign-forced binaries. Always sound, may be conservative.
	StrategySampled Strategy = "sampled"
	// StrategyExact realizes the continuous envelope g in [-1, 1] through
	// slack substitution. Exact only under the convexity precondition
	// checked by the condition builder.
	StrategyExact Strategy = "exact"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "", StrategySampled:
		return StrategySampled, nil
	case StrategyExact:
		return StrategyExact, nil
	}
	return "", fmt.Errorf("unknown subgradient strategy %q", s)
}

// EncodeL1 encodes sum_i |exprs_i| and returns it as a linear expression
// over fresh variables. negative reports that the term enters the
// (maximized) objective with a negative coefficient; in that case the exact
// strategy may drop the binaries and use the LP envelope s >= v, s >= -v,
// which the maximization direction tightens to equality on its own. With a
// positive coefficient the envelope would let the optimizer inflate the
// term, so the 4-constraint big-M absolute value is used regardless of
// strategy.
func EncodeL1(m *Model, exprs []LinExpr, strat Strategy, negative bool) LinExpr {
	sum := NewExpr()
	for _, e := range exprs {
		b := m.ExprBounds(e)
		if strat == StrategyExact && negative && b.Lo < 0 && b.Up > 0 {
			up := math.Max(b.Up, -b.Lo)
			s := m.AddContinuousVar(0, up)
			if m.Err() != nil {
				return NewExpr()
			}
			// s >= e and s >= -e
			c := FromVar(s)
			c.AddExpr(e, -1)
			rhs := -c.Const
			c.Const = 0
			m.AddLinearConstraint(c, GE, rhs)

			c = FromVar(s)
			c.AddExpr(e, 1)
			rhs = -c.Const
			c.Const = 0
			m.AddLinearConstraint(c, GE, rhs)

			sum.AddTerm(s, 1)
			continue
		}
		abs, _ := encodePiecewiseMax(m, e, b, -1)
		sum.AddExpr(abs, 1)
	}
	return sum
}

// SignSelection encodes the subgradient of an L1 term component-wise:
// g_i = Pos_i - Neg_i with the binaries forced to the sign of the
// underlying expression wherever it is nonzero; the choice over {-1, 0, +1}
// is only free on the kink.
type SignSelection struct {
	exprs []LinExpr
	pos   []Var
	neg   []Var
	fixed []int // +1 or -1 when the bounds pin the sign; 0 when free
}

// EncodeSignSelection builds the sampled subgradient selector for exprs.
func EncodeSignSelection(m *Model, exprs []LinExpr) SignSelection {
	sel := SignSelection{
		exprs: exprs,
		pos:   make([]Var, len(exprs)),
		neg:   make([]Var, len(exprs)),
		fixed: make([]int, len(exprs)),
	}
	for i, e := range exprs {
		sel.pos[i], sel.neg[i] = -1, -1
		b := m.ExprBounds(e)
		if b.Lo > 0 {
			sel.fixed[i] = 1
			continue
		}
		if b.Up < 0 {
			sel.fixed[i] = -1
			continue
		}
		p := m.AddBinaryVar()
		n := m.AddBinaryVar()
		if m.Err() != nil {
			return sel
		}
		sel.pos[i], sel.neg[i] = p, n

		// e > 0 forces p = 1: e <= up * p
		c := e.Clone()
		c.AddTerm(p, -b.Up)
		rhs := -c.Const
		c.Const = 0
		m.AddLinearConstraint(c, LE, rhs)

		// e < 0 forces n = 1: e >= lo * n
		c = e.Clone()
		c.AddTerm(n, -b.Lo)
		rhs = -c.Const
		c.Const = 0
		m.AddLinearConstraint(c, GE, rhs)

		// at most one direction
		c = FromVar(p)
		c.AddTerm(n, 1)
		m.AddLinearConstraint(c, LE, 1)
	}
	return sel
}

// Times returns the exact linearization of g_i * w.
func (s SignSelection) Times(m *Model, i int, w LinExpr) LinExpr {
	switch s.fixed[i] {
	case 1:
		return w.Clone()
	case -1:
		out := w.Clone()
		out.Scale(-1)
		return out
	}
	out := EncodeBinaryProduct(m, s.pos[i], w)
	neg := EncodeBinaryProduct(m, s.neg[i], w)
	out.AddExpr(neg, -1)
	return out
}

// Values extracts the selected subgradient from a solver assignment.
func (s SignSelection) Values(assign []float64) []float64 {
	out := make([]float64, len(s.exprs))
	for i := range s.exprs {
		if s.fixed[i] != 0 {
			out[i] = float64(s.fixed[i])
			continue
		}
		out[i] = assign[s.pos[i]] - assign[s.neg[i]]
	}
	return out
}

// EncodeExactProduct realizes g*z for g in [-1, 1] by substituting a slack
// t with -|z| <= t <= |z|, |z| encoded exactly. Sound as a replacement for
// the true min-max only when z aggregates every term that multiplies the
// shared g, and exact under the single-kink-layer precondition; the
// condition builder owns those checks.
func EncodeExactProduct(m *Model, z LinExpr) LinExpr {
	b := m.ExprBounds(z)
	abs, _ := encodePiecewiseMax(m, z, b, -1)
	up := math.Max(math.Abs(b.Lo), math.Abs(b.Up))
	t := m.AddContinuousVar(-up, up)
	if m.Err() != nil {
		return NewExpr()
	}

	// t <= |z|
	c := FromVar(t)
	c.AddExpr(abs, -1)
	rhs := -c.Const
	c.Const = 0
	m.AddLinearConstraint(c, LE, rhs)

	// t >= -|z|
	c = FromVar(t)
	c.AddExpr(abs, 1)
	rhs = -c.Const
	c.Const = 0
	m.AddLinearConstraint(c, GE, rhs)

	return FromVar(t)
}

// EncodeBinaryProduct linearizes t = bin * w for a bounded expression w.
func EncodeBinaryProduct(m *Model, bin Var, w LinExpr) LinExpr {
	b := m.ExprBounds(w)
	t := m.AddContinuousVar(math.Min(b.Lo, 0), math.Max(b.Up, 0))
	if m.Err() != nil {
		return NewExpr()
	}

	// t <= up * bin
	c := FromVar(t)
	c.AddTerm(bin, -b.Up)
	m.AddLinearConstraint(c, LE, 0)

	// t >= lo * bin
	c = FromVar(t)
	c.AddTerm(bin, -b.Lo)
	m.AddLinearConstraint(c, GE, 0)

	// t <= w - lo*(1-bin)
	c = FromVar(t)
	c.AddExpr(w, -1)
	c.AddTerm(bin, -b.Lo)
	rhs := -b.Lo - c.Const
	c.Const = 0
	m.AddLinearConstraint(c, LE, rhs)

	// t >= w - up*(1-bin)
	c = FromVar(t)
	c.AddExpr(w, -1)
	c.AddTerm(bin, -b.Up)
	rhs = -b.Up - c.Const
	c.Const = 0
	m.AddLinearConstraint(c, GE, rhs)

	return FromVar(t)
}
