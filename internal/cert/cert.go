// Package cert builds the canonical MILPs of each certificate condition.
// Every condition emits a positivity program and a decrease program (the
// barrier trades positivity for a family of boundary programs); a positive
// optimum of any of them is a violation and the optimal assignment is the
// counterexample handed to the trainer.
package cert

import (
	"fmt"

	"asphaleia/internal/mip"
	"asphaleia/internal/model"
	"asphaleia/internal/nn"
)

// kinkTol decides when a pre-activation or state-error component counts
// as sitting on its kink.
const kinkTol = 1e-9

// Problem is one ready-to-solve MILP plus the recipe for turning its
// optimal assignment into a counterexample.
type Problem struct {
	Condition model.ConditionKind
	Role      model.MILPRole
	// Face indexes the boundary sub-problem (2*XDim faces, low faces
	// first); -1 for non-boundary programs.
	Face int
	// Fallback reports that the exact strategy's precondition failed and
	// the sampled encoding was substituted. Recorded, never silent.
	Fallback       bool
	FallbackReason string

	Model   *mip.Model
	extract func(assign []float64, objective float64) model.Counterexample
	// boundary programs violate at >= 0, the rest strictly above 0
	inclusive bool
}

// Violated reports whether an optimum of obj breaks the condition, within
// the loop's numerical tolerance.
func (p *Problem) Violated(obj, tol float64) bool {
	if p.inclusive {
		return obj >= -tol
	}
	return obj > tol
}

// Extract materializes the counterexample at a solver optimum.
func (p *Problem) Extract(assign []float64, objective float64) model.Counterexample {
	return p.extract(assign, objective)
}

// Builder derives the MILPs for one condition from the frozen system and
// the current trainable parameters.
type Builder struct {
	Sys      model.System
	Eq       model.Equilibrium
	Domain   model.Box
	Cond     model.Condition
	Strategy mip.Strategy
}

// Problems emits every MILP the condition requires for one Verify step.
// The programs are independent and safe to solve concurrently; params are
// only read.
func (b *Builder) Problems(params model.Parameters) ([]*Problem, error) {
	if err := b.validate(params); err != nil {
		return nil, err
	}
	switch b.Cond.Kind {
	case model.DiscreteDecrease:
		pos, err := b.positivity(params)
		if err != nil {
			return nil, err
		}
		dec, err := b.discreteDecrease(params)
		if err != nil {
			return nil, err
		}
		return []*Problem{pos, dec}, nil
	case model.ContinuousCLFDecrease:
		pos, err := b.positivity(params)
		if err != nil {
			return nil, err
		}
		dec, err := b.clfDecrease(params)
		if err != nil {
			return nil, err
		}
		return []*Problem{pos, dec}, nil
	case model.BarrierInvariance:
		dec, err := b.barrierDecrease(params)
		if err != nil {
			return nil, err
		}
		out := []*Problem{dec}
		faces, err := b.barrierBoundary(params)
		if err != nil {
			return nil, err
		}
		return append(out, faces...), nil
	}
	return nil, fmt.Errorf("%w: unknown condition %q", mip.ErrEncoding, b.Cond.Kind)
}

func (b *Builder) validate(params model.Parameters) error {
	if len(b.Domain.Lo) != b.Sys.XDim || len(b.Domain.Up) != b.Sys.XDim {
		return fmt.Errorf("%w: domain width %d/%d, want %d",
			mip.ErrEncoding, len(b.Domain.Lo), len(b.Domain.Up), b.Sys.XDim)
	}
	if len(b.Eq.X) != b.Sys.XDim {
		return fmt.Errorf("%w: equilibrium width %d, want %d", mip.ErrEncoding, len(b.Eq.X), b.Sys.XDim)
	}
	if params.Certificate.InputDim != b.Sys.XDim {
		return fmt.Errorf("%w: certificate input dim %d, want %d",
			mip.ErrEncoding, params.Certificate.InputDim, b.Sys.XDim)
	}
	if nn.OutputDim(params.Certificate) != 1 {
		return fmt.Errorf("%w: certificate output dim %d, want 1",
			mip.ErrEncoding, nn.OutputDim(params.Certificate))
	}
	switch b.Cond.Kind {
	case model.DiscreteDecrease:
		if b.Sys.Discrete == nil {
			return fmt.Errorf("%w: discrete condition without discrete dynamics", mip.ErrEncoding)
		}
		if params.Controller == nil {
			return fmt.Errorf("%w: discrete condition without controller", mip.ErrEncoding)
		}
		if b.Cond.Lambda <= b.Cond.Eps1 {
			return fmt.Errorf("%w: lambda %g must exceed eps1 %g", mip.ErrEncoding, b.Cond.Lambda, b.Cond.Eps1)
		}
	case model.ContinuousCLFDecrease:
		if b.Sys.F == nil || (b.Sys.UDim > 0 && b.Sys.G == nil) {
			return fmt.Errorf("%w: clf condition without continuous dynamics", mip.ErrEncoding)
		}
		if b.Cond.Lambda <= b.Cond.Eps1 {
			return fmt.Errorf("%w: lambda %g must exceed eps1 %g", mip.ErrEncoding, b.Cond.Lambda, b.Cond.Eps1)
		}
	case model.BarrierInvariance:
		if b.Sys.F == nil || (b.Sys.UDim > 0 && b.Sys.G == nil) {
			return fmt.Errorf("%w: barrier condition without continuous dynamics", mip.ErrEncoding)
		}
	}
	return nil
}

// lyapunov assembles the anchored certificate view of the parameters.
func (b *Builder) lyapunov(params model.Parameters) nn.Lyapunov {
	return nn.Lyapunov{
		Phi:    params.Certificate,
		XEq:    b.Eq.X,
		Lambda: b.Cond.Lambda,
		R:      params.R,
	}
}

// stateErrorExprs builds v = R (x - x*) over the input variables.
func stateErrorExprs(r [][]float64, xVars []mip.Var, xEq []float64) []mip.LinExpr {
	out := make([]mip.LinExpr, len(r))
	for i, row := range r {
		e := mip.NewExpr()
		for j, w := range row {
			e.AddTerm(xVars[j], w)
			e.Const -= w * xEq[j]
		}
		out[i] = e
	}
	return out
}

// bindVar introduces a variable pinned equal to e with the given bounds,
// which must be valid for every feasible assignment. Tighter bounds than
// interval arithmetic over e shrink the big-M constants downstream.
func bindVar(m *mip.Model, e mip.LinExpr, lo, up float64) mip.Var {
	v := m.AddContinuousVar(lo, up)
	if m.Err() != nil {
		return -1
	}
	c := e.Clone()
	c.AddTerm(v, -1)
	rhs := -c.Const
	c.Const = 0
	m.AddLinearConstraint(c, mip.EQ, rhs)
	return v
}

// bindExprs materializes expressions as variables using interval bounds.
func bindExprs(m *mip.Model, exprs []mip.LinExpr) ([]mip.Var, []mip.Interval) {
	vars := make([]mip.Var, len(exprs))
	ivs := make([]mip.Interval, len(exprs))
	for i, e := range exprs {
		bnd := m.ExprBounds(e)
		vars[i] = bindVar(m, e, bnd.Lo, bnd.Up)
		ivs[i] = bnd
	}
	return vars, ivs
}

// inputVars creates the state variables over the domain box.
func (b *Builder) inputVars(m *mip.Model) ([]mip.Var, []mip.Interval) {
	vars := make([]mip.Var, b.Sys.XDim)
	for i := range vars {
		vars[i] = m.AddContinuousVar(b.Domain.Lo[i], b.Domain.Up[i])
	}
	return vars, mip.BoxIntervals(b.Domain)
}

// pointAt reads the state witness out of an assignment.
func pointAt(assign []float64, vars []mip.Var) []float64 {
	out := make([]float64, len(vars))
	for i, v := range vars {
		out[i] = assign[v]
	}
	return out
}

// signsOf computes the subgradient components of an L1 term post hoc from
// the optimal point: the sign where the component is off its kink, zero on
// it. Zero is always a valid subgradient choice at the kink.
func signsOf(vals []float64) []float64 {
	out := make([]float64, len(vals))
	for i, v := range vals {
		switch {
		case v > kinkTol:
			out[i] = 1
		case v < -kinkTol:
			out[i] = -1
		}
	}
	return out
}

// uMid and uDelta are the closed-form u-elimination constants: the
// admissible-input box center and half-width per input channel.
func uMid(box model.Box, j int) float64   { return (box.Lo[j] + box.Up[j]) / 2 }
func uDelta(box model.Box, j int) float64 { return (box.Up[j] - box.Lo[j]) / 2 }

// exactAggregable reports whether the exact strategy's minimax-swap
// precondition can be honored for the given certificate network: the
// state-error subgradient must contract against a single aggregated
// expression per component, which fails as soon as control channels split
// the contraction, and the certificate's kinks must be confined to one
// layer.
func (b *Builder) exactAggregable(phi model.Network) (bool, string) {
	if b.Sys.UDim > 0 {
		return false, "control channels split the subgradient contraction"
	}
	relu := 0
	for _, layer := range phi.Layers {
		if layer.Kind != model.LayerAffine {
			relu++
		}
	}
	if relu > 1 {
		return false, fmt.Sprintf("kinks may spread across %d nonlinear layers", relu)
	}
	return true, ""
}
