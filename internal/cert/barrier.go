package cert

import (
	"fmt"

	"asphaleia/internal/mip"
	"asphaleia/internal/model"
	"asphaleia/internal/nn"
)

// barrierDecrease builds the invariance program
//
//	max -dh/dx*f - sum_j dh/dx*G_j*umid_j - sum_j delta_j*|dh/dx*G_j| - eps*h(x)
//
// with h(x) = phi(x) - phi(x*) + 1. The barrier has no state-error term, so
// dh/dx = dphi/dx and the only L1 terms are the control eliminations, which
// carry negative coefficients and admit the exact envelope directly.
func (b *Builder) barrierDecrease(params model.Parameters) (*Problem, error) {
	barrier := nn.Barrier{Phi: params.Certificate, XEq: b.Eq.X}
	eqOff, err := nn.EqOffset(barrier.Phi, b.Eq.X)
	if err != nil {
		return nil, err
	}
	f := *b.Sys.F
	if f.InputDim != b.Sys.XDim || nn.OutputDim(f) != b.Sys.XDim {
		return nil, fmt.Errorf("%w: drift dims %d->%d, want %d->%d",
			mip.ErrEncoding, f.InputDim, nn.OutputDim(f), b.Sys.XDim, b.Sys.XDim)
	}

	m := mip.NewModel()
	xVars, xIvs := b.inputVars(m)

	encPhi, err := mip.EncodeNetwork(m, barrier.Phi, xVars, xIvs)
	if err != nil {
		return nil, err
	}
	encF, err := mip.EncodeNetwork(m, f, xVars, xIvs)
	if err != nil {
		return nil, err
	}
	jvF, err := mip.EncodeJacobianProduct(m, encPhi, encF.Output)
	if err != nil {
		return nil, err
	}

	obj := mip.NewExpr()
	obj.AddExpr(jvF[0], -1)

	if b.Sys.UDim > 0 {
		g := *b.Sys.G
		if g.InputDim != b.Sys.XDim || nn.OutputDim(g) != b.Sys.XDim*b.Sys.UDim {
			return nil, fmt.Errorf("%w: input matrix dims %d->%d, want %d->%d",
				mip.ErrEncoding, g.InputDim, nn.OutputDim(g), b.Sys.XDim, b.Sys.XDim*b.Sys.UDim)
		}
		encG, err := mip.EncodeNetwork(m, g, xVars, xIvs)
		if err != nil {
			return nil, err
		}
		for j := 0; j < b.Sys.UDim; j++ {
			col := gColumn(encG.Output, b.Sys.XDim, b.Sys.UDim, j)
			jvG, err := mip.EncodeJacobianProduct(m, encPhi, col)
			if err != nil {
				return nil, err
			}
			obj.AddExpr(jvG[0], -uMid(b.Sys.UBox, j))
			abs := mip.EncodeL1(m, []mip.LinExpr{jvG[0]}, b.Strategy, true)
			obj.AddExpr(abs, -uDelta(b.Sys.UBox, j))
		}
	}

	// -eps * h(x) = -eps * (phi(x) - phi(x*) + 1)
	obj.Const += b.Cond.Eps * (eqOff - 1)
	obj.AddExpr(encPhi.Output[0], -b.Cond.Eps)
	m.SetObjective(obj, true)
	if m.Err() != nil {
		return nil, m.Err()
	}

	p := &Problem{
		Condition: b.Cond.Kind,
		Role:      model.MILPDecrease,
		Face:      -1,
		Model:     m,
	}
	p.extract = func(assign []float64, objective float64) model.Counterexample {
		return model.Counterexample{
			Condition: b.Cond.Kind,
			MILP:      model.MILPDecrease,
			X:         pointAt(assign, xVars),
			Objective: objective,
		}
	}
	return p, nil
}

// barrierBoundary emits max h(x) restricted to each face of the domain
// box, low faces first. Every optimum must stay strictly negative; the
// programs are independent and fan out to the worker pool.
func (b *Builder) barrierBoundary(params model.Parameters) ([]*Problem, error) {
	eqOff, err := nn.EqOffset(params.Certificate, b.Eq.X)
	if err != nil {
		return nil, err
	}

	out := make([]*Problem, 0, 2*b.Sys.XDim)
	for face := 0; face < 2*b.Sys.XDim; face++ {
		dim := face % b.Sys.XDim
		val := b.Domain.Lo[dim]
		if face >= b.Sys.XDim {
			val = b.Domain.Up[dim]
		}

		m := mip.NewModel()
		xVars := make([]mip.Var, b.Sys.XDim)
		xIvs := make([]mip.Interval, b.Sys.XDim)
		for i := range xVars {
			lo, up := b.Domain.Lo[i], b.Domain.Up[i]
			if i == dim {
				lo, up = val, val
			}
			xVars[i] = m.AddContinuousVar(lo, up)
			xIvs[i] = mip.Interval{Lo: lo, Up: up}
		}
		enc, err := mip.EncodeNetwork(m, params.Certificate, xVars, xIvs)
		if err != nil {
			return nil, err
		}

		// h(x) = phi(x) - phi(x*) + 1
		obj := mip.FromConst(1 - eqOff)
		obj.AddExpr(enc.Output[0], 1)
		m.SetObjective(obj, true)
		if m.Err() != nil {
			return nil, m.Err()
		}

		p := &Problem{
			Condition: b.Cond.Kind,
			Role:      model.MILPBoundary,
			Face:      face,
			Model:     m,
			inclusive: true,
		}
		p.extract = func(assign []float64, objective float64) model.Counterexample {
			return model.Counterexample{
				Condition: b.Cond.Kind,
				MILP:      model.MILPBoundary,
				X:         pointAt(assign, xVars),
				Objective: objective,
			}
		}
		out = append(out, p)
	}
	return out, nil
}
