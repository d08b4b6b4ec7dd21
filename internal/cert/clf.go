package cert

import (
	"fmt"

	"asphaleia/internal/mip"
	"asphaleia/internal/model"
	"asphaleia/internal/nn"
)

// clfDecrease builds max min_u Vdot + eps2*V(x) with the input minimum
// eliminated in closed form over the admissible box:
//
//	dV/dx*f + sum_j dV/dx*G_j*umid_j - sum_j delta_j*|dV/dx*G_j| + eps2*V(x)
//
// where dV/dx = dphi/dx + lambda*g'R for g a valid subgradient of the
// state-error L1 term. The exact strategy substitutes the aggregated slack
// for the g contraction when its precondition holds; otherwise the sampled
// sign selection is used and the fallback recorded.
func (b *Builder) clfDecrease(params model.Parameters) (*Problem, error) {
	lyap := b.lyapunov(params)
	eqOff, err := nn.EqOffset(lyap.Phi, b.Eq.X)
	if err != nil {
		return nil, err
	}
	f := *b.Sys.F
	if f.InputDim != b.Sys.XDim || nn.OutputDim(f) != b.Sys.XDim {
		return nil, fmt.Errorf("%w: drift dims %d->%d, want %d->%d",
			mip.ErrEncoding, f.InputDim, nn.OutputDim(f), b.Sys.XDim, b.Sys.XDim)
	}

	strat := b.Strategy
	fallback := false
	reason := ""
	if strat == mip.StrategyExact {
		if ok, why := b.exactAggregable(lyap.Phi); !ok {
			strat, fallback = mip.StrategySampled, true
			reason = fmt.Errorf("%w: %s", mip.ErrSubgradientAmbiguity, why).Error()
		}
	}

	m := mip.NewModel()
	xVars, xIvs := b.inputVars(m)

	encPhi, err := mip.EncodeNetwork(m, lyap.Phi, xVars, xIvs)
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

	v := stateErrorExprs(params.R, xVars, b.Eq.X)

	obj := mip.NewExpr()
	obj.AddExpr(jvF[0], 1)

	// lambda * g'R * f contraction.
	var sel mip.SignSelection
	if strat == mip.StrategySampled {
		sel = mip.EncodeSignSelection(m, v)
		for i := range v {
			rf := contract(params.R, i, encF.Output)
			obj.AddExpr(sel.Times(m, i, rf), b.Cond.Lambda)
		}
	} else {
		for i := range v {
			rf := contract(params.R, i, encF.Output)
			obj.AddExpr(mip.EncodeExactProduct(m, rf), b.Cond.Lambda)
		}
	}

	// Control elimination per channel.
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
			dvg := jvG[0].Clone()
			for i := range v {
				rg := contract(params.R, i, col)
				dvg.AddExpr(sel.Times(m, i, rg), b.Cond.Lambda)
			}
			obj.AddExpr(dvg, uMid(b.Sys.UBox, j))
			abs := mip.EncodeL1(m, []mip.LinExpr{dvg}, strat, true)
			obj.AddExpr(abs, -uDelta(b.Sys.UBox, j))
		}
	}

	// eps2 * V(x): positive coefficient, so the L1 keeps its big-M form.
	l1 := mip.EncodeL1(m, v, strat, false)
	obj.Const -= b.Cond.Eps2 * eqOff
	obj.AddExpr(encPhi.Output[0], b.Cond.Eps2)
	obj.AddExpr(l1, b.Cond.Eps2*b.Cond.Lambda)
	m.SetObjective(obj, true)
	if m.Err() != nil {
		return nil, m.Err()
	}

	p := &Problem{
		Condition:      b.Cond.Kind,
		Role:           model.MILPDecrease,
		Face:           -1,
		Fallback:       fallback,
		FallbackReason: reason,
		Model:          m,
	}
	useSel := strat == mip.StrategySampled
	p.extract = func(assign []float64, objective float64) model.Counterexample {
		sub := make([]float64, len(v))
		if useSel {
			sub = sel.Values(assign)
		} else {
			vals := make([]float64, len(v))
			for i, e := range v {
				vals[i] = e.Eval(assign)
			}
			sub = signsOf(vals)
		}
		return model.Counterexample{
			Condition:   b.Cond.Kind,
			MILP:        model.MILPDecrease,
			X:           pointAt(assign, xVars),
			Objective:   objective,
			Subgradient: sub,
		}
	}
	return p, nil
}

// contract forms row i of R against a vector of expressions.
func contract(r [][]float64, i int, w []mip.LinExpr) mip.LinExpr {
	e := mip.NewExpr()
	for k, c := range r[i] {
		e.AddExpr(w[k], c)
	}
	return e
}

// gColumn slices column j out of the row-major G output.
func gColumn(out []mip.LinExpr, xDim, uDim, j int) []mip.LinExpr {
	col := make([]mip.LinExpr, xDim)
	for i := 0; i < xDim; i++ {
		col[i] = out[i*uDim+j]
	}
	return col
}
