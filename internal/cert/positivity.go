package cert

import (
	"asphaleia/internal/mip"
	"asphaleia/internal/model"
	"asphaleia/internal/nn"
)

// positivity builds max eps1*|R(x-x*)|_1 - V(x), which expands to
// (eps1-lambda)*|R(x-x*)|_1 - (phi(x) - phi(x*)). lambda > eps1 keeps the
// L1 coefficient negative, so the exact strategy's envelope applies.
func (b *Builder) positivity(params model.Parameters) (*Problem, error) {
	lyap := b.lyapunov(params)
	eqOff, err := nn.EqOffset(lyap.Phi, b.Eq.X)
	if err != nil {
		return nil, err
	}

	m := mip.NewModel()
	xVars, xIvs := b.inputVars(m)
	enc, err := mip.EncodeNetwork(m, lyap.Phi, xVars, xIvs)
	if err != nil {
		return nil, err
	}

	v := stateErrorExprs(params.R, xVars, b.Eq.X)
	l1 := mip.EncodeL1(m, v, b.Strategy, true)

	obj := mip.FromConst(eqOff)
	obj.AddExpr(enc.Output[0], -1)
	obj.AddExpr(l1, b.Cond.Eps1-b.Cond.Lambda)
	m.SetObjective(obj, true)
	if m.Err() != nil {
		return nil, m.Err()
	}

	p := &Problem{
		Condition: b.Cond.Kind,
		Role:      model.MILPPositivity,
		Face:      -1,
		Model:     m,
	}
	p.extract = func(assign []float64, objective float64) model.Counterexample {
		x := pointAt(assign, xVars)
		errVals := make([]float64, len(v))
		for i, e := range v {
			errVals[i] = e.Eval(assign)
		}
		return model.Counterexample{
			Condition:   b.Cond.Kind,
			MILP:        model.MILPPositivity,
			X:           x,
			Objective:   objective,
			Subgradient: signsOf(errVals),
		}
	}
	return p, nil
}
