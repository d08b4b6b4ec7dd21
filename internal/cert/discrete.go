package cert

import (
	"fmt"

	"asphaleia/internal/mip"
	"asphaleia/internal/model"
	"asphaleia/internal/nn"
)

// discreteDecrease builds max V(x+) - (1-eps2)*V(x) with x+ the encoded
// closed loop dyn(x, sat(psi(x) - psi(x*) + u*)). The V(x+) term enters
// positively, so its L1 keeps the big-M form under either strategy; the
// V(x) term is negative and envelope-eligible.
func (b *Builder) discreteDecrease(params model.Parameters) (*Problem, error) {
	lyap := b.lyapunov(params)
	eqOff, err := nn.EqOffset(lyap.Phi, b.Eq.X)
	if err != nil {
		return nil, err
	}
	ctrl := nn.Controller{Psi: *params.Controller, XEq: b.Eq.X, UEq: b.Eq.U, UBox: b.Sys.UBox}
	ctrlNet, err := ctrl.AsNetwork()
	if err != nil {
		return nil, err
	}
	dyn := *b.Sys.Discrete
	if dyn.InputDim != b.Sys.XDim+b.Sys.UDim {
		return nil, fmt.Errorf("%w: discrete dynamics input dim %d, want %d",
			mip.ErrEncoding, dyn.InputDim, b.Sys.XDim+b.Sys.UDim)
	}
	if nn.OutputDim(dyn) != b.Sys.XDim {
		return nil, fmt.Errorf("%w: discrete dynamics output dim %d, want %d",
			mip.ErrEncoding, nn.OutputDim(dyn), b.Sys.XDim)
	}

	m := mip.NewModel()
	xVars, xIvs := b.inputVars(m)

	// u = sat(psi(x) - psi(x*) + u*): the saturation bounds the outputs by
	// the input box, which is tighter than interval arithmetic over the
	// saturation decomposition.
	encU, err := mip.EncodeNetwork(m, ctrlNet, xVars, xIvs)
	if err != nil {
		return nil, err
	}
	uVars := make([]mip.Var, b.Sys.UDim)
	uIvs := make([]mip.Interval, b.Sys.UDim)
	for j := range uVars {
		uIvs[j] = mip.Interval{Lo: b.Sys.UBox.Lo[j], Up: b.Sys.UBox.Up[j]}
		uVars[j] = bindVar(m, encU.Output[j], uIvs[j].Lo, uIvs[j].Up)
	}

	// x+ = dyn([x; u])
	encNext, err := mip.EncodeNetwork(m, dyn, append(append([]mip.Var(nil), xVars...), uVars...),
		append(append([]mip.Interval(nil), xIvs...), uIvs...))
	if err != nil {
		return nil, err
	}
	xNextVars, xNextIvs := bindExprs(m, encNext.Output)

	// phi at the successor state.
	encPhiNext, err := mip.EncodeNetwork(m, lyap.Phi, xNextVars, xNextIvs)
	if err != nil {
		return nil, err
	}
	encPhi, err := mip.EncodeNetwork(m, lyap.Phi, xVars, xIvs)
	if err != nil {
		return nil, err
	}

	vCur := stateErrorExprs(params.R, xVars, b.Eq.X)
	vNext := stateErrorExprs(params.R, xNextVars, b.Eq.X)
	l1Cur := mip.EncodeL1(m, vCur, b.Strategy, true)
	l1Next := mip.EncodeL1(m, vNext, b.Strategy, false)

	// V(x+) - (1-eps2)V(x), both anchors folded into the constant.
	keep := 1 - b.Cond.Eps2
	obj := mip.FromConst(-eqOff + keep*eqOff)
	obj.AddExpr(encPhiNext.Output[0], 1)
	obj.AddExpr(l1Next, b.Cond.Lambda)
	obj.AddExpr(encPhi.Output[0], -keep)
	obj.AddExpr(l1Cur, -keep*b.Cond.Lambda)
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
		errVals := make([]float64, len(vCur))
		for i, e := range vCur {
			errVals[i] = e.Eval(assign)
		}
		return model.Counterexample{
			Condition:   b.Cond.Kind,
			MILP:        model.MILPDecrease,
			X:           pointAt(assign, xVars),
			XNext:       pointAt(assign, xNextVars),
			U:           pointAt(assign, uVars),
			Objective:   objective,
			Subgradient: signsOf(errVals),
		}
	}
	return p, nil
}
