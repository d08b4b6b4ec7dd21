// Package train repairs parameters against the counterexamples of one
// Verify step. Within the active region at a counterexample the violation
// is affine in the parameters, so plain backpropagation through the frozen
// branch yields its exact gradient; one descent step per iteration,
// averaged over the batch.
package train

import (
	"fmt"
	"math"

	"asphaleia/internal/mip"
	"asphaleia/internal/model"
	"asphaleia/internal/nn"
)

// Config carries the optimizer knobs. The step rule is SGD with optional
// momentum and global-norm clipping; both default off.
type Config struct {
	LearningRate float64
	Momentum     float64
	ClipNorm     float64
	// TrainR enables descent on R. Lambda is a fixed constant and is
	// never trained, which preserves lambda > eps1 by construction.
	TrainR bool
}

// Trainer holds the optimizer state across iterations.
type Trainer struct {
	cfg  Config
	sys  model.System
	eq   model.Equilibrium
	cond model.Condition

	velCert nn.ParamGrad
	velCtrl nn.ParamGrad
	velR    [][]float64
	primed  bool
}

// New builds a trainer for one run.
func New(cfg Config, sys model.System, eq model.Equilibrium, cond model.Condition) *Trainer {
	if cfg.LearningRate == 0 {
		cfg.LearningRate = 0.01
	}
	return &Trainer{cfg: cfg, sys: sys, eq: eq, cond: cond}
}

// batch accumulates the averaged violation gradient of one iteration.
type batch struct {
	cert nn.ParamGrad
	ctrl nn.ParamGrad
	r    [][]float64
}

// Step applies one descent step computed from the iteration's
// counterexamples. It mutates params in place; the loop guarantees no
// verify is in flight while it runs.
func (t *Trainer) Step(params *model.Parameters, ces []model.Counterexample) error {
	if len(ces) == 0 {
		return nil
	}

	acc := batch{cert: nn.NewParamGrad(params.Certificate), r: zerosLike(params.R)}
	if params.Controller != nil {
		acc.ctrl = nn.NewParamGrad(*params.Controller)
	}
	scale := 1 / float64(len(ces))
	for _, ce := range ces {
		g, err := t.violationGrad(*params, ce)
		if err != nil {
			return fmt.Errorf("gradient at counterexample %v: %w", ce.X, err)
		}
		acc.cert.Add(g.cert, scale)
		if params.Controller != nil {
			acc.ctrl.Add(g.ctrl, scale)
		}
		addMat(acc.r, g.r, scale)
	}

	if t.cfg.ClipNorm > 0 {
		norm := math.Sqrt(sqNorm(acc.cert) + sqNorm(acc.ctrl) + sqNormMat(acc.r))
		if norm > t.cfg.ClipNorm {
			shrink := t.cfg.ClipNorm / norm
			scaleGrad(&acc.cert, shrink)
			scaleGrad(&acc.ctrl, shrink)
			scaleMat(acc.r, shrink)
		}
	}

	if !t.primed {
		t.velCert = nn.NewParamGrad(params.Certificate)
		if params.Controller != nil {
			t.velCtrl = nn.NewParamGrad(*params.Controller)
		}
		t.velR = zerosLike(params.R)
		t.primed = true
	}
	scaleGrad(&t.velCert, t.cfg.Momentum)
	t.velCert.Add(acc.cert, 1)
	nn.ApplyStep(&params.Certificate, t.velCert, t.cfg.LearningRate)
	if params.Controller != nil {
		scaleGrad(&t.velCtrl, t.cfg.Momentum)
		t.velCtrl.Add(acc.ctrl, 1)
		nn.ApplyStep(params.Controller, t.velCtrl, t.cfg.LearningRate)
	}
	if t.cfg.TrainR {
		scaleMat(t.velR, t.cfg.Momentum)
		addMat(t.velR, acc.r, 1)
		for i := range params.R {
			for j := range params.R[i] {
				params.R[i][j] -= t.cfg.LearningRate * t.velR[i][j]
			}
		}
	}
	return nil
}

// violationGrad dispatches on the counterexample's program.
func (t *Trainer) violationGrad(params model.Parameters, ce model.Counterexample) (batch, error) {
	switch {
	case ce.MILP == model.MILPPositivity:
		return t.positivityGrad(params, ce)
	case ce.MILP == model.MILPBoundary:
		return t.boundaryGrad(params, ce)
	case t.cond.Kind == model.DiscreteDecrease:
		return t.discreteGrad(params, ce)
	case t.cond.Kind == model.ContinuousCLFDecrease:
		return t.clfGrad(params, ce)
	case t.cond.Kind == model.BarrierInvariance:
		return t.barrierGrad(params, ce)
	}
	return batch{}, fmt.Errorf("%w: no gradient rule for %s/%s", mip.ErrEncoding, t.cond.Kind, ce.MILP)
}

// positivityGrad differentiates eps1*|R(x-x*)|_1 - V(x), which is
// (eps1-lambda)*|R(x-x*)|_1 - (phi(x) - phi(x*)).
func (t *Trainer) positivityGrad(params model.Parameters, ce model.Counterexample) (batch, error) {
	g := batch{cert: nn.NewParamGrad(params.Certificate), r: zerosLike(params.R)}
	if params.Controller != nil {
		g.ctrl = nn.NewParamGrad(*params.Controller)
	}

	gx, err := nn.ValueVJP(params.Certificate, ce.X, []float64{1})
	if err != nil {
		return batch{}, err
	}
	geq, err := nn.ValueVJP(params.Certificate, t.eq.X, []float64{1})
	if err != nil {
		return batch{}, err
	}
	g.cert.Add(gx, -1)
	g.cert.Add(geq, 1)

	coef := t.cond.Eps1 - t.cond.Lambda
	for i := range params.R {
		for j := range params.R[i] {
			g.r[i][j] = coef * ce.Subgradient[i] * (ce.X[j] - t.eq.X[j])
		}
	}
	return g, nil
}

// discreteGrad differentiates V(x+) - (1-eps2)*V(x) through the frozen
// closed loop. The controller contribution flows through dV/dx at the
// successor, the dynamics' input-channel Jacobian, and the unsaturated
// controller outputs.
func (t *Trainer) discreteGrad(params model.Parameters, ce model.Counterexample) (batch, error) {
	g := batch{cert: nn.NewParamGrad(params.Certificate), r: zerosLike(params.R)}
	if params.Controller == nil {
		return batch{}, fmt.Errorf("%w: discrete gradient without controller", mip.ErrEncoding)
	}
	g.ctrl = nn.NewParamGrad(*params.Controller)
	keep := 1 - t.cond.Eps2

	// theta
	gNext, err := nn.ValueVJP(params.Certificate, ce.XNext, []float64{1})
	if err != nil {
		return batch{}, err
	}
	gCur, err := nn.ValueVJP(params.Certificate, ce.X, []float64{1})
	if err != nil {
		return batch{}, err
	}
	gEq, err := nn.ValueVJP(params.Certificate, t.eq.X, []float64{1})
	if err != nil {
		return batch{}, err
	}
	g.cert.Add(gNext, 1)
	g.cert.Add(gCur, -keep)
	g.cert.Add(gEq, -t.cond.Eps2)

	// R
	gNextSigns := stateErrorSigns(params.R, ce.XNext, t.eq.X)
	for i := range params.R {
		for j := range params.R[i] {
			g.r[i][j] = t.cond.Lambda * (gNextSigns[i]*(ce.XNext[j]-t.eq.X[j]) -
				keep*ce.Subgradient[i]*(ce.X[j]-t.eq.X[j]))
		}
	}

	// eta: seed = dV/dx at x+, pushed through the dynamics' u channels and
	// the controller's unsaturated components.
	s, err := t.lyapInputGrad(params, ce.XNext, gNextSigns)
	if err != nil {
		return batch{}, err
	}
	z := append(append([]float64(nil), ce.X...), ce.U...)
	pat, _, err := nn.PatternAt(*t.sys.Discrete, z)
	if err != nil {
		return batch{}, err
	}
	jd, err := nn.InputGradient(*t.sys.Discrete, pat)
	if err != nil {
		return batch{}, err
	}
	w := make([]float64, t.sys.UDim)
	for j := 0; j < t.sys.UDim; j++ {
		for i := 0; i < t.sys.XDim; i++ {
			w[j] += s[i] * jd.At(i, t.sys.XDim+j)
		}
	}

	// Zero the channels the saturation clamps at this point.
	ctrl := nn.Controller{Psi: *params.Controller, XEq: t.eq.X, UEq: t.eq.U, UBox: t.sys.UBox}
	preX, err := nn.Eval(ctrl.Psi, ce.X)
	if err != nil {
		return batch{}, err
	}
	preEq, err := nn.Eval(ctrl.Psi, t.eq.X)
	if err != nil {
		return batch{}, err
	}
	for j := range w {
		pre := preX[j] - preEq[j] + t.eq.U[j]
		if pre <= t.sys.UBox.Lo[j] || pre >= t.sys.UBox.Up[j] {
			w[j] = 0
		}
	}

	gPsiX, err := nn.ValueVJP(ctrl.Psi, ce.X, w)
	if err != nil {
		return batch{}, err
	}
	gPsiEq, err := nn.ValueVJP(ctrl.Psi, t.eq.X, w)
	if err != nil {
		return batch{}, err
	}
	g.ctrl.Add(gPsiX, 1)
	g.ctrl.Add(gPsiEq, -1)
	return g, nil
}

// clfGrad differentiates dV/dx*y_eff + eps2*V(x), with y_eff the drift
// plus the eliminated worst-case input contribution frozen at its optimal
// signs.
func (t *Trainer) clfGrad(params model.Parameters, ce model.Counterexample) (batch, error) {
	g := batch{cert: nn.NewParamGrad(params.Certificate), r: zerosLike(params.R)}

	dv, err := t.lyapInputGrad(params, ce.X, ce.Subgradient)
	if err != nil {
		return batch{}, err
	}
	yEff, err := t.effectiveFlow(ce.X, dv, -1)
	if err != nil {
		return batch{}, err
	}

	pat, _, err := nn.PatternAt(params.Certificate, ce.X)
	if err != nil {
		return batch{}, err
	}
	chain, err := nn.ChainVJP(params.Certificate, pat, []float64{1}, yEff)
	if err != nil {
		return batch{}, err
	}
	gCur, err := nn.ValueVJP(params.Certificate, ce.X, []float64{1})
	if err != nil {
		return batch{}, err
	}
	gEq, err := nn.ValueVJP(params.Certificate, t.eq.X, []float64{1})
	if err != nil {
		return batch{}, err
	}
	g.cert.Add(chain, 1)
	g.cert.Add(gCur, t.cond.Eps2)
	g.cert.Add(gEq, -t.cond.Eps2)

	for i := range params.R {
		for j := range params.R[i] {
			g.r[i][j] = t.cond.Lambda*ce.Subgradient[i]*yEff[j] +
				t.cond.Eps2*t.cond.Lambda*ce.Subgradient[i]*(ce.X[j]-t.eq.X[j])
		}
	}
	return g, nil
}

// barrierGrad differentiates -dh/dx*y_eff - eps*h(x).
func (t *Trainer) barrierGrad(params model.Parameters, ce model.Counterexample) (batch, error) {
	g := batch{cert: nn.NewParamGrad(params.Certificate), r: zerosLike(params.R)}

	pat, _, err := nn.PatternAt(params.Certificate, ce.X)
	if err != nil {
		return batch{}, err
	}
	dphi, err := nn.InputGradient(params.Certificate, pat)
	if err != nil {
		return batch{}, err
	}
	dh := make([]float64, t.sys.XDim)
	for k := range dh {
		dh[k] = dphi.At(0, k)
	}
	yEff, err := t.effectiveFlow(ce.X, dh, 1)
	if err != nil {
		return batch{}, err
	}

	chain, err := nn.ChainVJP(params.Certificate, pat, []float64{1}, yEff)
	if err != nil {
		return batch{}, err
	}
	gCur, err := nn.ValueVJP(params.Certificate, ce.X, []float64{1})
	if err != nil {
		return batch{}, err
	}
	gEq, err := nn.ValueVJP(params.Certificate, t.eq.X, []float64{1})
	if err != nil {
		return batch{}, err
	}
	g.cert.Add(chain, -1)
	g.cert.Add(gCur, -t.cond.Eps)
	g.cert.Add(gEq, t.cond.Eps)
	return g, nil
}

// boundaryGrad differentiates h(x) = phi(x) - phi(x*) + 1.
func (t *Trainer) boundaryGrad(params model.Parameters, ce model.Counterexample) (batch, error) {
	g := batch{cert: nn.NewParamGrad(params.Certificate), r: zerosLike(params.R)}
	gCur, err := nn.ValueVJP(params.Certificate, ce.X, []float64{1})
	if err != nil {
		return batch{}, err
	}
	gEq, err := nn.ValueVJP(params.Certificate, t.eq.X, []float64{1})
	if err != nil {
		return batch{}, err
	}
	g.cert.Add(gCur, 1)
	g.cert.Add(gEq, -1)
	return g, nil
}

// lyapInputGrad evaluates dV/dx = dphi/dx + lambda*g'R at a point, for a
// fixed state-error subgradient g.
func (t *Trainer) lyapInputGrad(params model.Parameters, x, g []float64) ([]float64, error) {
	pat, _, err := nn.PatternAt(params.Certificate, x)
	if err != nil {
		return nil, err
	}
	dphi, err := nn.InputGradient(params.Certificate, pat)
	if err != nil {
		return nil, err
	}
	out := make([]float64, t.sys.XDim)
	for k := range out {
		out[k] = dphi.At(0, k)
		for i, gi := range g {
			out[k] += t.cond.Lambda * gi * params.R[i][k]
		}
	}
	return out, nil
}

// effectiveFlow evaluates f(x) + G(x)*u_eff with the eliminated input
// frozen at u_eff_j = umid_j + dir*delta_j*sign(d*G_j), matching the
// closed-form worst case the decrease programs encode (dir -1 for the CLF
// minimum, +1 for the barrier maximum after sign flips).
func (t *Trainer) effectiveFlow(x, d []float64, dir float64) ([]float64, error) {
	fx, err := nn.Eval(*t.sys.F, x)
	if err != nil {
		return nil, err
	}
	out := append([]float64(nil), fx...)
	if t.sys.UDim == 0 {
		return out, nil
	}
	gv, err := nn.Eval(*t.sys.G, x)
	if err != nil {
		return nil, err
	}
	for j := 0; j < t.sys.UDim; j++ {
		dg := 0.0
		for i := 0; i < t.sys.XDim; i++ {
			dg += d[i] * gv[i*t.sys.UDim+j]
		}
		s := 0.0
		if dg > 0 {
			s = 1
		} else if dg < 0 {
			s = -1
		}
		u := (t.sys.UBox.Lo[j]+t.sys.UBox.Up[j])/2 + dir*s*(t.sys.UBox.Up[j]-t.sys.UBox.Lo[j])/2
		for i := 0; i < t.sys.XDim; i++ {
			out[i] += gv[i*t.sys.UDim+j] * u
		}
	}
	return out, nil
}

func stateErrorSigns(r [][]float64, x, xEq []float64) []float64 {
	out := make([]float64, len(r))
	for i, row := range r {
		v := 0.0
		for j, w := range row {
			v += w * (x[j] - xEq[j])
		}
		if v > 1e-9 {
			out[i] = 1
		} else if v < -1e-9 {
			out[i] = -1
		}
	}
	return out
}

func zerosLike(r [][]float64) [][]float64 {
	out := make([][]float64, len(r))
	for i := range r {
		out[i] = make([]float64, len(r[i]))
	}
	return out
}

func addMat(dst, src [][]float64, scale float64) {
	for i := range dst {
		for j := range dst[i] {
			dst[i][j] += scale * src[i][j]
		}
	}
}

func scaleMat(m [][]float64, s float64) {
	for i := range m {
		for j := range m[i] {
			m[i][j] *= s
		}
	}
}

func sqNorm(g nn.ParamGrad) float64 {
	sum := 0.0
	for _, layer := range g.Layers {
		for _, row := range layer.DW {
			for _, v := range row {
				sum += v * v
			}
		}
		for _, v := range layer.DB {
			sum += v * v
		}
	}
	return sum
}

func sqNormMat(m [][]float64) float64 {
	sum := 0.0
	for i := range m {
		for _, v := range m[i] {
			sum += v * v
		}
	}
	return sum
}

func scaleGrad(g *nn.ParamGrad, s float64) {
	for i := range g.Layers {
		for r := range g.Layers[i].DW {
			for c := range g.Layers[i].DW[r] {
				g.Layers[i].DW[r][c] *= s
			}
			g.Layers[i].DB[r] *= s
		}
	}
}
