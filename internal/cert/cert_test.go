package cert_test

import (
	"context"
	"math"
	"testing"

	"asphaleia/internal/cert"
	"asphaleia/internal/mip"
	"asphaleia/internal/model"
	"asphaleia/internal/nn"
	"asphaleia/internal/solver"
)

// phi2d is a small 2-input scalar network with one leaky-ReLU layer.
func phi2d() model.Network {
	return model.Network{
		InputDim: 2,
		Layers: []model.Layer{
			{Kind: model.LayerAffine, Weights: [][]float64{{1, -0.5}, {0.3, 1}, {-1, 0.6}}, Biases: []float64{0.1, -0.2, 0}},
			{Kind: model.LayerLeakyReLU, NegSlope: 0.1},
			{Kind: model.LayerAffine, Weights: [][]float64{{0.8, -0.4, 0.5}}, Biases: []float64{0.2}},
		},
	}
}

func box2d(r float64) model.Box {
	return model.Box{Lo: []float64{-r, -r}, Up: []float64{r, r}}
}

func solveProblem(t *testing.T, p *cert.Problem) solver.Result {
	t.Helper()
	res, err := solver.NewBranchAndBound().Solve(context.Background(), p.Model, 0)
	if err != nil {
		t.Fatalf("solve failed: %v", err)
	}
	if res.Status != solver.StatusOptimal {
		t.Fatalf("status %s, want optimal", res.Status)
	}
	return res
}

// gridMax maximizes fn over the box on a fine grid. A lower bound on the
// true optimum of any of the piecewise-affine objectives here.
func gridMax(t *testing.T, box model.Box, steps int, fn func(x []float64) float64) float64 {
	t.Helper()
	best := math.Inf(-1)
	for i := 0; i <= steps; i++ {
		for j := 0; j <= steps; j++ {
			x := []float64{
				box.Lo[0] + (box.Up[0]-box.Lo[0])*float64(i)/float64(steps),
				box.Lo[1] + (box.Up[1]-box.Lo[1])*float64(j)/float64(steps),
			}
			if v := fn(x); v > best {
				best = v
			}
		}
	}
	return best
}

func discreteSystem() model.System {
	// x+ = 0.5x + 0.1u, elementwise.
	dyn := model.Network{
		InputDim: 4,
		Layers: []model.Layer{
			{Kind: model.LayerAffine, Weights: [][]float64{
				{0.5, 0, 0.1, 0},
				{0, 0.5, 0, 0.1},
			}, Biases: []float64{0, 0}},
		},
	}
	return model.System{
		XDim:     2,
		UDim:     2,
		Discrete: &dyn,
		UBox:     model.Box{Lo: []float64{-1, -1}, Up: []float64{1, 1}},
	}
}

func TestPositivityMatchesBruteForce(t *testing.T) {
	sys := discreteSystem()
	cond := model.Condition{Kind: model.DiscreteDecrease, Eps1: 0.01, Eps2: 0.1, Lambda: 0.5}
	psi := model.Network{
		InputDim: 2,
		Layers: []model.Layer{
			{Kind: model.LayerAffine, Weights: [][]float64{{-0.4, 0}, {0, -0.4}}, Biases: []float64{0, 0}},
		},
	}
	params := model.Parameters{
		Certificate: phi2d(),
		Controller:  &psi,
		R:           [][]float64{{1, 0}, {0, 1}, {0.5, 0.5}},
	}
	b := &cert.Builder{
		Sys:      sys,
		Eq:       model.Equilibrium{X: []float64{0, 0}, U: []float64{0, 0}},
		Domain:   box2d(1),
		Cond:     cond,
		Strategy: mip.StrategySampled,
	}
	probs, err := b.Problems(params)
	if err != nil {
		t.Fatalf("builder failed: %v", err)
	}
	if len(probs) != 2 {
		t.Fatalf("got %d problems, want 2", len(probs))
	}
	pos := probs[0]
	if pos.Role != model.MILPPositivity {
		t.Fatalf("first problem role %s, want positivity", pos.Role)
	}

	res := solveProblem(t, pos)

	lyap := nn.Lyapunov{Phi: params.Certificate, XEq: b.Eq.X, Lambda: cond.Lambda, R: params.R}
	want := gridMax(t, b.Domain, 60, func(x []float64) float64 {
		v, err := lyap.Value(x)
		if err != nil {
			t.Fatalf("value failed: %v", err)
		}
		sum := 0.0
		for _, e := range lyap.StateError(x) {
			sum += math.Abs(e)
		}
		return cond.Eps1*sum - v
	})
	if res.Objective < want-1e-6 {
		t.Fatalf("MILP optimum %f below sampled maximum %f", res.Objective, want)
	}

	// The witness point reproduces the objective through direct evaluation.
	ce := pos.Extract(res.Assignment, res.Objective)
	v, err := lyap.Value(ce.X)
	if err != nil {
		t.Fatalf("value failed: %v", err)
	}
	sum := 0.0
	for _, e := range lyap.StateError(ce.X) {
		sum += math.Abs(e)
	}
	if math.Abs(cond.Eps1*sum-v-res.Objective) > 1e-6 {
		t.Fatalf("witness objective %f, solver %f", cond.Eps1*sum-v, res.Objective)
	}
}

func TestDiscreteDecreaseMatchesBruteForce(t *testing.T) {
	sys := discreteSystem()
	cond := model.Condition{Kind: model.DiscreteDecrease, Eps1: 0.01, Eps2: 0.1, Lambda: 0.5}
	psi := model.Network{
		InputDim: 2,
		Layers: []model.Layer{
			{Kind: model.LayerAffine, Weights: [][]float64{{-0.4, 0.1}, {0.2, -0.4}}, Biases: []float64{0.05, 0}},
		},
	}
	params := model.Parameters{
		Certificate: phi2d(),
		Controller:  &psi,
		R:           [][]float64{{1, 0}, {0, 1}},
	}
	b := &cert.Builder{
		Sys:      sys,
		Eq:       model.Equilibrium{X: []float64{0, 0}, U: []float64{0, 0}},
		Domain:   box2d(1),
		Cond:     cond,
		Strategy: mip.StrategySampled,
	}
	probs, err := b.Problems(params)
	if err != nil {
		t.Fatalf("builder failed: %v", err)
	}
	dec := probs[1]
	if dec.Role != model.MILPDecrease {
		t.Fatalf("second problem role %s, want decrease", dec.Role)
	}

	res := solveProblem(t, dec)

	lyap := nn.Lyapunov{Phi: params.Certificate, XEq: b.Eq.X, Lambda: cond.Lambda, R: params.R}
	ctrl := nn.Controller{Psi: psi, XEq: b.Eq.X, UEq: b.Eq.U, UBox: sys.UBox}
	step := func(x []float64) float64 {
		u, err := ctrl.Value(x)
		if err != nil {
			t.Fatalf("controller failed: %v", err)
		}
		next, err := nn.Eval(*sys.Discrete, append(append([]float64(nil), x...), u...))
		if err != nil {
			t.Fatalf("dynamics failed: %v", err)
		}
		vn, err := lyap.Value(next)
		if err != nil {
			t.Fatalf("value failed: %v", err)
		}
		vc, err := lyap.Value(x)
		if err != nil {
			t.Fatalf("value failed: %v", err)
		}
		return vn - (1-cond.Eps2)*vc
	}

	want := gridMax(t, b.Domain, 60, step)
	if res.Objective < want-1e-6 {
		t.Fatalf("MILP optimum %f below sampled maximum %f", res.Objective, want)
	}

	ce := dec.Extract(res.Assignment, res.Objective)
	if math.Abs(step(ce.X)-res.Objective) > 1e-6 {
		t.Fatalf("witness objective %f, solver %f", step(ce.X), res.Objective)
	}
	if len(ce.XNext) != 2 || len(ce.U) != 2 {
		t.Fatalf("counterexample missing successor or input: %+v", ce)
	}
}

func autonomousSystem() model.System {
	// xdot = -x, no input channels.
	f := model.Network{
		InputDim: 2,
		Layers: []model.Layer{
			{Kind: model.LayerAffine, Weights: [][]float64{{-1, 0}, {0, -1}}, Biases: []float64{0, 0}},
		},
	}
	return model.System{XDim: 2, UDim: 0, F: &f}
}

// With no input channels the sampled selection realizes the unique
// off-kink subgradient exactly, so its optimum dominates the pointwise
// worst case on a grid; the exact envelope relaxes the subgradient set
// further and dominates the sampled optimum in turn.
func TestCLFStrategiesSound(t *testing.T) {
	sys := autonomousSystem()
	cond := model.Condition{Kind: model.ContinuousCLFDecrease, Eps1: 0.01, Eps2: 0.1, Lambda: 0.5}
	params := model.Parameters{
		Certificate: phi2d(),
		R:           [][]float64{{1, 0}, {0, 1}},
	}
	eq := model.Equilibrium{X: []float64{0, 0}}

	objectives := map[mip.Strategy]float64{}
	for _, strat := range []mip.Strategy{mip.StrategySampled, mip.StrategyExact} {
		b := &cert.Builder{Sys: sys, Eq: eq, Domain: box2d(1), Cond: cond, Strategy: strat}
		probs, err := b.Problems(params)
		if err != nil {
			t.Fatalf("builder failed: %v", err)
		}
		dec := probs[1]
		if dec.Fallback {
			t.Fatalf("precondition holds, fallback not expected: %s", dec.FallbackReason)
		}
		res := solveProblem(t, dec)
		objectives[strat] = res.Objective
	}

	lyap := nn.Lyapunov{Phi: params.Certificate, XEq: eq.X, Lambda: cond.Lambda, R: params.R}
	truth := gridMax(t, box2d(1), 60, func(x []float64) float64 {
		pat, _, err := nn.PatternAt(lyap.Phi, x)
		if err != nil {
			t.Fatalf("pattern failed: %v", err)
		}
		grad, err := nn.InputGradient(lyap.Phi, pat)
		if err != nil {
			t.Fatalf("gradient failed: %v", err)
		}
		// Vdot = (dphi/dx + lambda*g'R) * f with f = -x and g = sign(Rx).
		vdot := 0.0
		signs := lyap.StateError(x)
		for k := 0; k < 2; k++ {
			d := grad.At(0, k)
			for i, s := range signs {
				d += cond.Lambda * sign(s) * params.R[i][k]
			}
			vdot += d * -x[k]
		}
		v, err := lyap.Value(x)
		if err != nil {
			t.Fatalf("value failed: %v", err)
		}
		return vdot + cond.Eps2*v
	})

	if objectives[mip.StrategySampled] < truth-1e-6 {
		t.Fatalf("sampled optimum %f below pointwise worst case %f",
			objectives[mip.StrategySampled], truth)
	}
	if objectives[mip.StrategyExact] < objectives[mip.StrategySampled]-1e-6 {
		t.Fatalf("exact envelope %f below sampled %f",
			objectives[mip.StrategyExact], objectives[mip.StrategySampled])
	}
}

func sign(v float64) float64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}

func TestCLFExactFallsBackWithInputs(t *testing.T) {
	sys := autonomousSystem()
	sys.UDim = 1
	g := model.Network{
		InputDim: 2,
		Layers: []model.Layer{
			{Kind: model.LayerAffine, Weights: [][]float64{{0, 0}, {0, 0}}, Biases: []float64{1, 0.5}},
		},
	}
	sys.G = &g
	sys.UBox = model.Box{Lo: []float64{-1}, Up: []float64{1}}

	cond := model.Condition{Kind: model.ContinuousCLFDecrease, Eps1: 0.01, Eps2: 0.1, Lambda: 0.5}
	params := model.Parameters{Certificate: phi2d(), R: [][]float64{{1, 0}, {0, 1}}}
	b := &cert.Builder{
		Sys:      sys,
		Eq:       model.Equilibrium{X: []float64{0, 0}},
		Domain:   box2d(1),
		Cond:     cond,
		Strategy: mip.StrategyExact,
	}
	probs, err := b.Problems(params)
	if err != nil {
		t.Fatalf("builder failed: %v", err)
	}
	dec := probs[1]
	if !dec.Fallback || dec.FallbackReason == "" {
		t.Fatalf("expected a recorded fallback to sampled")
	}
}

// A barrier engineered to poke above zero at exactly one corner of the
// domain: h(x) = -x1 - x2 + 1 is 3 at (-1, -1) and negative on the two
// far faces.
func TestBarrierBoundaryFindsCorner(t *testing.T) {
	sys := autonomousSystem()
	phi := model.Network{
		InputDim: 2,
		Layers: []model.Layer{
			{Kind: model.LayerAffine, Weights: [][]float64{{-1, -1}}, Biases: []float64{0}},
		},
	}
	cond := model.Condition{Kind: model.BarrierInvariance, Eps: 0.1}
	params := model.Parameters{Certificate: phi}
	b := &cert.Builder{
		Sys:      sys,
		Eq:       model.Equilibrium{X: []float64{0, 0}},
		Domain:   box2d(1),
		Cond:     cond,
		Strategy: mip.StrategySampled,
	}
	probs, err := b.Problems(params)
	if err != nil {
		t.Fatalf("builder failed: %v", err)
	}
	// one decrease program plus four faces
	if len(probs) != 5 {
		t.Fatalf("got %d problems, want 5", len(probs))
	}

	worst := math.Inf(-1)
	var worstCE model.Counterexample
	violations := 0
	for _, p := range probs[1:] {
		if p.Role != model.MILPBoundary {
			t.Fatalf("role %s, want boundary", p.Role)
		}
		res := solveProblem(t, p)
		if p.Violated(res.Objective, 1e-9) {
			violations++
		}
		if res.Objective > worst {
			worst = res.Objective
			worstCE = p.Extract(res.Assignment, res.Objective)
		}
	}
	if violations == 0 {
		t.Fatalf("expected boundary violations")
	}
	if math.Abs(worst-3) > 1e-6 {
		t.Fatalf("worst boundary value %f, want 3", worst)
	}
	if math.Abs(worstCE.X[0]+1) > 1e-6 || math.Abs(worstCE.X[1]+1) > 1e-6 {
		t.Fatalf("corner witness %v, want (-1, -1)", worstCE.X)
	}
}

func TestBuilderValidatesShape(t *testing.T) {
	sys := discreteSystem()
	cond := model.Condition{Kind: model.DiscreteDecrease, Eps1: 0.5, Eps2: 0.1, Lambda: 0.2}
	psi := model.Network{
		InputDim: 2,
		Layers: []model.Layer{
			{Kind: model.LayerAffine, Weights: [][]float64{{-0.4, 0}, {0, -0.4}}, Biases: []float64{0, 0}},
		},
	}
	params := model.Parameters{Certificate: phi2d(), Controller: &psi, R: [][]float64{{1, 0}, {0, 1}}}
	b := &cert.Builder{
		Sys:      sys,
		Eq:       model.Equilibrium{X: []float64{0, 0}, U: []float64{0, 0}},
		Domain:   box2d(1),
		Cond:     cond, // lambda <= eps1
		Strategy: mip.StrategySampled,
	}
	if _, err := b.Problems(params); err == nil {
		t.Fatalf("lambda <= eps1 must be rejected")
	}
}
