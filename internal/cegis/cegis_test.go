package cegis

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"asphaleia/internal/cert"
	"asphaleia/internal/mip"
	"asphaleia/internal/model"
	"asphaleia/internal/solver"
	"asphaleia/internal/storage"
	"asphaleia/internal/train"
)

// affinePhi is a linear certificate over two states; the loop only ever
// trains its weights, which keeps every gradient step analytic.
func affinePhi(w1, w2 float64) model.Network {
	return model.Network{
		InputDim: 2,
		Layers: []model.Layer{
			{Kind: model.LayerAffine, Weights: [][]float64{{w1, w2}}, Biases: []float64{0}},
		},
	}
}

func zeroController() *model.Network {
	return &model.Network{
		InputDim: 2,
		Layers: []model.Layer{
			{Kind: model.LayerAffine, Weights: [][]float64{{0, 0}}, Biases: []float64{0}},
		},
	}
}

// scaledSystem is x+ = a*x with a vestigial input channel the dynamics
// ignore, so the controller stays at zero throughout training.
func scaledSystem(a float64) model.System {
	return model.System{
		XDim: 2,
		UDim: 1,
		Discrete: &model.Network{
			InputDim: 3,
			Layers: []model.Layer{
				{Kind: model.LayerAffine, Weights: [][]float64{{a, 0, 0}, {0, a, 0}}, Biases: []float64{0, 0}},
			},
		},
		UBox: model.Box{Lo: []float64{-1}, Up: []float64{1}},
	}
}

func testSetup(a float64) (model.System, model.Equilibrium, model.Box, model.Condition) {
	sys := scaledSystem(a)
	eq := model.Equilibrium{X: []float64{0, 0}, U: []float64{0}}
	domain := model.Box{Lo: []float64{-1, -1}, Up: []float64{1, 1}}
	cond := model.Condition{Kind: model.DiscreteDecrease, Eps1: 0.01, Eps2: 0.1, Lambda: 0.2}
	return sys, eq, domain, cond
}

func testParams(w1, w2 float64) model.Parameters {
	return model.Parameters{
		Certificate: affinePhi(w1, w2),
		Controller:  zeroController(),
		R:           [][]float64{{1, 0}, {0, 1}},
	}
}

// With x+ = 0.5x, phi weights (0.5, 0) and lambda 0.2 both programs are
// violated at x = (-1, 0): positivity by 0.31, decrease by 0.12. One
// averaged gradient step at rate 0.5 moves w1 to 0.15, which satisfies
// both conditions, so the second iteration certifies.
func TestRunConvergesOnStableSystem(t *testing.T) {
	sys, eq, domain, cond := testSetup(0.5)
	loop, err := New(Config{
		MaxIterations: 10,
		Workers:       2,
		Train:         train.Config{LearningRate: 0.5},
	}, sys, eq, domain, cond)
	if err != nil {
		t.Fatalf("new loop: %v", err)
	}

	report, err := loop.Run(context.Background(), testParams(0.5, 0))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Status != model.RunConverged {
		t.Fatalf("status = %s, want converged", report.Status)
	}
	if report.Iterations != 2 {
		t.Fatalf("iterations = %d, want 2", report.Iterations)
	}
	if len(report.Trace) != 2 {
		t.Fatalf("trace length = %d, want 2", len(report.Trace))
	}
	if got := report.Trace[0].MaxViolation; math.Abs(got-0.31) > 1e-6 {
		t.Fatalf("first iteration violation = %g, want 0.31", got)
	}
	if report.MaxViolation > 1e-6 {
		t.Fatalf("final violation = %g, want <= 0", report.MaxViolation)
	}
	if len(report.Trace[0].Results) != 2 {
		t.Fatalf("program count = %d, want 2", len(report.Trace[0].Results))
	}

	w := report.Params.Certificate.Layers[0].Weights[0]
	if math.Abs(w[0]-0.15) > 1e-6 || math.Abs(w[1]) > 1e-6 {
		t.Fatalf("trained weights = %v, want (0.15, 0)", w)
	}
	cw := report.Params.Controller.Layers[0].Weights[0]
	if cw[0] != 0 || cw[1] != 0 {
		t.Fatalf("controller drifted: %v", cw)
	}
	if report.Params.R[0][0] != 1 || report.Params.R[0][1] != 0 {
		t.Fatalf("R drifted: %v", report.Params.R)
	}
}

// With x+ = 2x no linear certificate exists: the decrease violation
// oscillates between 0.44 and 0.682 as the weight chases the active
// corner, so the trailing window never improves and the loop ends early.
func TestRunStallsOnUnstableSystem(t *testing.T) {
	sys, eq, domain, cond := testSetup(2)
	loop, err := New(Config{
		MaxIterations: 20,
		Workers:       2,
		StallWindow:   3,
		Train:         train.Config{LearningRate: 0.1},
	}, sys, eq, domain, cond)
	if err != nil {
		t.Fatalf("new loop: %v", err)
	}

	report, err := loop.Run(context.Background(), testParams(0, 0))
	if !errors.Is(err, ErrNonConvergence) {
		t.Fatalf("err = %v, want ErrNonConvergence", err)
	}
	if report.Status != model.RunNonConvergence {
		t.Fatalf("status = %s, want non_convergence", report.Status)
	}
	if report.Iterations != 4 {
		t.Fatalf("iterations = %d, want stall after 4", report.Iterations)
	}

	want := []float64{0.44, 0.682, 0.44, 0.682}
	for i, rec := range report.Trace {
		if math.Abs(rec.MaxViolation-want[i]) > 1e-6 {
			t.Fatalf("iteration %d violation = %g, want %g", i, rec.MaxViolation, want[i])
		}
	}
	ref := report.Trace[0].MaxViolation
	for _, rec := range report.Trace[1:] {
		if rec.MaxViolation < ref-1e-9 {
			t.Fatalf("trailing violation %g improved on %g", rec.MaxViolation, ref)
		}
	}

	// Best-known parameters come from the lowest-violation iteration,
	// which is the zero initialization.
	if math.Abs(report.MaxViolation-0.44) > 1e-6 {
		t.Fatalf("best violation = %g, want 0.44", report.MaxViolation)
	}
	w := report.Params.Certificate.Layers[0].Weights[0]
	if math.Abs(w[0]) > 1e-9 || math.Abs(w[1]) > 1e-9 {
		t.Fatalf("best weights = %v, want zeros", w)
	}
}

func TestRunCheckpointsThroughStore(t *testing.T) {
	sys, eq, domain, cond := testSetup(0.5)
	store := storage.NewMemoryStore()
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("init store: %v", err)
	}
	loop, err := New(Config{
		MaxIterations:   10,
		RunID:           "run-cp",
		Store:           store,
		CheckpointEvery: 1,
		Train:           train.Config{LearningRate: 0.5},
	}, sys, eq, domain, cond)
	if err != nil {
		t.Fatalf("new loop: %v", err)
	}
	if _, err := loop.Run(context.Background(), testParams(0.5, 0)); err != nil {
		t.Fatalf("run: %v", err)
	}

	cp, ok, err := store.LatestCheckpoint(context.Background(), "run-cp")
	if err != nil {
		t.Fatalf("latest checkpoint: %v", err)
	}
	if !ok || cp.Iteration != 1 {
		t.Fatalf("unexpected checkpoint: %+v", cp)
	}
	w := cp.Params.Certificate.Layers[0].Weights[0]
	if math.Abs(w[0]-0.15) > 1e-6 {
		t.Fatalf("checkpointed weight = %g, want post-step 0.15", w[0])
	}
}

type scriptedSolver struct {
	mu      sync.Mutex
	script  []solver.Result
	budgets []time.Duration
}

func (s *scriptedSolver) Solve(ctx context.Context, m *mip.Model, budget time.Duration) (solver.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.budgets = append(s.budgets, budget)
	res := s.script[0]
	if len(s.script) > 1 {
		s.script = s.script[1:]
	}
	return res, nil
}

func retryLoop(s solver.Solver, retries int) *Loop {
	return &Loop{cfg: Config{
		SolveBudget:    time.Second,
		TimeoutRetries: retries,
		Solver:         s,
	}}
}

func retryProblem() *cert.Problem {
	return &cert.Problem{
		Condition: model.DiscreteDecrease,
		Role:      model.MILPDecrease,
		Model:     mip.NewModel(),
	}
}

func TestSolveOneExtendsBudgetOnTimeout(t *testing.T) {
	ss := &scriptedSolver{script: []solver.Result{
		{Status: solver.StatusTimeout},
		{Status: solver.StatusOptimal, Objective: 1},
	}}
	res, err := retryLoop(ss, 2).solveOne(context.Background(), retryProblem())
	if err != nil {
		t.Fatalf("solve: %v", err)
	}
	if res.Status != solver.StatusOptimal || res.Objective != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(ss.budgets) != 2 || ss.budgets[0] != time.Second || ss.budgets[1] != 2*time.Second {
		t.Fatalf("budgets = %v, want doubling", ss.budgets)
	}
}

func TestSolveOneReportsTimeoutAfterRetries(t *testing.T) {
	ss := &scriptedSolver{script: []solver.Result{{Status: solver.StatusTimeout}}}
	res, err := retryLoop(ss, 1).solveOne(context.Background(), retryProblem())
	if err != nil {
		t.Fatalf("solve: %v", err)
	}
	if res.Status != solver.StatusTimeout {
		t.Fatalf("status = %s, want timeout", res.Status)
	}
	if len(ss.budgets) != 2 {
		t.Fatalf("attempts = %d, want 2", len(ss.budgets))
	}
}

func TestSolveOneInfeasibleIsFatal(t *testing.T) {
	ss := &scriptedSolver{script: []solver.Result{{Status: solver.StatusInfeasible}}}
	_, err := retryLoop(ss, 0).solveOne(context.Background(), retryProblem())
	if !errors.Is(err, mip.ErrEncoding) {
		t.Fatalf("err = %v, want encoding error", err)
	}
}

func TestSolveOneNumericalRetriesOnce(t *testing.T) {
	ss := &scriptedSolver{script: []solver.Result{
		{Status: solver.StatusNumerical},
		{Status: solver.StatusOptimal, Objective: 2},
	}}
	res, err := retryLoop(ss, 0).solveOne(context.Background(), retryProblem())
	if err != nil {
		t.Fatalf("solve: %v", err)
	}
	if res.Status != solver.StatusOptimal {
		t.Fatalf("status = %s, want optimal", res.Status)
	}

	ss = &scriptedSolver{script: []solver.Result{{Status: solver.StatusNumerical}}}
	if _, err := retryLoop(ss, 0).solveOne(context.Background(), retryProblem()); err == nil {
		t.Fatal("repeated numerical failure not fatal")
	}
}

func TestNewValidatesConfig(t *testing.T) {
	sys, eq, domain, cond := testSetup(0.5)
	if _, err := New(Config{}, sys, eq, domain, cond); err == nil {
		t.Fatal("zero iteration cap accepted")
	}
	if _, err := New(Config{MaxIterations: 1, CheckpointEvery: 2}, sys, eq, domain, cond); err == nil {
		t.Fatal("checkpointing without store accepted")
	}
	if _, err := New(Config{MaxIterations: 1, Strategy: "bogus"}, sys, eq, domain, cond); err == nil {
		t.Fatal("unknown strategy accepted")
	}
}
