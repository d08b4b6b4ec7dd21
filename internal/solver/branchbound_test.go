package solver

import (
	"context"
	"math"
	"testing"
	"time"

	"asphaleia/internal/mip"
	"asphaleia/internal/model"
	"asphaleia/internal/nn"
)

func solve(t *testing.T, m *mip.Model) Result {
	t.Helper()
	if m.Err() != nil {
		t.Fatalf("model build failed: %v", m.Err())
	}
	res, err := NewBranchAndBound().Solve(context.Background(), m, 0)
	if err != nil {
		t.Fatalf("solve failed: %v", err)
	}
	return res
}

func TestSolvePureLP(t *testing.T) {
	// max x + y subject to x + y <= 1.5 over the unit box.
	m := mip.NewModel()
	x := m.AddContinuousVar(0, 1)
	y := m.AddContinuousVar(0, 1)
	c := mip.FromVar(x)
	c.AddTerm(y, 1)
	m.AddLinearConstraint(c, mip.LE, 1.5)
	obj := mip.FromVar(x)
	obj.AddTerm(y, 1)
	m.SetObjective(obj, true)

	res := solve(t, m)
	if res.Status != StatusOptimal {
		t.Fatalf("status %s, want optimal", res.Status)
	}
	if math.Abs(res.Objective-1.5) > 1e-6 {
		t.Fatalf("objective %f, want 1.5", res.Objective)
	}
}

func TestSolveMinimize(t *testing.T) {
	// min x - 2y over the box with y <= x.
	m := mip.NewModel()
	x := m.AddContinuousVar(0, 1)
	y := m.AddContinuousVar(0, 1)
	c := mip.FromVar(y)
	c.AddTerm(x, -1)
	m.AddLinearConstraint(c, mip.LE, 0)
	obj := mip.FromVar(x)
	obj.AddTerm(y, -2)
	m.SetObjective(obj, false)

	res := solve(t, m)
	if res.Status != StatusOptimal {
		t.Fatalf("status %s, want optimal", res.Status)
	}
	// x = y = 1 gives -1.
	if math.Abs(res.Objective+1) > 1e-6 {
		t.Fatalf("objective %f, want -1", res.Objective)
	}
}

func TestSolveKnapsack(t *testing.T) {
	// max 5a + 4b + 3c with 4a + 3b + 2c <= 6: optimum picks a and c.
	m := mip.NewModel()
	vars := []mip.Var{m.AddBinaryVar(), m.AddBinaryVar(), m.AddBinaryVar()}
	values := []float64{5, 4, 3}
	weights := []float64{4, 3, 2}

	c := mip.NewExpr()
	obj := mip.NewExpr()
	for i, v := range vars {
		c.AddTerm(v, weights[i])
		obj.AddTerm(v, values[i])
	}
	m.AddLinearConstraint(c, mip.LE, 6)
	m.SetObjective(obj, true)

	res := solve(t, m)
	if res.Status != StatusOptimal {
		t.Fatalf("status %s, want optimal", res.Status)
	}
	if math.Abs(res.Objective-8) > 1e-6 {
		t.Fatalf("objective %f, want 8", res.Objective)
	}
	want := []float64{1, 0, 1}
	for i, v := range vars {
		if math.Abs(res.Assignment[v]-want[i]) > 1e-6 {
			t.Fatalf("assignment %v, want %v", res.Assignment[:3], want)
		}
	}
	if err := m.CheckAssignment(res.Assignment, 1e-6); err != nil {
		t.Fatalf("solution violates the model: %v", err)
	}
}

func TestSolveInfeasible(t *testing.T) {
	m := mip.NewModel()
	x := m.AddContinuousVar(0, 1)
	m.AddLinearConstraint(mip.FromVar(x), mip.GE, 2)
	m.SetObjective(mip.FromVar(x), true)

	res := solve(t, m)
	if res.Status != StatusInfeasible {
		t.Fatalf("status %s, want infeasible", res.Status)
	}
}

func TestSolveTimeout(t *testing.T) {
	m := mip.NewModel()
	obj := mip.NewExpr()
	for i := 0; i < 24; i++ {
		obj.AddTerm(m.AddBinaryVar(), 1+float64(i)*1e-7)
	}
	m.SetObjective(obj, true)

	res, err := NewBranchAndBound().Solve(context.Background(), m, time.Nanosecond)
	if err != nil {
		t.Fatalf("solve failed: %v", err)
	}
	if res.Status != StatusTimeout {
		t.Fatalf("status %s, want timeout", res.Status)
	}
}

func TestSolveContextCancel(t *testing.T) {
	m := mip.NewModel()
	obj := mip.NewExpr()
	for i := 0; i < 24; i++ {
		obj.AddTerm(m.AddBinaryVar(), 1)
	}
	m.SetObjective(obj, true)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := NewBranchAndBound().Solve(ctx, m, 0)
	if err != nil {
		t.Fatalf("solve failed: %v", err)
	}
	if res.Status != StatusTimeout {
		t.Fatalf("status %s, want timeout", res.Status)
	}
}

// Maximizing an encoded network over its input box must agree with the
// exhaustive maximum over the activation regions, which a fine grid
// approximates to first order away from the kinks.
func TestSolveEncodedNetworkMaximum(t *testing.T) {
	net := model.Network{
		InputDim: 2,
		Layers: []model.Layer{
			{Kind: model.LayerAffine, Weights: [][]float64{{1, -1}, {2, 0.5}, {-0.5, 1}}, Biases: []float64{0.1, -0.2, 0}},
			{Kind: model.LayerLeakyReLU, NegSlope: 0.1},
			{Kind: model.LayerAffine, Weights: [][]float64{{1, 1, -2}}, Biases: []float64{0.3}},
		},
	}
	in := []mip.Interval{{Lo: -1, Up: 1}, {Lo: -1, Up: 1}}

	m := mip.NewModel()
	inputs := []mip.Var{m.AddContinuousVar(-1, 1), m.AddContinuousVar(-1, 1)}
	enc, err := mip.EncodeNetwork(m, net, inputs, in)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	m.SetObjective(enc.Output[0], true)

	res := solve(t, m)
	if res.Status != StatusOptimal {
		t.Fatalf("status %s, want optimal", res.Status)
	}

	// The maximum of a piecewise-affine function over a box is attained at
	// a vertex of some region; sampling a grid lower-bounds it.
	best := math.Inf(-1)
	steps := 40
	for i := 0; i <= steps; i++ {
		for j := 0; j <= steps; j++ {
			x := []float64{
				-1 + 2*float64(i)/float64(steps),
				-1 + 2*float64(j)/float64(steps),
			}
			v, err := nn.Eval(net, x)
			if err != nil {
				t.Fatalf("eval failed: %v", err)
			}
			if v[0] > best {
				best = v[0]
			}
		}
	}
	if res.Objective < best-1e-6 {
		t.Fatalf("solver maximum %f below sampled %f", res.Objective, best)
	}

	// The witness input must reproduce the objective through the network.
	x := []float64{res.Assignment[inputs[0]], res.Assignment[inputs[1]]}
	v, err := nn.Eval(net, x)
	if err != nil {
		t.Fatalf("eval failed: %v", err)
	}
	if math.Abs(v[0]-res.Objective) > 1e-6 {
		t.Fatalf("witness value %f, objective %f", v[0], res.Objective)
	}
}

// The exact L1 envelope reaches |x| under maximization even without
// binaries for the straddling term.
func TestSolveExactEnvelopeTightens(t *testing.T) {
	m := mip.NewModel()
	x := m.AddContinuousVar(-2, 1)
	sum := mip.EncodeL1(m, []mip.LinExpr{mip.FromVar(x)}, mip.StrategyExact, true)

	// max 3 - sum, so the optimizer drives |x| to 0.
	obj := mip.FromConst(3)
	obj.AddExpr(sum, -1)
	m.SetObjective(obj, true)

	res := solve(t, m)
	if res.Status != StatusOptimal {
		t.Fatalf("status %s, want optimal", res.Status)
	}
	if math.Abs(res.Objective-3) > 1e-6 {
		t.Fatalf("objective %f, want 3", res.Objective)
	}
	if math.Abs(res.Assignment[x]) > 1e-6 {
		t.Fatalf("witness x = %f, want 0", res.Assignment[x])
	}
}
