package solver

import (
	"context"
	"time"

	"asphaleia/internal/mip"
)

// Status classifies a solve outcome. Timeout is inconclusive: the CEGIS
// loop must never read it as "no violation".
type Status string

const (
	StatusOptimal    Status = "optimal"
	StatusInfeasible Status = "infeasible"
	StatusTimeout    Status = "timeout"
	StatusNumerical  Status = "numerical_error"
)

// Result is the outcome of one MILP solve: the terminal status, the
// objective in the model's sense, and the full variable assignment at the
// optimum (or the incumbent when the budget expired).
type Result struct {
	Status     Status
	Objective  float64
	Assignment []float64
}

// Solver is the counterexample solver adapter. Implementations wrap a
// global optimizer; the bundled branch-and-bound is the reference, and an
// external solver can be substituted behind the same contract.
type Solver interface {
	Solve(ctx context.Context, m *mip.Model, budget time.Duration) (Result, error)
}
