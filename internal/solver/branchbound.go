package solver

import (
	"context"
	"errors"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize/convex/lp"

	"asphaleia/internal/mip"
)

// BranchAndBound is the reference MILP solver: depth-first branch and
// bound over the binary variables, bounding each node with the LP
// relaxation solved by gonum's simplex. Every variable carries finite
// bounds by construction of the encodings, which is what makes the
// shifted standard form below well defined.
type BranchAndBound struct {
	IntTol float64
	GapTol float64
}

// NewBranchAndBound returns a solver with default tolerances.
func NewBranchAndBound() *BranchAndBound {
	return &BranchAndBound{IntTol: 1e-6, GapTol: 1e-9}
}

type node struct {
	lo, up []float64
}

// Solve runs branch and bound. A zero budget means no wall-clock limit
// beyond the context.
func (s *BranchAndBound) Solve(ctx context.Context, m *mip.Model, budget time.Duration) (Result, error) {
	var deadline time.Time
	if budget > 0 {
		deadline = time.Now().Add(budget)
	}
	expired := func() bool {
		if ctx.Err() != nil {
			return true
		}
		return !deadline.IsZero() && time.Now().After(deadline)
	}

	n := m.NumVars()
	rootLo := make([]float64, n)
	rootUp := make([]float64, n)
	for i := 0; i < n; i++ {
		rootLo[i], rootUp[i] = m.VarBounds(mip.Var(i))
	}

	_, maximize := m.Objective()

	var (
		haveIncumbent bool
		bestObj       float64
		bestAssign    []float64
	)
	better := func(v float64) bool {
		if !haveIncumbent {
			return true
		}
		if maximize {
			return v > bestObj
		}
		return v < bestObj
	}

	stack := []node{{lo: rootLo, up: rootUp}}
	rootSolved := false
	for len(stack) > 0 {
		if expired() {
			return s.timeoutResult(haveIncumbent, bestObj, bestAssign), nil
		}
		nd := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		assign, relaxObj, err := s.solveRelaxation(m, nd.lo, nd.up)
		if err != nil {
			if errors.Is(err, lp.ErrInfeasible) {
				if !rootSolved {
					return Result{Status: StatusInfeasible}, nil
				}
				continue
			}
			return Result{Status: StatusNumerical}, nil
		}
		rootSolved = true

		// Bound: the relaxation dominates every integral descendant.
		if haveIncumbent {
			if maximize && relaxObj <= bestObj+s.GapTol {
				continue
			}
			if !maximize && relaxObj >= bestObj-s.GapTol {
				continue
			}
		}

		branchVar := -1
		worstFrac := s.IntTol
		for i := 0; i < n; i++ {
			if !m.IsBinary(mip.Var(i)) || nd.lo[i] == nd.up[i] {
				continue
			}
			frac := math.Abs(assign[i] - math.Round(assign[i]))
			if frac > worstFrac {
				worstFrac = frac
				branchVar = i
			}
		}
		if branchVar < 0 {
			// Integral: snap binaries and accept as incumbent.
			for i := 0; i < n; i++ {
				if m.IsBinary(mip.Var(i)) {
					assign[i] = math.Round(assign[i])
				}
			}
			v := m.EvalObjective(assign)
			if better(v) {
				haveIncumbent = true
				bestObj = v
				bestAssign = assign
			}
			continue
		}

		down := node{lo: append([]float64(nil), nd.lo...), up: append([]float64(nil), nd.up...)}
		down.up[branchVar] = 0
		upNode := node{lo: append([]float64(nil), nd.lo...), up: append([]float64(nil), nd.up...)}
		upNode.lo[branchVar] = 1
		// Explore the branch the relaxation leans toward first.
		if assign[branchVar] >= 0.5 {
			stack = append(stack, down, upNode)
		} else {
			stack = append(stack, upNode, down)
		}
	}

	if !haveIncumbent {
		return Result{Status: StatusInfeasible}, nil
	}
	return Result{Status: StatusOptimal, Objective: bestObj, Assignment: bestAssign}, nil
}

func (s *BranchAndBound) timeoutResult(have bool, bestObj float64, bestAssign []float64) Result {
	if !have {
		return Result{Status: StatusTimeout}
	}
	return Result{Status: StatusTimeout, Objective: bestObj, Assignment: bestAssign}
}

// solveRelaxation solves the LP relaxation with the node's variable bounds
// by shifting every variable to the nonnegative orthant and adding slack
// rows for the upper bounds and inequality constraints.
func (s *BranchAndBound) solveRelaxation(m *mip.Model, lo, up []float64) ([]float64, float64, error) {
	n := m.NumVars()
	obj, maximize := m.Objective()
	constrs := m.Constraints()

	// Count rows and slack columns.
	rows := n // one upper-bound row per variable
	slacks := n
	for _, c := range constrs {
		rows++
		if c.Rel != mip.EQ {
			slacks++
		}
	}
	cols := n + slacks

	a := mat.NewDense(rows, cols, nil)
	b := make([]float64, rows)
	c := make([]float64, cols)

	objConst := obj.Const
	for v, coeff := range obj.Coeffs {
		c[v] = coeff
		objConst += coeff * lo[v]
	}
	if maximize {
		for i := range c {
			c[i] = -c[i]
		}
	}

	row := 0
	slack := n
	// y_i + s = up_i - lo_i
	for i := 0; i < n; i++ {
		a.Set(row, i, 1)
		a.Set(row, slack, 1)
		b[row] = up[i] - lo[i]
		row++
		slack++
	}
	for _, cn := range constrs {
		rhs := cn.RHS - cn.Expr.Const
		sign := 1.0
		if cn.Rel == mip.GE {
			sign = -1
		}
		for v, coeff := range cn.Expr.Coeffs {
			a.Set(row, int(v), sign*coeff)
			rhs -= coeff * lo[v] // shift before sign flip; applied below
		}
		if cn.Rel == mip.GE {
			rhs = -rhs
		}
		if cn.Rel != mip.EQ {
			a.Set(row, slack, 1)
			slack++
		}
		b[row] = rhs
		row++
	}

	_, x, err := lp.Simplex(c, a, b, 0, nil)
	if err != nil {
		return nil, 0, err
	}

	assign := make([]float64, n)
	val := obj.Const
	for i := 0; i < n; i++ {
		assign[i] = x[i] + lo[i]
	}
	for v, coeff := range obj.Coeffs {
		val += coeff * assign[v]
	}
	return assign, val, nil
}
