package mip

import (
	"fmt"
	"math"
)

// Relation is a linear constraint sense.
type Relation int

const (
	LE Relation = iota
	GE
	EQ
)

func (r Relation) String() string {
	switch r {
	case LE:
		return "<="
	case GE:
		return ">="
	default:
		return "=="
	}
}

// Constraint is expr (rel) rhs.
type Constraint struct {
	Expr LinExpr
	Rel  Relation
	RHS  float64
}

// Model is the solver-agnostic MILP artifact: continuous and binary
// variables with finite bounds, linear constraints, and one linear
// objective. It is the collaborator surface a solver adapter consumes.
//
// The builder is sticky-error: the first structural defect is kept and all
// later calls are no-ops, so encoding code can build without per-call error
// plumbing and check Err once. Unbounded continuous variables are rejected
// because every big-M constant downstream derives from these bounds.
type Model struct {
	lo, up   []float64
	binary   []bool
	constrs  []Constraint
	obj      LinExpr
	maximize bool
	err      error
}

// NewModel returns an empty model.
func NewModel() *Model {
	return &Model{obj: NewExpr()}
}

// Err returns the first recorded build error, if any.
func (m *Model) Err() error { return m.err }

func (m *Model) fail(err error) {
	if m.err == nil {
		m.err = err
	}
}

// AddContinuousVar adds a bounded continuous variable.
func (m *Model) AddContinuousVar(lo, up float64) Var {
	if m.err != nil {
		return -1
	}
	if math.IsInf(lo, 0) || math.IsInf(up, 0) || math.IsNaN(lo) || math.IsNaN(up) {
		m.fail(fmt.Errorf("%w: unbounded continuous variable [%g, %g]", ErrEncoding, lo, up))
		return -1
	}
	if lo > up {
		m.fail(fmt.Errorf("%w: inverted variable bounds [%g, %g]", ErrEncoding, lo, up))
		return -1
	}
	m.lo = append(m.lo, lo)
	m.up = append(m.up, up)
	m.binary = append(m.binary, false)
	return Var(len(m.lo) - 1)
}

// AddBinaryVar adds a 0/1 variable.
func (m *Model) AddBinaryVar() Var {
	if m.err != nil {
		return -1
	}
	m.lo = append(m.lo, 0)
	m.up = append(m.up, 1)
	m.binary = append(m.binary, true)
	return Var(len(m.lo) - 1)
}

// AddLinearConstraint appends expr (rel) rhs.
func (m *Model) AddLinearConstraint(expr LinExpr, rel Relation, rhs float64) {
	if m.err != nil {
		return
	}
	m.constrs = append(m.constrs, Constraint{Expr: expr.Clone(), Rel: rel, RHS: rhs})
}

// SetObjective installs the objective.
func (m *Model) SetObjective(expr LinExpr, maximize bool) {
	if m.err != nil {
		return
	}
	m.obj = expr.Clone()
	m.maximize = maximize
}

// NumVars returns the variable count.
func (m *Model) NumVars() int { return len(m.lo) }

// IsBinary reports whether v is a binary variable.
func (m *Model) IsBinary(v Var) bool { return m.binary[v] }

// VarBounds returns v's bounds.
func (m *Model) VarBounds(v Var) (lo, up float64) { return m.lo[v], m.up[v] }

// Constraints returns the constraint slice (read-only by convention).
func (m *Model) Constraints() []Constraint { return m.constrs }

// Objective returns the objective expression and sense.
func (m *Model) Objective() (LinExpr, bool) { return m.obj, m.maximize }

// ExprBounds computes an interval bound of expr from variable bounds.
func (m *Model) ExprBounds(e LinExpr) Interval {
	lo, up := e.Const, e.Const
	for v, c := range e.Coeffs {
		if c >= 0 {
			lo += c * m.lo[v]
			up += c * m.up[v]
		} else {
			lo += c * m.up[v]
			up += c * m.lo[v]
		}
	}
	return Interval{Lo: lo, Up: up}
}

// VarFromExpr introduces a variable constrained equal to expr, bounded by
// interval arithmetic over expr's variables.
func (m *Model) VarFromExpr(e LinExpr) Var {
	b := m.ExprBounds(e)
	v := m.AddContinuousVar(b.Lo, b.Up)
	if m.err != nil {
		return -1
	}
	c := e.Clone()
	c.AddTerm(v, -1)
	rhs := -c.Const
	c.Const = 0
	m.AddLinearConstraint(c, EQ, rhs)
	return v
}

// CheckAssignment verifies that assign satisfies bounds, integrality, and
// every constraint within tol. Used by encoding-fidelity tests.
func (m *Model) CheckAssignment(assign []float64, tol float64) error {
	if len(assign) != len(m.lo) {
		return fmt.Errorf("assignment width %d, want %d", len(assign), len(m.lo))
	}
	for i, v := range assign {
		if v < m.lo[i]-tol || v > m.up[i]+tol {
			return fmt.Errorf("var %d = %g outside [%g, %g]", i, v, m.lo[i], m.up[i])
		}
		if m.binary[i] && math.Abs(v-math.Round(v)) > tol {
			return fmt.Errorf("binary var %d = %g not integral", i, v)
		}
	}
	for i, c := range m.constrs {
		lhs := c.Expr.Eval(assign)
		switch c.Rel {
		case LE:
			if lhs > c.RHS+tol {
				return fmt.Errorf("constraint %d violated: %g %s %g", i, lhs, c.Rel, c.RHS)
			}
		case GE:
			if lhs < c.RHS-tol {
				return fmt.Errorf("constraint %d violated: %g %s %g", i, lhs, c.Rel, c.RHS)
			}
		case EQ:
			if math.Abs(lhs-c.RHS) > tol {
				return fmt.Errorf("constraint %d violated: %g %s %g", i, lhs, c.Rel, c.RHS)
			}
		}
	}
	return nil
}

// EvalObjective evaluates the objective under assign.
func (m *Model) EvalObjective(assign []float64) float64 {
	return m.obj.Eval(assign)
}
