package mip

import (
	"errors"
	"math"
	"testing"
)

func TestLinExprArithmetic(t *testing.T) {
	e := FromConst(1)
	e.AddTerm(0, 2)
	e.AddTerm(1, -1)
	e.AddTerm(0, 0.5) // merges with the existing x0 term
	if got := e.Eval([]float64{2, 3}); math.Abs(got-3) > 1e-12 {
		t.Fatalf("eval = %f, want 3", got)
	}

	f := FromVar(1)
	f.AddExpr(e, 2)
	if got := f.Eval([]float64{2, 3}); math.Abs(got-9) > 1e-12 {
		t.Fatalf("AddExpr eval = %f, want 9", got)
	}

	g := e.Clone()
	g.Scale(-1)
	e.AddTerm(0, 100)
	if got := g.Eval([]float64{2, 3}); math.Abs(got+3) > 1e-12 {
		t.Fatalf("Clone not independent: %f", got)
	}
}

func TestModelRejectsBadVariables(t *testing.T) {
	m := NewModel()
	m.AddContinuousVar(1, -1)
	if !errors.Is(m.Err(), ErrEncoding) {
		t.Fatalf("inverted bounds should stick as ErrEncoding, got %v", m.Err())
	}

	m = NewModel()
	m.AddContinuousVar(0, math.Inf(1))
	if !errors.Is(m.Err(), ErrEncoding) {
		t.Fatalf("unbounded variable should stick as ErrEncoding, got %v", m.Err())
	}

	// Sticky: later valid calls do not clear the error.
	m.AddContinuousVar(0, 1)
	if m.Err() == nil {
		t.Fatalf("error should be sticky")
	}
}

func TestExprBounds(t *testing.T) {
	m := NewModel()
	x := m.AddContinuousVar(-1, 2)
	y := m.AddContinuousVar(0, 3)
	e := FromConst(1)
	e.AddTerm(x, 2)
	e.AddTerm(y, -1)
	b := m.ExprBounds(e)
	if b.Lo != -4 || b.Up != 5 {
		t.Fatalf("bounds [%f, %f], want [-4, 5]", b.Lo, b.Up)
	}
}

func TestVarFromExpr(t *testing.T) {
	m := NewModel()
	x := m.AddContinuousVar(-1, 2)
	e := FromConst(0.5)
	e.AddTerm(x, 3)
	v := m.VarFromExpr(e)
	if m.Err() != nil {
		t.Fatalf("build failed: %v", m.Err())
	}
	if lo, up := m.VarBounds(v); lo != -2.5 || up != 6.5 {
		t.Fatalf("bounds [%f, %f], want [-2.5, 6.5]", lo, up)
	}

	assign := make([]float64, m.NumVars())
	assign[x] = 1
	assign[v] = 3.5
	if err := m.CheckAssignment(assign, 1e-9); err != nil {
		t.Fatalf("equality assignment rejected: %v", err)
	}
	assign[v] = 3
	if err := m.CheckAssignment(assign, 1e-9); err == nil {
		t.Fatalf("unequal value should violate the defining constraint")
	}
}
