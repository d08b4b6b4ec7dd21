package mip

// Var indexes a model variable.
type Var int

// LinExpr is a linear expression sum(coeff_i * var_i) + Const.
type LinExpr struct {
	Coeffs map[Var]float64
	Const  float64
}

// NewExpr returns the zero expression.
func NewExpr() LinExpr {
	return LinExpr{Coeffs: make(map[Var]float64)}
}

// FromVar returns the expression 1*v.
func FromVar(v Var) LinExpr {
	e := NewExpr()
	e.Coeffs[v] = 1
	return e
}

// FromConst returns a constant expression.
func FromConst(c float64) LinExpr {
	e := NewExpr()
	e.Const = c
	return e
}

// AddTerm accumulates coeff*v into e.
func (e *LinExpr) AddTerm(v Var, coeff float64) {
	if coeff == 0 {
		return
	}
	e.Coeffs[v] += coeff
	if e.Coeffs[v] == 0 {
		delete(e.Coeffs, v)
	}
}

// AddExpr accumulates scale*other into e.
func (e *LinExpr) AddExpr(other LinExpr, scale float64) {
	for v, c := range other.Coeffs {
		e.AddTerm(v, scale*c)
	}
	e.Const += scale * other.Const
}

// Scale multiplies e in place.
func (e *LinExpr) Scale(s float64) {
	for v := range e.Coeffs {
		e.Coeffs[v] *= s
	}
	e.Const *= s
}

// Clone returns a deep copy.
func (e LinExpr) Clone() LinExpr {
	out := LinExpr{Coeffs: make(map[Var]float64, len(e.Coeffs)), Const: e.Const}
	for v, c := range e.Coeffs {
		out.Coeffs[v] = c
	}
	return out
}

// Eval evaluates e under a full assignment.
func (e LinExpr) Eval(assign []float64) float64 {
	sum := e.Const
	for v, c := range e.Coeffs {
		sum += c * assign[v]
	}
	return sum
}
