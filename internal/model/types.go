package model

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// LayerKind tags the piecewise-affine layer variants. Networks are flat
// sequences of tagged layers so the encoder and bound propagator can consume
// them uniformly without dispatch machinery.
type LayerKind string

const (
	LayerAffine     LayerKind = "affine"
	LayerLeakyReLU  LayerKind = "leaky_relu"
	LayerSaturation LayerKind = "saturation"
)

// Layer is one stage of a feed-forward piecewise-affine network.
//
// affine:     y = W x + b
// leaky_relu: y_i = x_i if x_i >= 0, else NegSlope * x_i
// saturation: y_i = clamp(x_i, Lower_i, Upper_i)
type Layer struct {
	Kind     LayerKind   `json:"kind"`
	Weights  [][]float64 `json:"weights,omitempty"`
	Biases   []float64   `json:"biases,omitempty"`
	NegSlope float64     `json:"neg_slope,omitempty"`
	Lower    []float64   `json:"lower,omitempty"`
	Upper    []float64   `json:"upper,omitempty"`
}

// Network is an ordered layer sequence. InputDim is the width of the first
// layer's input; widths of later layers follow from the weight shapes.
type Network struct {
	VersionedRecord
	ID       string  `json:"id"`
	InputDim int     `json:"input_dim"`
	Layers   []Layer `json:"layers"`
}

// Box is an axis-aligned bounding region.
type Box struct {
	Lo []float64 `json:"lo"`
	Up []float64 `json:"up"`
}

// Equilibrium is the anchoring pair (x*, u*). Certificates are constructed
// around it by subtraction so that V(x*)=0, u(x*)=u*, h(x*)=1 hold for every
// parameter setting.
type Equilibrium struct {
	X []float64 `json:"x"`
	U []float64 `json:"u,omitempty"`
}

// System bundles the frozen dynamics a run certifies against. Discrete
// holds x+ = fd([x; u]) for the discrete decrease condition; F and G hold
// the control-affine continuous dynamics xdot = f(x) + G(x) u, with G's
// output laid out row-major as XDim*UDim values. UBox bounds the admissible
// inputs and drives both controller saturation and u-elimination.
type System struct {
	VersionedRecord
	ID       string   `json:"id"`
	XDim     int      `json:"x_dim"`
	UDim     int      `json:"u_dim"`
	Discrete *Network `json:"discrete,omitempty"`
	F        *Network `json:"f,omitempty"`
	G        *Network `json:"g,omitempty"`
	UBox     Box      `json:"u_box"`
}

// ConditionKind tags the certificate condition variants.
type ConditionKind string

const (
	DiscreteDecrease      ConditionKind = "discrete_decrease"
	ContinuousCLFDecrease ConditionKind = "continuous_clf_decrease"
	BarrierInvariance     ConditionKind = "barrier_invariance"
)

// Condition carries the hyperparameters of one certificate condition.
// Lambda must exceed Eps1; that ordering keeps the positivity MILP's L1
// coefficient negative and is preserved by construction (lambda is never
// trained).
type Condition struct {
	Kind   ConditionKind `json:"kind"`
	Eps1   float64       `json:"eps1,omitempty"`
	Eps2   float64       `json:"eps2,omitempty"`
	Eps    float64       `json:"eps,omitempty"`
	Lambda float64       `json:"lambda,omitempty"`
	R      [][]float64   `json:"r,omitempty"`
}

// MILPRole names which of a condition's canonical programs produced a result.
type MILPRole string

const (
	MILPPositivity MILPRole = "positivity"
	MILPDecrease   MILPRole = "decrease"
	MILPBoundary   MILPRole = "boundary"
)

// Counterexample is a violating state extracted from a solver optimum.
type Counterexample struct {
	Condition   ConditionKind `json:"condition"`
	MILP        MILPRole      `json:"milp"`
	X           []float64     `json:"x"`
	XNext       []float64     `json:"x_next,omitempty"`
	U           []float64     `json:"u,omitempty"`
	Objective   float64       `json:"objective"`
	Subgradient []float64     `json:"subgradient,omitempty"`
}

// ConditionResult is the outcome of one MILP solve inside a Verify step.
type ConditionResult struct {
	Condition      ConditionKind   `json:"condition"`
	MILP           MILPRole        `json:"milp"`
	Face           int             `json:"face,omitempty"`
	Status         string          `json:"status"`
	Objective      float64         `json:"objective"`
	Violated       bool            `json:"violated"`
	Counterexample *Counterexample `json:"counterexample,omitempty"`
}

// IterationRecord is the per-iteration trace entry used for trend
// diagnostics and stall detection.
type IterationRecord struct {
	VersionedRecord
	Iteration    int               `json:"iteration"`
	Results      []ConditionResult `json:"results"`
	MaxViolation float64           `json:"max_violation"`
	Ambiguities  int               `json:"ambiguities"`
	Timeouts     int               `json:"timeouts"`
	ElapsedMS    int64             `json:"elapsed_ms"`
}

// Parameters bundles every trainable artifact threaded through Verify/Train.
// Dynamics networks are read-only for the whole run and live outside this
// struct.
type Parameters struct {
	VersionedRecord
	Certificate Network     `json:"certificate"`
	Controller  *Network    `json:"controller,omitempty"`
	R           [][]float64 `json:"r"`
}

// CheckpointRecord snapshots parameters mid-run.
type CheckpointRecord struct {
	VersionedRecord
	RunID     string     `json:"run_id"`
	Iteration int        `json:"iteration"`
	Params    Parameters `json:"params"`
}

// RunStatus is the terminal state of a certification attempt.
type RunStatus string

const (
	RunConverged      RunStatus = "converged"
	RunNonConvergence RunStatus = "non_convergence"
	RunFatal          RunStatus = "fatal"
	RunActive         RunStatus = "active"
)

// RunRecord is the persisted summary of one certification run.
type RunRecord struct {
	VersionedRecord
	ID                string        `json:"id"`
	CreatedAtUTC      string        `json:"created_at_utc"`
	Condition         ConditionKind `json:"condition"`
	Status            RunStatus     `json:"status"`
	Iterations        int           `json:"iterations"`
	FinalMaxViolation float64       `json:"final_max_violation"`
	Seed              int64         `json:"seed"`
}
