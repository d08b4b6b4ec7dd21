// Package cegis drives the counterexample-guided synthesis loop:
// Verify solves every MILP of the active condition, Train repairs the
// parameters on the collected counterexamples, and the loop alternates
// until all optima are nonpositive or progress stops.
package cegis

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"asphaleia/internal/cert"
	"asphaleia/internal/mip"
	"asphaleia/internal/model"
	"asphaleia/internal/nn"
	"asphaleia/internal/solver"
	"asphaleia/internal/storage"
	"asphaleia/internal/train"
)

// ErrNonConvergence signals that the iteration cap, a stalled violation
// trend, or an unresolved timeout ended the run without a certificate.
// It is terminal but not fatal: the report still carries the best-known
// parameters and the full trace.
var ErrNonConvergence = errors.New("no certificate established")

type Config struct {
	// MaxIterations caps the Verify/Train alternation.
	MaxIterations int
	// Workers bounds the concurrent MILP solves per iteration.
	Workers int
	// SolveBudget is the wall-clock budget per MILP dispatch. Zero means
	// no limit beyond the context.
	SolveBudget time.Duration
	// TimeoutRetries is how many times a timed-out solve is retried, each
	// time with a doubled budget.
	TimeoutRetries int
	// Tolerance is the numerical slack when reading MILP optima.
	Tolerance float64
	// StallWindow ends the run early when the maximum violation has not
	// decreased across this many iterations. Zero disables the check.
	StallWindow int
	// CheckpointEvery persists parameters through Store every K
	// iterations. Zero disables checkpointing.
	CheckpointEvery int
	RunID           string
	Store           storage.Store
	Strategy        mip.Strategy
	// Solver must be safe for concurrent use; the bundled branch and
	// bound is. Nil selects it.
	Solver solver.Solver
	Train  train.Config
}

// Report is the terminal outcome of one certification attempt.
type Report struct {
	RunID        string
	Status       model.RunStatus
	Iterations   int
	FinalResults []model.ConditionResult
	MaxViolation float64
	Params       model.Parameters
	Trace        []model.IterationRecord
}

type Loop struct {
	cfg     Config
	builder cert.Builder
	trainer *train.Trainer
}

func New(cfg Config, sys model.System, eq model.Equilibrium, domain model.Box, cond model.Condition) (*Loop, error) {
	if cfg.MaxIterations <= 0 {
		return nil, fmt.Errorf("max iterations must be > 0")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.TimeoutRetries < 0 {
		return nil, fmt.Errorf("timeout retries must be >= 0")
	}
	if cfg.Tolerance < 0 {
		return nil, fmt.Errorf("tolerance must be >= 0")
	}
	if cfg.Tolerance == 0 {
		cfg.Tolerance = 1e-6
	}
	if cfg.StallWindow < 0 {
		return nil, fmt.Errorf("stall window must be >= 0")
	}
	strat, err := mip.ParseStrategy(string(cfg.Strategy))
	if err != nil {
		return nil, err
	}
	cfg.Strategy = strat
	if cfg.Solver == nil {
		cfg.Solver = solver.NewBranchAndBound()
	}
	if cfg.CheckpointEvery > 0 && cfg.Store == nil {
		return nil, fmt.Errorf("checkpointing requires a store")
	}

	return &Loop{
		cfg: cfg,
		builder: cert.Builder{
			Sys:      sys,
			Eq:       eq,
			Domain:   domain,
			Cond:     cond,
			Strategy: strat,
		},
		trainer: train.New(cfg.Train, sys, eq, cond),
	}, nil
}

// Run alternates Verify and Train starting from the supplied parameters.
// The parameters are mutated in place across iterations; the returned
// report holds the best-known snapshot, which is the final one on
// convergence.
func (l *Loop) Run(ctx context.Context, params model.Parameters) (Report, error) {
	report := Report{
		RunID:        l.cfg.RunID,
		Status:       model.RunFatal,
		MaxViolation: math.Inf(1),
	}

	trace := make([]model.IterationRecord, 0, l.cfg.MaxIterations)
	bestViolation := math.Inf(1)
	bestParams := nn.CloneParameters(params)

	for iter := 0; iter < l.cfg.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			report.Trace = trace
			return report, err
		}

		problems, err := l.builder.Problems(params)
		if err != nil {
			report.Trace = trace
			return report, err
		}

		started := time.Now()
		results, err := l.solveAll(ctx, problems)
		if err != nil {
			report.Trace = trace
			return report, err
		}

		rec := summarize(iter, problems, results, l.cfg.Tolerance)
		rec.ElapsedMS = time.Since(started).Milliseconds()
		rec.SchemaVersion = storage.CurrentSchemaVersion
		rec.CodecVersion = storage.CurrentCodecVersion
		trace = append(trace, rec)

		var ces []model.Counterexample
		for _, res := range rec.Results {
			if res.Counterexample != nil {
				ces = append(ces, *res.Counterexample)
			}
		}

		solvedAll := rec.Timeouts == 0
		if solvedAll && rec.MaxViolation < bestViolation {
			bestViolation = rec.MaxViolation
			bestParams = nn.CloneParameters(params)
		}

		report.Iterations = iter + 1
		report.FinalResults = rec.Results
		report.MaxViolation = bestViolation
		report.Params = bestParams
		report.Trace = trace

		if solvedAll && len(ces) == 0 {
			report.Status = model.RunConverged
			report.Params = nn.CloneParameters(params)
			report.MaxViolation = rec.MaxViolation
			return report, nil
		}
		if len(ces) == 0 {
			// Timeouts left the iteration inconclusive and no violation
			// remains to train on.
			report.Status = model.RunNonConvergence
			return report, fmt.Errorf("%w: solver timeouts left iteration %d inconclusive", ErrNonConvergence, iter)
		}

		if l.stalled(trace) {
			report.Status = model.RunNonConvergence
			return report, fmt.Errorf("%w: violation stalled over %d iterations", ErrNonConvergence, l.cfg.StallWindow)
		}

		if err := l.trainer.Step(&params, ces); err != nil {
			report.Trace = trace
			return report, err
		}

		if err := l.checkpoint(ctx, iter, params); err != nil {
			report.Trace = trace
			return report, err
		}
	}

	report.Status = model.RunNonConvergence
	return report, fmt.Errorf("%w: iteration cap %d reached", ErrNonConvergence, l.cfg.MaxIterations)
}

// solveAll dispatches the iteration's independent MILPs to a worker pool.
// Parameters are frozen for the whole phase, so the solves share nothing
// but the solver.
func (l *Loop) solveAll(ctx context.Context, problems []*cert.Problem) ([]solver.Result, error) {
	type job struct {
		idx  int
		prob *cert.Problem
	}
	type result struct {
		idx int
		res solver.Result
		err error
	}

	jobs := make(chan job)
	results := make(chan result, len(problems))

	workerCount := l.cfg.Workers
	if workerCount > len(problems) {
		workerCount = len(problems)
	}

	var wg sync.WaitGroup
	wg.Add(workerCount)
	for w := 0; w < workerCount; w++ {
		go func() {
			defer wg.Done()
			for j := range jobs {
				if err := ctx.Err(); err != nil {
					results <- result{idx: j.idx, err: err}
					continue
				}
				res, err := l.solveOne(ctx, j.prob)
				results <- result{idx: j.idx, res: res, err: err}
			}
		}()
	}

	for i := range problems {
		jobs <- job{idx: i, prob: problems[i]}
	}
	close(jobs)

	wg.Wait()
	close(results)

	out := make([]solver.Result, len(problems))
	for res := range results {
		if res.err != nil {
			return nil, res.err
		}
		out[res.idx] = res.res
	}
	return out, nil
}

// solveOne applies the retry policy: timeouts get an extended budget a
// bounded number of times, a numerical failure gets exactly one more
// attempt, infeasibility is a structural defect and aborts the run.
func (l *Loop) solveOne(ctx context.Context, p *cert.Problem) (solver.Result, error) {
	budget := l.cfg.SolveBudget
	numericalRetried := false
	for attempt := 0; ; attempt++ {
		res, err := l.cfg.Solver.Solve(ctx, p.Model, budget)
		if err != nil {
			return solver.Result{}, err
		}
		switch res.Status {
		case solver.StatusOptimal:
			return res, nil
		case solver.StatusInfeasible:
			return solver.Result{}, fmt.Errorf("%w: %s/%s program infeasible over a bounded box", mip.ErrEncoding, p.Condition, p.Role)
		case solver.StatusTimeout:
			if err := ctx.Err(); err != nil {
				return solver.Result{}, err
			}
			if attempt >= l.cfg.TimeoutRetries || budget <= 0 {
				return res, nil
			}
			budget *= 2
		case solver.StatusNumerical:
			if numericalRetried {
				return solver.Result{}, fmt.Errorf("solver numerical failure on %s/%s program", p.Condition, p.Role)
			}
			numericalRetried = true
		default:
			return solver.Result{}, fmt.Errorf("unknown solver status %q", res.Status)
		}
	}
}

// summarize folds the raw solver results into the iteration trace entry,
// extracting a counterexample from every violated program.
func summarize(iter int, problems []*cert.Problem, results []solver.Result, tol float64) model.IterationRecord {
	rec := model.IterationRecord{
		Iteration:    iter,
		Results:      make([]model.ConditionResult, len(problems)),
		MaxViolation: math.Inf(-1),
	}
	for i, p := range problems {
		res := results[i]
		cr := model.ConditionResult{
			Condition: p.Condition,
			MILP:      p.Role,
			Face:      p.Face,
			Status:    string(res.Status),
			Objective: res.Objective,
		}
		if p.Fallback {
			rec.Ambiguities++
		}
		switch res.Status {
		case solver.StatusOptimal:
			if res.Objective > rec.MaxViolation {
				rec.MaxViolation = res.Objective
			}
			if p.Violated(res.Objective, tol) {
				cr.Violated = true
				ce := p.Extract(res.Assignment, res.Objective)
				cr.Counterexample = &ce
			}
		case solver.StatusTimeout:
			rec.Timeouts++
			// An incumbent above zero is still a usable counterexample
			// even though the bound is inconclusive.
			if res.Assignment != nil && p.Violated(res.Objective, tol) {
				cr.Violated = true
				ce := p.Extract(res.Assignment, res.Objective)
				cr.Counterexample = &ce
			}
		}
		rec.Results[i] = cr
	}
	if math.IsInf(rec.MaxViolation, -1) {
		rec.MaxViolation = math.Inf(1)
	}
	return rec
}

// stalled reports whether the violation trend has failed to decrease
// across the trailing window.
func (l *Loop) stalled(trace []model.IterationRecord) bool {
	w := l.cfg.StallWindow
	if w <= 0 || len(trace) <= w {
		return false
	}
	ref := trace[len(trace)-1-w].MaxViolation
	for _, rec := range trace[len(trace)-w:] {
		if rec.MaxViolation < ref {
			return false
		}
	}
	return true
}

func (l *Loop) checkpoint(ctx context.Context, iter int, params model.Parameters) error {
	k := l.cfg.CheckpointEvery
	if k <= 0 || (iter+1)%k != 0 {
		return nil
	}
	cp := model.CheckpointRecord{
		VersionedRecord: model.VersionedRecord{
			SchemaVersion: storage.CurrentSchemaVersion,
			CodecVersion:  storage.CurrentCodecVersion,
		},
		RunID:     l.cfg.RunID,
		Iteration: iter + 1,
		Params:    nn.CloneParameters(params),
	}
	return l.cfg.Store.SaveCheckpoint(ctx, cp)
}
