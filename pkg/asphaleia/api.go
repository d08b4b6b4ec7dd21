// Package asphaleia is the embedding facade: it wires the CEGIS loop,
// the store, and the artifact writer behind one client so callers and
// the CLI share the same surface.
package asphaleia

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"asphaleia/internal/artifacts"
	"asphaleia/internal/cegis"
	"asphaleia/internal/mip"
	"asphaleia/internal/model"
	"asphaleia/internal/storage"
	"asphaleia/internal/train"
)

const (
	defaultArtifactsDir = "artifacts"
	defaultExportsDir   = "exports"
	defaultDBPath       = "asphaleia.db"
)

type Options struct {
	StoreKind    string
	DBPath       string
	ArtifactsDir string
	ExportsDir   string
}

type Client struct {
	store storage.Store

	artifactsDir string
	exportsDir   string
}

type CertifyRequest struct {
	System      model.System
	Equilibrium model.Equilibrium
	Domain      model.Box
	Condition   model.Condition
	Params      model.Parameters

	Strategy        string
	MaxIterations   int
	Workers         int
	SolveBudget     time.Duration
	TimeoutRetries  int
	Tolerance       float64
	StallWindow     int
	CheckpointEvery int
	LearningRate    float64
	Momentum        float64
	ClipNorm        float64
	TrainR          bool
	Seed            int64
}

type CertifySummary struct {
	RunID        string
	ArtifactsDir string
	Status       model.RunStatus
	Certified    bool
	Iterations   int
	MaxViolation float64
	Results      []model.ConditionResult
}

type RunsRequest struct {
	Limit int
}

type RunItem struct {
	RunID             string
	CreatedAtUTC      string
	Condition         model.ConditionKind
	Status            model.RunStatus
	Iterations        int
	FinalMaxViolation float64
	Seed              int64
}

type TraceRequest struct {
	RunID  string
	Latest bool
	Limit  int
}

type CheckpointRequest struct {
	RunID string
	// Iteration selects a specific checkpoint; zero means the latest.
	Iteration int
}

type ExportRequest struct {
	RunID  string
	Latest bool
	OutDir string
}

type ExportSummary struct {
	RunID     string
	Directory string
}

func New(opts Options) (*Client, error) {
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	artifactsDir := opts.ArtifactsDir
	if artifactsDir == "" {
		artifactsDir = defaultArtifactsDir
	}
	exportsDir := opts.ExportsDir
	if exportsDir == "" {
		exportsDir = defaultExportsDir
	}

	store, err := storage.NewStore(opts.StoreKind, dbPath)
	if err != nil {
		return nil, err
	}

	return &Client{
		store:        store,
		artifactsDir: artifactsDir,
		exportsDir:   exportsDir,
	}, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

func (c *Client) Init(ctx context.Context) error {
	return c.store.Init(ctx)
}

// Certify runs the full loop and persists the outcome through both the
// store and the artifact directory. A NonConvergence ending is reported
// in the summary, not as an error.
func (c *Client) Certify(ctx context.Context, req CertifyRequest) (CertifySummary, error) {
	if req.MaxIterations <= 0 {
		req.MaxIterations = 200
	}
	if req.Workers <= 0 {
		req.Workers = 4
	}
	if req.SolveBudget <= 0 {
		req.SolveBudget = 30 * time.Second
	}
	if req.TimeoutRetries <= 0 {
		req.TimeoutRetries = 2
	}
	if req.StallWindow <= 0 {
		req.StallWindow = 12
	}
	if req.CheckpointEvery <= 0 {
		req.CheckpointEvery = 10
	}

	if err := c.store.Init(ctx); err != nil {
		return CertifySummary{}, err
	}

	runID := uuid.NewString()
	trainCfg := train.Config{
		LearningRate: req.LearningRate,
		Momentum:     req.Momentum,
		ClipNorm:     req.ClipNorm,
		TrainR:       req.TrainR,
	}
	loop, err := cegis.New(cegis.Config{
		MaxIterations:   req.MaxIterations,
		Workers:         req.Workers,
		SolveBudget:     req.SolveBudget,
		TimeoutRetries:  req.TimeoutRetries,
		Tolerance:       req.Tolerance,
		StallWindow:     req.StallWindow,
		CheckpointEvery: req.CheckpointEvery,
		RunID:           runID,
		Store:           c.store,
		Strategy:        mip.Strategy(req.Strategy),
		Train:           trainCfg,
	}, req.System, req.Equilibrium, req.Domain, req.Condition)
	if err != nil {
		return CertifySummary{}, err
	}

	now := time.Now().UTC()
	run := model.RunRecord{
		VersionedRecord: model.VersionedRecord{
			SchemaVersion: storage.CurrentSchemaVersion,
			CodecVersion:  storage.CurrentCodecVersion,
		},
		ID:           runID,
		CreatedAtUTC: now.Format(time.RFC3339Nano),
		Condition:    req.Condition.Kind,
		Status:       model.RunActive,
		Seed:         req.Seed,
	}
	if err := c.store.SaveRun(ctx, run); err != nil {
		return CertifySummary{}, err
	}

	report, runErr := loop.Run(ctx, req.Params)
	if runErr != nil && !errors.Is(runErr, cegis.ErrNonConvergence) {
		run.Status = model.RunFatal
		run.Iterations = report.Iterations
		_ = c.store.SaveRun(ctx, run)
		if len(report.Trace) > 0 {
			_ = c.store.SaveIterations(ctx, runID, report.Trace)
		}
		return CertifySummary{}, runErr
	}

	run.Status = report.Status
	run.Iterations = report.Iterations
	run.FinalMaxViolation = report.MaxViolation
	if math.IsInf(run.FinalMaxViolation, 0) {
		run.FinalMaxViolation = math.MaxFloat64
	}
	if err := c.store.SaveRun(ctx, run); err != nil {
		return CertifySummary{}, err
	}
	if err := c.store.SaveIterations(ctx, runID, report.Trace); err != nil {
		return CertifySummary{}, err
	}

	var ces []model.Counterexample
	for _, rec := range report.Trace {
		for _, res := range rec.Results {
			if res.Counterexample != nil {
				ces = append(ces, *res.Counterexample)
			}
		}
	}
	if len(ces) > 0 {
		if err := c.store.SaveCounterexamples(ctx, runID, ces); err != nil {
			return CertifySummary{}, err
		}
	}

	runDir, err := artifacts.WriteRunArtifacts(c.artifactsDir, artifacts.RunArtifacts{
		Config: artifacts.RunConfig{
			RunID:           runID,
			Condition:       req.Condition.Kind,
			Eps1:            req.Condition.Eps1,
			Eps2:            req.Condition.Eps2,
			Eps:             req.Condition.Eps,
			Lambda:          req.Condition.Lambda,
			Strategy:        req.Strategy,
			MaxIterations:   req.MaxIterations,
			Workers:         req.Workers,
			SolveBudgetMS:   req.SolveBudget.Milliseconds(),
			TimeoutRetries:  req.TimeoutRetries,
			Tolerance:       req.Tolerance,
			StallWindow:     req.StallWindow,
			CheckpointEvery: req.CheckpointEvery,
			LearningRate:    req.LearningRate,
			Momentum:        req.Momentum,
			ClipNorm:        req.ClipNorm,
			TrainR:          req.TrainR,
			Seed:            req.Seed,
		},
		Run:             run,
		Trace:           report.Trace,
		Params:          report.Params,
		Counterexamples: ces,
	})
	if err != nil {
		return CertifySummary{}, err
	}
	if err := artifacts.AppendRunIndex(c.artifactsDir, artifacts.RunIndexEntry{
		RunID:             runID,
		Condition:         req.Condition.Kind,
		Status:            run.Status,
		Iterations:        run.Iterations,
		FinalMaxViolation: run.FinalMaxViolation,
		Seed:              req.Seed,
		CreatedAtUTC:      run.CreatedAtUTC,
	}); err != nil {
		return CertifySummary{}, err
	}

	return CertifySummary{
		RunID:        runID,
		ArtifactsDir: filepath.Clean(runDir),
		Status:       report.Status,
		Certified:    report.Status == model.RunConverged,
		Iterations:   report.Iterations,
		MaxViolation: report.MaxViolation,
		Results:      report.FinalResults,
	}, nil
}

// Runs lists stored runs newest first.
func (c *Client) Runs(ctx context.Context, req RunsRequest) ([]RunItem, error) {
	if req.Limit <= 0 {
		req.Limit = 20
	}
	runs, err := c.store.ListRuns(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]RunItem, 0, len(runs))
	for i := len(runs) - 1; i >= 0 && len(out) < req.Limit; i-- {
		r := runs[i]
		out = append(out, RunItem{
			RunID:             r.ID,
			CreatedAtUTC:      r.CreatedAtUTC,
			Condition:         r.Condition,
			Status:            r.Status,
			Iterations:        r.Iterations,
			FinalMaxViolation: r.FinalMaxViolation,
			Seed:              r.Seed,
		})
	}
	return out, nil
}

// Trace returns the iteration records of a run, most recent last. A
// positive limit keeps only the trailing records.
func (c *Client) Trace(ctx context.Context, req TraceRequest) ([]model.IterationRecord, error) {
	runID, err := c.resolveRunID(ctx, req.RunID, req.Latest)
	if err != nil {
		return nil, err
	}
	trace, ok, err := c.store.GetIterations(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New("no trace recorded for run " + runID)
	}
	if req.Limit > 0 && len(trace) > req.Limit {
		trace = trace[len(trace)-req.Limit:]
	}
	return trace, nil
}

func (c *Client) Checkpoint(ctx context.Context, req CheckpointRequest) (model.CheckpointRecord, error) {
	if req.RunID == "" {
		return model.CheckpointRecord{}, errors.New("run id is required")
	}
	var (
		cp  model.CheckpointRecord
		ok  bool
		err error
	)
	if req.Iteration > 0 {
		cp, ok, err = c.store.GetCheckpoint(ctx, req.RunID, req.Iteration)
	} else {
		cp, ok, err = c.store.LatestCheckpoint(ctx, req.RunID)
	}
	if err != nil {
		return model.CheckpointRecord{}, err
	}
	if !ok {
		return model.CheckpointRecord{}, errors.New("no checkpoint found for run " + req.RunID)
	}
	return cp, nil
}

func (c *Client) Export(_ context.Context, req ExportRequest) (ExportSummary, error) {
	if req.RunID != "" && req.Latest {
		return ExportSummary{}, errors.New("use either run id or latest")
	}
	if req.RunID == "" && !req.Latest {
		return ExportSummary{}, errors.New("export requires run id or latest")
	}
	if req.OutDir == "" {
		req.OutDir = c.exportsDir
	}

	runID := req.RunID
	if req.Latest {
		entries, err := artifacts.ListRunIndex(c.artifactsDir)
		if err != nil {
			return ExportSummary{}, err
		}
		if len(entries) == 0 {
			return ExportSummary{}, errors.New("no runs available to export")
		}
		runID = entries[0].RunID
	}

	exportedDir, err := artifacts.ExportRunArtifacts(c.artifactsDir, runID, req.OutDir)
	if err != nil {
		return ExportSummary{}, err
	}
	return ExportSummary{RunID: runID, Directory: filepath.Clean(exportedDir)}, nil
}

func (c *Client) resolveRunID(ctx context.Context, runID string, latest bool) (string, error) {
	if runID != "" && latest {
		return "", errors.New("use either run id or latest")
	}
	if runID != "" {
		return runID, nil
	}
	if !latest {
		return "", errors.New("run id or latest is required")
	}
	runs, err := c.store.ListRuns(ctx)
	if err != nil {
		return "", err
	}
	if len(runs) == 0 {
		return "", errors.New("no runs recorded")
	}
	return runs[len(runs)-1].ID, nil
}
