package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"asphaleia/internal/artifacts"
	"asphaleia/internal/model"
	"asphaleia/internal/storage"
	api "asphaleia/pkg/asphaleia"
)

const (
	artifactsDir = "artifacts"
	exportsDir   = "exports"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "init":
		return runInit(ctx, args[1:])
	case "certify":
		return runCertify(ctx, args[1:])
	case "runs":
		return runRuns(ctx, args[1:])
	case "trace":
		return runTrace(ctx, args[1:])
	case "checkpoint":
		return runCheckpoint(ctx, args[1:])
	case "export":
		return runExport(ctx, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: asphaleiactl <init|certify|runs|trace|checkpoint|export> [flags]", msg)
}

type storeFlags struct {
	kind         *string
	dbPath       *string
	artifactsDir *string
	exportsDir   *string
}

func addStoreFlags(fs *flag.FlagSet) storeFlags {
	return storeFlags{
		kind:         fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite"),
		dbPath:       fs.String("db-path", "asphaleia.db", "sqlite database path"),
		artifactsDir: fs.String("artifacts-dir", artifactsDir, "run artifacts directory"),
		exportsDir:   fs.String("exports-dir", exportsDir, "export output directory"),
	}
}

func newClient(f storeFlags) (*api.Client, error) {
	return api.New(api.Options{
		StoreKind:    *f.kind,
		DBPath:       *f.dbPath,
		ArtifactsDir: *f.artifactsDir,
		ExportsDir:   *f.exportsDir,
	})
}

func runInit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	sf := addStoreFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := newClient(sf)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	if err := client.Init(ctx); err != nil {
		return err
	}
	fmt.Printf("initialized store=%s\n", *sf.kind)
	return nil
}

// problemFile is the on-disk shape of a certification problem: the frozen
// system, the region and condition, and the initial trainable parameters.
type problemFile struct {
	System      model.System      `json:"system"`
	Equilibrium model.Equilibrium `json:"equilibrium"`
	Domain      model.Box         `json:"domain"`
	Condition   model.Condition   `json:"condition"`
	Params      model.Parameters  `json:"params"`
}

func loadProblem(path string) (problemFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return problemFile{}, err
	}
	var pf problemFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return problemFile{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return pf, nil
}

func runCertify(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("certify", flag.ContinueOnError)
	sf := addStoreFlags(fs)
	configPath := fs.String("config", "", "problem JSON file (required)")
	strategy := fs.String("strategy", "sampled", "subgradient strategy: sampled|exact")
	iterations := fs.Int("iterations", 200, "iteration cap")
	workers := fs.Int("workers", 4, "concurrent MILP solves")
	budget := fs.Duration("budget", 30*time.Second, "wall-clock budget per MILP solve")
	timeoutRetries := fs.Int("timeout-retries", 2, "retries with doubled budget after a timeout")
	tolerance := fs.Float64("tolerance", 1e-6, "violation tolerance")
	stallWindow := fs.Int("stall-window", 12, "iterations without progress before giving up")
	checkpointEvery := fs.Int("checkpoint-every", 10, "checkpoint period in iterations")
	learningRate := fs.Float64("lr", 0.01, "repair learning rate")
	momentum := fs.Float64("momentum", 0, "repair momentum")
	clipNorm := fs.Float64("clip-norm", 0, "global gradient norm clip, 0 disables")
	trainR := fs.Bool("train-r", false, "also train the R matrix")
	seed := fs.Int64("seed", 0, "recorded run seed")
	jsonOut := fs.Bool("json", false, "emit summary as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *configPath == "" {
		return errors.New("certify requires -config")
	}

	pf, err := loadProblem(*configPath)
	if err != nil {
		return err
	}

	client, err := newClient(sf)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	summary, err := client.Certify(ctx, api.CertifyRequest{
		System:          pf.System,
		Equilibrium:     pf.Equilibrium,
		Domain:          pf.Domain,
		Condition:       pf.Condition,
		Params:          pf.Params,
		Strategy:        *strategy,
		MaxIterations:   *iterations,
		Workers:         *workers,
		SolveBudget:     *budget,
		TimeoutRetries:  *timeoutRetries,
		Tolerance:       *tolerance,
		StallWindow:     *stallWindow,
		CheckpointEvery: *checkpointEvery,
		LearningRate:    *learningRate,
		Momentum:        *momentum,
		ClipNorm:        *clipNorm,
		TrainR:          *trainR,
		Seed:            *seed,
	})
	if err != nil {
		return err
	}

	if *jsonOut {
		return printJSON(summary)
	}
	fmt.Printf("run %s: %s after %d iterations (max violation %.6g)\n",
		summary.RunID, summary.Status, summary.Iterations, summary.MaxViolation)
	for _, res := range summary.Results {
		marker := "ok"
		if res.Violated {
			marker = "VIOLATED"
		}
		fmt.Printf("  %s/%s: %s objective=%.6g [%s]\n", res.Condition, res.MILP, res.Status, res.Objective, marker)
	}
	fmt.Printf("artifacts: %s\n", summary.ArtifactsDir)
	return nil
}

func runRuns(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "max runs to list")
	dir := fs.String("artifacts-dir", artifactsDir, "run artifacts directory")
	jsonOut := fs.Bool("json", false, "emit runs list as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *limit <= 0 {
		return errors.New("limit must be > 0")
	}

	entries, err := artifacts.ListRunIndex(*dir)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("no runs found")
		return nil
	}
	if len(entries) > *limit {
		entries = entries[:*limit]
	}

	if *jsonOut {
		return printJSON(entries)
	}
	for _, e := range entries {
		age := e.CreatedAtUTC
		if t, err := time.Parse(time.RFC3339Nano, e.CreatedAtUTC); err == nil {
			age = humanize.Time(t)
		}
		fmt.Printf("%-36s  %-24s  %-15s  iters=%-5d violation=%-12.6g %s\n",
			e.RunID, e.Condition, e.Status, e.Iterations, e.FinalMaxViolation, age)
	}
	return nil
}

func runTrace(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("trace", flag.ContinueOnError)
	sf := addStoreFlags(fs)
	runID := fs.String("run", "", "run id")
	latest := fs.Bool("latest", false, "use the most recent run")
	limit := fs.Int("limit", 0, "trailing records to keep, 0 for all")
	jsonOut := fs.Bool("json", false, "emit trace as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := newClient(sf)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	trace, err := client.Trace(ctx, api.TraceRequest{RunID: *runID, Latest: *latest, Limit: *limit})
	if err != nil {
		return err
	}

	if *jsonOut {
		return printJSON(trace)
	}
	for _, rec := range trace {
		fmt.Printf("iter %-4d violation=%-12.6g ambiguities=%d timeouts=%d elapsed=%s\n",
			rec.Iteration, rec.MaxViolation, rec.Ambiguities, rec.Timeouts,
			(time.Duration(rec.ElapsedMS) * time.Millisecond).String())
	}
	return nil
}

func runCheckpoint(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("checkpoint", flag.ContinueOnError)
	sf := addStoreFlags(fs)
	runID := fs.String("run", "", "run id (required)")
	iteration := fs.Int("iteration", 0, "checkpoint iteration, 0 for latest")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID == "" {
		return errors.New("checkpoint requires -run")
	}

	client, err := newClient(sf)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	cp, err := client.Checkpoint(ctx, api.CheckpointRequest{RunID: *runID, Iteration: *iteration})
	if err != nil {
		return err
	}
	return printJSON(cp)
}

func runExport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	sf := addStoreFlags(fs)
	runID := fs.String("run", "", "run id")
	latest := fs.Bool("latest", false, "export the most recent run")
	outDir := fs.String("out", "", "destination directory, defaults to the exports dir")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := newClient(sf)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	summary, err := client.Export(ctx, api.ExportRequest{RunID: *runID, Latest: *latest, OutDir: *outDir})
	if err != nil {
		return err
	}
	fmt.Printf("exported run %s to %s\n", summary.RunID, summary.Directory)
	return nil
}

func printJSON(value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
