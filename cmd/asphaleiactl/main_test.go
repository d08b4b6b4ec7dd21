package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"asphaleia/internal/artifacts"
	"asphaleia/internal/model"
)

func writeProblemFile(t *testing.T, dir string) string {
	t.Helper()
	pf := problemFile{
		System: model.System{
			XDim: 2,
			UDim: 1,
			Discrete: &model.Network{
				InputDim: 3,
				Layers: []model.Layer{
					{Kind: model.LayerAffine, Weights: [][]float64{{0.5, 0, 0}, {0, 0.5, 0}}, Biases: []float64{0, 0}},
				},
			},
			UBox: model.Box{Lo: []float64{-1}, Up: []float64{1}},
		},
		Equilibrium: model.Equilibrium{X: []float64{0, 0}, U: []float64{0}},
		Domain:      model.Box{Lo: []float64{-1, -1}, Up: []float64{1, 1}},
		Condition:   model.Condition{Kind: model.DiscreteDecrease, Eps1: 0.01, Eps2: 0.1, Lambda: 0.2},
		Params: model.Parameters{
			Certificate: model.Network{
				InputDim: 2,
				Layers: []model.Layer{
					{Kind: model.LayerAffine, Weights: [][]float64{{0.5, 0}}, Biases: []float64{0}},
				},
			},
			Controller: &model.Network{
				InputDim: 2,
				Layers: []model.Layer{
					{Kind: model.LayerAffine, Weights: [][]float64{{0, 0}}, Biases: []float64{0}},
				},
			},
			R: [][]float64{{1, 0}, {0, 1}},
		},
	}
	data, err := json.MarshalIndent(pf, "", "  ")
	if err != nil {
		t.Fatalf("marshal problem: %v", err)
	}
	path := filepath.Join(dir, "problem.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write problem: %v", err)
	}
	return path
}

func TestCertifyRunsAndExportCommands(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	artDir := filepath.Join(base, "artifacts")
	outDir := filepath.Join(base, "exports")
	problemPath := writeProblemFile(t, base)

	err := run(ctx, []string{"certify",
		"-config", problemPath,
		"-store", "memory",
		"-artifacts-dir", artDir,
		"-exports-dir", outDir,
		"-lr", "0.5",
		"-workers", "2",
	})
	if err != nil {
		t.Fatalf("certify: %v", err)
	}

	entries, err := artifacts.ListRunIndex(artDir)
	if err != nil {
		t.Fatalf("list index: %v", err)
	}
	if len(entries) != 1 || entries[0].Status != model.RunConverged {
		t.Fatalf("unexpected index: %+v", entries)
	}

	if err := run(ctx, []string{"runs", "-artifacts-dir", artDir}); err != nil {
		t.Fatalf("runs: %v", err)
	}

	err = run(ctx, []string{"export",
		"-latest",
		"-artifacts-dir", artDir,
		"-exports-dir", outDir,
		"-store", "memory",
	})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	exportedRun := filepath.Join(outDir, entries[0].RunID, "run.json")
	if _, err := os.Stat(exportedRun); err != nil {
		t.Fatalf("missing exported run: %v", err)
	}
}

func TestRunRejectsUnknownCommand(t *testing.T) {
	if err := run(context.Background(), []string{"bogus"}); err == nil {
		t.Fatal("unknown command accepted")
	}
	if err := run(context.Background(), nil); err == nil {
		t.Fatal("missing command accepted")
	}
}

func TestCertifyRequiresConfig(t *testing.T) {
	if err := run(context.Background(), []string{"certify", "-store", "memory"}); err == nil {
		t.Fatal("certify without config accepted")
	}
}
