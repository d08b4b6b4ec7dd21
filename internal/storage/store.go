package storage

import (
	"context"

	"asphaleia/internal/model"
)

// Store defines the persistence operations of a certification run: the run
// summary, the per-iteration trace, parameter checkpoints, and the
// counterexample log.
type Store interface {
	Init(ctx context.Context) error
	SaveRun(ctx context.Context, run model.RunRecord) error
	GetRun(ctx context.Context, id string) (model.RunRecord, bool, error)
	ListRuns(ctx context.Context) ([]model.RunRecord, error)
	SaveIterations(ctx context.Context, runID string, trace []model.IterationRecord) error
	GetIterations(ctx context.Context, runID string) ([]model.IterationRecord, bool, error)
	SaveCheckpoint(ctx context.Context, checkpoint model.CheckpointRecord) error
	GetCheckpoint(ctx context.Context, runID string, iteration int) (model.CheckpointRecord, bool, error)
	LatestCheckpoint(ctx context.Context, runID string) (model.CheckpointRecord, bool, error)
	SaveCounterexamples(ctx context.Context, runID string, ces []model.Counterexample) error
	GetCounterexamples(ctx context.Context, runID string) ([]model.Counterexample, bool, error)
}
