package storage

import (
	"context"
	"sort"
	"sync"

	"asphaleia/internal/model"
)

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	runs        map[string]model.RunRecord
	traces      map[string][]model.IterationRecord
	checkpoints map[string][]model.CheckpointRecord
	ces         map[string][]model.Counterexample
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = true
	s.runs = make(map[string]model.RunRecord)
	s.traces = make(map[string][]model.IterationRecord)
	s.checkpoints = make(map[string][]model.CheckpointRecord)
	s.ces = make(map[string][]model.Counterexample)
	return nil
}

func (s *MemoryStore) SaveRun(_ context.Context, run model.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.runs[run.ID] = run
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (model.RunRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	return run, ok, nil
}

func (s *MemoryStore) ListRuns(_ context.Context) ([]model.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.RunRecord, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAtUTC < out[j].CreatedAtUTC })
	return out, nil
}

func (s *MemoryStore) SaveIterations(_ context.Context, runID string, trace []model.IterationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.traces[runID] = append([]model.IterationRecord(nil), trace...)
	return nil
}

func (s *MemoryStore) GetIterations(_ context.Context, runID string) ([]model.IterationRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	trace, ok := s.traces[runID]
	if !ok {
		return nil, false, nil
	}
	return append([]model.IterationRecord(nil), trace...), true, nil
}

func (s *MemoryStore) SaveCheckpoint(_ context.Context, checkpoint model.CheckpointRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.checkpoints[checkpoint.RunID] = append(s.checkpoints[checkpoint.RunID], checkpoint)
	return nil
}

func (s *MemoryStore) GetCheckpoint(_ context.Context, runID string, iteration int) (model.CheckpointRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, cp := range s.checkpoints[runID] {
		if cp.Iteration == iteration {
			return cp, true, nil
		}
	}
	return model.CheckpointRecord{}, false, nil
}

func (s *MemoryStore) LatestCheckpoint(_ context.Context, runID string) (model.CheckpointRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cps := s.checkpoints[runID]
	if len(cps) == 0 {
		return model.CheckpointRecord{}, false, nil
	}
	best := cps[0]
	for _, cp := range cps[1:] {
		if cp.Iteration > best.Iteration {
			best = cp
		}
	}
	return best, true, nil
}

func (s *MemoryStore) SaveCounterexamples(_ context.Context, runID string, ces []model.Counterexample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ces[runID] = append(s.ces[runID], ces...)
	return nil
}

func (s *MemoryStore) GetCounterexamples(_ context.Context, runID string) ([]model.Counterexample, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ces, ok := s.ces[runID]
	if !ok {
		return nil, false, nil
	}
	return append([]model.Counterexample(nil), ces...), true, nil
}
