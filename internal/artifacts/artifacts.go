// Package artifacts persists run output as plain JSON files so a
// certification attempt can be inspected and shipped without the store.
package artifacts

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"asphaleia/internal/model"
)

const runIndexFile = "run_index.json"

// RunConfig is the reproducibility record: everything needed to restart
// the same certification attempt.
type RunConfig struct {
	RunID           string              `json:"run_id"`
	Condition       model.ConditionKind `json:"condition"`
	Eps1            float64             `json:"eps1,omitempty"`
	Eps2            float64             `json:"eps2,omitempty"`
	Eps             float64             `json:"eps,omitempty"`
	Lambda          float64             `json:"lambda,omitempty"`
	Strategy        string              `json:"strategy"`
	MaxIterations   int                 `json:"max_iterations"`
	Workers         int                 `json:"workers"`
	SolveBudgetMS   int64               `json:"solve_budget_ms"`
	TimeoutRetries  int                 `json:"timeout_retries"`
	Tolerance       float64             `json:"tolerance"`
	StallWindow     int                 `json:"stall_window"`
	CheckpointEvery int                 `json:"checkpoint_every"`
	LearningRate    float64             `json:"learning_rate"`
	Momentum        float64             `json:"momentum"`
	ClipNorm        float64             `json:"clip_norm"`
	TrainR          bool                `json:"train_r"`
	Seed            int64               `json:"seed"`
}

type RunArtifacts struct {
	Config          RunConfig               `json:"config"`
	Run             model.RunRecord         `json:"run"`
	Trace           []model.IterationRecord `json:"trace"`
	Params          model.Parameters        `json:"params"`
	Counterexamples []model.Counterexample  `json:"counterexamples,omitempty"`
}

type RunIndexEntry struct {
	RunID             string              `json:"run_id"`
	Condition         model.ConditionKind `json:"condition"`
	Status            model.RunStatus     `json:"status"`
	Iterations        int                 `json:"iterations"`
	FinalMaxViolation float64             `json:"final_max_violation"`
	Seed              int64               `json:"seed"`
	CreatedAtUTC      string              `json:"created_at_utc"`
}

// WriteRunArtifacts lays the run output down under baseDir/runID and
// returns that directory.
func WriteRunArtifacts(baseDir string, a RunArtifacts) (string, error) {
	if a.Config.RunID == "" {
		return "", fmt.Errorf("run id is required")
	}

	runDir := filepath.Join(baseDir, a.Config.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}

	if err := writeJSON(filepath.Join(runDir, "config.json"), a.Config); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, "run.json"), a.Run); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, "trace.json"), a.Trace); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, "params.json"), a.Params); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, "counterexamples.json"), a.Counterexamples); err != nil {
		return "", err
	}

	return runDir, nil
}

// ExportRunArtifacts copies a previously written run directory under
// outDir and returns the destination.
func ExportRunArtifacts(baseDir, runID, outDir string) (string, error) {
	if runID == "" {
		return "", fmt.Errorf("run id is required")
	}

	src := filepath.Join(baseDir, runID)
	if _, err := os.Stat(src); err != nil {
		return "", err
	}

	dst := filepath.Join(outDir, runID)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", err
	}

	for _, file := range []string{"config.json", "run.json", "trace.json", "params.json", "counterexamples.json"} {
		if err := copyFile(filepath.Join(src, file), filepath.Join(dst, file)); err != nil {
			return "", err
		}
	}
	return dst, nil
}

// AppendRunIndex upserts the run into baseDir's index file.
func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		return err
	}

	for i := range index {
		if index[i].RunID == entry.RunID {
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, runIndexFile), index)
		}
	}

	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

// ListRunIndex returns the index entries newest first.
func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	path := filepath.Join(baseDir, runIndexFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []RunIndexEntry{}, nil
		}
		return nil, err
	}

	var entries []RunIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAtUTC > entries[j].CreatedAtUTC
	})
	return entries, nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
