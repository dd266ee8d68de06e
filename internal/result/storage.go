package result

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// CreateRunDir creates results/runs/<run-id> and points results/latest at it.
func CreateRunDir(baseDir, runID string) (string, error) {
	runDir, err := filepath.Abs(filepath.Join(baseDir, "runs", runID))
	if err != nil {
		return "", fmt.Errorf("resolving run dir: %w", err)
	}
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", fmt.Errorf("creating run dir: %w", err)
	}
	latest := filepath.Join(baseDir, "latest")
	os.Remove(latest)
	if err := os.Symlink(runDir, latest); err != nil {
		return "", fmt.Errorf("creating latest symlink: %w", err)
	}
	return runDir, nil
}

func CycleDir(runDir string, cycle int) string {
	return filepath.Join(runDir, "cycles", fmt.Sprintf("cycle-%d", cycle))
}

func UnitDir(runDir string, cycle int, unitID string) string {
	return filepath.Join(CycleDir(runDir, cycle), "units", unitID)
}

func WriteRunMeta(runDir string, run *Run) error {
	return WriteJSON(filepath.Join(runDir, "meta.json"), run)
}

func ReadRunMeta(path string) (*Run, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading meta: %w", err)
	}
	var run Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("parsing meta: %w", err)
	}
	return &run, nil
}

func WriteCycleMeta(runDir string, rep *CycleReport) error {
	return WriteJSON(filepath.Join(CycleDir(runDir, rep.Cycle), "meta.json"), rep)
}

// WriteJSON writes v indented to path, creating parent directories.
func WriteJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", filepath.Base(path), err)
	}
	return os.WriteFile(path, data, 0o644)
}

// WriteArtifact writes raw bytes to path, creating parent directories.
func WriteArtifact(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}
	return os.WriteFile(path, data, 0o644)
}
