package instances

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// runRecord remembers how a unit was last started, so a later process can
// stop it in reverse order and find its network.
type runRecord struct {
	Unit      string     `json:"unit"`
	RunID     string     `json:"run_id"`
	Network   string     `json:"network"`
	Layers    [][]string `json:"layers"`
	StartedAt time.Time  `json:"started_at"`
}

// writeRunRecord writes the record atomically using temp file + rename.
func (m *manager) writeRunRecord(rec *runRecord) error {
	path := m.paths.RunRecord(rec.Unit)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create unit directory: %w", err)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run record: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write temp run record: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename run record: %w", err)
	}
	return nil
}

// readRunRecord returns nil without error when the unit has no record.
func (m *manager) readRunRecord(unit string) (*runRecord, error) {
	data, err := os.ReadFile(m.paths.RunRecord(unit))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read run record: %w", err)
	}

	var rec runRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal run record: %w", err)
	}
	return &rec, nil
}

func (m *manager) deleteRunRecord(unit string) error {
	if err := os.Remove(m.paths.RunRecord(unit)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove run record: %w", err)
	}
	return nil
}
