package update

import (
	"encoding/json"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// saveState persists data to path using temp-file + rename, per spec.md
// §4.5 "Persistence invariants": the state file is always either absent or
// a complete valid record.
func saveState(path string, data Data, logger *zap.Logger) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		logger.Warn("failed to create state directory", zap.String("path", path), zap.Error(err))
		return err
	}

	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		logger.Warn("failed to marshal update state", zap.Error(err))
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		logger.Warn("failed to write temp state file", zap.String("path", tmp), zap.Error(err))
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		logger.Warn("failed to rename temp state file into place", zap.Error(err))
		return err
	}
	return nil
}

// loadState reads path, if present. A missing file returns a fresh idle
// Data with no error. A corrupt file starts from idle and logs a warning,
// per spec.md §4.5 — it is never treated as a fatal error.
func loadState(path string, logger *zap.Logger) Data {
	b, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("failed to read update state file", zap.String("path", path), zap.Error(err))
		}
		return newData()
	}

	var data Data
	if err := json.Unmarshal(b, &data); err != nil {
		logger.Warn("update state file is corrupt, starting from idle", zap.String("path", path), zap.Error(err))
		return newData()
	}
	return data
}

// clearState removes path, tolerating its absence.
func clearState(path string, logger *zap.Logger) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Warn("failed to remove update state file", zap.String("path", path), zap.Error(err))
	}
}
