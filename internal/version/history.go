package version

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Record is one entry in the installed-version history, e.g. "installed by
// update" or "restored by rollback".
type Record struct {
	Version   string    `json:"version"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// historyFile is the on-disk shape of version.json, per version.py's
// module docstring ("version.json structure: current, previous, history").
type historyFile struct {
	Current  string   `json:"current"`
	Previous string   `json:"previous"`
	History  []Record `json:"history"`
}

// History tracks the installed and previous versions across updates and
// rollbacks, satisfying internal/update's VersionResolver interface. Safe
// for concurrent use.
type History struct {
	path   string
	logger *zap.Logger

	mu   sync.Mutex
	data historyFile
}

// NewHistory loads (or initializes) the version history at path.
func NewHistory(path string, logger *zap.Logger) *History {
	h := &History{path: path, logger: logger}
	h.data = h.load()
	return h
}

func (h *History) load() historyFile {
	b, err := os.ReadFile(h.path)
	if err != nil {
		if !os.IsNotExist(err) {
			h.logger.Warn("failed to read version history, starting empty", zap.Error(err))
		}
		return historyFile{}
	}
	var data historyFile
	if err := json.Unmarshal(b, &data); err != nil {
		h.logger.Warn("version history file is corrupt, starting empty", zap.Error(err))
		return historyFile{}
	}
	return data
}

func (h *History) saveLocked() {
	b, err := json.MarshalIndent(h.data, "", "  ")
	if err != nil {
		h.logger.Warn("failed to marshal version history", zap.Error(err))
		return
	}
	if dir := filepath.Dir(h.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			h.logger.Warn("failed to create version history directory", zap.Error(err))
			return
		}
	}
	tmp := h.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		h.logger.Warn("failed to write version history tmp file", zap.Error(err))
		return
	}
	if err := os.Rename(tmp, h.path); err != nil {
		h.logger.Warn("failed to rename version history into place", zap.Error(err))
	}
}

// CurrentVersion returns the currently installed version, if known.
func (h *History) CurrentVersion() (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.data.Current, h.data.Current != ""
}

// PreviousVersion returns the version installed immediately before
// Current, if known — the rollback fallback target when the update state
// machine's own old_version field is absent, matching rollback.py's
// version_manager.get_previous_version() fallback.
func (h *History) PreviousVersion() (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.data.Previous, h.data.Previous != ""
}

// RecordVersion records version as newly current, demoting the prior
// current to previous, and appending an entry to history. source
// describes how the version was installed (e.g. "update", "rollback").
func (h *History) RecordVersion(v, source string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.data.Current != "" && h.data.Current != v {
		h.data.Previous = h.data.Current
	}
	h.data.Current = v
	h.data.History = append(h.data.History, Record{Version: v, Source: source, Timestamp: time.Now().UTC()})

	h.saveLocked()
	return nil
}

// Entries returns a copy of the recorded history, oldest first.
func (h *History) Entries() []Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Record, len(h.data.History))
	copy(out, h.data.History)
	return out
}
