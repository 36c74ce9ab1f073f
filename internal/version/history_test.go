package version

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func TestHistoryRecordAndResolve(t *testing.T) {
	path := filepath.Join(t.TempDir(), "version.json")
	h := NewHistory(path, zap.NewNop())

	if _, ok := h.CurrentVersion(); ok {
		t.Fatal("expected no current version initially")
	}

	if err := h.RecordVersion("1.0.0", "update"); err != nil {
		t.Fatalf("RecordVersion: %v", err)
	}
	cur, ok := h.CurrentVersion()
	if !ok || cur != "1.0.0" {
		t.Fatalf("expected current 1.0.0, got %q, %v", cur, ok)
	}
	if _, ok := h.PreviousVersion(); ok {
		t.Fatal("expected no previous version yet")
	}

	if err := h.RecordVersion("1.1.0", "update"); err != nil {
		t.Fatalf("RecordVersion: %v", err)
	}
	cur, _ = h.CurrentVersion()
	prev, ok := h.PreviousVersion()
	if cur != "1.1.0" || !ok || prev != "1.0.0" {
		t.Fatalf("expected current 1.1.0 / previous 1.0.0, got %q / %q", cur, prev)
	}

	if entries := h.Entries(); len(entries) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(entries))
	}
}

func TestHistoryPersistsAcrossReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "version.json")
	h := NewHistory(path, zap.NewNop())
	if err := h.RecordVersion("2.0.0", "update"); err != nil {
		t.Fatalf("RecordVersion: %v", err)
	}

	reloaded := NewHistory(path, zap.NewNop())
	cur, ok := reloaded.CurrentVersion()
	if !ok || cur != "2.0.0" {
		t.Fatalf("expected reloaded current 2.0.0, got %q, %v", cur, ok)
	}
}

func TestHistoryCorruptFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "version.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	h := NewHistory(path, zap.NewNop())
	if _, ok := h.CurrentVersion(); ok {
		t.Fatal("expected empty history after corrupt file")
	}
}
