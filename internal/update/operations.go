package update

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/torvus/raspictl/internal/ctlerr"
)

// AtomicSymlinkSwitch atomically repoints link at target using the
// temp-link + rename pattern: create a uniquely named symlink in link's
// parent directory, then rename it over link. The rename is the only
// observable step; an interrupted operation never leaves link dangling.
// Grounded on original_source/src/mcp_raspi/updates/operations.py's
// atomic_symlink_switch.
func AtomicSymlinkSwitch(target, link string) error {
	if _, err := os.Stat(target); err != nil {
		return ctlerr.FailedPreconditionf(map[string]any{"target": target}, "update: symlink target does not exist: %s", target)
	}

	dir := filepath.Dir(link)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ctlerr.Internalf(err, map[string]any{"dir": dir}, "update: creating parent directory for symlink")
	}

	tmp := filepath.Join(dir, fmt.Sprintf(".symlink_tmp_%s", uuid.NewString()))
	if err := os.Symlink(target, tmp); err != nil {
		return ctlerr.Internalf(err, map[string]any{"symlink": link, "target": target}, "update: creating temporary symlink")
	}

	if err := os.Rename(tmp, link); err != nil {
		os.Remove(tmp)
		return ctlerr.Internalf(err, map[string]any{"symlink": link, "target": target}, "update: renaming temporary symlink into place")
	}
	return nil
}

// SymlinkTarget resolves link's target, or "" if link does not exist or is
// not a symlink.
func SymlinkTarget(link string) string {
	fi, err := os.Lstat(link)
	if err != nil || fi.Mode()&os.ModeSymlink == 0 {
		return ""
	}
	target, err := os.Readlink(link)
	if err != nil {
		return ""
	}
	return target
}

// VersionDir returns the release directory path for version under
// releasesDir, per the "releases/v<semver>/" layout in spec.md §4.5/§6.
func VersionDir(releasesDir, version string) string {
	return filepath.Join(releasesDir, "v"+version)
}

// VersionDirExists reports whether the release directory for version is
// present under releasesDir — the installation witness per spec.md §6.
func VersionDirExists(releasesDir, version string) bool {
	fi, err := os.Stat(VersionDir(releasesDir, version))
	return err == nil && fi.IsDir()
}

// EnsureVersionDir creates the release directory for version under
// releasesDir if absent.
func EnsureVersionDir(releasesDir, version string) (string, error) {
	dir := VersionDir(releasesDir, version)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", ctlerr.FailedPreconditionf(map[string]any{"path": dir}, "update: failed to create release directory: %s", err)
	}
	return dir, nil
}
