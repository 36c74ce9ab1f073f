package update

import "context"

// PreparedUpdate is a validated, staged artifact ready for atomic
// promotion. Grounded on
// original_source/src/mcp_raspi/updates/backends.py's PreparedUpdate.
type PreparedUpdate struct {
	TargetVersion string
	Channel       string
	StagingPath   string
	Metadata      map[string]any
}

// Backend separates "how to obtain the update" from "how to apply it and
// orchestrate state." Concrete backends (APT, a tarball fetcher, a git
// checkout) implement this against the device's actual update source; none
// is specified here since spec.md §1 leaves update sourcing external.
type Backend interface {
	CheckForUpdates(ctx context.Context, channel string) (latest string, err error)
	Prepare(ctx context.Context, channel, targetVersion string) (PreparedUpdate, error)
	Apply(ctx context.Context, update PreparedUpdate, releasesDir string) error
	CleanupStaging(ctx context.Context, update PreparedUpdate) error
}
