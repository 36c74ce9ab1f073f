package update

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/torvus/raspictl/internal/ctlerr"
	"github.com/torvus/raspictl/internal/version"
)

// Default health-check retry parameters, per spec.md §4.5 and
// state_machine.py's HEALTH_CHECK_RETRIES / HEALTH_CHECK_DELAY_SECONDS.
const (
	DefaultHealthCheckRetries       = 3
	DefaultHealthCheckDelaySeconds  = 5
)

// VersionResolver supplies the machine with the currently installed and
// previous versions, backed by internal/version's history bookkeeping.
// Decoupled from a concrete store so tests can stub it.
type VersionResolver interface {
	CurrentVersion() (string, bool)
	PreviousVersion() (string, bool)
	RecordVersion(v, source string) error
}

// Config configures a Machine.
type Config struct {
	ReleasesDir             string
	CurrentSymlink          string
	StateFile               string
	Backend                 Backend
	Versions                VersionResolver
	HealthChecks            []HealthCheck
	HealthCheckRetries      int
	HealthCheckDelaySeconds int
	AutoRollback            bool
	Logger                  *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.HealthCheckRetries == 0 {
		c.HealthCheckRetries = DefaultHealthCheckRetries
	}
	if c.HealthCheckDelaySeconds == 0 {
		c.HealthCheckDelaySeconds = DefaultHealthCheckDelaySeconds
	}
	return c
}

// Machine orchestrates the update lifecycle through the state machine in
// state.go. Concurrent updates are rejected with failed_precondition (one
// update in flight at a time), matching spec.md §5's shared-resource policy.
type Machine struct {
	cfg Config

	mu       sync.Mutex
	data     Data
	prepared *PreparedUpdate
}

// NewMachine constructs a Machine, loading any persisted state from disk.
func NewMachine(cfg Config) *Machine {
	cfg = cfg.withDefaults()
	return &Machine{cfg: cfg, data: loadState(cfg.StateFile, cfg.Logger)}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data.State
}

// Data returns a copy of the current persisted state record.
func (m *Machine) Data() Data {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data
}

// Reset forces the machine back to idle. Intended for manual intervention
// when the machine is stuck; it does not undo a symlink pivot.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = newData()
	m.prepared = nil
	clearState(m.cfg.StateFile, m.cfg.Logger)
}

func (m *Machine) persistLocked() {
	if err := saveState(m.cfg.StateFile, m.data, m.cfg.Logger); err != nil {
		m.cfg.Logger.Warn("failed to persist update state", zap.Error(err))
	}
}

func (m *Machine) transitionLocked(to State, opts ...transitionOption) error {
	if err := m.data.transition(to, opts...); err != nil {
		return err
	}
	m.persistLocked()
	return nil
}

// CheckForUpdates queries the backend for the latest version on channel. If
// it is not newer than the current installed version, the machine returns
// to idle with ("", false).
func (m *Machine) CheckForUpdates(ctx context.Context, channel string) (latest string, hasUpdate bool, err error) {
	return m.checkForUpdates(ctx, channel, "")
}

// checkForUpdates is CheckForUpdates generalized with an explicit target: a
// caller that pins or reinstalls a specific target_version (RunFullUpdate's
// explicit-target path) must still reach StateChecking even when the
// backend's latest equals the currently installed version, since the
// request is for that exact version rather than "is there anything newer".
func (m *Machine) checkForUpdates(ctx context.Context, channel, explicitTarget string) (latest string, hasUpdate bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.data.State != StateIdle {
		return "", false, ctlerr.FailedPreconditionf(map[string]any{"current_state": string(m.data.State)}, "update: cannot check for updates while in %s state", m.data.State)
	}
	if m.cfg.Backend == nil {
		return "", false, ctlerr.FailedPreconditionf(nil, "update: backend not configured")
	}

	m.data.Channel = channel
	m.data.StartedAt = time.Now().UTC()
	if err := m.transitionLocked(StateChecking, withProgress(0)); err != nil {
		return "", false, err
	}

	latestVersion, err := m.cfg.Backend.CheckForUpdates(ctx, channel)
	if err != nil {
		m.transitionLocked(StateFailed, withError(fmt.Sprintf("check failed: %s", err)))
		return "", false, ctlerr.As(err)
	}

	current, _ := m.currentVersionLocked()

	if explicitTarget != "" {
		m.data.TargetVersion = explicitTarget
		m.data.OldVersion = current
		m.persistLocked()
		return explicitTarget, true, nil
	}

	if latestVersion == "" || !isNewerVersion(latestVersion, current) {
		m.transitionLocked(StateIdle)
		m.data = newData()
		clearState(m.cfg.StateFile, m.cfg.Logger)
		return "", false, nil
	}

	m.data.TargetVersion = latestVersion
	m.data.OldVersion = current
	m.persistLocked()
	return latestVersion, true, nil
}

// isNewerVersion reports whether latest outranks current under semver
// precedence (internal/version.Compare). Either side failing to parse (a
// backend reporting a non-semver channel tag, or no installed version yet)
// falls back to plain inequality rather than rejecting the update.
func isNewerVersion(latest, current string) bool {
	if current == "" {
		return latest != ""
	}
	lv, lerr := version.Parse(latest)
	cv, cerr := version.Parse(current)
	if lerr != nil || cerr != nil {
		return latest != current
	}
	return version.Compare(lv, cv) > 0
}

func (m *Machine) currentVersionLocked() (string, bool) {
	if m.cfg.Versions == nil {
		return "", false
	}
	return m.cfg.Versions.CurrentVersion()
}

// Prepare stages targetVersion (or the previously-checked target if empty)
// via the backend.
func (m *Machine) Prepare(ctx context.Context, targetVersion string) (PreparedUpdate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.data.State != StateChecking {
		return PreparedUpdate{}, ctlerr.FailedPreconditionf(map[string]any{"current_state": string(m.data.State)}, "update: cannot prepare while in %s state", m.data.State)
	}
	if m.cfg.Backend == nil {
		return PreparedUpdate{}, ctlerr.FailedPreconditionf(nil, "update: backend not configured")
	}
	if targetVersion == "" {
		targetVersion = m.data.TargetVersion
	}
	if targetVersion == "" {
		return PreparedUpdate{}, ctlerr.InvalidArgumentf(map[string]any{"parameter": "target_version"}, "update: no target version specified")
	}
	if _, err := version.Parse(targetVersion); err != nil {
		return PreparedUpdate{}, err
	}

	if err := m.transitionLocked(StatePreparing, withProgress(10)); err != nil {
		return PreparedUpdate{}, err
	}

	prepared, err := m.cfg.Backend.Prepare(ctx, m.data.Channel, targetVersion)
	if err != nil {
		m.transitionLocked(StateFailed, withError(fmt.Sprintf("prepare failed: %s", err)))
		return PreparedUpdate{}, ctlerr.As(err)
	}

	m.prepared = &prepared
	m.data.TargetVersion = prepared.TargetVersion
	m.data.ProgressPercent = 50
	m.persistLocked()
	return prepared, nil
}

// Apply installs the staged artifact and atomically pivots current.
func (m *Machine) Apply(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.data.State != StatePreparing {
		return ctlerr.FailedPreconditionf(map[string]any{"current_state": string(m.data.State)}, "update: cannot apply while in %s state", m.data.State)
	}
	if m.prepared == nil {
		return ctlerr.FailedPreconditionf(nil, "update: no update has been prepared")
	}
	if m.cfg.Backend == nil {
		return ctlerr.FailedPreconditionf(nil, "update: backend not configured")
	}

	if err := m.transitionLocked(StateSwitching, withProgress(60)); err != nil {
		return err
	}

	if err := m.cfg.Backend.Apply(ctx, *m.prepared, m.cfg.ReleasesDir); err != nil {
		m.transitionLocked(StateFailed, withError(fmt.Sprintf("apply failed: %s", err)))
		return ctlerr.As(err)
	}

	versionDir := VersionDir(m.cfg.ReleasesDir, m.prepared.TargetVersion)
	if !VersionDirExists(m.cfg.ReleasesDir, m.prepared.TargetVersion) {
		err := ctlerr.FailedPreconditionf(map[string]any{"version": m.prepared.TargetVersion, "path": versionDir}, "update: version directory does not exist: %s", versionDir)
		m.transitionLocked(StateFailed, withError(err.Message))
		return err
	}

	if err := AtomicSymlinkSwitch(versionDir, m.cfg.CurrentSymlink); err != nil {
		m.transitionLocked(StateFailed, withError(fmt.Sprintf("symlink switch failed: %s", err)))
		return err
	}

	m.data.ProgressPercent = 70
	m.persistLocked()
	return nil
}

// Verify runs the configured health checks up to HealthCheckRetries times,
// separated by HealthCheckDelaySeconds. All passing transitions to success;
// exhaustion transitions to failed.
func (m *Machine) Verify(ctx context.Context) (bool, error) {
	m.mu.Lock()
	if m.data.State != StateSwitching {
		state := m.data.State
		m.mu.Unlock()
		return false, ctlerr.FailedPreconditionf(map[string]any{"current_state": string(state)}, "update: cannot verify while in %s state", state)
	}
	if err := m.transitionLocked(StateVerifying, withProgress(80)); err != nil {
		m.mu.Unlock()
		return false, err
	}
	checks := m.cfg.HealthChecks
	retries := m.cfg.HealthCheckRetries
	delay := time.Duration(m.cfg.HealthCheckDelaySeconds) * time.Second
	m.mu.Unlock()

	var passed bool
	for attempt := 1; attempt <= retries; attempt++ {
		if runHealthChecks(ctx, checks, m.cfg.Logger) {
			passed = true
			break
		}
		m.mu.Lock()
		m.data.FailureCount++
		m.persistLocked()
		m.mu.Unlock()

		if attempt < retries {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return false, ctx.Err()
			}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if passed {
		m.data.FailureCount = 0
		if err := m.transitionLocked(StateSuccess, withProgress(100)); err != nil {
			return false, err
		}
		if m.cfg.Versions != nil && m.prepared != nil {
			if err := m.cfg.Versions.RecordVersion(m.prepared.TargetVersion, "update"); err != nil {
				m.cfg.Logger.Warn("failed to record installed version", zap.Error(err))
			}
		}
		return true, nil
	}

	m.transitionLocked(StateFailed, withError(fmt.Sprintf("health checks failed after %d attempts", retries)))
	return false, nil
}

// CompleteUpdate cleans up staging and returns the machine to idle.
func (m *Machine) CompleteUpdate(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.data.State != StateSuccess {
		return ctlerr.FailedPreconditionf(map[string]any{"current_state": string(m.data.State)}, "update: cannot complete while in %s state", m.data.State)
	}
	if m.cfg.Backend != nil && m.prepared != nil {
		if err := m.cfg.Backend.CleanupStaging(ctx, *m.prepared); err != nil {
			m.cfg.Logger.Warn("failed to clean up staging", zap.Error(err))
		}
	}
	m.transitionLocked(StateIdle)
	m.data = newData()
	m.prepared = nil
	clearState(m.cfg.StateFile, m.cfg.Logger)
	return nil
}

// TriggerRollback pivots current back to the previous version. Valid from
// failed or verifying (verifying is demoted to failed first).
func (m *Machine) TriggerRollback(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.data.State != StateFailed && m.data.State != StateVerifying {
		return ctlerr.FailedPreconditionf(map[string]any{"current_state": string(m.data.State)}, "update: cannot roll back while in %s state", m.data.State)
	}

	previous := m.data.OldVersion
	if previous == "" && m.cfg.Versions != nil {
		previous, _ = m.cfg.Versions.PreviousVersion()
	}
	if previous == "" {
		return ctlerr.FailedPreconditionf(nil, "update: no previous version available for rollback")
	}

	if m.data.State == StateVerifying {
		if err := m.transitionLocked(StateFailed, withError("rollback requested during verification")); err != nil {
			return err
		}
	}

	if err := m.transitionLocked(StateRollingBack, withProgress(85)); err != nil {
		return err
	}

	if !VersionDirExists(m.cfg.ReleasesDir, previous) {
		return ctlerr.FailedPreconditionf(map[string]any{"version": previous}, "update: previous version directory does not exist")
	}
	if err := AtomicSymlinkSwitch(VersionDir(m.cfg.ReleasesDir, previous), m.cfg.CurrentSymlink); err != nil {
		return err
	}
	if m.cfg.Versions != nil {
		if err := m.cfg.Versions.RecordVersion(previous, "rollback"); err != nil {
			m.cfg.Logger.Warn("failed to record rollback version", zap.Error(err))
		}
	}

	m.transitionLocked(StateIdle)
	m.data = newData()
	clearState(m.cfg.StateFile, m.cfg.Logger)
	return nil
}

// RunFullUpdate drives check -> prepare -> apply -> verify -> complete, with
// auto-rollback on verify failure when AutoRollback is set, per spec.md
// §4.5's run_full_update procedure.
func (m *Machine) RunFullUpdate(ctx context.Context, channel, targetVersion string) error {
	latest, hasUpdate, err := m.checkForUpdates(ctx, channel, targetVersion)
	if err != nil {
		return err
	}
	if !hasUpdate {
		return nil
	}
	if targetVersion == "" {
		targetVersion = latest
	}

	if _, err := m.Prepare(ctx, targetVersion); err != nil {
		return err
	}
	if err := m.Apply(ctx); err != nil {
		return err
	}

	passed, err := m.Verify(ctx)
	if err != nil {
		return err
	}
	if passed {
		return m.CompleteUpdate(ctx)
	}

	if m.cfg.AutoRollback {
		return m.TriggerRollback(ctx)
	}
	return ctlerr.FailedPreconditionf(nil, "update: verification failed and auto-rollback is disabled")
}
