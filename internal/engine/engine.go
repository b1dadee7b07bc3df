// Package engine drives one manifest through pre-checks, actions, and
// post-checks (C6), persisting progress at every action boundary so a crash
// mid-update can resume rather than restart. It mirrors the phase-based
// driver idiom used elsewhere in this codebase for multi-step orchestration:
// a small state machine with deferred bookkeeping around each phase.
package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/serkankas/py-offline-updater/internal/actions"
	"github.com/serkankas/py-offline-updater/internal/backup"
	"github.com/serkankas/py-offline-updater/internal/checks"
	"github.com/serkankas/py-offline-updater/internal/docker"
	"github.com/serkankas/py-offline-updater/internal/manifest"
	"github.com/serkankas/py-offline-updater/internal/observability"
	"github.com/serkankas/py-offline-updater/internal/state"
)

// Phase is the driver's current position in the state machine.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseInit        Phase = "init"
	PhaseApplying    Phase = "applying"
	PhaseVerifying   Phase = "verifying"
	PhaseComplete    Phase = "complete"
	PhaseRollingBack Phase = "rolling_back"
	PhaseRolledBack  Phase = "rolled_back"
	PhaseFailed      Phase = "failed"
)

// ErrRollbackNotEnabled is returned by Rollback when the manifest doesn't opt in.
var ErrRollbackNotEnabled = errors.New("engine: rollback is not enabled in manifest")

// Engine ties a manifest, state store, backup store, and check/action
// runners together for one package_path.
type Engine struct {
	PackagePath string
	Manifest    *manifest.Manifest
	State       *state.Store
	Backup      *backup.Store
	Checks      *checks.Runner
	Actions     *actions.Runner
	Docker      *docker.Client
	Logger      *observability.Logger
	Metrics     *observability.Metrics
}

// New builds an Engine over an already-extracted package and parsed manifest.
func New(packagePath string, m *manifest.Manifest, st *state.Store, bk *backup.Store, dc *docker.Client, logger *observability.Logger, metrics *observability.Metrics) *Engine {
	return &Engine{
		PackagePath: packagePath,
		Manifest:    m,
		State:       st,
		Backup:      bk,
		Checks:      checks.NewRunner(dc, logger, metrics),
		Actions:     actions.NewRunner(packagePath, bk, dc, logger, metrics),
		Docker:      dc,
		Logger:      logger,
		Metrics:     metrics,
	}
}

// Run executes the full pipeline: pre_checks, actions (resuming from the
// last completed index if a crashed run's state is present), post_checks,
// cleanup. A pre-check failure marks the state failed without rolling back;
// an action or post-check failure triggers rollback if
// auto_rollback_on_failure is set.
func (e *Engine) Run(ctx context.Context) (Phase, error) {
	existing, err := e.State.Load()
	if err != nil {
		return PhaseFailed, err
	}

	if state.IsUpdateInProgress(existing) {
		e.Logger.Warn("found incomplete update, resuming", zap.String("package_path", existing.PackagePath))
		return e.resume(ctx, existing)
	}

	st := &state.State{
		Status:           state.StatusInProgress,
		PackagePath:      e.PackagePath,
		Description:      e.Manifest.Description,
		CompletedActions: []int{},
	}

	if _, err := e.runChecks(ctx, PhaseInit, e.Manifest.PreChecks); err != nil {
		e.Logger.Error("pre-checks failed", zap.Error(err))
		if saveErr := e.State.MarkUpdateComplete(st, state.StatusFailed); saveErr != nil {
			e.Logger.Error("failed to persist failure state", zap.Error(saveErr))
		}
		if e.Metrics != nil {
			e.Metrics.RecordJob("failed")
		}
		return PhaseFailed, err
	}

	if phase, err := e.applyActions(ctx, st, 0); err != nil {
		return e.handleFailure(ctx, st, phase, err)
	}

	return e.verifyAndComplete(ctx, st)
}

func (e *Engine) resume(ctx context.Context, st *state.State) (Phase, error) {
	startAt := len(e.Manifest.Actions)
	for i := range e.Manifest.Actions {
		if !st.HasCompleted(i) {
			startAt = i
			break
		}
	}

	if phase, err := e.applyActions(ctx, st, startAt); err != nil {
		return e.handleFailure(ctx, st, phase, err)
	}

	return e.verifyAndComplete(ctx, st)
}

func (e *Engine) applyActions(ctx context.Context, st *state.State, startAt int) (Phase, error) {
	if err := e.State.Save(st); err != nil {
		return PhaseFailed, err
	}

	for i := startAt; i < len(e.Manifest.Actions); i++ {
		a := e.Manifest.Actions[i]
		name := a.Name
		if name == "" {
			name = a.Type
		}

		if err := e.State.MarkActionStarted(st, i, name); err != nil {
			return PhaseFailed, err
		}

		err := e.Actions.Run(ctx, a)
		if err != nil {
			if a.ContinueOnError {
				e.Logger.Warn("action failed but continue_on_error=true", zap.String("action", name), zap.Error(err))
			} else {
				return PhaseApplying, fmt.Errorf("action %q failed: %w", name, err)
			}
		}

		if err := e.State.MarkActionComplete(st, i); err != nil {
			return PhaseFailed, err
		}
	}

	return PhaseApplying, nil
}

func (e *Engine) verifyAndComplete(ctx context.Context, st *state.State) (Phase, error) {
	if phase, err := e.runChecks(ctx, PhaseVerifying, e.Manifest.PostChecks); err != nil {
		return e.handleFailure(ctx, st, phase, err)
	}

	e.cleanup(ctx)

	if err := e.State.MarkUpdateComplete(st, state.StatusCompleted); err != nil {
		return PhaseFailed, err
	}
	if e.Metrics != nil {
		e.Metrics.RecordJob("completed")
	}
	return PhaseComplete, nil
}

func (e *Engine) runChecks(ctx context.Context, phase Phase, specs []manifest.CheckSpec) (Phase, error) {
	for _, c := range specs {
		if err := e.Checks.Run(ctx, c); err != nil {
			return phase, fmt.Errorf("check %q failed: %w", c.Type, err)
		}
	}
	return phase, nil
}

func (e *Engine) handleFailure(ctx context.Context, st *state.State, phase Phase, cause error) (Phase, error) {
	e.Logger.Error("update failed", zap.String("phase", string(phase)), zap.Error(cause))

	if err := e.State.MarkUpdateComplete(st, state.StatusFailed); err != nil {
		e.Logger.Error("failed to persist failure state", zap.Error(err))
	}
	if e.Metrics != nil {
		e.Metrics.RecordJob("failed")
	}

	if !e.shouldAutoRollback() {
		return PhaseFailed, cause
	}

	e.Logger.Info("auto_rollback_on_failure enabled, rolling back")
	if rbErr := e.Rollback(ctx); rbErr != nil {
		e.Logger.Error("rollback failed", zap.Error(rbErr))
		return PhaseFailed, fmt.Errorf("%w (rollback also failed: %v)", cause, rbErr)
	}

	if err := e.State.MarkUpdateComplete(st, state.StatusRolledBack); err != nil {
		e.Logger.Error("failed to persist rolled_back state", zap.Error(err))
	}
	return PhaseRolledBack, cause
}

func (e *Engine) shouldAutoRollback() bool {
	rb := e.Manifest.Rollback
	return rb.Enabled && rb.AutoRollbackOnFailure
}

// Rollback executes the manifest's rollback.steps as ordinary actions, or
// falls back to restoring the latest backup if none are defined.
func (e *Engine) Rollback(ctx context.Context) error {
	rb := e.Manifest.Rollback
	if !rb.Enabled {
		return ErrRollbackNotEnabled
	}

	if len(rb.Steps) == 0 {
		e.Logger.Info("no rollback steps defined, restoring latest backup")
		return e.Backup.Restore("latest", true)
	}

	for _, step := range rb.Steps {
		if err := e.Actions.Run(ctx, step); err != nil {
			name := step.Name
			if name == "" {
				name = step.Type
			}
			return fmt.Errorf("rollback step %q failed: %w", name, err)
		}
	}
	return nil
}

// cleanup runs post-success housekeeping: backup retention and, if
// configured, an image prune through the same docker SDK call the
// docker_prune action uses.
func (e *Engine) cleanup(ctx context.Context) {
	cleanup := e.Manifest.Cleanup

	if cleanup.RemoveOldBackups {
		keep := 3
		if cleanup.KeepLastN != nil {
			keep = *cleanup.KeepLastN
		}
		if err := e.Backup.CleanupOld(keep); err != nil {
			e.Logger.Warn("failed to clean up old backups", zap.Error(err))
		}
	}

	if cleanup.RemoveOldImages && e.Docker != nil {
		if err := e.Docker.PruneImages(ctx, false); err != nil {
			e.Logger.Warn("failed to prune docker images", zap.Error(err))
		}
	}
}
