package controller

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/kestrelhq/kestrel/internal/common/config"
	"github.com/kestrelhq/kestrel/internal/coordinator/models"
	"github.com/kestrelhq/kestrel/internal/coordinator/store"
)

// Recover sweeps runs left in a transient state by a previous process:
// claimed runs go back to pending, running runs fail depending on the
// recovery mode and the owning runner's heartbeat, stopping runs settle as
// stopped. Matchers are woken afterwards so recovered pending runs get
// re-dispatched.
func (c *Controller) Recover(ctx context.Context) error {
	mode := c.cfg.RecoveryMode
	if mode == config.RecoveryNone {
		c.log.Info("recovery sweep disabled")
		return nil
	}

	runs, err := c.store.ListRecoveryRuns(ctx)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		return nil
	}
	c.log.Info("recovery sweep started",
		zap.String("mode", mode),
		zap.Int("runs", len(runs)))

	for _, run := range runs {
		switch run.Status {
		case models.RunClaimed:
			c.recoverClaimed(ctx, run)
		case models.RunRunning:
			c.recoverRunning(ctx, run, mode)
		case models.RunStopping:
			c.recoverStopping(ctx, run)
		}
	}

	c.registry.WakeAll()
	return nil
}

// RecoverRunner resolves the in-flight runs of a single runner whose
// heartbeat timed out, applying the same rules as the startup sweep: claimed
// runs go back to pending, running runs fail, stopping runs settle as
// stopped. The liveness monitor calls this when it finds a runner offline,
// before the registration is garbage-collected.
func (c *Controller) RecoverRunner(ctx context.Context, runnerID string) {
	runs, err := c.store.ListRunsOwnedBy(ctx, runnerID)
	if err != nil {
		c.log.Error("failed to list runs of offline runner",
			zap.Error(err), zap.String("runner_id", runnerID))
		return
	}
	if len(runs) == 0 {
		return
	}
	c.log.Warn("resolving runs of vanished runner",
		zap.String("runner_id", runnerID),
		zap.Int("runs", len(runs)))

	for _, run := range runs {
		switch run.Status {
		case models.RunClaimed:
			c.recoverClaimed(ctx, run)
		case models.RunRunning:
			if _, err := c.Failed(ctx, run.ID, "runner disappeared"); err != nil {
				c.log.Error("failed to fail orphaned run", zap.Error(err), zap.String("run_id", run.ID))
			}
		case models.RunStopping:
			c.recoverStopping(ctx, run)
		}
	}

	c.registry.WakeAll()
}

// recoverClaimed resets a claimed run to pending. The runner died before
// starting it, so re-dispatch is safe.
func (c *Controller) recoverClaimed(ctx context.Context, run *models.Run) {
	timeoutAt := time.Now().UTC().Add(c.cfg.NoMatchTimeoutDuration())
	_, ok, err := c.store.TransitionRun(ctx, run.ID,
		[]models.RunStatus{models.RunClaimed}, models.RunPending,
		func(r *models.Run) {
			r.RunnerID = ""
			r.ClaimedAt = nil
			r.TimeoutAt = &timeoutAt
		})
	if err != nil || !ok {
		c.log.Error("failed to recover claimed run", zap.Error(err), zap.String("run_id", run.ID))
		return
	}
	c.log.Info("claimed run reset to pending", zap.String("run_id", run.ID))
}

// recoverRunning fails a running run whose runner is gone. Under stale
// recovery the runner gets until the heartbeat timeout to prove it is alive.
func (c *Controller) recoverRunning(ctx context.Context, run *models.Run, mode string) {
	if mode == config.RecoveryStale {
		runner, err := c.store.GetRunner(ctx, run.RunnerID)
		if err == nil && time.Since(runner.LastHeartbeat) < c.cfg.HeartbeatTimeoutDuration() {
			c.log.Info("leaving running run to its live runner",
				zap.String("run_id", run.ID),
				zap.String("runner_id", run.RunnerID))
			return
		}
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			c.log.Error("failed to check runner heartbeat", zap.Error(err), zap.String("run_id", run.ID))
			return
		}
	}

	if _, err := c.Failed(ctx, run.ID, "runner disappeared"); err != nil {
		c.log.Error("failed to recover running run", zap.Error(err), zap.String("run_id", run.ID))
		return
	}
	c.log.Warn("running run failed during recovery", zap.String("run_id", run.ID))
}

func (c *Controller) recoverStopping(ctx context.Context, run *models.Run) {
	if _, err := c.Stopped(ctx, run.ID, "recovery"); err != nil {
		c.log.Error("failed to recover stopping run", zap.Error(err), zap.String("run_id", run.ID))
		return
	}
	c.log.Info("stopping run settled as stopped", zap.String("run_id", run.ID))
}
