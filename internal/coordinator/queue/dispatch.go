package queue

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kestrelhq/kestrel/internal/common/apperr"
	"github.com/kestrelhq/kestrel/internal/coordinator/models"
)

// WorkResult is the outcome of a long-poll dispatch. Exactly one of the
// fields is meaningful; all empty means no work (HTTP 204).
type WorkResult struct {
	Deregistered bool
	StopRuns     []string
	Run          *models.Run
}

// Empty reports whether the dispatch produced nothing.
func (r WorkResult) Empty() bool {
	return !r.Deregistered && len(r.StopRuns) == 0 && r.Run == nil
}

// GetWork is the runner long-poll. It refreshes the heartbeat, surfaces
// deregistration and stop intents, then tries to claim; with nothing to hand
// out it blocks on the runner's wake channel until work arrives or the poll
// window closes. Client disconnect cancels ctx and leaves queued runs alone.
func (q *Queue) GetWork(ctx context.Context, runnerID string) (WorkResult, error) {
	if err := q.registry.Heartbeat(ctx, runnerID); err != nil {
		if apperr.IsNotFound(err) {
			return WorkResult{}, apperr.BadRequest("unknown runner_id; register first")
		}
		return WorkResult{}, err
	}

	caps, err := q.registry.GetCapabilities(ctx, runnerID)
	if err != nil {
		return WorkResult{}, err
	}

	deadline := time.NewTimer(q.cfg.PollTimeoutDuration())
	defer deadline.Stop()
	wake := q.registry.WakeChannel(runnerID)

	for {
		if q.registry.IsMarkedForDeregistration(ctx, runnerID) {
			return WorkResult{Deregistered: true}, nil
		}
		if intents := q.registry.TakeStopIntents(runnerID); len(intents) > 0 {
			return WorkResult{StopRuns: intents}, nil
		}

		run, err := q.store.ClaimFirstMatching(ctx, runnerID, caps)
		if err != nil {
			return WorkResult{}, apperr.Wrap(err, "claim failed")
		}
		if run != nil {
			q.log.Info("run dispatched",
				zap.String("run_id", run.ID),
				zap.String("runner_id", runnerID))
			return WorkResult{Run: run}, nil
		}

		select {
		case <-ctx.Done():
			return WorkResult{}, nil
		case <-deadline.C:
			return WorkResult{}, nil
		case <-wake:
			// Re-check everything; the signal is only a hint.
		}
	}
}

// Stop requests termination of a run, following the run state machine:
// pending stops directly, claimed and running transition to stopping and the
// owning runner is signalled, terminal runs refuse.
func (q *Queue) Stop(ctx context.Context, runID string) (*models.Run, error) {
	run, err := q.store.GetRun(ctx, runID)
	if err != nil {
		return nil, mapRunErr(err, runID)
	}

	switch run.Status {
	case models.RunPending:
		now := time.Now().UTC()
		updated, ok, err := q.store.TransitionRun(ctx, runID,
			[]models.RunStatus{models.RunPending}, models.RunStopped,
			func(r *models.Run) { r.CompletedAt = &now })
		if err != nil {
			return nil, mapRunErr(err, runID)
		}
		if !ok {
			// Claimed between read and transition; retry as non-pending.
			return q.Stop(ctx, runID)
		}
		if err := q.stopSessionFor(ctx, updated, models.SessionStopped); err != nil {
			return nil, err
		}
		return updated, nil

	case models.RunClaimed, models.RunRunning:
		updated, ok, err := q.store.TransitionRun(ctx, runID,
			[]models.RunStatus{models.RunClaimed, models.RunRunning}, models.RunStopping, nil)
		if err != nil {
			return nil, mapRunErr(err, runID)
		}
		if !ok {
			return nil, apperr.BadRequest("run is already in state " + string(updated.Status))
		}
		if err := q.stopSessionFor(ctx, updated, models.SessionStopping); err != nil {
			return nil, err
		}
		if updated.RunnerID != "" {
			q.registry.QueueStop(updated.RunnerID, runID)
		}
		return updated, nil

	case models.RunStopping:
		// Stop already in flight; idempotent.
		return run, nil

	default:
		return nil, apperr.BadRequest("run is already in terminal state " + string(run.Status))
	}
}

// StopSession stops the session's active run, if any.
func (q *Queue) StopSession(ctx context.Context, sessionID string) (*models.Run, error) {
	if _, err := q.store.GetSession(ctx, sessionID); err != nil {
		return nil, mapSessionErr(err, sessionID)
	}
	run, err := q.store.ActiveRunForSession(ctx, sessionID)
	if err != nil {
		return nil, apperr.Wrap(err, "failed to find active run")
	}
	if run == nil {
		return nil, apperr.Conflict("session has no active run")
	}
	return q.Stop(ctx, run.ID)
}

func (q *Queue) stopSessionFor(ctx context.Context, run *models.Run, status models.SessionStatus) error {
	session, err := q.store.GetSession(ctx, run.SessionID)
	if err != nil {
		return apperr.Wrap(err, "failed to get session")
	}
	if session.Status.Terminal() && status == models.SessionStopping {
		return nil
	}
	session.Status = status
	if err := q.store.UpdateSession(ctx, session); err != nil {
		return apperr.Wrap(err, "failed to update session")
	}
	_ = q.bus.Publish(ctx, busSessionUpdated(session))
	return nil
}

// SweepLoop periodically fails pending runs whose no-match timeout expired.
func (q *Queue) SweepLoop(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.SweepIntervalDuration())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.SweepExpired(ctx)
		}
	}
}

// SweepExpired transitions every timed-out pending run to failed and fails
// its session.
func (q *Queue) SweepExpired(ctx context.Context) {
	runs, err := q.store.ListExpiredPending(ctx, time.Now().UTC())
	if err != nil {
		q.log.Error("timeout sweep failed", zap.Error(err))
		return
	}
	for _, run := range runs {
		now := time.Now().UTC()
		updated, ok, err := q.store.TransitionRun(ctx, run.ID,
			[]models.RunStatus{models.RunPending}, models.RunFailed,
			func(r *models.Run) {
				r.Error = "no matching runner"
				r.CompletedAt = &now
			})
		if err != nil || !ok {
			continue
		}
		q.log.Warn("run timed out waiting for a matching runner",
			zap.String("run_id", run.ID),
			zap.String("agent", run.AgentName))
		if err := q.failSession(ctx, updated.SessionID, "no matching runner"); err != nil {
			q.log.Error("failed to fail session after timeout", zap.Error(err),
				zap.String("session_id", updated.SessionID))
		}
	}
}

func (q *Queue) failSession(ctx context.Context, sessionID, reason string) error {
	session, err := q.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	session.Status = models.SessionFailed
	if err := q.store.UpdateSession(ctx, session); err != nil {
		return err
	}
	event, err := q.store.AppendEvent(ctx, &models.Event{
		SessionID: sessionID,
		Kind:      models.EventSessionStop,
		Payload:   map[string]any{"reason": reason},
	})
	if err != nil {
		return err
	}
	_ = q.bus.Publish(ctx, busSessionUpdated(session))
	_ = q.bus.Publish(ctx, busEventAppended(event))
	return nil
}

func mapRunErr(err error, runID string) error {
	if err == nil {
		return nil
	}
	if isNotFound(err) {
		return apperr.NotFound("run", runID)
	}
	return apperr.Wrap(err, "run operation failed")
}

func mapSessionErr(err error, sessionID string) error {
	if err == nil {
		return nil
	}
	if isNotFound(err) {
		return apperr.NotFound("session", sessionID)
	}
	return apperr.Wrap(err, "session operation failed")
}
