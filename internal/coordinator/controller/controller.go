// Package controller receives runner lifecycle reports and keeps sessions
// and their events consistent. It also owns callback delivery to parent
// sessions, result retrieval, and the recovery sweep after a restart.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kestrelhq/kestrel/internal/common/apperr"
	"github.com/kestrelhq/kestrel/internal/common/config"
	"github.com/kestrelhq/kestrel/internal/common/logger"
	"github.com/kestrelhq/kestrel/internal/coordinator/models"
	"github.com/kestrelhq/kestrel/internal/coordinator/queue"
	"github.com/kestrelhq/kestrel/internal/coordinator/registry"
	"github.com/kestrelhq/kestrel/internal/coordinator/store"
	"github.com/kestrelhq/kestrel/internal/events"
	"github.com/kestrelhq/kestrel/internal/events/bus"
)

// Controller applies runner reports to the run and session state machines.
type Controller struct {
	store    *store.Store
	queue    *queue.Queue
	registry *registry.Registry
	bus      bus.Bus
	cfg      config.CoordinatorConfig
	log      *logger.Logger
}

// New creates a Controller.
func New(st *store.Store, q *queue.Queue, reg *registry.Registry, b bus.Bus, cfg config.CoordinatorConfig, log *logger.Logger) *Controller {
	return &Controller{
		store:    st,
		queue:    q,
		registry: reg,
		bus:      b,
		cfg:      cfg,
		log:      log.WithFields(zap.String("component", "controller")),
	}
}

// Started handles the runner's start report: run claimed to running, session
// to running, session_start event. Reports are idempotent on the run id.
func (c *Controller) Started(ctx context.Context, runID string) (*models.Run, error) {
	now := time.Now().UTC()
	run, ok, err := c.store.TransitionRun(ctx, runID,
		[]models.RunStatus{models.RunClaimed}, models.RunRunning,
		func(r *models.Run) { r.StartedAt = &now })
	if err != nil {
		return nil, mapRunErr(err, runID)
	}
	if !ok {
		if run.Status == models.RunRunning {
			return run, nil
		}
		return nil, apperr.Conflict(fmt.Sprintf("run is in state %s, cannot start", run.Status))
	}

	session, err := c.store.GetSession(ctx, run.SessionID)
	if err != nil {
		return nil, apperr.Wrap(err, "failed to get session")
	}
	session.Status = models.SessionRunning
	if caps, err := c.registry.GetCapabilities(ctx, run.RunnerID); err == nil {
		session.Hostname = caps.Hostname
	}
	if err := c.store.UpdateSession(ctx, session); err != nil {
		return nil, apperr.Wrap(err, "failed to update session")
	}

	event, err := c.store.AppendEvent(ctx, &models.Event{
		SessionID: session.ID,
		Kind:      models.EventSessionStart,
		Payload:   map[string]any{"run_id": run.ID, "runner_id": run.RunnerID},
	})
	if err != nil {
		return nil, apperr.Wrap(err, "failed to append event")
	}
	c.publishSession(ctx, session)
	c.publishEvent(ctx, event)
	return run, nil
}

// CompletionReport carries the payload of a completed report.
type CompletionReport struct {
	ResultText       string
	ResultData       map[string]any
	ExecutorIdentity string
}

// Completed handles the runner's completion report: run to completed,
// session to finished, result event, then callback delivery when the run is
// a callback-mode child.
func (c *Controller) Completed(ctx context.Context, runID string, report CompletionReport) (*models.Run, error) {
	now := time.Now().UTC()
	run, ok, err := c.store.TransitionRun(ctx, runID,
		[]models.RunStatus{models.RunRunning, models.RunClaimed, models.RunStopping}, models.RunCompleted,
		func(r *models.Run) { r.CompletedAt = &now })
	if err != nil {
		return nil, mapRunErr(err, runID)
	}
	if !ok {
		if run.Status == models.RunCompleted {
			return run, nil
		}
		return nil, apperr.Conflict(fmt.Sprintf("run is in state %s, cannot complete", run.Status))
	}

	session, err := c.store.GetSession(ctx, run.SessionID)
	if err != nil {
		return nil, apperr.Wrap(err, "failed to get session")
	}
	session.Status = models.SessionFinished
	if report.ExecutorIdentity != "" {
		session.ExecutorIdentity = report.ExecutorIdentity
	}
	if err := c.store.UpdateSession(ctx, session); err != nil {
		return nil, apperr.Wrap(err, "failed to update session")
	}

	payload := map[string]any{
		"run_id":      run.ID,
		"result_text": report.ResultText,
	}
	if report.ResultData != nil {
		payload["result_data"] = report.ResultData
	}
	event, err := c.store.AppendEvent(ctx, &models.Event{
		SessionID: session.ID,
		Kind:      models.EventResult,
		Payload:   payload,
	})
	if err != nil {
		return nil, apperr.Wrap(err, "failed to append result event")
	}
	c.publishSession(ctx, session)
	c.publishEvent(ctx, event)

	c.deliverCallback(ctx, run, session, string(models.RunCompleted), report.ResultText, report.ResultData)
	return run, nil
}

// Failed handles the runner's failure report.
func (c *Controller) Failed(ctx context.Context, runID, runErr string) (*models.Run, error) {
	now := time.Now().UTC()
	run, ok, err := c.store.TransitionRun(ctx, runID,
		[]models.RunStatus{models.RunPending, models.RunClaimed, models.RunRunning, models.RunStopping},
		models.RunFailed,
		func(r *models.Run) {
			r.Error = runErr
			r.CompletedAt = &now
		})
	if err != nil {
		return nil, mapRunErr(err, runID)
	}
	if !ok {
		if run.Status == models.RunFailed {
			return run, nil
		}
		return nil, apperr.Conflict(fmt.Sprintf("run is in state %s, cannot fail", run.Status))
	}

	session, err := c.store.GetSession(ctx, run.SessionID)
	if err != nil {
		return nil, apperr.Wrap(err, "failed to get session")
	}
	session.Status = models.SessionFailed
	if err := c.store.UpdateSession(ctx, session); err != nil {
		return nil, apperr.Wrap(err, "failed to update session")
	}

	event, err := c.store.AppendEvent(ctx, &models.Event{
		SessionID: session.ID,
		Kind:      models.EventSessionStop,
		Payload:   map[string]any{"run_id": run.ID, "reason": runErr},
	})
	if err != nil {
		return nil, apperr.Wrap(err, "failed to append event")
	}
	c.publishSession(ctx, session)
	c.publishEvent(ctx, event)

	// Failure callbacks are delivered identically to success callbacks.
	c.deliverCallback(ctx, run, session, string(models.RunFailed), runErr, nil)
	return run, nil
}

// Stopped handles the runner's stop acknowledgement.
func (c *Controller) Stopped(ctx context.Context, runID, signal string) (*models.Run, error) {
	now := time.Now().UTC()
	run, ok, err := c.store.TransitionRun(ctx, runID,
		[]models.RunStatus{models.RunStopping, models.RunClaimed, models.RunRunning},
		models.RunStopped,
		func(r *models.Run) { r.CompletedAt = &now })
	if err != nil {
		return nil, mapRunErr(err, runID)
	}
	if !ok {
		if run.Status == models.RunStopped {
			return run, nil
		}
		return nil, apperr.Conflict(fmt.Sprintf("run is in state %s, cannot stop", run.Status))
	}

	session, err := c.store.GetSession(ctx, run.SessionID)
	if err != nil {
		return nil, apperr.Wrap(err, "failed to get session")
	}
	session.Status = models.SessionStopped
	if err := c.store.UpdateSession(ctx, session); err != nil {
		return nil, apperr.Wrap(err, "failed to update session")
	}

	payload := map[string]any{"run_id": run.ID}
	if signal != "" {
		payload["signal"] = signal
	}
	event, err := c.store.AppendEvent(ctx, &models.Event{
		SessionID: session.ID,
		Kind:      models.EventSessionStop,
		Payload:   payload,
	})
	if err != nil {
		return nil, apperr.Wrap(err, "failed to append event")
	}
	c.publishSession(ctx, session)
	c.publishEvent(ctx, event)

	c.deliverCallback(ctx, run, session, string(models.RunStopped), "", nil)
	return run, nil
}

// Result returns a session's final result, which is its most recent result
// event. A session that has not finished yields a conflict.
func (c *Controller) Result(ctx context.Context, sessionID string) (*models.Event, error) {
	session, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound("session", sessionID)
		}
		return nil, apperr.Wrap(err, "failed to get session")
	}
	if !session.Status.Terminal() {
		return nil, apperr.Conflict("not_yet_available")
	}
	event, err := c.store.LatestResultEvent(ctx, sessionID)
	if err != nil {
		return nil, apperr.Wrap(err, "failed to get result")
	}
	if event == nil {
		return nil, apperr.Conflict("not_yet_available")
	}
	return event, nil
}

// deliverCallback enqueues a resume run on the parent session when a
// callback-mode child reaches a terminal state. A finished parent is
// re-activated; a stopped or failed parent still gets the callback, with a
// warning.
func (c *Controller) deliverCallback(ctx context.Context, run *models.Run, child *models.Session, status, resultText string, resultData map[string]any) {
	if run.ExecutionMode != models.ExecAsyncCallback || run.ParentSessionID == "" {
		return
	}

	parent, err := c.store.GetSession(ctx, run.ParentSessionID)
	if err != nil {
		c.log.Error("callback parent session lookup failed", zap.Error(err),
			zap.String("parent_session_id", run.ParentSessionID))
		return
	}
	if parent.Status == models.SessionStopped || parent.Status == models.SessionFailed {
		c.log.Warn("delivering callback to a parent in terminal failure state",
			zap.String("parent_session_id", parent.ID),
			zap.String("parent_status", string(parent.Status)))
	}

	prompt, err := callbackPrompt(child.ID, status, resultText, resultData)
	if err != nil {
		c.log.Error("failed to render callback prompt", zap.Error(err))
		return
	}

	_, _, err = c.queue.Enqueue(ctx, queue.EnqueueRequest{
		Type:       models.RunTypeResume,
		AgentName:  parent.AgentName,
		SessionID:  parent.ID,
		Parameters: map[string]any{"prompt": prompt},
	})
	if err != nil {
		c.log.Error("failed to enqueue callback resume", zap.Error(err),
			zap.String("parent_session_id", parent.ID),
			zap.String("child_session_id", child.ID))
		return
	}
	c.log.Info("callback resume enqueued",
		zap.String("parent_session_id", parent.ID),
		zap.String("child_session_id", child.ID),
		zap.String("child_status", status))
}

// callbackPrompt renders the machine-readable block a parent agent receives
// when one of its child sessions reaches a terminal state.
func callbackPrompt(childSessionID, status, resultText string, resultData map[string]any) (string, error) {
	block := map[string]any{
		"child_session_id": childSessionID,
		"status":           status,
		"result_text":      resultText,
	}
	if resultData != nil {
		block["result_data"] = resultData
	}
	data, err := json.MarshalIndent(block, "", "  ")
	if err != nil {
		return "", err
	}
	return "A child session you launched has finished.\n\n```json\n" + string(data) + "\n```\n", nil
}

func (c *Controller) publishSession(ctx context.Context, session *models.Session) {
	_ = c.bus.Publish(ctx, bus.SessionMessage(events.SessionUpdated, session))
}

func (c *Controller) publishEvent(ctx context.Context, event *models.Event) {
	_ = c.bus.Publish(ctx, bus.EventMessage(event))
}

func mapRunErr(err error, runID string) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound("run", runID)
	}
	return apperr.Wrap(err, "run operation failed")
}
