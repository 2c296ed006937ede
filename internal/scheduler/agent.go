package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"agentflow/internal/approval"
	"agentflow/internal/domain"
	"agentflow/internal/metrics"
	"agentflow/internal/notify"
	"agentflow/internal/store"
	"agentflow/internal/worker"
)

// AgentScheduler is what the coordinator polls on every tick.
type AgentScheduler interface {
	AgentID() string
	// PollForDueTasks executes the agent's due tasks and reports how many succeeded.
	PollForDueTasks(ctx context.Context) (int, error)
}

// Agent drives execution of one agent's tasks.
type Agent struct {
	agentID  string
	store    store.Store
	handlers *worker.Registry
	gate     *approval.Gate
	retry    RetryPolicy
	notifier notify.Notifier
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	now      func() time.Time

	inFlight atomic.Bool
}

var _ AgentScheduler = (*Agent)(nil)

type AgentOption func(*Agent)

func WithApprovalGate(g *approval.Gate) AgentOption { return func(a *Agent) { a.gate = g } }

func WithRetryPolicy(p RetryPolicy) AgentOption { return func(a *Agent) { a.retry = p } }

// WithNotifier reports completed and failed tasks to the agent's recipient.
func WithNotifier(n notify.Notifier) AgentOption { return func(a *Agent) { a.notifier = n } }

func WithAgentMetrics(m *metrics.Metrics) AgentOption { return func(a *Agent) { a.metrics = m } }

func WithAgentLogger(l zerolog.Logger) AgentOption { return func(a *Agent) { a.logger = l } }

func WithAgentClock(now func() time.Time) AgentOption { return func(a *Agent) { a.now = now } }

func NewAgent(agentID string, st store.Store, handlers *worker.Registry, opts ...AgentOption) *Agent {
	a := &Agent{
		agentID:  agentID,
		store:    st,
		handlers: handlers,
		retry:    DefaultRetryPolicy(),
		notifier: notify.Nop{},
		metrics:  metrics.Nop(),
		logger:   log.With().Str("component", "agent-scheduler").Str("agent_id", agentID).Logger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.gate == nil {
		a.gate = approval.NewGate(st,
			approval.WithNotifier(a.notifier),
			approval.WithMetrics(a.metrics),
			approval.WithClock(a.now),
		)
	}
	return a
}

func (a *Agent) AgentID() string { return a.agentID }

// CreateTask stores a task owned by this agent and, when approval is
// required, opens an approval request for it. Recurring tasks without an
// explicit scheduled time start at their first occurrence.
func (a *Agent) CreateTask(ctx context.Context, spec domain.TaskSpec) (string, error) {
	spec.AgentID = a.agentID
	if spec.MaxRetries == nil {
		n := a.retry.MaxRetries
		spec.MaxRetries = &n
	}
	if spec.Schedule != "" {
		rec, err := ParseRecurrence(spec.Schedule)
		if err != nil {
			return "", &domain.ValidationError{Field: "metadata.schedule", Reason: err.Error()}
		}
		if spec.ScheduledTime == nil {
			first, err := rec.Next(a.now().UTC())
			if err != nil {
				return "", &domain.ValidationError{Field: "metadata.schedule", Reason: err.Error()}
			}
			spec.ScheduledTime = &first
		}
	}

	id, err := a.store.CreateTask(ctx, spec)
	if err != nil {
		return "", err
	}
	a.logger.Info().Str("task_id", id).Str("action", spec.Action).Msg("task created")

	if spec.ApprovalRequired {
		if _, err := a.gate.RequestApproval(ctx, id, approvalSummary(spec)); err != nil {
			// without a request nobody can approve it, and it must not run unapproved
			msg := "approval request failed: " + err.Error()
			cancelErr := a.store.TransitionTask(context.WithoutCancel(ctx), id,
				[]domain.Status{domain.StatusPending, domain.StatusScheduled},
				domain.StatusCancelled, &domain.Patch{LastError: &msg})
			if cancelErr != nil {
				a.logger.Error().Err(cancelErr).Str("task_id", id).Msg("failed to cancel task after approval request failure")
			} else {
				a.logger.Warn().Err(err).Str("task_id", id).Msg("task cancelled: approval request failed")
			}
			return id, fmt.Errorf("request approval for %s: %w", id, err)
		}
	}
	return id, nil
}

func approvalSummary(spec domain.TaskSpec) string {
	if spec.Description != "" {
		return fmt.Sprintf("%s (%s): %s", spec.Title, spec.Action, spec.Description)
	}
	return fmt.Sprintf("%s (%s)", spec.Title, spec.Action)
}

// CancelTask cancels one of this agent's tasks. A handler already running is
// not interrupted; its outcome is discarded.
func (a *Agent) CancelTask(ctx context.Context, id string) error {
	if _, err := a.ownTask(ctx, id); err != nil {
		return err
	}
	if err := a.store.CancelTask(ctx, id); err != nil {
		return err
	}
	a.logger.Info().Str("task_id", id).Msg("task cancelled")
	return nil
}

func (a *Agent) ownTask(ctx context.Context, id string) (domain.Task, error) {
	task, err := a.store.GetTask(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	if task.AgentID != a.agentID {
		return domain.Task{}, fmt.Errorf("task %s for agent %s: %w", id, a.agentID, domain.ErrNotFound)
	}
	return task, nil
}

// PollForDueTasks executes due tasks in priority order. A call made while
// another poll of this agent is running returns 0 immediately.
func (a *Agent) PollForDueTasks(ctx context.Context) (int, error) {
	if !a.inFlight.CompareAndSwap(false, true) {
		a.metrics.PollsSkipped.WithLabelValues(a.agentID).Inc()
		a.logger.Debug().Msg("poll already in flight, skipping")
		return 0, nil
	}
	defer a.inFlight.Store(false)

	start := time.Now()
	defer func() { a.metrics.PollDuration.Observe(time.Since(start).Seconds()) }()

	due, err := a.store.GetDueTasks(ctx, a.now().UTC(), a.agentID)
	if err != nil {
		return 0, fmt.Errorf("get due tasks for %s: %w", a.agentID, err)
	}

	executed := 0
	for _, task := range due {
		if ctx.Err() != nil {
			break
		}
		ok, err := a.ExecuteTask(ctx, task.ID)
		if err != nil {
			a.logger.Error().Err(err).Str("task_id", task.ID).Msg("failed to execute task")
			continue
		}
		if ok {
			executed++
		}
	}

	if len(due) > 0 {
		a.logger.Info().Int("due", len(due)).Int("executed", executed).Msg("poll finished")
	}
	return executed, nil
}

// ExecuteTask runs a due task once. It returns true only when the handler
// succeeded and the completion was recorded. Handler failures become status
// transitions; the error is reserved for store failures.
func (a *Agent) ExecuteTask(ctx context.Context, id string) (bool, error) {
	return a.execute(ctx, id, true)
}

// TriggerTask runs a runnable task immediately, ignoring its scheduled time.
// Approval still applies.
func (a *Agent) TriggerTask(ctx context.Context, id string) (bool, error) {
	return a.execute(ctx, id, false)
}

func (a *Agent) execute(ctx context.Context, id string, requireDue bool) (bool, error) {
	task, err := a.ownTask(ctx, id)
	if err != nil {
		return false, err
	}

	eligible := task.IsDue(a.now().UTC())
	if !requireDue {
		eligible = task.Status.Runnable() &&
			(!task.Metadata.ApprovalRequired || task.Metadata.ApprovalStatus == domain.ApprovalApproved)
	}
	if !eligible {
		a.logger.Debug().Str("task_id", id).Str("status", string(task.Status)).Msg("task no longer eligible")
		return false, nil
	}

	startedAt := a.now().UTC()
	err = a.store.TransitionTask(ctx, id, []domain.Status{domain.StatusPending, domain.StatusScheduled},
		domain.StatusInProgress, &domain.Patch{LastRunAt: &startedAt})
	if errors.Is(err, domain.ErrStatusConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	logger := a.logger.With().Str("task_id", id).Str("action", task.Metadata.Action).Logger()
	logger.Info().Int("retry_count", task.Metadata.RetryCount).Msg("executing task")

	result, execErr := a.handlers.Invoke(ctx, task.Metadata.Action, task.Metadata.Parameters)

	// the task is claimed; its outcome must be recorded even if ctx was cancelled meanwhile
	settle := context.WithoutCancel(ctx)
	switch {
	case execErr == nil:
		return a.complete(settle, task, result, logger)
	case errors.Is(execErr, domain.ErrHandlerNotFound):
		return false, a.fail(settle, task, task.Metadata.RetryCount, execErr, logger)
	default:
		return false, a.retryOrFail(settle, task, execErr, logger)
	}
}

var inProgress = []domain.Status{domain.StatusInProgress}

func (a *Agent) complete(ctx context.Context, task domain.Task, result worker.Result, logger zerolog.Logger) (bool, error) {
	completedAt := a.now().UTC()
	cleared := ""
	err := a.store.TransitionTask(ctx, task.ID, inProgress, domain.StatusCompleted, &domain.Patch{
		Result:    result,
		LastError: &cleared,
	})
	if errors.Is(err, domain.ErrStatusConflict) {
		a.discarded(task, logger)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	a.metrics.TaskExecutions.WithLabelValues(task.Metadata.Action, metrics.OutcomeSucceeded).Inc()
	logger.Info().Msg("task completed")

	if task.Metadata.IsRecurring {
		if err := a.spawnNext(ctx, task, completedAt, logger); err != nil {
			logger.Error().Err(err).Str("schedule", task.Metadata.Schedule).Msg("failed to schedule next occurrence")
		}
	}

	a.report(ctx, task, domain.StatusCompleted, "")
	return true, nil
}

func (a *Agent) spawnNext(ctx context.Context, task domain.Task, completedAt time.Time, logger zerolog.Logger) error {
	rec, err := ParseRecurrence(task.Metadata.Schedule)
	if err != nil {
		return err
	}
	next, err := rec.Next(completedAt)
	if err != nil {
		return err
	}

	priority := task.Priority
	maxRetries := task.Metadata.MaxRetries
	id, err := a.store.CreateTask(ctx, domain.TaskSpec{
		AgentID:          task.AgentID,
		Title:            task.Title,
		Description:      task.Description,
		Type:             task.Type,
		Priority:         &priority,
		Action:           task.Metadata.Action,
		Parameters:       task.Metadata.Parameters,
		ScheduledTime:    &next,
		Schedule:         task.Metadata.Schedule,
		ApprovalRequired: task.Metadata.ApprovalRequired,
		ApprovalStatus:   task.Metadata.ApprovalStatus,
		MaxRetries:       &maxRetries,
		ParentID:         task.ID,
	})
	if err != nil {
		return err
	}
	logger.Info().Str("next_task_id", id).Time("next_run", next).Msg("next occurrence scheduled")
	return nil
}

func (a *Agent) retryOrFail(ctx context.Context, task domain.Task, execErr error, logger zerolog.Logger) error {
	retryCount := task.Metadata.RetryCount + 1
	if retryCount > task.Metadata.MaxRetries {
		return a.fail(ctx, task, retryCount, execErr, logger)
	}

	next := NextRetryTime(a.now().UTC(), a.retry.BaseDelay, retryCount, a.retry.MaxDelay)
	msg := execErr.Error()
	err := a.store.TransitionTask(ctx, task.ID, inProgress, domain.StatusScheduled, &domain.Patch{
		RetryCount:    &retryCount,
		ScheduledTime: &next,
		LastError:     &msg,
	})
	if errors.Is(err, domain.ErrStatusConflict) {
		a.discarded(task, logger)
		return nil
	}
	if err != nil {
		return err
	}
	a.metrics.TaskExecutions.WithLabelValues(task.Metadata.Action, metrics.OutcomeRetried).Inc()
	logger.Warn().Err(execErr).Int("retry_count", retryCount).Time("next_run", next).Msg("task failed, retry scheduled")
	return nil
}

func (a *Agent) fail(ctx context.Context, task domain.Task, retryCount int, execErr error, logger zerolog.Logger) error {
	msg := execErr.Error()
	err := a.store.TransitionTask(ctx, task.ID, inProgress, domain.StatusFailed, &domain.Patch{
		RetryCount: &retryCount,
		LastError:  &msg,
	})
	if errors.Is(err, domain.ErrStatusConflict) {
		a.discarded(task, logger)
		return nil
	}
	if err != nil {
		return err
	}
	a.metrics.TaskExecutions.WithLabelValues(task.Metadata.Action, metrics.OutcomeFailed).Inc()
	logger.Error().Err(execErr).Int("retry_count", retryCount).Msg("task failed")

	a.report(ctx, task, domain.StatusFailed, msg)
	return nil
}

func (a *Agent) discarded(task domain.Task, logger zerolog.Logger) {
	a.metrics.TaskExecutions.WithLabelValues(task.Metadata.Action, metrics.OutcomeDiscarded).Inc()
	logger.Info().Msg("task changed while running, outcome discarded")
}

func (a *Agent) report(ctx context.Context, task domain.Task, status domain.Status, lastError string) {
	meta := map[string]any{
		"task_id": task.ID,
		"action":  task.Metadata.Action,
		"status":  string(status),
	}
	content := fmt.Sprintf("Task %q %s", task.Title, status)
	if lastError != "" {
		meta["error"] = lastError
		content += ": " + lastError
	}
	if err := a.notifier.Notify(ctx, a.agentID, content, meta); err != nil {
		a.logger.Warn().Err(err).Str("task_id", task.ID).Msg("failed to deliver task report")
	}
}
