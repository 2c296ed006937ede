// Package approval gates task execution behind a human decision.
package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"agentflow/internal/domain"
	"agentflow/internal/metrics"
	"agentflow/internal/notify"
	"agentflow/internal/store"
)

type Gate struct {
	store    store.Store
	notifier notify.Notifier
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	now      func() time.Time
}

type Option func(*Gate)

func WithNotifier(n notify.Notifier) Option { return func(g *Gate) { g.notifier = n } }

func WithMetrics(m *metrics.Metrics) Option { return func(g *Gate) { g.metrics = m } }

func WithLogger(l zerolog.Logger) Option { return func(g *Gate) { g.logger = l } }

func WithClock(now func() time.Time) Option { return func(g *Gate) { g.now = now } }

func NewGate(st store.Store, opts ...Option) *Gate {
	g := &Gate{
		store:    st,
		notifier: notify.Nop{},
		logger:   log.With().Str("component", "approval").Logger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// RequestApproval marks the task's approval as pending, records the request
// and asks the owning agent's recipient to decide.
func (g *Gate) RequestApproval(ctx context.Context, taskID, summary string) (domain.ApprovalRequest, error) {
	task, err := g.store.GetTask(ctx, taskID)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}

	pending := domain.ApprovalPending
	if err := g.store.TransitionTask(ctx, taskID, []domain.Status{task.Status}, task.Status, &domain.Patch{ApprovalStatus: &pending}); err != nil {
		return domain.ApprovalRequest{}, fmt.Errorf("mark approval pending: %w", err)
	}

	req := domain.ApprovalRequest{
		TaskID:      taskID,
		AgentID:     task.AgentID,
		Status:      domain.ApprovalPending,
		Summary:     summary,
		RequestedAt: g.now().UTC(),
	}
	if err := g.store.SaveApproval(ctx, req); err != nil {
		return domain.ApprovalRequest{}, fmt.Errorf("save approval request: %w", err)
	}
	if g.metrics != nil {
		g.metrics.PendingApprovals.Inc()
	}

	// the request stands even if delivery fails; it is still listed as pending
	if err := g.notifier.Notify(ctx, task.AgentID, "Approval requested: "+summary, map[string]any{
		"task_id": taskID,
		"action":  task.Metadata.Action,
		"kind":    "approval_request",
	}); err != nil {
		g.logger.Warn().Err(err).Str("task_id", taskID).Msg("failed to deliver approval request")
	}

	g.logger.Info().Str("task_id", taskID).Str("agent_id", task.AgentID).Msg("approval requested")
	return req, nil
}

// decideAttempts bounds how often Decide re-reads a task that changed status
// between its read and its transition.
const decideAttempts = 5

// Decide records the decision for a pending request. Approval makes the task
// eligible (immediately, when it has no scheduled time); rejection cancels it.
//
// A request already decided fails with domain.ErrAlreadyDecided. If the task
// was left without the recorded decision applied, it is applied first.
func (g *Gate) Decide(ctx context.Context, taskID string, approved bool, notes string) error {
	status := domain.ApprovalRejected
	if approved {
		status = domain.ApprovalApproved
	}

	now := g.now().UTC()
	req, err := g.store.DecideApproval(ctx, taskID, status, notes, now)
	if errors.Is(err, domain.ErrAlreadyDecided) {
		if repairErr := g.repair(ctx, req, now); repairErr != nil {
			g.logger.Error().Err(repairErr).Str("task_id", taskID).Msg("failed to apply recorded approval decision")
		}
		return err
	}
	if err != nil {
		return err
	}
	if g.metrics != nil {
		g.metrics.PendingApprovals.Dec()
	}

	task, err := g.apply(ctx, taskID, status, now)
	if err != nil {
		return err
	}

	g.logger.Info().
		Str("task_id", taskID).
		Str("agent_id", task.AgentID).
		Str("decision", string(status)).
		Msg("approval decided")
	return nil
}

// repair applies a recorded decision to a task still marked pending.
func (g *Gate) repair(ctx context.Context, req domain.ApprovalRequest, now time.Time) error {
	if req.Status == domain.ApprovalPending || req.TaskID == "" {
		return nil
	}
	task, err := g.store.GetTask(ctx, req.TaskID)
	if err != nil {
		return err
	}
	if task.Metadata.ApprovalStatus != domain.ApprovalPending {
		return nil
	}
	_, err = g.apply(ctx, req.TaskID, req.Status, now)
	return err
}

// apply moves the task to match decision, re-reading it when its status
// changes underneath.
func (g *Gate) apply(ctx context.Context, taskID string, decision domain.ApprovalStatus, now time.Time) (domain.Task, error) {
	for attempt := 1; ; attempt++ {
		task, err := g.store.GetTask(ctx, taskID)
		if err != nil {
			return domain.Task{}, err
		}

		patch := &domain.Patch{ApprovalStatus: &decision}
		target := task.Status
		switch {
		case decision == domain.ApprovalApproved && task.Status.Runnable():
			if task.Metadata.ScheduledTime == nil {
				patch.ScheduledTime = &now
			}
			target = domain.StatusScheduled
		case decision == domain.ApprovalRejected && !task.Status.Terminal():
			target = domain.StatusCancelled
		}

		err = g.store.TransitionTask(ctx, taskID, []domain.Status{task.Status}, target, patch)
		if errors.Is(err, domain.ErrStatusConflict) && attempt < decideAttempts {
			continue
		}
		if err != nil {
			return domain.Task{}, fmt.Errorf("apply approval decision: %w", err)
		}
		return task, nil
	}
}

// SyncPendingGauge sets the pending-approvals gauge from the store, so it
// reflects requests persisted by earlier runs.
func (g *Gate) SyncPendingGauge(ctx context.Context) (int, error) {
	pending, err := g.store.ListApprovals(ctx, "", domain.ApprovalPending)
	if err != nil {
		return 0, err
	}
	if g.metrics != nil {
		g.metrics.PendingApprovals.Set(float64(len(pending)))
	}
	return len(pending), nil
}

// PendingApprovals lists undecided requests; an empty agentID lists all agents.
func (g *Gate) PendingApprovals(ctx context.Context, agentID string) ([]domain.ApprovalRequest, error) {
	return g.store.ListApprovals(ctx, agentID, domain.ApprovalPending)
}
