// Package store persists agent tasks and their approval records.
//
// Two backends satisfy Store: an in-memory map for tests and single-process
// deployments, and SQLite for durable storage. Both answer the due-task query
// with snapshot semantics.
package store

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"agentflow/internal/domain"
)

// Store is the contract every task backend honors.
type Store interface {
	// CreateTask validates spec and writes a new task, returning its id.
	CreateTask(ctx context.Context, spec domain.TaskSpec) (string, error)
	GetTask(ctx context.Context, id string) (domain.Task, error)
	// UpdateTaskStatus sets status and merges patch unconditionally.
	UpdateTaskStatus(ctx context.Context, id string, status domain.Status, patch *domain.Patch) error
	// TransitionTask is UpdateTaskStatus guarded by the current status being in from.
	// It fails with domain.ErrStatusConflict otherwise.
	TransitionTask(ctx context.Context, id string, from []domain.Status, to domain.Status, patch *domain.Patch) error
	// GetDueTasks returns tasks due at now, highest priority first and earliest
	// scheduled time among equals. An empty agentID matches every agent.
	GetDueTasks(ctx context.Context, now time.Time, agentID string) ([]domain.Task, error)
	ListTasks(ctx context.Context, opts ListOptions) ([]domain.Task, error)
	DeleteTask(ctx context.Context, id string) error
	CancelTask(ctx context.Context, id string) error
	// RecoverStale moves in_progress tasks whose last run started before
	// olderThan back to scheduled, due immediately, and reports how many moved.
	RecoverStale(ctx context.Context, olderThan time.Time) (int, error)

	SaveApproval(ctx context.Context, req domain.ApprovalRequest) error
	GetApproval(ctx context.Context, taskID string) (domain.ApprovalRequest, error)
	// DecideApproval moves a pending request to status exactly once.
	DecideApproval(ctx context.Context, taskID string, status domain.ApprovalStatus, notes string, at time.Time) (domain.ApprovalRequest, error)
	ListApprovals(ctx context.Context, agentID string, status domain.ApprovalStatus) ([]domain.ApprovalRequest, error)
}

type ListOptions struct {
	AgentID string
	Status  domain.Status
	Limit   int
}

const DefaultMaxRetries = 3

type options struct {
	now        func() time.Time
	maxRetries int
}

type Option func(*options)

// WithClock overrides the time source used for createdAt/updatedAt.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithDefaultMaxRetries sets maxRetries for tasks created without one.
func WithDefaultMaxRetries(n int) Option {
	return func(o *options) { o.maxRetries = n }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now, maxRetries: DefaultMaxRetries}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o options) clock() time.Time { return o.now().UTC() }

// staleError is recorded on tasks released by RecoverStale.
const staleError = "interrupted while in progress; rescheduled"

func newTaskID() string { return "tsk_" + uuid.NewString() }

func contains(statuses []domain.Status, s domain.Status) bool {
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}

// sortDue orders tasks by priority descending, then scheduled time ascending.
func sortDue(tasks []domain.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		at, bt := *a.Metadata.ScheduledTime, *b.Metadata.ScheduledTime
		if !at.Equal(bt) {
			return at.Before(bt)
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
}

// touch returns the updatedAt for a write at now, never earlier than prev.
func touch(prev, now time.Time) time.Time {
	if now.Before(prev) {
		return prev
	}
	return now
}
