package store

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"agentflow/internal/domain"
)

type memoryStore struct {
	opts options

	mu        sync.RWMutex
	tasks     map[string]domain.Task
	approvals map[string]domain.ApprovalRequest
}

// NewMemory returns a Store backed by process memory.
func NewMemory(opts ...Option) Store {
	return &memoryStore{
		opts:      buildOptions(opts),
		tasks:     make(map[string]domain.Task),
		approvals: make(map[string]domain.ApprovalRequest),
	}
}

func copyTask(t domain.Task) domain.Task {
	if t.Metadata.Parameters != nil {
		t.Metadata.Parameters = maps.Clone(t.Metadata.Parameters)
	}
	if t.Metadata.Result != nil {
		t.Metadata.Result = maps.Clone(t.Metadata.Result)
	}
	if t.Metadata.ScheduledTime != nil {
		st := *t.Metadata.ScheduledTime
		t.Metadata.ScheduledTime = &st
	}
	if t.Metadata.LastRunAt != nil {
		lr := *t.Metadata.LastRunAt
		t.Metadata.LastRunAt = &lr
	}
	return t
}

func (m *memoryStore) CreateTask(ctx context.Context, spec domain.TaskSpec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}
	id := newTaskID()
	task := domain.NewTask(id, spec, m.opts.maxRetries, m.opts.clock())

	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[id] = copyTask(task)
	return id, nil
}

func (m *memoryStore) GetTask(ctx context.Context, id string) (domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return domain.Task{}, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	return copyTask(t), nil
}

func (m *memoryStore) UpdateTaskStatus(ctx context.Context, id string, status domain.Status, patch *domain.Patch) error {
	return m.update(id, nil, status, patch)
}

func (m *memoryStore) TransitionTask(ctx context.Context, id string, from []domain.Status, to domain.Status, patch *domain.Patch) error {
	return m.update(id, from, to, patch)
}

func (m *memoryStore) update(id string, from []domain.Status, to domain.Status, patch *domain.Patch) error {
	if !to.Valid() {
		return &domain.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown value %q", to)}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	if from != nil && !contains(from, t.Status) {
		return fmt.Errorf("task %s is %s: %w", id, t.Status, domain.ErrStatusConflict)
	}
	t.Status = to
	patch.Apply(&t.Metadata)
	t.UpdatedAt = touch(t.UpdatedAt, m.opts.clock())
	m.tasks[id] = copyTask(t)
	return nil
}

func (m *memoryStore) GetDueTasks(ctx context.Context, now time.Time, agentID string) ([]domain.Task, error) {
	m.mu.RLock()
	var due []domain.Task
	for _, t := range m.tasks {
		if agentID != "" && t.AgentID != agentID {
			continue
		}
		if t.IsDue(now) {
			due = append(due, copyTask(t))
		}
	}
	m.mu.RUnlock()

	sortDue(due)
	return due, nil
}

func (m *memoryStore) ListTasks(ctx context.Context, opts ListOptions) ([]domain.Task, error) {
	m.mu.RLock()
	var out []domain.Task
	for _, t := range m.tasks {
		if opts.AgentID != "" && t.AgentID != opts.AgentID {
			continue
		}
		if opts.Status != "" && t.Status != opts.Status {
			continue
		}
		out = append(out, copyTask(t))
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (m *memoryStore) DeleteTask(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	delete(m.tasks, id)
	delete(m.approvals, id)
	return nil
}

func (m *memoryStore) RecoverStale(ctx context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.opts.clock()
	msg := staleError
	n := 0
	for id, t := range m.tasks {
		if t.Status != domain.StatusInProgress {
			continue
		}
		if t.Metadata.LastRunAt != nil && !t.Metadata.LastRunAt.Before(olderThan) {
			continue
		}
		t.Status = domain.StatusScheduled
		(&domain.Patch{ScheduledTime: &now, LastError: &msg}).Apply(&t.Metadata)
		t.UpdatedAt = touch(t.UpdatedAt, now)
		m.tasks[id] = t
		n++
	}
	return n, nil
}

func (m *memoryStore) CancelTask(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	if t.Status.Terminal() {
		return fmt.Errorf("cancel task %s in status %s: %w", id, t.Status, domain.ErrInvalidTransition)
	}
	t.Status = domain.StatusCancelled
	t.UpdatedAt = touch(t.UpdatedAt, m.opts.clock())
	m.tasks[id] = t
	return nil
}

func (m *memoryStore) SaveApproval(ctx context.Context, req domain.ApprovalRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[req.TaskID]; !ok {
		return fmt.Errorf("task %s: %w", req.TaskID, domain.ErrNotFound)
	}
	m.approvals[req.TaskID] = req
	return nil
}

func (m *memoryStore) GetApproval(ctx context.Context, taskID string) (domain.ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	req, ok := m.approvals[taskID]
	if !ok {
		return domain.ApprovalRequest{}, fmt.Errorf("approval for task %s: %w", taskID, domain.ErrNotFound)
	}
	return req, nil
}

func (m *memoryStore) DecideApproval(ctx context.Context, taskID string, status domain.ApprovalStatus, notes string, at time.Time) (domain.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.approvals[taskID]
	if !ok {
		return domain.ApprovalRequest{}, fmt.Errorf("approval for task %s: %w", taskID, domain.ErrNotFound)
	}
	if req.Status != domain.ApprovalPending {
		return req, fmt.Errorf("task %s is %s: %w", taskID, req.Status, domain.ErrAlreadyDecided)
	}
	decided := at.UTC()
	req.Status = status
	req.Notes = notes
	req.DecidedAt = &decided
	m.approvals[taskID] = req
	return req, nil
}

func (m *memoryStore) ListApprovals(ctx context.Context, agentID string, status domain.ApprovalStatus) ([]domain.ApprovalRequest, error) {
	m.mu.RLock()
	var out []domain.ApprovalRequest
	for _, req := range m.approvals {
		if agentID != "" && req.AgentID != agentID {
			continue
		}
		if status != "" && req.Status != status {
			continue
		}
		out = append(out, req)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].RequestedAt.Before(out[j].RequestedAt)
		}
		return out[i].TaskID < out[j].TaskID
	})
	return out, nil
}
