package domain

import "time"

type Status string

const (
	StatusPending    Status = "pending"
	StatusScheduled  Status = "scheduled"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Runnable reports whether a task in status s may be picked up for execution.
func (s Status) Runnable() bool {
	return s == StatusPending || s == StatusScheduled
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusScheduled, StatusInProgress, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

type ApprovalStatus string

const (
	ApprovalNone     ApprovalStatus = "none"
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

const DefaultPriority = 0.5

type Metadata struct {
	Action           string         `json:"action"`
	Parameters       map[string]any `json:"parameters,omitempty"`
	ScheduledTime    *time.Time     `json:"scheduled_time,omitempty"`
	IsRecurring      bool           `json:"is_recurring,omitempty"`
	Schedule         string         `json:"schedule,omitempty"`
	ApprovalRequired bool           `json:"approval_required,omitempty"`
	ApprovalStatus   ApprovalStatus `json:"approval_status"`
	RetryCount       int            `json:"retry_count"`
	MaxRetries       int            `json:"max_retries"`
	LastError        string         `json:"last_error,omitempty"`
	LastRunAt        *time.Time     `json:"last_run_at,omitempty"`
	Result           map[string]any `json:"result,omitempty"`
	ParentID         string         `json:"parent_id,omitempty"`
}

type Task struct {
	ID          string    `json:"id"`
	AgentID     string    `json:"agent_id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Type        string    `json:"type,omitempty"`
	Status      Status    `json:"status"`
	Priority    float64   `json:"priority"`
	Metadata    Metadata  `json:"metadata"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// IsDue reports whether t may be executed by time-based polling at now.
func (t Task) IsDue(now time.Time) bool {
	if !t.Status.Runnable() {
		return false
	}
	if t.Metadata.ScheduledTime == nil || t.Metadata.ScheduledTime.After(now) {
		return false
	}
	return !t.Metadata.ApprovalRequired || t.Metadata.ApprovalStatus == ApprovalApproved
}

// TaskSpec is the caller-supplied part of a new task.
type TaskSpec struct {
	AgentID          string         `json:"agent_id"`
	Title            string         `json:"title"`
	Description      string         `json:"description,omitempty"`
	Type             string         `json:"type,omitempty"`
	Priority         *float64       `json:"priority,omitempty"`
	Action           string         `json:"action"`
	Parameters       map[string]any `json:"parameters,omitempty"`
	ScheduledTime    *time.Time     `json:"scheduled_time,omitempty"`
	Schedule         string         `json:"schedule,omitempty"`
	ApprovalRequired bool           `json:"approval_required,omitempty"`
	MaxRetries       *int           `json:"max_retries,omitempty"`
	ParentID         string         `json:"parent_id,omitempty"`
	// ApprovalStatus lets a regenerated recurring instance inherit a prior decision.
	ApprovalStatus ApprovalStatus `json:"-"`
}

// Validate checks the fields every backend requires before a task is written.
func (s TaskSpec) Validate() error {
	if s.Title == "" {
		return &ValidationError{Field: "title", Reason: "is required"}
	}
	if s.Action == "" {
		return &ValidationError{Field: "metadata.action", Reason: "is required"}
	}
	if s.Priority != nil && (*s.Priority < 0 || *s.Priority > 1) {
		return &ValidationError{Field: "priority", Reason: "must be within [0,1]"}
	}
	if s.MaxRetries != nil && *s.MaxRetries < 0 {
		return &ValidationError{Field: "metadata.maxRetries", Reason: "must not be negative"}
	}
	return nil
}

// NewTask builds the initial record for spec. Callers validate spec first.
func NewTask(id string, spec TaskSpec, defaultMaxRetries int, now time.Time) Task {
	priority := DefaultPriority
	if spec.Priority != nil {
		priority = *spec.Priority
	}
	maxRetries := defaultMaxRetries
	if spec.MaxRetries != nil {
		maxRetries = *spec.MaxRetries
	}

	approval := ApprovalNone
	if spec.ApprovalRequired {
		approval = ApprovalPending
		if spec.ApprovalStatus == ApprovalApproved {
			approval = ApprovalApproved
		}
	}

	status := StatusPending
	if spec.ScheduledTime != nil && (!spec.ApprovalRequired || approval == ApprovalApproved) {
		status = StatusScheduled
	}

	var scheduled *time.Time
	if spec.ScheduledTime != nil {
		st := spec.ScheduledTime.UTC()
		scheduled = &st
	}

	return Task{
		ID:          id,
		AgentID:     spec.AgentID,
		Title:       spec.Title,
		Description: spec.Description,
		Type:        spec.Type,
		Status:      status,
		Priority:    priority,
		Metadata: Metadata{
			Action:           spec.Action,
			Parameters:       spec.Parameters,
			ScheduledTime:    scheduled,
			IsRecurring:      spec.Schedule != "",
			Schedule:         spec.Schedule,
			ApprovalRequired: spec.ApprovalRequired,
			ApprovalStatus:   approval,
			MaxRetries:       maxRetries,
			ParentID:         spec.ParentID,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Patch is a partial metadata update. Nil fields are left untouched.
type Patch struct {
	ScheduledTime  *time.Time
	ApprovalStatus *ApprovalStatus
	RetryCount     *int
	LastError      *string
	LastRunAt      *time.Time
	Result         map[string]any
}

// Apply merges p into m.
func (p *Patch) Apply(m *Metadata) {
	if p == nil {
		return
	}
	if p.ScheduledTime != nil {
		st := p.ScheduledTime.UTC()
		m.ScheduledTime = &st
	}
	if p.ApprovalStatus != nil {
		m.ApprovalStatus = *p.ApprovalStatus
	}
	if p.RetryCount != nil {
		m.RetryCount = *p.RetryCount
	}
	if p.LastError != nil {
		m.LastError = *p.LastError
	}
	if p.LastRunAt != nil {
		lr := p.LastRunAt.UTC()
		m.LastRunAt = &lr
	}
	if p.Result != nil {
		m.Result = p.Result
	}
}

type ApprovalRequest struct {
	TaskID      string         `json:"task_id"`
	AgentID     string         `json:"agent_id"`
	Status      ApprovalStatus `json:"status"`
	Summary     string         `json:"summary,omitempty"`
	RequestedAt time.Time      `json:"requested_at"`
	DecidedAt   *time.Time     `json:"decided_at,omitempty"`
	Notes       string         `json:"notes,omitempty"`
}

// Stats is the diagnostics view of the scheduler coordinator.
type Stats struct {
	TotalRegistered int   `json:"totalRegistered"`
	Enabled         int   `json:"enabled"`
	Disabled        int   `json:"disabled"`
	IsRunning       bool  `json:"isRunning"`
	IntervalMs      int64 `json:"intervalMs"`
}
