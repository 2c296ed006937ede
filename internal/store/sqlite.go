package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"agentflow/internal/domain"
)

// EnsureSchema creates tables if they don't exist.
// Timestamps are stored as UTC unix nanoseconds so the due query compares integers.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  agent_id TEXT NOT NULL DEFAULT '',
  title TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  type TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL CHECK(status IN ('pending','scheduled','in_progress','completed','failed','cancelled')) DEFAULT 'pending',
  priority REAL NOT NULL DEFAULT 0.5,
  action TEXT NOT NULL,
  parameters TEXT NOT NULL DEFAULT '{}',
  scheduled_at INTEGER,
  is_recurring INTEGER NOT NULL DEFAULT 0,
  schedule TEXT NOT NULL DEFAULT '',
  approval_required INTEGER NOT NULL DEFAULT 0,
  approval_status TEXT NOT NULL DEFAULT 'none',
  retry_count INTEGER NOT NULL DEFAULT 0,
  max_retries INTEGER NOT NULL DEFAULT 3,
  last_error TEXT NOT NULL DEFAULT '',
  last_run_at INTEGER,
  result TEXT,
  parent_id TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_due ON tasks(agent_id, status, scheduled_at, priority DESC);
CREATE INDEX IF NOT EXISTS idx_tasks_status_scheduled ON tasks(status, scheduled_at);
CREATE TABLE IF NOT EXISTS approvals (
  task_id TEXT PRIMARY KEY,
  agent_id TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL CHECK(status IN ('pending','approved','rejected')),
  summary TEXT NOT NULL DEFAULT '',
  requested_at INTEGER NOT NULL,
  decided_at INTEGER,
  notes TEXT NOT NULL DEFAULT '',
  FOREIGN KEY(task_id) REFERENCES tasks(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_approvals_agent ON approvals(agent_id, status);
`
	_, err := db.Exec(schema)
	return err
}

const taskColumns = `id,agent_id,title,description,type,status,priority,action,parameters,scheduled_at,is_recurring,schedule,
approval_required,approval_status,retry_count,max_retries,last_error,last_run_at,result,parent_id,created_at,updated_at`

const approvalColumns = `task_id,agent_id,status,summary,requested_at,decided_at,notes`

type sqliteStore struct {
	db   *sql.DB
	opts options
}

// NewSQLite returns a Store over db. Call EnsureSchema first.
func NewSQLite(db *sql.DB, opts ...Option) Store {
	return &sqliteStore{db: db, opts: buildOptions(opts)}
}

type scanner interface {
	Scan(dest ...any) error
}

func nanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UTC().UnixNano(), Valid: true}
}

func fromNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}

func encodeMap(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeMap(s sql.NullString) (map[string]any, error) {
	if !s.Valid || s.String == "" || s.String == "{}" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func scanTask(row scanner) (domain.Task, error) {
	var (
		t                    domain.Task
		params, result       sql.NullString
		scheduledAt, lastRun sql.NullInt64
		createdAt, updatedAt int64
	)
	err := row.Scan(&t.ID, &t.AgentID, &t.Title, &t.Description, &t.Type, &t.Status, &t.Priority,
		&t.Metadata.Action, &params, &scheduledAt, &t.Metadata.IsRecurring, &t.Metadata.Schedule,
		&t.Metadata.ApprovalRequired, &t.Metadata.ApprovalStatus, &t.Metadata.RetryCount, &t.Metadata.MaxRetries,
		&t.Metadata.LastError, &lastRun, &result, &t.Metadata.ParentID, &createdAt, &updatedAt)
	if err != nil {
		return domain.Task{}, err
	}
	if t.Metadata.Parameters, err = decodeMap(params); err != nil {
		return domain.Task{}, fmt.Errorf("decode parameters of %s: %w", t.ID, err)
	}
	if t.Metadata.Result, err = decodeMap(result); err != nil {
		return domain.Task{}, fmt.Errorf("decode result of %s: %w", t.ID, err)
	}
	t.Metadata.ScheduledTime = fromNanos(scheduledAt)
	t.Metadata.LastRunAt = fromNanos(lastRun)
	t.CreatedAt = time.Unix(0, createdAt).UTC()
	t.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return t, nil
}

func scanApproval(row scanner) (domain.ApprovalRequest, error) {
	var (
		req         domain.ApprovalRequest
		requestedAt int64
		decidedAt   sql.NullInt64
	)
	if err := row.Scan(&req.TaskID, &req.AgentID, &req.Status, &req.Summary, &requestedAt, &decidedAt, &req.Notes); err != nil {
		return domain.ApprovalRequest{}, err
	}
	req.RequestedAt = time.Unix(0, requestedAt).UTC()
	req.DecidedAt = fromNanos(decidedAt)
	return req, nil
}

func (r *sqliteStore) CreateTask(ctx context.Context, spec domain.TaskSpec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}
	t := domain.NewTask(newTaskID(), spec, r.opts.maxRetries, r.opts.clock())
	params, err := encodeMap(t.Metadata.Parameters)
	if err != nil {
		return "", &domain.ValidationError{Field: "metadata.parameters", Reason: err.Error()}
	}

	_, err = r.db.ExecContext(ctx, `
INSERT INTO tasks (`+taskColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
`, t.ID, t.AgentID, t.Title, t.Description, t.Type, string(t.Status), t.Priority, t.Metadata.Action, params,
		nanos(t.Metadata.ScheduledTime), t.Metadata.IsRecurring, t.Metadata.Schedule, t.Metadata.ApprovalRequired,
		string(t.Metadata.ApprovalStatus), 0, t.Metadata.MaxRetries, "", nil, nil, t.Metadata.ParentID,
		t.CreatedAt.UnixNano(), t.UpdatedAt.UnixNano())
	if err != nil {
		return "", fmt.Errorf("insert task: %w", err)
	}
	return t.ID, nil
}

func (r *sqliteStore) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	return t, err
}

func (r *sqliteStore) UpdateTaskStatus(ctx context.Context, id string, status domain.Status, patch *domain.Patch) error {
	return r.update(ctx, id, nil, status, patch)
}

func (r *sqliteStore) TransitionTask(ctx context.Context, id string, from []domain.Status, to domain.Status, patch *domain.Patch) error {
	return r.update(ctx, id, from, to, patch)
}

func (r *sqliteStore) update(ctx context.Context, id string, from []domain.Status, to domain.Status, patch *domain.Patch) (err error) {
	if !to.Valid() {
		return &domain.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown value %q", to)}
	}

	sets := []string{"status=?", "updated_at=max(updated_at, ?)"}
	args := []any{string(to), r.opts.clock().UnixNano()}
	if patch != nil {
		if patch.ScheduledTime != nil {
			sets = append(sets, "scheduled_at=?")
			args = append(args, nanos(patch.ScheduledTime))
		}
		if patch.ApprovalStatus != nil {
			sets = append(sets, "approval_status=?")
			args = append(args, string(*patch.ApprovalStatus))
		}
		if patch.RetryCount != nil {
			sets = append(sets, "retry_count=?")
			args = append(args, *patch.RetryCount)
		}
		if patch.LastError != nil {
			sets = append(sets, "last_error=?")
			args = append(args, *patch.LastError)
		}
		if patch.LastRunAt != nil {
			sets = append(sets, "last_run_at=?")
			args = append(args, nanos(patch.LastRunAt))
		}
		if patch.Result != nil {
			enc, err := encodeMap(patch.Result)
			if err != nil {
				return fmt.Errorf("encode result: %w", err)
			}
			sets = append(sets, "result=?")
			args = append(args, enc)
		}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var current domain.Status
	err = tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id=?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		err = fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
		return err
	}
	if err != nil {
		return err
	}
	if from != nil && !contains(from, current) {
		err = fmt.Errorf("task %s is %s: %w", id, current, domain.ErrStatusConflict)
		return err
	}

	args = append(args, id, string(current))
	if _, err = tx.ExecContext(ctx, `UPDATE tasks SET `+strings.Join(sets, ",")+` WHERE id=? AND status=?`, args...); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *sqliteStore) GetDueTasks(ctx context.Context, now time.Time, agentID string) ([]domain.Task, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+taskColumns+`
FROM tasks
WHERE status IN ('pending','scheduled')
  AND scheduled_at IS NOT NULL AND scheduled_at <= ?
  AND (approval_required = 0 OR approval_status = 'approved')
  AND (? = '' OR agent_id = ?)
ORDER BY priority DESC, scheduled_at ASC, created_at ASC`, now.UTC().UnixNano(), agentID, agentID)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

func (r *sqliteStore) ListTasks(ctx context.Context, opts ListOptions) ([]domain.Task, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+taskColumns+`
FROM tasks
WHERE (? = '' OR agent_id = ?) AND (? = '' OR status = ?)
ORDER BY created_at DESC, id ASC LIMIT ?`, opts.AgentID, opts.AgentID, string(opts.Status), string(opts.Status), limit)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

func collectTasks(rows *sql.Rows) ([]domain.Task, error) {
	defer rows.Close()
	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (r *sqliteStore) DeleteTask(ctx context.Context, id string) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM approvals WHERE task_id=?`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		err = fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
		return err
	}
	return tx.Commit()
}

func (r *sqliteStore) RecoverStale(ctx context.Context, olderThan time.Time) (int, error) {
	now := r.opts.clock().UnixNano()
	res, err := r.db.ExecContext(ctx, `
UPDATE tasks
SET status='scheduled', scheduled_at=?, last_error=?, updated_at=max(updated_at, ?)
WHERE status='in_progress' AND (last_run_at IS NULL OR last_run_at < ?)`,
		now, staleError, now, olderThan.UTC().UnixNano())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *sqliteStore) CancelTask(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE tasks SET status='cancelled', updated_at=max(updated_at, ?)
WHERE id=? AND status IN ('pending','scheduled','in_progress')`, r.opts.clock().UnixNano(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	t, err := r.GetTask(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("cancel task %s in status %s: %w", id, t.Status, domain.ErrInvalidTransition)
}

func (r *sqliteStore) SaveApproval(ctx context.Context, req domain.ApprovalRequest) error {
	if _, err := r.GetTask(ctx, req.TaskID); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO approvals (`+approvalColumns+`) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(task_id) DO UPDATE SET status=excluded.status, summary=excluded.summary,
  requested_at=excluded.requested_at, decided_at=excluded.decided_at, notes=excluded.notes`,
		req.TaskID, req.AgentID, string(req.Status), req.Summary, req.RequestedAt.UTC().UnixNano(), nanos(req.DecidedAt), req.Notes)
	return err
}

func (r *sqliteStore) GetApproval(ctx context.Context, taskID string) (domain.ApprovalRequest, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE task_id=?`, taskID)
	req, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ApprovalRequest{}, fmt.Errorf("approval for task %s: %w", taskID, domain.ErrNotFound)
	}
	return req, err
}

func (r *sqliteStore) DecideApproval(ctx context.Context, taskID string, status domain.ApprovalStatus, notes string, at time.Time) (domain.ApprovalRequest, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE approvals SET status=?, notes=?, decided_at=? WHERE task_id=? AND status='pending'`,
		string(status), notes, at.UTC().UnixNano(), taskID)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	req, err := r.GetApproval(ctx, taskID)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return req, fmt.Errorf("task %s is %s: %w", taskID, req.Status, domain.ErrAlreadyDecided)
	}
	return req, nil
}

func (r *sqliteStore) ListApprovals(ctx context.Context, agentID string, status domain.ApprovalStatus) ([]domain.ApprovalRequest, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+approvalColumns+` FROM approvals
WHERE (? = '' OR agent_id = ?) AND (? = '' OR status = ?)
ORDER BY requested_at ASC, task_id ASC`, agentID, agentID, string(status), string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ApprovalRequest
	for rows.Next() {
		req, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}
