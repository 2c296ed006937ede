package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentflow/internal/approval"
	"agentflow/internal/domain"
	"agentflow/internal/store"
	"agentflow/internal/worker"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []notification
}

type notification struct {
	recipient string
	content   string
	metadata  map[string]any
}

func (r *recordingNotifier) Notify(ctx context.Context, recipient, content string, metadata map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, notification{recipient, content, metadata})
	return nil
}

func (r *recordingNotifier) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, m := range r.messages {
		if k, ok := m.metadata["kind"].(string); ok {
			out = append(out, k)
			continue
		}
		out = append(out, m.metadata["status"].(string))
	}
	return out
}

type harness struct {
	clock    *fakeClock
	store    store.Store
	handlers *worker.Registry
	notifier *recordingNotifier
	agent    *Agent
}

func newHarness(t *testing.T, opts ...AgentOption) *harness {
	t.Helper()
	h := &harness{
		clock:    newFakeClock(),
		handlers: worker.NewRegistry(time.Second),
		notifier: &recordingNotifier{},
	}
	h.store = store.NewMemory(store.WithClock(h.clock.Now))
	opts = append([]AgentOption{
		WithAgentClock(h.clock.Now),
		WithNotifier(h.notifier),
		WithRetryPolicy(RetryPolicy{BaseDelay: time.Second, MaxDelay: time.Hour, MaxRetries: 2}),
	}, opts...)
	h.agent = NewAgent("agent-1", h.store, h.handlers, opts...)
	return h
}

func (h *harness) createDue(t *testing.T, spec domain.TaskSpec) string {
	t.Helper()
	if spec.Title == "" {
		spec.Title = "task"
	}
	if spec.ScheduledTime == nil {
		at := h.clock.Now().Add(-5 * time.Second)
		spec.ScheduledTime = &at
	}
	id, err := h.agent.CreateTask(context.Background(), spec)
	require.NoError(t, err)
	return id
}

func (h *harness) task(t *testing.T, id string) domain.Task {
	t.Helper()
	task, err := h.store.GetTask(context.Background(), id)
	require.NoError(t, err)
	return task
}

func countingHandler(calls *atomic.Int32, err error) worker.Handler {
	return worker.HandlerFunc(func(ctx context.Context, params worker.Parameters) (worker.Result, error) {
		calls.Add(1)
		if err != nil {
			return nil, err
		}
		return worker.Result{"ok": true}, nil
	})
}

func TestPollExecutesDueTask(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	h.handlers.Register("ping", countingHandler(&calls, nil))

	id := h.createDue(t, domain.TaskSpec{Action: "ping", Parameters: map[string]any{"n": 1}})
	future := h.clock.Now().Add(10 * time.Second)
	later := h.createDue(t, domain.TaskSpec{Action: "ping", ScheduledTime: &future})

	n, err := h.agent.PollForDueTasks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int32(1), calls.Load())

	done := h.task(t, id)
	assert.Equal(t, domain.StatusCompleted, done.Status)
	assert.Equal(t, true, done.Metadata.Result["ok"])
	require.NotNil(t, done.Metadata.LastRunAt)
	assert.Equal(t, domain.StatusScheduled, h.task(t, later).Status)
	assert.Equal(t, []string{"completed"}, h.notifier.kinds())
}

func TestConcurrentPollsExecuteOnce(t *testing.T) {
	h := newHarness(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	h.handlers.Register("slow", worker.HandlerFunc(func(ctx context.Context, params worker.Parameters) (worker.Result, error) {
		if calls.Add(1) == 1 {
			close(entered)
		}
		<-release
		return nil, nil
	}))
	id := h.createDue(t, domain.TaskSpec{Action: "slow"})

	first := make(chan int, 1)
	go func() {
		n, _ := h.agent.PollForDueTasks(context.Background())
		first <- n
	}()
	<-entered

	n, err := h.agent.PollForDueTasks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n, "re-entrant poll must return immediately")

	close(release)
	assert.Equal(t, 1, <-first)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, domain.StatusCompleted, h.task(t, id).Status)
}

func TestManyConcurrentPollsNoDoubleExecution(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	h.handlers.Register("ping", countingHandler(&calls, nil))
	for i := 0; i < 5; i++ {
		h.createDue(t, domain.TaskSpec{Action: "ping"})
	}

	var (
		wg    sync.WaitGroup
		total atomic.Int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := h.agent.PollForDueTasks(context.Background())
			assert.NoError(t, err)
			total.Add(int32(n))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(5), calls.Load())
	assert.Equal(t, int32(5), total.Load())
}

func TestFailingTaskRetriesThenFails(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	h.handlers.Register("flaky", countingHandler(&calls, errors.New("upstream unavailable")))
	id := h.createDue(t, domain.TaskSpec{Action: "flaky"})

	var lastScheduled time.Time
	for retry := 1; retry <= 2; retry++ {
		n, err := h.agent.PollForDueTasks(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		task := h.task(t, id)
		assert.Equal(t, domain.StatusScheduled, task.Status)
		assert.Equal(t, retry, task.Metadata.RetryCount)
		require.NotNil(t, task.Metadata.ScheduledTime)
		assert.True(t, task.Metadata.ScheduledTime.After(lastScheduled))
		assert.True(t, task.Metadata.ScheduledTime.After(h.clock.Now()))
		assert.Contains(t, task.Metadata.LastError, "upstream unavailable")
		lastScheduled = *task.Metadata.ScheduledTime

		h.clock.Advance(time.Hour)
	}

	_, err := h.agent.PollForDueTasks(context.Background())
	require.NoError(t, err)
	task := h.task(t, id)
	assert.Equal(t, domain.StatusFailed, task.Status)
	assert.Equal(t, 3, task.Metadata.RetryCount)
	assert.Contains(t, task.Metadata.LastError, "upstream unavailable")

	h.clock.Advance(time.Hour)
	_, err = h.agent.PollForDueTasks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load(), "no retries after failure")
	assert.Equal(t, []string{"failed"}, h.notifier.kinds())
}

func TestRetryBackoffFollowsPolicy(t *testing.T) {
	h := newHarness(t)
	h.handlers.Register("flaky", countingHandler(new(atomic.Int32), errors.New("boom")))
	id := h.createDue(t, domain.TaskSpec{Action: "flaky"})

	_, err := h.agent.PollForDueTasks(context.Background())
	require.NoError(t, err)
	task := h.task(t, id)
	// base 1s * 2^1
	assert.True(t, h.clock.Now().Add(2*time.Second).Equal(*task.Metadata.ScheduledTime))
}

func TestHandlerNotFoundFailsWithoutRetry(t *testing.T) {
	h := newHarness(t)
	id := h.createDue(t, domain.TaskSpec{Action: "unknown"})

	ok, err := h.agent.ExecuteTask(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, ok)

	task := h.task(t, id)
	assert.Equal(t, domain.StatusFailed, task.Status)
	assert.Equal(t, 0, task.Metadata.RetryCount)
	assert.Contains(t, task.Metadata.LastError, "handler not found")
}

func TestRecurringTaskSpawnsNextInstance(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	h.handlers.Register("report", countingHandler(&calls, nil))
	priority := 0.7
	id := h.createDue(t, domain.TaskSpec{
		Action:     "report",
		Parameters: map[string]any{"channel": "ops"},
		Schedule:   "1h",
		Priority:   &priority,
	})

	n, err := h.agent.PollForDueTasks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, domain.StatusCompleted, h.task(t, id).Status)

	tasks, err := h.store.ListTasks(context.Background(), store.ListOptions{AgentID: "agent-1"})
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	var next domain.Task
	for _, task := range tasks {
		if task.ID != id {
			next = task
		}
	}
	assert.Equal(t, id, next.Metadata.ParentID)
	assert.Equal(t, domain.StatusScheduled, next.Status)
	assert.Equal(t, 0, next.Metadata.RetryCount)
	assert.Equal(t, "report", next.Metadata.Action)
	assert.Equal(t, "ops", next.Metadata.Parameters["channel"])
	assert.Equal(t, 0.7, next.Priority)
	assert.True(t, next.Metadata.IsRecurring)
	assert.True(t, h.clock.Now().Add(time.Hour).Equal(*next.Metadata.ScheduledTime))

	// not due until the interval elapses
	n, err = h.agent.PollForDueTasks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	h.clock.Advance(time.Hour)
	n, err = h.agent.PollForDueTasks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRecurringWithoutScheduledTimeStartsAtFirstOccurrence(t *testing.T) {
	h := newHarness(t)
	id, err := h.agent.CreateTask(context.Background(), domain.TaskSpec{Title: "t", Action: "x", Schedule: "@every 30m"})
	require.NoError(t, err)
	task := h.task(t, id)
	assert.Equal(t, domain.StatusScheduled, task.Status)
	assert.True(t, h.clock.Now().Add(30*time.Minute).Equal(*task.Metadata.ScheduledTime))
}

func TestCreateTaskRejectsBadSchedule(t *testing.T) {
	h := newHarness(t)
	_, err := h.agent.CreateTask(context.Background(), domain.TaskSpec{Title: "t", Action: "x", Schedule: "whenever"})
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = h.agent.CreateTask(context.Background(), domain.TaskSpec{Title: "t"})
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestApprovalGatesExecution(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	h.handlers.Register("deploy", countingHandler(&calls, nil))
	id := h.createDue(t, domain.TaskSpec{Action: "deploy", ApprovalRequired: true})

	due, err := h.store.GetDueTasks(context.Background(), h.clock.Now(), "agent-1")
	require.NoError(t, err)
	assert.Empty(t, due)

	n, err := h.agent.PollForDueTasks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, int32(0), calls.Load())

	gate := approval.NewGate(h.store, approval.WithClock(h.clock.Now))
	pending, err := gate.PendingApprovals(context.Background(), "agent-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].TaskID)

	require.NoError(t, gate.Decide(context.Background(), id, true, "ok"))

	n, err = h.agent.PollForDueTasks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, domain.StatusCompleted, h.task(t, id).Status)
	assert.Equal(t, []string{"approval_request", "completed"}, h.notifier.kinds())
}

type approvalsDownStore struct{ store.Store }

func (approvalsDownStore) SaveApproval(context.Context, domain.ApprovalRequest) error {
	return errors.New("approvals table locked")
}

func TestApprovalRequestFailureCancelsTask(t *testing.T) {
	clock := newFakeClock()
	st := store.NewMemory(store.WithClock(clock.Now))
	handlers := worker.NewRegistry(time.Second)
	var calls atomic.Int32
	handlers.Register("deploy", countingHandler(&calls, nil))
	agent := NewAgent("agent-1", approvalsDownStore{st}, handlers, WithAgentClock(clock.Now))

	id, err := agent.CreateTask(context.Background(), domain.TaskSpec{Title: "t", Action: "deploy", ApprovalRequired: true})
	require.Error(t, err)
	require.NotEmpty(t, id)

	task, err := st.GetTask(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, task.Status)
	assert.Contains(t, task.Metadata.LastError, "approvals table locked")
	assert.False(t, task.IsDue(clock.Now().Add(time.Hour)))

	n, err := agent.PollForDueTasks(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, calls.Load())
}

func TestTriggerTaskIgnoresScheduledTime(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	h.handlers.Register("ping", countingHandler(&calls, nil))
	id, err := h.agent.CreateTask(context.Background(), domain.TaskSpec{Title: "manual", Action: "ping"})
	require.NoError(t, err)

	ok, err := h.agent.ExecuteTask(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, ok, "unscheduled task is never due")

	ok, err = h.agent.TriggerTask(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int32(1), calls.Load())
}

func TestTriggerTaskStillRequiresApproval(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	h.handlers.Register("ping", countingHandler(&calls, nil))
	id, err := h.agent.CreateTask(context.Background(), domain.TaskSpec{Title: "gated", Action: "ping", ApprovalRequired: true})
	require.NoError(t, err)

	ok, err := h.agent.TriggerTask(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int32(0), calls.Load())
}

func TestCancelledTaskIsNotExecuted(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	h.handlers.Register("ping", countingHandler(&calls, nil))
	id := h.createDue(t, domain.TaskSpec{Action: "ping"})

	require.NoError(t, h.agent.CancelTask(context.Background(), id))
	ok, err := h.agent.ExecuteTask(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int32(0), calls.Load())
}

func TestCancelDuringExecutionDiscardsOutcome(t *testing.T) {
	h := newHarness(t)
	var id string
	h.handlers.Register("long", worker.HandlerFunc(func(ctx context.Context, params worker.Parameters) (worker.Result, error) {
		require.NoError(t, h.agent.CancelTask(ctx, id))
		return worker.Result{"done": true}, nil
	}))
	id = h.createDue(t, domain.TaskSpec{Action: "long", Schedule: "1h"})

	ok, err := h.agent.ExecuteTask(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, ok)

	task := h.task(t, id)
	assert.Equal(t, domain.StatusCancelled, task.Status)
	assert.Nil(t, task.Metadata.Result)

	tasks, err := h.store.ListTasks(context.Background(), store.ListOptions{AgentID: "agent-1"})
	require.NoError(t, err)
	assert.Len(t, tasks, 1, "cancelled recurring task must not regenerate")
}

func TestPollHonorsPriorityOrder(t *testing.T) {
	h := newHarness(t)
	var (
		mu    sync.Mutex
		order []string
	)
	h.handlers.Register("rec", worker.HandlerFunc(func(ctx context.Context, params worker.Parameters) (worker.Result, error) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, params["name"].(string))
		return nil, nil
	}))
	low, high := 0.1, 0.9
	h.createDue(t, domain.TaskSpec{Action: "rec", Priority: &low, Parameters: map[string]any{"name": "low"}})
	h.createDue(t, domain.TaskSpec{Action: "rec", Priority: &high, Parameters: map[string]any{"name": "high"}})

	n, err := h.agent.PollForDueTasks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"high", "low"}, order)
}

func TestFailureDoesNotStopPoll(t *testing.T) {
	h := newHarness(t)
	var ok atomic.Int32
	h.handlers.Register("bad", countingHandler(new(atomic.Int32), errors.New("nope")))
	h.handlers.Register("good", countingHandler(&ok, nil))
	high, low := 0.9, 0.1
	h.createDue(t, domain.TaskSpec{Action: "bad", Priority: &high})
	h.createDue(t, domain.TaskSpec{Action: "good", Priority: &low})

	n, err := h.agent.PollForDueTasks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int32(1), ok.Load())
}

func TestAgentOnlyTouchesOwnTasks(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	h.handlers.Register("ping", countingHandler(&calls, nil))
	at := h.clock.Now().Add(-time.Second)
	other, err := h.store.CreateTask(context.Background(), domain.TaskSpec{AgentID: "agent-2", Title: "t", Action: "ping", ScheduledTime: &at})
	require.NoError(t, err)

	n, err := h.agent.PollForDueTasks(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = h.agent.ExecuteTask(context.Background(), other)
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.ErrorIs(t, h.agent.CancelTask(context.Background(), other), domain.ErrNotFound)
}
