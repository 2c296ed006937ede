package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"agentflow/internal/domain"
	"agentflow/internal/metrics"
)

// CoordinatorConfig configures the process-wide coordinator.
type CoordinatorConfig struct {
	// Interval between ticks. Defaults to 2 minutes.
	Interval time.Duration

	// MaxConcurrentPolls bounds how many agents are polled at once within a tick.
	// Defaults to 4.
	MaxConcurrentPolls int

	Metrics *metrics.Metrics
	Logger  *zerolog.Logger
	Clock   func() time.Time
}

func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		Interval:           2 * time.Minute,
		MaxConcurrentPolls: 4,
	}
}

// Registration is one agent's entry in the coordinator registry.
type Registration struct {
	AgentID    string
	Enabled    bool
	Scheduler  AgentScheduler
	LastPollAt time.Time
}

// Coordinator owns the single timer that polls every enabled agent scheduler.
type Coordinator struct {
	cfg     CoordinatorConfig
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time

	// mu is acquired before lifecycle, never after.
	mu       sync.RWMutex
	registry map[string]*Registration

	lifecycle sync.Mutex
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	def := DefaultCoordinatorConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.MaxConcurrentPolls <= 0 {
		cfg.MaxConcurrentPolls = def.MaxConcurrentPolls
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	logger := log.With().Str("component", "coordinator").Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &Coordinator{
		cfg:      cfg,
		metrics:  cfg.Metrics,
		logger:   logger,
		now:      cfg.Clock,
		registry: make(map[string]*Registration),
	}
}

var (
	instanceMu sync.Mutex
	instance   *Coordinator
)

// Instance returns the process-wide coordinator, creating it with the default
// configuration on first use.
func Instance() *Coordinator {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	if instance == nil {
		instance = NewCoordinator(DefaultCoordinatorConfig())
	}
	return instance
}

// SetInstance installs c as the process-wide coordinator. The previous
// instance, if any, is stopped and returned. Passing nil resets the singleton.
func SetInstance(c *Coordinator) *Coordinator {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	prev := instance
	instance = c
	if prev != nil && prev != c {
		prev.Stop()
	}
	return prev
}

// Start launches the timer. It is a no-op when already running.
func (c *Coordinator) Start() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true

	go c.loop(ctx, c.done)
	c.logger.Info().Dur("interval", c.cfg.Interval).Msg("scheduler coordinator started")
}

// Stop halts the timer without waiting for a tick in progress.
// It is a no-op when already stopped.
func (c *Coordinator) Stop() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if !c.running {
		return
	}
	c.running = false
	c.cancel()
	c.logger.Info().Msg("scheduler coordinator stopped")
}

// Shutdown stops the timer and waits for a tick in progress to finish.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.lifecycle.Lock()
	done := c.done
	c.lifecycle.Unlock()

	c.Stop()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) IsRunning() bool {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	return c.running
}

func (c *Coordinator) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runCycle(ctx, "timer")
		}
	}
}

// Register adds an enabled registration for agentID. The first registration
// starts the timer.
func (c *Coordinator) Register(agentID string, s AgentScheduler) error {
	if agentID == "" {
		return &domain.ValidationError{Field: "agentId", Reason: "is required"}
	}
	if s == nil {
		return &domain.ValidationError{Field: "scheduler", Reason: "is required"}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.registry[agentID]; ok {
		return fmt.Errorf("agent %s: %w", agentID, domain.ErrAlreadyRegistered)
	}
	c.registry[agentID] = &Registration{AgentID: agentID, Enabled: true, Scheduler: s}
	c.updateGauges()

	c.logger.Info().Str("agent_id", agentID).Msg("agent registered")
	// started under mu so a concurrent Unregister cannot stop the timer after us
	if len(c.registry) == 1 {
		c.Start()
	}
	return nil
}

// Unregister removes agentID. Removing the last registration stops the timer.
func (c *Coordinator) Unregister(agentID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.registry[agentID]; !ok {
		return fmt.Errorf("agent %s: %w", agentID, domain.ErrNotFound)
	}
	delete(c.registry, agentID)
	c.updateGauges()

	c.logger.Info().Str("agent_id", agentID).Msg("agent unregistered")
	if len(c.registry) == 0 {
		c.Stop()
	}
	return nil
}

// SetEnabled toggles whether ticks poll agentID. Disabled agents stay registered.
func (c *Coordinator) SetEnabled(agentID string, enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	reg, ok := c.registry[agentID]
	if !ok {
		return fmt.Errorf("agent %s: %w", agentID, domain.ErrNotFound)
	}
	reg.Enabled = enabled
	c.updateGauges()
	c.logger.Info().Str("agent_id", agentID).Bool("enabled", enabled).Msg("agent registration updated")
	return nil
}

// Registration returns a copy of agentID's entry.
func (c *Coordinator) Registration(agentID string) (Registration, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	reg, ok := c.registry[agentID]
	if !ok {
		return Registration{}, fmt.Errorf("agent %s: %w", agentID, domain.ErrNotFound)
	}
	return *reg, nil
}

// Registrations returns copies of every entry ordered by agent id.
func (c *Coordinator) Registrations() []Registration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Registration, 0, len(c.registry))
	for _, reg := range c.registry {
		out = append(out, *reg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// must be called with mu held
func (c *Coordinator) updateGauges() {
	enabled := 0
	for _, reg := range c.registry {
		if reg.Enabled {
			enabled++
		}
	}
	c.metrics.RegisteredAgents.WithLabelValues("enabled").Set(float64(enabled))
	c.metrics.RegisteredAgents.WithLabelValues("disabled").Set(float64(len(c.registry) - enabled))
}

// ForceExecutionCycle runs one tick synchronously, bypassing the timer.
func (c *Coordinator) ForceExecutionCycle(ctx context.Context) (int, error) {
	if !c.IsRunning() {
		return 0, domain.ErrCoordinatorNotRunning
	}
	return c.runCycle(ctx, "forced"), nil
}

// runCycle polls a snapshot of enabled registrations and returns the number
// of tasks executed successfully across all of them.
func (c *Coordinator) runCycle(ctx context.Context, trigger string) int {
	c.metrics.TicksTotal.WithLabelValues(trigger).Inc()

	c.mu.RLock()
	snapshot := make([]*Registration, 0, len(c.registry))
	for _, reg := range c.registry {
		if reg.Enabled {
			snapshot = append(snapshot, reg)
		}
	}
	c.mu.RUnlock()

	var (
		executed atomic.Int64
		g        errgroup.Group
	)
	g.SetLimit(c.cfg.MaxConcurrentPolls)
	for _, reg := range snapshot {
		reg := reg
		g.Go(func() error {
			n, err := c.poll(ctx, reg.Scheduler)
			if err != nil {
				c.metrics.PollErrors.WithLabelValues(reg.AgentID).Inc()
				c.logger.Error().Err(err).Str("agent_id", reg.AgentID).Msg("agent poll failed")
			}
			executed.Add(int64(n))

			c.mu.Lock()
			reg.LastPollAt = c.now().UTC()
			c.mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	total := int(executed.Load())
	c.logger.Debug().Str("trigger", trigger).Int("agents", len(snapshot)).Int("executed", total).Msg("tick finished")
	return total
}

// poll isolates one agent's poll so a panic cannot abort the tick.
func (c *Coordinator) poll(ctx context.Context, s AgentScheduler) (n int, err error) {
	defer func() {
		if p := recover(); p != nil {
			n, err = 0, fmt.Errorf("poll panicked: %v", p)
		}
	}()
	return s.PollForDueTasks(ctx)
}

// Stats summarizes the registry and timer state.
func (c *Coordinator) Stats() domain.Stats {
	c.mu.RLock()
	total := len(c.registry)
	enabled := 0
	for _, reg := range c.registry {
		if reg.Enabled {
			enabled++
		}
	}
	c.mu.RUnlock()

	return domain.Stats{
		TotalRegistered: total,
		Enabled:         enabled,
		Disabled:        total - enabled,
		IsRunning:       c.IsRunning(),
		IntervalMs:      c.cfg.Interval.Milliseconds(),
	}
}
