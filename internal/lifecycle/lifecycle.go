// ABOUTME: Lifecycle coordinator: ordered startup with reverse teardown and budgeted graceful shutdown
// ABOUTME: INITIALIZING -> RUNNING -> STOPPING -> STOPPED; steps over budget are force-stopped and logged

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// State is the coordinator's phase.
type State string

const (
	StateInitializing State = "INITIALIZING"
	StateRunning      State = "RUNNING"
	StateStopping     State = "STOPPING"
	StateStopped      State = "STOPPED"
)

// abandonAfter is how long a step is given to return after its budget ends.
const abandonAfter = time.Second

// ErrForceStopped marks a step that did not stop within its budget.
var ErrForceStopped = errors.New("force-stopped")

// Step is one component under lifecycle control. Start and Stop may be nil.
// Stop receives a context that ends when the step's budget is spent; a step
// should abandon in-flight work once it ends.
type Step struct {
	Name   string
	Start  func(ctx context.Context) error
	Stop   func(ctx context.Context) error
	Budget time.Duration
}

// Coordinator starts steps in registration order and stops them in the
// shutdown order within an overall grace period.
type Coordinator struct {
	grace  time.Duration
	logger *slog.Logger

	mu       sync.RWMutex
	steps    []Step
	order    []string
	started  []string
	state    State
	watchers []func(State)
}

// New creates a coordinator. Pass nil logger for default.
func New(grace time.Duration, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if grace <= 0 {
		grace = 30 * time.Second
	}
	return &Coordinator{
		grace:  grace,
		logger: logger.With("component", "lifecycle"),
		state:  StateInitializing,
	}
}

// Add registers a step. Steps start in the order they are added.
func (c *Coordinator) Add(step Step) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steps = append(c.steps, step)
}

// SetShutdownOrder sets the order steps are stopped in. Unnamed steps are
// stopped afterwards in reverse start order.
func (c *Coordinator) SetShutdownOrder(names ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, name := range names {
		if c.find(name) < 0 {
			return fmt.Errorf("unknown step %q", name)
		}
	}
	c.order = slices.Clone(names)
	return nil
}

// OnState registers fn to be called on every state change.
func (c *Coordinator) OnState(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchers = append(c.watchers, fn)
}

// State returns the current phase.
func (c *Coordinator) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	watchers := slices.Clone(c.watchers)
	c.mu.Unlock()

	c.logger.Info("lifecycle state", "state", s)
	for _, fn := range watchers {
		fn(s)
	}
}

func (c *Coordinator) find(name string) int {
	return slices.IndexFunc(c.steps, func(s Step) bool { return s.Name == name })
}

// Start runs every step's Start in order. If one fails, the steps already
// started are stopped in reverse and the error is returned.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.RLock()
	steps := slices.Clone(c.steps)
	c.mu.RUnlock()

	for _, step := range steps {
		if step.Start != nil {
			c.logger.Debug("starting step", "step", step.Name)
			if err := step.Start(ctx); err != nil {
				c.logger.Error("startup failed, tearing down", "step", step.Name, "error", err)
				teardown := c.stopAll(context.WithoutCancel(ctx), c.reverseStarted())
				c.setState(StateStopped)
				return errors.Join(fmt.Errorf("starting %s: %w", step.Name, err), teardown)
			}
		}
		c.mu.Lock()
		c.started = append(c.started, step.Name)
		c.mu.Unlock()
	}

	c.setState(StateRunning)
	return nil
}

// Shutdown stops every started step in the shutdown order within the grace
// period. It is safe to call more than once.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateStopping || c.state == StateStopped {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	c.setState(StateStopping)

	err := c.stopAll(ctx, c.shutdownOrder())
	c.setState(StateStopped)
	return err
}

// Run starts all steps, waits for ctx to end, then shuts down.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	c.logger.Info("shutdown signal received", "grace", c.grace)
	return c.Shutdown(context.WithoutCancel(ctx))
}

func (c *Coordinator) reverseStarted() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := slices.Clone(c.started)
	slices.Reverse(out)
	return out
}

func (c *Coordinator) shutdownOrder() []string {
	started := c.reverseStarted()

	c.mu.RLock()
	order := slices.Clone(c.order)
	c.mu.RUnlock()

	out := make([]string, 0, len(started))
	for _, name := range order {
		if slices.Contains(started, name) {
			out = append(out, name)
		}
	}
	for _, name := range started {
		if !slices.Contains(out, name) {
			out = append(out, name)
		}
	}
	return out
}

// stopAll stops the named steps in order, sharing one grace deadline.
func (c *Coordinator) stopAll(ctx context.Context, names []string) error {
	deadline := time.Now().Add(c.grace)
	graceCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	var errs []error
	for _, name := range names {
		c.mu.RLock()
		i := c.find(name)
		var step Step
		if i >= 0 {
			step = c.steps[i]
		}
		c.mu.RUnlock()

		if step.Stop == nil {
			continue
		}
		if err := c.stopStep(graceCtx, step); err != nil {
			errs = append(errs, fmt.Errorf("stopping %s: %w", name, err))
		}
	}

	c.mu.Lock()
	c.started = nil
	c.mu.Unlock()
	return errors.Join(errs...)
}

func (c *Coordinator) stopStep(ctx context.Context, step Step) error {
	stepCtx := ctx
	if step.Budget > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, step.Budget)
		defer cancel()
	}

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- step.Stop(stepCtx) }()

	var err error
	select {
	case err = <-done:
	case <-stepCtx.Done():
		c.logger.Warn("step exceeded its budget, forcing stop", "step", step.Name, "budget", step.Budget)
		select {
		case err = <-done:
		case <-time.After(abandonAfter):
			err = ErrForceStopped
		}
	}

	if err != nil {
		c.logger.Warn("step stopped with error", "step", step.Name, "elapsed", time.Since(start), "error", err)
		return err
	}
	c.logger.Debug("step stopped", "step", step.Name, "elapsed", time.Since(start))
	return nil
}
