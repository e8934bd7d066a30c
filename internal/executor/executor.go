// ABOUTME: AutomationExecutor: a durable queue consumer that runs execution tasks against the backend
// ABOUTME: Bounded workers, per-identity pacing, exponential retry, stale-lease recovery and graceful drain

package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/2389/reciprocity-gateway/internal/apperr"
	"github.com/2389/reciprocity-gateway/internal/automation"
	"github.com/2389/reciprocity-gateway/internal/store"
)

const (
	// finishTimeout bounds persisting a result after the call context is gone.
	finishTimeout = 5 * time.Second
	// outcomeWindow is how many recent outcomes feed the failure rate.
	outcomeWindow = 100
	maxCASRetries = 8
)

var errLeaseLost = errors.New("task lease lost")

// Reporter receives finished turn results. Implemented by the exchange coordinator.
type Reporter interface {
	RecordTurnResult(ctx context.Context, exchangeID string, side store.Side, success bool, errInfo string) error
}

// Config holds executor tunables.
type Config struct {
	Workers        int
	PollInterval   time.Duration
	CallTimeout    time.Duration
	RunningTimeout time.Duration
	MinInterval    time.Duration
	BackoffBase    time.Duration
	BackoffFactor  float64
	BackoffMax     time.Duration
	BackoffJitter  float64
	SweepInterval  time.Duration
	// StorageRetries bounds retries of a transient storage failure while
	// cancelling tasks.
	StorageRetries   uint64
	StorageRetryBase time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Workers:        4,
		PollInterval:   time.Second,
		CallTimeout:    2 * time.Minute,
		RunningTimeout: 5 * time.Minute,
		MinInterval:    30 * time.Second,
		BackoffBase:    30 * time.Second,
		BackoffFactor:  2,
		BackoffMax:     15 * time.Minute,
		BackoffJitter:  0.2,
		SweepInterval:  time.Minute,

		StorageRetries:   4,
		StorageRetryBase: 100 * time.Millisecond,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = def.CallTimeout
	}
	if c.RunningTimeout <= c.CallTimeout {
		c.RunningTimeout = 2 * c.CallTimeout
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = def.BackoffBase
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = def.BackoffFactor
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = def.BackoffMax
	}
	if c.BackoffJitter < 0 || c.BackoffJitter >= 1 {
		c.BackoffJitter = def.BackoffJitter
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	if c.StorageRetries == 0 {
		c.StorageRetries = def.StorageRetries
	}
	if c.StorageRetryBase <= 0 {
		c.StorageRetryBase = def.StorageRetryBase
	}
}

// Stats is a point-in-time view of the queue for the supervisor.
type Stats struct {
	Queued      int
	Running     int
	Inflight    int
	Workers     int
	FailureRate float64
	Succeeded   int64
	Retried     int64
	Failed      int64
}

// Executor is the sole writer of ExecutionTask records.
type Executor struct {
	gw       store.Gateway
	backend  automation.Backend
	reporter Reporter
	pacer    *automation.Pacer
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	slots chan struct{}
	wake  chan struct{}

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
	outcomes [outcomeWindow]bool
	nOut     int
	outIdx   int

	succeeded atomic.Int64
	retried   atomic.Int64
	failed    atomic.Int64

	draining   atomic.Bool
	loopCancel context.CancelFunc
	taskCancel context.CancelFunc
	loops      sync.WaitGroup
	workers    sync.WaitGroup
}

// New creates an executor. Pass nil logger for default.
func New(gw store.Gateway, backend automation.Backend, reporter Reporter, cfg Config, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()
	return &Executor{
		gw:       gw,
		backend:  backend,
		reporter: reporter,
		pacer:    automation.NewPacer(cfg.MinInterval),
		cfg:      cfg,
		logger:   logger.With("component", "executor"),
		now:      func() time.Time { return time.Now().UTC() },
		slots:    make(chan struct{}, cfg.Workers),
		wake:     make(chan struct{}, 1),
		inflight: make(map[string]context.CancelFunc),
	}
}

// Enqueue stores task as QUEUED unless a task with the same id already exists.
func (e *Executor) Enqueue(ctx context.Context, task *store.ExecutionTask) error {
	if task.MaxAttempts < 1 {
		return apperr.Validation(apperr.CodeInvalidInput, "max attempts must be at least 1")
	}
	if _, err := store.GetTask(ctx, e.gw, task.ID); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return apperr.StorageUnavailable("checking task", err)
	}

	t := *task
	now := e.now()
	t.Status = store.TaskQueued
	t.Version = 0
	if t.ScheduledAt.IsZero() {
		t.ScheduledAt = now
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	err := store.SaveTask(ctx, e.gw, &t)
	if errors.Is(err, store.ErrConflict) {
		return nil
	}
	if err != nil {
		return apperr.StorageUnavailable("enqueueing task", err)
	}

	e.logger.Info("task enqueued", "task_id", t.ID, "identity", t.Identity)
	e.signal()
	return nil
}

func (e *Executor) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Start recovers stale tasks, then launches the dispatcher and the sweeper.
func (e *Executor) Start(ctx context.Context) error {
	if _, err := e.RecoverStale(ctx); err != nil {
		return fmt.Errorf("recovering stale tasks: %w", err)
	}

	base := context.WithoutCancel(ctx)
	loopCtx, loopCancel := context.WithCancel(base)
	taskCtx, taskCancel := context.WithCancel(base)
	e.loopCancel = loopCancel
	e.taskCancel = taskCancel

	e.loops.Add(2)
	go e.dispatch(loopCtx, taskCtx)
	go e.sweep(loopCtx)

	e.logger.Info("executor started", "workers", e.cfg.Workers, "min_interval", e.cfg.MinInterval)
	return nil
}

// dispatch claims due tasks whenever a worker slot is free.
func (e *Executor) dispatch(loopCtx, taskCtx context.Context) {
	defer e.loops.Done()

	for {
		select {
		case e.slots <- struct{}{}:
		case <-loopCtx.Done():
			return
		}

		task, err := e.claimNext(loopCtx)
		if err != nil && loopCtx.Err() == nil {
			e.logger.Error("claiming task failed", "error", err)
		}
		if task == nil {
			<-e.slots
			select {
			case <-loopCtx.Done():
				return
			case <-e.wake:
			case <-time.After(e.cfg.PollInterval):
			}
			continue
		}

		e.workers.Add(1)
		go func() {
			defer e.workers.Done()
			defer func() { <-e.slots }()
			e.run(taskCtx, task)
		}()
	}
}

// claimNext moves the first due task it wins from QUEUED or FAILED_RETRYABLE to RUNNING.
func (e *Executor) claimNext(ctx context.Context) (*store.ExecutionTask, error) {
	now := e.now()
	due, err := store.ListTasks(ctx, e.gw, store.ListFilter{
		Status:   store.RunnableTaskStatuses,
		AtBefore: now,
		Limit:    e.cfg.Workers * 2,
	})
	if err != nil {
		return nil, err
	}

	for _, task := range due {
		lease := now.Add(e.cfg.RunningTimeout)
		task.Status = store.TaskRunning
		task.StartedAt = &now
		task.LeaseUntil = &lease
		task.UpdatedAt = now

		err := store.SaveTask(ctx, e.gw, task)
		if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return task, nil
	}
	return nil, nil
}

// run performs one claimed task end to end.
func (e *Executor) run(parent context.Context, task *store.ExecutionTask) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	e.track(task.ID, cancel)
	defer e.untrack(task.ID)

	logger := e.logger.With("task_id", task.ID, "identity", task.Identity, "attempt", task.AttemptCount+1)

	release, err := e.acquirePacer(ctx, task, logger)
	if errors.Is(err, errLeaseLost) {
		logger.Info("task changed while waiting for pacing, skipping call", "error", err)
		return
	}
	if err != nil {
		// Nothing was sent to the backend; hand the claim back untouched.
		e.unclaim(task, logger)
		return
	}
	defer release()

	ex, err := store.GetExchange(ctx, e.gw, task.ExchangeID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		logger.Warn("exchange not found, cancelling task", "exchange_id", task.ExchangeID)
		e.withdraw(task, logger)
		return
	case err != nil:
		logger.Warn("loading exchange failed, returning task to queue", "exchange_id", task.ExchangeID, "error", err)
		e.unclaim(task, logger)
		return
	case ex.State.Terminal():
		logger.Info("exchange already finished, skipping call", "exchange_id", task.ExchangeID, "state", ex.State)
		e.withdraw(task, logger)
		return
	}

	// Pacing may have waited a while, so restart the lease before calling out.
	now := e.now()
	lease := now.Add(e.cfg.RunningTimeout)
	task.LeaseUntil = &lease
	task.UpdatedAt = now
	if err := store.SaveTask(ctx, e.gw, task); err != nil {
		logger.Info("task changed while waiting for pacing, skipping call", "error", err)
		return
	}

	callCtx, callCancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	callErr := e.backend.PerformAction(callCtx, automation.ActionRequest{
		Identity:   task.Identity,
		ContentRef: task.ContentRef,
		ActionType: task.ActionType,
	})
	callCancel()

	e.finish(task, automation.Classify(callErr), ctx.Err() != nil, logger)
}

// acquirePacer waits for the identity's pacing slot and keeps the task's
// lease alive meanwhile, so a long wait never looks like a stalled call.
// errLeaseLost means another writer took the task over.
func (e *Executor) acquirePacer(ctx context.Context, task *store.ExecutionTask, logger *slog.Logger) (func(), error) {
	identity := task.Identity
	waitCtx, stop := context.WithCancelCause(ctx)
	defer stop(nil)

	var heartbeat sync.WaitGroup
	heartbeat.Add(1)
	go func() {
		defer heartbeat.Done()
		ticker := time.NewTicker(e.cfg.RunningTimeout / 3)
		defer ticker.Stop()
		for {
			select {
			case <-waitCtx.Done():
				return
			case <-ticker.C:
			}
			now := e.now()
			lease := now.Add(e.cfg.RunningTimeout)
			renewed := *task
			renewed.LeaseUntil = &lease
			renewed.UpdatedAt = now
			err := store.SaveTask(ctx, e.gw, &renewed)
			switch {
			case err == nil:
				*task = renewed
			case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrNotFound):
				stop(fmt.Errorf("%w: %w", errLeaseLost, err))
				return
			case waitCtx.Err() == nil:
				logger.Warn("renewing lease failed", "error", err)
			}
		}
	}()

	release, err := e.pacer.Acquire(waitCtx, identity)
	stop(nil)
	heartbeat.Wait()

	if cause := context.Cause(waitCtx); errors.Is(cause, errLeaseLost) {
		if release != nil {
			release()
		}
		return nil, cause
	}
	return release, err
}

// withdraw cancels a claimed task whose exchange no longer needs it.
func (e *Executor) withdraw(task *store.ExecutionTask, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()
	if err := e.cancelTask(ctx, task); err != nil {
		logger.Error("cancelling task failed, sweep will retry", "error", err)
	}
}

// finish persists the outcome of one backend call, then reports finished results.
// Interrupted calls count as an attempt but are due again immediately.
func (e *Executor) finish(task *store.ExecutionTask, callErr error, interrupted bool, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()

	now := e.now()
	task.AttemptCount++
	task.LeaseUntil = nil
	task.UpdatedAt = now

	switch {
	case callErr == nil:
		task.Status = store.TaskSucceeded
		task.LastError = ""
		task.FinishedAt = &now
	case apperr.IsKind(callErr, apperr.KindTerminalBackend):
		task.Status = store.TaskFailedTerminal
		task.LastError = reasonOf(callErr)
		task.FinishedAt = &now
	case task.AttemptCount >= task.MaxAttempts:
		task.Status = store.TaskFailedTerminal
		task.LastError = "retries exhausted: " + reasonOf(callErr)
		task.FinishedAt = &now
	case interrupted:
		task.Status = store.TaskFailedRetryable
		task.LastError = "interrupted: " + reasonOf(callErr)
		task.ScheduledAt = now
	default:
		task.Status = store.TaskFailedRetryable
		task.LastError = reasonOf(callErr)
		task.ScheduledAt = now.Add(e.retryDelay(task.AttemptCount))
	}

	if err := store.SaveTask(ctx, e.gw, task); err != nil {
		// Cancelled or recovered by someone else; their write wins.
		logger.Warn("discarding task result", "status", task.Status, "error", err)
		return
	}
	e.recordOutcome(task.Status)

	switch task.Status {
	case store.TaskSucceeded:
		logger.Info("task succeeded")
	case store.TaskFailedTerminal:
		logger.Warn("task failed terminally", "error", task.LastError)
	default:
		logger.Info("task will retry", "error", task.LastError, "scheduled_at", task.ScheduledAt)
	}

	if task.NeedsReport() {
		e.report(ctx, task)
	}
}

// unclaim returns a RUNNING task to its runnable state without counting an attempt.
func (e *Executor) unclaim(task *store.ExecutionTask, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()

	task.Status = store.TaskQueued
	if task.AttemptCount > 0 {
		task.Status = store.TaskFailedRetryable
	}
	task.LeaseUntil = nil
	task.ScheduledAt = e.now()
	task.UpdatedAt = task.ScheduledAt
	if err := store.SaveTask(ctx, e.gw, task); err != nil {
		logger.Debug("unclaim skipped", "error", err)
	}
}

// report delivers a finished result to the coordinator and marks it reported.
func (e *Executor) report(ctx context.Context, task *store.ExecutionTask) {
	success := task.Status == store.TaskSucceeded
	err := e.reporter.RecordTurnResult(ctx, task.ExchangeID, task.Side, success, task.LastError)
	switch apperr.KindOf(err) {
	case "":
		if err != nil {
			e.logger.Error("reporting task result failed", "task_id", task.ID, "error", err)
			return
		}
	case apperr.KindNotFound, apperr.KindValidation:
		e.logger.Warn("turn result rejected, not retrying", "task_id", task.ID, "error", err)
	default:
		e.logger.Error("reporting task result failed, sweep will retry", "task_id", task.ID, "error", err)
		return
	}

	now := e.now()
	task.ReportedAt = &now
	task.UpdatedAt = now
	if err := store.SaveTask(ctx, e.gw, task); err != nil && !errors.Is(err, store.ErrConflict) {
		e.logger.Error("marking task reported failed", "task_id", task.ID, "error", err)
	}
}

// RecoverStale requeues RUNNING tasks whose lease has lapsed. Each lapsed
// lease counts as one attempt; the compare-and-swap makes recovery happen once.
func (e *Executor) RecoverStale(ctx context.Context) (int, error) {
	now := e.now()
	stale, err := store.ListTasks(ctx, e.gw, store.ListFilter{
		Status:   []string{string(store.TaskRunning)},
		AtBefore: now,
	})
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, task := range stale {
		task.AttemptCount++
		task.LeaseUntil = nil
		task.UpdatedAt = now
		task.LastError = "interrupted: lease expired"
		if task.AttemptCount >= task.MaxAttempts {
			task.Status = store.TaskFailedTerminal
			task.FinishedAt = &now
		} else {
			task.Status = store.TaskFailedRetryable
			task.ScheduledAt = now
		}

		if err := store.SaveTask(ctx, e.gw, task); err != nil {
			e.logger.Debug("stale task already handled", "task_id", task.ID, "error", err)
			continue
		}
		recovered++
		e.logger.Warn("recovered stale task", "task_id", task.ID, "status", task.Status, "attempts", task.AttemptCount)
		if task.NeedsReport() {
			e.report(ctx, task)
		}
	}
	if recovered > 0 {
		e.signal()
	}
	return recovered, nil
}

// ReportPending re-delivers finished results that were persisted but never
// acknowledged, waiting grace after they finished so live workers go first.
func (e *Executor) ReportPending(ctx context.Context, grace time.Duration) (int, error) {
	pending, err := store.ListTasks(ctx, e.gw, store.ListFilter{
		Status:   []string{string(store.TaskSucceeded), string(store.TaskFailedTerminal)},
		AtBefore: e.now().Add(-grace),
	})
	if err != nil {
		return 0, err
	}
	for _, task := range pending {
		if task.NeedsReport() {
			e.report(ctx, task)
		}
	}
	return len(pending), nil
}

func (e *Executor) sweep(ctx context.Context) {
	defer e.loops.Done()

	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.RecoverStale(ctx); err != nil && ctx.Err() == nil {
				e.logger.Error("stale recovery failed", "error", err)
			}
			if _, err := e.ReportPending(ctx, e.cfg.SweepInterval); err != nil && ctx.Err() == nil {
				e.logger.Error("re-reporting results failed", "error", err)
			}
			if _, err := e.CancelOrphaned(ctx); err != nil && ctx.Err() == nil {
				e.logger.Error("cancelling orphaned tasks failed", "error", err)
			}
		}
	}
}

// CancelExchange withdraws every unfinished task of an exchange and aborts
// in-flight calls for them. Finished tasks are left untouched.
func (e *Executor) CancelExchange(ctx context.Context, exchangeID string) error {
	var tasks []*store.ExecutionTask
	err := e.withStorage(ctx, "listing tasks", func() (err error) {
		tasks, err = store.ListTasks(ctx, e.gw, store.ListFilter{Ref: exchangeID})
		return err
	})
	if err != nil {
		return err
	}

	var errs []error
	for _, task := range tasks {
		if err := e.withStorage(ctx, "cancelling task", func() error { return e.cancelTask(ctx, task) }); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CancelOrphaned cancels unfinished tasks whose exchange has already ended.
// It catches cancellations that failed when the exchange finished.
func (e *Executor) CancelOrphaned(ctx context.Context) (int, error) {
	statuses := append([]string{string(store.TaskRunning)}, store.RunnableTaskStatuses...)
	tasks, err := store.ListTasks(ctx, e.gw, store.ListFilter{Status: statuses})
	if err != nil {
		return 0, err
	}

	ended := make(map[string]bool)
	cancelled := 0
	for _, task := range tasks {
		done, seen := ended[task.ExchangeID]
		if !seen {
			ex, err := store.GetExchange(ctx, e.gw, task.ExchangeID)
			switch {
			case errors.Is(err, store.ErrNotFound):
				done = true
			case err != nil:
				return cancelled, err
			default:
				done = ex.State.Terminal()
			}
			ended[task.ExchangeID] = done
		}
		if !done {
			continue
		}
		if err := e.cancelTask(ctx, task); err != nil {
			e.logger.Warn("cancelling orphaned task failed", "task_id", task.ID, "error", err)
			continue
		}
		cancelled++
	}
	if cancelled > 0 {
		e.logger.Warn("cancelled tasks of finished exchanges", "count", cancelled)
	}
	return cancelled, nil
}

// cancelTask moves task to CANCELLED unless it already finished. task itself
// is not modified, so a failed attempt can be retried with the same value.
func (e *Executor) cancelTask(ctx context.Context, task *store.ExecutionTask) error {
	current := task
	for range maxCASRetries {
		if current.Status.Finished() {
			return nil
		}
		now := e.now()
		t := *current
		t.Status = store.TaskCancelled
		t.LeaseUntil = nil
		t.FinishedAt = &now
		t.UpdatedAt = now

		err := store.SaveTask(ctx, e.gw, &t)
		if err == nil {
			e.abort(t.ID)
			e.logger.Info("task cancelled", "task_id", t.ID)
			return nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return fmt.Errorf("cancelling %s: %w", t.ID, err)
		}
		if current, err = store.GetTask(ctx, e.gw, t.ID); err != nil {
			return fmt.Errorf("reloading %s: %w", t.ID, err)
		}
	}
	return apperr.Conflict(apperr.CodeContention, "task is being updated concurrently")
}

// withStorage retries transient storage failures with bounded backoff.
// Not-found, conflict and classified errors are returned immediately.
func (e *Executor) withStorage(ctx context.Context, op string, fn func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = e.cfg.StorageRetryBase
	eb.MaxInterval = 16 * e.cfg.StorageRetryBase
	eb.MaxElapsedTime = 0
	eb.Reset()

	var attempts int
	err := backoff.Retry(func() error {
		attempts++
		err := fn()
		if err == nil {
			return nil
		}
		if permanent(err) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		e.logger.Warn("storage call failed", "op", op, "attempt", attempts, "error", err)
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(eb, e.cfg.StorageRetries), ctx))
	if err == nil || permanent(err) {
		return err
	}
	return apperr.StorageUnavailable(op, err)
}

func permanent(err error) bool {
	return errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrConflict) || apperr.KindOf(err) != ""
}

// Drain stops claiming new tasks and waits for running ones. When ctx ends
// first, in-flight calls are cancelled and recorded as failed-retryable.
func (e *Executor) Drain(ctx context.Context) error {
	if !e.draining.CompareAndSwap(false, true) || e.loopCancel == nil {
		return nil
	}
	e.loopCancel()
	e.loops.Wait()

	done := make(chan struct{})
	go func() {
		e.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.taskCancel()
		e.logger.Info("executor drained")
		return nil
	case <-ctx.Done():
	}

	e.mu.Lock()
	n := len(e.inflight)
	e.mu.Unlock()
	e.logger.Warn("drain deadline reached, interrupting in-flight calls", "inflight", n)
	e.taskCancel()

	select {
	case <-done:
	case <-time.After(finishTimeout):
		e.logger.Error("workers did not stop after interruption")
	}
	return ctx.Err()
}

// Stats summarizes queue depth and recent failure rate.
func (e *Executor) Stats(ctx context.Context) (Stats, error) {
	queued, err := e.gw.List(ctx, store.CollectionTasks, store.ListFilter{Status: store.RunnableTaskStatuses})
	if err != nil {
		return Stats{}, err
	}
	running, err := e.gw.List(ctx, store.CollectionTasks, store.ListFilter{Status: []string{string(store.TaskRunning)}})
	if err != nil {
		return Stats{}, err
	}

	e.mu.Lock()
	inflight := len(e.inflight)
	var failures int
	for i := range e.nOut {
		if !e.outcomes[i] {
			failures++
		}
	}
	var rate float64
	if e.nOut > 0 {
		rate = float64(failures) / float64(e.nOut)
	}
	e.mu.Unlock()

	return Stats{
		Queued:      len(queued),
		Running:     len(running),
		Inflight:    inflight,
		Workers:     e.cfg.Workers,
		FailureRate: rate,
		Succeeded:   e.succeeded.Load(),
		Retried:     e.retried.Load(),
		Failed:      e.failed.Load(),
	}, nil
}

func (e *Executor) recordOutcome(status store.TaskStatus) {
	ok := status == store.TaskSucceeded
	switch status {
	case store.TaskSucceeded:
		e.succeeded.Add(1)
	case store.TaskFailedRetryable:
		e.retried.Add(1)
	default:
		e.failed.Add(1)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.outcomes[e.outIdx] = ok
	e.outIdx = (e.outIdx + 1) % outcomeWindow
	if e.nOut < outcomeWindow {
		e.nOut++
	}
}

func (e *Executor) track(id string, cancel context.CancelFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inflight[id] = cancel
}

func (e *Executor) untrack(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, id)
}

func (e *Executor) abort(id string) {
	e.mu.Lock()
	cancel, ok := e.inflight[id]
	e.mu.Unlock()
	if ok {
		cancel()
	}
}

// retryDelay is the backoff before retry number attempt (1-based).
func (e *Executor) retryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.BackoffBase
	b.Multiplier = e.cfg.BackoffFactor
	b.MaxInterval = e.cfg.BackoffMax
	b.RandomizationFactor = e.cfg.BackoffJitter
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

func reasonOf(err error) string {
	var ae *apperr.Error
	if errors.As(err, &ae) && ae.Reason != "" {
		return ae.Reason
	}
	return err.Error()
}
