// ABOUTME: SupervisorLoop: periodic health checks, classification, snapshots and metric points
// ABOUTME: Checks run concurrently with per-check timeouts; CRITICAL transitions alert at most once per cool-down

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/2389/reciprocity-gateway/internal/exchange"
	"github.com/2389/reciprocity-gateway/internal/executor"
	"github.com/2389/reciprocity-gateway/internal/store"
)

// Check names recorded in every snapshot.
const (
	CheckStorage   = "storage"
	CheckTransport = "transport"
	CheckExecutor  = "executor"
	CheckExchanges = "exchanges"
)

// Pinger reports reachability of a dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// QueueStats exposes executor load.
type QueueStats interface {
	Stats(ctx context.Context) (executor.Stats, error)
}

// ExchangeCounter exposes daily exchange counts.
type ExchangeCounter interface {
	DailyCounts(ctx context.Context, day time.Time) (exchange.Counts, error)
}

// Alerter is told when health enters CRITICAL.
type Alerter interface {
	Alert(ctx context.Context, snap *store.HealthSnapshot) error
}

// Sources are the components a cycle inspects. Nil sources are skipped.
type Sources struct {
	Storage   Pinger
	Transport Pinger
	Queue     QueueStats
	Exchanges ExchangeCounter
}

// Config holds supervisor tunables.
type Config struct {
	Interval      time.Duration
	CheckTimeout  time.Duration
	AlertCooldown time.Duration
	Thresholds    Thresholds
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Interval:      5 * time.Minute,
		CheckTimeout:  5 * time.Second,
		AlertCooldown: time.Hour,
		Thresholds:    DefaultThresholds(),
	}
}

// Supervisor runs health cycles on a fixed interval.
type Supervisor struct {
	gw      store.Gateway
	src     Sources
	alerter Alerter
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
	alerts  *rate.Sometimes

	mu     sync.RWMutex
	latest *store.HealthSnapshot
	hooks  []func(store.HealthStatus)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a supervisor. A nil alerter logs alerts. Pass nil logger for default.
func New(gw store.Gateway, src Sources, alerter Alerter, cfg Config, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = def.CheckTimeout
	}
	if cfg.AlertCooldown <= 0 {
		cfg.AlertCooldown = def.AlertCooldown
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = def.Thresholds
	}
	logger = logger.With("component", "supervisor")
	if alerter == nil {
		alerter = LogAlerter{Logger: logger}
	}
	return &Supervisor{
		gw:      gw,
		src:     src,
		alerter: alerter,
		cfg:     cfg,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		alerts:  &rate.Sometimes{Interval: cfg.AlertCooldown},
	}
}

// OnStatus registers fn to be called with the classification after each cycle.
func (s *Supervisor) OnStatus(fn func(store.HealthStatus)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, fn)
}

// Latest returns the most recent snapshot, or nil before the first cycle.
func (s *Supervisor) Latest() *store.HealthSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latest == nil {
		return nil
	}
	cp := *s.latest
	return &cp
}

// Cycle runs one round of checks, persists the snapshot and its metric
// points, and alerts on entry into CRITICAL. The snapshot is returned even
// when persisting it fails.
func (s *Supervisor) Cycle(ctx context.Context) (*store.HealthSnapshot, error) {
	now := s.now()
	obs := s.observe(ctx, now)
	status, reasons := Classify(obs.Observation, s.cfg.Thresholds)

	var prev store.HealthStatus
	if last := s.Latest(); last != nil {
		prev = last.Status
	}

	snap := &store.HealthSnapshot{
		ID:                 uuid.New().String(),
		Status:             status,
		Checks:             obs.Checks,
		Reasons:            reasons,
		QueueDepth:         obs.stats.Queued,
		Running:            obs.stats.Running,
		Saturation:         obs.Saturation,
		FailureRate:        obs.FailureRate,
		ActiveExchanges:    obs.counts.Active,
		CompletedToday:     obs.counts.CompletedToday,
		ExpiredToday:       obs.counts.ExpiredToday,
		TakenAt:            now,
		PreviousStatus:     prev,
		EnteredCriticalNow: status == store.HealthCritical && prev != store.HealthCritical,
	}

	s.mu.Lock()
	s.latest = snap
	hooks := append([]func(store.HealthStatus){}, s.hooks...)
	s.mu.Unlock()

	for _, fn := range hooks {
		fn(status)
	}

	if status != prev {
		s.logger.Info("health changed", "from", prev, "to", status, "reasons", reasons)
	}
	if snap.EnteredCriticalNow {
		s.alerts.Do(func() {
			if err := s.alerter.Alert(ctx, snap); err != nil {
				s.logger.Error("alert delivery failed", "error", err)
			}
		})
	}

	err := s.persist(ctx, snap)
	if err != nil {
		s.logger.Warn("persisting health snapshot failed", "error", err)
	}
	return snap, err
}

type observation struct {
	Observation
	stats  executor.Stats
	counts exchange.Counts
}

// observe runs every check concurrently. A check that times out is unknown.
func (s *Supervisor) observe(ctx context.Context, now time.Time) observation {
	var (
		mu  sync.Mutex
		obs = observation{Observation: Observation{Checks: make(map[string]store.CheckState)}}
	)
	record := func(name string, err error) {
		mu.Lock()
		defer mu.Unlock()
		obs.Checks[name] = stateOf(err)
		if err != nil {
			s.logger.Debug("health check failed", "check", name, "error", err)
		}
	}

	var g errgroup.Group
	run := func(name string, fn func(ctx context.Context) error) {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, s.cfg.CheckTimeout)
			defer cancel()

			errCh := make(chan error, 1)
			go func() { errCh <- fn(cctx) }()
			select {
			case err := <-errCh:
				record(name, err)
			case <-cctx.Done():
				record(name, cctx.Err())
			}
			return nil
		})
	}

	if s.src.Storage != nil {
		run(CheckStorage, s.src.Storage.Ping)
	}
	if s.src.Transport != nil {
		run(CheckTransport, s.src.Transport.Ping)
	}
	if s.src.Queue != nil {
		run(CheckExecutor, func(ctx context.Context) error {
			st, err := s.src.Queue.Stats(ctx)
			if err != nil {
				return err
			}
			mu.Lock()
			obs.stats = st
			obs.FailureRate = st.FailureRate
			obs.Saturation = saturation(st, s.cfg.Thresholds.QueueCapacity)
			mu.Unlock()
			return nil
		})
	}
	if s.src.Exchanges != nil {
		run(CheckExchanges, func(ctx context.Context) error {
			c, err := s.src.Exchanges.DailyCounts(ctx, now)
			if err != nil {
				return err
			}
			mu.Lock()
			obs.counts = c
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	mu.Lock()
	defer mu.Unlock()
	return obs
}

func stateOf(err error) store.CheckState {
	switch {
	case err == nil:
		return store.CheckOK
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return store.CheckUnknown
	}
	return store.CheckFailed
}

// saturation is the share of queue capacity taken by queued and running tasks.
func saturation(st executor.Stats, capacity int) float64 {
	if capacity <= 0 {
		capacity = st.Workers
	}
	if capacity <= 0 {
		return 0
	}
	return float64(st.Queued+st.Running) / float64(capacity)
}

func (s *Supervisor) persist(ctx context.Context, snap *store.HealthSnapshot) error {
	if err := store.AppendHealthSnapshot(ctx, s.gw, snap); err != nil {
		return fmt.Errorf("appending snapshot: %w", err)
	}

	var errs []error
	for _, m := range metricsFor(snap) {
		p := &store.MetricPoint{
			ID:         uuid.New().String(),
			SnapshotID: snap.ID,
			Name:       m.name,
			Value:      m.value,
			At:         snap.TakenAt,
		}
		if err := store.AppendMetricPoint(ctx, s.gw, p); err != nil {
			errs = append(errs, fmt.Errorf("appending %s: %w", m.name, err))
		}
	}
	return errors.Join(errs...)
}

type metric struct {
	name  string
	value float64
}

func metricsFor(snap *store.HealthSnapshot) []metric {
	return []metric{
		{"health_status", statusValue(snap.Status)},
		{"queue_depth", float64(snap.QueueDepth)},
		{"tasks_running", float64(snap.Running)},
		{"executor_saturation", snap.Saturation},
		{"executor_failure_rate", snap.FailureRate},
		{"exchanges_active", float64(snap.ActiveExchanges)},
		{"exchanges_completed_today", float64(snap.CompletedToday)},
		{"exchanges_expired_today", float64(snap.ExpiredToday)},
	}
}

func statusValue(s store.HealthStatus) float64 {
	switch s {
	case store.HealthDegraded:
		return 1
	case store.HealthCritical:
		return 2
	}
	return 0
}

// Start runs a first cycle immediately, then one per interval.
func (s *Supervisor) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()

		for {
			if _, err := s.Cycle(loopCtx); err != nil && loopCtx.Err() == nil {
				s.logger.Debug("cycle finished with errors", "error", err)
			}
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	s.logger.Info("supervisor started", "interval", s.cfg.Interval)
	return nil
}

// Stop ends the loop and waits for an in-progress cycle until ctx ends.
func (s *Supervisor) Stop(ctx context.Context) error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LogAlerter writes alerts to the log.
type LogAlerter struct {
	Logger *slog.Logger
}

func (a LogAlerter) Alert(_ context.Context, snap *store.HealthSnapshot) error {
	a.Logger.Error("health is CRITICAL",
		"snapshot_id", snap.ID,
		"reasons", snap.Reasons,
		"queue_depth", snap.QueueDepth,
		"saturation", snap.Saturation)
	return nil
}
