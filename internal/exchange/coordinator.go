// ABOUTME: ExchangeCoordinator owns the exchange lifecycle and the fairness rules
// ABOUTME: All transitions are compare-and-swap against stored state so concurrent results commute

package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/2389/reciprocity-gateway/internal/apperr"
	"github.com/2389/reciprocity-gateway/internal/events"
	"github.com/2389/reciprocity-gateway/internal/store"
)

// maxConflictRetries bounds how often a transition re-reads after losing a race.
const maxConflictRetries = 8

// TaskQueue is the AutomationExecutor surface the coordinator drives.
type TaskQueue interface {
	Enqueue(ctx context.Context, task *store.ExecutionTask) error
	CancelExchange(ctx context.Context, exchangeID string) error
}

// Config holds coordinator tunables.
type Config struct {
	// TTL is how long a confirmed exchange has to complete.
	TTL time.Duration
	// PendingTTL is how long an unmatched offer stays open. Zero keeps offers open.
	PendingTTL time.Duration
	// MaxAttempts is copied onto every execution task.
	MaxAttempts int
	// ActionType is the engagement action both sides perform, e.g. "like".
	ActionType string
	// SweepInterval is how often ExpireStaleExchanges runs in the background.
	SweepInterval time.Duration
	// StorageRetries bounds retries of a transient storage failure.
	StorageRetries uint64
	// StorageRetryBase is the first storage retry delay.
	StorageRetryBase time.Duration
	// Now overrides the clock. Nil means UTC wall time.
	Now func() time.Time
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		TTL:              24 * time.Hour,
		PendingTTL:       24 * time.Hour,
		MaxAttempts:      5,
		ActionType:       "like",
		SweepInterval:    time.Minute,
		StorageRetries:   4,
		StorageRetryBase: 100 * time.Millisecond,
	}
}

// Counts summarizes exchanges for one UTC day.
type Counts struct {
	Active         int
	CompletedToday int
	ExpiredToday   int
}

// Coordinator is the sole writer of Exchange records.
type Coordinator struct {
	gw     store.Gateway
	pub    events.Publisher
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu    sync.RWMutex
	queue TaskQueue

	sweepCancel context.CancelFunc
	sweepWG     sync.WaitGroup
}

// New creates a coordinator. Pass nil logger for default.
func New(gw store.Gateway, pub events.Publisher, cfg Config, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.ActionType == "" {
		cfg.ActionType = def.ActionType
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.StorageRetries == 0 {
		cfg.StorageRetries = def.StorageRetries
	}
	if cfg.StorageRetryBase <= 0 {
		cfg.StorageRetryBase = def.StorageRetryBase
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Coordinator{
		gw:     gw,
		pub:    pub,
		cfg:    cfg,
		logger: logger.With("component", "exchange"),
		now:    now,
	}
}

// SetTaskQueue wires the executor. The executor reports back into the
// coordinator, so the two are connected after construction.
func (c *Coordinator) SetTaskQueue(q TaskQueue) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = q
}

func (c *Coordinator) taskQueue() TaskQueue {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.queue
}

// CreateExchange opens a PENDING offer for requesterID's content.
func (c *Coordinator) CreateExchange(ctx context.Context, requesterID, contentRef string) (string, error) {
	contentRef = strings.TrimSpace(contentRef)
	if contentRef == "" {
		return "", apperr.Validation(apperr.CodeInvalidContent, "content link is empty")
	}
	if strings.TrimSpace(requesterID) == "" {
		return "", apperr.Validation(apperr.CodeInvalidInput, "requester is required")
	}

	now := c.now()
	ex := &store.Exchange{
		ID:                  uuid.New().String(),
		RequesterID:         requesterID,
		RequesterContentRef: contentRef,
		State:               store.ExchangePending,
		CreatedAt:           now,
	}
	if c.cfg.PendingTTL > 0 {
		offerEnd := now.Add(c.cfg.PendingTTL)
		ex.OfferExpiresAt = &offerEnd
	}

	err := c.withStorage(ctx, "create exchange", func() error {
		return store.SaveExchange(ctx, c.gw, ex)
	})
	if err != nil {
		return "", err
	}

	c.logger.Info("exchange created", "exchange_id", ex.ID, "requester", requesterID)
	return ex.ID, nil
}

// AcceptExchange matches partnerID with a PENDING offer and starts automation.
func (c *Coordinator) AcceptExchange(ctx context.Context, exchangeID, partnerID, contentRef string) error {
	contentRef = strings.TrimSpace(contentRef)
	if contentRef == "" {
		return apperr.Validation(apperr.CodeInvalidContent, "content link is empty")
	}
	if strings.TrimSpace(partnerID) == "" {
		return apperr.Validation(apperr.CodeInvalidInput, "partner is required")
	}

	ex, _, err := c.mutate(ctx, exchangeID, func(ex *store.Exchange) (bool, error) {
		if ex.State != store.ExchangePending {
			return false, apperr.Conflict(apperr.CodeAlreadyMatched, "exchange is no longer open")
		}
		if ex.RequesterID == partnerID {
			return false, apperr.Validation(apperr.CodeInvalidInput, "cannot accept your own offer")
		}
		now := c.now()
		if ex.OfferExpiresAt != nil && !now.Before(*ex.OfferExpiresAt) {
			return false, apperr.NotFound("offer has lapsed")
		}

		expires := now.Add(c.cfg.TTL)
		ex.PartnerID = partnerID
		ex.PartnerContentRef = contentRef
		ex.State = store.ExchangeConfirmed
		ex.ConfirmedAt = &now
		ex.ExpiresAt = &expires
		return true, nil
	})
	if err != nil {
		return err
	}

	c.logger.Info("exchange confirmed",
		"exchange_id", ex.ID,
		"requester", ex.RequesterID,
		"partner", ex.PartnerID,
		"expires_at", ex.ExpiresAt)

	c.enqueueTasks(ctx, ex)
	c.publish(ctx, events.TypeConfirmed, ex)
	return nil
}

// RecordTurnResult applies one side's automation outcome. Completion is
// computed from stored state, so concurrent or duplicate reports converge.
func (c *Coordinator) RecordTurnResult(ctx context.Context, exchangeID string, side store.Side, success bool, errInfo string) error {
	if !side.Valid() {
		return apperr.Validation(apperr.CodeInvalidInput, fmt.Sprintf("unknown side %q", side))
	}

	ex, changed, err := c.mutate(ctx, exchangeID, func(ex *store.Exchange) (bool, error) {
		if ex.State.Terminal() {
			return false, nil
		}
		if ex.State == store.ExchangePending {
			return false, apperr.Validation(apperr.CodeInvalidInput, "exchange is not confirmed")
		}

		now := c.now()
		if !success {
			ex.State = store.ExchangeCancelled
			ex.FailedSide = side
			ex.EndedAt = &now
			ex.Reason = errInfo
			return true, nil
		}

		mine, theirs := &ex.RequesterTurnDoneAt, &ex.PartnerTurnDoneAt
		if side == store.SidePartner {
			mine, theirs = theirs, mine
		}
		if *mine != nil {
			return false, nil
		}
		*mine = &now

		if *theirs == nil {
			if side == store.SideRequester {
				ex.State = store.ExchangeRequesterTurnDone
			} else {
				ex.State = store.ExchangePartnerTurnDone
			}
			return true, nil
		}

		completed := c.now()
		latest := now
		if (*theirs).After(latest) {
			latest = **theirs
		}
		if !completed.After(latest) {
			completed = latest.Add(time.Millisecond)
		}
		ex.State = store.ExchangeCompleted
		ex.CompletedAt = &completed
		return true, nil
	})
	if err != nil {
		return err
	}
	if !changed {
		c.logger.Debug("turn result ignored", "exchange_id", exchangeID, "side", side, "state", ex.State)
		return nil
	}

	switch ex.State {
	case store.ExchangeCompleted:
		c.logger.Info("exchange completed", "exchange_id", ex.ID)
		c.publish(ctx, events.TypeCompleted, ex)
	case store.ExchangeCancelled:
		c.logger.Warn("exchange failed", "exchange_id", ex.ID, "failed_side", side, "reason", errInfo)
		c.cancelTasks(ctx, ex.ID)
		c.publish(ctx, events.TypeFailed, ex)
	default:
		// Turn progress stays private until the reciprocal turn lands.
		c.logger.Info("turn recorded", "exchange_id", ex.ID, "side", side)
	}
	return nil
}

// ExpireStaleExchanges moves live exchanges past their deadline to EXPIRED and
// re-enqueues missing tasks for confirmed ones. Returns how many expired.
func (c *Coordinator) ExpireStaleExchanges(ctx context.Context) (int, error) {
	now := c.now()

	var due []*store.Exchange
	err := c.withStorage(ctx, "list stale exchanges", func() error {
		var err error
		due, err = store.ListExchanges(ctx, c.gw, store.ListFilter{
			Status:   store.LiveExchangeStates,
			AtBefore: now,
		})
		return err
	})
	if err != nil {
		return 0, err
	}

	var (
		expired int
		errs    []error
	)
	for _, stale := range due {
		ex, changed, err := c.mutate(ctx, stale.ID, func(ex *store.Exchange) (bool, error) {
			if ex.State.Terminal() {
				return false, nil
			}
			deadline := ex.ExpiresAt
			if ex.State == store.ExchangePending {
				deadline = ex.OfferExpiresAt
			}
			if deadline == nil || now.Before(*deadline) {
				return false, nil
			}
			ex.State = store.ExchangeExpired
			ex.EndedAt = &now
			ex.Reason = "deadline passed"
			return true, nil
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("expiring %s: %w", stale.ID, err))
			continue
		}
		if !changed {
			continue
		}
		expired++
		c.logger.Info("exchange expired", "exchange_id", ex.ID, "matched", ex.PartnerID != "")
		if ex.PartnerID != "" {
			c.cancelTasks(ctx, ex.ID)
		}
		c.publish(ctx, events.TypeExpired, ex)
	}

	if err := c.repairMatched(ctx); err != nil {
		errs = append(errs, err)
	}
	return expired, errors.Join(errs...)
}

// repairMatched re-enqueues tasks for confirmed exchanges. Enqueue is
// create-if-absent, so this only fills gaps left by a crash after confirmation.
func (c *Coordinator) repairMatched(ctx context.Context) error {
	var matched []*store.Exchange
	err := c.withStorage(ctx, "list matched exchanges", func() error {
		var err error
		matched, err = store.ListExchanges(ctx, c.gw, store.ListFilter{Status: store.MatchedExchangeStates})
		return err
	})
	if err != nil {
		return err
	}
	for _, ex := range matched {
		c.enqueueTasks(ctx, ex)
	}
	return nil
}

// CancelExchange aborts an exchange on behalf of one participant. A matched
// exchange can only be cancelled before either turn has completed, so nobody
// can walk away after the other side's action already landed.
func (c *Coordinator) CancelExchange(ctx context.Context, exchangeID, participantID string) error {
	return c.cancel(ctx, exchangeID, participantID, false)
}

// WithdrawOffer cancels the participant's own offer only while it is still
// PENDING. Returns AlreadyMatched when someone accepted it first.
func (c *Coordinator) WithdrawOffer(ctx context.Context, exchangeID, participantID string) error {
	return c.cancel(ctx, exchangeID, participantID, true)
}

func (c *Coordinator) cancel(ctx context.Context, exchangeID, participantID string, pendingOnly bool) error {
	ex, _, err := c.mutate(ctx, exchangeID, func(ex *store.Exchange) (bool, error) {
		if ex.State.Terminal() {
			return false, apperr.Conflict(apperr.CodeAlreadyFinished, "exchange already finished")
		}
		if _, ok := ex.Participant(participantID); !ok {
			return false, apperr.Validation(apperr.CodeInvalidInput, "not a participant of this exchange")
		}
		if ex.State != store.ExchangePending && (pendingOnly || ex.State != store.ExchangeConfirmed) {
			return false, apperr.Conflict(apperr.CodeAlreadyMatched, "exchange is already under way")
		}
		now := c.now()
		ex.State = store.ExchangeCancelled
		ex.CancelledBy = participantID
		ex.EndedAt = &now
		ex.Reason = "cancelled by participant"
		return true, nil
	})
	if err != nil {
		return err
	}

	c.logger.Info("exchange cancelled", "exchange_id", ex.ID, "by", participantID)
	if ex.PartnerID != "" {
		c.cancelTasks(ctx, ex.ID)
	}
	c.publish(ctx, events.TypeCancelled, ex)
	return nil
}

// GetExchange returns the stored exchange.
func (c *Coordinator) GetExchange(ctx context.Context, exchangeID string) (*store.Exchange, error) {
	var ex *store.Exchange
	err := c.withStorage(ctx, "get exchange", func() error {
		var err error
		ex, err = store.GetExchange(ctx, c.gw, exchangeID)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("exchange does not exist")
	}
	return ex, err
}

// ListOpenOffers returns PENDING offers not made by exclude, oldest deadline first.
func (c *Coordinator) ListOpenOffers(ctx context.Context, exclude string, limit int) ([]*store.Exchange, error) {
	var pending []*store.Exchange
	err := c.withStorage(ctx, "list offers", func() error {
		var err error
		pending, err = store.ListExchanges(ctx, c.gw, store.ListFilter{
			Status: []string{string(store.ExchangePending)},
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	now := c.now()
	out := make([]*store.Exchange, 0, len(pending))
	for _, ex := range pending {
		if ex.RequesterID == exclude {
			continue
		}
		if ex.OfferExpiresAt != nil && !now.Before(*ex.OfferExpiresAt) {
			continue
		}
		out = append(out, ex)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// DailyCounts reports live exchanges plus those completed or expired on day (UTC).
func (c *Coordinator) DailyCounts(ctx context.Context, day time.Time) (Counts, error) {
	var counts Counts
	err := c.withStorage(ctx, "count exchanges", func() error {
		live, err := c.gw.List(ctx, store.CollectionExchanges, store.ListFilter{Status: store.LiveExchangeStates})
		if err != nil {
			return err
		}
		completed, err := c.gw.List(ctx, store.CollectionExchanges, store.ListFilter{
			Status: []string{string(store.ExchangeCompleted)},
			Ref:    store.Day(day),
		})
		if err != nil {
			return err
		}
		expired, err := c.gw.List(ctx, store.CollectionExchanges, store.ListFilter{
			Status: []string{string(store.ExchangeExpired)},
			Ref:    store.Day(day),
		})
		if err != nil {
			return err
		}
		counts = Counts{Active: len(live), CompletedToday: len(completed), ExpiredToday: len(expired)}
		return nil
	})
	return counts, err
}

// Start runs ExpireStaleExchanges every SweepInterval until Stop.
func (c *Coordinator) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.sweepCancel = cancel

	c.sweepWG.Add(1)
	go func() {
		defer c.sweepWG.Done()
		ticker := time.NewTicker(c.cfg.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := c.ExpireStaleExchanges(ctx)
				if err != nil && ctx.Err() == nil {
					c.logger.Error("expiry sweep failed", "error", err)
				}
				if n > 0 {
					c.logger.Info("expiry sweep", "expired", n)
				}
			}
		}
	}()

	c.logger.Info("expiry sweeper started", "interval", c.cfg.SweepInterval)
	return nil
}

// Stop halts the sweeper and waits for an in-progress sweep to return.
func (c *Coordinator) Stop(ctx context.Context) error {
	if c.sweepCancel == nil {
		return nil
	}
	c.sweepCancel()

	done := make(chan struct{})
	go func() {
		c.sweepWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// mutate loads the exchange, applies fn and writes it back under
// compare-and-swap, re-reading on conflict. fn reports whether it changed ex.
func (c *Coordinator) mutate(ctx context.Context, id string, fn func(ex *store.Exchange) (bool, error)) (*store.Exchange, bool, error) {
	for range maxConflictRetries {
		var ex *store.Exchange
		err := c.withStorage(ctx, "load exchange", func() error {
			var err error
			ex, err = store.GetExchange(ctx, c.gw, id)
			return err
		})
		if errors.Is(err, store.ErrNotFound) {
			return nil, false, apperr.NotFound("exchange does not exist")
		}
		if err != nil {
			return nil, false, err
		}

		changed, err := fn(ex)
		if err != nil || !changed {
			return ex, false, err
		}

		err = c.withStorage(ctx, "save exchange", func() error {
			return store.SaveExchange(ctx, c.gw, ex)
		})
		if errors.Is(err, store.ErrConflict) {
			c.logger.Debug("exchange write conflict, retrying", "exchange_id", id)
			continue
		}
		if err != nil {
			return nil, false, err
		}
		return ex, true, nil
	}
	return nil, false, apperr.Conflict(apperr.CodeContention, "exchange is being updated concurrently")
}

// withStorage retries transient storage failures with bounded backoff.
// Not-found and conflict results are returned immediately for the caller to decide.
func (c *Coordinator) withStorage(ctx context.Context, op string, fn func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.cfg.StorageRetryBase
	eb.MaxInterval = 16 * c.cfg.StorageRetryBase
	eb.MaxElapsedTime = 0
	eb.Reset()

	var attempts int
	err := backoff.Retry(func() error {
		attempts++
		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrConflict) || apperr.KindOf(err) != "" {
			return backoff.Permanent(err)
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		c.logger.Warn("storage call failed", "op", op, "attempt", attempts, "error", err)
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(eb, c.cfg.StorageRetries), ctx))
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrConflict) || apperr.KindOf(err) != "" {
		return err
	}
	return apperr.StorageUnavailable(op, err)
}

func (c *Coordinator) enqueueTasks(ctx context.Context, ex *store.Exchange) {
	q := c.taskQueue()
	if q == nil {
		c.logger.Warn("no task queue wired, tasks left for repair", "exchange_id", ex.ID)
		return
	}
	for _, task := range c.tasksFor(ex) {
		if err := q.Enqueue(ctx, task); err != nil {
			c.logger.Error("failed to enqueue task, sweep will retry",
				"exchange_id", ex.ID,
				"task_id", task.ID,
				"error", err)
		}
	}
}

// tasksFor builds one task per side whose turn is still outstanding. Each
// side acts on the other side's content.
func (c *Coordinator) tasksFor(ex *store.Exchange) []*store.ExecutionTask {
	now := c.now()
	build := func(side store.Side, identity, contentRef string) *store.ExecutionTask {
		return &store.ExecutionTask{
			ID:          store.TaskID(ex.ID, side),
			ExchangeID:  ex.ID,
			Side:        side,
			Identity:    identity,
			ContentRef:  contentRef,
			ActionType:  c.cfg.ActionType,
			MaxAttempts: c.cfg.MaxAttempts,
			Status:      store.TaskQueued,
			ScheduledAt: now,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
	}

	var tasks []*store.ExecutionTask
	if ex.RequesterTurnDoneAt == nil {
		tasks = append(tasks, build(store.SideRequester, ex.RequesterID, ex.PartnerContentRef))
	}
	if ex.PartnerTurnDoneAt == nil {
		tasks = append(tasks, build(store.SidePartner, ex.PartnerID, ex.RequesterContentRef))
	}
	return tasks
}

func (c *Coordinator) cancelTasks(ctx context.Context, exchangeID string) {
	q := c.taskQueue()
	if q == nil {
		return
	}
	if err := q.CancelExchange(ctx, exchangeID); err != nil {
		c.logger.Error("failed to cancel tasks, executor will skip them", "exchange_id", exchangeID, "error", err)
	}
}

func (c *Coordinator) publish(ctx context.Context, typ events.Type, ex *store.Exchange) {
	if c.pub == nil {
		return
	}
	ev := &events.Event{
		ID:          uuid.New().String(),
		Type:        typ,
		ExchangeID:  ex.ID,
		RequesterID: ex.RequesterID,
		PartnerID:   ex.PartnerID,
		FailedSide:  ex.FailedSide,
		CancelledBy: ex.CancelledBy,
		At:          c.now(),
	}
	if err := c.pub.Publish(ctx, ev); err != nil {
		c.logger.Error("failed to publish event", "type", typ, "exchange_id", ex.ID, "error", err)
	}
}
