// ABOUTME: Tests for the ExchangeCoordinator lifecycle and fairness rules
// ABOUTME: Uses the mock store, a fake task queue, and a controllable clock

package exchange

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/reciprocity-gateway/internal/apperr"
	"github.com/2389/reciprocity-gateway/internal/automation"
	"github.com/2389/reciprocity-gateway/internal/events"
	"github.com/2389/reciprocity-gateway/internal/executor"
	"github.com/2389/reciprocity-gateway/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
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

type fakeQueue struct {
	mu        sync.Mutex
	tasks     map[string]*store.ExecutionTask
	cancelled []string
	failWith  error
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{tasks: make(map[string]*store.ExecutionTask)}
}

func (q *fakeQueue) Enqueue(_ context.Context, task *store.ExecutionTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failWith != nil {
		return q.failWith
	}
	if _, ok := q.tasks[task.ID]; !ok {
		q.tasks[task.ID] = task
	}
	return nil
}

func (q *fakeQueue) CancelExchange(_ context.Context, exchangeID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cancelled = append(q.cancelled, exchangeID)
	return nil
}

func (q *fakeQueue) task(id string) *store.ExecutionTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tasks[id]
}

type recorder struct {
	mu     sync.Mutex
	events []*events.Event
}

func (r *recorder) Publish(_ context.Context, ev *events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Type, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func (r *recorder) last() *events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

type harness struct {
	c     *Coordinator
	gw    *store.MockStore
	queue *fakeQueue
	pub   *recorder
	clock *fakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gw := store.NewMockStore()
	pub := &recorder{}
	clock := &fakeClock{now: time.Date(2026, 4, 10, 9, 0, 0, 0, time.UTC)}

	c := New(gw, pub, Config{
		TTL:              60 * time.Second,
		PendingTTL:       time.Hour,
		MaxAttempts:      3,
		StorageRetries:   2,
		StorageRetryBase: time.Millisecond,
	}, nil)
	c.now = clock.Now

	q := newFakeQueue()
	c.SetTaskQueue(q)
	return &harness{c: c, gw: gw, queue: q, pub: pub, clock: clock}
}

// confirmed creates A's offer for videoA and has B accept it with videoB.
func (h *harness) confirmed(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	id, err := h.c.CreateExchange(ctx, "A", "videoA")
	require.NoError(t, err)
	require.NoError(t, h.c.AcceptExchange(ctx, id, "B", "videoB"))
	return id
}

func (h *harness) get(t *testing.T, id string) *store.Exchange {
	t.Helper()
	ex, err := store.GetExchange(context.Background(), h.gw, id)
	require.NoError(t, err)
	return ex
}

func TestCreateExchange_RejectsEmptyContent(t *testing.T) {
	h := newHarness(t)
	_, err := h.c.CreateExchange(context.Background(), "A", "   ")
	assert.ErrorIs(t, err, apperr.ErrInvalidContent)
}

func TestCreateExchange_Pending(t *testing.T) {
	h := newHarness(t)
	id, err := h.c.CreateExchange(context.Background(), "A", "videoA")
	require.NoError(t, err)

	ex := h.get(t, id)
	assert.Equal(t, store.ExchangePending, ex.State)
	assert.Nil(t, ex.ExpiresAt, "expiresAt is only set at confirmation")
	require.NotNil(t, ex.OfferExpiresAt)
	assert.Equal(t, h.clock.Now().Add(time.Hour), *ex.OfferExpiresAt)
}

func TestAcceptExchange_ConfirmsAndEnqueuesBothSides(t *testing.T) {
	h := newHarness(t)
	id := h.confirmed(t)

	ex := h.get(t, id)
	assert.Equal(t, store.ExchangeConfirmed, ex.State)
	require.NotNil(t, ex.ExpiresAt)
	assert.Equal(t, h.clock.Now().Add(60*time.Second), *ex.ExpiresAt)

	reqTask := h.queue.task(store.TaskID(id, store.SideRequester))
	require.NotNil(t, reqTask)
	assert.Equal(t, "A", reqTask.Identity)
	assert.Equal(t, "videoB", reqTask.ContentRef, "requester acts on the partner's content")
	assert.Equal(t, 3, reqTask.MaxAttempts)

	partnerTask := h.queue.task(store.TaskID(id, store.SidePartner))
	require.NotNil(t, partnerTask)
	assert.Equal(t, "B", partnerTask.Identity)
	assert.Equal(t, "videoA", partnerTask.ContentRef)

	assert.Equal(t, []events.Type{events.TypeConfirmed}, h.pub.types())
}

func TestAcceptExchange_TwiceReturnsAlreadyMatched(t *testing.T) {
	h := newHarness(t)
	id := h.confirmed(t)
	before := h.get(t, id)

	err := h.c.AcceptExchange(context.Background(), id, "C", "videoC")
	assert.ErrorIs(t, err, apperr.ErrAlreadyMatched)

	after := h.get(t, id)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, "B", after.PartnerID)
}

func TestAcceptExchange_Errors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	err := h.c.AcceptExchange(ctx, "missing", "B", "videoB")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	id, err := h.c.CreateExchange(ctx, "A", "videoA")
	require.NoError(t, err)

	err = h.c.AcceptExchange(ctx, id, "A", "videoA2")
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	err = h.c.AcceptExchange(ctx, id, "B", "")
	assert.ErrorIs(t, err, apperr.ErrInvalidContent)

	h.clock.Advance(2 * time.Hour)
	err = h.c.AcceptExchange(ctx, id, "B", "videoB")
	assert.ErrorIs(t, err, apperr.ErrNotFound, "lapsed offers cannot be accepted")
}

func TestRecordTurnResult_BothSucceedCompletes(t *testing.T) {
	for _, order := range [][]store.Side{
		{store.SideRequester, store.SidePartner},
		{store.SidePartner, store.SideRequester},
	} {
		t.Run(string(order[0])+"-first", func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			id := h.confirmed(t)

			require.NoError(t, h.c.RecordTurnResult(ctx, id, order[0], true, ""))
			assert.Equal(t, []events.Type{events.TypeConfirmed}, h.pub.types(), "no event before the reciprocal turn")

			require.NoError(t, h.c.RecordTurnResult(ctx, id, order[1], true, ""))

			ex := h.get(t, id)
			assert.Equal(t, store.ExchangeCompleted, ex.State)
			require.NotNil(t, ex.RequesterTurnDoneAt)
			require.NotNil(t, ex.PartnerTurnDoneAt)
			require.NotNil(t, ex.CompletedAt)
			assert.True(t, ex.CompletedAt.After(*ex.RequesterTurnDoneAt))
			assert.True(t, ex.CompletedAt.After(*ex.PartnerTurnDoneAt))

			assert.Equal(t, []events.Type{events.TypeConfirmed, events.TypeCompleted}, h.pub.types())
		})
	}
}

func TestRecordTurnResult_DuplicateIsNoOp(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.confirmed(t)

	require.NoError(t, h.c.RecordTurnResult(ctx, id, store.SideRequester, true, ""))
	first := h.get(t, id)

	h.clock.Advance(time.Second)
	require.NoError(t, h.c.RecordTurnResult(ctx, id, store.SideRequester, true, ""))
	again := h.get(t, id)

	assert.Equal(t, first.Version, again.Version)
	assert.Equal(t, store.ExchangeRequesterTurnDone, again.State)
}

func TestRecordTurnResult_ConcurrentReportsConverge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.confirmed(t)

	var wg sync.WaitGroup
	for range 4 {
		for _, side := range []store.Side{store.SideRequester, store.SidePartner} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, h.c.RecordTurnResult(ctx, id, side, true, ""))
			}()
		}
	}
	wg.Wait()

	assert.Equal(t, store.ExchangeCompleted, h.get(t, id).State)
	completions := 0
	for _, typ := range h.pub.types() {
		if typ == events.TypeCompleted {
			completions++
		}
	}
	assert.Equal(t, 1, completions)
}

func TestRecordTurnResult_TerminalFailureCancels(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.confirmed(t)

	require.NoError(t, h.c.RecordTurnResult(ctx, id, store.SideRequester, true, ""))
	require.NoError(t, h.c.RecordTurnResult(ctx, id, store.SidePartner, false, "content removed"))

	ex := h.get(t, id)
	assert.Equal(t, store.ExchangeCancelled, ex.State)
	assert.Equal(t, store.SidePartner, ex.FailedSide)
	assert.NotNil(t, ex.EndedAt)
	assert.Nil(t, ex.CompletedAt)
	assert.Equal(t, []string{id}, h.queue.cancelled)

	ev := h.pub.last()
	assert.Equal(t, events.TypeFailed, ev.Type)
	assert.Equal(t, "B", ev.FailedParticipant())
}

func TestTerminalExchange_IgnoresLaterCalls(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.confirmed(t)
	require.NoError(t, h.c.RecordTurnResult(ctx, id, store.SidePartner, false, "boom"))
	before := h.get(t, id)
	eventsBefore := len(h.pub.types())

	require.NoError(t, h.c.RecordTurnResult(ctx, id, store.SideRequester, true, ""))
	require.NoError(t, h.c.RecordTurnResult(ctx, id, store.SidePartner, false, "boom"))
	assert.ErrorIs(t, h.c.AcceptExchange(ctx, id, "C", "videoC"), apperr.ErrAlreadyMatched)

	after := h.get(t, id)
	assert.Equal(t, before.Version, after.Version)
	assert.Nil(t, after.RequesterTurnDoneAt)
	assert.Len(t, h.pub.types(), eventsBefore)
}

func TestRecordTurnResult_InvalidSide(t *testing.T) {
	h := newHarness(t)
	id := h.confirmed(t)
	err := h.c.RecordTurnResult(context.Background(), id, "observer", true, "")
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestExpireStaleExchanges_ConfirmedPastTTL(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.confirmed(t)
	confirmedExpiry := *h.get(t, id).ExpiresAt

	n, err := h.c.ExpireStaleExchanges(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.clock.Advance(61 * time.Second)
	n, err = h.c.ExpireStaleExchanges(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ex := h.get(t, id)
	assert.Equal(t, store.ExchangeExpired, ex.State)
	assert.Equal(t, confirmedExpiry, *ex.ExpiresAt, "expiresAt is immutable")
	assert.Contains(t, h.queue.cancelled, id)
	assert.Equal(t, events.TypeExpired, h.pub.last().Type)

	// A second sweep finds nothing
	n, err = h.c.ExpireStaleExchanges(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestExpireStaleExchanges_LapsedOffer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id, err := h.c.CreateExchange(ctx, "A", "videoA")
	require.NoError(t, err)

	h.clock.Advance(time.Hour)
	n, err := h.c.ExpireStaleExchanges(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ex := h.get(t, id)
	assert.Equal(t, store.ExchangeExpired, ex.State)
	assert.Nil(t, ex.ExpiresAt)
	assert.Empty(t, h.queue.cancelled, "an unmatched offer has no tasks")
}

func TestExpireStaleExchanges_RepairsMissingTasks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.queue.failWith = errors.New("queue offline")
	id := h.confirmed(t)
	assert.Nil(t, h.queue.task(store.TaskID(id, store.SideRequester)))

	require.NoError(t, h.c.RecordTurnResult(ctx, id, store.SidePartner, true, ""))

	h.queue.failWith = nil
	_, err := h.c.ExpireStaleExchanges(ctx)
	require.NoError(t, err)

	assert.NotNil(t, h.queue.task(store.TaskID(id, store.SideRequester)))
	assert.Nil(t, h.queue.task(store.TaskID(id, store.SidePartner)), "finished turns are not re-enqueued")
}

func TestCancelExchange(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.confirmed(t)

	err := h.c.CancelExchange(ctx, id, "mallory")
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	require.NoError(t, h.c.CancelExchange(ctx, id, "B"))
	ex := h.get(t, id)
	assert.Equal(t, store.ExchangeCancelled, ex.State)
	assert.Equal(t, "B", ex.CancelledBy)
	assert.Contains(t, h.queue.cancelled, id)
	assert.Equal(t, events.TypeCancelled, h.pub.last().Type)

	assert.ErrorIs(t, h.c.CancelExchange(ctx, id, "A"), apperr.ErrAlreadyFinished)
}

func TestCancelExchange_RefusedAfterATurnLanded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.confirmed(t)
	require.NoError(t, h.c.RecordTurnResult(ctx, id, store.SideRequester, true, ""))

	assert.ErrorIs(t, h.c.CancelExchange(ctx, id, "B"), apperr.ErrAlreadyMatched)
	assert.Equal(t, store.ExchangeRequesterTurnDone, h.get(t, id).State)
}

func TestWithdrawOffer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	open, err := h.c.CreateExchange(ctx, "A", "videoA")
	require.NoError(t, err)
	require.NoError(t, h.c.WithdrawOffer(ctx, open, "A"))
	assert.Equal(t, store.ExchangeCancelled, h.get(t, open).State)

	matched := h.confirmed(t)
	assert.ErrorIs(t, h.c.WithdrawOffer(ctx, matched, "A"), apperr.ErrAlreadyMatched)
	assert.Equal(t, store.ExchangeConfirmed, h.get(t, matched).State)
}

func TestStorageOutageFailsClosed(t *testing.T) {
	h := newHarness(t)
	h.gw.FailWith(errors.New("connection refused"))

	_, err := h.c.CreateExchange(context.Background(), "A", "videoA")
	assert.ErrorIs(t, err, apperr.ErrStorageUnavailable)
	assert.Empty(t, h.pub.types())
}

func TestListOpenOffers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	own, err := h.c.CreateExchange(ctx, "A", "videoA")
	require.NoError(t, err)
	other, err := h.c.CreateExchange(ctx, "C", "videoC")
	require.NoError(t, err)
	h.confirmed(t)

	offers, err := h.c.ListOpenOffers(ctx, "A", 10)
	require.NoError(t, err)
	require.Len(t, offers, 1)
	assert.Equal(t, other, offers[0].ID)
	assert.NotEqual(t, own, offers[0].ID)

	h.clock.Advance(2 * time.Hour)
	offers, err = h.c.ListOpenOffers(ctx, "A", 10)
	require.NoError(t, err)
	assert.Empty(t, offers)
}

func TestDailyCounts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	done := h.confirmed(t)
	require.NoError(t, h.c.RecordTurnResult(ctx, done, store.SideRequester, true, ""))
	require.NoError(t, h.c.RecordTurnResult(ctx, done, store.SidePartner, true, ""))

	h.confirmed(t)
	_, err := h.c.CreateExchange(ctx, "D", "videoD")
	require.NoError(t, err)

	counts, err := h.c.DailyCounts(ctx, h.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, Counts{Active: 2, CompletedToday: 1, ExpiredToday: 0}, counts)

	h.clock.Advance(61 * time.Second)
	_, err = h.c.ExpireStaleExchanges(ctx)
	require.NoError(t, err)

	counts, err = h.c.DailyCounts(ctx, h.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, Counts{Active: 1, CompletedToday: 1, ExpiredToday: 1}, counts)
}

func TestStartStopSweeper(t *testing.T) {
	h := newHarness(t)
	h.c.cfg.SweepInterval = 5 * time.Millisecond
	id := h.confirmed(t)
	h.clock.Advance(time.Minute + time.Second)

	require.NoError(t, h.c.Start(context.Background()))
	assert.Eventually(t, func() bool {
		return h.get(t, id).State == store.ExchangeExpired
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, h.c.Stop(ctx))
}

// failOnceQueue loses the first task cancellation, then defers to the executor.
type failOnceQueue struct {
	*executor.Executor
	failed atomic.Bool
}

func (q *failOnceQueue) CancelExchange(ctx context.Context, exchangeID string) error {
	if q.failed.CompareAndSwap(false, true) {
		return apperr.StorageUnavailable("cancelling tasks", errors.New("storage blip"))
	}
	return q.Executor.CancelExchange(ctx, exchangeID)
}

type countingBackend struct {
	calls atomic.Int32
}

func (b *countingBackend) PerformAction(context.Context, automation.ActionRequest) error {
	b.calls.Add(1)
	return nil
}

func TestLostTaskCancellation_NoCallForEndedExchange(t *testing.T) {
	gw := store.NewMockStore()
	ctx := context.Background()
	c := New(gw, &recorder{}, Config{
		TTL:              time.Minute,
		MaxAttempts:      3,
		StorageRetries:   1,
		StorageRetryBase: time.Millisecond,
	}, nil)
	backend := &countingBackend{}
	exec := executor.New(gw, backend, c, executor.Config{
		PollInterval:  5 * time.Millisecond,
		SweepInterval: time.Hour,
	}, nil)
	c.SetTaskQueue(&failOnceQueue{Executor: exec})

	id, err := c.CreateExchange(ctx, "A", "videoA")
	require.NoError(t, err)
	require.NoError(t, c.AcceptExchange(ctx, id, "B", "videoB"))
	require.NoError(t, c.RecordTurnResult(ctx, id, store.SidePartner, false, "account suspended"))
	_, err = c.ExpireStaleExchanges(ctx)
	require.NoError(t, err)

	ex, err := store.GetExchange(ctx, gw, id)
	require.NoError(t, err)
	require.Equal(t, store.ExchangeCancelled, ex.State)
	task, err := store.GetTask(ctx, gw, store.TaskID(id, store.SideRequester))
	require.NoError(t, err)
	require.Equal(t, store.TaskQueued, task.Status, "the cancellation was lost")

	require.NoError(t, exec.Start(ctx))
	t.Cleanup(func() {
		dctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = exec.Drain(dctx)
	})

	for _, side := range []store.Side{store.SideRequester, store.SidePartner} {
		require.Eventually(t, func() bool {
			task, err := store.GetTask(ctx, gw, store.TaskID(id, side))
			return err == nil && task.Status == store.TaskCancelled
		}, 2*time.Second, 5*time.Millisecond, "side %s", side)
	}
	assert.Zero(t, backend.calls.Load(), "no platform action for an ended exchange")
}
