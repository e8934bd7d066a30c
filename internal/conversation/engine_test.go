// ABOUTME: Tests for the ConversationEngine against a real coordinator over the mock store
// ABOUTME: Covers the happy path, failure notices, reconcile, dedupe, cancel and per-chat ordering

package conversation

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/reciprocity-gateway/internal/events"
	"github.com/2389/reciprocity-gateway/internal/exchange"
	"github.com/2389/reciprocity-gateway/internal/store"
)

type recordingSender struct {
	mu   sync.Mutex
	sent map[string][]string
}

func (s *recordingSender) SendMessage(_ context.Context, chatID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sent == nil {
		s.sent = make(map[string][]string)
	}
	s.sent[chatID] = append(s.sent[chatID], text)
	return nil
}

func (s *recordingSender) got(chatID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.sent[chatID])
}

type harness struct {
	engine *Engine
	coord  *exchange.Coordinator
	gw     *store.MockStore
	sender *recordingSender
	seq    int
}

func newHarness(t *testing.T, withEvents bool, coordCfg exchange.Config) *harness {
	t.Helper()
	gw := store.NewMockStore()
	bus := events.NewBus(nil)
	coord := exchange.New(gw, bus, coordCfg, nil)

	sender := &recordingSender{}
	engine := New(gw, coord, sender, Config{ReconcileInterval: time.Hour}, nil)

	var source EventSource
	if withEvents {
		source = bus
	}
	require.NoError(t, engine.Start(context.Background(), source))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		assert.NoError(t, engine.Stop(ctx))
		bus.Close()
	})
	return &harness{engine: engine, coord: coord, gw: gw, sender: sender}
}

func defaultCoord() exchange.Config {
	return exchange.Config{TTL: time.Hour, PendingTTL: time.Hour, StorageRetryBase: time.Millisecond}
}

// say sends text into chatID as participant and returns the replies.
func (h *harness) say(t *testing.T, chatID, participant, text string) []string {
	t.Helper()
	h.seq++
	replies, err := h.engine.HandleMessage(context.Background(), chatID, participant, fmt.Sprintf("$m%d", h.seq), text)
	require.NoError(t, err)
	return replies
}

func (h *harness) state(t *testing.T, chatID string) *store.ConversationState {
	t.Helper()
	cs, err := store.GetConversation(context.Background(), h.gw, chatID)
	require.NoError(t, err)
	assertPhaseInvariant(t, cs)
	return cs
}

func assertPhaseInvariant(t *testing.T, cs *store.ConversationState) {
	t.Helper()
	assert.Equal(t, cs.Phase == store.PhaseInExchange, cs.ActiveExchangeID != "", "active id iff IN_EXCHANGE")
	if cs.PendingExchangeID != "" {
		assert.Equal(t, store.PhaseAwaitingMatch, cs.Phase)
	}
}

// offer walks chatID through start and a link, returning the new offer id.
func (h *harness) offer(t *testing.T, chatID, participant, link string) string {
	t.Helper()
	assert.Equal(t, []string{msgSendLink}, h.say(t, chatID, participant, "start"))
	h.say(t, chatID, participant, link)
	cs := h.state(t, chatID)
	require.Equal(t, store.PhaseAwaitingMatch, cs.Phase)
	return cs.PendingExchangeID
}

func (h *harness) matched(t *testing.T) string {
	t.Helper()
	idA := h.offer(t, "!a", "A", "https://video.example/a")
	h.offer(t, "!b", "B", "https://video.example/b")

	replies := h.say(t, "!b", "B", "accept "+idA)
	require.Equal(t, []string{accepted(idA)}, replies)
	return idA
}

func (h *harness) waitFor(t *testing.T, chatID, text string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return slices.Contains(h.sender.got(chatID), text)
	}, 2*time.Second, 5*time.Millisecond, "chat %s never got %q; got %v", chatID, text, h.sender.got(chatID))
}

func TestEngine_UnknownInputReturnsHelp(t *testing.T) {
	h := newHarness(t, false, defaultCoord())

	assert.Equal(t, []string{msgHelp}, h.say(t, "!a", "A", "what is this"))
	assert.Equal(t, store.PhaseIdle, h.state(t, "!a").Phase)
}

func TestEngine_HappyPath(t *testing.T) {
	h := newHarness(t, true, defaultCoord())
	ctx := context.Background()

	id := h.matched(t)

	h.waitFor(t, "!a", msgMatched)
	assert.Eventually(t, func() bool {
		cs, err := store.GetConversation(ctx, h.gw, "!a")
		return err == nil && cs.Phase == store.PhaseInExchange && cs.ActiveExchangeID == id
	}, 2*time.Second, 5*time.Millisecond)

	b := h.state(t, "!b")
	assert.Equal(t, store.PhaseInExchange, b.Phase)
	assert.Equal(t, id, b.ActiveExchangeID)

	// B's own offer was withdrawn when B accepted.
	offers, err := h.coord.ListOpenOffers(ctx, "", 10)
	require.NoError(t, err)
	assert.Empty(t, offers)

	// A single confirmed turn reveals nothing.
	require.NoError(t, h.coord.RecordTurnResult(ctx, id, store.SideRequester, true, ""))
	assert.Equal(t, []string{msgStatusInFlight}, h.say(t, "!a", "A", "status"))

	require.NoError(t, h.coord.RecordTurnResult(ctx, id, store.SidePartner, true, ""))
	h.waitFor(t, "!a", msgCompleted)
	h.waitFor(t, "!b", msgCompleted)

	require.Eventually(t, func() bool {
		a, errA := store.GetConversation(ctx, h.gw, "!a")
		b, errB := store.GetConversation(ctx, h.gw, "!b")
		return errA == nil && errB == nil && a.Phase == store.PhaseIdle && b.Phase == store.PhaseIdle
	}, 2*time.Second, 5*time.Millisecond)
	assertPhaseInvariant(t, h.state(t, "!a"))
}

func TestEngine_PartnerFailureNotifiesBothDistinctly(t *testing.T) {
	h := newHarness(t, true, defaultCoord())
	ctx := context.Background()

	id := h.matched(t)
	require.NoError(t, h.coord.RecordTurnResult(ctx, id, store.SideRequester, true, ""))
	require.NoError(t, h.coord.RecordTurnResult(ctx, id, store.SidePartner, false, "account suspended"))

	h.waitFor(t, "!a", msgPartnerFailure)
	h.waitFor(t, "!b", msgYourFailure)
	assert.NotContains(t, h.sender.got("!a"), msgCompleted)

	// A can re-offer the same link straight away.
	require.Eventually(t, func() bool {
		cs, err := store.GetConversation(ctx, h.gw, "!a")
		return err == nil && cs.Phase == store.PhaseIdle
	}, 2*time.Second, 5*time.Millisecond)
	replies := h.say(t, "!a", "A", "rematch")
	require.Len(t, replies, 1)
	cs := h.state(t, "!a")
	assert.Equal(t, store.PhaseAwaitingMatch, cs.Phase)
	assert.NotEqual(t, id, cs.PendingExchangeID)
	assert.Equal(t, offerOpened(cs.PendingExchangeID), replies[0])
}

func TestEngine_ReconcilesOnNextMessageWithoutEvents(t *testing.T) {
	h := newHarness(t, false, defaultCoord())
	ctx := context.Background()

	id := h.matched(t)
	require.NoError(t, h.coord.RecordTurnResult(ctx, id, store.SidePartner, true, ""))
	require.NoError(t, h.coord.RecordTurnResult(ctx, id, store.SideRequester, true, ""))

	// A never saw the match or the completion; both arrive with the next message.
	assert.Equal(t, []string{msgCompleted, msgStatusIdle}, h.say(t, "!a", "A", "status"))
	assert.Equal(t, store.PhaseIdle, h.state(t, "!a").Phase)

	// Nothing is repeated afterwards.
	assert.Equal(t, []string{msgStatusIdle}, h.say(t, "!a", "A", "status"))
}

func TestEngine_ReconcileSweep(t *testing.T) {
	h := newHarness(t, false, defaultCoord())
	ctx := context.Background()

	id := h.matched(t)
	require.NoError(t, h.coord.CancelExchange(ctx, id, "B"))

	n, err := h.engine.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	h.waitFor(t, "!a", msgPartnerCancel)
	h.waitFor(t, "!b", msgExchangeCancelled)
}

func TestEngine_DuplicateMessageIgnored(t *testing.T) {
	h := newHarness(t, false, defaultCoord())
	ctx := context.Background()

	replies, err := h.engine.HandleMessage(ctx, "!a", "A", "$same", "start")
	require.NoError(t, err)
	assert.Equal(t, []string{msgSendLink}, replies)

	replies, err = h.engine.HandleMessage(ctx, "!a", "A", "$same", "start")
	require.NoError(t, err)
	assert.Empty(t, replies)
	assert.Equal(t, store.PhaseAwaitingContentLink, h.state(t, "!a").Phase)
}

func TestEngine_AcceptUnavailableOfferReopensOwn(t *testing.T) {
	h := newHarness(t, false, defaultCoord())

	own := h.offer(t, "!b", "B", "https://video.example/b")
	replies := h.say(t, "!b", "B", "accept missing-offer")

	cs := h.state(t, "!b")
	assert.Equal(t, store.PhaseAwaitingMatch, cs.Phase)
	assert.NotEqual(t, own, cs.PendingExchangeID)
	assert.Equal(t, []string{offerReopened(cs.PendingExchangeID)}, replies)
}

func TestEngine_AcceptOwnOffer(t *testing.T) {
	h := newHarness(t, false, defaultCoord())

	own := h.offer(t, "!a", "A", "https://video.example/a")
	assert.Equal(t, []string{msgOwnOffer}, h.say(t, "!a", "A", "accept "+own))
	assert.Equal(t, own, h.state(t, "!a").PendingExchangeID)
}

func TestEngine_InvalidLinkKeepsPhase(t *testing.T) {
	h := newHarness(t, false, exchange.Config{StorageRetryBase: time.Millisecond})

	h.say(t, "!a", "A", "start")
	assert.Equal(t, []string{msgHelp}, h.say(t, "!a", "A", "not a link"))
	assert.Equal(t, store.PhaseAwaitingContentLink, h.state(t, "!a").Phase)
}

func TestEngine_CancelFlows(t *testing.T) {
	h := newHarness(t, true, defaultCoord())

	h.say(t, "!c", "C", "start")
	assert.Equal(t, []string{msgCancelledSetup}, h.say(t, "!c", "C", "cancel"))
	assert.Equal(t, []string{msgNothingToCancel}, h.say(t, "!c", "C", "cancel"))

	h.offer(t, "!c", "C", "https://video.example/c")
	assert.Equal(t, []string{msgOfferWithdrawn}, h.say(t, "!c", "C", "cancel"))
	assert.Equal(t, store.PhaseIdle, h.state(t, "!c").Phase)

	id := h.matched(t)
	assert.Equal(t, []string{msgTooLateToCancel}, h.say(t, "!b", "B", "cancel"))
	assert.Equal(t, store.PhaseInExchange, h.state(t, "!b").Phase)
	ex, err := h.coord.GetExchange(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, store.ExchangeConfirmed, ex.State)
	assert.NotContains(t, h.sender.got("!a"), msgPartnerCancel)
}

func TestEngine_CancelReplyHidesTurnProgress(t *testing.T) {
	h := newHarness(t, false, defaultCoord())
	ctx := context.Background()

	id := h.matched(t)
	confirmed := h.say(t, "!b", "B", "cancel")
	require.NoError(t, h.coord.RecordTurnResult(ctx, id, store.SidePartner, true, ""))
	partnerDone := h.say(t, "!b", "B", "cancel")
	beforeA := h.say(t, "!a", "A", "cancel")

	assert.Equal(t, []string{msgTooLateToCancel}, confirmed)
	assert.Equal(t, confirmed, partnerDone, "B cannot tell that its own turn landed")
	assert.Equal(t, []string{msgMatched, msgTooLateToCancel}, beforeA)
	assert.Equal(t, store.PhaseInExchange, h.state(t, "!b").Phase)

	// Once the exchange ends, the outcome comes first and nothing is left to cancel.
	require.NoError(t, h.coord.RecordTurnResult(ctx, id, store.SideRequester, true, ""))
	assert.Equal(t, []string{msgCompleted, msgNothingToCancel}, h.say(t, "!b", "B", "cancel"))
	assert.Equal(t, store.PhaseIdle, h.state(t, "!b").Phase)
}

func TestEngine_OfferExpiryNotifies(t *testing.T) {
	h := newHarness(t, true, exchange.Config{TTL: time.Hour, PendingTTL: time.Millisecond, StorageRetryBase: time.Millisecond})

	h.offer(t, "!a", "A", "https://video.example/a")
	time.Sleep(5 * time.Millisecond)

	n, err := h.coord.ExpireStaleExchanges(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	h.waitFor(t, "!a", msgOfferExpired)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestEngine_ConfirmedExpiryNotifiesBoth(t *testing.T) {
	clock := &testClock{now: time.Now().UTC()}
	h := newHarness(t, true, exchange.Config{
		TTL:              60 * time.Second,
		PendingTTL:       time.Hour,
		StorageRetryBase: time.Millisecond,
		Now:              clock.Now,
	})
	ctx := context.Background()

	id := h.matched(t)
	h.waitFor(t, "!a", msgMatched)

	n, err := h.coord.ExpireStaleExchanges(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "still inside the TTL")

	clock.Advance(61 * time.Second)
	n, err = h.coord.ExpireStaleExchanges(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ex, err := h.coord.GetExchange(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.ExchangeExpired, ex.State)

	for _, chatID := range []string{"!a", "!b"} {
		h.waitFor(t, chatID, msgExpired)
		require.Eventually(t, func() bool {
			cs, err := store.GetConversation(ctx, h.gw, chatID)
			return err == nil && cs.Phase == store.PhaseIdle && cs.ActiveExchangeID == ""
		}, 2*time.Second, 5*time.Millisecond, "chat %s did not return to idle", chatID)
	}
}

func TestEngine_ListOffers(t *testing.T) {
	h := newHarness(t, false, defaultCoord())

	assert.Equal(t, []string{msgNoOffers}, h.say(t, "!b", "B", "offers"))

	id := h.offer(t, "!a", "A", "https://video.example/a")
	replies := h.say(t, "!b", "B", "offers")
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0], id)
	assert.Contains(t, replies[0], "https://video.example/a")

	// Own offers are not listed.
	assert.Equal(t, []string{msgNoOffers}, h.say(t, "!a", "A", "offers"))
}

func TestEngine_SameChatIsSerialized(t *testing.T) {
	h := newHarness(t, false, defaultCoord())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.HandleMessage(ctx, "!a", "A", fmt.Sprintf("$c%d", i), "status")
			assert.NoError(t, err, "single writer never conflicts")
		}()
	}
	wg.Wait()
}

func TestEngine_OnMessageSendsReplies(t *testing.T) {
	h := newHarness(t, false, defaultCoord())

	require.NoError(t, h.engine.OnMessage(context.Background(), "!a", "A", "$1", "help"))
	assert.Equal(t, []string{msgHelp}, h.sender.got("!a"))
}

func TestEngine_StopRejectsWork(t *testing.T) {
	gw := store.NewMockStore()
	coord := exchange.New(gw, nil, defaultCoord(), nil)
	e := New(gw, coord, &recordingSender{}, Config{}, nil)
	require.NoError(t, e.Start(context.Background(), nil))
	require.NoError(t, e.Stop(context.Background()))

	_, err := e.HandleMessage(context.Background(), "!a", "A", "$1", "help")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestEngine_StorageOutageAsksToRetry(t *testing.T) {
	h := newHarness(t, false, defaultCoord())
	h.gw.FailWith(assert.AnError)

	replies, err := h.engine.HandleMessage(context.Background(), "!a", "A", "$1", "start")
	assert.Error(t, err)
	assert.Equal(t, []string{msgTryAgain}, replies)

	// The failed message can be redelivered once storage is back.
	h.gw.FailWith(nil)
	replies, err = h.engine.HandleMessage(context.Background(), "!a", "A", "$1", "start")
	require.NoError(t, err)
	assert.Equal(t, []string{msgSendLink}, replies)
}
