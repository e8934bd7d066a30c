// ABOUTME: ConversationEngine drives one chat per participant through the exchange flow
// ABOUTME: Per-chat single-writer queues, inbound dedupe, event application and reconciliation

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/reciprocity-gateway/internal/apperr"
	"github.com/2389/reciprocity-gateway/internal/dedupe"
	"github.com/2389/reciprocity-gateway/internal/events"
	"github.com/2389/reciprocity-gateway/internal/store"
)

// ErrClosed is returned for work submitted after Stop.
var ErrClosed = errors.New("conversation engine closed")

// Exchanges is what the engine needs from the exchange coordinator.
type Exchanges interface {
	CreateExchange(ctx context.Context, requesterID, contentRef string) (string, error)
	AcceptExchange(ctx context.Context, exchangeID, partnerID, contentRef string) error
	WithdrawOffer(ctx context.Context, exchangeID, participantID string) error
	GetExchange(ctx context.Context, exchangeID string) (*store.Exchange, error)
	ListOpenOffers(ctx context.Context, exclude string, limit int) ([]*store.Exchange, error)
}

// Sender delivers outbound chat messages.
type Sender interface {
	SendMessage(ctx context.Context, chatID, text string) error
}

// EventSource is the coordinator event stream.
type EventSource interface {
	Subscribe(ctx context.Context) (<-chan *events.Event, string)
	Unsubscribe(subID string)
}

// Config holds engine tunables.
type Config struct {
	QueueSize         int
	IdleTimeout       time.Duration
	ReconcileInterval time.Duration
	OfferListLimit    int
	DedupeTTL         time.Duration
	DedupeSize        int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize:         64,
		IdleTimeout:       5 * time.Minute,
		ReconcileInterval: time.Minute,
		OfferListLimit:    5,
		DedupeTTL:         10 * time.Minute,
		DedupeSize:        10000,
	}
}

type result struct {
	replies []string
	err     error
}

type job struct {
	ctx  context.Context
	run  func(ctx context.Context) ([]string, error)
	send bool
	done chan result
}

type chatQueue struct {
	jobs    chan job
	pending int
}

// Engine owns every ConversationState row. All work for one chat runs on
// that chat's queue, one job at a time; different chats run in parallel.
type Engine struct {
	gw        store.Gateway
	exchanges Exchanges
	sender    Sender
	seen      *dedupe.Window
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time

	mu     sync.Mutex
	queues map[string]*chatQueue
	closed bool
	done   chan struct{}

	workers    sync.WaitGroup
	loops      sync.WaitGroup
	loopCancel context.CancelFunc
}

// New creates an engine. Pass nil logger for default.
func New(gw store.Gateway, exchanges Exchanges, sender Sender, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = def.ReconcileInterval
	}
	if cfg.OfferListLimit <= 0 {
		cfg.OfferListLimit = def.OfferListLimit
	}
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = def.DedupeTTL
	}
	if cfg.DedupeSize <= 0 {
		cfg.DedupeSize = def.DedupeSize
	}
	return &Engine{
		gw:        gw,
		exchanges: exchanges,
		sender:    sender,
		seen:      dedupe.New(cfg.DedupeTTL, cfg.DedupeSize),
		cfg:       cfg,
		logger:    logger.With("component", "conversation"),
		now:       func() time.Time { return time.Now().UTC() },
		queues:    make(map[string]*chatQueue),
		done:      make(chan struct{}),
	}
}

// HandleMessage processes one inbound message and returns the replies
// without sending them. A repeated messageID returns no replies.
func (e *Engine) HandleMessage(ctx context.Context, chatID, participantID, messageID, text string) ([]string, error) {
	return e.inbound(ctx, chatID, participantID, messageID, text, false)
}

// OnMessage processes one inbound message and sends the replies from the
// chat's queue, so they stay ordered with event notifications.
func (e *Engine) OnMessage(ctx context.Context, chatID, participantID, messageID, text string) error {
	_, err := e.inbound(ctx, chatID, participantID, messageID, text, true)
	return err
}

func (e *Engine) inbound(ctx context.Context, chatID, participantID, messageID, text string, send bool) ([]string, error) {
	if messageID != "" && e.seen.CheckAndMark(messageID) {
		e.logger.Debug("duplicate message ignored", "chat_id", chatID, "message_id", messageID)
		return nil, nil
	}

	replies, err := e.submitAndWait(ctx, chatID, send, func(ctx context.Context) ([]string, error) {
		return e.handleMessage(ctx, chatID, participantID, text)
	})
	if err != nil && messageID != "" && !apperr.IsKind(err, apperr.KindConflict) {
		e.seen.Forget(messageID)
	}
	return replies, err
}

func (e *Engine) handleMessage(ctx context.Context, chatID, participantID, text string) ([]string, error) {
	cs, err := e.loadState(ctx, chatID, participantID)
	if err != nil {
		return []string{msgTryAgain}, err
	}

	var out []string
	notice, err := e.reconcileState(ctx, cs)
	if err != nil {
		e.logger.Warn("reconcile before message failed", "chat_id", chatID, "error", err)
	}
	if notice != "" {
		out = append(out, notice)
	}

	d := Decide(cs.Phase, text)
	e.logger.Debug("message decided",
		"chat_id", chatID,
		"phase", cs.Phase,
		"action", d.Action.String())

	replies, actErr := e.apply(ctx, cs, d)
	out = append(out, replies...)

	cs.LastMessageAt = e.now()
	if err := store.SaveConversation(ctx, e.gw, cs); err != nil {
		e.logger.Error("saving conversation failed", "chat_id", chatID, "error", err)
		return []string{msgTryAgain}, saveErr(err)
	}
	return out, actErr
}

// apply performs d against the coordinator and updates cs. User-level
// rejections become replies; only unexpected failures are returned.
func (e *Engine) apply(ctx context.Context, cs *store.ConversationState, d Decision) ([]string, error) {
	switch d.Action {
	case ActionHelp:
		return []string{msgHelp}, nil
	case ActionReject:
		return []string{d.Reply}, nil
	case ActionPromptLink:
		setPhase(cs, store.PhaseAwaitingContentLink, "", "")
		return []string{msgSendLink}, nil
	case ActionOffer:
		return e.offer(ctx, cs, d.Arg)
	case ActionRematch:
		if cs.ContentRef == "" {
			return []string{msgNoLinkYet}, nil
		}
		return e.offer(ctx, cs, cs.ContentRef)
	case ActionAccept:
		return e.accept(ctx, cs, d.Arg)
	case ActionListOffers:
		offers, err := e.exchanges.ListOpenOffers(ctx, cs.ParticipantID, e.cfg.OfferListLimit)
		if err != nil {
			return []string{msgTryAgain}, err
		}
		if len(offers) == 0 {
			return []string{msgNoOffers}, nil
		}
		return []string{offerList(offers)}, nil
	case ActionStatus:
		return []string{statusText(cs)}, nil
	case ActionCancel:
		return e.cancel(ctx, cs)
	}
	return []string{msgHelp}, nil
}

func (e *Engine) offer(ctx context.Context, cs *store.ConversationState, link string) ([]string, error) {
	id, err := e.exchanges.CreateExchange(ctx, cs.ParticipantID, link)
	if errors.Is(err, apperr.ErrInvalidContent) {
		return []string{msgInvalidLink}, nil
	}
	if err != nil {
		return []string{msgTryAgain}, err
	}
	cs.ContentRef = link
	setPhase(cs, store.PhaseAwaitingMatch, "", id)
	e.logger.Info("offer opened", "chat_id", cs.ChatID, "exchange_id", id)
	return []string{offerOpened(id)}, nil
}

// accept withdraws the participant's own offer, then joins exchangeID. If
// joining fails the participant's link is offered again.
func (e *Engine) accept(ctx context.Context, cs *store.ConversationState, exchangeID string) ([]string, error) {
	if exchangeID == cs.PendingExchangeID {
		return []string{msgOwnOffer}, nil
	}
	if cs.ContentRef == "" {
		return []string{msgLinkBeforeAccept}, nil
	}

	if own := cs.PendingExchangeID; own != "" {
		err := e.exchanges.WithdrawOffer(ctx, own, cs.ParticipantID)
		switch {
		case err == nil, errors.Is(err, apperr.ErrNotFound):
		case errors.Is(err, apperr.ErrAlreadyMatched), errors.Is(err, apperr.ErrAlreadyFinished):
			// Our own offer moved on first; report that instead.
			notice, rerr := e.reconcileState(ctx, cs)
			if notice == "" {
				notice = msgAlreadyInExchange
			}
			return []string{notice}, rerr
		default:
			return []string{msgTryAgain}, err
		}
		setPhase(cs, store.PhaseIdle, "", "")
	}

	err := e.exchanges.AcceptExchange(ctx, exchangeID, cs.ParticipantID, cs.ContentRef)
	if err == nil {
		setPhase(cs, store.PhaseInExchange, exchangeID, "")
		e.logger.Info("offer accepted", "chat_id", cs.ChatID, "exchange_id", exchangeID)
		return []string{accepted(exchangeID)}, nil
	}

	e.logger.Info("accept failed, reopening own offer", "chat_id", cs.ChatID, "exchange_id", exchangeID, "error", err)
	id, cerr := e.exchanges.CreateExchange(ctx, cs.ParticipantID, cs.ContentRef)
	if cerr != nil {
		return []string{msgOfferGone, msgTryAgain}, cerr
	}
	setPhase(cs, store.PhaseAwaitingMatch, "", id)
	if apperr.IsKind(err, apperr.KindStorageUnavailable) {
		return []string{msgTryAgain, statusPending(id)}, nil
	}
	return []string{offerReopened(id)}, nil
}

func (e *Engine) cancel(ctx context.Context, cs *store.ConversationState) ([]string, error) {
	switch cs.Phase {
	case store.PhaseAwaitingContentLink:
		setPhase(cs, store.PhaseIdle, "", "")
		return []string{msgCancelledSetup}, nil

	case store.PhaseAwaitingMatch:
		err := e.exchanges.WithdrawOffer(ctx, cs.PendingExchangeID, cs.ParticipantID)
		switch {
		case err == nil, errors.Is(err, apperr.ErrNotFound):
			setPhase(cs, store.PhaseIdle, "", "")
			return []string{msgOfferWithdrawn}, nil
		case errors.Is(err, apperr.ErrAlreadyMatched), errors.Is(err, apperr.ErrAlreadyFinished):
			notice, rerr := e.reconcileState(ctx, cs)
			return nonEmpty(notice, msgAlreadyInExchange), rerr
		}
		return []string{msgTryAgain}, err

	case store.PhaseInExchange:
		// A matched exchange always runs to its end. The reply is the same
		// whatever either turn has reached.
		notice, err := e.reconcileState(ctx, cs)
		if err != nil {
			return []string{msgTryAgain}, err
		}
		if cs.Phase == store.PhaseIdle {
			return nonEmpty(notice, msgStatusIdle), nil
		}
		return []string{msgTooLateToCancel}, nil
	}
	return []string{msgNothingToCancel}, nil
}

// reconcileState brings cs in line with the stored state of the exchange it
// points at and returns the notice owed to the participant, if any.
func (e *Engine) reconcileState(ctx context.Context, cs *store.ConversationState) (string, error) {
	id := cs.ActiveExchangeID
	if id == "" {
		id = cs.PendingExchangeID
	}
	if id == "" {
		return "", nil
	}

	ex, err := e.exchanges.GetExchange(ctx, id)
	if errors.Is(err, apperr.ErrNotFound) {
		setPhase(cs, store.PhaseIdle, "", "")
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return applyExchange(cs, ex), nil
}

// applyExchange moves cs according to ex. It is idempotent: applying the
// same exchange state twice yields no second notice.
func applyExchange(cs *store.ConversationState, ex *store.Exchange) string {
	if ex.ID != cs.ActiveExchangeID && ex.ID != cs.PendingExchangeID {
		return ""
	}
	switch {
	case ex.State == store.ExchangePending:
		return ""
	case ex.State.Terminal():
		setPhase(cs, store.PhaseIdle, "", "")
		return outcomeNotice(ex, cs.ParticipantID)
	case cs.Phase == store.PhaseAwaitingMatch && cs.PendingExchangeID == ex.ID:
		setPhase(cs, store.PhaseInExchange, ex.ID, "")
		return msgMatched
	}
	return ""
}

// HandleEvent schedules the event's effect on every chat of both
// participants. Work runs asynchronously on each chat's queue.
func (e *Engine) HandleEvent(ctx context.Context, ev *events.Event) error {
	var errs []error
	for _, pid := range []string{ev.RequesterID, ev.PartnerID} {
		if pid == "" {
			continue
		}
		convs, err := store.ListConversations(ctx, e.gw, store.ListFilter{Ref: pid})
		if err != nil {
			errs = append(errs, fmt.Errorf("listing chats for %s: %w", pid, err))
			continue
		}
		for _, cs := range convs {
			if cs.ActiveExchangeID != ev.ExchangeID && cs.PendingExchangeID != ev.ExchangeID {
				continue
			}
			chatID := cs.ChatID
			if err := e.submit(context.WithoutCancel(ctx), chatID, true, nil, func(ctx context.Context) ([]string, error) {
				return e.refresh(ctx, chatID, ev.ExchangeID)
			}); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Reconcile re-checks every chat waiting on an exchange. It recovers
// notifications for events that were dropped.
func (e *Engine) Reconcile(ctx context.Context) (int, error) {
	convs, err := store.ListConversations(ctx, e.gw, store.ListFilter{
		Status: []string{string(store.PhaseAwaitingMatch), string(store.PhaseInExchange)},
	})
	if err != nil {
		return 0, err
	}
	for _, cs := range convs {
		chatID := cs.ChatID
		if err := e.submit(context.WithoutCancel(ctx), chatID, true, nil, func(ctx context.Context) ([]string, error) {
			return e.refresh(ctx, chatID, "")
		}); err != nil {
			return 0, err
		}
	}
	return len(convs), nil
}

// refresh reloads a chat and reconciles it. A non-empty exchangeID limits
// the refresh to chats still pointing at that exchange.
func (e *Engine) refresh(ctx context.Context, chatID, exchangeID string) ([]string, error) {
	cs, err := store.GetConversation(ctx, e.gw, chatID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if exchangeID != "" && cs.ActiveExchangeID != exchangeID && cs.PendingExchangeID != exchangeID {
		return nil, nil
	}

	before := *cs
	notice, err := e.reconcileState(ctx, cs)
	if err != nil {
		return nil, err
	}
	if before.Phase == cs.Phase && before.ActiveExchangeID == cs.ActiveExchangeID && before.PendingExchangeID == cs.PendingExchangeID {
		return nil, nil
	}
	if err := store.SaveConversation(ctx, e.gw, cs); err != nil {
		return nil, saveErr(err)
	}
	e.logger.Info("conversation advanced",
		"chat_id", chatID,
		"from", before.Phase,
		"to", cs.Phase)
	if notice == "" {
		return nil, nil
	}
	return []string{notice}, nil
}

func (e *Engine) loadState(ctx context.Context, chatID, participantID string) (*store.ConversationState, error) {
	cs, err := store.GetConversation(ctx, e.gw, chatID)
	if errors.Is(err, store.ErrNotFound) {
		return &store.ConversationState{
			ChatID:        chatID,
			ParticipantID: participantID,
			Phase:         store.PhaseIdle,
		}, nil
	}
	if err != nil {
		return nil, apperr.StorageUnavailable("loading conversation", err)
	}
	return cs, nil
}

// Start subscribes to coordinator events and starts the reconcile sweep.
func (e *Engine) Start(ctx context.Context, source EventSource) error {
	base := context.WithoutCancel(ctx)
	loopCtx, cancel := context.WithCancel(base)
	e.loopCancel = cancel

	if source != nil {
		ch, subID := source.Subscribe(loopCtx)
		e.loops.Add(1)
		go func() {
			defer e.loops.Done()
			defer source.Unsubscribe(subID)
			for ev := range ch {
				if err := e.HandleEvent(loopCtx, ev); err != nil {
					e.logger.Error("handling event failed", "event_id", ev.ID, "type", ev.Type, "error", err)
				}
			}
		}()
	}

	e.loops.Add(1)
	go func() {
		defer e.loops.Done()
		ticker := time.NewTicker(e.cfg.ReconcileInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				if n, err := e.Reconcile(loopCtx); err != nil && loopCtx.Err() == nil {
					e.logger.Error("reconcile sweep failed", "error", err)
				} else if n > 0 {
					e.logger.Debug("reconcile sweep", "chats", n)
				}
			}
		}
	}()

	e.logger.Info("conversation engine started")
	return nil
}

// Stop rejects new work, finishes queued jobs and waits for chat workers
// until ctx ends.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.done)
	e.mu.Unlock()

	if e.loopCancel != nil {
		e.loopCancel()
	}

	finished := make(chan struct{})
	go func() {
		e.loops.Wait()
		e.workers.Wait()
		close(finished)
	}()

	defer e.seen.Close()
	select {
	case <-finished:
		e.logger.Info("conversation engine stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) submitAndWait(ctx context.Context, chatID string, send bool, run func(ctx context.Context) ([]string, error)) ([]string, error) {
	done := make(chan result, 1)
	if err := e.submit(ctx, chatID, send, done, run); err != nil {
		return nil, err
	}
	select {
	case r := <-done:
		return r.replies, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) submit(ctx context.Context, chatID string, send bool, done chan result, run func(ctx context.Context) ([]string, error)) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	q, ok := e.queues[chatID]
	if !ok {
		q = &chatQueue{jobs: make(chan job, e.cfg.QueueSize)}
		e.queues[chatID] = q
		e.workers.Add(1)
		go e.work(chatID, q)
	}
	q.pending++
	e.mu.Unlock()

	select {
	case q.jobs <- job{ctx: ctx, run: run, send: send, done: done}:
		return nil
	case <-ctx.Done():
		e.mu.Lock()
		q.pending--
		e.mu.Unlock()
		return ctx.Err()
	}
}

// work runs one chat's jobs in order and exits once idle with nothing pending.
func (e *Engine) work(chatID string, q *chatQueue) {
	defer e.workers.Done()

	idle := time.NewTimer(e.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case j := <-q.jobs:
			e.runJob(chatID, q, j)
			idle.Reset(e.cfg.IdleTimeout)
		case <-idle.C:
			e.mu.Lock()
			if q.pending == 0 {
				delete(e.queues, chatID)
				e.mu.Unlock()
				return
			}
			e.mu.Unlock()
			idle.Reset(e.cfg.IdleTimeout)
		case <-e.done:
			for {
				select {
				case j := <-q.jobs:
					e.runJob(chatID, q, j)
				default:
					return
				}
			}
		}
	}
}

func (e *Engine) runJob(chatID string, q *chatQueue, j job) {
	replies, err := j.run(j.ctx)
	if err != nil {
		e.logger.Error("chat job failed", "chat_id", chatID, "error", err)
	}
	if j.send {
		e.deliver(j.ctx, chatID, replies)
	}
	if j.done != nil {
		j.done <- result{replies: replies, err: err}
	}

	e.mu.Lock()
	q.pending--
	e.mu.Unlock()
}

func (e *Engine) deliver(ctx context.Context, chatID string, replies []string) {
	for _, text := range replies {
		if err := e.sender.SendMessage(ctx, chatID, text); err != nil {
			e.logger.Error("sending chat message failed", "chat_id", chatID, "error", err)
		}
	}
}

// setPhase keeps activeExchangeId set only in IN_EXCHANGE and
// pendingExchangeId set only in AWAITING_MATCH.
func setPhase(cs *store.ConversationState, phase store.Phase, active, pending string) {
	cs.Phase = phase
	cs.ActiveExchangeID = ""
	cs.PendingExchangeID = ""
	switch phase {
	case store.PhaseInExchange:
		cs.ActiveExchangeID = active
	case store.PhaseAwaitingMatch:
		cs.PendingExchangeID = pending
	}
}

func statusText(cs *store.ConversationState) string {
	switch cs.Phase {
	case store.PhaseAwaitingContentLink:
		return msgStatusAwaiting
	case store.PhaseAwaitingMatch:
		return statusPending(cs.PendingExchangeID)
	case store.PhaseInExchange:
		return msgStatusInFlight
	}
	return msgStatusIdle
}

func nonEmpty(notice, fallback string) []string {
	if notice == "" {
		return []string{fallback}
	}
	return []string{notice}
}

func saveErr(err error) error {
	if errors.Is(err, store.ErrConflict) {
		return apperr.Conflict(apperr.CodeContention, "conversation changed concurrently")
	}
	return apperr.StorageUnavailable("saving conversation", err)
}
