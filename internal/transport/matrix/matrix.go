// ABOUTME: Matrix chat transport built on mautrix
// ABOUTME: Rooms are chats, senders are participants; replies are sent with goldmark-rendered HTML

package matrix

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/reciprocity-gateway/internal/transport"
)

// networkTimeout bounds each Matrix API call.
const networkTimeout = 10 * time.Second

// Config holds Matrix connection settings.
type Config struct {
	Homeserver   string
	UserID       string
	AccessToken  string
	AllowedRooms []string
	// AutoJoin accepts room invites addressed to the bot.
	AutoJoin bool
}

// Transport delivers Matrix room messages to a handler.
type Transport struct {
	cfg    Config
	client *mautrix.Client
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	handler  transport.Handler
	since    time.Time
	ctx      context.Context
	cancel   context.CancelFunc
	syncDone chan struct{}
	handlers sync.WaitGroup
}

var _ transport.Transport = (*Transport)(nil)

// New creates a Matrix transport. Pass nil logger for default.
func New(cfg Config, logger *slog.Logger) (*Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	return &Transport{
		cfg:    cfg,
		client: client,
		logger: logger.With("component", "matrix"),
		now:    time.Now,
	}, nil
}

// Start registers event handlers and begins syncing. Messages sent before
// Start are ignored.
func (t *Transport) Start(ctx context.Context, h transport.Handler) error {
	syncer, ok := t.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", t.client.Syncer)
	}
	syncer.OnEventType(event.EventMessage, t.handleEvent)
	if t.cfg.AutoJoin {
		syncer.OnEventType(event.StateMember, t.handleMembership)
	}

	t.mu.Lock()
	t.handler = h
	t.since = t.now()
	t.ctx, t.cancel = context.WithCancel(context.WithoutCancel(ctx))
	t.syncDone = make(chan struct{})
	syncCtx := t.ctx
	t.mu.Unlock()

	t.logger.Info("connecting to matrix homeserver", "homeserver", t.cfg.Homeserver, "user_id", t.cfg.UserID)
	go func() {
		defer close(t.syncDone)
		if err := t.client.SyncWithContext(syncCtx); err != nil && syncCtx.Err() == nil {
			t.logger.Error("matrix sync failed", "error", err)
		}
	}()
	return nil
}

// Stop ends syncing and waits for handlers that are still running.
func (t *Transport) Stop(ctx context.Context) error {
	t.mu.Lock()
	cancel, syncDone := t.cancel, t.syncDone
	t.handler = nil
	t.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	t.client.StopSync()

	done := make(chan struct{})
	go func() {
		<-syncDone
		t.handlers.Wait()
		close(done)
	}()
	select {
	case <-done:
		t.logger.Info("matrix transport stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendMessage posts text to a room, with an HTML body when it has formatting.
func (t *Transport) SendMessage(ctx context.Context, chatID, text string) error {
	ctx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()

	content := &event.MessageEventContent{MsgType: event.MsgText, Body: text}
	if html, ok := transport.RenderMarkdown(text); ok {
		content.Format = event.FormatHTML
		content.FormattedBody = html
	}
	if _, err := t.client.SendMessageEvent(ctx, id.RoomID(chatID), event.EventMessage, content); err != nil {
		return fmt.Errorf("sending to %s: %w", chatID, err)
	}
	return nil
}

// Ping checks the access token against the homeserver.
func (t *Transport) Ping(ctx context.Context) error {
	if _, err := t.client.Whoami(ctx); err != nil {
		return fmt.Errorf("matrix whoami: %w", err)
	}
	return nil
}

// inbound converts a room message event. ok is false for events that
// should be ignored.
func (t *Transport) inbound(evt *event.Event) (transport.Message, bool) {
	if evt.Sender == id.UserID(t.cfg.UserID) {
		return transport.Message{}, false
	}
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok || content.MsgType != event.MsgText || content.Body == "" {
		return transport.Message{}, false
	}
	if len(t.cfg.AllowedRooms) > 0 && !slices.Contains(t.cfg.AllowedRooms, evt.RoomID.String()) {
		return transport.Message{}, false
	}
	t.mu.Lock()
	since := t.since
	t.mu.Unlock()
	if evt.Timestamp > 0 && time.UnixMilli(evt.Timestamp).Before(since) {
		return transport.Message{}, false
	}
	return transport.Message{
		ChatID:        evt.RoomID.String(),
		ParticipantID: evt.Sender.String(),
		MessageID:     evt.ID.String(),
		Text:          content.Body,
	}, true
}

func (t *Transport) handleEvent(_ context.Context, evt *event.Event) {
	msg, ok := t.inbound(evt)
	if !ok {
		return
	}

	t.mu.Lock()
	h, ctx := t.handler, t.ctx
	if h != nil {
		t.handlers.Add(1)
	}
	t.mu.Unlock()
	if h == nil {
		return
	}

	// Handlers block until the reply is sent; keep the sync loop moving.
	go func() {
		defer t.handlers.Done()
		if err := h(ctx, msg); err != nil {
			t.logger.Error("handling message failed", "room", msg.ChatID, "event_id", msg.MessageID, "error", err)
		}
	}()
}

func (t *Transport) handleMembership(ctx context.Context, evt *event.Event) {
	member := evt.Content.AsMember()
	if member.Membership != event.MembershipInvite || evt.GetStateKey() != t.cfg.UserID {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()
	if _, err := t.client.JoinRoomByID(ctx, evt.RoomID); err != nil {
		t.logger.Warn("joining room failed", "room", evt.RoomID.String(), "error", err)
		return
	}
	t.logger.Info("joined room", "room", evt.RoomID.String(), "inviter", evt.Sender.String())
}
