// ABOUTME: In-process chat transport used by tests and local runs
// ABOUTME: Deliver injects inbound messages; sent replies are recorded per chat

package loopback

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/2389/reciprocity-gateway/internal/transport"
)

// ErrDisconnected is returned by Ping after SetConnected(false).
var ErrDisconnected = errors.New("loopback disconnected")

// Transport records outbound messages in memory.
type Transport struct {
	mu        sync.Mutex
	handler   transport.Handler
	sent      map[string][]string
	connected bool
	onSend    func(chatID, text string)

	wg sync.WaitGroup
}

var _ transport.Transport = (*Transport)(nil)

// New creates a connected loopback transport.
func New() *Transport {
	return &Transport{sent: make(map[string][]string), connected: true}
}

func (t *Transport) Start(_ context.Context, h transport.Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
	return nil
}

// Stop rejects further deliveries and waits for in-progress ones.
func (t *Transport) Stop(ctx context.Context) error {
	t.mu.Lock()
	t.handler = nil
	t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Deliver hands msg to the handler synchronously.
func (t *Transport) Deliver(ctx context.Context, msg transport.Message) error {
	t.mu.Lock()
	h := t.handler
	if h != nil {
		t.wg.Add(1)
	}
	t.mu.Unlock()
	if h == nil {
		return transport.ErrNotStarted
	}
	defer t.wg.Done()
	return h(ctx, msg)
}

func (t *Transport) SendMessage(_ context.Context, chatID, text string) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return ErrDisconnected
	}
	t.sent[chatID] = append(t.sent[chatID], text)
	onSend := t.onSend
	t.mu.Unlock()

	if onSend != nil {
		onSend(chatID, text)
	}
	return nil
}

func (t *Transport) Ping(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return ErrDisconnected
	}
	return nil
}

// SetConnected toggles Ping and SendMessage failures.
func (t *Transport) SetConnected(connected bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = connected
}

// OnSend registers fn to observe every sent message.
func (t *Transport) OnSend(fn func(chatID, text string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onSend = fn
}

// Sent returns the messages sent to chatID so far.
func (t *Transport) Sent(chatID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.sent[chatID])
}
