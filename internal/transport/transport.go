// ABOUTME: Chat transport contract shared by the Matrix and loopback implementations
// ABOUTME: Inbound messages are handed to a Handler; outbound replies go through SendMessage

package transport

import (
	"context"
	"errors"
)

// ErrNotStarted is returned when sending before Start.
var ErrNotStarted = errors.New("transport not started")

// Message is one inbound chat message.
type Message struct {
	ChatID        string
	ParticipantID string
	MessageID     string
	Text          string
}

// Handler processes one inbound message.
type Handler func(ctx context.Context, msg Message) error

// Transport connects participants to the service.
type Transport interface {
	// Start begins delivering inbound messages to h.
	Start(ctx context.Context, h Handler) error
	// Stop ends inbound delivery and waits for in-progress handlers.
	Stop(ctx context.Context) error
	// SendMessage posts text to a chat. Text may contain Markdown.
	SendMessage(ctx context.Context, chatID, text string) error
	// Ping reports whether the transport is connected.
	Ping(ctx context.Context) error
}
