// ABOUTME: Exchange lifecycle events emitted by the coordinator
// ABOUTME: Publisher interface plus a Fanout that delivers to several publishers

package events

import (
	"context"
	"errors"
	"time"

	"github.com/2389/reciprocity-gateway/internal/store"
)

// Type names an exchange event.
type Type string

const (
	TypeConfirmed Type = "exchange.confirmed"
	TypeCompleted Type = "exchange.completed"
	TypeFailed    Type = "exchange.failed"
	TypeExpired   Type = "exchange.expired"
	TypeCancelled Type = "exchange.cancelled"
)

// Ends reports whether the event closes the exchange for both participants.
func (t Type) Ends() bool {
	return t != TypeConfirmed
}

// Event is an exchange transition visible to participants. Turn-level
// progress is deliberately absent: a participant may only learn about
// success once both sides are done.
type Event struct {
	ID          string     `json:"id"`
	Type        Type       `json:"type"`
	ExchangeID  string     `json:"exchangeId"`
	RequesterID string     `json:"requesterId"`
	PartnerID   string     `json:"partnerId,omitempty"`
	FailedSide  store.Side `json:"failedSide,omitempty"`
	CancelledBy string     `json:"cancelledBy,omitempty"`
	At          time.Time  `json:"at"`
}

// FailedParticipant returns the id of the participant whose action failed.
func (e *Event) FailedParticipant() string {
	switch e.FailedSide {
	case store.SideRequester:
		return e.RequesterID
	case store.SidePartner:
		return e.PartnerID
	}
	return ""
}

// Publisher receives coordinator events. Delivery is at-least-once.
type Publisher interface {
	Publish(ctx context.Context, ev *Event) error
}

// Fanout publishes to every wrapped publisher and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, ev *Event) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
