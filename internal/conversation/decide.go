// ABOUTME: Pure transition table for chat conversations: (phase, text) -> action
// ABOUTME: Parses commands and content links; performs no I/O

package conversation

import (
	"net/url"
	"strings"

	"github.com/2389/reciprocity-gateway/internal/store"
)

// Action is what the engine must do in response to one inbound message.
type Action int

const (
	// ActionHelp replies with usage and leaves the phase unchanged.
	ActionHelp Action = iota
	// ActionReject replies with Decision.Reply and leaves the phase unchanged.
	ActionReject
	ActionPromptLink
	ActionOffer
	ActionAccept
	ActionListOffers
	ActionCancel
	ActionStatus
	ActionRematch
)

func (a Action) String() string {
	switch a {
	case ActionHelp:
		return "help"
	case ActionReject:
		return "reject"
	case ActionPromptLink:
		return "prompt_link"
	case ActionOffer:
		return "offer"
	case ActionAccept:
		return "accept"
	case ActionListOffers:
		return "list_offers"
	case ActionCancel:
		return "cancel"
	case ActionStatus:
		return "status"
	case ActionRematch:
		return "rematch"
	}
	return "unknown"
}

// Decision is the outcome of Decide. Arg carries the content link for
// ActionOffer and the exchange id for ActionAccept.
type Decision struct {
	Action Action
	Arg    string
	Reply  string
}

// Decide maps the current phase and inbound text to an action. It is a pure
// function; the engine performs the side effects.
func Decide(phase store.Phase, text string) Decision {
	text = strings.TrimSpace(text)
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return Decision{Action: ActionHelp}
	}

	cmd := strings.ToLower(strings.TrimPrefix(fields[0], "!"))
	switch cmd {
	case "help":
		return Decision{Action: ActionHelp}
	case "status":
		return Decision{Action: ActionStatus}
	case "offers":
		return Decision{Action: ActionListOffers}
	case "cancel":
		if phase == store.PhaseIdle {
			return reject(msgNothingToCancel)
		}
		return Decision{Action: ActionCancel}
	case "start":
		switch phase {
		case store.PhaseIdle:
			return Decision{Action: ActionPromptLink}
		case store.PhaseAwaitingContentLink:
			return reject(msgSendLink)
		}
		return reject(busyReply(phase))
	case "rematch":
		if phase != store.PhaseIdle {
			return reject(busyReply(phase))
		}
		return Decision{Action: ActionRematch}
	case "accept":
		switch phase {
		case store.PhaseAwaitingMatch:
			if len(fields) != 2 {
				return reject(msgAcceptUsage)
			}
			return Decision{Action: ActionAccept, Arg: fields[1]}
		case store.PhaseInExchange:
			return reject(msgAlreadyInExchange)
		}
		return reject(msgLinkBeforeAccept)
	}

	if link, ok := ContentLink(text); ok {
		switch phase {
		case store.PhaseIdle, store.PhaseAwaitingContentLink:
			return Decision{Action: ActionOffer, Arg: link}
		}
		return reject(busyReply(phase))
	}

	return Decision{Action: ActionHelp}
}

func reject(reply string) Decision {
	return Decision{Action: ActionReject, Reply: reply}
}

func busyReply(phase store.Phase) string {
	if phase == store.PhaseInExchange {
		return msgAlreadyInExchange
	}
	return msgAlreadyOffering
}

// ContentLink reports whether text is a single absolute http(s) URL.
func ContentLink(text string) (string, bool) {
	text = strings.TrimSpace(text)
	if text == "" || strings.ContainsAny(text, " \t\n") {
		return "", false
	}
	u, err := url.Parse(text)
	if err != nil || u.Host == "" {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	return u.String(), true
}
