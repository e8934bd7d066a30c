// ABOUTME: Table tests for the pure conversation transition function
// ABOUTME: Every phase is checked against every command and against links and free text

package conversation

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/2389/reciprocity-gateway/internal/store"
)

func TestDecide(t *testing.T) {
	tests := []struct {
		name   string
		phase  store.Phase
		text   string
		action Action
		arg    string
	}{
		{"start from idle", store.PhaseIdle, "start", ActionPromptLink, ""},
		{"start is case insensitive", store.PhaseIdle, "  START ", ActionPromptLink, ""},
		{"bang prefix", store.PhaseIdle, "!start", ActionPromptLink, ""},
		{"start while waiting for link", store.PhaseAwaitingContentLink, "start", ActionReject, ""},
		{"start while offering", store.PhaseAwaitingMatch, "start", ActionReject, ""},
		{"start in exchange", store.PhaseInExchange, "start", ActionReject, ""},

		{"link from idle", store.PhaseIdle, "https://video.example/1", ActionOffer, "https://video.example/1"},
		{"link when asked", store.PhaseAwaitingContentLink, "http://video.example/1", ActionOffer, "http://video.example/1"},
		{"link while offering", store.PhaseAwaitingMatch, "https://video.example/2", ActionReject, ""},
		{"link in exchange", store.PhaseInExchange, "https://video.example/2", ActionReject, ""},

		{"accept while offering", store.PhaseAwaitingMatch, "accept ex-1", ActionAccept, "ex-1"},
		{"accept without id", store.PhaseAwaitingMatch, "accept", ActionReject, ""},
		{"accept from idle", store.PhaseIdle, "accept ex-1", ActionReject, ""},
		{"accept in exchange", store.PhaseInExchange, "accept ex-1", ActionReject, ""},

		{"offers anywhere", store.PhaseInExchange, "offers", ActionListOffers, ""},
		{"status anywhere", store.PhaseAwaitingMatch, "status", ActionStatus, ""},
		{"help", store.PhaseAwaitingMatch, "help", ActionHelp, ""},

		{"cancel from idle", store.PhaseIdle, "cancel", ActionReject, ""},
		{"cancel setup", store.PhaseAwaitingContentLink, "cancel", ActionCancel, ""},
		{"cancel offer", store.PhaseAwaitingMatch, "cancel", ActionCancel, ""},
		{"cancel exchange", store.PhaseInExchange, "cancel", ActionCancel, ""},

		{"rematch from idle", store.PhaseIdle, "rematch", ActionRematch, ""},
		{"rematch while offering", store.PhaseAwaitingMatch, "rematch", ActionReject, ""},

		{"free text", store.PhaseIdle, "hello there", ActionHelp, ""},
		{"empty", store.PhaseInExchange, "   ", ActionHelp, ""},
		{"not a link", store.PhaseAwaitingContentLink, "ftp://video.example/1", ActionHelp, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decide(tt.phase, tt.text)
			assert.Equal(t, tt.action, d.Action, "got %s", d.Action)
			assert.Equal(t, tt.arg, d.Arg)
			if d.Action == ActionReject {
				assert.NotEmpty(t, d.Reply)
			}
		})
	}
}

func TestContentLink(t *testing.T) {
	tests := []struct {
		in string
		ok bool
	}{
		{"https://www.tiktok.com/@a/video/1", true},
		{"http://example.com", true},
		{"example.com/video", false},
		{"https://", false},
		{"mailto:a@example.com", false},
		{"https://a.example/1 https://b.example/2", false},
		{"", false},
	}
	for _, tt := range tests {
		_, ok := ContentLink(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
	}
}

func TestOutcomeNotice_DistinguishesFailingSide(t *testing.T) {
	ex := &store.Exchange{
		ID:          "ex1",
		RequesterID: "A",
		PartnerID:   "B",
		State:       store.ExchangeCancelled,
		FailedSide:  store.SidePartner,
	}
	assert.Equal(t, msgPartnerFailure, outcomeNotice(ex, "A"))
	assert.Equal(t, msgYourFailure, outcomeNotice(ex, "B"))

	ex.FailedSide = ""
	ex.CancelledBy = "A"
	assert.Equal(t, msgExchangeCancelled, outcomeNotice(ex, "A"))
	assert.Equal(t, msgPartnerCancel, outcomeNotice(ex, "B"))

	ex.State = store.ExchangeConfirmed
	assert.Empty(t, outcomeNotice(ex, "A"))
}

func TestNotices_NeverLeakCodes(t *testing.T) {
	for _, text := range []string{msgYourFailure, msgPartnerFailure, msgTryAgain, msgExpired, msgCompleted} {
		assert.NotContains(t, text, "BACKEND")
		assert.NotContains(t, text, "STORAGE")
		assert.NotContains(t, text, "_")
	}
}
