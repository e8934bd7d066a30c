// ABOUTME: User-facing chat texts for every conversation outcome
// ABOUTME: Plain language only; never includes error codes or per-turn progress

package conversation

import (
	"fmt"
	"strings"

	"github.com/2389/reciprocity-gateway/internal/store"
)

const (
	msgHelp = "**How it works**\n\n" +
		"1. Send `start`, then the link to your video.\n" +
		"2. Wait for someone to accept your offer, or send `offers` and `accept <id>` to pick one.\n" +
		"3. Both of you engage with each other's video. You hear back once both actions are confirmed.\n\n" +
		"Other commands: `status`, `cancel`, `rematch`, `help`."

	msgSendLink          = "Send the link to the video you want engagement on."
	msgNothingToCancel   = "There is nothing to cancel."
	msgAcceptUsage       = "Use `accept <id>` with an id from `offers`."
	msgAlreadyInExchange = "You are already in an exchange. You will hear back once it finishes."
	msgAlreadyOffering   = "You already have an open offer. Send `cancel` to withdraw it first."
	msgLinkBeforeAccept  = "Send your own video link first, then accept an offer."
	msgNoLinkYet         = "There is no earlier link to offer again. Send a new link."
	msgInvalidLink       = "That link does not look right. Send a full http or https link."
	msgOwnOffer          = "That is your own offer. Pick another one from `offers`."
	msgOfferGone         = "That offer is no longer available."
	msgCancelledSetup    = "Okay, nothing was offered."
	msgOfferWithdrawn    = "Your offer was withdrawn."
	msgExchangeCancelled = "The exchange was cancelled."
	msgTooLateToCancel   = "Your exchange is matched and can no longer be cancelled. You will get a message when it ends."
	msgNoOffers          = "There are no open offers right now."
	msgTryAgain          = "Something went wrong on our side. Please try again in a moment."

	msgStatusIdle     = "You have no open offer or exchange. Send `start` to begin."
	msgStatusAwaiting = "Waiting for your video link."
	msgStatusInFlight = "Your exchange is under way. You will hear back once both actions are confirmed."

	msgMatched        = "Your offer was accepted. Both actions are under way; you will hear back once both are confirmed."
	msgCompleted      = "Exchange complete: both actions are confirmed. Thanks for taking part!"
	msgYourFailure    = "Your action could not be carried out, so the exchange was cancelled. Send a new link to try again."
	msgPartnerFailure = "Your partner's action could not be carried out, so the exchange was cancelled. Send `rematch` to offer your link again."
	msgPartnerCancel  = "Your partner cancelled the exchange. Send `rematch` to offer your link again."
	msgExpired        = "The exchange expired before both actions were confirmed. Send `rematch` to try again."
	msgOfferExpired   = "Your offer expired without a match. Send `rematch` to offer it again."
)

func offerOpened(id string) string {
	return fmt.Sprintf("Your offer `%s` is open. Someone can accept it, or send `offers` to pick one yourself.", id)
}

func offerReopened(id string) string {
	return fmt.Sprintf("%s Your own offer is open again as `%s`.", msgOfferGone, id)
}

func accepted(id string) string {
	return fmt.Sprintf("You joined exchange `%s`. Both actions are under way; you will hear back once both are confirmed.", id)
}

func statusPending(id string) string {
	return fmt.Sprintf("Your offer `%s` is waiting for a partner.", id)
}

func offerList(offers []*store.Exchange) string {
	var b strings.Builder
	b.WriteString("**Open offers**\n\n")
	for _, ex := range offers {
		fmt.Fprintf(&b, "- `%s`: %s\n", ex.ID, ex.RequesterContentRef)
	}
	b.WriteString("\nSend `accept <id>` to join one.")
	return b.String()
}

// outcomeNotice is the text participantID sees when ex reaches its current
// state. The empty string means nothing to say.
func outcomeNotice(ex *store.Exchange, participantID string) string {
	switch ex.State {
	case store.ExchangeCompleted:
		return msgCompleted
	case store.ExchangeExpired:
		if ex.PartnerID == "" {
			return msgOfferExpired
		}
		return msgExpired
	case store.ExchangeCancelled:
		if ex.FailedSide != "" {
			side, _ := ex.Participant(participantID)
			if side == ex.FailedSide {
				return msgYourFailure
			}
			return msgPartnerFailure
		}
		if ex.CancelledBy == participantID {
			if ex.PartnerID == "" {
				return msgOfferWithdrawn
			}
			return msgExchangeCancelled
		}
		return msgPartnerCancel
	}
	return ""
}
