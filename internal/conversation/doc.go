// Package conversation turns chat messages into exchange operations.
//
// # Phases
//
// Every chat is one participant's session and moves through
//
//	IDLE -> AWAITING_CONTENT_LINK -> AWAITING_MATCH -> IN_EXCHANGE -> IDLE
//
// The decision for an inbound message is the pure function Decide(phase,
// text). The Engine performs the resulting coordinator calls and persists
// the new ConversationState.
//
// # Ordering
//
// Each chat has its own queue served by one goroutine, so messages and
// event notifications for a chat are applied strictly in order while
// different chats proceed in parallel. Idle queues are torn down.
//
// # Events
//
// Coordinator events are delivered at least once. The engine never trusts
// the event payload for state changes: it reloads the exchange and applies
// its stored state, so a repeated or late event is a no-op. A periodic
// reconcile sweep, plus a reconcile on every inbound message, covers
// events the in-process bus dropped.
//
// # Fairness
//
// Participants hear "complete" only when the coordinator reports both
// actions confirmed. Status replies never reveal per-turn progress.
package conversation
