// ABOUTME: Domain records persisted through the Storage Gateway
// ABOUTME: Exchange, ConversationState, ExecutionTask, HealthSnapshot and MetricPoint plus typed access

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ExchangeState is the lifecycle state of an Exchange.
type ExchangeState string

const (
	ExchangePending           ExchangeState = "PENDING"
	ExchangeConfirmed         ExchangeState = "CONFIRMED"
	ExchangeRequesterTurnDone ExchangeState = "REQUESTER_TURN_DONE"
	ExchangePartnerTurnDone   ExchangeState = "PARTNER_TURN_DONE"
	ExchangeCompleted         ExchangeState = "COMPLETED"
	ExchangeExpired           ExchangeState = "EXPIRED"
	ExchangeCancelled         ExchangeState = "CANCELLED"
)

// Terminal reports whether no further transitions are allowed.
func (s ExchangeState) Terminal() bool {
	return s == ExchangeCompleted || s == ExchangeExpired || s == ExchangeCancelled
}

// LiveExchangeStates lists every non-terminal state.
var LiveExchangeStates = []string{
	string(ExchangePending),
	string(ExchangeConfirmed),
	string(ExchangeRequesterTurnDone),
	string(ExchangePartnerTurnDone),
}

// MatchedExchangeStates lists the states in which automation is outstanding.
var MatchedExchangeStates = []string{
	string(ExchangeConfirmed),
	string(ExchangeRequesterTurnDone),
	string(ExchangePartnerTurnDone),
}

// Side identifies which participant an automated action acts for.
type Side string

const (
	SideRequester Side = "requester"
	SidePartner   Side = "partner"
)

func (s Side) Valid() bool {
	return s == SideRequester || s == SidePartner
}

// Exchange is an agreed pair of reciprocal actions between two participants.
type Exchange struct {
	ID                  string        `json:"id"`
	RequesterID         string        `json:"requesterId"`
	PartnerID           string        `json:"partnerId,omitempty"`
	RequesterContentRef string        `json:"requesterContentRef"`
	PartnerContentRef   string        `json:"partnerContentRef,omitempty"`
	State               ExchangeState `json:"state"`
	CreatedAt           time.Time     `json:"createdAt"`
	ConfirmedAt         *time.Time    `json:"confirmedAt,omitempty"`
	RequesterTurnDoneAt *time.Time    `json:"requesterTurnDoneAt,omitempty"`
	PartnerTurnDoneAt   *time.Time    `json:"partnerTurnDoneAt,omitempty"`
	CompletedAt         *time.Time    `json:"completedAt,omitempty"`
	ExpiresAt           *time.Time    `json:"expiresAt,omitempty"`

	// OfferExpiresAt bounds how long a PENDING offer stays open.
	OfferExpiresAt *time.Time `json:"offerExpiresAt,omitempty"`
	EndedAt        *time.Time `json:"endedAt,omitempty"`
	FailedSide     Side       `json:"failedSide,omitempty"`
	CancelledBy    string     `json:"cancelledBy,omitempty"`
	Reason         string     `json:"reason,omitempty"`

	Version int64 `json:"-"`
}

// Participant reports which side id plays in the exchange.
func (e *Exchange) Participant(id string) (Side, bool) {
	switch id {
	case "":
		return "", false
	case e.RequesterID:
		return SideRequester, true
	case e.PartnerID:
		return SidePartner, true
	}
	return "", false
}

// index lists live exchanges by deadline and terminal ones by the UTC day
// they finished, so daily counts never scan history.
func (e *Exchange) index() Index {
	idx := Index{Status: string(e.State), Ref: Day(e.CreatedAt)}
	switch {
	case e.State == ExchangePending && e.OfferExpiresAt != nil:
		idx.At = *e.OfferExpiresAt
	case e.State.Terminal():
		end := e.CreatedAt
		if e.CompletedAt != nil {
			end = *e.CompletedAt
		} else if e.EndedAt != nil {
			end = *e.EndedAt
		}
		idx.Ref = Day(end)
	case e.ExpiresAt != nil:
		idx.At = *e.ExpiresAt
	}
	return idx
}

// Phase is the conversational phase of one participant's chat.
type Phase string

const (
	PhaseIdle                Phase = "IDLE"
	PhaseAwaitingContentLink Phase = "AWAITING_CONTENT_LINK"
	PhaseAwaitingMatch       Phase = "AWAITING_MATCH"
	PhaseInExchange          Phase = "IN_EXCHANGE"
)

// ConversationState is the per participant-chat session.
type ConversationState struct {
	ChatID            string    `json:"chatId"`
	ParticipantID     string    `json:"participantId"`
	Phase             Phase     `json:"phase"`
	ActiveExchangeID  string    `json:"activeExchangeId,omitempty"`
	PendingExchangeID string    `json:"pendingExchangeId,omitempty"`
	ContentRef        string    `json:"contentRef,omitempty"`
	LastMessageAt     time.Time `json:"lastMessageAt"`

	Version int64 `json:"-"`
}

func (c *ConversationState) index() Index {
	return Index{Status: string(c.Phase), Ref: c.ParticipantID}
}

// TaskStatus is the state of an ExecutionTask.
type TaskStatus string

const (
	TaskQueued          TaskStatus = "QUEUED"
	TaskRunning         TaskStatus = "RUNNING"
	TaskSucceeded       TaskStatus = "SUCCEEDED"
	TaskFailedRetryable TaskStatus = "FAILED_RETRYABLE"
	TaskFailedTerminal  TaskStatus = "FAILED_TERMINAL"
	TaskCancelled       TaskStatus = "CANCELLED"
)

// Finished reports whether the task will never run again.
func (s TaskStatus) Finished() bool {
	return s == TaskSucceeded || s == TaskFailedTerminal || s == TaskCancelled
}

// ExecutionTask is one automation request derived from an Exchange turn.
type ExecutionTask struct {
	ID           string     `json:"id"`
	ExchangeID   string     `json:"exchangeId"`
	Side         Side       `json:"side"`
	Identity     string     `json:"identity"`
	ContentRef   string     `json:"contentRef"`
	ActionType   string     `json:"actionType"`
	AttemptCount int        `json:"attemptCount"`
	MaxAttempts  int        `json:"maxAttempts"`
	Status       TaskStatus `json:"status"`
	LastError    string     `json:"lastError,omitempty"`
	ScheduledAt  time.Time  `json:"scheduledAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	LeaseUntil   *time.Time `json:"leaseUntil,omitempty"`
	FinishedAt   *time.Time `json:"finishedAt,omitempty"`
	ReportedAt   *time.Time `json:"reportedAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`

	Version int64 `json:"-"`
}

// RunnableTaskStatuses lists the statuses the dispatcher claims from once due.
var RunnableTaskStatuses = []string{string(TaskQueued), string(TaskFailedRetryable)}

// TaskID derives the deterministic task id for one side of an exchange.
func TaskID(exchangeID string, side Side) string {
	return exchangeID + ":" + string(side)
}

// NeedsReport reports whether a finished result has not reached the coordinator yet.
func (t *ExecutionTask) NeedsReport() bool {
	return (t.Status == TaskSucceeded || t.Status == TaskFailedTerminal) && t.ReportedAt == nil
}

func (t *ExecutionTask) index() Index {
	idx := Index{Status: string(t.Status), Ref: t.ExchangeID}
	switch {
	case t.Status == TaskQueued || t.Status == TaskFailedRetryable:
		idx.At = t.ScheduledAt
	case t.Status == TaskRunning && t.LeaseUntil != nil:
		idx.At = *t.LeaseUntil
	case t.NeedsReport() && t.FinishedAt != nil:
		idx.At = *t.FinishedAt
	}
	return idx
}

// HealthStatus is the overall classification of one supervisor cycle.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "HEALTHY"
	HealthDegraded HealthStatus = "DEGRADED"
	HealthCritical HealthStatus = "CRITICAL"
)

// CheckState is the outcome of one health check.
type CheckState string

const (
	CheckOK      CheckState = "ok"
	CheckFailed  CheckState = "failed"
	CheckUnknown CheckState = "unknown"
)

// HealthSnapshot is an immutable record of one supervisor cycle.
type HealthSnapshot struct {
	ID                 string                `json:"id"`
	Status             HealthStatus          `json:"status"`
	Checks             map[string]CheckState `json:"checks"`
	Reasons            []string              `json:"reasons,omitempty"`
	QueueDepth         int                   `json:"queueDepth"`
	Running            int                   `json:"running"`
	Saturation         float64               `json:"saturation"`
	FailureRate        float64               `json:"failureRate"`
	ActiveExchanges    int                   `json:"activeExchanges"`
	CompletedToday     int                   `json:"completedToday"`
	ExpiredToday       int                   `json:"expiredToday"`
	TakenAt            time.Time             `json:"takenAt"`
	PreviousStatus     HealthStatus          `json:"previousStatus,omitempty"`
	EnteredCriticalNow bool                  `json:"enteredCriticalNow,omitempty"`
}

// MetricPoint is one immutable sample written alongside a HealthSnapshot.
type MetricPoint struct {
	ID         string    `json:"id"`
	SnapshotID string    `json:"snapshotId"`
	Name       string    `json:"name"`
	Value      float64   `json:"value"`
	At         time.Time `json:"at"`
}

// Day formats t as its UTC calendar day, the bucket used for daily counts.
func Day(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}

func decode(rec *Record, v any) error {
	if err := json.Unmarshal(rec.Value, v); err != nil {
		return fmt.Errorf("decoding %s/%s: %w", rec.Collection, rec.Key, err)
	}
	return nil
}

func encode(collection Collection, key string, v any, idx Index) (*Record, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding %s/%s: %w", collection, key, err)
	}
	return &Record{Collection: collection, Key: key, Value: data, Index: idx}, nil
}

// GetExchange loads an exchange with its current version.
func GetExchange(ctx context.Context, g Gateway, id string) (*Exchange, error) {
	rec, err := g.Get(ctx, CollectionExchanges, id)
	if err != nil {
		return nil, err
	}
	var ex Exchange
	if err := decode(rec, &ex); err != nil {
		return nil, err
	}
	ex.Version = rec.Version
	return &ex, nil
}

// SaveExchange writes ex if its Version still matches the stored one.
// A zero Version creates the exchange. On success ex.Version is advanced.
func SaveExchange(ctx context.Context, g Gateway, ex *Exchange) error {
	rec, err := encode(CollectionExchanges, ex.ID, ex, ex.index())
	if err != nil {
		return err
	}
	v, err := g.CompareAndSwap(ctx, rec, ex.Version)
	if err != nil {
		return err
	}
	ex.Version = v
	return nil
}

// ListExchanges returns exchanges matching f.
func ListExchanges(ctx context.Context, g Gateway, f ListFilter) ([]*Exchange, error) {
	recs, err := g.List(ctx, CollectionExchanges, f)
	if err != nil {
		return nil, err
	}
	out := make([]*Exchange, 0, len(recs))
	for _, rec := range recs {
		var ex Exchange
		if err := decode(rec, &ex); err != nil {
			return nil, err
		}
		ex.Version = rec.Version
		out = append(out, &ex)
	}
	return out, nil
}

// GetConversation loads the state for a chat.
func GetConversation(ctx context.Context, g Gateway, chatID string) (*ConversationState, error) {
	rec, err := g.Get(ctx, CollectionConversations, chatID)
	if err != nil {
		return nil, err
	}
	var cs ConversationState
	if err := decode(rec, &cs); err != nil {
		return nil, err
	}
	cs.Version = rec.Version
	return &cs, nil
}

// SaveConversation writes cs under compare-and-swap on its Version.
func SaveConversation(ctx context.Context, g Gateway, cs *ConversationState) error {
	rec, err := encode(CollectionConversations, cs.ChatID, cs, cs.index())
	if err != nil {
		return err
	}
	v, err := g.CompareAndSwap(ctx, rec, cs.Version)
	if err != nil {
		return err
	}
	cs.Version = v
	return nil
}

// ListConversations returns conversation states matching f.
func ListConversations(ctx context.Context, g Gateway, f ListFilter) ([]*ConversationState, error) {
	recs, err := g.List(ctx, CollectionConversations, f)
	if err != nil {
		return nil, err
	}
	out := make([]*ConversationState, 0, len(recs))
	for _, rec := range recs {
		var cs ConversationState
		if err := decode(rec, &cs); err != nil {
			return nil, err
		}
		cs.Version = rec.Version
		out = append(out, &cs)
	}
	return out, nil
}

// GetTask loads an execution task.
func GetTask(ctx context.Context, g Gateway, id string) (*ExecutionTask, error) {
	rec, err := g.Get(ctx, CollectionTasks, id)
	if err != nil {
		return nil, err
	}
	var t ExecutionTask
	if err := decode(rec, &t); err != nil {
		return nil, err
	}
	t.Version = rec.Version
	return &t, nil
}

// SaveTask writes t under compare-and-swap on its Version.
func SaveTask(ctx context.Context, g Gateway, t *ExecutionTask) error {
	rec, err := encode(CollectionTasks, t.ID, t, t.index())
	if err != nil {
		return err
	}
	v, err := g.CompareAndSwap(ctx, rec, t.Version)
	if err != nil {
		return err
	}
	t.Version = v
	return nil
}

// ListTasks returns tasks matching f.
func ListTasks(ctx context.Context, g Gateway, f ListFilter) ([]*ExecutionTask, error) {
	recs, err := g.List(ctx, CollectionTasks, f)
	if err != nil {
		return nil, err
	}
	out := make([]*ExecutionTask, 0, len(recs))
	for _, rec := range recs {
		var t ExecutionTask
		if err := decode(rec, &t); err != nil {
			return nil, err
		}
		t.Version = rec.Version
		out = append(out, &t)
	}
	return out, nil
}

// AppendHealthSnapshot stores a new snapshot. Snapshots are never rewritten.
func AppendHealthSnapshot(ctx context.Context, g Gateway, s *HealthSnapshot) error {
	rec, err := encode(CollectionHealthSnapshots, s.ID, s, Index{Status: string(s.Status), Ref: Day(s.TakenAt), At: s.TakenAt})
	if err != nil {
		return err
	}
	_, err = g.CompareAndSwap(ctx, rec, 0)
	return err
}

// ListHealthSnapshots returns snapshots matching f, oldest first.
func ListHealthSnapshots(ctx context.Context, g Gateway, f ListFilter) ([]*HealthSnapshot, error) {
	recs, err := g.List(ctx, CollectionHealthSnapshots, f)
	if err != nil {
		return nil, err
	}
	out := make([]*HealthSnapshot, 0, len(recs))
	for _, rec := range recs {
		var s HealthSnapshot
		if err := decode(rec, &s); err != nil {
			return nil, err
		}
		out = append(out, &s)
	}
	return out, nil
}

// AppendMetricPoint stores a new metric sample.
func AppendMetricPoint(ctx context.Context, g Gateway, p *MetricPoint) error {
	rec, err := encode(CollectionMetricPoints, p.ID, p, Index{Status: p.Name, Ref: p.SnapshotID, At: p.At})
	if err != nil {
		return err
	}
	_, err = g.CompareAndSwap(ctx, rec, 0)
	return err
}

// ListMetricPoints returns metric samples matching f.
func ListMetricPoints(ctx context.Context, g Gateway, f ListFilter) ([]*MetricPoint, error) {
	recs, err := g.List(ctx, CollectionMetricPoints, f)
	if err != nil {
		return nil, err
	}
	out := make([]*MetricPoint, 0, len(recs))
	for _, rec := range recs {
		var p MetricPoint
		if err := decode(rec, &p); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, nil
}
