// ABOUTME: Automation Backend contract: perform one engagement action for one identity
// ABOUTME: Outcomes are success, a retryable error, or a terminal error from the apperr taxonomy

package automation

import (
	"context"
	"errors"

	"github.com/2389/reciprocity-gateway/internal/apperr"
)

// ActionRequest is a single call to the backend. No batching.
type ActionRequest struct {
	Identity   string `json:"identity"`
	ContentRef string `json:"contentRef"`
	ActionType string `json:"actionType"`
}

// Backend performs engagement actions on the external platform.
//
// PerformAction returns nil on success, an apperr KindRetryableBackend error
// for transient failures, or an apperr KindTerminalBackend error when retrying
// cannot help.
type Backend interface {
	PerformAction(ctx context.Context, req ActionRequest) error
}

// Classify maps any error returned by a backend onto the taxonomy. Errors
// that carry no kind, including context deadlines, are treated as retryable.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	switch apperr.KindOf(err) {
	case apperr.KindRetryableBackend, apperr.KindTerminalBackend:
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return apperr.RetryableBackend("action interrupted", err)
	}
	return apperr.RetryableBackend("backend call failed", err)
}
