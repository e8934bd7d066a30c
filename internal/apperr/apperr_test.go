// ABOUTME: Tests for the error taxonomy
// ABOUTME: Covers sentinel matching by code and kind, unwrapping, and KindOf

package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_IsMatchesByCode(t *testing.T) {
	err := Conflict(CodeAlreadyMatched, "exchange is confirmed")

	assert.ErrorIs(t, err, ErrAlreadyMatched)
	assert.NotErrorIs(t, err, ErrAlreadyFinished)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestError_IsMatchesByKindWhenTargetHasNoCode(t *testing.T) {
	err := RetryableBackend("rate limited", nil)

	assert.ErrorIs(t, err, &Error{Kind: KindRetryableBackend})
	assert.NotErrorIs(t, err, &Error{Kind: KindTerminalBackend})
}

func TestError_WrappedChain(t *testing.T) {
	cause := errors.New("disk full")
	err := fmt.Errorf("saving exchange: %w", StorageUnavailable("write failed", cause))

	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, KindStorageUnavailable, KindOf(err))
	assert.True(t, IsKind(err, KindStorageUnavailable))
}

func TestKindOf_PlainError(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("boom")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestError_Message(t *testing.T) {
	err := Validation(CodeInvalidContent, "content link is empty")
	assert.Equal(t, "validation: INVALID_CONTENT (content link is empty)", err.Error())

	wrapped := TerminalBackend("content removed", errors.New("410"))
	assert.Equal(t, "terminal_backend: BACKEND_TERMINAL (content removed): 410", wrapped.Error())
}
