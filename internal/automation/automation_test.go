// ABOUTME: Tests for backend error classification, the HTTP backend, the simulated backend and the pacer
// ABOUTME: HTTP cases run against httptest servers; pacing is checked with real timing

package automation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/reciprocity-gateway/internal/apperr"
)

func TestClassify(t *testing.T) {
	assert.NoError(t, Classify(nil))

	terminal := apperr.TerminalBackend("gone", nil)
	assert.Same(t, terminal, Classify(terminal))

	assert.True(t, apperr.IsKind(Classify(errors.New("eof")), apperr.KindRetryableBackend))
	assert.True(t, apperr.IsKind(Classify(context.DeadlineExceeded), apperr.KindRetryableBackend))
}

func TestHTTPBackend_StatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		kind   apperr.Kind
	}{
		{"ok", http.StatusOK, ""},
		{"accepted", http.StatusAccepted, ""},
		{"rate limited", http.StatusTooManyRequests, apperr.KindRetryableBackend},
		{"server error", http.StatusBadGateway, apperr.KindRetryableBackend},
		{"not found", http.StatusNotFound, apperr.KindTerminalBackend},
		{"forbidden", http.StatusForbidden, apperr.KindTerminalBackend},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got ActionRequest
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/actions", r.URL.Path)
				assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
				assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"reason":"because"}`))
			}))
			defer srv.Close()

			b := NewHTTPBackend(srv.URL+"/", "secret", time.Second, nil)
			err := b.PerformAction(context.Background(), ActionRequest{Identity: "alice", ContentRef: "https://v/1", ActionType: "like"})

			assert.Equal(t, tt.kind, apperr.KindOf(err))
			assert.Equal(t, "alice", got.Identity)
			assert.Equal(t, "like", got.ActionType)
			if err != nil {
				assert.Contains(t, err.Error(), "because")
			}
		})
	}
}

func TestHTTPBackend_UnreachableIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	err := NewHTTPBackend(url, "", time.Second, nil).PerformAction(context.Background(), ActionRequest{Identity: "a"})
	assert.True(t, apperr.IsKind(err, apperr.KindRetryableBackend))
}

func TestSimulatedBackend(t *testing.T) {
	ctx := context.Background()

	ok := NewSimulatedBackend(0, 0, 0, nil)
	assert.NoError(t, ok.PerformAction(ctx, ActionRequest{Identity: "a"}))
	assert.Equal(t, int64(1), ok.Calls())

	retry := NewSimulatedBackend(100, 0, 0, nil)
	assert.True(t, apperr.IsKind(retry.PerformAction(ctx, ActionRequest{}), apperr.KindRetryableBackend))

	terminal := NewSimulatedBackend(100, 100, 0, nil)
	assert.True(t, apperr.IsKind(terminal.PerformAction(ctx, ActionRequest{}), apperr.KindTerminalBackend))
}

func TestSimulatedBackend_LatencyHonoursContext(t *testing.T) {
	b := NewSimulatedBackend(0, 0, time.Hour, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := b.PerformAction(ctx, ActionRequest{})
	assert.True(t, apperr.IsKind(err, apperr.KindRetryableBackend))
}

func TestPacer_SpacesSameIdentity(t *testing.T) {
	p := NewPacer(50 * time.Millisecond)
	ctx := context.Background()

	var starts []time.Time
	for range 3 {
		release, err := p.Acquire(ctx, "alice")
		require.NoError(t, err)
		starts = append(starts, time.Now())
		release()
	}

	for i := 1; i < len(starts); i++ {
		assert.GreaterOrEqual(t, starts[i].Sub(starts[i-1]), 45*time.Millisecond)
	}
}

func TestPacer_IndependentIdentities(t *testing.T) {
	p := NewPacer(time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for _, id := range []string{"alice", "bob", "carol"} {
		release, err := p.Acquire(ctx, id)
		require.NoError(t, err, id)
		release()
	}
}

func TestPacer_SerializesAndHonoursContext(t *testing.T) {
	p := NewPacer(0)

	release, err := p.Acquire(context.Background(), "alice")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx, "alice")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release() // double release is harmless

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r, err := p.Acquire(context.Background(), "alice")
		assert.NoError(t, err)
		r()
	}()
	wg.Wait()
}
