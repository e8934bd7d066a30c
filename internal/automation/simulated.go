// ABOUTME: Simulated automation backend for local runs and tests
// ABOUTME: Fails a configurable percentage of calls, retryably or terminally, after a fixed latency

package automation

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/reciprocity-gateway/internal/apperr"
)

// SimulatedBackend stands in for the real platform.
type SimulatedBackend struct {
	// FailPercent of calls fail (0-100).
	FailPercent int
	// TerminalPercent of failures are terminal rather than retryable (0-100).
	TerminalPercent int
	// Latency is slept before each call returns.
	Latency time.Duration

	mu     sync.Mutex
	rng    *rand.Rand
	calls  atomic.Int64
	logger *slog.Logger
}

// NewSimulatedBackend creates a simulated backend. Pass nil logger for default.
func NewSimulatedBackend(failPercent, terminalPercent int, latency time.Duration, logger *slog.Logger) *SimulatedBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &SimulatedBackend{
		FailPercent:     failPercent,
		TerminalPercent: terminalPercent,
		Latency:         latency,
		rng:             rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0)),
		logger:          logger.With("component", "automation-simulated"),
	}
}

// PerformAction sleeps for Latency, then rolls for failure.
func (s *SimulatedBackend) PerformAction(ctx context.Context, req ActionRequest) error {
	s.calls.Add(1)

	if s.Latency > 0 {
		timer := time.NewTimer(s.Latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return apperr.RetryableBackend("action interrupted", ctx.Err())
		case <-timer.C:
		}
	}

	s.mu.Lock()
	fail := s.rng.IntN(100) < s.FailPercent
	terminal := s.rng.IntN(100) < s.TerminalPercent
	s.mu.Unlock()

	if !fail {
		s.logger.Debug("simulated action", "identity", req.Identity, "content", req.ContentRef)
		return nil
	}
	if terminal {
		return apperr.TerminalBackend("simulated terminal failure", nil)
	}
	return apperr.RetryableBackend("simulated transient failure", nil)
}

// Calls returns how many actions were attempted.
func (s *SimulatedBackend) Calls() int64 {
	return s.calls.Load()
}
