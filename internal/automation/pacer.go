// ABOUTME: Per-identity pacer enforcing a hard minimum interval between backend calls
// ABOUTME: One token-bucket limiter with burst 1 plus a single-slot semaphore per automation identity

package automation

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type identityGate struct {
	slot    chan struct{}
	limiter *rate.Limiter
}

// Pacer spaces consecutive calls for the same identity by at least minInterval.
// Calls for one identity are also serialized, so a slow call can never
// overlap the next one.
type Pacer struct {
	minInterval time.Duration

	mu    sync.Mutex
	gates map[string]*identityGate
}

// NewPacer creates a pacer. A zero interval disables spacing but keeps
// per-identity serialization.
func NewPacer(minInterval time.Duration) *Pacer {
	return &Pacer{
		minInterval: minInterval,
		gates:       make(map[string]*identityGate),
	}
}

func (p *Pacer) gate(identity string) *identityGate {
	p.mu.Lock()
	defer p.mu.Unlock()

	g, ok := p.gates[identity]
	if !ok {
		limit := rate.Inf
		if p.minInterval > 0 {
			limit = rate.Every(p.minInterval)
		}
		g = &identityGate{
			slot:    make(chan struct{}, 1),
			limiter: rate.NewLimiter(limit, 1),
		}
		p.gates[identity] = g
	}
	return g
}

// Acquire blocks until identity may call the backend. The returned release
// must be called when the call finishes.
func (p *Pacer) Acquire(ctx context.Context, identity string) (release func(), err error) {
	g := p.gate(identity)

	select {
	case g.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if err := g.limiter.Wait(ctx); err != nil {
		<-g.slot
		return nil, err
	}

	var once sync.Once
	return func() { once.Do(func() { <-g.slot }) }, nil
}
