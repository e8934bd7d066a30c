// ABOUTME: Bounded, time-limited window of seen message ids for inbound chat dedupe
// ABOUTME: Insertion-ordered list gives O(1) eviction; expired ids are pruned lazily and by a janitor

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	key    string
	seenAt time.Time
}

// Window tracks message ids seen within ttl, holding at most maxSize ids.
type Window struct {
	mu      sync.Mutex
	seen    map[string]*list.Element
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	done   chan struct{}
	closed bool
}

// New creates a window and starts its janitor. Call Close to stop it.
func New(ttl time.Duration, maxSize int) *Window {
	w := newWindow(ttl, maxSize, time.Now)
	go w.janitor(ttl)
	return w
}

func newWindow(ttl time.Duration, maxSize int, now func() time.Time) *Window {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &Window{
		seen:    make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     now,
		done:    make(chan struct{}),
	}
}

// CheckAndMark reports whether key was already seen within the window and
// marks it seen. The check and the mark are one atomic step.
func (w *Window) CheckAndMark(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	if el, ok := w.seen[key]; ok {
		e := el.Value.(*entry)
		if now.Sub(e.seenAt) < w.ttl {
			return true
		}
		w.order.Remove(el)
		delete(w.seen, key)
	}

	for len(w.seen) >= w.maxSize {
		w.evictOldest()
	}
	w.seen[key] = w.order.PushBack(&entry{key: key, seenAt: now})
	return false
}

// Forget drops key so a later delivery is processed again. Used when
// handling a message failed before it changed any state.
func (w *Window) Forget(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if el, ok := w.seen[key]; ok {
		w.order.Remove(el)
		delete(w.seen, key)
	}
}

// Len returns the number of ids currently held, expired or not.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.seen)
}

func (w *Window) evictOldest() {
	front := w.order.Front()
	if front == nil {
		return
	}
	w.order.Remove(front)
	delete(w.seen, front.Value.(*entry).key)
}

// prune drops expired ids from the front of the list.
func (w *Window) prune() {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	for front := w.order.Front(); front != nil; front = w.order.Front() {
		if now.Sub(front.Value.(*entry).seenAt) < w.ttl {
			return
		}
		w.evictOldest()
	}
}

func (w *Window) janitor(ttl time.Duration) {
	interval := ttl
	if interval <= 0 || interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.prune()
		case <-w.done:
			return
		}
	}
}

// Close stops the janitor. Safe to call more than once.
func (w *Window) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		close(w.done)
		w.closed = true
	}
}
