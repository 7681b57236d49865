package embedding

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Recomputer rebuilds one card's prototype.
type Recomputer interface {
	RecomputePrototype(ctx context.Context, cardID uuid.UUID) error
}

// PrototypeRefresher recomputes prototypes off the caller's path. Requests
// for a card already waiting are merged.
type PrototypeRefresher struct {
	target  Recomputer
	timeout time.Duration

	mu      sync.Mutex
	pending map[uuid.UUID]struct{}
	order   []uuid.UUID
	wake    chan struct{}
	done    chan struct{}
}

func NewPrototypeRefresher(target Recomputer, timeout time.Duration) *PrototypeRefresher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &PrototypeRefresher{
		target:  target,
		timeout: timeout,
		pending: make(map[uuid.UUID]struct{}),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Refresh schedules a recompute of cardID and returns immediately.
func (r *PrototypeRefresher) Refresh(cardID uuid.UUID) {
	r.mu.Lock()
	if _, ok := r.pending[cardID]; !ok {
		r.pending[cardID] = struct{}{}
		r.order = append(r.order, cardID)
	}
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of cards waiting.
func (r *PrototypeRefresher) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

// Run drains requests until ctx is cancelled, then finishes what is queued.
func (r *PrototypeRefresher) Run(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			r.drain(context.WithoutCancel(ctx))
			return
		case <-r.wake:
			r.drain(ctx)
		}
	}
}

// Done is closed when Run has returned.
func (r *PrototypeRefresher) Done() <-chan struct{} { return r.done }

func (r *PrototypeRefresher) next() (uuid.UUID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.order) == 0 {
		return uuid.Nil, false
	}
	id := r.order[0]
	r.order = r.order[1:]
	delete(r.pending, id)
	return id, true
}

func (r *PrototypeRefresher) drain(ctx context.Context) {
	for {
		id, ok := r.next()
		if !ok {
			return
		}
		runCtx, cancel := context.WithTimeout(ctx, r.timeout)
		err := r.target.RecomputePrototype(runCtx, id)
		cancel()
		if err != nil {
			slog.Error("embedding.prototype_refresh_failed", "card_id", id, "error", err)
			continue
		}
		slog.Debug("embedding.prototype_refreshed", "card_id", id)
	}
}
