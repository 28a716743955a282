// Package notify distributes ledger changes to interested readers, such as
// clients streaming their usage. Delivery is best effort: slow subscribers
// lose messages instead of blocking the publisher.
package notify

import (
	"context"
	"sync"

	"github.com/ineyio/voxmeter"
)

const defaultBufferSize = 16

// Hub is an in-process voxmeter.Notifier that fans changes out to
// subscribers. All methods are safe for concurrent use.
type Hub struct {
	mu         sync.RWMutex
	subs       map[*subscription]struct{}
	bufferSize int
	closed     bool
}

var _ voxmeter.Notifier = (*Hub)(nil)

type subscription struct {
	userID string // empty receives every change
	ch     chan voxmeter.Change
	once   sync.Once
}

func (s *subscription) close() {
	s.once.Do(func() { close(s.ch) })
}

// NewHub creates a Hub with the given per-subscriber buffer.
func NewHub(bufferSize int) *Hub {
	if bufferSize < 1 {
		bufferSize = defaultBufferSize
	}
	return &Hub{
		subs:       make(map[*subscription]struct{}),
		bufferSize: bufferSize,
	}
}

// Subscribe returns a channel receiving changes for userID, or for every
// account if userID is empty. The channel is closed when ctx is done or the
// Hub is closed.
func (h *Hub) Subscribe(ctx context.Context, userID string) <-chan voxmeter.Change {
	sub := &subscription{
		userID: userID,
		ch:     make(chan voxmeter.Change, h.bufferSize),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sub.close()
		return sub.ch
	}
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			h.remove(sub)
		}()
	}

	return sub.ch
}

// Publish delivers change to matching subscribers without blocking. It never
// returns an error.
func (h *Hub) Publish(_ context.Context, change voxmeter.Change) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return nil
	}
	for sub := range h.subs {
		if sub.userID != "" && sub.userID != change.UserID {
			continue
		}
		select {
		case sub.ch <- change:
		default:
		}
	}
	return nil
}

// Len returns the number of active subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close closes every subscriber. It is safe to call more than once.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true
	for sub := range h.subs {
		sub.close()
	}
	clear(h.subs)
	return nil
}

func (h *Hub) remove(sub *subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.subs, sub)
	sub.close()
}
