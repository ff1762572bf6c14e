// Package bus fans playback events out to subscribers. Delivery is
// at-least-once and asynchronous: publishing never blocks the engine's
// critical path, so a subscriber that stops draining its channel loses
// events rather than stalling playback. Events published from one context
// arrive in FIFO order because each context publishes from a single
// goroutine.
package bus

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tutti-audio/tutti/internal/domain"
)

const subscriberBuffer = 32

// Bus is the notification fan-out point.
type Bus struct {
	logger *zap.Logger

	mu              sync.RWMutex
	subs            map[chan domain.Event]struct{}
	lastDropWarning time.Time
}

// New creates an event bus.
func New(logger *zap.Logger) *Bus {
	return &Bus{
		logger: logger,
		subs:   make(map[chan domain.Event]struct{}),
	}
}

// Subscribe registers a listener and returns its channel plus a cancel
// function. The channel is closed on cancel.
func (b *Bus) Subscribe() (<-chan domain.Event, func()) {
	ch := make(chan domain.Event, subscriberBuffer)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber without blocking. Slow
// subscribers are skipped; a rate-limited warning records the drop.
func (b *Bus) Publish(event domain.Event) {
	if event.At.IsZero() {
		event.At = time.Now()
	}

	b.mu.RLock()
	dropped := 0
	for ch := range b.subs {
		select {
		case ch <- event:
		default:
			dropped++
		}
	}
	warn := dropped > 0 && time.Since(b.lastDropWarning) > 10*time.Second
	b.mu.RUnlock()

	if warn {
		b.mu.Lock()
		b.lastDropWarning = time.Now()
		b.mu.Unlock()
		b.logger.Warn("Dropped events for slow subscribers",
			zap.Int("subscribers", dropped),
			zap.String("kind", string(event.Kind)))
	}
}

// SubscriberCount reports the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
