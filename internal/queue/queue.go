// Package queue implements the ordered track queue owned by a playback
// context. Items are identified by monotonic sequence numbers, so insertion
// and removal never renumber anything; the cursor is a sequence number and
// stays stable under concurrent-looking mutation. Shuffle is a derived
// presentation order over the same sequence numbers.
package queue

import (
	"fmt"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/tutti-audio/tutti/internal/domain"
)

// Position selects where Enqueue places a new item.
type Position int

const (
	// PositionEnd appends after the last item.
	PositionEnd Position = iota
	// PositionNext inserts directly after the current item.
	PositionNext
	// PositionAt inserts at an explicit index (clamped to bounds).
	PositionAt
)

// Queue is the ordered list of requested tracks for one playback context.
// Mutations are serialized by the owning context's command loop; the mutex
// only protects concurrent snapshot readers.
type Queue struct {
	mu      sync.RWMutex
	items   []domain.QueueItem // underlying order
	order   []uint64           // presentation order (seqs); mirrors items when not shuffled
	current uint64             // seq of the active item, 0 = none
	nextSeq uint64
	repeat  domain.RepeatMode
	shuffle bool
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{
		nextSeq: 1,
		repeat:  domain.RepeatOff,
	}
}

// Enqueue adds a track reference at the requested position and returns the
// created item. The index argument is only used with PositionAt.
func (q *Queue) Enqueue(ref domain.MediaRef, duration time.Duration, pos Position, index int) (domain.QueueItem, error) {
	if !ref.Valid() {
		return domain.QueueItem{}, fmt.Errorf("enqueue %s/%s: %w", ref.Provider, ref.MediaID, domain.ErrInvalidReference)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	item := domain.QueueItem{
		Seq:      q.nextSeq,
		Ref:      ref,
		Duration: duration,
	}
	q.nextSeq++

	at := len(q.items)
	switch pos {
	case PositionNext:
		if idx := q.underlyingIndex(q.current); idx >= 0 {
			at = idx + 1
		}
	case PositionAt:
		at = index
		if at < 0 {
			at = 0
		}
		if at > len(q.items) {
			at = len(q.items)
		}
	}

	q.items = append(q.items[:at], append([]domain.QueueItem{item}, q.items[at:]...)...)
	q.insertIntoOrder(item.Seq, pos)
	return item, nil
}

// Remove deletes the item with the given sequence number. A missing number
// is a benign lost race and returns ErrNotFound.
func (q *Queue) Remove(seq uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.underlyingIndex(seq)
	if idx < 0 {
		return fmt.Errorf("remove seq %d: %w", seq, domain.ErrNotFound)
	}

	// If the active item is removed, park the cursor on the previous
	// surviving item in presentation order so Advance lands on what used
	// to follow the removed one.
	if seq == q.current {
		oi := q.orderIndex(seq)
		if oi > 0 {
			q.current = q.order[oi-1]
		} else {
			q.current = 0
		}
	}

	q.items = append(q.items[:idx], q.items[idx+1:]...)
	q.order = lo.Without(q.order, seq)
	return nil
}

// Move repositions an item within the underlying order. While shuffled the
// presentation order is left untouched; the new position becomes visible
// when shuffle is switched off.
func (q *Queue) Move(seq uint64, newIndex int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.underlyingIndex(seq)
	if idx < 0 {
		return fmt.Errorf("move seq %d: %w", seq, domain.ErrNotFound)
	}

	item := q.items[idx]
	q.items = append(q.items[:idx], q.items[idx+1:]...)
	if newIndex < 0 {
		newIndex = 0
	}
	if newIndex > len(q.items) {
		newIndex = len(q.items)
	}
	q.items = append(q.items[:newIndex], append([]domain.QueueItem{item}, q.items[newIndex:]...)...)

	if !q.shuffle {
		q.rebuildOrderLocked()
	}
	return nil
}

// Clear removes every item and resets the cursor. Sequence numbers are not
// reset; they stay monotonic for the lifetime of the context.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
	q.order = nil
	q.current = 0
}

// SetRepeat configures the repeat mode.
func (q *Queue) SetRepeat(mode domain.RepeatMode) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.repeat = mode
}

// Repeat returns the configured repeat mode.
func (q *Queue) Repeat() domain.RepeatMode {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.repeat
}

// SetShuffle toggles shuffle. The already-played prefix (up to and
// including the current item) keeps its presentation order, so toggling
// mid-playback never replays heard items. Disabling restores the
// underlying order for the not-yet-played remainder.
func (q *Queue) SetShuffle(on bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.shuffle == on {
		return
	}
	q.shuffle = on

	split := 0
	if oi := q.orderIndex(q.current); oi >= 0 {
		split = oi + 1
	}
	played := q.order[:split]
	remainder := append([]uint64(nil), q.order[split:]...)

	if on {
		remainder = lo.Shuffle(remainder)
	} else {
		inRemainder := lo.SliceToMap(remainder, func(s uint64) (uint64, struct{}) { return s, struct{}{} })
		remainder = remainder[:0]
		for _, it := range q.items {
			if _, ok := inRemainder[it.Seq]; ok {
				remainder = append(remainder, it.Seq)
			}
		}
	}
	q.order = append(append([]uint64(nil), played...), remainder...)
}

// Shuffle reports whether shuffle is enabled.
func (q *Queue) Shuffle() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.shuffle
}

// Current returns the active item, if any.
func (q *Queue) Current() (domain.QueueItem, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if idx := q.underlyingIndex(q.current); idx >= 0 {
		return q.items[idx], true
	}
	return domain.QueueItem{}, false
}

// Advance moves the cursor to the next item and returns it. Under
// repeat=one a natural advance re-returns the current item, but an explicit
// user skip moves on. Under repeat=all the end wraps to the first surviving
// item. Returns ok=false at end of queue.
func (q *Queue) Advance(isSkip bool) (domain.QueueItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	seq, ok := q.nextSeqLocked(isSkip)
	if !ok {
		return domain.QueueItem{}, false
	}
	q.current = seq
	return q.items[q.underlyingIndex(seq)], true
}

// PeekNext returns what Advance would return, without moving the cursor.
// Used for prefetch and crossfade staging.
func (q *Queue) PeekNext(isSkip bool) (domain.QueueItem, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	seq, ok := q.nextSeqLocked(isSkip)
	if !ok {
		return domain.QueueItem{}, false
	}
	return q.items[q.underlyingIndex(seq)], true
}

// Previous moves the cursor to the preceding item in presentation order and
// returns it. At the head it re-returns the first item.
func (q *Queue) Previous() (domain.QueueItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.order) == 0 {
		return domain.QueueItem{}, false
	}
	oi := q.orderIndex(q.current)
	switch {
	case oi < 0:
		return domain.QueueItem{}, false
	case oi > 0:
		oi--
	}
	q.current = q.order[oi]
	return q.items[q.underlyingIndex(q.current)], true
}

// SetHandle attaches a resolved stream handle to an item. The item itself
// is immutable once resolved; only this cache reference changes.
func (q *Queue) SetHandle(seq uint64, handle *domain.StreamHandle) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if idx := q.underlyingIndex(seq); idx >= 0 {
		q.items[idx].Handle = handle
	}
}

// Len returns the number of items.
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.items)
}

// Items returns a copy of the queue in presentation order.
func (q *Queue) Items() []domain.QueueItem {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return lo.Map(q.order, func(seq uint64, _ int) domain.QueueItem {
		return q.items[q.underlyingIndex(seq)]
	})
}

// nextSeqLocked computes the sequence number the cursor would move to.
func (q *Queue) nextSeqLocked(isSkip bool) (uint64, bool) {
	if len(q.order) == 0 {
		return 0, false
	}

	if q.repeat == domain.RepeatOne && !isSkip {
		if q.underlyingIndex(q.current) >= 0 {
			return q.current, true
		}
	}

	oi := q.orderIndex(q.current)
	next := oi + 1 // cursor gone or unset: start from the head
	if next >= len(q.order) {
		if q.repeat != domain.RepeatAll {
			return 0, false
		}
		next = 0
	}
	return q.order[next], true
}

func (q *Queue) underlyingIndex(seq uint64) int {
	if seq == 0 {
		return -1
	}
	for i := range q.items {
		if q.items[i].Seq == seq {
			return i
		}
	}
	return -1
}

func (q *Queue) orderIndex(seq uint64) int {
	if seq == 0 {
		return -1
	}
	for i, s := range q.order {
		if s == seq {
			return i
		}
	}
	return -1
}

func (q *Queue) rebuildOrderLocked() {
	q.order = lo.Map(q.items, func(it domain.QueueItem, _ int) uint64 { return it.Seq })
}

// insertIntoOrder places a freshly enqueued seq into the presentation
// order. While shuffled, PositionNext still lands right after the current
// item; everything else joins the unplayed remainder at the end.
func (q *Queue) insertIntoOrder(seq uint64, pos Position) {
	if !q.shuffle {
		q.rebuildOrderLocked()
		return
	}
	if pos == PositionNext {
		if oi := q.orderIndex(q.current); oi >= 0 {
			q.order = append(q.order[:oi+1], append([]uint64{seq}, q.order[oi+1:]...)...)
			return
		}
	}
	q.order = append(q.order, seq)
}
