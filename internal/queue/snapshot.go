package queue

import (
	"fmt"

	"github.com/samber/lo"

	"github.com/tutti-audio/tutti/internal/domain"
)

// Snapshot captures the queue's externally visible state for the
// persistence boundary. Stream handles are deliberately not serialized;
// they are time-bounded and re-resolved after rehydration.
func (q *Queue) Snapshot() domain.QueueSnapshot {
	q.mu.RLock()
	defer q.mu.RUnlock()

	snap := domain.QueueSnapshot{
		Items:      append([]domain.QueueItem(nil), q.items...),
		CurrentSeq: q.current,
		NextSeq:    q.nextSeq,
		Repeat:     q.repeat,
		Shuffle:    q.shuffle,
	}
	for i := range snap.Items {
		snap.Items[i].Handle = nil
	}
	if q.shuffle {
		snap.Order = append([]uint64(nil), q.order...)
	}
	return snap
}

// Restore rehydrates the queue from a snapshot, validating that sequence
// numbers are unique and below the counter so monotonicity survives the
// round trip.
func (q *Queue) Restore(snap domain.QueueSnapshot) error {
	seen := make(map[uint64]struct{}, len(snap.Items))
	for _, it := range snap.Items {
		if it.Seq == 0 || it.Seq >= snap.NextSeq {
			return fmt.Errorf("restore: seq %d out of range: %w", it.Seq, domain.ErrInvalidReference)
		}
		if _, dup := seen[it.Seq]; dup {
			return fmt.Errorf("restore: duplicate seq %d: %w", it.Seq, domain.ErrInvalidReference)
		}
		if !it.Ref.Valid() {
			return fmt.Errorf("restore: seq %d: %w", it.Seq, domain.ErrInvalidReference)
		}
		seen[it.Seq] = struct{}{}
	}
	if snap.CurrentSeq != 0 {
		if _, ok := seen[snap.CurrentSeq]; !ok {
			return fmt.Errorf("restore: current seq %d: %w", snap.CurrentSeq, domain.ErrNotFound)
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = append([]domain.QueueItem(nil), snap.Items...)
	q.current = snap.CurrentSeq
	q.nextSeq = snap.NextSeq
	if q.nextSeq == 0 {
		q.nextSeq = 1
	}
	q.repeat = snap.Repeat
	if q.repeat == "" {
		q.repeat = domain.RepeatOff
	}
	q.shuffle = snap.Shuffle

	if q.shuffle && len(snap.Order) == len(snap.Items) {
		q.order = append([]uint64(nil), snap.Order...)
		valid := lo.EveryBy(q.order, func(s uint64) bool {
			_, ok := seen[s]
			return ok
		})
		if !valid {
			q.rebuildOrderLocked()
		}
	} else {
		q.rebuildOrderLocked()
	}
	return nil
}
