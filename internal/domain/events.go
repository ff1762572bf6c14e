package domain

import "time"

// EventKind classifies notifications fanned out to subscribers.
type EventKind string

const (
	// EventStateChanged signals a transport state machine transition.
	EventStateChanged EventKind = "state_changed"
	// EventQueueChanged signals a queue mutation (enqueue/remove/move/clear).
	EventQueueChanged EventKind = "queue_changed"
	// EventItemStarted signals that a queue item began playing.
	EventItemStarted EventKind = "item_started"
	// EventItemSkipped signals that an unresolvable item was skipped.
	EventItemSkipped EventKind = "item_skipped"
	// EventDriftCorrected signals a corrective reseek applied to a follower.
	// Drift corrections are telemetry, never surfaced as errors.
	EventDriftCorrected EventKind = "drift_corrected"
	// EventLeaderChanged signals leadership transfer within a group.
	EventLeaderChanged EventKind = "leader_changed"
	// EventMemberJoined signals a player joining the group mid-playback.
	EventMemberJoined EventKind = "member_joined"
	// EventMemberLeft signals a player leaving or disconnecting.
	EventMemberLeft EventKind = "member_left"
)

// Event is one notification delivered through the bus: which context, what
// happened, the queue as it stood, and when.
type Event struct {
	Context ContextID      `json:"context"`
	Kind    EventKind      `json:"kind"`
	State   TransportState `json:"state"`
	Queue   *QueueSnapshot `json:"queue,omitempty"`
	Player  PlayerID       `json:"player,omitempty"`
	Item    *QueueItem     `json:"item,omitempty"`
	At      time.Time      `json:"at"`
}
