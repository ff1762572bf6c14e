package domain

// Snapshot types for the persistence boundary. The engine exposes a
// serializable view of context, queue and group state and accepts one back
// to rehydrate after a restart; the storage mechanism itself is external.

// QueueSnapshot captures a queue's full externally visible state.
type QueueSnapshot struct {
	Items      []QueueItem `json:"items"`
	Order      []uint64    `json:"order,omitempty"` // presentation order when shuffled
	CurrentSeq uint64      `json:"current_seq"`     // 0 when no current item
	NextSeq    uint64      `json:"next_seq"`
	Repeat     RepeatMode  `json:"repeat"`
	Shuffle    bool        `json:"shuffle"`
}

// GroupSnapshot captures group membership and leadership.
type GroupSnapshot struct {
	ID      string     `json:"id"`
	Leader  PlayerID   `json:"leader"`
	Members []PlayerID `json:"members"`
}

// ContextSnapshot captures one playback context for crash recovery.
type ContextSnapshot struct {
	ID    ContextID      `json:"id"`
	State TransportState `json:"state"`
	Queue QueueSnapshot  `json:"queue"`
	Group GroupSnapshot  `json:"group"`
}
