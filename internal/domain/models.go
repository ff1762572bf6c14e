package domain

import "time"

// ProviderID identifies a music source (streaming service, local library, radio).
type ProviderID string

// PlayerID identifies a playback endpoint on the network.
type PlayerID string

// ContextID identifies one logical playback session.
type ContextID string

// MediaRef is a logical reference to a track at a specific provider.
type MediaRef struct {
	Provider ProviderID `json:"provider"`
	MediaID  string     `json:"media_id"`
}

// Valid reports whether the reference carries both a provider and a media id.
func (r MediaRef) Valid() bool {
	return r.Provider != "" && r.MediaID != ""
}

// Quality is a hint passed to providers during stream resolution.
type Quality string

const (
	QualityDefault  Quality = "default"
	QualityLow      Quality = "low"
	QualityLossless Quality = "lossless"
)

// TransportState is the playback state of a context.
type TransportState int

const (
	StateIdle TransportState = iota
	StateBuffering
	StatePlaying
	StatePaused
	StateStopped
)

func (s TransportState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBuffering:
		return "buffering"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// RepeatMode controls queue advancement at track and queue boundaries.
type RepeatMode string

const (
	RepeatOff RepeatMode = "off"
	RepeatOne RepeatMode = "one"
	RepeatAll RepeatMode = "all"
)

// TransportCommand is an instruction sent to a player endpoint.
type TransportCommand string

const (
	TransportPlay  TransportCommand = "play"
	TransportPause TransportCommand = "pause"
	TransportStop  TransportCommand = "stop"
	TransportSeek  TransportCommand = "seek"
)

// StreamDescriptor is what a provider returns for a resolvable media reference.
type StreamDescriptor struct {
	URL      string        `json:"url"`
	Token    string        `json:"token,omitempty"`
	Codec    string        `json:"codec"`
	Duration time.Duration `json:"duration"`
}

// StreamHandle is a resolved, time-bounded reference to playable audio.
// It must be re-resolved once the freshness window elapses.
type StreamHandle struct {
	Ref        MediaRef         `json:"ref"`
	Quality    Quality          `json:"quality"`
	Descriptor StreamDescriptor `json:"descriptor"`
	ResolvedAt time.Time        `json:"resolved_at"`
	Freshness  time.Duration    `json:"freshness"`
}

// Expired reports whether the handle is past its freshness window.
func (h StreamHandle) Expired(now time.Time) bool {
	return now.Sub(h.ResolvedAt) >= h.Freshness
}

// QueueItem is one logical track request within a queue. The sequence number
// is its identity: strictly increasing per context, never reused, stable
// under insertion and removal.
type QueueItem struct {
	Seq      uint64        `json:"seq"`
	Ref      MediaRef      `json:"ref"`
	Duration time.Duration `json:"duration,omitempty"`

	// Handle caches the last resolution for this item, nil until resolved.
	Handle *StreamHandle `json:"-"`
}

// Telemetry is the asynchronous state feed reported by a player endpoint.
type Telemetry struct {
	Player       PlayerID
	Position     time.Duration
	BufferHealth float64 // 0..1, fraction of the playout buffer filled
	Connected    bool
	At           time.Time
}

// PlayerState is the last known state of a player endpoint.
type PlayerState struct {
	Player       PlayerID      `json:"player"`
	Connected    bool          `json:"connected"`
	Position     time.Duration `json:"position"`
	BufferHealth float64       `json:"buffer_health"`
	Volume       int           `json:"volume"`
	Assigned     *StreamHandle `json:"assigned,omitempty"`
}
