package domain

import (
	"context"
	"time"
)

// Provider defines the capability interface over an external music source.
// Implementations hide provider-specific auth and transport; new sources are
// added by implementing this interface, never by branching in the engine.
type Provider interface {
	// ID returns the stable identifier of this provider.
	ID() ProviderID

	// ResolveStream resolves a media id to a playable stream descriptor.
	// Failures are reported through the error taxonomy in errors.go:
	// ErrMediaNotFound, ErrAuthExpired, ErrRateLimited, ErrMediaUnavailable.
	ResolveStream(ctx context.Context, mediaID string, quality Quality) (StreamDescriptor, error)
}

// Player defines the capability interface over one output endpoint.
// Players never mutate queue state; they only accept instructions and
// report telemetry back.
type Player interface {
	// ID returns the stable identifier of this endpoint.
	ID() PlayerID

	// AssignStream hands the endpoint a resolved stream and a start offset.
	// The endpoint begins buffering; readiness is reported via Telemetry.
	AssignStream(ctx context.Context, handle StreamHandle, startOffset time.Duration) error

	// Transport issues a transport instruction. The position argument is
	// only meaningful for TransportSeek.
	Transport(ctx context.Context, cmd TransportCommand, position time.Duration) error

	// SetVolume sets the output level, 0..100.
	SetVolume(ctx context.Context, level int) error

	// Telemetry returns a read-only channel emitting position, buffer
	// health and connectivity at the endpoint's reporting interval.
	Telemetry() <-chan Telemetry
}
