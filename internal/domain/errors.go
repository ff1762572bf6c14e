package domain

import "errors"

// Error taxonomy. Each class maps to one engine reaction: transient provider
// faults are retried with backoff, unavailable media walks the fallback
// chain, player disconnects adjust group membership, and stale queue
// references are benign lost races for the caller to re-read.
var (
	// ErrInvalidReference rejects input lacking a provider or media id.
	ErrInvalidReference = errors.New("invalid media reference")

	// ErrNotFound marks a stale queue sequence number (already consumed
	// or removed). Callers treat it as a lost race, not a fatal fault.
	ErrNotFound = errors.New("queue item not found")

	// ErrStreamUnavailable is surfaced when every provider in the
	// fallback chain has been exhausted for an item.
	ErrStreamUnavailable = errors.New("stream unavailable from all providers")

	// ErrMediaNotFound reports that the provider does not know the media id.
	ErrMediaNotFound = errors.New("media not found at provider")

	// ErrMediaUnavailable reports that the provider knows the media but
	// cannot serve it right now.
	ErrMediaUnavailable = errors.New("media unavailable at provider")

	// ErrAuthExpired reports an expired provider credential.
	ErrAuthExpired = errors.New("provider auth expired")

	// ErrRateLimited reports a provider rate-limit signal.
	ErrRateLimited = errors.New("provider rate limited")

	// ErrPlayerDisconnected reports a lost player endpoint.
	ErrPlayerDisconnected = errors.New("player disconnected")
)

// IsTransient reports whether a provider error should be retried on the
// same provider with backoff rather than falling through the chain.
func IsTransient(err error) bool {
	return errors.Is(err, ErrAuthExpired) || errors.Is(err, ErrRateLimited)
}

// NeedsFallback reports whether a provider error should advance the
// fallback chain to the next configured provider.
func NeedsFallback(err error) bool {
	return errors.Is(err, ErrMediaNotFound) || errors.Is(err, ErrMediaUnavailable)
}
