// Package resolver turns queue items into live stream handles. It fronts
// the provider adapters with a shared handle cache, bounded retry with
// exponential backoff for transient faults, and an explicit, ordered,
// capped fallback chain for media a provider cannot serve.
package resolver

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tutti-audio/tutti/internal/domain"
)

// maxFallbackDepth caps the fallback chain walked for one resolution.
const maxFallbackDepth = 3

// Options tunes retry, caching and prefetch behavior.
type Options struct {
	// Attempts is the per-provider try count for transient failures.
	Attempts int
	// BackoffBase is the first retry delay; it doubles per attempt.
	BackoffBase time.Duration
	// Freshness is the validity window stamped onto resolved handles.
	Freshness time.Duration
	// PrefetchCeiling caps how far ahead of track end prefetch may start.
	PrefetchCeiling time.Duration
}

func (o *Options) applyDefaults() {
	if o.Attempts <= 0 {
		o.Attempts = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 250 * time.Millisecond
	}
	if o.Freshness <= 0 {
		o.Freshness = 10 * time.Minute
	}
	if o.PrefetchCeiling <= 0 {
		o.PrefetchCeiling = 30 * time.Second
	}
}

// Resolver resolves media references through registered providers.
type Resolver struct {
	logger    *zap.Logger
	opts      Options
	cache     *HandleCache
	providers map[domain.ProviderID]domain.Provider
	fallbacks map[domain.ProviderID][]domain.ProviderID
	now       func() time.Time
}

// New creates a resolver over the given providers. The fallbacks map lists,
// per provider, the ordered alternates to try when media is not found or
// unavailable at the primary.
func New(logger *zap.Logger, cache *HandleCache, providers []domain.Provider, fallbacks map[domain.ProviderID][]domain.ProviderID, opts Options) *Resolver {
	opts.applyDefaults()
	byID := make(map[domain.ProviderID]domain.Provider, len(providers))
	for _, p := range providers {
		byID[p.ID()] = p
	}
	return &Resolver{
		logger:    logger,
		opts:      opts,
		cache:     cache,
		providers: byID,
		fallbacks: fallbacks,
		now:       time.Now,
	}
}

// Resolve produces a live stream handle for a queue item. Cache hits are
// returned immediately; misses walk the provider plus its fallback chain.
// When the whole chain is exhausted the error wraps ErrStreamUnavailable,
// which the orchestrator treats as skip-with-notification, never a stop.
func (r *Resolver) Resolve(ctx context.Context, item domain.QueueItem, quality domain.Quality) (domain.StreamHandle, error) {
	if !item.Ref.Valid() {
		return domain.StreamHandle{}, fmt.Errorf("resolve seq %d: %w", item.Seq, domain.ErrInvalidReference)
	}
	if quality == "" {
		quality = domain.QualityDefault
	}

	if handle, ok := r.cache.Get(item.Ref.Provider, item.Ref.MediaID, quality); ok {
		r.logger.Debug("Resolver cache hit",
			zap.String("provider", string(item.Ref.Provider)),
			zap.String("media", item.Ref.MediaID))
		return handle, nil
	}

	chain := r.chainFor(item.Ref.Provider)
	var lastErr error
	for _, pid := range chain {
		provider, ok := r.providers[pid]
		if !ok {
			r.logger.Warn("Fallback chain names unknown provider", zap.String("provider", string(pid)))
			continue
		}

		desc, err := r.resolveWithRetry(ctx, provider, item.Ref.MediaID, quality)
		if err == nil {
			handle := domain.StreamHandle{
				Ref:        domain.MediaRef{Provider: pid, MediaID: item.Ref.MediaID},
				Quality:    quality,
				Descriptor: desc,
				ResolvedAt: r.now(),
				Freshness:  r.opts.Freshness,
			}
			r.cache.Put(handle)
			if pid != item.Ref.Provider {
				r.logger.Info("Resolved via fallback provider",
					zap.String("media", item.Ref.MediaID),
					zap.String("primary", string(item.Ref.Provider)),
					zap.String("fallback", string(pid)))
			}
			return handle, nil
		}
		if ctx.Err() != nil {
			return domain.StreamHandle{}, ctx.Err()
		}
		lastErr = err
		if !domain.NeedsFallback(err) && !domain.IsTransient(err) {
			// Unclassified provider failure: keep walking the chain.
			r.logger.Warn("Provider failed with unclassified error",
				zap.String("provider", string(pid)), zap.Error(err))
		}
	}

	return domain.StreamHandle{}, fmt.Errorf("media %s/%s: %w (last: %v)",
		item.Ref.Provider, item.Ref.MediaID, domain.ErrStreamUnavailable, lastErr)
}

// Invalidate purges cached handles for the media behind a handle, forcing
// re-resolution on next use. Called when a player reports persistent
// failure with the handle.
func (r *Resolver) Invalidate(handle domain.StreamHandle) {
	r.cache.Invalidate(handle)
	r.logger.Debug("Invalidated cached handles",
		zap.String("provider", string(handle.Ref.Provider)),
		zap.String("media", handle.Ref.MediaID))
}

// PrefetchLead returns how long before the current item's expected end the
// next item's resolution should start: proportional to what remains, but
// never beyond the configured ceiling.
func (r *Resolver) PrefetchLead(remaining time.Duration) time.Duration {
	if remaining < r.opts.PrefetchCeiling {
		return remaining
	}
	return r.opts.PrefetchCeiling
}

// Prefetch warms the cache for an upcoming item in the background so the
// later Resolve on the playback path is a cache hit. Errors are logged,
// not surfaced; the playback path repeats resolution with full fallback.
func (r *Resolver) Prefetch(ctx context.Context, item domain.QueueItem, quality domain.Quality) {
	go func() {
		if _, err := r.Resolve(ctx, item, quality); err != nil && ctx.Err() == nil {
			r.logger.Warn("Prefetch failed",
				zap.Uint64("seq", item.Seq),
				zap.String("media", item.Ref.MediaID),
				zap.Error(err))
		}
	}()
}

// resolveWithRetry calls one provider with bounded exponential backoff.
// Only transient faults (auth expiry, rate limiting) are retried; media
// classification errors go straight back to the chain walk.
func (r *Resolver) resolveWithRetry(ctx context.Context, provider domain.Provider, mediaID string, quality domain.Quality) (domain.StreamDescriptor, error) {
	backoff := r.opts.BackoffBase
	var lastErr error

	for attempt := 1; attempt <= r.opts.Attempts; attempt++ {
		desc, err := provider.ResolveStream(ctx, mediaID, quality)
		if err == nil {
			return desc, nil
		}
		lastErr = err

		if domain.NeedsFallback(err) {
			return domain.StreamDescriptor{}, err
		}
		if attempt == r.opts.Attempts {
			break
		}

		r.logger.Debug("Provider resolution retry",
			zap.String("provider", string(provider.ID())),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return domain.StreamDescriptor{}, ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
	}
	return domain.StreamDescriptor{}, lastErr
}

// chainFor builds the ordered, capped provider chain for a primary.
func (r *Resolver) chainFor(primary domain.ProviderID) []domain.ProviderID {
	chain := []domain.ProviderID{primary}
	for _, pid := range r.fallbacks[primary] {
		if len(chain) > maxFallbackDepth {
			break
		}
		if pid == primary {
			continue
		}
		chain = append(chain, pid)
	}
	return chain
}
