// Package provider contains concrete provider adapters. The engine only
// ever sees the domain.Provider interface; anything provider-specific
// (endpoints, auth, status-code conventions) stays in here.
package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tutti-audio/tutti/internal/domain"
)

// HTTPProvider resolves media ids against an HTTP media gateway: it probes
// the stream URL and turns the gateway's response headers into a stream
// descriptor. Playback itself streams from the returned URL later.
type HTTPProvider struct {
	logger  *zap.Logger
	id      domain.ProviderID
	baseURL string
	client  *http.Client
}

// NewHTTPProvider creates a provider for the gateway at baseURL.
func NewHTTPProvider(logger *zap.Logger, id domain.ProviderID, baseURL string) *HTTPProvider {
	return &HTTPProvider{
		logger:  logger,
		id:      id,
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: 10 * time.Second, // never block the engine on a dead gateway
		},
	}
}

// ID returns the provider's identifier.
func (p *HTTPProvider) ID() domain.ProviderID {
	return p.id
}

// ResolveStream probes the gateway for a playable stream and maps HTTP
// failures onto the engine's error taxonomy.
func (p *HTTPProvider) ResolveStream(ctx context.Context, mediaID string, quality domain.Quality) (domain.StreamDescriptor, error) {
	streamURL := fmt.Sprintf("%s/streams/%s?quality=%s", p.baseURL, url.PathEscape(mediaID), url.QueryEscape(string(quality)))

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, streamURL, nil)
	if err != nil {
		return domain.StreamDescriptor{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "tutti/1.0")

	resp, err := p.client.Do(req)
	if err != nil {
		return domain.StreamDescriptor{}, fmt.Errorf("network error: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return domain.StreamDescriptor{}, fmt.Errorf("media %s: %w", mediaID, domain.ErrMediaNotFound)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return domain.StreamDescriptor{}, fmt.Errorf("media %s: %w", mediaID, domain.ErrAuthExpired)
	case resp.StatusCode == http.StatusTooManyRequests:
		return domain.StreamDescriptor{}, fmt.Errorf("media %s: %w", mediaID, domain.ErrRateLimited)
	default:
		return domain.StreamDescriptor{}, fmt.Errorf("media %s: status %d: %w", mediaID, resp.StatusCode, domain.ErrMediaUnavailable)
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "audio/") {
		return domain.StreamDescriptor{}, fmt.Errorf("media %s is not audio (%s): %w", mediaID, contentType, domain.ErrMediaUnavailable)
	}

	desc := domain.StreamDescriptor{
		URL:   streamURL,
		Token: resp.Header.Get("X-Stream-Token"),
		Codec: strings.TrimPrefix(contentType, "audio/"),
	}
	if raw := resp.Header.Get("X-Stream-Duration"); raw != "" {
		if secs, err := strconv.ParseFloat(raw, 64); err == nil {
			desc.Duration = time.Duration(secs * float64(time.Second))
		}
	}

	p.logger.Debug("Stream resolved",
		zap.String("provider", string(p.id)),
		zap.String("media", mediaID),
		zap.String("codec", desc.Codec),
		zap.Duration("duration", desc.Duration))
	return desc, nil
}
