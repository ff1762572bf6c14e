// Package player contains concrete player adapters. The engine drives them
// only through the domain.Player interface.
package player

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tutti-audio/tutti/internal/domain"
)

// VirtualPlayer is a clock-driven simulated endpoint. It buffers instantly,
// advances its position against the wall clock while playing, and reports
// telemetry at a fixed interval. Used as the default endpoint in local
// deployments and as the reference implementation in tests.
type VirtualPlayer struct {
	logger   *zap.Logger
	id       domain.PlayerID
	interval time.Duration
	events   chan domain.Telemetry

	mu              sync.Mutex
	running         bool
	cancel          context.CancelFunc
	assigned        *domain.StreamHandle
	playing         bool
	position        time.Duration
	anchoredAt      time.Time // wall-clock anchor for position while playing
	buffer          float64
	volume          int
	connected       bool
	lastDropWarning time.Time
}

// NewVirtualPlayer creates a stopped virtual endpoint reporting telemetry
// at the given interval.
func NewVirtualPlayer(logger *zap.Logger, id domain.PlayerID, interval time.Duration) *VirtualPlayer {
	if interval <= 0 {
		interval = time.Second
	}
	return &VirtualPlayer{
		logger:    logger,
		id:        id,
		interval:  interval,
		events:    make(chan domain.Telemetry, 16),
		connected: true,
		volume:    50,
	}
}

// ID returns the endpoint identifier.
func (p *VirtualPlayer) ID() domain.PlayerID {
	return p.id
}

// Start launches the telemetry reporting loop.
func (p *VirtualPlayer) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = true
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.mu.Unlock()

	go p.reportLoop(loopCtx)
	p.logger.Info("Virtual player started", zap.String("player", string(p.id)))
	return nil
}

// Stop halts the telemetry loop.
func (p *VirtualPlayer) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.running = false
}

// AssignStream accepts a stream and start offset. Buffering is simulated
// as instantaneous; readiness shows up in the next telemetry report.
func (p *VirtualPlayer) AssignStream(ctx context.Context, handle domain.StreamHandle, startOffset time.Duration) error {
	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return fmt.Errorf("player %s: %w", p.id, domain.ErrPlayerDisconnected)
	}
	h := handle
	p.assigned = &h
	p.position = startOffset
	p.anchoredAt = time.Now()
	p.buffer = 1.0
	p.mu.Unlock()

	p.logger.Debug("Stream assigned",
		zap.String("player", string(p.id)),
		zap.String("url", handle.Descriptor.URL),
		zap.Duration("offset", startOffset))
	p.emit()
	return nil
}

// Transport applies a transport instruction.
func (p *VirtualPlayer) Transport(ctx context.Context, cmd domain.TransportCommand, position time.Duration) error {
	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return fmt.Errorf("player %s: %w", p.id, domain.ErrPlayerDisconnected)
	}

	p.syncPositionLocked()
	switch cmd {
	case domain.TransportPlay:
		p.playing = true
		p.anchoredAt = time.Now()
	case domain.TransportPause:
		p.playing = false
	case domain.TransportStop:
		p.playing = false
		p.assigned = nil
		p.position = 0
		p.buffer = 0
	case domain.TransportSeek:
		p.position = position
		p.anchoredAt = time.Now()
	default:
		p.mu.Unlock()
		return fmt.Errorf("player %s: unknown transport %q", p.id, cmd)
	}
	p.mu.Unlock()

	p.emit()
	return nil
}

// SetVolume sets the output level.
func (p *VirtualPlayer) SetVolume(ctx context.Context, level int) error {
	if level < 0 {
		level = 0
	}
	if level > 100 {
		level = 100
	}
	p.mu.Lock()
	p.volume = level
	p.mu.Unlock()
	return nil
}

// Telemetry returns the endpoint's reporting channel.
func (p *VirtualPlayer) Telemetry() <-chan domain.Telemetry {
	return p.events
}

// SetConnected simulates losing or regaining the endpoint. On disconnect
// the next telemetry report carries Connected=false.
func (p *VirtualPlayer) SetConnected(connected bool) {
	p.mu.Lock()
	p.connected = connected
	if !connected {
		p.playing = false
		p.buffer = 0
	}
	p.mu.Unlock()
	p.emit()
}

// State returns the endpoint's current state, for inspection.
func (p *VirtualPlayer) State() domain.PlayerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.syncPositionLocked()
	return domain.PlayerState{
		Player:       p.id,
		Connected:    p.connected,
		Position:     p.position,
		BufferHealth: p.buffer,
		Volume:       p.volume,
		Assigned:     p.assigned,
	}
}

func (p *VirtualPlayer) reportLoop(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.emit()
		}
	}
}

// emit sends one telemetry sample without ever blocking the caller. A full
// channel means the consumer is behind; the sample is dropped and the next
// tick carries fresher data anyway.
func (p *VirtualPlayer) emit() {
	p.mu.Lock()
	p.syncPositionLocked()
	sample := domain.Telemetry{
		Player:       p.id,
		Position:     p.position,
		BufferHealth: p.buffer,
		Connected:    p.connected,
		At:           time.Now(),
	}
	warn := false
	select {
	case p.events <- sample:
	default:
		if time.Since(p.lastDropWarning) > 10*time.Second {
			p.lastDropWarning = time.Now()
			warn = true
		}
	}
	p.mu.Unlock()

	if warn {
		p.logger.Warn("Telemetry channel full, dropping sample", zap.String("player", string(p.id)))
	}
}

// syncPositionLocked folds elapsed wall-clock time into the position.
func (p *VirtualPlayer) syncPositionLocked() {
	now := time.Now()
	if p.playing {
		p.position += now.Sub(p.anchoredAt)
	}
	p.anchoredAt = now
}
