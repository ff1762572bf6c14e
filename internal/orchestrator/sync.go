package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/tutti-audio/tutti/internal/domain"
)

// staleTelemetryFactor times the telemetry interval is how old a sample
// may be before it is ignored for drift decisions.
const staleTelemetryFactor = 3

// forwardTelemetry pumps one adapter's telemetry into the actor's intake
// channel until the context shuts down.
func (c *Context) forwardTelemetry(p domain.Player) {
	c.forwarders.Add(1)
	go func() {
		defer c.forwarders.Done()
		for {
			select {
			case <-c.runCtx.Done():
				return
			case tel, ok := <-p.Telemetry():
				if !ok {
					return
				}
				select {
				case c.telemetry <- tel:
				case <-c.runCtx.Done():
					return
				}
			}
		}
	}()
}

// handleTelemetry folds one sample into the actor state: it detects
// disconnects, releases pending starts, and refreshes the clock model.
func (c *Context) handleTelemetry(ctx context.Context, tel domain.Telemetry) {
	if gid, member := c.groups.GroupOf(tel.Player); !member || gid != c.groupID {
		return // stale sample from a player that already left
	}
	c.lastSeen[tel.Player] = tel

	if !tel.Connected {
		_ = c.leave(ctx, tel.Player, true)
		return
	}

	if c.pending != nil && c.pending.waiting[tel.Player] && tel.BufferHealth >= bufferReadyThreshold {
		delete(c.pending.waiting, tel.Player)
		if len(c.pending.waiting) == 0 {
			c.commence(ctx)
		}
	}
}

// tick runs the periodic work: pending-start deadlines, drift correction
// against the leader clock, prefetch, crossfade staging and end-of-track
// advancement.
func (c *Context) tick(ctx context.Context) {
	if c.pending != nil && time.Now().After(c.pending.deadline) {
		// Partial start. Stragglers begin late and are pulled back into
		// alignment by drift correction.
		c.logger.Warn("Buffer-ready deadline expired, starting partially",
			zap.Uint64("seq", c.pending.item.Seq),
			zap.Int("stragglers", len(c.pending.waiting)))
		c.commence(ctx)
		return
	}

	if c.state != domain.StatePlaying || c.current == nil {
		return
	}

	leaderPos, ok := c.leaderClock()
	if !ok {
		return
	}
	c.correctDrift(ctx, leaderPos)

	if c.current.duration <= 0 {
		return // duration unknown, advancement comes from explicit skips
	}
	remaining := c.current.duration - leaderPos

	if remaining <= 0 {
		c.stagedSeq = 0
		if next, advanced := c.queue.Advance(false); advanced {
			c.startItem(ctx, next, 0)
		} else {
			c.exhausted(ctx)
		}
		return
	}

	if next, exists := c.queue.PeekNext(false); exists {
		if lead := c.resolver.PrefetchLead(c.current.duration); remaining <= lead && c.prefetchedSeq != next.Seq {
			c.prefetchedSeq = next.Seq
			c.resolver.Prefetch(ctx, next, c.settings.Quality)
		}
		if c.settings.CrossfadeEnabled && remaining <= c.settings.CrossfadeWindow && c.stagedSeq == 0 {
			c.stageCrossfade(ctx, next)
		}
	}
}

// leaderClock extrapolates the leader's playback position from its last
// telemetry sample.
func (c *Context) leaderClock() (time.Duration, bool) {
	leader, ok := c.groups.Leader(c.groupID)
	if !ok {
		return 0, false
	}
	tel, seen := c.lastSeen[leader]
	if !seen || !tel.Connected {
		return 0, false
	}
	if time.Since(tel.At) > staleTelemetryFactor*c.settings.TelemetryInterval {
		return 0, false
	}
	return c.extrapolate(tel), true
}

// leaderPosition is leaderClock for callers that can live with a zero
// fallback.
func (c *Context) leaderPosition() time.Duration {
	pos, ok := c.leaderClock()
	if !ok {
		return 0
	}
	return pos
}

// extrapolate projects a telemetry sample forward to now. Positions only
// advance while the context is playing.
func (c *Context) extrapolate(tel domain.Telemetry) time.Duration {
	pos := tel.Position
	if c.state == domain.StatePlaying {
		pos += time.Since(tel.At)
	}
	return pos
}

// correctDrift seeks any follower that has wandered beyond the tolerance
// back onto the leader's clock. The leader is never corrected; it is the
// reference.
func (c *Context) correctDrift(ctx context.Context, leaderPos time.Duration) {
	leader, _ := c.groups.Leader(c.groupID)
	for _, pid := range c.groups.Members(c.groupID) {
		if pid == leader {
			continue
		}
		tel, seen := c.lastSeen[pid]
		if !seen || !tel.Connected {
			continue
		}
		if time.Since(tel.At) > staleTelemetryFactor*c.settings.TelemetryInterval {
			continue
		}

		drift := c.extrapolate(tel) - leaderPos
		if drift <= c.settings.DriftTolerance && drift >= -c.settings.DriftTolerance {
			continue
		}

		p, known := c.players[pid]
		if !known {
			continue
		}
		opCtx, cancel := context.WithTimeout(ctx, c.settings.CommandTimeout)
		err := p.Transport(opCtx, domain.TransportSeek, leaderPos)
		cancel()
		if err != nil {
			c.logger.Warn("Drift correction failed",
				zap.String("player", string(pid)), zap.Error(err))
			continue
		}

		// Fold the correction into the clock model so the next tick does
		// not re-correct before fresh telemetry arrives.
		tel.Position = leaderPos
		tel.At = time.Now()
		c.lastSeen[pid] = tel

		c.logger.Info("Corrected follower drift",
			zap.String("player", string(pid)),
			zap.Duration("drift", drift))
		c.publish(domain.EventDriftCorrected, &pid)
	}
}

// stageCrossfade resolves the upcoming item inside the fade window. The
// swap happens when resolution lands; on failure the transition degrades
// to a hard cut at track end instead of stalling.
func (c *Context) stageCrossfade(ctx context.Context, next domain.QueueItem) {
	c.stagedSeq = next.Seq
	gen := c.resolveGen

	resolveCtx, cancel := context.WithTimeout(ctx, c.settings.CrossfadeWindow)
	go func() {
		defer cancel()
		handle, err := c.resolver.Resolve(resolveCtx, next, c.settings.Quality)
		select {
		case c.resolved <- resolved{gen: gen, crossfade: true, item: next, handle: handle, err: err}:
		case <-resolveCtx.Done():
		}
	}()
}

// handleCrossfadeResolved swaps playback onto the staged item. Endpoints
// hold one stream at a time, so the overlap collapses to a handoff at the
// fade boundary.
func (c *Context) handleCrossfadeResolved(ctx context.Context, res resolved) {
	if res.gen != c.resolveGen || res.item.Seq != c.stagedSeq || c.state != domain.StatePlaying {
		return // a command superseded this transition
	}
	c.stagedSeq = 0

	if res.err != nil {
		c.logger.Warn("Crossfade staging failed, degrading to hard cut",
			zap.Uint64("seq", res.item.Seq), zap.Error(res.err))
		return
	}

	item, advanced := c.queue.Advance(false)
	if !advanced {
		return
	}
	if item.Seq != res.item.Seq {
		// The queue changed under the staged item; restart cleanly.
		c.startItem(ctx, item, 0)
		return
	}

	c.queue.SetHandle(item.Seq, &res.handle)
	failed := c.eachMember(ctx, "crossfade handoff", func(opCtx context.Context, p domain.Player) error {
		if err := p.AssignStream(opCtx, res.handle, 0); err != nil {
			return err
		}
		return p.Transport(opCtx, domain.TransportPlay, 0)
	})
	for _, pid := range failed {
		_ = c.leave(ctx, pid, true)
	}
	if len(c.groups.Members(c.groupID)) == 0 {
		return
	}

	dur := res.handle.Descriptor.Duration
	if dur <= 0 {
		dur = item.Duration
	}
	c.current = &playingItem{item: item, handle: res.handle, duration: dur}
	c.prefetchedSeq = 0
	// Everyone restarted at zero; reset the clock model accordingly.
	now := time.Now()
	for pid, tel := range c.lastSeen {
		tel.Position = 0
		tel.At = now
		c.lastSeen[pid] = tel
	}
	c.publish(domain.EventItemStarted, nil)
}
