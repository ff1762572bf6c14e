// Package orchestrator drives playback for one context: it owns the state
// machine, feeds resolved streams to the group's players, keeps members
// time-aligned against the leader's clock, and schedules crossfades. Each
// context is a single logical actor: one goroutine owns all state and
// consumes commands, telemetry and resolution results from channels, so
// queue mutations and transitions never race each other.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tutti-audio/tutti/internal/bus"
	"github.com/tutti-audio/tutti/internal/domain"
	"github.com/tutti-audio/tutti/internal/group"
	"github.com/tutti-audio/tutti/internal/queue"
	"github.com/tutti-audio/tutti/internal/resolver"
)

// bufferReadyThreshold is the telemetry buffer health at which a member
// counts as ready for a synchronized start.
const bufferReadyThreshold = 0.95

// Settings carries the orchestrator tunables, mapped from configuration.
type Settings struct {
	DriftTolerance     time.Duration
	TelemetryInterval  time.Duration
	CrossfadeEnabled   bool
	CrossfadeWindow    time.Duration
	CommandTimeout     time.Duration
	BufferReadyTimeout time.Duration
	Quality            domain.Quality
}

func (s *Settings) applyDefaults() {
	if s.DriftTolerance <= 0 {
		s.DriftTolerance = 150 * time.Millisecond
	}
	if s.TelemetryInterval <= 0 {
		s.TelemetryInterval = time.Second
	}
	if s.CrossfadeWindow <= 0 {
		s.CrossfadeWindow = 8 * time.Second
	}
	if s.CommandTimeout <= 0 {
		s.CommandTimeout = 2 * time.Second
	}
	if s.BufferReadyTimeout <= 0 {
		s.BufferReadyTimeout = 5 * time.Second
	}
	if s.Quality == "" {
		s.Quality = domain.QualityDefault
	}
}

type commandKind int

const (
	cmdPlay commandKind = iota
	cmdPause
	cmdStop
	cmdSkip
	cmdPrevious
	cmdSeek
	cmdSetVolume
	cmdJoin
	cmdLeave
	cmdEnqueue
	cmdRemove
	cmdMove
	cmdSetRepeat
	cmdSetShuffle
	cmdClear
	cmdSnapshot
)

type command struct {
	kind     commandKind
	ref      domain.MediaRef
	duration time.Duration
	position queue.Position
	index    int
	seq      uint64
	offset   time.Duration
	level    int
	player   domain.PlayerID
	repeat   domain.RepeatMode
	shuffle  bool
	reply    chan result
}

type result struct {
	err  error
	item domain.QueueItem
	snap domain.ContextSnapshot
}

// resolved carries the outcome of an asynchronous stream resolution back
// into the actor loop.
type resolved struct {
	gen       uint64
	crossfade bool
	item      domain.QueueItem
	handle    domain.StreamHandle
	offset    time.Duration
	err       error
}

// playingItem is the actor's view of the item currently on the wire.
type playingItem struct {
	item     domain.QueueItem
	handle   domain.StreamHandle
	duration time.Duration
}

// pendingStart tracks a buffering transition waiting for members to
// report buffer-ready.
type pendingStart struct {
	item     domain.QueueItem
	handle   domain.StreamHandle
	offset   time.Duration
	waiting  map[domain.PlayerID]bool
	deadline time.Time
}

// Context is one playback session bound to a player group.
type Context struct {
	logger   *zap.Logger
	id       domain.ContextID
	groupID  string
	settings Settings

	queue    *queue.Queue
	resolver *resolver.Resolver
	groups   *group.Registry
	bus      *bus.Bus
	players  map[domain.PlayerID]domain.Player

	cmds       chan command
	resolved   chan resolved
	telemetry  chan domain.Telemetry
	runCtx     context.Context
	runCancel  context.CancelFunc
	done       chan struct{}
	forwarders sync.WaitGroup

	// Actor-owned state. Touched only from the run goroutine.
	state         domain.TransportState
	current       *playingItem
	pending       *pendingStart
	resolveGen    uint64
	cancelInFly   context.CancelFunc
	lastSeen      map[domain.PlayerID]domain.Telemetry
	prefetchedSeq uint64
	stagedSeq     uint64 // next item staged for crossfade, 0 when none
	retriedSeq    uint64 // item already re-resolved after a group-wide assign failure
}

// NewContext creates a playback context for an existing group. The players
// map is the set of known adapters; group membership selects which of them
// this context drives.
func NewContext(
	logger *zap.Logger,
	id domain.ContextID,
	groupID string,
	q *queue.Queue,
	res *resolver.Resolver,
	groups *group.Registry,
	eventBus *bus.Bus,
	players map[domain.PlayerID]domain.Player,
	settings Settings,
) *Context {
	settings.applyDefaults()
	return &Context{
		logger:    logger.With(zap.String("context", string(id))),
		id:        id,
		groupID:   groupID,
		settings:  settings,
		queue:     q,
		resolver:  res,
		groups:    groups,
		bus:       eventBus,
		players:   players,
		cmds:      make(chan command),
		resolved:  make(chan resolved, 4),
		telemetry: make(chan domain.Telemetry, 64),
		done:      make(chan struct{}),
		state:     domain.StateIdle,
		lastSeen:  make(map[domain.PlayerID]domain.Telemetry),
	}
}

// Start launches the actor loop and the telemetry forwarders for every
// member's adapter.
func (c *Context) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.runCtx = runCtx
	c.runCancel = cancel

	for _, pid := range c.groups.Members(c.groupID) {
		if p, ok := c.players[pid]; ok {
			c.forwardTelemetry(p)
		}
	}

	go c.run(runCtx)
	c.logger.Info("Playback context started", zap.String("group", c.groupID))
	return nil
}

// Close stops the actor loop and waits for it to exit.
func (c *Context) Close() {
	if c.runCancel != nil {
		c.runCancel()
	}
	<-c.done
}

// ID returns the context identifier.
func (c *Context) ID() domain.ContextID { return c.id }

// GroupID returns the bound player group.
func (c *Context) GroupID() string { return c.groupID }

// run is the actor loop. All state transitions happen here.
func (c *Context) run(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.settings.TelemetryInterval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.cancelInFlight()
			c.logger.Info("Playback context stopped")
			return
		case cmd := <-c.cmds:
			c.handleCommand(ctx, cmd)
		case res := <-c.resolved:
			c.handleResolved(ctx, res)
		case tel := <-c.telemetry:
			c.handleTelemetry(ctx, tel)
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

// submit sends a command into the actor and waits for the result.
func (c *Context) submit(ctx context.Context, cmd command) (result, error) {
	cmd.reply = make(chan result, 1)
	select {
	case c.cmds <- cmd:
	case <-ctx.Done():
		return result{}, ctx.Err()
	case <-c.done:
		return result{}, fmt.Errorf("context %s closed", c.id)
	}
	select {
	case res := <-cmd.reply:
		return res, res.err
	case <-ctx.Done():
		return result{}, ctx.Err()
	}
}

// ── Command boundary. Each call is serialized through the actor and safe
// to retry.

// Enqueue appends a track reference to the queue.
func (c *Context) Enqueue(ctx context.Context, ref domain.MediaRef, duration time.Duration, pos queue.Position, index int) (domain.QueueItem, error) {
	res, err := c.submit(ctx, command{kind: cmdEnqueue, ref: ref, duration: duration, position: pos, index: index})
	return res.item, err
}

// Remove deletes a queue item by sequence number.
func (c *Context) Remove(ctx context.Context, seq uint64) error {
	_, err := c.submit(ctx, command{kind: cmdRemove, seq: seq})
	return err
}

// Move repositions a queue item.
func (c *Context) Move(ctx context.Context, seq uint64, index int) error {
	_, err := c.submit(ctx, command{kind: cmdMove, seq: seq, index: index})
	return err
}

// SetRepeat configures the repeat mode.
func (c *Context) SetRepeat(ctx context.Context, mode domain.RepeatMode) error {
	_, err := c.submit(ctx, command{kind: cmdSetRepeat, repeat: mode})
	return err
}

// SetShuffle toggles shuffle.
func (c *Context) SetShuffle(ctx context.Context, on bool) error {
	_, err := c.submit(ctx, command{kind: cmdSetShuffle, shuffle: on})
	return err
}

// Clear empties the queue.
func (c *Context) Clear(ctx context.Context) error {
	_, err := c.submit(ctx, command{kind: cmdClear})
	return err
}

// Play starts or resumes playback.
func (c *Context) Play(ctx context.Context) error {
	_, err := c.submit(ctx, command{kind: cmdPlay})
	return err
}

// Pause pauses playback. Pausing an already-paused context is a no-op.
func (c *Context) Pause(ctx context.Context) error {
	_, err := c.submit(ctx, command{kind: cmdPause})
	return err
}

// Stop halts playback; the queue is kept.
func (c *Context) Stop(ctx context.Context) error {
	_, err := c.submit(ctx, command{kind: cmdStop})
	return err
}

// Skip advances to the next item.
func (c *Context) Skip(ctx context.Context) error {
	_, err := c.submit(ctx, command{kind: cmdSkip})
	return err
}

// Previous returns to the preceding item.
func (c *Context) Previous(ctx context.Context) error {
	_, err := c.submit(ctx, command{kind: cmdPrevious})
	return err
}

// Seek jumps to an offset within the current item, group-wide.
func (c *Context) Seek(ctx context.Context, offset time.Duration) error {
	_, err := c.submit(ctx, command{kind: cmdSeek, offset: offset})
	return err
}

// SetVolume sets the level on one member, or on every member when player
// is empty.
func (c *Context) SetVolume(ctx context.Context, player domain.PlayerID, level int) error {
	_, err := c.submit(ctx, command{kind: cmdSetVolume, player: player, level: level})
	return err
}

// Join adds a player to the group mid-playback; it picks up the leader's
// current stream and position.
func (c *Context) Join(ctx context.Context, player domain.PlayerID) error {
	_, err := c.submit(ctx, command{kind: cmdJoin, player: player})
	return err
}

// Leave removes a player from the group without touching the others.
func (c *Context) Leave(ctx context.Context, player domain.PlayerID) error {
	_, err := c.submit(ctx, command{kind: cmdLeave, player: player})
	return err
}

// Snapshot captures the context for the persistence boundary.
func (c *Context) Snapshot(ctx context.Context) (domain.ContextSnapshot, error) {
	res, err := c.submit(ctx, command{kind: cmdSnapshot})
	return res.snap, err
}

// State reports the current transport state. Safe from any goroutine; the
// read goes through the actor.
func (c *Context) State(ctx context.Context) domain.TransportState {
	res, err := c.submit(ctx, command{kind: cmdSnapshot})
	if err != nil {
		return domain.StateStopped
	}
	return res.snap.State
}

// handleCommand executes one command inside the actor.
func (c *Context) handleCommand(ctx context.Context, cmd command) {
	var res result
	switch cmd.kind {
	case cmdEnqueue:
		res.item, res.err = c.queue.Enqueue(cmd.ref, cmd.duration, cmd.position, cmd.index)
		if res.err == nil {
			c.publish(domain.EventQueueChanged, nil)
		}
	case cmdRemove:
		res.err = c.queue.Remove(cmd.seq)
		if res.err == nil {
			c.publish(domain.EventQueueChanged, nil)
		}
	case cmdMove:
		res.err = c.queue.Move(cmd.seq, cmd.index)
		if res.err == nil {
			c.publish(domain.EventQueueChanged, nil)
		}
	case cmdSetRepeat:
		c.queue.SetRepeat(cmd.repeat)
		c.publish(domain.EventQueueChanged, nil)
	case cmdSetShuffle:
		c.queue.SetShuffle(cmd.shuffle)
		c.publish(domain.EventQueueChanged, nil)
	case cmdClear:
		c.queue.Clear()
		c.publish(domain.EventQueueChanged, nil)
	case cmdPlay:
		res.err = c.play(ctx)
	case cmdPause:
		c.pause(ctx)
	case cmdStop:
		c.stop(ctx)
	case cmdSkip:
		res.err = c.skip(ctx, true)
	case cmdPrevious:
		res.err = c.previous(ctx)
	case cmdSeek:
		res.err = c.seek(ctx, cmd.offset)
	case cmdSetVolume:
		res.err = c.setVolume(ctx, cmd.player, cmd.level)
	case cmdJoin:
		res.err = c.join(ctx, cmd.player)
	case cmdLeave:
		res.err = c.leave(ctx, cmd.player, false)
	case cmdSnapshot:
		res.snap = c.snapshotLocked()
	}
	cmd.reply <- res
}

// play starts playback from idle/stopped, or resumes from pause.
func (c *Context) play(ctx context.Context) error {
	switch c.state {
	case domain.StatePlaying, domain.StateBuffering:
		return nil
	case domain.StatePaused:
		// Resume at a recomputed synchronized offset: every member
		// restarts from the leader's last reported position.
		offset := c.leaderPosition()
		c.transportAll(ctx, domain.TransportSeek, offset)
		c.transportAll(ctx, domain.TransportPlay, 0)
		c.setState(domain.StatePlaying)
		return nil
	}

	item, ok := c.queue.Current()
	if !ok {
		item, ok = c.queue.Advance(false)
	}
	if !ok {
		return fmt.Errorf("play: queue empty: %w", domain.ErrNotFound)
	}
	c.startItem(ctx, item, 0)
	return nil
}

// pause is idempotent: repeating it on a paused context emits nothing.
func (c *Context) pause(ctx context.Context) {
	if c.state != domain.StatePlaying {
		return
	}
	c.transportAll(ctx, domain.TransportPause, 0)
	c.setState(domain.StatePaused)
}

func (c *Context) stop(ctx context.Context) {
	c.cancelInFlight()
	c.pending = nil
	c.stagedSeq = 0
	c.current = nil
	c.transportAll(ctx, domain.TransportStop, 0)
	c.setState(domain.StateStopped)
}

// skip advances past the current item. A skip explicitly bypasses
// repeat=one.
func (c *Context) skip(ctx context.Context, isSkip bool) error {
	c.cancelInFlight()
	c.pending = nil
	c.stagedSeq = 0

	item, ok := c.queue.Advance(isSkip)
	if !ok {
		c.exhausted(ctx)
		return nil
	}
	c.startItem(ctx, item, 0)
	return nil
}

func (c *Context) previous(ctx context.Context) error {
	c.cancelInFlight()
	c.pending = nil
	c.stagedSeq = 0

	item, ok := c.queue.Previous()
	if !ok {
		return fmt.Errorf("previous: %w", domain.ErrNotFound)
	}
	c.startItem(ctx, item, 0)
	return nil
}

func (c *Context) seek(ctx context.Context, offset time.Duration) error {
	if c.current == nil {
		return fmt.Errorf("seek: nothing playing: %w", domain.ErrNotFound)
	}
	c.transportAll(ctx, domain.TransportSeek, offset)
	// Fold the seek into the clock model; extrapolating from pre-seek
	// samples would trigger a spurious drift correction.
	now := time.Now()
	for pid, tel := range c.lastSeen {
		tel.Position = offset
		tel.At = now
		c.lastSeen[pid] = tel
	}
	return nil
}

func (c *Context) setVolume(ctx context.Context, player domain.PlayerID, level int) error {
	if player != "" {
		p, ok := c.players[player]
		if !ok {
			return fmt.Errorf("set volume: player %s: %w", player, domain.ErrNotFound)
		}
		opCtx, cancel := context.WithTimeout(ctx, c.settings.CommandTimeout)
		defer cancel()
		return p.SetVolume(opCtx, level)
	}
	c.eachMember(ctx, "set volume", func(opCtx context.Context, p domain.Player) error {
		return p.SetVolume(opCtx, level)
	})
	return nil
}

// join adds a member and, mid-playback, starts it from a snapshot of the
// leader's current stream and position.
func (c *Context) join(ctx context.Context, pid domain.PlayerID) error {
	p, ok := c.players[pid]
	if !ok {
		return fmt.Errorf("join: player %s: %w", pid, domain.ErrNotFound)
	}
	if err := c.groups.Join(c.groupID, pid); err != nil {
		return err
	}
	c.forwardTelemetry(p)
	c.publish(domain.EventMemberJoined, &pid)

	if c.state == domain.StatePlaying && c.current != nil {
		offset := c.leaderPosition()
		opCtx, cancel := context.WithTimeout(ctx, c.settings.CommandTimeout)
		defer cancel()
		if err := p.AssignStream(opCtx, c.current.handle, offset); err != nil {
			c.logger.Warn("Joining member failed to take stream",
				zap.String("player", string(pid)), zap.Error(err))
			return nil // member stays; it will catch up on the next item
		}
		if err := p.Transport(opCtx, domain.TransportPlay, 0); err != nil {
			c.logger.Warn("Joining member failed to start",
				zap.String("player", string(pid)), zap.Error(err))
		}
	}
	return nil
}

// leave removes a member. Remaining members are untouched; an emptied
// group sends the context to idle.
func (c *Context) leave(ctx context.Context, pid domain.PlayerID, disconnected bool) error {
	newLeader, err := c.groups.Leave(c.groupID, pid)
	if err != nil {
		return err
	}
	delete(c.lastSeen, pid)
	if c.pending != nil {
		delete(c.pending.waiting, pid)
	}
	c.publish(domain.EventMemberLeft, &pid)

	if newLeader != "" {
		// Re-baseline the sync clock from the new leader.
		c.publish(domain.EventLeaderChanged, &newLeader)
	}
	if len(c.groups.Members(c.groupID)) == 0 {
		c.cancelInFlight()
		c.pending = nil
		c.current = nil
		c.setState(domain.StateIdle)
	}
	if disconnected {
		c.logger.Warn("Member dropped from group",
			zap.String("player", string(pid)),
			zap.String("new_leader", string(newLeader)))
	}
	return nil
}

// startItem kicks off asynchronous resolution for an item and moves the
// context to buffering. A later command supersedes the resolution; its
// result is then discarded by generation.
func (c *Context) startItem(ctx context.Context, item domain.QueueItem, offset time.Duration) {
	c.cancelInFlight()
	c.resolveGen++
	gen := c.resolveGen

	resolveCtx, cancel := context.WithCancel(ctx)
	c.cancelInFly = cancel
	c.setState(domain.StateBuffering)

	go func() {
		handle, err := c.resolver.Resolve(resolveCtx, item, c.settings.Quality)
		select {
		case c.resolved <- resolved{gen: gen, item: item, handle: handle, offset: offset, err: err}:
		case <-resolveCtx.Done():
		}
	}()
}

// handleResolved applies a resolution result, discarding superseded ones.
func (c *Context) handleResolved(ctx context.Context, res resolved) {
	if res.crossfade {
		c.handleCrossfadeResolved(ctx, res)
		return
	}
	if res.gen != c.resolveGen {
		c.logger.Debug("Discarding superseded resolution", zap.Uint64("seq", res.item.Seq))
		return
	}
	c.cancelInFly = nil

	if res.err != nil {
		// Unresolvable items are skipped with notification, never a
		// full stop: the queue must keep moving.
		c.logger.Warn("Item unresolvable, skipping",
			zap.Uint64("seq", res.item.Seq),
			zap.String("media", res.item.Ref.MediaID),
			zap.Error(res.err))
		c.publish(domain.EventItemSkipped, nil)
		if next, ok := c.queue.Advance(false); ok {
			c.startItem(ctx, next, 0)
		} else {
			c.exhausted(ctx)
		}
		return
	}

	c.queue.SetHandle(res.item.Seq, &res.handle)
	c.assignAndAwait(ctx, res.item, res.handle, res.offset)
}

// assignAndAwait fans the stream out to every member and waits (via
// telemetry) for buffer-ready before starting playback in lockstep.
func (c *Context) assignAndAwait(ctx context.Context, item domain.QueueItem, handle domain.StreamHandle, offset time.Duration) {
	failed := c.eachMember(ctx, "assign stream", func(opCtx context.Context, p domain.Player) error {
		return p.AssignStream(opCtx, handle, offset)
	})

	// A rejection by the whole group points at the handle, not the
	// members: evict it and resolve the item fresh, once. Only a repeat
	// failure demotes to member removal.
	if len(failed) > 0 && len(failed) == len(c.groups.Members(c.groupID)) && c.retriedSeq != item.Seq {
		c.retriedSeq = item.Seq
		c.logger.Warn("Group rejected stream, invalidating handle",
			zap.Uint64("seq", item.Seq),
			zap.String("media", item.Ref.MediaID))
		c.resolver.Invalidate(handle)
		c.queue.SetHandle(item.Seq, nil)
		c.startItem(ctx, item, offset)
		return
	}
	for _, pid := range failed {
		_ = c.leave(ctx, pid, true)
	}

	members := c.groups.Members(c.groupID)
	if len(members) == 0 {
		return // leave() already parked the context in idle
	}

	waiting := make(map[domain.PlayerID]bool, len(members))
	for _, pid := range members {
		waiting[pid] = true
	}
	c.pending = &pendingStart{
		item:     item,
		handle:   handle,
		offset:   offset,
		waiting:  waiting,
		deadline: time.Now().Add(c.settings.BufferReadyTimeout),
	}
	// Ready members observed before this point are caught by the next
	// telemetry sample; the virtual adapter re-reports immediately.
}

// commence flips a pending start into synchronized playback. Stragglers
// still buffering are started anyway and resynchronize through drift
// correction.
func (c *Context) commence(ctx context.Context) {
	pending := c.pending
	c.pending = nil

	dur := pending.handle.Descriptor.Duration
	if dur <= 0 {
		dur = pending.item.Duration
	}
	c.current = &playingItem{item: pending.item, handle: pending.handle, duration: dur}
	c.prefetchedSeq = 0
	c.stagedSeq = 0
	c.retriedSeq = 0

	c.transportAll(ctx, domain.TransportPlay, 0)
	c.setState(domain.StatePlaying)
	c.publish(domain.EventItemStarted, nil)
}

// exhausted handles the end of the queue.
func (c *Context) exhausted(ctx context.Context) {
	c.current = nil
	c.transportAll(ctx, domain.TransportStop, 0)
	c.setState(domain.StateIdle)
}

func (c *Context) cancelInFlight() {
	if c.cancelInFly != nil {
		c.cancelInFly()
		c.cancelInFly = nil
	}
}

// setState applies a transition and publishes it. Self-transitions are
// suppressed so idempotent commands emit nothing.
func (c *Context) setState(next domain.TransportState) {
	if c.state == next {
		return
	}
	c.logger.Info("Transport transition",
		zap.String("from", c.state.String()),
		zap.String("to", next.String()))
	c.state = next
	c.publish(domain.EventStateChanged, nil)
}

func (c *Context) publish(kind domain.EventKind, player *domain.PlayerID) {
	snap := c.queue.Snapshot()
	event := domain.Event{
		Context: c.id,
		Kind:    kind,
		State:   c.state,
		Queue:   &snap,
		At:      time.Now(),
	}
	if player != nil {
		event.Player = *player
	}
	if c.current != nil {
		item := c.current.item
		event.Item = &item
	}
	c.bus.Publish(event)
}

func (c *Context) snapshotLocked() domain.ContextSnapshot {
	snap := domain.ContextSnapshot{
		ID:    c.id,
		State: c.state,
		Queue: c.queue.Snapshot(),
	}
	if g, ok := c.groups.Snapshot(c.groupID); ok {
		snap.Group = g
	}
	return snap
}
