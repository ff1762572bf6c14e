package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/tutti-audio/tutti/internal/bus"
	"github.com/tutti-audio/tutti/internal/domain"
	"github.com/tutti-audio/tutti/internal/group"
	"github.com/tutti-audio/tutti/internal/player"
	"github.com/tutti-audio/tutti/internal/queue"
	"github.com/tutti-audio/tutti/internal/resolver"
)

// fakeProvider resolves from an in-memory table. Entries mapped to an
// error fail with it; unknown media ids fail with ErrMediaNotFound.
type fakeProvider struct {
	id domain.ProviderID

	mu      sync.Mutex
	streams map[string]domain.StreamDescriptor
	faults  map[string]error
	calls   map[string]int
}

func newFakeProvider(id domain.ProviderID) *fakeProvider {
	return &fakeProvider{
		id:      id,
		streams: make(map[string]domain.StreamDescriptor),
		faults:  make(map[string]error),
		calls:   make(map[string]int),
	}
}

func (f *fakeProvider) ID() domain.ProviderID { return f.id }

func (f *fakeProvider) ResolveStream(_ context.Context, mediaID string, _ domain.Quality) (domain.StreamDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[mediaID]++
	if err, ok := f.faults[mediaID]; ok {
		return domain.StreamDescriptor{}, err
	}
	desc, ok := f.streams[mediaID]
	if !ok {
		return domain.StreamDescriptor{}, domain.ErrMediaNotFound
	}
	return desc, nil
}

func (f *fakeProvider) addStream(mediaID string, duration time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streams[mediaID] = domain.StreamDescriptor{
		URL:      "http://streams.test/" + mediaID,
		Codec:    "audio/flac",
		Duration: duration,
	}
}

func (f *fakeProvider) addFault(mediaID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults[mediaID] = err
}

func (f *fakeProvider) resolveCount(mediaID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[mediaID]
}

// rejectAssignPlayer refuses the first n stream assignments, simulating an
// endpoint choking on a stale handle while staying connected.
type rejectAssignPlayer struct {
	*player.VirtualPlayer

	mu         sync.Mutex
	rejections int
}

func (p *rejectAssignPlayer) AssignStream(ctx context.Context, handle domain.StreamHandle, startOffset time.Duration) error {
	p.mu.Lock()
	if p.rejections > 0 {
		p.rejections--
		p.mu.Unlock()
		return domain.ErrStreamUnavailable
	}
	p.mu.Unlock()
	return p.VirtualPlayer.AssignStream(ctx, handle, startOffset)
}

// harness wires a context over virtual players with aggressive timing so
// tests complete in wall-clock milliseconds.
type harness struct {
	provider *fakeProvider
	groups   *group.Registry
	bus      *bus.Bus
	members  []domain.PlayerID
	players  map[domain.PlayerID]*player.VirtualPlayer
	context  *Context
	events   <-chan domain.Event
}

func testSettings() Settings {
	return Settings{
		DriftTolerance:     50 * time.Millisecond,
		TelemetryInterval:  20 * time.Millisecond,
		CrossfadeEnabled:   false,
		CrossfadeWindow:    200 * time.Millisecond,
		CommandTimeout:     500 * time.Millisecond,
		BufferReadyTimeout: 300 * time.Millisecond,
	}
}

func newHarness(t *testing.T, settings Settings, memberIDs ...domain.PlayerID) *harness {
	t.Helper()
	logger := zap.NewNop()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	provider := newFakeProvider("test")
	res := resolver.New(logger, resolver.NewHandleCache(16), []domain.Provider{provider}, nil, resolver.Options{
		Attempts:    1,
		BackoffBase: time.Millisecond,
		Freshness:   time.Minute,
	})

	groups := group.NewRegistry(logger)
	if err := groups.Create("living-room"); err != nil {
		t.Fatalf("create group: %v", err)
	}

	players := make(map[domain.PlayerID]*player.VirtualPlayer)
	adapters := make(map[domain.PlayerID]domain.Player)
	for _, pid := range memberIDs {
		vp := player.NewVirtualPlayer(logger, pid, 10*time.Millisecond)
		if err := vp.Start(ctx); err != nil {
			t.Fatalf("start player %s: %v", pid, err)
		}
		t.Cleanup(vp.Stop)
		players[pid] = vp
		adapters[pid] = vp
		if err := groups.Join("living-room", pid); err != nil {
			t.Fatalf("join %s: %v", pid, err)
		}
	}

	// A spare adapter is registered but not joined, for late-join tests.
	spare := player.NewVirtualPlayer(logger, "spare", 10*time.Millisecond)
	if err := spare.Start(ctx); err != nil {
		t.Fatalf("start spare player: %v", err)
	}
	t.Cleanup(spare.Stop)
	players["spare"] = spare
	adapters["spare"] = spare

	eventBus := bus.New(logger)
	events, cancelSub := eventBus.Subscribe()
	t.Cleanup(cancelSub)

	c := NewContext(logger, "ctx-test", "living-room", queue.New(), res, groups, eventBus, adapters, settings)
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start context: %v", err)
	}
	t.Cleanup(c.Close)

	return &harness{
		provider: provider,
		groups:   groups,
		bus:      eventBus,
		members:  memberIDs,
		players:  players,
		context:  c,
		events:   events,
	}
}

func (h *harness) enqueue(t *testing.T, mediaID string, duration time.Duration) domain.QueueItem {
	t.Helper()
	h.provider.addStream(mediaID, duration)
	item, err := h.context.Enqueue(context.Background(), domain.MediaRef{Provider: "test", MediaID: mediaID}, duration, queue.PositionEnd, 0)
	if err != nil {
		t.Fatalf("enqueue %s: %v", mediaID, err)
	}
	return item
}

// waitForEvent drains the bus until an event of the wanted kind arrives.
func waitForEvent(t *testing.T, events <-chan domain.Event, kind domain.EventKind, timeout time.Duration) domain.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case e := <-events:
			if e.Kind == kind {
				return e
			}
		case <-deadline:
			t.Fatalf("no %s event within %v", kind, timeout)
		}
	}
}

// drainEvents discards everything already buffered on the subscription.
func drainEvents(events <-chan domain.Event) {
	for {
		select {
		case <-events:
		default:
			return
		}
	}
}

// expectNoEvent asserts that no event of the given kind arrives within the
// window.
func expectNoEvent(t *testing.T, events <-chan domain.Event, kind domain.EventKind, window time.Duration) {
	t.Helper()
	deadline := time.After(window)
	for {
		select {
		case e := <-events:
			if e.Kind == kind {
				t.Fatalf("unexpected %s event (state %s)", kind, e.State)
			}
		case <-deadline:
			return
		}
	}
}

func waitForState(t *testing.T, c *Context, want domain.TransportState, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.State(context.Background()) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state never reached %s, still %s", want, c.State(context.Background()))
}

func TestPlay_StartsQueuedItemOnAllMembers(t *testing.T) {
	h := newHarness(t, testSettings(), "p1", "p2")
	item := h.enqueue(t, "t1", time.Hour)

	if err := h.context.Play(context.Background()); err != nil {
		t.Fatalf("play: %v", err)
	}

	started := waitForEvent(t, h.events, domain.EventItemStarted, 2*time.Second)
	if started.Item == nil || started.Item.Seq != item.Seq {
		t.Fatalf("wrong item started: %+v", started.Item)
	}
	waitForState(t, h.context, domain.StatePlaying, time.Second)

	for _, pid := range h.members {
		if h.players[pid].State().Assigned == nil {
			t.Errorf("player %s never received the stream", pid)
		}
	}
}

func TestPlay_EmptyQueueFails(t *testing.T) {
	h := newHarness(t, testSettings(), "p1")
	if err := h.context.Play(context.Background()); err == nil {
		t.Fatal("play on an empty queue must fail")
	}
}

func TestPause_IdempotentNoDuplicateTransition(t *testing.T) {
	h := newHarness(t, testSettings(), "p1", "p2")
	h.enqueue(t, "t1", time.Hour)

	if err := h.context.Play(context.Background()); err != nil {
		t.Fatalf("play: %v", err)
	}
	waitForState(t, h.context, domain.StatePlaying, 2*time.Second)
	drainEvents(h.events)

	if err := h.context.Pause(context.Background()); err != nil {
		t.Fatalf("pause: %v", err)
	}
	e := waitForEvent(t, h.events, domain.EventStateChanged, time.Second)
	if e.State != domain.StatePaused {
		t.Fatalf("expected paused transition, got %s", e.State)
	}

	// A second pause is a no-op: no transition may be emitted.
	if err := h.context.Pause(context.Background()); err != nil {
		t.Fatalf("second pause: %v", err)
	}
	expectNoEvent(t, h.events, domain.EventStateChanged, 200*time.Millisecond)
}

func TestSkip_AdvancesThenIdlesAtQueueEnd(t *testing.T) {
	h := newHarness(t, testSettings(), "p1")
	h.enqueue(t, "t1", time.Hour)
	second := h.enqueue(t, "t2", time.Hour)

	if err := h.context.Play(context.Background()); err != nil {
		t.Fatalf("play: %v", err)
	}
	waitForEvent(t, h.events, domain.EventItemStarted, 2*time.Second)

	if err := h.context.Skip(context.Background()); err != nil {
		t.Fatalf("skip: %v", err)
	}
	started := waitForEvent(t, h.events, domain.EventItemStarted, 2*time.Second)
	if started.Item == nil || started.Item.Seq != second.Seq {
		t.Fatalf("skip landed on %+v, want seq %d", started.Item, second.Seq)
	}

	if err := h.context.Skip(context.Background()); err != nil {
		t.Fatalf("second skip: %v", err)
	}
	waitForState(t, h.context, domain.StateIdle, 2*time.Second)
}

func TestPlay_UnresolvableItemSkippedWithNotification(t *testing.T) {
	h := newHarness(t, testSettings(), "p1")
	h.provider.addFault("broken", domain.ErrMediaUnavailable)
	if _, err := h.context.Enqueue(context.Background(), domain.MediaRef{Provider: "test", MediaID: "broken"}, 0, queue.PositionEnd, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	good := h.enqueue(t, "t2", time.Hour)

	if err := h.context.Play(context.Background()); err != nil {
		t.Fatalf("play: %v", err)
	}

	waitForEvent(t, h.events, domain.EventItemSkipped, 2*time.Second)
	started := waitForEvent(t, h.events, domain.EventItemStarted, 2*time.Second)
	if started.Item == nil || started.Item.Seq != good.Seq {
		t.Fatalf("playback did not move past the broken item: %+v", started.Item)
	}
}

func TestMemberDisconnect_RestOfGroupUninterrupted(t *testing.T) {
	h := newHarness(t, testSettings(), "p1", "p2")
	h.enqueue(t, "t1", time.Hour)

	if err := h.context.Play(context.Background()); err != nil {
		t.Fatalf("play: %v", err)
	}
	waitForState(t, h.context, domain.StatePlaying, 2*time.Second)

	h.players["p2"].SetConnected(false)

	left := waitForEvent(t, h.events, domain.EventMemberLeft, 2*time.Second)
	if left.Player != "p2" {
		t.Fatalf("wrong member removed: %s", left.Player)
	}
	if got := h.groups.Members("living-room"); len(got) != 1 || got[0] != "p1" {
		t.Fatalf("group membership after disconnect: %v", got)
	}
	if state := h.context.State(context.Background()); state != domain.StatePlaying {
		t.Fatalf("survivor interrupted, state %s", state)
	}
}

func TestLeaderDisconnect_TransfersLeadership(t *testing.T) {
	h := newHarness(t, testSettings(), "p1", "p2")
	h.enqueue(t, "t1", time.Hour)

	if err := h.context.Play(context.Background()); err != nil {
		t.Fatalf("play: %v", err)
	}
	waitForState(t, h.context, domain.StatePlaying, 2*time.Second)

	h.players["p1"].SetConnected(false)

	changed := waitForEvent(t, h.events, domain.EventLeaderChanged, 2*time.Second)
	if changed.Player != "p2" {
		t.Fatalf("leadership went to %s, want p2", changed.Player)
	}
	if leader, ok := h.groups.Leader("living-room"); !ok || leader != "p2" {
		t.Fatalf("registry leader %s, want p2", leader)
	}
	if state := h.context.State(context.Background()); state != domain.StatePlaying {
		t.Fatalf("playback interrupted by failover, state %s", state)
	}
}

func TestJoin_MidPlaybackPicksUpCurrentStream(t *testing.T) {
	h := newHarness(t, testSettings(), "p1")
	h.enqueue(t, "t1", time.Hour)

	if err := h.context.Play(context.Background()); err != nil {
		t.Fatalf("play: %v", err)
	}
	waitForState(t, h.context, domain.StatePlaying, 2*time.Second)

	if err := h.context.Join(context.Background(), "spare"); err != nil {
		t.Fatalf("join: %v", err)
	}
	joined := waitForEvent(t, h.events, domain.EventMemberJoined, 2*time.Second)
	if joined.Player != "spare" {
		t.Fatalf("wrong member joined: %s", joined.Player)
	}

	state := h.players["spare"].State()
	if state.Assigned == nil {
		t.Fatal("late joiner never received the current stream")
	}
}

func TestTick_CorrectsFollowerDrift(t *testing.T) {
	h := newHarness(t, testSettings(), "p1", "p2")
	h.enqueue(t, "t1", time.Hour)

	if err := h.context.Play(context.Background()); err != nil {
		t.Fatalf("play: %v", err)
	}
	waitForState(t, h.context, domain.StatePlaying, 2*time.Second)

	// Knock the follower two seconds ahead behind the engine's back.
	if err := h.players["p2"].Transport(context.Background(), domain.TransportSeek, 2*time.Second); err != nil {
		t.Fatalf("seek follower: %v", err)
	}

	corrected := waitForEvent(t, h.events, domain.EventDriftCorrected, 2*time.Second)
	if corrected.Player != "p2" {
		t.Fatalf("corrected %s, want p2", corrected.Player)
	}

	// Give one telemetry cycle for positions to settle, then compare.
	time.Sleep(50 * time.Millisecond)
	leaderPos := h.players["p1"].State().Position
	followerPos := h.players["p2"].State().Position
	diff := leaderPos - followerPos
	if diff < 0 {
		diff = -diff
	}
	if diff > 200*time.Millisecond {
		t.Fatalf("follower still %v off the leader", diff)
	}
}

func TestCrossfade_HandsOffWithoutGap(t *testing.T) {
	settings := testSettings()
	settings.CrossfadeEnabled = true
	settings.CrossfadeWindow = 200 * time.Millisecond
	h := newHarness(t, settings, "p1")

	first := h.enqueue(t, "t1", 600*time.Millisecond)
	second := h.enqueue(t, "t2", 600*time.Millisecond)

	if err := h.context.Play(context.Background()); err != nil {
		t.Fatalf("play: %v", err)
	}
	started := waitForEvent(t, h.events, domain.EventItemStarted, 2*time.Second)
	if started.Item.Seq != first.Seq {
		t.Fatalf("started seq %d, want %d", started.Item.Seq, first.Seq)
	}

	// The staged handoff must fire near track end without the context
	// ever leaving the playing state.
	next := waitForEvent(t, h.events, domain.EventItemStarted, 2*time.Second)
	if next.Item.Seq != second.Seq {
		t.Fatalf("handoff landed on seq %d, want %d", next.Item.Seq, second.Seq)
	}
	if next.State != domain.StatePlaying {
		t.Fatalf("handoff left the playing state: %s", next.State)
	}
	if state := h.context.State(context.Background()); state != domain.StatePlaying {
		t.Fatalf("state after handoff: %s", state)
	}
}

func TestStop_ThenPlayRestartsCurrentItem(t *testing.T) {
	h := newHarness(t, testSettings(), "p1")
	item := h.enqueue(t, "t1", time.Hour)

	if err := h.context.Play(context.Background()); err != nil {
		t.Fatalf("play: %v", err)
	}
	waitForState(t, h.context, domain.StatePlaying, 2*time.Second)

	if err := h.context.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitForState(t, h.context, domain.StateStopped, time.Second)

	if err := h.context.Play(context.Background()); err != nil {
		t.Fatalf("replay: %v", err)
	}
	started := waitForEvent(t, h.events, domain.EventItemStarted, 2*time.Second)
	if started.Item.Seq != item.Seq {
		t.Fatalf("restart landed on seq %d, want %d", started.Item.Seq, item.Seq)
	}
}

func TestSeek_PropagatesToAllMembers(t *testing.T) {
	h := newHarness(t, testSettings(), "p1", "p2")
	h.enqueue(t, "t1", time.Hour)

	if err := h.context.Play(context.Background()); err != nil {
		t.Fatalf("play: %v", err)
	}
	waitForState(t, h.context, domain.StatePlaying, 2*time.Second)

	if err := h.context.Seek(context.Background(), 30*time.Second); err != nil {
		t.Fatalf("seek: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	for _, pid := range h.members {
		pos := h.players[pid].State().Position
		if pos < 30*time.Second || pos > 31*time.Second {
			t.Errorf("player %s at %v after seek to 30s", pid, pos)
		}
	}
}

func TestSeek_DoesNotTriggerDriftCorrection(t *testing.T) {
	h := newHarness(t, testSettings(), "p1", "p2")
	h.enqueue(t, "t1", time.Hour)

	if err := h.context.Play(context.Background()); err != nil {
		t.Fatalf("play: %v", err)
	}
	waitForState(t, h.context, domain.StatePlaying, 2*time.Second)
	drainEvents(h.events)

	// A group seek moves everyone together; pre-seek telemetry must not
	// be mistaken for follower drift.
	if err := h.context.Seek(context.Background(), 30*time.Second); err != nil {
		t.Fatalf("seek: %v", err)
	}
	expectNoEvent(t, h.events, domain.EventDriftCorrected, 300*time.Millisecond)
}

func TestAssignFailure_InvalidatesHandleAndRetries(t *testing.T) {
	logger := zap.NewNop()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	provider := newFakeProvider("test")
	provider.addStream("t1", time.Hour)
	res := resolver.New(logger, resolver.NewHandleCache(16), []domain.Provider{provider}, nil, resolver.Options{
		Attempts:    1,
		BackoffBase: time.Millisecond,
		Freshness:   time.Minute,
	})

	groups := group.NewRegistry(logger)
	if err := groups.Create("living-room"); err != nil {
		t.Fatalf("create group: %v", err)
	}
	vp := player.NewVirtualPlayer(logger, "p1", 10*time.Millisecond)
	if err := vp.Start(ctx); err != nil {
		t.Fatalf("start player: %v", err)
	}
	t.Cleanup(vp.Stop)
	flaky := &rejectAssignPlayer{VirtualPlayer: vp, rejections: 1}
	if err := groups.Join("living-room", "p1"); err != nil {
		t.Fatalf("join: %v", err)
	}

	eventBus := bus.New(logger)
	events, cancelSub := eventBus.Subscribe()
	t.Cleanup(cancelSub)

	c := NewContext(logger, "ctx-test", "living-room", queue.New(), res, groups, eventBus,
		map[domain.PlayerID]domain.Player{"p1": flaky}, testSettings())
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start context: %v", err)
	}
	t.Cleanup(c.Close)

	item, err := c.Enqueue(context.Background(), domain.MediaRef{Provider: "test", MediaID: "t1"}, 0, queue.PositionEnd, 0)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := c.Play(context.Background()); err != nil {
		t.Fatalf("play: %v", err)
	}

	// The first assignment is rejected group-wide; the handle must be
	// evicted and the item resolved again before playback starts.
	started := waitForEvent(t, events, domain.EventItemStarted, 2*time.Second)
	if started.Item == nil || started.Item.Seq != item.Seq {
		t.Fatalf("wrong item started: %+v", started.Item)
	}
	if got := provider.resolveCount("t1"); got != 2 {
		t.Fatalf("provider resolved %d times, want a fresh resolution after eviction", got)
	}
	if members := groups.Members("living-room"); len(members) != 1 || members[0] != "p1" {
		t.Fatalf("member removed for a stream fault: %v", members)
	}
}
