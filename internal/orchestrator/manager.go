package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tutti-audio/tutti/internal/bus"
	"github.com/tutti-audio/tutti/internal/domain"
	"github.com/tutti-audio/tutti/internal/group"
	"github.com/tutti-audio/tutti/internal/queue"
	"github.com/tutti-audio/tutti/internal/resolver"
)

// Manager owns every playback context and enforces one context per player
// group. All command traffic enters through the context it hands out.
type Manager struct {
	logger   *zap.Logger
	resolver *resolver.Resolver
	groups   *group.Registry
	bus      *bus.Bus
	settings Settings

	mu       sync.Mutex
	players  map[domain.PlayerID]domain.Player
	contexts map[domain.ContextID]*Context
	byGroup  map[string]domain.ContextID
}

// NewManager creates a context manager.
func NewManager(
	logger *zap.Logger,
	res *resolver.Resolver,
	groups *group.Registry,
	eventBus *bus.Bus,
	settings Settings,
) *Manager {
	settings.applyDefaults()
	return &Manager{
		logger:   logger,
		resolver: res,
		groups:   groups,
		bus:      eventBus,
		settings: settings,
		players:  make(map[domain.PlayerID]domain.Player),
		contexts: make(map[domain.ContextID]*Context),
		byGroup:  make(map[string]domain.ContextID),
	}
}

// RegisterPlayer makes an adapter available to contexts created from now
// on.
func (m *Manager) RegisterPlayer(p domain.Player) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.players[p.ID()] = p
}

// CreateContext starts a playback context bound to groupID, creating the
// group if needed. A group already bound to a context gets that context
// back.
func (m *Manager) CreateContext(ctx context.Context, groupID string) (*Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, bound := m.byGroup[groupID]; bound {
		return m.contexts[id], nil
	}
	if _, exists := m.groups.Snapshot(groupID); !exists {
		if err := m.groups.Create(groupID); err != nil {
			return nil, err
		}
	}
	return m.startLocked(ctx, domain.ContextID(uuid.NewString()), groupID, queue.New(), domain.StateIdle)
}

// Get returns a context by id.
func (m *Manager) Get(id domain.ContextID) (*Context, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contexts[id]
	return c, ok
}

// ContextForGroup returns the context bound to a group.
func (m *Manager) ContextForGroup(groupID string) (*Context, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byGroup[groupID]
	if !ok {
		return nil, false
	}
	return m.contexts[id], true
}

// Remove stops and discards a context. The group and its members survive.
func (m *Manager) Remove(id domain.ContextID) error {
	m.mu.Lock()
	c, ok := m.contexts[id]
	if ok {
		delete(m.contexts, id)
		delete(m.byGroup, c.GroupID())
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("context %s: %w", id, domain.ErrNotFound)
	}
	c.Close()
	return nil
}

// Restore rehydrates a context from a snapshot. Stream handles never
// survive the boundary, so playback resumes stopped; a play command
// re-resolves the current item.
func (m *Manager) Restore(ctx context.Context, snap domain.ContextSnapshot) (*Context, error) {
	if snap.ID == "" || snap.Group.ID == "" {
		return nil, fmt.Errorf("restore context: incomplete snapshot: %w", domain.ErrInvalidReference)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.contexts[snap.ID]; exists {
		return nil, fmt.Errorf("context %s already running", snap.ID)
	}
	if err := m.groups.Restore(snap.Group); err != nil {
		return nil, err
	}
	q := queue.New()
	if err := q.Restore(snap.Queue); err != nil {
		return nil, err
	}
	return m.startLocked(ctx, snap.ID, snap.Group.ID, q, domain.StateStopped)
}

// CloseAll stops every context. Used on daemon shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	contexts := make([]*Context, 0, len(m.contexts))
	for _, c := range m.contexts {
		contexts = append(contexts, c)
	}
	m.contexts = make(map[domain.ContextID]*Context)
	m.byGroup = make(map[string]domain.ContextID)
	m.mu.Unlock()

	for _, c := range contexts {
		c.Close()
	}
}

func (m *Manager) startLocked(ctx context.Context, id domain.ContextID, groupID string, q *queue.Queue, initial domain.TransportState) (*Context, error) {
	players := make(map[domain.PlayerID]domain.Player, len(m.players))
	for pid, p := range m.players {
		players[pid] = p
	}

	c := NewContext(m.logger, id, groupID, q, m.resolver, m.groups, m.bus, players, m.settings)
	c.state = initial
	if err := c.Start(ctx); err != nil {
		return nil, err
	}
	m.contexts[id] = c
	m.byGroup[groupID] = id
	m.logger.Info("Playback context created",
		zap.String("context", string(id)),
		zap.String("group", groupID))
	return c, nil
}
