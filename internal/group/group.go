// Package group tracks player group membership and leadership. Groups own
// player identities by reference only; reverse queries go through an index,
// never through back-pointers. Membership changes are always explicit
// join/leave operations.
package group

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/tutti-audio/tutti/internal/domain"
)

type state struct {
	id      string
	leader  domain.PlayerID
	members []domain.PlayerID
}

// Registry holds every player group and the player→group index.
type Registry struct {
	logger   *zap.Logger
	mu       sync.RWMutex
	groups   map[string]*state
	byPlayer map[domain.PlayerID]string
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger:   logger,
		groups:   make(map[string]*state),
		byPlayer: make(map[domain.PlayerID]string),
	}
}

// Create registers an empty group.
func (r *Registry) Create(groupID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.groups[groupID]; exists {
		return fmt.Errorf("group %s already exists", groupID)
	}
	r.groups[groupID] = &state{id: groupID}
	return nil
}

// Join adds a player to a group. The first member becomes leader. A player
// already in another group must leave it first.
func (r *Registry) Join(groupID string, player domain.PlayerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.groups[groupID]
	if !ok {
		return fmt.Errorf("join group %s: %w", groupID, domain.ErrNotFound)
	}
	if current, bound := r.byPlayer[player]; bound {
		if current == groupID {
			return nil // already a member, idempotent
		}
		return fmt.Errorf("player %s already in group %s", player, current)
	}

	g.members = append(g.members, player)
	r.byPlayer[player] = groupID
	if g.leader == "" {
		g.leader = player
	}

	r.logger.Info("Player joined group",
		zap.String("group", groupID),
		zap.String("player", string(player)),
		zap.String("leader", string(g.leader)))
	return nil
}

// Leave removes a player from its group. If the leader leaves, leadership
// transfers to the next surviving member; newLeader carries the result
// ("" when the group emptied or leadership did not change hands).
func (r *Registry) Leave(groupID string, player domain.PlayerID) (newLeader domain.PlayerID, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.groups[groupID]
	if !ok {
		return "", fmt.Errorf("leave group %s: %w", groupID, domain.ErrNotFound)
	}

	idx := -1
	for i, m := range g.members {
		if m == player {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", fmt.Errorf("player %s not in group %s: %w", player, groupID, domain.ErrNotFound)
	}

	g.members = append(g.members[:idx], g.members[idx+1:]...)
	delete(r.byPlayer, player)

	if g.leader == player {
		g.leader = ""
		if len(g.members) > 0 {
			g.leader = g.members[0]
			newLeader = g.leader
		}
		r.logger.Info("Group leadership transferred",
			zap.String("group", groupID),
			zap.String("left", string(player)),
			zap.String("leader", string(g.leader)))
	}
	return newLeader, nil
}

// Leader returns the group's clock-reference member.
func (r *Registry) Leader(groupID string) (domain.PlayerID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[groupID]
	if !ok || g.leader == "" {
		return "", false
	}
	return g.leader, true
}

// Members returns a copy of the group's member list, leader first.
func (r *Registry) Members(groupID string) []domain.PlayerID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[groupID]
	if !ok {
		return nil
	}
	return append([]domain.PlayerID(nil), g.members...)
}

// GroupOf returns the group a player belongs to.
func (r *Registry) GroupOf(player domain.PlayerID) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byPlayer[player]
	return id, ok
}

// Remove deletes an emptied group. Removing a group with members is
// rejected; members leave explicitly first.
func (r *Registry) Remove(groupID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[groupID]
	if !ok {
		return fmt.Errorf("remove group %s: %w", groupID, domain.ErrNotFound)
	}
	if len(g.members) > 0 {
		return fmt.Errorf("group %s still has %d members", groupID, len(g.members))
	}
	delete(r.groups, groupID)
	return nil
}

// Snapshot captures one group for the persistence boundary.
func (r *Registry) Snapshot(groupID string) (domain.GroupSnapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[groupID]
	if !ok {
		return domain.GroupSnapshot{}, false
	}
	return domain.GroupSnapshot{
		ID:      g.id,
		Leader:  g.leader,
		Members: append([]domain.PlayerID(nil), g.members...),
	}, true
}

// Restore rehydrates one group from a snapshot, rebuilding the reverse
// index. An existing group with the same id is replaced.
func (r *Registry) Restore(snap domain.GroupSnapshot) error {
	if snap.ID == "" {
		return fmt.Errorf("restore group: empty id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.groups[snap.ID]; ok {
		for _, m := range old.members {
			delete(r.byPlayer, m)
		}
	}
	for _, m := range snap.Members {
		if bound, ok := r.byPlayer[m]; ok && bound != snap.ID {
			return fmt.Errorf("restore group %s: player %s bound to %s", snap.ID, m, bound)
		}
	}

	g := &state{
		id:      snap.ID,
		leader:  snap.Leader,
		members: append([]domain.PlayerID(nil), snap.Members...),
	}
	if g.leader == "" && len(g.members) > 0 {
		g.leader = g.members[0]
	}
	r.groups[snap.ID] = g
	for _, m := range g.members {
		r.byPlayer[m] = snap.ID
	}
	return nil
}
