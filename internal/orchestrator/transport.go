package orchestrator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/tutti-audio/tutti/internal/domain"
)

// eachMember runs one operation against every group member concurrently.
// Each call is bounded by the command timeout; a member that errors or
// times out is reported back, the rest proceed regardless.
func (c *Context) eachMember(ctx context.Context, op string, fn func(ctx context.Context, p domain.Player) error) []domain.PlayerID {
	members := c.groups.Members(c.groupID)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed []domain.PlayerID
		errs   error
	)
	for _, pid := range members {
		p, ok := c.players[pid]
		if !ok {
			continue
		}
		wg.Add(1)
		go func(pid domain.PlayerID, p domain.Player) {
			defer wg.Done()
			opCtx, cancel := context.WithTimeout(ctx, c.settings.CommandTimeout)
			defer cancel()
			if err := fn(opCtx, p); err != nil {
				mu.Lock()
				failed = append(failed, pid)
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
		}(pid, p)
	}
	wg.Wait()

	if errs != nil {
		c.logger.Warn("Group operation partially failed",
			zap.String("op", op),
			zap.Int("members", len(members)),
			zap.Int("failed", len(failed)),
			zap.Error(errs))
	}
	return failed
}

// transportAll issues one transport command to every member.
func (c *Context) transportAll(ctx context.Context, cmd domain.TransportCommand, position time.Duration) {
	c.eachMember(ctx, string(cmd), func(opCtx context.Context, p domain.Player) error {
		return p.Transport(opCtx, cmd, position)
	})
}
