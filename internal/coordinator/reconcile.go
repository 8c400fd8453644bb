package coordinator

import (
	"context"
	"fmt"

	"gap-trading-bot/internal/events"
)

// Reconcile compares broker state against the engine's managers after a
// restart. Positions the engine does not manage are logged and left alone:
// they may be manual trades, and they never count against the concurrency
// cap. They stay untouched by the cutoff sweep too.
func (c *Coordinator) Reconcile(ctx context.Context) error {
	positions, err := c.broker.Positions(ctx)
	if err != nil {
		return fmt.Errorf("list broker positions: %w", err)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, p := range positions {
		if _, managed := c.managers[p.Symbol]; managed {
			continue
		}
		c.log.Warn("Unmanaged broker position found",
			"symbol", p.Symbol, "qty", p.Qty, "side", p.Side, "avg_entry", p.AvgEntryPx)
		c.bus.Publish(events.Event{
			Type:   events.EventOperatorAlert,
			Symbol: p.Symbol,
			Data: map[string]interface{}{
				"message": "unmanaged broker position, leaving untouched",
				"qty":     p.Qty,
				"side":    p.Side,
			},
		})
	}
	return nil
}
