package webhook

import (
	"context"
	"fmt"
	"time"

	"github.com/uesteibar/autoflow/internal/autoflow/db"
)

// claim records key in webhook_deliveries. It reports false when the key
// was already there, i.e. the delivery or command was seen before.
func (rt *Router) claim(ctx context.Context, key string) (bool, error) {
	res, err := rt.DB.Conn().ExecContext(ctx,
		`INSERT OR IGNORE INTO webhook_deliveries (delivery_id, received_at) VALUES (?, ?)`,
		key, db.FormatTime(rt.now()),
	)
	if err != nil {
		return false, fmt.Errorf("claiming %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claiming %s: %w", key, err)
	}
	return n == 1, nil
}

func (rt *Router) release(ctx context.Context, key string) {
	if _, err := rt.DB.Conn().ExecContext(ctx, `DELETE FROM webhook_deliveries WHERE delivery_id = ?`, key); err != nil {
		rt.logger.Warn("releasing webhook delivery", "delivery", key, "error", err)
	}
}

// PruneDeliveries forgets deliveries older than olderThan. Linear stops
// redelivering long before any sensible retention.
func (rt *Router) PruneDeliveries(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := db.FormatTime(rt.now().Add(-olderThan))
	res, err := rt.DB.Conn().ExecContext(ctx, `DELETE FROM webhook_deliveries WHERE received_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning webhook deliveries: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}
