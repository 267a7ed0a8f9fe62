package presence

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const DefaultHeartbeatInterval = 30 * time.Second

// Reaper disconnects sessions that stopped sending anything for two heartbeat
// intervals. Transport close events are not always delivered, so this is the
// only place a connection is declared dead without the client closing it.
type Reaper struct {
	registry *Registry
	interval time.Duration
	onReap   func(Connection)
	logger   *zap.Logger
	now      func() time.Time
}

// NewReaper builds a reaper. onReap, if set, runs after each forced disconnect
// so the transport can close the underlying socket.
func NewReaper(registry *Registry, interval time.Duration, onReap func(Connection), logger *zap.Logger) *Reaper {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reaper{
		registry: registry,
		interval: interval,
		onReap:   onReap,
		logger:   logger,
		now:      time.Now,
	}
}

// Sweep runs one pass and returns the connections it reaped.
func (r *Reaper) Sweep() []Connection {
	cutoff := r.now().Add(-2 * r.interval)
	var reaped []Connection
	for _, conn := range r.registry.Stale(cutoff) {
		if _, err := r.registry.Disconnect(conn.TransportSessionID); err != nil {
			// closed by the client between Stale and Disconnect
			continue
		}
		r.logger.Info("reaped silent connection",
			zap.String("identity_id", conn.Identity.ID),
			zap.String("session_id", conn.TransportSessionID),
			zap.Time("last_seen_at", conn.LastSeenAt),
		)
		if r.onReap != nil {
			r.onReap(conn)
		}
		reaped = append(reaped, conn)
	}
	return reaped
}

func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Sweep()
		}
	}
}
