package server

import (
	"context"
	"time"

	"github.com/gorilla/websocket"

	"github.com/codedeck/ecpd/internal/domain/auth"
)

// heartbeatLoop pings live connections and sweeps stale ones. A
// connection is stale after StaleMultiplier heartbeat intervals without
// inbound traffic; pong replies count as traffic via the pong handler.
// Pending connections are skipped, the handshake timer already bounds
// their lifetime.
func (s *Server) heartbeatLoop(ctx context.Context) {
	interval := s.cfg.Server.HeartbeatInterval
	if interval <= 0 {
		return
	}
	staleAfter := time.Duration(s.cfg.Server.StaleMultiplier) * interval

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, c := range s.snapshotConns() {
				if c.State() == auth.StatePending {
					continue
				}
				if c.IdleFor() > staleAfter {
					s.metrics.StaleClosed.Inc()
					s.logger.Warn("closing stale connection",
						"conn_id", c.id,
						"session_id", c.SessionID(),
						"idle", c.IdleFor().Round(time.Second),
					)
					c.closeWith(websocket.CloseGoingAway, "Connection stale")
					continue
				}
				c.sendPing()
			}
		}
	}
}
