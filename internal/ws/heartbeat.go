package ws

import (
	"time"

	"github.com/peerprep/matching/internal/logger"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 30s)
	Timeout  time.Duration // max time to wait for activity after ping (default: 10s)
}

// DefaultHeartbeatConfig returns sensible defaults for heartbeat monitoring.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// startHeartbeat begins a background goroutine that periodically pings every
// connection and evicts those that have gone stale. The goroutine exits when
// the server's done channel is closed.
func startHeartbeat(server *Server, config HeartbeatConfig) {
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case now := <-ticker.C:
				checkConnections(server, config, now)
			}
		}
	}()
}

// checkConnections removes connections with no frame received within
// Interval + Timeout, and sends a protocol-level ping to the rest. Browsers
// answer the ping automatically, which refreshes LastActive. Eviction goes
// through RemoveConnection, so the engine sees it as a close.
func checkConnections(server *Server, config HeartbeatConfig, now time.Time) {
	deadline := config.Interval + config.Timeout

	for _, c := range server.Connections().All() {
		idle := now.Sub(c.LastActive())
		if idle > deadline {
			logger.Info("heartbeat timeout", "component", "ws", "conn_id", c.ID, "idle", idle.Round(time.Second))
			server.RemoveConnection(c)
			continue
		}

		if err := c.WritePing(); err != nil {
			logger.Warn("heartbeat ping failed", "component", "ws", "conn_id", c.ID, "error", err)
			server.RemoveConnection(c)
		}
	}
}
