package ws

import (
	"time"

	"github.com/gobwas/ws"

	"github.com/togedog/chat-app/internal/logging"
	"github.com/togedog/chat-app/internal/metrics"
)

// HeartbeatConfig tunes liveness checks. A connection is evicted when no
// frame, pong included, has been read for Interval + Timeout.
type HeartbeatConfig struct {
	Interval time.Duration
	Timeout  time.Duration
}

// DefaultHeartbeatConfig returns the default heartbeat settings.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// StartHeartbeat pings every connection each Interval and evicts the ones
// with no frame read within Interval + Timeout. Eviction goes through
// RemoveConnection, so a timed-out member leaves its room like any other
// disconnect. The goroutine exits when the server shuts down.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case <-ticker.C:
				checkConnections(server, config, time.Now())
			}
		}
	}()
}

func checkConnections(server *Server, config HeartbeatConfig, now time.Time) {
	deadline := config.Interval + config.Timeout

	for _, c := range server.Connections().All() {
		if idle := now.Sub(c.LastSeen()); idle > deadline {
			server.log.Info().Str(logging.FieldConnID, c.ID).Int64(logging.FieldUserID, c.UserID).
				Dur("idle", idle.Round(time.Second)).Msg("heartbeat timeout")
			metrics.HeartbeatEvictions.WithLabelValues("timeout").Inc()
			server.RemoveConnection(c)
			continue
		}

		if err := c.WritePing(); err != nil {
			server.log.Debug().Err(err).Str(logging.FieldConnID, c.ID).Msg("heartbeat ping failed")
			metrics.HeartbeatEvictions.WithLabelValues("ping_failed").Inc()
			server.RemoveConnection(c)
		}
	}
}

// WritePing sends a protocol-level ping frame.
func (c *Connection) WritePing() error {
	return c.write(func() error {
		return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
	})
}
