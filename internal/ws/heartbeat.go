package ws

import (
	"log"
	"time"

	"github.com/gobwas/ws"

	"github.com/lingo/relay/internal/metrics"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // ping period, 0 disables the heartbeat
	Timeout  time.Duration // grace after a missed interval before the socket is dropped
}

// DefaultHeartbeatConfig pings every 30s and drops sockets silent for 40s.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// StartHeartbeat pings every connection once per Interval until the server
// shuts down. It returns immediately.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	if config.Interval <= 0 {
		log.Printf("ws: heartbeat disabled")
		return
	}
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case now := <-ticker.C:
				sweep(server, config, now)
			}
		}
	}()
}

// sweep drops connections with no inbound frame within Interval + Timeout
// and pings the rest. Removal goes through RemoveConnection, so a dropped
// socket also leaves presence. The onHeartbeat hook runs only for sockets
// that took the ping.
func sweep(server *Server, config HeartbeatConfig, now time.Time) {
	deadline := config.Interval + config.Timeout
	var dropped, pinged int

	for _, c := range server.Connections().All() {
		idle := now.Sub(c.LastActive())
		if idle > deadline {
			log.Printf("ws: heartbeat timeout conn=%s user=%s idle=%s",
				c.ID, c.UserID, idle.Round(time.Second))
			metrics.HeartbeatTimeouts.Inc()
			server.RemoveConnection(c)
			dropped++
			continue
		}

		if err := c.WritePing(); err != nil {
			log.Printf("ws: heartbeat ping failed conn=%s: %v", c.ID, err)
			server.RemoveConnection(c)
			dropped++
			continue
		}
		pinged++

		if server.onHeartbeat != nil {
			server.onHeartbeat(c)
		}
	}

	if dropped > 0 {
		log.Printf("ws: heartbeat pinged=%d dropped=%d", pinged, dropped)
	}
}

// WritePing sends a protocol-level ping; browsers answer it without any
// application code. It shares the write mutex and deadline with WriteMessage.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}
