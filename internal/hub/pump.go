package hub

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/gommon/log"
)

// PumpConfig holds the WebSocket keepalive settings.
type PumpConfig struct {
	PingInterval time.Duration
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
}

// Serve registers conn and runs its read and write pumps until the client
// goes away. Watch connections are receive-only; inbound messages are
// discarded.
func (h *Hub) Serve(conn *Connection, cfg PumpConfig) {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 2 * cfg.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	h.Register(conn)
	go h.writePump(conn, cfg)
	h.readPump(conn, cfg)
}

func (h *Hub) readPump(conn *Connection, cfg PumpConfig) {
	defer func() {
		h.Unregister(conn)
		conn.Close()
	}()

	conn.Conn.SetReadLimit(4096)
	conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
		return nil
	})

	for {
		if _, _, err := conn.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warnf("watch websocket error: %v", err)
			}
			return
		}
	}
}

func (h *Hub) writePump(conn *Connection, cfg PumpConfig) {
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if !ok {
				// Hub closed the channel
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Warnf("failed to write watch message: %v", err)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
