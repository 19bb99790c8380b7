// Contextd - Context-Threshold Process Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/contextd

package broadcast

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
)

// wsClient bridges one websocket connection to a hub subscription.
type wsClient struct {
	conn      *websocket.Conn
	sub       *Subscription
	keepAlive time.Duration
	logger    zerolog.Logger
}

// ServeWS attaches an upgraded websocket connection to the hub and blocks
// until the peer disconnects or the subscription ends. Disconnect is
// detected by write failure or a missed pong; either way the subscription
// is closed and the connection released.
func ServeWS(hub *Hub, conn *websocket.Conn, keepAlive time.Duration, logger zerolog.Logger) {
	c := &wsClient{
		conn:      conn,
		sub:       hub.Subscribe(),
		keepAlive: keepAlive,
		logger:    logger.With().Str("component", "ws-client").Logger(),
	}
	go c.readPump()
	c.writePump()
}

// pongWait is how long a peer may stay silent. The keep-alive ping fires
// well inside it so healthy peers never hit the deadline.
func (c *wsClient) pongWait() time.Duration { return c.keepAlive * 4 }

// readPump discards inbound frames and keeps the read deadline fresh on
// pongs. Its exit closes the subscription, which in turn ends writePump.
func (c *wsClient) readPump() {
	defer func() {
		c.sub.Close()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(c.pongWait())); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.pongWait()))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Debug().Err(err).Msg("websocket closed unexpectedly")
			}
			return
		}
	}
}

// writePump streams subscription events to the peer and pings on the
// keep-alive interval.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(c.keepAlive)
	defer func() {
		ticker.Stop()
		c.sub.Close()
		_ = c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.sub.Events():
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				c.logger.Debug().Err(err).Msg("websocket write failed, dropping client")
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
