package hub

import (
	"encoding/json"
	"time"

	"github.com/gofiber/websocket/v2"
)

const (
	// writeWait is how long a single write may take.
	writeWait = 10 * time.Second

	// pingPeriod is the keepalive ping interval.
	pingPeriod = 30 * time.Second

	// pongWait must exceed pingPeriod plus the write timeout.
	pongWait = pingPeriod + writeWait

	// maxMessageSize bounds inbound control messages.
	maxMessageSize = 64 * 1024
)

// Handler processes one inbound message from a client. Replies for the
// sender go through Client.SendJSON.
type Handler func(c *Client, data []byte)

// Client represents a single websocket connection.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	onInput Handler
}

// NewClient creates a client, registers it with the hub and wires the
// inbound message handler.
func NewClient(hub *Hub, conn *websocket.Conn, onInput Handler) *Client {
	client := &Client{
		hub:     hub,
		conn:    conn,
		send:    make(chan []byte, 256),
		onInput: onInput,
	}
	hub.register <- client
	return client
}

// SendJSON queues a message for this client only. Slow clients get dropped
// by the hub rather than blocking the caller.
func (c *Client) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
	default:
	}
	return nil
}

// Run starts the client's read and write pumps. Blocks until the
// connection closes.
func (c *Client) Run() {
	go c.writePump()
	c.readPump()
}

// readPump reads control messages and keeps the connection alive.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		if c.onInput != nil {
			c.onInput(c, data)
		}
	}
}

// writePump is the only goroutine writing to the connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
