// Package client is a Go control client for the droid WebSocket protocol.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/droidforge/astromech/internal/log"
	"github.com/droidforge/astromech/pkg/protocol"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
)

// Client talks to a running control server.
type Client struct {
	url string

	conn      *websocket.Conn
	connMu    sync.Mutex
	connected bool

	// Callbacks, set before Connect.
	OnStatus        func(protocol.StatusUpdate)
	OnEmergencyStop func(protocol.EmergencyStopActivated)
	OnResponse      func(msgType protocol.MessageType, data []byte)
	OnDisconnect    func(err error)

	cancel context.CancelFunc
}

// New creates a client for ws://host:port/ws.
func New(url string) *Client {
	return &Client{url: url}
}

// Connect dials the server and starts the read loop.
func (c *Client) Connect(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("websocket dial failed: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connected = true
	c.connMu.Unlock()

	conn.SetPingHandler(func(appData string) error {
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeTimeout))
	})

	go c.readLoop(ctx)

	log.Debug("control client connected", "url", c.url)
	return nil
}

// Close tears down the connection.
func (c *Client) Close() error {
	if c.cancel != nil {
		c.cancel()
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()
	if !c.connected {
		return nil
	}
	c.connected = false
	return c.conn.Close()
}

// readLoop dispatches inbound messages to the callbacks.
func (c *Client) readLoop(ctx context.Context) {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.connMu.Lock()
			c.connected = false
			c.connMu.Unlock()
			if ctx.Err() == nil && c.OnDisconnect != nil {
				c.OnDisconnect(err)
			}
			return
		}

		typ, err := protocol.PeekType(data)
		if err != nil {
			log.Warn("unparseable server message", "error", err)
			continue
		}

		switch typ {
		case protocol.TypeStatusUpdate:
			if c.OnStatus != nil {
				var upd protocol.StatusUpdate
				if err := json.Unmarshal(data, &upd); err == nil {
					c.OnStatus(upd)
				}
			}
		case protocol.TypeEmergencyStopActivated:
			if c.OnEmergencyStop != nil {
				var msg protocol.EmergencyStopActivated
				if err := json.Unmarshal(data, &msg); err == nil {
					c.OnEmergencyStop(msg)
				}
			}
		default:
			if c.OnResponse != nil {
				c.OnResponse(typ, data)
			}
		}
	}
}

// send writes one JSON message under the write lock.
func (c *Client) send(v any) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if !c.connected {
		return fmt.Errorf("not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

// MoveServo commands one channel. durationMs <= 0 uses the server default.
func (c *Client) MoveServo(channel int, position float64, durationMs int) error {
	return c.send(protocol.ServoCommand{
		Type:     protocol.TypeServoCommand,
		Channel:  channel,
		Position: position,
		Duration: durationMs,
	})
}

// SendSequence submits an ordered command batch.
func (c *Client) SendSequence(name string, steps []protocol.SequenceStep) error {
	return c.send(protocol.SequenceCommand{
		Type:     protocol.TypeSequenceCommand,
		Name:     name,
		Commands: steps,
	})
}

// EmergencyStop halts all motion.
func (c *Client) EmergencyStop(reason string) error {
	return c.send(protocol.EmergencyStop{Type: protocol.TypeEmergencyStop, Reason: reason})
}

// RequestStatus asks for an immediate status snapshot.
func (c *Client) RequestStatus() error {
	return c.send(protocol.GetStatus{Type: protocol.TypeGetStatus})
}

// GetConfig requests servo configuration; nil channel means all.
func (c *Client) GetConfig(channel *int) error {
	return c.send(protocol.ConfigCommand{
		Type:    protocol.TypeConfigCommand,
		Action:  protocol.ConfigActionGet,
		Channel: channel,
	})
}

// SaveConfig persists the server's servo profile.
func (c *Client) SaveConfig(filename string) error {
	return c.send(protocol.ConfigCommand{
		Type:     protocol.TypeConfigCommand,
		Action:   protocol.ConfigActionSave,
		Filename: filename,
	})
}
