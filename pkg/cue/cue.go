// Package cue publishes audio cue triggers over MQTT so an external sound
// system can play effects in sync with choreographed motion.
package cue

import (
	"encoding/json"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/droidforge/astromech/internal/log"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 2 * time.Second

	// DefaultTopic is where cue triggers are published.
	DefaultTopic = "droid/audio/cue"
)

// Trigger is the payload published for one audio cue.
type Trigger struct {
	Name      string  `json:"name"`
	OffsetMs  int64   `json:"offset_ms,omitempty"`
	Timestamp float64 `json:"timestamp"`
}

// Publisher sends cue triggers to an MQTT broker. Cues are fire-and-forget;
// a broker outage never blocks motion.
type Publisher struct {
	client paho.Client
	topic  string
	mu     sync.Mutex
}

// NewPublisher creates a publisher but does not connect.
func NewPublisher(brokerURL, clientID, topic string) *Publisher {
	if topic == "" {
		topic = DefaultTopic
	}
	opts := paho.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetKeepAlive(30 * time.Second)

	return &Publisher{
		client: paho.NewClient(opts),
		topic:  topic,
	}
}

// Connect attempts to reach the broker. Failure is reported but callers may
// keep the publisher; it reconnects in the background.
func (p *Publisher) Connect() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	token := p.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return &ConnectTimeoutError{}
	}
	return token.Error()
}

// Disconnect cleanly leaves the broker.
func (p *Publisher) Disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.client.Disconnect(1000)
}

// Cue publishes one audio trigger. Implements the engine's AudioCuer.
func (p *Publisher) Cue(name string, offset time.Duration) {
	payload, err := json.Marshal(Trigger{
		Name:      name,
		OffsetMs:  offset.Milliseconds(),
		Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
	})
	if err != nil {
		return
	}

	token := p.client.Publish(p.topic, 0, false, payload)
	go func() {
		if !token.WaitTimeout(publishTimeout) {
			log.Warn("audio cue publish timeout", "cue", name)
			return
		}
		if err := token.Error(); err != nil {
			log.Warn("audio cue publish failed", "cue", name, "error", err)
		}
	}()
}

// ConnectTimeoutError indicates the broker connection timed out.
type ConnectTimeoutError struct{}

func (e *ConnectTimeoutError) Error() string {
	return "mqtt connect timeout"
}

// Nop is an AudioCuer that drops every cue. Used when no broker is
// configured.
type Nop struct{}

// Cue does nothing.
func (Nop) Cue(name string, offset time.Duration) {}
