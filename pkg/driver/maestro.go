package driver

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/tarm/serial"

	"github.com/droidforge/astromech/internal/log"
)

// Pololu Maestro serial commands.
// See https://www.pololu.com/docs/pdf/0J40/maestro.pdf
const (
	cmdSetTarget      = 0x84
	cmdSetSpeed       = 0x87
	cmdSetAccel       = 0x89
	cmdGetPosition    = 0x90
	cmdGetMovingState = 0x93
	cmdGetErrors      = 0xa1
	cmdGoHome         = 0xa2
)

// maestroChannels is the largest Maestro variant (Mini Maestro 24).
const maestroChannels = 24

// Maestro drives a Pololu Maestro servo controller over a serial port
// using the compact protocol.
type Maestro struct {
	portName string
	baud     int

	mu   sync.Mutex
	port *serial.Port
}

var _ Driver = (*Maestro)(nil)

// NewMaestro creates a Maestro driver for the given serial port.
func NewMaestro(portName string, baud int) *Maestro {
	if baud == 0 {
		baud = 9600
	}
	return &Maestro{portName: portName, baud: baud}
}

// Connect opens the serial port.
func (m *Maestro) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.port != nil {
		return nil
	}

	port, err := serial.OpenPort(&serial.Config{
		Name:        m.portName,
		Baud:        m.baud,
		ReadTimeout: time.Second,
	})
	if err != nil {
		return fmt.Errorf("open %s: %w", m.portName, err)
	}
	m.port = port
	log.Info("maestro connected", "port", m.portName, "baud", m.baud)
	return nil
}

// Disconnect closes the serial port.
func (m *Maestro) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.port == nil {
		return nil
	}
	err := m.port.Close()
	m.port = nil
	return err
}

// MoveTo issues a Set Target. The target is already in quarter-microseconds,
// the Maestro's native unit.
func (m *Maestro) MoveTo(channel int, position float64, _ time.Duration) error {
	if channel < 0 || channel >= maestroChannels {
		return fmt.Errorf("%w: %d", ErrBadChannel, channel)
	}

	target := uint16(position)
	cmd := []byte{cmdSetTarget, byte(channel), byte(target & 0x7f), byte((target >> 7) & 0x7f)}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.port == nil {
		return ErrNotConnected
	}
	if _, err := m.port.Write(cmd); err != nil {
		return fmt.Errorf("set target ch %d: %w", channel, err)
	}
	return nil
}

// GetStatus reads the channel position and the global moving state.
func (m *Maestro) GetStatus(channel int) (Status, error) {
	if channel < 0 || channel >= maestroChannels {
		return Status{}, fmt.Errorf("%w: %d", ErrBadChannel, channel)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.port == nil {
		return Status{}, ErrNotConnected
	}

	if _, err := m.port.Write([]byte{cmdGetPosition, byte(channel)}); err != nil {
		return Status{}, fmt.Errorf("get position ch %d: %w", channel, err)
	}
	// Serial reads can return short; the reply is exactly two bytes.
	buf := make([]byte, 2)
	if _, err := io.ReadFull(m.port, buf); err != nil {
		return Status{}, fmt.Errorf("read position ch %d: %w", channel, err)
	}
	pos := float64(uint16(buf[0]) | uint16(buf[1])<<8)

	if _, err := m.port.Write([]byte{cmdGetMovingState}); err != nil {
		return Status{}, fmt.Errorf("get moving state: %w", err)
	}
	mbuf := make([]byte, 1)
	if _, err := io.ReadFull(m.port, mbuf); err != nil {
		return Status{}, fmt.Errorf("read moving state: %w", err)
	}

	return Status{Position: pos, Moving: mbuf[0] != 0, Connected: true}, nil
}

// EmergencyStopAll sends Go Home, which parks every channel at its
// controller-configured home position.
func (m *Maestro) EmergencyStopAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.port == nil {
		return ErrNotConnected
	}
	if _, err := m.port.Write([]byte{cmdGoHome}); err != nil {
		return fmt.Errorf("go home: %w", err)
	}
	return nil
}

// SetSpeed caps a channel's speed on the controller itself, in units of
// 0.25 µs per 10 ms.
func (m *Maestro) SetSpeed(channel int, speed uint16) error {
	if channel < 0 || channel >= maestroChannels {
		return fmt.Errorf("%w: %d", ErrBadChannel, channel)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.port == nil {
		return ErrNotConnected
	}
	cmd := []byte{cmdSetSpeed, byte(channel), byte(speed & 0x7f), byte((speed >> 7) & 0x7f)}
	if _, err := m.port.Write(cmd); err != nil {
		return fmt.Errorf("set speed ch %d: %w", channel, err)
	}
	return nil
}
