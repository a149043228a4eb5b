package driver

import (
	"fmt"
	"sync"
	"time"

	"github.com/stianeikeland/go-rpio/v4"

	"github.com/droidforge/astromech/internal/log"
)

// pwmCycle is the classic 50 Hz servo frame: duty is expressed against a
// 20 ms cycle measured in quarter-microseconds.
const pwmCycle = 20000 * 4

// RPiPWM drives hobby servos directly from Raspberry Pi PWM-capable pins.
// Only a handful of channels are available; the pin map assigns a BCM pin
// per channel.
type RPiPWM struct {
	pins map[int]int // channel -> BCM pin

	mu        sync.Mutex
	connected bool
	positions map[int]float64
}

var _ Driver = (*RPiPWM)(nil)

// NewRPiPWM creates a Raspberry Pi PWM driver with the given channel→pin map.
func NewRPiPWM(pins map[int]int) *RPiPWM {
	return &RPiPWM{
		pins:      pins,
		positions: make(map[int]float64),
	}
}

// Connect opens /dev/gpiomem and configures every mapped pin for PWM.
func (r *RPiPWM) Connect() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.connected {
		return nil
	}
	if err := rpio.Open(); err != nil {
		return fmt.Errorf("open gpio: %w", err)
	}

	for ch, pin := range r.pins {
		p := rpio.Pin(pin)
		p.Mode(rpio.Pwm)
		// 19.2 MHz / 96 = 200 kHz base; cycle length 4000 gives 50 Hz.
		p.Freq(200000)
		log.Debug("pwm pin configured", "channel", ch, "pin", pin)
	}

	r.connected = true
	return nil
}

// Disconnect releases the GPIO mapping.
func (r *RPiPWM) Disconnect() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.connected {
		return nil
	}
	r.connected = false
	return rpio.Close()
}

// MoveTo sets the pin's duty cycle for the requested pulse width.
func (r *RPiPWM) MoveTo(channel int, position float64, _ time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.connected {
		return ErrNotConnected
	}
	pin, ok := r.pins[channel]
	if !ok {
		return fmt.Errorf("%w: %d", ErrBadChannel, channel)
	}

	// position quarter-µs → duty fraction of the 20 ms frame.
	duty := uint32(position / pwmCycle * 4000)
	rpio.Pin(pin).DutyCycle(duty, 4000)
	r.positions[channel] = position
	return nil
}

// GetStatus reports the last commanded position; the Pi has no feedback path.
func (r *RPiPWM) GetStatus(channel int) (Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.connected {
		return Status{}, ErrNotConnected
	}
	if _, ok := r.pins[channel]; !ok {
		return Status{}, fmt.Errorf("%w: %d", ErrBadChannel, channel)
	}
	return Status{Position: r.positions[channel], Connected: true}, nil
}

// EmergencyStopAll drops every pin's duty to zero, releasing the servos.
func (r *RPiPWM) EmergencyStopAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.connected {
		return ErrNotConnected
	}
	for _, pin := range r.pins {
		rpio.Pin(pin).DutyCycle(0, 4000)
	}
	return nil
}
