// Package driver abstracts the physical or simulated servo backend.
//
// The motion core only depends on the Driver interface; which backend is
// used is decided once at startup. Positions are in quarter-microseconds
// of pulse width throughout.
package driver

import (
	"errors"
	"time"
)

var (
	// ErrNotConnected is returned when the backend has not been connected.
	ErrNotConnected = errors.New("driver not connected")

	// ErrBadChannel is returned for channels outside the backend's range.
	ErrBadChannel = errors.New("channel out of range")
)

// Status is the driver's view of one channel.
type Status struct {
	Position  float64 `json:"position"`
	Moving    bool    `json:"moving"`
	Connected bool    `json:"connected"`
}

// Driver is the consumed hardware boundary. Calls must be fast or
// fail fast; the tick loop budgets one tick per write.
type Driver interface {
	Connect() error
	Disconnect() error

	// MoveTo commands a channel toward a position. Duration is advisory;
	// interpolation happens above the driver, so per-tick targets arrive
	// at tick rate.
	MoveTo(channel int, position float64, duration time.Duration) error

	GetStatus(channel int) (Status, error)

	// EmergencyStopAll halts every channel immediately.
	EmergencyStopAll() error
}
