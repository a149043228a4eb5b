// Package command queues validated servo commands and sequences and
// dispatches them to the motion engine in time order.
package command

import (
	"errors"
	"time"

	"github.com/droidforge/astromech/pkg/safety"
)

var (
	// ErrNotRunning is returned when the queue is used before Start.
	ErrNotRunning = errors.New("command queue not running")

	// ErrQueueFull is returned when the pending set is at capacity.
	ErrQueueFull = errors.New("command queue full")

	// ErrRejected wraps a safety rejection of a submitted command.
	ErrRejected = errors.New("command rejected")
)

// Command is one validated servo instruction. Target carries the clamped
// value once the safety validator has accepted the command.
type Command struct {
	ID       string        `json:"id"`
	Channel  int           `json:"channel"`
	Kind     safety.Kind   `json:"kind"`
	Target   float64       `json:"target"`
	Duration time.Duration `json:"duration"`
	Delay    time.Duration `json:"delay,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Sequence is an ordered batch of commands submitted together. Delays are
// relative to sequence acceptance, so authoring a staircase of delays plays
// the commands one after another.
type Sequence struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Loop      bool      `json:"loop"`
	LoopCount int       `json:"loop_count"` // -1 repeats forever
	Commands  []Command `json:"commands"`
}

// Status is the lifecycle state of a queued command or sequence.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusNotFound  Status = "not_found"
)

// terminal reports whether a status will never change again.
func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}
