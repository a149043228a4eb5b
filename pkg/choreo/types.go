// Package choreo owns the choreography library and the fixed-rate engine
// that drives multi-channel motion through the interpolator, the safety
// validator and the actuator driver.
package choreo

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a choreography name is not registered.
	ErrNotFound = errors.New("choreography not found")

	// ErrBusy is returned when a running choreography has higher-or-equal
	// priority and does not allow interruption.
	ErrBusy = errors.New("higher priority choreography running")

	// ErrInvalidChoreography is returned when a choreography fails validation.
	ErrInvalidChoreography = errors.New("invalid choreography")
)

// Step is one channel's motion inside a choreography timeline.
//
// From is the nominal start; at run time the step starts from wherever the
// channel actually is, so interrupted motion continues smoothly.
type Step struct {
	Channel     int           `json:"channel"`
	From        float64       `json:"from"`
	To          float64       `json:"to"`
	Duration    time.Duration `json:"duration"`
	Easing      string        `json:"easing"`
	SyncGroup   string        `json:"sync_group,omitempty"`
	SyncOffset  time.Duration `json:"sync_offset,omitempty"`
	Overshoot   float64       `json:"overshoot,omitempty"`
	HoldAfter   time.Duration `json:"hold_after,omitempty"`
	DelayBefore time.Duration `json:"delay_before,omitempty"`
}

// Choreography is a named, reusable multi-channel motion sequence.
type Choreography struct {
	Name               string        `json:"name"`
	Description        string        `json:"description"`
	Priority           int           `json:"priority"` // 1..10
	AllowsInterruption bool          `json:"allows_interruption"`
	EmergencyStopTime  time.Duration `json:"emergency_stop_time"` // advisory only
	AudioCue           string        `json:"audio_cue,omitempty"`
	AudioCueOffset     time.Duration `json:"audio_cue_offset,omitempty"`
	Loop               bool          `json:"loop"`
	LoopCount          int           `json:"loop_count"` // -1 loops forever
	Steps              []Step        `json:"steps"`
}

// Validate checks the static invariants of an authored choreography.
func (c *Choreography) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidChoreography)
	}
	if c.Priority < 1 || c.Priority > 10 {
		return fmt.Errorf("%w: %s: priority %d outside 1..10", ErrInvalidChoreography, c.Name, c.Priority)
	}
	if len(c.Steps) == 0 {
		return fmt.Errorf("%w: %s: no steps", ErrInvalidChoreography, c.Name)
	}
	for i, s := range c.Steps {
		if s.Duration < 0 {
			return fmt.Errorf("%w: %s: step %d has negative duration", ErrInvalidChoreography, c.Name, i)
		}
		if s.Overshoot < 0 {
			return fmt.Errorf("%w: %s: step %d has negative overshoot", ErrInvalidChoreography, c.Name, i)
		}
		if s.DelayBefore < 0 {
			return fmt.Errorf("%w: %s: step %d has negative delay", ErrInvalidChoreography, c.Name, i)
		}
	}
	return nil
}

// RunStatus is the lifecycle state of one choreography run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunStopped   RunStatus = "stopped"
	RunFailed    RunStatus = "failed"
)

// RunInfo is a snapshot of the active (or last finished) run.
type RunInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    RunStatus `json:"status"`
	StartedAt time.Time `json:"started_at"`
	LoopsLeft int       `json:"loops_left"`
}

// Options tunes one execution of a choreography.
type Options struct {
	// SpeedModifier scales playback speed; 2.0 runs the timeline twice as
	// fast. The caller's "personality" layer sets this.
	SpeedModifier float64

	// Intensity scales each step's travel around its captured start.
	// 1.0 plays the authored amplitude.
	Intensity float64
}

// DefaultOptions plays a choreography exactly as authored.
func DefaultOptions() Options {
	return Options{SpeedModifier: 1.0, Intensity: 1.0}
}

func (o Options) normalized() Options {
	if o.SpeedModifier <= 0 {
		o.SpeedModifier = 1.0
	}
	if o.Intensity <= 0 {
		o.Intensity = 1.0
	}
	return o
}
