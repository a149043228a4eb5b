// Package safety validates motion commands against per-channel limits,
// tracks violations, and owns the emergency stop state machine.
//
// The state machine has exactly two states: NORMAL and EMERGENCY_STOPPED.
// Any component may read the emergency stop flag concurrently; all writes
// funnel through the Validator.
package safety

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/droidforge/astromech/internal/log"
	"github.com/droidforge/astromech/pkg/servo"
)

// minDuration floors the implied-velocity computation so zero-duration
// commands don't divide by zero.
const minDuration = time.Millisecond

var (
	// ErrEmergencyStopped is returned while the emergency stop is active.
	ErrEmergencyStopped = errors.New("emergency stop active")

	// ErrUnresolvedViolations blocks emergency stop reset while critical
	// violations remain outstanding.
	ErrUnresolvedViolations = errors.New("unresolved critical violations outstanding")
)

// Kind is the command kind the validator reasons about.
type Kind string

const (
	KindPosition      Kind = "position"
	KindSpeed         Kind = "speed"
	KindAcceleration  Kind = "acceleration"
	KindEmergencyStop Kind = "emergency_stop"
)

// Request is the validator's view of a proposed command.
type Request struct {
	Channel  int
	Kind     Kind
	Target   float64
	Duration time.Duration
}

// Decision is the validation outcome. When accepted, Target carries the
// possibly-clamped value the command must proceed with.
type Decision struct {
	Accepted bool
	Target   float64
	Clamped  bool
	Reason   string
}

func rejected(reason string) Decision {
	return Decision{Accepted: false, Reason: reason}
}

// Zone is a named position sub-range stricter than the general safe range,
// applied to a set of channels.
type Zone struct {
	Name     string  `json:"name"`
	Channels []int   `json:"channels"`
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
}

func (z Zone) covers(channel int) bool {
	for _, ch := range z.Channels {
		if ch == channel {
			return true
		}
	}
	return false
}

// Validator is the safety gate between callers and the actuator driver.
type Validator struct {
	reg *servo.Registry

	estop atomic.Bool

	mu        sync.Mutex
	zones     map[string]Zone
	positions map[int]float64
	onEStop   []func()

	log violationLog
}

// NewValidator creates a validator over the registry.
func NewValidator(reg *servo.Registry) *Validator {
	return &Validator{
		reg:       reg,
		zones:     make(map[string]Zone),
		positions: make(map[int]float64),
	}
}

// SetSink forwards every recorded violation to sink (e.g. Postgres).
func (v *Validator) SetSink(sink Sink) {
	v.log.mu.Lock()
	v.log.sink = sink
	v.log.mu.Unlock()
}

// OnEmergencyStop registers a callback fired once per NORMAL →
// EMERGENCY_STOPPED transition. Callbacks must not block.
func (v *Validator) OnEmergencyStop(fn func()) {
	v.mu.Lock()
	v.onEStop = append(v.onEStop, fn)
	v.mu.Unlock()
}

// EmergencyStopActive reports the emergency stop flag. Safe to call from
// any goroutine at any rate.
func (v *Validator) EmergencyStopActive() bool {
	return v.estop.Load()
}

// Validate checks a proposed command and either accepts it (possibly with a
// clamped target), or rejects it with a reason.
//
// Check order: channel existence/enablement, emergency stop gate, position
// clamping into the safe range (warning, proceeds), implied velocity
// against the channel ceiling (blocks), and active safety zones (blocks,
// critical).
func (v *Validator) Validate(req Request) Decision {
	if req.Kind == KindEmergencyStop {
		// The stop itself must be reachable from any state.
		return Decision{Accepted: true, Target: req.Target}
	}

	cfg, err := v.reg.Get(req.Channel)
	if err != nil {
		return rejected(fmt.Sprintf("unknown channel %d", req.Channel))
	}
	if !cfg.Enabled {
		return rejected(fmt.Sprintf("channel %d (%s) is disabled", req.Channel, cfg.Name))
	}

	if v.estop.Load() {
		return rejected("emergency stop active")
	}

	if req.Kind != KindPosition {
		// Speed/acceleration setpoints are capped at the channel ceiling.
		ceiling := cfg.Limits.MaxSpeed
		if req.Kind == KindAcceleration {
			ceiling = cfg.Limits.MaxAcceleration
		}
		target := req.Target
		clamped := false
		if target > ceiling {
			target = ceiling
			clamped = true
		}
		return Decision{Accepted: true, Target: target, Clamped: clamped}
	}

	target, clamped := v.constrainTarget(req.Channel, cfg, req.Target)

	last := v.lastKnown(req.Channel, cfg.HomePosition)
	dur := req.Duration
	if dur < minDuration {
		dur = minDuration
	}
	implied := math.Abs(target-last) / dur.Seconds()
	if implied > cfg.Limits.MaxSpeed {
		v.log.append(Violation{
			Channel:     req.Channel,
			Type:        ViolationVelocityLimit,
			Severity:    SeverityWarning,
			Description: fmt.Sprintf("implied velocity %.0f exceeds ceiling %.0f on %s", implied, cfg.Limits.MaxSpeed, cfg.Name),
			Action:      "rejected",
		})
		return rejected("velocity limit exceeded")
	}

	if zone, breached := v.zoneBreach(req.Channel, target); breached {
		v.log.append(Violation{
			Channel:     req.Channel,
			Type:        ViolationZoneBreach,
			Severity:    SeverityCritical,
			Description: fmt.Sprintf("target %.0f outside zone %q [%.0f, %.0f]", target, zone.Name, zone.Min, zone.Max),
			Action:      "rejected",
		})
		return rejected(fmt.Sprintf("safety zone %q violated", zone.Name))
	}

	return Decision{Accepted: true, Target: target, Clamped: clamped}
}

// ConstrainTarget clamps a motion target into the channel's safe range,
// recording a position_constrained warning when it had to move. It is the
// gate for targets that reach the engine without going through Validate,
// such as choreography step targets.
func (v *Validator) ConstrainTarget(channel int, target float64) (float64, bool) {
	cfg, err := v.reg.Get(channel)
	if err != nil {
		return target, false
	}
	return v.constrainTarget(channel, cfg, target)
}

func (v *Validator) constrainTarget(channel int, cfg servo.Config, target float64) (float64, bool) {
	if target >= cfg.Limits.SafeMin && target <= cfg.Limits.SafeMax {
		return target, false
	}
	clamped := clampInto(target, cfg.Limits.SafeMin, cfg.Limits.SafeMax)
	v.log.append(Violation{
		Channel:     channel,
		Type:        ViolationPositionConstrained,
		Severity:    SeverityWarning,
		Description: fmt.Sprintf("position %.0f constrained to [%.0f, %.0f] on %s", target, cfg.Limits.SafeMin, cfg.Limits.SafeMax, cfg.Name),
		Action:      "clamped",
	})
	return clamped, true
}

// Monitor re-checks an observed position against the absolute hardware
// limits after a physical write. Any breach trips the emergency stop
// immediately; this is the last line of defense against a runaway actuator.
// The observed position becomes the channel's last-known position.
func (v *Validator) Monitor(channel int, observed float64) {
	cfg, err := v.reg.Get(channel)
	if err != nil {
		return
	}

	v.mu.Lock()
	v.positions[channel] = observed
	v.mu.Unlock()

	if observed < cfg.Limits.MinPosition || observed > cfg.Limits.MaxPosition {
		v.log.append(Violation{
			Channel:     channel,
			Type:        ViolationAbsoluteLimit,
			Severity:    SeverityCritical,
			Description: fmt.Sprintf("observed position %.0f outside [%.0f, %.0f] on %s", observed, cfg.Limits.MinPosition, cfg.Limits.MaxPosition, cfg.Name),
			Action:      "emergency stop",
		})
		v.TriggerEmergencyStop(fmt.Sprintf("absolute limit breach on channel %d", channel))
	}
}

// TriggerEmergencyStop sets the emergency stop flag. Idempotent; always
// succeeds. Registered callbacks fire once per transition.
func (v *Validator) TriggerEmergencyStop(reason string) {
	if v.estop.Swap(true) {
		return
	}

	log.Error("emergency stop triggered", "reason", reason)
	v.log.append(Violation{
		Channel:     -1,
		Type:        ViolationEmergencyStop,
		Severity:    SeverityCritical,
		Description: reason,
		Action:      "all motion halted",
	})

	v.mu.Lock()
	callbacks := append([]func(){}, v.onEStop...)
	v.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
}

// ResetEmergencyStop clears the flag. It is a deliberate operator action
// and is refused while any unresolved critical violation remains.
func (v *Validator) ResetEmergencyStop() error {
	if !v.estop.Load() {
		return nil
	}
	if v.log.unresolvedCritical() {
		return ErrUnresolvedViolations
	}
	v.estop.Store(false)
	log.Info("emergency stop reset")
	return nil
}

// ResolveViolation marks a violation resolved so a reset can proceed.
func (v *Validator) ResolveViolation(id string) bool {
	return v.log.resolve(id)
}

// ResolveAll marks every outstanding violation resolved. Operator tooling
// only; a reset still has to be requested separately.
func (v *Validator) ResolveAll() {
	for _, viol := range v.log.all() {
		if !viol.Resolved {
			v.log.resolve(viol.ID)
		}
	}
}

// Violations returns the current (pruned) violation log.
func (v *Validator) Violations() []Violation {
	return v.log.all()
}

// AddSafetyZone installs or replaces a named zone.
func (v *Validator) AddSafetyZone(zone Zone) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.zones[zone.Name] = zone
}

// RemoveSafetyZone deletes a named zone. No-op if absent.
func (v *Validator) RemoveSafetyZone(name string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.zones, name)
}

// Zones returns the active safety zones.
func (v *Validator) Zones() []Zone {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make([]Zone, 0, len(v.zones))
	for _, z := range v.zones {
		out = append(out, z)
	}
	return out
}

// LastKnown returns the channel's last observed position, falling back to
// its home position before the first write.
func (v *Validator) LastKnown(channel int) float64 {
	home := 0.0
	if cfg, err := v.reg.Get(channel); err == nil {
		home = cfg.HomePosition
	}
	return v.lastKnown(channel, home)
}

func (v *Validator) lastKnown(channel int, fallback float64) float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	if pos, ok := v.positions[channel]; ok {
		return pos
	}
	return fallback
}

func (v *Validator) zoneBreach(channel int, target float64) (Zone, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for _, zone := range v.zones {
		if zone.covers(channel) && (target < zone.Min || target > zone.Max) {
			return zone, true
		}
	}
	return Zone{}, false
}

// clampInto clamps a value into [min, max]. Applying it twice changes
// nothing further.
func clampInto(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
