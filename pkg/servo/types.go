// Package servo defines the actuator configuration model and registry for
// the astromech motion core.
//
// Positions, speeds and accelerations are expressed in quarter-microseconds
// of PWM pulse width, the native unit of the Maestro-class controllers the
// droid is built around.
package servo

import "fmt"

// Type classifies what a channel physically drives.
type Type string

const (
	TypePrimary   Type = "primary"   // dome rotation, head axes
	TypeUtility   Type = "utility"   // arms, grippers
	TypePanel     Type = "panel"     // body/dome panels
	TypeDisplay   Type = "display"   // holoprojectors, logic displays
	TypeExpansion Type = "expansion" // spare channels
)

// Range classifies how much of its travel a channel may use.
type Range string

const (
	RangeFull    Range = "full"
	RangeLimited Range = "limited"
	RangeBinary  Range = "binary" // open/closed panels
)

// SafetyTier is a named policy bundle controlling velocity and
// acceleration ceilings.
type SafetyTier string

const (
	TierDevelopment   SafetyTier = "development"
	TierTesting       SafetyTier = "testing"
	TierProduction    SafetyTier = "production"
	TierDemonstration SafetyTier = "demonstration"
	TierEmergency     SafetyTier = "emergency"
)

// TierCeiling holds the velocity/acceleration ceilings for a safety tier,
// in position-units per second and per second squared.
type TierCeiling struct {
	MaxVelocity     float64
	MaxAcceleration float64
}

// tierCeilings is the canonical tier policy table.
var tierCeilings = map[SafetyTier]TierCeiling{
	TierDevelopment:   {MaxVelocity: 1000, MaxAcceleration: 2000},
	TierTesting:       {MaxVelocity: 750, MaxAcceleration: 1500},
	TierProduction:    {MaxVelocity: 500, MaxAcceleration: 1000},
	TierDemonstration: {MaxVelocity: 300, MaxAcceleration: 500},
	TierEmergency:     {MaxVelocity: 100, MaxAcceleration: 200},
}

// CeilingFor returns the velocity/acceleration ceilings for a tier.
// Unknown tiers get the production ceilings.
func CeilingFor(tier SafetyTier) TierCeiling {
	if c, ok := tierCeilings[tier]; ok {
		return c
	}
	return tierCeilings[TierProduction]
}

// Limits bounds a single channel's motion.
//
// MinPosition/MaxPosition are the absolute hardware limits; SafeMin/SafeMax
// are the softer operating range commands are clamped into.
type Limits struct {
	MinPosition        float64 `json:"min_position"`
	MaxPosition        float64 `json:"max_position"`
	SafeMin            float64 `json:"safe_min"`
	SafeMax            float64 `json:"safe_max"`
	MaxSpeed           float64 `json:"max_speed"`
	MaxAcceleration    float64 `json:"max_acceleration"`
	EmergencyStopSpeed float64 `json:"emergency_stop_speed"`
}

// Config is the static configuration for one channel.
type Config struct {
	Channel             int        `json:"channel"`
	Name                string     `json:"name"`
	Type                Type       `json:"servo_type"`
	Range               Range      `json:"servo_range"`
	Limits              Limits     `json:"limits"`
	HomePosition        float64    `json:"home_position"`
	DefaultSpeed        float64    `json:"default_speed"`
	DefaultAcceleration float64    `json:"default_acceleration"`
	Enabled             bool       `json:"enabled"`
	Inverted            bool       `json:"inverted"`
	SafetyLevel         SafetyTier `json:"safety_level"`
}

// Validate checks the config invariants:
// min_position < safe_min <= safe_max < max_position, and home within the
// absolute limits.
func (c Config) Validate() error {
	if c.Channel < 0 {
		return fmt.Errorf("channel %d: negative channel id", c.Channel)
	}
	l := c.Limits
	if !(l.MinPosition < l.SafeMin) {
		return fmt.Errorf("channel %d: min_position %.0f must be below safe_min %.0f", c.Channel, l.MinPosition, l.SafeMin)
	}
	if !(l.SafeMin <= l.SafeMax) {
		return fmt.Errorf("channel %d: safe_min %.0f must not exceed safe_max %.0f", c.Channel, l.SafeMin, l.SafeMax)
	}
	if !(l.SafeMax < l.MaxPosition) {
		return fmt.Errorf("channel %d: safe_max %.0f must be below max_position %.0f", c.Channel, l.SafeMax, l.MaxPosition)
	}
	if c.HomePosition < l.MinPosition || c.HomePosition > l.MaxPosition {
		return fmt.Errorf("channel %d: home_position %.0f outside [%.0f, %.0f]", c.Channel, c.HomePosition, l.MinPosition, l.MaxPosition)
	}
	return nil
}
