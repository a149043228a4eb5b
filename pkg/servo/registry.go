package servo

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrNotFound is returned when a channel has no configuration.
	ErrNotFound = errors.New("channel not configured")

	// ErrInvalidConfig is returned when a config violates the limit invariant.
	ErrInvalidConfig = errors.New("invalid servo config")
)

// Registry holds the per-channel configuration. Channels are never removed,
// only disabled.
//
// The registry keeps the authored (profile) limits separately from the
// effective ones so that moving to a looser safety tier restores the
// profile's own ceilings instead of the previous tier's.
type Registry struct {
	mu       sync.RWMutex
	authored map[int]Config // limits as configured
	configs  map[int]Config // limits after tier ceilings
	tier     SafetyTier
}

// NewRegistry creates an empty registry at the given safety tier.
func NewRegistry(tier SafetyTier) *Registry {
	return &Registry{
		authored: make(map[int]Config),
		configs:  make(map[int]Config),
		tier:     tier,
	}
}

// Get returns the effective configuration for a channel.
func (r *Registry) Get(channel int) (Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cfg, ok := r.configs[channel]
	if !ok {
		return Config{}, fmt.Errorf("%w: %d", ErrNotFound, channel)
	}
	return cfg, nil
}

// Upsert adds or replaces a channel's configuration after validating it.
// The current tier's ceilings are applied to the stored entry.
func (r *Registry) Upsert(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.authored[cfg.Channel] = cfg
	r.configs[cfg.Channel] = capToTier(cfg, CeilingFor(r.tier))
	return nil
}

// SetEnabled toggles a channel without touching the rest of its config.
func (r *Registry) SetEnabled(channel int, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cfg, ok := r.configs[channel]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, channel)
	}
	cfg.Enabled = enabled
	r.configs[channel] = cfg

	a := r.authored[channel]
	a.Enabled = enabled
	r.authored[channel] = a
	return nil
}

// All returns every effective configuration ordered by channel id.
func (r *Registry) All() []Config {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Config, 0, len(r.configs))
	for _, cfg := range r.configs {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}

// Authored returns the configurations with profile limits, ordered by
// channel id. Used when persisting a profile so tier caps don't leak into
// the saved document.
func (r *Registry) Authored() []Config {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Config, 0, len(r.authored))
	for _, cfg := range r.authored {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}

// Count returns the number of configured channels.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.configs)
}

// Tier returns the registry's current safety tier.
func (r *Registry) Tier() SafetyTier {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tier
}

// ApplySafetyTier caps every channel's velocity and acceleration ceilings
// at the tier's policy, recomputed from the authored limits. Position
// limits are untouched.
func (r *Registry) ApplySafetyTier(tier SafetyTier) {
	ceiling := CeilingFor(tier)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.tier = tier
	for ch, cfg := range r.authored {
		r.configs[ch] = capToTier(cfg, ceiling)
	}
}

// capToTier returns cfg with speed/acceleration capped at the tier ceiling.
// Unset (zero) ceilings take the tier value.
func capToTier(cfg Config, ceiling TierCeiling) Config {
	if cfg.Limits.MaxSpeed > ceiling.MaxVelocity || cfg.Limits.MaxSpeed == 0 {
		cfg.Limits.MaxSpeed = ceiling.MaxVelocity
	}
	if cfg.Limits.MaxAcceleration > ceiling.MaxAcceleration || cfg.Limits.MaxAcceleration == 0 {
		cfg.Limits.MaxAcceleration = ceiling.MaxAcceleration
	}
	return cfg
}
