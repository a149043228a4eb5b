package servo

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// ProfileVersion is written into every saved profile document.
const ProfileVersion = "1.0"

// ProfileMetadata describes a persisted configuration profile.
type ProfileMetadata struct {
	Name        string `json:"name"`
	Created     string `json:"created"`
	Version     string `json:"version"`
	Profile     string `json:"profile"`
	TotalServos int    `json:"total_servos"`
}

// Profile is the on-disk JSON document for a named configuration profile.
// Servo entries are keyed by decimal channel id.
type Profile struct {
	Metadata ProfileMetadata   `json:"metadata"`
	Servos   map[string]Config `json:"servos"`
}

// NewProfile builds a profile document from the registry's authored configs.
func NewProfile(name string, reg *Registry) *Profile {
	configs := reg.Authored()
	servos := make(map[string]Config, len(configs))
	for _, cfg := range configs {
		servos[strconv.Itoa(cfg.Channel)] = cfg
	}
	return &Profile{
		Metadata: ProfileMetadata{
			Name:        name,
			Created:     time.Now().UTC().Format(time.RFC3339),
			Version:     ProfileVersion,
			Profile:     name,
			TotalServos: len(servos),
		},
		Servos: servos,
	}
}

// Validate checks the profile for internal consistency. It returns a list of
// human-readable issues rather than failing on the first one, so a caller
// can decide whether to proceed with partial config.
func (p *Profile) Validate() []string {
	var issues []string

	seen := make(map[int]string)
	for key, cfg := range p.Servos {
		if prev, dup := seen[cfg.Channel]; dup {
			issues = append(issues, fmt.Sprintf("servo %q: duplicate channel %d (also used by %q)", key, cfg.Channel, prev))
			continue
		}
		seen[cfg.Channel] = key

		ch, err := strconv.Atoi(key)
		if err != nil {
			issues = append(issues, fmt.Sprintf("servo %q: key is not a channel number", key))
		} else if ch != cfg.Channel {
			issues = append(issues, fmt.Sprintf("servo %q: key does not match channel field %d", key, cfg.Channel))
		}

		if err := cfg.Validate(); err != nil {
			issues = append(issues, err.Error())
		}
	}

	return issues
}

// Apply loads every valid servo entry into the registry. Entries that fail
// validation are skipped and reported; the caller already has the full issue
// list from Validate.
func (p *Profile) Apply(reg *Registry) []string {
	var issues []string
	for _, cfg := range p.Servos {
		if err := reg.Upsert(cfg); err != nil {
			issues = append(issues, err.Error())
		}
	}
	return issues
}

// LoadProfile reads and validates a profile document. The returned issue
// list is non-nil whenever the document is inconsistent; the profile is
// still returned so the caller can proceed with the valid subset.
func LoadProfile(path string) (*Profile, []string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read profile: %w", err)
	}

	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, nil, fmt.Errorf("parse profile: %w", err)
	}

	return &p, p.Validate(), nil
}

// SaveProfile writes the profile as indented JSON, creating parent
// directories as needed.
func SaveProfile(path string, p *Profile) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create profile dir: %w", err)
		}
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write profile: %w", err)
	}
	return nil
}

// DefaultConfigs returns the compiled-in R2-D2 channel map used when no
// profile is available or a loaded profile is unusable.
func DefaultConfigs() []Config {
	mk := func(ch int, name string, typ Type, rng Range, home float64) Config {
		return Config{
			Channel:             ch,
			Name:                name,
			Type:                typ,
			Range:               rng,
			Limits:              Limits{MinPosition: 600, MaxPosition: 2400, SafeMin: 800, SafeMax: 2200, MaxSpeed: 500, MaxAcceleration: 1000, EmergencyStopSpeed: 100},
			HomePosition:        home,
			DefaultSpeed:        300,
			DefaultAcceleration: 600,
			Enabled:             true,
			SafetyLevel:         TierProduction,
		}
	}

	return []Config{
		mk(0, "dome_rotation", TypePrimary, RangeFull, 1500),
		mk(1, "head_tilt", TypePrimary, RangeLimited, 1500),
		mk(2, "periscope_lift", TypeUtility, RangeLimited, 900),
		mk(3, "front_panel_left", TypePanel, RangeBinary, 800),
		mk(4, "front_panel_right", TypePanel, RangeBinary, 800),
		mk(5, "holoprojector_front", TypeDisplay, RangeLimited, 1500),
		mk(6, "utility_arm_upper", TypeUtility, RangeLimited, 1000),
		mk(7, "utility_arm_lower", TypeUtility, RangeLimited, 1000),
	}
}

// LoadRegistry builds a registry from a profile path, falling back to the
// compiled-in defaults when the file is missing or unusable. The issue list
// reports everything that went wrong along the way.
func LoadRegistry(path string, tier SafetyTier) (*Registry, []string) {
	reg := NewRegistry(tier)

	if path != "" {
		p, issues, err := LoadProfile(path)
		if err == nil {
			issues = append(issues, p.Apply(reg)...)
			if reg.Count() > 0 {
				return reg, issues
			}
			issues = append(issues, "profile contained no usable servos, using defaults")
			return loadDefaults(reg), issues
		}
		return loadDefaults(reg), []string{err.Error()}
	}

	return loadDefaults(reg), nil
}

func loadDefaults(reg *Registry) *Registry {
	for _, cfg := range DefaultConfigs() {
		// Defaults are known-valid.
		_ = reg.Upsert(cfg)
	}
	return reg
}
