package choreo

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/droidforge/astromech/pkg/easing"
)

// Library manages the collection of named choreographies.
type Library struct {
	mu    sync.RWMutex
	items map[string]*Choreography
}

// NewLibrary creates an empty library.
func NewLibrary() *Library {
	return &Library{items: make(map[string]*Choreography)}
}

// Register adds or replaces a choreography after validating it.
func (l *Library) Register(c *Choreography) error {
	if err := c.Validate(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.items[c.Name] = c
	return nil
}

// Get retrieves a choreography by name.
func (l *Library) Get(name string) (*Choreography, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	c, ok := l.items[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return c, nil
}

// List returns all registered names, sorted alphabetically.
func (l *Library) List() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	names := make([]string, 0, len(l.items))
	for name := range l.items {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered choreographies.
func (l *Library) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.items)
}

// LoadBuiltIn registers the stock droid choreographies against the default
// channel map.
func (l *Library) LoadBuiltIn() error {
	for _, c := range builtIn() {
		if err := l.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// builtIn returns the stock R2-D2 routines. Channel assignments follow
// servo.DefaultConfigs.
func builtIn() []*Choreography {
	const (
		domeRotation = 0
		headTilt     = 1
		periscope    = 2
		panelLeft    = 3
		panelRight   = 4
		holoFront    = 5
	)

	return []*Choreography{
		{
			Name:               "dome_scan",
			Description:        "slow dome sweep left-right, holoprojector tracking",
			Priority:           2,
			AllowsInterruption: true,
			EmergencyStopTime:  500 * time.Millisecond,
			Loop:               true,
			LoopCount:          -1,
			Steps: []Step{
				{Channel: domeRotation, From: 1500, To: 2100, Duration: 2 * time.Second, Easing: easing.Sine},
				{Channel: domeRotation, From: 2100, To: 900, Duration: 3 * time.Second, Easing: easing.Sine, DelayBefore: 2 * time.Second},
				{Channel: domeRotation, From: 900, To: 1500, Duration: 2 * time.Second, Easing: easing.Sine, DelayBefore: 5 * time.Second},
				{Channel: holoFront, From: 1500, To: 1800, Duration: 7 * time.Second, Easing: easing.Organic},
			},
		},
		{
			Name:               "excited_wiggle",
			Description:        "fast dome shimmy with panel flutter",
			Priority:           5,
			AllowsInterruption: true,
			EmergencyStopTime:  300 * time.Millisecond,
			LoopCount:          2,
			Steps: []Step{
				{Channel: domeRotation, From: 1500, To: 1800, Duration: 250 * time.Millisecond, Easing: easing.Emotional, Overshoot: 0.1},
				{Channel: domeRotation, From: 1800, To: 1200, Duration: 300 * time.Millisecond, Easing: easing.Emotional, Overshoot: 0.1, DelayBefore: 250 * time.Millisecond},
				{Channel: domeRotation, From: 1200, To: 1500, Duration: 250 * time.Millisecond, Easing: easing.Emotional, DelayBefore: 550 * time.Millisecond},
				{Channel: panelLeft, From: 800, To: 2200, Duration: 200 * time.Millisecond, Easing: easing.QuadOut, HoldAfter: 150 * time.Millisecond},
				{Channel: panelRight, From: 800, To: 2200, Duration: 200 * time.Millisecond, Easing: easing.QuadOut, DelayBefore: 100 * time.Millisecond, HoldAfter: 150 * time.Millisecond},
			},
		},
		{
			Name:               "panel_wave",
			Description:        "panels open in sequence, closing together",
			Priority:           3,
			AllowsInterruption: true,
			EmergencyStopTime:  400 * time.Millisecond,
			Steps: []Step{
				{Channel: panelLeft, From: 800, To: 2200, Duration: 400 * time.Millisecond, Easing: easing.Back},
				{Channel: panelRight, From: 800, To: 2200, Duration: 400 * time.Millisecond, Easing: easing.Back, DelayBefore: 200 * time.Millisecond},
				{Channel: panelLeft, From: 2200, To: 800, Duration: 500 * time.Millisecond, Easing: easing.Mechanical, SyncGroup: "close", DelayBefore: 900 * time.Millisecond},
				{Channel: panelRight, From: 2200, To: 800, Duration: 700 * time.Millisecond, Easing: easing.Mechanical, SyncGroup: "close", DelayBefore: 900 * time.Millisecond},
			},
		},
		{
			Name:               "alert",
			Description:        "periscope up, dome snap, panels slam - something needs attention",
			Priority:           8,
			AllowsInterruption: false,
			EmergencyStopTime:  200 * time.Millisecond,
			AudioCue:           "alarm_warble",
			Steps: []Step{
				{Channel: periscope, From: 900, To: 2100, Duration: 300 * time.Millisecond, Easing: easing.QuinticOut, Overshoot: 0.05},
				{Channel: domeRotation, From: 1500, To: 2000, Duration: 200 * time.Millisecond, Easing: easing.Expo},
				{Channel: panelLeft, From: 800, To: 2200, Duration: 150 * time.Millisecond, Easing: easing.QuadIn, SyncGroup: "slam"},
				{Channel: panelRight, From: 800, To: 2200, Duration: 150 * time.Millisecond, Easing: easing.QuadIn, SyncGroup: "slam"},
			},
		},
	}
}
