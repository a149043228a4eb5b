// Package easing provides the motion curve library for the choreography
// engine. Every curve is a deterministic mapping from normalized time
// t ∈ [0,1] to normalized progress with f(0)=0 and f(1)=1.
package easing

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// Func maps normalized time to normalized progress.
type Func func(t float64) float64

// ErrUnknownCurve is returned when a curve name is not registered.
var ErrUnknownCurve = errors.New("unknown easing curve")

// Curve names accepted by Get. "mechanical" is the default for direct
// servo commands; the three character curves give motion an organic feel.
const (
	Linear       = "linear"
	QuadIn       = "quad_in"
	QuadOut      = "quad_out"
	QuadInOut    = "quad_in_out"
	CubicIn      = "cubic_in"
	CubicOut     = "cubic_out"
	CubicInOut   = "cubic_in_out"
	QuarticIn    = "quartic_in"
	QuarticOut   = "quartic_out"
	QuarticInOut = "quartic_in_out"
	QuinticIn    = "quintic_in"
	QuinticOut   = "quintic_out"
	QuinticInOut = "quintic_in_out"
	Sine         = "sine"
	Expo         = "expo"
	Circ         = "circ"
	Back         = "back"
	Elastic      = "elastic"
	Bounce       = "bounce"
	Organic      = "organic"
	Mechanical   = "mechanical"
	Emotional    = "emotional"
)

var curves = map[string]Func{
	Linear:       func(t float64) float64 { return t },
	QuadIn:       func(t float64) float64 { return t * t },
	QuadOut:      func(t float64) float64 { return t * (2 - t) },
	QuadInOut:    inOut(func(t float64) float64 { return t * t }),
	CubicIn:      powIn(3),
	CubicOut:     powOut(3),
	CubicInOut:   inOut(powIn(3)),
	QuarticIn:    powIn(4),
	QuarticOut:   powOut(4),
	QuarticInOut: inOut(powIn(4)),
	QuinticIn:    powIn(5),
	QuinticOut:   powOut(5),
	QuinticInOut: inOut(powIn(5)),
	Sine:         func(t float64) float64 { return -(math.Cos(math.Pi*t) - 1) / 2 },
	Expo:         expo,
	Circ:         circ,
	Back:         back,
	Elastic:      elastic,
	Bounce:       bounce,
	Organic:      organic,
	Mechanical:   func(t float64) float64 { return t * t * (3 - 2*t) },
	Emotional:    emotional,
}

// Get returns the named curve.
func Get(name string) (Func, error) {
	fn, ok := curves[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCurve, name)
	}
	return fn, nil
}

// GetOrDefault returns the named curve, or mechanical when the name is
// empty or unknown.
func GetOrDefault(name string) Func {
	if fn, ok := curves[name]; ok {
		return fn
	}
	return curves[Mechanical]
}

// Names returns every registered curve name, sorted.
func Names() []string {
	names := make([]string, 0, len(curves))
	for name := range curves {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Interpolate returns the position at normalized time t of a motion from
// start to end along fn.
//
// When overshoot > 0 and t lies in the middle of the motion (30%–80% of
// progress), a half-sine bump scaled by overshoot×(end−start) is added on
// top of the eased position, producing a brief over-travel before settling.
// The boundaries are exact: t<=0 yields start and t>=1 yields end.
//
// The result is not clamped here; the engine clamps to the channel's
// absolute limits before every driver write.
func Interpolate(t, start, end float64, fn Func, overshoot float64) float64 {
	if t <= 0 {
		return start
	}
	if t >= 1 {
		return end
	}
	if fn == nil {
		fn = curves[Linear]
	}

	pos := start + (end-start)*fn(t)

	if overshoot > 0 && t > 0.3 && t < 0.8 {
		phase := (t - 0.3) / 0.5
		pos += math.Sin(phase*math.Pi) * overshoot * (end - start)
	}

	return pos
}

// Clamp restricts a value to a range.
func Clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func powIn(p float64) Func {
	return func(t float64) float64 { return math.Pow(t, p) }
}

func powOut(p float64) Func {
	return func(t float64) float64 { return 1 - math.Pow(1-t, p) }
}

// inOut mirrors an ease-in curve into the standard in-out shape.
func inOut(in Func) Func {
	return func(t float64) float64 {
		if t < 0.5 {
			return in(2*t) / 2
		}
		return 1 - in(2*(1-t))/2
	}
}

func expo(t float64) float64 {
	switch {
	case t == 0:
		return 0
	case t == 1:
		return 1
	case t < 0.5:
		return math.Pow(2, 20*t-10) / 2
	default:
		return (2 - math.Pow(2, -20*t+10)) / 2
	}
}

func circ(t float64) float64 {
	if t < 0.5 {
		return (1 - math.Sqrt(1-4*t*t)) / 2
	}
	return (math.Sqrt(1-4*(1-t)*(1-t)) + 1) / 2
}

// back dips slightly negative near the start before accelerating through.
func back(t float64) float64 {
	const s = 1.70158
	return t * t * ((s+1)*t - s)
}

// elastic is a damped oscillation settling at 1.
func elastic(t float64) float64 {
	switch t {
	case 0:
		return 0
	case 1:
		return 1
	}
	const period = 2 * math.Pi / 3
	return math.Pow(2, -10*t)*math.Sin((10*t-0.75)*period) + 1
}

// bounce simulates impact rebounds with the classic piecewise parabola.
func bounce(t float64) float64 {
	const n, d = 7.5625, 2.75
	switch {
	case t < 1/d:
		return n * t * t
	case t < 2/d:
		t -= 1.5 / d
		return n*t*t + 0.75
	case t < 2.5/d:
		t -= 2.25 / d
		return n*t*t + 0.9375
	default:
		t -= 2.625 / d
		return n*t*t + 0.984375
	}
}

// organic is linear progress with a small decaying sinusoidal wobble,
// giving servo motion a hand-animated feel.
func organic(t float64) float64 {
	return t + 0.05*math.Sin(3*math.Pi*t)*(1-t)
}

// emotional is linear progress with an asymmetric sinusoidal emphasis
// weighted by t·(1−t), strongest mid-motion.
func emotional(t float64) float64 {
	return t + 0.15*math.Sin(2*math.Pi*t)*t*(1-t)
}
