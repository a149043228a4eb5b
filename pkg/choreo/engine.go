package choreo

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/droidforge/astromech/internal/log"
	"github.com/droidforge/astromech/pkg/driver"
	"github.com/droidforge/astromech/pkg/easing"
	"github.com/droidforge/astromech/pkg/safety"
	"github.com/droidforge/astromech/pkg/servo"
)

// DefaultTickRate is the reference 60 Hz motion update rate.
const DefaultTickRate = time.Second / 60

// ErrPreempted is handed to a discrete move's callback when a newer command
// for the same channel replaces it.
var ErrPreempted = errors.New("preempted by newer command")

// AudioCuer requests a synchronized audio cue. Implementations are
// fire-and-forget; the engine never waits on them.
type AudioCuer interface {
	Cue(name string, offset time.Duration)
}

// runtimeStep is a Step placed on the run's timeline. Its start position is
// captured at activation from wherever the channel actually is, so motion
// continues smoothly after interruptions.
type runtimeStep struct {
	src       Step
	startAt   time.Duration
	endAt     time.Duration
	holdUntil time.Duration
	fn        easing.Func

	activated bool
	done      bool
	startPos  float64
	target    float64
}

// run is one in-flight choreography execution.
type run struct {
	info      RunInfo
	cho       *Choreography
	opts      Options
	startedAt time.Time
	steps     []*runtimeStep
	loopsLeft int
}

// channelMove is a discrete single-channel move outside any choreography.
type channelMove struct {
	startPos  float64
	target    float64
	startedAt time.Time
	duration  time.Duration
	fn        easing.Func
	onDone    func(error)
}

// Engine drives choreographies and discrete moves through the interpolator,
// the safety validator and the driver at a fixed tick rate. It is the only
// writer path to the driver.
type Engine struct {
	reg  *servo.Registry
	val  *safety.Validator
	drv  driver.Driver
	lib  *Library
	cuer AudioCuer

	rate   time.Duration
	stopCh chan struct{}

	mu      sync.Mutex
	active  *run
	last    RunInfo
	adhoc   map[int]*channelMove
	running bool

	tickCount  uint64
	errorCount uint64
}

// NewEngine creates an engine. rate <= 0 uses the 60 Hz default.
func NewEngine(reg *servo.Registry, val *safety.Validator, drv driver.Driver, lib *Library, rate time.Duration) *Engine {
	if rate <= 0 {
		rate = DefaultTickRate
	}
	return &Engine{
		reg:    reg,
		val:    val,
		drv:    drv,
		lib:    lib,
		rate:   rate,
		stopCh: make(chan struct{}),
		adhoc:  make(map[int]*channelMove),
	}
}

// SetAudioCuer installs the fire-and-forget audio cue hook.
func (e *Engine) SetAudioCuer(cuer AudioCuer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cuer = cuer
}

// Run starts the tick loop and blocks until Stop is called.
func (e *Engine) Run() {
	ticker := time.NewTicker(e.rate)
	defer ticker.Stop()

	e.mu.Lock()
	e.running = true
	e.mu.Unlock()

	log.Info("choreography engine started", "rate_hz", float64(time.Second)/float64(e.rate))

	for {
		select {
		case <-e.stopCh:
			e.mu.Lock()
			e.running = false
			e.mu.Unlock()
			log.Info("choreography engine stopped")
			return
		case <-ticker.C:
			e.tick()
		}
	}
}

// Stop halts the tick loop.
func (e *Engine) Stop() {
	close(e.stopCh)
}

// Execute starts a named choreography. It is rejected while a
// higher-or-equal priority, non-interruptible choreography runs; otherwise
// the new one preempts. Returns the run id.
func (e *Engine) Execute(name string, opts Options) (string, error) {
	c, err := e.lib.Get(name)
	if err != nil {
		return "", err
	}
	if e.val.EmergencyStopActive() {
		return "", safety.ErrEmergencyStopped
	}

	// Unknown channels reject the whole choreography up front, never
	// mid-execution.
	for _, s := range c.Steps {
		if _, err := e.reg.Get(s.Channel); err != nil {
			return "", fmt.Errorf("%w: %s references %v", ErrInvalidChoreography, name, err)
		}
	}

	opts = opts.normalized()

	e.mu.Lock()
	if e.active != nil && e.active.info.Status == RunRunning {
		if e.active.cho.Priority >= c.Priority && !e.active.cho.AllowsInterruption {
			e.mu.Unlock()
			return "", fmt.Errorf("%w: %q (priority %d)", ErrBusy, e.active.cho.Name, e.active.cho.Priority)
		}
		e.active.info.Status = RunStopped
		e.last = e.active.info
		log.Info("choreography preempted", "stopped", e.active.cho.Name, "by", name)
	}

	r := &run{
		info: RunInfo{
			ID:        uuid.NewString(),
			Name:      name,
			Status:    RunRunning,
			StartedAt: time.Now(),
		},
		cho:       c,
		opts:      opts,
		startedAt: time.Now(),
		steps:     buildTimeline(c, opts),
		loopsLeft: initialLoops(c),
	}
	r.info.LoopsLeft = r.loopsLeft
	e.active = r
	cuer := e.cuer
	e.mu.Unlock()

	if c.AudioCue != "" && cuer != nil {
		cuer.Cue(c.AudioCue, c.AudioCueOffset)
	}

	log.Info("choreography started", "name", name, "run_id", r.info.ID,
		"steps", len(r.steps), "speed", opts.SpeedModifier, "intensity", opts.Intensity)
	return r.info.ID, nil
}

// StopRun removes a run from the active set. Actuators are left where they
// are; issuing a follow-up move to a safe position is the caller's job.
func (e *Engine) StopRun(runID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.active == nil || e.active.info.ID != runID || e.active.info.Status != RunRunning {
		return false
	}
	e.active.info.Status = RunStopped
	e.last = e.active.info
	e.active = nil
	log.Info("choreography stopped", "run_id", runID)
	return true
}

// MoveChannel schedules a discrete eased move for one channel, preempting
// any in-flight discrete move on the same channel. onDone (optional) fires
// with nil on completion or an error on failure/preemption.
func (e *Engine) MoveChannel(channel int, target float64, d time.Duration, onDone func(error)) {
	// Queue-dispatched targets arrive already clamped; direct callers get
	// the same safe-range treatment.
	target, _ = e.val.ConstrainTarget(channel, target)

	mv := &channelMove{
		startPos:  e.val.LastKnown(channel),
		target:    target,
		startedAt: time.Now(),
		duration:  d,
		fn:        easing.GetOrDefault(easing.Mechanical),
		onDone:    onDone,
	}

	e.mu.Lock()
	prev := e.adhoc[channel]
	e.adhoc[channel] = mv
	e.mu.Unlock()

	if prev != nil && prev.onDone != nil {
		prev.onDone(ErrPreempted)
	}
}

// EmergencyStop trips the validator flag and halts the hardware. Idempotent.
func (e *Engine) EmergencyStop(reason string) {
	e.val.TriggerEmergencyStop(reason)
	if err := e.drv.EmergencyStopAll(); err != nil {
		log.Error("driver emergency stop failed", "error", err)
	}
}

// GoHome commands every enabled channel toward its home position. Used at
// shutdown and after recovery.
func (e *Engine) GoHome() {
	for _, cfg := range e.reg.All() {
		if !cfg.Enabled {
			continue
		}
		if err := e.drv.MoveTo(cfg.Channel, cfg.HomePosition, time.Second); err != nil {
			log.Warn("go home failed", "channel", cfg.Channel, "error", err)
			continue
		}
		e.val.Monitor(cfg.Channel, cfg.HomePosition)
	}
}

// ActiveRun returns the running (or most recently finished) run info.
func (e *Engine) ActiveRun() (RunInfo, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.active != nil {
		info := e.active.info
		info.LoopsLeft = e.active.loopsLeft
		return info, e.active.info.Status == RunRunning
	}
	return e.last, false
}

// TickCount returns the number of ticks processed (diagnostics).
func (e *Engine) TickCount() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tickCount
}

// tick executes one engine cycle. Cancellation and emergency stop are
// checked here, at the top of every tick, not only at step boundaries.
func (e *Engine) tick() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.tickCount++

	if e.val.EmergencyStopActive() {
		if e.active != nil && e.active.info.Status == RunRunning {
			e.active.info.Status = RunStopped
			e.last = e.active.info
			e.active = nil
			log.Warn("choreography halted by emergency stop")
		}
		for ch, mv := range e.adhoc {
			delete(e.adhoc, ch)
			if mv.onDone != nil {
				mv.onDone(safety.ErrEmergencyStopped)
			}
		}
		return
	}

	written := make(map[int]bool)
	if e.active != nil {
		e.tickRun(e.active, written)
	}
	e.tickMoves(written)
}

// tickRun advances the active choreography by one tick. Caller holds mu.
func (e *Engine) tickRun(r *run, written map[int]bool) {
	elapsed := time.Since(r.startedAt)
	allDone := true

	for _, rs := range r.steps {
		if rs.done {
			continue
		}
		if elapsed < rs.startAt {
			allDone = false
			continue
		}

		if !rs.activated {
			rs.activate(e.val.LastKnown(rs.src.Channel), r.opts.Intensity)
			// Step targets never go through the command queue, so the
			// safe-range clamp happens here.
			rs.target, _ = e.val.ConstrainTarget(rs.src.Channel, rs.target)
		}

		frac := 1.0
		if d := rs.endAt - rs.startAt; d > 0 {
			frac = float64(elapsed-rs.startAt) / float64(d)
		}

		pos := easing.Interpolate(frac, rs.startPos, rs.target, rs.fn, rs.src.Overshoot)

		// Interpolation is never trusted to stay in range.
		cfg, err := e.reg.Get(rs.src.Channel)
		if err == nil {
			pos = easing.Clamp(pos, cfg.Limits.MinPosition, cfg.Limits.MaxPosition)
		}

		if err := e.drv.MoveTo(rs.src.Channel, pos, e.rate); err != nil {
			e.errorCount++
			r.info.Status = RunFailed
			e.last = r.info
			e.active = nil
			log.Error("choreography failed", "name", r.cho.Name, "channel", rs.src.Channel, "error", err)
			return
		}
		e.val.Monitor(rs.src.Channel, pos)
		written[rs.src.Channel] = true

		if elapsed >= rs.holdUntil {
			rs.done = true
		} else {
			allDone = false
		}
	}

	if !allDone {
		return
	}

	switch {
	case r.loopsLeft == -1:
		r.restart()
	case r.loopsLeft > 1:
		r.loopsLeft--
		r.restart()
	default:
		r.info.Status = RunCompleted
		e.last = r.info
		e.active = nil
		log.Info("choreography completed", "name", r.cho.Name, "run_id", r.info.ID)
	}
}

// tickMoves advances discrete channel moves. Channels the choreography
// wrote this tick preempt any discrete move targeting them. Caller holds mu.
func (e *Engine) tickMoves(written map[int]bool) {
	now := time.Now()

	for ch, mv := range e.adhoc {
		if written[ch] {
			delete(e.adhoc, ch)
			if mv.onDone != nil {
				mv.onDone(ErrPreempted)
			}
			continue
		}

		frac := 1.0
		if mv.duration > 0 {
			frac = float64(now.Sub(mv.startedAt)) / float64(mv.duration)
		}

		pos := easing.Interpolate(frac, mv.startPos, mv.target, mv.fn, 0)
		if cfg, err := e.reg.Get(ch); err == nil {
			pos = easing.Clamp(pos, cfg.Limits.MinPosition, cfg.Limits.MaxPosition)
		}

		if err := e.drv.MoveTo(ch, pos, e.rate); err != nil {
			e.errorCount++
			delete(e.adhoc, ch)
			log.Error("discrete move failed", "channel", ch, "error", err)
			if mv.onDone != nil {
				mv.onDone(err)
			}
			continue
		}
		e.val.Monitor(ch, pos)

		if frac >= 1 {
			delete(e.adhoc, ch)
			if mv.onDone != nil {
				mv.onDone(nil)
			}
		}
	}
}

// activate captures the step's actual start position and applies the
// intensity scaling around it.
func (rs *runtimeStep) activate(current float64, intensity float64) {
	rs.activated = true
	rs.startPos = current
	rs.target = current + (rs.src.To-current)*intensity
}

// restart rewinds the run for the next loop iteration.
func (r *run) restart() {
	r.startedAt = time.Now()
	for _, rs := range r.steps {
		rs.activated = false
		rs.done = false
	}
}

// initialLoops derives the loop budget from the authored loop controls.
func initialLoops(c *Choreography) int {
	if c.LoopCount != 0 {
		return c.LoopCount
	}
	if c.Loop {
		return -1
	}
	return 1
}

// buildTimeline places each step on the run timeline, scaled by the speed
// modifier. Steps sharing a sync group are aligned so their end times
// coincide; an explicit sync offset staggers the within-group start.
func buildTimeline(c *Choreography, opts Options) []*runtimeStep {
	scale := 1.0 / opts.SpeedModifier

	steps := make([]*runtimeStep, len(c.Steps))
	for i, s := range c.Steps {
		start := time.Duration(float64(s.DelayBefore) * scale)
		dur := time.Duration(float64(s.Duration) * scale)
		hold := time.Duration(float64(s.HoldAfter) * scale)
		steps[i] = &runtimeStep{
			src:       s,
			startAt:   start,
			endAt:     start + dur,
			holdUntil: start + dur + hold,
			fn:        easing.GetOrDefault(s.Easing),
		}
	}

	groups := make(map[string]time.Duration)
	for _, rs := range steps {
		if g := rs.src.SyncGroup; g != "" && rs.endAt > groups[g] {
			groups[g] = rs.endAt
		}
	}
	for _, rs := range steps {
		g := rs.src.SyncGroup
		if g == "" {
			continue
		}
		shift := groups[g] - rs.endAt + time.Duration(float64(rs.src.SyncOffset)*scale)
		rs.startAt += shift
		rs.endAt += shift
		rs.holdUntil += shift
	}

	return steps
}
