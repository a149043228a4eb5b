package choreo

import (
	"errors"
	"testing"
	"time"

	"github.com/droidforge/astromech/pkg/driver"
	"github.com/droidforge/astromech/pkg/easing"
	"github.com/droidforge/astromech/pkg/safety"
	"github.com/droidforge/astromech/pkg/servo"
)

func newTestEngine(t *testing.T) (*Engine, *driver.Sim, *safety.Validator) {
	t.Helper()

	reg := servo.NewRegistry(servo.TierDevelopment)
	for _, cfg := range servo.DefaultConfigs() {
		if err := reg.Upsert(cfg); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}

	val := safety.NewValidator(reg)
	sim := driver.NewSim()
	if err := sim.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	lib := NewLibrary()
	eng := NewEngine(reg, val, sim, lib, DefaultTickRate)
	return eng, sim, val
}

func register(t *testing.T, lib *Library, c *Choreography) {
	t.Helper()
	if err := lib.Register(c); err != nil {
		t.Fatalf("Register(%s) failed: %v", c.Name, err)
	}
}

func simpleChoreography(name string, priority int, interruptible bool) *Choreography {
	return &Choreography{
		Name:               name,
		Priority:           priority,
		AllowsInterruption: interruptible,
		Steps: []Step{
			{Channel: 0, From: 1500, To: 2000, Duration: 100 * time.Millisecond, Easing: easing.Mechanical},
		},
	}
}

func TestExecuteUnknownChoreography(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	if _, err := eng.Execute("does_not_exist", DefaultOptions()); !errors.Is(err, ErrNotFound) {
		t.Errorf("Execute = %v, want ErrNotFound", err)
	}
}

func TestExecuteUnknownChannelRejectedUpFront(t *testing.T) {
	eng, sim, _ := newTestEngine(t)

	register(t, eng.lib, &Choreography{
		Name:     "ghost",
		Priority: 5,
		Steps: []Step{
			{Channel: 0, To: 2000, Duration: 100 * time.Millisecond},
			{Channel: 99, To: 2000, Duration: 100 * time.Millisecond},
		},
	})

	if _, err := eng.Execute("ghost", DefaultOptions()); !errors.Is(err, ErrInvalidChoreography) {
		t.Fatalf("Execute = %v, want ErrInvalidChoreography", err)
	}
	if sim.Writes() != 0 {
		t.Errorf("Driver received %d writes for a rejected choreography", sim.Writes())
	}
}

// Scenario C: a running priority-8 non-interruptible choreography rejects a
// priority-2 request but is preempted by a priority-9 one.
func TestPriorityAdmission(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	register(t, eng.lib, simpleChoreography("greet", 8, false))
	register(t, eng.lib, simpleChoreography("idle", 2, true))
	register(t, eng.lib, simpleChoreography("alert", 9, false))

	greetID, err := eng.Execute("greet", DefaultOptions())
	if err != nil {
		t.Fatalf("Execute(greet) failed: %v", err)
	}

	if _, err := eng.Execute("idle", DefaultOptions()); !errors.Is(err, ErrBusy) {
		t.Errorf("Execute(idle) = %v, want ErrBusy", err)
	}

	alertID, err := eng.Execute("alert", DefaultOptions())
	if err != nil {
		t.Fatalf("Execute(alert) failed: %v", err)
	}
	if alertID == greetID {
		t.Error("Expected a fresh run id for the preempting choreography")
	}

	info, running := eng.ActiveRun()
	if !running || info.Name != "alert" {
		t.Errorf("Active run = %+v (running=%v), want alert running", info, running)
	}
	if eng.last.Name != "greet" || eng.last.Status != RunStopped {
		t.Errorf("Preempted run = %+v, want greet stopped", eng.last)
	}
}

func TestTickDrivesStepToTarget(t *testing.T) {
	eng, sim, val := newTestEngine(t)

	register(t, eng.lib, simpleChoreography("nod", 5, true))
	if _, err := eng.Execute("nod", DefaultOptions()); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	// Midway through the step.
	eng.active.startedAt = time.Now().Add(-50 * time.Millisecond)
	eng.tick()

	pos, ok := sim.Position(0)
	if !ok {
		t.Fatal("Driver received no write")
	}
	if pos <= 1500 || pos >= 2000 {
		t.Errorf("Mid-step position = %v, want strictly between 1500 and 2000", pos)
	}

	// Past the end of the step.
	eng.active.startedAt = time.Now().Add(-200 * time.Millisecond)
	eng.tick()

	pos, _ = sim.Position(0)
	if pos != 2000 {
		t.Errorf("Terminal position = %v, want 2000", pos)
	}
	if _, running := eng.ActiveRun(); running {
		t.Error("Expected run completed")
	}
	if val.LastKnown(0) != 2000 {
		t.Errorf("LastKnown = %v, want 2000 after monitoring", val.LastKnown(0))
	}
}

func TestStepStartsFromActualPosition(t *testing.T) {
	eng, sim, val := newTestEngine(t)

	// The channel drifted to 1200 before the run starts.
	val.Monitor(0, 1200)

	register(t, eng.lib, simpleChoreography("nod", 5, true))
	if _, err := eng.Execute("nod", DefaultOptions()); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	eng.active.startedAt = time.Now().Add(-time.Millisecond)
	eng.tick()

	// The write continues from 1200, not from the authored From of 1500.
	pos, _ := sim.Position(0)
	if pos < 1200 || pos > 1250 {
		t.Errorf("First write = %v, want just above the captured start 1200", pos)
	}
}

func TestTimelineSyncGroupsAlignEnds(t *testing.T) {
	c := &Choreography{
		Name:     "slam",
		Priority: 5,
		Steps: []Step{
			{Channel: 3, To: 2200, Duration: 500 * time.Millisecond, SyncGroup: "close", DelayBefore: 100 * time.Millisecond},
			{Channel: 4, To: 2200, Duration: 700 * time.Millisecond, SyncGroup: "close", DelayBefore: 100 * time.Millisecond},
			{Channel: 0, To: 2000, Duration: 300 * time.Millisecond},
		},
	}

	steps := buildTimeline(c, DefaultOptions())

	if steps[0].endAt != steps[1].endAt {
		t.Errorf("Sync group ends differ: %v vs %v", steps[0].endAt, steps[1].endAt)
	}
	// The shorter step starts later so both finish together.
	if steps[0].startAt <= steps[1].startAt {
		t.Errorf("Shorter step should start later: %v vs %v", steps[0].startAt, steps[1].startAt)
	}
	// Ungrouped steps keep their authored slots.
	if steps[2].startAt != 0 || steps[2].endAt != 300*time.Millisecond {
		t.Errorf("Ungrouped step moved: [%v, %v]", steps[2].startAt, steps[2].endAt)
	}
}

func TestTimelineSyncOffsetStaggersStart(t *testing.T) {
	c := &Choreography{
		Name:     "stagger",
		Priority: 5,
		Steps: []Step{
			{Channel: 3, To: 2200, Duration: 500 * time.Millisecond, SyncGroup: "g"},
			{Channel: 4, To: 2200, Duration: 500 * time.Millisecond, SyncGroup: "g", SyncOffset: 50 * time.Millisecond},
		},
	}

	steps := buildTimeline(c, DefaultOptions())

	if got := steps[1].startAt - steps[0].startAt; got != 50*time.Millisecond {
		t.Errorf("Stagger = %v, want 50ms", got)
	}
}

func TestSpeedModifierScalesTimeline(t *testing.T) {
	c := simpleChoreography("nod", 5, true)
	steps := buildTimeline(c, Options{SpeedModifier: 2.0, Intensity: 1.0})

	if steps[0].endAt != 50*time.Millisecond {
		t.Errorf("Scaled duration = %v, want 50ms", steps[0].endAt)
	}
}

func TestIntensityScalesTravel(t *testing.T) {
	eng, sim, _ := newTestEngine(t)

	register(t, eng.lib, simpleChoreography("nod", 5, true))
	if _, err := eng.Execute("nod", Options{SpeedModifier: 1.0, Intensity: 0.5}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	eng.active.startedAt = time.Now().Add(-200 * time.Millisecond)
	eng.tick()

	// Home 1500, authored target 2000, half intensity: 1750.
	pos, _ := sim.Position(0)
	if pos != 1750 {
		t.Errorf("Terminal position = %v, want 1750 at half intensity", pos)
	}
}

func TestLoopingRestarts(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	c := simpleChoreography("wiggle", 5, true)
	c.LoopCount = 2
	register(t, eng.lib, c)

	if _, err := eng.Execute("wiggle", DefaultOptions()); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	eng.active.startedAt = time.Now().Add(-200 * time.Millisecond)
	eng.tick()

	info, running := eng.ActiveRun()
	if !running {
		t.Fatal("Expected run still active for second loop")
	}
	if info.LoopsLeft != 1 {
		t.Errorf("LoopsLeft = %d, want 1", info.LoopsLeft)
	}

	eng.active.startedAt = time.Now().Add(-200 * time.Millisecond)
	eng.tick()

	if _, running := eng.ActiveRun(); running {
		t.Error("Expected run completed after second loop")
	}
}

func TestInfiniteLoopRunsUntilStopped(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	c := simpleChoreography("spin", 5, true)
	c.Loop = true
	c.LoopCount = -1
	register(t, eng.lib, c)

	id, err := eng.Execute("spin", DefaultOptions())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		eng.active.startedAt = time.Now().Add(-200 * time.Millisecond)
		eng.tick()
		if _, running := eng.ActiveRun(); !running {
			t.Fatalf("Infinite loop ended after %d iterations", i+1)
		}
	}

	if !eng.StopRun(id) {
		t.Fatal("StopRun failed")
	}
	if _, running := eng.ActiveRun(); running {
		t.Error("Expected run stopped")
	}
}

func TestDriverFailureMarksRunFailed(t *testing.T) {
	eng, sim, _ := newTestEngine(t)

	register(t, eng.lib, simpleChoreography("nod", 5, true))
	if _, err := eng.Execute("nod", DefaultOptions()); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	sim.FailMoves = true
	eng.active.startedAt = time.Now().Add(-50 * time.Millisecond)
	eng.tick()

	info, running := eng.ActiveRun()
	if running {
		t.Fatal("Expected run no longer active")
	}
	if info.Status != RunFailed {
		t.Errorf("Status = %s, want failed", info.Status)
	}

	// The tick loop survives: later ticks still work.
	sim.FailMoves = false
	eng.tick()
}

func TestEmergencyStopCancelsAtTickTop(t *testing.T) {
	eng, sim, val := newTestEngine(t)

	register(t, eng.lib, simpleChoreography("nod", 5, true))
	if _, err := eng.Execute("nod", DefaultOptions()); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	val.TriggerEmergencyStop("test")

	eng.active.startedAt = time.Now().Add(-50 * time.Millisecond)
	eng.tick()

	if sim.Writes() != 0 {
		t.Errorf("Driver received %d writes after emergency stop", sim.Writes())
	}
	info, running := eng.ActiveRun()
	if running || info.Status != RunStopped {
		t.Errorf("Run = %+v (running=%v), want stopped", info, running)
	}

	// Executing anything new is rejected while stopped.
	if _, err := eng.Execute("nod", DefaultOptions()); !errors.Is(err, safety.ErrEmergencyStopped) {
		t.Errorf("Execute = %v, want ErrEmergencyStopped", err)
	}
}

func TestMoveChannelPreemptsInFlight(t *testing.T) {
	eng, sim, _ := newTestEngine(t)

	var firstErr, secondErr error
	var secondDone bool

	eng.MoveChannel(0, 1800, time.Second, func(err error) { firstErr = err })
	eng.MoveChannel(0, 1600, 0, func(err error) { secondErr = err; secondDone = true })

	if !errors.Is(firstErr, ErrPreempted) {
		t.Errorf("First move callback = %v, want ErrPreempted", firstErr)
	}

	eng.tick()

	if !secondDone || secondErr != nil {
		t.Errorf("Second move done=%v err=%v, want completed cleanly", secondDone, secondErr)
	}
	if pos, _ := sim.Position(0); pos != 1600 {
		t.Errorf("Position = %v, want 1600", pos)
	}
}

func TestChoreographyPreemptsDiscreteMove(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	var moveErr error
	eng.MoveChannel(0, 1800, time.Second, func(err error) { moveErr = err })

	register(t, eng.lib, simpleChoreography("nod", 5, true))
	if _, err := eng.Execute("nod", DefaultOptions()); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	eng.active.startedAt = time.Now().Add(-10 * time.Millisecond)
	eng.tick()

	if !errors.Is(moveErr, ErrPreempted) {
		t.Errorf("Discrete move callback = %v, want ErrPreempted", moveErr)
	}
}

func TestStepTargetConstrainedToSafeRange(t *testing.T) {
	eng, sim, val := newTestEngine(t)

	// Authored target sits between safe_max (2200) and max_position (2400).
	register(t, eng.lib, &Choreography{
		Name:     "overreach",
		Priority: 5,
		Steps: []Step{
			{Channel: 0, To: 2350, Duration: 100 * time.Millisecond, Easing: easing.Linear},
		},
	})
	if _, err := eng.Execute("overreach", DefaultOptions()); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	eng.active.startedAt = time.Now().Add(-200 * time.Millisecond)
	eng.tick()

	if pos, _ := sim.Position(0); pos != 2200 {
		t.Errorf("Terminal position = %v, want the safe ceiling 2200", pos)
	}

	constrained := false
	for _, viol := range val.Violations() {
		if viol.Type == safety.ViolationPositionConstrained && viol.Channel == 0 {
			constrained = true
		}
	}
	if !constrained {
		t.Error("Expected a position_constrained violation for the clamped step target")
	}
}

func TestMoveChannelConstrainedToSafeRange(t *testing.T) {
	eng, sim, _ := newTestEngine(t)

	eng.MoveChannel(0, 2350, 0, nil)
	eng.tick()

	if pos, _ := sim.Position(0); pos != 2200 {
		t.Errorf("Position = %v, want the safe ceiling 2200", pos)
	}
}

func TestInterpolatedWritesStayWithinAbsoluteLimits(t *testing.T) {
	eng, sim, _ := newTestEngine(t)

	// Heavy overshoot toward the safe ceiling would exceed max_position
	// without the engine clamp.
	register(t, eng.lib, &Choreography{
		Name:     "lunge",
		Priority: 5,
		Steps: []Step{
			{Channel: 0, To: 2200, Duration: 100 * time.Millisecond, Easing: easing.Linear, Overshoot: 2.0},
		},
	})
	if _, err := eng.Execute("lunge", DefaultOptions()); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	for _, back := range []time.Duration{30, 45, 55, 70, 90} {
		eng.active.startedAt = time.Now().Add(-back * time.Millisecond)
		eng.tick()
		pos, _ := sim.Position(0)
		if pos < 600 || pos > 2400 {
			t.Fatalf("Write outside absolute limits: %v", pos)
		}
		if eng.active == nil {
			break
		}
	}
}
