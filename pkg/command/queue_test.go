package command

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/droidforge/astromech/pkg/choreo"
	"github.com/droidforge/astromech/pkg/safety"
	"github.com/droidforge/astromech/pkg/servo"
)

type moveCall struct {
	channel int
	target  float64
	onDone  func(error)
}

type fakeMover struct {
	mu     sync.Mutex
	moves  []moveCall
	estops int
}

func (m *fakeMover) MoveChannel(channel int, target float64, d time.Duration, onDone func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.moves = append(m.moves, moveCall{channel: channel, target: target, onDone: onDone})
}

func (m *fakeMover) EmergencyStop(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.estops++
}

// newTestQueue returns a queue whose dispatch is driven manually by tests.
func newTestQueue(t *testing.T) (*Queue, *fakeMover, *safety.Validator) {
	t.Helper()

	reg := servo.NewRegistry(servo.TierDevelopment)
	for _, cfg := range servo.DefaultConfigs() {
		if err := reg.Upsert(cfg); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}
	val := safety.NewValidator(reg)
	mover := &fakeMover{}

	q := NewQueue(reg, val, mover, 0)
	q.running = true
	return q, mover, val
}

// rewind makes every pending entry due immediately, keeping relative order.
func rewind(q *Queue) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		e.dispatchAt = e.dispatchAt.Add(-time.Minute)
	}
}

func TestSubmitRequiresRunning(t *testing.T) {
	q, _, _ := newTestQueue(t)
	q.running = false

	_, err := q.SubmitCommand(Command{Channel: 0, Kind: safety.KindPosition, Target: 1500, Duration: time.Second})
	if !errors.Is(err, ErrNotRunning) {
		t.Errorf("SubmitCommand = %v, want ErrNotRunning", err)
	}
}

func TestSubmitRejectsUnknownChannel(t *testing.T) {
	q, _, _ := newTestQueue(t)

	_, err := q.SubmitCommand(Command{Channel: 99, Kind: safety.KindPosition, Target: 1500, Duration: time.Second})
	if !errors.Is(err, ErrRejected) {
		t.Errorf("SubmitCommand = %v, want ErrRejected", err)
	}
	if q.Pending() != 0 {
		t.Errorf("Pending = %d, want 0", q.Pending())
	}
}

func TestSubmitStoresClampedTarget(t *testing.T) {
	q, _, val := newTestQueue(t)

	val.Monitor(0, 2000)
	cmd, err := q.SubmitCommand(Command{Channel: 0, Kind: safety.KindPosition, Target: 2500, Duration: time.Second})
	if err != nil {
		t.Fatalf("SubmitCommand failed: %v", err)
	}
	if cmd.Target != 2200 {
		t.Errorf("Target = %v, want clamped to 2200", cmd.Target)
	}
	if q.Status(cmd.ID) != StatusPending {
		t.Errorf("Status = %s, want pending", q.Status(cmd.ID))
	}
}

func TestEmergencyStopCommandActsImmediately(t *testing.T) {
	q, mover, _ := newTestQueue(t)

	cmd, err := q.SubmitCommand(Command{Kind: safety.KindEmergencyStop})
	if err != nil {
		t.Fatalf("SubmitCommand failed: %v", err)
	}
	if mover.estops != 1 {
		t.Errorf("EmergencyStop calls = %d, want 1", mover.estops)
	}
	if q.Status(cmd.ID) != StatusCompleted {
		t.Errorf("Status = %s, want completed", q.Status(cmd.ID))
	}
	if q.Pending() != 0 {
		t.Errorf("Pending = %d, want 0", q.Pending())
	}
}

func TestDispatchFollowsDelayOrder(t *testing.T) {
	q, mover, _ := newTestQueue(t)

	// Submitted out of delay order on three different channels.
	delays := map[int]time.Duration{2: 100 * time.Millisecond, 0: 0, 1: 50 * time.Millisecond}
	for ch, d := range delays {
		if _, err := q.SubmitCommand(Command{Channel: ch, Kind: safety.KindPosition, Target: 1500, Duration: time.Second, Delay: d}); err != nil {
			t.Fatalf("SubmitCommand(ch=%d) failed: %v", ch, err)
		}
	}

	rewind(q)
	q.dispatch()

	if len(mover.moves) != 3 {
		t.Fatalf("Moves = %d, want 3", len(mover.moves))
	}
	want := []int{0, 1, 2}
	for i, ch := range want {
		if mover.moves[i].channel != ch {
			t.Errorf("Move %d on channel %d, want %d", i, mover.moves[i].channel, ch)
		}
	}
}

func TestDelayedCommandNotDispatchedEarly(t *testing.T) {
	q, mover, _ := newTestQueue(t)

	if _, err := q.SubmitCommand(Command{Channel: 0, Kind: safety.KindPosition, Target: 1500, Duration: time.Second, Delay: time.Hour}); err != nil {
		t.Fatalf("SubmitCommand failed: %v", err)
	}

	q.dispatch()

	if len(mover.moves) != 0 {
		t.Errorf("Moves = %d, want 0 before the delay expires", len(mover.moves))
	}
	if q.Pending() != 1 {
		t.Errorf("Pending = %d, want 1", q.Pending())
	}
}

func TestCommandCompletionAndFailure(t *testing.T) {
	q, mover, _ := newTestQueue(t)

	ok, err := q.SubmitCommand(Command{Channel: 0, Kind: safety.KindPosition, Target: 1600, Duration: time.Second})
	if err != nil {
		t.Fatalf("SubmitCommand failed: %v", err)
	}
	bad, err := q.SubmitCommand(Command{Channel: 1, Kind: safety.KindPosition, Target: 1600, Duration: time.Second})
	if err != nil {
		t.Fatalf("SubmitCommand failed: %v", err)
	}

	rewind(q)
	q.dispatch()

	if q.Status(ok.ID) != StatusRunning || q.Status(bad.ID) != StatusRunning {
		t.Fatal("Expected both commands running after dispatch")
	}

	for _, mv := range mover.moves {
		switch mv.channel {
		case 0:
			mv.onDone(nil)
		case 1:
			mv.onDone(errors.New("servo jam"))
		}
	}

	if got := q.Status(ok.ID); got != StatusCompleted {
		t.Errorf("Status(ok) = %s, want completed", got)
	}
	if got := q.Status(bad.ID); got != StatusFailed {
		t.Errorf("Status(bad) = %s, want failed", got)
	}
}

func TestCancelPendingOnly(t *testing.T) {
	q, mover, _ := newTestQueue(t)

	cmd, err := q.SubmitCommand(Command{Channel: 0, Kind: safety.KindPosition, Target: 1600, Duration: time.Second, Delay: time.Hour})
	if err != nil {
		t.Fatalf("SubmitCommand failed: %v", err)
	}

	if !q.Cancel(cmd.ID) {
		t.Fatal("Cancel failed for a pending command")
	}
	if got := q.Status(cmd.ID); got != StatusFailed {
		t.Errorf("Status = %s, want failed after cancel", got)
	}

	running, err := q.SubmitCommand(Command{Channel: 1, Kind: safety.KindPosition, Target: 1600, Duration: time.Second})
	if err != nil {
		t.Fatalf("SubmitCommand failed: %v", err)
	}
	rewind(q)
	q.dispatch()

	if q.Cancel(running.ID) {
		t.Error("Cancel succeeded for a command already handed to the engine")
	}
	if len(mover.moves) != 1 {
		t.Errorf("Moves = %d, want 1", len(mover.moves))
	}
}

func TestSequenceRejectedWholeOnUnknownChannel(t *testing.T) {
	q, _, _ := newTestQueue(t)

	_, err := q.SubmitSequence(Sequence{
		Name: "broken",
		Commands: []Command{
			{Channel: 0, Kind: safety.KindPosition, Target: 1600, Duration: time.Second},
			{Channel: 99, Kind: safety.KindPosition, Target: 1600, Duration: time.Second},
		},
	})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("SubmitSequence = %v, want ErrRejected", err)
	}
	if q.Pending() != 0 {
		t.Errorf("Pending = %d after whole-sequence rejection, want 0", q.Pending())
	}
}

func TestSequenceCompletes(t *testing.T) {
	q, mover, _ := newTestQueue(t)

	seq, err := q.SubmitSequence(Sequence{
		Name: "sweep",
		Commands: []Command{
			{Channel: 0, Kind: safety.KindPosition, Target: 1700, Duration: time.Second},
			{Channel: 1, Kind: safety.KindPosition, Target: 1700, Duration: time.Second, Delay: 10 * time.Millisecond},
		},
	})
	if err != nil {
		t.Fatalf("SubmitSequence failed: %v", err)
	}
	if q.Status(seq.ID) != StatusRunning {
		t.Errorf("Status = %s, want running", q.Status(seq.ID))
	}

	rewind(q)
	q.dispatch()
	for _, mv := range mover.moves {
		mv.onDone(nil)
	}

	if got := q.Status(seq.ID); got != StatusCompleted {
		t.Errorf("Status = %s, want completed", got)
	}
}

func TestSequenceSurvivesSameChannelPreemption(t *testing.T) {
	q, mover, _ := newTestQueue(t)

	// Two overlapping commands on one channel: the second legitimately
	// overwrites the first mid-motion.
	seq, err := q.SubmitSequence(Sequence{
		Name: "double_tap",
		Commands: []Command{
			{Channel: 0, Kind: safety.KindPosition, Target: 1800, Duration: 300 * time.Millisecond},
			{Channel: 0, Kind: safety.KindPosition, Target: 1500, Duration: 300 * time.Millisecond, Delay: 50 * time.Millisecond},
		},
	})
	if err != nil {
		t.Fatalf("SubmitSequence failed: %v", err)
	}

	rewind(q)
	q.dispatch()
	if len(mover.moves) != 2 {
		t.Fatalf("Moves = %d, want 2", len(mover.moves))
	}

	mover.moves[0].onDone(choreo.ErrPreempted)
	mover.moves[1].onDone(nil)

	if got := q.Status(seq.ID); got != StatusCompleted {
		t.Errorf("Status = %s, want completed when a successor supersedes", got)
	}
	if got := q.Status(seq.Commands[0].ID); got != StatusCompleted {
		t.Errorf("Superseded command status = %s, want completed", got)
	}
}

func TestSequenceLoopRequeues(t *testing.T) {
	q, mover, _ := newTestQueue(t)

	seq, err := q.SubmitSequence(Sequence{
		Name:      "pulse",
		LoopCount: 2,
		Commands: []Command{
			{Channel: 0, Kind: safety.KindPosition, Target: 1700, Duration: time.Second},
		},
	})
	if err != nil {
		t.Fatalf("SubmitSequence failed: %v", err)
	}

	rewind(q)
	q.dispatch()
	mover.moves[0].onDone(nil)

	// First loop done; the second iteration is queued afresh.
	if got := q.Status(seq.ID); got != StatusRunning {
		t.Fatalf("Status = %s, want running for second loop", got)
	}
	if q.Pending() != 1 {
		t.Fatalf("Pending = %d, want 1 requeued command", q.Pending())
	}

	rewind(q)
	q.dispatch()
	mover.moves[1].onDone(nil)

	if got := q.Status(seq.ID); got != StatusCompleted {
		t.Errorf("Status = %s, want completed after final loop", got)
	}
}

func TestSequenceFailureMarksSequenceFailed(t *testing.T) {
	q, mover, _ := newTestQueue(t)

	seq, err := q.SubmitSequence(Sequence{
		Name: "jammed",
		Commands: []Command{
			{Channel: 0, Kind: safety.KindPosition, Target: 1700, Duration: time.Second},
		},
	})
	if err != nil {
		t.Fatalf("SubmitSequence failed: %v", err)
	}

	rewind(q)
	q.dispatch()
	mover.moves[0].onDone(errors.New("servo jam"))

	if got := q.Status(seq.ID); got != StatusFailed {
		t.Errorf("Status = %s, want failed", got)
	}
}

func TestEmergencyStopFailsPending(t *testing.T) {
	q, mover, val := newTestQueue(t)

	cmd, err := q.SubmitCommand(Command{Channel: 0, Kind: safety.KindPosition, Target: 1600, Duration: time.Second, Delay: time.Hour})
	if err != nil {
		t.Fatalf("SubmitCommand failed: %v", err)
	}

	val.TriggerEmergencyStop("test")
	q.dispatch()

	if got := q.Status(cmd.ID); got != StatusFailed {
		t.Errorf("Status = %s, want failed during emergency stop", got)
	}
	if len(mover.moves) != 0 {
		t.Errorf("Moves = %d, want 0", len(mover.moves))
	}
}

func TestSpeedSetpointCompletesWithoutMotion(t *testing.T) {
	q, mover, _ := newTestQueue(t)

	cmd, err := q.SubmitCommand(Command{Channel: 0, Kind: safety.KindSpeed, Target: 5000})
	if err != nil {
		t.Fatalf("SubmitCommand failed: %v", err)
	}
	if cmd.Target != 500 {
		t.Errorf("Target = %v, want capped to the channel ceiling 500", cmd.Target)
	}

	rewind(q)
	q.dispatch()

	if len(mover.moves) != 0 {
		t.Errorf("Moves = %d, want 0 for a setpoint", len(mover.moves))
	}
	if got := q.Status(cmd.ID); got != StatusCompleted {
		t.Errorf("Status = %s, want completed", got)
	}
}

func TestStatusUnknownID(t *testing.T) {
	q, _, _ := newTestQueue(t)
	if got := q.Status("nope"); got != StatusNotFound {
		t.Errorf("Status = %s, want not_found", got)
	}
}
