package command

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/droidforge/astromech/internal/log"
	"github.com/droidforge/astromech/pkg/choreo"
	"github.com/droidforge/astromech/pkg/safety"
	"github.com/droidforge/astromech/pkg/servo"
)

const (
	// DefaultMaxSize bounds the pending set.
	DefaultMaxSize = 256

	// DefaultDispatchRate is how often due commands are handed to the engine.
	DefaultDispatchRate = 50 * time.Millisecond

	// retainTerminal keeps finished entries queryable for a while.
	retainTerminal = 5 * time.Minute
)

// Mover is the engine surface the queue dispatches into.
type Mover interface {
	MoveChannel(channel int, target float64, d time.Duration, onDone func(error))
	EmergencyStop(reason string)
}

type entry struct {
	cmd        Command
	seqID      string
	status     Status
	dispatchAt time.Time
	finishedAt time.Time
	errMsg     string
}

type seqState struct {
	seq       Sequence
	status    Status
	remaining int
	failed    bool
	loopsLeft int
}

// Queue accepts commands through the safety validator and releases them to
// the mover when their delay expires, in dispatch-time order.
type Queue struct {
	reg   *servo.Registry
	val   *safety.Validator
	mover Mover

	maxSize int
	rate    time.Duration

	mu      sync.RWMutex
	entries map[string]*entry
	seqs    map[string]*seqState
	running bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewQueue creates a stopped queue. rate <= 0 uses the default dispatch rate.
func NewQueue(reg *servo.Registry, val *safety.Validator, mover Mover, rate time.Duration) *Queue {
	if rate <= 0 {
		rate = DefaultDispatchRate
	}
	return &Queue{
		reg:     reg,
		val:     val,
		mover:   mover,
		maxSize: DefaultMaxSize,
		rate:    rate,
		entries: make(map[string]*entry),
		seqs:    make(map[string]*seqState),
	}
}

// Start launches the dispatch loop.
func (q *Queue) Start() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running {
		return fmt.Errorf("command queue already running")
	}
	q.running = true
	q.stopCh = make(chan struct{})

	q.wg.Add(1)
	go q.loop()

	log.Info("command queue started", "dispatch_rate", q.rate)
	return nil
}

// Stop halts dispatch. Pending commands stay pending and are not executed.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	close(q.stopCh)
	q.mu.Unlock()

	q.wg.Wait()
	log.Info("command queue stopped")
}

// SubmitCommand validates one command and queues it. The returned command
// carries the assigned id and the clamped target. Emergency stop commands
// bypass the queue and act immediately.
func (q *Queue) SubmitCommand(cmd Command) (Command, error) {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	cmd.CreatedAt = time.Now()

	if cmd.Kind == safety.KindEmergencyStop {
		q.mover.EmergencyStop("operator command")
		q.record(&entry{
			cmd:        cmd,
			status:     StatusCompleted,
			dispatchAt: cmd.CreatedAt,
			finishedAt: time.Now(),
		})
		return cmd, nil
	}

	dec := q.val.Validate(safety.Request{
		Channel:  cmd.Channel,
		Kind:     cmd.Kind,
		Target:   cmd.Target,
		Duration: cmd.Duration,
	})
	if !dec.Accepted {
		return cmd, fmt.Errorf("%w: %s", ErrRejected, dec.Reason)
	}
	cmd.Target = dec.Target

	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.running {
		return cmd, ErrNotRunning
	}
	if len(q.entries) >= q.maxSize {
		return cmd, ErrQueueFull
	}

	q.entries[cmd.ID] = &entry{
		cmd:        cmd,
		status:     StatusPending,
		dispatchAt: cmd.CreatedAt.Add(cmd.Delay),
	}
	log.Debug("command queued", "id", cmd.ID, "channel", cmd.Channel, "kind", cmd.Kind)
	return cmd, nil
}

// SubmitSequence queues a batch of commands. A single unknown or disabled
// channel rejects the whole sequence; nothing is queued partially.
func (q *Queue) SubmitSequence(seq Sequence) (Sequence, error) {
	if seq.ID == "" {
		seq.ID = uuid.NewString()
	}
	if len(seq.Commands) == 0 {
		return seq, fmt.Errorf("%w: sequence %q has no commands", ErrRejected, seq.Name)
	}

	for i, cmd := range seq.Commands {
		cfg, err := q.reg.Get(cmd.Channel)
		if err != nil {
			return seq, fmt.Errorf("%w: command %d: %v", ErrRejected, i, err)
		}
		if !cfg.Enabled {
			return seq, fmt.Errorf("%w: command %d: channel %d disabled", ErrRejected, i, cmd.Channel)
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.running {
		return seq, ErrNotRunning
	}
	if len(q.entries)+len(seq.Commands) > q.maxSize {
		return seq, ErrQueueFull
	}

	now := time.Now()
	for i := range seq.Commands {
		c := &seq.Commands[i]
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		c.CreatedAt = now
		q.entries[c.ID] = &entry{
			cmd:        *c,
			seqID:      seq.ID,
			status:     StatusPending,
			dispatchAt: now.Add(c.Delay),
		}
	}

	q.seqs[seq.ID] = &seqState{
		seq:       seq,
		status:    StatusRunning,
		remaining: len(seq.Commands),
		loopsLeft: initialLoops(seq),
	}

	log.Info("sequence queued", "id", seq.ID, "name", seq.Name, "commands", len(seq.Commands))
	return seq, nil
}

// Cancel removes a pending command. Commands already handed to the engine
// run to completion.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok || e.status != StatusPending {
		return false
	}
	q.finishLocked(e, fmt.Errorf("canceled"))
	return true
}

// Status reports the lifecycle state of a command or sequence id.
func (q *Queue) Status(id string) Status {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if e, ok := q.entries[id]; ok {
		return e.status
	}
	if s, ok := q.seqs[id]; ok {
		return s.status
	}
	return StatusNotFound
}

// Pending returns the number of commands waiting for dispatch.
func (q *Queue) Pending() int {
	q.mu.RLock()
	defer q.mu.RUnlock()

	n := 0
	for _, e := range q.entries {
		if e.status == StatusPending {
			n++
		}
	}
	return n
}

func (q *Queue) record(e *entry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries[e.cmd.ID] = e
}

func (q *Queue) loop() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.rate)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			q.dispatch()
		}
	}
}

// dispatch releases every due pending command, oldest dispatch time first.
// The mover is called outside the queue lock; its completion callbacks lock
// the queue again.
func (q *Queue) dispatch() {
	now := time.Now()

	q.mu.Lock()

	if q.val.EmergencyStopActive() {
		for _, e := range q.entries {
			if e.status == StatusPending {
				q.finishLocked(e, safety.ErrEmergencyStopped)
			}
		}
		q.pruneLocked(now)
		q.mu.Unlock()
		return
	}

	var due []*entry
	for _, e := range q.entries {
		if e.status == StatusPending && !e.dispatchAt.After(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].dispatchAt.Equal(due[j].dispatchAt) {
			return due[i].dispatchAt.Before(due[j].dispatchAt)
		}
		return due[i].cmd.CreatedAt.Before(due[j].cmd.CreatedAt)
	})

	var moves []*entry
	for _, e := range due {
		// Sequence commands are validated here, against the positions
		// current at dispatch rather than at submission.
		if e.seqID != "" {
			dec := q.val.Validate(safety.Request{
				Channel:  e.cmd.Channel,
				Kind:     e.cmd.Kind,
				Target:   e.cmd.Target,
				Duration: e.cmd.Duration,
			})
			if !dec.Accepted {
				q.finishLocked(e, fmt.Errorf("%w: %s", ErrRejected, dec.Reason))
				continue
			}
			e.cmd.Target = dec.Target
		}

		switch e.cmd.Kind {
		case safety.KindPosition:
			e.status = StatusRunning
			moves = append(moves, e)
		default:
			// Speed and acceleration setpoints have no motion of their
			// own; the validated value has already been capped.
			e.status = StatusCompleted
			e.finishedAt = time.Now()
			q.sequenceDoneLocked(e, nil)
		}
	}
	q.pruneLocked(now)
	q.mu.Unlock()

	for _, e := range moves {
		id := e.cmd.ID
		q.mover.MoveChannel(e.cmd.Channel, e.cmd.Target, e.cmd.Duration, func(err error) {
			q.finish(id, err)
		})
	}
}

// finish records a command outcome reported by the mover.
func (q *Queue) finish(id string, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok || e.status.terminal() {
		return
	}
	q.finishLocked(e, err)
}

// finishLocked marks an entry terminal and settles its sequence. Caller
// holds mu.
func (q *Queue) finishLocked(e *entry, err error) {
	e.finishedAt = time.Now()
	switch {
	case err == nil:
		e.status = StatusCompleted
	case errors.Is(err, choreo.ErrPreempted):
		// A newer command on the same channel overwrote this motion. That
		// is ordinary in-order overwriting, not a failure.
		e.status = StatusCompleted
		e.errMsg = err.Error()
		err = nil
	default:
		e.status = StatusFailed
		e.errMsg = err.Error()
		log.Warn("command failed", "id", e.cmd.ID, "channel", e.cmd.Channel, "error", err)
	}
	q.sequenceDoneLocked(e, err)
}

// sequenceDoneLocked settles sequence bookkeeping for one finished command
// and re-enqueues looping sequences. Caller holds mu.
func (q *Queue) sequenceDoneLocked(e *entry, err error) {
	if e.seqID == "" {
		return
	}
	s, ok := q.seqs[e.seqID]
	if !ok {
		return
	}

	s.remaining--
	if err != nil {
		s.failed = true
	}
	if s.remaining > 0 {
		return
	}

	if s.failed {
		s.status = StatusFailed
		log.Warn("sequence failed", "id", s.seq.ID, "name", s.seq.Name)
		return
	}

	switch {
	case s.loopsLeft == -1:
		q.requeueLocked(s)
	case s.loopsLeft > 1:
		s.loopsLeft--
		q.requeueLocked(s)
	default:
		s.status = StatusCompleted
		log.Info("sequence completed", "id", s.seq.ID, "name", s.seq.Name)
	}
}

// requeueLocked schedules the next loop iteration of a sequence relative to
// now. Caller holds mu.
func (q *Queue) requeueLocked(s *seqState) {
	now := time.Now()
	for i := range s.seq.Commands {
		c := s.seq.Commands[i]
		c.ID = uuid.NewString()
		c.CreatedAt = now
		q.entries[c.ID] = &entry{
			cmd:        c,
			seqID:      s.seq.ID,
			status:     StatusPending,
			dispatchAt: now.Add(c.Delay),
		}
	}
	s.remaining = len(s.seq.Commands)
	s.failed = false
}

// pruneLocked drops terminal entries past retention. Caller holds mu.
func (q *Queue) pruneLocked(now time.Time) {
	cutoff := now.Add(-retainTerminal)
	for id, e := range q.entries {
		if e.status.terminal() && e.finishedAt.Before(cutoff) {
			delete(q.entries, id)
		}
	}
	for id, s := range q.seqs {
		if s.status.terminal() && s.remaining == 0 {
			stale := true
			for _, e := range q.entries {
				if e.seqID == id {
					stale = false
					break
				}
			}
			if stale {
				delete(q.seqs, id)
			}
		}
	}
}

func initialLoops(s Sequence) int {
	if s.LoopCount != 0 {
		return s.LoopCount
	}
	if s.Loop {
		return -1
	}
	return 1
}
