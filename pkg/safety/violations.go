package safety

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// ViolationType identifies what rule was breached.
type ViolationType string

const (
	ViolationPositionConstrained ViolationType = "position_constrained"
	ViolationVelocityLimit       ViolationType = "velocity_limit"
	ViolationZoneBreach          ViolationType = "zone_breach"
	ViolationAbsoluteLimit       ViolationType = "absolute_limit"
	ViolationEmergencyStop       ViolationType = "emergency_stop"
)

// Severity grades a violation.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Violation is one entry in the append-only safety log. Channel is -1 for
// system-wide events.
type Violation struct {
	ID          string        `json:"id"`
	Timestamp   time.Time     `json:"timestamp"`
	Channel     int           `json:"channel"`
	Type        ViolationType `json:"type"`
	Severity    Severity      `json:"severity"`
	Description string        `json:"description"`
	Action      string        `json:"action"`
	Resolved    bool          `json:"resolved"`
}

// Sink receives violations as they are recorded, e.g. for persistence.
// Implementations must not block.
type Sink interface {
	Record(v Violation)
}

// retention is how long violations are kept before pruning.
const retention = time.Hour

// violationLog is the pruned, append-only violation store.
type violationLog struct {
	mu      sync.Mutex
	entries []Violation
	sink    Sink
}

func (l *violationLog) append(v Violation) Violation {
	v.ID = uuid.NewString()
	v.Timestamp = time.Now()

	l.mu.Lock()
	l.prune(v.Timestamp)
	l.entries = append(l.entries, v)
	sink := l.sink
	l.mu.Unlock()

	if sink != nil {
		sink.Record(v)
	}
	return v
}

// prune drops entries older than the retention window. Caller holds mu.
func (l *violationLog) prune(now time.Time) {
	cutoff := now.Add(-retention)
	i := 0
	for ; i < len(l.entries); i++ {
		if l.entries[i].Timestamp.After(cutoff) {
			break
		}
	}
	if i > 0 {
		l.entries = append([]Violation(nil), l.entries[i:]...)
	}
}

func (l *violationLog) all() []Violation {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.prune(time.Now())
	out := make([]Violation, len(l.entries))
	copy(out, l.entries)
	return out
}

func (l *violationLog) resolve(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range l.entries {
		if l.entries[i].ID == id {
			l.entries[i].Resolved = true
			return true
		}
	}
	return false
}

// unresolvedCritical reports whether any critical violation is outstanding.
func (l *violationLog) unresolvedCritical() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.prune(time.Now())
	for _, v := range l.entries {
		if v.Severity == SeverityCritical && !v.Resolved {
			return true
		}
	}
	return false
}
