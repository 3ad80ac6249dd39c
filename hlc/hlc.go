// Package hlc implements a Hybrid Logical Clock: a monotonic stamp fusing
// wall-clock time with a logical counter and a node identifier, used to
// fence ordering across processes communicating over MQTT.
package hlc

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// HybridLogicalClock is an immutable point-in-time HLC value. Total order is
// lexicographic on (Timestamp, Counter, NodeID).
type HybridLogicalClock struct {
	// Timestamp is a wall-clock instant truncated to millisecond precision.
	Timestamp time.Time

	// Counter is a monotonic tiebreaker that resets to zero whenever
	// Timestamp advances from a fresh read of the wall clock.
	Counter uint32

	// NodeID identifies the process that produced this stamp. Never empty
	// for a stamp that has been generated or observed.
	NodeID string
}

// DefaultMaxDrift is the maximum permitted difference between an observed
// remote timestamp and the local wall clock before an update is rejected.
const DefaultMaxDrift = time.Minute

// ErrClockDriftExceeded indicates an observed stamp's timestamp differs from
// the local wall clock by more than the configured maximum drift.
type ErrClockDriftExceeded struct {
	Observed time.Time
	Wall     time.Time
	MaxDrift time.Duration
}

func (e *ErrClockDriftExceeded) Error() string {
	return fmt.Sprintf(
		"clock drift %s exceeds maximum of %s",
		e.Observed.Sub(e.Wall).Abs(), e.MaxDrift,
	)
}

// New creates a fresh HLC for nodeID at the current wall-clock time, with a
// zero counter. NodeID must be non-empty.
func New(nodeID string) HybridLogicalClock {
	return HybridLogicalClock{Timestamp: truncate(time.Now()), NodeID: nodeID}
}

func truncate(t time.Time) time.Time { return t.UTC().Truncate(time.Millisecond) }

// Compare returns -1, 0, or 1 as a is less than, equal to, or greater than b,
// using the lexicographic order on (Timestamp, Counter, NodeID). This
// establishes a strict total order (testable property 1).
func Compare(a, b HybridLogicalClock) int {
	switch {
	case a.Timestamp.Before(b.Timestamp):
		return -1
	case a.Timestamp.After(b.Timestamp):
		return 1
	}
	switch {
	case a.Counter < b.Counter:
		return -1
	case a.Counter > b.Counter:
		return 1
	}
	return strings.Compare(a.NodeID, b.NodeID)
}

// Before reports whether a sorts strictly before b.
func (a HybridLogicalClock) Before(b HybridLogicalClock) bool { return Compare(a, b) < 0 }

// Equal reports whether a and b are identical under the total order.
func (a HybridLogicalClock) Equal(b HybridLogicalClock) bool { return Compare(a, b) == 0 }

// String renders the HLC in "ts:counter:nodeId" wire form, where ts is the
// Unix millisecond timestamp.
func (a HybridLogicalClock) String() string {
	return fmt.Sprintf(
		"%d:%d:%s",
		a.Timestamp.UnixMilli(), a.Counter, a.NodeID,
	)
}

// Parse decodes the "ts:counter:nodeId" wire form produced by String. name
// identifies the source field for error messages.
func Parse(name, s string) (HybridLogicalClock, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return HybridLogicalClock{}, &ParseError{Name: name, Value: s}
	}

	ms, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return HybridLogicalClock{}, &ParseError{Name: name, Value: s, Cause: err}
	}
	counter, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return HybridLogicalClock{}, &ParseError{Name: name, Value: s, Cause: err}
	}
	if parts[2] == "" {
		return HybridLogicalClock{}, &ParseError{Name: name, Value: s}
	}

	return HybridLogicalClock{
		Timestamp: time.UnixMilli(ms).UTC(),
		Counter:   uint32(counter),
		NodeID:    parts[2],
	}, nil
}

// ParseError reports a malformed HLC wire value.
type ParseError struct {
	Name  string
	Value string
	Cause error
}

func (e *ParseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s is not a valid HLC stamp: %q: %s", e.Name, e.Value, e.Cause)
	}
	return fmt.Sprintf("%s is not a valid HLC stamp: %q", e.Name, e.Value)
}

func (e *ParseError) Unwrap() error { return e.Cause }

// update applies the §4.B rule for a local stamp l observing remote stamp r
// at wall-clock time w, returning the new local stamp. When r is the zero
// value (no remote observation), this degenerates to the "stamp to emit"
// variant described in §4.B: only (l, w) matter.
func update(l, r HybridLogicalClock, w time.Time, maxDrift time.Duration) (HybridLogicalClock, error) {
	w = truncate(w)

	haveRemote := r.NodeID != ""
	if haveRemote && maxDrift > 0 {
		if d := r.Timestamp.Sub(w); d > maxDrift || -d > maxDrift {
			return HybridLogicalClock{}, &ErrClockDriftExceeded{
				Observed: r.Timestamp, Wall: w, MaxDrift: maxDrift,
			}
		}
	}

	maxTs := l.Timestamp
	if haveRemote && r.Timestamp.After(maxTs) {
		maxTs = r.Timestamp
	}
	if w.After(maxTs) {
		maxTs = w
	}

	var counter uint32
	switch {
	case haveRemote && maxTs.Equal(l.Timestamp) && maxTs.Equal(r.Timestamp):
		counter = max(l.Counter, r.Counter) + 1
	case maxTs.Equal(l.Timestamp):
		counter = l.Counter + 1
	case haveRemote && maxTs.Equal(r.Timestamp):
		counter = r.Counter + 1
	default:
		counter = 0
	}

	return HybridLogicalClock{Timestamp: maxTs, Counter: counter, NodeID: l.NodeID}, nil
}

// Shared is a process-wide mutable HLC instance, guarded by its own lock.
// An application constructs exactly one Shared and passes it into every
// envoy; envoys never create alternate instances (spec §4.B, §9).
type Shared struct {
	mu       sync.Mutex
	current  HybridLogicalClock
	maxDrift time.Duration
	now      func() time.Time
}

// NewShared creates a new process-wide HLC instance for nodeID.
func NewShared(nodeID string) *Shared {
	return &Shared{
		current:  New(nodeID),
		maxDrift: DefaultMaxDrift,
		now:      time.Now,
	}
}

// SetMaxDrift overrides the default maximum permitted clock drift.
func (s *Shared) SetMaxDrift(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxDrift = d
}

// Get advances the shared HLC to the current wall-clock time and returns the
// resulting stamp; this is the value attached to an outbound message (the
// "emit" variant of the update rule, §4.B).
func (s *Shared) Get() (HybridLogicalClock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := update(s.current, HybridLogicalClock{}, s.now(), s.maxDrift)
	if err != nil {
		return HybridLogicalClock{}, err
	}
	s.current = next
	return s.current, nil
}

// Set merges an externally-provided stamp into the shared HLC without
// requiring it to have been observed as a remote message (used to seed or
// fast-forward the clock, e.g. from a fencing token).
func (s *Shared) Set(val HybridLogicalClock) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if val.NodeID == s.current.NodeID {
		if Compare(val, s.current) > 0 {
			s.current = val
		}
		return nil
	}

	next, err := update(s.current, val, s.now(), s.maxDrift)
	if err != nil {
		return err
	}
	s.current = next
	return nil
}

// Observe updates the shared HLC in response to a stamp received on an
// inbound message, per the §4.B rule. Observing a stamp from the same
// NodeID as this process is a no-op (testable property 3).
func (s *Shared) Observe(remote HybridLogicalClock) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if remote.NodeID == s.current.NodeID {
		return nil
	}

	next, err := update(s.current, remote, s.now(), s.maxDrift)
	if err != nil {
		return err
	}
	s.current = next
	return nil
}

// Node returns this process's fixed node identifier.
func (s *Shared) Node() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.NodeID
}
