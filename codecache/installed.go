package codecache

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/chazu/specter/assumption"
	"github.com/chazu/specter/metrics"
)

// CodePointer is an address in the simulated code space.
type CodePointer uintptr

// State is the lifecycle state of installed code. Valid -> Invalidated is
// the only transition.
type State uint32

const (
	StateValid State = iota
	StateInvalidated
)

func (s State) String() string {
	switch s {
	case StateValid:
		return "valid"
	case StateInvalidated:
		return "invalidated"
	default:
		return "unknown"
	}
}

// InstalledCode is a compiled unit placed in the code cache. Once
// invalidated no new frame may enter it; frames already inside it are
// deoptimized by their own threads before the unit is reclaimed.
type InstalledCode struct {
	name    string
	entry   CodePointer
	size    uint32
	methods []*MethodRef
	encoded []byte // CBOR position table

	decodeOnce sync.Once
	decoded    Positions
	decodeErr  error

	state  atomic.Uint32
	frames atomic.Int64

	mu     sync.Mutex
	reason string
}

// Name returns the unit name.
func (c *InstalledCode) Name() string {
	return c.name
}

// Entry returns the first address of the unit.
func (c *InstalledCode) Entry() CodePointer {
	return c.entry
}

// Size returns the size of the unit's address range.
func (c *InstalledCode) Size() uint32 {
	return c.size
}

// Contains reports whether ip lies inside the unit.
func (c *InstalledCode) Contains(ip CodePointer) bool {
	return ip >= c.entry && ip < c.entry+CodePointer(c.size)
}

// State returns the current state.
func (c *InstalledCode) State() State {
	return State(c.state.Load())
}

// IsValid reports whether new calls may enter the unit.
func (c *InstalledCode) IsValid() bool {
	return c.State() == StateValid
}

// Reason returns why the unit was invalidated.
func (c *InstalledCode) Reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Invalidate marks the unit invalid. It returns true only for the call that
// performed the transition.
func (c *InstalledCode) Invalidate(reason string) bool {
	return c.invalidate(metrics.CauseAction, reason)
}

// OnInvalidate implements assumption.Dependent.
func (c *InstalledCode) OnInvalidate(a *assumption.Assumption) {
	c.invalidate(metrics.CauseAssumption, fmt.Sprintf("assumption %s invalidated", a.Name()))
}

func (c *InstalledCode) invalidate(cause, reason string) bool {
	if !c.state.CompareAndSwap(uint32(StateValid), uint32(StateInvalidated)) {
		return false
	}
	c.mu.Lock()
	c.reason = reason
	c.mu.Unlock()
	metrics.CodeInvalidations.WithLabelValues(cause).Inc()
	log.Infof("invalidated %s: %s", c.name, reason)
	return true
}

// Enter records a frame entering the unit. It fails with
// assumption.ErrInvalidated once the unit is invalid.
func (c *InstalledCode) Enter() error {
	if !c.IsValid() {
		return fmt.Errorf("codecache: enter %s: %w", c.name, assumption.ErrInvalidated)
	}
	c.frames.Add(1)
	// Invalidation may have won the race after the first check.
	if !c.IsValid() {
		c.frames.Add(-1)
		return fmt.Errorf("codecache: enter %s: %w", c.name, assumption.ErrInvalidated)
	}
	return nil
}

// Exit records a frame leaving the unit, normally or by deoptimization.
func (c *InstalledCode) Exit() {
	c.frames.Add(-1)
}

// LiveFrames returns the number of frames currently executing the unit.
func (c *InstalledCode) LiveFrames() int64 {
	return c.frames.Load()
}

func (c *InstalledCode) positions() (Positions, error) {
	c.decodeOnce.Do(func() {
		if len(c.encoded) == 0 {
			return
		}
		c.decoded, c.decodeErr = UnmarshalPositions(c.encoded)
	})
	return c.decoded, c.decodeErr
}

func (c *InstalledCode) String() string {
	return fmt.Sprintf("%s@%#x(%s)", c.name, uintptr(c.entry), c.State())
}
