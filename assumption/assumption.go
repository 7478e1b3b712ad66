// Package assumption implements revocable validity flags that speculative
// code depends on.
//
// An Assumption starts valid and can be invalidated exactly once. Anything
// that relied on it (cached specializations, installed code) registers as a
// Dependent and is told synchronously when the invalidation happens.
package assumption

import (
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
)

// ErrInvalidated is returned by Check when the assumption no longer holds.
var ErrInvalidated = errors.New("assumption invalidated")

// Dependent is notified when an assumption it registered with is invalidated.
type Dependent interface {
	OnInvalidate(a *Assumption)
}

// DependentFunc adapts a plain function to the Dependent interface.
type DependentFunc func(a *Assumption)

// OnInvalidate calls f(a).
func (f DependentFunc) OnInvalidate(a *Assumption) {
	f(a)
}

// Assumption is a one-way validity flag.
//
// The zero value is not usable; create assumptions with New. A nil
// *Assumption reports itself as invalid, so a missing reference can never be
// mistaken for a holding invariant.
type Assumption struct {
	name    string
	invalid atomic.Bool

	mu         sync.Mutex
	dependents []Dependent
	reason     string
}

// New creates a valid assumption. The name is used for diagnostics only.
func New(name string) *Assumption {
	return &Assumption{name: name}
}

// Name returns the diagnostic name.
func (a *Assumption) Name() string {
	if a == nil {
		return "<nil>"
	}
	return a.name
}

// IsValid reports whether the assumption still holds.
func (a *Assumption) IsValid() bool {
	return a != nil && !a.invalid.Load()
}

// Check returns ErrInvalidated if the assumption no longer holds.
func (a *Assumption) Check() error {
	if !a.IsValid() {
		return ErrInvalidated
	}
	return nil
}

// Reason returns the message passed to InvalidateWithReason, if any.
func (a *Assumption) Reason() string {
	if a == nil {
		return ""
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reason
}

// Invalidate marks the assumption invalid and notifies every dependent.
// Calling it more than once has no further effect.
func (a *Assumption) Invalidate() {
	a.InvalidateWithReason("")
}

// InvalidateWithReason is Invalidate with a diagnostic message attached.
func (a *Assumption) InvalidateWithReason(reason string) {
	if a == nil {
		return
	}
	// Only the goroutine that wins the swap notifies, so each dependent
	// hears about the invalidation exactly once.
	if !a.invalid.CompareAndSwap(false, true) {
		return
	}

	a.mu.Lock()
	a.reason = reason
	deps := a.dependents
	a.dependents = nil
	a.mu.Unlock()

	for _, d := range deps {
		d.OnInvalidate(a)
	}
}

// Register adds d to the set of dependents. It returns false if the
// assumption is already invalid, in which case d is not notified and the
// caller must treat whatever it was about to build as unusable.
func (a *Assumption) Register(d Dependent) bool {
	if a == nil || d == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	// Checked under the lock: Invalidate swaps the flag before taking it,
	// so a registration that sees valid here is guaranteed to be drained.
	if a.invalid.Load() {
		return false
	}
	a.dependents = append(a.dependents, d)
	return true
}

// Deregister removes d from the set of dependents. Dependents compare by
// interface equality, so d must be the value passed to Register. Dependents
// of an uncomparable type, such as DependentFunc, cannot be removed.
func (a *Assumption) Deregister(d Dependent) {
	if a == nil || d == nil || !reflect.TypeOf(d).Comparable() {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, dep := range a.dependents {
		if dep == d {
			a.dependents = append(a.dependents[:i:i], a.dependents[i+1:]...)
			return
		}
	}
}

// DependentCount returns the number of registered dependents.
func (a *Assumption) DependentCount() int {
	if a == nil {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.dependents)
}

func (a *Assumption) String() string {
	if a.IsValid() {
		return a.Name() + "(valid)"
	}
	return a.Name() + "(invalid)"
}

// AllValid reports whether every assumption in as is valid. It stops at the
// first invalid one.
func AllValid(as []*Assumption) bool {
	for _, a := range as {
		if !a.IsValid() {
			return false
		}
	}
	return true
}
