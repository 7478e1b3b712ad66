package dispatch

import (
	"sync/atomic"

	"github.com/chazu/specter/assumption"
)

// EntryKind distinguishes plain guarded entries from entries that carry
// bound libraries.
type EntryKind uint8

const (
	EntryGuarded EntryKind = iota // guard over arguments and cached values
	EntryLibrary                  // additionally bound to receiver shapes
)

func (k EntryKind) String() string {
	switch k {
	case EntryGuarded:
		return "guarded"
	case EntryLibrary:
		return "library"
	default:
		return "unknown"
	}
}

// Entry is one cached specialization at a call site. It is fully built
// before it is published and its bound state never changes afterwards.
type Entry struct {
	site        *CallSite
	row         int
	kind        EntryKind
	bound       Bound
	assumptions []*assumption.Assumption

	excluded atomic.Bool
	hits     atomic.Uint64
}

// Row returns the name of the row the entry belongs to.
func (e *Entry) Row() string {
	return e.site.table.rows[e.row].Name
}

// Kind returns the entry kind.
func (e *Entry) Kind() EntryKind {
	return e.kind
}

// Excluded reports whether the entry can no longer be used.
func (e *Entry) Excluded() bool {
	return e.excluded.Load()
}

// Hits returns how many calls the entry served.
func (e *Entry) Hits() uint64 {
	return e.hits.Load()
}

// Value returns cached parameter i.
func (e *Entry) Value(i int) any {
	return e.bound.Value(i)
}

// OnInvalidate implements assumption.Dependent. The entry stays in the
// site for inspection but stops matching and stops counting against the
// row's limit.
func (e *Entry) OnInvalidate(a *assumption.Assumption) {
	if e.excluded.CompareAndSwap(false, true) {
		log.Debugf("%s.%s: entry dropped, assumption %s invalidated", e.site.table.name, e.Row(), a.Name())
	}
}

// accepts checks, in order: exclusion, assumptions, library shapes, guard.
// The cheap state checks short-circuit before any guard code runs. It
// returns the bound state the body should see for this call.
func (e *Entry) accepts(args Args) (Bound, bool, error) {
	if e.excluded.Load() {
		return Bound{}, false, nil
	}
	if !assumption.AllValid(e.assumptions) {
		e.excluded.Store(true)
		return Bound{}, false, nil
	}
	spec := e.site.table.rows[e.row]
	switch e.kind {
	case EntryLibrary:
		for k, p := range spec.Libraries {
			if p.Receiver.shapeStable() {
				continue
			}
			recv, err := p.Receiver.resolve(args, e.bound.values)
			if err != nil {
				return Bound{}, false, err
			}
			if !e.bound.libs[k].Accepts(recv) {
				return Bound{}, false, nil
			}
		}
	case EntryGuarded:
	}
	b, err := e.site.withSlots(e.row, e.bound, args)
	if err != nil {
		return Bound{}, false, err
	}
	if spec.Guard == nil {
		return b, true, nil
	}
	ok, err := spec.Guard(args, &b)
	return b, ok, err
}

// register makes the entry a dependent of its assumptions. If one of them
// is already invalid the entry is excluded and released from the others.
func (e *Entry) register() bool {
	for _, a := range e.assumptions {
		if !a.Register(e) {
			e.excluded.Store(true)
			e.release()
			return false
		}
	}
	return true
}

// release drops the entry from its assumptions' dependents once it can no
// longer match.
func (e *Entry) release() {
	for _, a := range e.assumptions {
		a.Deregister(e)
	}
}
