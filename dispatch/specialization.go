// Package dispatch implements per-call-site specialization caches.
//
// A Table declares, in priority order, the specializations an operation can
// take. Each Specialization is a row of (guard, cached parameters, bound
// libraries, assumptions, body). A CallSite executes a Table against
// concrete arguments and keeps a bounded list of cached entries per row:
//
//   - the first entry whose assumptions hold and whose guard accepts the
//     arguments runs;
//   - on a miss a new entry is created while the row is under its limit;
//   - a full row switches permanently to its uncached form, which recomputes
//     cached parameters and looks up libraries on every call.
//
// Rows can exclude each other: RewriteOn excludes a row when its body fails
// with a declared error, and Replaces excludes the named rows as soon as the
// replacing row is used. Exclusion is permanent for the life of the site.
package dispatch

import (
	"errors"
	"fmt"

	"github.com/tliron/commonlog"

	"github.com/chazu/specter/assumption"
	"github.com/chazu/specter/library"
)

var log = commonlog.GetLogger("specter.dispatch")

// ErrNoSpecialization is returned when no row applies and the table has no
// fallback.
var ErrNoSpecialization = errors.New("no specialization applies")

// DefaultLimit bounds rows that carry cached state but declare no limit.
const DefaultLimit = 3

// Args are the arguments of one invocation.
type Args []any

// GuardFunc decides whether a row applies to args given its bound state.
type GuardFunc func(args Args, b *Bound) (bool, error)

// BodyFunc executes a row.
type BodyFunc func(args Args, b *Bound) (any, error)

// FallbackFunc runs when no row applies.
type FallbackFunc func(args Args) (any, error)

// ---------------------------------------------------------------------------
// Limits
// ---------------------------------------------------------------------------

// Limit yields the maximum number of live entries for a row. It is resolved
// again on every cache miss, so expression-backed limits may change over
// time.
type Limit interface {
	Resolve() int
}

// FixedLimit is a constant limit.
type FixedLimit int

// Resolve returns l.
func (l FixedLimit) Resolve() int { return int(l) }

// LimitFunc is a limit computed at miss time.
type LimitFunc func() int

// Resolve calls f.
func (f LimitFunc) Resolve() int { return f() }

// ---------------------------------------------------------------------------
// Bound state
// ---------------------------------------------------------------------------

// Bound is the state a row body sees: the cached parameters and libraries
// captured when its entry was created, or recomputed for this call when the
// row runs uncached.
type Bound struct {
	values []any
	libs   []library.Library
}

// Value returns cached parameter i.
func (b *Bound) Value(i int) any {
	return b.values[i]
}

// Library returns bound library i, in declaration order. Dispatched
// libraries are looked up for the current call.
func (b *Bound) Library(i int) library.Library {
	return b.libs[i]
}

// NumValues returns the number of cached parameters.
func (b *Bound) NumValues() int {
	return len(b.values)
}

// ---------------------------------------------------------------------------
// Library receivers
// ---------------------------------------------------------------------------

type receiverKind uint8

const (
	receiverArg receiverKind = iota
	receiverCached
	receiverConstant
	receiverDispatched
)

// Receiver says where a bound library gets its receiver from.
type Receiver struct {
	kind  receiverKind
	index int
	value any
	limit Limit
}

// FromArg binds the library to argument i. Entries re-check that the
// argument still has an accepted shape on every call.
func FromArg(i int) Receiver {
	return Receiver{kind: receiverArg, index: i}
}

// FromCached binds the library to cached parameter i. The receiver cannot
// change for the entry's lifetime, so no shape check is inserted.
func FromCached(i int) Receiver {
	return Receiver{kind: receiverCached, index: i}
}

// Constant binds the library to a fixed receiver.
func Constant(v any) Receiver {
	return Receiver{kind: receiverConstant, value: v}
}

// Dispatched binds the library to argument i through a slot of its own at
// each call site. The slot caches up to limit instances (nil means
// DefaultLimit) and goes generic independently of the row and of other
// parameters. Dispatched parameters do not take part in entry matching.
func Dispatched(i int, limit Limit) Receiver {
	return Receiver{kind: receiverDispatched, index: i, limit: limit}
}

func (r Receiver) shapeStable() bool {
	return r.kind != receiverArg
}

func (r Receiver) slotLimit() int {
	if r.limit == nil {
		return DefaultLimit
	}
	return r.limit.Resolve()
}

func (r Receiver) resolve(args Args, values []any) (any, error) {
	switch r.kind {
	case receiverArg, receiverDispatched:
		if r.index < 0 || r.index >= len(args) {
			return nil, fmt.Errorf("dispatch: library receiver argument %d out of range (%d args)", r.index, len(args))
		}
		return args[r.index], nil
	case receiverCached:
		if r.index < 0 || r.index >= len(values) {
			return nil, fmt.Errorf("dispatch: library receiver cached value %d out of range (%d values)", r.index, len(values))
		}
		return values[r.index], nil
	default:
		return r.value, nil
	}
}

// LibraryParam declares one library bound by a row.
type LibraryParam struct {
	Source   library.Source
	Receiver Receiver
}

// ---------------------------------------------------------------------------
// Specialization rows
// ---------------------------------------------------------------------------

// Specialization is one row of a dispatch table.
type Specialization struct {
	Name string

	// Guard is evaluated after cached parameters and libraries are bound.
	// Nil accepts everything.
	Guard GuardFunc

	// Cached computes the row's cached parameters. It runs once per entry,
	// or once per call when the row is uncached.
	Cached func(args Args) ([]any, error)

	// Libraries are bound after Cached, so receivers may refer to cached
	// parameters.
	Libraries []LibraryParam

	// Assumptions is read when an entry is created; the entry keeps the
	// assumptions it saw and dies with them. Uncached rows read it per call.
	Assumptions func() []*assumption.Assumption

	// RewriteOn reports whether a body error should exclude the row and
	// retry dispatch.
	RewriteOn func(err error) bool

	// Replaces names rows that are excluded once this row is used.
	Replaces []string

	// Limit bounds live entries. Nil means DefaultLimit. Rows without cached
	// parameters or non-dispatched libraries hold a single entry regardless.
	Limit Limit

	Body BodyFunc
}

func (s *Specialization) cacheBearing() bool {
	if s.Cached != nil {
		return true
	}
	for _, p := range s.Libraries {
		if p.Receiver.kind != receiverDispatched {
			return true
		}
	}
	return false
}

func (s *Specialization) hasDispatched() bool {
	for _, p := range s.Libraries {
		if p.Receiver.kind == receiverDispatched {
			return true
		}
	}
	return false
}

// RewriteOnError matches errors that wrap any of targets.
func RewriteOnError(targets ...error) func(error) bool {
	return func(err error) bool {
		for _, t := range targets {
			if errors.Is(err, t) {
				return true
			}
		}
		return false
	}
}

// RewriteOnType matches errors whose chain contains a T.
func RewriteOnType[T error]() func(error) bool {
	return func(err error) bool {
		var target T
		return errors.As(err, &target)
	}
}
