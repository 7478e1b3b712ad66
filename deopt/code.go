package deopt

import (
	"errors"
	"fmt"

	"fortio.org/safecast"
)

var (
	// ErrInvalidReason is returned for a reason outside the known set.
	ErrInvalidReason = errors.New("invalid deoptimization reason")
	// ErrInvalidAction is returned for an action outside the known set.
	ErrInvalidAction = errors.New("invalid deoptimization action")
	// ErrInvalidCode is returned for a packed code with reserved bits set.
	ErrInvalidCode = errors.New("invalid deoptimization code")
)

// Reason says why speculation failed.
type Reason uint8

const (
	ReasonNone Reason = iota
	ReasonNullCheckException
	ReasonBoundsCheckException
	ReasonClassCastException
	ReasonArrayStoreException
	ReasonUnreachedCode
	ReasonTypeCheckedInliningViolated
	ReasonOptimizedTypeCheckViolated
	ReasonNotCompiledExceptionHandler
	ReasonUnresolved
	ReasonJavaSubroutineMismatch
	ReasonArithmeticException
	ReasonRuntimeConstraint
	ReasonLoopLimitCheck
	ReasonAliasing
	ReasonTransferToInterpreter

	numReasons
)

var reasonNames = [numReasons]string{
	"None",
	"NullCheckException",
	"BoundsCheckException",
	"ClassCastException",
	"ArrayStoreException",
	"UnreachedCode",
	"TypeCheckedInliningViolated",
	"OptimizedTypeCheckViolated",
	"NotCompiledExceptionHandler",
	"Unresolved",
	"JavaSubroutineMismatch",
	"ArithmeticException",
	"RuntimeConstraint",
	"LoopLimitCheck",
	"Aliasing",
	"TransferToInterpreter",
}

// Valid reports whether r is a known reason.
func (r Reason) Valid() bool {
	return r < numReasons
}

func (r Reason) String() string {
	if !r.Valid() {
		return fmt.Sprintf("Reason(%d)", uint8(r))
	}
	return reasonNames[r]
}

// ParseReason returns the reason with the given name.
func ParseReason(name string) (Reason, error) {
	for i, n := range reasonNames {
		if n == name {
			return Reason(i), nil
		}
	}
	return 0, fmt.Errorf("deopt: %q: %w", name, ErrInvalidReason)
}

// Action says what to do about the failure.
type Action uint8

const (
	// ActionNone deoptimizes the frame and leaves the code alone.
	ActionNone Action = iota
	// ActionRecompileIfTooManyDeopts deoptimizes the frame; the code stays
	// valid and recompilation is left to profiling.
	ActionRecompileIfTooManyDeopts
	// ActionInvalidateReprofile invalidates the code and restarts profiling.
	ActionInvalidateReprofile
	// ActionInvalidateRecompile invalidates the code for recompilation.
	ActionInvalidateRecompile
	// ActionInvalidateStopCompiling invalidates the code for good.
	ActionInvalidateStopCompiling

	numActions
)

var actionNames = [numActions]string{
	"None",
	"RecompileIfTooManyDeopts",
	"InvalidateReprofile",
	"InvalidateRecompile",
	"InvalidateStopCompiling",
}

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	return a < numActions
}

func (a Action) String() string {
	if !a.Valid() {
		return fmt.Sprintf("Action(%d)", uint8(a))
	}
	return actionNames[a]
}

// DoesInvalidateCompilation reports whether a invalidates the compiled unit
// rather than only the failing frame.
func (a Action) DoesInvalidateCompilation() bool {
	switch a {
	case ActionInvalidateReprofile, ActionInvalidateRecompile, ActionInvalidateStopCompiling:
		return true
	default:
		return false
	}
}

// ParseAction returns the action with the given name.
func ParseAction(name string) (Action, error) {
	for i, n := range actionNames {
		if n == name {
			return Action(i), nil
		}
	}
	return 0, fmt.Errorf("deopt: %q: %w", name, ErrInvalidAction)
}

// ---------------------------------------------------------------------------
// Packed codes
// ---------------------------------------------------------------------------

// Code packs a reason, an action and a debug id into one word:
//
//	bits  0-7   reason
//	bits  8-15  action
//	bits 16-47  debug id (int32, two's complement)
//	bits 48-63  zero
type Code uint64

const (
	reasonShift  = 0
	actionShift  = 8
	debugIDShift = 16

	byteMask    = 0xff
	debugIDMask = 0xffffffff
)

const reservedMask Code = 0xffff << 48

// Pack builds a code from valid parts.
func Pack(reason Reason, action Action, debugID int32) (Code, error) {
	if !reason.Valid() {
		return 0, fmt.Errorf("deopt: pack: %w: %d", ErrInvalidReason, reason)
	}
	if !action.Valid() {
		return 0, fmt.Errorf("deopt: pack: %w: %d", ErrInvalidAction, action)
	}
	return Code(reason)<<reasonShift |
		Code(action)<<actionShift |
		Code(uint32(debugID))<<debugIDShift, nil
}

// Encode is Pack for a debug id of any integer width. It fails when the id
// does not fit in 32 bits.
func Encode(reason Reason, action Action, debugID int) (Code, error) {
	id, err := safecast.Conv[int32](debugID)
	if err != nil {
		return 0, fmt.Errorf("deopt: encode: debug id %d: %w", debugID, err)
	}
	return Pack(reason, action, id)
}

// Reason decodes the reason field.
func (c Code) Reason() (Reason, error) {
	r := Reason((c >> reasonShift) & byteMask)
	if !r.Valid() {
		return r, fmt.Errorf("deopt: decode %#x: %w: %d", uint64(c), ErrInvalidReason, r)
	}
	return r, nil
}

// Action decodes the action field.
func (c Code) Action() (Action, error) {
	a := Action((c >> actionShift) & byteMask)
	if !a.Valid() {
		return a, fmt.Errorf("deopt: decode %#x: %w: %d", uint64(c), ErrInvalidAction, a)
	}
	return a, nil
}

// DebugID decodes the debug id field.
func (c Code) DebugID() int32 {
	return int32(uint32((c >> debugIDShift) & debugIDMask))
}

// Decode splits c into its parts.
func Decode(c Code) (Reason, Action, int32, error) {
	if c&reservedMask != 0 {
		return 0, 0, 0, fmt.Errorf("deopt: decode %#x: %w: reserved bits set", uint64(c), ErrInvalidCode)
	}
	r, err := c.Reason()
	if err != nil {
		return 0, 0, 0, err
	}
	a, err := c.Action()
	if err != nil {
		return 0, 0, 0, err
	}
	return r, a, c.DebugID(), nil
}

func (c Code) String() string {
	r, a, id, err := Decode(c)
	if err != nil {
		return fmt.Sprintf("Code(%#x)", uint64(c))
	}
	return fmt.Sprintf("%s/%s/%d", r, a, id)
}
