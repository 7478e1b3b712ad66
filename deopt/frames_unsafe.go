package deopt

import "github.com/chazu/specter/codecache"

// unsafeFrames reads raw frame registers of the failing thread. It is the
// only code in the module that looks inside a Frame's stack pointer and
// return address; everything else treats frames as opaque. Callers must be
// running on the thread they read, which the trap handler guarantees.
type unsafeFrames struct{}

// top returns the innermost speculative frame, or nil.
func (unsafeFrames) top(t *Thread) *Frame {
	if len(t.frames) == 0 {
		return nil
	}
	f := t.frames[len(t.frames)-1]
	if f.State() != FrameSpeculative {
		return nil
	}
	return f
}

// callerStackPointer reads the stack pointer of the frame that trapped.
func (unsafeFrames) callerStackPointer(f *Frame) uintptr {
	return f.sp
}

// returnAddress reads the address the trap would have returned to.
func (unsafeFrames) returnAddress(f *Frame) codecache.CodePointer {
	return f.ip
}
