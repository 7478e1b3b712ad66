package deopt

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/chazu/specter/codecache"
	"github.com/chazu/specter/metrics"
)

// ErrNoFrame is returned when a thread has no speculative frame to act on.
var ErrNoFrame = errors.New("no speculative frame")

// FrameState is the lifecycle of a frame. Speculative -> Deoptimized is the
// only transition.
type FrameState uint32

const (
	FrameSpeculative FrameState = iota
	FrameDeoptimized
)

func (s FrameState) String() string {
	switch s {
	case FrameSpeculative:
		return "speculative"
	case FrameDeoptimized:
		return "deoptimized"
	default:
		return "unknown"
	}
}

// ResumeFunc continues a deoptimized frame in the generic path, starting
// from the values the frame held at the failure point.
type ResumeFunc func(values []any) (any, error)

// Frame is an activation of installed code on a Thread.
type Frame struct {
	code   *codecache.InstalledCode
	sp     uintptr
	ip     codecache.CodePointer
	values []any
	resume ResumeFunc
	state  atomic.Uint32
}

// Code returns the installed code the frame executes.
func (f *Frame) Code() *codecache.InstalledCode {
	return f.code
}

// State returns the frame state.
func (f *Frame) State() FrameState {
	return FrameState(f.state.Load())
}

// Values returns the frame's materialized values.
func (f *Frame) Values() []any {
	return f.values
}

// Resume runs the generic continuation of a deoptimized frame. A frame
// that is still speculative cannot be resumed this way.
func (f *Frame) Resume() (any, error) {
	if f.State() != FrameDeoptimized {
		return nil, fmt.Errorf("deopt: resume %s: frame is %s", f.code.Name(), f.State())
	}
	if f.resume == nil {
		return nil, fmt.Errorf("deopt: resume %s: no generic continuation", f.code.Name())
	}
	return f.resume(f.values)
}

// deoptimize moves the frame out of its compiled code. It reports whether
// this call made the transition.
func (f *Frame) deoptimize() bool {
	if !f.state.CompareAndSwap(uint32(FrameSpeculative), uint32(FrameDeoptimized)) {
		return false
	}
	f.code.Exit()
	return true
}

// frameSize is the simulated stack space taken by one frame.
const frameSize = 0x40

var threadIDs atomic.Uint32

// Thread is a stack of frames. A Thread belongs to one goroutine: only that
// goroutine may push, pop, reach a safepoint, or report a speculation
// failure on it.
type Thread struct {
	id     uint32
	base   uintptr
	frames []*Frame
}

// NewThread creates a thread with an empty stack.
func NewThread() *Thread {
	id := threadIDs.Add(1)
	return &Thread{
		id:   id,
		base: 0x7fff0000 - uintptr(id)*0x100000,
	}
}

// ID returns the thread id.
func (t *Thread) ID() uint32 {
	return t.id
}

// Push enters code at ip. values are the state the generic continuation
// needs if the frame is deoptimized. Entering invalidated code fails.
func (t *Thread) Push(code *codecache.InstalledCode, ip codecache.CodePointer, values []any, resume ResumeFunc) (*Frame, error) {
	if !code.Contains(ip) {
		return nil, fmt.Errorf("deopt: push: ip %#x outside %s", uintptr(ip), code.Name())
	}
	if err := code.Enter(); err != nil {
		return nil, err
	}
	f := &Frame{
		code:   code,
		sp:     t.base - uintptr(len(t.frames)+1)*frameSize,
		ip:     ip,
		values: values,
		resume: resume,
	}
	t.frames = append(t.frames, f)
	return f, nil
}

// Pop removes the top frame. A speculative frame leaves its code normally.
func (t *Thread) Pop() *Frame {
	if len(t.frames) == 0 {
		return nil
	}
	f := t.frames[len(t.frames)-1]
	t.frames = t.frames[:len(t.frames)-1]
	if f.State() == FrameSpeculative {
		f.code.Exit()
	}
	return f
}

// Depth returns the number of frames.
func (t *Thread) Depth() int {
	return len(t.frames)
}

// Frames returns the frames, outermost first.
func (t *Thread) Frames() []*Frame {
	return append([]*Frame(nil), t.frames...)
}

// Safepoint deoptimizes every speculative frame on the thread whose code
// has been invalidated, and returns those frames. Other threads invalidate
// code; each thread moves its own frames off it here.
func (t *Thread) Safepoint() []*Frame {
	var out []*Frame
	for _, f := range t.frames {
		if f.State() == FrameSpeculative && !f.code.IsValid() && f.deoptimize() {
			metrics.SafepointDeopts.Inc()
			log.Debugf("thread %d: deoptimized frame of %s at safepoint", t.id, f.code.Name())
			out = append(out, f)
		}
	}
	return out
}
