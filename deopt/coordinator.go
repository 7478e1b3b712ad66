// Package deopt moves execution off speculative compiled code when a
// speculation fails.
//
// Compiled code reports a failure by calling Coordinator.OnSpeculationFailure
// on its own thread with a packed Code. The action in the code decides
// whether the whole installed unit is invalidated or only the failing frame
// is deoptimized. Either way the failing frame never resumes in compiled
// code: the caller gets a Resumption that continues in the generic path.
// Frames of an invalidated unit on other threads are deoptimized when those
// threads reach Thread.Safepoint.
package deopt

import (
	"fmt"
	"io"
	"sync/atomic"

	"github.com/tliron/commonlog"

	"github.com/chazu/specter/codecache"
	"github.com/chazu/specter/metrics"
	"github.com/chazu/specter/speclog"
)

var log = commonlog.GetLogger("specter.deopt")

// CodeInfo resolves instruction pointers to installed code and debug ids
// to source positions. *codecache.Cache implements it.
type CodeInfo interface {
	LookupInstalledCode(ip codecache.CodePointer) *codecache.InstalledCode
	LookupSourcePositions(debugID int32, code *codecache.InstalledCode) (*codecache.SourcePosition, error)
}

// Options configure a Coordinator.
type Options struct {
	// TraceDeoptimization enables the diagnostic trace. Off by default.
	TraceDeoptimization bool

	// Trace receives the trace. Nil writes it to the log at info level.
	Trace io.Writer

	// Speculations, if set, records failed speculations.
	Speculations *speclog.Log
}

// Coordinator handles speculation failures.
type Coordinator struct {
	info   CodeInfo
	opts   Options
	frames unsafeFrames

	handled     atomic.Uint64
	invalidated atomic.Uint64
}

// NewCoordinator creates a coordinator over info. A nil info resolves
// nothing: invalidation falls back to the frame's own code and traces carry
// no name or source positions.
func NewCoordinator(info CodeInfo, opts Options) *Coordinator {
	return &Coordinator{info: info, opts: opts}
}

// Resumption describes how a failed frame continues.
type Resumption struct {
	Frame       *Frame
	Reason      Reason
	Action      Action
	DebugID     int32
	Speculation speclog.Speculation
	Invalidated bool // this failure invalidated the frame's code
}

// Resume continues the deoptimized frame in the generic path.
func (r *Resumption) Resume() (any, error) {
	return r.Frame.Resume()
}

// OnSpeculationFailure handles a failed speculation in the top frame of t.
// It must be called on t's own goroutine. Once it returns, the frame is
// deoptimized and, if the action requires it, its code is invalidated.
func (c *Coordinator) OnSpeculationFailure(t *Thread, code Code, speculation speclog.Speculation) (*Resumption, error) {
	frame := c.frames.top(t)
	if frame == nil {
		return nil, fmt.Errorf("deopt: thread %d: %w", t.ID(), ErrNoFrame)
	}
	sp := c.frames.callerStackPointer(frame)
	ip := c.frames.returnAddress(frame)

	action, err := code.Action()
	if err != nil {
		log.Errorf("%v; invalidating", err)
		action = ActionInvalidateRecompile
	}
	reason, _ := code.Reason()

	tracing := c.opts.TraceDeoptimization
	if tracing {
		c.traceBegin(sp, ip, code, speculation)
	}

	res := &Resumption{
		Frame:       frame,
		Reason:      reason,
		Action:      action,
		DebugID:     code.DebugID(),
		Speculation: speculation,
	}
	if action.DoesInvalidateCompilation() {
		res.Invalidated = c.invalidateMethodOfFrame(frame, ip, code)
	}
	frame.deoptimize()
	c.handled.Add(1)
	metrics.Deoptimizations.WithLabelValues(reason.String(), action.String()).Inc()

	if c.opts.Speculations != nil {
		if err := c.opts.Speculations.RecordFailure(speculation); err != nil {
			log.Errorf("recording failed speculation: %v", err)
		}
	}

	if tracing {
		c.traceEnd()
	}
	return res, nil
}

func (c *Coordinator) invalidateMethodOfFrame(frame *Frame, ip codecache.CodePointer, code Code) bool {
	unit := c.lookupCode(ip)
	if unit == nil {
		unit = frame.Code()
	}
	if !unit.Invalidate(fmt.Sprintf("speculation failed: %s", code)) {
		return false
	}
	c.invalidated.Add(1)
	return true
}

func (c *Coordinator) lookupCode(ip codecache.CodePointer) *codecache.InstalledCode {
	if c.info == nil {
		return nil
	}
	return c.info.LookupInstalledCode(ip)
}

// Stats holds coordinator counters.
type Stats struct {
	Handled     uint64 // speculation failures handled
	Invalidated uint64 // units invalidated by an action
}

// Stats returns coordinator counters.
func (c *Coordinator) Stats() Stats {
	return Stats{
		Handled:     c.handled.Load(),
		Invalidated: c.invalidated.Load(),
	}
}
