package deopt

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/chazu/specter/codecache"
	"github.com/chazu/specter/metrics"
	"github.com/chazu/specter/speclog"
)

// traceBegin writes the opening block of a deoptimization trace. Faults
// while building it are logged and counted; whatever was built before the
// fault is still written.
func (c *Coordinator) traceBegin(sp uintptr, ip codecache.CodePointer, code Code, speculation speclog.Speculation) {
	var b strings.Builder
	defer func() {
		if r := recover(); r != nil {
			c.traceFault(fmt.Errorf("panic: %v", r))
		}
		c.emit(b.String())
	}()

	b.WriteString("[Deoptimization initiated\n")

	unit := c.lookupCode(ip)
	if unit != nil {
		fmt.Fprintf(&b, "    name: %s\n", unit.Name())
	}
	fmt.Fprintf(&b, "    sp: %#x  ip: %#x\n", sp, uintptr(ip))

	reason, _ := code.Reason()
	action, _ := code.Action()
	fmt.Fprintf(&b, "    reason: %s  action: %s\n", reason, action)

	debugID := code.DebugID()
	fmt.Fprintf(&b, "    debugId: %d  speculation: %s\n", debugID, speculation)

	if unit == nil {
		return
	}
	pos, err := c.info.LookupSourcePositions(debugID, unit)
	if err != nil {
		if !errors.Is(err, codecache.ErrNoPositions) {
			c.traceFault(err)
		}
		return
	}
	b.WriteString("    stack trace that triggered deoptimization:\n")
	for cur := pos; cur != nil; cur = cur.Caller {
		b.WriteString("        at ")
		b.WriteString(formatPosition(cur))
		b.WriteByte('\n')
	}
}

func (c *Coordinator) traceEnd() {
	c.emit("]\n")
}

func formatPosition(p *codecache.SourcePosition) string {
	if p.Method == nil {
		return "[unknown method]"
	}
	if elem, ok := p.Method.StackTraceElement(p.BCI); ok {
		return elem
	}
	return p.Method.Qualified() + " bci " + strconv.Itoa(p.BCI)
}

func (c *Coordinator) emit(text string) {
	if text == "" {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.traceFault(fmt.Errorf("panic: %v", r))
		}
	}()
	if c.opts.Trace == nil {
		for _, line := range strings.Split(strings.TrimSuffix(text, "\n"), "\n") {
			log.Infof("%s", line)
		}
		return
	}
	if _, err := io.WriteString(c.opts.Trace, text); err != nil {
		c.traceFault(err)
	}
}

func (c *Coordinator) traceFault(err error) {
	metrics.TraceFaults.Inc()
	log.Errorf("deoptimization trace: %v", err)
}
