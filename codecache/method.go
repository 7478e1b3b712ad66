package codecache

import (
	"fmt"
	"strings"
)

// LineEntry maps a bytecode index to a source line.
type LineEntry struct {
	BCI  int // bytecode index
	Line int // 1-based line number
}

// MethodRef describes a source method inlined into installed code.
type MethodRef struct {
	Class  string
	Name   string
	Params []string
	File   string      // empty when unknown
	Lines  []LineEntry // sorted by BCI
}

// Line returns the source line for a bytecode index: the most recent entry
// at or before bci, or -1 if there is none.
func (m *MethodRef) Line(bci int) int {
	line := -1
	for _, e := range m.Lines {
		if e.BCI > bci {
			break
		}
		line = e.Line
	}
	return line
}

// Qualified formats the method as Class.name(params).
func (m *MethodRef) Qualified() string {
	var b strings.Builder
	if m.Class != "" {
		b.WriteString(m.Class)
		b.WriteByte('.')
	}
	b.WriteString(m.Name)
	b.WriteByte('(')
	b.WriteString(strings.Join(m.Params, ", "))
	b.WriteByte(')')
	return b.String()
}

// StackTraceElement formats the method at bci as Class.name(File:line). It
// reports false when the file or line is unknown.
func (m *MethodRef) StackTraceElement(bci int) (string, bool) {
	line := m.Line(bci)
	if m.File == "" || line < 0 {
		return "", false
	}
	name := m.Name
	if m.Class != "" {
		name = m.Class + "." + m.Name
	}
	return fmt.Sprintf("%s(%s:%d)", name, m.File, line), true
}

// SourcePosition is one link of an inlining chain, innermost first. A nil
// Method means the method could not be determined.
type SourcePosition struct {
	Method *MethodRef
	BCI    int
	Caller *SourcePosition
}

// Depth returns the number of links from p to the outermost caller.
func (p *SourcePosition) Depth() int {
	n := 0
	for cur := p; cur != nil; cur = cur.Caller {
		n++
	}
	return n
}
