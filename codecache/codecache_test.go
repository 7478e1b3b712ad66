package codecache

import (
	"bytes"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/chazu/specter/assumption"
	"github.com/chazu/specter/metrics"
)

func sampleMethods() []*MethodRef {
	return []*MethodRef{
		{
			Class:  "Point",
			Name:   "x",
			Params: nil,
			File:   "Point.mag",
			Lines:  []LineEntry{{BCI: 0, Line: 10}, {BCI: 4, Line: 11}},
		},
		{
			Class:  "Shape",
			Name:   "area",
			Params: []string{"Object", "int"},
		},
	}
}

func TestMethodRefFormatting(t *testing.T) {
	m := sampleMethods()

	if got := (&MethodRef{}).Line(3); got != -1 {
		t.Errorf("(&MethodRef{}).Line(3) = %v, want -1", got)
	}
	if got := m[0].Line(0); got != 10 {
		t.Errorf("m[0].Line(0) = %v, want 10", got)
	}
	if got := m[0].Line(3); got != 10 {
		t.Errorf("m[0].Line(3) = %v, want 10", got)
	}
	if got := m[0].Line(9); got != 11 {
		t.Errorf("m[0].Line(9) = %v, want 11", got)
	}

	elem, ok := m[0].StackTraceElement(5)
	if !ok {
		t.Fatal("StackTraceElement(5) found no element")
	}
	if elem != "Point.x(Point.mag:11)" {
		t.Errorf("StackTraceElement(5) = %q, want Point.x(Point.mag:11)", elem)
	}

	_, ok = m[1].StackTraceElement(0)
	if ok {
		t.Error("StackTraceElement on a method without a file should fail")
	}
	if got := m[1].Qualified(); got != "Shape.area(Object, int)" {
		t.Errorf("Qualified() = %q, want Shape.area(Object, int)", got)
	}
	if got := (&MethodRef{Name: "main"}).Qualified(); got != "main()" {
		t.Errorf("Qualified() = %q, want main()", got)
	}
}

func TestPositionsRoundTrip(t *testing.T) {
	p := Positions{
		7:  {{Method: 0, BCI: 4}, {Method: 1, BCI: 12}},
		-3: {{Method: UnknownMethod, BCI: 0}},
	}
	data, err := MarshalPositions(p)
	if err != nil {
		t.Fatal(err)
	}
	again, err := MarshalPositions(p)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, again) {
		t.Error("canonical encoding should be deterministic")
	}

	got, err := UnmarshalPositions(data)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, p) {
		t.Errorf("UnmarshalPositions = %v, want %v", got, p)
	}

	_, err = UnmarshalPositions([]byte{0xff, 0x00})
	if err == nil || !strings.Contains(err.Error(), "codecache: unmarshal positions") {
		t.Errorf("error = %v, want it to mention %s", err, "codecache: unmarshal positions")
	}
}

func TestInstallAndLookup(t *testing.T) {
	c := NewCache(0)
	a, err := c.Install(Unit{Name: "a", Size: 40})
	if err != nil {
		t.Fatal(err)
	}
	b, err := c.Install(Unit{Name: "b", Size: 16})
	if err != nil {
		t.Fatal(err)
	}

	if got := a.Entry(); got != DefaultBase {
		t.Errorf("a.Entry() = %v, want %v", got, DefaultBase)
	}
	if got := b.Entry(); got != DefaultBase+48 {
		t.Errorf("b.Entry() = %#x, want %#x (16-byte aligned)", got, DefaultBase+48)
	}

	if got := c.LookupInstalledCode(a.Entry()); got != a {
		t.Errorf("LookupInstalledCode(a.Entry()) = %v, want %v", got, a)
	}
	if got := c.LookupInstalledCode(a.Entry()+39); got != a {
		t.Errorf("LookupInstalledCode(a.Entry()+39) = %v, want %v", got, a)
	}
	if got := c.LookupInstalledCode(a.Entry() + 40); got != nil {
		t.Errorf("alignment gap resolved to %v", got)
	}
	if got := c.LookupInstalledCode(b.Entry()+15); got != b {
		t.Errorf("LookupInstalledCode(b.Entry()+15) = %v, want %v", got, b)
	}
	if got := c.LookupInstalledCode(b.Entry()+16); got != nil {
		t.Errorf("LookupInstalledCode(b.Entry()+16) = %v, want nil", got)
	}
	if got := c.LookupInstalledCode(DefaultBase-1); got != nil {
		t.Errorf("LookupInstalledCode(DefaultBase-1) = %v, want nil", got)
	}

	_, err = c.Install(Unit{Name: "empty"})
	if err == nil || !strings.Contains(err.Error(), "invalid size") {
		t.Errorf("error = %v, want it to mention %s", err, "invalid size")
	}
	_, err = c.Install(Unit{Name: "neg", Size: -5})
	if err == nil || !strings.Contains(err.Error(), "invalid size") {
		t.Errorf("error = %v, want it to mention %s", err, "invalid size")
	}
	_, err = c.Install(Unit{Size: 8})
	if err == nil {
		t.Error("expected an error")
	}
}

func TestLookupSourcePositions(t *testing.T) {
	c := NewCache(0x4000)
	code, err := c.Install(Unit{
		Name:    "Point>>x",
		Size:    64,
		Methods: sampleMethods(),
		Positions: Positions{
			1: {{Method: 0, BCI: 4}, {Method: 1, BCI: 12}, {Method: UnknownMethod}},
			2: {{Method: 9, BCI: 0}},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	pos, err := c.LookupSourcePositions(1, code)
	if err != nil {
		t.Fatal(err)
	}
	if got := pos.Depth(); got != 3 {
		t.Errorf("pos.Depth() = %v, want 3", got)
	}
	if got := pos.Method.Name; got != "x" {
		t.Errorf("pos.Method.Name = %q, want x", got)
	}
	if got := pos.BCI; got != 4 {
		t.Errorf("pos.BCI = %v, want 4", got)
	}
	if got := pos.Caller.Method.Name; got != "area" {
		t.Errorf("pos.Caller.Method.Name = %q, want area", got)
	}
	if got := pos.Caller.Caller.Method; got != nil {
		t.Errorf("pos.Caller.Caller.Method = %v, want nil", got)
	}

	_, err = c.LookupSourcePositions(99, code)
	if !errors.Is(err, ErrNoPositions) {
		t.Errorf("error = %v, want %v", err, ErrNoPositions)
	}

	_, err = c.LookupSourcePositions(2, code)
	if err == nil || !strings.Contains(err.Error(), "method index 9 out of range") {
		t.Errorf("error = %v, want it to mention %s", err, "method index 9 out of range")
	}

	_, err = c.LookupSourcePositions(1, nil)
	if !errors.Is(err, ErrNoPositions) {
		t.Errorf("error = %v, want %v", err, ErrNoPositions)
	}

	bare, err := c.Install(Unit{Name: "bare", Size: 8})
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.LookupSourcePositions(0, bare)
	if !errors.Is(err, ErrNoPositions) {
		t.Errorf("error = %v, want %v", err, ErrNoPositions)
	}
}

func TestAssumptionInvalidatesCode(t *testing.T) {
	c := NewCache(0)
	stable := assumption.New("stable")
	code, err := c.Install(Unit{Name: "dep", Size: 32, Assumptions: []*assumption.Assumption{stable}})
	if err != nil {
		t.Fatal(err)
	}
	if err := code.Enter(); err != nil {
		t.Fatal(err)
	}

	before := testutil.ToFloat64(metrics.CodeInvalidations.WithLabelValues(metrics.CauseAssumption))
	stable.Invalidate()
	if got := code.State(); got != StateInvalidated {
		t.Errorf("State() = %v, want %v", got, StateInvalidated)
	}
	if !strings.Contains(code.Reason(), "stable") {
		t.Errorf("output missing %q:\n%s", "stable", code.Reason())
	}
	if got := testutil.ToFloat64(metrics.CodeInvalidations.WithLabelValues(metrics.CauseAssumption)); got != before+1 {
		t.Errorf("assumption invalidations = %v, want %v", got, before+1)
	}

	if err := code.Enter(); !errors.Is(err, assumption.ErrInvalidated) {
		t.Errorf("Enter() = %v, want %v", err, assumption.ErrInvalidated)
	}
	if code.Invalidate("again") {
		t.Error("second Invalidate should report false")
	}

	// A unit cannot be installed against a dead assumption.
	_, err = c.Install(Unit{Name: "late", Size: 8, Assumptions: []*assumption.Assumption{stable}})
	if !errors.Is(err, assumption.ErrInvalidated) {
		t.Errorf("error = %v, want %v", err, assumption.ErrInvalidated)
	}
}

func TestFailedInstallLeavesNoDependents(t *testing.T) {
	c := NewCache(0)
	live, dead := assumption.New("live"), assumption.New("dead")
	dead.Invalidate()

	_, err := c.Install(Unit{Name: "partial", Size: 16, Assumptions: []*assumption.Assumption{live, dead}})
	if !errors.Is(err, assumption.ErrInvalidated) {
		t.Fatalf("error = %v, want %v", err, assumption.ErrInvalidated)
	}
	if got := live.DependentCount(); got != 0 {
		t.Errorf("live.DependentCount() = %v, want 0", got)
	}
	if n := len(c.Units()); n != 0 {
		t.Errorf("len(Units()) = %d, want 0", n)
	}
}

func TestReclaimWaitsForFrames(t *testing.T) {
	c := NewCache(0)
	a, err := c.Install(Unit{Name: "a", Size: 16})
	if err != nil {
		t.Fatal(err)
	}
	b, err := c.Install(Unit{Name: "b", Size: 16})
	if err != nil {
		t.Fatal(err)
	}

	if err := a.Enter(); err != nil {
		t.Fatal(err)
	}
	if err := a.Enter(); err != nil {
		t.Fatal(err)
	}
	if !a.Invalidate("test") {
		t.Error("Invalidate should succeed on a valid unit")
	}
	if !b.IsValid() {
		t.Error("b.IsValid() = false, want true")
	}

	if freed := c.Reclaim(); len(freed) != 0 {
		t.Errorf("Reclaim() freed %d units with two frames live", len(freed))
	}
	a.Exit()
	if freed := c.Reclaim(); len(freed) != 0 {
		t.Errorf("Reclaim() freed %d units with one frame live", len(freed))
	}
	want := Stats{Installed: 2, Valid: 1, Invalidated: 1, LiveFrames: 1}
	if got := c.Stats(); got != want {
		t.Errorf("Stats() = %+v, want %+v", got, want)
	}

	a.Exit()
	freed := c.Reclaim()
	if len(freed) != 1 {
		t.Fatalf("Reclaim() freed %d units, want 1", len(freed))
	}
	if got := freed[0]; got != a {
		t.Errorf("freed[0] = %v, want %v", got, a)
	}
	if got := c.LookupInstalledCode(a.Entry()); got != nil {
		t.Errorf("LookupInstalledCode(a.Entry()) = %v, want nil", got)
	}
	if got := c.LookupInstalledCode(b.Entry()); got != b {
		t.Errorf("LookupInstalledCode(b.Entry()) = %v, want %v", got, b)
	}
	if got := c.Stats().Reclaimed; got != 1 {
		t.Errorf("Stats().Reclaimed = %v, want 1", got)
	}
	if n := len(c.Units()); n != 1 {
		t.Errorf("len(Units()) = %d, want 1", n)
	}
}
