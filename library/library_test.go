package library_test

import (
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/chazu/specter/library"
	"github.com/chazu/specter/library/librarytest"
)

type tagged struct{ tag string }

func (t tagged) Shape() library.Shape { return t.tag }

type step struct {
	receiver *librarytest.Something
	want     string
}

func expectCalls(t *testing.T, slot *library.Slot[librarytest.Callable], steps ...step) {
	t.Helper()
	for i, s := range steps {
		if got := slot.Get(s.receiver).Call(s.receiver); got != s.want {
			t.Errorf("call %d with %s = %q, want %q", i, s.receiver.Name, got, s.want)
		}
	}
}

func TestShapeOf(t *testing.T) {
	if library.ShapeOf(1) != library.ShapeOf(2) {
		t.Error("ints should share a shape")
	}
	if library.ShapeOf(1) == library.ShapeOf("x") {
		t.Error("int and string should have different shapes")
	}
	if library.ShapeOf(tagged{tag: "a"}) != library.Shape("a") {
		t.Error("Shaped receivers should report their own shape")
	}

	g := library.GuardShapeOf(tagged{tag: "a"})
	if !g.Accepts(tagged{tag: "a"}) {
		t.Error("guard should accept its own shape")
	}
	if g.Accepts(tagged{tag: "b"}) {
		t.Error("guard should reject a different shape")
	}
}

func TestResolverDefaultExport(t *testing.T) {
	r := librarytest.NewResolver()
	if got := r.Create(42).Call(42); got != "default" {
		t.Errorf("Create(42).Call = %q, want default", got)
	}
	if got := r.Uncached(42).Call(42); got != "default" {
		t.Errorf("Uncached(42).Call = %q, want default", got)
	}
	if !r.Create(42).Accepts(7) {
		t.Error("default export should accept another int")
	}
	if r.Create(42).Accepts("seven") {
		t.Error("default export should reject a string")
	}
}

func TestResolverExportedShape(t *testing.T) {
	r := librarytest.NewResolver()
	s1, s2 := librarytest.New("s1"), librarytest.New("s2")

	lib := r.Create(s1)
	if got := lib.Call(s1); got != "s1_cached" {
		t.Errorf("Call = %q, want s1_cached", got)
	}
	if !lib.Accepts(s1) || lib.Accepts(s2) {
		t.Error("cached instance should accept only its own receiver")
	}
	if got := r.Uncached(s2).Call(s2); got != "s2_uncached" {
		t.Errorf("Uncached Call = %q, want s2_uncached", got)
	}
	if r.Name() != "Callable" {
		t.Errorf("Name() = %q, want Callable", r.Name())
	}
}

func TestSlotLimits(t *testing.T) {
	r := librarytest.NewResolver()
	s1, s2, s3 := librarytest.New("s1"), librarytest.New("s2"), librarytest.New("s3")

	limit := 0
	slot := library.NewSlot(r, func() int { return limit })
	expectCalls(t, slot,
		step{s1, "s1_uncached"},
		step{s1, "s1_uncached"},
		step{s2, "s2_uncached"},
	)
	if !slot.Generic() {
		t.Error("zero limit slot should be generic")
	}

	limit = 1
	slot = library.NewSlot(r, func() int { return limit })
	expectCalls(t, slot,
		step{s1, "s1_cached"},
		step{s1, "s1_cached"},
		step{s2, "s2_uncached"},
		step{s3, "s3_uncached"},
		step{s1, "s1_uncached"},
	)

	limit = 2
	slot = library.NewSlot(r, func() int { return limit })
	expectCalls(t, slot,
		step{s1, "s1_cached"},
		step{s2, "s2_cached"},
		step{s3, "s3_uncached"},
		step{s2, "s2_uncached"},
		step{s1, "s1_uncached"},
	)
	if slot.Len() != 2 {
		t.Errorf("Len() = %d, want 2", slot.Len())
	}

	limit = 3
	slot = library.NewSlot(r, func() int { return limit })
	expectCalls(t, slot,
		step{s1, "s1_cached"},
		step{s1, "s1_cached"},
		step{s2, "s2_cached"},
		step{s3, "s3_cached"},
	)
	if slot.Generic() {
		t.Error("slot under its limit should not be generic")
	}

	hits, misses := slot.Stats()
	if hits != 1 || misses != 3 {
		t.Errorf("Stats() = %d hits, %d misses, want 1 and 3", hits, misses)
	}
}

func TestSlotsDegradeIndependently(t *testing.T) {
	r := librarytest.NewResolver()
	s1, s2 := librarytest.New("s1"), librarytest.New("s2")
	first := library.NewSlot(r, func() int { return 1 })
	second := library.NewSlot(r, func() int { return 2 })

	for _, pair := range [][2]*librarytest.Something{{s1, s1}, {s2, s1}, {s1, s2}} {
		first.Get(pair[0])
		second.Get(pair[1])
	}

	if !first.Generic() {
		t.Error("first slot should have gone generic")
	}
	if second.Generic() {
		t.Error("second slot should still cache")
	}
	expectCalls(t, second, step{s2, "s2_cached"})
}

func TestUncachedSlotMatchesCached(t *testing.T) {
	r := librarytest.NewResolver()
	uncached := library.UncachedSlot(r)
	cached := library.NewSlot(r, func() int { return 4 })

	for _, name := range []string{"a", "b", "c"} {
		s := librarytest.New(name)
		expectCalls(t, uncached, step{s, name + "_uncached"})
		expectCalls(t, cached, step{s, name + "_cached"})
	}
	if !uncached.Generic() {
		t.Error("UncachedSlot should be generic")
	}
}

func TestSlotConcurrentGetStaysBounded(t *testing.T) {
	r := librarytest.NewResolver()
	slot := library.NewSlot(r, func() int { return 3 })
	receivers := make([]*librarytest.Something, 8)
	for i := range receivers {
		receivers[i] = librarytest.New(string(rune('a' + i)))
	}

	var g errgroup.Group
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			for _, s := range receivers {
				lib := slot.Get(s)
				if !lib.Accepts(s) {
					t.Errorf("library for %s does not accept it", s.Name)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if slot.Len() > 3 {
		t.Errorf("Len() = %d, want at most 3", slot.Len())
	}
	if !slot.Generic() {
		t.Error("slot should be generic after overflowing")
	}
}

func TestGenericSourceSlotServesUncached(t *testing.T) {
	slot := library.NewSourceSlot(librarytest.NewResolver(), func() int { return 1 })
	s1, s2 := librarytest.New("s1"), librarytest.New("s2")
	call := func(s *librarytest.Something) string {
		return slot.Get(s).(librarytest.Callable).Call(s)
	}

	if got := call(s1); got != "s1_cached" {
		t.Errorf("first call = %q, want s1_cached", got)
	}
	if got := call(s2); got != "s2_uncached" {
		t.Errorf("overflowing call = %q, want s2_uncached", got)
	}
	if !slot.Generic() {
		t.Fatal("slot should be generic after overflowing")
	}
	// Once generic, even the cached receiver is served uncached.
	if got := call(s1); got != "s1_uncached" {
		t.Errorf("call after going generic = %q, want s1_uncached", got)
	}
	if slot.Len() != 1 {
		t.Errorf("Len() = %d, want 1", slot.Len())
	}

	hits, misses := slot.Stats()
	if hits != 0 || misses != 3 {
		t.Errorf("Stats() = %d hits, %d misses, want 0 and 3", hits, misses)
	}
}
