package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/chazu/specter/assumption"
	"github.com/chazu/specter/codecache"
	"github.com/chazu/specter/deopt"
	"github.com/chazu/specter/dispatch"
	"github.com/chazu/specter/library"
	"github.com/chazu/specter/library/librarytest"
	"github.com/chazu/specter/manifest"
	"github.com/chazu/specter/speclog"
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run the call-site specialization and deoptimization walkthrough",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDemo(cmd.OutOrStdout(), cfg)
	},
}

func runDemo(out io.Writer, c *manifest.Config) error {
	if err := demoDispatch(out, c); err != nil {
		return err
	}
	fmt.Fprintln(out)
	demoSlots(out, c)
	fmt.Fprintln(out)
	return demoDeopt(out, c)
}

// describeTable builds a small operation with a guarded row, an
// assumption-gated row with a cached parameter, and a library row.
func describeTable(c *manifest.Config, names *assumption.Cyclic) *dispatch.Table {
	return dispatch.MustTable("describe", func(args dispatch.Args) (any, error) {
		return fmt.Sprintf("other:%v", args[0]), nil
	},
		&dispatch.Specialization{
			Name: "int",
			Guard: func(args dispatch.Args, _ *dispatch.Bound) (bool, error) {
				_, ok := args[0].(int)
				return ok, nil
			},
			Body: func(args dispatch.Args, _ *dispatch.Bound) (any, error) {
				return fmt.Sprintf("int:%d", args[0]), nil
			},
		},
		&dispatch.Specialization{
			Name: "name",
			Cached: func(args dispatch.Args) ([]any, error) {
				return []any{args[0]}, nil
			},
			Guard: func(args dispatch.Args, b *dispatch.Bound) (bool, error) {
				s, ok := args[0].(string)
				return ok && s == b.Value(0), nil
			},
			Assumptions: func() []*assumption.Assumption {
				return []*assumption.Assumption{names.Assumption()}
			},
			Limit: c.DispatchLimit(),
			Body: func(args dispatch.Args, b *dispatch.Bound) (any, error) {
				return fmt.Sprintf("name:%s", b.Value(0)), nil
			},
		},
		&dispatch.Specialization{
			Name:      "callable",
			Libraries: []dispatch.LibraryParam{{Source: librarytest.NewResolver(), Receiver: dispatch.FromArg(0)}},
			Limit:     c.DispatchLimit(),
			Guard: func(args dispatch.Args, _ *dispatch.Bound) (bool, error) {
				_, ok := args[0].(*librarytest.Something)
				return ok, nil
			},
			Body: func(args dispatch.Args, b *dispatch.Bound) (any, error) {
				return b.Library(0).(librarytest.Callable).Call(args[0]), nil
			},
		},
	)
}

func demoDispatch(out io.Writer, c *manifest.Config) error {
	fmt.Fprintf(out, "== dispatch (limit %d)\n", c.DispatchLimit().Resolve())

	names := assumption.NewCyclic("names")
	table := describeTable(c, names)
	sites := dispatch.NewSites()
	site := sites.GetOrCreate(1, table)

	receivers := make([]any, 0, 8)
	for _, n := range []string{"s1", "s2", "s3", "s4"} {
		receivers = append(receivers, librarytest.New(n))
	}
	calls := []any{1, 2, "alpha", "alpha", "beta"}
	calls = append(calls, receivers...)
	calls = append(calls, receivers[0], 3.5)

	run := func(arg any) error {
		res, err := site.Execute(arg)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "  %-12v -> %-14v [%s]\n", describeArg(arg), res, site.State())
		return nil
	}
	for _, arg := range calls {
		if err := run(arg); err != nil {
			return err
		}
	}

	fmt.Fprintf(out, "  invalidating %s\n", names.Assumption().Name())
	names.Invalidate()
	if err := run("alpha"); err != nil {
		return err
	}

	uncached := dispatch.New(table, false)
	res, err := uncached.Execute(receivers[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "  uncached %v -> %v\n", describeArg(receivers[0]), res)

	stats := sites.Stats()
	fmt.Fprintf(out, "  sites=%d hits=%d misses=%d generic=%d hit-rate=%.1f%%\n",
		stats.TotalSites, stats.TotalHits, stats.TotalMisses, stats.GenericCalls, stats.HitRate)
	return nil
}

func describeArg(arg any) string {
	if s, ok := arg.(*librarytest.Something); ok {
		return "<" + s.Name + ">"
	}
	return fmt.Sprint(arg)
}

func demoSlots(out io.Writer, c *manifest.Config) {
	fmt.Fprintln(out, "== library slots")
	resolver := librarytest.NewResolver()
	limit := c.DispatchLimit()
	left := library.NewSlot(resolver, limit.Resolve)
	right := library.NewSlot(resolver, limit.Resolve)

	a, b := librarytest.New("a"), librarytest.New("b")
	others := []*librarytest.Something{librarytest.New("c"), librarytest.New("d"), librarytest.New("e")}
	for _, r := range others {
		left.Get(r).Call(r)
	}
	for _, pair := range [][2]*librarytest.Something{{a, a}, {a, b}, {b, a}, {b, b}} {
		l := left.Get(pair[0]).Call(pair[0])
		r := right.Get(pair[1]).Call(pair[1])
		fmt.Fprintf(out, "  (%s, %s) -> %s %s\n", pair[0].Name, pair[1].Name, l, r)
	}
	fmt.Fprintf(out, "  left generic=%t right generic=%t right cached=%d\n", left.Generic(), right.Generic(), right.Len())
}

func demoDeopt(out io.Writer, c *manifest.Config) error {
	fmt.Fprintln(out, "== deoptimization")

	specs := speclog.New(c.SpeculationLog.MaxFailures)
	if path := c.SpeculationLogPath(); path != "" {
		store, err := speclog.OpenStore(path)
		if err != nil {
			return err
		}
		defer store.Close()
		if err := specs.Attach(store); err != nil {
			return err
		}
	}

	stable := assumption.New("Point layout stable")
	cache := codecache.NewCache(0)
	unit, err := cache.Install(codecache.Unit{
		Name: "Point>>distanceTo:",
		Size: 256,
		Methods: []*codecache.MethodRef{
			{Class: "Point", Name: "x", File: "Point.mag", Lines: []codecache.LineEntry{{BCI: 0, Line: 12}}},
			{Class: "Point", Name: "distanceTo:", Params: []string{"Point"}},
		},
		Positions: codecache.Positions{
			3: {{Method: 0, BCI: 2}, {Method: 1, BCI: 17}},
		},
		Assumptions: []*assumption.Assumption{stable},
	})
	if err != nil {
		return err
	}

	opts := deopt.Options{TraceDeoptimization: c.Deoptimization.Trace, Speculations: specs}
	if opts.TraceDeoptimization {
		opts.Trace = out
	}
	coord := deopt.NewCoordinator(cache, opts)

	reason := speclog.Reason{Group: "BoundsCheck", Context: unit.Name()}
	speculation := specs.Speculate(reason)
	fmt.Fprintf(out, "  speculation: %s\n", speculation)

	generic := func(values []any) (any, error) {
		return fmt.Sprintf("generic distance from %v", values[0]), nil
	}
	failing, other := deopt.NewThread(), deopt.NewThread()
	if _, err := other.Push(unit, unit.Entry()+0x10, []any{"origin"}, generic); err != nil {
		return err
	}
	if _, err := failing.Push(unit, unit.Entry()+0x40, []any{"p"}, generic); err != nil {
		return err
	}

	code, err := deopt.Pack(deopt.ReasonBoundsCheckException, deopt.ActionInvalidateRecompile, 3)
	if err != nil {
		return err
	}
	res, err := coord.OnSpeculationFailure(failing, code, speculation)
	if err != nil {
		return err
	}
	value, err := res.Resume()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "  %s: invalidated=%t resumed with %q\n", code, res.Invalidated, value)
	fmt.Fprintf(out, "  may speculate on %s again: %t\n", reason, specs.MaySpeculate(reason))

	for _, f := range other.Safepoint() {
		v, err := f.Resume()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "  other thread deoptimized at safepoint, resumed with %q\n", v)
	}
	failing.Pop()
	other.Pop()

	freed := cache.Reclaim()
	stats := cache.Stats()
	fmt.Fprintf(out, "  reclaimed=%d installed=%d coordinator=%+v\n", len(freed), stats.Installed, coord.Stats())
	return nil
}
