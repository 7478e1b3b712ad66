package dispatch

import (
	"sync"
	"sync/atomic"

	"github.com/chazu/specter/assumption"
	"github.com/chazu/specter/library"
	"github.com/chazu/specter/metrics"
)

// CacheState summarizes a call site the way inline caches are usually
// described.
type CacheState uint8

const (
	CacheEmpty       CacheState = iota // no live entries
	CacheMonomorphic                   // one live entry
	CachePolymorphic                   // several live entries
	CacheMegamorphic                   // some row went generic
)

func (s CacheState) String() string {
	switch s {
	case CacheEmpty:
		return "empty"
	case CacheMonomorphic:
		return "monomorphic"
	case CachePolymorphic:
		return "polymorphic"
	case CacheMegamorphic:
		return "megamorphic"
	default:
		return "unknown"
	}
}

// rowState is the per-row part of a site snapshot.
type rowState struct {
	excluded bool
	generic  bool
	live     []*Entry // candidates, in insertion order
	retired  []*Entry // excluded entries kept for inspection
}

// siteState is an immutable snapshot. Writers copy, modify and publish a
// new one; readers never see a partially built entry.
type siteState struct {
	rows []rowState
}

func (s *siteState) clone() *siteState {
	next := &siteState{rows: make([]rowState, len(s.rows))}
	copy(next.rows, s.rows)
	return next
}

// prune moves entries that have been excluded since the last write out of
// the live list and returns it.
func (r *rowState) prune() []*Entry {
	live := make([]*Entry, 0, len(r.live)+1)
	retired := r.retired
	for _, e := range r.live {
		if e.excluded.Load() {
			e.release()
			retired = append(retired, e)
			continue
		}
		live = append(live, e)
	}
	r.live = live
	r.retired = retired
	return live
}

func (r *rowState) retireAll() {
	for _, e := range r.live {
		e.excluded.Store(true)
		e.release()
	}
	r.retired = append(append([]*Entry(nil), r.retired...), r.live...)
	r.live = nil
}

// CallSite is the specialization cache for one static use of a table.
//
// Reads are lock-free. All mutations go through a single writer lock, so
// limits are enforced exactly and the generic transition of a row happens
// once.
type CallSite struct {
	table *Table
	slots [][]*library.Slot[library.Library] // by row, then parameter; nil unless dispatched

	mu    sync.Mutex
	state atomic.Pointer[siteState]

	hits         atomic.Uint64
	misses       atomic.Uint64
	genericCalls atomic.Uint64
}

// NewCallSite creates an empty call site for t. Rows declared with a fixed
// limit of zero start generic.
func NewCallSite(t *Table) *CallSite {
	st := &siteState{rows: make([]rowState, len(t.rows))}
	for i, s := range t.rows {
		if l, ok := s.Limit.(FixedLimit); ok && l <= 0 && s.cacheBearing() {
			st.rows[i].generic = true
		}
	}
	c := &CallSite{table: t, slots: make([][]*library.Slot[library.Library], len(t.rows))}
	for i, s := range t.rows {
		if !s.hasDispatched() {
			continue
		}
		c.slots[i] = make([]*library.Slot[library.Library], len(s.Libraries))
		for k, p := range s.Libraries {
			if p.Receiver.kind == receiverDispatched {
				c.slots[i][k] = library.NewSourceSlot(p.Source, p.Receiver.slotLimit)
			}
		}
	}
	c.state.Store(st)
	return c
}

func (c *CallSite) slotFor(row, param int, receiver any) library.Library {
	return c.slots[row][param].Get(receiver)
}

// withSlots returns base with the row's dispatched libraries looked up for
// args. Rows without dispatched parameters get base back unchanged.
func (c *CallSite) withSlots(row int, base Bound, args Args) (Bound, error) {
	slots := c.slots[row]
	if slots == nil {
		return base, nil
	}
	b := Bound{values: base.values, libs: make([]library.Library, len(slots))}
	copy(b.libs, base.libs)
	for k, p := range c.table.rows[row].Libraries {
		if slots[k] == nil {
			continue
		}
		recv, err := p.Receiver.resolve(args, b.values)
		if err != nil {
			return Bound{}, err
		}
		b.libs[k] = slots[k].Get(recv)
	}
	return b, nil
}

// Table returns the site's table.
func (c *CallSite) Table() *Table {
	return c.table
}

// Execute dispatches args through the site.
func (c *CallSite) Execute(args ...any) (any, error) {
	return c.execute(Args(args))
}

func (c *CallSite) execute(args Args) (any, error) {
	st := c.state.Load()
	for i := range st.rows {
		rs := &st.rows[i]
		if rs.excluded {
			continue
		}
		if rs.generic {
			t, ok, err := c.table.uncachedTarget(i, args, c.slotFor)
			if err != nil {
				return nil, err
			}
			if ok {
				return c.run(t, args)
			}
			continue
		}
		for _, e := range rs.live {
			b, ok, err := e.accepts(args)
			if err != nil {
				return nil, err
			}
			if ok {
				c.hits.Add(1)
				e.hits.Add(1)
				return c.run(target{row: i, entry: e, bound: b}, args)
			}
		}
	}

	c.misses.Add(1)
	t, ok, err := c.specialize(args)
	if err != nil {
		return nil, err
	}
	if !ok {
		return c.table.noSpecialization(args)
	}
	return c.run(t, args)
}

// run executes a dispatch target outside the writer lock. A declared
// rewrite error excludes the row and dispatches again; each retry removes
// a row, so retries are bounded by the table size.
func (c *CallSite) run(t target, args Args) (any, error) {
	spec := c.table.rows[t.row]
	if t.entry == nil {
		c.genericCalls.Add(1)
	}
	res, err := spec.Body(args, &t.bound)
	if err != nil && spec.RewriteOn != nil && spec.RewriteOn(err) {
		c.exclude(t.row, metrics.CauseRewrite)
		return c.execute(args)
	}
	return res, err
}

// specialize is the miss path. It walks the rows again under the writer
// lock and either finds a usable entry, creates one, or moves a full row to
// its uncached form.
func (c *CallSite) specialize(args Args) (target, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.state.Load()
	for i := range st.rows {
		rs := &st.rows[i]
		if rs.excluded {
			continue
		}
		if rs.generic {
			t, ok, err := c.table.uncachedTarget(i, args, c.slotFor)
			if err != nil || ok {
				return t, ok, err
			}
			continue
		}

		// A concurrent miss may have created a matching entry already.
		for _, e := range rs.live {
			b, ok, err := e.accepts(args)
			if err != nil {
				return target{}, false, err
			}
			if ok {
				return target{row: i, entry: e, bound: b}, true, nil
			}
		}

		spec := c.table.rows[i]
		var assumptions []*assumption.Assumption
		if spec.Assumptions != nil {
			assumptions = spec.Assumptions()
			if !assumption.AllValid(assumptions) {
				continue
			}
		}
		b, err := c.table.bind(i, args, true, c.slotFor)
		if err != nil {
			return target{}, false, err
		}
		if spec.Guard != nil {
			ok, err := spec.Guard(args, &b)
			if err != nil {
				return target{}, false, err
			}
			if !ok {
				continue
			}
		}

		next := st.clone()
		live := next.rows[i].prune()
		if len(live) >= c.table.limit(i) {
			if !spec.cacheBearing() {
				continue
			}
			c.goGeneric(next, i)
			c.state.Store(next)
			st = next
			t, ok, err := c.table.uncachedTarget(i, args, c.slotFor)
			if err != nil || ok {
				return t, ok, err
			}
			continue
		}

		e := &Entry{site: c, row: i, bound: b, assumptions: assumptions}
		if len(spec.Libraries) > 0 {
			e.kind = EntryLibrary
		}
		if !e.register() {
			continue
		}
		next.rows[i].live = append(live, e)
		c.applyReplaces(next, i)
		c.state.Store(next)
		metrics.SpecializationsCreated.WithLabelValues(c.table.name, spec.Name).Inc()
		return target{row: i, entry: e, bound: b}, true, nil
	}
	return target{}, false, nil
}

// goGeneric switches row i of next to its uncached form. Its entries are
// retired, not dropped, so the site can still be inspected.
func (c *CallSite) goGeneric(next *siteState, i int) {
	rs := &next.rows[i]
	rs.generic = true
	rs.retireAll()
	c.applyReplaces(next, i)
	name := c.table.rows[i].Name
	metrics.GenericTransitions.WithLabelValues(c.table.name, name).Inc()
	log.Debugf("%s.%s: limit reached, switching to uncached form", c.table.name, name)
}

func (c *CallSite) applyReplaces(next *siteState, i int) {
	for _, j := range c.table.replaces[i] {
		c.excludeRow(next, j, metrics.CauseReplaced)
	}
}

func (c *CallSite) excludeRow(next *siteState, j int, cause string) {
	rs := &next.rows[j]
	if rs.excluded {
		return
	}
	rs.excluded = true
	rs.retireAll()
	name := c.table.rows[j].Name
	metrics.Exclusions.WithLabelValues(c.table.name, name, cause).Inc()
	log.Debugf("%s.%s: excluded (%s)", c.table.name, name, cause)
}

func (c *CallSite) exclude(row int, cause string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.state.Load().clone()
	c.excludeRow(next, row, cause)
	c.state.Store(next)
}

// ForceGeneric switches every cache-bearing row to its uncached form.
func (c *CallSite) ForceGeneric() {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.state.Load().clone()
	for i, s := range c.table.rows {
		if s.cacheBearing() && !next.rows[i].generic {
			c.goGeneric(next, i)
		}
	}
	c.state.Store(next)
}

// ---------------------------------------------------------------------------
// Inspection
// ---------------------------------------------------------------------------

// AnyRowGeneric reports whether some row has switched to its uncached form.
// Other rows keep creating entries up to their own limits. Once true it
// stays true.
func (c *CallSite) AnyRowGeneric() bool {
	for _, rs := range c.state.Load().rows {
		if rs.generic {
			return true
		}
	}
	return false
}

func (c *CallSite) rowState(name string) (rowState, bool) {
	i, ok := c.table.index[name]
	if !ok {
		return rowState{}, false
	}
	return c.state.Load().rows[i], true
}

// RowGeneric reports whether the named row runs uncached.
func (c *CallSite) RowGeneric(name string) bool {
	rs, ok := c.rowState(name)
	return ok && rs.generic
}

// LibrarySlot returns the call site's slot for a dispatched library
// parameter of the named row, or nil if the parameter is not dispatched.
func (c *CallSite) LibrarySlot(row string, param int) *library.Slot[library.Library] {
	i, ok := c.table.index[row]
	if !ok || c.slots[i] == nil || param < 0 || param >= len(c.slots[i]) {
		return nil
	}
	return c.slots[i][param]
}

// RowExcluded reports whether the named row has been excluded.
func (c *CallSite) RowExcluded(name string) bool {
	rs, ok := c.rowState(name)
	return ok && rs.excluded
}

// Entries returns every entry ever created at the site, live and retired,
// grouped by row in priority order.
func (c *CallSite) Entries() []*Entry {
	var out []*Entry
	for _, rs := range c.state.Load().rows {
		out = append(out, rs.live...)
		out = append(out, rs.retired...)
	}
	return out
}

// LiveEntries counts entries that can still match.
func (c *CallSite) LiveEntries() int {
	n := 0
	for _, rs := range c.state.Load().rows {
		for _, e := range rs.live {
			if !e.Excluded() {
				n++
			}
		}
	}
	return n
}

// State returns the inline-cache style summary of the site.
func (c *CallSite) State() CacheState {
	if c.AnyRowGeneric() {
		return CacheMegamorphic
	}
	switch c.LiveEntries() {
	case 0:
		return CacheEmpty
	case 1:
		return CacheMonomorphic
	default:
		return CachePolymorphic
	}
}

// SiteStats holds counters for one call site.
type SiteStats struct {
	State        CacheState
	LiveEntries  int
	Hits         uint64 // calls served by a cached entry
	Misses       uint64 // calls that took the miss path
	GenericCalls uint64 // calls served by an uncached row
}

// Stats returns the site's counters.
func (c *CallSite) Stats() SiteStats {
	return SiteStats{
		State:        c.State(),
		LiveEntries:  c.LiveEntries(),
		Hits:         c.hits.Load(),
		Misses:       c.misses.Load(),
		GenericCalls: c.genericCalls.Load(),
	}
}

// HitRate returns the cache hit rate as a percentage (0-100).
func (s SiteStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) * 100 / float64(total)
}
