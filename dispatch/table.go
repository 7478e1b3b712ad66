package dispatch

import (
	"fmt"

	"github.com/chazu/specter/assumption"
	"github.com/chazu/specter/library"
)

// Table is an immutable, ordered set of specialization rows for one
// operation. Many call sites may share a table.
type Table struct {
	name     string
	rows     []*Specialization
	index    map[string]int
	replaces [][]int // transitive closure of Replaces, by row
	replaced []bool  // row is replaced by some other row
	fallback FallbackFunc
}

// NewTable validates rows and builds a table. fallback may be nil.
func NewTable(name string, fallback FallbackFunc, rows ...*Specialization) (*Table, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("dispatch: table %s has no specializations", name)
	}
	t := &Table{
		name:     name,
		rows:     rows,
		index:    make(map[string]int, len(rows)),
		replaces: make([][]int, len(rows)),
		replaced: make([]bool, len(rows)),
		fallback: fallback,
	}
	for i, r := range rows {
		if r == nil || r.Name == "" {
			return nil, fmt.Errorf("dispatch: table %s: row %d has no name", name, i)
		}
		if r.Body == nil {
			return nil, fmt.Errorf("dispatch: table %s: row %s has no body", name, r.Name)
		}
		if _, dup := t.index[r.Name]; dup {
			return nil, fmt.Errorf("dispatch: table %s: duplicate row %s", name, r.Name)
		}
		for k, p := range r.Libraries {
			if p.Source == nil {
				return nil, fmt.Errorf("dispatch: table %s: row %s library %d has no source", name, r.Name, k)
			}
			if p.Receiver.kind != receiverConstant && p.Receiver.index < 0 {
				return nil, fmt.Errorf("dispatch: table %s: row %s library %d has a negative receiver index", name, r.Name, k)
			}
		}
		t.index[r.Name] = i
	}

	direct := make([][]int, len(rows))
	for i, r := range rows {
		for _, target := range r.Replaces {
			j, ok := t.index[target]
			if !ok {
				return nil, fmt.Errorf("dispatch: table %s: row %s replaces unknown row %s", name, r.Name, target)
			}
			if j == i {
				return nil, fmt.Errorf("dispatch: table %s: row %s replaces itself", name, r.Name)
			}
			direct[i] = append(direct[i], j)
		}
	}
	for i := range rows {
		t.replaces[i] = closure(direct, i)
		for _, j := range t.replaces[i] {
			t.replaced[j] = true
		}
	}
	return t, nil
}

// MustTable is NewTable for statically declared tables. It panics on error.
func MustTable(name string, fallback FallbackFunc, rows ...*Specialization) *Table {
	t, err := NewTable(name, fallback, rows...)
	if err != nil {
		panic(err)
	}
	return t
}

func closure(direct [][]int, from int) []int {
	seen := map[int]bool{from: true}
	var out []int
	stack := append([]int(nil), direct[from]...)
	for len(stack) > 0 {
		j := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[j] {
			continue
		}
		seen[j] = true
		out = append(out, j)
		stack = append(stack, direct[j]...)
	}
	return out
}

// Name returns the table name.
func (t *Table) Name() string {
	return t.name
}

// RowNames returns the row names in priority order.
func (t *Table) RowNames() []string {
	names := make([]string, len(t.rows))
	for i, r := range t.rows {
		names[i] = r.Name
	}
	return names
}

func (t *Table) limit(row int) int {
	s := t.rows[row]
	if !s.cacheBearing() {
		return 1
	}
	if s.Limit == nil {
		return DefaultLimit
	}
	return s.Limit.Resolve()
}

// slotFunc returns the library of a dispatched parameter for one call.
type slotFunc func(row, param int, receiver any) library.Library

// bind computes the bound state of row for args. Cached binding asks each
// source for an instance tied to the receiver; uncached binding asks for a
// per-call lookup. Dispatched parameters go through slots when given.
func (t *Table) bind(row int, args Args, cached bool, slots slotFunc) (Bound, error) {
	s := t.rows[row]
	var b Bound
	if s.Cached != nil {
		values, err := s.Cached(args)
		if err != nil {
			return Bound{}, err
		}
		b.values = values
	}
	if len(s.Libraries) > 0 {
		b.libs = make([]library.Library, len(s.Libraries))
		for k, p := range s.Libraries {
			recv, err := p.Receiver.resolve(args, b.values)
			if err != nil {
				return Bound{}, err
			}
			switch {
			case p.Receiver.kind == receiverDispatched && slots != nil:
				b.libs[k] = slots(row, k, recv)
			case cached:
				b.libs[k] = p.Source.Bind(recv)
			default:
				b.libs[k] = p.Source.Lookup(recv)
			}
		}
	}
	return b, nil
}

// uncachedTarget checks whether row applies to args in its uncached form.
// Assumptions are checked first so no guard code runs for a dead row.
func (t *Table) uncachedTarget(row int, args Args, slots slotFunc) (target, bool, error) {
	s := t.rows[row]
	if s.Assumptions != nil && !assumption.AllValid(s.Assumptions()) {
		return target{}, false, nil
	}
	b, err := t.bind(row, args, false, slots)
	if err != nil {
		return target{}, false, err
	}
	if s.Guard != nil {
		ok, err := s.Guard(args, &b)
		if err != nil || !ok {
			return target{}, false, err
		}
	}
	return target{row: row, bound: b}, true, nil
}

func (t *Table) noSpecialization(args Args) (any, error) {
	if t.fallback != nil {
		return t.fallback(args)
	}
	return nil, fmt.Errorf("%w: %s%v", ErrNoSpecialization, t.name, []any(args))
}

// target is a resolved dispatch decision: an entry, or a row's uncached
// form, with the bound state for this call.
type target struct {
	row   int
	entry *Entry
	bound Bound
}
