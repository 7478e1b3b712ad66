package dispatch

// Node executes a dispatch table.
type Node interface {
	Execute(args ...any) (any, error)
}

// New returns a caching CallSite when cached is true, otherwise a stateless
// Uncached executor. Both produce the same results for the same inputs.
func New(t *Table, cached bool) Node {
	if cached {
		return NewCallSite(t)
	}
	return NewUncached(t)
}

// Uncached runs a table without keeping any state. Every call recomputes
// cached parameters and looks libraries up fresh. Rows replaced by another
// row are skipped, since the replacing row covers their inputs.
type Uncached struct {
	table *Table
}

// NewUncached returns the uncached executor for t. It is safe to share.
func NewUncached(t *Table) *Uncached {
	return &Uncached{table: t}
}

// Execute dispatches args. A declared rewrite error skips the row for this
// call only.
func (u *Uncached) Execute(args ...any) (any, error) {
	a := Args(args)
	for i, spec := range u.table.rows {
		if u.table.replaced[i] {
			continue
		}
		t, ok, err := u.table.uncachedTarget(i, a, nil)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		res, err := spec.Body(a, &t.bound)
		if err != nil && spec.RewriteOn != nil && spec.RewriteOn(err) {
			continue
		}
		return res, err
	}
	return u.table.noSpecialization(a)
}
