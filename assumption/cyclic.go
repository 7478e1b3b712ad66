package assumption

import (
	"fmt"
	"sync/atomic"
)

// Cyclic hands out one Assumption per epoch of an invariant. Invalidating it
// kills the current epoch and installs a fresh, valid assumption for the
// next one, so code specialized later can depend on the new epoch without
// ever seeing the old one become valid again.
type Cyclic struct {
	name    string
	epoch   atomic.Uint64
	current atomic.Pointer[Assumption]
}

// NewCyclic creates a cyclic assumption starting at epoch 0.
func NewCyclic(name string) *Cyclic {
	c := &Cyclic{name: name}
	c.current.Store(New(c.epochName(0)))
	return c
}

// Assumption returns the assumption for the current epoch.
func (c *Cyclic) Assumption() *Assumption {
	return c.current.Load()
}

// Epoch returns the number of completed invalidations.
func (c *Cyclic) Epoch() uint64 {
	return c.epoch.Load()
}

// Invalidate ends the current epoch.
func (c *Cyclic) Invalidate() {
	c.InvalidateWithReason("")
}

// InvalidateWithReason ends the current epoch with a diagnostic message.
// The replacement is published before the old assumption is invalidated, so
// dependents reacting to the invalidation already observe the new epoch.
func (c *Cyclic) InvalidateWithReason(reason string) {
	for {
		old := c.current.Load()
		next := New(c.epochName(c.epoch.Load() + 1))
		if c.current.CompareAndSwap(old, next) {
			c.epoch.Add(1)
			old.InvalidateWithReason(reason)
			return
		}
	}
}

func (c *Cyclic) epochName(epoch uint64) string {
	return fmt.Sprintf("%s#%d", c.name, epoch)
}
