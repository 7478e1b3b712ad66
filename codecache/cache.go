// Package codecache holds installed compiled units and answers the queries
// the deoptimization path needs: which unit owns an instruction pointer,
// and which inlined source positions a debug id stands for.
//
// Units occupy disjoint address ranges handed out by a bump allocator, so
// lookups are a binary search over units ordered by entry address.
package codecache

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"fortio.org/safecast"
	"github.com/tliron/commonlog"

	"github.com/chazu/specter/assumption"
	"github.com/chazu/specter/metrics"
)

var log = commonlog.GetLogger("specter.codecache")

// DefaultBase is the first address handed out by NewCache(0).
const DefaultBase CodePointer = 0x10000

const codeAlignment = 16

// Unit describes code to install.
type Unit struct {
	Name        string
	Size        int
	Methods     []*MethodRef
	Positions   Positions
	Assumptions []*assumption.Assumption
}

// Cache is the table of installed code.
type Cache struct {
	mu        sync.RWMutex
	next      CodePointer
	units     []*InstalledCode // ordered by entry address
	reclaimed uint64
}

// NewCache creates an empty cache allocating from base, or from
// DefaultBase when base is zero.
func NewCache(base CodePointer) *Cache {
	if base == 0 {
		base = DefaultBase
	}
	return &Cache{next: align(base)}
}

func align(p CodePointer) CodePointer {
	return (p + codeAlignment - 1) &^ (codeAlignment - 1)
}

// Install places u in the cache and registers it with u's assumptions. It
// fails if any assumption is already invalid.
func (c *Cache) Install(u Unit) (*InstalledCode, error) {
	if u.Name == "" {
		return nil, errors.New("codecache: install: unit has no name")
	}
	size, err := safecast.Conv[uint32](u.Size)
	if err != nil || size == 0 {
		return nil, fmt.Errorf("codecache: install %s: invalid size %d", u.Name, u.Size)
	}
	var encoded []byte
	if len(u.Positions) > 0 {
		encoded, err = MarshalPositions(u.Positions)
		if err != nil {
			return nil, fmt.Errorf("codecache: install %s: %w", u.Name, err)
		}
	}

	code := &InstalledCode{
		name:    u.Name,
		size:    size,
		methods: u.Methods,
		encoded: encoded,
	}
	for i, a := range u.Assumptions {
		if !a.Register(code) {
			for _, prev := range u.Assumptions[:i] {
				prev.Deregister(code)
			}
			code.invalidate(metrics.CauseInstall, "assumption invalid at install time")
			return nil, fmt.Errorf("codecache: install %s: %w", u.Name, assumption.ErrInvalidated)
		}
	}

	c.mu.Lock()
	code.entry = c.next
	c.next = align(c.next + CodePointer(size))
	c.units = append(c.units, code)
	c.mu.Unlock()

	log.Debugf("installed %s at %#x (%d bytes)", code.name, uintptr(code.entry), size)
	return code, nil
}

// LookupInstalledCode returns the unit whose range contains ip, or nil.
// Invalidated units are still found until they are reclaimed.
func (c *Cache) LookupInstalledCode(ip CodePointer) *InstalledCode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i := sort.Search(len(c.units), func(i int) bool {
		u := c.units[i]
		return u.entry+CodePointer(u.size) > ip
	})
	if i < len(c.units) && c.units[i].Contains(ip) {
		return c.units[i]
	}
	return nil
}

// LookupSourcePositions returns the inlining chain recorded for debugID in
// code, innermost first. It returns ErrNoPositions when nothing was
// recorded.
func (c *Cache) LookupSourcePositions(debugID int32, code *InstalledCode) (*SourcePosition, error) {
	if code == nil {
		return nil, ErrNoPositions
	}
	table, err := code.positions()
	if err != nil {
		return nil, err
	}
	frames, ok := table[debugID]
	if !ok || len(frames) == 0 {
		return nil, fmt.Errorf("codecache: %s debug id %d: %w", code.name, debugID, ErrNoPositions)
	}
	return chain(frames, code.methods)
}

// Reclaim removes invalidated units that no frame is executing and returns
// them.
func (c *Cache) Reclaim() []*InstalledCode {
	c.mu.Lock()
	defer c.mu.Unlock()

	var freed []*InstalledCode
	kept := c.units[:0]
	for _, u := range c.units {
		if !u.IsValid() && u.LiveFrames() <= 0 {
			freed = append(freed, u)
			continue
		}
		kept = append(kept, u)
	}
	for i := len(kept); i < len(c.units); i++ {
		c.units[i] = nil
	}
	c.units = kept
	c.reclaimed += uint64(len(freed))
	for _, u := range freed {
		log.Debugf("reclaimed %s", u.name)
	}
	return freed
}

// Units returns the installed units in address order.
func (c *Cache) Units() []*InstalledCode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*InstalledCode(nil), c.units...)
}

// Stats holds code cache counters.
type Stats struct {
	Installed   int    // units currently in the cache
	Valid       int    // of which valid
	Invalidated int    // of which invalidated, awaiting reclamation
	LiveFrames  int64  // frames executing installed units
	Reclaimed   uint64 // units removed so far
}

// Stats returns code cache counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := Stats{Installed: len(c.units), Reclaimed: c.reclaimed}
	for _, u := range c.units {
		if u.IsValid() {
			s.Valid++
		} else {
			s.Invalidated++
		}
		s.LiveFrames += u.LiveFrames()
	}
	return s
}
