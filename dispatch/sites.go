package dispatch

import "sync"

// Sites holds the call sites of one compiled unit or node tree, keyed by a
// per-site identifier such as an instruction offset. Sites are created on
// first execution.
type Sites struct {
	mu    sync.RWMutex
	sites map[int]*CallSite
}

// NewSites creates an empty site table.
func NewSites() *Sites {
	return &Sites{
		sites: make(map[int]*CallSite),
	}
}

// GetOrCreate returns the site for id, creating it for t if needed.
func (s *Sites) GetOrCreate(id int, t *Table) *CallSite {
	s.mu.RLock()
	c := s.sites[id]
	s.mu.RUnlock()
	if c != nil {
		return c
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c := s.sites[id]; c != nil {
		return c
	}
	c = NewCallSite(t)
	s.sites[id] = c
	return c
}

// Get returns the site for id, or nil if none exists.
func (s *Sites) Get(id int) *CallSite {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sites[id]
}

// Remove destroys the site for id together with its entries.
func (s *Sites) Remove(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sites, id)
}

// Stats aggregates the counters of all sites.
type Stats struct {
	TotalSites      int     // sites created
	Empty           int     // sites without live entries
	Monomorphic     int     // sites with one live entry
	Polymorphic     int     // sites with several live entries
	Megamorphic     int     // sites with a generic row
	TotalHits       uint64  // calls served by cached entries
	TotalMisses     uint64  // calls that took the miss path
	GenericCalls    uint64  // calls served by uncached rows
	HitRate         float64 // overall hit rate percentage
	MonomorphicRate float64 // percentage of non-empty sites that are monomorphic
}

// Stats returns aggregate statistics.
func (s *Sites) Stats() Stats {
	var stats Stats

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.sites {
		cs := c.Stats()
		stats.TotalSites++
		switch cs.State {
		case CacheEmpty:
			stats.Empty++
		case CacheMonomorphic:
			stats.Monomorphic++
		case CachePolymorphic:
			stats.Polymorphic++
		case CacheMegamorphic:
			stats.Megamorphic++
		}
		stats.TotalHits += cs.Hits
		stats.TotalMisses += cs.Misses
		stats.GenericCalls += cs.GenericCalls
	}

	total := stats.TotalHits + stats.TotalMisses
	if total > 0 {
		stats.HitRate = float64(stats.TotalHits) * 100 / float64(total)
	}
	nonEmpty := stats.TotalSites - stats.Empty
	if nonEmpty > 0 {
		stats.MonomorphicRate = float64(stats.Monomorphic) * 100 / float64(nonEmpty)
	}
	return stats
}
