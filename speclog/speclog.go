// Package speclog records speculations made by compiled code and which of
// them failed, so that recompilation stops speculating on reasons that
// already proved wrong.
package speclog

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"github.com/chazu/specter/metrics"
)

var log = commonlog.GetLogger("specter.speclog")

// ErrUnknownSpeculation is returned for a speculation this log never issued.
var ErrUnknownSpeculation = errors.New("unknown speculation")

// DefaultMaxFailures is how many failures a reason may accumulate before
// the log refuses further speculation on it.
const DefaultMaxFailures = 1

// Reason identifies what a speculation assumes: a group (the kind of
// check) and a context (where it applies).
type Reason struct {
	Group   string
	Context string
}

func (r Reason) String() string {
	if r.Context == "" {
		return r.Group
	}
	return r.Group + "@" + r.Context
}

// Speculation is an issued speculation. The zero value is NoSpeculation.
type Speculation struct {
	ID     uuid.UUID
	Reason Reason
}

// NoSpeculation is passed when a failure is not tied to a speculation.
var NoSpeculation = Speculation{}

// IsNone reports whether s is NoSpeculation.
func (s Speculation) IsNone() bool {
	return s.ID == uuid.Nil
}

func (s Speculation) String() string {
	if s.IsNone() {
		return "none"
	}
	return fmt.Sprintf("%s[%s]", s.Reason, s.ID)
}

// Failure is the failure record for one reason.
type Failure struct {
	Reason   Reason
	Count    int
	LastID   uuid.UUID
	FailedAt time.Time
}

// Log is a speculation log. It is safe for concurrent use.
type Log struct {
	maxFailures int

	mu       sync.RWMutex
	issued   map[uuid.UUID]Reason
	failures map[Reason]*Failure
	store    *Store
}

// New creates an empty log. maxFailures <= 0 means DefaultMaxFailures.
func New(maxFailures int) *Log {
	if maxFailures <= 0 {
		maxFailures = DefaultMaxFailures
	}
	return &Log{
		maxFailures: maxFailures,
		issued:      make(map[uuid.UUID]Reason),
		failures:    make(map[Reason]*Failure),
	}
}

// Attach loads the failures persisted in store and writes later failures
// through to it.
func (l *Log) Attach(store *Store) error {
	loaded, err := store.LoadFailures()
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range loaded {
		f := loaded[i]
		l.failures[f.Reason] = &f
	}
	l.store = store
	log.Debugf("loaded %d failed speculation reasons", len(loaded))
	return nil
}

// MaySpeculate reports whether r has not yet failed too often.
func (l *Log) MaySpeculate(r Reason) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	f := l.failures[r]
	return f == nil || f.Count < l.maxFailures
}

// Speculate issues a speculation on r, or returns NoSpeculation if the log
// advises against it.
func (l *Log) Speculate(r Reason) Speculation {
	if !l.MaySpeculate(r) {
		return NoSpeculation
	}
	s := Speculation{ID: uuid.New(), Reason: r}
	l.mu.Lock()
	l.issued[s.ID] = r
	l.mu.Unlock()
	return s
}

// RecordFailure records that s failed. Recording NoSpeculation does
// nothing.
func (l *Log) RecordFailure(s Speculation) error {
	if s.IsNone() {
		return nil
	}

	l.mu.Lock()
	r, ok := l.issued[s.ID]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("speclog: %s: %w", s.ID, ErrUnknownSpeculation)
	}
	f := l.failures[r]
	if f == nil {
		f = &Failure{Reason: r}
		l.failures[r] = f
	}
	f.Count++
	f.LastID = s.ID
	f.FailedAt = time.Now()
	record := *f
	store := l.store
	l.mu.Unlock()

	metrics.SpeculationFailures.WithLabelValues(r.Group).Inc()
	log.Infof("speculation %s failed (%d times)", r, record.Count)
	if store != nil {
		return store.SaveFailure(record)
	}
	return nil
}

// Failures returns the failure records ordered by reason.
func (l *Log) Failures() []Failure {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Failure, 0, len(l.failures))
	for _, f := range l.failures {
		out = append(out, *f)
	}
	sortFailures(out)
	return out
}

func sortFailures(fs []Failure) {
	sort.Slice(fs, func(i, j int) bool {
		if fs[i].Reason.Group != fs[j].Reason.Group {
			return fs[i].Reason.Group < fs[j].Reason.Group
		}
		return fs[i].Reason.Context < fs[j].Reason.Context
	})
}
