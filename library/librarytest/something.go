// Package librarytest provides a small exported library and receiver type
// for exercising caches in tests and demos.
package librarytest

import (
	"github.com/chazu/specter/library"
)

// Callable is a library with a single message.
type Callable interface {
	library.Library
	Call(receiver any) string
}

// Something is a receiver that exports Callable. Its cached instances are
// identity-bound: each one accepts only the exact receiver it was created
// for, which makes caches easy to overflow.
type Something struct {
	Name string
}

// New returns a named receiver.
func New(name string) *Something {
	return &Something{Name: name}
}

func (s *Something) label(suffix string) string {
	if s.Name == "" {
		return suffix
	}
	return s.Name + "_" + suffix
}

type cachedSomething struct {
	receiver *Something
}

func (c *cachedSomething) Accepts(receiver any) bool {
	s, ok := receiver.(*Something)
	return ok && s == c.receiver
}

func (c *cachedSomething) Call(receiver any) string {
	return receiver.(*Something).label("cached")
}

type uncachedSomething struct{}

func (uncachedSomething) Accepts(receiver any) bool {
	_, ok := receiver.(*Something)
	return ok
}

func (uncachedSomething) Call(receiver any) string {
	return receiver.(*Something).label("uncached")
}

type defaultCallable struct {
	library.ShapeGuard
}

func (defaultCallable) Call(any) string {
	return "default"
}

// NewResolver returns a Callable resolver with *Something exported and a
// default export answering "default" for everything else.
func NewResolver() *library.Resolver[Callable] {
	r := library.NewResolver[Callable]("Callable", library.Export[Callable]{
		Cached: func(receiver any) Callable {
			return defaultCallable{ShapeGuard: library.GuardShapeOf(receiver)}
		},
		Uncached: func(receiver any) Callable {
			return defaultCallable{ShapeGuard: library.GuardShapeOf(receiver)}
		},
	})
	r.Export(library.ShapeOf(&Something{}), library.Export[Callable]{
		Cached: func(receiver any) Callable {
			return &cachedSomething{receiver: receiver.(*Something)}
		},
		Uncached: func(any) Callable {
			return uncachedSomething{}
		},
	})
	return r
}
