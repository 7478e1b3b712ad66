// Package library resolves capability tables ("libraries") for receivers.
//
// A library is an operation table specialized to the concrete shape of a
// receiver. Receivers export libraries per shape; a Resolver finds the export
// for a receiver and produces either a cached instance bound to that
// receiver's shape or an uncached instance that looks everything up fresh.
package library

import (
	"fmt"
	"reflect"
	"sync"
)

// Library is a capability table. Accepts reports whether this instance can
// serve the given receiver; cached instances use it as their shape guard.
type Library interface {
	Accepts(receiver any) bool
}

// Shape identifies the concrete representation of a receiver. Shapes must
// be comparable.
type Shape any

// Shaped is implemented by receivers that report their own shape instead of
// relying on their Go type.
type Shaped interface {
	Shape() Shape
}

// ShapeOf returns the shape of a receiver: its own Shape() if it has one,
// otherwise its dynamic Go type.
func ShapeOf(receiver any) Shape {
	if s, ok := receiver.(Shaped); ok {
		return s.Shape()
	}
	return reflect.TypeOf(receiver)
}

// ShapeGuard is embedded by cached libraries that accept any receiver of the
// shape they were created for.
type ShapeGuard struct {
	shape Shape
}

// GuardShapeOf returns a ShapeGuard for the receiver's shape.
func GuardShapeOf(receiver any) ShapeGuard {
	return ShapeGuard{shape: ShapeOf(receiver)}
}

// Accepts reports whether receiver has the guarded shape.
func (g ShapeGuard) Accepts(receiver any) bool {
	return ShapeOf(receiver) == g.shape
}

// Export is what a receiver shape provides for a library.
type Export[L Library] struct {
	// Cached builds an instance for one receiver. The instance's Accepts
	// decides which later receivers it may serve.
	Cached func(receiver any) L
	// Uncached serves any receiver of the shape, doing its lookups per call.
	Uncached func(receiver any) L
}

// Source is the untyped view of a Resolver used by dispatch tables.
type Source interface {
	Name() string
	Bind(receiver any) Library
	Lookup(receiver any) Library
}

// Resolver maps receiver shapes to exports of a single library type.
type Resolver[L Library] struct {
	name string

	mu       sync.RWMutex
	exports  map[Shape]Export[L]
	fallback Export[L]
}

// NewResolver creates a resolver whose receivers without an export are
// served by def.
func NewResolver[L Library](name string, def Export[L]) *Resolver[L] {
	return &Resolver[L]{
		name:     name,
		exports:  make(map[Shape]Export[L]),
		fallback: def,
	}
}

// Name returns the library name.
func (r *Resolver[L]) Name() string {
	return r.name
}

// Export registers the export for a shape, replacing any previous one.
func (r *Resolver[L]) Export(shape Shape, e Export[L]) {
	if e.Cached == nil || e.Uncached == nil {
		panic(fmt.Sprintf("library %s: export for %v needs both cached and uncached forms", r.name, shape))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exports[shape] = e
}

func (r *Resolver[L]) lookupExport(receiver any) Export[L] {
	shape := ShapeOf(receiver)
	r.mu.RLock()
	e, ok := r.exports[shape]
	r.mu.RUnlock()
	if ok {
		return e
	}
	return r.fallback
}

// Create returns a cached library instance for receiver.
func (r *Resolver[L]) Create(receiver any) L {
	return r.lookupExport(receiver).Cached(receiver)
}

// Uncached returns an uncached library instance for receiver.
func (r *Resolver[L]) Uncached(receiver any) L {
	return r.lookupExport(receiver).Uncached(receiver)
}

// Bind implements Source.
func (r *Resolver[L]) Bind(receiver any) Library {
	return r.Create(receiver)
}

// Lookup implements Source.
func (r *Resolver[L]) Lookup(receiver any) Library {
	return r.Uncached(receiver)
}
