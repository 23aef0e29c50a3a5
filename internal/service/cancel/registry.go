// Package cancel tracks stop requests for in-flight turns.
package cancel

import (
	"sync"
	"sync/atomic"
)

// Registry is a concurrency-safe set of message ids marked for early
// termination. Construct one per orchestrator; tests build their own.
type Registry struct {
	marks sync.Map
	size  atomic.Int64
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Mark records a stop request for id. Marking an id twice, or an id no
// session will ever own, is harmless.
func (r *Registry) Mark(id string) {
	if id == "" {
		return
	}
	if _, loaded := r.marks.LoadOrStore(id, struct{}{}); !loaded {
		r.size.Add(1)
	}
}

// CheckAndClear reports whether id was marked and removes the mark in the
// same step, so each mark fires at most once.
func (r *Registry) CheckAndClear(id string) bool {
	if _, loaded := r.marks.LoadAndDelete(id); loaded {
		r.size.Add(-1)
		return true
	}
	return false
}

// Len returns the number of outstanding marks.
func (r *Registry) Len() int {
	return int(r.size.Load())
}
