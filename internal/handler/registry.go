// Package handler selects the codec/differ pair used to process a
// configuration's feeds. Configurations may name an alternate handler;
// unnamed or unknown handlers fall back to the built-in GTFS-Realtime
// pair.
package handler

import (
	"sync"

	"github.com/camsys/gtfs-realtime/internal/differ"
	"github.com/camsys/gtfs-realtime/internal/gtfsrt"
)

// Pair is the capability set a handler provides.
type Pair struct {
	Codec  gtfsrt.Codec
	Differ differ.Differ
}

// Factory builds a handler Pair.
type Factory func() Pair

// Registry maps handler names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry with the default GTFS-Realtime handler
// installed.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("", func() Pair {
		return Pair{Codec: gtfsrt.NewCodec(), Differ: differ.New()}
	})
	return r
}

// Register installs a factory under a handler name, replacing any
// previous registration.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Lookup returns a handler Pair for the given name, falling back to the
// default when the name is empty or unregistered.
func (r *Registry) Lookup(name string) Pair {
	r.mu.RLock()
	f, ok := r.factories[name]
	if !ok {
		f = r.factories[""]
	}
	r.mu.RUnlock()
	return f()
}
