package streamwatcher

import (
	"sync"

	"go.uber.org/zap"
)

// Registry owns one Watcher per stream file path, matching spec §4.E's
// "one watcher per stream file; multiple subscribers share it".
type Registry struct {
	logger *zap.Logger

	mu       sync.Mutex
	watchers map[string]*Watcher
}

// NewRegistry creates an empty watcher registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{logger: logger, watchers: make(map[string]*Watcher)}
}

// Subscribe attaches sub to the watcher for path, creating one if needed.
// The returned function unsubscribes.
func (r *Registry) Subscribe(path string, sub Subscriber) (func(), error) {
	r.mu.Lock()
	w, ok := r.watchers[path]
	if !ok {
		w = newWatcher(path, r.logger, func() { r.forget(path, w) })
		r.watchers[path] = w
	}
	r.mu.Unlock()

	return w.subscribe(sub)
}

func (r *Registry) forget(path string, w *Watcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.watchers[path] == w {
		delete(r.watchers, path)
	}
}
