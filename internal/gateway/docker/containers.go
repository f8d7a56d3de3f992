package docker

import (
	"fastsdk/internal/apperrors"
	"sync"
	"time"
)

// tracked is a container this gateway started and has not yet removed.
type tracked struct {
	service   string
	endpoint  string
	startedAt time.Time
}

// containers tracks live job containers with thread-safe access.
type containers struct {
	mu   sync.RWMutex
	live map[string]tracked
}

func newContainers() *containers {
	return &containers{live: make(map[string]tracked)}
}

// track records a started container. Returns an error if the id is already tracked.
func (r *containers) track(id string, c tracked) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.live[id]; exists {
		return apperrors.Conflict("container", id, "container already tracked")
	}
	r.live[id] = c
	return nil
}

// release stops tracking a container. Returns the entry if it existed.
func (r *containers) release(id string) (tracked, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, exists := r.live[id]
	if exists {
		delete(r.live, id)
	}
	return c, exists
}

func (r *containers) get(id string) (tracked, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, exists := r.live[id]
	return c, exists
}

// ids returns the ids of all tracked containers.
func (r *containers) ids() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.live))
	for id := range r.live {
		ids = append(ids, id)
	}
	return ids
}

func (r *containers) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.live)
}
