package job

import (
	"fastsdk/internal/apperrors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Observer is notified after every successful transition of a job.
// Transitions of one job are observed in commit order, after the record lock
// is released, so an observer may transition the same job again; that
// transition is delivered once the current one has reached every observer.
// The snapshot is shared between observers: read it, never mutate it.
type Observer func(previous State, snapshot *Job)

type notice struct {
	previous State
	snapshot *Job
}

// record holds one job. Readers load the current snapshot without locking;
// writers serialize on mu and publish a fresh copy. Committed transitions
// queue in pending until a single goroutine delivers them.
type record struct {
	mu         sync.Mutex
	current    atomic.Pointer[Job]
	pending    []notice
	delivering bool
}

// Store is the in-memory owner of all Job records.
// Transition is the only way to mutate a stored job.
type Store struct {
	mu        sync.RWMutex
	records   map[string]*record
	observers []Observer
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		records: make(map[string]*record),
	}
}

// Observe registers an observer for all subsequent transitions.
func (s *Store) Observe(fn Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// Create stores a new job. The id must not be in use.
func (s *Store) Create(j *Job) error {
	if j == nil || j.ID == "" {
		return apperrors.Validation("id", "job ID is required")
	}
	if err := j.validate(); err != nil {
		return apperrors.Validation("state", err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[j.ID]; exists {
		return apperrors.Duplicate("job", j.ID)
	}
	r := &record{}
	r.current.Store(j.Clone())
	s.records[j.ID] = r
	return nil
}

// Transition atomically moves a job from expected to next and applies mutate
// to the new version. It fails with a StateError when the job is not in
// expected or the edge is illegal; on failure nothing is changed.
// next == expected performs an in-place update of a non-terminal job.
func (s *Store) Transition(id string, expected, next State, mutate func(*Job)) (*Job, error) {
	r := s.lookup(id)
	if r == nil {
		return nil, apperrors.NotFound("job", id)
	}

	r.mu.Lock()
	updated, err := r.apply(id, expected, next, mutate)
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	s.deliver(r)
	return updated.Clone(), nil
}

// apply performs the checked swap. The caller holds r.mu.
func (r *record) apply(id string, expected, next State, mutate func(*Job)) (*Job, error) {
	current := r.current.Load()
	if current == nil {
		return nil, apperrors.NotFound("job", id)
	}
	if current.State != expected {
		return nil, apperrors.State("job", id,
			fmt.Sprintf("expected state %s, found %s", expected, current.State))
	}
	if !CanTransition(expected, next) {
		return nil, apperrors.State("job", id,
			fmt.Sprintf("cannot move from %s to %s", expected, next))
	}

	updated := current.Clone()
	if mutate != nil {
		mutate(updated)
	}
	// mutate may not redirect the state or identity.
	updated.ID = current.ID
	updated.State = next
	now := time.Now()
	updated.UpdatedAt = now
	if next.Terminal() && updated.FinishedAt.IsZero() {
		updated.FinishedAt = now
	}
	if err := updated.validate(); err != nil {
		return nil, apperrors.State("job", id, err.Error())
	}

	r.current.Store(updated)
	r.pending = append(r.pending, notice{previous: current.State, snapshot: updated})
	return updated, nil
}

// deliver drains the record's queued transitions to the observers. Only one
// goroutine drains a record at a time; others return at once and leave their
// transitions to it, which also covers transitions made by an observer.
func (s *Store) deliver(r *record) {
	r.mu.Lock()
	if r.delivering {
		r.mu.Unlock()
		return
	}
	r.delivering = true
	defer func() {
		if p := recover(); p != nil {
			r.mu.Lock()
			r.delivering = false
			r.mu.Unlock()
			panic(p)
		}
	}()

	for len(r.pending) > 0 {
		n := r.pending[0]
		r.pending[0] = notice{}
		r.pending = r.pending[1:]
		r.mu.Unlock()

		for _, observe := range s.observersSnapshot() {
			observe(n.previous, n.snapshot)
		}
		r.mu.Lock()
	}
	r.delivering = false
	r.mu.Unlock()
}

// Get returns an immutable copy of the job.
func (s *Store) Get(id string) (*Job, error) {
	r := s.lookup(id)
	if r == nil {
		return nil, apperrors.NotFound("job", id)
	}
	current := r.current.Load()
	if current == nil {
		return nil, apperrors.NotFound("job", id)
	}
	return current.Clone(), nil
}

// List returns copies of every job, oldest first.
func (s *Store) List() []*Job {
	return s.collect(func(*Job) bool { return true })
}

// ListByState returns copies of the jobs currently in state, oldest first.
func (s *Store) ListByState(state State) []*Job {
	return s.collect(func(j *Job) bool { return j.State == state })
}

// Len returns the number of stored jobs.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Evict removes a settled job. A settled job accepts no further transitions,
// so its record lock is not needed.
func (s *Store) Evict(id string) error {
	r := s.lookup(id)
	if r == nil {
		return apperrors.NotFound("job", id)
	}
	current := r.current.Load()
	if current != nil && !current.Done() {
		return apperrors.State("job", id, fmt.Sprintf("cannot evict job in state %s", current.State))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.records[id] == r {
		delete(s.records, id)
	}
	return nil
}

// Sweep evicts settled jobs that finished more than ttl ago and returns their ids.
func (s *Store) Sweep(ttl time.Duration) []string {
	cutoff := time.Now().Add(-ttl)

	var expired []string
	for _, j := range s.List() {
		if j.Done() && !j.FinishedAt.IsZero() && j.FinishedAt.Before(cutoff) {
			expired = append(expired, j.ID)
		}
	}

	evicted := expired[:0]
	for _, id := range expired {
		if err := s.Evict(id); err == nil {
			evicted = append(evicted, id)
		}
	}
	return evicted
}

func (s *Store) lookup(id string) *record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records[id]
}

func (s *Store) observersSnapshot() []Observer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.observers
}

func (s *Store) collect(keep func(*Job) bool) []*Job {
	s.mu.RLock()
	records := make([]*record, 0, len(s.records))
	for _, r := range s.records {
		records = append(records, r)
	}
	s.mu.RUnlock()

	var out []*Job
	for _, r := range records {
		if current := r.current.Load(); current != nil && keep(current) {
			out = append(out, current.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *Job) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out
}
