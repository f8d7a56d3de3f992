package job

import (
	"errors"
	"fastsdk/internal/apperrors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newStoredJob(t *testing.T, s *Store, id string) {
	t.Helper()
	if err := s.Create(New(id, "svc", "ep", Params{"a": 1}, time.Now().Add(time.Minute))); err != nil {
		t.Fatalf("Create(%s) error = %v", id, err)
	}
}

func TestStore_CreateDuplicate(t *testing.T) {
	t.Parallel()
	s := NewStore()
	newStoredJob(t, s, "job-1")

	err := s.Create(New("job-1", "svc", "ep", nil, time.Time{}))
	if !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("Create() duplicate error = %v, want ErrConflict", err)
	}
}

func TestStore_CreateRequiresID(t *testing.T) {
	t.Parallel()
	err := NewStore().Create(New("", "svc", "ep", nil, time.Time{}))
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("Create() error = %v, want ErrValidation", err)
	}
}

func TestStore_TransitionHappyPath(t *testing.T) {
	t.Parallel()
	s := NewStore()
	newStoredJob(t, s, "job-1")

	path := []State{StateSubmitted, StateDispatching, StatePolling}
	from := StateCreated
	for _, to := range path {
		if _, err := s.Transition("job-1", from, to, nil); err != nil {
			t.Fatalf("Transition(%s -> %s) error = %v", from, to, err)
		}
		from = to
	}

	j, err := s.Transition("job-1", StatePolling, StateSucceeded, func(j *Job) { j.Result = "ok" })
	if err != nil {
		t.Fatalf("Transition(polling -> succeeded) error = %v", err)
	}
	if j.Result != "ok" || j.FinishedAt.IsZero() {
		t.Errorf("unexpected final job: result=%v finishedAt=%v", j.Result, j.FinishedAt)
	}
}

func TestStore_TransitionRejectsWrongExpectedState(t *testing.T) {
	t.Parallel()
	s := NewStore()
	newStoredJob(t, s, "job-1")

	mutated := false
	_, err := s.Transition("job-1", StateSubmitted, StateDispatching, func(j *Job) { mutated = true })
	if !errors.Is(err, apperrors.ErrState) {
		t.Fatalf("Transition() error = %v, want ErrState", err)
	}
	if mutated {
		t.Error("mutate ran for a rejected transition")
	}

	j, _ := s.Get("job-1")
	if j.State != StateCreated {
		t.Errorf("State = %s, want created", j.State)
	}
}

func TestStore_TransitionRejectsIllegalEdge(t *testing.T) {
	t.Parallel()
	s := NewStore()
	newStoredJob(t, s, "job-1")

	_, err := s.Transition("job-1", StateCreated, StateSucceeded, func(j *Job) { j.Result = "x" })
	if !errors.Is(err, apperrors.ErrState) {
		t.Fatalf("Transition() error = %v, want ErrState", err)
	}
}

func TestStore_TransitionEnforcesOutcomeInvariant(t *testing.T) {
	t.Parallel()
	s := NewStore()
	newStoredJob(t, s, "job-1")
	_, _ = s.Transition("job-1", StateCreated, StateSubmitted, nil)
	_, _ = s.Transition("job-1", StateSubmitted, StateDispatching, nil)

	// failed without an error must be refused
	if _, err := s.Transition("job-1", StateDispatching, StateFailed, nil); !errors.Is(err, apperrors.ErrState) {
		t.Fatalf("Transition() error = %v, want ErrState", err)
	}
	j, _ := s.Get("job-1")
	if j.State != StateDispatching {
		t.Errorf("State = %s, want dispatching after refused transition", j.State)
	}
}

func TestStore_TransitionRejectsOutcomeOnRunningJob(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Job)
	}{
		{"result", func(j *Job) { j.Result = "early" }},
		{"error", func(j *Job) { j.Err = apperrors.Service("poll", 500, "boom") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStore()
			newStoredJob(t, s, "job-1")
			_, _ = s.Transition("job-1", StateCreated, StateSubmitted, nil)
			_, _ = s.Transition("job-1", StateSubmitted, StateDispatching, nil)
			_, _ = s.Transition("job-1", StateDispatching, StatePolling, nil)

			if _, err := s.Transition("job-1", StatePolling, StatePolling, tt.mutate); !errors.Is(err, apperrors.ErrState) {
				t.Fatalf("Transition() error = %v, want ErrState", err)
			}
			j, _ := s.Get("job-1")
			if j.Result != nil || j.Err != nil {
				t.Errorf("refused update leaked: result=%v err=%v", j.Result, j.Err)
			}
		})
	}
}

func TestStore_CompensatingKeepsFailure(t *testing.T) {
	t.Parallel()
	s := NewStore()
	newStoredJob(t, s, "job-1")
	_, _ = s.Transition("job-1", StateCreated, StateSubmitted, nil)
	_, _ = s.Transition("job-1", StateSubmitted, StateDispatching, nil)
	if _, err := s.Transition("job-1", StateDispatching, StateFailed, func(j *Job) {
		j.Err = apperrors.Service("dispatch", 400, "rejected")
		j.CompensationPending = true
	}); err != nil {
		t.Fatalf("Transition(failed) error = %v", err)
	}

	j, err := s.Transition("job-1", StateFailed, StateCompensating, nil)
	if err != nil {
		t.Fatalf("Transition(compensating) error = %v", err)
	}
	if !errors.Is(j.Err, apperrors.ErrService) {
		t.Errorf("Err = %v, want the original service error", j.Err)
	}
}

func TestStore_MutateCannotChangeState(t *testing.T) {
	t.Parallel()
	s := NewStore()
	newStoredJob(t, s, "job-1")

	j, err := s.Transition("job-1", StateCreated, StateSubmitted, func(j *Job) {
		j.State = StateSucceeded
		j.ID = "other"
	})
	if err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if j.State != StateSubmitted || j.ID != "job-1" {
		t.Errorf("mutate redirected job: state=%s id=%s", j.State, j.ID)
	}
}

func TestStore_GetReturnsIsolatedCopy(t *testing.T) {
	t.Parallel()
	s := NewStore()
	newStoredJob(t, s, "job-1")

	j, _ := s.Get("job-1")
	j.State = StateSucceeded
	j.Params["a"] = 2
	j.Steps[0].Status = StepFailed

	again, _ := s.Get("job-1")
	if again.State != StateCreated || again.Params["a"] != 1 || again.Steps[0].Status != StepPending {
		t.Errorf("mutating a snapshot changed the stored job: %+v", again)
	}
}

func TestStore_ConcurrentCASHasSingleWinner(t *testing.T) {
	t.Parallel()
	s := NewStore()
	newStoredJob(t, s, "job-1")
	_, _ = s.Transition("job-1", StateCreated, StateSubmitted, nil)

	var wins atomic.Int64
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			next := StateDispatching
			if i%2 == 0 {
				next = StateCancelling
			}
			if _, err := s.Transition("job-1", StateSubmitted, next, nil); err == nil {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("winners = %d, want exactly 1", wins.Load())
	}
}

func TestStore_ObserverSeesEveryTransitionInOrder(t *testing.T) {
	t.Parallel()
	s := NewStore()

	var mu sync.Mutex
	var seen []string
	s.Observe(func(prev State, snap *Job) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, fmt.Sprintf("%s>%s", prev, snap.State))
	})

	newStoredJob(t, s, "job-1")
	_, _ = s.Transition("job-1", StateCreated, StateSubmitted, nil)
	_, _ = s.Transition("job-1", StateSubmitted, StateDispatching, nil)
	_, _ = s.Transition("job-1", StateDispatching, StateDispatching, func(j *Job) { j.RemoteID = "r-1" })
	_, _ = s.Transition("job-1", StateDispatching, StateCancelling, nil)
	_, _ = s.Transition("job-1", StateCancelling, StateCancelled, func(j *Job) { j.Err = apperrors.Cancelled("job", j.ID) })

	want := []string{
		"created>submitted",
		"submitted>dispatching",
		"dispatching>dispatching",
		"dispatching>cancelling",
		"cancelling>cancelled",
	}
	mu.Lock()
	defer mu.Unlock()
	if fmt.Sprint(seen) != fmt.Sprint(want) {
		t.Errorf("observed %v, want %v", seen, want)
	}
}

func TestStore_ObserverMayReadStore(t *testing.T) {
	t.Parallel()
	s := NewStore()
	var states []State
	s.Observe(func(prev State, snap *Job) {
		j, err := s.Get(snap.ID)
		if err == nil {
			states = append(states, j.State)
		}
	})

	newStoredJob(t, s, "job-1")
	_, _ = s.Transition("job-1", StateCreated, StateSubmitted, nil)

	if len(states) != 1 || states[0] != StateSubmitted {
		t.Errorf("observer read %v, want [submitted]", states)
	}
}

func TestStore_ListByState(t *testing.T) {
	t.Parallel()
	s := NewStore()
	for i := range 3 {
		newStoredJob(t, s, fmt.Sprintf("job-%d", i))
	}
	_, _ = s.Transition("job-1", StateCreated, StateSubmitted, nil)

	created := s.ListByState(StateCreated)
	if len(created) != 2 || created[0].ID != "job-0" || created[1].ID != "job-2" {
		t.Errorf("ListByState(created) = %v", ids(created))
	}
	if submitted := s.ListByState(StateSubmitted); len(submitted) != 1 {
		t.Errorf("ListByState(submitted) = %v", ids(submitted))
	}
	if len(s.List()) != 3 {
		t.Errorf("List() returned %d jobs, want 3", len(s.List()))
	}
}

func TestStore_Evict(t *testing.T) {
	t.Parallel()
	s := NewStore()
	newStoredJob(t, s, "job-1")

	if err := s.Evict("job-1"); !errors.Is(err, apperrors.ErrState) {
		t.Fatalf("Evict() on live job = %v, want ErrState", err)
	}

	_, _ = s.Transition("job-1", StateCreated, StateCancelling, nil)
	_, _ = s.Transition("job-1", StateCancelling, StateCancelled, func(j *Job) { j.Err = apperrors.Cancelled("job", j.ID) })

	if err := s.Evict("job-1"); err != nil {
		t.Fatalf("Evict() error = %v", err)
	}
	if _, err := s.Get("job-1"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Get() after evict = %v, want ErrNotFound", err)
	}
	if err := s.Evict("job-1"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("second Evict() = %v, want ErrNotFound", err)
	}
}

func TestStore_EvictRefusesPendingCompensation(t *testing.T) {
	t.Parallel()
	s := NewStore()
	newStoredJob(t, s, "job-1")
	_, _ = s.Transition("job-1", StateCreated, StateSubmitted, nil)
	_, _ = s.Transition("job-1", StateSubmitted, StateDispatching, nil)
	_, _ = s.Transition("job-1", StateDispatching, StateFailed, func(j *Job) {
		j.Err = apperrors.Service("dispatch", 400, "rejected")
		j.CompensationPending = true
	})

	if err := s.Evict("job-1"); !errors.Is(err, apperrors.ErrState) {
		t.Fatalf("Evict() = %v, want ErrState while compensation is pending", err)
	}
}

func TestStore_Sweep(t *testing.T) {
	t.Parallel()
	s := NewStore()
	newStoredJob(t, s, "old")
	newStoredJob(t, s, "live")

	_, _ = s.Transition("old", StateCreated, StateCancelling, nil)
	_, _ = s.Transition("old", StateCancelling, StateCancelled, func(j *Job) { j.Err = apperrors.Cancelled("job", j.ID) })

	if evicted := s.Sweep(time.Hour); len(evicted) != 0 {
		t.Fatalf("Sweep(1h) evicted %v, want none", evicted)
	}

	time.Sleep(5 * time.Millisecond)
	evicted := s.Sweep(time.Millisecond)
	if len(evicted) != 1 || evicted[0] != "old" {
		t.Fatalf("Sweep() evicted %v, want [old]", evicted)
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1", s.Len())
	}
}

func ids(jobs []*Job) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.ID
	}
	return out
}

func TestStore_ObserverMayTransitionSameJob(t *testing.T) {
	t.Parallel()
	s := NewStore()

	var seen []string
	s.Observe(func(prev State, snap *Job) {
		seen = append(seen, fmt.Sprintf("%s>%s", prev, snap.State))
		if snap.State == StateSubmitted {
			if _, err := s.Transition(snap.ID, StateSubmitted, StateCancelling, nil); err != nil {
				t.Errorf("Transition from observer: %v", err)
			}
		}
	})

	newStoredJob(t, s, "job-1")
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.Transition("job-1", StateCreated, StateSubmitted, nil)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Transition from inside an observer blocked")
	}

	want := []string{"created>submitted", "submitted>cancelling"}
	if fmt.Sprint(seen) != fmt.Sprint(want) {
		t.Errorf("observed %v, want %v", seen, want)
	}
	if j, _ := s.Get("job-1"); j.State != StateCancelling {
		t.Errorf("State = %s, want cancelling", j.State)
	}
}
