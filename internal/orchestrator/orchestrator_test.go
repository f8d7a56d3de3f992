package orchestrator

import (
	"context"
	"errors"
	"fastsdk/internal/apperrors"
	"fastsdk/internal/async"
	"fastsdk/internal/job"
	"fastsdk/internal/remote"
	"fastsdk/internal/storage"
	"fastsdk/internal/testutil"
	"fastsdk/pkg/backoff"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

const (
	testService  = "svc"
	testEndpoint = "predict"
)

type fakeGateway struct {
	dispatchFn func(ctx context.Context, ep remote.Endpoint, params job.Params) (remote.Handle, error)
	pollFn     func(ctx context.Context, h remote.Handle) (remote.Status, error)

	mu         sync.Mutex
	dispatched []job.Params

	dispatches atomic.Int64
	polls      atomic.Int64
	cancels    atomic.Int64
}

func (g *fakeGateway) Dispatch(ctx context.Context, ep remote.Endpoint, params job.Params) (remote.Handle, error) {
	n := g.dispatches.Add(1)
	g.mu.Lock()
	g.dispatched = append(g.dispatched, params.Clone())
	g.mu.Unlock()
	if g.dispatchFn != nil {
		return g.dispatchFn(ctx, ep, params)
	}
	return remote.Handle{ID: fmt.Sprintf("remote-%d", n), ServiceRef: ep.ServiceRef, EndpointRef: ep.ID}, nil
}

func (g *fakeGateway) Poll(ctx context.Context, h remote.Handle) (remote.Status, error) {
	g.polls.Add(1)
	if g.pollFn != nil {
		return g.pollFn(ctx, h)
	}
	return remote.Status{State: remote.StateSucceeded, Raw: "FINISHED", Result: "ok"}, nil
}

func (g *fakeGateway) CancelRemote(ctx context.Context, h remote.Handle) error {
	g.cancels.Add(1)
	return nil
}

func (g *fakeGateway) lastDispatched() job.Params {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.dispatched) == 0 {
		return nil
	}
	return g.dispatched[len(g.dispatched)-1]
}

// scriptedPolls answers with statuses in order and repeats the last one.
func scriptedPolls(statuses ...remote.Status) func(context.Context, remote.Handle) (remote.Status, error) {
	var mu sync.Mutex
	next := 0
	return func(context.Context, remote.Handle) (remote.Status, error) {
		mu.Lock()
		defer mu.Unlock()
		s := statuses[min(next, len(statuses)-1)]
		next++
		return s, nil
	}
}

func pending(fraction float64) remote.Status {
	return remote.Status{State: remote.StatePending, Raw: "PROCESSING", Progress: &fraction}
}

type endpoints map[string]remote.Endpoint

func (e endpoints) Endpoint(serviceRef, endpointRef string) (remote.Endpoint, error) {
	ep, ok := e[serviceRef+"/"+endpointRef]
	if !ok {
		return remote.Endpoint{}, apperrors.NotFound("endpoint", serviceRef+"/"+endpointRef)
	}
	return ep, nil
}

type fakeMetrics struct {
	submitted     atomic.Int64
	finished      atomic.Int64
	retries       atomic.Int64
	compensations atomic.Int64
	panics        atomic.Int64
}

func (m *fakeMetrics) RecordJobSubmitted(context.Context, string, string) { m.submitted.Add(1) }
func (m *fakeMetrics) RecordJobFinished(context.Context, string, string, string, float64) {
	m.finished.Add(1)
}
func (m *fakeMetrics) RecordStepRetry(context.Context, string)          { m.retries.Add(1) }
func (m *fakeMetrics) RecordCompensation(context.Context, string, bool) { m.compensations.Add(1) }
func (m *fakeMetrics) RecordCallbackPanic(context.Context)              { m.panics.Add(1) }

// failingDeletes is an uploader whose deletes always fail.
type failingDeletes struct {
	*storage.MemoryStore
	deletes atomic.Int64
}

func (f *failingDeletes) Delete(ctx context.Context, ref string) error {
	f.deletes.Add(1)
	return apperrors.Network("storage.delete", 503, errors.New("unavailable"))
}

type testEnv struct {
	o        *Orchestrator
	store    *job.Store
	manager  *async.Manager
	gateway  *fakeGateway
	uploader *storage.MemoryStore
	metrics  *fakeMetrics
}

type envOption func(*Config, *async.Config, *Deps, *remote.Endpoint)

func withEndpoint(fn func(*remote.Endpoint)) envOption {
	return func(_ *Config, _ *async.Config, _ *Deps, ep *remote.Endpoint) { fn(ep) }
}

func withWorkers(workers, queue int) envOption {
	return func(_ *Config, ac *async.Config, _ *Deps, _ *remote.Endpoint) {
		ac.Workers = workers
		ac.QueueSize = queue
	}
}

func withUploader(u remote.Uploader) envOption {
	return func(_ *Config, _ *async.Config, d *Deps, _ *remote.Endpoint) { d.Uploader = u }
}

func newTestEnv(t *testing.T, gw *fakeGateway, opts ...envOption) *testEnv {
	t.Helper()

	cfg := Config{
		UploadThreshold: 10 << 20,
		MaxAttempts:     3,
		RetryBackoff:    backoff.Config{Initial: time.Millisecond, Max: 5 * time.Millisecond},
		PollBackoff:     backoff.Config{Initial: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 1.5},
		DefaultTimeout:  10 * time.Second,
		Retention:       time.Millisecond,
	}
	asyncCfg := async.Config{Workers: 8, QueueSize: 256}
	ep := remote.Endpoint{ServiceRef: testService, ID: testEndpoint, Path: "/predict"}
	uploader := storage.NewMemoryStore()
	metrics := &fakeMetrics{}
	deps := Deps{
		Store:    job.NewStore(),
		Gateway:  gw,
		Uploader: uploader,
		Metrics:  metrics,
	}
	for _, opt := range opts {
		opt(&cfg, &asyncCfg, &deps, &ep)
	}

	manager := async.NewManager(asyncCfg, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = manager.Close(ctx)
	})
	deps.Manager = manager
	deps.Endpoints = endpoints{testService + "/" + testEndpoint: ep}

	o, err := New(cfg, deps)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return &testEnv{o: o, store: deps.Store, manager: manager, gateway: gw, uploader: uploader, metrics: metrics}
}

func (e *testEnv) submit(t *testing.T, params job.Params, opts ...SubmitOption) *Handle {
	t.Helper()
	h, err := e.o.Submit(context.Background(), testService, testEndpoint, params, opts...)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	return h
}

func awaitSettled(t *testing.T, h *Handle) (*job.Job, any, error) {
	t.Helper()
	result, err := h.Result(context.Background(), 10*time.Second)
	if errors.Is(err, apperrors.ErrTimeout) && strings.HasPrefix(err.Error(), "job.result") {
		t.Fatalf("job %s did not settle", h.ID())
	}
	snap, serr := h.Snapshot()
	if serr != nil {
		t.Fatalf("Snapshot() error = %v", serr)
	}
	return snap, result, err
}

// blockWorkers occupies every worker of m until the returned func is called.
func blockWorkers(t *testing.T, m *async.Manager, workers int) func() {
	t.Helper()
	release := make(chan struct{})
	var started atomic.Int64
	for range workers {
		_, err := m.Submit(func(ctx context.Context) (any, error) {
			started.Add(1)
			<-release
			return nil, nil
		})
		if err != nil {
			t.Fatalf("Submit(blocker) error = %v", err)
		}
	}
	testutil.MustWaitForCount(t, &started, int64(workers), testutil.WithInterval(time.Millisecond))
	var once sync.Once
	return func() { once.Do(func() { close(release) }) }
}

func TestOrchestrator_LargePayloadUploadedAndPolled(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{pollFn: scriptedPolls(
		pending(0.25),
		pending(0.5),
		remote.Status{State: remote.StateSucceeded, Raw: "FINISHED", Result: "ok"},
	)}
	env := newTestEnv(t, gw)

	payload := make([]byte, 50<<20)
	h := env.submit(t, job.Params{"image": payload, "prompt": "a cat"})

	snap, result, err := awaitSettled(t, h)
	if err != nil {
		t.Fatalf("Result() error = %v", err)
	}
	if result != "ok" {
		t.Errorf("result = %v, want ok", result)
	}
	if snap.State != job.StateSucceeded {
		t.Errorf("state = %s, want succeeded", snap.State)
	}
	if len(snap.IntermediateResults) != 2 {
		t.Errorf("intermediate results = %d, want 2", len(snap.IntermediateResults))
	}
	if snap.Progress.Fraction != 1 {
		t.Errorf("progress = %v, want 1", snap.Progress.Fraction)
	}

	sent := gw.lastDispatched()
	ref, ok := sent["image"].(string)
	if !ok || !strings.HasPrefix(ref, "memory://") {
		t.Fatalf("dispatched image = %T, want storage reference", sent["image"])
	}
	if sent["prompt"] != "a cat" {
		t.Errorf("dispatched prompt = %v, want inline value", sent["prompt"])
	}
	if stored, ok := env.uploader.Get(ref); !ok || len(stored) != len(payload) {
		t.Errorf("uploaded object missing or truncated")
	}
	if kept, ok := snap.Params["image"].([]byte); !ok || len(kept) != len(payload) {
		t.Errorf("job params image = %T, want the submitted payload", snap.Params["image"])
	}
	if len(snap.UploadRefs) != 1 || snap.UploadRefs[0] != ref {
		t.Errorf("upload refs = %v, want [%s]", snap.UploadRefs, ref)
	}

	for _, s := range snap.Steps {
		if s.Status != job.StepDone {
			t.Errorf("step %s = %s, want done", s.Name, s.Status)
		}
	}
	if snap.Step(job.StepPoll).Attempts != 3 {
		t.Errorf("poll attempts = %d, want 3", snap.Step(job.StepPoll).Attempts)
	}
}

func TestOrchestrator_SmallPayloadSentInline(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{}
	env := newTestEnv(t, gw)

	h := env.submit(t, job.Params{"image": []byte("tiny")})
	if _, _, err := awaitSettled(t, h); err != nil {
		t.Fatalf("Result() error = %v", err)
	}
	if _, ok := gw.lastDispatched()["image"].([]byte); !ok {
		t.Errorf("small payload was not sent inline")
	}
	if uploads, _ := env.uploader.Counts(); uploads != 0 {
		t.Errorf("uploads = %d, want 0", uploads)
	}
}

func TestOrchestrator_DispatchFailureCompensatesUpload(t *testing.T) {
	t.Parallel()
	dispatchErr := apperrors.Service("gateway.dispatch", 400, "bad request")
	gw := &fakeGateway{dispatchFn: func(context.Context, remote.Endpoint, job.Params) (remote.Handle, error) {
		return remote.Handle{}, dispatchErr
	}}
	env := newTestEnv(t, gw)

	h := env.submit(t, job.Params{"image": make([]byte, 11<<20)})
	snap, _, err := awaitSettled(t, h)

	if !errors.Is(err, dispatchErr) {
		t.Fatalf("Result() error = %v, want the dispatch error", err)
	}
	if snap.State != job.StateCompensated {
		t.Errorf("state = %s, want compensated", snap.State)
	}
	if gw.dispatches.Load() != 1 {
		t.Errorf("dispatches = %d, want 1 (permanent errors are not retried)", gw.dispatches.Load())
	}
	if uploads, deletes := env.uploader.Counts(); uploads != 1 || deletes != 1 {
		t.Errorf("uploads, deletes = %d, %d, want 1, 1", uploads, deletes)
	}
	if env.uploader.Len() != 0 {
		t.Errorf("uploaded object left behind")
	}
	if snap.Step(job.StepUpload).Status != job.StepCompensated {
		t.Errorf("upload step = %s, want compensated", snap.Step(job.StepUpload).Status)
	}
	if snap.Step(job.StepDispatch).Status != job.StepFailed {
		t.Errorf("dispatch step = %s, want failed", snap.Step(job.StepDispatch).Status)
	}
	if snap.CompensationErr != nil {
		t.Errorf("CompensationErr = %v, want nil", snap.CompensationErr)
	}
	if snap.CompensationPending {
		t.Error("CompensationPending still set")
	}
	if env.metrics.compensations.Load() != 1 {
		t.Errorf("compensations recorded = %d, want 1", env.metrics.compensations.Load())
	}
}

func TestOrchestrator_CompensationFailureKeepsOriginalError(t *testing.T) {
	t.Parallel()
	dispatchErr := apperrors.Service("gateway.dispatch", 422, "unprocessable")
	gw := &fakeGateway{dispatchFn: func(context.Context, remote.Endpoint, job.Params) (remote.Handle, error) {
		return remote.Handle{}, dispatchErr
	}}
	uploader := &failingDeletes{MemoryStore: storage.NewMemoryStore()}
	env := newTestEnv(t, gw, withUploader(uploader))

	h := env.submit(t, job.Params{"image": make([]byte, 11<<20)})
	snap, _, err := awaitSettled(t, h)

	if !errors.Is(err, dispatchErr) {
		t.Fatalf("Result() error = %v, want the dispatch error", err)
	}
	if snap.State != job.StateFailed {
		t.Errorf("state = %s, want failed", snap.State)
	}
	if !errors.Is(snap.CompensationErr, apperrors.ErrCompensation) {
		t.Errorf("CompensationErr = %v, want ErrCompensation", snap.CompensationErr)
	}
	if uploader.deletes.Load() != 1 {
		t.Errorf("deletes = %d, want exactly 1", uploader.deletes.Load())
	}
}

func TestOrchestrator_TransientDispatchRetried(t *testing.T) {
	t.Parallel()
	var calls atomic.Int64
	gw := &fakeGateway{dispatchFn: func(context.Context, remote.Endpoint, job.Params) (remote.Handle, error) {
		if calls.Add(1) < 3 {
			return remote.Handle{}, apperrors.Network("gateway.dispatch", 503, errors.New("unavailable"))
		}
		return remote.Handle{ID: "r-1"}, nil
	}}
	env := newTestEnv(t, gw)

	h := env.submit(t, job.Params{})
	snap, _, err := awaitSettled(t, h)
	if err != nil {
		t.Fatalf("Result() error = %v", err)
	}
	if got := snap.Step(job.StepDispatch).Attempts; got != 3 {
		t.Errorf("dispatch attempts = %d, want 3", got)
	}
	if snap.RemoteID != "r-1" {
		t.Errorf("RemoteID = %q, want r-1", snap.RemoteID)
	}
	if env.metrics.retries.Load() != 2 {
		t.Errorf("retries recorded = %d, want 2", env.metrics.retries.Load())
	}
}

func TestOrchestrator_TransientFailuresExhausted(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{dispatchFn: func(context.Context, remote.Endpoint, job.Params) (remote.Handle, error) {
		return remote.Handle{}, apperrors.Network("gateway.dispatch", 0, errors.New("connection reset"))
	}}
	env := newTestEnv(t, gw)

	h := env.submit(t, job.Params{})
	snap, _, err := awaitSettled(t, h)
	if !errors.Is(err, apperrors.ErrNetwork) {
		t.Fatalf("Result() error = %v, want ErrNetwork", err)
	}
	if snap.State != job.StateFailed {
		t.Errorf("state = %s, want failed", snap.State)
	}
	if gw.dispatches.Load() != 3 {
		t.Errorf("dispatches = %d, want 3", gw.dispatches.Load())
	}
}

func TestOrchestrator_RemoteFailure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		cancellable bool
		wantState   job.State
		wantCancels int64
	}{
		{"not cancellable", false, job.StateFailed, 0},
		{"cancellable", true, job.StateCompensated, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			gw := &fakeGateway{pollFn: scriptedPolls(
				pending(0.1),
				remote.Status{State: remote.StateFailed, Raw: "FAILED", Error: "out of memory"},
			)}
			env := newTestEnv(t, gw, withEndpoint(func(ep *remote.Endpoint) { ep.Cancellable = tt.cancellable }))

			h := env.submit(t, job.Params{})
			snap, _, err := awaitSettled(t, h)
			if !errors.Is(err, apperrors.ErrService) {
				t.Fatalf("Result() error = %v, want ErrService", err)
			}
			if !strings.Contains(err.Error(), "out of memory") {
				t.Errorf("error %q does not carry the remote message", err)
			}
			if snap.State != tt.wantState {
				t.Errorf("state = %s, want %s", snap.State, tt.wantState)
			}
			if gw.cancels.Load() != tt.wantCancels {
				t.Errorf("remote cancels = %d, want %d", gw.cancels.Load(), tt.wantCancels)
			}
			if snap.Step(job.StepResolve).Status != job.StepFailed {
				t.Errorf("resolve step = %s, want failed", snap.Step(job.StepResolve).Status)
			}
		})
	}
}

func TestOrchestrator_ImmediateResultSkipsPolling(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{dispatchFn: func(context.Context, remote.Endpoint, job.Params) (remote.Handle, error) {
		return remote.Handle{ID: "sync", Immediate: &remote.Status{State: remote.StateSucceeded, Result: map[string]any{"answer": 42.0}}}, nil
	}}
	env := newTestEnv(t, gw)

	h := env.submit(t, job.Params{})
	_, result, err := awaitSettled(t, h)
	if err != nil {
		t.Fatalf("Result() error = %v", err)
	}
	if m, ok := result.(map[string]any); !ok || m["answer"] != 42.0 {
		t.Errorf("result = %v", result)
	}
	if gw.polls.Load() != 0 {
		t.Errorf("polls = %d, want 0", gw.polls.Load())
	}
}

func TestOrchestrator_CancelBeforeStart(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{}
	env := newTestEnv(t, gw, withWorkers(1, 8))
	release := blockWorkers(t, env.manager, 1)
	defer release()

	h := env.submit(t, job.Params{"image": make([]byte, 11<<20)})
	if err := h.Cancel(context.Background()); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	release()

	snap, _, err := awaitSettled(t, h)
	if !errors.Is(err, apperrors.ErrCancelled) {
		t.Fatalf("Result() error = %v, want ErrCancelled", err)
	}
	if snap.State != job.StateCancelled {
		t.Errorf("state = %s, want cancelled", snap.State)
	}
	if gw.dispatches.Load() != 0 {
		t.Errorf("dispatches = %d, want 0", gw.dispatches.Load())
	}
	if uploads, _ := env.uploader.Counts(); uploads != 0 {
		t.Errorf("uploads = %d, want 0", uploads)
	}
	for _, s := range snap.Steps {
		if s.Status != job.StepPending || s.Attempts != 0 {
			t.Errorf("step %s = %s after %d attempts, want untouched", s.Name, s.Status, s.Attempts)
		}
	}
}

func TestOrchestrator_CancelWhilePolling(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{pollFn: scriptedPolls(pending(0.1))}
	env := newTestEnv(t, gw, withEndpoint(func(ep *remote.Endpoint) { ep.Cancellable = true }))

	h := env.submit(t, job.Params{})
	testutil.MustWaitFor(t, func() bool {
		snap, _ := h.Snapshot()
		return len(snap.IntermediateResults) > 0
	}, testutil.WithInterval(time.Millisecond))

	if err := env.o.Cancel(context.Background(), h.ID()); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	snap, _, err := awaitSettled(t, h)
	if !errors.Is(err, apperrors.ErrCancelled) {
		t.Fatalf("Result() error = %v, want ErrCancelled", err)
	}
	if snap.State != job.StateCancelled {
		t.Errorf("state = %s, want cancelled", snap.State)
	}
	if gw.cancels.Load() != 1 {
		t.Errorf("remote cancels = %d, want 1", gw.cancels.Load())
	}
	if snap.Step(job.StepDispatch).Status != job.StepCompensated {
		t.Errorf("dispatch step = %s, want compensated", snap.Step(job.StepDispatch).Status)
	}

	// cancelling again is a no-op
	if err := h.Cancel(context.Background()); err != nil {
		t.Errorf("second Cancel() error = %v", err)
	}
}

func TestOrchestrator_CancelSettledJob(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, &fakeGateway{})

	h := env.submit(t, job.Params{})
	if _, _, err := awaitSettled(t, h); err != nil {
		t.Fatalf("Result() error = %v", err)
	}
	if err := h.Cancel(context.Background()); !errors.Is(err, apperrors.ErrState) {
		t.Errorf("Cancel() error = %v, want ErrState", err)
	}
	if err := env.o.Cancel(context.Background(), "missing"); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Cancel(missing) error = %v, want ErrNotFound", err)
	}
}

func TestOrchestrator_DeadlineFailsJob(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{pollFn: scriptedPolls(pending(0))}
	env := newTestEnv(t, gw)

	h := env.submit(t, job.Params{}, WithTimeout(50*time.Millisecond))
	snap, _, err := awaitSettled(t, h)
	if !errors.Is(err, apperrors.ErrTimeout) {
		t.Fatalf("Result() error = %v, want ErrTimeout", err)
	}
	if snap.State != job.StateFailed {
		t.Errorf("state = %s, want failed", snap.State)
	}
}

func TestOrchestrator_DeadlineCompensatesCancellableDispatch(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{pollFn: scriptedPolls(pending(0))}
	env := newTestEnv(t, gw, withEndpoint(func(ep *remote.Endpoint) {
		ep.Cancellable = true
		ep.Timeout = 50 * time.Millisecond
	}))

	h := env.submit(t, job.Params{})
	snap, _, err := awaitSettled(t, h)
	if !errors.Is(err, apperrors.ErrTimeout) {
		t.Fatalf("Result() error = %v, want ErrTimeout", err)
	}
	if snap.State != job.StateCompensated {
		t.Errorf("state = %s, want compensated", snap.State)
	}
	if gw.cancels.Load() != 1 {
		t.Errorf("remote cancels = %d, want 1", gw.cancels.Load())
	}
}

func TestOrchestrator_ConcurrentJobs(t *testing.T) {
	t.Parallel()
	latency := func() { time.Sleep(rand.N(3 * time.Millisecond)) }
	gw := &fakeGateway{}
	gw.dispatchFn = func(_ context.Context, _ remote.Endpoint, params job.Params) (remote.Handle, error) {
		latency()
		return remote.Handle{ID: fmt.Sprint(params["n"])}, nil
	}
	gw.pollFn = func(_ context.Context, h remote.Handle) (remote.Status, error) {
		latency()
		if rand.IntN(3) == 0 {
			return pending(0.5), nil
		}
		return remote.Status{State: remote.StateSucceeded, Result: h.ID}, nil
	}
	env := newTestEnv(t, gw, withWorkers(16, 256))

	var mu sync.Mutex
	settled := make(map[string][]job.State)
	env.store.Observe(func(_ job.State, snap *job.Job) {
		if !snap.Done() {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		settled[snap.ID] = append(settled[snap.ID], snap.State)
	})

	const (
		jobs     = 100
		deadline = 5 * time.Second
	)
	handles := make([]*Handle, jobs)
	var wg sync.WaitGroup
	for i := range jobs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := env.o.Submit(context.Background(), testService, testEndpoint, job.Params{"n": i}, WithTimeout(deadline))
			if err != nil {
				t.Errorf("Submit(%d) error = %v", i, err)
				return
			}
			handles[i] = h
		}()
	}
	wg.Wait()

	for i, h := range handles {
		if h == nil {
			continue
		}
		result, err := h.Result(context.Background(), 2*deadline)
		if err != nil {
			t.Errorf("job %d: Result() error = %v", i, err)
			continue
		}
		if result != fmt.Sprint(i) {
			t.Errorf("job %d: result = %v", i, result)
		}
		snap, _ := h.Snapshot()
		if snap.FinishedAt.After(snap.Deadline) {
			t.Errorf("job %d finished at %v, after its deadline %v", i, snap.FinishedAt, snap.Deadline)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(settled) != jobs {
		t.Errorf("settled jobs observed = %d, want %d", len(settled), jobs)
	}
	for id, states := range settled {
		if len(states) != 1 || states[0] != job.StateSucceeded {
			t.Errorf("job %s settled as %v, want exactly [succeeded]", id, states)
		}
	}
	if env.metrics.submitted.Load() != jobs {
		t.Errorf("submitted recorded = %d, want %d", env.metrics.submitted.Load(), jobs)
	}
}

func TestOrchestrator_QueueFullFailsJob(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, &fakeGateway{}, withWorkers(1, 1))
	release := blockWorkers(t, env.manager, 1)
	defer release()

	if _, err := env.manager.Submit(func(ctx context.Context) (any, error) { return nil, nil }); err != nil {
		t.Fatalf("Submit(filler) error = %v", err)
	}

	h := env.submit(t, job.Params{})
	snap, err := h.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if snap.State != job.StateFailed {
		t.Fatalf("state = %s, want failed", snap.State)
	}
	if _, err := snap.Outcome(); !errors.Is(err, apperrors.ErrInternal) {
		t.Errorf("Outcome() error = %v, want ErrInternal", err)
	}
}

func TestOrchestrator_SubmitValidation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, &fakeGateway{}, withEndpoint(func(ep *remote.Endpoint) {
		ep.Parameters = []remote.Parameter{{Name: "prompt", Type: remote.ParamString, Required: true}}
	}))
	ctx := context.Background()

	tests := []struct {
		name     string
		service  string
		endpoint string
		params   job.Params
		want     error
	}{
		{"nil params", testService, testEndpoint, nil, apperrors.ErrValidation},
		{"missing service", "", testEndpoint, job.Params{}, apperrors.ErrValidation},
		{"unknown endpoint", testService, "nope", job.Params{"prompt": "x"}, apperrors.ErrNotFound},
		{"missing required", testService, testEndpoint, job.Params{}, apperrors.ErrValidation},
		{"wrong type", testService, testEndpoint, job.Params{"prompt": 3}, apperrors.ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := env.o.Submit(ctx, tt.service, tt.endpoint, tt.params); !errors.Is(err, tt.want) {
				t.Errorf("Submit() error = %v, want %v", err, tt.want)
			}
		})
	}
	if env.store.Len() != 0 {
		t.Errorf("store has %d jobs after rejected submissions", env.store.Len())
	}
}

func TestOrchestrator_DuplicateJobID(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, &fakeGateway{})

	h := env.submit(t, job.Params{}, WithJobID("job-1"))
	if h.ID() != "job-1" {
		t.Errorf("ID() = %q, want job-1", h.ID())
	}
	_, err := env.o.Submit(context.Background(), testService, testEndpoint, job.Params{}, WithJobID("job-1"))
	if !errors.Is(err, apperrors.ErrConflict) {
		t.Fatalf("Submit() error = %v, want ErrConflict", err)
	}
	if _, _, err := awaitSettled(t, h); err != nil {
		t.Errorf("original job failed: %v", err)
	}
}

func TestOrchestrator_EvictAndSweep(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{pollFn: scriptedPolls(pending(0))}
	env := newTestEnv(t, gw)

	running := env.submit(t, job.Params{})
	if err := env.o.Evict(running.ID()); !errors.Is(err, apperrors.ErrState) {
		t.Errorf("Evict(running) error = %v, want ErrState", err)
	}
	if err := running.Cancel(context.Background()); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if _, _, err := awaitSettled(t, running); !errors.Is(err, apperrors.ErrCancelled) {
		t.Fatalf("Result() error = %v, want ErrCancelled", err)
	}

	time.Sleep(5 * time.Millisecond)
	env.o.sweep()
	if _, err := env.o.Get(running.ID()); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Get() after sweep error = %v, want ErrNotFound", err)
	}
	if env.o.watchFor(running.ID()) != nil {
		t.Error("watch kept after sweep")
	}
	if err := env.o.Evict(running.ID()); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Evict(evicted) error = %v, want ErrNotFound", err)
	}
}

func TestHandle_SubscribeSeesOrderedTransitions(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{pollFn: scriptedPolls(
		pending(0.5),
		remote.Status{State: remote.StateSucceeded, Result: "done"},
	)}
	env := newTestEnv(t, gw, withWorkers(1, 8))
	release := blockWorkers(t, env.manager, 1)

	h := env.submit(t, job.Params{})

	var mu sync.Mutex
	var states []job.State
	unsubscribe, err := h.Subscribe(func(j *job.Job) {
		mu.Lock()
		defer mu.Unlock()
		if len(states) == 0 || states[len(states)-1] != j.State {
			states = append(states, j.State)
		}
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer unsubscribe()
	if _, err := h.Subscribe(func(*job.Job) { panic("subscriber bug") }); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	release()

	if _, _, err := awaitSettled(t, h); err != nil {
		t.Fatalf("Result() error = %v", err)
	}

	mu.Lock()
	got := fmt.Sprint(states)
	mu.Unlock()
	if want := fmt.Sprint([]job.State{job.StateDispatching, job.StatePolling, job.StateSucceeded}); got != want {
		t.Errorf("observed states = %s, want %s", got, want)
	}
	if env.metrics.panics.Load() == 0 {
		t.Error("subscriber panic was not recorded")
	}
}

func TestHandle_SubscriberCancelsJob(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{pollFn: scriptedPolls(pending(0.6))}
	env := newTestEnv(t, gw, withWorkers(1, 8), withEndpoint(func(ep *remote.Endpoint) { ep.Cancellable = true }))
	release := blockWorkers(t, env.manager, 1)

	h := env.submit(t, job.Params{})
	cancelErr := make(chan error, 1)
	var once sync.Once
	if _, err := h.Subscribe(func(j *job.Job) {
		if j.State == job.StatePolling && j.Progress.Fraction >= 0.5 {
			once.Do(func() { cancelErr <- h.Cancel(context.Background()) })
		}
	}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	release()

	snap, _, err := awaitSettled(t, h)
	if !errors.Is(err, apperrors.ErrCancelled) {
		t.Fatalf("Result() error = %v, want ErrCancelled", err)
	}
	if snap.State != job.StateCancelled {
		t.Errorf("state = %s, want cancelled", snap.State)
	}
	if err := <-cancelErr; err != nil {
		t.Errorf("Cancel() from subscriber error = %v", err)
	}
	if gw.cancels.Load() != 1 {
		t.Errorf("remote cancels = %d, want 1", gw.cancels.Load())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := env.manager.Close(ctx); err != nil {
		t.Errorf("manager Close() error = %v", err)
	}
}

func TestOrchestrator_ExecutionOfCancelledJobEndsCancelled(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, &fakeGateway{})

	j := job.New("job-1", testService, testEndpoint, job.Params{}, time.Now().Add(time.Minute))
	if err := env.store.Create(j); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := env.store.Transition(j.ID, job.StateCreated, job.StateSubmitted, nil); err != nil {
		t.Fatal(err)
	}
	if err := env.o.Cancel(context.Background(), j.ID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	r := &run{
		jobID:    j.ID,
		deadline: j.Deadline,
		steps:    job.NewSteps(),
		logger:   env.o.logger,
	}
	aj, err := env.manager.Submit(func(ctx context.Context) (any, error) { return env.o.execute(ctx, r) })
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if _, err := env.manager.Await(context.Background(), aj, 5*time.Second); !errors.Is(err, apperrors.ErrCancelled) {
		t.Fatalf("Await() error = %v, want ErrCancelled", err)
	}
	if aj.Status() != async.StatusCancelled {
		t.Errorf("async status = %s, want cancelled", aj.Status())
	}
	if env.gateway.dispatches.Load() != 0 {
		t.Errorf("dispatches = %d, want 0", env.gateway.dispatches.Load())
	}
}

func TestHandle_ResultTimeoutDoesNotCancel(t *testing.T) {
	t.Parallel()
	gw := &fakeGateway{pollFn: scriptedPolls(pending(0.3))}
	env := newTestEnv(t, gw)

	h := env.submit(t, job.Params{})
	_, err := h.Result(context.Background(), 20*time.Millisecond)
	if !errors.Is(err, apperrors.ErrTimeout) {
		t.Fatalf("Result() error = %v, want ErrTimeout", err)
	}

	state, err := h.Status()
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if state.Terminal() || state == job.StateCancelling {
		t.Errorf("state = %s, want still running", state)
	}

	testutil.MustWaitFor(t, func() bool {
		p, _ := h.Progress()
		return p.Fraction == 0.3
	}, testutil.WithInterval(time.Millisecond))

	_ = h.Cancel(context.Background())
}

func TestNew_RequiresDependencies(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}, Deps{}); err == nil {
		t.Error("expected error for missing dependencies")
	}
}
