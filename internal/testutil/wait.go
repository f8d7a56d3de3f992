// Package testutil waits on state that jobs reach asynchronously.
package testutil

import (
	"testing"
	"time"
)

const (
	defaultTimeout  = 15 * time.Second
	defaultInterval = 10 * time.Millisecond
)

// WaitOptions bounds a wait.
type WaitOptions struct {
	Timeout  time.Duration
	Interval time.Duration
}

// WaitOption adjusts WaitOptions.
type WaitOption func(*WaitOptions)

// WithTimeout sets how long to wait before giving up.
func WithTimeout(d time.Duration) WaitOption {
	return func(o *WaitOptions) { o.Timeout = d }
}

// WithInterval sets the pause between checks.
func WithInterval(d time.Duration) WaitOption {
	return func(o *WaitOptions) { o.Interval = d }
}

// Counter is anything with an int64 reading, such as *atomic.Int64.
type Counter interface {
	Load() int64
}

// outcome describes a finished wait for failure messages.
type outcome struct {
	met     bool
	checks  int
	elapsed time.Duration
}

// poll checks cond immediately and then once per interval. It also stops
// when the test's context ends.
func poll(tb testing.TB, cond func() bool, opts []WaitOption) outcome {
	o := WaitOptions{Timeout: defaultTimeout, Interval: defaultInterval}
	for _, opt := range opts {
		opt(&o)
	}

	start := time.Now()
	deadline := time.NewTimer(o.Timeout)
	defer deadline.Stop()
	tick := time.NewTicker(o.Interval)
	defer tick.Stop()

	var res outcome
	for {
		res.checks++
		if cond() {
			res.met = true
			break
		}
		select {
		case <-tick.C:
			continue
		case <-deadline.C:
		case <-tb.Context().Done():
		}
		break
	}
	res.elapsed = time.Since(start)
	return res
}

// WaitFor reports whether cond held before the timeout.
func WaitFor(tb testing.TB, cond func() bool, opts ...WaitOption) bool {
	tb.Helper()
	return poll(tb, cond, opts).met
}

// WaitForCount reports whether c reached at least target before the timeout.
func WaitForCount(tb testing.TB, c Counter, target int64, opts ...WaitOption) bool {
	tb.Helper()
	return poll(tb, func() bool { return c.Load() >= target }, opts).met
}

// MustWaitFor fails the test unless cond holds before the timeout.
func MustWaitFor(tb testing.TB, cond func() bool, opts ...WaitOption) {
	tb.Helper()
	if res := poll(tb, cond, opts); !res.met {
		tb.Fatalf("condition not met after %d checks in %s", res.checks, res.elapsed.Round(time.Millisecond))
	}
}

// MustWaitForCount fails the test unless c reaches target before the timeout.
func MustWaitForCount(tb testing.TB, c Counter, target int64, opts ...WaitOption) {
	tb.Helper()
	if res := poll(tb, func() bool { return c.Load() >= target }, opts); !res.met {
		tb.Fatalf("count is %d after %s, want %d", c.Load(), res.elapsed.Round(time.Millisecond), target)
	}
}

// MustWaitForValue fails the test unless get returns want before the
// timeout. The failure names the last value seen, usually the state a job
// got stuck in.
func MustWaitForValue[T comparable](tb testing.TB, get func() T, want T, opts ...WaitOption) {
	tb.Helper()
	var last T
	res := poll(tb, func() bool {
		last = get()
		return last == want
	}, opts)
	if !res.met {
		tb.Fatalf("still %v after %s, want %v", last, res.elapsed.Round(time.Millisecond), want)
	}
}
