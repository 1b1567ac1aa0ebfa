package endpointpool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/modelfoundry/analysis-orchestrator/internal/domain"
)

// fakeClock advances manually.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeProbe fails or succeeds per URL and counts calls.
type fakeProbe struct {
	mu    sync.Mutex
	fail  map[string]bool
	calls map[string]int
}

func newFakeProbe() *fakeProbe {
	return &fakeProbe{fail: make(map[string]bool), calls: make(map[string]int)}
}

func (f *fakeProbe) probe(_ context.Context, base, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[base]++
	if f.fail[base] {
		return errors.New("probe failed")
	}
	return nil
}

func (f *fakeProbe) callCount(base string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[base]
}

func (f *fakeProbe) setFailing(base string, failing bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[base] = failing
}

func newTestPool(t *testing.T, strategy Strategy, clock *fakeClock, probe *fakeProbe) *Pool {
	t.Helper()
	return New(Options{
		Strategy: strategy,
		Cooldown: 60 * time.Second,
		Probe:    probe.probe,
		Now:      clock.Now,
	})
}

func TestSelectRoundRobin(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	pool := newTestPool(t, RoundRobin, clock, newFakeProbe())
	pool.Register(domain.ServiceStatic, "ws://a")
	pool.Register(domain.ServiceStatic, "ws://b")

	var urls []string
	for i := 0; i < 4; i++ {
		ep := pool.Select(context.Background(), domain.ServiceStatic)
		if ep == nil {
			t.Fatal("Select returned nil with healthy endpoints")
		}
		urls = append(urls, ep.URL)
		pool.ReportSuccess(ep, time.Millisecond)
	}

	want := []string{"ws://a", "ws://b", "ws://a", "ws://b"}
	for i := range want {
		if urls[i] != want[i] {
			t.Errorf("selection %d = %q, want %q", i, urls[i], want[i])
		}
	}
}

func TestSelectLeastInFlight(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	pool := newTestPool(t, LeastInFlight, clock, newFakeProbe())
	pool.Register(domain.ServiceStatic, "ws://a")
	pool.Register(domain.ServiceStatic, "ws://b")

	// First two selections load each endpoint once; ties break by
	// registration index.
	first := pool.Select(context.Background(), domain.ServiceStatic)
	if first.URL != "ws://a" {
		t.Errorf("first selection = %q, want ws://a (tie-break by index)", first.URL)
	}
	second := pool.Select(context.Background(), domain.ServiceStatic)
	if second.URL != "ws://b" {
		t.Errorf("second selection = %q, want ws://b", second.URL)
	}

	// Release b; it now has less load than a.
	pool.ReportSuccess(second, time.Millisecond)
	third := pool.Select(context.Background(), domain.ServiceStatic)
	if third.URL != "ws://b" {
		t.Errorf("third selection = %q, want ws://b (least loaded)", third.URL)
	}
}

func TestSelectNoCapacity(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	pool := newTestPool(t, RoundRobin, clock, newFakeProbe())

	if ep := pool.Select(context.Background(), domain.ServiceDynamic); ep != nil {
		t.Errorf("Select with no endpoints = %v, want nil", ep)
	}
}

func TestReportFailureExcludesWithinCooldown(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	probe := newFakeProbe()
	pool := newTestPool(t, RoundRobin, clock, probe)
	pool.Register(domain.ServiceStatic, "ws://a")

	ep := pool.Select(context.Background(), domain.ServiceStatic)
	pool.ReportFailure(ep)

	// Within cooldown the endpoint stays excluded and is not probed.
	clock.Advance(time.Second)
	if got := pool.Select(context.Background(), domain.ServiceStatic); got != nil {
		t.Errorf("Select within cooldown = %v, want nil", got)
	}
	if probe.callCount("ws://a") != 0 {
		t.Errorf("probe calls within cooldown = %d, want 0", probe.callCount("ws://a"))
	}
}

func TestResurrectionAfterCooldown(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	probe := newFakeProbe()
	pool := newTestPool(t, RoundRobin, clock, probe)
	pool.Register(domain.ServiceStatic, "ws://a")

	ep := pool.Select(context.Background(), domain.ServiceStatic)
	pool.ReportFailure(ep)

	// After the cooldown elapses the endpoint is synchronously re-probed
	// and, on success, returned again.
	clock.Advance(61 * time.Second)
	got := pool.Select(context.Background(), domain.ServiceStatic)
	if got == nil {
		t.Fatal("Select after cooldown = nil, want resurrected endpoint")
	}
	if probe.callCount("ws://a") != 1 {
		t.Errorf("probe calls = %d, want 1", probe.callCount("ws://a"))
	}
	if !got.Healthy() {
		t.Error("resurrected endpoint should be healthy")
	}
}

func TestFailedResurrectionStartsNewCooldown(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	probe := newFakeProbe()
	probe.setFailing("ws://a", true)
	pool := newTestPool(t, RoundRobin, clock, probe)
	pool.Register(domain.ServiceStatic, "ws://a")

	ep := pool.Select(context.Background(), domain.ServiceStatic)
	pool.ReportFailure(ep)

	clock.Advance(61 * time.Second)
	if got := pool.Select(context.Background(), domain.ServiceStatic); got != nil {
		t.Errorf("Select with failing probe = %v, want nil", got)
	}
	if probe.callCount("ws://a") != 1 {
		t.Errorf("probe calls = %d, want 1", probe.callCount("ws://a"))
	}

	// The failed probe stamped a new cooldown; the next Select inside it
	// must not probe again.
	clock.Advance(time.Second)
	pool.Select(context.Background(), domain.ServiceStatic)
	if probe.callCount("ws://a") != 1 {
		t.Errorf("probe calls after new cooldown = %d, want still 1", probe.callCount("ws://a"))
	}
}

func TestSelectSkipsUnhealthySelectsHealthy(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	pool := newTestPool(t, RoundRobin, clock, newFakeProbe())
	pool.Register(domain.ServiceStatic, "ws://a")
	pool.Register(domain.ServiceStatic, "ws://b")

	ep := pool.Select(context.Background(), domain.ServiceStatic)
	pool.ReportFailure(ep) // ws://a goes unhealthy

	for i := 0; i < 3; i++ {
		got := pool.Select(context.Background(), domain.ServiceStatic)
		if got == nil || got.URL != "ws://b" {
			t.Fatalf("selection %d = %v, want ws://b only", i, got)
		}
		pool.ReportSuccess(got, time.Millisecond)
	}
}

func TestSnapshot(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	pool := newTestPool(t, RoundRobin, clock, newFakeProbe())
	pool.Register(domain.ServiceStatic, "ws://a")
	pool.Register(domain.ServiceAIReview, "ws://b")

	snap := pool.Snapshot()
	if len(snap[domain.ServiceStatic]) != 1 || len(snap[domain.ServiceAIReview]) != 1 {
		t.Fatalf("Snapshot = %v", snap)
	}
	if !snap[domain.ServiceStatic][0].Healthy {
		t.Error("registered endpoint should start healthy")
	}
}
