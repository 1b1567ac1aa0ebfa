// Package endpointpool maintains the per-service sets of remote worker
// endpoints, selects a healthy endpoint per dispatch, and handles
// passive/active health probing with cooldown-based resurrection.
package endpointpool

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/modelfoundry/analysis-orchestrator/internal/domain"
	"github.com/modelfoundry/analysis-orchestrator/internal/observability"
)

// Strategy selects among healthy candidates.
type Strategy string

const (
	RoundRobin    Strategy = "round-robin"
	LeastInFlight Strategy = "least-in-flight"
	Random        Strategy = "random"
)

// ProbeFunc performs an active health probe against an endpoint.
type ProbeFunc func(ctx context.Context, baseURL, service string) error

// Endpoint is a live worker address for one service type. Endpoints are
// registered at pool initialization and never deleted, only marked
// unhealthy, so resurrection can re-test them later.
type Endpoint struct {
	URL     string
	Service domain.ServiceType
	index   int // registration order, used for tie-breaking

	mu              sync.Mutex
	healthy         bool
	lastHealthCheck time.Time
	inFlight        int
	dispatches      int64
	totalLatency    time.Duration
}

// Healthy reports whether the endpoint passed its most recent probe.
func (e *Endpoint) Healthy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.healthy
}

// LastHealthCheck returns the timestamp of the most recent probe outcome.
func (e *Endpoint) LastHealthCheck() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastHealthCheck
}

// InFlight returns the number of dispatches currently using the endpoint.
func (e *Endpoint) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inFlight
}

func (e *Endpoint) setHealth(healthy bool, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.healthy = healthy
	e.lastHealthCheck = at
}

func (e *Endpoint) beginDispatch() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inFlight++
}

func (e *Endpoint) endDispatch(latency time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inFlight > 0 {
		e.inFlight--
	}
	e.dispatches++
	e.totalLatency += latency
}

// Status is a point-in-time snapshot of one endpoint, for the status API.
type Status struct {
	URL             string             `json:"url"`
	Service         domain.ServiceType `json:"service"`
	Healthy         bool               `json:"healthy"`
	LastHealthCheck time.Time          `json:"lastHealthCheck"`
	InFlight        int                `json:"inFlight"`
	Dispatches      int64              `json:"dispatches"`
	AvgLatencyMs    int64              `json:"avgLatencyMs"`
}

func (e *Endpoint) status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Status{
		URL:             e.URL,
		Service:         e.Service,
		Healthy:         e.healthy,
		LastHealthCheck: e.lastHealthCheck,
		InFlight:        e.inFlight,
		Dispatches:      e.dispatches,
	}
	if e.dispatches > 0 {
		s.AvgLatencyMs = e.totalLatency.Milliseconds() / e.dispatches
	}
	return s
}

// Options configures a Pool.
type Options struct {
	Strategy     Strategy
	Cooldown     time.Duration // minimum age of a failure record before re-probing
	ProbeTimeout time.Duration
	Probe        ProbeFunc
	Logger       *slog.Logger
	Metrics      *observability.Metrics
	Now          func() time.Time // test hook
}

// Pool holds the process-wide endpoint state. It performs no cross-process
// coordination; each process refreshes its own view through its own probes
// and caller-reported dispatch failures.
type Pool struct {
	mu        sync.Mutex
	endpoints map[domain.ServiceType][]*Endpoint
	rrNext    map[domain.ServiceType]int
	nextIndex int

	strategy     Strategy
	cooldown     time.Duration
	probeTimeout time.Duration
	probe        ProbeFunc
	logger       *slog.Logger
	metrics      *observability.Metrics
	now          func() time.Time
	rng          *rand.Rand
}

// New creates a pool. Endpoints are added with Register before first use.
func New(opts Options) *Pool {
	if opts.Strategy == "" {
		opts.Strategy = RoundRobin
	}
	if opts.Cooldown == 0 {
		opts.Cooldown = 60 * time.Second
	}
	if opts.ProbeTimeout == 0 {
		opts.ProbeTimeout = 2 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = observability.NewLogger("endpointpool")
	}
	return &Pool{
		endpoints:    make(map[domain.ServiceType][]*Endpoint),
		rrNext:       make(map[domain.ServiceType]int),
		strategy:     opts.Strategy,
		cooldown:     opts.Cooldown,
		probeTimeout: opts.ProbeTimeout,
		probe:        opts.Probe,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		now:          opts.Now,
		rng:          rand.New(rand.NewSource(opts.Now().UnixNano())),
	}
}

// Register adds an endpoint for a service type. New endpoints start healthy;
// the first failed dispatch or probe demotes them.
func (p *Pool) Register(service domain.ServiceType, url string) *Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()

	ep := &Endpoint{
		URL:             url,
		Service:         service,
		index:           p.nextIndex,
		healthy:         true,
		lastHealthCheck: p.now(),
	}
	p.nextIndex++
	p.endpoints[service] = append(p.endpoints[service], ep)
	return ep
}

// Select returns a healthy endpoint for the service, or nil when no endpoint
// qualifies. Absence of capacity is not an error: callers treat nil as
// "temporarily no capacity" and decide whether to fail or retry.
//
// Unhealthy endpoints whose failure record is older than the cooldown are
// re-probed synchronously (bounded by the probe timeout) and included on
// success. The winning endpoint's in-flight count is incremented; callers
// must pair every Select with ReportSuccess or ReportFailure.
func (p *Pool) Select(ctx context.Context, service domain.ServiceType) *Endpoint {
	p.mu.Lock()
	eps := make([]*Endpoint, len(p.endpoints[service]))
	copy(eps, p.endpoints[service])
	p.mu.Unlock()

	var candidates []*Endpoint
	for _, ep := range eps {
		if ep.Healthy() {
			candidates = append(candidates, ep)
			continue
		}
		if p.now().Sub(ep.LastHealthCheck()) <= p.cooldown {
			continue // still in cooldown
		}
		if p.resurrect(ctx, ep) {
			candidates = append(candidates, ep)
		}
	}

	if len(candidates) == 0 {
		return nil
	}

	ep := p.pick(service, candidates)
	ep.beginDispatch()
	return ep
}

// resurrect re-probes a stale unhealthy endpoint. Either way the health
// check timestamp is refreshed, starting a new cooldown on failure.
func (p *Pool) resurrect(ctx context.Context, ep *Endpoint) bool {
	if p.probe == nil {
		return false
	}

	pctx, cancel := context.WithTimeout(ctx, p.probeTimeout)
	err := p.probe(pctx, ep.URL, string(ep.Service))
	cancel()

	if err != nil {
		ep.setHealth(false, p.now())
		p.metrics.IncProbe("failure")
		return false
	}

	ep.setHealth(true, p.now())
	p.metrics.IncProbe("success")
	p.logger.Info("endpoint resurrected", "url", ep.URL, "service", ep.Service)
	return true
}

// pick applies the selection strategy. Candidates arrive in registration
// order, which gives deterministic tie-breaking.
func (p *Pool) pick(service domain.ServiceType, candidates []*Endpoint) *Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.strategy {
	case LeastInFlight:
		best := candidates[0]
		bestLoad := best.InFlight()
		for _, ep := range candidates[1:] {
			if load := ep.InFlight(); load < bestLoad {
				best, bestLoad = ep, load
			}
		}
		return best
	case Random:
		return candidates[p.rng.Intn(len(candidates))]
	default: // round-robin
		i := p.rrNext[service] % len(candidates)
		p.rrNext[service]++
		return candidates[i]
	}
}

// ReportSuccess records a completed dispatch and its latency.
func (p *Pool) ReportSuccess(ep *Endpoint, latency time.Duration) {
	if ep == nil {
		return
	}
	ep.endDispatch(latency)
}

// ReportFailure records a dispatch failure observed by the caller. The
// endpoint immediately flips unhealthy and its health check timestamp is
// stamped now, starting a fresh cooldown.
func (p *Pool) ReportFailure(ep *Endpoint) {
	if ep == nil {
		return
	}
	ep.endDispatch(0)
	ep.setHealth(false, p.now())
	p.logger.Warn("endpoint marked unhealthy", "url", ep.URL, "service", ep.Service)
}

// Snapshot returns the status of every registered endpoint, in registration
// order per service.
func (p *Pool) Snapshot() map[domain.ServiceType][]Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[domain.ServiceType][]Status, len(p.endpoints))
	for svc, eps := range p.endpoints {
		statuses := make([]Status, 0, len(eps))
		for _, ep := range eps {
			statuses = append(statuses, ep.status())
		}
		out[svc] = statuses
	}
	return out
}
