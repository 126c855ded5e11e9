// Package health probes the subsystems the control plane depends on (store,
// cache, object store, background queue) and caches the result with
// single-flight protection so a thundering herd of health requests causes at
// most one probe run per TTL.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/errgroup"

	"go.cipherswarm.org/server/go/cslog"
	"go.cipherswarm.org/server/go/now"
	"go.cipherswarm.org/server/go/util"
	"go.cipherswarm.org/server/swarm/go/config"
)

const (
	// probeTimeout is the hard per-probe timeout.
	probeTimeout = 5 * time.Second

	cacheKey = "system_health"
	lockKey  = "system_health:probe_lock"

	// queueStaleness is how long the maintenance loop may go without a tick
	// before the background queue counts as unhealthy.
	queueStaleness = 3 * time.Minute
)

var probeResults = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "swarmserver_health_probe_results",
	Help: "Health probe outcomes by subsystem and status.",
}, []string{"subsystem", "status"})

// Status classifies a subsystem or the system as a whole.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	// StatusChecking is the placeholder returned while another caller holds
	// the probe lock and no cached result exists yet.
	StatusChecking Status = "checking"
)

// Check is the result of probing one subsystem.
type Check struct {
	Status    Status `json:"status"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// Report is the full system health result.
type Report struct {
	Status    Status           `json:"status"`
	Checks    map[string]Check `json:"checks"`
	CheckedAt time.Time        `json:"checked_at"`
}

// Pinger is anything whose liveness can be probed.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ResultCache is the slice of the shared cache the prober uses to store
// reports and serialize probe runs. *cache.Cache satisfies it.
type ResultCache interface {
	GetJSON(ctx context.Context, key string, dest interface{}) (bool, error)
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration, tags ...string) error
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	ReleaseLock(ctx context.Context, key, token string) error
	Ping(ctx context.Context) error
}

// Prober runs the four subsystem probes behind a cached single-flight.
type Prober struct {
	store       Pinger
	cache       ResultCache
	objectStore Pinger
	cfg         config.Config

	mu       sync.Mutex
	lastTick time.Time
}

// New returns a new Prober. objectStore may be nil when no object store is
// configured; its check then reports healthy. A nil cache disables result
// caching and single-flight; every Report call probes directly.
func New(store Pinger, c ResultCache, objectStore Pinger, cfg config.Config) *Prober {
	return &Prober{
		store:       store,
		cache:       c,
		objectStore: objectStore,
		cfg:         cfg,
	}
}

// TouchQueue records that the background maintenance loop ticked. The queue
// probe fails when no tick was observed recently.
func (p *Prober) TouchQueue(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastTick = now.Now(ctx)
}

// Report returns the current system health: the cached result when fresh,
// a freshly probed result when this caller wins the probe lock, and a
// checking placeholder otherwise.
func (p *Prober) Report(ctx context.Context) (Report, error) {
	if p.cache == nil {
		return p.probeAll(ctx), nil
	}
	var cached Report
	hit, err := p.cache.GetJSON(ctx, cacheKey, &cached)
	if err != nil {
		// With the cache down we can still answer from a direct probe run;
		// single-flight protection is lost but correctness is not.
		cslog.Warningf("health cache read failed: %s", err)
		return p.probeAll(ctx), nil
	}
	if hit {
		return cached, nil
	}

	token, ok, err := p.cache.AcquireLock(ctx, lockKey, p.cfg.HealthLock)
	if err != nil {
		cslog.Warningf("health probe lock failed: %s", err)
		return p.probeAll(ctx), nil
	}
	if !ok {
		// Another caller is probing right now.
		return Report{Status: StatusChecking, CheckedAt: now.Now(ctx)}, nil
	}
	defer func() {
		if err := p.cache.ReleaseLock(ctx, lockKey, token); err != nil {
			cslog.Warningf("health probe lock release failed: %s", err)
		}
	}()

	report := p.probeAll(ctx)
	if err := p.cache.SetJSON(ctx, cacheKey, report, p.cfg.HealthTTL); err != nil {
		cslog.Warningf("health cache write failed: %s", err)
	}
	return report, nil
}

// probeAll runs the four probes in parallel under the hard timeout.
func (p *Prober) probeAll(ctx context.Context) Report {
	checks := map[string]Check{}
	var mu sync.Mutex
	record := func(name string, check Check) {
		probeResults.WithLabelValues(name, string(check.Status)).Inc()
		mu.Lock()
		defer mu.Unlock()
		checks[name] = check
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		record("store", p.probe(egCtx, p.store.Ping))
		return nil
	})
	eg.Go(func() error {
		if p.cache == nil {
			record("cache", Check{Status: StatusHealthy})
			return nil
		}
		record("cache", p.probe(egCtx, p.cache.Ping))
		return nil
	})
	eg.Go(func() error {
		if p.objectStore == nil {
			record("object_store", Check{Status: StatusHealthy})
			return nil
		}
		record("object_store", p.probe(egCtx, p.objectStore.Ping))
		return nil
	})
	eg.Go(func() error {
		record("background_queue", p.probeQueue(egCtx))
		return nil
	})
	_ = eg.Wait()

	overall := StatusHealthy
	for _, check := range checks {
		if check.Status != StatusHealthy {
			overall = StatusUnhealthy
			break
		}
	}
	return Report{
		Status:    overall,
		Checks:    checks,
		CheckedAt: now.Now(ctx),
	}
}

func (p *Prober) probe(ctx context.Context, ping func(ctx context.Context) error) Check {
	start := time.Now()
	err := util.WithTimeout(ctx, probeTimeout, ping)
	check := Check{
		Status:    StatusHealthy,
		LatencyMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		check.Status = StatusUnhealthy
		check.Error = err.Error()
	}
	return check
}

func (p *Prober) probeQueue(ctx context.Context) Check {
	p.mu.Lock()
	lastTick := p.lastTick
	p.mu.Unlock()
	if util.TimeIsZero(lastTick) || now.Now(ctx).Sub(lastTick) > queueStaleness {
		return Check{
			Status: StatusUnhealthy,
			Error:  "no recent maintenance tick",
		}
	}
	return Check{Status: StatusHealthy}
}
