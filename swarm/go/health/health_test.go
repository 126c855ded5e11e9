package health

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"go.cipherswarm.org/server/go/now"
	"go.cipherswarm.org/server/swarm/go/config"
	"go.cipherswarm.org/server/swarm/go/db/memory"
)

var testTime = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func healthyPing(ctx context.Context) error { return nil }

// fakeCache is an in-memory ResultCache with compare-and-delete lock
// semantics, recording enough to assert on the single-flight protocol.
type fakeCache struct {
	mu        sync.Mutex
	data      map[string][]byte
	setTTLs   map[string]time.Duration
	locks     map[string]string
	acquired  []string
	released  []string
	nextToken int
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		data:    map[string][]byte{},
		setTTLs: map[string]time.Duration{},
		locks:   map[string]string{},
	}
}

func (f *fakeCache) GetJSON(ctx context.Context, key string, dest interface{}) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.data[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(b, dest)
}

func (f *fakeCache) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration, tags ...string) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = b
	f.setTTLs[key] = ttl
	return nil
}

func (f *fakeCache) AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, held := f.locks[key]; held {
		return "", false, nil
	}
	f.nextToken++
	token := fmt.Sprintf("token-%d", f.nextToken)
	f.locks[key] = token
	f.acquired = append(f.acquired, token)
	return token, true, nil
}

func (f *fakeCache) ReleaseLock(ctx context.Context, key, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.locks[key] == token {
		delete(f.locks, key)
		f.released = append(f.released, token)
	}
	return nil
}

func (f *fakeCache) Ping(ctx context.Context) error { return nil }

func TestReport_AllHealthy(t *testing.T) {
	ctx := now.TimeTravelingContext(testTime)
	p := New(memory.New(), nil, pingFunc(healthyPing), config.Config{})
	p.TouchQueue(ctx)

	report, err := p.Report(ctx)
	require.NoError(t, err)
	require.Equal(t, StatusHealthy, report.Status)
	require.Equal(t, testTime, report.CheckedAt)
	for _, name := range []string{"store", "cache", "object_store", "background_queue"} {
		require.Equal(t, StatusHealthy, report.Checks[name].Status, name)
	}
}

func TestReport_NilObjectStoreCountsHealthy(t *testing.T) {
	ctx := now.TimeTravelingContext(testTime)
	p := New(memory.New(), nil, nil, config.Config{})
	p.TouchQueue(ctx)

	report, err := p.Report(ctx)
	require.NoError(t, err)
	require.Equal(t, StatusHealthy, report.Checks["object_store"].Status)
}

func TestReport_FailingStoreMakesSystemUnhealthy(t *testing.T) {
	ctx := now.TimeTravelingContext(testTime)
	broken := pingFunc(func(ctx context.Context) error {
		return errors.New("connection refused")
	})
	p := New(broken, nil, nil, config.Config{})
	p.TouchQueue(ctx)

	report, err := p.Report(ctx)
	require.NoError(t, err)
	require.Equal(t, StatusUnhealthy, report.Status)
	require.Equal(t, StatusUnhealthy, report.Checks["store"].Status)
	require.Contains(t, report.Checks["store"].Error, "connection refused")
	require.Equal(t, StatusHealthy, report.Checks["background_queue"].Status)
}

func TestReport_QueueStaleness(t *testing.T) {
	ctx := now.TimeTravelingContext(testTime)
	p := New(memory.New(), nil, nil, config.Config{})

	// No tick observed yet.
	report, err := p.Report(ctx)
	require.NoError(t, err)
	require.Equal(t, StatusUnhealthy, report.Status)
	require.Equal(t, StatusUnhealthy, report.Checks["background_queue"].Status)

	p.TouchQueue(ctx)
	report, err = p.Report(ctx)
	require.NoError(t, err)
	require.Equal(t, StatusHealthy, report.Checks["background_queue"].Status)

	// The last tick ages out.
	ctx.AdvanceTime(4 * time.Minute)
	report, err = p.Report(ctx)
	require.NoError(t, err)
	require.Equal(t, StatusUnhealthy, report.Checks["background_queue"].Status)
}

func TestReport_ServedFromCache(t *testing.T) {
	ctx := now.TimeTravelingContext(testTime)
	fc := newFakeCache()
	cached := Report{
		Status:    StatusHealthy,
		Checks:    map[string]Check{"store": {Status: StatusHealthy}},
		CheckedAt: testTime.Add(-time.Second),
	}
	require.NoError(t, fc.SetJSON(ctx, "system_health", cached, time.Minute))

	var pings int
	counting := pingFunc(func(ctx context.Context) error {
		pings++
		return nil
	})
	p := New(counting, fc, nil, config.Config{HealthTTL: time.Minute, HealthLock: 10 * time.Second})
	p.TouchQueue(ctx)

	report, err := p.Report(ctx)
	require.NoError(t, err)
	require.Equal(t, cached, report)
	require.Zero(t, pings)
	require.Empty(t, fc.acquired)
}

func TestReport_LockHeldReturnsChecking(t *testing.T) {
	ctx := now.TimeTravelingContext(testTime)
	fc := newFakeCache()
	fc.locks["system_health:probe_lock"] = "someone-else"

	var pings int
	counting := pingFunc(func(ctx context.Context) error {
		pings++
		return nil
	})
	p := New(counting, fc, nil, config.Config{HealthTTL: time.Minute, HealthLock: 10 * time.Second})
	p.TouchQueue(ctx)

	report, err := p.Report(ctx)
	require.NoError(t, err)
	require.Equal(t, StatusChecking, report.Status)
	require.Equal(t, testTime, report.CheckedAt)
	require.Zero(t, pings)
}

func TestReport_SingleFlightUnderContention(t *testing.T) {
	ctx := now.TimeTravelingContext(testTime)
	fc := newFakeCache()
	cfg := config.Config{HealthTTL: time.Minute, HealthLock: 10 * time.Second}

	// The store ping blocks so the winner demonstrably holds the lock while
	// other callers come and go.
	var mu sync.Mutex
	pings := 0
	started := make(chan struct{})
	var startedOnce sync.Once
	unblock := make(chan struct{})
	blocking := pingFunc(func(ctx context.Context) error {
		mu.Lock()
		pings++
		mu.Unlock()
		startedOnce.Do(func() { close(started) })
		<-unblock
		return nil
	})
	p := New(blocking, fc, nil, cfg)
	p.TouchQueue(ctx)

	type result struct {
		report Report
		err    error
	}
	winner := make(chan result, 1)
	go func() {
		r, err := p.Report(ctx)
		winner <- result{r, err}
	}()
	<-started

	// While the probe run is in flight every other caller loses the lock and
	// gets the placeholder, without probing anything.
	for i := 0; i < 3; i++ {
		report, err := p.Report(ctx)
		require.NoError(t, err)
		require.Equal(t, StatusChecking, report.Status)
	}

	close(unblock)
	res := <-winner
	require.NoError(t, res.err)
	require.Equal(t, StatusHealthy, res.report.Status)
	mu.Lock()
	require.Equal(t, 1, pings)
	mu.Unlock()

	// The winner cached its report under the configured TTL and released the
	// lock it acquired.
	require.Equal(t, cfg.HealthTTL, fc.setTTLs["system_health"])
	require.Equal(t, fc.acquired, fc.released)
	require.Len(t, fc.acquired, 1)

	// Until the TTL expires further calls are served from the cache and no
	// probe runs.
	report, err := p.Report(ctx)
	require.NoError(t, err)
	require.Equal(t, res.report, report)
	mu.Lock()
	require.Equal(t, 1, pings)
	mu.Unlock()
}
