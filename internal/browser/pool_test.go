package browser

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/config"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/engine"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/types"
)

func testConfig() *config.Config {
	return &config.Config{
		MinBrowsers:         1,
		MaxBrowsers:         2,
		MaxPagesPerBrowser:  2,
		AcquisitionTimeout:  200 * time.Millisecond,
		HealthCheckInterval: time.Hour,
		IdleTimeout:         time.Hour,
		ScaleUpThreshold:    0.8,
		ScaleDownThreshold:  0.3,
		ScaleCooldown:       time.Hour,
		MaxScaleStep:        1,
		MaxBrowserLifetime:  time.Hour,
		RecyclingThreshold:  80,
		RecyclingCooldown:   time.Hour,
		MaxRecycleBatch:     2,
		MaintenanceHourLow:  0,
		MaintenanceHourHigh: 24,
		BreakerFailureThreshold:  3,
		BreakerMonitoringWindow:  time.Minute,
		BreakerResetTimeout:      time.Minute,
		BreakerHalfOpenMaxProbes: 1,
	}
}

func newTestPool(t *testing.T, cfg *config.Config) (*Pool, *engine.FakeLauncher) {
	t.Helper()
	launcher := engine.NewFakeLauncher()
	pool, err := NewPool(cfg, launcher)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Shutdown(context.Background()) })
	return pool, launcher
}

func TestPoolAcquireRelease(t *testing.T) {
	pool, _ := newTestPool(t, testConfig())

	lease, err := pool.Acquire(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", lease.SessionID)

	inst, err := pool.Instance(lease.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, StateActive, inst.State())
	assert.Equal(t, "sess-1", inst.Owner())

	require.NoError(t, pool.Release(lease))
	assert.Equal(t, StateIdle, inst.State())
	assert.Empty(t, inst.Owner())
}

func TestPoolGrowsOnDemand(t *testing.T) {
	pool, launcher := newTestPool(t, testConfig())

	l1, err := pool.Acquire(context.Background(), "sess-1")
	require.NoError(t, err)

	// Second acquisition exceeds the pre-warmed size; the pool launches
	// a new instance under MaxBrowsers.
	l2, err := pool.Acquire(context.Background(), "sess-2")
	require.NoError(t, err)
	assert.NotEqual(t, l1.InstanceID, l2.InstanceID)
	assert.Len(t, launcher.Launched(), 2)
}

func TestPoolExhaustedAtCapacity(t *testing.T) {
	pool, _ := newTestPool(t, testConfig())

	_, err := pool.Acquire(context.Background(), "sess-1")
	require.NoError(t, err)
	_, err = pool.Acquire(context.Background(), "sess-2")
	require.NoError(t, err)

	_, err = pool.Acquire(context.Background(), "sess-3")
	assert.ErrorIs(t, err, types.ErrPoolExhausted)
}

func TestPoolCapacityHoldsUnderConcurrentGrowth(t *testing.T) {
	cfg := testConfig()
	cfg.AcquisitionTimeout = 2 * time.Second
	launcher := engine.NewFakeLauncher()
	launcher.LaunchDelay = 100 * time.Millisecond
	pool, err := NewPool(cfg, launcher)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Shutdown(context.Background()) })

	hold, err := pool.Acquire(context.Background(), "sess-holder")
	require.NoError(t, err)

	// Both acquires see headroom of one; only one launch may happen.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := pool.Acquire(context.Background(), "sess-grow")
			if err == nil {
				_ = pool.Release(l)
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, len(launcher.Launched()), cfg.MaxBrowsers)
	assert.LessOrEqual(t, pool.Stats().Total, cfg.MaxBrowsers)
	require.NoError(t, pool.Release(hold))
}

func TestPoolFIFOQueueOrder(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBrowsers = 1
	cfg.AcquisitionTimeout = 2 * time.Second
	pool, _ := newTestPool(t, cfg)

	lease, err := pool.Acquire(context.Background(), "sess-holder")
	require.NoError(t, err)

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup

	// Two waiters queue in a known order.
	ready := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		close(ready)
		l, err := pool.Acquire(context.Background(), "sess-first")
		if err == nil {
			mu.Lock()
			order = append(order, "first")
			mu.Unlock()
			_ = pool.Release(l)
		}
	}()
	<-ready
	time.Sleep(50 * time.Millisecond) // ensure sess-first is queued first

	wg.Add(1)
	go func() {
		defer wg.Done()
		l, err := pool.Acquire(context.Background(), "sess-second")
		if err == nil {
			mu.Lock()
			order = append(order, "second")
			mu.Unlock()
			_ = pool.Release(l)
		}
	}()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, pool.Release(lease))
	wg.Wait()

	require.Equal(t, []string{"first", "second"}, order)
}

func TestPoolAcquireTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBrowsers = 1
	cfg.AcquisitionTimeout = 50 * time.Millisecond
	pool, _ := newTestPool(t, cfg)

	_, err := pool.Acquire(context.Background(), "sess-1")
	require.NoError(t, err)

	_, err = pool.Acquire(context.Background(), "sess-2")
	assert.ErrorIs(t, err, types.ErrPoolExhausted)
}

func TestPoolAcquireContextCanceled(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBrowsers = 1
	cfg.AcquisitionTimeout = 5 * time.Second
	pool, _ := newTestPool(t, cfg)

	_, err := pool.Acquire(context.Background(), "sess-1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err = pool.Acquire(ctx, "sess-2")
	assert.ErrorIs(t, err, types.ErrCanceled)
}

func TestPoolLeaseOwnership(t *testing.T) {
	pool, _ := newTestPool(t, testConfig())

	lease, err := pool.Acquire(context.Background(), "sess-1")
	require.NoError(t, err)

	// A different session cannot operate on the lease.
	stolen := &Lease{InstanceID: lease.InstanceID, SessionID: "sess-2"}
	_, _, err = pool.CreatePage(context.Background(), stolen, engine.PageOptions{})
	assert.ErrorIs(t, err, types.ErrNotLeaseOwner)
	assert.ErrorIs(t, pool.Release(stolen), types.ErrNotLeaseOwner)

	// The owner can.
	_, _, err = pool.CreatePage(context.Background(), lease, engine.PageOptions{})
	assert.NoError(t, err)
}

func TestPoolPageLimit(t *testing.T) {
	pool, _ := newTestPool(t, testConfig())

	lease, err := pool.Acquire(context.Background(), "sess-1")
	require.NoError(t, err)

	_, _, err = pool.CreatePage(context.Background(), lease, engine.PageOptions{})
	require.NoError(t, err)
	_, _, err = pool.CreatePage(context.Background(), lease, engine.PageOptions{})
	require.NoError(t, err)

	_, _, err = pool.CreatePage(context.Background(), lease, engine.PageOptions{})
	assert.ErrorIs(t, err, types.ErrPoolExhausted)
}

func TestPoolClosePage(t *testing.T) {
	pool, launcher := newTestPool(t, testConfig())

	lease, err := pool.Acquire(context.Background(), "sess-1")
	require.NoError(t, err)

	pageID, _, err := pool.CreatePage(context.Background(), lease, engine.PageOptions{})
	require.NoError(t, err)

	require.NoError(t, pool.ClosePage(lease, pageID))
	assert.ErrorIs(t, pool.ClosePage(lease, pageID), types.ErrPageNotFound)

	fb := launcher.Launched()[0]
	require.Len(t, fb.Pages(), 1)
	assert.True(t, fb.Pages()[0].Closed())
}

func TestPoolRecycleReplacesInstance(t *testing.T) {
	pool, launcher := newTestPool(t, testConfig())

	stats := pool.Stats()
	require.Equal(t, 1, stats.Total)

	var id string
	for _, b := range launcher.Launched() {
		_ = b
	}
	pool.mu.Lock()
	for iid := range pool.instances {
		id = iid
	}
	pool.mu.Unlock()

	require.NoError(t, pool.Recycle(id, "test"))

	stats = pool.Stats()
	assert.Equal(t, 1, stats.Total)
	assert.EqualValues(t, 1, stats.Recycled)

	_, err := pool.Instance(id)
	assert.ErrorIs(t, err, types.ErrBrowserNotFound)
	assert.True(t, launcher.Launched()[0].Closed())
}

func TestPoolRecycleSkipsActive(t *testing.T) {
	pool, _ := newTestPool(t, testConfig())

	lease, err := pool.Acquire(context.Background(), "sess-1")
	require.NoError(t, err)

	err = pool.Recycle(lease.InstanceID, "test")
	assert.Error(t, err)

	inst, err := pool.Instance(lease.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, StateActive, inst.State())
}

func TestPoolBreakerFailFast(t *testing.T) {
	cfg := testConfig()
	launcher := engine.NewFakeLauncher()
	pool, err := NewPool(cfg, launcher)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Shutdown(context.Background()) })

	launcher.LaunchErr = errors.New("chrome exploded")

	// Exhaust the breaker threshold with failing launches.
	for i := 0; i < cfg.BreakerFailureThreshold; i++ {
		_, err := pool.launchInstance(context.Background())
		require.Error(t, err)
	}
	assert.Equal(t, BreakerOpen, pool.Breaker().State())

	_, err = pool.launchInstance(context.Background())
	assert.ErrorIs(t, err, types.ErrCircuitOpen)
}

func TestPoolShutdownDrainsWaiters(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBrowsers = 1
	cfg.AcquisitionTimeout = 5 * time.Second
	launcher := engine.NewFakeLauncher()
	pool, err := NewPool(cfg, launcher)
	require.NoError(t, err)

	_, err = pool.Acquire(context.Background(), "sess-1")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := pool.Acquire(context.Background(), "sess-2")
		errCh <- err
	}()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, pool.Shutdown(context.Background()))
	assert.ErrorIs(t, <-errCh, types.ErrShuttingDown)

	_, err = pool.Acquire(context.Background(), "sess-3")
	assert.ErrorIs(t, err, types.ErrPoolClosed)
}

func TestPoolHealthCheckRecyclesAfterConsecutiveFailures(t *testing.T) {
	pool, launcher := newTestPool(t, testConfig())

	fb := launcher.Launched()[0]
	fb.SetUnhealthy(true)

	// Below the limit: still idle.
	pool.checkHealth()
	pool.checkHealth()
	stats := pool.Stats()
	assert.Equal(t, 1, stats.Idle)

	// Third consecutive failure marks it unhealthy and recycles.
	pool.checkHealth()
	require.Eventually(t, func() bool {
		s := pool.Stats()
		return s.Recycled >= 1 && s.Total == 1 && s.Idle == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.True(t, fb.Closed())
}

func TestPoolHealthRecoveryResetsCounter(t *testing.T) {
	pool, launcher := newTestPool(t, testConfig())

	fb := launcher.Launched()[0]
	fb.SetUnhealthy(true)
	pool.checkHealth()
	pool.checkHealth()

	fb.SetUnhealthy(false)
	pool.checkHealth()

	var inst *Instance
	pool.mu.Lock()
	for _, i := range pool.instances {
		inst = i
	}
	pool.mu.Unlock()
	assert.Equal(t, 0, inst.healthFailureCount())
}
