package browser

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecideScalingUp(t *testing.T) {
	pool, _ := newTestPool(t, testConfig())

	d := pool.decideScaling(scalingSignals{total: 2, active: 2, utilization: 1.0})
	assert.Equal(t, 0, d.delta, "no headroom above MaxBrowsers")

	d = pool.decideScaling(scalingSignals{total: 1, active: 1, utilization: 1.0})
	assert.Equal(t, 1, d.delta)

	// Queued waiters force scale-up even when utilization reads low.
	d = pool.decideScaling(scalingSignals{total: 1, active: 0, queued: 3, utilization: 0})
	assert.Equal(t, 1, d.delta, "clamped to MaxScaleStep")
}

func TestDecideScalingDown(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBrowsers = 5
	cfg.MaxScaleStep = 2
	pool, _ := newTestPool(t, cfg)

	d := pool.decideScaling(scalingSignals{total: 4, active: 0, utilization: 0})
	assert.Equal(t, -2, d.delta, "clamped to MaxScaleStep")

	// Never below MinBrowsers.
	d = pool.decideScaling(scalingSignals{total: 1, active: 0, utilization: 0})
	assert.Equal(t, 0, d.delta)

	// Utilization between thresholds holds steady.
	d = pool.decideScaling(scalingSignals{total: 2, active: 1, utilization: 0.5})
	assert.Equal(t, 0, d.delta)
}

func TestEvaluateScalingCooldown(t *testing.T) {
	cfg := testConfig()
	cfg.ScaleCooldown = time.Hour
	pool, launcher := newTestPool(t, cfg)

	lease, err := pool.Acquire(context.Background(), "sess-1")
	require.NoError(t, err)
	defer pool.Release(lease)

	pool.mu.Lock()
	pool.lastScaleAt = time.Now()
	pool.mu.Unlock()

	// Utilization is 1.0 but the cooldown suppresses action.
	pool.evaluateScaling()
	assert.Len(t, launcher.Launched(), 1)
}

func TestScaleDownRetiresIdleOnly(t *testing.T) {
	cfg := testConfig()
	cfg.MinBrowsers = 1
	cfg.MaxBrowsers = 3
	pool, _ := newTestPool(t, cfg)

	lease, err := pool.Acquire(context.Background(), "sess-1")
	require.NoError(t, err)

	// Only the active instance exists; nothing to retire.
	pool.scaleDown(1)
	assert.Equal(t, 1, pool.Stats().Total)

	inst, err := pool.Instance(lease.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, StateActive, inst.State())
}
