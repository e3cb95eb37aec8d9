package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/config"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/engine"
	"github.com/williamzujkowski/puppeteer-mcp-sub014/internal/types"
)

// healthFailureLimit is how many consecutive probe failures mark an
// instance unhealthy.
const healthFailureLimit = 3

// Lease is a session's exclusive hold on one browser instance.
type Lease struct {
	InstanceID string
	SessionID  string
	AcquiredAt time.Time
}

// waiter is one queued acquisition. Instances are handed over the channel;
// a waiter that gives up flips claimed so the dispatcher can re-offer.
type waiter struct {
	sessionID string
	ch        chan *Instance
	claimed   atomic.Bool
}

// PoolStats is a point-in-time pool snapshot.
type PoolStats struct {
	Total     int
	Idle      int
	Active    int
	Unhealthy int
	Queued    int
	Acquired  int64
	Released  int64
	Recycled  int64
	Errors    int64
	Timeouts  int64
	Breaker   BreakerState
}

// Pool manages browser engine instances and leases them to sessions.
//
// Lock ordering: p.mu before any instance mutex. Never hold p.mu across
// engine I/O (launch, close, page operations).
type Pool struct {
	cfg      *config.Config
	launcher engine.Launcher
	breaker  *CircuitBreaker

	mu        sync.Mutex
	instances map[string]*Instance
	queue     []*waiter
	launching int // launches in flight, counted against MaxBrowsers
	closed    atomic.Bool

	lastScaleAt   time.Time
	lastRecycleAt time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup

	acquired atomic.Int64
	released atomic.Int64
	recycled atomic.Int64
	errors   atomic.Int64
	timeouts atomic.Int64
}

// NewPool creates the pool and pre-warms it to MinBrowsers. Background
// loops for health checking, scaling, and recycling are started.
func NewPool(cfg *config.Config, l engine.Launcher) (*Pool, error) {
	log.Info().
		Int("min_browsers", cfg.MinBrowsers).
		Int("max_browsers", cfg.MaxBrowsers).
		Str("strategy", string(cfg.Strategy)).
		Bool("headless", cfg.Headless).
		Msg("Initializing browser pool")

	p := &Pool{
		cfg:      cfg,
		launcher: l,
		breaker: NewCircuitBreaker(BreakerConfig{
			FailureThreshold:  cfg.BreakerFailureThreshold,
			MonitoringWindow:  cfg.BreakerMonitoringWindow,
			ResetTimeout:      cfg.BreakerResetTimeout,
			HalfOpenMaxProbes: cfg.BreakerHalfOpenMaxProbes,
		}),
		instances: make(map[string]*Instance),
		stopCh:    make(chan struct{}),
	}

	for i := 0; i < cfg.MinBrowsers; i++ {
		if _, err := p.launchInstance(context.Background()); err != nil {
			_ = p.Shutdown(context.Background())
			return nil, fmt.Errorf("failed to pre-warm browser %d: %w", i, err)
		}
	}

	p.wg.Add(3)
	go func() { defer p.wg.Done(); p.healthLoop() }()
	go func() { defer p.wg.Done(); p.scalingLoop() }()
	go func() { defer p.wg.Done(); p.recyclingLoop() }()

	log.Info().Int("pool_size", cfg.MinBrowsers).Msg("Browser pool initialized")
	return p, nil
}

// launchInstance launches one engine through the circuit breaker and
// registers it idle. A capacity slot is reserved under p.mu before the
// launch starts, so concurrent launches can never push the pool past
// MaxBrowsers; the slot converts into the registered instance on success
// and is returned on any failure.
func (p *Pool) launchInstance(ctx context.Context) (*Instance, error) {
	p.mu.Lock()
	if len(p.instances)+p.launching >= p.cfg.MaxBrowsers {
		p.mu.Unlock()
		return nil, types.ErrPoolExhausted
	}
	p.launching++
	p.mu.Unlock()

	unreserve := func() {
		p.mu.Lock()
		p.launching--
		p.mu.Unlock()
	}

	if err := p.breaker.Allow(); err != nil {
		unreserve()
		return nil, err
	}

	b, err := p.launcher.Launch(ctx)
	if err != nil {
		unreserve()
		p.breaker.RecordFailure()
		p.errors.Add(1)
		return nil, fmt.Errorf("browser launch failed: %w", err)
	}
	p.breaker.RecordSuccess()

	inst := newInstance(uuid.NewString(), b)
	inst.transition(StateIdle)

	p.mu.Lock()
	p.launching--
	if p.closed.Load() {
		p.mu.Unlock()
		_ = b.Close()
		return nil, types.ErrPoolClosed
	}
	p.instances[inst.ID] = inst
	p.mu.Unlock()

	log.Debug().Str("browser_id", inst.ID).Msg("Browser instance launched")
	return inst, nil
}

// Acquire leases a browser to a session. Waiters are served strictly in
// arrival order; each waits at most AcquisitionTimeout.
func (p *Pool) Acquire(ctx context.Context, sessionID string) (*Lease, error) {
	if p.closed.Load() {
		return nil, types.ErrPoolClosed
	}

	// Fast path: an idle instance with an empty queue.
	p.mu.Lock()
	if len(p.queue) == 0 {
		if inst := p.idleInstanceLocked(); inst != nil && inst.lease(sessionID) {
			p.mu.Unlock()
			p.acquired.Add(1)
			return &Lease{InstanceID: inst.ID, SessionID: sessionID, AcquiredAt: time.Now()}, nil
		}
	}
	canGrow := len(p.instances)+p.launching < p.cfg.MaxBrowsers
	w := &waiter{sessionID: sessionID, ch: make(chan *Instance, 1)}
	p.queue = append(p.queue, w)
	p.mu.Unlock()

	// Launch a new instance outside the lock when under capacity. The
	// result is offered to the queue head, not necessarily this caller.
	// launchInstance re-checks capacity under the lock, so losing the
	// race to another launcher is not an error.
	if canGrow {
		go func() {
			inst, err := p.launchInstance(context.Background())
			if err != nil {
				if !errors.Is(err, types.ErrPoolExhausted) {
					log.Warn().Err(err).Msg("On-demand browser launch failed")
				}
				return
			}
			p.offer(inst)
		}()
	}

	timer := time.NewTimer(p.cfg.AcquisitionTimeout)
	defer timer.Stop()

	select {
	case inst := <-w.ch:
		p.acquired.Add(1)
		return &Lease{InstanceID: inst.ID, SessionID: sessionID, AcquiredAt: time.Now()}, nil

	case <-ctx.Done():
		p.abandonWaiter(w)
		return nil, fmt.Errorf("%w: %v", types.ErrCanceled, ctx.Err())

	case <-timer.C:
		p.abandonWaiter(w)
		p.timeouts.Add(1)
		if p.atCapacity() {
			return nil, types.ErrPoolExhausted
		}
		return nil, types.ErrAcquireTimeout

	case <-p.stopCh:
		p.abandonWaiter(w)
		return nil, types.ErrShuttingDown
	}
}

// abandonWaiter removes a waiter from the queue. If an instance was
// already handed over, it is reclaimed and re-offered.
func (p *Pool) abandonWaiter(w *waiter) {
	p.mu.Lock()
	for idx, q := range p.queue {
		if q == w {
			p.queue = append(p.queue[:idx], p.queue[idx+1:]...)
			break
		}
	}
	p.mu.Unlock()

	select {
	case inst := <-w.ch:
		inst.release()
		p.offer(inst)
	default:
	}
}

// idleInstanceLocked returns an idle instance, or nil. Caller holds p.mu.
func (p *Pool) idleInstanceLocked() *Instance {
	for _, inst := range p.instances {
		if inst.State() == StateIdle {
			return inst
		}
	}
	return nil
}

func (p *Pool) atCapacity() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.instances) >= p.cfg.MaxBrowsers
}

// offer hands an idle instance to the queue head, in arrival order.
func (p *Pool) offer(inst *Instance) {
	for {
		p.mu.Lock()
		if p.closed.Load() {
			p.mu.Unlock()
			return
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		w := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		if !inst.lease(w.sessionID) {
			// Instance went unhealthy or is being recycled; re-queue the
			// waiter at the head and stop offering this one.
			p.mu.Lock()
			p.queue = append([]*waiter{w}, p.queue...)
			p.mu.Unlock()
			return
		}
		if w.claimed.CompareAndSwap(false, true) {
			w.ch <- inst
			return
		}
		// Waiter already gave up; undo the lease and try the next one.
		inst.release()
	}
}

// Release returns a leased browser to the pool. Pages opened during the
// lease stay open; the page manager owns their lifecycle.
func (p *Pool) Release(lease *Lease) error {
	if lease == nil {
		return nil
	}
	p.mu.Lock()
	inst, ok := p.instances[lease.InstanceID]
	p.mu.Unlock()
	if !ok {
		return types.ErrBrowserNotFound
	}
	if err := inst.verifyOwner(lease.SessionID); err != nil {
		return err
	}
	if !inst.release() {
		return types.ErrBrowserNotFound
	}
	p.released.Add(1)

	p.offer(inst)
	return nil
}

// CreatePage opens a page on a leased instance. Only the lease owner may
// create pages, and the per-instance page cap applies.
func (p *Pool) CreatePage(ctx context.Context, lease *Lease, opts engine.PageOptions) (string, engine.Page, error) {
	p.mu.Lock()
	inst, ok := p.instances[lease.InstanceID]
	p.mu.Unlock()
	if !ok {
		return "", nil, types.ErrBrowserNotFound
	}
	if err := inst.verifyOwner(lease.SessionID); err != nil {
		return "", nil, err
	}
	if inst.pageCount() >= p.cfg.MaxPagesPerBrowser {
		return "", nil, fmt.Errorf("%w: page limit %d reached", types.ErrPoolExhausted, p.cfg.MaxPagesPerBrowser)
	}

	page, err := inst.browser.NewPage(ctx, opts)
	if err != nil {
		inst.errorCount.Add(1)
		p.errors.Add(1)
		return "", nil, err
	}
	pageID := uuid.NewString()
	inst.addPage(pageID, page)
	return pageID, page, nil
}

// ClosePage closes a page on a leased instance.
func (p *Pool) ClosePage(lease *Lease, pageID string) error {
	p.mu.Lock()
	inst, ok := p.instances[lease.InstanceID]
	p.mu.Unlock()
	if !ok {
		return types.ErrBrowserNotFound
	}
	if err := inst.verifyOwner(lease.SessionID); err != nil {
		return err
	}
	page, ok := inst.removePage(pageID)
	if !ok {
		return types.ErrPageNotFound
	}
	if err := page.Close(); err != nil {
		log.Debug().Err(err).Str("page_id", pageID).Msg("Error closing page")
	}
	return nil
}

// Instance returns a pooled instance by id.
func (p *Pool) Instance(id string) (*Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	inst, ok := p.instances[id]
	if !ok {
		return nil, types.ErrBrowserNotFound
	}
	return inst, nil
}

// Recycle replaces an instance with a fresh one. Active instances are not
// recycled; callers wait for release or mark them unhealthy first.
func (p *Pool) Recycle(instanceID, reason string) error {
	p.mu.Lock()
	inst, ok := p.instances[instanceID]
	p.mu.Unlock()
	if !ok {
		return types.ErrBrowserNotFound
	}

	if !inst.transition(StateRecycling) {
		return fmt.Errorf("%w: instance %s is %s", types.ErrBrowserNotFound, instanceID, inst.State())
	}
	p.recycled.Add(1)
	p.mu.Lock()
	p.lastRecycleAt = time.Now()
	p.mu.Unlock()

	log.Info().
		Str("browser_id", instanceID).
		Str("reason", reason).
		Int64("use_count", inst.useCount.Load()).
		Dur("age", inst.Age()).
		Msg("Recycling browser instance")

	p.destroyInstance(inst)

	// Replace only when below the floor; the scaler handles the rest.
	p.mu.Lock()
	needReplacement := len(p.instances) < p.cfg.MinBrowsers && !p.closed.Load()
	p.mu.Unlock()
	if needReplacement {
		if newInst, err := p.launchInstance(context.Background()); err != nil {
			log.Error().Err(err).Msg("Failed to launch replacement browser")
		} else {
			p.offer(newInst)
		}
	}
	return nil
}

// destroyInstance closes all pages and the engine, then deregisters it.
func (p *Pool) destroyInstance(inst *Instance) {
	for _, page := range inst.drainPages() {
		_ = page.Close()
	}
	if err := inst.browser.Close(); err != nil {
		log.Debug().Err(err).Str("browser_id", inst.ID).Msg("Error closing browser engine")
	}
	inst.transition(StateClosed)

	p.mu.Lock()
	delete(p.instances, inst.ID)
	p.mu.Unlock()
}

// healthLoop probes idle instances on a timer.
func (p *Pool) healthLoop() {
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.checkHealth()
		}
	}
}

// checkHealth probes idle instances. Three consecutive failures mark an
// instance unhealthy and queue it for recycling. Active instances are
// skipped so probes never interfere with running actions.
func (p *Pool) checkHealth() {
	p.mu.Lock()
	candidates := make([]*Instance, 0, len(p.instances))
	for _, inst := range p.instances {
		if inst.State() == StateIdle {
			candidates = append(candidates, inst)
		}
	}
	p.mu.Unlock()

	for _, inst := range candidates {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		healthy := inst.browser.Healthy(ctx)
		cancel()

		if healthy {
			inst.recordHealthSuccess()
			continue
		}
		failures := inst.recordHealthFailure()
		log.Warn().
			Str("browser_id", inst.ID).
			Int("consecutive_failures", failures).
			Msg("Browser health probe failed")

		if failures >= healthFailureLimit {
			if inst.transition(StateUnhealthy) {
				go func(id string) {
					if err := p.Recycle(id, "unhealthy"); err != nil {
						log.Debug().Err(err).Str("browser_id", id).Msg("Recycle of unhealthy browser failed")
					}
				}(inst.ID)
			}
		}
	}
}

// Stats returns a pool snapshot.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := PoolStats{
		Total:    len(p.instances),
		Queued:   len(p.queue),
		Acquired: p.acquired.Load(),
		Released: p.released.Load(),
		Recycled: p.recycled.Load(),
		Errors:   p.errors.Load(),
		Timeouts: p.timeouts.Load(),
		Breaker:  p.breaker.State(),
	}
	for _, inst := range p.instances {
		switch inst.State() {
		case StateIdle:
			s.Idle++
		case StateActive:
			s.Active++
		case StateUnhealthy:
			s.Unhealthy++
		}
	}
	return s
}

// Breaker exposes the launch circuit breaker.
func (p *Pool) Breaker() *CircuitBreaker { return p.breaker }

// Shutdown drains the wait queue, stops the background loops, and closes
// every instance in parallel.
func (p *Pool) Shutdown(ctx context.Context) error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(p.stopCh)
	p.wg.Wait()

	// Drain queued waiters; their Acquire calls observe stopCh and fail
	// with ErrShuttingDown.
	p.mu.Lock()
	p.queue = nil
	instances := make([]*Instance, 0, len(p.instances))
	for _, inst := range p.instances {
		instances = append(instances, inst)
	}
	p.instances = make(map[string]*Instance)
	p.mu.Unlock()

	eg := new(errgroup.Group)
	eg.SetLimit(4)
	for _, inst := range instances {
		in := inst
		eg.Go(func() error {
			for _, page := range in.drainPages() {
				_ = page.Close()
			}
			if err := in.browser.Close(); err != nil {
				log.Debug().Err(err).Str("browser_id", in.ID).Msg("Error closing browser during shutdown")
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		log.Error().Err(err).Msg("Pool shutdown encountered errors")
	}

	log.Info().Int("closed", len(instances)).Msg("Browser pool closed")
	return nil
}
