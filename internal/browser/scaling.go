package browser

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// scalingSignals is the input vector for one scaling decision.
type scalingSignals struct {
	total       int
	active      int
	queued      int
	utilization float64
}

// scalingDecision is the outcome of evaluating the signals.
type scalingDecision struct {
	delta  int // positive = launch, negative = retire
	reason string
}

// scalingLoop periodically evaluates pool utilization and resizes within
// the configured bounds.
func (p *Pool) scalingLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.evaluateScaling()
		}
	}
}

// collectSignals gathers the current utilization vector.
func (p *Pool) collectSignals() scalingSignals {
	s := p.Stats()
	sig := scalingSignals{total: s.Total, active: s.Active, queued: s.Queued}
	if s.Total > 0 {
		sig.utilization = float64(s.Active) / float64(s.Total)
	}
	return sig
}

// decideScaling applies the strategy thresholds to the signal vector.
// Queued waiters always count as demand pressure.
func (p *Pool) decideScaling(sig scalingSignals) scalingDecision {
	if sig.queued > 0 || sig.utilization > p.cfg.ScaleUpThreshold {
		want := sig.queued
		if want == 0 {
			want = 1
		}
		if want > p.cfg.MaxScaleStep {
			want = p.cfg.MaxScaleStep
		}
		headroom := p.cfg.MaxBrowsers - sig.total
		if want > headroom {
			want = headroom
		}
		if want > 0 {
			return scalingDecision{delta: want, reason: "high utilization"}
		}
		return scalingDecision{}
	}

	if sig.utilization < p.cfg.ScaleDownThreshold {
		idle := sig.total - sig.active
		shrinkable := sig.total - p.cfg.MinBrowsers
		want := idle
		if want > shrinkable {
			want = shrinkable
		}
		if want > p.cfg.MaxScaleStep {
			want = p.cfg.MaxScaleStep
		}
		if want > 0 {
			return scalingDecision{delta: -want, reason: "low utilization"}
		}
	}
	return scalingDecision{}
}

// evaluateScaling runs one scaling cycle, honoring the cooldown.
func (p *Pool) evaluateScaling() {
	p.mu.Lock()
	inCooldown := time.Since(p.lastScaleAt) < p.cfg.ScaleCooldown
	p.mu.Unlock()
	if inCooldown {
		return
	}

	sig := p.collectSignals()
	decision := p.decideScaling(sig)
	if decision.delta == 0 {
		return
	}

	log.Info().
		Int("delta", decision.delta).
		Str("reason", decision.reason).
		Float64("utilization", sig.utilization).
		Int("queued", sig.queued).
		Int("total", sig.total).
		Msg("Scaling browser pool")

	p.mu.Lock()
	p.lastScaleAt = time.Now()
	p.mu.Unlock()

	if decision.delta > 0 {
		p.scaleUp(decision.delta)
	} else {
		p.scaleDown(-decision.delta)
	}
}

func (p *Pool) scaleUp(n int) {
	for i := 0; i < n; i++ {
		inst, err := p.launchInstance(context.Background())
		if err != nil {
			log.Warn().Err(err).Msg("Scale-up launch failed")
			return
		}
		p.offer(inst)
	}
}

// scaleDown retires up to n idle instances, oldest first. Active
// instances are never touched.
func (p *Pool) scaleDown(n int) {
	p.mu.Lock()
	var victims []*Instance
	for _, inst := range p.instances {
		if len(victims) >= n {
			break
		}
		if inst.State() == StateIdle {
			victims = append(victims, inst)
		}
	}
	p.mu.Unlock()

	for _, inst := range victims {
		if !inst.transition(StateRecycling) {
			continue
		}
		log.Debug().Str("browser_id", inst.ID).Msg("Retiring idle browser (scale down)")
		p.destroyInstance(inst)
	}
}
