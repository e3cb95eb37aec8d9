package browser

import (
	"time"

	"github.com/rs/zerolog/log"
)

// Composite recycling score weights. The score lands in [0,100]; an
// instance whose score crosses the configured threshold is replaced.
const (
	weightAge      = 40.0
	weightUseCount = 30.0
	weightHealth   = 20.0
	weightErrors   = 10.0

	// useCountCeiling is the use count that saturates its score component.
	useCountCeiling = 500
	// errorCeiling saturates the error component.
	errorCeiling = 20
)

// recycleScore computes the composite wear score for an instance.
func (p *Pool) recycleScore(inst *Instance) float64 {
	ageFrac := float64(inst.Age()) / float64(p.cfg.MaxBrowserLifetime)
	if ageFrac > 1 {
		ageFrac = 1
	}
	useFrac := float64(inst.useCount.Load()) / useCountCeiling
	if useFrac > 1 {
		useFrac = 1
	}
	healthFrac := float64(inst.healthFailureCount()) / healthFailureLimit
	if healthFrac > 1 {
		healthFrac = 1
	}
	errFrac := float64(inst.errorCount.Load()) / errorCeiling
	if errFrac > 1 {
		errFrac = 1
	}
	return ageFrac*weightAge + useFrac*weightUseCount + healthFrac*weightHealth + errFrac*weightErrors
}

// inMaintenanceWindow reports whether the current hour falls inside the
// configured low-traffic window. Proactive recycling only runs then;
// lifetime-expired instances are recycled regardless.
func (p *Pool) inMaintenanceWindow(now time.Time) bool {
	lo, hi := p.cfg.MaintenanceHourLow, p.cfg.MaintenanceHourHigh
	h := now.Hour()
	if lo <= hi {
		return h >= lo && h < hi
	}
	// Window wraps midnight, e.g. 22-04.
	return h >= lo || h < hi
}

// recyclingLoop replaces worn instances on a timer.
func (p *Pool) recyclingLoop() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.evaluateRecycling(time.Now())
		}
	}
}

// evaluateRecycling runs one recycling cycle. At most MaxRecycleBatch
// instances go per cycle, idle ones only, and never below MinBrowsers.
func (p *Pool) evaluateRecycling(now time.Time) {
	p.mu.Lock()
	inCooldown := now.Sub(p.lastRecycleAt) < p.cfg.RecyclingCooldown
	total := len(p.instances)
	candidates := make([]*Instance, 0, total)
	for _, inst := range p.instances {
		if inst.State() == StateIdle {
			candidates = append(candidates, inst)
		}
	}
	p.mu.Unlock()

	if inCooldown {
		return
	}

	inWindow := p.inMaintenanceWindow(now)
	budget := p.cfg.MaxRecycleBatch
	floor := p.cfg.MinBrowsers

	for _, inst := range candidates {
		if budget <= 0 {
			return
		}
		expired := inst.Age() >= p.cfg.MaxBrowserLifetime
		score := p.recycleScore(inst)
		worn := score >= p.cfg.RecyclingThreshold

		// Score-based recycling is deferred to the maintenance window;
		// hard lifetime expiry is not.
		if !expired && !(worn && inWindow) {
			continue
		}

		// Keep capacity: when recycling would dip below the floor, the
		// replacement launch in Recycle restores it, but skip score-based
		// recycling under load.
		if !expired && total-1 < floor {
			continue
		}

		reason := "lifetime expired"
		if !expired {
			reason = "wear score"
		}
		log.Debug().
			Str("browser_id", inst.ID).
			Float64("score", score).
			Str("reason", reason).
			Msg("Browser selected for recycling")

		if err := p.Recycle(inst.ID, reason); err != nil {
			log.Debug().Err(err).Str("browser_id", inst.ID).Msg("Recycle skipped")
			continue
		}
		budget--
		total--
	}
}
