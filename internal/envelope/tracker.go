package envelope

import (
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// retentionPeriod is how long tracked entries are kept before cleanup.
const retentionPeriod = 7 * 24 * time.Hour

// maxEntries bounds the in-memory ring. Oldest entries are dropped first.
const maxEntries = 10000

// EventType identifies a tracker analysis finding.
type EventType string

const (
	EventThresholdExceeded EventType = "ERROR_THRESHOLD_EXCEEDED"
	EventCorrelationFound  EventType = "ERROR_CORRELATION_FOUND"
)

// Event is emitted by the tracker's analysis loops.
type Event struct {
	Type         EventType
	Category     Category
	Count        int
	RuleName     string
	GroupID      string
	Fingerprints []string
	At           time.Time
}

// CorrelationRule links errors whose messages match a pattern within a
// time window.
type CorrelationRule struct {
	Name       string
	Pattern    *regexp.Regexp
	Window     time.Duration
	MinMatches int
}

// DefaultCorrelationRules cover the failure cascades seen in practice:
// saturation and upstream unavailability tend to arrive in bursts.
func DefaultCorrelationRules() []CorrelationRule {
	return []CorrelationRule{
		{
			Name:       "capacity-cascade",
			Pattern:    regexp.MustCompile(`(?i)TIMEOUT|UNAVAILABLE|EXHAUSTED`),
			Window:     2 * time.Minute,
			MinMatches: 5,
		},
		{
			Name:       "auth-burst",
			Pattern:    regexp.MustCompile(`(?i)AUTH|CREDENTIAL|DENIED`),
			Window:     1 * time.Minute,
			MinMatches: 10,
		},
	}
}

// entry is one tracked error occurrence.
type entry struct {
	env              *Envelope
	fingerprint      string
	at               time.Time
	correlationGroup string
}

// TrackerConfig controls the tracker's analysis behavior.
type TrackerConfig struct {
	// TimeWindow is the sliding window for threshold counting.
	TimeWindow time.Duration
	// Thresholds are per-category ceilings within TimeWindow.
	Thresholds map[Category]int
	// AnalysisInterval is how often the watching loops run.
	AnalysisInterval time.Duration
	// Rules drive correlation detection. Nil means DefaultCorrelationRules.
	Rules []CorrelationRule
	// OnEvent receives analysis findings. May be nil.
	OnEvent func(Event)
}

// Tracker retains recent error envelopes, indexes them, and runs two
// concurrent analyses: threshold watching and correlation detection.
type Tracker struct {
	mu         sync.Mutex
	entries    []*entry
	byCategory map[Category]int
	bySeverity map[Severity]int
	byCode     map[string]int
	byGroup    map[string][]string // correlation group -> fingerprints

	cfg    TrackerConfig
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewTracker creates a tracker and starts its analysis and cleanup loops.
func NewTracker(cfg TrackerConfig) *Tracker {
	if cfg.TimeWindow <= 0 {
		cfg.TimeWindow = 5 * time.Minute
	}
	if cfg.AnalysisInterval <= 0 {
		cfg.AnalysisInterval = 15 * time.Second
	}
	if cfg.Rules == nil {
		cfg.Rules = DefaultCorrelationRules()
	}
	t := &Tracker{
		byCategory: make(map[Category]int),
		bySeverity: make(map[Severity]int),
		byCode:     make(map[string]int),
		byGroup:    make(map[string][]string),
		cfg:        cfg,
		stopCh:     make(chan struct{}),
	}

	t.wg.Add(2)
	go func() {
		defer t.wg.Done()
		t.analysisLoop()
	}()
	go func() {
		defer t.wg.Done()
		t.cleanupLoop()
	}()

	return t
}

// Record adds an error occurrence to the tracker.
// Security-category errors are additionally audit-logged.
func (t *Tracker) Record(env *Envelope) {
	fp := env.Fingerprint()
	e := &entry{env: env, fingerprint: fp, at: time.Now()}

	t.mu.Lock()
	t.entries = append(t.entries, e)
	if len(t.entries) > maxEntries {
		t.dropLocked(t.entries[0])
		t.entries = t.entries[1:]
	}
	t.byCategory[env.Category]++
	t.bySeverity[env.Severity]++
	t.byCode[env.Code]++
	t.mu.Unlock()

	if env.Category == CategorySecurity {
		log.Warn().
			Str("audit", "SECURITY_ERROR").
			Str("code", env.Code).
			Str("fingerprint", fp).
			Str("request_id", env.RequestID).
			Msg("Security error recorded")
	}
}

// CountByCategory returns the number of retained entries for a category.
func (t *Tracker) CountByCategory(c Category) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byCategory[c]
}

// CountByCode returns the number of retained entries for a code.
func (t *Tracker) CountByCode(code string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byCode[code]
}

// GroupMembers returns the fingerprints linked to a correlation group.
func (t *Tracker) GroupMembers(groupID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	members := make([]string, len(t.byGroup[groupID]))
	copy(members, t.byGroup[groupID])
	return members
}

// analysisLoop runs threshold watching and correlation detection on a timer.
func (t *Tracker) analysisLoop() {
	ticker := time.NewTicker(t.cfg.AnalysisInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.watchThresholds()
			t.detectCorrelations()
		}
	}
}

// watchThresholds emits ERROR_THRESHOLD_EXCEEDED when the per-category
// count within the time window crosses the configured ceiling.
func (t *Tracker) watchThresholds() {
	cutoff := time.Now().Add(-t.cfg.TimeWindow)

	counts := make(map[Category]int)
	t.mu.Lock()
	for _, e := range t.entries {
		if e.at.After(cutoff) {
			counts[e.env.Category]++
		}
	}
	t.mu.Unlock()

	for cat, ceiling := range t.cfg.Thresholds {
		if n := counts[cat]; ceiling > 0 && n > ceiling {
			log.Warn().
				Str("category", string(cat)).
				Int("count", n).
				Int("ceiling", ceiling).
				Dur("window", t.cfg.TimeWindow).
				Msg("Error threshold exceeded")
			t.emit(Event{
				Type:     EventThresholdExceeded,
				Category: cat,
				Count:    n,
				At:       time.Now(),
			})
		}
	}
}

// detectCorrelations applies the regex rules over recent entries. When a
// rule accumulates enough matches, the matching entries are linked to a
// generated correlation group id.
func (t *Tracker) detectCorrelations() {
	now := time.Now()

	for _, rule := range t.cfg.Rules {
		cutoff := now.Add(-rule.Window)

		t.mu.Lock()
		var matched []*entry
		for _, e := range t.entries {
			if e.at.Before(cutoff) || e.correlationGroup != "" {
				continue
			}
			if rule.Pattern.MatchString(e.env.Code) || rule.Pattern.MatchString(e.env.Message) {
				matched = append(matched, e)
			}
		}
		if len(matched) < rule.MinMatches {
			t.mu.Unlock()
			continue
		}

		groupID := uuid.NewString()
		fps := make([]string, 0, len(matched))
		for _, e := range matched {
			e.correlationGroup = groupID
			fps = append(fps, e.fingerprint)
		}
		t.byGroup[groupID] = fps
		t.mu.Unlock()

		log.Warn().
			Str("rule", rule.Name).
			Str("group_id", groupID).
			Int("matches", len(fps)).
			Msg("Error correlation found")
		t.emit(Event{
			Type:         EventCorrelationFound,
			RuleName:     rule.Name,
			GroupID:      groupID,
			Count:        len(fps),
			Fingerprints: fps,
			At:           now,
		})
	}
}

// cleanupLoop removes entries older than the retention period.
func (t *Tracker) cleanupLoop() {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.cleanup(time.Now().Add(-retentionPeriod))
		}
	}
}

func (t *Tracker) cleanup(cutoff time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	kept := t.entries[:0]
	removed := 0
	for _, e := range t.entries {
		if e.at.Before(cutoff) {
			t.dropLocked(e)
			removed++
			continue
		}
		kept = append(kept, e)
	}
	t.entries = kept

	if removed > 0 {
		log.Debug().Int("removed", removed).Int("remaining", len(t.entries)).Msg("Tracker cleanup completed")
	}
}

// dropLocked decrements the indexes for a removed entry. Caller holds mu.
func (t *Tracker) dropLocked(e *entry) {
	t.byCategory[e.env.Category]--
	t.bySeverity[e.env.Severity]--
	t.byCode[e.env.Code]--
}

func (t *Tracker) emit(ev Event) {
	if t.cfg.OnEvent != nil {
		t.cfg.OnEvent(ev)
	}
}

// Close stops the analysis and cleanup loops.
func (t *Tracker) Close() {
	close(t.stopCh)
	t.wg.Wait()
}
