// Package detector implements the change detector: a periodic sampler
// that diffs system state against the last emitted sample and enqueues
// status_update/stats_update/health_* broadcasts only on meaningful
// transitions and threshold crossings.
package detector

import (
	"time"

	"github.com/presencehub/hub/src/types"
	"github.com/rs/zerolog"
)

// StatusSample is one observed system snapshot, diffed field-by-field
// against the previous sample (spec section 3's S_status).
type StatusSample struct {
	CPUPercent        float64
	MemoryPercent     float64
	DiskPercent       float64
	ActiveConnections int
	Online            bool
}

// StatsSample is the request-rate snapshot diffed for stats_update
// emission (spec section 3's S_stats).
type StatsSample struct {
	RequestsPerSecond float64
	RequestsTotal     int64
}

// Change records one field that differs between consecutive samples.
type Change struct {
	Field    string `json:"field"`
	OldValue any    `json:"oldValue"`
	NewValue any    `json:"newValue"`
	Delta    *float64 `json:"delta,omitempty"`
}

// Level is a monitored component's health classification.
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// levelFor classifies value against threshold T per spec section 4.5:
// value > T+15 -> critical; value > T -> warning; else info.
func levelFor(value, threshold float64) Level {
	switch {
	case value > threshold+15:
		return LevelCritical
	case value > threshold:
		return LevelWarning
	default:
		return LevelInfo
	}
}

// Scheduler is the subset of scheduler.Scheduler the detector needs.
type Scheduler interface {
	Broadcast(t types.MessageType, event types.ServerEvent, data map[string]any, priority types.Priority) bool
}

// StatusSampler produces the current status snapshot. ok=false signals a
// missing sample, which the detector must tolerate as "no change" rather
// than stalling (spec section 4.5).
type StatusSampler func() (StatusSample, bool)

// StatsSampler produces the current request-rate snapshot.
type StatsSampler func() (StatsSample, bool)

// HealthSampler produces current values for every monitored component,
// keyed by component name (e.g. "cpu", "memory").
type HealthSampler func() map[string]float64

// Config holds the detector's tunables.
type Config struct {
	SampleInterval  time.Duration
	CPUThreshold    float64
	MemoryThreshold float64
	// HealthThresholds maps component name -> threshold for the health
	// state machine. "cpu"/"memory" default to CPUThreshold/MemoryThreshold
	// if absent.
	HealthThresholds map[string]float64
}

// DefaultConfig returns the spec's documented 1000ms sampling cadence and
// a threshold of 80 for both monitored critical fields.
func DefaultConfig() Config {
	return Config{
		SampleInterval:  time.Second,
		CPUThreshold:    80,
		MemoryThreshold: 80,
	}
}

// Detector owns the last-observed samples and health levels exclusively;
// it only reads them itself and only ever enqueues to the scheduler (spec
// section 3: "Detector exclusively owns S_* and HealthLevel").
type Detector struct {
	cfg       Config
	scheduler Scheduler
	logger    zerolog.Logger

	statusSampler StatusSampler
	statsSampler  StatsSampler
	healthSampler HealthSampler

	lastStatus *StatusSample
	lastStats  *StatsSample
	levels     map[string]Level
	thresholds map[string]float64

	stopCh chan struct{}
}

// New creates a Detector. Samplers may be nil if that sample family is not
// wired; the detector simply skips it each tick.
func New(cfg Config, scheduler Scheduler, statusSampler StatusSampler, statsSampler StatsSampler, healthSampler HealthSampler, logger zerolog.Logger) *Detector {
	thresholds := make(map[string]float64, len(cfg.HealthThresholds)+2)
	thresholds["cpu"] = cfg.CPUThreshold
	thresholds["memory"] = cfg.MemoryThreshold
	for k, v := range cfg.HealthThresholds {
		thresholds[k] = v
	}
	return &Detector{
		cfg:           cfg,
		scheduler:     scheduler,
		logger:        logger.With().Str("component", "detector").Logger(),
		statusSampler: statusSampler,
		statsSampler:  statsSampler,
		healthSampler: healthSampler,
		levels:        make(map[string]Level),
		thresholds:    thresholds,
		stopCh:        make(chan struct{}),
	}
}

// Run starts the sampling loop. Blocks until Stop is called.
func (d *Detector) Run() {
	ticker := time.NewTicker(d.cfg.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.tick()
		case <-d.stopCh:
			return
		}
	}
}

// Stop halts the sampling loop.
func (d *Detector) Stop() {
	close(d.stopCh)
}

func (d *Detector) tick() {
	d.tickStatus()
	d.tickStats()
	d.tickHealth()
}

func (d *Detector) tickStatus() {
	if d.statusSampler == nil {
		return
	}
	sample, ok := d.statusSampler()
	if !ok {
		return
	}

	if d.lastStatus == nil {
		d.lastStatus = &sample
		d.scheduler.Broadcast(types.MessageStatus, types.EventStatusUpdate, map[string]any{
			"changes": []Change{{Field: "all", OldValue: nil, NewValue: sample}},
			"sample":  sample,
		}, types.PriorityNormal)
		return
	}

	changes := diffStatus(*d.lastStatus, sample)
	if len(changes) == 0 {
		return
	}

	priority := types.PriorityLow
	switch {
	case crossesCriticalThreshold(changes, sample, d.thresholds):
		priority = types.PriorityHigh
	case len(changes) > 3:
		priority = types.PriorityNormal
	}

	d.lastStatus = &sample
	d.scheduler.Broadcast(types.MessageStatus, types.EventStatusUpdate, map[string]any{
		"changes": changes,
		"sample":  sample,
	}, priority)
}

func diffStatus(old, cur StatusSample) []Change {
	var changes []Change
	if old.CPUPercent != cur.CPUPercent {
		delta := cur.CPUPercent - old.CPUPercent
		changes = append(changes, Change{Field: "cpu", OldValue: old.CPUPercent, NewValue: cur.CPUPercent, Delta: &delta})
	}
	if old.MemoryPercent != cur.MemoryPercent {
		delta := cur.MemoryPercent - old.MemoryPercent
		changes = append(changes, Change{Field: "memory", OldValue: old.MemoryPercent, NewValue: cur.MemoryPercent, Delta: &delta})
	}
	if old.DiskPercent != cur.DiskPercent {
		delta := cur.DiskPercent - old.DiskPercent
		changes = append(changes, Change{Field: "disk", OldValue: old.DiskPercent, NewValue: cur.DiskPercent, Delta: &delta})
	}
	if old.ActiveConnections != cur.ActiveConnections {
		changes = append(changes, Change{Field: "activeConnections", OldValue: old.ActiveConnections, NewValue: cur.ActiveConnections})
	}
	if old.Online != cur.Online {
		changes = append(changes, Change{Field: "online", OldValue: old.Online, NewValue: cur.Online})
	}
	return changes
}

// crossesCriticalThreshold reports whether any changed cpu/memory field
// just moved from at-or-below its threshold to above it. A field that was
// already above the threshold and merely fluctuates does not count.
func crossesCriticalThreshold(changes []Change, sample StatusSample, thresholds map[string]float64) bool {
	for _, c := range changes {
		switch c.Field {
		case "cpu":
			old, _ := c.OldValue.(float64)
			if old <= thresholds["cpu"] && sample.CPUPercent > thresholds["cpu"] {
				return true
			}
		case "memory":
			old, _ := c.OldValue.(float64)
			if old <= thresholds["memory"] && sample.MemoryPercent > thresholds["memory"] {
				return true
			}
		}
	}
	return false
}

func (d *Detector) tickStats() {
	if d.statsSampler == nil {
		return
	}
	sample, ok := d.statsSampler()
	if !ok {
		return
	}
	if d.lastStats != nil {
		rpsChanged := abs(sample.RequestsPerSecond-d.lastStats.RequestsPerSecond) > 5
		totalChanged := sample.RequestsTotal != d.lastStats.RequestsTotal
		if !rpsChanged && !totalChanged {
			return
		}
	}

	d.lastStats = &sample
	d.scheduler.Broadcast(types.MessageStats, types.EventStatsUpdate, map[string]any{
		"requestsPerSecond": sample.RequestsPerSecond,
		"requestsTotal":     sample.RequestsTotal,
	}, types.PriorityNormal)
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func (d *Detector) tickHealth() {
	if d.healthSampler == nil {
		return
	}
	readings := d.healthSampler()
	for component, value := range readings {
		threshold, ok := d.thresholds[component]
		if !ok {
			threshold = d.cfg.CPUThreshold
		}
		level := levelFor(value, threshold)
		prev, seen := d.levels[component]
		d.levels[component] = level
		if !seen {
			prev = LevelInfo
		}
		if prev == level {
			continue
		}

		if level != LevelInfo {
			priority := types.PriorityNormal
			if level == LevelCritical {
				priority = types.PriorityHigh
			}
			d.scheduler.Broadcast(types.MessageHealth, types.EventHealthAlert, map[string]any{
				"component": component,
				"level":     string(level),
				"value":     value,
				"threshold": threshold,
			}, priority)
		} else {
			d.scheduler.Broadcast(types.MessageHealth, types.EventHealthRecovery, map[string]any{
				"component": component,
				"value":     value,
				"threshold": threshold,
			}, types.PriorityNormal)
		}
	}
}

// ForceStatusBroadcast resets the last status sample so the next tick
// re-emits unconditionally, regardless of whether anything changed.
func (d *Detector) ForceStatusBroadcast() {
	d.lastStatus = nil
}

// ForceStatsBroadcast resets the last stats sample so the next tick
// re-emits unconditionally.
func (d *Detector) ForceStatsBroadcast() {
	d.lastStats = nil
}
