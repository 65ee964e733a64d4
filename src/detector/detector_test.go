package detector

import (
	"testing"
	"time"

	"github.com/presencehub/hub/src/types"
	"github.com/rs/zerolog"
)

type recordedBroadcast struct {
	Type     types.MessageType
	Event    types.ServerEvent
	Data     map[string]any
	Priority types.Priority
}

type fakeScheduler struct {
	calls []recordedBroadcast
}

func (f *fakeScheduler) Broadcast(t types.MessageType, event types.ServerEvent, data map[string]any, priority types.Priority) bool {
	f.calls = append(f.calls, recordedBroadcast{Type: t, Event: event, Data: data, Priority: priority})
	return true
}

func constStatus(s StatusSample) StatusSampler {
	return func() (StatusSample, bool) { return s, true }
}

func TestFirstStatusSampleAlwaysBroadcasts(t *testing.T) {
	sched := &fakeScheduler{}
	d := New(DefaultConfig(), sched, constStatus(StatusSample{CPUPercent: 10}), nil, nil, zerolog.Nop())
	d.tickStatus()

	if len(sched.calls) != 1 {
		t.Fatalf("expected exactly one broadcast for the first sample, got %d", len(sched.calls))
	}
	if sched.calls[0].Type != types.MessageStatus {
		t.Fatalf("expected a status broadcast, got %v", sched.calls[0].Type)
	}
}

func TestUnchangedStatusSampleEmitsNothing(t *testing.T) {
	sched := &fakeScheduler{}
	sample := StatusSample{CPUPercent: 10, MemoryPercent: 20}
	d := New(DefaultConfig(), sched, constStatus(sample), nil, nil, zerolog.Nop())
	d.tickStatus()
	sched.calls = nil

	d.tickStatus()
	if len(sched.calls) != 0 {
		t.Fatalf("expected no broadcast for an unchanged sample, got %d", len(sched.calls))
	}
}

func TestStatusChangeBelowThresholdIsLowPriority(t *testing.T) {
	sched := &fakeScheduler{}
	cfg := DefaultConfig()
	d := New(cfg, sched, constStatus(StatusSample{CPUPercent: 10}), nil, nil, zerolog.Nop())
	d.tickStatus()
	sched.calls = nil

	d.statusSampler = constStatus(StatusSample{CPUPercent: 15})
	d.tickStatus()

	if len(sched.calls) != 1 {
		t.Fatalf("expected one broadcast, got %d", len(sched.calls))
	}
	if sched.calls[0].Priority != types.PriorityLow {
		t.Fatalf("expected low priority for a single sub-threshold change, got %v", sched.calls[0].Priority)
	}
}

func TestStatusChangeCrossingThresholdIsHighPriority(t *testing.T) {
	sched := &fakeScheduler{}
	cfg := DefaultConfig() // CPUThreshold: 80
	d := New(cfg, sched, constStatus(StatusSample{CPUPercent: 50}), nil, nil, zerolog.Nop())
	d.tickStatus()
	sched.calls = nil

	d.statusSampler = constStatus(StatusSample{CPUPercent: 90})
	d.tickStatus()

	if len(sched.calls) != 1 {
		t.Fatalf("expected one broadcast, got %d", len(sched.calls))
	}
	if sched.calls[0].Priority != types.PriorityHigh {
		t.Fatalf("expected high priority when CPU crosses its threshold, got %v", sched.calls[0].Priority)
	}
}

func TestStatusChangeOfManyFieldsIsNormalPriority(t *testing.T) {
	sched := &fakeScheduler{}
	d := New(DefaultConfig(), sched, constStatus(StatusSample{
		CPUPercent: 10, MemoryPercent: 10, DiskPercent: 10, ActiveConnections: 1, Online: true,
	}), nil, nil, zerolog.Nop())
	d.tickStatus()
	sched.calls = nil

	d.statusSampler = constStatus(StatusSample{
		CPUPercent: 12, MemoryPercent: 12, DiskPercent: 12, ActiveConnections: 2, Online: false,
	})
	d.tickStatus()

	if len(sched.calls) != 1 {
		t.Fatalf("expected one broadcast, got %d", len(sched.calls))
	}
	if sched.calls[0].Priority != types.PriorityNormal {
		t.Fatalf("expected normal priority when more than three fields change, got %v", sched.calls[0].Priority)
	}
}

func TestMissingStatusSampleIsTreatedAsNoChange(t *testing.T) {
	sched := &fakeScheduler{}
	d := New(DefaultConfig(), sched, func() (StatusSample, bool) { return StatusSample{}, false }, nil, nil, zerolog.Nop())
	d.tickStatus()
	if len(sched.calls) != 0 {
		t.Fatalf("expected no broadcast when the sampler reports no sample, got %d", len(sched.calls))
	}
}

func TestForceStatusBroadcastResendsOnNextTick(t *testing.T) {
	sched := &fakeScheduler{}
	sample := StatusSample{CPUPercent: 10}
	d := New(DefaultConfig(), sched, constStatus(sample), nil, nil, zerolog.Nop())
	d.tickStatus()
	sched.calls = nil

	d.ForceStatusBroadcast()
	d.tickStatus()
	if len(sched.calls) != 1 {
		t.Fatalf("expected a forced re-broadcast even with an unchanged sample, got %d", len(sched.calls))
	}
}

func TestStatsChangeAboveNoiseFloorBroadcasts(t *testing.T) {
	sched := &fakeScheduler{}
	d := New(DefaultConfig(), sched, nil, func() (StatsSample, bool) { return StatsSample{RequestsPerSecond: 10, RequestsTotal: 100}, true }, nil, zerolog.Nop())
	d.tickStats()
	sched.calls = nil

	d.statsSampler = func() (StatsSample, bool) { return StatsSample{RequestsPerSecond: 20, RequestsTotal: 110}, true }
	d.tickStats()

	if len(sched.calls) != 1 {
		t.Fatalf("expected a stats broadcast, got %d", len(sched.calls))
	}
	if sched.calls[0].Type != types.MessageStats {
		t.Fatalf("expected a stats broadcast, got %v", sched.calls[0].Type)
	}
}

func TestStatsChangeWithinNoiseFloorIsSkipped(t *testing.T) {
	sched := &fakeScheduler{}
	d := New(DefaultConfig(), sched, nil, func() (StatsSample, bool) { return StatsSample{RequestsPerSecond: 10, RequestsTotal: 100}, true }, nil, zerolog.Nop())
	d.tickStats()
	sched.calls = nil

	d.statsSampler = func() (StatsSample, bool) { return StatsSample{RequestsPerSecond: 11, RequestsTotal: 100}, true }
	d.tickStats()

	if len(sched.calls) != 0 {
		t.Fatalf("expected no broadcast for a within-noise change, got %d", len(sched.calls))
	}
}

func TestForceStatsBroadcastResendsOnNextTick(t *testing.T) {
	sched := &fakeScheduler{}
	d := New(DefaultConfig(), sched, nil, func() (StatsSample, bool) { return StatsSample{RequestsPerSecond: 10, RequestsTotal: 100}, true }, nil, zerolog.Nop())
	d.tickStats()
	d.ForceStatsBroadcast()
	sched.calls = nil

	d.tickStats()
	if len(sched.calls) != 1 {
		t.Fatalf("expected a forced stats re-broadcast even with an unchanged sample, got %d", len(sched.calls))
	}
}

func TestHealthCrossingWarningEmitsAlert(t *testing.T) {
	sched := &fakeScheduler{}
	cfg := DefaultConfig()
	cfg.CPUThreshold = 80
	d := New(cfg, sched, nil, nil, func() map[string]float64 { return map[string]float64{"cpu": 50} }, zerolog.Nop())
	d.tickHealth()
	sched.calls = nil

	d.healthSampler = func() map[string]float64 { return map[string]float64{"cpu": 85} }
	d.tickHealth()

	if len(sched.calls) != 1 {
		t.Fatalf("expected one health alert, got %d", len(sched.calls))
	}
	if sched.calls[0].Event != types.EventHealthAlert {
		t.Fatalf("expected health_alert, got %v", sched.calls[0].Event)
	}
	if sched.calls[0].Data["level"] != string(LevelWarning) {
		t.Fatalf("expected warning level, got %v", sched.calls[0].Data["level"])
	}
}

func TestHealthCrossingCriticalIsHighPriority(t *testing.T) {
	sched := &fakeScheduler{}
	cfg := DefaultConfig()
	cfg.CPUThreshold = 80
	d := New(cfg, sched, nil, nil, func() map[string]float64 { return map[string]float64{"cpu": 50} }, zerolog.Nop())
	d.tickHealth()
	sched.calls = nil

	d.healthSampler = func() map[string]float64 { return map[string]float64{"cpu": 99} }
	d.tickHealth()

	if len(sched.calls) != 1 || sched.calls[0].Priority != types.PriorityHigh {
		t.Fatalf("expected a single high-priority critical alert, got %#v", sched.calls)
	}
}

func TestHealthRecoveryEmitsRecoveryEvent(t *testing.T) {
	sched := &fakeScheduler{}
	cfg := DefaultConfig()
	cfg.CPUThreshold = 80
	d := New(cfg, sched, nil, nil, func() map[string]float64 { return map[string]float64{"cpu": 90} }, zerolog.Nop())
	d.tickHealth()
	sched.calls = nil

	d.healthSampler = func() map[string]float64 { return map[string]float64{"cpu": 30} }
	d.tickHealth()

	if len(sched.calls) != 1 || sched.calls[0].Event != types.EventHealthRecovery {
		t.Fatalf("expected a health_recovery event, got %#v", sched.calls)
	}
}

func TestHealthLevelUnchangedEmitsNothing(t *testing.T) {
	sched := &fakeScheduler{}
	d := New(DefaultConfig(), sched, nil, nil, func() map[string]float64 { return map[string]float64{"cpu": 10} }, zerolog.Nop())
	d.tickHealth()
	sched.calls = nil

	d.healthSampler = func() map[string]float64 { return map[string]float64{"cpu": 15} }
	d.tickHealth()

	if len(sched.calls) != 0 {
		t.Fatalf("expected no broadcast when the health level does not change, got %d", len(sched.calls))
	}
}

func TestRunStopsCleanly(t *testing.T) {
	sched := &fakeScheduler{}
	cfg := DefaultConfig()
	cfg.SampleInterval = time.Millisecond
	d := New(cfg, sched, constStatus(StatusSample{CPUPercent: 1}), nil, nil, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		d.Run()
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	d.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected Run to return after Stop")
	}
}
