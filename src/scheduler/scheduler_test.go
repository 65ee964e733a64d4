package scheduler

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/presencehub/hub/src/hub"
	"github.com/presencehub/hub/src/types"
	"github.com/rs/zerolog"
)

type stubConn struct {
	mu      sync.Mutex
	written [][]byte
}

func (s *stubConn) ReadMessage() ([]byte, error) { return nil, nil }
func (s *stubConn) WriteMessage(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written = append(s.written, data)
	return nil
}
func (s *stubConn) CloseWithReason(code int, reason string) error { return nil }
func (s *stubConn) Close() error                                 { return nil }

func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, *hub.Registry) {
	t.Helper()
	logger := zerolog.Nop()
	r := hub.New(1000, 10, 0, logger)
	s := New(cfg, r, logger)
	return s, r
}

func registerSubscriber(t *testing.T, r *hub.Registry, identity string, types_ []types.MessageType) (*hub.Connection, *stubConn) {
	t.Helper()
	sc := &stubConn{}
	c, err := r.Register(sc, identity)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.SetSubscriptions(c.ID, types_); err != nil {
		t.Fatalf("set subscriptions: %v", err)
	}
	go c.WritePump()
	return c, sc
}

func TestEnqueueRespectsMaxQueueSize(t *testing.T) {
	s, _ := newTestScheduler(t, Config{MaxQueueSize: 3, BroadcastBatchSize: 100, BroadcastFlushInterval: time.Hour})

	for i := 0; i < 3; i++ {
		if !s.Enqueue(types.BroadcastTask{Type: types.MessageStatus, Priority: types.PriorityLow}) {
			t.Fatalf("expected enqueue %d to succeed", i)
		}
	}
	if s.QueueStats().Length != 3 {
		t.Fatalf("expected queue length 3, got %d", s.QueueStats().Length)
	}
}

func TestQueueDisplacementUnderPressure(t *testing.T) {
	s, _ := newTestScheduler(t, Config{MaxQueueSize: 3, BroadcastBatchSize: 100, BroadcastFlushInterval: time.Hour})

	for i := 0; i < 3; i++ {
		if !s.Enqueue(types.BroadcastTask{Type: types.MessageStatus, Priority: types.PriorityLow, Data: map[string]any{"n": i}}) {
			t.Fatalf("expected low-priority enqueue %d to succeed", i)
		}
	}

	if !s.Enqueue(types.BroadcastTask{Type: types.MessageStatus, Priority: types.PriorityHigh, Data: map[string]any{"n": "H1"}}) {
		t.Fatal("expected high-priority task to displace a low-priority one")
	}
	if s.QueueStats().Length != 3 {
		t.Fatalf("expected queue length to remain 3 after displacement, got %d", s.QueueStats().Length)
	}

	// A further low-priority enqueue must be rejected: a full queue never
	// admits a low-priority task, whatever it holds.
	if s.Enqueue(types.BroadcastTask{Type: types.MessageStatus, Priority: types.PriorityLow, Data: map[string]any{"n": "L4"}}) {
		t.Fatal("expected further low-priority enqueue to be rejected")
	}
	if s.QueueStats().Length != 3 {
		t.Fatalf("expected queue length to remain 3 after rejection, got %d", s.QueueStats().Length)
	}
}

func TestQueueDisplacementEvictsNormalForHighWhenNoLowPresent(t *testing.T) {
	s, _ := newTestScheduler(t, Config{MaxQueueSize: 2, BroadcastBatchSize: 100, BroadcastFlushInterval: time.Hour})

	s.Enqueue(types.BroadcastTask{Type: types.MessageStatus, Priority: types.PriorityNormal})
	s.Enqueue(types.BroadcastTask{Type: types.MessageStatus, Priority: types.PriorityNormal})

	if !s.Enqueue(types.BroadcastTask{Type: types.MessageStatus, Priority: types.PriorityHigh}) {
		t.Fatal("expected high priority to displace a normal priority task")
	}
	if s.QueueStats().Length != 2 {
		t.Fatalf("expected length 2, got %d", s.QueueStats().Length)
	}
}

func TestQueueRejectsWhenNothingDisplaceable(t *testing.T) {
	s, _ := newTestScheduler(t, Config{MaxQueueSize: 1, BroadcastBatchSize: 100, BroadcastFlushInterval: time.Hour})

	s.Enqueue(types.BroadcastTask{Type: types.MessageStatus, Priority: types.PriorityHigh})
	if s.Enqueue(types.BroadcastTask{Type: types.MessageStatus, Priority: types.PriorityHigh}) {
		t.Fatal("expected second high-priority enqueue to be rejected: nothing lower to displace")
	}
}

func TestBatchMergeCoalescesSameTypeTasks(t *testing.T) {
	s, r := newTestScheduler(t, Config{MaxQueueSize: 100, BroadcastBatchSize: 100, BroadcastFlushInterval: time.Hour})
	conn, sc := registerSubscriber(t, r, "alice", []types.MessageType{types.MessageStatus})

	for i := 0; i < 3; i++ {
		s.Enqueue(types.BroadcastTask{
			Type:       types.MessageStatus,
			Event:      types.EventStatusUpdate,
			Data:       map[string]any{"n": i},
			Priority:   types.PriorityNormal,
			EnqueuedAt: time.Now(),
		})
	}

	s.Flush()
	time.Sleep(20 * time.Millisecond)

	if len(conn.Outbound) != 0 {
		t.Fatalf("expected Outbound drained by WritePump, got %d pending", len(conn.Outbound))
	}
	sc.mu.Lock()
	written := len(sc.written)
	sc.mu.Unlock()
	if written != 1 {
		t.Fatalf("expected the three status tasks coalesced into one frame, got %d frames", written)
	}
	_ = conn
}

func TestBatchMergeEnvelopeShape(t *testing.T) {
	s, r := newTestScheduler(t, Config{MaxQueueSize: 100, BroadcastBatchSize: 100, BroadcastFlushInterval: time.Hour})
	c, err := r.Register(&stubConn{}, "alice")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.SetSubscriptions(c.ID, []types.MessageType{types.MessageStatus}); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		s.Enqueue(types.BroadcastTask{
			Type:       types.MessageStatus,
			Event:      types.EventStatusUpdate,
			Data:       map[string]any{"n": i},
			Priority:   types.PriorityNormal,
			EnqueuedAt: time.Now().Add(time.Duration(i) * time.Millisecond),
		})
	}

	s.Flush()

	select {
	case raw := <-c.Outbound:
		var env types.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if env.Event != types.EventBatchUpdate {
			t.Fatalf("expected batch_update event, got %q", env.Event)
		}
		events, ok := env.Data["events"].([]any)
		if !ok || len(events) != 3 {
			t.Fatalf("expected 3 coalesced events, got %#v", env.Data["events"])
		}
	case <-time.After(time.Second):
		t.Fatal("expected a raw frame to be queued for the subscriber")
	}
}

func TestSingleTaskGroupEmitsDirectEvent(t *testing.T) {
	s, r := newTestScheduler(t, Config{MaxQueueSize: 100, BroadcastBatchSize: 100, BroadcastFlushInterval: time.Hour})
	c, _ := r.Register(&stubConn{}, "alice")
	_ = r.SetSubscriptions(c.ID, []types.MessageType{types.MessageStats})

	s.Enqueue(types.BroadcastTask{Type: types.MessageStats, Event: types.EventStatsUpdate, Data: map[string]any{"rps": 1}, Priority: types.PriorityNormal})
	s.Flush()

	select {
	case raw := <-c.Outbound:
		var env types.Envelope
		_ = json.Unmarshal(raw, &env)
		if env.Event != types.EventStatsUpdate {
			t.Fatalf("expected direct stats_update event, got %q", env.Event)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a raw frame")
	}
}

func TestBroadcastUrgentBypassesQueue(t *testing.T) {
	s, r := newTestScheduler(t, Config{MaxQueueSize: 100, BroadcastBatchSize: 100, BroadcastFlushInterval: time.Hour})
	c, _ := r.Register(&stubConn{}, "alice")
	_ = r.SetSubscriptions(c.ID, []types.MessageType{types.MessageHealth})

	s.BroadcastUrgent(types.MessageHealth, types.EventHealthAlert, map[string]any{"level": "critical"})

	if s.QueueStats().Length != 0 {
		t.Fatalf("urgent broadcast should not touch the queue, length=%d", s.QueueStats().Length)
	}
	select {
	case raw := <-c.Outbound:
		var env types.Envelope
		_ = json.Unmarshal(raw, &env)
		if env.Event != types.EventHealthAlert {
			t.Fatalf("expected health_alert, got %q", env.Event)
		}
	case <-time.After(time.Second):
		t.Fatal("expected urgent frame delivered synchronously")
	}
}

func TestNoSubscribersGroupIsSkipped(t *testing.T) {
	s, _ := newTestScheduler(t, Config{MaxQueueSize: 100, BroadcastBatchSize: 100, BroadcastFlushInterval: time.Hour})
	s.Enqueue(types.BroadcastTask{Type: types.MessageSystem, Event: types.EventStatusUpdate, Priority: types.PriorityNormal})
	// Should not panic or block with zero subscribers.
	s.Flush()
}
