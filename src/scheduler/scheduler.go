// Package scheduler implements the priority-aware broadcast scheduler: a
// bounded queue with displacement-based admission, batched draining on a
// fixed tick, and an urgent bypass for safety-critical notifications.
package scheduler

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/presencehub/hub/src/bridge"
	"github.com/presencehub/hub/src/codec"
	"github.com/presencehub/hub/src/hub"
	"github.com/presencehub/hub/src/types"
	"github.com/rs/zerolog"
)

// Registry is the subset of hub.Registry the scheduler needs to resolve
// fan-out targets. A narrow interface keeps the scheduler testable without
// a real registry.
type Registry interface {
	BySubscription(t types.MessageType) []*hub.Connection
	Lookup(id string) (*hub.Connection, bool)
}

// Config holds the scheduler's tunables, all named and defaulted per spec
// section 6's configuration table.
type Config struct {
	MaxQueueSize          int
	BroadcastBatchSize    int
	BroadcastFlushInterval time.Duration
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxQueueSize:           1000,
		BroadcastBatchSize:     100,
		BroadcastFlushInterval: 50 * time.Millisecond,
	}
}

// Stats summarizes the queue for the auxiliary /queue endpoint.
type Stats struct {
	Length       int  `json:"length"`
	IsProcessing bool `json:"isProcessing"`
}

// Scheduler owns the bounded PrioritizedQueue (Q in spec section 3)
// exclusively; no other component mutates it.
type Scheduler struct {
	cfg      Config
	registry Registry
	logger   zerolog.Logger

	mu         sync.Mutex
	queue      []types.BroadcastTask
	processing bool

	relay bridge.Bridge

	wake    chan struct{}
	stopCh  chan struct{}
	stopped bool
}

// SetRelay wires a cross-instance bridge. Once set, every task admitted via
// Broadcast is also published to other instances; tasks arriving from
// BroadcastToLocal (i.e. already relayed in) are never re-published, which
// is what keeps a multi-instance deployment from looping a task forever.
func (s *Scheduler) SetRelay(relay bridge.Bridge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.relay = relay
}

// BroadcastToLocal admits a task relayed in from another instance into this
// instance's local queue without republishing it, satisfying
// bridge.BroadcastTarget.
func (s *Scheduler) BroadcastToLocal(task types.BroadcastTask) {
	s.Enqueue(task)
}

// New creates a Scheduler. Call Run in a goroutine to start the drain loop.
func New(cfg Config, registry Registry, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		registry: registry,
		logger:   logger.With().Str("component", "scheduler").Logger(),
		wake:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

// Run starts the flush-tick drain loop. Blocks until Stop is called.
func (s *Scheduler) Run() {
	ticker := time.NewTicker(s.cfg.BroadcastFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.drainOnce()
		case <-s.wake:
			s.drainOnce()
		case <-s.stopCh:
			return
		}
	}
}

// Stop cancels the flush timer and drops any undrained tasks. There is no
// at-least-once promise across process lifetime (spec section 5).
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()
	close(s.stopCh)
}

// Broadcast enqueues a fan-out task for type/event/data at the given
// priority. Equivalent to Enqueue with a freshly built BroadcastTask.
func (s *Scheduler) Broadcast(t types.MessageType, event types.ServerEvent, data map[string]any, priority types.Priority) bool {
	task := types.BroadcastTask{
		Type:       t,
		Event:      event,
		Data:       data,
		Priority:   priority,
		EnqueuedAt: time.Now(),
	}
	accepted := s.Enqueue(task)
	if accepted {
		s.mu.Lock()
		relay := s.relay
		s.mu.Unlock()
		if relay != nil {
			if err := relay.Publish(task); err != nil {
				s.logger.Warn().Err(err).Str("type", string(t)).Msg("failed to relay task to other instances")
			}
		}
	}
	return accepted
}

// Enqueue admits a task into the bounded queue, applying the displacement
// rule from spec section 4.4 when the queue is already full. High-priority
// admissions trigger an immediate drain attempt rather than waiting for the
// next flush tick.
func (s *Scheduler) Enqueue(task types.BroadcastTask) bool {
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now()
	}

	accepted := s.admit(task)
	if accepted && task.Priority == types.PriorityHigh {
		s.signalWake()
	}
	return accepted
}

func (s *Scheduler) admit(task types.BroadcastTask) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) < s.cfg.MaxQueueSize {
		s.queue = append(s.queue, task)
		return true
	}

	// Queue is full: apply the four-step displacement rule.
	if idx := s.firstIndexOfPriority(types.PriorityLow); idx >= 0 && task.Priority != types.PriorityLow {
		s.queue = append(s.queue[:idx], s.queue[idx+1:]...)
		s.queue = append(s.queue, task)
		return true
	}
	if task.Priority == types.PriorityLow {
		s.logger.Warn().Str("type", string(task.Type)).Msg("queue full, rejecting low-priority task")
		return false
	}
	if idx := s.firstIndexOfPriority(types.PriorityNormal); idx >= 0 && task.Priority == types.PriorityHigh {
		s.queue = append(s.queue[:idx], s.queue[idx+1:]...)
		s.queue = append(s.queue, task)
		return true
	}
	s.logger.Warn().Str("type", string(task.Type)).Msg("queue full, rejecting task")
	return false
}

func (s *Scheduler) firstIndexOfPriority(p types.Priority) int {
	for i, t := range s.queue {
		if t.Priority == p {
			return i
		}
	}
	return -1
}

func (s *Scheduler) signalWake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Flush forces one drain pass immediately, without waiting for the flush
// tick. If a drain is already in progress it returns without draining.
func (s *Scheduler) Flush() {
	s.drainOnce()
}

func (s *Scheduler) drainOnce() {
	s.mu.Lock()
	if s.processing || len(s.queue) == 0 {
		s.mu.Unlock()
		return
	}
	s.processing = true

	sort.SliceStable(s.queue, func(i, j int) bool {
		if s.queue[i].Priority.Rank() != s.queue[j].Priority.Rank() {
			return s.queue[i].Priority.Rank() > s.queue[j].Priority.Rank()
		}
		return s.queue[i].EnqueuedAt.Before(s.queue[j].EnqueuedAt)
	})

	n := s.cfg.BroadcastBatchSize
	if n > len(s.queue) {
		n = len(s.queue)
	}
	batch := make([]types.BroadcastTask, n)
	copy(batch, s.queue[:n])
	s.queue = s.queue[n:]
	remaining := len(s.queue) > 0
	s.mu.Unlock()

	s.processBatch(batch)

	s.mu.Lock()
	s.processing = false
	s.mu.Unlock()

	if remaining {
		s.signalWake()
	}
}

// processBatch groups tasks by type and emits one envelope per group: a
// direct event for a singleton group, or a batch_update envelope whose
// data.events lists every {event, data, timestamp} in enqueue order for a
// multi-task group (spec section 4.4).
func (s *Scheduler) processBatch(batch []types.BroadcastTask) {
	order := make([]types.MessageType, 0, len(batch))
	groups := make(map[types.MessageType][]types.BroadcastTask)
	for _, t := range batch {
		if _, ok := groups[t.Type]; !ok {
			order = append(order, t.Type)
		}
		groups[t.Type] = append(groups[t.Type], t)
	}

	for _, mt := range order {
		tasks := groups[mt]
		subs := s.registry.BySubscription(mt)
		if len(subs) == 0 {
			continue
		}

		var env types.Envelope
		if len(tasks) == 1 {
			env = s.buildEnvelope(mt, tasks[0].Event, tasks[0].Data)
		} else {
			sort.SliceStable(tasks, func(i, j int) bool {
				return tasks[i].EnqueuedAt.Before(tasks[j].EnqueuedAt)
			})
			events := make([]map[string]any, 0, len(tasks))
			for _, tk := range tasks {
				events = append(events, map[string]any{
					"event":     string(tk.Event),
					"data":      tk.Data,
					"timestamp": tk.EnqueuedAt.UnixMilli(),
				})
			}
			env = s.buildEnvelope(mt, types.EventBatchUpdate, map[string]any{"events": events})
		}

		raw, err := codec.Encode(env)
		if err != nil {
			s.logger.Error().Err(err).Str("type", string(mt)).Msg("failed to serialize batch envelope")
			continue
		}
		for _, c := range subs {
			if !c.SendRaw(raw) {
				s.logger.Warn().Str("connection_id", c.ID).Msg("send buffer full, dropping")
			}
		}
	}
}

// BroadcastUrgent bypasses the queue entirely and fans out synchronously,
// still isolating per-recipient write failures. Reserved for safety-
// critical notifications such as threshold crossings classified high.
func (s *Scheduler) BroadcastUrgent(t types.MessageType, event types.ServerEvent, data map[string]any) {
	env := s.buildEnvelope(t, event, data)
	raw, err := codec.Encode(env)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to serialize urgent envelope")
		return
	}
	for _, c := range s.registry.BySubscription(t) {
		if !c.SendRaw(raw) {
			s.logger.Warn().Str("connection_id", c.ID).Msg("urgent send buffer full, dropping")
		}
	}
}

// BroadcastToConnections serializes env once and writes it to each named
// connection, isolating per-recipient failures. Ids that no longer resolve
// are skipped. It bypasses the queue.
func (s *Scheduler) BroadcastToConnections(ids []string, env types.Envelope) {
	raw, err := codec.Encode(env)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to serialize direct envelope")
		return
	}
	for _, id := range ids {
		c, ok := s.registry.Lookup(id)
		if !ok {
			continue
		}
		if !c.SendRaw(raw) {
			s.logger.Warn().Str("connection_id", id).Msg("direct send buffer full, dropping")
		}
	}
}

func (s *Scheduler) buildEnvelope(t types.MessageType, event types.ServerEvent, data map[string]any) types.Envelope {
	return types.Envelope{
		ID:        uuid.New().String(),
		Type:      t,
		Timestamp: time.Now().UnixMilli(),
		Direction: types.ServerToClient,
		Event:     event,
		Data:      data,
	}
}

// QueueStats reports the current queue length and processing state for the
// auxiliary /queue endpoint.
func (s *Scheduler) QueueStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Length: len(s.queue), IsProcessing: s.processing}
}
