// Command presencehubd runs the presence hub as a standalone process: it
// wires the connection registry (C2), broadcast scheduler (C4), message
// router (C3), change detector (C5), and gateway (C7) together and serves
// them over a single fasthttp listener.
//
// presencehubd builds the Fiber app directly and multiplexes the raw
// WebSocket upgrade handler alongside it on one fasthttp.Server, the way
// Fiber's own docs describe embedding it in a custom server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/presencehub/hub/config"
	"github.com/presencehub/hub/providers"
	"github.com/presencehub/hub/src/bridge"
	"github.com/presencehub/hub/src/detector"
	"github.com/presencehub/hub/src/hub"
	"github.com/presencehub/hub/src/router"
	"github.com/presencehub/hub/src/scheduler"
	"github.com/presencehub/hub/src/types"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to a YAML config file (overlays the built-in defaults)")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().Timestamp().Str("service", "presencehubd").Logger()

	cfg := config.FromEnv()
	if *configPath != "" {
		fileCfg, err := config.LoadFile(*configPath)
		if err != nil {
			return fmt.Errorf("loading config file: %w", err)
		}
		cfg = fileCfg
	}

	registry := hub.New(cfg.MaxTotalConnections, cfg.MaxConnectionsPerUser, cfg.MaxMessageSize, logger)

	sched := scheduler.New(scheduler.Config{
		MaxQueueSize:           cfg.MaxQueueSize,
		BroadcastBatchSize:     cfg.BroadcastBatchSize,
		BroadcastFlushInterval: cfg.BroadcastFlushInterval,
	}, registry, logger)

	redisBridge := bridge.NewRedisBridge(&cfg.Redis, sched, logger)
	if err := redisBridge.Start(); err != nil {
		logger.Warn().Err(err).Msg("redis bridge unavailable, running standalone")
	} else {
		sched.SetRelay(redisBridge)
		logger.Info().Str("redis_addr", cfg.Redis.Addr).Msg("redis bridge connected")
	}

	history := newHistoryStore(cfg.DefaultHistoryLimit * 4)
	recordingSched := &recordingScheduler{inner: sched, history: history}

	requestCounter := &requestCounter{}
	rtr := router.New(router.Config{DefaultHistoryLimit: cfg.DefaultHistoryLimit}, registry, history.provide, logger)
	countingRouter := &countingRouter{inner: rtr, counter: requestCounter}

	det := detector.New(
		detector.Config{
			SampleInterval:  time.Second,
			CPUThreshold:    80,
			MemoryThreshold: 80,
		},
		recordingSched,
		statusSampler(registry),
		statsSampler(requestCounter),
		healthSampler(),
		logger,
	)

	gw := providers.NewGateway(registry, recordingSched, countingRouter, cfg, logger)

	app := fiber.New()
	gw.RegisterRoutes(app)

	wsHandler := gw.FastHTTPHandler()
	appHandler := app.Handler()
	mux := func(ctx *fasthttp.RequestCtx) {
		if string(ctx.Path()) == "/ws" {
			wsHandler(ctx)
			return
		}
		appHandler(ctx)
	}

	server := &fasthttp.Server{Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go sched.Run()
	go det.Run()
	go sweepLoop(ctx, registry, cfg.HeartbeatTimeout)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("presencehubd listening")
		serveErr <- server.ListenAndServe(cfg.Addr)
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	case err := <-serveErr:
		if err != nil {
			logger.Error().Err(err).Msg("server error")
		}
	}

	_ = server.Shutdown()
	det.Stop()
	sched.Stop()
	if redisBridge.Available() {
		_ = redisBridge.Stop()
	}
	return nil
}

// sweepCadence is the fixed interval between heartbeat-timeout sweeps,
// independent of any connection's own heartbeat period.
const sweepCadence = 60 * time.Second

// sweepLoop evicts heartbeat-timed-out connections on a fixed cadence.
func sweepLoop(ctx context.Context, registry *hub.Registry, timeout time.Duration) {
	ticker := time.NewTicker(sweepCadence)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			registry.SweepTimedOut(timeout)
		case <-ctx.Done():
			return
		}
	}
}

// requestCounter tracks inbound frame volume for the detector's stats
// sample. A plain atomic counter is enough: the detector only needs a
// monotonically increasing total and a derived per-second rate.
type requestCounter struct {
	total     atomic.Int64
	lastTotal int64
	lastAt    time.Time
}

func (r *requestCounter) increment() { r.total.Add(1) }

// countingRouter wraps a router.Router to count inbound frames without
// the router package itself needing to know about the detector's stats
// sample.
type countingRouter struct {
	inner   *router.Router
	counter *requestCounter
}

func (c *countingRouter) HandleFrame(connID string, raw []byte) {
	c.counter.increment()
	c.inner.HandleFrame(connID, raw)
}

func statusSampler(registry *hub.Registry) detector.StatusSampler {
	return func() (detector.StatusSample, bool) {
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)
		stats := registry.Stats()
		return detector.StatusSample{
			CPUPercent:        0,
			MemoryPercent:     float64(mem.HeapInuse) / float64(mem.HeapSys) * 100,
			DiskPercent:       0,
			ActiveConnections: stats.Total,
			Online:            true,
		}, true
	}
}

func statsSampler(counter *requestCounter) detector.StatsSampler {
	return func() (detector.StatsSample, bool) {
		now := time.Now()
		total := counter.total.Load()
		rps := 0.0
		if !counter.lastAt.IsZero() {
			elapsed := now.Sub(counter.lastAt).Seconds()
			if elapsed > 0 {
				rps = float64(total-counter.lastTotal) / elapsed
			}
		}
		counter.lastTotal = total
		counter.lastAt = now
		return detector.StatsSample{RequestsPerSecond: rps, RequestsTotal: total}, true
	}
}

func healthSampler() detector.HealthSampler {
	return func() map[string]float64 {
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)
		return map[string]float64{
			"memory": float64(mem.HeapInuse) / float64(mem.HeapSys) * 100,
		}
	}
}

// historyStore is the default in-process get_history backend: a bounded,
// per-type ring buffer of the data payloads broadcast through
// recordingScheduler (by the detector and the privileged broadcast route). It
// holds no state across restarts, same as the rest of the hub.
type historyStore struct {
	mu       sync.Mutex
	perType  map[types.MessageType][]any
	capacity int
}

func newHistoryStore(capacity int) *historyStore {
	if capacity < 1 {
		capacity = 1
	}
	return &historyStore{perType: make(map[types.MessageType][]any), capacity: capacity}
}

func (h *historyStore) record(t types.MessageType, data map[string]any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	items := append(h.perType[t], data)
	if len(items) > h.capacity {
		items = items[len(items)-h.capacity:]
	}
	h.perType[t] = items
}

// provide implements router.HistoryProvider.
func (h *historyStore) provide(t types.MessageType, limit int) ([]any, int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	items := h.perType[t]
	total := len(items)
	if limit > total {
		limit = total
	}
	start := total - limit
	out := make([]any, limit)
	copy(out, items[start:])
	return out, total, nil
}

// recordingScheduler wraps the scheduler so every broadcast also lands in
// the history store, without the scheduler package itself needing to know
// about get_history.
type recordingScheduler struct {
	inner   *scheduler.Scheduler
	history *historyStore
}

func (s *recordingScheduler) Broadcast(t types.MessageType, event types.ServerEvent, data map[string]any, priority types.Priority) bool {
	s.history.record(t, data)
	return s.inner.Broadcast(t, event, data, priority)
}

func (s *recordingScheduler) QueueStats() scheduler.Stats {
	return s.inner.QueueStats()
}
