// Package client implements the client-side session mirror: a
// reconnecting WebSocket session with exponential backoff, a bounded
// offline queue, heartbeat supervision, and deterministic resubscription.
package client

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/presencehub/hub/src/codec"
	"github.com/presencehub/hub/src/types"
	"github.com/rs/zerolog"
)

// State is the client's connection lifecycle state (spec section 4.6):
// disconnected -> connecting -> connected -> {reconnecting -> connecting ...} -> disconnected.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// BackoffConfig governs the reconnect retry delay: initial *
// multiplier^(attempt-1), jittered and then capped at maxDelay.
type BackoffConfig struct {
	Initial     time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	MaxAttempts int
}

// DefaultBackoffConfig returns the spec's documented reconnect parameters.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Initial:     3 * time.Second,
		Multiplier:  1.5,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 5,
	}
}

// Config holds the client's tunables.
type Config struct {
	Backoff           BackoffConfig
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	OfflineQueueSize  int
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		Backoff:           DefaultBackoffConfig(),
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  60 * time.Second,
		OfflineQueueSize:  100,
	}
}

// Dialer establishes a fresh transport. Returning an error is treated as a
// failed connection attempt, subject to the same backoff as a mid-session
// drop.
type Dialer func(ctx context.Context) (types.Conn, error)

// EventHandler receives every non-error, non-pong server frame.
type EventHandler func(types.Envelope)

// ErrorHandler receives error-typed server frames. Per spec section 4.6,
// an error frame surfaces here but must never itself trigger a reconnect.
type ErrorHandler func(types.ErrorData)

// TerminalHandler is called once when reconnect attempts are exhausted and
// the client settles into a terminal disconnected state.
type TerminalHandler func(err error)

// Client is one logical session over a transport that may churn.
type Client struct {
	cfg    Config
	dialer Dialer
	logger zerolog.Logger

	mu            sync.Mutex
	state         State
	conn          types.Conn
	subscriptions map[types.MessageType]bool
	offlineQueue  []types.Envelope
	lastPongAt    time.Time
	attempt       int

	onEvent    EventHandler
	onError    ErrorHandler
	onTerminal TerminalHandler
}

// New creates a Client in the disconnected state. Call Run to start it.
func New(cfg Config, dialer Dialer, logger zerolog.Logger) *Client {
	return &Client{
		cfg:           cfg,
		dialer:        dialer,
		logger:        logger.With().Str("component", "client").Logger(),
		state:         StateDisconnected,
		subscriptions: make(map[types.MessageType]bool),
	}
}

// OnEvent registers the callback for non-error server frames.
func (c *Client) OnEvent(h EventHandler) { c.onEvent = h }

// OnError registers the callback for error-typed server frames.
func (c *Client) OnError(h ErrorHandler) { c.onError = h }

// OnTerminal registers the callback fired once reconnect attempts are
// exhausted.
func (c *Client) OnTerminal(h TerminalHandler) { c.onTerminal = h }

// State returns the client's current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Run drives the connect/heartbeat/reconnect loop until ctx is canceled or
// reconnect attempts are exhausted (spec section 4.6's state machine).
func (c *Client) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return
		}

		c.setState(StateConnecting)
		conn, err := c.dialer(ctx)
		if err != nil {
			if !c.advanceAfterFailure(ctx) {
				return
			}
			continue
		}

		c.onConnected(conn)
		c.runSession(ctx, conn)

		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return
		}
		if !c.advanceAfterFailure(ctx) {
			return
		}
	}
}

// advanceAfterFailure applies the backoff delay for the next attempt, or
// settles into a terminal disconnected state once MaxAttempts is reached.
// Returns false when the loop should stop.
func (c *Client) advanceAfterFailure(ctx context.Context) bool {
	c.mu.Lock()
	c.attempt++
	attempt := c.attempt
	c.mu.Unlock()

	if attempt >= c.cfg.Backoff.MaxAttempts {
		c.setState(StateDisconnected)
		if c.onTerminal != nil {
			c.onTerminal(errReconnectExhausted)
		}
		return false
	}

	c.setState(StateReconnecting)
	delay := backoffDelay(c.cfg.Backoff, attempt)
	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		c.setState(StateDisconnected)
		return false
	}
}

func backoffDelay(cfg BackoffConfig, attempt int) time.Duration {
	d := float64(cfg.Initial)
	for i := 1; i < attempt; i++ {
		d *= cfg.Multiplier
	}
	jitter := 0.85 + rand.Float64()*0.3
	d *= jitter
	if d > float64(cfg.MaxDelay) {
		d = float64(cfg.MaxDelay)
	}
	return time.Duration(d)
}

// onConnected resets attempt state and wires up the fresh transport, then
// flushes the offline queue and resubscribes, all before any inbound frame
// can be processed (spec invariant I7: subscribed ack precedes broadcasts).
func (c *Client) onConnected(conn types.Conn) {
	c.mu.Lock()
	c.attempt = 0
	c.conn = conn
	c.lastPongAt = time.Now()
	queued := c.offlineQueue
	c.offlineQueue = nil
	subs := c.subscriptionSetLocked()
	c.mu.Unlock()

	c.setState(StateConnected)

	for _, env := range queued {
		c.writeEnvelope(conn, env)
	}
	if len(subs) > 0 {
		c.writeEnvelope(conn, c.buildFrame(types.ActionSubscribe, map[string]any{"types": subs}))
	}
}

// runSession drives the heartbeat and read loop for one physical
// connection, blocking until it closes (transport error, heartbeat
// timeout, or ctx cancellation).
func (c *Client) runSession(ctx context.Context, conn types.Conn) {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.heartbeatLoop(sessionCtx, conn)
	}()

	c.readLoop(conn)
	cancel()
	wg.Wait()
	_ = conn.Close()
}

func (c *Client) heartbeatLoop(ctx context.Context, conn types.Conn) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			timedOut := time.Since(c.lastPongAt) > c.cfg.HeartbeatTimeout
			c.mu.Unlock()
			if timedOut {
				_ = conn.CloseWithReason(1001, "heartbeat timeout")
				return
			}
			c.writeEnvelope(conn, c.buildFrame(types.ActionPing, nil))
		case <-ctx.Done():
			// Closing the transport unblocks the read loop, so canceling
			// the session context ends the session.
			_ = conn.Close()
			return
		}
	}
}

func (c *Client) readLoop(conn types.Conn) {
	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := codec.Decode(raw)
		if err != nil {
			continue
		}
		c.dispatchInbound(env)
	}
}

func (c *Client) dispatchInbound(env types.Envelope) {
	switch {
	case env.Event == types.EventPong:
		c.mu.Lock()
		c.lastPongAt = time.Now()
		c.mu.Unlock()
	case env.Type == types.MessageError:
		if c.onError != nil {
			code, _ := env.Data["code"].(string)
			msg, _ := env.Data["message"].(string)
			c.onError(types.ErrorData{Code: types.ErrorCode(code), Message: msg})
		}
	default:
		if c.onEvent != nil {
			c.onEvent(env)
		}
	}
}

// Subscribe adds types to the local subscription set unconditionally and,
// if currently connected, emits a subscribe frame immediately (spec section
// 4.6). While disconnected the set is simply remembered for the next
// connect-time resubscribe.
func (c *Client) Subscribe(types_ []types.MessageType) {
	c.mu.Lock()
	for _, t := range types_ {
		c.subscriptions[t] = true
	}
	conn := c.conn
	connected := c.state == StateConnected
	frame := c.buildFrame(types.ActionSubscribe, map[string]any{"types": types_})
	c.mu.Unlock()

	if connected && conn != nil {
		c.writeEnvelope(conn, frame)
	}
}

// Unsubscribe removes types from the local subscription set unconditionally
// and, if connected, emits an unsubscribe frame immediately.
func (c *Client) Unsubscribe(types_ []types.MessageType) {
	c.mu.Lock()
	for _, t := range types_ {
		delete(c.subscriptions, t)
	}
	conn := c.conn
	connected := c.state == StateConnected
	frame := c.buildFrame(types.ActionUnsubscribe, map[string]any{"types": types_})
	c.mu.Unlock()

	if connected && conn != nil {
		c.writeEnvelope(conn, frame)
	}
}

// Send serializes and writes env while connected; while disconnected it
// appends to a bounded offline queue with a drop-oldest policy at capacity
// (spec section 4.6).
func (c *Client) Send(env types.Envelope) {
	c.mu.Lock()
	if c.state == StateConnected && c.conn != nil {
		conn := c.conn
		c.mu.Unlock()
		c.writeEnvelope(conn, env)
		return
	}

	if len(c.offlineQueue) >= c.cfg.OfflineQueueSize {
		c.offlineQueue = c.offlineQueue[1:]
	}
	c.offlineQueue = append(c.offlineQueue, env)
	c.mu.Unlock()
}

func (c *Client) writeEnvelope(conn types.Conn, env types.Envelope) {
	raw, err := codec.Encode(env)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to encode outbound frame")
		return
	}
	if err := conn.WriteMessage(raw); err != nil {
		c.logger.Warn().Err(err).Msg("write failed, session will reconnect")
	}
}

func (c *Client) buildFrame(action types.ClientAction, payload map[string]any) types.Envelope {
	return types.Envelope{
		ID:        uuid.New().String(),
		Type:      types.MessageSystem,
		Timestamp: time.Now().UnixMilli(),
		Direction: types.ClientToServer,
		Action:    action,
		Payload:   payload,
	}
}

func (c *Client) subscriptionSetLocked() []types.MessageType {
	out := make([]types.MessageType, 0, len(c.subscriptions))
	for t := range c.subscriptions {
		out = append(out, t)
	}
	return out
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

type reconnectExhaustedError struct{}

func (reconnectExhaustedError) Error() string { return "reconnect attempts exhausted" }

var errReconnectExhausted = reconnectExhaustedError{}
