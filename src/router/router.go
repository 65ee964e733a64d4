// Package router implements the message router: it decodes inbound
// frames, validates them against the closed ClientAction set, and
// dispatches each to the registry, replying directly on the originating
// connection.
package router

import (
	"time"

	"github.com/google/uuid"
	"github.com/presencehub/hub/src/codec"
	"github.com/presencehub/hub/src/hub"
	"github.com/presencehub/hub/src/types"
	"github.com/rs/zerolog"
)

// Registry is the subset of hub.Registry the router needs to mutate
// subscriptions and record heartbeats.
type Registry interface {
	Lookup(id string) (*hub.Connection, bool)
	SetSubscriptions(id string, set []types.MessageType) error
	RemoveSubscription(id string, t types.MessageType) error
	Touch(id string) error
}

// HistoryProvider resolves a bounded window of recent items for a
// get_history request. It is externally supplied (spec section 5: "an
// externally-supplied, potentially-blocking callable") and may be nil, in
// which case get_history always answers with INTERNAL_ERROR.
type HistoryProvider func(t types.MessageType, limit int) (items []any, total int, err error)

// Config holds the router's tunables.
type Config struct {
	DefaultHistoryLimit int
}

// DefaultConfig returns the spec's documented default history limit.
func DefaultConfig() Config {
	return Config{DefaultHistoryLimit: 50}
}

// Router dispatches decoded client frames against a Registry. It never
// touches the broadcast queue: replies go straight to the connection that
// sent the request (spec section 5's "Router for replies" ownership rule).
type Router struct {
	cfg      Config
	registry Registry
	history  HistoryProvider
	logger   zerolog.Logger
}

// New creates a Router. history may be nil if no history backend is wired.
func New(cfg Config, registry Registry, history HistoryProvider, logger zerolog.Logger) *Router {
	return &Router{
		cfg:      cfg,
		registry: registry,
		history:  history,
		logger:   logger.With().Str("component", "router").Logger(),
	}
}

// HandleFrame decodes and dispatches one inbound frame from connID. Decode
// and validation failures are reported back to the same connection as an
// error envelope rather than returned to the caller.
func (r *Router) HandleFrame(connID string, raw []byte) {
	env, err := codec.Decode(raw)
	if err != nil {
		r.replyError(connID, types.ErrParse, err.Error())
		return
	}

	if err := codec.ValidateClient(env); err != nil {
		r.replyError(connID, codec.ErrorCodeFor(err), err.Error())
		return
	}

	switch env.Action {
	case types.ActionSubscribe:
		r.handleSubscribe(connID, env)
	case types.ActionUnsubscribe:
		r.handleUnsubscribe(connID, env)
	case types.ActionPing:
		r.handlePing(connID)
	case types.ActionGetHistory:
		r.handleGetHistory(connID, env)
	case types.ActionAck:
		// no-op, per spec.
	}
}

func (r *Router) handleSubscribe(connID string, env types.Envelope) {
	requested := payloadTypes(env.Payload)
	filtered := codec.FilterSubscriptionTypes(requested)
	if len(filtered) == 0 {
		r.replyError(connID, types.ErrSubscriptionInvalid, "no subscribable types in request")
		return
	}

	// The ack is enqueued before the subscription becomes visible to the
	// scheduler's fan-out lookup, so a broadcast that only reaches this
	// connection because of this subscription can never be enqueued ahead
	// of the ack on the connection's outbound channel.
	r.replyEvent(connID, types.EventSubscribed, map[string]any{"types": filtered})

	if err := r.registry.SetSubscriptions(connID, filtered); err != nil {
		r.replyError(connID, types.ErrInternal, "failed to set subscriptions")
	}
}

func (r *Router) handleUnsubscribe(connID string, env types.Envelope) {
	requested := payloadTypes(env.Payload)
	for _, t := range requested {
		// Idempotent: removing a type never subscribed still succeeds.
		_ = r.registry.RemoveSubscription(connID, t)
	}
	r.replyEvent(connID, types.EventUnsubscribed, map[string]any{"types": requested})
}

func (r *Router) handlePing(connID string) {
	_ = r.registry.Touch(connID)
	r.replyEvent(connID, types.EventPong, map[string]any{"serverTime": time.Now().UnixMilli()})
}

func (r *Router) handleGetHistory(connID string, env types.Envelope) {
	if r.history == nil {
		r.replyError(connID, types.ErrInternal, "no history provider configured")
		return
	}

	t, _ := env.Payload["type"].(string)
	limit := clampHistoryLimit(env.Payload["limit"], r.cfg.DefaultHistoryLimit)

	items, total, err := r.history(types.MessageType(t), limit)
	if err != nil {
		r.logger.Error().Err(err).Str("type", t).Msg("history provider failed")
		r.replyError(connID, types.ErrInternal, "history lookup failed")
		return
	}

	r.replyEvent(connID, types.EventHistoryData, map[string]any{
		"type":  t,
		"limit": limit,
		"items": items,
		"total": total,
	})
}

// clampHistoryLimit clamps an untyped JSON-decoded limit value into
// [1, 100], falling back to def when the value is absent or malformed.
func clampHistoryLimit(raw any, def int) int {
	limit := def
	switch v := raw.(type) {
	case float64:
		limit = int(v)
	case int:
		limit = v
	}
	if limit < 1 {
		limit = 1
	}
	if limit > 100 {
		limit = 100
	}
	return limit
}

func payloadTypes(payload map[string]any) []types.MessageType {
	raw, ok := payload["types"].([]any)
	if !ok {
		return nil
	}
	out := make([]types.MessageType, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, types.MessageType(s))
		}
	}
	return out
}

func (r *Router) replyEvent(connID string, event types.ServerEvent, data map[string]any) {
	c, ok := r.registry.Lookup(connID)
	if !ok {
		return
	}
	env := types.Envelope{
		ID:        uuid.New().String(),
		Type:      types.MessageSystem,
		Timestamp: time.Now().UnixMilli(),
		Direction: types.ServerToClient,
		Event:     event,
		Data:      data,
	}
	if !c.SendEnvelope(env) {
		r.logger.Warn().Str("connection_id", connID).Str("event", string(event)).Msg("reply buffer full, dropping")
	}
}

func (r *Router) replyError(connID string, code types.ErrorCode, message string) {
	c, ok := r.registry.Lookup(connID)
	if !ok {
		return
	}
	env := types.Envelope{
		ID:        uuid.New().String(),
		Type:      types.MessageError,
		Timestamp: time.Now().UnixMilli(),
		Direction: types.ServerToClient,
		Event:     types.EventError,
		Data:      types.ErrorData{Code: code, Message: message}.ToMap(),
	}
	if !c.SendEnvelope(env) {
		r.logger.Warn().Str("connection_id", connID).Str("code", string(code)).Msg("error reply buffer full, dropping")
	}
}
