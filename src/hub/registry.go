// Package hub implements the connection registry: it tracks live sessions,
// their subscriptions, and per-identity/global admission caps, and sweeps
// heartbeat-timed-out sessions.
//
// A Registry keeps both a direct id index and an identity index so
// admission caps can be enforced per logical user, plus an inverted
// subscription index so fan-out lookups don't need to scan every
// connection.
package hub

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/presencehub/hub/src/types"
	"github.com/rs/zerolog"
)

// ErrMaxConnectionsExceeded is returned by Register when either the global
// or per-identity admission cap is already at capacity.
var ErrMaxConnectionsExceeded = errors.New("max connections exceeded")

// ErrUnknownConnection is returned by mutation operations given an id that
// does not resolve to a live connection (e.g. raced with a concurrent
// unregister).
var ErrUnknownConnection = errors.New("unknown connection")

// Stats summarizes the registry's current population, matching the
// auxiliary /stats endpoint contract in spec section 6.
type Stats struct {
	Total               int     `json:"totalConnections"`
	UniqueIdentities    int     `json:"uniqueUsers"`
	AverageSubscriptions float64 `json:"averageSubscriptions"`
}

// Registry owns every live Connection and both indices over it (by id and
// by identity), plus the inverted subscription index used by
// BySubscription. All mutations are serialized by mu, matching the
// single-writer requirement in spec section 5.
type Registry struct {
	mu sync.RWMutex

	byID       map[string]*Connection
	byIdentity map[string]map[string]bool // identity -> set of connection ids
	subsByConn map[string]map[types.MessageType]bool
	subIndex   map[types.MessageType]map[string]bool // inverted: type -> set of connection ids

	maxTotalConnections    int
	maxConnectionsPerUser  int
	maxMessageSize         int

	logger zerolog.Logger
}

// New creates a Registry with the given admission caps. maxMessageSize
// bounds every outbound frame written to an accepted connection (spec
// section 6); zero means unlimited.
func New(maxTotalConnections, maxConnectionsPerUser, maxMessageSize int, logger zerolog.Logger) *Registry {
	return &Registry{
		byID:                  make(map[string]*Connection),
		byIdentity:            make(map[string]map[string]bool),
		subsByConn:            make(map[string]map[types.MessageType]bool),
		subIndex:              make(map[types.MessageType]map[string]bool),
		maxTotalConnections:   maxTotalConnections,
		maxConnectionsPerUser: maxConnectionsPerUser,
		maxMessageSize:        maxMessageSize,
		logger:                logger.With().Str("component", "registry").Logger(),
	}
}

// Register admits a new connection for the given identity, enforcing the
// two-stage cap from spec section 4.2: global cap first, then per-identity
// cap. On success it allocates a fresh id, wires both indices, and returns
// the new Connection with an empty subscription set.
func (r *Registry) Register(conn types.Conn, identity string) (*Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.byID) >= r.maxTotalConnections {
		return nil, ErrMaxConnectionsExceeded
	}
	if len(r.byIdentity[identity]) >= r.maxConnectionsPerUser {
		return nil, ErrMaxConnectionsExceeded
	}

	id := uuid.New().String()
	c := newConnection(id, identity, conn, r.maxMessageSize, r.logger)
	r.byID[id] = c
	if r.byIdentity[identity] == nil {
		r.byIdentity[identity] = make(map[string]bool)
	}
	r.byIdentity[identity][id] = true
	r.subsByConn[id] = make(map[types.MessageType]bool)

	r.logger.Info().Str("connection_id", id).Str("identity", identity).Msg("connection registered")
	return c, nil
}

// Unregister removes a connection from both indices and the subscription
// index, and closes its write pump. A CONN becomes unreachable from every
// index atomically with this call (spec invariant (c)).
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	c, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byID, id)

	if set, ok := r.byIdentity[c.Identity]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(r.byIdentity, c.Identity)
		}
	}

	for t := range r.subsByConn[id] {
		if set, ok := r.subIndex[t]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(r.subIndex, t)
			}
		}
	}
	delete(r.subsByConn, id)
	r.mu.Unlock()

	c.Close()
	r.logger.Info().Str("connection_id", id).Msg("connection unregistered")
}

// Lookup resolves a connection id.
func (r *Registry) Lookup(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	return c, ok
}

// ByIdentity returns every live connection for an identity.
func (r *Registry) ByIdentity(identity string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.byIdentity[identity]
	out := make([]*Connection, 0, len(set))
	for id := range set {
		if c, ok := r.byID[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

// BySubscription returns every connection whose subscription set contains
// type t or the all wildcard. Uses the inverted index rather than scanning
// every connection, per the strong-implementation note in spec section 9.
func (r *Registry) BySubscription(t types.MessageType) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]bool)
	out := make([]*Connection, 0)
	for _, key := range [2]types.MessageType{t, types.MessageAll} {
		for id := range r.subIndex[key] {
			if seen[id] {
				continue
			}
			if c, ok := r.byID[id]; ok {
				seen[id] = true
				out = append(out, c)
			}
		}
	}
	return out
}

// SetSubscriptions replaces a connection's subscription set wholesale
// (last-write-wins, per the router's subscribe dispatch). The reserved
// error type must already be filtered by the caller; SetSubscriptions does
// not re-filter it, keeping that invariant enforced at the router boundary
// only (spec section 9: "filter at the boundary so downstream code may
// assume the invariant").
func (r *Registry) SetSubscriptions(id string, set []types.MessageType) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[id]; !ok {
		return ErrUnknownConnection
	}

	for t := range r.subsByConn[id] {
		if idx, ok := r.subIndex[t]; ok {
			delete(idx, id)
			if len(idx) == 0 {
				delete(r.subIndex, t)
			}
		}
	}

	fresh := make(map[types.MessageType]bool, len(set))
	for _, t := range set {
		fresh[t] = true
		if r.subIndex[t] == nil {
			r.subIndex[t] = make(map[string]bool)
		}
		r.subIndex[t][id] = true
	}
	r.subsByConn[id] = fresh
	return nil
}

// AddSubscription adds a single type to a connection's subscription set.
func (r *Registry) AddSubscription(id string, t types.MessageType) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[id]; !ok {
		return ErrUnknownConnection
	}
	if r.subsByConn[id] == nil {
		r.subsByConn[id] = make(map[types.MessageType]bool)
	}
	r.subsByConn[id][t] = true
	if r.subIndex[t] == nil {
		r.subIndex[t] = make(map[string]bool)
	}
	r.subIndex[t][id] = true
	return nil
}

// RemoveSubscription removes a single type from a connection's subscription
// set. Idempotent: removing a type that was never subscribed succeeds.
func (r *Registry) RemoveSubscription(id string, t types.MessageType) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[id]; !ok {
		return ErrUnknownConnection
	}
	delete(r.subsByConn[id], t)
	if idx, ok := r.subIndex[t]; ok {
		delete(idx, id)
		if len(idx) == 0 {
			delete(r.subIndex, t)
		}
	}
	return nil
}

// Subscriptions returns the current subscription set for a connection.
func (r *Registry) Subscriptions(id string) []types.MessageType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.subsByConn[id]
	out := make([]types.MessageType, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	return out
}

// Touch records a heartbeat for the connection at the current time.
func (r *Registry) Touch(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[id]
	if !ok {
		return ErrUnknownConnection
	}
	c.lastHeartbeatAt = time.Now()
	return nil
}

// SweepTimedOut closes and unregisters every connection whose last
// heartbeat is older than timeout, returning the ids it closed. It runs on
// a fixed cadence independent of the per-connection heartbeat period (spec
// section 4.2); the caller (presencehubd's sweepLoop) owns that cadence.
func (r *Registry) SweepTimedOut(timeout time.Duration) []string {
	now := time.Now()

	r.mu.RLock()
	var stale []*Connection
	for _, c := range r.byID {
		if now.Sub(c.lastHeartbeatAt) > timeout {
			stale = append(stale, c)
		}
	}
	r.mu.RUnlock()

	ids := make([]string, 0, len(stale))
	for _, c := range stale {
		c.CloseWithReason(1001, "Heartbeat timeout")
		r.Unregister(c.ID)
		ids = append(ids, c.ID)
	}
	return ids
}

// Stats returns a population summary for the auxiliary /stats endpoint.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := len(r.byID)
	subsTotal := 0
	for _, set := range r.subsByConn {
		subsTotal += len(set)
	}
	avg := 0.0
	if total > 0 {
		avg = float64(subsTotal) / float64(total)
	}
	return Stats{
		Total:                total,
		UniqueIdentities:     len(r.byIdentity),
		AverageSubscriptions: avg,
	}
}

// Info returns wire-facing metadata for a connection, or false if unknown.
func (r *Registry) Info(id string) (types.ClientInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	if !ok {
		return types.ClientInfo{}, false
	}
	subs := r.subsByConn[id]
	subList := make([]types.MessageType, 0, len(subs))
	for t := range subs {
		subList = append(subList, t)
	}
	return types.ClientInfo{
		ID:              c.ID,
		Identity:        c.Identity,
		ConnectedAt:     c.connectedAt,
		LastHeartbeatAt: c.lastHeartbeatAt,
		Subscriptions:   subList,
	}, true
}
