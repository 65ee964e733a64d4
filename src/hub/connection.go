package hub

import (
	"sync"
	"time"

	"github.com/presencehub/hub/src/codec"
	"github.com/presencehub/hub/src/types"
	"github.com/rs/zerolog"
)

// Connection wraps one accepted WebSocket session. The Registry is the sole
// owner of a Connection's lifecycle and subscription set; Connection itself
// only owns the transport and the outbound write path.
//
// Outbound carries pre-encoded frames from both the router (replies, acks,
// pongs, encoded one at a time by SendEnvelope) and the scheduler
// (broadcast groups, encoded once and handed to every recipient via
// SendRaw). Routing every writer through the single channel means enqueue
// order is delivery order: a reply enqueued before a connection becomes a
// subscriber can never be overtaken by a broadcast that only exists because
// of that subscription.
type Connection struct {
	ID              string
	Identity        string
	conn            types.Conn
	Outbound        chan []byte
	connectedAt     time.Time
	lastHeartbeatAt time.Time
	done            chan struct{}
	closeOnce       sync.Once
	maxMessageSize  int
	logger          zerolog.Logger
}

func newConnection(id, identity string, conn types.Conn, maxMessageSize int, logger zerolog.Logger) *Connection {
	now := time.Now()
	return &Connection{
		ID:              id,
		Identity:        identity,
		conn:            conn,
		Outbound:        make(chan []byte, 256),
		connectedAt:     now,
		lastHeartbeatAt: now,
		done:            make(chan struct{}),
		maxMessageSize:  maxMessageSize,
		logger:          logger.With().Str("connection_id", id).Logger(),
	}
}

// ReadRaw reads one frame off the transport. Exposed so the gateway's read
// loop does not need to know about the underlying types.Conn.
func (c *Connection) ReadRaw() ([]byte, error) {
	return c.conn.ReadMessage()
}

// withinSizeLimit reports whether raw is small enough to write. A zero
// limit means unlimited.
func (c *Connection) withinSizeLimit(raw []byte) bool {
	return c.maxMessageSize <= 0 || len(raw) <= c.maxMessageSize
}

// SendEnvelope encodes env and queues it on the single outbound path.
// Returns false if the connection's buffer is full; the caller logs and
// moves on.
func (c *Connection) SendEnvelope(env types.Envelope) bool {
	raw, err := codec.Encode(env)
	if err != nil {
		return false
	}
	return c.SendRaw(raw)
}

// SendRaw queues a pre-serialized frame for this connection. Returns false
// if the connection's buffer is full or the connection has been closed,
// isolating a slow or gone consumer from the rest of a fan-out batch.
// Safe to call concurrently with Close: it never sends on a closed
// channel, since Close only ever closes done, never Outbound.
func (c *Connection) SendRaw(raw []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.Outbound <- raw:
		return true
	default:
		return false
	}
}

// WritePump drains the outbound path to the transport until the
// connection is closed. Call it in its own goroutine once per Connection.
func (c *Connection) WritePump() {
	defer c.conn.Close()
	for {
		select {
		case raw := <-c.Outbound:
			if !c.withinSizeLimit(raw) {
				c.logger.Warn().Int("size", len(raw)).Msg("outbound frame dropped, exceeds max message size")
				continue
			}
			if err := c.conn.WriteMessage(raw); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// Close stops the write pump and closes the transport. Safe to call more
// than once or from more than one goroutine. It only closes done, never
// Outbound: the scheduler and router may still be holding a reference to
// this connection and calling SendRaw/SendEnvelope concurrently with
// Unregister, and a send on a closed channel panics even guarded by a
// select's default case.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// CloseWithReason closes the transport with a WebSocket close code and
// reason string (1008 for admission rejection, 1001 for heartbeat
// timeout). Errors are swallowed; the caller has already decided to drop
// the connection regardless of transport cooperation.
func (c *Connection) CloseWithReason(code int, reason string) {
	_ = c.conn.CloseWithReason(code, reason)
}
