package providers

import (
	"strings"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/gofiber/fiber/v3"
	"github.com/presencehub/hub/config"
	"github.com/presencehub/hub/src/hub"
	"github.com/presencehub/hub/src/scheduler"
	"github.com/presencehub/hub/src/types"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Registry is the subset of hub.Registry the gateway needs for admission
// and the auxiliary stats route.
type Registry interface {
	Register(conn types.Conn, identity string) (*hub.Connection, error)
	Unregister(id string)
	Stats() hub.Stats
}

// Scheduler is the subset of scheduler.Scheduler the gateway needs: the
// auxiliary queue route and the privileged broadcast entry point.
type Scheduler interface {
	QueueStats() scheduler.Stats
	Broadcast(t types.MessageType, event types.ServerEvent, data map[string]any, priority types.Priority) bool
}

// Router is the subset of router.Router the gateway needs to hand off
// inbound frames.
type Router interface {
	HandleFrame(connID string, raw []byte)
}

// Gateway is the transport boundary (spec component C7): it performs the
// WebSocket upgrade, derives an identity, and wires an accepted session's
// read/write loops to the registry and router. It also exposes the
// auxiliary read routes and the privileged broadcast route.
type Gateway struct {
	registry  Registry
	scheduler Scheduler
	router    Router
	cfg       *config.HubConfig
	logger    zerolog.Logger

	limiter *rate.Limiter
}

// NewGateway wires a Gateway over the given collaborators.
func NewGateway(registry Registry, sched Scheduler, rtr Router, cfg *config.HubConfig, logger zerolog.Logger) *Gateway {
	var limiter *rate.Limiter
	if cfg.Auth.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Auth.RateLimitRPS), cfg.Auth.RateLimitBurst)
	}
	return &Gateway{
		registry:  registry,
		scheduler: sched,
		router:    rtr,
		cfg:       cfg,
		logger:    logger.With().Str("component", "gateway").Logger(),
		limiter:   limiter,
	}
}

// acceptSession registers the upgraded connection, sends the connected
// frame, starts its write pump, and blocks in its read loop until the
// transport closes, at which point it unregisters the connection. Run this
// as the Upgrade callback, one goroutine-equivalent per accepted socket.
func (g *Gateway) acceptSession(wsConn *websocket.Conn, identity string) {
	conn, err := g.registry.Register(&fasthttpConn{wsConn}, identity)
	if err != nil {
		g.logger.Warn().Err(err).Str("identity", identity).Msg("connection rejected")
		msg := websocket.FormatCloseMessage(1008, err.Error())
		_ = wsConn.WriteControl(websocket.CloseMessage, msg, fasthttpCloseDeadline())
		_ = wsConn.Close()
		return
	}

	go conn.WritePump()
	g.sendConnected(conn)
	g.readLoop(conn)

	g.registry.Unregister(conn.ID)
}

func (g *Gateway) sendConnected(conn *hub.Connection) {
	env := types.Envelope{
		ID:        conn.ID,
		Type:      types.MessageSystem,
		Timestamp: time.Now().UnixMilli(),
		Direction: types.ServerToClient,
		Event:     types.EventConnected,
		Data: map[string]any{
			"connectionId":         conn.ID,
			"serverTime":           time.Now().UnixMilli(),
			"supportedTypes":       g.cfg.SupportedTypes,
			"heartbeatInterval":    g.cfg.HeartbeatInterval.Milliseconds(),
			"maxReconnectAttempts": g.cfg.MaxReconnectAttempts,
		},
	}
	if !conn.SendEnvelope(env) {
		g.logger.Warn().Str("connection_id", conn.ID).Msg("connected frame dropped, buffer full")
	}
}

// readLoop pulls raw frames off the transport and hands each to the router
// until the transport errors or closes.
func (g *Gateway) readLoop(conn *hub.Connection) {
	for {
		raw, err := conn.ReadRaw()
		if err != nil {
			return
		}
		g.router.HandleFrame(conn.ID, raw)
	}
}

func (g *Gateway) handleStats(c fiber.Ctx) error {
	return c.JSON(g.registry.Stats())
}

func (g *Gateway) handleQueue(c fiber.Ctx) error {
	return c.JSON(g.scheduler.QueueStats())
}

// broadcastRequest is the body shape of the privileged POST /api/broadcast
// route (spec section 4.7).
type broadcastRequest struct {
	Type     types.MessageType `json:"type"`
	Event    types.ServerEvent `json:"event"`
	Data     map[string]any    `json:"data"`
	Priority types.Priority    `json:"priority"`
}

func (g *Gateway) handleBroadcast(c fiber.Ctx) error {
	if !g.authorize(c) {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"code":    types.ErrUnauthorized,
			"message": "missing or invalid bearer token",
		})
	}
	if g.limiter != nil && !g.limiter.Allow() {
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
			"code":    types.ErrQueueOverflow,
			"message": "rate limit exceeded",
		})
	}

	var req broadcastRequest
	if err := c.Bind().Body(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"code":    types.ErrParse,
			"message": err.Error(),
		})
	}
	if !types.IsValidMessageType(req.Type) || req.Type == types.MessageError {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"code":    types.ErrInvalidType,
			"message": "unknown or reserved message type",
		})
	}
	if req.Priority == "" {
		req.Priority = types.PriorityNormal
	}

	accepted := g.scheduler.Broadcast(req.Type, req.Event, req.Data, req.Priority)
	if !accepted {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"code":    types.ErrQueueOverflow,
			"message": "broadcast queue is full",
		})
	}
	return c.JSON(fiber.Map{"accepted": true})
}

func (g *Gateway) authorize(c fiber.Ctx) bool {
	if g.cfg.Auth.SharedSecret == "" {
		return false
	}
	header := c.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	token := strings.TrimPrefix(header, prefix)
	return token == g.cfg.Auth.SharedSecret
}

