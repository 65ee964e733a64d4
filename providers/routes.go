// Package providers wires the hub's transport boundary: the WebSocket
// upgrade endpoint, the read-only stats/queue routes, and the privileged
// broadcast route, on top of a Fiber app.
//
// The upgrade handler is registered directly on the fasthttp server rather
// than through a Fiber route, since Fiber v3 does not expose the
// underlying *fasthttp.RequestCtx to route handlers.
package providers

import (
	"strings"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/gofiber/fiber/v3"
	"github.com/valyala/fasthttp"
)

var upgrader = websocket.FastHTTPUpgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(ctx *fasthttp.RequestCtx) bool { return true },
}

// RegisterRoutes registers every HTTP route the gateway exposes, per spec
// section 4.7: the auxiliary read endpoints and the privileged broadcast
// endpoint. The upgrade endpoint itself is not a Fiber route; it is
// registered on the fasthttp server directly via FastHTTPHandler.
func (g *Gateway) RegisterRoutes(router fiber.Router) {
	router.Get("/ws/info", g.handleInfo)
	router.Get("/api/stats", g.handleStats)
	router.Get("/api/queue", g.handleQueue)
	router.Post("/api/broadcast", g.handleBroadcast)
}

func (g *Gateway) handleInfo(c fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"websocket":      true,
		"endpoint":       "/ws",
		"supportedTypes": g.cfg.SupportedTypes,
	})
}

// FastHTTPHandler returns a raw fasthttp handler for the WebSocket upgrade
// endpoint. Register this on the fasthttp server at the "/ws" path rather
// than through the Fiber router.
func (g *Gateway) FastHTTPHandler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		upgrade := string(ctx.Request.Header.Peek("Upgrade"))
		if !strings.EqualFold(upgrade, "websocket") {
			ctx.SetStatusCode(fasthttp.StatusUpgradeRequired)
			ctx.SetBodyString(`{"error":"upgrade_required","message":"WebSocket upgrade required"}`)
			return
		}

		identity := g.deriveIdentity(ctx)

		err := upgrader.Upgrade(ctx, func(conn *websocket.Conn) {
			g.acceptSession(conn, identity)
		})
		if err != nil {
			g.logger.Error().Err(err).Msg("websocket upgrade failed")
		}
	}
}

// deriveIdentity extracts the opaque identity string the registry will key
// admission caps on. The core never interprets this value (spec section
// 4.7); it only needs to be stable per logical user. Preferring an explicit
// query parameter lets a fronting auth proxy inject a verified identity
// without this package needing to know anything about how it was verified.
func (g *Gateway) deriveIdentity(ctx *fasthttp.RequestCtx) string {
	if id := ctx.QueryArgs().Peek("identity"); len(id) > 0 {
		return string(id)
	}
	return ctx.RemoteIP().String()
}

// fasthttpConn adapts fasthttp/websocket.Conn to types.Conn.
type fasthttpConn struct {
	conn *websocket.Conn
}

func (f *fasthttpConn) ReadMessage() ([]byte, error) {
	_, data, err := f.conn.ReadMessage()
	return data, err
}

func (f *fasthttpConn) WriteMessage(data []byte) error {
	return f.conn.WriteMessage(websocket.TextMessage, data)
}

func (f *fasthttpConn) CloseWithReason(code int, reason string) error {
	deadline := fasthttpCloseDeadline()
	msg := websocket.FormatCloseMessage(code, reason)
	return f.conn.WriteControl(websocket.CloseMessage, msg, deadline)
}

func (f *fasthttpConn) Close() error { return f.conn.Close() }

// fasthttpCloseDeadline bounds how long a close-control write may block.
func fasthttpCloseDeadline() time.Time {
	return time.Now().Add(5 * time.Second)
}
