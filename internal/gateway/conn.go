package gateway

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/behavex/realtime/internal/protocol"
	"github.com/behavex/realtime/internal/session"
	"github.com/behavex/realtime/internal/tenant"
)

const (
	writeWait = 10 * time.Second
	// maxStrikes closes a connection after this many consecutive
	// malformed frames.
	maxStrikes = 3
)

// Origin validation: in production only RT_ALLOWED_ORIGINS is accepted;
// elsewhere all origins pass.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     buildCheckOrigin(),
}

func buildCheckOrigin() func(r *http.Request) bool {
	env := os.Getenv("ENV")
	allowedRaw := os.Getenv("RT_ALLOWED_ORIGINS")

	if env == "production" && allowedRaw != "" {
		allowed := make(map[string]bool)
		for _, origin := range strings.Split(allowedRaw, ",") {
			allowed[strings.TrimSpace(origin)] = true
		}
		return func(r *http.Request) bool {
			return allowed[r.Header.Get("Origin")]
		}
	}
	return func(r *http.Request) bool { return true }
}

// client binds one WebSocket to its session connection and codec.
// readPump is the only goroutine reading the socket; writePump the only
// one writing it.
type client struct {
	g      *Gateway
	conn   *session.Connection
	sock   *websocket.Conn
	codec  *protocol.Codec
	tenant *tenant.Tenant

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	// strikes counts consecutive undecodable frames; any good frame
	// resets it.
	strikes int

	// userID set by an auth/presence control message; used as the
	// default presence identity.
	userID string
}

// HandleWS upgrades an HTTP request into a realtime session. Admission
// runs before the upgrade so refusals stay plain HTTP.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	ctx, t, err := g.resolver.Admit(r.Context(), tenant.RequestFromHTTP(r))
	if err != nil {
		code := protocol.CodeOf(err)
		if g.metrics != nil {
			g.metrics.AdmissionRefused.WithLabelValues(string(code)).Inc()
		}
		status := http.StatusForbidden
		if code == protocol.CodeTenantNotFound {
			status = http.StatusNotFound
		}
		http.Error(w, string(code), status)
		return
	}

	sock, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "tenant", t.ID, "error", err)
		return
	}

	codec, err := protocol.NewCodec(g.codecOpts)
	if err != nil {
		// Options were validated at construction; this cannot happen in
		// a correctly built gateway.
		g.logger.Error("codec construction failed", "error", err)
		sock.Close()
		return
	}

	conn := session.NewConnection(newConnectionID(), t.ID, r.RemoteAddr, g.cfg.Channels.OutboundQueueSize)
	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cl := &client{
		g:      g,
		conn:   conn,
		sock:   sock,
		codec:  codec,
		tenant: t,
		ctx:    connCtx,
		cancel: cancel,
	}

	if err := g.register(conn, cl); err != nil {
		g.logger.Warn("connection registration failed", "error", err)
		cancel()
		sock.Close()
		return
	}
	if err := g.registry.Transition(conn.ID, session.StateOpen); err != nil {
		g.closeConnection(conn.ID)
		return
	}
	g.heartbeats.Start(conn.ID)

	g.logger.Info("connection open",
		"connection_id", conn.ID, "tenant", t.ID, "remote", r.RemoteAddr)

	go cl.writePump()
	go cl.readPump()
}

// shutdown releases the transport exactly once. The registry close hook
// calls it; pump exits route through closeConnection which ends here.
func (cl *client) shutdown() {
	cl.once.Do(func() {
		cl.cancel()
		cl.sock.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		cl.sock.Close()
	})
}

// writePump drains the outbound queue through the codec onto the socket.
// It is the only goroutine writing the socket.
func (cl *client) writePump() {
	defer cl.g.closeConnection(cl.conn.ID)

	for {
		pkt, err := cl.conn.Outbound().Pop(cl.ctx)
		if err != nil {
			return
		}
		frame, err := cl.codec.Encode(pkt)
		if err != nil {
			cl.g.logger.Warn("encode failed, dropping packet",
				"connection_id", cl.conn.ID, "type", pkt.Header.Type, "error", err)
			continue
		}
		cl.sock.SetWriteDeadline(time.Now().Add(writeWait))
		if err := cl.sock.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			cl.g.logger.Debug("write failed", "connection_id", cl.conn.ID, "error", err)
			return
		}
		if cl.g.metrics != nil {
			cl.g.metrics.FramesEncoded.WithLabelValues(string(pkt.Header.Type)).Inc()
		}
	}
}

// readPump decodes inbound frames and dispatches packets. It is the only
// goroutine reading the socket.
func (cl *client) readPump() {
	defer cl.g.closeConnection(cl.conn.ID)

	cl.sock.SetReadLimit(int64(cl.g.cfg.Protocol.MaxPayloadBytes) + 4096)

	for {
		_, frame, err := cl.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				cl.g.logger.Debug("read failed", "connection_id", cl.conn.ID, "error", err)
			}
			return
		}
		cl.conn.Touch()

		pkt, err := cl.codec.Decode(frame)
		if err != nil {
			if cl.rejectFrame(err) {
				return
			}
			continue
		}
		cl.strikes = 0
		if cl.g.metrics != nil {
			cl.g.metrics.FramesDecoded.WithLabelValues(string(pkt.Header.Type)).Inc()
		}

		if closeConn := cl.dispatch(pkt); closeConn {
			return
		}
	}
}

// rejectFrame reports a codec failure in-band and decides whether the
// connection should close. A tampered or repeatedly malformed stream is
// not worth keeping.
func (cl *client) rejectFrame(err error) (closeConn bool) {
	code := protocol.CodeOf(err)
	if cl.g.metrics != nil {
		cl.g.metrics.DecodeFailures.WithLabelValues(string(code)).Inc()
	}
	cl.strikes++
	cl.g.logger.Warn("frame rejected",
		"connection_id", cl.conn.ID, "code", code, "strikes", cl.strikes)

	cl.sendError("", protocol.ActionPublish, err)
	return cl.strikes >= maxStrikes
}

// sendError queues an in-band error reply correlated to the offending
// packet.
func (cl *client) sendError(correlatesTo string, action protocol.Action, err error) {
	pkt := protocol.NewPacket(protocol.TypeControl)
	pkt.Header.CorrelationID = correlatesTo
	pkt.Payload.Control = &protocol.ControlBody{Action: action}
	we := &protocol.WireError{Code: protocol.CodeOf(err), Message: safeMessage(err)}
	if ra, ok := protocol.RetryAfterOf(err); ok {
		we.RetryAfter = ra.Milliseconds()
	}
	pkt.Payload.Error = we
	cl.conn.Outbound().Push(pkt)
}

// safeMessage keeps internal detail off the wire.
func safeMessage(err error) string {
	var pe *protocol.Error
	if errors.As(err, &pe) && pe.Code.Kind() != protocol.KindInternal {
		return pe.Message
	}
	return "internal error"
}
