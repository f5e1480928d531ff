package gateway

import (
	"encoding/json"
	"time"

	"github.com/behavex/realtime/internal/heartbeat"
	"github.com/behavex/realtime/internal/presence"
	"github.com/behavex/realtime/internal/protocol"
	"github.com/behavex/realtime/internal/session"
	"github.com/behavex/realtime/internal/tenant"
)

// Presence sub-operations carried in the control envelope's event field.
const (
	presenceOpJoin      = "join"
	presenceOpLeave     = "leave"
	presenceOpUpdate    = "update"
	presenceOpHeartbeat = "heartbeat"
	presenceOpQuery     = "query"
	presenceOpDiff      = "diff"
)

// dispatch routes one decoded packet. The return value asks the read
// pump to close the connection: authorization failures do, resource and
// validation failures answer in-band and keep the stream alive.
func (cl *client) dispatch(pkt *protocol.Packet) (closeConn bool) {
	switch pkt.Header.Type {
	case protocol.TypePing:
		cl.handlePing(pkt)
		return false

	case protocol.TypePong:
		pd := &heartbeat.PongData{}
		if pkt.Payload.Pong != nil {
			pd.OriginalTimestamp = pkt.Payload.Pong.OriginalTimestamp
		}
		cl.g.heartbeats.HandlePong(cl.conn.ID, pd)
		return false

	case protocol.TypeEvent:
		ev := pkt.Payload.Event
		err := cl.doPublish(ev.Channel, ev.Event, ev.Data)
		return cl.report(pkt, protocol.ActionPublish, err)

	case protocol.TypeControl:
		return cl.dispatchControl(pkt)
	}
	return false
}

func (cl *client) handlePing(pkt *protocol.Packet) {
	pong := protocol.NewPacket(protocol.TypePong)
	pong.Header.CorrelationID = pkt.Header.ID
	pong.Payload.Pong = &protocol.PongBody{
		OriginalTimestamp: pkt.Payload.Ping.Timestamp,
		Timestamp:         pong.Header.Timestamp,
	}
	cl.conn.Outbound().Push(pong)
}

func (cl *client) dispatchControl(pkt *protocol.Packet) (closeConn bool) {
	ctl := pkt.Payload.Control
	switch ctl.Action {
	case protocol.ActionSubscribe:
		err := cl.g.router.Subscribe(cl.conn, ctl.Channel, session.SubscribeOptions{
			FromHistory: ctl.FromHistory,
		})
		return cl.report(pkt, ctl.Action, err)

	case protocol.ActionUnsubscribe:
		cl.g.router.Unsubscribe(cl.conn.ID, ctl.Channel, "client_request")
		cl.sendAck(pkt, nil)
		return false

	case protocol.ActionPublish:
		err := cl.doPublish(ctl.Channel, ctl.Event, ctl.Data)
		return cl.report(pkt, ctl.Action, err)

	case protocol.ActionPresence:
		err := cl.doPresence(pkt)
		return cl.report(pkt, ctl.Action, err)

	case protocol.ActionAuth:
		err := cl.doAuth(ctl)
		return cl.report(pkt, ctl.Action, err)
	}
	return false
}

// report answers a request: ack on success, in-band error otherwise.
// Authorization failures additionally close the connection.
func (cl *client) report(pkt *protocol.Packet, action protocol.Action, err error) (closeConn bool) {
	if err == nil {
		cl.sendAck(pkt, nil)
		return false
	}
	cl.sendError(pkt.Header.ID, action, err)
	return protocol.CodeOf(err).Kind() == protocol.KindAuthorization
}

func (cl *client) sendAck(pkt *protocol.Packet, extra map[string]string) {
	ack := protocol.NewPacket(protocol.TypeControl)
	ack.Header.CorrelationID = pkt.Header.ID
	ctl := pkt.Payload.Control
	if ctl == nil {
		ctl = &protocol.ControlBody{Action: protocol.ActionPublish}
	}
	ack.Payload.Control = &protocol.ControlBody{Action: ctl.Action, Channel: ctl.Channel}
	meta := map[string]string{"status": "ok"}
	for k, v := range extra {
		meta[k] = v
	}
	ack.Payload.Metadata = meta
	cl.conn.Outbound().Push(ack)
}

// doPublish gates a publish through the rate limiter and the monthly
// API-call quota, then fans out through the router.
func (cl *client) doPublish(channelID, event string, data json.RawMessage) error {
	if channelID == "" {
		return protocol.E(protocol.CodeInvalidMessage, "publish without channel")
	}

	if _, err := cl.g.rate.Enforce(cl.tenant, "publish"); err != nil {
		if cl.g.metrics != nil {
			cl.g.metrics.RateLimited.WithLabelValues(cl.tenant.ID).Inc()
		}
		return err
	}
	if _, err := cl.g.limits.EnforceAndIncrement(cl.ctx, cl.tenant, tenant.MetricAPICalls, 1); err != nil {
		if cl.g.metrics != nil {
			cl.g.metrics.QuotaRefused.WithLabelValues(cl.tenant.ID, string(tenant.MetricAPICalls)).Inc()
		}
		return err
	}

	res, err := cl.g.router.Publish(cl.ctx, cl.conn.ID, channelID, event, data, session.PublishOptions{})
	if err != nil {
		return err
	}
	if cl.g.metrics != nil {
		cl.g.metrics.RecordPublish(cl.tenant.ID, res.Delivered, res.Dropped)
	}
	return nil
}

// doPresence handles the presence sub-operations. The channel invariant
// (every presence holder is a subscriber) is kept by subscribing on
// join when needed.
func (cl *client) doPresence(pkt *protocol.Packet) error {
	ctl := pkt.Payload.Control
	if ctl.Channel == "" {
		return protocol.E(protocol.CodeInvalidMessage, "presence without channel")
	}
	userID := ctl.UserID
	if userID == "" {
		userID = cl.userID
	}

	switch ctl.Event {
	case presenceOpJoin:
		if userID == "" {
			return protocol.E(protocol.CodeInvalidMessage, "presence join without userId")
		}
		if err := cl.g.router.Subscribe(cl.conn, ctl.Channel, session.SubscribeOptions{}); err != nil {
			return err
		}
		var custom map[string]any
		if len(ctl.Data) > 0 {
			if err := json.Unmarshal(ctl.Data, &custom); err != nil {
				return protocol.E(protocol.CodeInvalidMessage, "malformed presence state")
			}
		}
		_, err := cl.g.presence.Join(cl.ctx, &presence.Presence{
			ChannelID:    ctl.Channel,
			UserID:       userID,
			ConnectionID: cl.conn.ID,
			Status:       presence.Status(ctl.Status),
			CustomState:  custom,
		})
		if err == nil && cl.userID == "" {
			cl.userID = userID
		}
		return err

	case presenceOpLeave:
		cl.g.presence.Leave(cl.ctx, ctl.Channel, userID, cl.conn.ID)
		return nil

	case presenceOpUpdate:
		var custom map[string]any
		if len(ctl.Data) > 0 {
			if err := json.Unmarshal(ctl.Data, &custom); err != nil {
				return protocol.E(protocol.CodeInvalidMessage, "malformed presence state")
			}
		}
		_, err := cl.g.presence.Update(cl.ctx, ctl.Channel, userID, cl.conn.ID,
			presence.Status(ctl.Status), custom)
		return err

	case presenceOpHeartbeat:
		cl.g.presence.Heartbeat(ctl.Channel, userID, cl.conn.ID)
		return nil

	case presenceOpQuery:
		state := cl.g.presence.Query(ctl.Channel)
		return cl.sendPresenceData(pkt, ctl.Channel, "presence.state", state)

	case presenceOpDiff:
		var req struct {
			Since int64 `json:"since"` // unix millis
		}
		if len(ctl.Data) > 0 {
			if err := json.Unmarshal(ctl.Data, &req); err != nil {
				return protocol.E(protocol.CodeInvalidMessage, "malformed diff request")
			}
		}
		diff := cl.g.presence.Diff(ctl.Channel, time.UnixMilli(req.Since))
		return cl.sendPresenceData(pkt, ctl.Channel, "presence.diff", diff)
	}
	return protocol.E(protocol.CodeInvalidMessage, "unknown presence operation %q", ctl.Event)
}

// sendPresenceData replies with a snapshot or diff as an EVENT packet.
func (cl *client) sendPresenceData(pkt *protocol.Packet, channelID, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return protocol.E(protocol.CodeInternalError, "marshal presence reply")
	}
	reply := protocol.NewPacket(protocol.TypeEvent)
	reply.Header.CorrelationID = pkt.Header.ID
	reply.Payload.Event = &protocol.EventBody{
		Channel: channelID,
		Event:   event,
		Data:    data,
	}
	cl.conn.Outbound().Push(reply)
	return nil
}

// doAuth re-authenticates a live connection with an API key. The key
// must belong to the connection's admitted tenant.
func (cl *client) doAuth(ctl *protocol.ControlBody) error {
	if ctl.Token == "" {
		return protocol.E(protocol.CodeUnauthorized, "auth without token")
	}
	if cl.g.keys == nil {
		return protocol.E(protocol.CodeUnauthorized, "api key auth not enabled")
	}
	t, err := cl.g.keys.Validate(cl.ctx, ctl.Token)
	if err != nil {
		return err
	}
	if t.ID != cl.conn.TenantID {
		return protocol.E(protocol.CodeTenantAccessDenied, "key belongs to a different tenant")
	}
	if ctl.UserID != "" {
		cl.userID = ctl.UserID
	}
	return nil
}
