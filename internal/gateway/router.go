package gateway

import (
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/emberchat/relay/internal/domain"
	"github.com/emberchat/relay/internal/identity"
	"github.com/emberchat/relay/internal/logging"
	"github.com/emberchat/relay/internal/store"
)

// Handshake carries the identity parameters supplied with the upgrade
// request. Validation happens after the upgrade so rejections travel over
// the socket as reject-notice messages rather than HTTP errors.
type Handshake struct {
	Identity       string
	Role           string
	Token          string
	DisplayName    string
	ConversationID string
}

// Router drives every connection through the same lifecycle: handshake,
// offline flush, connect-ack, message loop, teardown. It owns no per-message
// state beyond what the registry, binding table, and stores hold.
type Router struct {
	reg      *Registry
	bindings *BindingTable
	tokens   *identity.Service
	history  *store.HistoryStore
	offline  *store.OfflineStore
	hb       Heartbeat
	log      *logging.Logger

	newID func() string
	now   func() time.Time
}

// NewRouter wires a router over the given registry, bindings, and stores.
func NewRouter(reg *Registry, bindings *BindingTable, tokens *identity.Service,
	history *store.HistoryStore, offline *store.OfflineStore, hb Heartbeat, log *logging.Logger) *Router {
	return &Router{
		reg:      reg,
		bindings: bindings,
		tokens:   tokens,
		history:  history,
		offline:  offline,
		hb:       hb,
		log:      log.Sub("router"),
		newID:    uuid.NewString,
		now:      time.Now,
	}
}

// HandleConnection runs one upgraded socket to completion. It returns when
// the connection is closed, from either side.
func (rt *Router) HandleConnection(sock *websocket.Conn, hs Handshake) {
	conn, ok := rt.handshake(sock, hs)
	if !ok {
		return
	}
	defer rt.teardown(conn)
	rt.readLoop(conn)
}

func (rt *Router) handshake(sock *websocket.Conn, hs Handshake) (*Conn, bool) {
	role, roleOK := domain.ParseRole(hs.Role)
	switch {
	case hs.Identity == "" || !roleOK || role == domain.RoleSystem || hs.ConversationID == "":
		rt.reject(sock, hs, "malformed handshake")
		return nil, false
	case !rt.tokens.ValidateFor(hs.Token, hs.Identity):
		rt.reject(sock, hs, "invalid or expired token")
		return nil, false
	}

	conn := newConn(sock, hs, role, rt.hb, rt.log)
	go conn.writePump()

	if prev := rt.reg.Register(conn); prev != nil {
		prev.Close()
	}
	rt.tokens.MarkOnline(conn.Token)

	rt.flushOffline(conn)
	rt.sendConnectAck(conn)

	rt.log.Info().
		Str("identity", conn.Identity).
		Str("role", string(role)).
		Str("conversation", conn.ConversationID).
		Msg("participant connected")
	return conn, true
}

// reject writes a reject-notice and a close frame directly on the socket;
// the connection never reaches the active state, so no write pump exists.
func (rt *Router) reject(sock *websocket.Conn, hs Handshake, reason string) {
	rt.log.Warn().Str("identity", hs.Identity).Str("reason", reason).Msg("handshake rejected")

	notice := rt.stamp(domain.SystemMessage(domain.MsgRejectNotice, hs.Identity, hs.ConversationID, reason))
	if data, err := EncodeText(notice); err == nil {
		sock.SetWriteDeadline(time.Now().Add(writeWait))
		sock.WriteMessage(websocket.TextMessage, data)
	}
	sock.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason))
	sock.Close()
}

func (rt *Router) readLoop(conn *Conn) {
	conn.prepareRead()
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				rt.log.Debug().Str("identity", conn.Identity).Msg("peer closed connection")
			} else if conn.Alive() {
				rt.log.Warn().Err(err).Str("identity", conn.Identity).Msg("read error")
			}
			return
		}

		msg, err := DecodeMessage(frame)
		if err != nil {
			// Malformed payloads are dropped; the connection stays open
			rt.log.Warn().Err(err).Str("identity", conn.Identity).Msg("discarding malformed frame")
			continue
		}
		rt.route(conn, msg)
	}
}

// route validates the sender, stamps the message, records it, and delivers
// it live or queues it offline.
func (rt *Router) route(conn *Conn, msg domain.ChatMessage) {
	if !rt.tokens.ValidateFor(conn.Token, conn.Identity) {
		rt.log.Warn().Str("identity", conn.Identity).Msg("token expired mid-session")
		conn.Send(rt.stamp(domain.SystemMessage(
			domain.MsgRejectNotice, conn.Identity, conn.ConversationID, "session expired")))
		// The close frame queues behind the notice so the peer sees both
		conn.CloseWithStatus(websocket.ClosePolicyViolation, "session expired")
		return
	}
	rt.tokens.Refresh(conn.Token)

	// The authenticated connection, not the payload, decides the sender
	msg.SenderID = conn.Identity
	msg.SenderRole = conn.Role
	if msg.ConversationID == "" {
		msg.ConversationID = conn.ConversationID
	}
	if msg.MsgID == "" {
		msg.MsgID = rt.newID()
	}
	msg.SentAt = rt.now()

	recorded := msg
	go rt.history.Append(recorded)

	if target, ok := rt.reg.Lookup(msg.ReceiverID); ok && target.Alive() {
		if err := target.Send(msg); err == nil {
			conn.Send(rt.stamp(domain.SystemMessage(
				domain.MsgSystem, conn.Identity, msg.ConversationID, "delivered:"+msg.MsgID)))
			return
		}
		rt.log.Warn().Str("receiver", msg.ReceiverID).Msg("live delivery failed, queueing offline")
	}
	rt.enqueueOffline(conn, msg)
}

func (rt *Router) enqueueOffline(conn *Conn, msg domain.ChatMessage) {
	if err := rt.offline.Enqueue(msg.ReceiverID, msg.ConversationID, msg); err != nil {
		conn.Send(rt.stamp(domain.SystemMessage(
			domain.MsgRejectNotice, conn.Identity, msg.ConversationID, "delivery failed")))
		return
	}
	conn.Send(rt.stamp(domain.SystemMessage(
		domain.MsgOfflineNotice, conn.Identity, msg.ConversationID, "recipient offline, message queued")))
}

// flushOffline replays queued messages for a reconnecting identity in FIFO
// order. Each entry is marked pushed only after it was accepted by the
// connection's write queue; if the connection dies mid-flush, the remainder
// stays queued for the next connect.
func (rt *Router) flushOffline(conn *Conn) {
	entries, err := rt.offline.Pending(conn.Identity)
	if err != nil {
		rt.log.Error().Err(err).Str("identity", conn.Identity).Msg("failed to load offline queue")
		return
	}
	for _, e := range entries {
		if err := conn.Send(e.Message); err != nil {
			rt.log.Warn().Err(err).Str("identity", conn.Identity).Msg("offline flush interrupted")
			return
		}
		rt.offline.MarkPushed(e.ID)
	}
	if len(entries) > 0 {
		rt.log.Info().Str("identity", conn.Identity).Int("count", len(entries)).Msg("offline queue flushed")
	}
}

// sendConnectAck acknowledges the handshake. For users it also resolves the
// serving agent: the existing binding if that agent is still live, otherwise
// any available agent, otherwise "no agent available".
func (rt *Router) sendConnectAck(conn *Conn) {
	content := "connected"
	if conn.Role == domain.RoleUser {
		agent, ok := rt.bindings.BoundAgentOf(conn.Identity)
		if !ok || !rt.reg.IsLive(agent) {
			agent, ok = PickAvailableAgent(rt.reg)
			if ok {
				rt.bindings.Bind(conn.Identity, agent)
			}
		}
		if ok {
			content = "agent:" + agent
		} else {
			content = "no agent available"
		}
	}
	conn.Send(rt.stamp(domain.SystemMessage(
		domain.MsgConnectAck, conn.Identity, conn.ConversationID, content)))
}

// teardown runs when the read loop exits. The unregister is guarded: if a
// newer connection already took over the identity, this handle is stale and
// must not mark the identity offline or notify peers.
func (rt *Router) teardown(conn *Conn) {
	conn.Close()
	if !rt.reg.Unregister(conn.Identity, conn) {
		rt.log.Debug().Str("identity", conn.Identity).Msg("stale handle, teardown skipped")
		return
	}

	// The token may have expired mid-session; the flag must clear anyway
	rt.tokens.ForceOffline(conn.Token)

	switch conn.Role {
	case domain.RoleUser:
		if agent, ok := rt.bindings.BoundAgentOf(conn.Identity); ok {
			rt.notifyPeer(agent, conn.ConversationID, conn.Identity+" offline")
		}
	case domain.RoleAgent:
		for _, user := range rt.bindings.BoundUsersOf(conn.Identity) {
			rt.notifyPeer(user, conn.ConversationID, "agent offline, you will be reassigned")
		}
	}

	rt.log.Info().Str("identity", conn.Identity).Msg("participant disconnected")
}

func (rt *Router) notifyPeer(identity, conversationID, content string) {
	peer, ok := rt.reg.Lookup(identity)
	if !ok || !peer.Alive() {
		return
	}
	peer.Send(rt.stamp(domain.SystemMessage(domain.MsgOfflineNotice, identity, conversationID, content)))
}

func (rt *Router) stamp(msg domain.ChatMessage) domain.ChatMessage {
	msg.MsgID = rt.newID()
	msg.SentAt = rt.now()
	return msg
}
