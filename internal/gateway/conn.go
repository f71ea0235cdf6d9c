package gateway

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/emberchat/relay/internal/domain"
	"github.com/emberchat/relay/internal/logging"
)

var (
	ErrConnClosed = errors.New("connection closed")
	ErrQueueFull  = errors.New("write queue full")
)

const (
	writeWait     = 5 * time.Second
	sendQueueSize = 64
	maxFrameBytes = 1 << 20
)

// Heartbeat sets the idle thresholds for one connection. Read-idle expiry
// force-closes the socket; write-idle emits a ping frame.
type Heartbeat struct {
	ReadIdle  time.Duration
	WriteIdle time.Duration
}

// Conn is the runtime handle for one authenticated participant connection.
// It is never persisted; a process restart drops every handle. All writes
// funnel through a single queue drained by writePump, so Send is safe from
// any goroutine.
type Conn struct {
	Identity       string
	Role           domain.Role
	Token          string
	DisplayName    string
	ConversationID string
	ConnectedAt    time.Time

	sock      *websocket.Conn
	send      chan outFrame
	closed    chan struct{}
	closeOnce sync.Once
	hb        Heartbeat
	log       *logging.Logger
}

func newConn(sock *websocket.Conn, hs Handshake, role domain.Role, hb Heartbeat, log *logging.Logger) *Conn {
	return &Conn{
		Identity:       hs.Identity,
		Role:           role,
		Token:          hs.Token,
		DisplayName:    hs.DisplayName,
		ConversationID: hs.ConversationID,
		ConnectedAt:    time.Now(),
		sock:           sock,
		send:           make(chan outFrame, sendQueueSize),
		closed:         make(chan struct{}),
		hb:             hb,
		log:            log,
	}
}

// Alive reports whether the handle has not been closed yet.
func (c *Conn) Alive() bool {
	select {
	case <-c.closed:
		return false
	default:
		return true
	}
}

// outFrame is one queued write: the WebSocket message type plus payload.
type outFrame struct {
	messageType int
	data        []byte
}

// Send queues a message for delivery on this connection.
func (c *Conn) Send(msg domain.ChatMessage) error {
	data, err := EncodeText(msg)
	if err != nil {
		return err
	}
	return c.enqueue(outFrame{messageType: websocket.TextMessage, data: data})
}

// CloseWithStatus queues a close frame behind any pending messages. The
// pump writes everything queued ahead of it, then the close frame, then
// tears the connection down, so a final notice reaches the peer before
// the socket drops.
func (c *Conn) CloseWithStatus(code int, reason string) {
	frame := outFrame{
		messageType: websocket.CloseMessage,
		data:        websocket.FormatCloseMessage(code, reason),
	}
	if err := c.enqueue(frame); err != nil {
		c.Close()
	}
}

func (c *Conn) enqueue(f outFrame) error {
	if !c.Alive() {
		return ErrConnClosed
	}
	select {
	case c.send <- f:
		return nil
	case <-c.closed:
		return ErrConnClosed
	default:
		return ErrQueueFull
	}
}

// Close tears down the handle and the underlying socket. Idempotent.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.sock != nil {
			c.sock.Close()
		}
	})
}

// writePump drains the send queue. A ping goes out whenever the connection
// has been write-idle for the configured interval; any write error closes
// the connection, which the read loop then observes.
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.hb.WriteIdle)
	defer ticker.Stop()

	for {
		select {
		case f := <-c.send:
			c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(f.messageType, f.data); err != nil {
				c.log.Debug().Err(err).Str("identity", c.Identity).Msg("write failed")
				c.Close()
				return
			}
			if f.messageType == websocket.CloseMessage {
				c.Close()
				return
			}
			ticker.Reset(c.hb.WriteIdle)
		case <-ticker.C:
			c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.Debug().Err(err).Str("identity", c.Identity).Msg("ping failed")
				c.Close()
				return
			}
		case <-c.closed:
			return
		}
	}
}

// prepareRead arms the read deadline and control-frame handlers. Pings are
// answered with a matching pong; any inbound frame, control frames
// included, counts as read activity and pushes the deadline forward.
func (c *Conn) prepareRead() {
	c.sock.SetReadLimit(maxFrameBytes)
	c.extendReadDeadline()
	c.sock.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		return nil
	})
	c.sock.SetPingHandler(func(appData string) error {
		c.extendReadDeadline()
		// A failed pong is left for the read loop to notice
		c.sock.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		return nil
	})
}

// ReadFrame blocks for the next data frame. Exceeding the read-idle
// deadline surfaces as a read error, which tears the connection down.
func (c *Conn) ReadFrame() (Frame, error) {
	mt, data, err := c.sock.ReadMessage()
	if err != nil {
		return Frame{}, err
	}
	c.extendReadDeadline()
	return Frame{Kind: kindOf(mt), Data: data}, nil
}

func (c *Conn) extendReadDeadline() {
	c.sock.SetReadDeadline(time.Now().Add(c.hb.ReadIdle))
}
