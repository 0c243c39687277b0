package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"docsync/backend/internal/collab"
	"docsync/backend/internal/protocol"
)

type ConnOptions struct {
	SendBuffer int           // 出站队列长度，满了就丢（会话会把连接标记为掉队，之后补发）
	WriteWait  time.Duration // 单次写超时
	PongWait   time.Duration // 多久收不到 pong 视为断开
	PingPeriod time.Duration // 必须小于 PongWait
}

func (o ConnOptions) withDefaults() ConnOptions {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = o.PongWait * 9 / 10
	}
	return o
}

// 出站消息：二进制修订帧或 JSON 控制消息
type outbound struct {
	kind int
	data []byte
}

var connSeq atomic.Uint64

// Conn：一个 websocket 连接，实现 collab.Subscriber。
// 读循环只把二进制帧交给 Router；写循环独占底层连接的写操作。
type Conn struct {
	id       string
	ws       *websocket.Conn
	hub      *Hub
	router   *collab.Router
	svc      *collab.Service
	docID    string
	userID   uint64
	username string
	opt      ConnOptions
	logger   zerolog.Logger

	// 发送队列，只在 done 关闭前写入
	send      chan outbound
	done      chan struct{}
	closeOnce sync.Once
}

var _ collab.Subscriber = (*Conn)(nil)

func NewConn(ws *websocket.Conn, hub *Hub, router *collab.Router, svc *collab.Service, docID string, userID uint64, username string, opt ConnOptions) *Conn {
	opt = opt.withDefaults()
	id := fmt.Sprintf("%d-%d", userID, connSeq.Add(1))
	return &Conn{
		id:       id,
		ws:       ws,
		hub:      hub,
		router:   router,
		svc:      svc,
		docID:    docID,
		userID:   userID,
		username: username,
		opt:      opt,
		logger:   log.With().Str("conn", id).Str("doc", docID).Uint64("user", userID).Logger(),
		send:     make(chan outbound, opt.SendBuffer),
		done:     make(chan struct{}),
	}
}

func (c *Conn) ID() string     { return c.id }
func (c *Conn) UserID() uint64 { return c.userID }
func (c *Conn) DocID() string  { return c.docID }
func (c *Conn) Principal() collab.Principal {
	return collab.Principal{UserID: c.userID, Username: c.username}
}

func (c *Conn) enqueue(m outbound) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- m:
		return true
	default:
		// 队列满了，丢弃
		return false
	}
}

// Send 实现 collab.Subscriber，不阻塞
func (c *Conn) Send(f protocol.Frame) bool {
	b, err := f.MarshalBinary()
	if err != nil {
		c.logger.Error().Err(err).Stringer("type", f.Type).Msg("encode frame")
		return false
	}
	return c.enqueue(outbound{kind: websocket.BinaryMessage, data: b})
}

func (c *Conn) SendSnapshot(snap collab.Snapshot) bool {
	return c.SendMessage_Enqueue(ServerMessage{Type: TypeSnapshot, DocID: snap.DocumentID, Revision: snap.RevID, Snapshot: &snap})
}

func (c *Conn) SendMessage_Enqueue(msg ServerMessage) bool {
	b, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error().Err(err).Str("type", msg.Type).Msg("encode message")
		return false
	}
	return c.enqueue(outbound{kind: websocket.TextMessage, data: b})
}

func (c *Conn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Conn) readLoop(ctx context.Context) {
	defer c.close()
	c.ws.SetReadLimit(int64(protocol.MaxPayload) + 64*1024)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.opt.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.opt.PongWait))
	})

	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn().Err(err).Msg("websocket read error")
			}
			return
		}
		switch kind {
		case websocket.BinaryMessage:
			if err := c.router.Dispatch(c.Principal(), c, data); err != nil {
				code := protocol.ConflictRetry
				if !collab.Retriable(err) {
					code = protocol.ConflictResyncRequired
				}
				c.Send(protocol.NewConflict(c.docID, protocol.ConflictInfo{Code: code, Reason: err.Error()}))
			}
		case websocket.TextMessage:
			c.handleText(ctx, data)
		}
	}
}

func (c *Conn) handleText(ctx context.Context, data []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.SendMessage_Enqueue(ServerMessage{Type: TypeError, Content: "BAD_JSON"})
		return
	}
	switch msg.Type {
	case "heartbeat":
		if err := c.hub.Touch(ctx, c.docID, c); err != nil {
			c.logger.Warn().Err(err).Msg("refresh presence")
		}
		c.SendMessage_Enqueue(ServerMessage{Type: TypeFeedback, Content: "Heartbeat received"})

	case "show_alive_members":
		members, err := c.hub.Members(ctx, c.docID)
		if err != nil {
			c.logger.Warn().Err(err).Msg("get alive members")
			c.SendMessage_Enqueue(ServerMessage{Type: TypeError, Content: "PRESENCE_UNAVAILABLE"})
			return
		}
		c.SendMessage_Enqueue(ServerMessage{Type: TypePresence, DocID: c.docID, Members: members})

	default:
		c.SendMessage_Enqueue(ServerMessage{Type: TypeIgnored, Content: "Unknown message type"})
	}
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(c.opt.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case <-c.done:
			// 尽量把已排队的消息写完
			for {
				select {
				case m := <-c.send:
					if c.write(m) != nil {
						return
					}
				default:
					_ = c.ws.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(c.opt.WriteWait))
					return
				}
			}
		case m := <-c.send:
			if err := c.write(m); err != nil {
				c.logger.Warn().Err(err).Msg("websocket write error")
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opt.WriteWait)); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *Conn) write(m outbound) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.opt.WriteWait)); err != nil {
		return err
	}
	if err := c.ws.WriteMessage(m.kind, m.data); err != nil {
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	}
	return nil
}
