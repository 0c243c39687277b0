package ws

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"docsync/backend/internal/collab"
)

// NewUpgrader：allowedOrigins 为空时只放行本地开发环境的来源
func NewUpgrader(allowedOrigins []string) websocket.Upgrader {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{
			"http://localhost",
			"http://127.0.0.1",
			"https://localhost",
			"https://127.0.0.1",
		}
	}
	return websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || origin == "null" { // 一些环境可能不发送 Origin，或为 "null"
			return true
		}
		for _, p := range allowedOrigins {
			if strings.HasPrefix(origin, p) {
				return true
			}
		}
		return false
	}}
}

type Manager struct {
	h        *Hub
	svc      *collab.Service
	router   *collab.Router
	upgrader websocket.Upgrader
	opt      ConnOptions
}

func NewManager(h *Hub, svc *collab.Service, router *collab.Router, upgrader websocket.Upgrader, opt ConnOptions) *Manager {
	return &Manager{h: h, svc: svc, router: router, upgrader: upgrader, opt: opt}
}

// WebSocketConnect：GET /collab/ws?docId=...&lastKnownRevision=N
// 鉴权中间件已经写入 userId/username。
func (m *Manager) WebSocketConnect(c *gin.Context) {
	userID := c.GetUint64("userId")
	username := c.GetString("username")
	docID := c.Query("docId")
	if docID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "MISSING_DOC_ID"})
		return
	}
	lastKnown := int64(0)
	if s := c.Query("lastKnownRevision"); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil || v < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "BAD_LAST_KNOWN_REVISION"})
			return
		}
		lastKnown = v
	}

	conn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Str("origin", c.Request.Header.Get("Origin")).Msg("websocket upgrade error")
		return
	}

	wsConn := NewConn(conn, m.h, m.router, m.svc, docID, userID, username, m.opt)
	// 先启动写循环，确保后续写入 send 通道的消息可以被及时发送
	go wsConn.writeLoop()

	// 连接断开只取消这个连接自己的请求，不影响会话
	ctx := context.WithoutCancel(c.Request.Context())
	m.h.Join(ctx, docID, wsConn)
	defer func() {
		m.svc.Disconnect(docID, wsConn.ID())
		leaveCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		m.h.Leave(leaveCtx, docID, wsConn)
		if members, err := m.h.Members(leaveCtx, docID); err == nil {
			m.h.BroadcastPresence(docID, members)
		}
		cancel()
		wsConn.close()
	}()

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	plan, err := m.svc.Connect(connectCtx, docID, wsConn, lastKnown)
	cancel()
	if err != nil {
		wsConn.logger.Warn().Err(err).Msg("connect to session failed")
		wsConn.SendMessage_Enqueue(ServerMessage{Type: TypeError, DocID: docID, Content: err.Error()})
		return
	}
	wsConn.SendMessage_Enqueue(ServerMessage{Type: TypeWelcome, DocID: docID, UserID: userID, Revision: plan.RevID, Plan: &plan})
	if members, err := m.h.Members(ctx, docID); err == nil {
		m.h.BroadcastPresence(docID, members)
	}

	// 阻塞至连接关闭
	wsConn.readLoop(ctx)
}
