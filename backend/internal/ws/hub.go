package ws

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"docsync/backend/internal/cache"
)

type Hub struct {
	// 在线状态落在 Redis，多实例共享；为 nil 时只维护本地房间
	presence    cache.PresenceCache
	presenceTTL time.Duration
	// 保护 rooms
	mu sync.RWMutex
	// docID -> 本实例上的连接集合
	rooms map[string]map[*Conn]struct{}
}

func NewHub(p cache.PresenceCache, presenceTTL time.Duration) *Hub {
	if presenceTTL <= 0 {
		presenceTTL = 600 * time.Second
	}
	return &Hub{presence: p, presenceTTL: presenceTTL, rooms: make(map[string]map[*Conn]struct{})}
}

// Join 将连接加入指定文档房间
func (h *Hub) Join(ctx context.Context, docID string, c *Conn) {
	h.mu.Lock()
	if h.rooms[docID] == nil {
		// 一个用户可开多个标签页/设备，按连接存
		h.rooms[docID] = make(map[*Conn]struct{})
	}
	h.rooms[docID][c] = struct{}{}
	h.mu.Unlock()

	if h.presence != nil {
		if err := h.presence.AddMember(ctx, docID, c.userID, c.username, h.presenceTTL); err != nil {
			log.Warn().Err(err).Str("doc", docID).Uint64("user", c.userID).Msg("add presence member")
		}
	}
}

// Leave 将连接从指定文档房间移除
func (h *Hub) Leave(ctx context.Context, docID string, c *Conn) {
	h.mu.Lock()
	if conns, ok := h.rooms[docID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, docID)
		}
	}
	h.mu.Unlock()

	if h.presence != nil {
		if err := h.presence.RemoveMember(ctx, docID, c.userID); err != nil {
			log.Warn().Err(err).Str("doc", docID).Uint64("user", c.userID).Msg("remove presence member")
		}
	}
}

// Touch 心跳时刷新在线 TTL
func (h *Hub) Touch(ctx context.Context, docID string, c *Conn) error {
	if h.presence == nil {
		return nil
	}
	return h.presence.AddMember(ctx, docID, c.userID, c.username, h.presenceTTL)
}

// Members 在线成员；没有 Redis 时退化为本实例房间里的连接
func (h *Hub) Members(ctx context.Context, docID string) ([]PresenceMember, error) {
	if h.presence != nil {
		members, err := h.presence.GetAliveMembersWithNames(ctx, docID)
		if err != nil {
			return nil, err
		}
		out := make([]PresenceMember, len(members))
		for i, m := range members {
			out[i] = PresenceMember{UserID: m.UserID, Username: m.Username}
		}
		return out, nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[uint64]bool)
	var out []PresenceMember
	for c := range h.rooms[docID] {
		if !seen[c.userID] {
			seen[c.userID] = true
			out = append(out, PresenceMember{UserID: c.userID, Username: c.username})
		}
	}
	return out, nil
}

func (h *Hub) BroadcastPresence(docID string, members []PresenceMember) {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.rooms[docID]))
	for c := range h.rooms[docID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	msg := ServerMessage{Type: TypePresence, DocID: docID, Members: members}
	for _, c := range conns {
		c.SendMessage_Enqueue(msg)
	}
}

// RoomSize 本实例上某文档的连接数
func (h *Hub) RoomSize(docID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[docID])
}
