package ws

import (
	"docsync/backend/internal/collab"
)

// 文本帧（JSON）只承载控制类消息；修订同步走二进制帧（protocol.Frame）
type ClientMessage struct {
	Type  string `json:"type"` // heartbeat / show_alive_members
	DocID string `json:"docId"`
}

type PresenceMember struct {
	UserID   uint64 `json:"userId"`
	Username string `json:"username,omitempty"`
}

type ServerMessage struct {
	Type     string           `json:"type"`
	DocID    string           `json:"docId,omitempty"`
	UserID   uint64           `json:"userId,omitempty"`
	Revision int64            `json:"revision,omitempty"`
	Members  []PresenceMember `json:"members,omitempty"`
	Plan     *collab.SyncPlan `json:"plan,omitempty"`
	Snapshot *collab.Snapshot `json:"snapshot,omitempty"`
	Content  string           `json:"content,omitempty"`
}

const (
	TypeWelcome  = "welcome"
	TypeSnapshot = "snapshot"
	TypePresence = "presence"
	TypeFeedback = "feedback"
	TypeError    = "error"
	TypeIgnored  = "ignored"
)
