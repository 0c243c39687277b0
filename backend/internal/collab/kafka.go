package collab

import (
	"time"

	"docsync/backend/internal/ot/delta"
)

const EventRevisionApplied = "REVISION_APPLIED"

// RevisionEvent：每个被接受的修订发一条，key = docId，下游按文档有序消费
type RevisionEvent struct {
	EventType       string      `json:"eventType"` // 固定 "REVISION_APPLIED"
	DocID           string      `json:"docId"`
	RevID           int64       `json:"revId"`
	BaseRevID       int64       `json:"baseRevId"`
	ClientBaseRevID int64       `json:"clientBaseRevId"` // 客户端提交时所基于的版本，transform 前
	AuthorID        uint64      `json:"authorId"`
	Checksum        string      `json:"checksum"`
	Delta           delta.Delta `json:"delta"`
	AppliedAt       time.Time   `json:"appliedAt"`
}

// EventPublisher 会话只要求不阻塞地投递
type EventPublisher interface {
	TryEnqueue(evt RevisionEvent) bool
}
