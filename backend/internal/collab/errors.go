package collab

import (
	"errors"

	"docsync/backend/internal/ot/delta"
	"docsync/backend/internal/revision"
)

var (
	// ErrLockTimeout：写锁在 LockTimeout 内没拿到，文档状态未改动，客户端退避重试
	ErrLockTimeout = errors.New("LOCK_TIMEOUT")
	// ErrResyncRequired：base 版本无法修复（超前、历史缺失或长度不匹配），客户端需整体重新加载
	ErrResyncRequired = errors.New("RESYNC_REQUIRED")
	// ErrSessionEvicted：会话已被回收，重新 GetOrCreate 即可
	ErrSessionEvicted = errors.New("SESSION_EVICTED")
	ErrRegistryClosed = errors.New("REGISTRY_CLOSED")
	ErrBackpressure   = errors.New("ROUTER_BACKPRESSURE")
	ErrInvalidRange   = revision.ErrInvalidRange
)

// Retriable 是否属于客户端稍后重试即可恢复的错误
func Retriable(err error) bool {
	return errors.Is(err, ErrLockTimeout) ||
		errors.Is(err, ErrSessionEvicted) ||
		errors.Is(err, ErrBackpressure) ||
		errors.Is(err, revision.ErrQueueClosed)
}

// NeedsResync 把长度不匹配等 OT 错误归到 ResyncRequired
func NeedsResync(err error) bool {
	return errors.Is(err, ErrResyncRequired) ||
		errors.Is(err, delta.ErrIncompatibleLength) ||
		errors.Is(err, delta.ErrMalformedDelta)
}

// ErrMalformedRevision：payload 不是合法的 delta 编码
var ErrMalformedRevision = errors.New("MALFORMED_REVISION")
