package collab

import (
	"context"
	"time"

	"github.com/VictoriaMetrics/metrics"

	"docsync/backend/internal/ot/delta"
	"docsync/backend/internal/protocol"
	"docsync/backend/internal/revision"
	"docsync/backend/internal/store"
)

// Principal：上游已经鉴权过的用户，只用于署名，不做权限判断
type Principal struct {
	UserID   uint64 `json:"userId"`
	Username string `json:"username"`
}

// Subscriber：一个订阅了文档的连接。Send 不能阻塞，返回 false 表示对端发送队列已满或已关闭。
type Subscriber interface {
	ID() string
	UserID() uint64
	Send(f protocol.Frame) bool
	SendSnapshot(snap Snapshot) bool
}

// Snapshot：某个版本的完整文档
type Snapshot struct {
	DocumentID string      `json:"documentId"`
	Content    string      `json:"content"`
	Delta      delta.Delta `json:"delta"`
	RevID      int64       `json:"revId"`
	Checksum   string      `json:"checksum"`
}

type SyncKind int

const (
	SyncUpToDate SyncKind = iota
	SyncRange             // 已经通过 Send 补发了 Range 内的修订
	SyncSnapshot          // 差距太大或客户端版本超前，已通过 SendSnapshot 下发全量
)

func (k SyncKind) String() string {
	switch k {
	case SyncUpToDate:
		return "up_to_date"
	case SyncRange:
		return "range"
	case SyncSnapshot:
		return "snapshot"
	}
	return "unknown"
}

// SyncPlan：重连时服务端给出的追赶方式
type SyncPlan struct {
	Kind   SyncKind       `json:"kind"`
	RevID  int64          `json:"revId"` // 会话当前版本
	Range  revision.Range `json:"range"`
	Reason string         `json:"reason,omitempty"`
}

// RevisionStore：持久化边界，AppendRevisions 按 rev_id 幂等
type RevisionStore interface {
	revision.Sink
	LoadRevisions(ctx context.Context, docID string, rng *revision.Range) ([]revision.Revision, error)
	LatestRevID(ctx context.Context, docID string) (int64, error)
}

type SnapshotStore interface {
	SaveDocumentSnapshot(ctx context.Context, snap store.DocumentSnapshot) error
	LatestSnapshot(ctx context.Context, docID string) (*store.DocumentSnapshot, error)
}

// WAL：revision.WAL 加上加载时的恢复入口
type WAL interface {
	revision.WAL
	Load(ctx context.Context, docID string, after int64) ([]revision.Revision, error)
}

// Deps：会话依赖的外部组件；Snapshots、WAL、Events 可以为 nil
type Deps struct {
	Revisions RevisionStore
	Snapshots SnapshotStore
	WAL       WAL
	Events    EventPublisher
}

type SessionConfig struct {
	LockTimeout        time.Duration // 写锁最长等待
	HistoryCap         int           // 内存里保留的最近修订条数，用于 transform 和补发
	MaxReplayRevisions int64         // 重连时差距超过它就下发快照
	SnapshotEvery      int64         // 每多少个修订异步写一次快照
	LoadTimeout        time.Duration
	Queue              revision.QueueOptions
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.LockTimeout <= 0 {
		c.LockTimeout = 300 * time.Millisecond
	}
	if c.HistoryCap <= 0 {
		c.HistoryCap = 1024
	}
	if c.MaxReplayRevisions <= 0 {
		c.MaxReplayRevisions = 500
	}
	if c.SnapshotEvery <= 0 {
		c.SnapshotEvery = 1
	}
	if c.LoadTimeout <= 0 {
		c.LoadTimeout = 10 * time.Second
	}
	return c
}

var (
	sessionsLoaded   = metrics.NewCounter(`docsync_sessions_loaded_total`)
	sessionsEvicted  = metrics.NewCounter(`docsync_sessions_evicted_total`)
	sessionLoadError = metrics.NewCounter(`docsync_session_load_errors_total`)

	revisionsApplied  = metrics.NewCounter(`docsync_revisions_applied_total`)
	revisionsRebased  = metrics.NewCounter(`docsync_revisions_transformed_total`)
	revisionsDup      = metrics.NewCounter(`docsync_revisions_duplicate_total`)
	lockTimeouts      = metrics.NewCounter(`docsync_session_lock_timeouts_total`)
	resyncs           = metrics.NewCounter(`docsync_session_resync_required_total`)
	checksumMismatch  = metrics.NewCounter(`docsync_checksum_mismatch_total`)
	applyDuration     = metrics.NewHistogram(`docsync_apply_revision_duration_seconds`)
	pushDropped       = metrics.NewCounter(`docsync_push_dropped_total`)
	lagResends        = metrics.NewCounter(`docsync_lagging_resend_total`)
	snapshotsSaved    = metrics.NewCounter(`docsync_snapshots_saved_total`)
	snapshotErrors    = metrics.NewCounter(`docsync_snapshot_errors_total`)
	snapshotsDropped  = metrics.NewCounter(`docsync_snapshots_dropped_total`)
	framesRouted      = metrics.NewCounter(`docsync_frames_routed_total`)
	framesMalformed   = metrics.NewCounter(`docsync_frames_malformed_total`)
	framesRejected    = metrics.NewCounter(`docsync_frames_backpressure_total`)
	divergenceReports = metrics.NewCounter(`docsync_client_divergence_reports_total`)
)

// DocumentChecksum：文档 delta 规范 JSON 的 md5，客户端用同样的方式计算
func DocumentChecksum(doc delta.Delta) string {
	b, err := doc.MarshalJSON()
	if err != nil {
		return ""
	}
	return revision.Checksum(b)
}
