package collab

import (
	"context"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"docsync/backend/internal/store"
)

// snapshotWriter：尽力而为的异步快照持久化。
// 同一文档在写入前只保留最新的一份；通知队列满时丢弃并记日志，不阻塞提交。
type snapshotWriter struct {
	store   SnapshotStore
	timeout time.Duration
	keep    int // >0 且 store 支持时，每次写入后只保留最近 keep 份
	logger  zerolog.Logger

	latest *xsync.MapOf[string, store.DocumentSnapshot]
	notify chan string

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// snapshotPruner 由 gorm / 内存快照存储实现
type snapshotPruner interface {
	PruneSnapshots(ctx context.Context, docID string, keep int) error
}

func newSnapshotWriter(s SnapshotStore, workers, queueSize int, timeout time.Duration, keep int) *snapshotWriter {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	w := &snapshotWriter{
		store:   s,
		timeout: timeout,
		keep:    keep,
		logger:  log.With().Str("component", "snapshot_writer").Logger(),
		latest:  xsync.NewMapOf[string, store.DocumentSnapshot](),
		notify:  make(chan string, queueSize),
		stop:    make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		w.wg.Add(1)
		go w.loop()
	}
	return w
}

func (w *snapshotWriter) schedule(snap store.DocumentSnapshot) {
	queued := true
	w.latest.Compute(snap.DocumentID, func(old store.DocumentSnapshot, loaded bool) (store.DocumentSnapshot, bool) {
		if loaded {
			if old.Revision >= snap.Revision {
				return old, false
			}
			return snap, false
		}
		queued = false
		return snap, false
	})
	if queued {
		// 已经有一份在等写入，worker 会取到最新的
		return
	}
	select {
	case w.notify <- snap.DocumentID:
	default:
		w.latest.Delete(snap.DocumentID)
		snapshotsDropped.Inc()
		w.logger.Warn().Str("doc", snap.DocumentID).Int64("rev", snap.Revision).Msg("snapshot queue full, drop")
	}
}

func (w *snapshotWriter) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.stop:
			w.drain()
			return
		case docID := <-w.notify:
			w.write(docID)
		}
	}
}

func (w *snapshotWriter) drain() {
	for {
		select {
		case docID := <-w.notify:
			w.write(docID)
		default:
			return
		}
	}
}

func (w *snapshotWriter) write(docID string) {
	snap, ok := w.latest.LoadAndDelete(docID)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	if err := w.store.SaveDocumentSnapshot(ctx, snap); err != nil {
		// 不重试：下一个修订会再写一份更新的
		snapshotErrors.Inc()
		w.logger.Warn().Err(err).Str("doc", docID).Int64("rev", snap.Revision).Msg("save snapshot failed")
		return
	}
	snapshotsSaved.Inc()
	if p, ok := w.store.(snapshotPruner); ok && w.keep > 0 {
		if err := p.PruneSnapshots(ctx, docID, w.keep); err != nil {
			w.logger.Warn().Err(err).Str("doc", docID).Msg("prune snapshots failed")
		}
	}
}

// close 停止 worker，并把已排队的快照写完
func (w *snapshotWriter) close() {
	w.stopOnce.Do(func() { close(w.stop) })
	w.wg.Wait()
}
