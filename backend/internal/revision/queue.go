package revision

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Sink 持久化边界：按 rev_id 幂等
type Sink interface {
	AppendRevisions(ctx context.Context, objectID string, revs []Revision) error
}

// WAL 可选的预写日志：入队时同步写入，刷盘成功后裁剪，用来缩小“已 ack 未落盘”的丢失窗口
type WAL interface {
	Append(ctx context.Context, rev Revision) error
	Trim(ctx context.Context, objectID string, upTo int64) error
}

type QueueOptions struct {
	FlushThreshold int           // 未落盘条数达到阈值立即刷
	FlushInterval  time.Duration // 否则定时刷
	FlushTimeout   time.Duration // 单次刷盘的超时
	WALTimeout     time.Duration
	WAL            WAL
}

func (o QueueOptions) withDefaults() QueueOptions {
	if o.FlushThreshold <= 0 {
		o.FlushThreshold = 32
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 300 * time.Millisecond
	}
	if o.FlushTimeout <= 0 {
		o.FlushTimeout = 5 * time.Second
	}
	if o.WALTimeout <= 0 {
		o.WALTimeout = 200 * time.Millisecond
	}
	return o
}

var (
	flushTotal      = metrics.NewCounter(`docsync_revision_flush_total`)
	flushErrors     = metrics.NewCounter(`docsync_revision_flush_errors_total`)
	flushBatchSize  = metrics.NewHistogram(`docsync_revision_flush_batch_size`)
	ackOutOfOrder   = metrics.NewCounter(`docsync_revision_ack_out_of_order_total`)
	revisionsQueued = metrics.NewCounter(`docsync_revision_queued_total`)
)

// Queue：单个文档的修订队列，单写者。
// - NextRevision 分配 rev_id 并放进 pending（FIFO）
// - 后台按条数阈值或定时器批量写入 Sink（write-behind），写成功后按顺序 Ack 掉
// - 只有 Ack 会移除条目，且只能 Ack 队头
//
// 注意：调用方在 NextRevision 返回后就可以向客户端确认，此时修订可能还没落盘；
// 进程在刷盘前崩溃会丢失这部分修订。配置 WAL 可以缩小这个窗口。
type Queue struct {
	objectID string
	sink     Sink
	opt      QueueOptions
	logger   zerolog.Logger

	mu        sync.Mutex
	lastRevID int64
	pending   []Revision
	closed    bool

	flushMu sync.Mutex // 同一时刻只有一次刷盘
	kick    chan struct{}
	stop    chan struct{}
	done    chan struct{}
}

// NewQueue：lastRevID 为已持久化的最新版本，新分配的版本从 lastRevID+1 开始
func NewQueue(objectID string, lastRevID int64, sink Sink, opt QueueOptions) *Queue {
	q := &Queue{
		objectID:  objectID,
		sink:      sink,
		opt:       opt.withDefaults(),
		logger:    log.With().Str("doc", objectID).Str("component", "revision_queue").Logger(),
		lastRevID: lastRevID,
		kick:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go q.flushLoop()
	return q
}

func (q *Queue) ObjectID() string { return q.objectID }

// NextRevision 分配 rev_id = last+1，base_rev_id = last
func (q *Queue) NextRevision(objectID string, payload []byte, checksum string, author uint64) (Revision, error) {
	if objectID != q.objectID {
		return Revision{}, fmt.Errorf("queue for %q got %q: %w", q.objectID, objectID, ErrWrongObject)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return Revision{}, ErrQueueClosed
	}

	rev := Revision{
		ObjectID:  objectID,
		BaseRevID: q.lastRevID,
		RevID:     q.lastRevID + 1,
		Payload:   payload,
		Checksum:  checksum,
		Author:    author,
		CreatedAt: time.Now().UTC(),
	}
	if q.opt.WAL != nil {
		ctx, cancel := context.WithTimeout(context.Background(), q.opt.WALTimeout)
		err := q.opt.WAL.Append(ctx, rev)
		cancel()
		if err != nil {
			// 没写进 WAL 就不分配版本号
			return Revision{}, fmt.Errorf("wal append rev %d: %w", rev.RevID, err)
		}
	}
	q.lastRevID = rev.RevID
	q.pending = append(q.pending, rev)
	revisionsQueued.Inc()

	if len(q.pending) >= q.opt.FlushThreshold {
		select {
		case q.kick <- struct{}{}:
		default:
		}
	}
	return rev, nil
}

// Readmit 把之前已分配过版本号但尚未落盘的修订（例如从 WAL 恢复的）重新放进队列
func (q *Queue) Readmit(revs []Revision) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, rev := range revs {
		if rev.ObjectID != q.objectID {
			return fmt.Errorf("readmit %q into %q: %w", rev.ObjectID, q.objectID, ErrWrongObject)
		}
		if rev.RevID != q.lastRevID+1 {
			return fmt.Errorf("readmit rev %d after %d: %w", rev.RevID, q.lastRevID, ErrInvalidRevision)
		}
		q.lastRevID = rev.RevID
		q.pending = append(q.pending, rev)
	}
	return nil
}

// Ack 只能确认队头；其他 rev_id 视为协议错误，队列保持不变
func (q *Queue) Ack(revID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		ackOutOfOrder.Inc()
		q.logger.Error().Int64("rev", revID).Msg("ack on empty revision queue")
		return fmt.Errorf("ack %d on empty queue: %w", revID, ErrAckOutOfOrder)
	}
	head := q.pending[0].RevID
	if head != revID {
		ackOutOfOrder.Inc()
		q.logger.Error().Int64("rev", revID).Int64("head", head).Msg("ack does not match queue head")
		return fmt.Errorf("ack %d, head is %d: %w", revID, head, ErrAckOutOfOrder)
	}
	q.pending[0] = Revision{}
	q.pending = q.pending[1:]
	return nil
}

// NextSyncRevision 查看队头但不移除。flushLoop 用它判断是否有待刷盘的修订，
// 失败时按队头版本号重试；客户端确认不走这里，修订在落盘成功后由 Flush 出队。
func (q *Queue) NextSyncRevision() (Revision, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return Revision{}, false
	}
	return q.pending[0], true
}

// Pending 返回尚未确认的修订副本
func (q *Queue) Pending() []Revision {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Revision, len(q.pending))
	copy(out, q.pending)
	return out
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) LastRevID() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastRevID
}

// Flush 立即把当前 pending 的修订写入 Sink，成功后逐条 Ack
func (q *Queue) Flush(ctx context.Context) error {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	batch := q.Pending()
	if len(batch) == 0 {
		return nil
	}
	flushTotal.Inc()
	flushBatchSize.Update(float64(len(batch)))
	if err := q.sink.AppendRevisions(ctx, q.objectID, batch); err != nil {
		flushErrors.Inc()
		return fmt.Errorf("append %d revisions [%d, %d]: %w",
			len(batch), batch[0].RevID, batch[len(batch)-1].RevID, err)
	}
	for _, rev := range batch {
		if err := q.Ack(rev.RevID); err != nil {
			return err
		}
	}
	if q.opt.WAL != nil {
		last := batch[len(batch)-1].RevID
		if err := q.opt.WAL.Trim(ctx, q.objectID, last); err != nil {
			// 落盘已经成功，WAL 里多出来的条目恢复时会被幂等写入
			q.logger.Warn().Err(err).Int64("rev", last).Msg("wal trim failed")
		}
	}
	return nil
}

func (q *Queue) flushLoop() {
	defer close(q.done)
	ticker := time.NewTicker(q.opt.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stop:
			return
		case <-ticker.C:
		case <-q.kick:
		}
		head, ok := q.NextSyncRevision()
		if !ok {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), q.opt.FlushTimeout)
		if err := q.Flush(ctx); err != nil {
			// 条目仍在 pending 中，下一批从队头重试
			q.logger.Warn().Err(err).Int64("head", head.RevID).Msg("revision flush failed, will retry")
		}
		cancel()
	}
}

// Close 停止后台刷盘并做最后一次 Flush；之后 NextRevision 返回 ErrQueueClosed
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	close(q.stop)
	select {
	case <-q.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return q.Flush(ctx)
}
