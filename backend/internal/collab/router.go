package collab

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"docsync/backend/internal/protocol"
	"docsync/backend/internal/revision"
)

type RouterOptions struct {
	Workers      int           // 分片数，每个分片一个 worker
	QueueSize    int           // 每个分片的缓冲
	FrameTimeout time.Duration // 单帧处理的超时
}

func (o RouterOptions) withDefaults() RouterOptions {
	if o.Workers <= 0 {
		o.Workers = 8
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.FrameTimeout <= 0 {
		o.FrameTimeout = 5 * time.Second
	}
	return o
}

type routedFrame struct {
	principal Principal
	sub       Subscriber
	raw       []byte
}

// Router：连接读循环只负责把原始帧交给这里，解码和处理都在 worker 池里做。
// 同一连接的帧按 xxhash(连接 id) 落到同一分片，保持顺序；分片满时直接拒绝，不阻塞读循环。
type Router struct {
	svc    *Service
	opt    RouterOptions
	shards []chan routedFrame
	logger zerolog.Logger

	closed atomic.Bool
	quit   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func NewRouter(svc *Service, opt RouterOptions) *Router {
	opt = opt.withDefaults()
	r := &Router{
		svc:    svc,
		opt:    opt,
		shards: make([]chan routedFrame, opt.Workers),
		logger: log.With().Str("component", "router").Logger(),
		quit:   make(chan struct{}),
	}
	for i := range r.shards {
		r.shards[i] = make(chan routedFrame, opt.QueueSize)
		r.wg.Add(1)
		go r.worker(r.shards[i])
	}
	return r
}

// Dispatch 不阻塞；分片队列满返回 ErrBackpressure
func (r *Router) Dispatch(p Principal, sub Subscriber, raw []byte) error {
	if r.closed.Load() {
		return ErrRegistryClosed
	}
	shard := r.shards[xxhash.Sum64String(sub.ID())%uint64(len(r.shards))]
	select {
	case shard <- routedFrame{principal: p, sub: sub, raw: raw}:
		return nil
	default:
		framesRejected.Inc()
		r.logger.Warn().Str("conn", sub.ID()).Int("bytes", len(raw)).Msg("router shard full, frame rejected")
		return ErrBackpressure
	}
}

func (r *Router) worker(in <-chan routedFrame) {
	defer r.wg.Done()
	for {
		select {
		case <-r.quit:
			return
		case job := <-in:
			r.handle(job)
		}
	}
}

// handle 处理一帧。任何错误都只影响这一帧。
func (r *Router) handle(job routedFrame) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Interface("panic", rec).Str("conn", job.sub.ID()).Msg("frame handler panic")
		}
	}()
	framesRouted.Inc()

	f, err := protocol.Decode(job.raw)
	if err != nil {
		r.malformed(job, "", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.opt.FrameTimeout)
	defer cancel()

	logger := r.logger.With().Str("doc", f.DocumentID).Str("conn", job.sub.ID()).Stringer("type", f.Type).Logger()
	switch f.Type {
	case protocol.PushRev:
		rev, err := f.Revision()
		if err != nil {
			r.malformed(job, f.DocumentID, err)
			return
		}
		// 署名以鉴权后的身份为准，不信任 payload 里的 author
		_, err = r.svc.SubmitRevision(ctx, job.principal, f.DocumentID, rev.BaseRevID, rev.Payload, rev.Checksum, job.sub)
		if err != nil {
			r.reject(job, f.DocumentID, err, logger)
		}

	case protocol.PullRev:
		rng, err := f.Range()
		if err != nil {
			r.malformed(job, f.DocumentID, err)
			return
		}
		revs, err := r.svc.FetchRevisions(ctx, f.DocumentID, rng)
		if err != nil {
			r.reject(job, f.DocumentID, err, logger)
			return
		}
		for _, rev := range revs {
			out, err := protocol.NewPushRev(rev)
			if err != nil {
				logger.Error().Err(err).Int64("rev", rev.RevID).Msg("encode push frame")
				return
			}
			if !job.sub.Send(out) {
				logger.Warn().Int64("rev", rev.RevID).Msg("pull response dropped, send queue full")
				return
			}
		}

	case protocol.Acked:
		revID, err := f.AckedRevID()
		if err != nil {
			r.malformed(job, f.DocumentID, err)
			return
		}
		if err := r.svc.AckPushed(ctx, f.DocumentID, job.sub.ID(), revID); err != nil {
			logger.Warn().Err(err).Int64("rev", revID).Msg("client ack rejected")
		}

	case protocol.Conflict:
		info, err := f.Conflict()
		if err != nil {
			r.malformed(job, f.DocumentID, err)
			return
		}
		divergenceReports.Inc()
		logger.Warn().Stringer("code", info.Code).Int64("client_rev", info.RevID).Str("reason", info.Reason).
			Msg("client reported conflict, resend snapshot")
		if err := r.svc.ResendSnapshot(ctx, f.DocumentID, job.sub); err != nil {
			logger.Error().Err(err).Msg("resend snapshot")
		}
	}
}

func (r *Router) malformed(job routedFrame, docID string, err error) {
	framesMalformed.Inc()
	r.logger.Warn().Err(err).Str("conn", job.sub.ID()).Str("doc", docID).Int("bytes", len(job.raw)).
		Msg("malformed frame dropped")
	job.sub.Send(protocol.NewConflict(docID, protocol.ConflictInfo{Code: protocol.ConflictMalformed, Reason: err.Error()}))
}

// reject 把会话错误映射成 Conflict 帧：可重试 / 需要重新同步 / 格式错误
func (r *Router) reject(job routedFrame, docID string, err error, logger zerolog.Logger) {
	info := protocol.ConflictInfo{Reason: err.Error()}
	if sess, ok := r.svc.Registry().Lookup(docID); ok {
		info.RevID = sess.RevID()
	}
	switch {
	case Retriable(err), errors.Is(err, context.DeadlineExceeded):
		info.Code = protocol.ConflictRetry
	case errors.Is(err, ErrMalformedRevision), errors.Is(err, revision.ErrInvalidRange):
		info.Code = protocol.ConflictMalformed
	case NeedsResync(err):
		info.Code = protocol.ConflictResyncRequired
	default:
		// 存储等内部错误，让客户端稍后重试
		info.Code = protocol.ConflictRetry
	}
	logger.Warn().Err(err).Stringer("code", info.Code).Msg("frame rejected")
	job.sub.Send(protocol.NewConflict(docID, info))
}

// Close 停止 worker；已排队未处理的帧被丢弃，客户端重连后会重新同步
func (r *Router) Close() {
	r.once.Do(func() {
		r.closed.Store(true)
		close(r.quit)
	})
	r.wg.Wait()
}
