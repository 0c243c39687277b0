package collab

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"docsync/backend/internal/ot/delta"
	"docsync/backend/internal/revision"
)

type ServiceConfig struct {
	Session         SessionConfig
	Registry        RegistryConfig
	SnapshotWorkers int
	SnapshotQueue   int
	SnapshotTimeout time.Duration
	SnapshotKeep    int
}

// Service：对外的修订提交 API，websocket 路由和 REST handler 都走这里
type Service struct {
	registry  *Registry
	snapshots *snapshotWriter
	logger    zerolog.Logger
}

func NewService(cfg ServiceConfig, deps Deps) *Service {
	var sw *snapshotWriter
	if deps.Snapshots != nil {
		sw = newSnapshotWriter(deps.Snapshots, cfg.SnapshotWorkers, cfg.SnapshotQueue, cfg.SnapshotTimeout, cfg.SnapshotKeep)
	}
	return &Service{
		registry:  NewRegistry(cfg.Registry, StoreLoader(cfg.Session, deps, sw)),
		snapshots: sw,
		logger:    log.With().Str("component", "collab_service").Logger(),
	}
}

// NewServiceWithRegistry 用现成的 registry（测试里注入计数 Loader）
func NewServiceWithRegistry(reg *Registry) *Service {
	return &Service{registry: reg, logger: log.With().Str("component", "collab_service").Logger()}
}

func (s *Service) Registry() *Registry { return s.registry }

// withSession 取会话执行 fn，会话恰好被回收时重新加载一次
func (s *Service) withSession(ctx context.Context, docID string, fn func(*Session) error) error {
	for attempt := 0; ; attempt++ {
		sess, err := s.registry.GetOrCreate(ctx, docID)
		if err != nil {
			return err
		}
		err = fn(sess)
		if errors.Is(err, ErrSessionEvicted) && attempt == 0 {
			continue
		}
		return err
	}
}

// SubmitRevision：payload 为 delta 的二进制编码。成功返回分配的修订；
// 失败时为 ErrResyncRequired、ErrMalformedRevision 或可重试错误（见 Retriable）。
func (s *Service) SubmitRevision(ctx context.Context, p Principal, docID string, baseRevID int64, payload []byte, checksum string, submitter Subscriber) (ApplyResult, error) {
	d, err := decodePayload(payload)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("%v: %w", err, ErrMalformedRevision)
	}
	return s.submit(ctx, docID, Submission{
		Author:    p.UserID,
		BaseRevID: baseRevID,
		Delta:     d,
		Payload:   payload,
		Checksum:  checksum,
		Submitter: submitter,
	})
}

// SubmitDelta：REST 提交，delta 已经从 JSON 解出
func (s *Service) SubmitDelta(ctx context.Context, p Principal, docID string, baseRevID int64, d delta.Delta, checksum string) (ApplyResult, error) {
	return s.submit(ctx, docID, Submission{Author: p.UserID, BaseRevID: baseRevID, Delta: d, Checksum: checksum})
}

func (s *Service) submit(ctx context.Context, docID string, sub Submission) (ApplyResult, error) {
	var res ApplyResult
	err := s.withSession(ctx, docID, func(sess *Session) error {
		var err error
		res, err = sess.ApplyRevision(ctx, sub)
		return err
	})
	return res, err
}

// ReplaceContent：把文档整体替换为 content，用 diff 生成最小修改
func (s *Service) ReplaceContent(ctx context.Context, p Principal, docID, content string) (ApplyResult, error) {
	var res ApplyResult
	err := s.withSession(ctx, docID, func(sess *Session) error {
		snap := sess.Snapshot()
		d := delta.Diff(snap.Content, content)
		if d.IsNoop() {
			res = ApplyResult{Revision: revision.Revision{ObjectID: docID, RevID: snap.RevID, Checksum: snap.Checksum}, Duplicate: true}
			return nil
		}
		var err error
		res, err = sess.ApplyRevision(ctx, Submission{Author: p.UserID, BaseRevID: snap.RevID, Delta: d})
		return err
	})
	return res, err
}

func (s *Service) FetchRevisions(ctx context.Context, docID string, rng revision.Range) ([]revision.Revision, error) {
	var out []revision.Revision
	err := s.withSession(ctx, docID, func(sess *Session) error {
		var err error
		out, err = sess.Revisions(ctx, rng)
		return err
	})
	return out, err
}

func (s *Service) OpenDocument(ctx context.Context, docID string) (Snapshot, error) {
	sess, err := s.registry.GetOrCreate(ctx, docID)
	if err != nil {
		return Snapshot{}, err
	}
	return sess.Snapshot(), nil
}

// Connect 订阅文档，并按 lastKnownRevID 补发或下发快照
func (s *Service) Connect(ctx context.Context, docID string, sub Subscriber, lastKnownRevID int64) (SyncPlan, error) {
	var plan SyncPlan
	err := s.withSession(ctx, docID, func(sess *Session) error {
		var err error
		plan, err = sess.NewConnection(ctx, sub, lastKnownRevID)
		return err
	})
	return plan, err
}

// Disconnect 只影响这一个连接
func (s *Service) Disconnect(docID, subID string) {
	if sess, ok := s.registry.Lookup(docID); ok {
		sess.Unsubscribe(subID)
	}
}

func (s *Service) AckPushed(ctx context.Context, docID, subID string, revID int64) error {
	sess, ok := s.registry.Lookup(docID)
	if !ok {
		return nil
	}
	return sess.AckPushed(ctx, subID, revID)
}

// ResendSnapshot 客户端报告发散时下发全量
func (s *Service) ResendSnapshot(ctx context.Context, docID string, sub Subscriber) error {
	sess, err := s.registry.GetOrCreate(ctx, docID)
	if err != nil {
		return err
	}
	sub.SendSnapshot(sess.Snapshot())
	return nil
}

func (s *Service) Close(ctx context.Context) error {
	err := s.registry.Close(ctx)
	if s.snapshots != nil {
		s.snapshots.close()
	}
	return err
}
