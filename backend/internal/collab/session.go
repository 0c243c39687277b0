package collab

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"docsync/backend/internal/ot/delta"
	"docsync/backend/internal/protocol"
	"docsync/backend/internal/revision"
	"docsync/backend/internal/store"
)

type State int32

const (
	StateLoading State = iota
	StateReady
	StateApplying
	StateEvicted
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateApplying:
		return "applying"
	case StateEvicted:
		return "evicted"
	}
	return "unknown"
}

// Submission：一次客户端提交。Submitter 为 nil 时（REST 提交）不发 Acked 帧。
type Submission struct {
	Author    uint64
	BaseRevID int64
	Delta     delta.Delta
	Payload   []byte // 客户端原始 payload，用于识别重发；为空时按 Delta 的二进制编码计算
	Checksum  string // 客户端期望的应用后校验和，可以为空
	Submitter Subscriber
}

type ApplyResult struct {
	Revision         revision.Revision
	Duplicate        bool // 重发：返回之前分配的版本，未重复应用
	Transformed      bool // base 落后，已对中间的修订做 transform
	ChecksumMismatch bool
}

type subscription struct {
	sub     Subscriber
	acked   atomic.Int64 // 客户端确认收到的最新版本
	lagging atomic.Bool  // 有推送因发送队列满被丢弃，等下一次 Acked 时补发
}

// Session：单个文档在内存里的唯一权威状态。
// 写路径（ApplyRevision / NewConnection / 补发）持有 writeLock，一次一个；
// 读路径（Snapshot / Revisions）只拿 mu 的读锁。
type Session struct {
	docID  string
	cfg    SessionConfig
	deps   Deps
	logger zerolog.Logger

	writeLock *SemaphoreControl
	state     atomic.Int32

	mu       sync.RWMutex
	doc      delta.Delta
	buf      Buffer
	revID    int64
	checksum string
	history  *history

	queue      *revision.Queue
	subs       *xsync.MapOf[string, *subscription]
	lastActive atomic.Int64
	snapshots  *snapshotWriter
}

// LoadSession：从快照 + 修订历史 + WAL 重建文档
func LoadSession(ctx context.Context, docID string, cfg SessionConfig, deps Deps, snapshots *snapshotWriter) (*Session, error) {
	if deps.Revisions == nil {
		return nil, errors.New("collab: revision store is required")
	}
	cfg = cfg.withDefaults()
	s := &Session{
		docID:     docID,
		cfg:       cfg,
		deps:      deps,
		logger:    log.With().Str("doc", docID).Str("component", "session").Logger(),
		writeLock: NewSemaphoreControl(1),
		history:   newHistory(cfg.HistoryCap),
		subs:      xsync.NewMapOf[string, *subscription](),
		snapshots: snapshots,
	}
	s.state.Store(int32(StateLoading))

	ctx, cancel := context.WithTimeout(ctx, cfg.LoadTimeout)
	defer cancel()
	start := time.Now()

	latest, err := deps.Revisions.LatestRevID(ctx, docID)
	if err != nil {
		sessionLoadError.Inc()
		return nil, fmt.Errorf("load latest rev of %s: %w", docID, err)
	}

	doc := delta.Delta{}
	var from int64
	if deps.Snapshots != nil {
		snap, err := deps.Snapshots.LatestSnapshot(ctx, docID)
		if err != nil {
			// 快照只是加速，读失败就从头折叠
			s.logger.Warn().Err(err).Msg("load snapshot failed, fold from scratch")
		} else if snap != nil && snap.Revision > 0 && snap.Revision <= latest {
			if d, err := delta.FromJSON(snap.Delta); err == nil {
				doc, from = d, snap.Revision
			} else {
				s.logger.Warn().Err(err).Int64("rev", snap.Revision).Msg("snapshot delta unreadable, ignored")
			}
		}
	}

	var stored []revision.Revision
	if latest > from {
		stored, err = deps.Revisions.LoadRevisions(ctx, docID, &revision.Range{Start: from + 1, End: latest})
		if err != nil {
			sessionLoadError.Inc()
			return nil, fmt.Errorf("load revisions of %s: %w", docID, err)
		}
	}
	doc, entries, err := s.fold(doc, from, stored)
	if err != nil {
		sessionLoadError.Inc()
		return nil, err
	}

	var recovered []revision.Revision
	if deps.WAL != nil {
		recovered, err = deps.WAL.Load(ctx, docID, latest)
		if err != nil {
			s.logger.Warn().Err(err).Msg("wal load failed, skip recovery")
			recovered = nil
		}
		if len(recovered) > 0 {
			withWAL, walEntries, err := s.fold(doc, latest, recovered)
			if err != nil {
				// 只用已持久化的修订
				s.logger.Error().Err(err).Msg("wal entries do not apply, skip recovery")
				recovered = nil
			} else {
				doc = withWAL
				entries = append(entries, walEntries...)
			}
		}
	}
	for _, e := range entries {
		s.history.push(e)
	}

	content, err := doc.Content()
	if err != nil {
		sessionLoadError.Inc()
		return nil, fmt.Errorf("document %s is not insert-only after fold: %w", docID, err)
	}
	s.doc = doc
	s.buf = NewPieceTable(content)
	s.revID = latest + int64(len(recovered))
	s.checksum = DocumentChecksum(doc)

	qopt := cfg.Queue
	if deps.WAL != nil {
		qopt.WAL = deps.WAL
	}
	s.queue = revision.NewQueue(docID, latest, deps.Revisions, qopt)
	if len(recovered) > 0 {
		if err := s.queue.Readmit(recovered); err != nil {
			_ = s.queue.Close(ctx)
			return nil, fmt.Errorf("readmit wal entries of %s: %w", docID, err)
		}
		s.logger.Info().Int("count", len(recovered)).Msg("recovered unflushed revisions from wal")
	}

	s.touch()
	s.state.Store(int32(StateReady))
	sessionsLoaded.Inc()
	s.logger.Info().Int64("rev", s.revID).Int64("snapshot_rev", from).
		Dur("took", time.Since(start)).Msg("session loaded")
	return s, nil
}

// fold 依次 compose 一段连续的修订
func (s *Session) fold(doc delta.Delta, after int64, revs []revision.Revision) (delta.Delta, []historyEntry, error) {
	entries := make([]historyEntry, 0, len(revs))
	for i, rev := range revs {
		if want := after + int64(i) + 1; rev.RevID != want {
			return delta.Delta{}, nil, fmt.Errorf("revision gap in %s: got %d, want %d: %w", s.docID, rev.RevID, want, revision.ErrInvalidRevision)
		}
		d, err := decodePayload(rev.Payload)
		if err != nil {
			return delta.Delta{}, nil, fmt.Errorf("revision %d of %s: %w", rev.RevID, s.docID, err)
		}
		if doc, err = delta.Compose(doc, d); err != nil {
			return delta.Delta{}, nil, fmt.Errorf("fold revision %d of %s: %w", rev.RevID, s.docID, err)
		}
		entries = append(entries, historyEntry{rev: rev, delta: d, clientBase: -1})
	}
	return doc, entries, nil
}

func decodePayload(b []byte) (delta.Delta, error) {
	var d delta.Delta
	if err := d.UnmarshalBinary(b); err != nil {
		return delta.Delta{}, err
	}
	return d, nil
}

func (s *Session) DocumentID() string { return s.docID }

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) Evicted() bool { return s.State() == StateEvicted }

func (s *Session) touch() { s.lastActive.Store(time.Now().UnixNano()) }

// RevID 当前版本
func (s *Session) RevID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revID
}

// Snapshot 读锁下导出当前文档
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		DocumentID: s.docID,
		Content:    s.buf.String(),
		Delta:      s.doc,
		RevID:      s.revID,
		Checksum:   s.checksum,
	}
}

// lock：带超时地拿写锁，超时返回 ErrLockTimeout；拿到后进入 Applying
func (s *Session) lock(ctx context.Context) error {
	if s.Evicted() {
		return ErrSessionEvicted
	}
	if err := s.writeLock.AcquireFor(ctx, s.cfg.LockTimeout); err != nil {
		lockTimeouts.Inc()
		s.logger.Warn().Dur("timeout", s.cfg.LockTimeout).Msg("write lock acquire timed out")
		return fmt.Errorf("%s: %w", s.docID, ErrLockTimeout)
	}
	// 等锁期间被回收
	if !s.state.CompareAndSwap(int32(StateReady), int32(StateApplying)) {
		_ = s.writeLock.Release()
		return ErrSessionEvicted
	}
	return nil
}

func (s *Session) unlock() {
	s.state.CompareAndSwap(int32(StateApplying), int32(StateReady))
	_ = s.writeLock.Release()
}

// ApplyRevision：接受一个客户端修订。
// 成功时：分配 rev_id，给提交者发 Acked，给其他订阅者推 PushRev，异步写快照和事件。
// 失败时文档状态不变，错误为 ErrLockTimeout（可重试）或 ErrResyncRequired。
func (s *Session) ApplyRevision(ctx context.Context, sub Submission) (ApplyResult, error) {
	start := time.Now()
	if err := s.lock(ctx); err != nil {
		return ApplyResult{}, err
	}
	defer s.unlock()
	s.touch()

	s.mu.RLock()
	current, doc := s.revID, s.doc
	s.mu.RUnlock()

	if sub.BaseRevID < 0 || sub.BaseRevID > current {
		resyncs.Inc()
		return ApplyResult{}, fmt.Errorf("base %d, server at %d: %w", sub.BaseRevID, current, ErrResyncRequired)
	}

	payload := sub.Payload
	if len(payload) == 0 {
		b, err := sub.Delta.MarshalBinary()
		if err != nil {
			return ApplyResult{}, fmt.Errorf("%v: %w", err, ErrResyncRequired)
		}
		payload = b
	}
	digest := revision.Checksum(payload)

	if sub.BaseRevID < current {
		s.mu.RLock()
		prev, dup := s.history.findResend(sub.Author, sub.BaseRevID, digest)
		s.mu.RUnlock()
		if dup {
			revisionsDup.Inc()
			s.logger.Info().Int64("rev", prev.RevID).Uint64("author", sub.Author).Msg("duplicate submission, re-ack")
			if sub.Submitter != nil {
				sub.Submitter.Send(protocol.NewAcked(s.docID, prev.RevID))
			}
			return ApplyResult{Revision: prev, Duplicate: true}, nil
		}
	}

	incoming := sub.Delta
	transformed := false
	if sub.BaseRevID < current {
		concurrent, err := s.composedSince(ctx, sub.BaseRevID, current)
		if err != nil {
			resyncs.Inc()
			s.logger.Warn().Err(err).Int64("base", sub.BaseRevID).Msg("history unavailable for transform")
			return ApplyResult{}, fmt.Errorf("%v: %w", err, ErrResyncRequired)
		}
		incoming, _, err = delta.Transform(incoming, concurrent)
		if err != nil {
			resyncs.Inc()
			return ApplyResult{}, fmt.Errorf("transform against [%d, %d]: %v: %w", sub.BaseRevID+1, current, err, ErrResyncRequired)
		}
		transformed = true
		revisionsRebased.Inc()
	}

	next, err := delta.Compose(doc, incoming)
	if err != nil {
		resyncs.Inc()
		s.logger.Warn().Err(err).Int64("base", sub.BaseRevID).Int("doc_len", doc.TargetLen).
			Int("delta_base_len", incoming.BaseLen).Msg("compose failed")
		return ApplyResult{}, fmt.Errorf("%v: %w", err, ErrResyncRequired)
	}
	// 落盘前确认结果仍是纯 insert 的文档 delta，否则重新加载时会失败
	content, err := next.Content()
	if err != nil {
		resyncs.Inc()
		s.logger.Warn().Err(err).Int64("base", sub.BaseRevID).Stringer("delta", incoming).Msg("composed document is not insert-only")
		return ApplyResult{}, fmt.Errorf("document %s: %v: %w", s.docID, err, ErrResyncRequired)
	}
	checksum := DocumentChecksum(next)

	res := ApplyResult{Transformed: transformed}
	if sub.Checksum != "" && !transformed && sub.Checksum != checksum {
		// 不回滚，以服务端为准
		res.ChecksumMismatch = true
		checksumMismatch.Inc()
		s.logger.Warn().Str("client_checksum", sub.Checksum).Str("server_checksum", checksum).
			Uint64("author", sub.Author).Int64("base", sub.BaseRevID).Msg("checksum mismatch, possible divergence")
	}

	applied := payload
	if transformed {
		if applied, err = incoming.MarshalBinary(); err != nil {
			return ApplyResult{}, fmt.Errorf("%v: %w", err, ErrResyncRequired)
		}
	}
	rev, err := s.queue.NextRevision(s.docID, applied, checksum, sub.Author)
	if err != nil {
		// WAL 写失败或队列已关闭，文档不变
		return ApplyResult{}, fmt.Errorf("admit revision for %s: %w", s.docID, err)
	}
	res.Revision = rev

	s.mu.Lock()
	s.doc = next
	if err := s.buf.Apply(incoming); err != nil {
		s.logger.Error().Err(err).Msg("content buffer out of sync, rebuilt")
		s.buf = NewPieceTable(content)
	}
	s.revID = rev.RevID
	s.checksum = checksum
	s.history.push(historyEntry{rev: rev, delta: incoming, clientBase: sub.BaseRevID, digest: digest})
	s.mu.Unlock()
	revisionsApplied.Inc()

	if sub.Submitter != nil {
		if !sub.Submitter.Send(protocol.NewAcked(s.docID, rev.RevID)) {
			s.logger.Warn().Str("conn", sub.Submitter.ID()).Int64("rev", rev.RevID).Msg("acked frame dropped")
		}
	}
	s.broadcast(rev, sub.Submitter)

	if s.snapshots != nil && rev.RevID%s.cfg.SnapshotEvery == 0 {
		s.scheduleSnapshot()
	}
	if s.deps.Events != nil {
		s.deps.Events.TryEnqueue(RevisionEvent{
			EventType:       EventRevisionApplied,
			DocID:           s.docID,
			RevID:           rev.RevID,
			BaseRevID:       rev.BaseRevID,
			ClientBaseRevID: sub.BaseRevID,
			AuthorID:        sub.Author,
			Checksum:        checksum,
			Delta:           incoming,
			AppliedAt:       rev.CreatedAt,
		})
	}

	applyDuration.UpdateDuration(start)
	s.logger.Debug().Int64("rev", rev.RevID).Int64("base", sub.BaseRevID).Bool("transformed", transformed).
		Uint64("author", sub.Author).Msg("revision applied")
	return res, nil
}

// broadcast 在写锁内调用，保证订阅者按 rev_id 顺序收到推送
func (s *Session) broadcast(rev revision.Revision, except Subscriber) {
	f, err := protocol.NewPushRev(rev)
	if err != nil {
		s.logger.Error().Err(err).Int64("rev", rev.RevID).Msg("encode push frame")
		return
	}
	s.subs.Range(func(id string, sp *subscription) bool {
		if except != nil && id == except.ID() {
			sp.acked.Store(rev.RevID)
			return true
		}
		// 已经掉队的连接等补发，不再插入新推送，避免乱序
		if sp.lagging.Load() {
			return true
		}
		if !sp.sub.Send(f) {
			sp.lagging.Store(true)
			pushDropped.Inc()
			s.logger.Warn().Str("conn", id).Int64("rev", rev.RevID).Msg("subscriber send queue full, mark lagging")
		}
		return true
	})
}

// composedSince 返回 (from, to] 之间所有修订 compose 后的 delta
func (s *Session) composedSince(ctx context.Context, from, to int64) (delta.Delta, error) {
	entries, err := s.entries(ctx, from+1, to)
	if err != nil {
		return delta.Delta{}, err
	}
	ds := make([]delta.Delta, 0, len(entries))
	for _, e := range entries {
		ds = append(ds, e.delta)
	}
	return delta.ComposeAll(ds...)
}

// entries：优先取内存缓冲，不够时回落到存储 + 未落盘队列
func (s *Session) entries(ctx context.Context, start, end int64) ([]historyEntry, error) {
	s.mu.RLock()
	if s.history.covers(start, end) {
		out := s.history.between(start, end)
		s.mu.RUnlock()
		return out, nil
	}
	s.mu.RUnlock()

	revs, err := s.loadRange(ctx, revision.Range{Start: start, End: end})
	if err != nil {
		return nil, err
	}
	out := make([]historyEntry, 0, len(revs))
	for _, rev := range revs {
		d, err := decodePayload(rev.Payload)
		if err != nil {
			return nil, fmt.Errorf("revision %d: %w", rev.RevID, err)
		}
		out = append(out, historyEntry{rev: rev, delta: d, clientBase: -1})
	}
	return out, nil
}

// loadRange 合并存储和队列中尚未落盘的修订，要求结果连续完整
func (s *Session) loadRange(ctx context.Context, rng revision.Range) ([]revision.Revision, error) {
	byID := make(map[int64]revision.Revision, rng.Len())
	for _, rev := range s.queue.Pending() {
		if rng.Contains(rev.RevID) {
			byID[rev.RevID] = rev
		}
	}
	if int64(len(byID)) < rng.Len() {
		stored, err := s.deps.Revisions.LoadRevisions(ctx, s.docID, &rng)
		if err != nil {
			return nil, fmt.Errorf("load revisions %v: %w", rng, err)
		}
		for _, rev := range stored {
			byID[rev.RevID] = rev
		}
	}
	out := make([]revision.Revision, 0, len(byID))
	for _, rev := range byID {
		out = append(out, rev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RevID < out[j].RevID })
	if int64(len(out)) != rng.Len() {
		return nil, fmt.Errorf("revisions %v: have %d of %d: %w", rng, len(out), rng.Len(), revision.ErrInvalidRange)
	}
	return out, nil
}

// Revisions 返回 [Start, End] 内的修订；End 不能超过当前版本
func (s *Session) Revisions(ctx context.Context, rng revision.Range) ([]revision.Revision, error) {
	if err := rng.Validate(); err != nil {
		return nil, err
	}
	if rng.Start == 0 {
		rng.Start = 1
	}
	current := s.RevID()
	if rng.End > current {
		return nil, fmt.Errorf("range %v beyond current rev %d: %w", rng, current, revision.ErrInvalidRange)
	}
	if rng.Start > rng.End {
		return nil, nil
	}
	entries, err := s.entries(ctx, rng.Start, rng.End)
	if err != nil {
		return nil, err
	}
	out := make([]revision.Revision, len(entries))
	for i, e := range entries {
		out[i] = e.rev
	}
	return out, nil
}

// NewConnection：订阅并给出追赶方式。在写锁内完成，保证补发的修订和之后的实时推送之间没有空洞。
func (s *Session) NewConnection(ctx context.Context, sub Subscriber, lastKnownRevID int64) (SyncPlan, error) {
	if err := s.lock(ctx); err != nil {
		return SyncPlan{}, err
	}
	defer s.unlock()
	s.touch()

	current := s.RevID()
	sp := &subscription{sub: sub}
	sp.acked.Store(current)
	s.subs.Store(sub.ID(), sp)

	plan := SyncPlan{RevID: current}
	switch gap := current - lastKnownRevID; {
	case lastKnownRevID < 0 || gap < 0:
		plan.Kind, plan.Reason = SyncSnapshot, "client ahead of server"
	case gap == 0:
		plan.Kind = SyncUpToDate
		return plan, nil
	case gap <= s.cfg.MaxReplayRevisions:
		plan.Kind, plan.Range = SyncRange, revision.Range{Start: lastKnownRevID + 1, End: current}
	default:
		plan.Kind, plan.Reason = SyncSnapshot, "gap exceeds replay limit"
	}

	if plan.Kind == SyncRange {
		if err := s.replay(ctx, sp, plan.Range); err != nil {
			s.logger.Warn().Err(err).Str("conn", sub.ID()).Msg("range replay failed, fall back to snapshot")
			plan.Kind, plan.Reason = SyncSnapshot, "history unavailable"
		}
	}
	if plan.Kind == SyncSnapshot {
		sub.SendSnapshot(s.Snapshot())
	}
	s.logger.Info().Str("conn", sub.ID()).Int64("last_known", lastKnownRevID).Int64("rev", current).
		Stringer("plan", plan.Kind).Msg("connection synced")
	return plan, nil
}

func (s *Session) replay(ctx context.Context, sp *subscription, rng revision.Range) error {
	entries, err := s.entries(ctx, rng.Start, rng.End)
	if err != nil {
		return err
	}
	for _, e := range entries {
		f, err := protocol.NewPushRev(e.rev)
		if err != nil {
			return err
		}
		if !sp.sub.Send(f) {
			sp.lagging.Store(true)
			lagResends.Inc()
			return nil
		}
	}
	return nil
}

// Unsubscribe 只移除这一个连接，不影响会话
func (s *Session) Unsubscribe(subID string) {
	s.subs.Delete(subID)
	s.touch()
}

func (s *Session) Subscribers() int { return s.subs.Size() }

// AckPushed：客户端确认收到 revID。掉队的连接从这里补发缺失的修订。
func (s *Session) AckPushed(ctx context.Context, subID string, revID int64) error {
	sp, ok := s.subs.Load(subID)
	if !ok {
		return nil
	}
	current := s.RevID()
	if revID > current {
		return fmt.Errorf("ack %d beyond current rev %d: %w", revID, current, revision.ErrAckOutOfOrder)
	}
	if revID > sp.acked.Load() {
		sp.acked.Store(revID)
	}
	if !sp.lagging.Load() {
		return nil
	}

	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.unlock()
	sp.lagging.Store(false)
	current = s.RevID()
	if revID >= current {
		return nil
	}
	lagResends.Inc()
	if current-revID > s.cfg.MaxReplayRevisions {
		sp.sub.SendSnapshot(s.Snapshot())
		return nil
	}
	return s.replay(ctx, sp, revision.Range{Start: revID + 1, End: current})
}

// Idle：没有订阅者、没有未落盘修订，且空闲超过 ttl
func (s *Session) Idle(now time.Time, ttl time.Duration) bool {
	if s.State() != StateReady || s.subs.Size() > 0 || s.queue.Len() > 0 {
		return false
	}
	return now.Sub(time.Unix(0, s.lastActive.Load())) >= ttl
}

// Flush 把未落盘修订立即写入存储
func (s *Session) Flush(ctx context.Context) error { return s.queue.Flush(ctx) }

// Close 强制回收，仍有订阅者也一样
func (s *Session) Close(ctx context.Context) error { return s.evict(ctx, true) }

// evict：持有写锁排空队列后进入 Evicted。force 为 false 时仍有订阅者就放弃。
func (s *Session) evict(ctx context.Context, force bool) error {
	if err := s.writeLock.Acquire(ctx); err != nil {
		return fmt.Errorf("evict %s: %w", s.docID, ErrLockTimeout)
	}
	defer func() { _ = s.writeLock.Release() }()
	if s.Evicted() {
		return nil
	}
	if !force && s.subs.Size() > 0 {
		return fmt.Errorf("evict %s: %d subscribers", s.docID, s.subs.Size())
	}
	if err := s.queue.Flush(ctx); err != nil {
		return fmt.Errorf("evict %s: %w", s.docID, err)
	}
	s.state.Store(int32(StateEvicted))
	if err := s.queue.Close(ctx); err != nil {
		s.logger.Error().Err(err).Msg("queue close on evict")
	}
	if s.snapshots != nil && s.RevID() > 0 {
		s.scheduleSnapshot()
	}
	sessionsEvicted.Inc()
	s.logger.Info().Int64("rev", s.RevID()).Msg("session evicted")
	return nil
}

// scheduleSnapshot 序列化失败时不写快照：空 Delta 的快照在加载时没法用
func (s *Session) scheduleSnapshot() {
	snap, err := s.snapshotRecord()
	if err != nil {
		snapshotErrors.Inc()
		s.logger.Error().Err(err).Int64("rev", snap.Revision).Msg("snapshot skipped")
		return
	}
	s.snapshots.schedule(snap)
}

func (s *Session) snapshotRecord() (store.DocumentSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := store.DocumentSnapshot{
		DocumentID: s.docID,
		Revision:   s.revID,
		Checksum:   s.checksum,
		CreatedAt:  time.Now().UTC(),
	}
	b, err := s.doc.MarshalJSON()
	if err != nil {
		return snap, fmt.Errorf("marshal document delta at rev %d: %w", s.revID, err)
	}
	snap.Content = s.buf.String()
	snap.Delta = b
	return snap, nil
}
