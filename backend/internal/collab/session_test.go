package collab

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/puzpuzpuz/xsync/v3"

	"docsync/backend/internal/ot/delta"
	"docsync/backend/internal/revision"
	"docsync/backend/internal/store"
)

func TestApplyRevision_InsertOnEmptyDocument(t *testing.T) {
	s := newTestSession(t, "doc-1", SessionConfig{}, testDeps())
	sub := newFakeSub("c1", 7)

	d := delta.New().Insert("hello", nil).Build()
	res, err := s.ApplyRevision(context.Background(), Submission{
		Author:    7,
		BaseRevID: 0,
		Delta:     d,
		Checksum:  DocumentChecksum(d),
		Submitter: sub,
	})
	if err != nil {
		t.Fatalf("ApplyRevision() error = %v", err)
	}
	if res.Revision.RevID != 1 || res.Revision.BaseRevID != 0 {
		t.Fatalf("rev = %d (base %d), want 1 (base 0)", res.Revision.RevID, res.Revision.BaseRevID)
	}
	if res.ChecksumMismatch || res.Transformed || res.Duplicate {
		t.Fatalf("unexpected flags: %+v", res)
	}
	snap := s.Snapshot()
	if snap.Content != "hello" || snap.RevID != 1 {
		t.Fatalf("snapshot = %q @ %d, want \"hello\" @ 1", snap.Content, snap.RevID)
	}
	if diff := cmp.Diff([]int64{1}, sub.ackedIDs(t)); diff != "" {
		t.Fatalf("acked frames (-want +got):\n%s", diff)
	}
	if got := sub.pushedIDs(t); len(got) != 0 {
		t.Fatalf("submitter got pushes %v", got)
	}
}

func TestApplyRevision_ConcurrentSameBase(t *testing.T) {
	s := newTestSession(t, "doc-2", SessionConfig{}, testDeps())
	if last := appendN(t, s, 5); last != 5 {
		t.Fatalf("seeded rev = %d, want 5", last)
	}
	a, b := newFakeSub("a", 1), newFakeSub("b", 2)
	ctx := context.Background()

	resA, err := s.ApplyRevision(ctx, Submission{Author: 1, BaseRevID: 5, Delta: insertAt(0, 5, "A"), Submitter: a})
	if err != nil {
		t.Fatalf("ApplyRevision(A) error = %v", err)
	}
	resB, err := s.ApplyRevision(ctx, Submission{Author: 2, BaseRevID: 5, Delta: insertAt(0, 5, "B"), Submitter: b})
	if err != nil {
		t.Fatalf("ApplyRevision(B) error = %v", err)
	}
	if resA.Revision.RevID != 6 || resB.Revision.RevID != 7 {
		t.Fatalf("rev ids = %d, %d, want 6, 7", resA.Revision.RevID, resB.Revision.RevID)
	}
	if resA.Transformed || !resB.Transformed {
		t.Fatalf("transformed = %v, %v, want false, true", resA.Transformed, resB.Transformed)
	}
	// 后到的插入排在前面
	if got := s.Snapshot().Content; got != "BA-----" {
		t.Fatalf("content = %q, want %q", got, "BA-----")
	}
	// 存下来的是 transform 之后的 delta
	applied, err := decodePayload(resB.Revision.Payload)
	if err != nil {
		t.Fatalf("decodePayload() error = %v", err)
	}
	if want := insertAt(0, 6, "B"); !applied.Equal(want) {
		t.Fatalf("stored delta = %v, want %v", applied, want)
	}
}

func TestApplyRevision_ConcurrentGoroutinesSerialize(t *testing.T) {
	s := newTestSession(t, "doc-race", SessionConfig{LockTimeout: 5 * time.Second}, testDeps())
	const n = 20
	var wg sync.WaitGroup
	ids := make([]int64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := s.ApplyRevision(context.Background(), Submission{
				Author:    uint64(i + 1),
				BaseRevID: 0,
				Delta:     delta.New().Insert("x", nil).Build(),
			})
			if err != nil {
				t.Errorf("ApplyRevision(%d) error = %v", i, err)
				return
			}
			ids[i] = res.Revision.RevID
		}(i)
	}
	wg.Wait()
	seen := make(map[int64]bool)
	for _, id := range ids {
		if id < 1 || id > n || seen[id] {
			t.Fatalf("rev ids not a permutation of 1..%d: %v", n, ids)
		}
		seen[id] = true
	}
	if got := s.Snapshot().Content; len(got) != n {
		t.Fatalf("content %q, want %d chars", got, n)
	}
}

func TestApplyRevision_LockTimeoutLeavesStateUnchanged(t *testing.T) {
	s := newTestSession(t, "doc-4", SessionConfig{LockTimeout: 20 * time.Millisecond}, testDeps())
	appendN(t, s, 2)
	before := s.Snapshot()

	// 模拟另一个慢的写者占着锁
	if err := s.writeLock.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	sub := newFakeSub("slow", 3)
	started := time.Now()
	_, err := s.ApplyRevision(context.Background(), Submission{Author: 3, BaseRevID: before.RevID, Delta: insertAt(0, 2, "Z"), Submitter: sub})
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("ApplyRevision() error = %v, want ErrLockTimeout", err)
	}
	if !Retriable(err) {
		t.Fatalf("Retriable(%v) = false", err)
	}
	if waited := time.Since(started); waited > time.Second {
		t.Fatalf("waited %v for a 20ms lock timeout", waited)
	}
	_ = s.writeLock.Release()

	after := s.Snapshot()
	if diff := cmp.Diff(before.Content, after.Content); diff != "" {
		t.Fatalf("content changed (-before +after):\n%s", diff)
	}
	if !before.Delta.Equal(after.Delta) || before.RevID != after.RevID || before.Checksum != after.Checksum {
		t.Fatalf("document changed: before %+v, after %+v", before, after)
	}
	if len(sub.received()) != 0 {
		t.Fatalf("frames sent on timeout: %v", sub.received())
	}
	if s.State() != StateReady {
		t.Fatalf("state = %v, want ready", s.State())
	}
}

func TestApplyRevision_ResyncRequired(t *testing.T) {
	s := newTestSession(t, "doc-resync", SessionConfig{}, testDeps())
	appendN(t, s, 3)
	ctx := context.Background()

	// base 超前
	_, err := s.ApplyRevision(ctx, Submission{BaseRevID: 9, Delta: insertAt(0, 3, "x")})
	if !errors.Is(err, ErrResyncRequired) {
		t.Fatalf("future base: error = %v, want ErrResyncRequired", err)
	}
	// 长度对不上
	_, err = s.ApplyRevision(ctx, Submission{BaseRevID: 3, Delta: insertAt(0, 10, "x")})
	if !errors.Is(err, ErrResyncRequired) {
		t.Fatalf("length mismatch: error = %v, want ErrResyncRequired", err)
	}
	// base 旧但 delta 长度和那时的文档不符
	_, err = s.ApplyRevision(ctx, Submission{BaseRevID: 1, Delta: insertAt(0, 3, "x")})
	if !errors.Is(err, ErrResyncRequired) {
		t.Fatalf("stale mismatch: error = %v, want ErrResyncRequired", err)
	}
	if got := s.Snapshot(); got.RevID != 3 || got.Content != "---" {
		t.Fatalf("document changed after rejected submissions: %+v", got)
	}
}

func TestApplyRevision_RejectsDeltaThatBreaksDocument(t *testing.T) {
	deps := testDeps()
	ctx := context.Background()
	s, err := LoadSession(ctx, "doc-broken", SessionConfig{}, deps, nil)
	if err != nil {
		t.Fatalf("LoadSession() error = %v", err)
	}
	if _, err := s.ApplyRevision(ctx, Submission{Author: 1, Delta: delta.New().Insert("x", nil).Build()}); err != nil {
		t.Fatalf("ApplyRevision() error = %v", err)
	}

	// 手工构造、长度字段和操作不一致的 delta；解码器不会产出这种值
	for name, d := range map[string]delta.Delta{
		"wrapping counts": {Ops: []delta.Op{delta.Retain(math.MaxInt, nil), delta.Delete(math.MaxInt), delta.Retain(3, nil)}, BaseLen: 1},
		"trailing retain": {Ops: []delta.Op{delta.Retain(1, nil), delta.Retain(2, nil)}, BaseLen: 1, TargetLen: 1},
	} {
		_, err := s.ApplyRevision(ctx, Submission{Author: 1, BaseRevID: 1, Delta: d})
		if !errors.Is(err, ErrResyncRequired) {
			t.Fatalf("%s: error = %v, want ErrResyncRequired", name, err)
		}
	}
	if got := s.Snapshot(); got.RevID != 1 || got.Content != "x" {
		t.Fatalf("document changed after rejected submissions: %+v", got)
	}

	if err := s.evict(ctx, true); err != nil {
		t.Fatalf("evict() error = %v", err)
	}
	again := newTestSession(t, "doc-broken", SessionConfig{}, deps)
	if got := again.Snapshot(); got.RevID != 1 || got.Content != "x" {
		t.Fatalf("reloaded = %+v, want content x at rev 1", got)
	}
}

func TestApplyRevision_ChecksumMismatchServerWins(t *testing.T) {
	s := newTestSession(t, "doc-sum", SessionConfig{}, testDeps())
	res, err := s.ApplyRevision(context.Background(), Submission{
		BaseRevID: 0,
		Delta:     delta.New().Insert("abc", nil).Build(),
		Checksum:  "not-the-checksum",
	})
	if err != nil {
		t.Fatalf("ApplyRevision() error = %v", err)
	}
	if !res.ChecksumMismatch {
		t.Fatalf("ChecksumMismatch = false, want true")
	}
	snap := s.Snapshot()
	if snap.Content != "abc" || res.Revision.Checksum != snap.Checksum {
		t.Fatalf("server state not authoritative: %+v / %+v", snap, res.Revision)
	}
}

func TestApplyRevision_ResendIsIdempotent(t *testing.T) {
	s := newTestSession(t, "doc-dup", SessionConfig{}, testDeps())
	appendN(t, s, 1)
	other := newFakeSub("other", 9)
	if _, err := s.NewConnection(context.Background(), other, 1); err != nil {
		t.Fatalf("NewConnection() error = %v", err)
	}
	// 先让版本前进，重发时 base 已经落后
	appendN(t, s, 1)

	sub := newFakeSub("c", 4)
	submit := Submission{Author: 4, BaseRevID: 1, Delta: insertAt(0, 1, "Q"), Submitter: sub}
	first, err := s.ApplyRevision(context.Background(), submit)
	if err != nil {
		t.Fatalf("first ApplyRevision() error = %v", err)
	}
	second, err := s.ApplyRevision(context.Background(), submit)
	if err != nil {
		t.Fatalf("resend ApplyRevision() error = %v", err)
	}
	if !second.Duplicate || second.Revision.RevID != first.Revision.RevID {
		t.Fatalf("resend = %+v, want duplicate of rev %d", second, first.Revision.RevID)
	}
	if got := s.Snapshot().Content; got != "Q--" {
		t.Fatalf("content = %q, want %q", got, "Q--")
	}
	if diff := cmp.Diff([]int64{3, 3}, sub.ackedIDs(t)); diff != "" {
		t.Fatalf("acked (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int64{2, 3}, other.pushedIDs(t)); diff != "" {
		t.Fatalf("pushed to other (-want +got):\n%s", diff)
	}
}

func TestApplyRevision_PushesToOtherSubscribers(t *testing.T) {
	s := newTestSession(t, "doc-push", SessionConfig{}, testDeps())
	ctx := context.Background()
	a, b, c := newFakeSub("a", 1), newFakeSub("b", 2), newFakeSub("c", 3)
	for _, sub := range []*fakeSub{a, b, c} {
		if _, err := s.NewConnection(ctx, sub, 0); err != nil {
			t.Fatalf("NewConnection(%s) error = %v", sub.ID(), err)
		}
	}
	if _, err := s.ApplyRevision(ctx, Submission{Author: 1, Delta: delta.New().Insert("hi", nil).Build(), Submitter: a}); err != nil {
		t.Fatalf("ApplyRevision() error = %v", err)
	}
	if got := a.pushedIDs(t); len(got) != 0 {
		t.Fatalf("submitter received push %v", got)
	}
	for _, sub := range []*fakeSub{b, c} {
		if diff := cmp.Diff([]int64{1}, sub.pushedIDs(t)); diff != "" {
			t.Fatalf("%s pushes (-want +got):\n%s", sub.ID(), diff)
		}
	}

	// 断开一个连接不影响其他连接
	s.Unsubscribe("b")
	if _, err := s.ApplyRevision(ctx, Submission{Author: 3, BaseRevID: 1, Delta: insertAt(2, 2, "!"), Submitter: c}); err != nil {
		t.Fatalf("ApplyRevision() error = %v", err)
	}
	if diff := cmp.Diff([]int64{1}, b.pushedIDs(t)); diff != "" {
		t.Fatalf("unsubscribed b pushes (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int64{2}, a.pushedIDs(t)); diff != "" {
		t.Fatalf("a pushes (-want +got):\n%s", diff)
	}
	if s.Subscribers() != 2 {
		t.Fatalf("Subscribers() = %d, want 2", s.Subscribers())
	}
}

func TestNewConnection_ReplaysMissingRange(t *testing.T) {
	s := newTestSession(t, "doc-3", SessionConfig{}, testDeps())
	appendN(t, s, 10)

	sub := newFakeSub("reconnect", 5)
	plan, err := s.NewConnection(context.Background(), sub, 3)
	if err != nil {
		t.Fatalf("NewConnection() error = %v", err)
	}
	want := SyncPlan{Kind: SyncRange, RevID: 10, Range: revision.Range{Start: 4, End: 10}}
	if diff := cmp.Diff(want, plan); diff != "" {
		t.Fatalf("plan (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int64{4, 5, 6, 7, 8, 9, 10}, sub.pushedIDs(t)); diff != "" {
		t.Fatalf("replayed (-want +got):\n%s", diff)
	}
	if len(sub.snapshots()) != 0 {
		t.Fatalf("snapshot sent for a small gap")
	}
}

func TestNewConnection_Plans(t *testing.T) {
	s := newTestSession(t, "doc-plans", SessionConfig{MaxReplayRevisions: 4}, testDeps())
	appendN(t, s, 10)
	ctx := context.Background()

	cases := []struct {
		name      string
		lastKnown int64
		kind      SyncKind
	}{
		{"up to date", 10, SyncUpToDate},
		{"within replay limit", 6, SyncRange},
		{"beyond replay limit", 2, SyncSnapshot},
		{"client ahead", 12, SyncSnapshot},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sub := newFakeSub(tc.name, uint64(i))
			plan, err := s.NewConnection(ctx, sub, tc.lastKnown)
			if err != nil {
				t.Fatalf("NewConnection() error = %v", err)
			}
			if plan.Kind != tc.kind {
				t.Fatalf("plan = %v, want %v", plan.Kind, tc.kind)
			}
			if tc.kind == SyncSnapshot {
				snaps := sub.snapshots()
				if len(snaps) != 1 || snaps[0].RevID != 10 || snaps[0].Content != "----------" {
					t.Fatalf("snapshots = %+v", snaps)
				}
			}
		})
	}
}

func TestAckPushed_ResendsToLaggingSubscriber(t *testing.T) {
	s := newTestSession(t, "doc-lag", SessionConfig{}, testDeps())
	ctx := context.Background()
	slow := newFakeSub("slow", 2)
	if _, err := s.NewConnection(ctx, slow, 0); err != nil {
		t.Fatalf("NewConnection() error = %v", err)
	}
	appendN(t, s, 1)
	slow.setFull(true)
	appendN(t, s, 2) // rev 2 被丢弃，rev 3 不再尝试
	slow.setFull(false)
	appendN(t, s, 1) // 掉队期间不推送

	if diff := cmp.Diff([]int64{1}, slow.pushedIDs(t)); diff != "" {
		t.Fatalf("before ack (-want +got):\n%s", diff)
	}
	if err := s.AckPushed(ctx, "slow", 1); err != nil {
		t.Fatalf("AckPushed() error = %v", err)
	}
	if diff := cmp.Diff([]int64{1, 2, 3, 4}, slow.pushedIDs(t)); diff != "" {
		t.Fatalf("after ack (-want +got):\n%s", diff)
	}
	if err := s.AckPushed(ctx, "slow", 99); !errors.Is(err, revision.ErrAckOutOfOrder) {
		t.Fatalf("AckPushed(future) error = %v, want ErrAckOutOfOrder", err)
	}
}

func TestRevisions_FromHistoryAndStore(t *testing.T) {
	deps := testDeps()
	s := newTestSession(t, "doc-revs", SessionConfig{HistoryCap: 3}, deps)
	appendN(t, s, 8)
	ctx := context.Background()

	// 最近 3 条在内存里
	recent, err := s.Revisions(ctx, revision.Range{Start: 6, End: 8})
	if err != nil {
		t.Fatalf("Revisions(recent) error = %v", err)
	}
	// 更早的要回落到存储和未落盘队列
	old, err := s.Revisions(ctx, revision.Range{Start: 1, End: 5})
	if err != nil {
		t.Fatalf("Revisions(old) error = %v", err)
	}
	var ids []int64
	for _, r := range append(old, recent...) {
		ids = append(ids, r.RevID)
	}
	if diff := cmp.Diff([]int64{1, 2, 3, 4, 5, 6, 7, 8}, ids); diff != "" {
		t.Fatalf("ids (-want +got):\n%s", diff)
	}
	if _, err := s.Revisions(ctx, revision.Range{Start: 5, End: 9}); !errors.Is(err, revision.ErrInvalidRange) {
		t.Fatalf("Revisions(beyond) error = %v, want ErrInvalidRange", err)
	}

	// base 早于内存历史时 transform 也能回落到存储
	res, err := s.ApplyRevision(ctx, Submission{Author: 2, BaseRevID: 2, Delta: insertAt(0, 2, "<")})
	if err != nil {
		t.Fatalf("ApplyRevision(old base) error = %v", err)
	}
	if !res.Transformed || s.Snapshot().Content != "<--------" {
		t.Fatalf("content = %q, transformed = %v", s.Snapshot().Content, res.Transformed)
	}
}

func TestLoadSession_RebuildsFromStoreAndSnapshot(t *testing.T) {
	deps := testDeps()
	ctx := context.Background()
	s, err := LoadSession(ctx, "doc-reload", SessionConfig{}, deps, nil)
	if err != nil {
		t.Fatalf("LoadSession() error = %v", err)
	}
	bold := delta.Attributes{"bold": delta.Set("true")}
	if _, err := s.ApplyRevision(ctx, Submission{Delta: delta.New().Insert("hello", bold).Build()}); err != nil {
		t.Fatalf("ApplyRevision() error = %v", err)
	}
	appendN(t, s, 3)
	want := s.Snapshot()

	// 中间版本的快照：加载时只需要折叠之后的修订
	mid := store.DocumentSnapshot{DocumentID: "doc-reload", Revision: 2, Content: "hello-"}
	mid.Delta, _ = delta.New().Insert("hello", bold).Insert("-", nil).Build().MarshalJSON()
	if err := deps.Snapshots.SaveDocumentSnapshot(ctx, mid); err != nil {
		t.Fatalf("SaveDocumentSnapshot() error = %v", err)
	}
	if err := s.evict(ctx, true); err != nil {
		t.Fatalf("evict() error = %v", err)
	}

	for _, withSnap := range []bool{true, false} {
		d := deps
		if !withSnap {
			d.Snapshots = nil
		}
		again := newTestSession(t, "doc-reload", SessionConfig{}, d)
		got := again.Snapshot()
		if diff := cmp.Diff(want.Content, got.Content); diff != "" {
			t.Fatalf("content (snapshot=%v) (-want +got):\n%s", withSnap, diff)
		}
		if got.RevID != 4 || got.Checksum != want.Checksum || !got.Delta.Equal(want.Delta) {
			t.Fatalf("reloaded (snapshot=%v) = %+v, want %+v", withSnap, got, want)
		}
		if err := again.evict(ctx, true); err != nil {
			t.Fatalf("evict() error = %v", err)
		}
	}
}

type testWAL struct {
	mu      sync.Mutex
	entries map[int64]revision.Revision
}

func (w *testWAL) Append(ctx context.Context, rev revision.Revision) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries[rev.RevID] = rev
	return nil
}

func (w *testWAL) Trim(ctx context.Context, docID string, upTo int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id := range w.entries {
		if id <= upTo {
			delete(w.entries, id)
		}
	}
	return nil
}

func (w *testWAL) Load(ctx context.Context, docID string, after int64) ([]revision.Revision, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []revision.Revision
	for id := after + 1; ; id++ {
		rev, ok := w.entries[id]
		if !ok {
			return out, nil
		}
		out = append(out, rev)
	}
}

// failingSink 模拟数据库不可用：修订只留在队列和 WAL 里
type failingSink struct{ *store.MemoryRevisionStore }

func (failingSink) AppendRevisions(ctx context.Context, docID string, revs []revision.Revision) error {
	return errors.New("db down")
}

func TestLoadSession_RecoversFromWAL(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryRevisionStore()
	wal := &testWAL{entries: make(map[int64]revision.Revision)}

	crashed, err := LoadSession(ctx, "doc-wal", SessionConfig{}, Deps{Revisions: failingSink{mem}, WAL: wal}, nil)
	if err != nil {
		t.Fatalf("LoadSession() error = %v", err)
	}
	appendN(t, crashed, 3)
	// 进程“崩溃”：队列里的修订没写进数据库
	if latest, _ := mem.LatestRevID(ctx, "doc-wal"); latest != 0 {
		t.Fatalf("store latest = %d, want 0", latest)
	}

	recovered := newTestSession(t, "doc-wal", SessionConfig{}, Deps{Revisions: mem, WAL: wal})
	if got := recovered.Snapshot(); got.RevID != 3 || got.Content != "---" {
		t.Fatalf("recovered = %+v, want rev 3 \"---\"", got)
	}
	if err := recovered.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if latest, _ := mem.LatestRevID(ctx, "doc-wal"); latest != 3 {
		t.Fatalf("store latest after flush = %d, want 3", latest)
	}
	if left, _ := wal.Load(ctx, "doc-wal", 0); len(left) != 0 {
		t.Fatalf("wal not trimmed: %d entries", len(left))
	}
}

func TestApplyRevision_SchedulesSnapshot(t *testing.T) {
	deps := testDeps()
	sw := newSnapshotWriter(deps.Snapshots, 1, 8, time.Second, 0)
	defer sw.close()
	s, err := LoadSession(context.Background(), "doc-snap", SessionConfig{SnapshotEvery: 2}, deps, sw)
	if err != nil {
		t.Fatalf("LoadSession() error = %v", err)
	}
	defer s.evict(context.Background(), true)
	appendN(t, s, 3)

	waitFor(t, 2*time.Second, func() bool {
		snap, _ := deps.Snapshots.LatestSnapshot(context.Background(), "doc-snap")
		return snap != nil && snap.Revision == 2
	})
	snap, _ := deps.Snapshots.LatestSnapshot(context.Background(), "doc-snap")
	if snap.Content != "--" || snap.Checksum == "" {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestScheduleSnapshot_SkipsUnencodableDocument(t *testing.T) {
	s := newTestSession(t, "doc-snap-bad", SessionConfig{}, testDeps())
	appendN(t, s, 1)

	// 不启动 worker，只看有没有入队
	sw := &snapshotWriter{latest: xsync.NewMapOf[string, store.DocumentSnapshot](), notify: make(chan string, 1)}
	s.snapshots = sw
	t.Cleanup(func() { s.snapshots = nil })

	s.mu.Lock()
	good := s.doc
	s.doc = delta.Delta{Ops: []delta.Op{{Kind: "bogus", Count: 1}}, BaseLen: 1, TargetLen: 1}
	s.mu.Unlock()
	s.scheduleSnapshot()
	if len(sw.notify) != 0 || sw.latest.Size() != 0 {
		t.Fatalf("snapshot queued for a document delta that cannot be encoded")
	}

	s.mu.Lock()
	s.doc = good
	s.mu.Unlock()
	s.scheduleSnapshot()
	snap, ok := sw.latest.Load("doc-snap-bad")
	if !ok || snap.Revision != 1 || snap.Content != "-" || len(snap.Delta) == 0 {
		t.Fatalf("queued snapshot = %+v (ok=%v), want rev 1 with encoded delta", snap, ok)
	}
}

type pruningSnapshots struct {
	*store.MemorySnapshotStore
	mu     sync.Mutex
	pruned []int
}

func (p *pruningSnapshots) PruneSnapshots(ctx context.Context, docID string, keep int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pruned = append(p.pruned, keep)
	return nil
}

func TestSnapshotWriter_PrunesAfterSave(t *testing.T) {
	snaps := &pruningSnapshots{MemorySnapshotStore: store.NewMemorySnapshotStore()}
	sw := newSnapshotWriter(snaps, 1, 8, time.Second, 3)
	sw.schedule(store.DocumentSnapshot{DocumentID: "doc-prune", Revision: 1, Content: "a"})
	sw.close()

	snaps.mu.Lock()
	defer snaps.mu.Unlock()
	if len(snaps.pruned) != 1 || snaps.pruned[0] != 3 {
		t.Fatalf("pruned = %v, want [3]", snaps.pruned)
	}
}

type recordingEvents struct {
	mu     sync.Mutex
	events []RevisionEvent
}

func (r *recordingEvents) TryEnqueue(evt RevisionEvent) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return true
}

func TestApplyRevision_PublishesEvent(t *testing.T) {
	events := &recordingEvents{}
	deps := testDeps()
	deps.Events = events
	s := newTestSession(t, "doc-evt", SessionConfig{}, deps)
	appendN(t, s, 2)

	events.mu.Lock()
	defer events.mu.Unlock()
	if len(events.events) != 2 {
		t.Fatalf("events = %d, want 2", len(events.events))
	}
	e := events.events[1]
	if e.EventType != EventRevisionApplied || e.DocID != "doc-evt" || e.RevID != 2 || e.BaseRevID != 1 || e.AuthorID != 1 {
		t.Fatalf("event = %+v", e)
	}
}
