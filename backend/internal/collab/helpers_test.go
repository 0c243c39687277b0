package collab

import (
	"context"
	"sync"
	"testing"
	"time"

	"docsync/backend/internal/ot/delta"
	"docsync/backend/internal/protocol"
	"docsync/backend/internal/revision"
	"docsync/backend/internal/store"
)

type fakeSub struct {
	id   string
	user uint64

	mu     sync.Mutex
	frames []protocol.Frame
	snaps  []Snapshot
	full   bool // 模拟发送队列已满
}

func newFakeSub(id string, user uint64) *fakeSub { return &fakeSub{id: id, user: user} }

func (f *fakeSub) ID() string     { return f.id }
func (f *fakeSub) UserID() uint64 { return f.user }

func (f *fakeSub) Send(fr protocol.Frame) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full {
		return false
	}
	f.frames = append(f.frames, fr)
	return true
}

func (f *fakeSub) SendSnapshot(s Snapshot) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full {
		return false
	}
	f.snaps = append(f.snaps, s)
	return true
}

func (f *fakeSub) setFull(v bool) {
	f.mu.Lock()
	f.full = v
	f.mu.Unlock()
}

func (f *fakeSub) received() []protocol.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Frame(nil), f.frames...)
}

func (f *fakeSub) snapshots() []Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Snapshot(nil), f.snaps...)
}

// ofType 返回指定类型的帧
func (f *fakeSub) ofType(t protocol.MessageType) []protocol.Frame {
	var out []protocol.Frame
	for _, fr := range f.received() {
		if fr.Type == t {
			out = append(out, fr)
		}
	}
	return out
}

func (f *fakeSub) ackedIDs(t *testing.T) []int64 {
	t.Helper()
	var ids []int64
	for _, fr := range f.ofType(protocol.Acked) {
		id, err := fr.AckedRevID()
		if err != nil {
			t.Fatalf("AckedRevID() error = %v", err)
		}
		ids = append(ids, id)
	}
	return ids
}

func (f *fakeSub) pushedIDs(t *testing.T) []int64 {
	t.Helper()
	var ids []int64
	for _, fr := range f.ofType(protocol.PushRev) {
		rev, err := fr.Revision()
		if err != nil {
			t.Fatalf("Revision() error = %v", err)
		}
		ids = append(ids, rev.RevID)
	}
	return ids
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

func testDeps() Deps {
	return Deps{Revisions: store.NewMemoryRevisionStore(), Snapshots: store.NewMemorySnapshotStore()}
}

func newTestSession(t *testing.T, docID string, cfg SessionConfig, deps Deps) *Session {
	t.Helper()
	s, err := LoadSession(context.Background(), docID, cfg, deps, nil)
	if err != nil {
		t.Fatalf("LoadSession() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func insertAt(pos, docLen int, text string) delta.Delta {
	return delta.New().Retain(pos, nil).Insert(text, nil).Retain(docLen-pos, nil).Build()
}

// appendN 依次在文档末尾追加 n 个 "-"，返回最后的版本号
func appendN(t *testing.T, s *Session, n int) int64 {
	t.Helper()
	ctx := context.Background()
	var last int64
	for i := 0; i < n; i++ {
		snap := s.Snapshot()
		res, err := s.ApplyRevision(ctx, Submission{
			Author:    1,
			BaseRevID: snap.RevID,
			Delta:     insertAt(len([]rune(snap.Content)), len([]rune(snap.Content)), "-"),
		})
		if err != nil {
			t.Fatalf("seed revision %d: %v", i+1, err)
		}
		last = res.Revision.RevID
	}
	return last
}

func pushFrame(t *testing.T, docID string, base int64, d delta.Delta) []byte {
	t.Helper()
	payload, err := d.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary() error = %v", err)
	}
	f, err := protocol.NewPushRev(revision.Revision{ObjectID: docID, BaseRevID: base, RevID: base + 1, Payload: payload})
	if err != nil {
		t.Fatalf("NewPushRev() error = %v", err)
	}
	b, err := f.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary() error = %v", err)
	}
	return b
}
