package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"docsync/backend/internal/revision"
)

// MemoryRevisionStore 进程内实现，用于测试和 --memory 模式
type MemoryRevisionStore struct {
	mu   sync.RWMutex
	revs map[string][]revision.Revision
}

func NewMemoryRevisionStore() *MemoryRevisionStore {
	return &MemoryRevisionStore{revs: make(map[string][]revision.Revision)}
}

func (s *MemoryRevisionStore) AppendRevisions(ctx context.Context, docID string, revs []revision.Revision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.revs[docID]
	for _, r := range revs {
		if r.ObjectID != docID {
			return fmt.Errorf("revision %d belongs to %q, not %q", r.RevID, r.ObjectID, docID)
		}
		i := sort.Search(len(list), func(i int) bool { return list[i].RevID >= r.RevID })
		if i < len(list) && list[i].RevID == r.RevID {
			continue
		}
		list = append(list, revision.Revision{})
		copy(list[i+1:], list[i:])
		list[i] = r
	}
	s.revs[docID] = list
	return nil
}

func (s *MemoryRevisionStore) LoadRevisions(ctx context.Context, docID string, rng *revision.Range) ([]revision.Revision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []revision.Revision
	for _, r := range s.revs[docID] {
		if rng == nil || rng.Contains(r.RevID) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *MemoryRevisionStore) LatestRevID(ctx context.Context, docID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.revs[docID]
	if len(list) == 0 {
		return 0, nil
	}
	return list[len(list)-1].RevID, nil
}

// MemorySnapshotStore 只保留每个文档的最新快照
type MemorySnapshotStore struct {
	mu    sync.RWMutex
	snaps map[string]DocumentSnapshot
}

func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{snaps: make(map[string]DocumentSnapshot)}
}

func (s *MemorySnapshotStore) SaveDocumentSnapshot(ctx context.Context, snap DocumentSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.snaps[snap.DocumentID]; ok && cur.Revision >= snap.Revision {
		return nil
	}
	s.snaps[snap.DocumentID] = snap
	return nil
}

func (s *MemorySnapshotStore) LatestSnapshot(ctx context.Context, docID string) (*DocumentSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snaps[docID]
	if !ok {
		return nil, nil
	}
	return &snap, nil
}
