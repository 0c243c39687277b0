package collab

import (
	"docsync/backend/internal/ot/delta"
	"docsync/backend/internal/revision"
)

// historyEntry：一个已接受的修订。delta 是实际作用在服务端文档上的（transform 之后）。
type historyEntry struct {
	rev        revision.Revision
	delta      delta.Delta
	clientBase int64  // 客户端提交时的 base；从存储加载的条目为 -1
	digest     string // 客户端原始 payload 的 md5，用于识别重发
}

// history：最近 cap 条修订的环形缓冲，rev_id 连续递增
type history struct {
	buf   []historyEntry
	start int // 最旧一条在 buf 中的位置
	n     int
}

func newHistory(capacity int) *history {
	return &history{buf: make([]historyEntry, capacity)}
}

func (h *history) push(e historyEntry) {
	if h.n < len(h.buf) {
		h.buf[(h.start+h.n)%len(h.buf)] = e
		h.n++
		return
	}
	h.buf[h.start] = e
	h.start = (h.start + 1) % len(h.buf)
}

func (h *history) at(i int) *historyEntry { return &h.buf[(h.start+i)%len(h.buf)] }

// oldest 返回最旧一条的 rev_id，空时返回 0
func (h *history) oldest() int64 {
	if h.n == 0 {
		return 0
	}
	return h.at(0).rev.RevID
}

// covers：[start, end] 是否全部在缓冲内
func (h *history) covers(start, end int64) bool {
	if h.n == 0 || start > end {
		return false
	}
	return start >= h.oldest() && end <= h.at(h.n-1).rev.RevID
}

// between 返回 rev_id 在 [start, end] 内的条目，调用前需确认 covers
func (h *history) between(start, end int64) []historyEntry {
	if !h.covers(start, end) {
		return nil
	}
	first := int(start - h.oldest())
	out := make([]historyEntry, 0, end-start+1)
	for i := first; i < first+int(end-start+1); i++ {
		out = append(out, *h.at(i))
	}
	return out
}

// findResend：同一作者基于同一 base 提交了相同 payload
func (h *history) findResend(author uint64, clientBase int64, digest string) (revision.Revision, bool) {
	for i := h.n - 1; i >= 0; i-- {
		e := h.at(i)
		if e.rev.RevID <= clientBase {
			break
		}
		if e.clientBase == clientBase && e.rev.Author == author && e.digest == digest {
			return e.rev, true
		}
	}
	return revision.Revision{}, false
}
