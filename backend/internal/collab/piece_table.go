package collab

import (
	"fmt"
	"strings"

	"docsync/backend/internal/ot/delta"
)

type bufferKind int

const (
	bufOriginal bufferKind = iota
	bufAdd
)

type piece struct {
	// 从 original 还是 add 切片上偏移
	buf    bufferKind
	offset int
	length int
}

// PieceTable：会话持有的纯文本内容。每次 ApplyRevision 提交后同步推进，
// 快照和 OpenDocument 直接读它，不必每次从 delta 重新拼字符串。
type PieceTable struct {
	original []rune
	add      []rune
	pieces   []piece
	length   int
}

func NewPieceTable(initial string) *PieceTable {
	r := []rune(initial)
	pt := &PieceTable{original: r, length: len(r)}
	if len(r) > 0 {
		pt.pieces = []piece{{buf: bufOriginal, offset: 0, length: len(r)}}
	}
	return pt
}

func (pt *PieceTable) Len() int { return pt.length }

func (pt *PieceTable) String() string {
	var sb strings.Builder
	sb.Grow(pt.length)
	for _, p := range pt.pieces {
		src := pt.original
		if p.buf == bufAdd {
			src = pt.add
		}
		for _, r := range src[p.offset : p.offset+p.length] {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// Apply 按 delta 推进内容；delta 的 BaseLen 必须等于当前长度
func (pt *PieceTable) Apply(d delta.Delta) error {
	if d.BaseLen != pt.length {
		return fmt.Errorf("piece table len %d, delta base %d: %w", pt.length, d.BaseLen, delta.ErrIncompatibleLength)
	}
	pos := 0
	for _, op := range d.Ops {
		switch op.Kind {
		case delta.KindRetain:
			pos += op.Count
		case delta.KindInsert:
			pos += pt.insert(pos, op.Text)
		case delta.KindDelete:
			pt.delete(pos, op.Count)
		}
	}
	return nil
}

func (pt *PieceTable) insert(pos int, text string) int {
	r := []rune(text)
	start := len(pt.add)
	pt.add = append(pt.add, r...)
	np := piece{buf: bufAdd, offset: start, length: len(r)}
	pt.length += len(r)

	idx, offset := pt.locate(pos)
	if idx >= len(pt.pieces) {
		pt.pieces = append(pt.pieces, np)
		return len(r)
	}
	cur := pt.pieces[idx]
	left := piece{buf: cur.buf, offset: cur.offset, length: offset}
	right := piece{buf: cur.buf, offset: cur.offset + offset, length: cur.length - offset}

	out := make([]piece, 0, len(pt.pieces)+2)
	out = append(out, pt.pieces[:idx]...)
	if left.length > 0 {
		out = append(out, left)
	}
	out = append(out, np)
	if right.length > 0 {
		out = append(out, right)
	}
	out = append(out, pt.pieces[idx+1:]...)
	pt.pieces = out
	return len(r)
}

func (pt *PieceTable) delete(pos, n int) {
	remain := n
	idx, offset := pt.locate(pos)
	for remain > 0 && idx < len(pt.pieces) {
		cur := pt.pieces[idx]
		take := cur.length - offset
		if take > remain {
			take = remain
		}
		leftLen := offset
		rightLen := cur.length - offset - take

		repl := make([]piece, 0, 2)
		if leftLen > 0 {
			repl = append(repl, piece{buf: cur.buf, offset: cur.offset, length: leftLen})
		}
		if rightLen > 0 {
			repl = append(repl, piece{buf: cur.buf, offset: cur.offset + offset + take, length: rightLen})
		}
		out := make([]piece, 0, len(pt.pieces)+1)
		out = append(out, pt.pieces[:idx]...)
		out = append(out, repl...)
		out = append(out, pt.pieces[idx+1:]...)
		pt.pieces = out

		remain -= take
		pt.length -= take
		// 被删 piece 的左半段保留时，下一段从 idx+1 开始
		if leftLen > 0 {
			idx++
		}
		offset = 0
	}
}

// 根据逻辑位置 pos，找到对应的 piece 下标 idx 和在该 piece 内的偏移 offset
func (pt *PieceTable) locate(pos int) (idx int, offset int) {
	cur := 0
	for i, p := range pt.pieces {
		if pos < cur+p.length {
			return i, pos - cur
		}
		cur += p.length
	}
	return len(pt.pieces), 0
}
