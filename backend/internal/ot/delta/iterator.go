package delta

import "math"

// iterator 按长度切分地遍历 delta：一次可以只取当前操作的前 n 个字符
type iterator struct {
	ops    []Op
	index  int
	offset int
}

func newIterator(d Delta) *iterator { return &iterator{ops: d.Ops} }

func (it *iterator) hasNext() bool { return it.index < len(it.ops) }

func (it *iterator) peek() *Op {
	if !it.hasNext() {
		return nil
	}
	return &it.ops[it.index]
}

func (it *iterator) isNextInsert() bool { p := it.peek(); return p != nil && p.IsInsert() }
func (it *iterator) isNextDelete() bool { p := it.peek(); return p != nil && p.IsDelete() }

// peekLen：当前操作剩余长度；没有操作时返回 MaxInt，等价于无限长的 retain
func (it *iterator) peekLen() int {
	p := it.peek()
	if p == nil {
		return math.MaxInt
	}
	return p.Len() - it.offset
}

// next 取出至多 n 个字符的操作；迭代结束时返回 retain(n)
func (it *iterator) next(n int) Op {
	p := it.peek()
	if p == nil {
		return Retain(n, nil)
	}
	remain := p.Len() - it.offset
	if n >= remain {
		op := p.slice(it.offset, remain)
		it.index++
		it.offset = 0
		return op
	}
	op := p.slice(it.offset, n)
	it.offset += n
	return op
}

// nextOp 取出当前操作剩下的全部
func (it *iterator) nextOp() Op { return it.next(it.peekLen()) }

// restIsRetain：剩下的操作（包括当前操作没取完的部分）都是 retain
func (it *iterator) restIsRetain() bool {
	for _, op := range it.ops[it.index:] {
		if !op.IsRetain() {
			return false
		}
	}
	return true
}
