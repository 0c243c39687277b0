package delta

// Invert 返回撤销 d 的 delta，base 为 d 作用前的文本。
// 满足 Invert(d, s).Apply(d.Apply(s)) == s。
func Invert(d Delta, base string) Delta {
	out := Delta{}
	r := []rune(base)
	pos := 0
	for _, op := range d.Ops {
		switch op.Kind {
		case KindRetain:
			out.Retain(op.Count, nil)
			pos += op.Count
		case KindInsert:
			out.Delete(op.Len())
		case KindDelete:
			end := min(pos+op.Count, len(r))
			out.Insert(string(r[pos:end]), nil)
			pos += op.Count
		}
	}
	return out
}

// InvertAgainst 和 Invert 一样，但 base 是带属性的文档 delta：
// 删除会恢复原来的属性，带属性的 retain 会恢复修改前的属性。
func InvertAgainst(d Delta, base Delta) Delta {
	out := Delta{}
	it := newIterator(base)
	for _, op := range d.Ops {
		switch op.Kind {
		case KindInsert:
			out.Delete(op.Len())
		case KindRetain:
			if op.IsPlain() {
				out.Retain(op.Count, nil)
				skip(it, op.Count)
				continue
			}
			for _, b := range take(it, op.Count) {
				out.Retain(b.Len(), invertAttributes(op.Attrs, b.Attrs))
			}
		case KindDelete:
			for _, b := range take(it, op.Count) {
				out.Insert(b.Text, b.Attrs)
			}
		}
	}
	return out
}

func take(it *iterator, n int) []Op {
	var ops []Op
	for n > 0 && it.hasNext() {
		op := it.next(n)
		n -= op.Len()
		ops = append(ops, op)
	}
	return ops
}

func skip(it *iterator, n int) {
	for n > 0 && it.hasNext() {
		n -= it.next(n).Len()
	}
}
