package delta

import "fmt"

// Transform 接收基于同一版本的两个并发 delta，返回 (a', b')，满足
// Compose(a, b') == Compose(b, a')。
//
// 同一位置的并发插入：a 的插入排在前面。
// 同一区间的并发属性修改：冲突的 key 以 a 为准。
func Transform(a, b Delta) (Delta, Delta, error) {
	if a.BaseLen != b.BaseLen {
		return Delta{}, Delta{}, fmt.Errorf("transform: base lengths %d and %d: %w",
			a.BaseLen, b.BaseLen, ErrIncompatibleLength)
	}
	aPrime, bPrime := Delta{}, Delta{}
	ia := newIterator(a)
	ib := newIterator(b)

	var err error
	emit := func(d *Delta, op Op) {
		if err == nil {
			err = d.add(op)
		}
	}
	for (ia.hasNext() || ib.hasNext()) && err == nil {
		if ia.isNextInsert() {
			op := ia.nextOp()
			emit(&aPrime, op)
			emit(&bPrime, Retain(op.Len(), nil))
			continue
		}
		if ib.isNextInsert() {
			op := ib.nextOp()
			emit(&aPrime, Retain(op.Len(), nil))
			emit(&bPrime, op)
			continue
		}
		if !ia.hasNext() || !ib.hasNext() {
			return Delta{}, Delta{}, fmt.Errorf("transform: ops ran out early: %w", ErrIncompatibleLength)
		}

		n := min(ia.peekLen(), ib.peekLen())
		opA := ia.next(n)
		opB := ib.next(n)

		switch {
		case opA.IsRetain() && opB.IsRetain():
			emit(&aPrime, Retain(n, opA.Attrs))
			emit(&bPrime, Retain(n, transformAttributes(opA.Attrs, opB.Attrs)))
		case opA.IsDelete() && opB.IsDelete():
			// 两边都删了，谁都不用再删
		case opA.IsDelete() && opB.IsRetain():
			emit(&aPrime, Delete(n))
		case opA.IsRetain() && opB.IsDelete():
			emit(&bPrime, Delete(n))
		}
	}
	if err != nil {
		return Delta{}, Delta{}, fmt.Errorf("transform: %w", err)
	}
	return aPrime, bPrime, nil
}
