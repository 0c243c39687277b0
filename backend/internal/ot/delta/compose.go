package delta

import (
	"fmt"
	"math"
)

// Compose 返回等价于“先 base 再 change”的单个 delta。
// change 的 insert 优先输出，base 的 delete 优先输出；其余按两边较短的长度切开逐段合并。
func Compose(base, change Delta) (Delta, error) {
	if base.TargetLen != change.BaseLen {
		return Delta{}, fmt.Errorf("compose: base target length %d, change base length %d: %w",
			base.TargetLen, change.BaseLen, ErrIncompatibleLength)
	}
	out := Delta{}
	a := newIterator(base)
	b := newIterator(change)

loop:
	for a.hasNext() || b.hasNext() {
		var op Op
		switch {
		case b.isNextInsert():
			op = b.nextOp()
		case a.isNextDelete():
			op = a.nextOp()
		default:
			n := min(a.peekLen(), b.peekLen())
			if n == math.MaxInt {
				break loop
			}
			op = composeSlice(n, a.next(n), b.next(n))
		}
		if err := out.add(op); err != nil {
			return Delta{}, fmt.Errorf("compose: %w", err)
		}
	}
	// 长度一致时两边都应当走完；剩下 insert/delete 说明长度字段和操作对不上
	if !a.restIsRetain() || !b.restIsRetain() {
		return Delta{}, fmt.Errorf("compose: unconsumed operations after %s: %w", out, ErrIncompatibleLength)
	}
	return out, nil
}

// composeSlice 合并两段等长的操作；insert 后又被 delete 时返回零值 Op，Add 会忽略它
func composeSlice(n int, op, other Op) Op {
	switch {
	case op.IsRetain() && other.IsRetain():
		return Retain(n, composeAttributes(op.Attrs, other.Attrs, true))
	case op.IsInsert() && other.IsRetain():
		return Insert(op.Text, composeAttributes(op.Attrs, other.Attrs, false))
	case op.IsRetain() && other.IsDelete():
		return other
	}
	return Op{}
}

// ComposeAll 依次合并；空列表返回 Delta{}
func ComposeAll(deltas ...Delta) (Delta, error) {
	if len(deltas) == 0 {
		return Delta{}, nil
	}
	acc := deltas[0]
	for i, d := range deltas[1:] {
		var err error
		acc, err = Compose(acc, d)
		if err != nil {
			return Delta{}, fmt.Errorf("compose #%d: %w", i+1, err)
		}
	}
	return acc, nil
}
