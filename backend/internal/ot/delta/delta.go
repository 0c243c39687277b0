package delta

import (
	"fmt"
	"math"
	"slices"
	"strings"
)

// MaxLen 是单个 delta 的 BaseLen/TargetLen 上限（rune）。解码时超出即 ErrMalformedDelta。
const MaxLen = math.MaxInt32

// Delta：一组按顺序作用在文档上的操作。
// BaseLen 为作用前文档长度，TargetLen 为作用后文档长度（都按 rune 计）。
// 只能通过 Retain/Insert/Delete/Add 构造：相邻同类且属性相同的操作会合并，长度为 0 的操作被丢弃，
// 紧跟在 delete 后面的 insert 会被挪到 delete 前面，保证同一语义只有一种表示。
//
//	"ops":[{"retain":5},{"insert":"Hello"}]
type Delta struct {
	Ops       []Op
	BaseLen   int
	TargetLen int
}

func New() *Delta { return &Delta{} }

// FromOps 依次 Add，得到规范形式
func FromOps(ops ...Op) Delta {
	d := Delta{}
	for _, op := range ops {
		d.Add(op)
	}
	return d
}

func (d *Delta) Retain(n int, attrs Attributes) *Delta {
	d.Add(Retain(n, attrs))
	return d
}

func (d *Delta) Insert(s string, attrs Attributes) *Delta {
	d.Add(Insert(s, attrs))
	return d
}

func (d *Delta) Delete(n int) *Delta {
	d.Add(Delete(n))
	return d
}

// Build 返回独立的拷贝，之后继续往 builder 里加操作不会影响已经 Build 出来的值：
// New().Retain(5, nil).Insert("x", nil).Build()
func (d *Delta) Build() Delta {
	return Delta{Ops: slices.Clone(d.Ops), BaseLen: d.BaseLen, TargetLen: d.TargetLen}
}

// Add 追加一个操作并保持规范形式。BaseLen/TargetLen 超过 MaxLen 时 panic；
// 来自网络的操作应当走 UnmarshalJSON/UnmarshalBinary，它们会返回 ErrMalformedDelta。
func (d *Delta) Add(op Op) {
	if err := d.add(op); err != nil {
		panic(err)
	}
}

func (d *Delta) add(op Op) error {
	n := op.Len()
	if n <= 0 {
		return nil
	}
	if err := d.checkGrow(op.Kind, n); err != nil {
		return err
	}
	d.grow(op)
	return nil
}

// checkGrow 先用减法比较，避免 BaseLen+n 本身溢出
func (d *Delta) checkGrow(kind Kind, n int) error {
	base, target := kind != KindInsert, kind != KindDelete
	if n > MaxLen || (base && n > MaxLen-d.BaseLen) || (target && n > MaxLen-d.TargetLen) {
		return fmt.Errorf("%s(%d) exceeds max delta length %d (base %d, target %d): %w",
			kind, n, MaxLen, d.BaseLen, d.TargetLen, ErrMalformedDelta)
	}
	return nil
}

func (d *Delta) grow(op Op) {
	n := op.Len()
	switch op.Kind {
	case KindDelete:
		d.BaseLen += n
		if last := d.last(); last != nil && last.IsDelete() {
			last.Count += n
			return
		}
		d.Ops = append(d.Ops, Delete(n))

	case KindInsert:
		d.TargetLen += n
		// 新插入的文本没有旧属性可清除
		op.Attrs = composeAttributes(nil, op.Attrs, false)
		last := d.last()
		if last != nil && last.IsInsert() && last.Attrs.Equal(op.Attrs) {
			last.Text += op.Text
			return
		}
		if last != nil && last.IsDelete() {
			// insert 放到 delete 之前
			idx := len(d.Ops) - 1
			if idx > 0 {
				prev := &d.Ops[idx-1]
				if prev.IsInsert() && prev.Attrs.Equal(op.Attrs) {
					prev.Text += op.Text
					return
				}
			}
			d.Ops = append(d.Ops, Op{})
			copy(d.Ops[idx+1:], d.Ops[idx:])
			d.Ops[idx] = op
			return
		}
		d.Ops = append(d.Ops, op)

	case KindRetain:
		d.BaseLen += n
		d.TargetLen += n
		op.Attrs = op.Attrs.Clone()
		if last := d.last(); last != nil && last.IsRetain() && last.Attrs.Equal(op.Attrs) {
			last.Count += n
			return
		}
		d.Ops = append(d.Ops, op)
	}
}

func (d *Delta) last() *Op {
	if len(d.Ops) == 0 {
		return nil
	}
	return &d.Ops[len(d.Ops)-1]
}

// Extend 把 other 的操作逐个 Add 进来
func (d *Delta) Extend(other Delta) {
	for _, op := range other.Ops {
		d.Add(op)
	}
}

// IsNoop：不包含 insert/delete 且没有属性修改
func (d Delta) IsNoop() bool {
	switch len(d.Ops) {
	case 0:
		return true
	case 1:
		return d.Ops[0].IsRetain() && d.Ops[0].IsPlain()
	}
	return false
}

func (d Delta) IsEmpty() bool { return len(d.Ops) == 0 }

func (d Delta) Equal(o Delta) bool {
	if d.BaseLen != o.BaseLen || d.TargetLen != o.TargetLen || len(d.Ops) != len(o.Ops) {
		return false
	}
	for i := range d.Ops {
		if !d.Ops[i].Equal(o.Ops[i]) {
			return false
		}
	}
	return true
}

// Apply 把 delta 作用到 s 上
func (d Delta) Apply(s string) (string, error) {
	r := []rune(s)
	if len(r) != d.BaseLen {
		return "", fmt.Errorf("apply: base length %d, text length %d: %w", d.BaseLen, len(r), ErrIncompatibleLength)
	}
	var sb strings.Builder
	pos := 0
	for _, op := range d.Ops {
		switch op.Kind {
		case KindRetain:
			sb.WriteString(string(r[pos : pos+op.Count]))
			pos += op.Count
		case KindInsert:
			sb.WriteString(op.Text)
		case KindDelete:
			pos += op.Count
		}
	}
	return sb.String(), nil
}

// Content：对“文档 delta”（只含 insert）求文本
func (d Delta) Content() (string, error) { return d.Apply("") }

// Trim 去掉末尾没有属性的 retain
func (d *Delta) Trim() {
	if last := d.last(); last != nil && last.IsRetain() && last.IsPlain() {
		d.BaseLen -= last.Count
		d.TargetLen -= last.Count
		d.Ops = d.Ops[:len(d.Ops)-1]
	}
}

func (d Delta) String() string {
	parts := make([]string, 0, len(d.Ops))
	for _, op := range d.Ops {
		parts = append(parts, op.String())
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
