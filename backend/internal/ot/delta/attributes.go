package delta

import "sort"

// AttrValue 是属性值的和类型：要么设置为某个字符串，要么清除（Clear）。
// 键不存在表示“对该属性没有意见”。
type AttrValue struct {
	value string
	set   bool
}

// Set 返回设置为 v 的属性值
func Set(v string) AttrValue { return AttrValue{value: v, set: true} }

// Clear 是删除属性的哨兵值
var Clear = AttrValue{}

func (v AttrValue) IsClear() bool { return !v.set }

// Value 返回设置的值；Clear 时 ok=false
func (v AttrValue) Value() (string, bool) { return v.value, v.set }

func (v AttrValue) String() string {
	if !v.set {
		return "<clear>"
	}
	return v.value
}

// Attributes：样式属性（粗体/颜色等），key -> AttrValue
type Attributes map[string]AttrValue

func (a Attributes) Clone() Attributes {
	if len(a) == 0 {
		return nil
	}
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

func (a Attributes) Equal(b Attributes) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if w, ok := b[k]; !ok || w != v {
			return false
		}
	}
	return true
}

// Keys 按字典序返回，编码时保证输出稳定
func (a Attributes) Keys() []string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// composeAttributes：b 覆盖 a。keepClear=false 时去掉 Clear（用于 insert，插入的文本没有“旧属性”可清除）
func composeAttributes(a, b Attributes, keepClear bool) Attributes {
	out := make(Attributes, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	if !keepClear {
		for k, v := range out {
			if v.IsClear() {
				delete(out, k)
			}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// transformAttributes 返回 b 在 a 之后应当保留的属性：冲突的 key 以 a 为准。
func transformAttributes(a, b Attributes) Attributes {
	if len(b) == 0 {
		return nil
	}
	out := make(Attributes, len(b))
	for k, v := range b {
		if _, ok := a[k]; !ok {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// invertAttributes：撤销 change 对 base 属性的修改
func invertAttributes(change, base Attributes) Attributes {
	out := Attributes{}
	for k, v := range base {
		if w, ok := change[k]; ok && w != v {
			out[k] = v
		}
	}
	for k, v := range change {
		if _, ok := base[k]; !ok && !v.IsClear() {
			out[k] = Clear
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
