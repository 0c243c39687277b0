package delta

import (
	"fmt"
	"unicode/utf8"
)

type Kind string

const (
	KindRetain Kind = "retain"
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

type Op struct {
	Kind  Kind       // "retain" / "insert" / "delete"
	Count int        // retain/delete 的长度（按 rune 计）
	Text  string     // insert 的文本
	Attrs Attributes // 样式属性；delete 没有属性
}

func Retain(n int, attrs Attributes) Op { return Op{Kind: KindRetain, Count: n, Attrs: attrs} }
func Insert(s string, attrs Attributes) Op {
	return Op{Kind: KindInsert, Text: s, Attrs: attrs}
}
func Delete(n int) Op { return Op{Kind: KindDelete, Count: n} }

// Len 返回操作覆盖的长度，insert 按 rune 计数
func (o Op) Len() int {
	if o.Kind == KindInsert {
		return utf8.RuneCountInString(o.Text)
	}
	return o.Count
}

func (o Op) IsInsert() bool { return o.Kind == KindInsert }
func (o Op) IsRetain() bool { return o.Kind == KindRetain }
func (o Op) IsDelete() bool { return o.Kind == KindDelete }

// IsPlain：没有属性的 retain/insert
func (o Op) IsPlain() bool { return len(o.Attrs) == 0 }

func (o Op) Equal(p Op) bool {
	return o.Kind == p.Kind && o.Count == p.Count && o.Text == p.Text && o.Attrs.Equal(p.Attrs)
}

// slice 截取 [start, start+n) 这一段；调用方保证范围合法
func (o Op) slice(start, n int) Op {
	switch o.Kind {
	case KindInsert:
		r := []rune(o.Text)
		return Op{Kind: KindInsert, Text: string(r[start : start+n]), Attrs: o.Attrs}
	default:
		return Op{Kind: o.Kind, Count: n, Attrs: o.Attrs}
	}
}

func (o Op) String() string {
	switch o.Kind {
	case KindInsert:
		if len(o.Attrs) > 0 {
			return fmt.Sprintf("insert(%q, %v)", o.Text, o.Attrs)
		}
		return fmt.Sprintf("insert(%q)", o.Text)
	case KindRetain:
		if len(o.Attrs) > 0 {
			return fmt.Sprintf("retain(%d, %v)", o.Count, o.Attrs)
		}
		return fmt.Sprintf("retain(%d)", o.Count)
	default:
		return fmt.Sprintf("delete(%d)", o.Count)
	}
}
