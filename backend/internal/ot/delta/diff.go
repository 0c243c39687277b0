package delta

import (
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Diff 根据新旧文本生成 delta，用于整段替换内容的接口。结果满足 Diff(a, b).Apply(a) == b
func Diff(oldText, newText string) Delta {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(oldText, newText, false)
	diffs = dmp.DiffCleanupSemantic(diffs)

	out := Delta{}
	for _, df := range diffs {
		switch df.Type {
		case diffmatchpatch.DiffEqual:
			out.Retain(utf8.RuneCountInString(df.Text), nil)
		case diffmatchpatch.DiffInsert:
			out.Insert(df.Text, nil)
		case diffmatchpatch.DiffDelete:
			out.Delete(utf8.RuneCountInString(df.Text))
		}
	}
	return out
}
