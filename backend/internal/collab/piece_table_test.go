package collab

import (
	"errors"
	"testing"

	"docsync/backend/internal/ot/delta"
)

func TestPieceTable_BasicString(t *testing.T) {
	pt := NewPieceTable("Hello world")
	if got := pt.String(); got != "Hello world" {
		t.Fatalf("String() = %q, want %q", got, "Hello world")
	}
	if gotLen := pt.Len(); gotLen != len([]rune("Hello world")) {
		t.Fatalf("Len() = %d, want %d", gotLen, len([]rune("Hello world")))
	}
}

func TestPieceTable_InsertMiddle(t *testing.T) {
	pt := NewPieceTable("Hello world")

	d := delta.New().Retain(5, nil).Insert(" collaborative", nil).Retain(6, nil).Build()
	if err := pt.Apply(d); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	want := "Hello collaborative world"
	if got := pt.String(); got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestPieceTable_DeleteMiddle(t *testing.T) {
	pt := NewPieceTable("Hello collaborative world")

	// 保留 "Hello"，然后删 " collaborative"
	d := delta.New().Retain(5, nil).Delete(14).Retain(6, nil).Build()
	if err := pt.Apply(d); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	want := "Hello world"
	if got := pt.String(); got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestPieceTable_DeleteAcrossPieces(t *testing.T) {
	pt := NewPieceTable("abcdef")
	steps := []delta.Delta{
		delta.New().Retain(3, nil).Insert("XYZ", nil).Retain(3, nil).Build(), // abcXYZdef
		delta.New().Retain(2, nil).Delete(5).Retain(2, nil).Build(),          // ab + ef
		delta.New().Insert("日本", nil).Retain(4, nil).Build(),                 // 日本abef
	}
	want := []string{"abcXYZdef", "abef", "日本abef"}
	for i, d := range steps {
		if err := pt.Apply(d); err != nil {
			t.Fatalf("step %d: Apply() error = %v", i, err)
		}
		if got := pt.String(); got != want[i] {
			t.Fatalf("step %d: String() = %q, want %q", i, got, want[i])
		}
		if pt.Len() != len([]rune(want[i])) {
			t.Fatalf("step %d: Len() = %d", i, pt.Len())
		}
	}
}

func TestPieceTable_MatchesDeltaApply(t *testing.T) {
	doc := "the quick brown fox"
	pt := NewPieceTable(doc)
	d := delta.New().Delete(4).Retain(6, nil).Insert("red ", nil).Delete(6).Retain(3, nil).Insert("!", nil).Build()
	want, err := d.Apply(doc)
	if err != nil {
		t.Fatalf("delta.Apply() error = %v", err)
	}
	if err := pt.Apply(d); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if got := pt.String(); got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestPieceTable_RejectsWrongBase(t *testing.T) {
	pt := NewPieceTable("abc")
	err := pt.Apply(delta.New().Retain(5, nil).Build())
	if !errors.Is(err, delta.ErrIncompatibleLength) {
		t.Fatalf("Apply() error = %v, want ErrIncompatibleLength", err)
	}
	if pt.String() != "abc" {
		t.Fatalf("content changed on rejected delta: %q", pt.String())
	}
}
