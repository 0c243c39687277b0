package delta

import (
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestJSON_Encode(t *testing.T) {
	d := New().
		Insert("Hi", Attributes{"bold": Set("true")}).
		Retain(3, Attributes{"color": Clear}).
		Delete(2).
		Build()
	b, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	want := `[{"insert":"Hi","attributes":{"bold":"true"}},{"retain":3,"attributes":{"color":null}},{"delete":2}]`
	if string(b) != want {
		t.Fatalf("Marshal() = %s, want %s", b, want)
	}
}

func TestJSON_DecodeNormalizes(t *testing.T) {
	in := `[{"retain":2},{"retain":3},{"insert":""},{"delete":1},{"insert":"x","attributes":{"bold":true,"size":12}}]`
	d, err := FromJSON([]byte(in))
	if err != nil {
		t.Fatalf("FromJSON() error = %v", err)
	}
	want := []Op{
		Retain(5, nil),
		Insert("x", Attributes{"bold": Set("true"), "size": Set("12")}),
		Delete(1),
	}
	if diff := cmp.Diff(want, d.Ops); diff != "" {
		t.Fatalf("Ops mismatch (-want +got):\n%s", diff)
	}
	if d.BaseLen != 6 || d.TargetLen != 6 {
		t.Fatalf("BaseLen/TargetLen = %d/%d, want 6/6", d.BaseLen, d.TargetLen)
	}
}

func TestJSON_DecodeRejectsMalformed(t *testing.T) {
	bad := []string{
		`[{"retain":1,"delete":1}]`,
		`[{}]`,
		`[{"retain":-3}]`,
		`{"ops":[]}`,
	}
	for _, in := range bad {
		if _, err := FromJSON([]byte(in)); err == nil {
			t.Fatalf("FromJSON(%s) error = nil, want error", in)
		}
	}
}

func TestJSON_RoundTripRandom(t *testing.T) {
	r := rand.New(rand.NewSource(4))
	for i := 0; i < 200; i++ {
		d := randomDelta(r, r.Intn(20))
		b, err := json.Marshal(d)
		if err != nil {
			t.Fatalf("#%d Marshal() error = %v", i, err)
		}
		got, err := FromJSON(b)
		if err != nil {
			t.Fatalf("#%d FromJSON(%s) error = %v", i, b, err)
		}
		if !got.Equal(d) {
			t.Fatalf("#%d round trip = %v, want %v", i, got, d)
		}
	}
}

func TestBinary_RoundTripRandom(t *testing.T) {
	r := rand.New(rand.NewSource(5))
	for i := 0; i < 200; i++ {
		d := randomDelta(r, r.Intn(20))
		b, err := d.MarshalBinary()
		if err != nil {
			t.Fatalf("#%d MarshalBinary() error = %v", i, err)
		}
		var got Delta
		if err := got.UnmarshalBinary(b); err != nil {
			t.Fatalf("#%d UnmarshalBinary() error = %v", i, err)
		}
		if !got.Equal(d) {
			t.Fatalf("#%d round trip = %v, want %v", i, got, d)
		}
	}
}

func TestBinary_Malformed(t *testing.T) {
	d := New().Insert("hello", Attributes{"bold": Set("true")}).Retain(2, nil).Build()
	b, err := d.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary() error = %v", err)
	}
	for cut := 0; cut < len(b); cut++ {
		var got Delta
		if err := got.UnmarshalBinary(b[:cut]); !errors.Is(err, ErrMalformedDelta) {
			t.Fatalf("UnmarshalBinary(b[:%d]) error = %v, want ErrMalformedDelta", cut, err)
		}
	}
	var got Delta
	if err := got.UnmarshalBinary(append(b, 0)); !errors.Is(err, ErrMalformedDelta) {
		t.Fatalf("trailing byte: error = %v, want ErrMalformedDelta", err)
	}
	if err := got.UnmarshalBinary([]byte{1, 9}); !errors.Is(err, ErrMalformedDelta) {
		t.Fatalf("bad kind: error = %v, want ErrMalformedDelta", err)
	}
}

func TestJSON_DecodeRejectsOversizedCounts(t *testing.T) {
	for name, in := range map[string]string{
		"wrapping":  `[{"retain":9223372036854775807},{"delete":9223372036854775807},{"retain":3}]`,
		"single":    `[{"delete":2147483648}]`,
		"sum":       `[{"retain":2147483647},{"delete":1}]`,
		"insert+re": `[{"insert":"x"},{"retain":2147483647}]`,
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := FromJSON([]byte(in)); !errors.Is(err, ErrMalformedDelta) {
				t.Fatalf("FromJSON(%s) error = %v, want ErrMalformedDelta", in, err)
			}
		})
	}
}

func TestBinary_RejectsOversizedCounts(t *testing.T) {
	for name, ops := range map[string][]Op{
		"wrapping": {Retain(math.MaxInt, nil), Delete(math.MaxInt), Retain(3, nil)},
		"single":   {Delete(MaxLen + 1)},
		"sum":      {Retain(MaxLen, nil), Delete(1)},
	} {
		t.Run(name, func(t *testing.T) {
			// MarshalBinary 不校验长度，用来构造恶意负载
			b, err := Delta{Ops: ops}.MarshalBinary()
			if err != nil {
				t.Fatalf("MarshalBinary() error = %v", err)
			}
			var got Delta
			if err := got.UnmarshalBinary(b); !errors.Is(err, ErrMalformedDelta) {
				t.Fatalf("UnmarshalBinary() error = %v (delta %s), want ErrMalformedDelta", err, got)
			}
		})
	}
}
