package delta

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"docsync/backend/internal/wire"
)

// JSON 格式与 quill delta 一致：
//
//	[{"insert":"Hello","attributes":{"bold":"true"}},{"retain":5},{"delete":2}]
//
// 属性值：字符串表示设置，null 表示清除；bool/数字会被转成字符串。

type jsonOp struct {
	Insert     *string                    `json:"insert,omitempty"`
	Retain     *int                       `json:"retain,omitempty"`
	Delete     *int                       `json:"delete,omitempty"`
	Attributes map[string]json.RawMessage `json:"attributes,omitempty"`
}

func (v AttrValue) MarshalJSON() ([]byte, error) {
	if v.IsClear() {
		return []byte("null"), nil
	}
	return json.Marshal(v.value)
}

func (v *AttrValue) UnmarshalJSON(b []byte) error {
	val, err := decodeAttrValue(b)
	if err != nil {
		return err
	}
	*v = val
	return nil
}

func decodeAttrValue(raw json.RawMessage) (AttrValue, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return Clear, nil
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return Clear, err
		}
		return Set(s), nil
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return Clear, err
		}
		return Set(strconv.FormatBool(b)), nil
	default:
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return Clear, fmt.Errorf("attribute value %s: %w", raw, ErrMalformedDelta)
		}
		return Set(n.String()), nil
	}
}

func (o Op) MarshalJSON() ([]byte, error) {
	j := jsonOp{}
	switch o.Kind {
	case KindInsert:
		text := o.Text
		j.Insert = &text
	case KindRetain:
		n := o.Count
		j.Retain = &n
	case KindDelete:
		n := o.Count
		j.Delete = &n
	default:
		return nil, fmt.Errorf("op kind %q: %w", o.Kind, ErrMalformedDelta)
	}
	if len(o.Attrs) > 0 && o.Kind != KindDelete {
		j.Attributes = make(map[string]json.RawMessage, len(o.Attrs))
		for k, v := range o.Attrs {
			b, err := v.MarshalJSON()
			if err != nil {
				return nil, err
			}
			j.Attributes[k] = b
		}
	}
	return json.Marshal(j)
}

func (o *Op) UnmarshalJSON(b []byte) error {
	var j jsonOp
	if err := json.Unmarshal(b, &j); err != nil {
		return fmt.Errorf("%v: %w", err, ErrMalformedDelta)
	}
	set := 0
	for _, present := range []bool{j.Insert != nil, j.Retain != nil, j.Delete != nil} {
		if present {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("op must have exactly one of insert/retain/delete: %w", ErrMalformedDelta)
	}
	switch {
	case j.Insert != nil:
		*o = Op{Kind: KindInsert, Text: *j.Insert}
	case j.Retain != nil:
		*o = Op{Kind: KindRetain, Count: *j.Retain}
	default:
		*o = Op{Kind: KindDelete, Count: *j.Delete}
	}
	if o.Kind != KindInsert && o.Count < 0 {
		return fmt.Errorf("negative %s count %d: %w", o.Kind, o.Count, ErrMalformedDelta)
	}
	if o.Count > MaxLen {
		return fmt.Errorf("%s count %d exceeds max delta length %d: %w", o.Kind, o.Count, MaxLen, ErrMalformedDelta)
	}
	if len(j.Attributes) > 0 && o.Kind != KindDelete {
		o.Attrs = make(Attributes, len(j.Attributes))
		for k, raw := range j.Attributes {
			v, err := decodeAttrValue(raw)
			if err != nil {
				return err
			}
			o.Attrs[k] = v
		}
	}
	return nil
}

func (d Delta) MarshalJSON() ([]byte, error) {
	if d.Ops == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(d.Ops)
}

// UnmarshalJSON 会重新走一遍 Add，得到规范形式并算出 BaseLen/TargetLen；超过 MaxLen 返回 ErrMalformedDelta
func (d *Delta) UnmarshalJSON(b []byte) error {
	var ops []Op
	if err := json.Unmarshal(b, &ops); err != nil {
		return fmt.Errorf("decode delta: %w", err)
	}
	out := Delta{}
	for _, op := range ops {
		if err := out.add(op); err != nil {
			return err
		}
	}
	*d = out
	return nil
}

// FromJSON 是 UnmarshalJSON 的便捷包装
func FromJSON(b []byte) (Delta, error) {
	var d Delta
	if err := d.UnmarshalJSON(b); err != nil {
		return Delta{}, err
	}
	return d, nil
}

const (
	binRetain uint8 = 0
	binInsert uint8 = 1
	binDelete uint8 = 2

	attrClear uint8 = 0
	attrSet   uint8 = 1
)

// MarshalBinary 紧凑二进制格式：
//
//	uvarint(op 数量) { u8 kind | uvarint count 或 string text | uvarint(attr 数量) { key | u8 flag | value } }
func (d Delta) MarshalBinary() ([]byte, error) {
	w := wire.NewWriter(16 + 8*len(d.Ops))
	w.PutUvarint(uint64(len(d.Ops)))
	for _, op := range d.Ops {
		switch op.Kind {
		case KindRetain:
			w.PutU8(binRetain)
			w.PutUvarint(uint64(op.Count))
		case KindInsert:
			w.PutU8(binInsert)
			w.PutString(op.Text)
		case KindDelete:
			w.PutU8(binDelete)
			w.PutUvarint(uint64(op.Count))
			continue
		default:
			return nil, fmt.Errorf("op kind %q: %w", op.Kind, ErrMalformedDelta)
		}
		w.PutUvarint(uint64(len(op.Attrs)))
		for _, k := range op.Attrs.Keys() {
			v := op.Attrs[k]
			w.PutString(k)
			if v.IsClear() {
				w.PutU8(attrClear)
				continue
			}
			w.PutU8(attrSet)
			w.PutString(v.value)
		}
	}
	return w.Bytes(), nil
}

func (d *Delta) UnmarshalBinary(b []byte) error {
	r := wire.NewReader(b)
	n := r.Uvarint()
	if r.Err() == nil && n > uint64(r.Remaining()) {
		return fmt.Errorf("op count %d exceeds payload: %w", n, ErrMalformedDelta)
	}
	out := Delta{}
	for i := uint64(0); i < n && r.Err() == nil; i++ {
		var op Op
		switch kind := r.U8(); kind {
		case binRetain:
			cnt, err := boundedCount(r.Uvarint())
			if err != nil {
				return err
			}
			op = Op{Kind: KindRetain, Count: cnt}
		case binInsert:
			op = Op{Kind: KindInsert, Text: r.Str()}
		case binDelete:
			cnt, err := boundedCount(r.Uvarint())
			if err != nil {
				return err
			}
			if err := out.add(Delete(cnt)); err != nil {
				return err
			}
			continue
		default:
			if r.Err() != nil {
				break
			}
			return fmt.Errorf("op kind byte %d: %w", kind, ErrMalformedDelta)
		}
		attrs := r.Uvarint()
		if attrs > 0 && r.Err() == nil {
			if attrs > uint64(r.Remaining()) {
				return fmt.Errorf("attribute count %d exceeds payload: %w", attrs, ErrMalformedDelta)
			}
			op.Attrs = make(Attributes, attrs)
			for j := uint64(0); j < attrs && r.Err() == nil; j++ {
				k := r.Str()
				if r.U8() == attrSet {
					op.Attrs[k] = Set(r.Str())
				} else {
					op.Attrs[k] = Clear
				}
			}
		}
		if r.Err() != nil {
			break
		}
		if err := out.add(op); err != nil {
			return err
		}
	}
	if err := r.Err(); err != nil {
		return fmt.Errorf("decode delta: %v: %w", err, ErrMalformedDelta)
	}
	if r.Remaining() != 0 {
		return fmt.Errorf("%d trailing bytes: %w", r.Remaining(), ErrMalformedDelta)
	}
	*d = out
	return nil
}

// boundedCount 在转成 int 之前检查，uint64 -> int 不能回绕成负数或小数
func boundedCount(v uint64) (int, error) {
	if v > MaxLen {
		return 0, fmt.Errorf("op count %d exceeds max delta length %d: %w", v, MaxLen, ErrMalformedDelta)
	}
	return int(v), nil
}
