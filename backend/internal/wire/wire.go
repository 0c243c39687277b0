// Package wire 提供二进制编码用的读写缓冲：大端序，变长字段前加长度前缀。
// delta、revision、protocol 三个包的二进制格式都建立在它之上。
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	ErrShortBuffer = errors.New("wire: short buffer")
	ErrTooLong     = errors.New("wire: field too long")
)

type Writer struct {
	buf []byte
}

func NewWriter(sizeHint int) *Writer { return &Writer{buf: make([]byte, 0, sizeHint)} }

func (w *Writer) Bytes() []byte { return w.buf }

func (w *Writer) PutU8(v uint8) { w.buf = append(w.buf, v) }

func (w *Writer) PutU16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }

func (w *Writer) PutU32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }

func (w *Writer) PutU64(v uint64) { w.buf = binary.BigEndian.AppendUint64(w.buf, v) }

func (w *Writer) PutI64(v int64) { w.PutU64(uint64(v)) }

func (w *Writer) PutUvarint(v uint64) { w.buf = binary.AppendUvarint(w.buf, v) }

// PutBytes：u32 长度 + 数据
func (w *Writer) PutBytes(b []byte) {
	w.PutU32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *Writer) PutString(s string) {
	w.PutU32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

// PutShortString：u16 长度 + 数据，用于 document id 这类短字段
func (w *Writer) PutShortString(s string) error {
	if len(s) > math.MaxUint16 {
		return fmt.Errorf("%d bytes: %w", len(s), ErrTooLong)
	}
	w.PutU16(uint16(len(s)))
	w.buf = append(w.buf, s...)
	return nil
}

// Reader 读取出错后保持第一个错误，后续读取都返回零值；最后统一检查 Err()
type Reader struct {
	buf []byte
	pos int
	err error
}

func NewReader(b []byte) *Reader { return &Reader{buf: b} }

func (r *Reader) Err() error { return r.err }

func (r *Reader) Remaining() int { return len(r.buf) - r.pos }

func (r *Reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if n < 0 || r.Remaining() < n {
		r.err = fmt.Errorf("need %d bytes at offset %d, have %d: %w", n, r.pos, r.Remaining(), ErrShortBuffer)
		return false
	}
	return true
}

func (r *Reader) U8() uint8 {
	if !r.need(1) {
		return 0
	}
	v := r.buf[r.pos]
	r.pos++
	return v
}

func (r *Reader) U16() uint16 {
	if !r.need(2) {
		return 0
	}
	v := binary.BigEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v
}

func (r *Reader) U32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v
}

// PeekU32 读取下一个 u32 但不前进，用来在分配内存前检查长度前缀
func (r *Reader) PeekU32() (uint32, bool) {
	if r.err != nil || r.Remaining() < 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(r.buf[r.pos:]), true
}

func (r *Reader) U64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.BigEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v
}

func (r *Reader) I64() int64 { return int64(r.U64()) }

func (r *Reader) Uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.buf[r.pos:])
	if n <= 0 {
		r.err = fmt.Errorf("bad uvarint at offset %d: %w", r.pos, ErrShortBuffer)
		return 0
	}
	r.pos += n
	return v
}

func (r *Reader) Bytes() []byte {
	n := int(r.U32())
	if !r.need(n) {
		return nil
	}
	out := make([]byte, n)
	copy(out, r.buf[r.pos:r.pos+n])
	r.pos += n
	return out
}

func (r *Reader) Str() string {
	n := int(r.U32())
	if !r.need(n) {
		return ""
	}
	s := string(r.buf[r.pos : r.pos+n])
	r.pos += n
	return s
}

func (r *Reader) ShortStr() string {
	n := int(r.U16())
	if !r.need(n) {
		return ""
	}
	s := string(r.buf[r.pos : r.pos+n])
	r.pos += n
	return s
}
