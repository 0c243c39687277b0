package revision

import (
	"fmt"
	"time"

	"docsync/backend/internal/wire"
)

// 可选字段标志位
const (
	hasChecksum  byte = 1 << 0
	hasAuthor    byte = 1 << 1
	hasCreatedAt byte = 1 << 2
)

// MarshalBinary 格式：
//
//	object_id(u16+bytes) | flags(u8) | base_rev_id(i64) | rev_id(i64) | payload(u32+bytes)
//	[checksum(u32+bytes)] [author(u64)] [created_at(i64 unix nano)]
func (r Revision) MarshalBinary() ([]byte, error) {
	w := wire.NewWriter(64 + len(r.ObjectID) + len(r.Payload))
	if err := w.PutShortString(r.ObjectID); err != nil {
		return nil, fmt.Errorf("object id: %w", err)
	}
	var flags byte
	if r.Checksum != "" {
		flags |= hasChecksum
	}
	if r.Author != 0 {
		flags |= hasAuthor
	}
	if !r.CreatedAt.IsZero() {
		flags |= hasCreatedAt
	}
	w.PutU8(flags)
	w.PutI64(r.BaseRevID)
	w.PutI64(r.RevID)
	w.PutBytes(r.Payload)
	if flags&hasChecksum != 0 {
		w.PutString(r.Checksum)
	}
	if flags&hasAuthor != 0 {
		w.PutU64(r.Author)
	}
	if flags&hasCreatedAt != 0 {
		w.PutI64(r.CreatedAt.UnixNano())
	}
	return w.Bytes(), nil
}

func (r *Revision) UnmarshalBinary(b []byte) error {
	rd := wire.NewReader(b)
	out := Revision{}
	out.ObjectID = rd.ShortStr()
	flags := rd.U8()
	out.BaseRevID = rd.I64()
	out.RevID = rd.I64()
	out.Payload = rd.Bytes()
	if flags&hasChecksum != 0 {
		out.Checksum = rd.Str()
	}
	if flags&hasAuthor != 0 {
		out.Author = rd.U64()
	}
	if flags&hasCreatedAt != 0 {
		out.CreatedAt = time.Unix(0, rd.I64()).UTC()
	}
	if err := rd.Err(); err != nil {
		return fmt.Errorf("decode revision: %v: %w", err, ErrInvalidRevision)
	}
	if rd.Remaining() != 0 {
		return fmt.Errorf("decode revision: %d trailing bytes: %w", rd.Remaining(), ErrInvalidRevision)
	}
	if err := out.Validate(); err != nil {
		return err
	}
	*r = out
	return nil
}

func (r Range) MarshalBinary() ([]byte, error) {
	w := wire.NewWriter(16)
	w.PutI64(r.Start)
	w.PutI64(r.End)
	return w.Bytes(), nil
}

func (r *Range) UnmarshalBinary(b []byte) error {
	rd := wire.NewReader(b)
	out := Range{Start: rd.I64(), End: rd.I64()}
	if err := rd.Err(); err != nil {
		return fmt.Errorf("decode range: %v: %w", err, ErrInvalidRange)
	}
	if rd.Remaining() != 0 {
		return fmt.Errorf("decode range: %d trailing bytes: %w", rd.Remaining(), ErrInvalidRange)
	}
	if err := out.Validate(); err != nil {
		return err
	}
	*r = out
	return nil
}
