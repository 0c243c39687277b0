// Package protocol 定义客户端与协作服务之间的二进制帧。
//
//	document_id(u16+bytes) | message_type(u8) | payload(u32+bytes)
package protocol

import (
	"errors"
	"fmt"

	"docsync/backend/internal/revision"
	"docsync/backend/internal/wire"
)

type MessageType uint8

const (
	Acked    MessageType = 0
	PushRev  MessageType = 1
	PullRev  MessageType = 2
	Conflict MessageType = 3
)

func (t MessageType) String() string {
	switch t {
	case Acked:
		return "Acked"
	case PushRev:
		return "PushRev"
	case PullRev:
		return "PullRev"
	case Conflict:
		return "Conflict"
	}
	return fmt.Sprintf("MessageType(%d)", uint8(t))
}

func (t MessageType) Valid() bool { return t <= Conflict }

var ErrMalformedFrame = errors.New("MALFORMED_FRAME")

// MaxPayload 单帧 payload 上限
const MaxPayload = 8 << 20

type Frame struct {
	DocumentID string
	Type       MessageType
	Payload    []byte
}

func (f Frame) MarshalBinary() ([]byte, error) {
	if len(f.Payload) > MaxPayload {
		return nil, fmt.Errorf("payload %d bytes: %w", len(f.Payload), ErrMalformedFrame)
	}
	w := wire.NewWriter(8 + len(f.DocumentID) + len(f.Payload))
	if err := w.PutShortString(f.DocumentID); err != nil {
		return nil, fmt.Errorf("document id: %v: %w", err, ErrMalformedFrame)
	}
	w.PutU8(uint8(f.Type))
	w.PutBytes(f.Payload)
	return w.Bytes(), nil
}

func (f *Frame) UnmarshalBinary(b []byte) error {
	r := wire.NewReader(b)
	docID := r.ShortStr()
	typ := MessageType(r.U8())
	if n, ok := r.PeekU32(); ok && n > MaxPayload {
		return fmt.Errorf("payload %d bytes exceeds limit: %w", n, ErrMalformedFrame)
	}
	payload := r.Bytes()
	if err := r.Err(); err != nil {
		return fmt.Errorf("%v: %w", err, ErrMalformedFrame)
	}
	if r.Remaining() != 0 {
		return fmt.Errorf("%d trailing bytes: %w", r.Remaining(), ErrMalformedFrame)
	}
	if docID == "" {
		return fmt.Errorf("empty document id: %w", ErrMalformedFrame)
	}
	if !typ.Valid() {
		return fmt.Errorf("%v: %w", typ, ErrMalformedFrame)
	}
	*f = Frame{DocumentID: docID, Type: typ, Payload: payload}
	return nil
}

func Decode(b []byte) (Frame, error) {
	var f Frame
	err := f.UnmarshalBinary(b)
	return f, err
}

// ---- 各类型 payload ----

func NewPushRev(rev revision.Revision) (Frame, error) {
	b, err := rev.MarshalBinary()
	if err != nil {
		return Frame{}, err
	}
	return Frame{DocumentID: rev.ObjectID, Type: PushRev, Payload: b}, nil
}

func NewAcked(docID string, revID int64) Frame {
	w := wire.NewWriter(8)
	w.PutI64(revID)
	return Frame{DocumentID: docID, Type: Acked, Payload: w.Bytes()}
}

func NewPullRev(docID string, rng revision.Range) Frame {
	b, _ := rng.MarshalBinary()
	return Frame{DocumentID: docID, Type: PullRev, Payload: b}
}

// ConflictCode：Conflict 帧携带的错误类别
type ConflictCode uint8

const (
	ConflictResyncRequired ConflictCode = 1 // 客户端需要整体重新加载
	ConflictRetry          ConflictCode = 2 // 暂时失败（如锁超时），稍后重试
	ConflictMalformed      ConflictCode = 3 // 无法解析的帧
	ConflictDivergence     ConflictCode = 4 // 客户端报告本地状态与服务端不一致
)

func (c ConflictCode) String() string {
	switch c {
	case ConflictResyncRequired:
		return "RESYNC_REQUIRED"
	case ConflictRetry:
		return "RETRY"
	case ConflictMalformed:
		return "MALFORMED"
	case ConflictDivergence:
		return "DIVERGENCE"
	}
	return fmt.Sprintf("ConflictCode(%d)", uint8(c))
}

type ConflictInfo struct {
	Code   ConflictCode
	RevID  int64 // 服务端当前版本
	Reason string
}

func NewConflict(docID string, info ConflictInfo) Frame {
	w := wire.NewWriter(16 + len(info.Reason))
	w.PutU8(uint8(info.Code))
	w.PutI64(info.RevID)
	w.PutString(info.Reason)
	return Frame{DocumentID: docID, Type: Conflict, Payload: w.Bytes()}
}

func (f Frame) Revision() (revision.Revision, error) {
	if f.Type != PushRev {
		return revision.Revision{}, fmt.Errorf("%v is not PushRev: %w", f.Type, ErrMalformedFrame)
	}
	var rev revision.Revision
	if err := rev.UnmarshalBinary(f.Payload); err != nil {
		return revision.Revision{}, fmt.Errorf("%v: %w", err, ErrMalformedFrame)
	}
	if rev.ObjectID != f.DocumentID {
		return revision.Revision{}, fmt.Errorf("revision for %q in frame for %q: %w", rev.ObjectID, f.DocumentID, ErrMalformedFrame)
	}
	return rev, nil
}

func (f Frame) AckedRevID() (int64, error) {
	if f.Type != Acked {
		return 0, fmt.Errorf("%v is not Acked: %w", f.Type, ErrMalformedFrame)
	}
	r := wire.NewReader(f.Payload)
	id := r.I64()
	if r.Err() != nil || r.Remaining() != 0 {
		return 0, fmt.Errorf("acked payload %d bytes: %w", len(f.Payload), ErrMalformedFrame)
	}
	return id, nil
}

func (f Frame) Range() (revision.Range, error) {
	if f.Type != PullRev {
		return revision.Range{}, fmt.Errorf("%v is not PullRev: %w", f.Type, ErrMalformedFrame)
	}
	var rng revision.Range
	if err := rng.UnmarshalBinary(f.Payload); err != nil {
		return revision.Range{}, fmt.Errorf("%v: %w", err, ErrMalformedFrame)
	}
	return rng, nil
}

func (f Frame) Conflict() (ConflictInfo, error) {
	if f.Type != Conflict {
		return ConflictInfo{}, fmt.Errorf("%v is not Conflict: %w", f.Type, ErrMalformedFrame)
	}
	r := wire.NewReader(f.Payload)
	info := ConflictInfo{Code: ConflictCode(r.U8()), RevID: r.I64(), Reason: r.Str()}
	if r.Err() != nil || r.Remaining() != 0 {
		return ConflictInfo{}, fmt.Errorf("conflict payload: %w", ErrMalformedFrame)
	}
	return info, nil
}
