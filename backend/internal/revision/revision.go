package revision

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidRevision = errors.New("INVALID_REVISION")
	ErrInvalidRange    = errors.New("INVALID_RANGE")
	ErrAckOutOfOrder   = errors.New("ACK_OUT_OF_ORDER")
	ErrWrongObject     = errors.New("WRONG_OBJECT")
	ErrQueueClosed     = errors.New("QUEUE_CLOSED")
)

// Revision：服务端接受并排好序的一次修改，分配 RevID 之后不可再变
type Revision struct {
	ObjectID  string    `json:"objectId"`
	BaseRevID int64     `json:"baseRevId"` // 组合时所基于的版本
	RevID     int64     `json:"revId"`     // 同一 ObjectID 内严格递增、无间隔
	Payload   []byte    `json:"payload"`   // delta 的二进制编码
	Checksum  string    `json:"checksum"`  // 应用之后文档状态的 md5
	Author    uint64    `json:"author,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

func (r Revision) Validate() error {
	if r.ObjectID == "" {
		return fmt.Errorf("empty object id: %w", ErrInvalidRevision)
	}
	if r.RevID < 0 || r.BaseRevID < 0 || r.BaseRevID > r.RevID {
		return fmt.Errorf("base %d, rev %d: %w", r.BaseRevID, r.RevID, ErrInvalidRevision)
	}
	return nil
}

// Checksum：十六进制 md5，客户端用同样的算法校验是否发散
func Checksum(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}
