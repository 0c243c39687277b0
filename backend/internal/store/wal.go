package store

import (
	"context"
	"fmt"
	"strconv"

	redis "github.com/redis/go-redis/v9"

	"docsync/backend/internal/revision"
)

// RedisWAL：修订入队时同步写入 Redis 的预写日志。
// ZSet<binary revision>，score=rev_id；刷盘成功后按 score 裁剪。
// 会话加载时把比数据库更新的条目重新放回队列。
type RedisWAL struct {
	rdb redis.UniversalClient
}

const keyWALFmt = "wal:revisions:{docID:%s}"

func walKey(docID string) string { return fmt.Sprintf(keyWALFmt, docID) }

func NewRedisWAL(rdb redis.UniversalClient) *RedisWAL {
	return &RedisWAL{rdb: rdb}
}

func (w *RedisWAL) Append(ctx context.Context, rev revision.Revision) error {
	b, err := rev.MarshalBinary()
	if err != nil {
		return err
	}
	return w.rdb.ZAdd(ctx, walKey(rev.ObjectID), redis.Z{Score: float64(rev.RevID), Member: b}).Err()
}

func (w *RedisWAL) Trim(ctx context.Context, docID string, upTo int64) error {
	return w.rdb.ZRemRangeByScore(ctx, walKey(docID), "-inf", strconv.FormatInt(upTo, 10)).Err()
}

// Load 返回 rev_id > after 的条目，按 rev_id 升序
func (w *RedisWAL) Load(ctx context.Context, docID string, after int64) ([]revision.Revision, error) {
	members, err := w.rdb.ZRangeByScore(ctx, walKey(docID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(after, 10),
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	out := make([]revision.Revision, 0, len(members))
	for _, m := range members {
		var rev revision.Revision
		if err := rev.UnmarshalBinary([]byte(m)); err != nil {
			return nil, fmt.Errorf("wal entry for %s: %w", docID, err)
		}
		out = append(out, rev)
	}
	return out, nil
}
