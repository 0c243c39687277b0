package cache

import (
	"context"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

type PresenceCache interface {
	// AddMember 加入或刷新 TTL
	AddMember(ctx context.Context, docID string, userID uint64, username string, ttl time.Duration) error
	// RemoveMember 连接断开时调用；同一用户还有其他连接时只减计数
	RemoveMember(ctx context.Context, docID string, userID uint64) error
	GetAliveMembersWithNames(ctx context.Context, docID string) ([]PresenceMember, error)
}

type PresenceMember struct {
	UserID   uint64 `json:"userId"`
	Username string `json:"username"`
}

// 基于 redis 的 PresenceCache，单机和集群客户端都可以
type redisPresence struct {
	rdb redis.UniversalClient
}

func NewRedisPresence(rdb redis.UniversalClient) PresenceCache {
	return &redisPresence{rdb: rdb}
}

func (p *redisPresence) AddMember(ctx context.Context, docID string, userID uint64, username string, ttl time.Duration) error {
	tx := p.rdb.TxPipeline()
	// score 使用 expireAt（Unix 秒），表达“逻辑 TTL”
	expireAt := time.Now().Add(ttl).Unix()
	tx.ZAdd(ctx, roomKey(docID), redis.Z{Score: float64(expireAt), Member: userID})
	tx.HSet(ctx, namesKey(docID), userID, username)
	tx.HIncrBy(ctx, connsKey(docID), strconv.FormatUint(userID, 10), 1)
	_, err := tx.Exec(ctx)
	return err
}

// 连接数减到 0 时移出房间
var removeMemberScript = redis.NewScript(`
-- KEYS[1] = roomKey, KEYS[2] = namesKey, KEYS[3] = connsKey
-- ARGV[1] = userId
local left = redis.call("HINCRBY", KEYS[3], ARGV[1], -1)
if left <= 0 then
	redis.call("HDEL", KEYS[3], ARGV[1])
	redis.call("ZREM", KEYS[1], ARGV[1])
	redis.call("HDEL", KEYS[2], ARGV[1])
	return 0
end
return left
`)

func (p *redisPresence) RemoveMember(ctx context.Context, docID string, userID uint64) error {
	err := removeMemberScript.Run(ctx, p.rdb,
		[]string{roomKey(docID), namesKey(docID), connsKey(docID)},
		strconv.FormatUint(userID, 10)).Err()
	if err != nil && err != redis.Nil {
		return err
	}
	return nil
}

// 清理过期成员
var expireMembersScript = redis.NewScript(`
-- KEYS[1] = roomKey(docID), KEYS[2] = namesKey(docID), KEYS[3] = connsKey(docID)
-- ARGV[1] = now (unix seconds)
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
	redis.call("HDEL", KEYS[3], unpack(expired))
end
return #expired
`)

func (p *redisPresence) GetAliveMembersWithNames(ctx context.Context, docID string) ([]PresenceMember, error) {
	// step1: 清理过期成员；约定 expireAt <= now 视为过期
	now := time.Now().Unix()
	_, err := expireMembersScript.Run(ctx, p.rdb, []string{roomKey(docID), namesKey(docID), connsKey(docID)}, now).Int()
	if err != nil && err != redis.Nil {
		return nil, err
	}

	// step2: 查询在线成员
	aliveIDs, err := p.rdb.ZRangeByScore(ctx, roomKey(docID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if len(aliveIDs) == 0 {
		return nil, nil
	}
	ids := make([]uint64, 0, len(aliveIDs))
	for _, s := range aliveIDs {
		uid, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return nil, err
		}
		ids = append(ids, uid)
	}

	// step3: 批量获取名字
	names, err := p.rdb.HMGet(ctx, namesKey(docID), aliveIDs...).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	members := make([]PresenceMember, 0, len(ids))
	for i, v := range names {
		name, _ := v.(string)
		members = append(members, PresenceMember{UserID: ids[i], Username: name})
	}
	return members, nil
}
