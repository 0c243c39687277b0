package cache

import "fmt"

// 键语义：
// - roomKey(docID):  文档在线成员（ZSet<userId, expireAtUnix>，score=expireAt）
// - namesKey(docID): 文档内 userId→username 映射（Hash）
// - connsKey(docID): 每个用户在本文档的连接数（Hash<userId -> count>），多标签页时最后一个断开才移除
//
// 大括号里的 docID 作为 hash tag，保证同一文档的键落在同一 slot，Lua 脚本可以在集群下执行。

const (
	keyRoomFmt  = "presence:room:{docID:%s}"       // ZSet<userId, expireAtUnix>
	keyNamesFmt = "presence:room:names:{docID:%s}" // Hash<userId -> username>
	keyConnsFmt = "presence:room:conns:{docID:%s}" // Hash<userId -> 连接数>
)

func roomKey(docID string) string  { return fmt.Sprintf(keyRoomFmt, docID) }
func namesKey(docID string) string { return fmt.Sprintf(keyNamesFmt, docID) }
func connsKey(docID string) string { return fmt.Sprintf(keyConnsFmt, docID) }
