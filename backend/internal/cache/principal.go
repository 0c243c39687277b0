package cache

import (
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// PrincipalCache：token -> 已验证身份的 TTL 缓存。
// 由调用方创建并注入到鉴权中间件，不使用进程级全局变量。
type PrincipalCache[V any] struct {
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
	entries    *xsync.MapOf[string, principalEntry[V]]

	stopOnce sync.Once
	stop     chan struct{}
}

type principalEntry[V any] struct {
	value     V
	expiresAt time.Time
}

type PrincipalCacheOptions struct {
	TTL           time.Duration
	MaxEntries    int           // 超过时拒绝新条目，直到下一次清理
	SweepInterval time.Duration // 0 表示不启动后台清理
	Now           func() time.Time
}

func NewPrincipalCache[V any](opt PrincipalCacheOptions) *PrincipalCache[V] {
	if opt.TTL <= 0 {
		opt.TTL = time.Minute
	}
	if opt.MaxEntries <= 0 {
		opt.MaxEntries = 100_000
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	c := &PrincipalCache[V]{
		ttl:        opt.TTL,
		maxEntries: opt.MaxEntries,
		now:        opt.Now,
		entries:    xsync.NewMapOf[string, principalEntry[V]](),
		stop:       make(chan struct{}),
	}
	if opt.SweepInterval > 0 {
		go c.sweepLoop(opt.SweepInterval)
	}
	return c
}

func (c *PrincipalCache[V]) Get(token string) (V, bool) {
	e, ok := c.entries.Load(token)
	if !ok {
		var zero V
		return zero, false
	}
	if !c.now().Before(e.expiresAt) {
		c.entries.Delete(token)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Put 缓存一个身份；expiresAt 非零时取它和 TTL 中较早的一个（不超过 token 自身的有效期）
func (c *PrincipalCache[V]) Put(token string, v V, expiresAt time.Time) {
	if c.entries.Size() >= c.maxEntries {
		return
	}
	exp := c.now().Add(c.ttl)
	if !expiresAt.IsZero() && expiresAt.Before(exp) {
		exp = expiresAt
	}
	c.entries.Store(token, principalEntry[V]{value: v, expiresAt: exp})
}

func (c *PrincipalCache[V]) Invalidate(token string) { c.entries.Delete(token) }

func (c *PrincipalCache[V]) Len() int { return c.entries.Size() }

// Sweep 删除所有过期条目，返回删除数量
func (c *PrincipalCache[V]) Sweep() int {
	now := c.now()
	n := 0
	c.entries.Range(func(k string, e principalEntry[V]) bool {
		if !now.Before(e.expiresAt) {
			c.entries.Delete(k)
			n++
		}
		return true
	})
	return n
}

func (c *PrincipalCache[V]) sweepLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-t.C:
			c.Sweep()
		}
	}
}

func (c *PrincipalCache[V]) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}
