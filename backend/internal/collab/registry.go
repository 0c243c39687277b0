package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Loader 构造并加载一个会话；测试里可以替换来统计构造次数
type Loader func(ctx context.Context, docID string) (*Session, error)

type RegistryConfig struct {
	IdleTTL       time.Duration // 空闲多久后回收
	SweepInterval time.Duration // 0 表示不启动后台回收
	EvictTimeout  time.Duration
	LoadTimeout   time.Duration
}

func (c RegistryConfig) withDefaults() RegistryConfig {
	if c.IdleTTL <= 0 {
		c.IdleTTL = 10 * time.Minute
	}
	if c.EvictTimeout <= 0 {
		c.EvictTimeout = 5 * time.Second
	}
	if c.LoadTimeout <= 0 {
		c.LoadTimeout = 10 * time.Second
	}
	return c
}

// Registry：document_id -> *Session，保证每个文档同一时刻至多一个存活会话。
// 命中直接返回；未命中时 singleflight 合并并发加载，并在 flight 内再查一次。
type Registry struct {
	cfg      RegistryConfig
	load     Loader
	sessions *xsync.MapOf[string, *Session]
	group    singleflight.Group
	logger   zerolog.Logger

	closed   atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewRegistry(cfg RegistryConfig, load Loader) *Registry {
	r := &Registry{
		cfg:      cfg.withDefaults(),
		load:     load,
		sessions: xsync.NewMapOf[string, *Session](),
		logger:   log.With().Str("component", "registry").Logger(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if r.cfg.SweepInterval > 0 {
		go r.janitor()
	} else {
		close(r.done)
	}
	return r
}

// StoreLoader：用给定依赖加载会话的 Loader
func StoreLoader(cfg SessionConfig, deps Deps, snapshots *snapshotWriter) Loader {
	return func(ctx context.Context, docID string) (*Session, error) {
		return LoadSession(ctx, docID, cfg, deps, snapshots)
	}
}

func (r *Registry) GetOrCreate(ctx context.Context, docID string) (*Session, error) {
	if docID == "" {
		return nil, errors.New("collab: empty document id")
	}
	for attempt := 0; attempt < 3; attempt++ {
		if r.closed.Load() {
			return nil, ErrRegistryClosed
		}
		if s, ok := r.sessions.Load(docID); ok && !s.Evicted() {
			return s, nil
		}
		ch := r.group.DoChan(docID, func() (any, error) {
			// double check：上一轮 flight 可能刚刚放进去
			if s, ok := r.sessions.Load(docID); ok && !s.Evicted() {
				return s, nil
			}
			// 加载不跟随单个调用方的取消，其他等待者还要用结果
			lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.LoadTimeout)
			defer cancel()
			s, err := r.load(lctx, docID)
			if err != nil {
				return nil, err
			}
			r.sessions.Store(docID, s)
			return s, nil
		})
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-ch:
			if res.Err != nil {
				r.logger.Error().Err(res.Err).Str("doc", docID).Msg("load session failed")
				return nil, fmt.Errorf("load session %s: %w", docID, res.Err)
			}
			s := res.Val.(*Session)
			if !s.Evicted() {
				return s, nil
			}
		}
	}
	return nil, fmt.Errorf("session %s: %w", docID, ErrSessionEvicted)
}

// Lookup 只查不建
func (r *Registry) Lookup(docID string) (*Session, bool) {
	s, ok := r.sessions.Load(docID)
	if !ok || s.Evicted() {
		return nil, false
	}
	return s, true
}

func (r *Registry) Len() int { return r.sessions.Size() }

// Sweep 回收所有空闲会话，返回回收数量
func (r *Registry) Sweep(now time.Time) int {
	var idle []*Session
	r.sessions.Range(func(_ string, s *Session) bool {
		if s.Idle(now, r.cfg.IdleTTL) {
			idle = append(idle, s)
		}
		return true
	})
	n := 0
	for _, s := range idle {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.EvictTimeout)
		err := s.evict(ctx, false)
		cancel()
		if err != nil {
			r.logger.Warn().Err(err).Str("doc", s.DocumentID()).Msg("evict skipped")
			continue
		}
		r.remove(s)
		n++
	}
	return n
}

// remove 只删除仍指向这个实例的条目
func (r *Registry) remove(s *Session) {
	r.sessions.Compute(s.DocumentID(), func(old *Session, loaded bool) (*Session, bool) {
		// 未命中时 delete=true 为 no-op，避免写入 nil
		return old, !loaded || old == s
	})
}

func (r *Registry) janitor() {
	defer close(r.done)
	t := time.NewTicker(r.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-r.stop:
			return
		case now := <-t.C:
			if n := r.Sweep(now); n > 0 {
				r.logger.Info().Int("evicted", n).Int("live", r.Len()).Msg("idle sessions evicted")
			}
		}
	}
}

// Close 停止回收并刷盘关闭所有会话
func (r *Registry) Close(ctx context.Context) error {
	r.closed.Store(true)
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done

	var errs []error
	r.sessions.Range(func(docID string, s *Session) bool {
		if err := s.evict(ctx, true); err != nil {
			errs = append(errs, err)
		}
		r.sessions.Delete(docID)
		return true
	})
	return errors.Join(errs...)
}
