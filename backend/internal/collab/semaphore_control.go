package collab

import (
	"context"
	"errors"
	"time"
)

var (
	ErrAcquireTimeout = errors.New("acquire reach time limit")
	ErrNotAcquired    = errors.New("release failed, semaphore is not acquired")
)

// SemaphoreControl：带超时的计数信号量。容量为 1 时就是一把可以限时等待的互斥锁，
// 会话的写锁就是这样用的。
type SemaphoreControl struct {
	ch chan struct{}
}

func NewSemaphoreControl(capacity int) *SemaphoreControl {
	if capacity <= 0 {
		capacity = 1
	}
	return &SemaphoreControl{ch: make(chan struct{}, capacity)}
}

func (s *SemaphoreControl) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ErrAcquireTimeout
	}
}

// AcquireFor 最多等待 d
func (s *SemaphoreControl) AcquireFor(ctx context.Context, d time.Duration) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	default:
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return s.Acquire(ctx)
}

func (s *SemaphoreControl) Release() error {
	select {
	case <-s.ch:
		return nil
	default:
		return ErrNotAcquired
	}
}

// InUse 当前被占用的数量
func (s *SemaphoreControl) InUse() int { return len(s.ch) }
