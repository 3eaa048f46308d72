/*
停机信号

进程内唯一的可变共享状态
任意连接收到 SHUTDOWN 后调用 Raise，所有连接和 accept 循环都能观察到
Raise 幂等，信号一旦发出不会撤销
*/
package shutdown

import (
	"context"
	"sync"
	"sync/atomic"
)

// Signal 一次性广播信号
type Signal struct {
	once   sync.Once
	done   chan struct{}
	raised atomic.Bool
	source atomic.Value // string，第一次 Raise 的来源
}

// New 创建信号
func New() *Signal {
	return &Signal{done: make(chan struct{})}
}

// Raise 发出停机信号，多次调用与一次效果相同
// 返回 true 表示本次调用是第一次
func (s *Signal) Raise(source string) bool {
	first := false
	s.once.Do(func() {
		s.source.Store(source)
		s.raised.Store(true)
		close(s.done)
		first = true
	})
	return first
}

// Done 信号发出后关闭的通道，可被任意数量的订阅者等待
func (s *Signal) Done() <-chan struct{} {
	return s.done
}

// Raised 信号是否已经发出
func (s *Signal) Raised() bool {
	return s.raised.Load()
}

// Source 第一次 Raise 的来源，未发出时为空
func (s *Signal) Source() string {
	if v, ok := s.source.Load().(string); ok {
		return v
	}
	return ""
}

// Context 返回一个在 parent 取消或信号发出时取消的 context
func (s *Signal) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
