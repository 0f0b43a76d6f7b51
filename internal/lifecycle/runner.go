package lifecycle

import (
	"context"
	"log"
	"sync"
	"time"
)

// State 描述后台循环所处的阶段。
type State int32

const (
	StateStopped State = iota
	StateRunning
	StateStopRequested
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopRequested:
		return "stop_requested"
	default:
		return "stopped"
	}
}

// DefaultStopTimeout bounds how long Stop waits for a loop to exit.
const DefaultStopTimeout = 2 * time.Second

// Runner 管理单个后台 goroutine 的启动、取消与限时回收。
type Runner struct {
	name        string
	stopTimeout time.Duration

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRunner creates a runner. A non-positive timeout falls back to DefaultStopTimeout.
func NewRunner(name string, stopTimeout time.Duration) *Runner {
	if stopTimeout <= 0 {
		stopTimeout = DefaultStopTimeout
	}
	return &Runner{name: name, stopTimeout: stopTimeout}
}

// Start 在新的 goroutine 中运行 fn。已在运行或正在停止时返回 false。
// fn 收到的 ctx 不随 parent 取消，只在 Stop 时取消，但保留 parent 的值。
func (r *Runner) Start(parent context.Context, fn func(ctx context.Context)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateStopped {
		return false
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	done := make(chan struct{})
	r.state = StateRunning
	r.cancel = cancel
	r.done = done

	go func() {
		defer close(done)
		defer r.finish(done)
		fn(ctx)
	}()

	return true
}

// finish marks a loop that returned on its own as stopped.
func (r *Runner) finish(done chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done == done && r.state == StateRunning {
		r.state = StateStopped
		r.cancel()
	}
}

// Stop 请求退出并等待，最多等待 stopTimeout。可重复调用。
// 返回 false 表示 goroutine 未能按时退出，仅记录日志，不会强制终止。
func (r *Runner) Stop() bool {
	r.mu.Lock()
	if r.done == nil {
		r.mu.Unlock()
		return true
	}
	if r.state == StateRunning {
		r.state = StateStopRequested
		r.cancel()
	}
	done := r.done
	r.mu.Unlock()

	exited := true
	select {
	case <-done:
	case <-time.After(r.stopTimeout):
		exited = false
		log.Printf("[%s] worker did not exit within %s", r.name, r.stopTimeout)
	}

	r.mu.Lock()
	if r.done == done {
		r.state = StateStopped
	}
	r.mu.Unlock()

	return exited
}

// State returns the current lifecycle state.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Running reports whether the loop is running and no stop was requested.
func (r *Runner) Running() bool {
	return r.State() == StateRunning
}
