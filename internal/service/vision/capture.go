package vision

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"time"

	"github.com/zhouzirui/karitas/backend/internal/lifecycle"
)

const defaultReadBackoff = 100 * time.Millisecond

// CaptureConfig 控制采集循环的退避与停止超时。
type CaptureConfig struct {
	ReadBackoff time.Duration
	StopTimeout time.Duration
}

// CaptureLoop 在独立 goroutine 中不断从 Source 读帧并写入 FrameStore。
type CaptureLoop struct {
	source  Source
	store   *FrameStore
	backoff time.Duration
	runner  *lifecycle.Runner

	mu     sync.Mutex
	opened bool
	frames uint64
}

// NewCaptureLoop wires a source to a store.
func NewCaptureLoop(source Source, store *FrameStore, cfg CaptureConfig) *CaptureLoop {
	if cfg.ReadBackoff <= 0 {
		cfg.ReadBackoff = defaultReadBackoff
	}
	return &CaptureLoop{
		source:  source,
		store:   store,
		backoff: cfg.ReadBackoff,
		runner:  lifecycle.NewRunner("capture", cfg.StopTimeout),
	}
}

// Start 打开视频源并启动采集。打开失败返回 *CaptureError，循环保持停止状态。
// 已在运行时直接返回 nil。
func (c *CaptureLoop) Start(ctx context.Context) error {
	if c.runner.State() != lifecycle.StateStopped {
		return nil
	}

	c.mu.Lock()
	if !c.opened {
		if err := c.source.Open(ctx); err != nil {
			c.mu.Unlock()
			log.Printf("[capture] could not open video source %s: %v", c.source.Name(), err)
			return &CaptureError{Kind: DeviceUnavailable, Source: c.source.Name(), Err: err}
		}
		c.opened = true
	}
	c.mu.Unlock()

	if !c.runner.Start(ctx, c.run) {
		return nil
	}

	log.Printf("[capture] video capture started from source %s", c.source.Name())
	return nil
}

func (c *CaptureLoop) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		frame, err := c.source.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrSourceClosed) || errors.Is(err, io.EOF) {
				log.Printf("[capture] source %s ended: %v", c.source.Name(), err)
				c.release()
				return
			}

			log.Printf("[capture] failed to read frame: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.backoff):
			}
			continue
		}

		if frame.CapturedAt.IsZero() {
			frame.CapturedAt = time.Now()
		}

		c.mu.Lock()
		c.frames++
		if frame.Seq == 0 {
			frame.Seq = c.frames
		}
		c.mu.Unlock()

		c.store.Put(frame)
	}
}

// Stop 停止采集并释放设备，可重复调用。
func (c *CaptureLoop) Stop() {
	c.runner.Stop()
	if c.release() {
		log.Printf("[capture] video capture stopped")
	}
}

// release closes the source once. It reports whether anything was closed.
func (c *CaptureLoop) release() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.opened {
		return false
	}
	c.opened = false
	if err := c.source.Close(); err != nil {
		log.Printf("[capture] failed to release source %s: %v", c.source.Name(), err)
	}
	return true
}

// State returns the loop state.
func (c *CaptureLoop) State() lifecycle.State {
	return c.runner.State()
}

// IsActive reports whether frames are being captured from an open source.
func (c *CaptureLoop) IsActive() bool {
	c.mu.Lock()
	opened := c.opened
	c.mu.Unlock()
	return opened && c.runner.Running()
}
