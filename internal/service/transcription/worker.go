package transcription

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/zhouzirui/karitas/backend/internal/lifecycle"
	"github.com/zhouzirui/karitas/backend/internal/model/transcript"
	"github.com/zhouzirui/karitas/backend/internal/service/speech"
)

// Mode 在构造时确定。
type Mode string

const (
	ModeActive   Mode = "active"
	ModeDisabled Mode = "disabled"
)

// DefaultRecentEntries is the size used by RecentTranscript when n <= 0.
const DefaultRecentEntries = 10

// WorkerConfig 控制监听节奏。
type WorkerConfig struct {
	Calibration   time.Duration
	ListenTimeout time.Duration
	PhraseLimit   time.Duration
	StopTimeout   time.Duration
}

func (c *WorkerConfig) applyDefaults() {
	if c.Calibration <= 0 {
		c.Calibration = 2 * time.Second
	}
	if c.ListenTimeout <= 0 {
		c.ListenTimeout = time.Second
	}
	if c.PhraseLimit <= 0 {
		c.PhraseLimit = 10 * time.Second
	}
}

// Worker 持续监听麦克风，把识别结果写入转写记录与队列。
type Worker struct {
	source     AudioSource
	recognizer speech.Recognizer
	queue      *Queue
	cfg        WorkerConfig
	runner     *lifecycle.Runner
	now        func() time.Time

	mu      sync.RWMutex
	mode    Mode
	opened  bool
	entries []transcript.Entry
}

// NewWorker 创建转写 worker。source 或 recognizer 为空时进入 Disabled 模式。
func NewWorker(source AudioSource, recognizer speech.Recognizer, queue *Queue, cfg WorkerConfig) *Worker {
	cfg.applyDefaults()
	if queue == nil {
		queue = NewQueue()
	}

	mode := ModeActive
	if source == nil || recognizer == nil {
		mode = ModeDisabled
	}

	return &Worker{
		source:     source,
		recognizer: recognizer,
		queue:      queue,
		cfg:        cfg,
		runner:     lifecycle.NewRunner("transcription", cfg.StopTimeout),
		now:        time.Now,
		mode:       mode,
	}
}

// Mode returns the current mode.
func (w *Worker) Mode() Mode {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.mode
}

// Queue returns the queue entries are pushed to.
func (w *Worker) Queue() *Queue {
	return w.queue
}

// Start 打开麦克风、校准环境噪声并启动监听。设备不可用时记录日志并切换到 Disabled，不返回错误。
// 每次 Start 都会重新尝试打开设备。
func (w *Worker) Start(ctx context.Context) error {
	if w.source == nil || w.recognizer == nil {
		log.Printf("[transcription] disabled, continuing without speech transcription")
		return nil
	}
	if w.runner.State() != lifecycle.StateStopped {
		return nil
	}

	w.mu.Lock()
	w.mode = ModeActive
	w.mu.Unlock()

	if err := w.source.Open(ctx); err != nil {
		log.Printf("[transcription] microphone unavailable, continuing without it: %v", err)
		w.disable()
		return nil
	}

	if rate := w.source.SampleRate(); rate <= 0 {
		log.Printf("[transcription] invalid sample rate %d, continuing without transcription", rate)
		_ = w.source.Close()
		w.disable()
		return nil
	}

	listener := NewListener(w.source)
	log.Printf("[transcription] calibrating for ambient noise (%s)", w.cfg.Calibration)
	if err := listener.Calibrate(ctx, w.cfg.Calibration); err != nil {
		log.Printf("[transcription] calibration failed, continuing without transcription: %v", err)
		_ = w.source.Close()
		w.disable()
		return nil
	}
	log.Printf("[transcription] energy threshold %.0f", listener.Threshold())

	w.mu.Lock()
	w.opened = true
	w.mu.Unlock()

	w.runner.Start(ctx, func(ctx context.Context) {
		w.run(ctx, listener)
	})
	log.Printf("[transcription] transcription service started")
	return nil
}

func (w *Worker) disable() {
	w.mu.Lock()
	w.mode = ModeDisabled
	w.mu.Unlock()
}

func (w *Worker) run(ctx context.Context, listener *Listener) {
	for ctx.Err() == nil {
		samples, err := listener.Listen(ctx, w.cfg.ListenTimeout, w.cfg.PhraseLimit)
		if err != nil {
			if errors.Is(err, ErrWaitTimeout) || ctx.Err() != nil {
				continue
			}
			log.Printf("[transcription] listen failed: %v", err)
			select {
			case <-ctx.Done():
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		w.transcribe(ctx, samples)
	}
}

func (w *Worker) transcribe(ctx context.Context, samples []int16) {
	wav, err := speech.EncodeWAV(samples)
	if err != nil {
		log.Printf("[transcription] failed to encode segment: %v", err)
		return
	}

	text, err := w.recognizer.Recognize(ctx, wav)
	switch {
	case err == nil:
	case errors.Is(err, speech.ErrUnintelligible):
		return
	case ctx.Err() != nil:
		return
	default:
		log.Printf("[transcription] error with speech recognition service: %v", err)
		return
	}

	entry := transcript.NewEntry(w.now(), text)
	w.mu.Lock()
	w.entries = append(w.entries, entry)
	w.mu.Unlock()
	w.queue.Push(entry)

	log.Printf("[transcription] [%s] transcribed: %s", entry.Timestamp, entry.Text)
}

// Stop 停止监听并释放麦克风，可重复调用。
func (w *Worker) Stop() {
	w.runner.Stop()

	w.mu.Lock()
	opened := w.opened
	w.opened = false
	w.mu.Unlock()

	if opened {
		if err := w.source.Close(); err != nil {
			log.Printf("[transcription] failed to release microphone: %v", err)
		}
		log.Printf("[transcription] transcription service stopped")
	}
}

// IsActive 仅在 Active 模式且正在运行时为 true。
func (w *Worker) IsActive() bool {
	return w.Mode() == ModeActive && w.runner.Running()
}

// Transcript 返回完整转写，每行一条。
func (w *Worker) Transcript() string {
	return transcript.Format(w.Entries())
}

// RecentTranscript 返回最近 n 条记录的格式化文本。
func (w *Worker) RecentTranscript(n int) string {
	return transcript.Format(w.RecentEntries(n))
}

// RecentEntries returns a copy of the last n entries.
func (w *Worker) RecentEntries(n int) []transcript.Entry {
	if n <= 0 {
		n = DefaultRecentEntries
	}

	w.mu.RLock()
	defer w.mu.RUnlock()

	start := len(w.entries) - n
	if start < 0 {
		start = 0
	}
	out := make([]transcript.Entry, len(w.entries)-start)
	copy(out, w.entries[start:])
	return out
}

// Entries returns a copy of every entry.
func (w *Worker) Entries() []transcript.Entry {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]transcript.Entry, len(w.entries))
	copy(out, w.entries)
	return out
}

// Len reports the number of transcript entries.
func (w *Worker) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.entries)
}

// ClearTranscript 清空转写记录与待消费队列。
func (w *Worker) ClearTranscript() {
	w.mu.Lock()
	w.entries = nil
	w.mu.Unlock()
	w.queue.Drain()
}
