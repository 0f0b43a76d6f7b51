package emotion

import (
	"context"
	"errors"
	"log"
	"time"

	analysis "github.com/zhouzirui/karitas/backend/internal/analysis/emotion"
	"github.com/zhouzirui/karitas/backend/internal/lifecycle"
	visionmodel "github.com/zhouzirui/karitas/backend/internal/model/vision"
)

// DefaultInterval 是两次表情识别之间的默认间隔。
const DefaultInterval = 10 * time.Second

// FrameSource 提供最新一帧，通常是 vision.FrameStore。
type FrameSource interface {
	Get() (visionmodel.Frame, bool)
}

// Config 控制推理循环。
type Config struct {
	Interval    time.Duration
	StopTimeout time.Duration
	// OnChange 在识别出的标签发生变化时调用，运行在推理 goroutine 中。
	OnChange func(analysis.Label)
}

// InferenceLoop 周期性读取最新帧并更新表情标签。
type InferenceLoop struct {
	frames     FrameSource
	classifier Classifier
	holder     *analysis.Holder
	interval   time.Duration
	onChange   func(analysis.Label)
	runner     *lifecycle.Runner
	tick       chan struct{}
}

// NewInferenceLoop creates a loop writing results into holder.
func NewInferenceLoop(frames FrameSource, classifier Classifier, holder *analysis.Holder, cfg Config) *InferenceLoop {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &InferenceLoop{
		frames:     frames,
		classifier: classifier,
		holder:     holder,
		interval:   cfg.Interval,
		onChange:   cfg.OnChange,
		runner:     lifecycle.NewRunner("emotion", cfg.StopTimeout),
		tick:       make(chan struct{}, 1),
	}
}

// Start 启动推理循环，重复调用无副作用。
func (l *InferenceLoop) Start(ctx context.Context) {
	if l.runner.Start(ctx, l.run) {
		log.Printf("[emotion] expression updates every %s", l.interval)
	}
}

func (l *InferenceLoop) run(ctx context.Context) {
	// 先等待一个周期再识别，避开会话刚启动时的画面。
	for {
		if ctx.Err() != nil {
			return
		}
		timer := time.NewTimer(l.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-l.tick:
			timer.Stop()
		case <-timer.C:
		}
		if ctx.Err() != nil {
			return
		}

		l.classifyOnce(ctx)
	}
}

// classifyOnce runs a single tick. Failures keep the previous label.
func (l *InferenceLoop) classifyOnce(ctx context.Context) {
	frame, ok := l.frames.Get()
	if !ok {
		return
	}

	scores, err := l.classifier.Classify(ctx, frame)
	if err != nil {
		switch {
		case ctx.Err() != nil:
		case errors.Is(err, ErrNoFace):
			log.Printf("[emotion] no face in frame %d, keep %s", frame.Seq, l.holder.Load())
		default:
			log.Printf("[emotion] classification failed for frame %d: %v", frame.Seq, err)
		}
		return
	}

	decision, ok := analysis.FromScores(scores)
	if !ok {
		return
	}

	previous := l.holder.Load()
	if !l.holder.Store(decision.Emotion) {
		return
	}
	if decision.Emotion != previous {
		log.Printf("[emotion] expression changed %s -> %s (%s %.2f)", previous, decision.Emotion, decision.Raw, decision.Score)
		if l.onChange != nil {
			l.onChange(decision.Emotion)
		}
	}
}

// TickNow 让循环立即执行一次识别。循环未运行时返回 false。
func (l *InferenceLoop) TickNow() bool {
	if !l.runner.Running() {
		return false
	}
	select {
	case l.tick <- struct{}{}:
	default:
	}
	return true
}

// Stop 停止循环，可重复调用。
func (l *InferenceLoop) Stop() {
	if l.runner.Stop() {
		log.Printf("[emotion] expression updates stopped")
	}
	select {
	case <-l.tick:
	default:
	}
}

// State returns the loop state.
func (l *InferenceLoop) State() lifecycle.State {
	return l.runner.State()
}

// IsActive reports whether the loop is running.
func (l *InferenceLoop) IsActive() bool {
	return l.runner.Running()
}
