package session

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	analysis "github.com/zhouzirui/karitas/backend/internal/analysis/emotion"
	"github.com/zhouzirui/karitas/backend/internal/lifecycle"
	"github.com/zhouzirui/karitas/backend/internal/model/profile"
	sessionmodel "github.com/zhouzirui/karitas/backend/internal/model/session"
	"github.com/zhouzirui/karitas/backend/internal/model/transcript"
	visionmodel "github.com/zhouzirui/karitas/backend/internal/model/vision"
	"github.com/zhouzirui/karitas/backend/internal/service/emotion"
	"github.com/zhouzirui/karitas/backend/internal/service/speech"
	"github.com/zhouzirui/karitas/backend/internal/service/suggestion"
	"github.com/zhouzirui/karitas/backend/internal/service/transcription"
	"github.com/zhouzirui/karitas/backend/internal/service/vision"
)

var (
	ErrSessionActive         = errors.New("session already active")
	ErrSessionNotActive      = errors.New("session not active")
	ErrSuggestionUnavailable = errors.New("suggestion model not configured")
)

// NoConversationText 在还没有任何转写时代替对话内容发给模型。
const NoConversationText = "No conversation detected yet."

// 会话状态
const (
	StateStopped  = "stopped"
	StateStarting = "starting"
	StateRunning  = "running"
	StateStopping = "stopping"
)

const (
	defaultFrameTick      = 33 * time.Millisecond
	defaultMonitorTimeout = time.Second
)

// ProfileProvider 提供未显式传入时使用的孩子资料，例如监听中的资料文件。
type ProfileProvider interface {
	Current() profile.ChildProfile
}

// Dependencies 是会话使用的外部协作者。Classifier、Audio、Recognizer、Dispatcher 可为空。
type Dependencies struct {
	Video      vision.Source
	Classifier emotion.Classifier
	Audio      transcription.AudioSource
	Recognizer speech.Recognizer
	Dispatcher *suggestion.Dispatcher
	Profiles   ProfileProvider
}

// Config 控制各循环的节奏。
type Config struct {
	ReadBackoff        time.Duration
	ExpressionInterval time.Duration
	FrameTick          time.Duration
	MonitorTimeout     time.Duration
	StopTimeout        time.Duration
	Transcription      transcription.WorkerConfig
}

// Controller 负责一次会话内所有后台循环的启停，并把状态变化发布为事件。
type Controller struct {
	cfg        Config
	broker     *Broker
	frames     *vision.FrameStore
	capture    *vision.CaptureLoop
	holder     *analysis.Holder
	inference  *emotion.InferenceLoop
	queue      *transcription.Queue
	worker     *transcription.Worker
	dispatcher *suggestion.Dispatcher
	profiles   ProfileProvider
	monitor    *lifecycle.Runner
	ticker     *lifecycle.Runner
	now        func() time.Time

	// opMu 串行化 Start/Stop
	opMu sync.Mutex

	mu      sync.RWMutex
	state   string
	current *sessionmodel.Session
	task    *suggestion.Task
}

// NewController wires the loops around deps.
func NewController(deps Dependencies, cfg Config) (*Controller, error) {
	if deps.Video == nil {
		return nil, errors.New("video source is required")
	}
	if cfg.FrameTick <= 0 {
		cfg.FrameTick = defaultFrameTick
	}
	if cfg.MonitorTimeout <= 0 {
		cfg.MonitorTimeout = defaultMonitorTimeout
	}
	if cfg.Transcription.StopTimeout <= 0 {
		cfg.Transcription.StopTimeout = cfg.StopTimeout
	}

	frames := vision.NewFrameStore()
	queue := transcription.NewQueue()

	c := &Controller{
		cfg:    cfg,
		broker: NewBroker(),
		frames: frames,
		capture: vision.NewCaptureLoop(deps.Video, frames, vision.CaptureConfig{
			ReadBackoff: cfg.ReadBackoff,
			StopTimeout: cfg.StopTimeout,
		}),
		holder:     analysis.NewHolder(),
		queue:      queue,
		worker:     transcription.NewWorker(deps.Audio, deps.Recognizer, queue, cfg.Transcription),
		dispatcher: deps.Dispatcher,
		profiles:   deps.Profiles,
		monitor:    lifecycle.NewRunner("transcript-monitor", cfg.StopTimeout),
		ticker:     lifecycle.NewRunner("frame-tick", cfg.StopTimeout),
		now:        time.Now,
		state:      StateStopped,
	}

	if deps.Classifier != nil {
		c.inference = emotion.NewInferenceLoop(frames, deps.Classifier, c.holder, emotion.Config{
			Interval:    cfg.ExpressionInterval,
			StopTimeout: cfg.StopTimeout,
			OnChange:    c.onEmotionChange,
		})
	} else {
		log.Printf("[session] no expression classifier configured, emotion stays %s", analysis.Neutral)
	}

	return c, nil
}

// Start 开始一次会话。child 为空时使用资料文件或默认资料。
// 摄像头打开失败时返回 *vision.CaptureError，会话保持停止。
func (c *Controller) Start(ctx context.Context, child profile.ChildProfile) (sessionmodel.Status, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.state != StateStopped {
		c.mu.Unlock()
		return c.Status(), ErrSessionActive
	}
	c.state = StateStarting
	c.mu.Unlock()

	child = c.resolveProfile(child)
	sess := sessionmodel.Session{
		ID:        uuid.NewString(),
		Profile:   child,
		StartedAt: c.now().UTC(),
	}

	if c.dispatcher != nil {
		c.dispatcher.SetChildProfile(child)
	}

	if err := c.capture.Start(ctx); err != nil {
		c.mu.Lock()
		c.state = StateStopped
		c.mu.Unlock()
		c.publishError("capture", err)
		return c.Status(), err
	}

	c.mu.Lock()
	c.current = &sess
	c.mu.Unlock()

	if err := c.worker.Start(ctx); err != nil {
		log.Printf("[session] transcription unavailable: %v", err)
	}
	if c.inference != nil {
		c.inference.Start(ctx)
	}
	c.monitor.Start(ctx, c.monitorTranscript)
	c.ticker.Start(ctx, c.tickFrames)

	c.mu.Lock()
	c.state = StateRunning
	c.mu.Unlock()

	log.Printf("[session] session %s started (age=%q, level=%q)", sess.ID, child.Age, child.AutismLevel)
	status := c.Status()
	c.publish(sessionmodel.EventStatus, status)
	return status, nil
}

func (c *Controller) resolveProfile(child profile.ChildProfile) profile.ChildProfile {
	base := profile.Default()
	if c.profiles != nil {
		base = c.profiles.Current().WithDefaults(base)
	}
	if child.IsZero() {
		return base
	}
	return child.WithDefaults(base)
}

// Stop 结束会话并清空所有会话内状态，可重复调用。
func (c *Controller) Stop() sessionmodel.Status {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		return c.Status()
	}
	c.state = StateStopping
	task := c.task
	c.task = nil
	sessionID := ""
	if c.current != nil {
		sessionID = c.current.ID
	}
	c.mu.Unlock()

	if task != nil {
		task.Cancel()
	}

	c.ticker.Stop()
	c.monitor.Stop()
	if c.inference != nil {
		c.inference.Stop()
	}
	c.worker.Stop()
	c.capture.Stop()

	if c.dispatcher != nil {
		c.dispatcher.ResetConversation()
	}
	c.worker.ClearTranscript()
	c.holder.Reset()
	c.frames.Reset()

	c.mu.Lock()
	c.current = nil
	c.state = StateStopped
	c.mu.Unlock()

	log.Printf("[session] session %s stopped", sessionID)
	status := c.Status()
	c.broker.Publish(sessionmodel.Event{Kind: sessionmodel.EventStatus, SessionID: sessionID, Data: status})
	return status
}

// RequestSuggestion 用完整转写与当前表情异步请求一条建议，结果以 suggestion 事件发布。
func (c *Controller) RequestSuggestion(ctx context.Context) (*suggestion.Task, error) {
	sessionID, ok := c.activeSessionID()
	if !ok {
		return nil, ErrSessionNotActive
	}
	if c.dispatcher == nil {
		return nil, ErrSuggestionUnavailable
	}

	text := c.worker.Transcript()
	if text == "" {
		text = NoConversationText
	}
	label := c.holder.Load()

	task, err := c.dispatcher.Dispatch(ctx, text, label)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.task = task
	c.mu.Unlock()

	log.Printf("[session] suggestion requested (emotion=%s)", label)
	go c.awaitSuggestion(sessionID, task)
	return task, nil
}

func (c *Controller) awaitSuggestion(sessionID string, task *suggestion.Task) {
	<-task.Done()
	result, _ := task.Result()

	c.mu.Lock()
	if c.task == task {
		c.task = nil
	}
	current := ""
	if c.current != nil {
		current = c.current.ID
	}
	c.mu.Unlock()

	// 会话已结束或已切换时丢弃结果
	if current != sessionID {
		return
	}

	payload := sessionmodel.SuggestionPayload{
		Text:     result.Text,
		Emotion:  result.Emotion.String(),
		Fallback: result.Fallback,
	}
	if result.Err != nil {
		payload.Error = result.Err.Error()
	}
	c.publish(sessionmodel.EventSuggestion, payload)
}

// ResetConversation 清空模型对话历史，转写保留。
func (c *Controller) ResetConversation() {
	if c.dispatcher != nil {
		c.dispatcher.ResetConversation()
	}
	log.Printf("[session] conversation history reset")
}

// ClearTranscript 清空转写记录。
func (c *Controller) ClearTranscript() {
	c.worker.ClearTranscript()
}

// RefreshExpression 让表情识别立即执行一次。
func (c *Controller) RefreshExpression() error {
	if _, ok := c.activeSessionID(); !ok {
		return ErrSessionNotActive
	}
	if c.inference == nil || !c.inference.TickNow() {
		return errors.New("expression recognition is not running")
	}
	return nil
}

// Status 返回当前状态快照。
func (c *Controller) Status() sessionmodel.Status {
	c.mu.RLock()
	state := c.state
	var current *sessionmodel.Session
	if c.current != nil {
		sess := *c.current
		current = &sess
	}
	c.mu.RUnlock()

	label := c.holder.Load()
	status := sessionmodel.Status{
		State:               state,
		Emotion:             label.String(),
		Emoticon:            label.Emoticon(),
		CaptureActive:       c.capture.IsActive(),
		TranscriptionActive: c.worker.IsActive(),
		TranscriptEntries:   c.worker.Len(),
	}
	if current != nil {
		status.SessionID = current.ID
		status.StartedAt = &current.StartedAt
		status.Profile = &current.Profile
	}
	if c.dispatcher != nil {
		status.ConversationLength = c.dispatcher.ConversationLength()
		status.SuggestionPending = c.dispatcher.Pending()
		if last, ok := c.dispatcher.LastResult(); ok {
			status.LastSuggestion = last.Text
		}
	}
	return status
}

// Active reports whether a session is running.
func (c *Controller) Active() bool {
	_, ok := c.activeSessionID()
	return ok
}

func (c *Controller) activeSessionID() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state != StateRunning || c.current == nil {
		return "", false
	}
	return c.current.ID, true
}

// Snapshot returns the latest captured frame.
func (c *Controller) Snapshot() (visionmodel.Frame, bool) {
	return c.frames.Peek()
}

// Emotion returns the current label.
func (c *Controller) Emotion() analysis.Label {
	return c.holder.Load()
}

// Transcript returns every entry of the current session.
func (c *Controller) Transcript() []transcript.Entry {
	return c.worker.Entries()
}

// RecentTranscript returns the last n entries.
func (c *Controller) RecentTranscript(n int) []transcript.Entry {
	return c.worker.RecentEntries(n)
}

// Subscribe 订阅会话事件，调用方负责 Close。
func (c *Controller) Subscribe(buffer int) *Subscription {
	return c.broker.Subscribe(buffer)
}

func (c *Controller) onEmotionChange(label analysis.Label) {
	c.publish(sessionmodel.EventEmotion, sessionmodel.EmotionPayload{
		Emotion:  label.String(),
		Emoticon: label.Emoticon(),
	})
}

func (c *Controller) monitorTranscript(ctx context.Context) {
	for {
		entry, err := c.queue.Pop(ctx, c.cfg.MonitorTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		c.publish(sessionmodel.EventTranscript, entry)
	}
}

func (c *Controller) tickFrames(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.FrameTick)
	defer ticker.Stop()

	var last uint64
	seen := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if c.broker.Subscribers() == 0 {
			continue
		}
		seq, ok := c.frames.LastSeq()
		if !ok || (seen && seq == last) {
			continue
		}
		frame, ok := c.frames.Peek()
		if !ok {
			continue
		}
		last, seen = frame.Seq, true

		c.broker.Publish(sessionmodel.Event{
			Kind:      sessionmodel.EventFrame,
			SessionID: c.sessionID(),
			Data:      sessionmodel.FramePayload{Seq: frame.Seq, Width: frame.Width, Height: frame.Height},
			Frame:     &frame,
		})
	}
}

func (c *Controller) sessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.current == nil {
		return ""
	}
	return c.current.ID
}

func (c *Controller) publish(kind sessionmodel.EventKind, data any) {
	c.broker.Publish(sessionmodel.Event{Kind: kind, SessionID: c.sessionID(), Data: data})
}

func (c *Controller) publishError(component string, err error) {
	c.publish(sessionmodel.EventError, sessionmodel.ErrorPayload{Component: component, Message: err.Error()})
}
