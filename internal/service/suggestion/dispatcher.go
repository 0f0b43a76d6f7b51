package suggestion

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	analysis "github.com/zhouzirui/karitas/backend/internal/analysis/emotion"
	"github.com/zhouzirui/karitas/backend/internal/model/profile"
)

var (
	// ErrSuggestionInFlight 表示已有一个建议请求在运行。
	ErrSuggestionInFlight = errors.New("a suggestion is already being generated")
	// ErrEmptyReply 表示模型返回了空内容。
	ErrEmptyReply = errors.New("model returned an empty suggestion")
)

// Config 控制生成参数。
type Config struct {
	MaxTokens   int
	Temperature float32
	// MaxTurns 大于 0 时只保留最近 MaxTurns 轮 user/assistant 对话。
	MaxTurns int
	Profile  profile.ChildProfile
	// Notify 在每个异步请求结束时调用。
	Notify func(Result)
}

// Result 是一次建议请求的结果。Fallback 为 true 时 Text 是固定兜底句。
type Result struct {
	Text     string
	Emotion  analysis.Label
	Fallback bool
	Err      error
}

// Dispatcher 维护与模型的对话历史，并为孩子生成下一句建议。
type Dispatcher struct {
	prompts     *prompts
	chain       compose.Runnable[map[string]any, *schema.Message]
	maxTokens   int
	temperature float32
	maxTurns    int
	notify      func(Result)

	// callMu 保证同一时间只有一个请求访问模型
	callMu   sync.Mutex
	inFlight atomic.Bool

	mu      sync.RWMutex
	history []*schema.Message
	child   profile.ChildProfile
	epoch   uint64
	last    *Result
}

// NewDispatcher compiles the suggestion chain around chatModel.
func NewDispatcher(ctx context.Context, chatModel model.BaseChatModel, cfg Config) (*Dispatcher, error) {
	if chatModel == nil {
		return nil, fmt.Errorf("chat model is required")
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 50
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.7
	}
	child := cfg.Profile
	if child.IsZero() {
		child = profile.Unspecified()
	}

	chatTemplate := prompt.FromMessages(
		schema.FString,
		schema.MessagesPlaceholder("history", false),
		schema.MessagesPlaceholder("query", false),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(chatTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile suggestion chain: %w", err)
	}

	return &Dispatcher{
		prompts:     newPrompts(),
		chain:       runnable,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		maxTurns:    cfg.MaxTurns,
		notify:      cfg.Notify,
		child:       child.WithDefaults(profile.Unspecified()),
	}, nil
}

// Generate 同步生成一条建议。失败时返回 FallbackSuggestion 与错误，历史保持不变。
func (d *Dispatcher) Generate(ctx context.Context, transcript string, label analysis.Label) (string, error) {
	d.callMu.Lock()
	defer d.callMu.Unlock()

	text, err := d.generateLocked(ctx, transcript, label)
	if err != nil {
		log.Printf("[suggestion] error generating suggestion: %v", err)
		return FallbackSuggestion, err
	}
	return text, nil
}

func (d *Dispatcher) generateLocked(ctx context.Context, transcript string, label analysis.Label) (string, error) {
	if !label.Valid() {
		label = analysis.Neutral
	}

	d.mu.RLock()
	history := append([]*schema.Message(nil), d.history...)
	child := d.child
	epoch := d.epoch
	d.mu.RUnlock()

	var seed *schema.Message
	if len(history) == 0 {
		system, err := d.prompts.systemMessage(ctx, child, label)
		if err != nil {
			return "", err
		}
		seed = system
		history = append(history, seed)
	}

	user, err := d.prompts.userMessage(ctx, transcript, label)
	if err != nil {
		return "", err
	}

	reply, err := d.chain.Invoke(ctx, map[string]any{
		"history": history,
		"query":   []*schema.Message{user},
	}, compose.WithChatModelOption(
		model.WithMaxTokens(d.maxTokens),
		model.WithTemperature(d.temperature),
	))
	if err != nil {
		return "", fmt.Errorf("failed to run suggestion chain: %w", err)
	}
	if reply == nil {
		return "", ErrEmptyReply
	}
	text := strings.TrimSpace(reply.Content)
	if text == "" {
		return "", ErrEmptyReply
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	// 请求期间历史被重置，结果不再写回
	if d.epoch != epoch {
		return text, nil
	}
	if seed != nil && len(d.history) == 0 {
		d.history = append(d.history, seed)
	}
	d.history = append(d.history, user, schema.AssistantMessage(text, nil))
	d.trimLocked()

	log.Printf("[suggestion] generated suggestion (%d chars), history=%d", len(text), len(d.history))
	return text, nil
}

// trimLocked 丢弃最早的 user/assistant 对，保留系统消息。
func (d *Dispatcher) trimLocked() {
	if d.maxTurns <= 0 {
		return
	}

	start := 0
	if len(d.history) > 0 && d.history[0].Role == schema.System {
		start = 1
	}
	excess := len(d.history) - start - 2*d.maxTurns
	if excess <= 0 {
		return
	}
	if excess%2 != 0 {
		excess++
	}
	trimmed := make([]*schema.Message, 0, len(d.history)-excess)
	trimmed = append(trimmed, d.history[:start]...)
	trimmed = append(trimmed, d.history[start+excess:]...)
	d.history = trimmed
}

// Dispatch 异步生成建议；已有请求在运行时返回 ErrSuggestionInFlight。
// 任务不随 ctx 取消，只能通过 Task.Cancel 取消。
func (d *Dispatcher) Dispatch(ctx context.Context, transcript string, label analysis.Label) (*Task, error) {
	if !d.inFlight.CompareAndSwap(false, true) {
		return nil, ErrSuggestionInFlight
	}

	taskCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	task := &Task{done: make(chan struct{}), cancel: cancel}

	go func() {
		defer cancel()

		text, err := d.Generate(taskCtx, transcript, label)
		result := Result{Text: text, Emotion: label, Fallback: err != nil, Err: err}

		d.mu.Lock()
		d.last = &result
		d.mu.Unlock()

		task.finish(result)
		d.inFlight.Store(false)

		if d.notify != nil {
			d.notify(result)
		}
	}()

	return task, nil
}

// Pending reports whether an asynchronous request is running.
func (d *Dispatcher) Pending() bool {
	return d.inFlight.Load()
}

// LastResult returns the most recent asynchronous result.
func (d *Dispatcher) LastResult() (Result, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.last == nil {
		return Result{}, false
	}
	return *d.last, true
}

// ResetConversation 清空对话历史与最近一次结果。
func (d *Dispatcher) ResetConversation() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.history = nil
	d.last = nil
	d.epoch++
}

// ConversationLength 返回历史消息条数（含系统消息）。
func (d *Dispatcher) ConversationLength() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.history)
}

// History returns a copy of the conversation history.
func (d *Dispatcher) History() []*schema.Message {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]*schema.Message(nil), d.history...)
}

// SetChildProfile 更新孩子资料，空字段使用 "not specified"。已写入历史的系统消息不变。
func (d *Dispatcher) SetChildProfile(child profile.ChildProfile) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.child = child.WithDefaults(profile.Unspecified())
}

// ChildProfile returns the profile used for the next system prompt.
func (d *Dispatcher) ChildProfile() profile.ChildProfile {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.child
}

// Task 是一次异步建议请求的句柄。
type Task struct {
	done   chan struct{}
	cancel context.CancelFunc

	mu     sync.Mutex
	result Result
}

func (t *Task) finish(result Result) {
	t.mu.Lock()
	t.result = result
	t.mu.Unlock()
	close(t.done)
}

// Done is closed once the result is available.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Result 返回结果；任务未完成时 ok 为 false。
func (t *Task) Result() (Result, bool) {
	select {
	case <-t.done:
	default:
		return Result{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result, true
}

// Cancel aborts the model call. The task still completes with the fallback text.
func (t *Task) Cancel() {
	t.cancel()
}
