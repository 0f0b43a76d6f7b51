package suggestion

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	analysis "github.com/zhouzirui/karitas/backend/internal/analysis/emotion"
	"github.com/zhouzirui/karitas/backend/internal/model/profile"
)

// fakeChatModel 记录收到的消息并按顺序返回预设回复。
type fakeChatModel struct {
	mu      sync.Mutex
	replies []string
	errs    []error
	calls   int
	inputs  [][]*schema.Message
	options []*model.Options
	block   chan struct{}
	started chan struct{}
}

func (m *fakeChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	if m.started != nil {
		m.started <- struct{}{}
	}
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.calls
	m.calls++
	m.inputs = append(m.inputs, input)
	m.options = append(m.options, model.GetCommonOptions(&model.Options{}, opts...))

	if i < len(m.errs) && m.errs[i] != nil {
		return nil, m.errs[i]
	}
	reply := ""
	if i < len(m.replies) {
		reply = m.replies[i]
	}
	return schema.AssistantMessage(reply, nil), nil
}

func (m *fakeChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := m.Generate(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
}

func newTestDispatcher(t *testing.T, m *fakeChatModel, cfg Config) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(context.Background(), m, cfg)
	if err != nil {
		t.Fatalf("NewDispatcher err: %v", err)
	}
	return d
}

func TestGenerateFirstCallSeedsSystemPrompt(t *testing.T) {
	m := &fakeChatModel{replies: []string{"  Hi! How are you?  "}}
	d := newTestDispatcher(t, m, Config{Profile: profile.Default()})

	text, err := d.Generate(context.Background(), "[10:00:01] User: hello", analysis.Happiness)
	if err != nil {
		t.Fatalf("Generate err: %v", err)
	}
	if text != "Hi! How are you?" {
		t.Fatalf("reply should be trimmed, got %q", text)
	}

	input := m.inputs[0]
	if len(input) != 2 || input[0].Role != schema.System || input[1].Role != schema.User {
		t.Fatalf("expected [system, user], got %d messages", len(input))
	}
	for _, want := range []string{"Age: teen/adult", "Level 1 (high-functioning)", "Current facial expression of conversation partner: happiness"} {
		if !strings.Contains(input[0].Content, want) {
			t.Fatalf("system prompt missing %q:\n%s", want, input[0].Content)
		}
	}
	wantUser := "Conversation so far:\n[10:00:01] User: hello\n\nThe other person's current expression is: happiness\n\nSuggest a brief, appropriate response for the child."
	if input[1].Content != wantUser {
		t.Fatalf("unexpected user message:\n%q", input[1].Content)
	}

	opts := m.options[0]
	if opts.MaxTokens == nil || *opts.MaxTokens != 50 {
		t.Fatalf("expected max tokens 50, got %v", opts.MaxTokens)
	}
	if opts.Temperature == nil || *opts.Temperature != 0.7 {
		t.Fatalf("expected temperature 0.7, got %v", opts.Temperature)
	}

	if d.ConversationLength() != 3 {
		t.Fatalf("expected system+user+assistant, got %d", d.ConversationLength())
	}
}

func TestGenerateWithoutTranscriptUsesExpressionPrompt(t *testing.T) {
	m := &fakeChatModel{replies: []string{"You look surprised!"}}
	d := newTestDispatcher(t, m, Config{})

	if _, err := d.Generate(context.Background(), "   ", analysis.Surprise); err != nil {
		t.Fatalf("Generate err: %v", err)
	}
	want := "The person the child is talking to has a surprise expression on their face. Suggest a brief, appropriate response or conversation starter for the child."
	if got := m.inputs[0][1].Content; got != want {
		t.Fatalf("unexpected user message %q", got)
	}
	if !strings.Contains(m.inputs[0][0].Content, "Age: not specified") {
		t.Fatalf("default profile should be unspecified:\n%s", m.inputs[0][0].Content)
	}
}

func TestGenerateSeedsOnlyOnce(t *testing.T) {
	m := &fakeChatModel{replies: []string{"one", "two"}}
	d := newTestDispatcher(t, m, Config{})

	d.Generate(context.Background(), "a", analysis.Neutral)
	d.Generate(context.Background(), "b", analysis.Anger)

	second := m.inputs[1]
	systems := 0
	for _, msg := range second {
		if msg.Role == schema.System {
			systems++
		}
	}
	if systems != 1 || len(second) != 4 {
		t.Fatalf("expected one system message and 4 total, got %d/%d", systems, len(second))
	}
	if d.ConversationLength() != 5 {
		t.Fatalf("expected 5 messages, got %d", d.ConversationLength())
	}
}

func TestGenerateFailureKeepsHistory(t *testing.T) {
	cases := []struct {
		name string
		m    *fakeChatModel
	}{
		{name: "model error", m: &fakeChatModel{errs: []error{errors.New("rate limited")}}},
		{name: "empty reply", m: &fakeChatModel{replies: []string{"   "}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := newTestDispatcher(t, tc.m, Config{})
			text, err := d.Generate(context.Background(), "hello", analysis.Neutral)
			if err == nil {
				t.Fatal("expected error")
			}
			if text != FallbackSuggestion {
				t.Fatalf("expected fallback text, got %q", text)
			}
			if d.ConversationLength() != 0 {
				t.Fatalf("failed call must not seed or append history, got %d", d.ConversationLength())
			}
		})
	}
}

func TestResetAndProfile(t *testing.T) {
	m := &fakeChatModel{replies: []string{"one", "two"}}
	d := newTestDispatcher(t, m, Config{})

	d.Generate(context.Background(), "", analysis.Neutral)
	d.ResetConversation()
	if d.ConversationLength() != 0 {
		t.Fatal("reset must empty the history")
	}

	d.SetChildProfile(profile.ChildProfile{Age: "8"})
	d.Generate(context.Background(), "", analysis.Neutral)
	system := m.inputs[1][0].Content
	if !strings.Contains(system, "Age: 8") || !strings.Contains(system, "Autism Level: not specified") {
		t.Fatalf("new profile should seed the next system prompt:\n%s", system)
	}
}

func TestMaxTurnsTrimsOldestPairs(t *testing.T) {
	m := &fakeChatModel{replies: []string{"r1", "r2", "r3"}}
	d := newTestDispatcher(t, m, Config{MaxTurns: 2})

	for _, q := range []string{"q1", "q2", "q3"} {
		if _, err := d.Generate(context.Background(), q, analysis.Neutral); err != nil {
			t.Fatalf("Generate err: %v", err)
		}
	}

	history := d.History()
	if len(history) != 5 {
		t.Fatalf("expected system + 2 pairs, got %d", len(history))
	}
	if history[0].Role != schema.System || history[2].Content != "r2" || history[4].Content != "r3" {
		t.Fatalf("unexpected history after trim: %v", history)
	}
}

func TestDispatchRejectsWhileInFlight(t *testing.T) {
	m := &fakeChatModel{
		replies: []string{"Nice to meet you!"},
		block:   make(chan struct{}),
		started: make(chan struct{}, 1),
	}

	var (
		mu       sync.Mutex
		notified []Result
	)
	d := newTestDispatcher(t, m, Config{Notify: func(r Result) {
		mu.Lock()
		notified = append(notified, r)
		mu.Unlock()
	}})

	task, err := d.Dispatch(context.Background(), "hello", analysis.Happiness)
	if err != nil {
		t.Fatalf("Dispatch err: %v", err)
	}
	<-m.started

	if _, err := d.Dispatch(context.Background(), "again", analysis.Happiness); !errors.Is(err, ErrSuggestionInFlight) {
		t.Fatalf("expected ErrSuggestionInFlight, got %v", err)
	}
	if !d.Pending() {
		t.Fatal("expected a pending request")
	}
	if _, ok := task.Result(); ok {
		t.Fatal("result must not be ready yet")
	}

	close(m.block)
	select {
	case <-task.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("task did not finish")
	}

	result, ok := task.Result()
	if !ok || result.Text != "Nice to meet you!" || result.Fallback || result.Emotion != analysis.Happiness {
		t.Fatalf("unexpected result %+v", result)
	}

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := len(notified)
		mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("notify callback not called")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if last, ok := d.LastResult(); !ok || last.Text != "Nice to meet you!" {
		t.Fatalf("unexpected last result %+v", last)
	}
}

func TestDispatchCancel(t *testing.T) {
	m := &fakeChatModel{block: make(chan struct{}), started: make(chan struct{}, 1)}
	d := newTestDispatcher(t, m, Config{})

	task, err := d.Dispatch(context.Background(), "", analysis.Fear)
	if err != nil {
		t.Fatalf("Dispatch err: %v", err)
	}
	<-m.started
	task.Cancel()
	<-task.Done()

	result, _ := task.Result()
	if !result.Fallback || result.Text != FallbackSuggestion || result.Err == nil {
		t.Fatalf("expected cancelled fallback, got %+v", result)
	}
	if d.ConversationLength() != 0 {
		t.Fatal("cancelled request must not touch history")
	}
}

func TestResetDuringGenerationDiscardsExchange(t *testing.T) {
	m := &fakeChatModel{replies: []string{"late"}, block: make(chan struct{}), started: make(chan struct{}, 1)}
	d := newTestDispatcher(t, m, Config{})

	task, _ := d.Dispatch(context.Background(), "hi", analysis.Neutral)
	<-m.started
	d.ResetConversation()
	close(m.block)
	<-task.Done()

	if d.ConversationLength() != 0 {
		t.Fatalf("exchange from before reset must be discarded, got %d", d.ConversationLength())
	}
}
