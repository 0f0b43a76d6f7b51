package suggestion

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"

	analysis "github.com/zhouzirui/karitas/backend/internal/analysis/emotion"
	"github.com/zhouzirui/karitas/backend/internal/model/profile"
)

// FallbackSuggestion 在生成失败时返回给孩子的固定句子。
const FallbackSuggestion = "I'm not sure what to say right now."

const systemPromptTemplate = `You are a helpful assistant supporting an autistic child during a conversation.
Based on the conversation context and the other person's facial expression, suggest an appropriate response
for the child to say. Keep your suggestion to ONE sentence or just a few words to avoid overwhelming the child.

Child's Profile:
- Age: {age}
- Autism Level: {autism_level}
- Communication Capabilities: {communication_capabilities}

Current facial expression of conversation partner: {expression}
`

const transcriptPromptTemplate = `Conversation so far:
{transcript}

The other person's current expression is: {emotion}

Suggest a brief, appropriate response for the child.`

const expressionOnlyPromptTemplate = "The person the child is talking to has a {emotion} expression on their face. Suggest a brief, appropriate response or conversation starter for the child."

// prompts 持有三个 FString 模板。
type prompts struct {
	system         prompt.ChatTemplate
	transcript     prompt.ChatTemplate
	expressionOnly prompt.ChatTemplate
}

func newPrompts() *prompts {
	return &prompts{
		system:         prompt.FromMessages(schema.FString, schema.SystemMessage(systemPromptTemplate)),
		transcript:     prompt.FromMessages(schema.FString, schema.UserMessage(transcriptPromptTemplate)),
		expressionOnly: prompt.FromMessages(schema.FString, schema.UserMessage(expressionOnlyPromptTemplate)),
	}
}

// systemMessage renders the system prompt for a profile and expression.
func (p *prompts) systemMessage(ctx context.Context, child profile.ChildProfile, label analysis.Label) (*schema.Message, error) {
	return render(ctx, p.system, map[string]any{
		"age":                        child.Age,
		"autism_level":               child.AutismLevel,
		"communication_capabilities": child.CommunicationCapabilities,
		"expression":                 label.String(),
	})
}

// userMessage 有转写内容时带上对话，否则只描述表情。
func (p *prompts) userMessage(ctx context.Context, transcript string, label analysis.Label) (*schema.Message, error) {
	if strings.TrimSpace(transcript) == "" {
		return render(ctx, p.expressionOnly, map[string]any{"emotion": label.String()})
	}
	return render(ctx, p.transcript, map[string]any{
		"transcript": transcript,
		"emotion":    label.String(),
	})
}

func render(ctx context.Context, tpl prompt.ChatTemplate, vars map[string]any) (*schema.Message, error) {
	messages, err := tpl.Format(ctx, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to render prompt: %w", err)
	}
	if len(messages) != 1 {
		return nil, fmt.Errorf("prompt rendered %d messages, expected 1", len(messages))
	}
	return messages[0], nil
}
