package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/sashabaranov/go-openai"
)

// OpenAIConfig 描述 OpenAI 兼容接口的配置。
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature *float32
	MaxTokens   *int
}

// OpenAIChatModel 基于 go-openai 实现 eino 的 BaseChatModel。
type OpenAIChatModel struct {
	client   *openai.Client
	defaults model.Options
}

// NewOpenAIChatModel creates the adapter.
func NewOpenAIChatModel(cfg OpenAIConfig) (*OpenAIChatModel, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required")
	}
	modelName := strings.TrimSpace(cfg.Model)
	if modelName == "" {
		modelName = openai.GPT4oMini
	}

	clientConfig := openai.DefaultConfig(strings.TrimSpace(cfg.APIKey))
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		clientConfig.BaseURL = baseURL
	}

	return &OpenAIChatModel{
		client: openai.NewClientWithConfig(clientConfig),
		defaults: model.Options{
			Model:       &modelName,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
		},
	}, nil
}

func (m *OpenAIChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	req, err := m.buildRequest(input, opts...)
	if err != nil {
		return nil, err
	}

	resp, err := m.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openai chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai returned no choices")
	}

	choice := resp.Choices[0]
	msg := schema.AssistantMessage(choice.Message.Content, nil)
	msg.ResponseMeta = &schema.ResponseMeta{
		FinishReason: string(choice.FinishReason),
		Usage: &schema.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	return msg, nil
}

func (m *OpenAIChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	req, err := m.buildRequest(input, opts...)
	if err != nil {
		return nil, err
	}
	req.Stream = true

	stream, err := m.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openai chat stream failed: %w", err)
	}

	reader, writer := schema.Pipe[*schema.Message](8)
	go func() {
		defer stream.Close()
		defer writer.Close()

		for {
			chunk, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				writer.Send(nil, fmt.Errorf("openai stream receive failed: %w", err))
				return
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			if closed := writer.Send(schema.AssistantMessage(delta, nil), nil); closed {
				log.Printf("[ai] stream reader closed early")
				return
			}
		}
	}()

	return reader, nil
}

func (m *OpenAIChatModel) buildRequest(input []*schema.Message, opts ...model.Option) (openai.ChatCompletionRequest, error) {
	base := m.defaults
	options := model.GetCommonOptions(&base, opts...)

	req := openai.ChatCompletionRequest{}
	if options.Model != nil {
		req.Model = *options.Model
	}
	if options.Temperature != nil {
		req.Temperature = *options.Temperature
	}
	if options.MaxTokens != nil {
		req.MaxTokens = *options.MaxTokens
	}
	if options.TopP != nil {
		req.TopP = *options.TopP
	}
	req.Stop = options.Stop

	for _, msg := range input {
		converted, err := toOpenAIMessage(msg)
		if err != nil {
			return req, err
		}
		req.Messages = append(req.Messages, converted)
	}
	if len(req.Messages) == 0 {
		return req, fmt.Errorf("no messages to send")
	}
	return req, nil
}

func toOpenAIMessage(msg *schema.Message) (openai.ChatCompletionMessage, error) {
	if msg == nil {
		return openai.ChatCompletionMessage{}, fmt.Errorf("nil message")
	}

	var role string
	switch msg.Role {
	case schema.System:
		role = openai.ChatMessageRoleSystem
	case schema.User:
		role = openai.ChatMessageRoleUser
	case schema.Assistant:
		role = openai.ChatMessageRoleAssistant
	default:
		return openai.ChatCompletionMessage{}, fmt.Errorf("unsupported message role %q", msg.Role)
	}

	out := openai.ChatCompletionMessage{Role: role, Name: msg.Name}
	if len(msg.MultiContent) == 0 {
		out.Content = msg.Content
		return out, nil
	}

	for _, part := range msg.MultiContent {
		switch part.Type {
		case schema.ChatMessagePartTypeText:
			out.MultiContent = append(out.MultiContent, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeText,
				Text: part.Text,
			})
		case schema.ChatMessagePartTypeImageURL:
			if part.ImageURL == nil {
				continue
			}
			out.MultiContent = append(out.MultiContent, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    part.ImageURL.URL,
					Detail: openai.ImageURLDetail(part.ImageURL.Detail),
				},
			})
		default:
			return openai.ChatCompletionMessage{}, fmt.Errorf("unsupported content part %q", part.Type)
		}
	}
	return out, nil
}
