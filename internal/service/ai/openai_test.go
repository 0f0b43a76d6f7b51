package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

func TestOpenAIChatModelGenerate(t *testing.T) {
	var got struct {
		Model       string  `json:"model"`
		MaxTokens   int     `json:"max_tokens"`
		Temperature float32 `json:"temperature"`
		Messages    []struct {
			Role    string `json:"role"`
			Content any    `json:"content"`
		} `json:"messages"`
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"model": "gpt-4o-mini",
			"choices": [{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": "Hello friend!"}}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 3, "total_tokens": 15}
		}`))
	}))
	defer server.Close()

	chatModel, err := NewOpenAIChatModel(OpenAIConfig{APIKey: "sk-test", BaseURL: server.URL + "/v1"})
	if err != nil {
		t.Fatalf("NewOpenAIChatModel err: %v", err)
	}

	msg, err := chatModel.Generate(context.Background(), []*schema.Message{
		schema.SystemMessage("be brief"),
		schema.UserMessage("hi"),
	}, model.WithMaxTokens(50), model.WithTemperature(0.7))
	if err != nil {
		t.Fatalf("Generate err: %v", err)
	}

	if msg.Content != "Hello friend!" || msg.Role != schema.Assistant {
		t.Fatalf("unexpected message %+v", msg)
	}
	if msg.ResponseMeta == nil || msg.ResponseMeta.Usage.TotalTokens != 15 {
		t.Fatalf("expected usage to be mapped, got %+v", msg.ResponseMeta)
	}
	if got.Model != "gpt-4o-mini" || got.MaxTokens != 50 || got.Temperature != 0.7 {
		t.Fatalf("unexpected request %+v", got)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" || got.Messages[1].Content != "hi" {
		t.Fatalf("unexpected messages %+v", got.Messages)
	}
}

func TestToOpenAIMessageMultiContent(t *testing.T) {
	msg := &schema.Message{
		Role: schema.User,
		MultiContent: []schema.ChatMessagePart{
			{Type: schema.ChatMessagePartTypeText, Text: "what is this face?"},
			{Type: schema.ChatMessagePartTypeImageURL, ImageURL: &schema.ChatMessageImageURL{URL: "data:image/jpeg;base64,AAAA", Detail: schema.ImageURLDetailLow}},
		},
	}

	out, err := toOpenAIMessage(msg)
	if err != nil {
		t.Fatalf("toOpenAIMessage err: %v", err)
	}
	if len(out.MultiContent) != 2 || out.MultiContent[1].ImageURL == nil || out.MultiContent[1].ImageURL.Detail != "low" {
		t.Fatalf("unexpected parts %+v", out.MultiContent)
	}
	if out.Content != "" {
		t.Fatalf("content must be empty when parts are used")
	}

	if _, err := toOpenAIMessage(&schema.Message{Role: schema.Tool, Content: "x"}); err == nil {
		t.Fatal("expected error for tool role")
	}
}

func TestNewOpenAIChatModelRequiresKey(t *testing.T) {
	if _, err := NewOpenAIChatModel(OpenAIConfig{}); err == nil {
		t.Fatal("expected error without api key")
	}
}
