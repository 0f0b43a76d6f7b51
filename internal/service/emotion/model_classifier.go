package emotion

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	visionmodel "github.com/zhouzirui/karitas/backend/internal/model/vision"
	"github.com/zhouzirui/karitas/backend/internal/service/vision"
)

// ModelClassifier 把画面交给多模态大模型，让其以 JSON 返回各表情得分。
type ModelClassifier struct {
	chatModel model.BaseChatModel
	maxWidth  int
}

// NewModelClassifier creates a classifier backed by a vision capable chat model.
func NewModelClassifier(chatModel model.BaseChatModel) (*ModelClassifier, error) {
	if chatModel == nil {
		return nil, fmt.Errorf("chat model is required")
	}
	return &ModelClassifier{chatModel: chatModel, maxWidth: 480}, nil
}

func (c *ModelClassifier) Classify(ctx context.Context, frame visionmodel.Frame) (Scores, error) {
	jpegData, err := vision.EncodeJPEG(frame, vision.SnapshotOptions{MaxWidth: c.maxWidth})
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}

	messages := []*schema.Message{
		schema.SystemMessage(expressionSystemPrompt),
		{
			Role: schema.User,
			MultiContent: []schema.ChatMessagePart{
				{Type: schema.ChatMessagePartTypeText, Text: expressionUserPrompt},
				{
					Type: schema.ChatMessagePartTypeImageURL,
					ImageURL: &schema.ChatMessageImageURL{
						URL:    "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(jpegData),
						Detail: schema.ImageURLDetailLow,
					},
				},
			},
		},
	}

	msg, err := c.chatModel.Generate(ctx, messages, model.WithTemperature(0))
	if err != nil {
		return nil, fmt.Errorf("failed to call expression model: %w", err)
	}
	if msg == nil || strings.TrimSpace(msg.Content) == "" {
		return nil, fmt.Errorf("empty expression model response")
	}

	payload, err := parseClassifierOutput(msg.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to parse expression model output: %w", err)
	}
	if !payload.Face || len(payload.Emotions) == 0 {
		return nil, ErrNoFace
	}
	return payload.Emotions, nil
}

// parseClassifierOutput 解析大模型返回的 JSON，容忍前后多余文本。
func parseClassifierOutput(content string) (*classifierPayload, error) {
	trimmed := strings.TrimSpace(content)
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start == -1 || end == -1 || end <= start {
		return nil, fmt.Errorf("missing json object")
	}

	payload := &classifierPayload{}
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), payload); err != nil {
		return nil, err
	}
	return payload, nil
}

type classifierPayload struct {
	Face     bool   `json:"face"`
	Emotions Scores `json:"emotions"`
}

const expressionSystemPrompt = "You are a facial expression classifier. Look at the most prominent face in the image.\nReturn only a JSON object with two fields: face (true if a human face is visible) and emotions (an object with the keys angry, disgust, fear, happy, sad, surprise, neutral, each a probability between 0 and 1).\nDo not output any other text."

const expressionUserPrompt = "Classify the facial expression of the person in this frame."
