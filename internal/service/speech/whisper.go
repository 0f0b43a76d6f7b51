package speech

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	speechmodel "github.com/zhouzirui/karitas/backend/internal/model/speech"
)

// WhisperRecognizer 调用 OpenAI 兼容的 /audio/transcriptions 接口
type WhisperRecognizer struct {
	client   *openai.Client
	model    string
	language string
	timeout  time.Duration
}

// NewWhisperRecognizer 创建 Whisper 识别器
func NewWhisperRecognizer(config *speechmodel.RecognizerConfig) (*WhisperRecognizer, error) {
	if config == nil || strings.TrimSpace(config.OpenAIAPIKey) == "" {
		return nil, fmt.Errorf("whisper recognizer requires OPENAI_API_KEY")
	}

	clientConfig := openai.DefaultConfig(strings.TrimSpace(config.OpenAIAPIKey))
	if baseURL := strings.TrimSpace(config.OpenAIBaseURL); baseURL != "" {
		clientConfig.BaseURL = baseURL
	}

	model := strings.TrimSpace(config.WhisperModel)
	if model == "" {
		model = openai.Whisper1
	}

	var timeout time.Duration
	if config.Timeout > 0 {
		timeout = time.Duration(config.Timeout) * time.Second
	}

	return &WhisperRecognizer{
		client:   openai.NewClientWithConfig(clientConfig),
		model:    model,
		language: isoLanguage(config.Language),
		timeout:  timeout,
	}, nil
}

func (w *WhisperRecognizer) Recognize(ctx context.Context, wav []byte) (string, error) {
	if len(wav) == 0 {
		return "", fmt.Errorf("no audio data to send")
	}
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	resp, err := w.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    w.model,
		Reader:   bytes.NewReader(wav),
		FilePath: "segment.wav",
		Language: w.language,
	})
	if err != nil {
		return "", fmt.Errorf("whisper transcription failed: %w", err)
	}

	text := strings.TrimSpace(strings.TrimSuffix(resp.Text, "[BLANK_AUDIO]"))
	if text == "" {
		return "", ErrUnintelligible
	}
	return text, nil
}

// isoLanguage 将 en-US 形式的语言代码转为 Whisper 需要的 ISO-639-1
func isoLanguage(tag string) string {
	tag = strings.TrimSpace(tag)
	if i := strings.IndexAny(tag, "-_"); i > 0 {
		tag = tag[:i]
	}
	return strings.ToLower(tag)
}
