package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"

	speechmodel "github.com/zhouzirui/karitas/backend/internal/model/speech"
	"github.com/zhouzirui/karitas/backend/internal/service/ai"
	"github.com/zhouzirui/karitas/backend/internal/service/speech"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server     ServerConfig
	AI         AIConfig
	Suggestion SuggestionConfig
	Video      VideoConfig
	Expression ExpressionConfig
	Speech     SpeechConfig
	Profile    ProfileConfig
	MQTT       MQTTConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	aiCfg, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	suggestion, err := loadSuggestionConfig()
	if err != nil {
		return nil, err
	}

	video, err := loadVideoConfig()
	if err != nil {
		return nil, err
	}

	expression, err := loadExpressionConfig()
	if err != nil {
		return nil, err
	}

	speech, err := loadSpeechConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:     server,
		AI:         aiCfg,
		Suggestion: suggestion,
		Video:      video,
		Expression: expression,
		Speech:     speech,
		Profile:    ProfileConfig{File: strings.TrimSpace(os.Getenv("CHILD_PROFILE_FILE"))},
		MQTT:       loadMQTTConfig(),
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// 支持的大模型提供方
const (
	ProviderOpenAI = "openai"
	ProviderArk    = "ark"
)

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	Provider      string
	OpenAIAPIKey  string
	OpenAIBaseURL string
	ModelName     string

	// Ark
	APIKey    string
	AccessKey string
	SecretKey string
	Model     string
	BaseURL   string
	Region    string

	Timeout time.Duration
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	switch c.Provider {
	case ProviderArk:
		return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
	default:
		return c.OpenAIAPIKey != "" && c.ModelName != ""
	}
}

// NewChatModel 使用配置创建一个模型实例。modelOverride 非空时替换模型名。
func (c AIConfig) NewChatModel(ctx context.Context, modelOverride string) (model.BaseChatModel, error) {
	if !c.Enabled() {
		if c.Provider == ProviderArk {
			return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + Model 或 AK/SK 组合")
		}
		return nil, fmt.Errorf("OpenAI 凭证缺失，请设置 OPENAI_API_KEY")
	}

	switch c.Provider {
	case ProviderArk:
		modelName := c.Model
		if modelOverride != "" {
			modelName = modelOverride
		}
		cfg := &ark.ChatModelConfig{
			BaseURL:   c.BaseURL,
			Region:    c.Region,
			APIKey:    c.APIKey,
			AccessKey: c.AccessKey,
			SecretKey: c.SecretKey,
			Model:     modelName,
		}
		if c.Timeout > 0 {
			timeout := c.Timeout
			cfg.Timeout = &timeout
		}
		return ark.NewChatModel(ctx, cfg)
	default:
		modelName := c.ModelName
		if modelOverride != "" {
			modelName = modelOverride
		}
		return ai.NewOpenAIChatModel(ai.OpenAIConfig{
			APIKey:  c.OpenAIAPIKey,
			BaseURL: c.OpenAIBaseURL,
			Model:   modelName,
		})
	}
}

func loadAIConfig() (AIConfig, error) {
	provider := strings.ToLower(getEnvOrDefault("AI_PROVIDER", ProviderOpenAI))
	if provider != ProviderOpenAI && provider != ProviderArk {
		return AIConfig{}, fmt.Errorf("invalid AI_PROVIDER value %q", provider)
	}

	timeout, err := parseSecondsEnv("AI_TIMEOUT", 30)
	if err != nil {
		return AIConfig{}, err
	}

	return AIConfig{
		Provider:      provider,
		OpenAIAPIKey:  strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		OpenAIBaseURL: strings.TrimSpace(os.Getenv("OPENAI_BASE_URL")),
		ModelName:     getEnvOrDefault("MODEL_NAME", "gpt-4o-mini"),
		APIKey:        strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:     strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:     strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:         strings.TrimSpace(os.Getenv("Model")),
		BaseURL:       getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:        getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Timeout:       timeout,
	}, nil
}

// SuggestionConfig 控制建议生成。
type SuggestionConfig struct {
	MaxTokens   int
	Temperature float32
	MaxTurns    int
}

func loadSuggestionConfig() (SuggestionConfig, error) {
	cfg := SuggestionConfig{MaxTokens: 50, Temperature: 0.7}

	maxTokens, err := parseOptionalIntEnv("SUGGESTION_MAX_TOKENS")
	if err != nil {
		return cfg, err
	}
	if maxTokens != nil {
		cfg.MaxTokens = *maxTokens
	}

	temperature, err := parseOptionalFloat32Env("SUGGESTION_TEMPERATURE")
	if err != nil {
		return cfg, err
	}
	if temperature != nil {
		cfg.Temperature = *temperature
	}

	maxTurns, err := parseOptionalIntEnv("SUGGESTION_MAX_TURNS")
	if err != nil {
		return cfg, err
	}
	if maxTurns != nil {
		if *maxTurns < 0 {
			return cfg, fmt.Errorf("invalid SUGGESTION_MAX_TURNS value %q", strconv.Itoa(*maxTurns))
		}
		cfg.MaxTurns = *maxTurns
	}
	return cfg, nil
}

// VideoSourceSynthetic 使用内置测试画面代替摄像头。
const VideoSourceSynthetic = "synthetic"

// VideoConfig 描述视频输入。
type VideoConfig struct {
	Source      string
	Width       int
	Height      int
	FPS         int
	FFmpegPath  string
	ReadBackoff time.Duration
	FrameTick   time.Duration
}

func loadVideoConfig() (VideoConfig, error) {
	cfg := VideoConfig{
		Source:     getEnvOrDefault("VIDEO_SOURCE", "/dev/video0"),
		FFmpegPath: getEnvOrDefault("FFMPEG_PATH", "ffmpeg"),
	}

	var err error
	if cfg.Width, err = parseIntEnvOrDefault("VIDEO_WIDTH", 640); err != nil {
		return cfg, err
	}
	if cfg.Height, err = parseIntEnvOrDefault("VIDEO_HEIGHT", 480); err != nil {
		return cfg, err
	}
	if cfg.FPS, err = parseIntEnvOrDefault("VIDEO_FPS", 30); err != nil {
		return cfg, err
	}
	if cfg.ReadBackoff, err = parseMillisEnv("VIDEO_READ_BACKOFF_MS", 100); err != nil {
		return cfg, err
	}
	if cfg.FrameTick, err = parseMillisEnv("FRAME_TICK_MS", 33); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// 表情识别后端
const (
	ClassifierWorker = "worker"
	ClassifierModel  = "model"
	ClassifierNone   = "none"
)

// ExpressionConfig 描述表情识别。
type ExpressionConfig struct {
	Interval      time.Duration
	Classifier    string
	WorkerCommand []string
	Model         string
}

func loadExpressionConfig() (ExpressionConfig, error) {
	interval, err := parseSecondsEnv("EXPRESSION_UPDATE_INTERVAL", 10)
	if err != nil {
		return ExpressionConfig{}, err
	}

	classifier := strings.ToLower(getEnvOrDefault("EXPRESSION_CLASSIFIER", ClassifierWorker))
	switch classifier {
	case ClassifierWorker, ClassifierModel, ClassifierNone:
	default:
		return ExpressionConfig{}, fmt.Errorf("invalid EXPRESSION_CLASSIFIER value %q", classifier)
	}

	return ExpressionConfig{
		Interval:      interval,
		Classifier:    classifier,
		WorkerCommand: strings.Fields(os.Getenv("FER_WORKER_COMMAND")),
		Model:         strings.TrimSpace(os.Getenv("EXPRESSION_MODEL")),
	}, nil
}

// 语音识别后端
const (
	SpeechWhisper    = "whisper"
	SpeechVolcengine = "volcengine"
	SpeechNone       = "none"
)

// SpeechConfig 描述语音识别与麦克风配置
type SpeechConfig struct {
	Provider    string
	Recognizer  speechmodel.RecognizerConfig
	MicEnabled  bool
	Calibration time.Duration
	PhraseLimit time.Duration
}

// Enabled 表示是否配置了可用的识别后端。
func (c SpeechConfig) Enabled() bool {
	switch c.Provider {
	case SpeechVolcengine:
		return c.Recognizer.AppID != "" && c.Recognizer.AccessToken != ""
	case SpeechWhisper:
		return c.Recognizer.OpenAIAPIKey != ""
	default:
		return false
	}
}

// NewRecognizer 按 Provider 创建识别后端。
func (c SpeechConfig) NewRecognizer() (speech.Recognizer, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("speech provider %q is not configured", c.Provider)
	}

	recognizerCfg := c.Recognizer
	if c.Provider == SpeechVolcengine {
		recognizer, err := speech.NewVolcengineRecognizer(&recognizerCfg)
		if err != nil {
			return nil, err
		}
		return recognizer, nil
	}

	recognizer, err := speech.NewWhisperRecognizer(&recognizerCfg)
	if err != nil {
		return nil, err
	}
	return recognizer, nil
}

func loadSpeechConfig() (SpeechConfig, error) {
	provider := strings.ToLower(getEnvOrDefault("SPEECH_PROVIDER", SpeechWhisper))
	switch provider {
	case SpeechWhisper, SpeechVolcengine, SpeechNone:
	default:
		return SpeechConfig{}, fmt.Errorf("invalid SPEECH_PROVIDER value %q", provider)
	}

	timeoutSeconds, err := parseIntEnvOrDefault("SPEECH_TIMEOUT", 30)
	if err != nil {
		return SpeechConfig{}, err
	}

	micEnabled, err := parseBoolEnv("MIC_ENABLED", true)
	if err != nil {
		return SpeechConfig{}, err
	}

	calibration, err := parseSecondsEnv("MIC_CALIBRATION_SECONDS", 2)
	if err != nil {
		return SpeechConfig{}, err
	}

	phraseLimit, err := parseSecondsEnv("MIC_PHRASE_LIMIT_SECONDS", 10)
	if err != nil {
		return SpeechConfig{}, err
	}

	appID := strings.TrimSpace(os.Getenv("SPEECH_APP_ID"))
	accessToken := strings.TrimSpace(os.Getenv("SPEECH_ACCESS_TOKEN"))
	apiKey := strings.TrimSpace(os.Getenv("SPEECH_API_KEY"))
	if accessToken == "" {
		accessToken = apiKey
	}

	concurrent, err := parseBoolEnv("SPEECH_ASR_CONCURRENT", false)
	if err != nil {
		return SpeechConfig{}, err
	}

	return SpeechConfig{
		Provider: provider,
		Recognizer: speechmodel.RecognizerConfig{
			AppID:          appID,
			AccessToken:    accessToken,
			APIKey:         apiKey,
			ConcurrentMode: concurrent,
			Endpoint:       strings.TrimSpace(os.Getenv("SPEECH_ASR_ENDPOINT")),
			OpenAIAPIKey:   strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
			OpenAIBaseURL:  strings.TrimSpace(os.Getenv("OPENAI_BASE_URL")),
			WhisperModel:   getEnvOrDefault("WHISPER_MODEL", "whisper-1"),
			Language:       getEnvOrDefault("SPEECH_ASR_LANGUAGE", "en-US"),
			Timeout:        timeoutSeconds,
		},
		MicEnabled:  micEnabled,
		Calibration: calibration,
		PhraseLimit: phraseLimit,
	}, nil
}

// ProfileConfig 指向可选的孩子资料文件。
type ProfileConfig struct {
	File string
}

// MQTTConfig 描述会话事件转发。Broker 为空时关闭。
type MQTTConfig struct {
	Broker      string
	ClientID    string
	TopicPrefix string
}

// Enabled reports whether a broker is configured.
func (c MQTTConfig) Enabled() bool {
	return c.Broker != ""
}

func loadMQTTConfig() MQTTConfig {
	return MQTTConfig{
		Broker:      strings.TrimSpace(os.Getenv("MQTT_BROKER")),
		ClientID:    getEnvOrDefault("MQTT_CLIENT_ID", "karitas-backend"),
		TopicPrefix: strings.Trim(getEnvOrDefault("MQTT_TOPIC_PREFIX", "karitas"), "/"),
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalFloat32Env(key string) (*float32, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	result := float32(val)
	return &result, nil
}

func parseIntEnvOrDefault(key string, defaultValue int) (int, error) {
	val, err := parseOptionalIntEnv(key)
	if err != nil {
		return 0, err
	}
	if val == nil {
		return defaultValue, nil
	}
	if *val <= 0 {
		return 0, fmt.Errorf("invalid %s value %q: must be positive", key, strconv.Itoa(*val))
	}
	return *val, nil
}

// parseSecondsEnv 支持小数秒，例如 0.5。
func parseSecondsEnv(key string, defaultSeconds float64) (time.Duration, error) {
	val, err := parseOptionalFloatEnv(key)
	if err != nil {
		return 0, err
	}
	seconds := defaultSeconds
	if val != nil {
		if *val <= 0 {
			return 0, fmt.Errorf("invalid %s value %q: must be positive", key, strconv.FormatFloat(*val, 'f', -1, 64))
		}
		seconds = *val
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

func parseMillisEnv(key string, defaultMillis int) (time.Duration, error) {
	ms, err := parseIntEnvOrDefault(key, defaultMillis)
	if err != nil {
		return 0, err
	}
	return time.Duration(ms) * time.Millisecond, nil
}
