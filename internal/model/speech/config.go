package speech

// RecognizerConfig 语音识别配置
type RecognizerConfig struct {
	// Volcengine 配置
	AppID          string `json:"appId"`            // 火山引擎 APP ID
	AccessToken    string `json:"accessToken"`      // 火山引擎 Access Token
	APIKey         string `json:"apiKey,omitempty"` // 兼容旧配置的 API Key
	ConcurrentMode bool   `json:"concurrentMode"`   // ASR并发模式（false为小时版）
	Endpoint       string `json:"endpoint,omitempty"`

	// Whisper 配置
	OpenAIAPIKey  string `json:"-"`
	OpenAIBaseURL string `json:"openaiBaseUrl,omitempty"`
	WhisperModel  string `json:"whisperModel"`

	Language string `json:"language"` // en-US, zh-CN ...

	// 通用配置
	Timeout int `json:"timeout"` // seconds
}
