package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	speechmodel "github.com/zhouzirui/karitas/backend/internal/model/speech"
)

const (
	volcengineNoStreamURL = "wss://openspeech.bytedance.com/api/v3/sauc/bigmodel_nostream"
	// 16kHz, 16bit, mono, 200ms
	audioChunkSize = 6400
)

// VolcengineRecognizer 火山引擎大模型 ASR WebSocket 客户端
type VolcengineRecognizer struct {
	config   *speechmodel.RecognizerConfig
	endpoint string
	dial     dialOptions
	// pace 为分包发送间隔，0 表示不等待
	pace time.Duration
}

type asrServerMessage struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	Sequence int    `json:"sequence"`
	Result   struct {
		Text       string         `json:"text"`
		Utterances []asrUtterance `json:"utterances,omitempty"`
	} `json:"result,omitempty"`
	AudioInfo struct {
		Duration int64 `json:"duration"`
	} `json:"audio_info,omitempty"`
}

type asrUtterance struct {
	Text      string `json:"text"`
	StartTime int64  `json:"start_time"`
	EndTime   int64  `json:"end_time"`
	Definite  bool   `json:"definite"`
}

// asrRequest 首包中的识别参数（按文档格式）
type asrRequest struct {
	User struct {
		UID string `json:"uid,omitempty"`
	} `json:"user,omitempty"`
	Audio struct {
		Language string `json:"language,omitempty"`
		Format   string `json:"format"`
		Codec    string `json:"codec,omitempty"`
		Rate     int    `json:"rate,omitempty"`
		Bits     int    `json:"bits,omitempty"`
		Channel  int    `json:"channel,omitempty"`
	} `json:"audio"`
	Request struct {
		ModelName      string `json:"model_name"`
		EnableITN      bool   `json:"enable_itn,omitempty"`
		EnablePunc     bool   `json:"enable_punc,omitempty"`
		ShowUtterances bool   `json:"show_utterances,omitempty"`
		ResultType     string `json:"result_type,omitempty"`
		EndWindowSize  int    `json:"end_window_size,omitempty"`
	} `json:"request"`
}

// NewVolcengineRecognizer 创建火山引擎识别器
func NewVolcengineRecognizer(config *speechmodel.RecognizerConfig) (*VolcengineRecognizer, error) {
	if _, _, err := resolveCredentials(config); err != nil {
		return nil, err
	}

	endpoint := strings.TrimSpace(config.Endpoint)
	if endpoint == "" {
		endpoint = volcengineNoStreamURL
	}
	return &VolcengineRecognizer{
		config:   config,
		endpoint: endpoint,
		dial:     defaultDialOptions(),
	}, nil
}

// resolveCredentials 返回规范化后的 AppID 与 AccessToken，缺失时给出明确错误。
func resolveCredentials(cfg *speechmodel.RecognizerConfig) (string, string, error) {
	if cfg == nil {
		return "", "", fmt.Errorf("火山引擎语音配置未初始化")
	}

	appID := strings.TrimSpace(cfg.AppID)
	token := strings.TrimSpace(cfg.AccessToken)
	if token == "" {
		token = strings.TrimSpace(cfg.APIKey)
	}
	if appID == "" || token == "" {
		return "", "", fmt.Errorf("火山引擎语音配置缺少 AppID 或 AccessToken")
	}
	return appID, token, nil
}

func (c *VolcengineRecognizer) Recognize(ctx context.Context, wav []byte) (string, error) {
	result, err := c.Transcribe(ctx, wav)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(result.Text) == "" {
		return "", ErrUnintelligible
	}
	return strings.TrimSpace(result.Text), nil
}

// Transcribe 发送整段 WAV 并等待最终结果
func (c *VolcengineRecognizer) Transcribe(ctx context.Context, wav []byte) (*speechmodel.Recognition, error) {
	if len(wav) == 0 {
		return nil, fmt.Errorf("no audio data to send")
	}
	if c.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(c.config.Timeout)*time.Second)
		defer cancel()
	}

	appID, token, err := resolveCredentials(c.config)
	if err != nil {
		return nil, err
	}

	connectID := uuid.NewString()
	header := http.Header{}
	header.Set("X-Api-App-Key", appID)
	header.Set("X-Api-Access-Key", token)
	resourceID := "volc.bigasr.sauc.duration" // 小时版
	if c.config.ConcurrentMode {
		resourceID = "volc.bigasr.sauc.concurrent" // 并发版
	}
	header.Set("X-Api-Resource-Id", resourceID)
	header.Set("X-Api-Connect-Id", connectID)

	conn, resp, err := dialWithRetry(ctx, c.dial, c.endpoint, header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ASR WebSocket: %w", err)
	}
	defer conn.Close()

	logID := ""
	if resp != nil {
		logID = resp.Header.Get("X-Tt-Logid")
	}

	payload, err := json.Marshal(c.buildRequest(connectID))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ASR request: %w", err)
	}
	first, err := newFullClientRequest(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to compress payload: %w", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, EncodeFrame(first)); err != nil {
		return nil, fmt.Errorf("failed to send ASR request: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// 关闭连接以解除阻塞的读
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	sendErrCh := make(chan error, 1)
	go func() {
		sendErrCh <- c.sendAudio(ctx, conn, wav)
	}()

	type received struct {
		result *speechmodel.Recognition
		err    error
	}
	recvCh := make(chan received, 1)
	go func() {
		result, err := c.receive(conn)
		recvCh <- received{result: result, err: err}
	}()

	for {
		select {
		case err := <-sendErrCh:
			if err != nil {
				return nil, fmt.Errorf("failed to send audio data: %w", err)
			}
		case r := <-recvCh:
			if r.err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return nil, r.err
			}
			r.result.RequestID = firstNonEmpty(logID, connectID)
			return r.result, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *VolcengineRecognizer) buildRequest(uid string) *asrRequest {
	req := &asrRequest{}
	req.User.UID = uid

	req.Audio.Format = "wav"
	req.Audio.Language = c.config.Language
	if req.Audio.Language == "" {
		req.Audio.Language = "en-US"
	}
	req.Audio.Codec = "raw"
	req.Audio.Rate = SampleRate
	req.Audio.Bits = bitDepth
	req.Audio.Channel = 1

	req.Request.ModelName = "bigmodel"
	req.Request.EnableITN = true
	req.Request.EnablePunc = true
	req.Request.ShowUtterances = true
	req.Request.ResultType = "full"
	req.Request.EndWindowSize = 800
	return req
}

// sendAudio 分包发送音频，音频包序号从 2 开始
func (c *VolcengineRecognizer) sendAudio(ctx context.Context, conn *websocket.Conn, audioData []byte) error {
	sequence := int32(2)
	for i := 0; i < len(audioData); i += audioChunkSize {
		end := i + audioChunkSize
		if end > len(audioData) {
			end = len(audioData)
		}
		last := end >= len(audioData)

		frame, err := newAudioRequest(audioData[i:end], sequence, last)
		if err != nil {
			return fmt.Errorf("failed to compress audio chunk: %w", err)
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, EncodeFrame(frame)); err != nil {
			return fmt.Errorf("failed to send audio chunk: %w", err)
		}
		sequence++

		if last || c.pace <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.pace):
		}
	}
	return nil
}

// receive 读取服务端响应直到最后一包
func (c *VolcengineRecognizer) receive(conn *websocket.Conn) (*speechmodel.Recognition, error) {
	var (
		finalText string
		duration  int64
	)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("failed to read ASR response: %w", err)
		}

		frame, err := DecodeFrame(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to decode ASR message: %w", err)
		}

		switch frame.Header.MessageType {
		case ErrorMessage:
			payload, err := frame.payload()
			if err != nil {
				return nil, fmt.Errorf("ASR error message decode failed: %w", err)
			}
			return nil, fmt.Errorf("ASR error %d: %s", frame.ErrorCode, string(payload))

		case FullServerResponse:
			payload, err := frame.payload()
			if err != nil {
				return nil, fmt.Errorf("failed to decompress ASR payload: %w", err)
			}

			var msg asrServerMessage
			if err := json.Unmarshal(payload, &msg); err != nil {
				log.Printf("[ASR] failed to unmarshal response: %v", err)
				continue
			}
			if msg.Code != 0 && msg.Code != 20000000 {
				return nil, fmt.Errorf("ASR API error %d: %s", msg.Code, msg.Message)
			}

			text := msg.Result.Text
			if text == "" {
				text = joinUtterances(msg.Result.Utterances)
			}
			if text != "" {
				finalText = text
			}
			if msg.AudioInfo.Duration > 0 {
				duration = msg.AudioInfo.Duration
			}

			if frame.IsLast() || msg.Sequence < 0 {
				return &speechmodel.Recognition{
					Text:      finalText,
					Duration:  duration,
					Provider:  "volcengine",
					CreatedAt: time.Now(),
				}, nil
			}
		}
	}
}

func joinUtterances(utterances []asrUtterance) string {
	parts := make([]string, 0, len(utterances))
	for _, u := range utterances {
		if t := strings.TrimSpace(u.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
