package speech

import (
	"context"
	"errors"
)

// ErrUnintelligible 表示语音段没有识别出任何文字。
var ErrUnintelligible = errors.New("speech was unintelligible")

// Recognizer 将一段 16kHz/16bit/单声道 WAV 转为文字。
// 空结果返回 ErrUnintelligible，其余失败返回包装后的服务错误。
type Recognizer interface {
	Recognize(ctx context.Context, wav []byte) (string, error)
}
