package transcription

import "context"

// AudioSource 是麦克风一类的 PCM 输入，按块读取 16bit 单声道样本。
type AudioSource interface {
	Open(ctx context.Context) error
	// Read 阻塞直到下一块样本就绪，返回的切片归调用方所有。
	Read(ctx context.Context) ([]int16, error)
	SampleRate() int
	Close() error
}
