package vision

import (
	"context"
	"errors"
	"fmt"

	visionmodel "github.com/zhouzirui/karitas/backend/internal/model/vision"
)

// ErrSourceClosed 表示视频源已不可恢复地结束（设备断开或文件读完）。
var ErrSourceClosed = errors.New("video source closed")

// Source 是可以逐帧读取的视频源。
type Source interface {
	// Open acquires the device. It must fail when the device cannot deliver frames.
	Open(ctx context.Context) error
	// Read blocks until the next frame is available. Errors other than
	// ErrSourceClosed are treated as transient.
	Read(ctx context.Context) (visionmodel.Frame, error)
	Close() error
	Name() string
}

// ErrorKind classifies capture failures.
type ErrorKind string

const (
	DeviceUnavailable    ErrorKind = "device_unavailable"
	TransientReadFailure ErrorKind = "transient_read_failure"
)

// CaptureError 描述打开或读取视频源时的失败。
type CaptureError struct {
	Kind   ErrorKind
	Source string
	Err    error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("capture %s on %s: %v", e.Kind, e.Source, e.Err)
}

func (e *CaptureError) Unwrap() error {
	return e.Err
}
