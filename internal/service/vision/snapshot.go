package vision

import (
	"bytes"
	"fmt"

	"github.com/disintegration/imaging"

	visionmodel "github.com/zhouzirui/karitas/backend/internal/model/vision"
)

const defaultJPEGQuality = 80

// SnapshotOptions 控制快照编码。
type SnapshotOptions struct {
	// MaxWidth scales the frame down, keeping aspect ratio. Zero keeps the original size.
	MaxWidth int
	Quality  int
}

// EncodeJPEG 将帧编码为 JPEG，必要时等比缩放。
func EncodeJPEG(frame visionmodel.Frame, opts SnapshotOptions) ([]byte, error) {
	if frame.Empty() {
		return nil, fmt.Errorf("empty frame")
	}

	if frame.Format == visionmodel.FormatJPEG && (opts.MaxWidth <= 0 || opts.MaxWidth >= frame.Width) {
		return append([]byte(nil), frame.Data...), nil
	}

	img, err := frame.Image()
	if err != nil {
		return nil, err
	}

	if opts.MaxWidth > 0 && img.Bounds().Dx() > opts.MaxWidth {
		img = imaging.Resize(img, opts.MaxWidth, 0, imaging.Linear)
	}

	quality := opts.Quality
	if quality <= 0 || quality > 100 {
		quality = defaultJPEGQuality
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
