package vision

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"time"
)

// PixelFormat 描述 Frame.Data 的像素排列方式。
type PixelFormat string

const (
	FormatBGR24 PixelFormat = "bgr24"
	FormatRGB24 PixelFormat = "rgb24"
	FormatJPEG  PixelFormat = "jpeg"
)

// Frame 是视频源解码出的一帧图像。写入 FrameStore 后不可再修改。
type Frame struct {
	Seq        uint64      `json:"seq"`
	Width      int         `json:"width"`
	Height     int         `json:"height"`
	Format     PixelFormat `json:"format"`
	Data       []byte      `json:"-"`
	CapturedAt time.Time   `json:"capturedAt"`
}

// Clone returns a deep copy whose Data does not alias the receiver's.
func (f Frame) Clone() Frame {
	if f.Data != nil {
		f.Data = append([]byte(nil), f.Data...)
	}
	return f
}

// Empty reports whether the frame carries no pixels.
func (f Frame) Empty() bool {
	return len(f.Data) == 0
}

// Image 将帧解码为 image.Image，原始格式会转换为 NRGBA。
func (f Frame) Image() (image.Image, error) {
	switch f.Format {
	case FormatJPEG:
		img, err := jpeg.Decode(bytes.NewReader(f.Data))
		if err != nil {
			return nil, fmt.Errorf("failed to decode jpeg frame: %w", err)
		}
		return img, nil
	case FormatBGR24, FormatRGB24, "":
		return f.rawImage()
	default:
		return nil, fmt.Errorf("unsupported pixel format %q", f.Format)
	}
}

func (f Frame) rawImage() (image.Image, error) {
	if f.Width <= 0 || f.Height <= 0 {
		return nil, fmt.Errorf("invalid frame size %dx%d", f.Width, f.Height)
	}
	if want := f.Width * f.Height * 3; len(f.Data) < want {
		return nil, fmt.Errorf("short frame: got %d bytes, want %d", len(f.Data), want)
	}

	img := image.NewNRGBA(image.Rect(0, 0, f.Width, f.Height))
	bgr := f.Format != FormatRGB24
	for i, j := 0, 0; j < len(img.Pix); i, j = i+3, j+4 {
		r, g, b := f.Data[i], f.Data[i+1], f.Data[i+2]
		if bgr {
			r, b = b, r
		}
		img.Pix[j] = r
		img.Pix[j+1] = g
		img.Pix[j+2] = b
		img.Pix[j+3] = 0xff
	}
	return img, nil
}
