package vision

import (
	"context"
	"fmt"
	"sync"
	"time"

	visionmodel "github.com/zhouzirui/karitas/backend/internal/model/vision"
)

// SyntheticSource 生成移动的渐变测试图案，用于没有摄像头的开发环境。
type SyntheticSource struct {
	width  int
	height int
	fps    int

	mu     sync.Mutex
	open   bool
	ticker *time.Ticker
	seq    uint64
}

// NewSyntheticSource creates a BGR24 test pattern source.
func NewSyntheticSource(width, height, fps int) *SyntheticSource {
	if width <= 0 {
		width = 640
	}
	if height <= 0 {
		height = 480
	}
	if fps <= 0 {
		fps = 30
	}
	return &SyntheticSource{width: width, height: height, fps: fps}
}

func (s *SyntheticSource) Name() string {
	return fmt.Sprintf("synthetic:%dx%d@%d", s.width, s.height, s.fps)
}

func (s *SyntheticSource) Open(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open {
		return nil
	}
	s.ticker = time.NewTicker(time.Second / time.Duration(s.fps))
	s.open = true
	return nil
}

func (s *SyntheticSource) Read(ctx context.Context) (visionmodel.Frame, error) {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return visionmodel.Frame{}, ErrSourceClosed
	}
	ticker := s.ticker
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return visionmodel.Frame{}, ctx.Err()
	case <-ticker.C:
	}

	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	return visionmodel.Frame{
		Seq:        seq,
		Width:      s.width,
		Height:     s.height,
		Format:     visionmodel.FormatBGR24,
		Data:       s.pattern(seq),
		CapturedAt: time.Now(),
	}, nil
}

func (s *SyntheticSource) pattern(seq uint64) []byte {
	data := make([]byte, s.width*s.height*3)
	shift := int(seq % 256)
	for y := 0; y < s.height; y++ {
		row := y * s.width * 3
		for x := 0; x < s.width; x++ {
			i := row + x*3
			data[i] = byte((x + shift) % 256)
			data[i+1] = byte((y + shift) % 256)
			data[i+2] = byte((x + y) % 256)
		}
	}
	return data
}

func (s *SyntheticSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return nil
	}
	s.ticker.Stop()
	s.open = false
	return nil
}
