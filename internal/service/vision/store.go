package vision

import (
	"sync"

	visionmodel "github.com/zhouzirui/karitas/backend/internal/model/vision"
)

// Stats 汇总 FrameStore 的写入情况。
type Stats struct {
	Puts    uint64 `json:"puts"`
	Dropped uint64 `json:"dropped"`
	LastSeq uint64 `json:"lastSeq"`
}

// FrameStore 是单槽帧缓存：写入总是覆盖旧帧，读取返回副本。
type FrameStore struct {
	mu      sync.Mutex
	current visionmodel.Frame
	has     bool
	read    bool
	stats   Stats
}

// NewFrameStore returns an empty store.
func NewFrameStore() *FrameStore {
	return &FrameStore{}
}

// Put 覆盖当前帧。调用方在写入后不得再修改 frame.Data。
func (s *FrameStore) Put(frame visionmodel.Frame) {
	s.mu.Lock()
	if s.has && !s.read {
		s.stats.Dropped++
	}
	s.current = frame
	s.has = true
	s.read = false
	s.stats.Puts++
	s.stats.LastSeq = frame.Seq
	s.mu.Unlock()
}

// Get 返回当前帧的副本；尚未写入时 ok 为 false。
func (s *FrameStore) Get() (visionmodel.Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.has {
		return visionmodel.Frame{}, false
	}
	s.read = true
	return s.current.Clone(), true
}

// Peek 与 Get 相同，但不把帧标记为已消费，用于预览和推流。
func (s *FrameStore) Peek() (visionmodel.Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.has {
		return visionmodel.Frame{}, false
	}
	return s.current.Clone(), true
}

// LastSeq returns the sequence number of the newest frame without copying it.
func (s *FrameStore) LastSeq() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.Seq, s.has
}

// Stats returns a snapshot of the counters.
func (s *FrameStore) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Reset 清空槽位，用于会话结束。
func (s *FrameStore) Reset() {
	s.mu.Lock()
	s.current = visionmodel.Frame{}
	s.has = false
	s.read = false
	s.stats = Stats{}
	s.mu.Unlock()
}
