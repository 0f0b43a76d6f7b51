package emotion

import (
	"context"
	"errors"
	"sync"

	visionmodel "github.com/zhouzirui/karitas/backend/internal/model/vision"
)

// ErrNoFace 表示帧中没有检测到人脸。
var ErrNoFace = errors.New("no face detected")

// Scores 是单张人脸在各表情上的得分，键为分类器的原始名称。
type Scores map[string]float64

// Classifier 对一帧画面做表情识别，最多返回一张人脸的得分。
type Classifier interface {
	Classify(ctx context.Context, frame visionmodel.Frame) (Scores, error)
}

// StaticClassifier 返回固定结果，用于开发环境与测试。
type StaticClassifier struct {
	mu     sync.Mutex
	scores Scores
	err    error
	calls  int
}

// NewStaticClassifier returns a classifier that always answers scores.
func NewStaticClassifier(scores Scores) *StaticClassifier {
	return &StaticClassifier{scores: scores}
}

// Set replaces the canned answer.
func (c *StaticClassifier) Set(scores Scores, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scores = scores
	c.err = err
}

// Calls reports how many frames were classified.
func (c *StaticClassifier) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *StaticClassifier) Classify(ctx context.Context, _ visionmodel.Frame) (Scores, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	if len(c.scores) == 0 {
		return nil, ErrNoFace
	}

	out := make(Scores, len(c.scores))
	for k, v := range c.scores {
		out[k] = v
	}
	return out, nil
}
