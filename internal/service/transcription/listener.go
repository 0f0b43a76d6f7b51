package transcription

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrWaitTimeout 表示在等待时间内没有人开始说话。
var ErrWaitTimeout = errors.New("listening timed out waiting for phrase to start")

const (
	minEnergyThreshold = 300
	energyMultiplier   = 1.5
	defaultPause       = 800 * time.Millisecond
)

// Listener 基于能量阈值从音频流中切出一句话。
// 时间按样本数计算；设备只返回空数据时由挂钟兜底。
type Listener struct {
	source    AudioSource
	threshold float64
	pause     time.Duration
	now       func() time.Time
}

// NewListener wraps an opened source.
func NewListener(source AudioSource) *Listener {
	return &Listener{source: source, threshold: minEnergyThreshold, pause: defaultPause, now: time.Now}
}

// since 返回样本时长与挂钟时长中较大的一个。
func (l *Listener) since(start time.Time, samples time.Duration) time.Duration {
	if wall := l.now().Sub(start); wall > samples {
		return wall
	}
	return samples
}

// Threshold returns the current energy threshold.
func (l *Listener) Threshold() float64 {
	return l.threshold
}

// Calibrate 读取 duration 长度的环境噪声，阈值取 max(RMS*1.5, 300)。
func (l *Listener) Calibrate(ctx context.Context, duration time.Duration) error {
	var (
		sumSquares float64
		count      int
		elapsed    time.Duration
	)

	start := l.now()
	for l.since(start, elapsed) < duration {
		chunk, err := l.source.Read(ctx)
		if err != nil {
			return fmt.Errorf("failed to read ambient audio: %w", err)
		}
		for _, s := range chunk {
			sumSquares += float64(s) * float64(s)
		}
		count += len(chunk)
		elapsed += l.chunkDuration(chunk)
	}

	ambient := 0.0
	if count > 0 {
		ambient = math.Sqrt(sumSquares / float64(count))
	}
	l.threshold = math.Max(ambient*energyMultiplier, minEnergyThreshold)
	return nil
}

// Listen 等待一句话开始，并在静音 pause 或达到 phraseLimit 时结束。
// timeout 内没有检测到语音返回 ErrWaitTimeout。
func (l *Listener) Listen(ctx context.Context, timeout, phraseLimit time.Duration) ([]int16, error) {
	var (
		waited  time.Duration
		preroll []int16
	)

	start := l.now()
	// 等待语音开始
	for {
		chunk, err := l.source.Read(ctx)
		if err != nil {
			return nil, err
		}
		if rms(chunk) > l.threshold {
			return l.capture(ctx, append(preroll, chunk...), phraseLimit)
		}
		waited += l.chunkDuration(chunk)
		if timeout > 0 && l.since(start, waited) >= timeout {
			return nil, ErrWaitTimeout
		}
		preroll = chunk
	}
}

func (l *Listener) capture(ctx context.Context, phrase []int16, phraseLimit time.Duration) ([]int16, error) {
	var quiet time.Duration
	length := l.samplesDuration(len(phrase))

	start := l.now()
	for phraseLimit <= 0 || l.since(start, length) < phraseLimit {
		chunk, err := l.source.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			// 录到一半设备出错，已有内容仍然交给识别
			if len(phrase) > 0 {
				return phrase, nil
			}
			return nil, err
		}
		phrase = append(phrase, chunk...)
		length += l.chunkDuration(chunk)

		if rms(chunk) > l.threshold {
			quiet = 0
			continue
		}
		quiet += l.chunkDuration(chunk)
		if quiet >= l.pause {
			break
		}
	}
	return phrase, nil
}

func (l *Listener) chunkDuration(chunk []int16) time.Duration {
	return l.samplesDuration(len(chunk))
}

func (l *Listener) samplesDuration(n int) time.Duration {
	rate := l.source.SampleRate()
	if rate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(rate)
}

func rms(chunk []int16) float64 {
	if len(chunk) == 0 {
		return 0
	}
	var sum float64
	for _, s := range chunk {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(chunk)))
}
