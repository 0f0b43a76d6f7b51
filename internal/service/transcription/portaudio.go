package transcription

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
)

const defaultChunkSamples = 1600 // 100ms @ 16kHz

// PortAudioSource 从默认输入设备读取 16kHz 单声道样本。
type PortAudioSource struct {
	sampleRate int
	chunk      int

	mu     sync.Mutex
	stream *portaudio.Stream
	buffer []int16
}

// NewPortAudioSource creates a microphone source.
func NewPortAudioSource(sampleRate int) *PortAudioSource {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	return &PortAudioSource{sampleRate: sampleRate, chunk: defaultChunkSamples * sampleRate / 16000}
}

func (p *PortAudioSource) SampleRate() int {
	return p.sampleRate
}

func (p *PortAudioSource) Open(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stream != nil {
		return nil
	}
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize portaudio: %w", err)
	}

	buffer := make([]int16, p.chunk)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(p.sampleRate), len(buffer), buffer)
	if err != nil {
		_ = portaudio.Terminate()
		return fmt.Errorf("failed to open microphone: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		_ = portaudio.Terminate()
		return fmt.Errorf("failed to start microphone: %w", err)
	}

	p.stream = stream
	p.buffer = buffer
	return nil
}

func (p *PortAudioSource) Read(ctx context.Context) ([]int16, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stream == nil {
		return nil, fmt.Errorf("microphone is not open")
	}
	if err := p.stream.Read(); err != nil && !errors.Is(err, portaudio.InputOverflowed) {
		return nil, fmt.Errorf("failed to read microphone: %w", err)
	}

	out := make([]int16, len(p.buffer))
	copy(out, p.buffer)
	return out, nil
}

func (p *PortAudioSource) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stream == nil {
		return nil
	}
	_ = p.stream.Stop()
	err := p.stream.Close()
	p.stream = nil
	p.buffer = nil
	if termErr := portaudio.Terminate(); err == nil {
		err = termErr
	}
	return err
}
