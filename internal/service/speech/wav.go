package speech

import (
	"fmt"
	"io"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/orcaman/writerseeker"
)

const (
	// SampleRate 识别链路统一使用的采样率
	SampleRate = 16000
	bitDepth   = 16
)

// EncodeWAV 将 16bit 单声道 PCM 样本编码为 RIFF WAV。
func EncodeWAV(samples []int16) ([]byte, error) {
	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(s)
	}

	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: SampleRate},
		Data:           data,
		SourceBitDepth: bitDepth,
	}

	out := &writerseeker.WriterSeeker{}
	encoder := wav.NewEncoder(out, SampleRate, bitDepth, 1, 1)
	if err := encoder.Write(buffer); err != nil {
		return nil, fmt.Errorf("failed to write wav samples: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish wav: %w", err)
	}

	encoded, err := io.ReadAll(out.Reader())
	if err != nil {
		return nil, fmt.Errorf("failed to read wav into memory: %w", err)
	}
	return encoded, nil
}

// DecodeWAV 读取 WAV 中的 PCM 样本，返回样本与采样率。
func DecodeWAV(r io.ReadSeeker) ([]int16, int, error) {
	decoder := wav.NewDecoder(r)
	if !decoder.IsValidFile() {
		return nil, 0, fmt.Errorf("invalid wav file")
	}

	buffer, err := decoder.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to decode wav: %w", err)
	}

	channels := buffer.Format.NumChannels
	if channels < 1 {
		channels = 1
	}
	samples := make([]int16, 0, len(buffer.Data)/channels)
	for i := 0; i < len(buffer.Data); i += channels {
		samples = append(samples, int16(buffer.Data[i]))
	}
	return samples, buffer.Format.SampleRate, nil
}
