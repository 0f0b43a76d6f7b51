package speech

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
)

// 火山引擎 ASR WebSocket 二进制帧:
// 4 字节 header | 可选 4 字节 sequence | (错误帧) 4 字节错误码 | 4 字节 payload 长度 | payload

const protocolVersion = 0b0001

// MessageType 消息类型
type MessageType uint8

const (
	FullClientRequest  MessageType = 0b0001
	AudioOnlyRequest   MessageType = 0b0010
	FullServerResponse MessageType = 0b1001
	ErrorMessage       MessageType = 0b1111
)

// MessageFlags 低两位描述 sequence 字段
type MessageFlags uint8

const (
	NoSequenceNumber       MessageFlags = 0b0000
	PositiveSequenceNumber MessageFlags = 0b0001
	LastPacketNoSequence   MessageFlags = 0b0010
	NegativeSequenceNumber MessageFlags = 0b0011
)

// Serialization 序列化方法
type Serialization uint8

const (
	NoSerialization   Serialization = 0b0000
	JSONSerialization Serialization = 0b0001
)

// Compression 压缩方法
type Compression uint8

const (
	NoCompression   Compression = 0b0000
	GzipCompression Compression = 0b0001
)

// Header 4 字节消息头
type Header struct {
	HeaderSize    uint8
	MessageType   MessageType
	MessageFlags  MessageFlags
	Serialization Serialization
	Compression   Compression
}

// Frame 一条完整的协议消息
type Frame struct {
	Header    Header
	Sequence  int32
	ErrorCode uint32
	Payload   []byte
}

func newHeader(msgType MessageType, flags MessageFlags, serialization Serialization, compression Compression) Header {
	return Header{
		HeaderSize:    0b0001,
		MessageType:   msgType,
		MessageFlags:  flags,
		Serialization: serialization,
		Compression:   compression,
	}
}

func (h Header) encode() []byte {
	return []byte{
		protocolVersion<<4 | h.HeaderSize,
		uint8(h.MessageType)<<4 | uint8(h.MessageFlags),
		uint8(h.Serialization)<<4 | uint8(h.Compression),
		0,
	}
}

func (h Header) hasSequence() bool {
	switch h.MessageFlags & 0b0011 {
	case PositiveSequenceNumber, NegativeSequenceNumber:
		return true
	default:
		return false
	}
}

// IsLast 判断是否为最后一包
func (f *Frame) IsLast() bool {
	switch f.Header.MessageFlags & 0b0011 {
	case LastPacketNoSequence, NegativeSequenceNumber:
		return true
	default:
		return false
	}
}

// EncodeFrame 编码消息
func EncodeFrame(f *Frame) []byte {
	buf := bytes.NewBuffer(nil)
	buf.Write(f.Header.encode())

	word := make([]byte, 4)
	if f.Header.hasSequence() {
		binary.BigEndian.PutUint32(word, uint32(f.Sequence))
		buf.Write(word)
	}
	if f.Header.MessageType == ErrorMessage {
		binary.BigEndian.PutUint32(word, f.ErrorCode)
		buf.Write(word)
	}

	binary.BigEndian.PutUint32(word, uint32(len(f.Payload)))
	buf.Write(word)
	buf.Write(f.Payload)
	return buf.Bytes()
}

// DecodeFrame 解码消息
func DecodeFrame(r io.Reader) (*Frame, error) {
	raw := make([]byte, 4)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	if version := raw[0] >> 4; version != protocolVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", version)
	}

	f := &Frame{Header: Header{
		HeaderSize:    raw[0] & 0x0F,
		MessageType:   MessageType(raw[1] >> 4),
		MessageFlags:  MessageFlags(raw[1] & 0x0F),
		Serialization: Serialization(raw[2] >> 4),
		Compression:   Compression(raw[2] & 0x0F),
	}}

	// header 扩展字段直接跳过
	if extra := int(f.Header.HeaderSize)*4 - 4; extra > 0 {
		if _, err := io.CopyN(io.Discard, r, int64(extra)); err != nil {
			return nil, fmt.Errorf("failed to read extended header: %w", err)
		}
	}

	if f.Header.hasSequence() {
		if err := binary.Read(r, binary.BigEndian, &f.Sequence); err != nil {
			return nil, fmt.Errorf("failed to read sequence: %w", err)
		}
	}
	if f.Header.MessageType == ErrorMessage {
		if err := binary.Read(r, binary.BigEndian, &f.ErrorCode); err != nil {
			return nil, fmt.Errorf("failed to read error code: %w", err)
		}
	}

	var size uint32
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return nil, fmt.Errorf("failed to read payload size: %w", err)
	}
	if size > 0 {
		f.Payload = make([]byte, size)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return nil, fmt.Errorf("failed to read payload (expected %d bytes): %w", size, err)
		}
	}
	return f, nil
}

// newFullClientRequest 创建携带识别参数的首包
func newFullClientRequest(payload []byte) (*Frame, error) {
	compressed, err := gzipBytes(payload)
	if err != nil {
		return nil, err
	}
	return &Frame{
		Header:  newHeader(FullClientRequest, NoSequenceNumber, JSONSerialization, GzipCompression),
		Payload: compressed,
	}, nil
}

// newAudioRequest 创建音频包，最后一包使用负序号
func newAudioRequest(chunk []byte, sequence int32, last bool) (*Frame, error) {
	compressed, err := gzipBytes(chunk)
	if err != nil {
		return nil, err
	}

	flags := PositiveSequenceNumber
	if last {
		flags = NegativeSequenceNumber
		sequence = -sequence
	}
	return &Frame{
		Header:   newHeader(AudioOnlyRequest, flags, NoSerialization, GzipCompression),
		Sequence: sequence,
		Payload:  compressed,
	}, nil
}

// payload 返回解压后的内容
func (f *Frame) payload() ([]byte, error) {
	switch f.Header.Compression {
	case NoCompression:
		return f.Payload, nil
	case GzipCompression:
		return gunzipBytes(f.Payload)
	default:
		return nil, fmt.Errorf("unsupported compression method: %d", f.Header.Compression)
	}
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer := gzip.NewWriter(&buf)
	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return nil, fmt.Errorf("gzip write failed: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("gzip close failed: %w", err)
	}
	return buf.Bytes(), nil
}

func gunzipBytes(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip reader creation failed: %w", err)
	}
	defer reader.Close()

	out, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("gzip read failed: %w", err)
	}
	return out, nil
}
