package session

import (
	"time"

	visionmodel "github.com/zhouzirui/karitas/backend/internal/model/vision"
)

// EventKind 标识推送给界面的通知类型。
type EventKind string

const (
	EventStatus     EventKind = "status"
	EventFrame      EventKind = "frame"
	EventEmotion    EventKind = "emotion"
	EventTranscript EventKind = "transcript"
	EventSuggestion EventKind = "suggestion"
	EventError      EventKind = "error"
)

// Event is a one-way notification from the session to its observers.
type Event struct {
	Kind      EventKind `json:"event"`
	SessionID string    `json:"sessionId,omitempty"`
	Data      any       `json:"data,omitempty"`
	Time      time.Time `json:"time"`

	// Frame is set on frame events so transports can ship pixels out of band.
	Frame *visionmodel.Frame `json:"-"`
}

// EmotionPayload accompanies emotion events.
type EmotionPayload struct {
	Emotion  string `json:"emotion"`
	Emoticon string `json:"emoticon"`
}

// FramePayload describes a new frame without its pixels.
type FramePayload struct {
	Seq    uint64 `json:"seq"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// SuggestionPayload carries the dispatcher result.
type SuggestionPayload struct {
	Text     string `json:"text"`
	Emotion  string `json:"emotion"`
	Fallback bool   `json:"fallback,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ErrorPayload reports a non-fatal problem to observers.
type ErrorPayload struct {
	Component string `json:"component"`
	Message   string `json:"message"`
}
