package session

import (
	"time"

	"github.com/zhouzirui/karitas/backend/internal/model/profile"
)

// Session captures the bounded interval between start and stop.
type Session struct {
	ID        string               `json:"id"`
	Profile   profile.ChildProfile `json:"profile"`
	StartedAt time.Time            `json:"startedAt"`
}

// Status 是会话当前状态的快照。
type Status struct {
	SessionID           string                `json:"sessionId,omitempty"`
	State               string                `json:"state"`
	StartedAt           *time.Time            `json:"startedAt,omitempty"`
	Profile             *profile.ChildProfile `json:"profile,omitempty"`
	Emotion             string                `json:"emotion"`
	Emoticon            string                `json:"emoticon"`
	CaptureActive       bool                  `json:"captureActive"`
	TranscriptionActive bool                  `json:"transcriptionActive"`
	TranscriptEntries   int                   `json:"transcriptEntries"`
	ConversationLength  int                   `json:"conversationLength"`
	SuggestionPending   bool                  `json:"suggestionPending"`
	LastSuggestion      string                `json:"lastSuggestion,omitempty"`
}
