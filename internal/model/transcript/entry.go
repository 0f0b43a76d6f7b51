package transcript

import (
	"fmt"
	"strings"
	"time"
)

// TimestampLayout is the wall-clock format used for entries.
const TimestampLayout = "15:04:05"

// DefaultSpeaker is used until speakers can be told apart.
const DefaultSpeaker = "User"

// Entry 表示一条识别出的发言。
type Entry struct {
	Timestamp string `json:"timestamp"`
	Speaker   string `json:"speaker"`
	Text      string `json:"text"`
}

// NewEntry stamps text with the given time and the default speaker.
func NewEntry(at time.Time, text string) Entry {
	return Entry{
		Timestamp: at.Format(TimestampLayout),
		Speaker:   DefaultSpeaker,
		Text:      text,
	}
}

// String formats the entry as "[HH:MM:SS] Speaker: text".
func (e Entry) String() string {
	return fmt.Sprintf("[%s] %s: %s", e.Timestamp, e.Speaker, e.Text)
}

// Format 将多条记录按行拼接。
func Format(entries []Entry) string {
	if len(entries) == 0 {
		return ""
	}
	lines := make([]string, len(entries))
	for i, entry := range entries {
		lines[i] = entry.String()
	}
	return strings.Join(lines, "\n")
}
