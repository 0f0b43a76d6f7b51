package transcript

import (
	"testing"
	"time"
)

func TestEntryString(t *testing.T) {
	at := time.Date(2024, 1, 1, 10, 0, 1, 0, time.Local)
	entry := NewEntry(at, "hello")
	if got := entry.String(); got != "[10:00:01] User: hello" {
		t.Fatalf("unexpected entry format %q", got)
	}
}

func TestFormatJoinsLines(t *testing.T) {
	entries := []Entry{
		{Timestamp: "10:00:01", Speaker: "User", Text: "hello"},
		{Timestamp: "10:00:05", Speaker: "User", Text: "how are you"},
	}
	want := "[10:00:01] User: hello\n[10:00:05] User: how are you"
	if got := Format(entries); got != want {
		t.Fatalf("unexpected transcript:\n%s", got)
	}
	if Format(nil) != "" {
		t.Fatal("empty transcript should format to empty string")
	}
}
