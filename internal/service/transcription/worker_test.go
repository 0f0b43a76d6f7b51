package transcription

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zhouzirui/karitas/backend/internal/service/speech"
)

const testRate = 1000 // 100 samples = 100ms

// fakeMic 按脚本返回每块的幅度，脚本结束后返回静音。
type fakeMic struct {
	openErr error

	mu     sync.Mutex
	script []int16
	reads  int
	closed int
}

func (m *fakeMic) Open(context.Context) error { return m.openErr }
func (m *fakeMic) SampleRate() int            { return testRate }

func (m *fakeMic) Read(ctx context.Context) ([]int16, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	amp := int16(0)
	if m.reads < len(m.script) {
		amp = m.script[m.reads]
	} else {
		defer time.Sleep(time.Millisecond)
	}
	m.reads++
	m.mu.Unlock()

	chunk := make([]int16, 100)
	for i := range chunk {
		if i%2 == 0 {
			chunk[i] = amp
		} else {
			chunk[i] = -amp
		}
	}
	return chunk, nil
}

func (m *fakeMic) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
	return nil
}

func repeat(amp int16, n int) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = amp
	}
	return out
}

func script(parts ...[]int16) []int16 {
	var out []int16
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

type fakeRecognizer struct {
	mu      sync.Mutex
	results []error
	texts   []string
	calls   int
}

func (r *fakeRecognizer) Recognize(_ context.Context, wav []byte) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !strings.HasPrefix(string(wav), "RIFF") {
		return "", errors.New("not a wav segment")
	}
	i := r.calls
	r.calls++
	if i < len(r.results) && r.results[i] != nil {
		return "", r.results[i]
	}
	if i < len(r.texts) {
		return r.texts[i], nil
	}
	return "", speech.ErrUnintelligible
}

func TestListenerCalibrate(t *testing.T) {
	cases := []struct {
		name    string
		ambient int16
		want    float64
	}{
		{name: "quiet room uses minimum", ambient: 100, want: 300},
		{name: "noisy room scales ambient", ambient: 1000, want: 1500},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			l := NewListener(&fakeMic{script: repeat(tc.ambient, 20)})
			if err := l.Calibrate(context.Background(), 2*time.Second); err != nil {
				t.Fatalf("Calibrate err: %v", err)
			}
			if l.Threshold() != tc.want {
				t.Fatalf("threshold: got %.1f, want %.1f", l.Threshold(), tc.want)
			}
		})
	}
}

func TestListenerSegmentsPhrase(t *testing.T) {
	mic := &fakeMic{script: script(repeat(0, 3), repeat(2000, 5), repeat(0, 20))}
	l := NewListener(mic)

	samples, err := l.Listen(context.Background(), time.Second, 10*time.Second)
	if err != nil {
		t.Fatalf("Listen err: %v", err)
	}
	// 1 块预录 + 5 块语音 + 8 块静音
	if len(samples) != 14*100 {
		t.Fatalf("expected 1400 samples, got %d", len(samples))
	}
}

func TestListenerWaitTimeout(t *testing.T) {
	l := NewListener(&fakeMic{})
	if _, err := l.Listen(context.Background(), time.Second, 10*time.Second); !errors.Is(err, ErrWaitTimeout) {
		t.Fatalf("expected ErrWaitTimeout, got %v", err)
	}
}

func TestListenerPhraseLimit(t *testing.T) {
	l := NewListener(&fakeMic{script: repeat(3000, 50)})
	samples, err := l.Listen(context.Background(), time.Second, time.Second)
	if err != nil {
		t.Fatalf("Listen err: %v", err)
	}
	if len(samples) != 1000 {
		t.Fatalf("expected phrase cut at 1s (1000 samples), got %d", len(samples))
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWorkerTranscribesPhrases(t *testing.T) {
	phrase := script(repeat(2000, 3), repeat(0, 8))
	mic := &fakeMic{script: script(repeat(0, 2), phrase, phrase, phrase)}
	recognizer := &fakeRecognizer{
		texts:   []string{"hi there", "", "", "want to play?"},
		results: []error{nil, speech.ErrUnintelligible, errors.New("service down"), nil},
	}
	w := NewWorker(mic, recognizer, NewQueue(), WorkerConfig{Calibration: 200 * time.Millisecond})
	w.now = func() time.Time { return time.Date(2024, 1, 1, 9, 30, 5, 0, time.Local) }

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start err: %v", err)
	}
	if !w.IsActive() {
		t.Fatal("expected worker to be active")
	}

	entry, err := w.Queue().Pop(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Pop err: %v", err)
	}
	if entry.Text != "hi there" || entry.Speaker != "User" || entry.Timestamp != "09:30:05" {
		t.Fatalf("unexpected entry %+v", entry)
	}

	// 无法识别与服务错误都不产生记录
	waitFor(t, func() bool {
		recognizer.mu.Lock()
		defer recognizer.mu.Unlock()
		return recognizer.calls >= 3
	})
	w.Stop()

	if w.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", w.Len())
	}
	if got := w.Transcript(); got != "[09:30:05] User: hi there" {
		t.Fatalf("unexpected transcript %q", got)
	}
	if mic.closed != 1 {
		t.Fatalf("expected mic released once, got %d", mic.closed)
	}
	if w.IsActive() {
		t.Fatal("worker should be inactive after stop")
	}
	w.Stop()
}

func TestWorkerDisabledModes(t *testing.T) {
	w := NewWorker(nil, &fakeRecognizer{}, nil, WorkerConfig{})
	if w.Mode() != ModeDisabled {
		t.Fatalf("expected disabled without audio backend, got %s", w.Mode())
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("disabled Start must return nil, got %v", err)
	}
	if w.IsActive() {
		t.Fatal("disabled worker must never be active")
	}

	broken := NewWorker(&fakeMic{openErr: errors.New("no device")}, &fakeRecognizer{}, nil, WorkerConfig{})
	if err := broken.Start(context.Background()); err != nil {
		t.Fatalf("Start must swallow device errors, got %v", err)
	}
	if broken.Mode() != ModeDisabled || broken.IsActive() {
		t.Fatalf("expected disabled after open failure, mode=%s", broken.Mode())
	}

	time.Sleep(200 * time.Millisecond)
	for name, worker := range map[string]*Worker{"no backend": w, "open failure": broken} {
		if worker.Queue().Len() != 0 || worker.Len() != 0 {
			t.Fatalf("%s: disabled worker produced entries (queue=%d, log=%d)", name, worker.Queue().Len(), worker.Len())
		}
	}
	w.Stop()
	broken.Stop()
	broken.Stop()
}

func TestWorkerRecentAndClear(t *testing.T) {
	w := NewWorker(nil, nil, NewQueue(), WorkerConfig{})
	for _, text := range []string{"one", "two", "three"} {
		e := entry(text)
		w.entries = append(w.entries, e)
		w.queue.Push(e)
	}

	if got := w.RecentEntries(2); len(got) != 2 || got[0].Text != "two" {
		t.Fatalf("unexpected recent entries %+v", got)
	}
	if got := w.RecentTranscript(1); got != "[10:00:00] User: three" {
		t.Fatalf("unexpected recent transcript %q", got)
	}
	if got := w.RecentEntries(0); len(got) != 3 {
		t.Fatalf("default recent size should cover all 3 entries, got %d", len(got))
	}

	w.ClearTranscript()
	if w.Len() != 0 || w.Queue().Len() != 0 || w.Transcript() != "" {
		t.Fatal("clear must empty both the log and the queue")
	}
}
