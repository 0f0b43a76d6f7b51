package transcription

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/zhouzirui/karitas/backend/internal/model/transcript"
)

func entry(text string) transcript.Entry {
	return transcript.Entry{Timestamp: "10:00:00", Speaker: transcript.DefaultSpeaker, Text: text}
}

func TestQueueFIFO(t *testing.T) {
	q := NewQueue()
	for i := 0; i < 5; i++ {
		q.Push(entry(fmt.Sprintf("line %d", i)))
	}
	if q.Len() != 5 {
		t.Fatalf("expected 5 pending, got %d", q.Len())
	}

	for i := 0; i < 5; i++ {
		got, err := q.Pop(context.Background(), 10*time.Millisecond)
		if err != nil {
			t.Fatalf("Pop err: %v", err)
		}
		if want := fmt.Sprintf("line %d", i); got.Text != want {
			t.Fatalf("got %q, want %q", got.Text, want)
		}
	}
}

func TestQueuePopTimeout(t *testing.T) {
	q := NewQueue()
	start := time.Now()
	if _, err := q.Pop(context.Background(), 20*time.Millisecond); !errors.Is(err, ErrQueueEmpty) {
		t.Fatalf("expected ErrQueueEmpty, got %v", err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatal("Pop returned before the timeout")
	}
}

func TestQueuePopCancelled(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := q.Pop(ctx, time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestQueuePopWakesOnPush(t *testing.T) {
	q := NewQueue()
	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Push(entry("late"))
	}()

	got, err := q.Pop(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Pop err: %v", err)
	}
	if got.Text != "late" {
		t.Fatalf("unexpected entry %q", got.Text)
	}
}

func TestQueueDrain(t *testing.T) {
	q := NewQueue()
	q.Push(entry("a"))
	q.Push(entry("b"))
	if n := q.Drain(); n != 2 {
		t.Fatalf("expected 2 drained, got %d", n)
	}
	if q.Len() != 0 {
		t.Fatal("queue should be empty after drain")
	}
}

func TestQueueConcurrentProducers(t *testing.T) {
	q := NewQueue()
	const producers, perProducer = 4, 50

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Push(entry(fmt.Sprintf("%d-%d", p, i)))
			}
		}(p)
	}

	// 每个生产者内部的顺序必须保持
	next := make(map[string]int)
	for received := 0; received < producers*perProducer; received++ {
		got, err := q.Pop(context.Background(), time.Second)
		if err != nil {
			t.Fatalf("Pop err after %d entries: %v", received, err)
		}
		var p, i int
		if _, err := fmt.Sscanf(got.Text, "%d-%d", &p, &i); err != nil {
			t.Fatalf("bad entry %q", got.Text)
		}
		key := fmt.Sprint(p)
		if i != next[key] {
			t.Fatalf("producer %d out of order: got %d, want %d", p, i, next[key])
		}
		next[key]++
	}
	wg.Wait()
}
