package emotion

import (
	"sync"
	"testing"
)

func TestFromScoresMapsFERNames(t *testing.T) {
	cases := []struct {
		name   string
		scores map[string]float64
		want   Label
	}{
		{"happy", map[string]float64{"happy": 0.9, "sad": 0.05, "neutral": 0.05}, Happiness},
		{"sad", map[string]float64{"happy": 0.1, "sad": 0.7, "neutral": 0.2}, Sadness},
		{"angry", map[string]float64{"angry": 0.6, "disgust": 0.3}, Anger},
		{"surprise", map[string]float64{"surprise": 0.8}, Surprise},
		{"fear", map[string]float64{"fear": 0.5, "neutral": 0.4}, Fear},
		{"disgust", map[string]float64{"disgust": 0.51, "angry": 0.49}, Disgust},
		{"unknown name", map[string]float64{"contempt": 0.9, "happy": 0.1}, Neutral},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			decision, ok := FromScores(tc.scores)
			if !ok {
				t.Fatalf("expected decision")
			}
			if decision.Emotion != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, decision.Emotion)
			}
		})
	}
}

func TestFromScoresTieUsesLabelOrder(t *testing.T) {
	decision, ok := FromScores(map[string]float64{"neutral": 0.5, "sad": 0.5})
	if !ok {
		t.Fatal("expected decision")
	}
	if decision.Emotion != Sadness {
		t.Fatalf("expected sadness on tie, got %s", decision.Emotion)
	}
}

func TestFromScoresEmpty(t *testing.T) {
	if _, ok := FromScores(nil); ok {
		t.Fatal("expected no decision for empty scores")
	}
}

func TestEmoticon(t *testing.T) {
	if got := Happiness.Emoticon(); got != "😊" {
		t.Fatalf("unexpected emoticon %q", got)
	}
	if got := Label("bored").Emoticon(); got != "😐" {
		t.Fatalf("expected neutral emoticon for unknown label, got %q", got)
	}
}

func TestHolderDefaultsToNeutral(t *testing.T) {
	var zero Holder
	if zero.Load() != Neutral {
		t.Fatalf("zero holder should load neutral, got %s", zero.Load())
	}
	if NewHolder().Load() != Neutral {
		t.Fatal("new holder should load neutral")
	}
}

func TestHolderRejectsInvalid(t *testing.T) {
	h := NewHolder()
	if !h.Store(Anger) {
		t.Fatal("expected anger to be stored")
	}
	if h.Store(Label("bored")) {
		t.Fatal("expected invalid label to be rejected")
	}
	if h.Load() != Anger {
		t.Fatalf("expected anger retained, got %s", h.Load())
	}
	h.Reset()
	if h.Load() != Neutral {
		t.Fatalf("expected neutral after reset, got %s", h.Load())
	}
}

func TestHolderConcurrentReaders(t *testing.T) {
	h := NewHolder()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			h.Store(Labels[i%len(Labels)])
		}
	}()
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				if !h.Load().Valid() {
					t.Error("reader observed invalid label")
					return
				}
			}
		}()
	}
	wg.Wait()
}
