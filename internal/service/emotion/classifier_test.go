package emotion

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

type fakeVisionModel struct {
	reply    string
	err      error
	received []*schema.Message
}

func (m *fakeVisionModel) Generate(_ context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	m.received = input
	if m.err != nil {
		return nil, m.err
	}
	return schema.AssistantMessage(m.reply, nil), nil
}

func (m *fakeVisionModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := m.Generate(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
}

func TestParseClassifierOutput(t *testing.T) {
	payload, err := parseClassifierOutput("Sure!\n{\"face\": true, \"emotions\": {\"happy\": 0.7, \"neutral\": 0.3}}\n")
	if err != nil {
		t.Fatalf("parse err: %v", err)
	}
	if !payload.Face || payload.Emotions["happy"] != 0.7 {
		t.Fatalf("unexpected payload: %+v", payload)
	}

	if _, err := parseClassifierOutput("no json here"); err == nil {
		t.Fatal("expected error for missing json")
	}
}

func TestModelClassifier(t *testing.T) {
	fake := &fakeVisionModel{reply: `{"face": true, "emotions": {"sad": 0.6, "neutral": 0.4}}`}
	classifier, err := NewModelClassifier(fake)
	if err != nil {
		t.Fatalf("NewModelClassifier err: %v", err)
	}

	scores, err := classifier.Classify(context.Background(), sampleFrame())
	if err != nil {
		t.Fatalf("Classify err: %v", err)
	}
	if scores["sad"] != 0.6 {
		t.Fatalf("unexpected scores: %v", scores)
	}

	if len(fake.received) != 2 {
		t.Fatalf("expected system and user messages, got %d", len(fake.received))
	}
	parts := fake.received[1].MultiContent
	if len(parts) != 2 || parts[1].ImageURL == nil || !strings.HasPrefix(parts[1].ImageURL.URL, "data:image/jpeg;base64,") {
		t.Fatalf("expected inline jpeg image part, got %+v", parts)
	}

	fake.reply = `{"face": false, "emotions": {}}`
	if _, err := classifier.Classify(context.Background(), sampleFrame()); !errors.Is(err, ErrNoFace) {
		t.Fatalf("expected ErrNoFace, got %v", err)
	}

	fake.err = errors.New("quota")
	if _, err := classifier.Classify(context.Background(), sampleFrame()); err == nil {
		t.Fatal("expected model error")
	}
}

// pipeWorker answers requests the way the external worker does.
func pipeWorker(t *testing.T, handle func(req workerRequest) workerResponse) dialFunc {
	t.Helper()
	return func(context.Context) (*workerConn, error) {
		reqR, reqW := io.Pipe()
		respR, respW := io.Pipe()

		go func() {
			defer respW.Close()
			for {
				var req workerRequest
				if err := readMessage(reqR, &req); err != nil {
					return
				}
				if handle == nil {
					continue
				}
				if err := writeMessage(respW, handle(req)); err != nil {
					return
				}
			}
		}()

		return &workerConn{
			w: reqW,
			r: respR,
			close: func() error {
				reqW.Close()
				respR.Close()
				return nil
			},
		}, nil
	}
}

func TestWorkerClassifierUsesFirstFace(t *testing.T) {
	dials := 0
	worker := pipeWorker(t, func(req workerRequest) workerResponse {
		if req.Width != 2 || req.Format != "bgr24" || len(req.FrameData) != 6 {
			return workerResponse{Seq: req.Seq, Error: "bad frame"}
		}
		return workerResponse{
			Seq: req.Seq,
			Faces: []workerFace{
				{Box: []int{0, 0, 80, 80}},
				{Box: []int{0, 0, 10, 10}, Emotions: map[string]float64{"surprise": 0.8}},
				{Box: []int{0, 0, 50, 40}, Emotions: map[string]float64{"fear": 0.9}},
			},
		}
	})
	classifier := newWorkerClassifier(func(ctx context.Context) (*workerConn, error) {
		dials++
		return worker(ctx)
	}, time.Second)
	defer classifier.Close()

	for i := 0; i < 2; i++ {
		scores, err := classifier.Classify(context.Background(), sampleFrame())
		if err != nil {
			t.Fatalf("Classify err: %v", err)
		}
		if scores["surprise"] != 0.8 {
			t.Fatalf("expected first scored face, got %v", scores)
		}
	}
	if dials != 1 {
		t.Fatalf("worker should be started once, got %d", dials)
	}
}

func TestWorkerClassifierNoFaceAndErrors(t *testing.T) {
	classifier := newWorkerClassifier(pipeWorker(t, func(req workerRequest) workerResponse {
		if req.Seq == 1 {
			return workerResponse{Seq: req.Seq}
		}
		return workerResponse{Seq: req.Seq, Error: "model crashed"}
	}), time.Second)
	defer classifier.Close()

	if _, err := classifier.Classify(context.Background(), sampleFrame()); !errors.Is(err, ErrNoFace) {
		t.Fatalf("expected ErrNoFace, got %v", err)
	}
	if _, err := classifier.Classify(context.Background(), sampleFrame()); err == nil || !strings.Contains(err.Error(), "model crashed") {
		t.Fatalf("expected worker error, got %v", err)
	}
}

func TestWorkerClassifierTimeoutRestartsWorker(t *testing.T) {
	dials := 0
	silent := pipeWorker(t, nil)
	classifier := newWorkerClassifier(func(ctx context.Context) (*workerConn, error) {
		dials++
		return silent(ctx)
	}, 20*time.Millisecond)
	defer classifier.Close()

	if _, err := classifier.Classify(context.Background(), sampleFrame()); err == nil {
		t.Fatal("expected timeout error")
	}
	if _, err := classifier.Classify(context.Background(), sampleFrame()); err == nil {
		t.Fatal("expected timeout error")
	}
	if dials != 2 {
		t.Fatalf("expected worker restart after timeout, got %d dials", dials)
	}
}

func TestNewWorkerClassifierRequiresCommand(t *testing.T) {
	if _, err := NewWorkerClassifier(nil, 0); err == nil {
		t.Fatal("expected error without command")
	}
}
