package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zhouzirui/karitas/backend/internal/config"
	sessionmodel "github.com/zhouzirui/karitas/backend/internal/model/session"
)

type message struct {
	topic   string
	qos     byte
	payload []byte
}

type recorder struct {
	mu   sync.Mutex
	msgs []message
	err  error
}

func (r *recorder) publish(topic string, qos byte, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.msgs = append(r.msgs, message{topic: topic, qos: qos, payload: payload})
	return nil
}

func (r *recorder) messages() []message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]message(nil), r.msgs...)
}

func connectedEmitter(rec *recorder) *MQTTEmitter {
	e := NewMQTTEmitter(config.MQTTConfig{Broker: "tcp://localhost:1883", ClientID: "test", TopicPrefix: "karitas"})
	e.publish = rec.publish
	e.setConnected(true)
	return e
}

func TestPublishEvent(t *testing.T) {
	rec := &recorder{}
	e := connectedEmitter(rec)

	event := sessionmodel.Event{
		Kind:      sessionmodel.EventSuggestion,
		SessionID: "s-1",
		Data:      sessionmodel.SuggestionPayload{Text: "Hi!", Emotion: "happiness"},
		Time:      time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC),
	}
	if err := e.Publish(event); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	msgs := rec.messages()
	if len(msgs) != 1 {
		t.Fatalf("published %d messages, want 1", len(msgs))
	}
	if msgs[0].topic != "karitas/session/suggestion" || msgs[0].qos != 1 {
		t.Fatalf("unexpected message: topic=%s qos=%d", msgs[0].topic, msgs[0].qos)
	}

	var decoded struct {
		Event     string `json:"event"`
		SessionID string `json:"sessionId"`
		Data      struct {
			Text string `json:"text"`
		} `json:"data"`
	}
	if err := json.Unmarshal(msgs[0].payload, &decoded); err != nil {
		t.Fatalf("invalid payload: %v", err)
	}
	if decoded.Event != "suggestion" || decoded.SessionID != "s-1" || decoded.Data.Text != "Hi!" {
		t.Fatalf("unexpected payload: %s", msgs[0].payload)
	}

	if got := e.Stats().Published["karitas/session/suggestion"]; got != 1 {
		t.Fatalf("published counter = %d", got)
	}
}

func TestPublishErrors(t *testing.T) {
	e := NewMQTTEmitter(config.MQTTConfig{})
	if err := e.Publish(sessionmodel.Event{Kind: sessionmodel.EventStatus}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Publish() error = %v, want ErrNotConnected", err)
	}

	rec := &recorder{err: errors.New("broker down")}
	e = connectedEmitter(rec)
	if err := e.Publish(sessionmodel.Event{Kind: sessionmodel.EventStatus}); err == nil {
		t.Fatalf("expected publish error")
	}
	if e.Stats().Errors != 1 {
		t.Fatalf("Errors = %d, want 1", e.Stats().Errors)
	}
}

func TestRunSkipsFrames(t *testing.T) {
	rec := &recorder{}
	e := connectedEmitter(rec)

	events := make(chan sessionmodel.Event, 3)
	events <- sessionmodel.Event{Kind: sessionmodel.EventFrame}
	events <- sessionmodel.Event{Kind: sessionmodel.EventEmotion}
	events <- sessionmodel.Event{Kind: sessionmodel.EventTranscript}
	close(events)

	e.Run(context.Background(), events)

	msgs := rec.messages()
	if len(msgs) != 2 {
		t.Fatalf("published %d messages, want 2", len(msgs))
	}
	if msgs[0].topic != "karitas/session/emotion" || msgs[1].topic != "karitas/session/transcript" {
		t.Fatalf("unexpected topics: %s, %s", msgs[0].topic, msgs[1].topic)
	}
}

func TestConnectRequiresBroker(t *testing.T) {
	if err := NewMQTTEmitter(config.MQTTConfig{}).Connect(context.Background()); err == nil {
		t.Fatalf("expected error without broker")
	}
}

func TestTopicWithoutPrefix(t *testing.T) {
	e := NewMQTTEmitter(config.MQTTConfig{Broker: "tcp://x:1883"})
	if got := e.Topic(sessionmodel.EventStatus); got != "session/status" {
		t.Fatalf("Topic() = %q", got)
	}
}
