package stream

import (
	"log"
	"net/http"
	"time"

	sessionModel "github.com/zhouzirui/karitas/backend/internal/model/session"
	sessionService "github.com/zhouzirui/karitas/backend/internal/service/session"
	"github.com/zhouzirui/karitas/backend/pkg/utils"
)

const heartbeatInterval = 15 * time.Second

// EventSource 提供会话事件订阅。
type EventSource interface {
	Subscribe(buffer int) *sessionService.Subscription
	Status() sessionModel.Status
}

// Handler 通过 Server-Sent Events 推送会话事件
type Handler struct {
	events    EventSource
	heartbeat time.Duration
}

// New creates a new stream handler
func New(events EventSource) *Handler {
	return &Handler{events: events, heartbeat: heartbeatInterval}
}

// ServeHTTP 建立事件流。默认不推送 frame 事件，frames=1 时推送帧元数据。
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	withFrames := r.URL.Query().Get("frames") == "1"

	sub := h.events.Subscribe(0)
	defer sub.Close()

	utils.SetupSSEHeaders(w)

	ctx := r.Context()
	log.Printf("[sse] opening event stream from %s", r.RemoteAddr)

	status := h.events.Status()
	if err := utils.SendSSEEvent(w, flusher, string(sessionModel.EventStatus), sessionModel.Event{
		Kind:      sessionModel.EventStatus,
		SessionID: status.SessionID,
		Data:      status,
		Time:      time.Now().UTC(),
	}); err != nil {
		return
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[sse] closing event stream from %s (dropped %d events)", r.RemoteAddr, sub.Dropped())
			return
		case t := <-ticker.C:
			if err := utils.SendSSEComment(w, flusher, "heartbeat "+t.UTC().Format(time.RFC3339)); err != nil {
				return
			}
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			if event.Kind == sessionModel.EventFrame && !withFrames {
				continue
			}
			if err := utils.SendSSEEvent(w, flusher, string(event.Kind), event); err != nil {
				log.Printf("[sse] write failed: %v", err)
				return
			}
		}
	}
}
