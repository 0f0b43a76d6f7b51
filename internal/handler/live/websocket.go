package live

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	sessionModel "github.com/zhouzirui/karitas/backend/internal/model/session"
	sessionService "github.com/zhouzirui/karitas/backend/internal/service/session"
	"github.com/zhouzirui/karitas/backend/internal/service/suggestion"
	"github.com/zhouzirui/karitas/backend/internal/service/vision"
)

const (
	pingInterval  = 54 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	frameWidth    = 640
)

// Controller 是实时通道需要的会话能力。
type Controller interface {
	Subscribe(buffer int) *sessionService.Subscription
	Status() sessionModel.Status
	RequestSuggestion(ctx context.Context) (*suggestion.Task, error)
	ResetConversation()
	RefreshExpression() error
}

// WebSocketHandler 推送会话事件（JSON）与视频帧（二进制 JPEG），并接收界面指令。
type WebSocketHandler struct {
	ctrl     Controller
	upgrader websocket.Upgrader
	ping     time.Duration
}

// NewWebSocketHandler 创建WebSocket处理器
func NewWebSocketHandler(ctrl Controller) *WebSocketHandler {
	return &WebSocketHandler{
		ctrl: ctrl,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
		},
		ping: pingInterval,
	}
}

type inboundMessage struct {
	Type string `json:"type"`
}

type outgoingMessage struct {
	Type      string      `json:"type"`
	SessionID string      `json:"sessionId,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// ServeHTTP 处理WebSocket连接
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	sub := h.ctrl.Subscribe(0)
	defer sub.Close()

	log.Printf("[ws] new connection from %s", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// 回复由读循环产生，统一交给写循环发送
	replies := make(chan outgoingMessage, 8)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		// 关闭连接以唤醒阻塞中的读循环
		defer conn.Close()
		defer cancel()
		h.writeLoop(ctx, conn, sub, replies)
	}()

	conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	h.readLoop(ctx, conn, replies)
	cancel()
	<-writerDone
	log.Printf("[ws] connection from %s closed", r.RemoteAddr)
}

func (h *WebSocketHandler) readLoop(ctx context.Context, conn *websocket.Conn, replies chan<- outgoingMessage) {
	for {
		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[ws] read error: %v", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(readDeadline))

		reply := h.handleMessage(ctx, msg)
		select {
		case replies <- reply:
		case <-ctx.Done():
			return
		}
	}
}

// handleMessage 执行界面指令并生成回复
func (h *WebSocketHandler) handleMessage(ctx context.Context, msg inboundMessage) outgoingMessage {
	switch msg.Type {
	case "suggest":
		if _, err := h.ctrl.RequestSuggestion(ctx); err != nil {
			return errorMessage(err)
		}
		return infoMessage(map[string]any{"type": "suggestion_requested"})
	case "reset":
		h.ctrl.ResetConversation()
		return infoMessage(map[string]any{"type": "conversation_reset"})
	case "refresh":
		if err := h.ctrl.RefreshExpression(); err != nil {
			return errorMessage(err)
		}
		return infoMessage(map[string]any{"type": "expression_refresh"})
	case "status":
		status := h.ctrl.Status()
		return outgoingMessage{Type: string(sessionModel.EventStatus), SessionID: status.SessionID, Data: status, Timestamp: time.Now().Unix()}
	default:
		return errorMessage(errors.New("unknown message type: " + msg.Type))
	}
}

func (h *WebSocketHandler) writeLoop(ctx context.Context, conn *websocket.Conn, sub *sessionService.Subscription, replies <-chan outgoingMessage) {
	ticker := time.NewTicker(h.ping)
	defer ticker.Stop()

	status := h.ctrl.Status()
	if err := h.writeJSON(conn, outgoingMessage{
		Type:      string(sessionModel.EventStatus),
		SessionID: status.SessionID,
		Data:      status,
		Timestamp: time.Now().Unix(),
	}); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case reply := <-replies:
			if err := h.writeJSON(conn, reply); err != nil {
				return
			}
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := h.writeEvent(conn, event); err != nil {
				log.Printf("[ws] write failed: %v", err)
				return
			}
		}
	}
}

// writeEvent 帧事件以二进制 JPEG 发送，其余事件以 JSON 发送
func (h *WebSocketHandler) writeEvent(conn *websocket.Conn, event sessionModel.Event) error {
	if event.Kind == sessionModel.EventFrame {
		if event.Frame == nil {
			return nil
		}
		data, err := vision.EncodeJPEG(*event.Frame, vision.SnapshotOptions{MaxWidth: frameWidth})
		if err != nil {
			log.Printf("[ws] failed to encode frame %d: %v", event.Frame.Seq, err)
			return nil
		}
		conn.SetWriteDeadline(time.Now().Add(writeDeadline))
		return conn.WriteMessage(websocket.BinaryMessage, data)
	}

	return h.writeJSON(conn, outgoingMessage{
		Type:      string(event.Kind),
		SessionID: event.SessionID,
		Data:      event.Data,
		Timestamp: event.Time.Unix(),
	})
}

func (h *WebSocketHandler) writeJSON(conn *websocket.Conn, msg outgoingMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[ws] failed to marshal %s message: %v", msg.Type, err)
		return nil
	}
	conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func infoMessage(data map[string]any) outgoingMessage {
	return outgoingMessage{Type: "info", Data: data, Timestamp: time.Now().Unix()}
}

func errorMessage(err error) outgoingMessage {
	code := "error"
	switch {
	case errors.Is(err, suggestion.ErrSuggestionInFlight):
		code = "busy"
	case errors.Is(err, sessionService.ErrSessionNotActive):
		code = "not_active"
	}
	return outgoingMessage{
		Type:      string(sessionModel.EventError),
		Data:      map[string]string{"code": code, "message": err.Error()},
		Timestamp: time.Now().Unix(),
	}
}
