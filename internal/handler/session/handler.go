package session

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/karitas/backend/internal/model/profile"
	sessionModel "github.com/zhouzirui/karitas/backend/internal/model/session"
	"github.com/zhouzirui/karitas/backend/internal/model/transcript"
	visionModel "github.com/zhouzirui/karitas/backend/internal/model/vision"
	sessionService "github.com/zhouzirui/karitas/backend/internal/service/session"
	"github.com/zhouzirui/karitas/backend/internal/service/suggestion"
	"github.com/zhouzirui/karitas/backend/internal/service/vision"
	"github.com/zhouzirui/karitas/backend/pkg/utils"
)

// Controller 是会话接口所需的控制能力。
type Controller interface {
	Start(ctx context.Context, child profile.ChildProfile) (sessionModel.Status, error)
	Stop() sessionModel.Status
	Status() sessionModel.Status
	RequestSuggestion(ctx context.Context) (*suggestion.Task, error)
	ResetConversation()
	ClearTranscript()
	RefreshExpression() error
	Snapshot() (visionModel.Frame, bool)
	Transcript() []transcript.Entry
	RecentTranscript(n int) []transcript.Entry
}

// Handler 会话控制的HTTP处理器
type Handler struct {
	ctrl Controller
}

// New 创建会话处理器
func New(ctrl Controller) *Handler {
	return &Handler{ctrl: ctrl}
}

// RegisterRoutes 注册会话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/session", h.handleStatus)
	r.Post("/session/start", h.handleStart)
	r.Post("/session/stop", h.handleStop)
	r.Post("/session/suggestion", h.handleSuggestion)
	r.Delete("/session/conversation", h.handleResetConversation)
	r.Get("/session/transcript", h.handleTranscript)
	r.Delete("/session/transcript", h.handleClearTranscript)
	r.Get("/session/frame.jpg", h.handleFrame)
	r.Post("/session/expression/refresh", h.handleRefreshExpression)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.ctrl.Status())
}

// handleStart 开始会话，请求体中的孩子资料可选
func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	var payload profile.ChildProfile
	if err := utils.DecodeOptionalJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	status, err := h.ctrl.Start(r.Context(), payload)
	if err != nil {
		var captureErr *vision.CaptureError
		switch {
		case errors.Is(err, sessionService.ErrSessionActive):
			utils.RespondError(w, http.StatusConflict, err.Error())
		case errors.As(err, &captureErr):
			utils.RespondError(w, http.StatusServiceUnavailable, "Could not open webcam: "+captureErr.Error())
		default:
			log.Printf("[session] start failed: %v", err)
			utils.RespondError(w, http.StatusInternalServerError, "failed to start session")
		}
		return
	}

	utils.RespondJSON(w, http.StatusCreated, status)
}

func (h *Handler) handleStop(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.ctrl.Stop())
}

// handleSuggestion 异步请求建议，结果通过事件流推送
func (h *Handler) handleSuggestion(w http.ResponseWriter, r *http.Request) {
	if _, err := h.ctrl.RequestSuggestion(r.Context()); err != nil {
		switch {
		case errors.Is(err, suggestion.ErrSuggestionInFlight),
			errors.Is(err, sessionService.ErrSessionNotActive):
			utils.RespondError(w, http.StatusConflict, err.Error())
		case errors.Is(err, sessionService.ErrSuggestionUnavailable):
			utils.RespondError(w, http.StatusServiceUnavailable, err.Error())
		default:
			utils.RespondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	utils.RespondJSON(w, http.StatusAccepted, map[string]string{"status": "generating"})
}

func (h *Handler) handleResetConversation(w http.ResponseWriter, r *http.Request) {
	h.ctrl.ResetConversation()
	utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

type transcriptResponse struct {
	Entries []transcript.Entry `json:"entries"`
	Text    string             `json:"text"`
}

func (h *Handler) handleTranscript(w http.ResponseWriter, r *http.Request) {
	var entries []transcript.Entry
	if raw := r.URL.Query().Get("recent"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			utils.RespondError(w, http.StatusBadRequest, "recent must be a positive integer")
			return
		}
		entries = h.ctrl.RecentTranscript(n)
	} else {
		entries = h.ctrl.Transcript()
	}

	if entries == nil {
		entries = []transcript.Entry{}
	}
	utils.RespondJSON(w, http.StatusOK, transcriptResponse{Entries: entries, Text: transcript.Format(entries)})
}

func (h *Handler) handleClearTranscript(w http.ResponseWriter, r *http.Request) {
	h.ctrl.ClearTranscript()
	utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// handleFrame 返回最新一帧的 JPEG 快照，width 参数用于缩放
func (h *Handler) handleFrame(w http.ResponseWriter, r *http.Request) {
	opts := vision.SnapshotOptions{}
	if raw := r.URL.Query().Get("width"); raw != "" {
		width, err := strconv.Atoi(raw)
		if err != nil || width <= 0 {
			utils.RespondError(w, http.StatusBadRequest, "width must be a positive integer")
			return
		}
		opts.MaxWidth = width
	}

	frame, ok := h.ctrl.Snapshot()
	if !ok {
		utils.RespondError(w, http.StatusNotFound, "no frame available")
		return
	}

	data, err := vision.EncodeJPEG(frame, opts)
	if err != nil {
		log.Printf("[session] snapshot encode failed: %v", err)
		utils.RespondError(w, http.StatusInternalServerError, "failed to encode frame")
		return
	}

	w.Header().Set("X-Frame-Seq", strconv.FormatUint(frame.Seq, 10))
	utils.RespondBytes(w, http.StatusOK, "image/jpeg", data)
}

func (h *Handler) handleRefreshExpression(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.RefreshExpression(); err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, sessionService.ErrSessionNotActive) {
			status = http.StatusConflict
		}
		utils.RespondError(w, status, err.Error())
		return
	}
	utils.RespondJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}
