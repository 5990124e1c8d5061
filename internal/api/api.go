// Package api exposes the router over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/comigor/chatcore/internal/history"
	"github.com/comigor/chatcore/internal/logger"
	"github.com/comigor/chatcore/internal/router"
	"github.com/comigor/chatcore/internal/session"
)

const maxRequestBodySize = 1 << 20

// Service is the part of *router.Router the API calls.
type Service interface {
	Handle(ctx context.Context, req router.Request) router.Reply
	SetMode(ctx context.Context, userID, mode string) (session.Pointer, error)
	Reset(ctx context.Context, userID, token string) (session.Pointer, error)
	Session(ctx context.Context, mode, id string) (history.Session, bool, error)
}

var _ Service = (*router.Router)(nil)

// Handler serves the HTTP API.
type Handler struct {
	svc Service
}

// NewHandler creates a Handler backed by svc.
func NewHandler(svc Service) *Handler {
	return &Handler{svc: svc}
}

// Routes returns the API router with its middleware.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(accessLog)
	r.Use(chiMiddleware.Recoverer)

	r.Get("/healthz", h.Health)
	h.RegisterRoutes(r)
	return r
}

// RegisterRoutes mounts the /v1 routes on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/v1", func(r chi.Router) {
		r.Post("/messages", h.PostMessage)
		r.Post("/users/{userID}/mode", h.SetMode)
		r.Post("/users/{userID}/reset", h.Reset)
		r.Get("/sessions/{mode}/{sessionID}", h.GetSession)
	})
}

type requestIDKey struct{}

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-Id"

// RequestID tags every request with an id, reusing the caller's when given.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(RequestIDHeader))
		if id == "" {
			id = gonanoid.Must()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

// GetRequestID returns the id set by RequestID.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logger.L.Info("http request",
			"request_id", GetRequestID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
		)
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.L.Warn("failed to encode response", "error", err)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// MessageRequest is the body of POST /v1/messages.
type MessageRequest struct {
	UserID      string         `json:"user_id"`
	Mode        string         `json:"mode,omitempty"`
	Text        string         `json:"text"`
	SessionInfo map[string]any `json:"session_info,omitempty"`
}

// MessageResponse is the reply to POST /v1/messages.
type MessageResponse struct {
	RequestID string `json:"request_id"`
	Text      string `json:"text"`
	SessionID string `json:"session_id,omitempty"`
	Mode      string `json:"mode,omitempty"`
	Persisted bool   `json:"persisted"`
	Degraded  bool   `json:"degraded"`
	Warning   string `json:"warning,omitempty"`
}

// PostMessage runs one turn and returns the reply.
func (h *Handler) PostMessage(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		Error(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		Error(w, http.StatusBadRequest, "text is required")
		return
	}

	rep := h.svc.Handle(r.Context(), router.Request{
		UserID:      req.UserID,
		Mode:        req.Mode,
		Text:        req.Text,
		SessionInfo: req.SessionInfo,
	})
	if rep.Text == "" {
		if errors.Is(rep.Err, context.Canceled) || errors.Is(rep.Err, context.DeadlineExceeded) {
			Error(w, http.StatusServiceUnavailable, "request cancelled")
			return
		}
		Error(w, http.StatusInternalServerError, router.ErrorText)
		return
	}

	resp := MessageResponse{
		RequestID: GetRequestID(r.Context()),
		Text:      rep.Text,
		SessionID: rep.SessionID,
		Mode:      rep.Mode,
		Persisted: rep.Persisted,
		Degraded:  rep.Degraded,
	}
	if rep.Err != nil {
		resp.Warning = rep.Err.Error()
	}
	JSON(w, http.StatusOK, resp)
}

// PointerResponse describes a user's active session.
type PointerResponse struct {
	UserID    string `json:"user_id"`
	Mode      string `json:"mode"`
	SessionID string `json:"session_id"`
	CreatedAt string `json:"created_at"`
	Version   int64  `json:"version"`
	Degraded  bool   `json:"degraded"`
}

func pointerResponse(p session.Pointer) PointerResponse {
	return PointerResponse{
		UserID:    p.UserID,
		Mode:      p.BotMode,
		SessionID: p.ActiveSessionID,
		CreatedAt: history.FormatTime(p.ActiveSessionCreatedAt),
		Version:   p.Version,
		Degraded:  p.Degraded(),
	}
}

// SetMode switches the user's bot mode.
func (h *Handler) SetMode(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Mode string `json:"mode"`
	}
	if !decode(w, r, &body) {
		return
	}
	ptr, err := h.svc.SetMode(r.Context(), chi.URLParam(r, "userID"), body.Mode)
	switch {
	case errors.Is(err, router.ErrUnknownMode), errors.Is(err, session.ErrEmptyMode), errors.Is(err, session.ErrEmptyUser):
		Error(w, http.StatusBadRequest, err.Error())
	case err != nil:
		logger.L.Error("set mode failed", "request_id", GetRequestID(r.Context()), "error", err)
		Error(w, http.StatusInternalServerError, "failed to switch mode")
	default:
		JSON(w, http.StatusOK, pointerResponse(ptr))
	}
}

// Reset starts a new session for the user. The Idempotency-Key header, or a
// "token" field in the optional body, makes retries return the same session.
func (h *Handler) Reset(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if !decode(w, r, &body) {
		return
	}
	token := body.Token
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		token = key
	}
	ptr, err := h.svc.Reset(r.Context(), chi.URLParam(r, "userID"), token)
	switch {
	case errors.Is(err, session.ErrEmptyUser):
		Error(w, http.StatusBadRequest, err.Error())
	case err != nil:
		logger.L.Error("reset failed", "request_id", GetRequestID(r.Context()), "error", err)
		Error(w, http.StatusInternalServerError, "failed to reset session")
	default:
		JSON(w, http.StatusOK, pointerResponse(ptr))
	}
}

// SessionResponse is a stored session.
type SessionResponse struct {
	ID            string            `json:"session_id"`
	UserID        string            `json:"user_id"`
	Mode          string            `json:"bot_mode"`
	CreatedAt     string            `json:"created_at"`
	LastUpdatedAt string            `json:"last_updated_at"`
	Messages      []history.Message `json:"messages"`
	SessionInfo   map[string]any    `json:"session_info,omitempty"`
}

// GetSession returns a stored session by mode and id.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	s, found, err := h.svc.Session(r.Context(), chi.URLParam(r, "mode"), chi.URLParam(r, "sessionID"))
	switch {
	case err != nil:
		logger.L.Error("load session failed", "request_id", GetRequestID(r.Context()), "error", err)
		Error(w, http.StatusServiceUnavailable, "session store unavailable")
	case !found:
		Error(w, http.StatusNotFound, "session not found")
	default:
		JSON(w, http.StatusOK, SessionResponse{
			ID:            s.ID,
			UserID:        s.UserID,
			Mode:          s.BotMode,
			CreatedAt:     history.FormatTime(s.CreatedAt),
			LastUpdatedAt: history.FormatTime(s.LastUpdatedAt),
			Messages:      s.Messages,
			SessionInfo:   s.SessionInfo,
		})
	}
}
