package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fintask/engine/internal/app/engine"
	"github.com/fintask/engine/internal/app/identity"
	platformauth "github.com/fintask/engine/internal/platform/auth"
)

// Handler is the thin HTTP plumbing in front of the engine facade. All
// domain validation lives in the engine; this layer decodes, authenticates
// and maps error kinds to status codes.
type Handler struct {
	Engine        *engine.Service
	Identity      *identity.Service
	Tokens        platformauth.Manager
	AllowedOrigin string
}

func NewHandler(engineSvc *engine.Service, identitySvc *identity.Service, tokens platformauth.Manager, allowedOrigin string) *Handler {
	return &Handler{
		Engine:        engineSvc,
		Identity:      identitySvc,
		Tokens:        tokens,
		AllowedOrigin: allowedOrigin,
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(h.corsMiddleware)
	r.Options("/*", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	r.Post("/api/v1/auth/register", h.handleRegister)
	r.Post("/api/v1/auth/login", h.handleLogin)
	r.Post("/api/v1/auth/refresh", h.handleRefresh)
	r.Post("/api/v1/auth/logout", h.handleLogout)

	r.Group(func(authR chi.Router) {
		authR.Use(h.authMiddleware)
		authR.Post("/api/v1/tasks", h.handleCreateTask)
		authR.Get("/api/v1/tasks", h.handleListTasks)
		authR.Get("/api/v1/tasks/{taskID}", h.handleGetTask)
		authR.Post("/api/v1/tasks/{taskID}/status", h.handleUpdateStatus)
		authR.Post("/api/v1/tasks/{taskID}/progress", h.handleUpdateProgress)
		authR.Post("/api/v1/tasks/{taskID}/assignee", h.handleReassign)
		authR.Patch("/api/v1/tasks/{taskID}", h.handleEditTask)
		authR.Get("/api/v1/notifications", h.handleListNotifications)
		authR.Post("/api/v1/notifications/{notificationID}/read", h.handleMarkRead)
	})

	return r
}

type registerRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Name     string `json:"name"`
	Email    string `json:"email"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type createTaskRequest struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Assignee    string     `json:"assignee"`
	Priority    string     `json:"priority"`
	DueDate     *time.Time `json:"due_date"`
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

type updateProgressRequest struct {
	Progress *int `json:"progress"`
}

type reassignRequest struct {
	Assignee string `json:"assignee"`
}

type editTaskRequest struct {
	Title       *string    `json:"title"`
	Description *string    `json:"description"`
	Priority    *string    `json:"priority"`
	DueDate     *time.Time `json:"due_date"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON payload")
		return
	}
	resp, err := h.Identity.Register(r.Context(), req.Username, req.Password, req.Name, req.Email)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrInvalidUsername),
			errors.Is(err, identity.ErrInvalidPassword),
			errors.Is(err, identity.ErrInvalidEmail):
			h.writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		default:
			if strings.Contains(strings.ToLower(err.Error()), "duplicate") {
				h.writeError(w, http.StatusConflict, "conflict", "username already exists")
				return
			}
			h.writeError(w, http.StatusInternalServerError, "internal", err.Error())
		}
		return
	}
	h.writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON payload")
		return
	}
	resp, err := h.Identity.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) {
			h.writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
			return
		}
		h.writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON payload")
		return
	}
	resp, err := h.Identity.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrRefreshTokenMissing):
			h.writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		case errors.Is(err, identity.ErrInvalidRefreshToken):
			h.writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
		default:
			h.writeError(w, http.StatusInternalServerError, "internal", err.Error())
		}
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON payload")
		return
	}
	if err := h.Identity.Logout(r.Context(), req.RefreshToken); err != nil {
		if errors.Is(err, identity.ErrRefreshTokenMissing) {
			h.writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		h.writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON payload")
		return
	}
	priority, err := engine.ParsePriority(req.Priority)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	claims := claimsFromContext(r.Context())
	task, err := h.Engine.CreateTask(r.Context(), claims.Subject, engine.TaskInput{
		Title:       req.Title,
		Description: req.Description,
		Assignee:    req.Assignee,
		Priority:    priority,
		DueDate:     req.DueDate,
	})
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, task)
}

func (h *Handler) handleListTasks(w http.ResponseWriter, r *http.Request) {
	filter := engine.TaskFilter{
		Assignee: strings.TrimSpace(r.URL.Query().Get("assignee")),
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		status, err := engine.ParseStatus(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		filter.Status = status
	}
	tasks, err := h.Engine.ListTasks(r.Context(), filter)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (h *Handler) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.Engine.GetTask(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, task)
}

func (h *Handler) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON payload")
		return
	}
	status, err := engine.ParseStatus(req.Status)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	claims := claimsFromContext(r.Context())
	task, err := h.Engine.UpdateStatus(r.Context(), claims.Subject, chi.URLParam(r, "taskID"), status)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, task)
}

func (h *Handler) handleUpdateProgress(w http.ResponseWriter, r *http.Request) {
	var req updateProgressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Progress == nil {
		h.writeError(w, http.StatusBadRequest, "bad_request", "progress is required")
		return
	}
	claims := claimsFromContext(r.Context())
	task, err := h.Engine.UpdateProgress(r.Context(), claims.Subject, chi.URLParam(r, "taskID"), *req.Progress)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, task)
}

func (h *Handler) handleReassign(w http.ResponseWriter, r *http.Request) {
	var req reassignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON payload")
		return
	}
	claims := claimsFromContext(r.Context())
	task, err := h.Engine.Reassign(r.Context(), claims.Subject, chi.URLParam(r, "taskID"), req.Assignee)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, task)
}

func (h *Handler) handleEditTask(w http.ResponseWriter, r *http.Request) {
	var req editTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON payload")
		return
	}
	edit := engine.EditFields{
		Title:       req.Title,
		Description: req.Description,
		DueDate:     req.DueDate,
	}
	if req.Priority != nil {
		priority, err := engine.ParsePriority(*req.Priority)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		edit.Priority = &priority
	}
	claims := claimsFromContext(r.Context())
	task, err := h.Engine.EditTask(r.Context(), claims.Subject, chi.URLParam(r, "taskID"), edit)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, task)
}

func (h *Handler) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	unreadOnly := false
	if raw := strings.TrimSpace(r.URL.Query().Get("unread_only")); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "bad_request", "unread_only must be a boolean")
			return
		}
		unreadOnly = parsed
	}
	notifications, err := h.Engine.ListNotifications(r.Context(), claims.Subject, unreadOnly)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"notifications": notifications})
}

func (h *Handler) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	err := h.Engine.MarkRead(r.Context(), claims.Subject, chi.URLParam(r, "notificationID"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeEngineError maps the engine's error taxonomy to stable HTTP kinds.
func (h *Handler) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, engine.ErrConflict):
		h.writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, engine.ErrInvalidTransition):
		h.writeError(w, http.StatusUnprocessableEntity, "invalid_transition", err.Error())
	case errors.Is(err, engine.ErrInvalidProgress):
		h.writeError(w, http.StatusUnprocessableEntity, "invalid_progress", err.Error())
	case errors.Is(err, engine.ErrUnknownUser):
		h.writeError(w, http.StatusUnprocessableEntity, "unknown_user", err.Error())
	case errors.Is(err, engine.ErrTitleRequired):
		h.writeError(w, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, engine.ErrStoreUnavailable):
		h.writeError(w, http.StatusServiceUnavailable, "store_unavailable", "storage is temporarily unavailable")
	default:
		h.writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

type ctxKey string

const claimsKey ctxKey = "claims"

func claimsFromContext(ctx context.Context) platformauth.Claims {
	claims, _ := ctx.Value(claimsKey).(platformauth.Claims)
	return claims
}

func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := platformauth.BearerToken(r.Header.Get("Authorization"))
		if token == "" {
			h.writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
			return
		}
		claims, err := h.Tokens.Parse(token)
		if err != nil {
			h.writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
	})
}

func (h *Handler) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := h.AllowedOrigin
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, kind, message string) {
	h.writeJSON(w, status, map[string]string{"kind": kind, "error": message})
}
