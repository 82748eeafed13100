// ABOUTME: Admin HTTP API: health, readiness, Prometheus metrics and conversation inspection
// ABOUTME: /api routes are wrapped in JWT bearer auth when a verifier is configured

package adminapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/topic-relay/internal/auth"
	"github.com/2389/topic-relay/internal/metrics"
	"github.com/2389/topic-relay/internal/store"
)

const (
	defaultLimit = 50
	maxLimit     = 1000
)

// Closer ends a user's active conversation.
type Closer interface {
	Close(ctx context.Context, userID int64) error
}

// Config wires the API to the rest of the service.
type Config struct {
	Store    store.Store
	Topics   Closer
	Metrics  *metrics.Metrics   // optional; /metrics is not served without it
	Verifier auth.TokenVerifier // optional; /api is unauthenticated without it
	Logger   *slog.Logger
}

// Server serves the admin endpoints.
type Server struct {
	store    store.Store
	topics   Closer
	metrics  *metrics.Metrics
	verifier auth.TokenVerifier
	logger   *slog.Logger
	mux      *http.ServeMux
}

// ConversationResponse is one conversation in API output.
type ConversationResponse struct {
	UserID    int64         `json:"user_id"`
	TopicID   int           `json:"topic_id"`
	Active    bool          `json:"active"`
	CreatedAt string        `json:"created_at"`
	UpdatedAt string        `json:"updated_at"`
	User      *UserResponse `json:"user,omitempty"`
}

// UserResponse is the user attached to a conversation.
type UserResponse struct {
	ID        int64  `json:"id"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

// ListConversationsResponse is the JSON response for GET /api/conversations.
type ListConversationsResponse struct {
	Conversations []ConversationResponse `json:"conversations"`
}

// MessageResponse is one audit record.
type MessageResponse struct {
	ID          string `json:"id"`
	Direction   string `json:"direction"`
	ChatID      int64  `json:"chat_id"`
	MessageID   int    `json:"message_id"`
	ContentType string `json:"content_type"`
	Text        string `json:"text,omitempty"`
	Caption     string `json:"caption,omitempty"`
	FileID      string `json:"file_id,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// MessagesResponse is the JSON response for GET /api/conversations/{userID}/messages.
type MessagesResponse struct {
	UserID   int64             `json:"user_id"`
	Messages []MessageResponse `json:"messages"`
}

// New builds the server and registers its routes.
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New("adminapi: store is required")
	}
	if cfg.Topics == nil {
		return nil, errors.New("adminapi: topics is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		store:    cfg.Store,
		topics:   cfg.Topics,
		metrics:  cfg.Metrics,
		verifier: cfg.Verifier,
		logger:   logger.With("component", "adminapi"),
		mux:      http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /health/ready", s.handleReady)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	}

	api := http.NewServeMux()
	api.HandleFunc("GET /api/conversations", s.handleListConversations)
	api.HandleFunc("GET /api/conversations/{userID}", s.handleGetConversation)
	api.HandleFunc("GET /api/conversations/{userID}/messages", s.handleListMessages)
	api.HandleFunc("POST /api/conversations/{userID}/close", s.handleCloseConversation)

	if s.verifier != nil {
		s.mux.Handle("/api/", auth.HTTPAuthMiddleware(s.verifier)(api))
		s.logger.Info("HTTP auth middleware enabled")
	} else {
		s.mux.Handle("/api/", api)
		s.logger.Warn("HTTP auth disabled - no jwt_secret configured")
	}
}

// handleHealth returns 200 OK if the process is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK when the database answers.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	limit, ok := s.parseLimit(w, r)
	if !ok {
		return
	}
	activeOnly := false
	if v := r.URL.Query().Get("active"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			s.sendJSONError(w, http.StatusBadRequest, "active must be a boolean")
			return
		}
		activeOnly = parsed
	}

	convs, err := s.store.ListConversations(r.Context(), activeOnly, limit)
	if err != nil {
		s.logger.Error("failed to list conversations", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := ListConversationsResponse{Conversations: make([]ConversationResponse, len(convs))}
	for i, c := range convs {
		response.Conversations[i] = toConversationResponse(c, nil)
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.parseUserID(w, r)
	if !ok {
		return
	}

	conv, err := s.findConversation(r.Context(), userID)
	if errors.Is(err, store.ErrNotFound) {
		s.sendJSONError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to get conversation", "user_id", userID, "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	var user *store.User
	if u, err := s.store.GetUser(r.Context(), userID); err == nil {
		user = u
	} else if !errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("failed to load user", "user_id", userID, "error", err)
	}
	s.writeJSON(w, http.StatusOK, toConversationResponse(conv, user))
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.parseUserID(w, r)
	if !ok {
		return
	}
	limit, ok := s.parseLimit(w, r)
	if !ok {
		return
	}

	records, err := s.store.ListMessages(r.Context(), userID, limit)
	if err != nil {
		s.logger.Error("failed to list messages", "user_id", userID, "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	response := MessagesResponse{UserID: userID, Messages: make([]MessageResponse, len(records))}
	for i, rec := range records {
		response.Messages[i] = MessageResponse{
			ID:          rec.ID,
			Direction:   rec.Direction,
			ChatID:      rec.ChatID,
			MessageID:   rec.MessageID,
			ContentType: rec.ContentType,
			Text:        rec.Text,
			Caption:     rec.Caption,
			FileID:      rec.FileID,
			CreatedAt:   rec.CreatedAt.Format(time.RFC3339),
		}
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleCloseConversation(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.parseUserID(w, r)
	if !ok {
		return
	}

	err := s.topics.Close(r.Context(), userID)
	if errors.Is(err, store.ErrNotFound) {
		s.sendJSONError(w, http.StatusNotFound, "no active conversation")
		return
	}
	if err != nil {
		s.logger.Error("failed to close conversation", "user_id", userID, "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	s.logger.Info("conversation closed via API", "user_id", userID, "subject", auth.SubjectFromContext(r.Context()))
	s.writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "closed": true})
}

// findConversation prefers the active conversation and falls back to the latest inactive one.
func (s *Server) findConversation(ctx context.Context, userID int64) (*store.Conversation, error) {
	conv, err := s.store.GetActiveConversation(ctx, userID)
	if err == nil || !errors.Is(err, store.ErrNotFound) {
		return conv, err
	}
	all, err := s.store.ListConversations(ctx, false, maxLimit)
	if err != nil {
		return nil, err
	}
	for _, c := range all {
		if c.UserID == userID {
			return c, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Server) parseUserID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	userID, err := strconv.ParseInt(r.PathValue("userID"), 10, 64)
	if err != nil || userID <= 0 {
		s.sendJSONError(w, http.StatusBadRequest, "invalid user id")
		return 0, false
	}
	return userID, true
}

// parseLimit reads the optional limit parameter (default 50, max 1000).
func (s *Server) parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return defaultLimit, true
	}
	limit, err := strconv.Atoi(limitStr)
	if err != nil || limit < 1 {
		s.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	return min(limit, maxLimit), true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to encode response", "error", err)
	}
}

func (s *Server) sendJSONError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func toConversationResponse(c *store.Conversation, u *store.User) ConversationResponse {
	resp := ConversationResponse{
		UserID:    c.UserID,
		TopicID:   c.TopicID,
		Active:    c.Active,
		CreatedAt: c.CreatedAt.Format(time.RFC3339),
		UpdatedAt: c.UpdatedAt.Format(time.RFC3339),
	}
	if u != nil {
		resp.User = &UserResponse{
			ID:        u.ID,
			Username:  u.Username,
			FirstName: u.FirstName,
			LastName:  u.LastName,
		}
	}
	return resp
}

