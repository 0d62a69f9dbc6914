package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/HerbHall/azurechat/internal/conversation"
	"github.com/HerbHall/azurechat/pkg/chat"
	"go.uber.org/zap"
)

// maxChatBody caps the size of a chat request body.
const maxChatBody = 1 << 20

// ChatRequest is the body of POST /api/v1/chat.
type ChatRequest struct {
	Prompt          string `json:"prompt"`
	ParentMessageID string `json:"parentMessageId,omitempty"`
	MessageID       string `json:"messageId,omitempty"`
	Name            string `json:"name,omitempty"`
	SystemMessage   string `json:"systemMessage,omitempty"`
}

// Options converts the request into conversation send options.
func (r *ChatRequest) Options() []conversation.SendOption {
	var opts []conversation.SendOption
	if r.ParentMessageID != "" {
		opts = append(opts, conversation.WithParentMessageID(r.ParentMessageID))
	}
	if r.MessageID != "" {
		opts = append(opts, conversation.WithMessageID(r.MessageID))
	}
	if r.Name != "" {
		opts = append(opts, conversation.WithName(r.Name))
	}
	if r.SystemMessage != "" {
		opts = append(opts, conversation.WithSystemMessage(r.SystemMessage))
	}
	return opts
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	noteCaller(r.Context(), CallerKey(r))

	var req ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxChatBody)).Decode(&req); err != nil {
		BadRequest(w, "invalid JSON body: "+err.Error(), r.URL.Path)
		return
	}
	if req.Prompt == "" {
		BadRequest(w, "prompt is required", r.URL.Path)
		return
	}
	if req.ParentMessageID != "" {
		if _, err := s.conv.GetMessage(r.Context(), req.ParentMessageID); err != nil {
			if errors.Is(err, chat.ErrNotFound) {
				NotFound(w, "parent message not found", r.URL.Path)
				return
			}
			InternalError(w, "failed to load parent message", r.URL.Path)
			return
		}
	}

	res, err := s.conv.SendMessage(r.Context(), req.Prompt, req.Options()...)
	if err != nil {
		s.chatFailed(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// chatFailed logs a failed chat call with its request ID and caller, then
// writes the matching problem response. Caller cancellations are routine
// and logged at debug.
func (s *Server) chatFailed(w http.ResponseWriter, r *http.Request, err error) {
	code := "internal"
	var ce *chat.Error
	if errors.As(err, &ce) {
		code = ce.Code
	}
	noteChatCode(r.Context(), code)

	fields := []zap.Field{
		zap.String("request_id", RequestID(r.Context())),
		zap.String("caller", CallerKey(r)),
		zap.String("chat_code", code),
		zap.Error(err),
	}
	if ce != nil && ce.StatusCode != 0 {
		fields = append(fields, zap.Int("upstream_status", ce.StatusCode))
	}
	if code == chat.ErrCodeCanceled {
		s.logger.Debug("chat request canceled by caller", fields...)
	} else {
		s.logger.Warn("chat request failed", fields...)
	}
	ChatError(w, err, r.URL.Path)
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := s.conv.GetMessage(r.Context(), r.PathValue("id"))
	if errors.Is(err, chat.ErrNotFound) {
		NotFound(w, "message not found", r.URL.Path)
		return
	}
	if err != nil {
		InternalError(w, "failed to load message", r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			BadRequest(w, "limit must be a non-negative integer", r.URL.Path)
			return
		}
		limit = n
	}

	chain, err := s.conv.Conversation(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		InternalError(w, "failed to load conversation", r.URL.Path)
		return
	}
	if len(chain) == 0 {
		NotFound(w, "message not found", r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, chain)
}
