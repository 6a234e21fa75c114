package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/MikeRubio/botflow/internal/models"
)

// WidgetSession is returned to the web widget when a conversation is
// started. The widget holds it client-side; nothing here is global.
type WidgetSession struct {
	ConversationID string             `json:"conversation_id"`
	ChatbotID      string             `json:"chatbot_id"`
	Outputs        []models.BotOutput `json:"outputs"`
}

type postMessageRequest struct {
	ChatbotID string `json:"chatbot_id"`
	Message   string `json:"message"`
}

type turnResponse struct {
	ConversationID string             `json:"conversation_id"`
	Outputs        []models.BotOutput `json:"outputs"`
}

// startConversationHandler creates a widget conversation and runs the
// initial turn (POST /api/chatbots/{chatbotID}/conversations).
func (s *Server) startConversationHandler(w http.ResponseWriter, r *http.Request) {
	chatbotID := chi.URLParam(r, "chatbotID")
	conversationID := uuid.NewString()
	slog.Debug("Server.startConversationHandler: starting conversation", "chatbotID", chatbotID, "conversationID", conversationID)

	outputs, err := s.eng.ProcessTurn(r.Context(), conversationID, chatbotID, "")
	if err != nil {
		if errors.Is(err, models.ErrFlowNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Chatbot flow not found"))
			return
		}
		slog.Error("Server.startConversationHandler: initial turn failed", "error", err, "chatbotID", chatbotID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to start conversation"))
		return
	}

	session := WidgetSession{ConversationID: conversationID, ChatbotID: chatbotID, Outputs: outputs}
	writeJSONResponse(w, http.StatusCreated, models.Success(session))
}

// postMessageHandler advances a conversation by one user turn
// (POST /api/conversations/{conversationID}/messages).
func (s *Server) postMessageHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	conversationID := chi.URLParam(r, "conversationID")

	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.postMessageHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.Message == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: message"))
		return
	}

	chatbotID := req.ChatbotID
	if chatbotID == "" {
		state, err := s.st.GetConversationState(r.Context(), conversationID)
		if err != nil {
			slog.Error("Server.postMessageHandler: failed to load conversation state", "error", err, "conversationID", conversationID)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load conversation"))
			return
		}
		if state == nil {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Conversation not found"))
			return
		}
		chatbotID = state.ChatbotID
	}

	outputs, err := s.eng.ProcessTurn(r.Context(), conversationID, chatbotID, req.Message)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrConversationEnded):
			writeJSONResponse(w, http.StatusConflict, models.Error("Conversation has ended"))
		case errors.Is(err, models.ErrConversationWaiting):
			writeJSONResponse(w, http.StatusConflict, models.Error("Conversation is waiting for a human agent"))
		case errors.Is(err, models.ErrFlowNotFound):
			writeJSONResponse(w, http.StatusNotFound, models.Error("Chatbot flow not found"))
		default:
			slog.Error("Server.postMessageHandler: turn failed", "error", err, "conversationID", conversationID)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process message"))
		}
		return
	}

	writeJSONResponse(w, http.StatusOK, models.Success(turnResponse{ConversationID: conversationID, Outputs: outputs}))
}

// transcriptHandler returns the recorded transcript
// (GET /api/conversations/{conversationID}/transcript).
func (s *Server) transcriptHandler(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid limit parameter"))
			return
		}
		limit = parsed
	}

	messages, err := s.st.GetMessages(r.Context(), conversationID, limit)
	if err != nil {
		slog.Error("Server.transcriptHandler: failed to fetch messages", "error", err, "conversationID", conversationID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch transcript"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(messages))
}

// eventsHandler returns the turn events recorded for a conversation
// (GET /api/conversations/{conversationID}/events).
func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	events, err := s.st.GetEvents(r.Context(), conversationID)
	if err != nil {
		slog.Error("Server.eventsHandler: failed to fetch events", "error", err, "conversationID", conversationID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch events"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(events))
}

// resumeConversationHandler returns a handed-off conversation to the
// flow (POST /api/conversations/{conversationID}/resume).
func (s *Server) resumeConversationHandler(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	if err := s.eng.ResumeConversation(r.Context(), conversationID); err != nil {
		slog.Warn("Server.resumeConversationHandler: resume failed", "error", err, "conversationID", conversationID)
		writeJSONResponse(w, http.StatusConflict, models.Error(err.Error()))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(nil))
}
