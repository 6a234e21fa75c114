package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/MikeRubio/botflow/internal/models"
)

// saveFlowHandler stores a flow definition after validating it
// (PUT /api/chatbots/{chatbotID}/flow).
func (s *Server) saveFlowHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	chatbotID := chi.URLParam(r, "chatbotID")

	var flow models.FlowGraph
	if err := json.NewDecoder(r.Body).Decode(&flow); err != nil {
		slog.Warn("Server.saveFlowHandler: failed to decode JSON", "error", err, "chatbotID", chatbotID)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	flow.ChatbotID = chatbotID

	if err := flow.Validate(); err != nil {
		slog.Warn("Server.saveFlowHandler: flow failed validation", "error", err, "chatbotID", chatbotID)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if err := s.st.SaveFlow(r.Context(), flow); err != nil {
		slog.Error("Server.saveFlowHandler: failed to save flow", "error", err, "chatbotID", chatbotID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save flow"))
		return
	}
	slog.Info("Server.saveFlowHandler: flow saved", "chatbotID", chatbotID, "nodes", len(flow.Nodes))
	writeJSONResponse(w, http.StatusOK, models.Success(nil))
}

// getFlowHandler returns the stored flow definition
// (GET /api/chatbots/{chatbotID}/flow).
func (s *Server) getFlowHandler(w http.ResponseWriter, r *http.Request) {
	chatbotID := chi.URLParam(r, "chatbotID")
	flow, err := s.st.GetFlow(r.Context(), chatbotID)
	if err != nil {
		if errors.Is(err, models.ErrFlowNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Chatbot flow not found"))
			return
		}
		slog.Error("Server.getFlowHandler: failed to fetch flow", "error", err, "chatbotID", chatbotID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch flow"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(flow))
}

// saveSettingsHandler stores per-chatbot engine texts
// (PUT /api/chatbots/{chatbotID}/settings).
func (s *Server) saveSettingsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	chatbotID := chi.URLParam(r, "chatbotID")

	var settings models.ChatbotSettings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		slog.Warn("Server.saveSettingsHandler: failed to decode JSON", "error", err, "chatbotID", chatbotID)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	settings.ChatbotID = chatbotID

	if err := s.st.SaveChatbotSettings(r.Context(), settings); err != nil {
		slog.Error("Server.saveSettingsHandler: failed to save settings", "error", err, "chatbotID", chatbotID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save settings"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(nil))
}

// getSettingsHandler returns per-chatbot engine texts
// (GET /api/chatbots/{chatbotID}/settings).
func (s *Server) getSettingsHandler(w http.ResponseWriter, r *http.Request) {
	chatbotID := chi.URLParam(r, "chatbotID")
	settings, err := s.st.GetChatbotSettings(r.Context(), chatbotID)
	if err != nil {
		slog.Error("Server.getSettingsHandler: failed to fetch settings", "error", err, "chatbotID", chatbotID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch settings"))
		return
	}
	if settings == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Chatbot settings not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(settings))
}
