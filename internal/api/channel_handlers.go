package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MikeRubio/botflow/internal/messaging"
	"github.com/MikeRubio/botflow/internal/models"
)

// whatsAppWebhookHandler handles inbound Twilio WhatsApp messages
// (POST /webhooks/whatsapp). Twilio posts form-encoded From/Body pairs;
// replies go back out through the WhatsApp sender.
func (s *Server) whatsAppWebhookHandler(w http.ResponseWriter, r *http.Request) {
	slog.Info("Server.whatsAppWebhookHandler: webhook received")
	if s.whatsapp == nil || s.whatsAppChatbotID == "" {
		slog.Warn("Server.whatsAppWebhookHandler: WhatsApp channel not configured")
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("WhatsApp channel not configured"))
		return
	}

	if err := r.ParseForm(); err != nil {
		slog.Error("Server.whatsAppWebhookHandler: failed to parse form", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Bad request"))
		return
	}

	from := r.FormValue("From")
	body := r.FormValue("Body")
	if from == "" || body == "" {
		slog.Warn("Server.whatsAppWebhookHandler: missing fields", "from", from)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required fields"))
		return
	}

	canonical, err := s.whatsapp.ValidateAndCanonicalizeRecipient(from)
	if err != nil {
		slog.Warn("Server.whatsAppWebhookHandler: recipient validation failed", "error", err, "from", from)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	// One stable conversation per WhatsApp number per chatbot.
	conversationID := fmt.Sprintf("wa:%s:%s", s.whatsAppChatbotID, canonical)
	if err := s.runChannelTurn(r, s.whatsapp, conversationID, s.whatsAppChatbotID, canonical, body); err != nil {
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process message"))
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// Messenger webhook payload, trimmed to the fields botflow reads.
type messengerEvent struct {
	Entry []struct {
		Messaging []struct {
			Sender struct {
				ID string `json:"id"`
			} `json:"sender"`
			Message struct {
				Text string `json:"text"`
			} `json:"message"`
		} `json:"messaging"`
	} `json:"entry"`
}

// facebookVerifyHandler answers Messenger's webhook subscription
// challenge (GET /webhooks/facebook).
func (s *Server) facebookVerifyHandler(w http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("hub.mode")
	token := r.URL.Query().Get("hub.verify_token")
	challenge := r.URL.Query().Get("hub.challenge")

	if mode != "subscribe" || s.facebookVerifyToken == "" || token != s.facebookVerifyToken {
		slog.Warn("Server.facebookVerifyHandler: verification rejected", "mode", mode)
		w.WriteHeader(http.StatusForbidden)
		return
	}
	slog.Info("Server.facebookVerifyHandler: webhook verified")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, challenge)
}

// facebookWebhookHandler handles inbound Messenger messages
// (POST /webhooks/facebook).
func (s *Server) facebookWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Info("Server.facebookWebhookHandler: webhook received")
	if s.facebook == nil || s.facebookChatbotID == "" {
		slog.Warn("Server.facebookWebhookHandler: Messenger channel not configured")
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Messenger channel not configured"))
		return
	}

	var event messengerEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		slog.Warn("Server.facebookWebhookHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	// Messenger batches events; each message gets its own turn. The
	// webhook always acks 200 so Facebook does not retry processed
	// batches.
	for _, entry := range event.Entry {
		for _, msg := range entry.Messaging {
			if msg.Sender.ID == "" || msg.Message.Text == "" {
				continue
			}
			conversationID := fmt.Sprintf("fb:%s:%s", s.facebookChatbotID, msg.Sender.ID)
			s.runChannelTurn(r, s.facebook, conversationID, s.facebookChatbotID, msg.Sender.ID, msg.Message.Text)
		}
	}
	w.WriteHeader(http.StatusOK)
}

// runChannelTurn advances the conversation and delivers each bot output
// through the channel sender. Ended or handed-off conversations ack
// silently so the channel does not retry.
func (s *Server) runChannelTurn(r *http.Request, sender messaging.Sender, conversationID, chatbotID, recipient, text string) error {
	outputs, err := s.eng.ProcessTurn(r.Context(), conversationID, chatbotID, text)
	if err != nil {
		if errors.Is(err, models.ErrConversationEnded) || errors.Is(err, models.ErrConversationWaiting) {
			slog.Debug("Server.runChannelTurn: conversation not accepting input", "conversationID", conversationID, "reason", err)
			return nil
		}
		slog.Error("Server.runChannelTurn: turn failed", "error", err, "conversationID", conversationID)
		return err
	}

	for _, out := range outputs {
		body := out.Content
		if len(out.Options) > 0 {
			body = body + "\n" + strings.Join(out.Options, "\n")
		}
		if err := sender.SendMessage(r.Context(), recipient, body); err != nil {
			slog.Error("Server.runChannelTurn: failed to deliver output", "error", err, "conversationID", conversationID)
			return err
		}
	}
	return nil
}
