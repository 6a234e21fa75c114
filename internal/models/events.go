// Package models defines turn event types emitted by the engine.
package models

import "time"

// EventType identifies a structured turn event.
type EventType string

const (
	// EventConversationStarted is emitted when a conversation is created.
	EventConversationStarted EventType = "conversation_started"
	// EventMessageReceived is emitted for each inbound user message.
	EventMessageReceived EventType = "message_received"
	// EventMessageSent is emitted for each outbound bot message.
	EventMessageSent EventType = "message_sent"
	// EventConversationEnded is emitted when the flow reaches a terminal node.
	EventConversationEnded EventType = "conversation_ended"
	// EventHandoffRequested is emitted when a conversation is flagged for a human.
	EventHandoffRequested EventType = "handoff_requested"
	// EventWebhookFailed is emitted when an api_webhook call fails or times out.
	EventWebhookFailed EventType = "webhook_failed"
	// EventFlowError is emitted for flow authoring errors (cycles, dangling nodes).
	EventFlowError EventType = "flow_error"
)

// TurnEvent is one append-only engine event. Logging is fire-and-forget:
// a failed append never fails the turn that produced it.
type TurnEvent struct {
	ConversationID string    `json:"conversation_id"`
	ChatbotID      string    `json:"chatbot_id"`
	Type           EventType `json:"type"`
	Detail         string    `json:"detail,omitempty"`
	NodeID         string    `json:"node_id,omitempty"`
	Time           time.Time `json:"time"`
}
