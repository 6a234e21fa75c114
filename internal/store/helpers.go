package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/MikeRubio/botflow/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// unmarshalFlow decodes a stored flow definition.
func unmarshalFlow(chatbotID, definition string) (*models.FlowGraph, error) {
	var flow models.FlowGraph
	if err := json.Unmarshal([]byte(definition), &flow); err != nil {
		return nil, fmt.Errorf("failed to decode flow for %s: %w", chatbotID, err)
	}
	if flow.ChatbotID == "" {
		flow.ChatbotID = chatbotID
	}
	return &flow, nil
}

// marshalVariables encodes the variable map for a nullable text column.
func marshalVariables(vars map[string]interface{}) (interface{}, error) {
	if len(vars) == 0 {
		return nil, nil
	}
	encoded, err := json.Marshal(vars)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal variables: %w", err)
	}
	return string(encoded), nil
}

// scanConversationState scans one conversation state row.
func scanConversationState(row *sql.Row) (*models.ConversationState, error) {
	var state models.ConversationState
	var variables sql.NullString
	err := row.Scan(&state.ConversationID, &state.ChatbotID, &state.ActiveNodeID,
		&state.Status, &variables, &state.TurnCount, &state.CreatedAt, &state.UpdatedAt)
	if err != nil {
		return nil, err
	}
	state.Variables = make(map[string]interface{})
	if variables.Valid && variables.String != "" {
		if err := json.Unmarshal([]byte(variables.String), &state.Variables); err != nil {
			// A corrupted variable blob should not strand the conversation.
			state.Variables = make(map[string]interface{})
		}
	}
	return &state, nil
}

// collectMessages drains message rows returned newest-first and reverses
// them into chronological order.
func collectMessages(rows *sql.Rows) ([]models.Message, error) {
	var msgs []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ConversationID, &m.Role, &m.Content, &m.Time); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate message rows: %w", err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// collectEvents drains event rows.
func collectEvents(rows *sql.Rows) ([]models.TurnEvent, error) {
	var events []models.TurnEvent
	for rows.Next() {
		var e models.TurnEvent
		var detail, nodeID sql.NullString
		if err := rows.Scan(&e.ConversationID, &e.ChatbotID, &e.Type, &detail, &nodeID, &e.Time); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		e.Detail = detail.String
		e.NodeID = nodeID.String
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate event rows: %w", err)
	}
	return events, nil
}

// scanChatbotSettings scans one chatbot settings row.
func scanChatbotSettings(row *sql.Row) (*models.ChatbotSettings, error) {
	var s models.ChatbotSettings
	var welcome, fallback, closing, handoff sql.NullString
	err := row.Scan(&s.ChatbotID, &welcome, &fallback, &closing, &handoff)
	if err != nil {
		return nil, err
	}
	s.WelcomeMessage = welcome.String
	s.FallbackMessage = fallback.String
	s.ClosingMessage = closing.String
	s.HandoffMessage = handoff.String
	return &s, nil
}
