// Package models defines the core data structures for botflow.
//
// It includes the flow graph types (nodes, edges, per-kind payloads),
// conversation state, bot outputs, and turn events, which are shared
// across modules.
package models

import (
	"errors"
	"fmt"
	"time"
)

// NodeKind identifies the behavior of a flow node. The set is closed:
// flows carrying an unknown kind fail validation at load time rather
// than at each access.
type NodeKind string

const (
	// NodeKindStart is the fixed entry point of every flow.
	NodeKindStart NodeKind = "start"
	// NodeKindMessage emits templated content and advances automatically.
	NodeKindMessage NodeKind = "message"
	// NodeKindQuestion emits content plus options and waits for a reply.
	NodeKindQuestion NodeKind = "question"
	// NodeKindLeadCapture prompts for and records contact fields.
	NodeKindLeadCapture NodeKind = "lead_capture"
	// NodeKindConditional routes silently based on variable conditions.
	NodeKindConditional NodeKind = "conditional"
	// NodeKindAIResponse delegates to the AI generation collaborator.
	NodeKindAIResponse NodeKind = "ai_response"
	// NodeKindAPIWebhook invokes an external HTTP endpoint.
	NodeKindAPIWebhook NodeKind = "api_webhook"
	// NodeKindAppointment captures a scheduling request.
	NodeKindAppointment NodeKind = "appointment"
	// NodeKindAction applies variable assignments without waiting.
	NodeKindAction NodeKind = "action"
	// NodeKindHumanHandoff flags the conversation for a human agent.
	NodeKindHumanHandoff NodeKind = "human_handoff"
	// NodeKindSurvey walks through sub-questions one turn at a time.
	NodeKindSurvey NodeKind = "survey"
)

// IsValidNodeKind checks if the given node kind is supported.
func IsValidNodeKind(k NodeKind) bool {
	switch k {
	case NodeKindStart, NodeKindMessage, NodeKindQuestion, NodeKindLeadCapture,
		NodeKindConditional, NodeKindAIResponse, NodeKindAPIWebhook,
		NodeKindAppointment, NodeKindAction, NodeKindHumanHandoff, NodeKindSurvey:
		return true
	default:
		return false
	}
}

// Operator names a comparison applied by conditional nodes.
type Operator string

const (
	OperatorEquals      Operator = "equals"
	OperatorNotEquals   Operator = "not_equals"
	OperatorContains    Operator = "contains"
	OperatorGreaterThan Operator = "greater_than"
	OperatorLessThan    Operator = "less_than"
)

// Error variables for flow validation and engine boundaries.
var (
	ErrMissingStartNode    = errors.New("flow has no start node")
	ErrMultipleStartNodes  = errors.New("flow has more than one start node")
	ErrEmptyNodeID         = errors.New("node id cannot be empty")
	ErrInvalidNodeKind     = errors.New("invalid node kind")
	ErrDanglingEdge        = errors.New("edge references a node id not present in the flow")
	ErrFlowNotFound        = errors.New("flow not found")
	ErrConversationEnded   = errors.New("conversation has ended")
	ErrConversationWaiting = errors.New("conversation is waiting for a human agent")
)

// FieldSpec describes a single value a node captures or assigns.
// Lead capture nodes use Name+Prompt; action nodes use Name+Value.
type FieldSpec struct {
	Name   string `json:"name"`
	Prompt string `json:"prompt,omitempty"`
	Value  string `json:"value,omitempty"`
}

// ConditionSpec is a single condition of a conditional node, evaluated in
// declaration order; the first match wins and its Action selects the edge.
type ConditionSpec struct {
	Variable string   `json:"variable"`
	Operator Operator `json:"operator"`
	Value    string   `json:"value"`
	Action   string   `json:"action"`
}

// APIConfig configures an api_webhook node.
type APIConfig struct {
	URL             string            `json:"url"`
	Method          string            `json:"method,omitempty"` // defaults to GET
	Headers         map[string]string `json:"headers,omitempty"`
	Body            string            `json:"body,omitempty"`
	TimeoutSeconds  int               `json:"timeout_seconds,omitempty"`
	SaveAs          string            `json:"save_as,omitempty"`          // variable receiving the response body
	ResponseMessage string            `json:"response_message,omitempty"` // user-visible output on success, if set
}

// SurveyQuestion is one sub-question of a survey node.
type SurveyQuestion struct {
	Prompt   string `json:"prompt"`
	Variable string `json:"variable,omitempty"` // defaults to survey_<node>_q<n>
}

// SurveyConfig configures a survey node.
type SurveyConfig struct {
	Questions []SurveyQuestion `json:"questions"`
	ThankYou  string           `json:"thank_you,omitempty"`
}

// Node is a single step in a flow. Nodes are authored externally by the
// flow builder and treated as read-only by the engine.
type Node struct {
	ID           string          `json:"id"`
	Kind         NodeKind        `json:"kind"`
	Label        string          `json:"label,omitempty"`
	Content      string          `json:"content,omitempty"`
	Options      []string        `json:"options,omitempty"`
	Fields       []FieldSpec     `json:"fields,omitempty"`
	Conditions   []ConditionSpec `json:"conditions,omitempty"`
	APIConfig    *APIConfig      `json:"api_config,omitempty"`
	SystemPrompt string          `json:"system_prompt,omitempty"`
	SurveyConfig *SurveyConfig   `json:"survey_config,omitempty"`
}

// Edge is a directed link between two nodes. An empty Condition marks the
// default edge for its source; conditional sources tag edges with the
// matching ConditionSpec.Action value.
type Edge struct {
	ID        string `json:"id"`
	Source    string `json:"source"`
	Target    string `json:"target"`
	Condition string `json:"condition,omitempty"`
}

// FlowGraph is the authored conversation flow for one chatbot. It is
// immutable for the duration of a turn.
type FlowGraph struct {
	ChatbotID string          `json:"chatbot_id"`
	Nodes     map[string]Node `json:"nodes"`
	Edges     []Edge          `json:"edges"`
}

// Validate checks the structural invariants of a flow: node ids are
// non-empty and unique, kinds are known, exactly one start node exists,
// and every edge references existing nodes.
func (g *FlowGraph) Validate() error {
	startCount := 0
	for id, node := range g.Nodes {
		if id == "" || node.ID == "" {
			return ErrEmptyNodeID
		}
		if node.ID != id {
			return fmt.Errorf("node %q keyed under mismatched id %q", node.ID, id)
		}
		if !IsValidNodeKind(node.Kind) {
			return fmt.Errorf("node %q: %w: %q", id, ErrInvalidNodeKind, node.Kind)
		}
		if node.Kind == NodeKindStart {
			startCount++
		}
	}
	if startCount == 0 {
		return ErrMissingStartNode
	}
	if startCount > 1 {
		return ErrMultipleStartNodes
	}
	for _, edge := range g.Edges {
		if _, ok := g.Nodes[edge.Source]; !ok {
			return fmt.Errorf("edge %q source %q: %w", edge.ID, edge.Source, ErrDanglingEdge)
		}
		if _, ok := g.Nodes[edge.Target]; !ok {
			return fmt.Errorf("edge %q target %q: %w", edge.ID, edge.Target, ErrDanglingEdge)
		}
	}
	return nil
}

// StartNode returns the unique start node of the flow.
func (g *FlowGraph) StartNode() (Node, error) {
	for _, node := range g.Nodes {
		if node.Kind == NodeKindStart {
			return node, nil
		}
	}
	return Node{}, ErrMissingStartNode
}

// BotOutput is one bot utterance produced during a turn.
type BotOutput struct {
	NodeID  string   `json:"node_id"`
	Content string   `json:"content"`
	Options []string `json:"options,omitempty"`
}

// ConversationStatus tracks the lifecycle of a conversation.
type ConversationStatus string

const (
	// StatusActive means the conversation is progressing through the flow.
	StatusActive ConversationStatus = "active"
	// StatusWaitingHuman means the conversation is flagged for human handoff.
	StatusWaitingHuman ConversationStatus = "waiting_human"
	// StatusEnded means the flow reached a terminal node.
	StatusEnded ConversationStatus = "ended"
)

// ConversationState is the engine-owned per-conversation record, persisted
// externally between turns.
type ConversationState struct {
	ConversationID string                 `json:"conversation_id"`
	ChatbotID      string                 `json:"chatbot_id"`
	ActiveNodeID   string                 `json:"active_node_id"`
	Status         ConversationStatus     `json:"status"`
	Variables      map[string]interface{} `json:"variables"`
	TurnCount      int                    `json:"turn_count"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

// Clone returns a deep copy so a turn can mutate state without touching
// the persisted record until the single save at the end of the turn.
func (s *ConversationState) Clone() *ConversationState {
	copied := *s
	copied.Variables = make(map[string]interface{}, len(s.Variables))
	for k, v := range s.Variables {
		copied.Variables[k] = v
	}
	return &copied
}

// Message is one transcript entry of a conversation.
type Message struct {
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"` // "user" or "bot"
	Content        string    `json:"content"`
	Time           time.Time `json:"time"`
}

// ChatbotSettings carries per-chatbot engine texts. Empty fields fall back
// to hard-coded defaults in the engine.
type ChatbotSettings struct {
	ChatbotID       string `json:"chatbot_id"`
	WelcomeMessage  string `json:"welcome_message,omitempty"`
	FallbackMessage string `json:"fallback_message,omitempty"`
	ClosingMessage  string `json:"closing_message,omitempty"`
	HandoffMessage  string `json:"handoff_message,omitempty"`
}
