package models

import (
	"errors"
	"testing"
)

func validFlow() *FlowGraph {
	return &FlowGraph{
		ChatbotID: "bot",
		Nodes: map[string]Node{
			"start": {ID: "start", Kind: NodeKindStart},
			"msg":   {ID: "msg", Kind: NodeKindMessage, Content: "hi"},
		},
		Edges: []Edge{{ID: "e1", Source: "start", Target: "msg"}},
	}
}

func TestValidateAcceptsWellFormedFlow(t *testing.T) {
	if err := validFlow().Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}

func TestValidateMissingStartNode(t *testing.T) {
	flow := validFlow()
	delete(flow.Nodes, "start")
	flow.Edges = nil
	if err := flow.Validate(); !errors.Is(err, ErrMissingStartNode) {
		t.Errorf("Validate() = %v, want ErrMissingStartNode", err)
	}
}

func TestValidateMultipleStartNodes(t *testing.T) {
	flow := validFlow()
	flow.Nodes["start2"] = Node{ID: "start2", Kind: NodeKindStart}
	if err := flow.Validate(); !errors.Is(err, ErrMultipleStartNodes) {
		t.Errorf("Validate() = %v, want ErrMultipleStartNodes", err)
	}
}

func TestValidateInvalidNodeKind(t *testing.T) {
	flow := validFlow()
	flow.Nodes["weird"] = Node{ID: "weird", Kind: NodeKind("teleport")}
	if err := flow.Validate(); !errors.Is(err, ErrInvalidNodeKind) {
		t.Errorf("Validate() = %v, want ErrInvalidNodeKind", err)
	}
}

func TestValidateDanglingEdge(t *testing.T) {
	flow := validFlow()
	flow.Edges = append(flow.Edges, Edge{ID: "e2", Source: "msg", Target: "ghost"})
	if err := flow.Validate(); !errors.Is(err, ErrDanglingEdge) {
		t.Errorf("Validate() = %v, want ErrDanglingEdge", err)
	}
}

func TestValidateEmptyNodeID(t *testing.T) {
	flow := validFlow()
	flow.Nodes[""] = Node{Kind: NodeKindMessage}
	if err := flow.Validate(); !errors.Is(err, ErrEmptyNodeID) {
		t.Errorf("Validate() = %v, want ErrEmptyNodeID", err)
	}
}

func TestValidateMismatchedKey(t *testing.T) {
	flow := validFlow()
	flow.Nodes["alias"] = Node{ID: "other", Kind: NodeKindMessage}
	if err := flow.Validate(); err == nil {
		t.Error("Validate() = nil, want mismatched key error")
	}
}

func TestStartNode(t *testing.T) {
	flow := validFlow()
	node, err := flow.StartNode()
	if err != nil || node.ID != "start" {
		t.Errorf("StartNode() = (%+v, %v), want start node", node, err)
	}
}

func TestIsValidNodeKind(t *testing.T) {
	kinds := []NodeKind{
		NodeKindStart, NodeKindMessage, NodeKindQuestion, NodeKindLeadCapture,
		NodeKindConditional, NodeKindAIResponse, NodeKindAPIWebhook,
		NodeKindAppointment, NodeKindAction, NodeKindHumanHandoff, NodeKindSurvey,
	}
	for _, k := range kinds {
		if !IsValidNodeKind(k) {
			t.Errorf("IsValidNodeKind(%q) = false, want true", k)
		}
	}
	if IsValidNodeKind("teleport") {
		t.Error("IsValidNodeKind(teleport) = true, want false")
	}
}

func TestConversationStateClone(t *testing.T) {
	state := &ConversationState{
		ConversationID: "c1",
		Variables:      map[string]interface{}{"name": "Ada"},
	}
	copied := state.Clone()
	copied.Variables["name"] = "Grace"
	copied.ActiveNodeID = "elsewhere"

	if state.Variables["name"] != "Ada" {
		t.Error("Clone shares the variables map")
	}
	if state.ActiveNodeID == "elsewhere" {
		t.Error("Clone shares scalar fields")
	}
}
