package genai

import (
	"strings"
	"testing"
)

func TestNewClientRequiresAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := NewClient(); err == nil {
		t.Error("NewClient without key should fail")
	}
}

func TestNewClientWithExplicitKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	client, err := NewClient(WithAPIKey("sk-test"), WithModel("gpt-test"))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if client.model != "gpt-test" {
		t.Errorf("model = %q, want gpt-test", client.model)
	}
}

func TestBuildSystemPromptIncludesVariables(t *testing.T) {
	prompt := buildSystemPrompt("You sell widgets.", map[string]interface{}{
		"name": "Ada",
		"plan": "pro",
	})
	if !strings.HasPrefix(prompt, "You sell widgets.") {
		t.Errorf("prompt does not start with authored text: %q", prompt)
	}
	if !strings.Contains(prompt, "Known visitor details:") {
		t.Error("prompt missing visitor details section")
	}
	if !strings.Contains(prompt, "- name: Ada") || !strings.Contains(prompt, "- plan: pro") {
		t.Errorf("prompt missing variables: %q", prompt)
	}
	// Sorted keys keep the prompt stable across turns.
	if strings.Index(prompt, "- name:") > strings.Index(prompt, "- plan:") {
		t.Error("variables not sorted")
	}
	if !strings.Contains(prompt, `"reply"`) {
		t.Error("prompt missing structured reply instruction")
	}
}

func TestBuildSystemPromptDefaultsWhenEmpty(t *testing.T) {
	prompt := buildSystemPrompt("", nil)
	if !strings.Contains(prompt, "assistant") {
		t.Errorf("default prompt unexpected: %q", prompt)
	}
	if strings.Contains(prompt, "Known visitor details:") {
		t.Error("empty vars should not add details section")
	}
}
