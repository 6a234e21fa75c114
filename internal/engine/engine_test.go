package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/MikeRubio/botflow/internal/models"
)

// stubBackend implements the engine's storage-facing collaborator
// interfaces in memory.
type stubBackend struct {
	mu       sync.Mutex
	flows    map[string]*models.FlowGraph
	states   map[string]*models.ConversationState
	messages []models.Message
	settings map[string]*models.ChatbotSettings
}

func newStubBackend(flow *models.FlowGraph) *stubBackend {
	flows := map[string]*models.FlowGraph{}
	if flow != nil {
		flows[flow.ChatbotID] = flow
	}
	return &stubBackend{
		flows:    flows,
		states:   map[string]*models.ConversationState{},
		settings: map[string]*models.ChatbotSettings{},
	}
}

func (b *stubBackend) GetFlow(ctx context.Context, chatbotID string) (*models.FlowGraph, error) {
	flow, ok := b.flows[chatbotID]
	if !ok {
		return nil, models.ErrFlowNotFound
	}
	return flow, nil
}

func (b *stubBackend) GetConversationState(ctx context.Context, id string) (*models.ConversationState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, ok := b.states[id]
	if !ok {
		return nil, nil
	}
	return state.Clone(), nil
}

func (b *stubBackend) SaveConversationState(ctx context.Context, state models.ConversationState) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.states[state.ConversationID] = state.Clone()
	return nil
}

func (b *stubBackend) AddMessage(ctx context.Context, msg models.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, msg)
	return nil
}

func (b *stubBackend) GetMessages(ctx context.Context, id string, limit int) ([]models.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []models.Message
	for _, m := range b.messages {
		if m.ConversationID == id {
			out = append(out, m)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (b *stubBackend) GetChatbotSettings(ctx context.Context, chatbotID string) (*models.ChatbotSettings, error) {
	return b.settings[chatbotID], nil
}

func (b *stubBackend) state(id string) *models.ConversationState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.states[id]
}

type stubEventLog struct {
	mu     sync.Mutex
	events []models.TurnEvent
}

func (l *stubEventLog) LogEvent(event models.TurnEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *stubEventLog) types() []models.EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []models.EventType
	for _, e := range l.events {
		out = append(out, e.Type)
	}
	return out
}

func (l *stubEventLog) has(t models.EventType) bool {
	for _, et := range l.types() {
		if et == t {
			return true
		}
	}
	return false
}

type stubGenerator struct {
	resp *GeneratedResponse
	err  error
}

func (g *stubGenerator) GenerateResponse(ctx context.Context, systemPrompt, userMessage string, vars map[string]interface{}, history []models.Message) (*GeneratedResponse, error) {
	if g.err != nil {
		return nil, g.err
	}
	return g.resp, nil
}

type stubWebhookCaller struct {
	result *WebhookResult
	err    error
	calls  int
}

func (c *stubWebhookCaller) Request(ctx context.Context, cfg models.APIConfig) (*WebhookResult, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return c.result, nil
}

func newTestEngine(backend *stubBackend, gen Generator, hooks WebhookCaller, events EventLogger, opts ...Option) *Engine {
	return New(backend, backend, backend, backend, gen, hooks, events, opts...)
}

func linearFlow() *models.FlowGraph {
	return &models.FlowGraph{
		ChatbotID: "bot",
		Nodes: map[string]models.Node{
			"start":    {ID: "start", Kind: models.NodeKindStart},
			"welcome":  {ID: "welcome", Kind: models.NodeKindMessage, Content: "Welcome"},
			"question": {ID: "question", Kind: models.NodeKindQuestion, Content: "Pick one", Options: []string{"A", "B"}},
		},
		Edges: []models.Edge{
			{ID: "e1", Source: "start", Target: "welcome"},
			{ID: "e2", Source: "welcome", Target: "question"},
		},
	}
}

func TestLinearFlowTurns(t *testing.T) {
	backend := newStubBackend(linearFlow())
	eng := newTestEngine(backend, nil, nil, nil)
	ctx := context.Background()

	outputs, err := eng.ProcessTurn(ctx, "c1", "bot", "")
	if err != nil {
		t.Fatalf("turn 1 failed: %v", err)
	}
	if len(outputs) != 2 {
		t.Fatalf("turn 1 outputs = %d, want 2: %+v", len(outputs), outputs)
	}
	if outputs[0].Content != "Welcome" {
		t.Errorf("first output = %q, want Welcome", outputs[0].Content)
	}
	if outputs[1].Content != "Pick one" || len(outputs[1].Options) != 2 {
		t.Errorf("second output = %+v, want question with 2 options", outputs[1])
	}
	if st := backend.state("c1"); st.ActiveNodeID != "question" || st.Status != models.StatusActive {
		t.Errorf("state after turn 1 = %+v, want active on question node", st)
	}

	outputs, err = eng.ProcessTurn(ctx, "c1", "bot", "a")
	if err != nil {
		t.Fatalf("turn 2 failed: %v", err)
	}
	if len(outputs) != 1 || outputs[0].Content != DefaultClosingMessage {
		t.Fatalf("turn 2 outputs = %+v, want closing message", outputs)
	}
	if st := backend.state("c1"); st.Status != models.StatusEnded {
		t.Errorf("status after terminal = %q, want ended", st.Status)
	}

	if _, err := eng.ProcessTurn(ctx, "c1", "bot", "hello?"); !errors.Is(err, models.ErrConversationEnded) {
		t.Errorf("turn on ended conversation err = %v, want ErrConversationEnded", err)
	}
}

func TestQuestionRetryOnUnmatchedReply(t *testing.T) {
	backend := newStubBackend(linearFlow())
	eng := newTestEngine(backend, nil, nil, nil)
	ctx := context.Background()

	if _, err := eng.ProcessTurn(ctx, "c1", "bot", ""); err != nil {
		t.Fatalf("turn 1 failed: %v", err)
	}
	outputs, err := eng.ProcessTurn(ctx, "c1", "bot", "something else entirely")
	if err != nil {
		t.Fatalf("turn 2 failed: %v", err)
	}
	if len(outputs) != 1 || outputs[0].Content != DefaultQuestionRetry {
		t.Fatalf("outputs = %+v, want retry prompt", outputs)
	}
	if st := backend.state("c1"); st.ActiveNodeID != "question" {
		t.Errorf("active node = %q, want question (no advance)", st.ActiveNodeID)
	}
}

func TestLeadCaptureAliasingAndTemplating(t *testing.T) {
	flow := &models.FlowGraph{
		ChatbotID: "bot",
		Nodes: map[string]models.Node{
			"start": {ID: "start", Kind: models.NodeKindStart},
			"lead":  {ID: "lead", Kind: models.NodeKindLeadCapture, Fields: []models.FieldSpec{{Name: "first_name", Prompt: "What's your name?"}}},
			"greet": {ID: "greet", Kind: models.NodeKindMessage, Content: "Hi {name}!"},
		},
		Edges: []models.Edge{
			{ID: "e1", Source: "start", Target: "lead"},
			{ID: "e2", Source: "lead", Target: "greet"},
		},
	}
	backend := newStubBackend(flow)
	eng := newTestEngine(backend, nil, nil, nil)
	ctx := context.Background()

	if _, err := eng.ProcessTurn(ctx, "c1", "bot", ""); err != nil {
		t.Fatalf("turn 1 failed: %v", err)
	}
	outputs, err := eng.ProcessTurn(ctx, "c1", "bot", "Ada")
	if err != nil {
		t.Fatalf("turn 2 failed: %v", err)
	}
	if len(outputs) == 0 || outputs[0].Content != "Hi Ada!" {
		t.Fatalf("outputs = %+v, want greeting rendered from alias", outputs)
	}

	st := backend.state("c1")
	for _, alias := range NameAliases {
		if st.Variables[alias] != "Ada" {
			t.Errorf("variable %q = %v, want Ada", alias, st.Variables[alias])
		}
	}
}

func TestConditionalRouting(t *testing.T) {
	makeFlow := func(plan string) *models.FlowGraph {
		nodes := map[string]models.Node{
			"start": {ID: "start", Kind: models.NodeKindStart},
			"cond": {ID: "cond", Kind: models.NodeKindConditional, Conditions: []models.ConditionSpec{
				{Variable: "plan", Operator: models.OperatorEquals, Value: "pro", Action: "go_pro"},
			}},
			"pro":  {ID: "pro", Kind: models.NodeKindMessage, Content: "Pro branch"},
			"free": {ID: "free", Kind: models.NodeKindMessage, Content: "Free branch"},
		}
		edges := []models.Edge{
			{ID: "e1", Source: "start", Target: "cond"},
			{ID: "e2", Source: "cond", Target: "pro", Condition: "go_pro"},
			{ID: "e3", Source: "cond", Target: "free"},
		}
		if plan != "" {
			nodes["set"] = models.Node{ID: "set", Kind: models.NodeKindAction, Fields: []models.FieldSpec{{Name: "plan", Value: plan}}}
			edges = []models.Edge{
				{ID: "e0", Source: "start", Target: "set"},
				{ID: "e1", Source: "set", Target: "cond"},
				{ID: "e2", Source: "cond", Target: "pro", Condition: "go_pro"},
				{ID: "e3", Source: "cond", Target: "free"},
			}
		}
		return &models.FlowGraph{ChatbotID: "bot", Nodes: nodes, Edges: edges}
	}

	t.Run("matching condition selects tagged edge", func(t *testing.T) {
		backend := newStubBackend(makeFlow("pro"))
		eng := newTestEngine(backend, nil, nil, nil)
		outputs, err := eng.ProcessTurn(context.Background(), "c1", "bot", "")
		if err != nil {
			t.Fatalf("turn failed: %v", err)
		}
		if len(outputs) == 0 || outputs[0].Content != "Pro branch" {
			t.Fatalf("outputs = %+v, want pro branch", outputs)
		}
	})

	t.Run("unset variable falls back to default edge", func(t *testing.T) {
		backend := newStubBackend(makeFlow(""))
		eng := newTestEngine(backend, nil, nil, nil)
		outputs, err := eng.ProcessTurn(context.Background(), "c1", "bot", "")
		if err != nil {
			t.Fatalf("turn failed: %v", err)
		}
		if len(outputs) == 0 || outputs[0].Content != "Free branch" {
			t.Fatalf("outputs = %+v, want free branch", outputs)
		}
	})
}

func TestWebhookFailureDoesNotBlockTurn(t *testing.T) {
	flow := &models.FlowGraph{
		ChatbotID: "bot",
		Nodes: map[string]models.Node{
			"start": {ID: "start", Kind: models.NodeKindStart},
			"hook":  {ID: "hook", Kind: models.NodeKindAPIWebhook, APIConfig: &models.APIConfig{URL: "https://example.com/x"}},
			"after": {ID: "after", Kind: models.NodeKindMessage, Content: "after"},
		},
		Edges: []models.Edge{
			{ID: "e1", Source: "start", Target: "hook"},
			{ID: "e2", Source: "hook", Target: "after"},
		},
	}
	backend := newStubBackend(flow)
	hooks := &stubWebhookCaller{err: fmt.Errorf("connection timed out")}
	events := &stubEventLog{}
	eng := newTestEngine(backend, nil, hooks, events)

	outputs, err := eng.ProcessTurn(context.Background(), "c1", "bot", "")
	if err != nil {
		t.Fatalf("turn failed: %v", err)
	}
	if hooks.calls != 1 {
		t.Errorf("webhook calls = %d, want 1", hooks.calls)
	}
	found := false
	for _, out := range outputs {
		if out.Content == "after" {
			found = true
		}
	}
	if !found {
		t.Errorf("outputs = %+v, want advance past failed webhook", outputs)
	}
	if !events.has(models.EventWebhookFailed) {
		t.Error("expected webhook_failed event to be logged")
	}
}

func TestWebhookSaveAsAndResponseMessage(t *testing.T) {
	flow := &models.FlowGraph{
		ChatbotID: "bot",
		Nodes: map[string]models.Node{
			"start": {ID: "start", Kind: models.NodeKindStart},
			"hook": {ID: "hook", Kind: models.NodeKindAPIWebhook, APIConfig: &models.APIConfig{
				URL: "https://example.com/{plan}", SaveAs: "hook_result", ResponseMessage: "All set!",
			}},
		},
		Edges: []models.Edge{{ID: "e1", Source: "start", Target: "hook"}},
	}
	backend := newStubBackend(flow)
	hooks := &stubWebhookCaller{result: &WebhookResult{Status: 200, Body: `{"ok":true}`}}
	eng := newTestEngine(backend, nil, hooks, nil)

	outputs, err := eng.ProcessTurn(context.Background(), "c1", "bot", "")
	if err != nil {
		t.Fatalf("turn failed: %v", err)
	}
	if len(outputs) < 1 || outputs[0].Content != "All set!" {
		t.Fatalf("outputs = %+v, want response message first", outputs)
	}
	if got := backend.state("c1").Variables["hook_result"]; got != `{"ok":true}` {
		t.Errorf("hook_result = %v, want response body", got)
	}
}

func TestConditionalCycleFlagsHandoff(t *testing.T) {
	flow := &models.FlowGraph{
		ChatbotID: "bot",
		Nodes: map[string]models.Node{
			"start": {ID: "start", Kind: models.NodeKindStart},
			"a":     {ID: "a", Kind: models.NodeKindConditional},
			"b":     {ID: "b", Kind: models.NodeKindConditional},
		},
		Edges: []models.Edge{
			{ID: "e1", Source: "start", Target: "a"},
			{ID: "e2", Source: "a", Target: "b"},
			{ID: "e3", Source: "b", Target: "a"},
		},
	}
	backend := newStubBackend(flow)
	events := &stubEventLog{}
	eng := newTestEngine(backend, nil, nil, events)

	outputs, err := eng.ProcessTurn(context.Background(), "c1", "bot", "")
	if err != nil {
		t.Fatalf("cycle must not surface as an error, got %v", err)
	}
	if len(outputs) != 1 || outputs[0].Content != DefaultFlowErrorMessage {
		t.Fatalf("outputs = %+v, want generic flow error message", outputs)
	}
	if !events.has(models.EventFlowError) {
		t.Error("expected flow_error event")
	}
	if st := backend.state("c1"); st == nil || st.Status != models.StatusWaitingHuman {
		t.Errorf("state = %+v, want waiting_human", st)
	}
}

func TestHandoffNodeAndResume(t *testing.T) {
	flow := &models.FlowGraph{
		ChatbotID: "bot",
		Nodes: map[string]models.Node{
			"start":   {ID: "start", Kind: models.NodeKindStart},
			"handoff": {ID: "handoff", Kind: models.NodeKindHumanHandoff},
		},
		Edges: []models.Edge{{ID: "e1", Source: "start", Target: "handoff"}},
	}
	backend := newStubBackend(flow)
	events := &stubEventLog{}
	eng := newTestEngine(backend, nil, nil, events)
	ctx := context.Background()

	outputs, err := eng.ProcessTurn(ctx, "c1", "bot", "")
	if err != nil {
		t.Fatalf("turn failed: %v", err)
	}
	if len(outputs) != 1 || outputs[0].Content != DefaultHandoffMessage {
		t.Fatalf("outputs = %+v, want handoff message", outputs)
	}
	if st := backend.state("c1"); st.Status != models.StatusWaitingHuman {
		t.Fatalf("status = %q, want waiting_human", st.Status)
	}
	if !events.has(models.EventHandoffRequested) {
		t.Error("expected handoff_requested event")
	}

	if _, err := eng.ProcessTurn(ctx, "c1", "bot", "anyone there?"); !errors.Is(err, models.ErrConversationWaiting) {
		t.Errorf("turn while waiting err = %v, want ErrConversationWaiting", err)
	}

	if err := eng.ResumeConversation(ctx, "c1"); err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if st := backend.state("c1"); st.Status != models.StatusActive {
		t.Errorf("status after resume = %q, want active", st.Status)
	}
}

func TestAIResponseFallbackWhenGeneratorFails(t *testing.T) {
	flow := &models.FlowGraph{
		ChatbotID: "bot",
		Nodes: map[string]models.Node{
			"start": {ID: "start", Kind: models.NodeKindStart},
			"ai":    {ID: "ai", Kind: models.NodeKindAIResponse, SystemPrompt: "Be helpful"},
		},
		Edges: []models.Edge{{ID: "e1", Source: "start", Target: "ai"}},
	}
	backend := newStubBackend(flow)
	gen := &stubGenerator{err: fmt.Errorf("rate limited")}
	eng := newTestEngine(backend, gen, nil, nil)

	outputs, err := eng.ProcessTurn(context.Background(), "c1", "bot", "")
	if err != nil {
		t.Fatalf("turn failed: %v", err)
	}
	if len(outputs) != 1 || outputs[0].Content != DefaultAIFallback {
		t.Fatalf("outputs = %+v, want fallback text", outputs)
	}
	st := backend.state("c1")
	if st.Variables[VarLastIntent] != "fallback" {
		t.Errorf("last_intent = %v, want fallback", st.Variables[VarLastIntent])
	}
}

func TestAIResponseRecordsTelemetry(t *testing.T) {
	flow := &models.FlowGraph{
		ChatbotID: "bot",
		Nodes: map[string]models.Node{
			"start": {ID: "start", Kind: models.NodeKindStart},
			"ai":    {ID: "ai", Kind: models.NodeKindAIResponse, SystemPrompt: "Be helpful"},
		},
		Edges: []models.Edge{{ID: "e1", Source: "start", Target: "ai"}},
	}
	backend := newStubBackend(flow)
	gen := &stubGenerator{resp: &GeneratedResponse{Text: "Sure thing!", Intent: "pricing", Confidence: 0.93}}
	eng := newTestEngine(backend, gen, nil, nil)

	outputs, err := eng.ProcessTurn(context.Background(), "c1", "bot", "")
	if err != nil {
		t.Fatalf("turn failed: %v", err)
	}
	if len(outputs) != 1 || outputs[0].Content != "Sure thing!" {
		t.Fatalf("outputs = %+v", outputs)
	}
	st := backend.state("c1")
	if st.Variables[VarLastIntent] != "pricing" || st.Variables[VarLastConfidence] != 0.93 {
		t.Errorf("telemetry = %v / %v, want pricing / 0.93", st.Variables[VarLastIntent], st.Variables[VarLastConfidence])
	}
}

func TestSurveyWalksQuestionsOnePerTurn(t *testing.T) {
	flow := &models.FlowGraph{
		ChatbotID: "bot",
		Nodes: map[string]models.Node{
			"start": {ID: "start", Kind: models.NodeKindStart},
			"survey": {ID: "survey", Kind: models.NodeKindSurvey, SurveyConfig: &models.SurveyConfig{
				Questions: []models.SurveyQuestion{
					{Prompt: "How did we do?", Variable: "rating"},
					{Prompt: "Anything else?", Variable: "comments"},
				},
			}},
		},
		Edges: []models.Edge{{ID: "e1", Source: "start", Target: "survey"}},
	}
	backend := newStubBackend(flow)
	eng := newTestEngine(backend, nil, nil, nil)
	ctx := context.Background()

	outputs, err := eng.ProcessTurn(ctx, "c1", "bot", "")
	if err != nil {
		t.Fatalf("turn 1 failed: %v", err)
	}
	if len(outputs) != 1 || outputs[0].Content != "How did we do?" {
		t.Fatalf("turn 1 outputs = %+v", outputs)
	}

	outputs, err = eng.ProcessTurn(ctx, "c1", "bot", "great")
	if err != nil {
		t.Fatalf("turn 2 failed: %v", err)
	}
	if len(outputs) != 1 || outputs[0].Content != "Anything else?" {
		t.Fatalf("turn 2 outputs = %+v", outputs)
	}

	outputs, err = eng.ProcessTurn(ctx, "c1", "bot", "nope")
	if err != nil {
		t.Fatalf("turn 3 failed: %v", err)
	}
	if len(outputs) != 2 || outputs[0].Content != DefaultSurveyThankYou || outputs[1].Content != DefaultClosingMessage {
		t.Fatalf("turn 3 outputs = %+v, want thank-you then closing", outputs)
	}

	st := backend.state("c1")
	if st.Variables["rating"] != "great" || st.Variables["comments"] != "nope" {
		t.Errorf("survey answers = %v / %v", st.Variables["rating"], st.Variables["comments"])
	}
	if st.Status != models.StatusEnded {
		t.Errorf("status = %q, want ended", st.Status)
	}
}

func TestChatbotSettingsOverrideTexts(t *testing.T) {
	backend := newStubBackend(linearFlow())
	backend.settings["bot"] = &models.ChatbotSettings{ChatbotID: "bot", ClosingMessage: "Bye {name}!"}
	eng := newTestEngine(backend, nil, nil, nil)
	ctx := context.Background()

	if _, err := eng.ProcessTurn(ctx, "c1", "bot", ""); err != nil {
		t.Fatalf("turn 1 failed: %v", err)
	}
	outputs, err := eng.ProcessTurn(ctx, "c1", "bot", "b")
	if err != nil {
		t.Fatalf("turn 2 failed: %v", err)
	}
	if len(outputs) != 1 || outputs[0].Content != "Bye {name}!" {
		t.Fatalf("outputs = %+v, want configured closing message", outputs)
	}
}

func TestChatbotSettingsStayPerChatbot(t *testing.T) {
	terminalFlow := func(chatbotID string) *models.FlowGraph {
		return &models.FlowGraph{
			ChatbotID: chatbotID,
			Nodes: map[string]models.Node{
				"start": {ID: "start", Kind: models.NodeKindStart},
				"bye":   {ID: "bye", Kind: models.NodeKindMessage, Content: "Done"},
			},
			Edges: []models.Edge{{ID: "e1", Source: "start", Target: "bye"}},
		}
	}
	backend := newStubBackend(terminalFlow("botA"))
	backend.flows["botB"] = terminalFlow("botB")
	backend.settings["botA"] = &models.ChatbotSettings{ChatbotID: "botA", ClosingMessage: "Bye from A!"}
	eng := newTestEngine(backend, nil, nil, nil)
	ctx := context.Background()

	outputs, err := eng.ProcessTurn(ctx, "a1", "botA", "")
	if err != nil {
		t.Fatalf("botA turn failed: %v", err)
	}
	if len(outputs) != 2 || outputs[1].Content != "Bye from A!" {
		t.Fatalf("botA outputs = %+v, want configured closing", outputs)
	}

	// The same engine serves botB afterwards; botA's texts must not stick.
	outputs, err = eng.ProcessTurn(ctx, "b1", "botB", "")
	if err != nil {
		t.Fatalf("botB turn failed: %v", err)
	}
	if len(outputs) != 2 || outputs[1].Content != DefaultClosingMessage {
		t.Fatalf("botB outputs = %+v, want default closing", outputs)
	}
}

func templatedQuestionFlow() *models.FlowGraph {
	return &models.FlowGraph{
		ChatbotID: "bot",
		Nodes: map[string]models.Node{
			"start": {ID: "start", Kind: models.NodeKindStart},
			"set":   {ID: "set", Kind: models.NodeKindAction, Fields: []models.FieldSpec{{Name: "agent", Value: "Ada"}}},
			"question": {ID: "question", Kind: models.NodeKindQuestion, Content: "Pick one",
				Options: []string{"Talk to {agent}", "Keep browsing"},
				Fields:  []models.FieldSpec{{Name: "choice"}}},
		},
		Edges: []models.Edge{
			{ID: "e1", Source: "start", Target: "set"},
			{ID: "e2", Source: "set", Target: "question"},
		},
	}
}

func TestQuestionRetryRendersOptions(t *testing.T) {
	backend := newStubBackend(templatedQuestionFlow())
	eng := newTestEngine(backend, nil, nil, nil)
	ctx := context.Background()

	outputs, err := eng.ProcessTurn(ctx, "c1", "bot", "")
	if err != nil {
		t.Fatalf("turn 1 failed: %v", err)
	}
	if len(outputs) != 1 || len(outputs[0].Options) != 2 || outputs[0].Options[0] != "Talk to Ada" {
		t.Fatalf("turn 1 outputs = %+v, want rendered options", outputs)
	}

	outputs, err = eng.ProcessTurn(ctx, "c1", "bot", "something else entirely")
	if err != nil {
		t.Fatalf("turn 2 failed: %v", err)
	}
	if len(outputs) != 1 || outputs[0].Content != DefaultQuestionRetry {
		t.Fatalf("turn 2 outputs = %+v, want retry prompt", outputs)
	}
	if len(outputs[0].Options) != 2 || outputs[0].Options[0] != "Talk to Ada" {
		t.Errorf("retry options = %v, want same rendering as the first prompt", outputs[0].Options)
	}
}

func TestQuestionStoresRenderedOptionLabel(t *testing.T) {
	backend := newStubBackend(templatedQuestionFlow())
	eng := newTestEngine(backend, nil, nil, nil)
	ctx := context.Background()

	if _, err := eng.ProcessTurn(ctx, "c1", "bot", ""); err != nil {
		t.Fatalf("turn 1 failed: %v", err)
	}
	if _, err := eng.ProcessTurn(ctx, "c1", "bot", "ada"); err != nil {
		t.Fatalf("turn 2 failed: %v", err)
	}
	if got := backend.state("c1").Variables["choice"]; got != "Talk to Ada" {
		t.Errorf("choice = %v, want the label the user saw", got)
	}
}

func TestMissingStartNodeIsFlowError(t *testing.T) {
	flow := &models.FlowGraph{
		ChatbotID: "bot",
		Nodes:     map[string]models.Node{"msg": {ID: "msg", Kind: models.NodeKindMessage, Content: "hi"}},
	}
	backend := newStubBackend(flow)
	events := &stubEventLog{}
	eng := newTestEngine(backend, nil, nil, events)

	outputs, err := eng.ProcessTurn(context.Background(), "c1", "bot", "")
	if err != nil {
		t.Fatalf("flow error must not surface as an error, got %v", err)
	}
	if len(outputs) != 1 || outputs[0].Content != DefaultFlowErrorMessage {
		t.Fatalf("outputs = %+v, want generic flow error message", outputs)
	}
	if !events.has(models.EventFlowError) {
		t.Error("expected flow_error event")
	}
}

func TestUnknownFlowReturnsError(t *testing.T) {
	backend := newStubBackend(nil)
	eng := newTestEngine(backend, nil, nil, nil)
	if _, err := eng.ProcessTurn(context.Background(), "c1", "nope", ""); !errors.Is(err, models.ErrFlowNotFound) {
		t.Errorf("err = %v, want ErrFlowNotFound", err)
	}
}

func TestConcurrentTurnsOnDistinctConversations(t *testing.T) {
	backend := newStubBackend(linearFlow())
	eng := newTestEngine(backend, nil, nil, nil)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = eng.ProcessTurn(context.Background(), fmt.Sprintf("c%d", i), "bot", "")
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Errorf("conversation %d failed: %v", i, err)
		}
	}
}
