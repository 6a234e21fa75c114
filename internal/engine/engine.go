package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MikeRubio/botflow/internal/metrics"
	"github.com/MikeRubio/botflow/internal/models"
)

// Hard-coded last-resort texts, used when chatbot settings leave the
// configurable messages unset.
const (
	DefaultClosingMessage   = "Thanks for chatting with us. Have a great day!"
	DefaultFlowErrorMessage = "Something went wrong on our side. Let me connect you with a human."
)

// Engine defaults, overridable through options.
const (
	DefaultAITimeout    = 20 * time.Second
	DefaultHistoryLimit = 20
)

// maxChainNodes bounds a single auto-advance chain independently of the
// visited-set guard. A well-formed chain visits each node at most once, so
// the chain can never legitimately exceed the node count.
const maxChainNodes = 10000

// FlowSource loads the authored flow for a chatbot. The engine treats the
// result as immutable for the turn's duration.
type FlowSource interface {
	GetFlow(ctx context.Context, chatbotID string) (*models.FlowGraph, error)
}

// StateStore loads and saves conversation state. Implementations must
// tolerate concurrent calls for distinct conversations; the engine
// serializes calls for the same conversation id.
type StateStore interface {
	GetConversationState(ctx context.Context, conversationID string) (*models.ConversationState, error)
	SaveConversationState(ctx context.Context, state models.ConversationState) error
}

// ConversationLocker is an optional StateStore capability for multi-worker
// deployments: a store-level lock serializing turns across processes. The
// engine always holds its in-process lock as well.
type ConversationLocker interface {
	LockConversation(ctx context.Context, conversationID string) (func(), error)
}

// MessageLog records the transcript and supplies recent history to the AI
// collaborator.
type MessageLog interface {
	AddMessage(ctx context.Context, msg models.Message) error
	GetMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error)
}

// SettingsSource loads per-chatbot engine texts. A nil result means the
// chatbot has no custom settings and defaults apply.
type SettingsSource interface {
	GetChatbotSettings(ctx context.Context, chatbotID string) (*models.ChatbotSettings, error)
}

// GeneratedResponse is the AI collaborator's reply.
type GeneratedResponse struct {
	Text       string
	Intent     string
	Confidence float64
}

// Generator is the external AI generation collaborator. Implementations
// may be nondeterministic; the engine supplies a deterministic fallback
// whenever generation errors, times out, or is unconfigured.
type Generator interface {
	GenerateResponse(ctx context.Context, systemPrompt, userMessage string, vars map[string]interface{}, history []models.Message) (*GeneratedResponse, error)
}

// WebhookResult is the outcome of a successful webhook call.
type WebhookResult struct {
	Status int
	Body   string
}

// WebhookCaller is the generic HTTP collaborator used by api_webhook nodes.
type WebhookCaller interface {
	Request(ctx context.Context, cfg models.APIConfig) (*WebhookResult, error)
}

// EventLogger receives structured turn events. Appends are fire-and-forget
// from the engine's perspective.
type EventLogger interface {
	LogEvent(event models.TurnEvent)
}

// Opts holds configuration options for the Engine.
type Opts struct {
	AITimeout       time.Duration
	HistoryLimit    int
	FallbackMessage string
	HandoffMessage  string
	ClosingMessage  string
}

// Option defines a configuration option for the Engine.
type Option func(*Opts)

// WithAITimeout sets the engine-enforced timeout for AI generation.
func WithAITimeout(d time.Duration) Option {
	return func(o *Opts) { o.AITimeout = d }
}

// WithHistoryLimit caps how many recent messages are passed to the AI
// collaborator (-1 for no limit).
func WithHistoryLimit(n int) Option {
	return func(o *Opts) { o.HistoryLimit = n }
}

// WithFallbackMessage overrides the default AI fallback text.
func WithFallbackMessage(msg string) Option {
	return func(o *Opts) { o.FallbackMessage = msg }
}

// WithHandoffMessage overrides the default human-handoff text.
func WithHandoffMessage(msg string) Option {
	return func(o *Opts) { o.HandoffMessage = msg }
}

// WithClosingMessage overrides the default terminal-node closing text.
func WithClosingMessage(msg string) Option {
	return func(o *Opts) { o.ClosingMessage = msg }
}

// Engine drives one conversation turn at a time. Distinct conversations
// run fully independently; turns for the same conversation id are strictly
// ordered by a per-conversation lock.
type Engine struct {
	flows     FlowSource
	states    StateStore
	messages  MessageLog
	settings  SettingsSource
	generator Generator
	webhooks  WebhookCaller
	events    EventLogger

	locks *lockRegistry

	aiTimeout       time.Duration
	historyLimit    int
	fallbackMessage string
	handoffMessage  string
	closingMessage  string
}

// New creates a conversation engine with its external collaborators.
// generator, webhooks, events, and settings may be nil; the corresponding
// node behaviors degrade to their deterministic fallbacks.
func New(flows FlowSource, states StateStore, messages MessageLog, settings SettingsSource, generator Generator, webhooks WebhookCaller, events EventLogger, opts ...Option) *Engine {
	cfg := Opts{
		AITimeout:    DefaultAITimeout,
		HistoryLimit: DefaultHistoryLimit,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("Engine.New: creating engine", "aiTimeout", cfg.AITimeout, "historyLimit", cfg.HistoryLimit, "hasGenerator", generator != nil, "hasWebhooks", webhooks != nil)
	return &Engine{
		flows:           flows,
		states:          states,
		messages:        messages,
		settings:        settings,
		generator:       generator,
		webhooks:        webhooks,
		events:          events,
		locks:           newLockRegistry(),
		aiTimeout:       cfg.AITimeout,
		historyLimit:    cfg.HistoryLimit,
		fallbackMessage: cfg.FallbackMessage,
		handoffMessage:  cfg.HandoffMessage,
		closingMessage:  cfg.ClosingMessage,
	}
}

// ProcessTurn is the single entry point shared by every channel adapter.
// It advances the conversation by one user turn (userInput may be empty
// for the initial turn), returning the ordered bot outputs. State is
// mutated on a copy and saved exactly once, so a failed turn leaves the
// persisted state untouched.
func (e *Engine) ProcessTurn(ctx context.Context, conversationID, chatbotID, userInput string) ([]models.BotOutput, error) {
	start := time.Now()

	unlock := e.locks.lock(conversationID)
	defer unlock()

	if locker, ok := e.states.(ConversationLocker); ok {
		release, err := locker.LockConversation(ctx, conversationID)
		if err != nil {
			metrics.TurnsProcessed.WithLabelValues("lock_error").Inc()
			return nil, fmt.Errorf("failed to acquire conversation lock: %w", err)
		}
		defer release()
	}

	outputs, err := e.processTurnLocked(ctx, conversationID, chatbotID, userInput)

	metrics.TurnDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.TurnsProcessed.WithLabelValues("error").Inc()
	} else {
		metrics.TurnsProcessed.WithLabelValues("ok").Inc()
	}
	return outputs, err
}

func (e *Engine) processTurnLocked(ctx context.Context, conversationID, chatbotID, userInput string) ([]models.BotOutput, error) {
	flow, err := e.flows.GetFlow(ctx, chatbotID)
	if err != nil {
		slog.Error("Engine.ProcessTurn: failed to load flow", "error", err, "chatbotID", chatbotID)
		return nil, fmt.Errorf("failed to load flow: %w", err)
	}
	if err := flow.Validate(); err != nil {
		slog.Error("Engine.ProcessTurn: flow failed validation", "error", err, "chatbotID", chatbotID)
		return e.flowErrorTurn(ctx, conversationID, chatbotID, nil, err)
	}

	persisted, err := e.states.GetConversationState(ctx, conversationID)
	if err != nil {
		slog.Error("Engine.ProcessTurn: failed to load conversation state", "error", err, "conversationID", conversationID)
		return nil, fmt.Errorf("failed to load conversation state: %w", err)
	}

	var state *models.ConversationState
	isNew := persisted == nil
	if isNew {
		startNode, err := flow.StartNode()
		if err != nil {
			return e.flowErrorTurn(ctx, conversationID, chatbotID, nil, err)
		}
		now := time.Now()
		state = &models.ConversationState{
			ConversationID: conversationID,
			ChatbotID:      chatbotID,
			ActiveNodeID:   startNode.ID,
			Status:         models.StatusActive,
			Variables:      make(map[string]interface{}),
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		e.logEvent(models.TurnEvent{ConversationID: conversationID, ChatbotID: chatbotID, Type: models.EventConversationStarted, Time: now})
		slog.Info("Engine.ProcessTurn: conversation started", "conversationID", conversationID, "chatbotID", chatbotID)
	} else {
		state = persisted.Clone()
	}

	switch state.Status {
	case models.StatusEnded:
		slog.Debug("Engine.ProcessTurn: conversation already ended", "conversationID", conversationID)
		return nil, models.ErrConversationEnded
	case models.StatusWaitingHuman:
		slog.Debug("Engine.ProcessTurn: conversation waiting for human", "conversationID", conversationID)
		return nil, models.ErrConversationWaiting
	}

	texts := e.resolveTexts(ctx, chatbotID)

	vars := Variables(state.Variables)
	history := e.recentHistory(ctx, conversationID)
	if userInput != "" {
		e.recordMessage(ctx, conversationID, "user", userInput)
		e.logEvent(models.TurnEvent{ConversationID: conversationID, ChatbotID: chatbotID, Type: models.EventMessageReceived, Time: time.Now()})
	}

	outputs, err := e.runChain(ctx, flow, state, vars, userInput, isNew, history, texts)
	if err != nil {
		var cycleErr *FlowCycleError
		var defErr *FlowDefinitionError
		if errors.As(err, &cycleErr) || errors.As(err, &defErr) {
			return e.flowErrorTurn(ctx, conversationID, chatbotID, state, err)
		}
		return nil, err
	}

	state.TurnCount++
	state.UpdatedAt = time.Now()
	state.Variables = map[string]interface{}(vars)

	if err := e.states.SaveConversationState(ctx, *state); err != nil {
		slog.Error("Engine.ProcessTurn: failed to save conversation state", "error", err, "conversationID", conversationID)
		return nil, fmt.Errorf("failed to save conversation state: %w", err)
	}

	for _, out := range outputs {
		e.recordMessage(ctx, conversationID, "bot", out.Content)
		e.logEvent(models.TurnEvent{ConversationID: conversationID, ChatbotID: chatbotID, Type: models.EventMessageSent, NodeID: out.NodeID, Time: time.Now()})
	}

	slog.Info("Engine.ProcessTurn: turn completed", "conversationID", conversationID, "outputs", len(outputs), "activeNode", state.ActiveNodeID, "status", state.Status)
	return outputs, nil
}

// runChain processes the active node (with input when it is interactive
// and this turn carries one) and then auto-advances through non-interactive
// nodes until an interactive node or terminal state is reached. A visited
// set guards the chain against authored cycles.
func (e *Engine) runChain(ctx context.Context, flow *models.FlowGraph, state *models.ConversationState, vars Variables, userInput string, isNew bool, history []models.Message, texts turnTexts) ([]models.BotOutput, error) {
	node, ok := flow.Nodes[state.ActiveNodeID]
	if !ok {
		return nil, &FlowDefinitionError{NodeID: state.ActiveNodeID, Reason: "active node missing from flow"}
	}

	var outputs []models.BotOutput
	action := ""

	var input *string
	if userInput != "" && !isNew {
		input = &userInput
	}

	result, err := e.processNode(ctx, node, input, vars, history, texts)
	if err != nil {
		return nil, err
	}
	outputs = append(outputs, result.Outputs...)
	e.applyMutations(vars, result.Mutations)
	action = result.Action

	if result.Handoff {
		return outputs, e.flagHandoff(state)
	}
	if result.Interactive && !result.Advance {
		// Re-prompt (or first emission of an interactive node reached as
		// the active node): stay put and wait for the next user turn.
		return outputs, nil
	}

	visited := map[string]bool{node.ID: true}
	current := node.ID
	for steps := 0; steps < maxChainNodes; steps++ {
		nextID, ok := NextNode(flow, current, action)
		if !ok {
			state.ActiveNodeID = current
			return e.endConversation(state, vars, outputs, texts), nil
		}
		next, exists := flow.Nodes[nextID]
		if !exists {
			return nil, &FlowDefinitionError{NodeID: nextID, Reason: "edge target missing from flow"}
		}
		if visited[nextID] {
			return nil, &FlowCycleError{NodeID: nextID}
		}
		visited[nextID] = true

		result, err := e.processNode(ctx, next, nil, vars, history, texts)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, result.Outputs...)
		e.applyMutations(vars, result.Mutations)
		action = result.Action

		if result.Handoff {
			state.ActiveNodeID = nextID
			return outputs, e.flagHandoff(state)
		}
		if result.Interactive {
			state.ActiveNodeID = nextID
			return outputs, nil
		}
		current = nextID
	}
	return nil, &FlowCycleError{NodeID: current}
}

// applyMutations writes processor mutations into the variable store,
// honoring the alias fan-out rules.
func (e *Engine) applyMutations(vars Variables, mutations []Mutation) {
	for _, m := range mutations {
		vars.SetWithAliases(m.Fields, m.Value)
	}
}

// endConversation marks the state terminal and appends the closing message.
func (e *Engine) endConversation(state *models.ConversationState, vars Variables, outputs []models.BotOutput, texts turnTexts) []models.BotOutput {
	state.Status = models.StatusEnded
	closing := texts.closing
	if closing == "" {
		closing = DefaultClosingMessage
	}
	e.logEvent(models.TurnEvent{ConversationID: state.ConversationID, ChatbotID: state.ChatbotID, Type: models.EventConversationEnded, Time: time.Now()})
	slog.Info("Engine.endConversation: conversation reached terminal node", "conversationID", state.ConversationID)
	return append(outputs, models.BotOutput{NodeID: state.ActiveNodeID, Content: Substitute(closing, vars)})
}

// flagHandoff marks the conversation as waiting for a human agent.
func (e *Engine) flagHandoff(state *models.ConversationState) error {
	state.Status = models.StatusWaitingHuman
	metrics.Handoffs.Inc()
	e.logEvent(models.TurnEvent{ConversationID: state.ConversationID, ChatbotID: state.ChatbotID, Type: models.EventHandoffRequested, Time: time.Now()})
	slog.Info("Engine.flagHandoff: conversation flagged for human", "conversationID", state.ConversationID)
	return nil
}

// flowErrorTurn is the flow-definition error path: the turn is aborted, a
// generic plain-language output is returned, the conversation is flagged
// for human handoff, and the event is reported for monitoring. The user
// never sees a raw error.
func (e *Engine) flowErrorTurn(ctx context.Context, conversationID, chatbotID string, state *models.ConversationState, cause error) ([]models.BotOutput, error) {
	metrics.FlowErrors.Inc()
	slog.Error("Engine.flowErrorTurn: flow definition error", "error", cause, "conversationID", conversationID, "chatbotID", chatbotID)
	e.logEvent(models.TurnEvent{ConversationID: conversationID, ChatbotID: chatbotID, Type: models.EventFlowError, Detail: cause.Error(), Time: time.Now()})

	if state != nil {
		state.Status = models.StatusWaitingHuman
		state.UpdatedAt = time.Now()
		if err := e.states.SaveConversationState(ctx, *state); err != nil {
			slog.Error("Engine.flowErrorTurn: failed to save handoff state", "error", err, "conversationID", conversationID)
		}
		metrics.Handoffs.Inc()
		e.logEvent(models.TurnEvent{ConversationID: conversationID, ChatbotID: chatbotID, Type: models.EventHandoffRequested, Time: time.Now()})
	}

	return []models.BotOutput{{Content: DefaultFlowErrorMessage}}, nil
}

// ResumeConversation returns a handed-off conversation to the active flow.
// Called by an external collaborator when a human agent closes out.
func (e *Engine) ResumeConversation(ctx context.Context, conversationID string) error {
	unlock := e.locks.lock(conversationID)
	defer unlock()

	state, err := e.states.GetConversationState(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("failed to load conversation state: %w", err)
	}
	if state == nil {
		return fmt.Errorf("conversation %s not found", conversationID)
	}
	if state.Status != models.StatusWaitingHuman {
		return fmt.Errorf("conversation %s is not waiting for a human", conversationID)
	}
	updated := state.Clone()
	updated.Status = models.StatusActive
	updated.UpdatedAt = time.Now()
	if err := e.states.SaveConversationState(ctx, *updated); err != nil {
		return fmt.Errorf("failed to save conversation state: %w", err)
	}
	slog.Info("Engine.ResumeConversation: conversation resumed", "conversationID", conversationID)
	return nil
}

// turnTexts holds the configurable texts resolved for one turn. Settings
// are per chatbot, so the resolved values live on the turn, never on the
// Engine: a shared engine serves every chatbot concurrently.
type turnTexts struct {
	fallback string
	handoff  string
	closing  string
}

// resolveTexts layers the chatbot's settings record over the constructor
// defaults. Engine fields are never written after New.
func (e *Engine) resolveTexts(ctx context.Context, chatbotID string) turnTexts {
	texts := turnTexts{
		fallback: e.fallbackMessage,
		handoff:  e.handoffMessage,
		closing:  e.closingMessage,
	}
	if e.settings == nil {
		return texts
	}
	settings, err := e.settings.GetChatbotSettings(ctx, chatbotID)
	if err != nil {
		slog.Warn("Engine.resolveTexts: failed to load chatbot settings", "error", err, "chatbotID", chatbotID)
		return texts
	}
	if settings == nil {
		return texts
	}
	if settings.FallbackMessage != "" {
		texts.fallback = settings.FallbackMessage
	}
	if settings.HandoffMessage != "" {
		texts.handoff = settings.HandoffMessage
	}
	if settings.ClosingMessage != "" {
		texts.closing = settings.ClosingMessage
	}
	return texts
}

// recentHistory loads the transcript tail for the AI collaborator.
func (e *Engine) recentHistory(ctx context.Context, conversationID string) []models.Message {
	if e.messages == nil {
		return nil
	}
	history, err := e.messages.GetMessages(ctx, conversationID, e.historyLimit)
	if err != nil {
		slog.Warn("Engine.recentHistory: failed to load history", "error", err, "conversationID", conversationID)
		return nil
	}
	return history
}

// recordMessage appends to the transcript; failures are logged, never fatal.
func (e *Engine) recordMessage(ctx context.Context, conversationID, role, content string) {
	if e.messages == nil {
		return
	}
	msg := models.Message{ConversationID: conversationID, Role: role, Content: content, Time: time.Now()}
	if err := e.messages.AddMessage(ctx, msg); err != nil {
		slog.Warn("Engine.recordMessage: failed to record message", "error", err, "conversationID", conversationID, "role", role)
	}
}

// logEvent forwards to the event logger; logging failure never fails a turn.
func (e *Engine) logEvent(event models.TurnEvent) {
	if e.events == nil {
		return
	}
	e.events.LogEvent(event)
}
