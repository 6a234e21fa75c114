package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/MikeRubio/botflow/internal/metrics"
	"github.com/MikeRubio/botflow/internal/models"
)

// Default user-facing texts used when a node or chatbot leaves them blank.
const (
	DefaultLeadPrompt        = "Before we continue, could you share your name?"
	DefaultQuestionRetry     = "Sorry, I didn't understand that. Please pick one of the options."
	DefaultAppointmentPrompt = "When would you like to schedule your appointment?"
	DefaultHandoffMessage    = "Let me connect you with a member of our team."
	DefaultSurveyThankYou    = "Thanks for your feedback!"
	DefaultAIFallback        = "Thanks for your message! Someone will follow up with more details shortly."
)

// Telemetry variable keys written by the ai_response processor. These are
// not user-visible; they feed analytics and conditional routing.
const (
	VarLastIntent     = "last_intent"
	VarLastConfidence = "last_confidence"
)

// Mutation is a single variable write produced by a node processor. When
// Fields has more than one entry, or a field is name-like, the write fans
// out per the alias rules in Variables.SetWithAliases.
type Mutation struct {
	Fields []string
	Value  interface{}
}

// Result is the outcome of processing one node.
type Result struct {
	Outputs     []models.BotOutput
	Mutations   []Mutation
	Action      string // resolved action of a conditional node, for edge selection
	Interactive bool   // stop auto-advancing and wait for the next user turn
	Advance     bool   // an interactive node consumed its input and may advance
	Handoff     bool   // flag the conversation for a human agent
}

// processNode dispatches to the processor for the node's kind. userInput
// is nil when the node is first reached during auto-advance and non-nil on
// the turn carrying the user's reply to an interactive node.
func (e *Engine) processNode(ctx context.Context, node models.Node, userInput *string, vars Variables, history []models.Message, texts turnTexts) (Result, error) {
	switch node.Kind {
	case models.NodeKindStart:
		// Entry point only; the navigator advances past it immediately.
		return Result{}, nil
	case models.NodeKindMessage:
		return e.processMessage(node, vars), nil
	case models.NodeKindQuestion:
		return e.processQuestion(node, userInput, vars), nil
	case models.NodeKindLeadCapture:
		return e.processLeadCapture(node, userInput, vars), nil
	case models.NodeKindConditional:
		return e.processConditional(node, vars), nil
	case models.NodeKindAIResponse:
		return e.processAIResponse(ctx, node, userInput, vars, history, texts), nil
	case models.NodeKindAPIWebhook:
		return e.processAPIWebhook(ctx, node, vars), nil
	case models.NodeKindAppointment:
		return e.processAppointment(node, userInput, vars), nil
	case models.NodeKindAction:
		return e.processAction(node, vars), nil
	case models.NodeKindHumanHandoff:
		return e.processHumanHandoff(node, vars, texts), nil
	case models.NodeKindSurvey:
		return e.processSurvey(node, userInput, vars), nil
	default:
		return Result{}, &FlowDefinitionError{NodeID: node.ID, Reason: fmt.Sprintf("unknown node kind %q", node.Kind)}
	}
}

// processMessage emits the node content and advances automatically.
func (e *Engine) processMessage(node models.Node, vars Variables) Result {
	return Result{
		Outputs: []models.BotOutput{{NodeID: node.ID, Content: Substitute(node.Content, vars)}},
	}
}

// processQuestion emits content plus options on first visit. On the reply
// turn it matches the input against the options with the bidirectional
// contains policy, first match wins; an unmatched reply re-prompts without
// advancing.
func (e *Engine) processQuestion(node models.Node, userInput *string, vars Variables) Result {
	// Options are rendered once up front; matching and the stored answer
	// both use the label the user actually saw.
	options := make([]string, len(node.Options))
	for i, opt := range node.Options {
		options[i] = Substitute(opt, vars)
	}

	if userInput == nil {
		return Result{
			Outputs:     []models.BotOutput{{NodeID: node.ID, Content: Substitute(node.Content, vars), Options: options}},
			Interactive: true,
		}
	}

	for _, label := range options {
		if EvaluateCondition(models.OperatorContains, *userInput, label) {
			result := Result{Interactive: true, Advance: true}
			if len(node.Fields) > 0 && node.Fields[0].Name != "" {
				result.Mutations = append(result.Mutations, Mutation{Fields: []string{node.Fields[0].Name}, Value: label})
			}
			slog.Debug("Engine.processQuestion: option matched", "node", node.ID, "option", label)
			return result
		}
	}

	slog.Debug("Engine.processQuestion: no option matched, re-prompting", "node", node.ID)
	return Result{
		Outputs:     []models.BotOutput{{NodeID: node.ID, Content: DefaultQuestionRetry, Options: options}},
		Interactive: true,
	}
}

// processLeadCapture prompts for the next unset field on first visit and
// records the raw reply under the field's name, fanning out name-like
// fields to the alias group. Fields are captured one per turn in
// declaration order.
func (e *Engine) processLeadCapture(node models.Node, userInput *string, vars Variables) Result {
	fields := node.Fields
	if len(fields) == 0 {
		fields = []models.FieldSpec{{Name: "name", Prompt: DefaultLeadPrompt}}
	}

	next := -1
	for i, f := range fields {
		if vars.GetString(f.Name) == "" {
			next = i
			break
		}
	}
	if next == -1 {
		// Everything already captured (e.g. re-entered from another branch).
		return Result{Interactive: true, Advance: true}
	}

	if userInput == nil {
		prompt := fields[next].Prompt
		if prompt == "" {
			prompt = fmt.Sprintf("Could you share your %s?", fields[next].Name)
		}
		return Result{
			Outputs:     []models.BotOutput{{NodeID: node.ID, Content: Substitute(prompt, vars)}},
			Interactive: true,
		}
	}

	result := Result{
		Mutations:   []Mutation{{Fields: []string{fields[next].Name}, Value: *userInput}},
		Interactive: true,
	}
	if next == len(fields)-1 {
		result.Advance = true
		return result
	}

	// More fields to collect: prompt for the following one without advancing.
	prompt := fields[next+1].Prompt
	if prompt == "" {
		prompt = fmt.Sprintf("Could you share your %s?", fields[next+1].Name)
	}
	result.Outputs = []models.BotOutput{{NodeID: node.ID, Content: Substitute(prompt, vars)}}
	return result
}

// processConditional evaluates conditions in declaration order and returns
// the first matching action for edge selection. Zero outputs; the node
// advances silently. No match leaves Action empty so the navigator falls
// back to the unconditional edge.
func (e *Engine) processConditional(node models.Node, vars Variables) Result {
	for _, cond := range node.Conditions {
		actual := vars.GetString(cond.Variable)
		if EvaluateCondition(cond.Operator, actual, cond.Value) {
			slog.Debug("Engine.processConditional: condition matched", "node", node.ID, "variable", cond.Variable, "action", cond.Action)
			return Result{Action: cond.Action}
		}
	}
	slog.Debug("Engine.processConditional: no condition matched, using default edge", "node", node.ID)
	return Result{}
}

// processAIResponse delegates to the AI generation collaborator with the
// node's system prompt (or content), the variable store, and recent
// history. Generation failures and timeouts degrade to the deterministic
// fallback text; the turn never fails on the collaborator.
func (e *Engine) processAIResponse(ctx context.Context, node models.Node, userInput *string, vars Variables, history []models.Message, texts turnTexts) Result {
	prompt := node.SystemPrompt
	if prompt == "" {
		prompt = node.Content
	}

	userMessage := ""
	if userInput != nil {
		userMessage = *userInput
	} else if len(history) > 0 && history[len(history)-1].Role == "user" {
		userMessage = history[len(history)-1].Content
	}

	text, intent, confidence := e.generateWithFallback(ctx, prompt, userMessage, vars, history, texts.fallback)

	result := Result{
		Outputs: []models.BotOutput{{NodeID: node.ID, Content: Substitute(text, vars)}},
		Mutations: []Mutation{
			{Fields: []string{VarLastIntent}, Value: intent},
			{Fields: []string{VarLastConfidence}, Value: confidence},
		},
		Interactive: true,
		Advance:     userInput != nil,
	}
	return result
}

// generateWithFallback runs the generator under the engine-enforced
// timeout and substitutes the fallback response on any failure.
func (e *Engine) generateWithFallback(ctx context.Context, prompt, userMessage string, vars Variables, history []models.Message, fallback string) (string, string, float64) {
	if fallback == "" {
		fallback = DefaultAIFallback
	}
	if e.generator == nil {
		slog.Debug("Engine.generateWithFallback: no generator configured, using fallback")
		return fallback, "fallback", 0
	}

	genCtx, cancel := context.WithTimeout(ctx, e.aiTimeout)
	defer cancel()

	resp, err := e.generator.GenerateResponse(genCtx, prompt, userMessage, map[string]interface{}(vars), history)
	if err != nil {
		slog.Warn("Engine.generateWithFallback: generation failed, using fallback", "error", err)
		metrics.AIFallbacks.Inc()
		return fallback, "fallback", 0
	}
	return resp.Text, resp.Intent, resp.Confidence
}

// processAPIWebhook invokes the external HTTP collaborator per the node's
// config. Success and failure alike advance to the next node: webhook
// failures are logged and counted, never block the conversation.
func (e *Engine) processAPIWebhook(ctx context.Context, node models.Node, vars Variables) Result {
	cfg := node.APIConfig
	if cfg == nil || cfg.URL == "" {
		slog.Warn("Engine.processAPIWebhook: node has no api config, skipping", "node", node.ID)
		return Result{}
	}
	if e.webhooks == nil {
		slog.Warn("Engine.processAPIWebhook: no webhook caller configured, skipping", "node", node.ID)
		return Result{}
	}

	call := *cfg
	call.URL = Substitute(cfg.URL, vars)
	call.Body = Substitute(cfg.Body, vars)

	resp, err := e.webhooks.Request(ctx, call)
	if err != nil {
		slog.Warn("Engine.processAPIWebhook: webhook call failed, advancing anyway", "node", node.ID, "url", call.URL, "error", err)
		metrics.WebhookFailures.Inc()
		e.logEvent(models.TurnEvent{Type: models.EventWebhookFailed, NodeID: node.ID, Detail: err.Error(), Time: time.Now()})
		return Result{}
	}

	result := Result{}
	if cfg.SaveAs != "" {
		result.Mutations = append(result.Mutations, Mutation{Fields: []string{cfg.SaveAs}, Value: resp.Body})
	}
	if cfg.ResponseMessage != "" {
		result.Outputs = append(result.Outputs, models.BotOutput{NodeID: node.ID, Content: Substitute(cfg.ResponseMessage, vars)})
	}
	slog.Debug("Engine.processAPIWebhook: webhook call succeeded", "node", node.ID, "status", resp.Status)
	return result
}

// processAppointment prompts for a time slot and records the raw reply.
func (e *Engine) processAppointment(node models.Node, userInput *string, vars Variables) Result {
	if userInput == nil {
		content := node.Content
		if content == "" {
			content = DefaultAppointmentPrompt
		}
		return Result{
			Outputs:     []models.BotOutput{{NodeID: node.ID, Content: Substitute(content, vars)}},
			Interactive: true,
		}
	}
	return Result{
		Mutations:   []Mutation{{Fields: []string{"appointment_request"}, Value: *userInput}},
		Interactive: true,
		Advance:     true,
	}
}

// processAction applies the node's fields as static variable assignments
// and advances; it emits content only when authored.
func (e *Engine) processAction(node models.Node, vars Variables) Result {
	result := Result{}
	for _, field := range node.Fields {
		if field.Name == "" {
			continue
		}
		result.Mutations = append(result.Mutations, Mutation{Fields: []string{field.Name}, Value: Substitute(field.Value, vars)})
	}
	if node.Content != "" {
		result.Outputs = append(result.Outputs, models.BotOutput{NodeID: node.ID, Content: Substitute(node.Content, vars)})
	}
	return result
}

// processHumanHandoff emits the handoff message and flags the conversation.
// The node then acts as terminal until an external collaborator resumes it.
func (e *Engine) processHumanHandoff(node models.Node, vars Variables, texts turnTexts) Result {
	content := node.Content
	if content == "" {
		content = texts.handoff
	}
	if content == "" {
		content = DefaultHandoffMessage
	}
	return Result{
		Outputs:     []models.BotOutput{{NodeID: node.ID, Content: Substitute(content, vars)}},
		Interactive: true,
		Handoff:     true,
	}
}

// processSurvey walks the configured questions one per turn. Progress is
// kept in a reserved per-node variable so it survives between turns like
// any other state.
func (e *Engine) processSurvey(node models.Node, userInput *string, vars Variables) Result {
	cfg := node.SurveyConfig
	if cfg == nil || len(cfg.Questions) == 0 {
		return Result{}
	}
	progressKey := surveyProgressKey(node.ID)
	progress := 0
	if raw := vars.GetString(progressKey); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			progress = parsed
		}
	}

	result := Result{Interactive: true}

	if userInput != nil && progress < len(cfg.Questions) {
		variable := cfg.Questions[progress].Variable
		if variable == "" {
			variable = fmt.Sprintf("survey_%s_q%d", node.ID, progress+1)
		}
		result.Mutations = append(result.Mutations,
			Mutation{Fields: []string{variable}, Value: *userInput},
			Mutation{Fields: []string{progressKey}, Value: strconv.Itoa(progress + 1)},
		)
		progress++
	}

	if progress >= len(cfg.Questions) {
		thanks := cfg.ThankYou
		if thanks == "" {
			thanks = DefaultSurveyThankYou
		}
		result.Outputs = append(result.Outputs, models.BotOutput{NodeID: node.ID, Content: Substitute(thanks, vars)})
		result.Advance = true
		return result
	}

	result.Outputs = append(result.Outputs, models.BotOutput{NodeID: node.ID, Content: Substitute(cfg.Questions[progress].Prompt, vars)})
	return result
}

func surveyProgressKey(nodeID string) string {
	return fmt.Sprintf("survey_%s_progress", nodeID)
}
