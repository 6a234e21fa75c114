// Package store provides storage backends for botflow.
//
// It includes an in-memory store for tests and development, and
// SQLite/PostgreSQL backends for persistent deployments. A Redis backend
// covers conversation state for multi-worker deployments, including the
// per-conversation turn lock.
package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/MikeRubio/botflow/internal/models"
)

// Store is the record-store boundary the engine and API depend on: flows,
// conversation state, transcript messages, turn events, and chatbot
// settings.
type Store interface {
	SaveFlow(ctx context.Context, flow models.FlowGraph) error
	GetFlow(ctx context.Context, chatbotID string) (*models.FlowGraph, error)

	GetConversationState(ctx context.Context, conversationID string) (*models.ConversationState, error)
	SaveConversationState(ctx context.Context, state models.ConversationState) error
	DeleteConversationState(ctx context.Context, conversationID string) error

	AddMessage(ctx context.Context, msg models.Message) error
	GetMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error)

	AddEvent(ctx context.Context, event models.TurnEvent) error
	GetEvents(ctx context.Context, conversationID string) ([]models.TurnEvent, error)

	SaveChatbotSettings(ctx context.Context, settings models.ChatbotSettings) error
	GetChatbotSettings(ctx context.Context, chatbotID string) (*models.ChatbotSettings, error)

	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	SQLiteDSN   string
	PostgresDSN string
	RedisAddr   string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithSQLiteDSN configures an SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.SQLiteDSN = dsn }
}

// WithPostgresDSN configures a PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.PostgresDSN = dsn }
}

// WithRedisAddr configures a Redis address for the state backend.
func WithRedisAddr(addr string) Option {
	return func(o *Opts) { o.RedisAddr = addr }
}

// DetectDSNType classifies a DSN as "postgres" or "sqlite". File paths
// default to SQLite.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// InMemoryStore is a map-backed Store used by tests and local development.
type InMemoryStore struct {
	mu       sync.RWMutex
	flows    map[string]models.FlowGraph
	states   map[string]models.ConversationState
	messages map[string][]models.Message
	events   map[string][]models.TurnEvent
	settings map[string]models.ChatbotSettings
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		flows:    make(map[string]models.FlowGraph),
		states:   make(map[string]models.ConversationState),
		messages: make(map[string][]models.Message),
		events:   make(map[string][]models.TurnEvent),
		settings: make(map[string]models.ChatbotSettings),
	}
}

func (s *InMemoryStore) SaveFlow(ctx context.Context, flow models.FlowGraph) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flows[flow.ChatbotID] = flow
	return nil
}

func (s *InMemoryStore) GetFlow(ctx context.Context, chatbotID string) (*models.FlowGraph, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	flow, ok := s.flows[chatbotID]
	if !ok {
		return nil, models.ErrFlowNotFound
	}
	return &flow, nil
}

func (s *InMemoryStore) GetConversationState(ctx context.Context, conversationID string) (*models.ConversationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[conversationID]
	if !ok {
		return nil, nil
	}
	copied := state.Clone()
	return copied, nil
}

func (s *InMemoryStore) SaveConversationState(ctx context.Context, state models.ConversationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.ConversationID] = *state.Clone()
	return nil
}

func (s *InMemoryStore) DeleteConversationState(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, conversationID)
	return nil
}

func (s *InMemoryStore) AddMessage(ctx context.Context, msg models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], msg)
	return nil
}

func (s *InMemoryStore) GetMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[conversationID]
	sorted := make([]models.Message, len(msgs))
	copy(sorted, msgs)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Time.Before(sorted[j].Time) })
	if limit > 0 && len(sorted) > limit {
		sorted = sorted[len(sorted)-limit:]
	}
	return sorted, nil
}

func (s *InMemoryStore) AddEvent(ctx context.Context, event models.TurnEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[event.ConversationID] = append(s.events[event.ConversationID], event)
	return nil
}

func (s *InMemoryStore) GetEvents(ctx context.Context, conversationID string) ([]models.TurnEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := make([]models.TurnEvent, len(s.events[conversationID]))
	copy(events, s.events[conversationID])
	return events, nil
}

func (s *InMemoryStore) SaveChatbotSettings(ctx context.Context, settings models.ChatbotSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[settings.ChatbotID] = settings
	return nil
}

func (s *InMemoryStore) GetChatbotSettings(ctx context.Context, chatbotID string) (*models.ChatbotSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	settings, ok := s.settings[chatbotID]
	if !ok {
		return nil, nil
	}
	return &settings, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
