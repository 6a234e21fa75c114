package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	_ "embed"

	"github.com/MikeRubio/botflow/internal/models"
	_ "github.com/lib/pq"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore persists flows, conversations, and events in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL store with the given options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.PostgresDSN == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		slog.Error("Failed to open PostgreSQL connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("PostgreSQL ping failed", "error", err)
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run PostgreSQL migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("PostgresStore ready")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) SaveFlow(ctx context.Context, flow models.FlowGraph) error {
	definition, err := json.Marshal(flow)
	if err != nil {
		return fmt.Errorf("failed to marshal flow for %s: %w", flow.ChatbotID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO flows (chatbot_id, definition, updated_at) VALUES ($1, $2, NOW())
		 ON CONFLICT (chatbot_id) DO UPDATE SET definition = EXCLUDED.definition, updated_at = NOW()`,
		flow.ChatbotID, string(definition))
	if err != nil {
		slog.Error("PostgresStore SaveFlow failed", "error", err, "chatbotID", flow.ChatbotID)
		return fmt.Errorf("failed to save flow for %s: %w", flow.ChatbotID, err)
	}
	return nil
}

func (s *PostgresStore) GetFlow(ctx context.Context, chatbotID string) (*models.FlowGraph, error) {
	var definition string
	err := s.db.QueryRowContext(ctx, `SELECT definition FROM flows WHERE chatbot_id = $1`, chatbotID).Scan(&definition)
	if err == sql.ErrNoRows {
		return nil, models.ErrFlowNotFound
	}
	if err != nil {
		slog.Error("PostgresStore GetFlow failed", "error", err, "chatbotID", chatbotID)
		return nil, fmt.Errorf("failed to query flow for %s: %w", chatbotID, err)
	}
	return unmarshalFlow(chatbotID, definition)
}

func (s *PostgresStore) GetConversationState(ctx context.Context, conversationID string) (*models.ConversationState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT conversation_id, chatbot_id, active_node_id, status, variables, turn_count, created_at, updated_at
		 FROM conversation_states WHERE conversation_id = $1`, conversationID)
	state, err := scanConversationState(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetConversationState failed", "error", err, "conversationID", conversationID)
		return nil, err
	}
	return state, nil
}

func (s *PostgresStore) SaveConversationState(ctx context.Context, state models.ConversationState) error {
	variables, err := marshalVariables(state.Variables)
	if err != nil {
		slog.Error("PostgresStore SaveConversationState marshal failed", "error", err, "conversationID", state.ConversationID)
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversation_states
		 (conversation_id, chatbot_id, active_node_id, status, variables, turn_count, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (conversation_id) DO UPDATE SET
		   chatbot_id = EXCLUDED.chatbot_id,
		   active_node_id = EXCLUDED.active_node_id,
		   status = EXCLUDED.status,
		   variables = EXCLUDED.variables,
		   turn_count = EXCLUDED.turn_count,
		   updated_at = EXCLUDED.updated_at`,
		state.ConversationID, state.ChatbotID, state.ActiveNodeID, state.Status,
		variables, state.TurnCount, state.CreatedAt, state.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveConversationState failed", "error", err, "conversationID", state.ConversationID)
		return fmt.Errorf("failed to save conversation state for %s: %w", state.ConversationID, err)
	}
	return nil
}

func (s *PostgresStore) DeleteConversationState(ctx context.Context, conversationID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM conversation_states WHERE conversation_id = $1`, conversationID)
	if err != nil {
		slog.Error("PostgresStore DeleteConversationState failed", "error", err, "conversationID", conversationID)
		return err
	}
	return nil
}

func (s *PostgresStore) AddMessage(ctx context.Context, msg models.Message) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, role, content, time) VALUES ($1, $2, $3, $4)`,
		msg.ConversationID, msg.Role, msg.Content, msg.Time)
	if err != nil {
		slog.Error("PostgresStore AddMessage failed", "error", err, "conversationID", msg.ConversationID)
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	query := `SELECT conversation_id, role, content, time FROM messages WHERE conversation_id = $1 ORDER BY time DESC, id DESC`
	args := []interface{}{conversationID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		slog.Error("PostgresStore GetMessages failed", "error", err, "conversationID", conversationID)
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

func (s *PostgresStore) AddEvent(ctx context.Context, event models.TurnEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (conversation_id, chatbot_id, type, detail, node_id, time) VALUES ($1, $2, $3, $4, $5, $6)`,
		event.ConversationID, event.ChatbotID, event.Type, nilIfEmpty(event.Detail), nilIfEmpty(event.NodeID), event.Time)
	if err != nil {
		slog.Error("PostgresStore AddEvent failed", "error", err, "type", event.Type)
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetEvents(ctx context.Context, conversationID string) ([]models.TurnEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT conversation_id, chatbot_id, type, detail, node_id, time FROM events WHERE conversation_id = $1 ORDER BY time, id`,
		conversationID)
	if err != nil {
		slog.Error("PostgresStore GetEvents failed", "error", err, "conversationID", conversationID)
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

func (s *PostgresStore) SaveChatbotSettings(ctx context.Context, settings models.ChatbotSettings) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chatbot_settings (chatbot_id, welcome_message, fallback_message, closing_message, handoff_message)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (chatbot_id) DO UPDATE SET
		   welcome_message = EXCLUDED.welcome_message,
		   fallback_message = EXCLUDED.fallback_message,
		   closing_message = EXCLUDED.closing_message,
		   handoff_message = EXCLUDED.handoff_message`,
		settings.ChatbotID, settings.WelcomeMessage, settings.FallbackMessage, settings.ClosingMessage, settings.HandoffMessage)
	if err != nil {
		slog.Error("PostgresStore SaveChatbotSettings failed", "error", err, "chatbotID", settings.ChatbotID)
		return fmt.Errorf("failed to save chatbot settings: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetChatbotSettings(ctx context.Context, chatbotID string) (*models.ChatbotSettings, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT chatbot_id, welcome_message, fallback_message, closing_message, handoff_message
		 FROM chatbot_settings WHERE chatbot_id = $1`, chatbotID)
	settings, err := scanChatbotSettings(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetChatbotSettings failed", "error", err, "chatbotID", chatbotID)
		return nil, err
	}
	return settings, nil
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
