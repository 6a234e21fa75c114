package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "embed"

	"github.com/MikeRubio/botflow/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore persists flows, conversations, and events in a local SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given options. The
// DSN is a file path; its directory is created when missing.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	dsn := cfg.SQLiteDSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run SQLite migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLiteStore ready", "path", dsn)
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) SaveFlow(ctx context.Context, flow models.FlowGraph) error {
	definition, err := json.Marshal(flow)
	if err != nil {
		return fmt.Errorf("failed to marshal flow for %s: %w", flow.ChatbotID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO flows (chatbot_id, definition, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)`,
		flow.ChatbotID, string(definition))
	if err != nil {
		slog.Error("SQLiteStore SaveFlow failed", "error", err, "chatbotID", flow.ChatbotID)
		return fmt.Errorf("failed to save flow for %s: %w", flow.ChatbotID, err)
	}
	return nil
}

func (s *SQLiteStore) GetFlow(ctx context.Context, chatbotID string) (*models.FlowGraph, error) {
	var definition string
	err := s.db.QueryRowContext(ctx, `SELECT definition FROM flows WHERE chatbot_id = ?`, chatbotID).Scan(&definition)
	if err == sql.ErrNoRows {
		return nil, models.ErrFlowNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore GetFlow failed", "error", err, "chatbotID", chatbotID)
		return nil, fmt.Errorf("failed to query flow for %s: %w", chatbotID, err)
	}
	return unmarshalFlow(chatbotID, definition)
}

func (s *SQLiteStore) GetConversationState(ctx context.Context, conversationID string) (*models.ConversationState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT conversation_id, chatbot_id, active_node_id, status, variables, turn_count, created_at, updated_at
		 FROM conversation_states WHERE conversation_id = ?`, conversationID)
	state, err := scanConversationState(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetConversationState failed", "error", err, "conversationID", conversationID)
		return nil, err
	}
	return state, nil
}

func (s *SQLiteStore) SaveConversationState(ctx context.Context, state models.ConversationState) error {
	variables, err := marshalVariables(state.Variables)
	if err != nil {
		slog.Error("SQLiteStore SaveConversationState marshal failed", "error", err, "conversationID", state.ConversationID)
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO conversation_states
		 (conversation_id, chatbot_id, active_node_id, status, variables, turn_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		state.ConversationID, state.ChatbotID, state.ActiveNodeID, state.Status,
		variables, state.TurnCount, state.CreatedAt, state.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveConversationState failed", "error", err, "conversationID", state.ConversationID)
		return fmt.Errorf("failed to save conversation state for %s: %w", state.ConversationID, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteConversationState(ctx context.Context, conversationID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM conversation_states WHERE conversation_id = ?`, conversationID)
	if err != nil {
		slog.Error("SQLiteStore DeleteConversationState failed", "error", err, "conversationID", conversationID)
		return err
	}
	return nil
}

func (s *SQLiteStore) AddMessage(ctx context.Context, msg models.Message) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, role, content, time) VALUES (?, ?, ?, ?)`,
		msg.ConversationID, msg.Role, msg.Content, msg.Time)
	if err != nil {
		slog.Error("SQLiteStore AddMessage failed", "error", err, "conversationID", msg.ConversationID)
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	query := `SELECT conversation_id, role, content, time FROM messages WHERE conversation_id = ? ORDER BY time DESC, id DESC`
	args := []interface{}{conversationID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		slog.Error("SQLiteStore GetMessages failed", "error", err, "conversationID", conversationID)
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

func (s *SQLiteStore) AddEvent(ctx context.Context, event models.TurnEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (conversation_id, chatbot_id, type, detail, node_id, time) VALUES (?, ?, ?, ?, ?, ?)`,
		event.ConversationID, event.ChatbotID, event.Type, nilIfEmpty(event.Detail), nilIfEmpty(event.NodeID), event.Time)
	if err != nil {
		slog.Error("SQLiteStore AddEvent failed", "error", err, "type", event.Type)
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetEvents(ctx context.Context, conversationID string) ([]models.TurnEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT conversation_id, chatbot_id, type, detail, node_id, time FROM events WHERE conversation_id = ? ORDER BY time, id`,
		conversationID)
	if err != nil {
		slog.Error("SQLiteStore GetEvents failed", "error", err, "conversationID", conversationID)
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

func (s *SQLiteStore) SaveChatbotSettings(ctx context.Context, settings models.ChatbotSettings) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO chatbot_settings (chatbot_id, welcome_message, fallback_message, closing_message, handoff_message)
		 VALUES (?, ?, ?, ?, ?)`,
		settings.ChatbotID, settings.WelcomeMessage, settings.FallbackMessage, settings.ClosingMessage, settings.HandoffMessage)
	if err != nil {
		slog.Error("SQLiteStore SaveChatbotSettings failed", "error", err, "chatbotID", settings.ChatbotID)
		return fmt.Errorf("failed to save chatbot settings: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetChatbotSettings(ctx context.Context, chatbotID string) (*models.ChatbotSettings, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT chatbot_id, welcome_message, fallback_message, closing_message, handoff_message
		 FROM chatbot_settings WHERE chatbot_id = ?`, chatbotID)
	settings, err := scanChatbotSettings(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetChatbotSettings failed", "error", err, "chatbotID", chatbotID)
		return nil, err
	}
	return settings, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
