package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/MikeRubio/botflow/internal/api"
	"github.com/MikeRubio/botflow/internal/engine"
	"github.com/MikeRubio/botflow/internal/events"
	"github.com/MikeRubio/botflow/internal/genai"
	"github.com/MikeRubio/botflow/internal/messaging"
	"github.com/MikeRubio/botflow/internal/store"
	"github.com/MikeRubio/botflow/internal/util"
	"github.com/MikeRubio/botflow/internal/webhook"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for botflow state data
	DefaultStateDir = "/var/lib/botflow"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "botflow.db"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	st, err := buildStore(flags)
	if err != nil {
		slog.Error("Failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	eng := buildEngine(flags, st)
	whatsapp, facebook := buildSenders(flags)

	server := api.NewServer(st, eng, whatsapp, facebook, buildAPIOptions(flags)...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping botflow", "api_addr", *flags.apiAddr)
	if err := server.Run(ctx); err != nil {
		slog.Error("botflow failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("botflow exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL       string
	StateDir          string
	RedisAddr         string
	OpenAIKey         string
	APIAddr           string
	WhatsAppChatbotID string
	FacebookChatbotID string
	FBVerifyToken     string
	Debug             bool
}

// Flags holds command line flag values
type Flags struct {
	stateDir          *string
	dbDSN             *string
	redisAddr         *string
	openaiKey         *string
	apiAddr           *string
	whatsAppChatbotID *string
	facebookChatbotID *string
	fbVerifyToken     *string
}

// initializeLogger sets up structured logging
func initializeLogger() {
	level := slog.LevelInfo
	if util.ParseBoolEnv("BOTFLOW_DEBUG", false) {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		StateDir:          util.GetEnvOrDefault("BOTFLOW_STATE_DIR", DefaultStateDir),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		OpenAIKey:         os.Getenv("OPENAI_API_KEY"),
		APIAddr:           util.GetEnvOrDefault("API_ADDR", api.DefaultAddr),
		WhatsAppChatbotID: os.Getenv("WHATSAPP_CHATBOT_ID"),
		FacebookChatbotID: os.Getenv("FACEBOOK_CHATBOT_ID"),
		FBVerifyToken:     os.Getenv("FACEBOOK_VERIFY_TOKEN"),
	}

	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"BOTFLOW_STATE_DIR", config.StateDir,
		"REDIS_ADDR", config.RedisAddr,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:          flag.String("state-dir", config.StateDir, "state directory for botflow data (overrides $BOTFLOW_STATE_DIR)"),
		dbDSN:             flag.String("db-dsn", config.DatabaseURL, "database DSN (overrides $DATABASE_URL)"),
		redisAddr:         flag.String("redis-addr", config.RedisAddr, "Redis address for conversation state (overrides $REDIS_ADDR)"),
		openaiKey:         flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		apiAddr:           flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		whatsAppChatbotID: flag.String("whatsapp-chatbot-id", config.WhatsAppChatbotID, "chatbot answering WhatsApp (overrides $WHATSAPP_CHATBOT_ID)"),
		facebookChatbotID: flag.String("facebook-chatbot-id", config.FacebookChatbotID, "chatbot answering Messenger (overrides $FACEBOOK_CHATBOT_ID)"),
		fbVerifyToken:     flag.String("facebook-verify-token", config.FBVerifyToken, "Messenger webhook verification token (overrides $FACEBOOK_VERIFY_TOKEN)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"redisAddr", *flags.redisAddr,
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr)

	if *flags.dbDSN == config.DatabaseURL && config.DatabaseURL == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "new_state_dir", *flags.stateDir)
	}

	return flags
}

// buildStore selects and initializes the persistent store backend
func buildStore(flags Flags) (store.Store, error) {
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return store.NewPostgresStore(store.WithPostgresDSN(*flags.dbDSN))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", *flags.dbDSN)
	return store.NewSQLiteStore(store.WithSQLiteDSN(*flags.dbDSN))
}

// buildEngine wires the engine with its collaborators
func buildEngine(flags Flags, st store.Store) *engine.Engine {
	var generator engine.Generator
	if *flags.openaiKey != "" {
		client, err := genai.NewClient(genai.WithAPIKey(*flags.openaiKey))
		if err != nil {
			slog.Warn("GenAI client unavailable, ai_response nodes will use fallback text", "error", err)
		} else {
			generator = client
		}
	} else {
		slog.Info("No OpenAI API key configured, ai_response nodes will use fallback text")
	}

	var states engine.StateStore = st
	if *flags.redisAddr != "" {
		redisStore, err := store.NewRedisStateStore(*flags.redisAddr)
		if err != nil {
			slog.Error("Redis state store unavailable, falling back to primary store", "error", err)
		} else {
			states = redisStore
			slog.Info("Conversation state backed by Redis", "addr", *flags.redisAddr)
		}
	}

	return engine.New(
		st,
		states,
		st,
		st,
		generator,
		webhook.NewCaller(),
		events.NewLogger(st),
		engine.WithAITimeout(util.ParseDurationEnv("AI_TIMEOUT", engine.DefaultAITimeout)),
		engine.WithHistoryLimit(util.ParseIntEnv("AI_HISTORY_LIMIT", engine.DefaultHistoryLimit)),
	)
}

// buildSenders constructs the optional channel senders
func buildSenders(flags Flags) (messaging.Sender, messaging.Sender) {
	var whatsapp messaging.Sender
	if *flags.whatsAppChatbotID != "" {
		sender, err := messaging.NewTwilioWhatsAppSender()
		if err != nil {
			slog.Warn("WhatsApp sender unavailable", "error", err)
		} else {
			whatsapp = sender
		}
	}

	var facebook messaging.Sender
	if *flags.facebookChatbotID != "" {
		sender, err := messaging.NewFacebookMessengerSender()
		if err != nil {
			slog.Warn("Messenger sender unavailable", "error", err)
		} else {
			facebook = sender
		}
	}
	return whatsapp, facebook
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if *flags.whatsAppChatbotID != "" {
		apiOpts = append(apiOpts, api.WithWhatsAppChatbotID(*flags.whatsAppChatbotID))
	}
	if *flags.facebookChatbotID != "" {
		apiOpts = append(apiOpts, api.WithFacebookChatbotID(*flags.facebookChatbotID))
	}
	if *flags.fbVerifyToken != "" {
		apiOpts = append(apiOpts, api.WithFacebookVerifyToken(*flags.fbVerifyToken))
	}
	return apiOpts
}
