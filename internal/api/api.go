// Package api provides the HTTP surface for botflow.
//
// It exposes the web widget endpoints, flow and settings management,
// and the inbound webhooks for the WhatsApp and Facebook Messenger
// channels. Handlers only translate payloads to and from engine calls.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MikeRubio/botflow/internal/engine"
	"github.com/MikeRubio/botflow/internal/messaging"
	"github.com/MikeRubio/botflow/internal/store"
)

// DefaultAddr is the default listen address for the API server.
const DefaultAddr = ":8080"

// Timeouts applied to the HTTP server.
const (
	DefaultReadTimeout     = 15 * time.Second
	DefaultWriteTimeout    = 30 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr string

	// WhatsAppChatbotID selects which chatbot answers the WhatsApp
	// channel. Empty disables the webhook.
	WhatsAppChatbotID string
	// FacebookChatbotID selects which chatbot answers Messenger.
	FacebookChatbotID string
	// FacebookVerifyToken is the token echoed during Messenger webhook
	// subscription verification.
	FacebookVerifyToken string
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithWhatsAppChatbotID binds the WhatsApp channel to a chatbot.
func WithWhatsAppChatbotID(id string) Option {
	return func(o *Opts) { o.WhatsAppChatbotID = id }
}

// WithFacebookChatbotID binds the Messenger channel to a chatbot.
func WithFacebookChatbotID(id string) Option {
	return func(o *Opts) { o.FacebookChatbotID = id }
}

// WithFacebookVerifyToken sets the Messenger verification token.
func WithFacebookVerifyToken(token string) Option {
	return func(o *Opts) { o.FacebookVerifyToken = token }
}

// Server wires the engine, store, and channel senders behind HTTP routes.
type Server struct {
	st       store.Store
	eng      *engine.Engine
	whatsapp messaging.Sender
	facebook messaging.Sender

	addr                string
	whatsAppChatbotID   string
	facebookChatbotID   string
	facebookVerifyToken string
}

// NewServer creates an API server. whatsapp and facebook senders may be
// nil; the corresponding webhooks then reject inbound traffic.
func NewServer(st store.Store, eng *engine.Engine, whatsapp, facebook messaging.Sender, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{
		st:                  st,
		eng:                 eng,
		whatsapp:            whatsapp,
		facebook:            facebook,
		addr:                cfg.Addr,
		whatsAppChatbotID:   cfg.WhatsAppChatbotID,
		facebookChatbotID:   cfg.FacebookChatbotID,
		facebookVerifyToken: cfg.FacebookVerifyToken,
	}
}

// Routes builds the chi router for the server.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Post("/chatbots/{chatbotID}/conversations", s.startConversationHandler)
		r.Put("/chatbots/{chatbotID}/flow", s.saveFlowHandler)
		r.Get("/chatbots/{chatbotID}/flow", s.getFlowHandler)
		r.Put("/chatbots/{chatbotID}/settings", s.saveSettingsHandler)
		r.Get("/chatbots/{chatbotID}/settings", s.getSettingsHandler)

		r.Post("/conversations/{conversationID}/messages", s.postMessageHandler)
		r.Get("/conversations/{conversationID}/transcript", s.transcriptHandler)
		r.Get("/conversations/{conversationID}/events", s.eventsHandler)
		r.Post("/conversations/{conversationID}/resume", s.resumeConversationHandler)
	})

	r.Post("/webhooks/whatsapp", s.whatsAppWebhookHandler)
	r.Get("/webhooks/facebook", s.facebookVerifyHandler)
	r.Post("/webhooks/facebook", s.facebookWebhookHandler)

	r.Get("/health", s.healthHandler)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// Run starts the HTTP server and blocks until ctx is canceled, then
// shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.Routes(),
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: API listening", "addr", s.addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("Server.Run: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// healthHandler provides a health check endpoint for monitoring and
// load balancing.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
