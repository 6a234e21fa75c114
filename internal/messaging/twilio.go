package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// TwilioOpts holds configuration options for the Twilio WhatsApp sender.
type TwilioOpts struct {
	AccountSID string
	AuthToken  string
	FromNumber string
}

// TwilioOption defines a configuration option for the Twilio WhatsApp sender.
type TwilioOption func(*TwilioOpts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) TwilioOption {
	return func(o *TwilioOpts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) TwilioOption {
	return func(o *TwilioOpts) { o.AuthToken = token }
}

// WithFromNumber sets the WhatsApp sender number, with or without the
// "whatsapp:" prefix.
func WithFromNumber(from string) TwilioOption {
	return func(o *TwilioOpts) { o.FromNumber = from }
}

// TwilioWhatsAppSender delivers bot replies over WhatsApp through the
// Twilio REST API.
type TwilioWhatsAppSender struct {
	client *twilio.RestClient
	from   string
}

// NewTwilioWhatsAppSender creates a WhatsApp sender. Credentials fall
// back to the TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN, and
// TWILIO_FROM_NUMBER environment variables.
func NewTwilioWhatsAppSender(opts ...TwilioOption) (*TwilioWhatsAppSender, error) {
	var cfg TwilioOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromNumber == "" {
		cfg.FromNumber = os.Getenv("TWILIO_FROM_NUMBER")
	}
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("twilio account SID and auth token must be provided: %w", ErrMissingCredentials)
	}
	if cfg.FromNumber == "" {
		return nil, fmt.Errorf("twilio from number must be provided: %w", ErrMissingCredentials)
	}

	from := cfg.FromNumber
	if !strings.HasPrefix(from, "whatsapp:") {
		from = "whatsapp:" + from
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	slog.Debug("TwilioWhatsAppSender ready", "from", from)
	return &TwilioWhatsAppSender{client: client, from: from}, nil
}

// ValidateAndCanonicalizeRecipient reduces a WhatsApp recipient to its
// digits and validates the length.
func (s *TwilioWhatsAppSender) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhone(recipient)
}

// SendMessage sends one WhatsApp message via Twilio.
func (s *TwilioWhatsAppSender) SendMessage(ctx context.Context, to string, body string) error {
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioWhatsAppSender.SendMessage validation error", "error", err, "to", to)
		return err
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo("whatsapp:+" + canonical)
	params.SetFrom(s.from)
	params.SetBody(body)

	if _, err := s.client.Api.CreateMessage(params); err != nil {
		slog.Error("TwilioWhatsAppSender.SendMessage failed", "error", err, "to", canonical)
		return fmt.Errorf("failed to send WhatsApp message to %s: %w", canonical, err)
	}
	slog.Debug("TwilioWhatsAppSender message sent", "to", canonical)
	return nil
}
