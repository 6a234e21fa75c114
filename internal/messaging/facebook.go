package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

const (
	defaultGraphAPIBase = "https://graph.facebook.com/v19.0"
	facebookSendTimeout = 10 * time.Second
)

// FacebookOpts holds configuration options for the Messenger sender.
type FacebookOpts struct {
	PageToken  string
	APIBase    string
	HTTPClient *http.Client
}

// FacebookOption defines a configuration option for the Messenger sender.
type FacebookOption func(*FacebookOpts)

// WithPageToken sets the Facebook page access token.
func WithPageToken(token string) FacebookOption {
	return func(o *FacebookOpts) { o.PageToken = token }
}

// WithGraphAPIBase overrides the Graph API base URL. Used by tests.
func WithGraphAPIBase(base string) FacebookOption {
	return func(o *FacebookOpts) { o.APIBase = base }
}

// WithFacebookHTTPClient overrides the HTTP client.
func WithFacebookHTTPClient(client *http.Client) FacebookOption {
	return func(o *FacebookOpts) { o.HTTPClient = client }
}

// FacebookMessengerSender delivers bot replies through the Facebook
// Graph API Send endpoint.
type FacebookMessengerSender struct {
	token   string
	apiBase string
	client  *http.Client
}

// NewFacebookMessengerSender creates a Messenger sender. The page token
// falls back to the FACEBOOK_PAGE_TOKEN environment variable.
func NewFacebookMessengerSender(opts ...FacebookOption) (*FacebookMessengerSender, error) {
	cfg := FacebookOpts{APIBase: defaultGraphAPIBase}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.PageToken == "" {
		cfg.PageToken = os.Getenv("FACEBOOK_PAGE_TOKEN")
	}
	if cfg.PageToken == "" {
		return nil, fmt.Errorf("facebook page token must be provided: %w", ErrMissingCredentials)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: facebookSendTimeout}
	}
	return &FacebookMessengerSender{
		token:   cfg.PageToken,
		apiBase: strings.TrimRight(cfg.APIBase, "/"),
		client:  cfg.HTTPClient,
	}, nil
}

// ValidateAndCanonicalizeRecipient checks the Messenger PSID is non-empty.
func (s *FacebookMessengerSender) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	trimmed := strings.TrimSpace(recipient)
	if trimmed == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	return trimmed, nil
}

type messengerRequest struct {
	Recipient struct {
		ID string `json:"id"`
	} `json:"recipient"`
	Message struct {
		Text string `json:"text"`
	} `json:"message"`
	MessagingType string `json:"messaging_type"`
}

// SendMessage posts one text message to the Graph API Send endpoint.
func (s *FacebookMessengerSender) SendMessage(ctx context.Context, to string, body string) error {
	psid, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("FacebookMessengerSender.SendMessage validation error", "error", err, "to", to)
		return err
	}

	var payload messengerRequest
	payload.Recipient.ID = psid
	payload.Message.Text = body
	payload.MessagingType = "RESPONSE"
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode messenger payload: %w", err)
	}

	endpoint := s.apiBase + "/me/messages?access_token=" + url.QueryEscape(s.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("failed to build messenger request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		slog.Error("FacebookMessengerSender.SendMessage failed", "error", err, "to", psid)
		return fmt.Errorf("failed to send messenger message to %s: %w", psid, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		slog.Error("FacebookMessengerSender.SendMessage rejected", "status", resp.StatusCode, "to", psid, "body", string(detail))
		return fmt.Errorf("messenger send to %s returned status %d", psid, resp.StatusCode)
	}
	slog.Debug("FacebookMessengerSender message sent", "to", psid)
	return nil
}
