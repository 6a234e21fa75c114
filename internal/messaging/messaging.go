// Package messaging provides outbound delivery for botflow's external
// channels. The web widget delivers bot replies synchronously over the
// HTTP API, so only WhatsApp and Facebook Messenger need senders here.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
)

// Sender delivers one bot message to a channel-specific recipient.
type Sender interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a
	// recipient identifier. Each channel applies its own rules.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error
}

// ErrMissingCredentials indicates a sender was constructed without the
// credentials its channel requires.
var ErrMissingCredentials = errors.New("messaging: missing channel credentials")

var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

const minPhoneDigits = 6

// canonicalizePhone strips non-digits and validates the remaining
// number is plausibly a phone number.
func canonicalizePhone(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < minPhoneDigits {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum %d digits required)", canonical, minPhoneDigits)
	}
	if recipient != canonical {
		slog.Debug("messaging canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// MockSender records sent messages for tests.
type MockSender struct {
	Sent []SentMessage
	Err  error
}

// SentMessage is one message captured by MockSender.
type SentMessage struct {
	To   string
	Body string
}

func (m *MockSender) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	return recipient, nil
}

func (m *MockSender) SendMessage(ctx context.Context, to string, body string) error {
	if m.Err != nil {
		return m.Err
	}
	m.Sent = append(m.Sent, SentMessage{To: to, Body: body})
	return nil
}
