// Package messaging connects chat transports to the intake engine: transport
// services convert provider events into turns, and the dispatcher drives one
// load-transition-save cycle per turn with per-identity serialization.
package messaging

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/minervahq/minerva/internal/models"
)

// Constants for messaging service configuration
const (
	// DefaultChannelBufferSize defines the default buffer size for turn channels
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines the default timeout for non-blocking channel operations
	DefaultChannelTimeout = 1 * time.Second
)

// ErrServiceStopped is returned when an operation is attempted on a stopped service.
var ErrServiceStopped = errors.New("messaging service stopped")

// phoneNumberRegex matches everything stripped during recipient canonicalization.
var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// Service abstracts a chat transport: it emits inbound turns and sends
// outbound text.
type Service interface {
	// Start begins background processing (e.g., event polling).
	Start(ctx context.Context) error
	// Stop stops background processing and closes the turn channel.
	Stop() error
	// SendMessage sends a text message to the given canonical recipient.
	SendMessage(ctx context.Context, to string, body string) error
	// Turns returns the channel of inbound turns.
	Turns() <-chan models.Turn
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient identity.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)
}

// canonicalizeRecipient strips non-digits and validates the result has at
// least 6 digits. Shared by all transport services.
func canonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", errors.New("recipient cannot be empty")
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", errors.New("invalid phone number: no digits found")
	}
	if len(canonical) < 6 {
		return "", errors.New("invalid phone number: too short (minimum 6 digits required)")
	}
	return canonical, nil
}
