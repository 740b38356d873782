package messaging

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/minervahq/minerva/internal/models"
	"github.com/minervahq/minerva/internal/twiliowhatsapp"
)

// TwilioService implements the Service interface using the Twilio API.
//
// Twilio delivers inbound messages by webhook, so this service carries no
// live connection; mount WebhookHandler on the HTTP server. Turns are
// text-only: attachments and location shares are not supported on this
// transport, which simply leaves media-step sessions waiting.
type TwilioService struct {
	client  twiliowhatsapp.Sender
	turns   chan models.Turn
	done    chan struct{}
	mu      sync.RWMutex
	stopped bool
}

// NewTwilioService creates a new TwilioService over the given sender.
func NewTwilioService(client twiliowhatsapp.Sender) *TwilioService {
	return &TwilioService{
		client: client,
		turns:  make(chan models.Turn, DefaultChannelBufferSize),
		done:   make(chan struct{}),
	}
}

// Start is a no-op for Twilio (inbound arrives via webhook).
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes channels and stops the service.
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.done)

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(s.turns)
	}()

	return nil
}

// SendMessage sends a message via Twilio.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	s.mu.RLock()
	if s.stopped {
		s.mu.RUnlock()
		return ErrServiceStopped
	}
	s.mu.RUnlock()

	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService SendMessage validation error", "error", err, "to", to)
		return err
	}

	return s.client.SendMessage(ctx, canonicalTo, body)
}

// Turns returns the channel of inbound turns.
func (s *TwilioService) Turns() <-chan models.Turn {
	return s.turns
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a WhatsApp phone number.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizeRecipient(recipient)
}

// WebhookHandler handles inbound Twilio webhook requests. It parses incoming
// messages and emits them as turns.
func (s *TwilioService) WebhookHandler(c *fiber.Ctx) error {
	from := c.FormValue("From")
	body := c.FormValue("Body")

	if from == "" {
		slog.Warn("Twilio webhook missing From field")
		return c.Status(fiber.StatusBadRequest).SendString("Missing required fields")
	}

	canonicalFrom, err := canonicalizeRecipient(from)
	if err != nil {
		slog.Warn("Twilio webhook invalid sender", "error", err, "from", from)
		return c.Status(fiber.StatusBadRequest).SendString("Invalid sender")
	}

	slog.Info("Inbound WhatsApp message from Twilio", "from", canonicalFrom, "body_length", len(body))

	s.safeEmitTurn(models.Turn{
		From: canonicalFrom,
		Body: strings.TrimSpace(body),
		Time: time.Now().Unix(),
	})

	return c.SendString("OK")
}

// safeEmitTurn pushes a turn into the channel unless the service is stopped.
func (s *TwilioService) safeEmitTurn(turn models.Turn) {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		slog.Warn("TwilioService dropping inbound turn (service stopped)", "from", turn.From)
		return
	}

	select {
	case s.turns <- turn:
		slog.Debug("TwilioService emitted inbound turn", "from", turn.From)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("TwilioService turn channel blocked, dropping message", "from", turn.From)
	}
}
