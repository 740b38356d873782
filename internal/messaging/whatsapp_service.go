package messaging

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/minervahq/minerva/internal/models"
	"github.com/minervahq/minerva/internal/whatsapp"
)

// WhatsAppService implements Service using the Whatsmeow-based whatsapp client.
type WhatsAppService struct {
	client   whatsapp.Sender
	waClient *whatsapp.Client // access to underlying client for event handling
	turns    chan models.Turn
	done     chan struct{}
}

// NewWhatsAppService creates a new WhatsAppService wrapping the given Sender.
func NewWhatsAppService(client whatsapp.Sender) *WhatsAppService {
	service := &WhatsAppService{
		client: client,
		turns:  make(chan models.Turn, DefaultChannelBufferSize),
		done:   make(chan struct{}),
	}

	// If the client is a full Client (not just an interface), store it for event handling
	if waClient, ok := client.(*whatsapp.Client); ok {
		service.waClient = waClient
		slog.Debug("WhatsAppService created with full client for event handling")
	} else {
		slog.Debug("WhatsAppService created with interface client (likely mock)")
	}

	return service
}

// Start begins translating WhatsApp events into turns.
func (s *WhatsAppService) Start(ctx context.Context) error {
	slog.Debug("WhatsAppService Start invoked")

	if s.waClient == nil {
		slog.Debug("WhatsAppService no full client available, skipping event handling (likely mock)")
		return nil
	}

	s.waClient.GetClient().AddEventHandler(func(evt interface{}) {
		switch v := evt.(type) {
		case *events.Message:
			s.handleIncomingMessage(ctx, v)
		default:
			// Receipts, presence and other event types are irrelevant to intake.
		}
	})
	slog.Debug("WhatsAppService event handler registered")
	return nil
}

// Stop stops background processing and closes the turn channel.
func (s *WhatsAppService) Stop() error {
	slog.Info("WhatsAppService Stop invoked")
	close(s.done)
	close(s.turns)
	return nil
}

// SendMessage sends a message to the given canonical recipient.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	slog.Debug("WhatsAppService SendMessage invoked", "to", to, "body_length", len(body))
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("WhatsAppService SendMessage validation error", "error", err, "to", to)
		return err
	}
	if err := s.client.SendMessage(ctx, canonicalTo, body); err != nil {
		slog.Error("WhatsAppService SendMessage error", "error", err, "to", canonicalTo)
		return err
	}
	return nil
}

// Turns returns the channel of inbound turns.
func (s *WhatsAppService) Turns() <-chan models.Turn {
	return s.turns
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a WhatsApp phone number.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizeRecipient(recipient)
}

// handleIncomingMessage converts one WhatsApp message event into a turn.
func (s *WhatsAppService) handleIncomingMessage(ctx context.Context, evt *events.Message) {
	msg := evt.Message
	if msg == nil {
		return
	}
	if evt.Info.IsFromMe || evt.Info.IsGroup {
		// Intake conversations are one-on-one; own echoes and group chatter
		// are not turns.
		return
	}

	text := extractText(msg)
	loc := extractLocation(msg)
	hasMedia := whatsapp.HasAttachment(msg)

	if text == "" && loc == nil && !hasMedia {
		slog.Debug("WhatsAppService ignoring message without text, location or media", "from", evt.Info.Sender.String())
		return
	}

	from, err := canonicalizeRecipient(evt.Info.Sender.User)
	if err != nil {
		slog.Warn("WhatsAppService dropping message with invalid sender", "error", err, "sender", evt.Info.Sender.String())
		return
	}

	turn := models.Turn{
		From:     from,
		Body:     strings.TrimSpace(text),
		HasMedia: hasMedia,
		Location: loc,
		Time:     evt.Info.Timestamp.Unix(),
	}
	if hasMedia {
		// Download lazily: the finalizer only fetches bytes at the media step.
		turn.FetchMedia = func(ctx context.Context) (models.Attachment, error) {
			mediaType, data, err := s.waClient.DownloadAttachment(ctx, msg)
			if err != nil {
				return models.Attachment{}, err
			}
			return models.Attachment{MediaType: mediaType, Data: data}, nil
		}
	}

	slog.Debug("WhatsAppService processing incoming message", "from", turn.From, "body_length", len(turn.Body), "has_media", turn.HasMedia, "has_location", turn.Location != nil)

	// Forward to the turn channel (non-blocking)
	select {
	case s.turns <- turn:
		slog.Debug("WhatsAppService incoming turn forwarded", "from", turn.From)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService turn channel blocked, dropping message", "from", turn.From, "timeout", DefaultChannelTimeout)
	}
}

// extractText pulls the text content from a message, including media captions.
func extractText(msg *waE2E.Message) string {
	switch {
	case msg.Conversation != nil:
		return msg.GetConversation()
	case msg.ExtendedTextMessage != nil:
		return msg.ExtendedTextMessage.GetText()
	case msg.ImageMessage != nil:
		return msg.ImageMessage.GetCaption()
	case msg.VideoMessage != nil:
		return msg.VideoMessage.GetCaption()
	case msg.DocumentMessage != nil:
		return msg.DocumentMessage.GetCaption()
	}
	return ""
}

// extractLocation pulls a structured location share from a message, if any.
func extractLocation(msg *waE2E.Message) *models.GeoPoint {
	lm := msg.GetLocationMessage()
	if lm == nil {
		return nil
	}
	return &models.GeoPoint{
		Latitude:  lm.GetDegreesLatitude(),
		Longitude: lm.GetDegreesLongitude(),
		Name:      lm.GetName(),
		Address:   lm.GetAddress(),
	}
}
