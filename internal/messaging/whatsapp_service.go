package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.mau.fi/whatsmeow/types/events"

	"github.com/plantmap/PlantPipe/internal/models"
	"github.com/plantmap/PlantPipe/internal/whatsapp"
)

// WhatsAppService implements Service using the whatsmeow-based whatsapp client.
type WhatsAppService struct {
	client   whatsapp.Sender
	waClient *whatsapp.Client // full client for event handling and media download
	events   chan models.IncomingEvent
	done     chan struct{}
}

// NewWhatsAppService creates a new WhatsAppService wrapping the given sender.
func NewWhatsAppService(client whatsapp.Sender) *WhatsAppService {
	service := &WhatsAppService{
		client: client,
		events: make(chan models.IncomingEvent, DefaultChannelBufferSize),
		done:   make(chan struct{}),
	}

	// Only a full client can register event handlers; mocks skip inbound handling.
	if waClient, ok := client.(*whatsapp.Client); ok {
		service.waClient = waClient
		slog.Debug("WhatsAppService created with full client for event handling")
	} else {
		slog.Debug("WhatsAppService created with interface client (likely mock)")
	}

	return service
}

// ValidateAndCanonicalizeRecipient strips non-digits and requires at least
// six digits, matching WhatsApp phone-number identities.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", models.ErrEmptyRecipient
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", canonical)
	}
	return canonical, nil
}

// Start begins listening for WhatsApp events.
func (s *WhatsAppService) Start(ctx context.Context) error {
	slog.Debug("WhatsAppService Start invoked")
	if s.waClient == nil {
		slog.Debug("WhatsAppService no full client available, skipping event handling")
		return nil
	}
	go s.handleEvents(ctx)
	return nil
}

// Stop stops background processing and closes the event channel.
func (s *WhatsAppService) Stop() error {
	slog.Info("WhatsAppService Stop invoked")
	close(s.done)
	close(s.events)
	if s.waClient != nil {
		s.waClient.Disconnect()
	}
	return nil
}

// SendMessage sends a text message to a chat identity.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("WhatsAppService SendMessage validation error", "error", err, "to", to)
		return err
	}
	if err := s.client.SendMessage(ctx, canonical, body); err != nil {
		slog.Error("WhatsAppService SendMessage error", "error", err, "to", canonical)
		return err
	}
	slog.Debug("WhatsAppService message sent", "to", canonical, "body_length", len(body))
	return nil
}

// Events returns the channel of inbound conversation events.
func (s *WhatsAppService) Events() <-chan models.IncomingEvent {
	return s.events
}

// handleEvents registers the whatsmeow event handler and converts inbound
// messages into transport-neutral events.
func (s *WhatsAppService) handleEvents(ctx context.Context) {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Error("WhatsAppService handleEvents: no client available")
		return
	}

	s.waClient.GetClient().AddEventHandler(func(evt interface{}) {
		switch v := evt.(type) {
		case *events.Message:
			s.handleIncomingMessage(ctx, v)
		default:
			// Receipts, presence, and connection events are not part of the flow.
		}
	})
	slog.Debug("WhatsAppService event handler registered")

	<-ctx.Done()
	slog.Debug("WhatsAppService handleEvents stopping due to context cancellation")
}

// handleIncomingMessage converts one inbound WhatsApp message into an
// IncomingEvent carrying text, photo bytes, a location, or a contact share.
func (s *WhatsAppService) handleIncomingMessage(ctx context.Context, evt *events.Message) {
	if evt.Message == nil {
		return
	}

	chatID := evt.Info.Sender.User
	event := models.IncomingEvent{
		ChatID: chatID,
		Time:   evt.Info.Timestamp.Unix(),
	}

	switch {
	case evt.Message.GetConversation() != "":
		event.Text = evt.Message.GetConversation()

	case evt.Message.GetExtendedTextMessage().GetText() != "":
		event.Text = evt.Message.GetExtendedTextMessage().GetText()

	case evt.Message.GetImageMessage() != nil:
		data, err := s.waClient.DownloadImage(ctx, evt.Message.GetImageMessage())
		if err != nil {
			slog.Error("WhatsAppService failed to download inbound image", "error", err, "chatID", chatID)
			return
		}
		event.Photo = data

	case evt.Message.GetLocationMessage() != nil:
		loc := evt.Message.GetLocationMessage()
		event.Location = &models.Location{
			Latitude:  loc.GetDegreesLatitude(),
			Longitude: loc.GetDegreesLongitude(),
		}

	case evt.Message.GetContactMessage() != nil:
		phone := ExtractPhoneFromVCard(evt.Message.GetContactMessage().GetVcard())
		if phone == "" {
			slog.Warn("WhatsAppService contact share carried no phone number", "chatID", chatID)
			return
		}
		event.Contact = &models.Contact{PhoneNumber: phone}

	default:
		slog.Debug("WhatsAppService ignoring unsupported message kind", "chatID", chatID)
		return
	}

	slog.Debug("WhatsAppService processing incoming event", "chatID", chatID,
		"hasText", event.Text != "", "hasPhoto", len(event.Photo) > 0,
		"hasLocation", event.Location != nil, "hasContact", event.Contact != nil)

	select {
	case s.events <- event:
		slog.Info("WhatsAppService incoming event forwarded", "chatID", chatID)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService events channel blocked, dropping event", "chatID", chatID, "timeout", DefaultChannelTimeout)
	}
}

// ExtractPhoneFromVCard pulls the first TEL value out of a vCard payload.
// Returns an empty string when no phone number is present.
func ExtractPhoneFromVCard(vcard string) string {
	for _, line := range strings.Split(vcard, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(strings.ToUpper(line), "TEL") {
			continue
		}
		idx := strings.Index(line, ":")
		if idx == -1 || idx == len(line)-1 {
			continue
		}
		value := strings.TrimSpace(line[idx+1:])
		digits := phoneNumberRegex.ReplaceAllString(value, "")
		if digits == "" {
			continue
		}
		if strings.HasPrefix(value, "+") {
			return "+" + digits
		}
		return digits
	}
	return ""
}
