package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/plantmap/PlantPipe/internal/models"
	"github.com/plantmap/PlantPipe/internal/twiliowhatsapp"
)

// TwilioService implements Service using the Twilio API in webhook delivery
// mode: outbound messages go through the REST API, inbound events arrive via
// TwilioWebhookHandler.
type TwilioService struct {
	client  twiliowhatsapp.Sender
	events  chan models.IncomingEvent
	done    chan struct{}
	mu      sync.RWMutex
	stopped bool
}

// NewTwilioService creates a new TwilioService wrapping the given client.
func NewTwilioService(client twiliowhatsapp.Sender) *TwilioService {
	return &TwilioService{
		client: client,
		events: make(chan models.IncomingEvent, DefaultChannelBufferSize),
		done:   make(chan struct{}),
	}
}

// ValidateAndCanonicalizeRecipient strips non-digits and requires at least
// six digits.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
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

// Start is a no-op; inbound delivery happens via the webhook handler.
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
		close(s.events)
	}()
	return nil
}

// SendMessage sends a text message via the Twilio API.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	s.mu.RLock()
	if s.stopped {
		s.mu.RUnlock()
		return ErrServiceStopped
	}
	s.mu.RUnlock()

	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService SendMessage validation error", "error", err, "to", to)
		return err
	}
	return s.client.SendMessage(ctx, canonical, body)
}

// Events returns the channel of inbound conversation events.
func (s *TwilioService) Events() <-chan models.IncomingEvent {
	return s.events
}

// TwilioWebhookHandler handles inbound Twilio webhook requests, converting
// form fields (Body, MediaUrl0, Latitude/Longitude) into IncomingEvents.
func (s *TwilioService) TwilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	slog.Info("Twilio webhook received")

	if err := r.ParseForm(); err != nil {
		slog.Error("Failed to parse Twilio webhook form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	from := r.FormValue("From")
	if from == "" {
		slog.Warn("Twilio webhook missing From field")
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}
	chatID, err := s.ValidateAndCanonicalizeRecipient(from)
	if err != nil {
		slog.Error("Twilio webhook invalid From field", "error", err, "from", from)
		http.Error(w, "Invalid sender", http.StatusBadRequest)
		return
	}

	event := models.IncomingEvent{
		ChatID: chatID,
		Time:   time.Now().Unix(),
	}

	switch {
	case r.FormValue("Latitude") != "" && r.FormValue("Longitude") != "":
		lat, latErr := strconv.ParseFloat(r.FormValue("Latitude"), 64)
		lon, lonErr := strconv.ParseFloat(r.FormValue("Longitude"), 64)
		if latErr != nil || lonErr != nil {
			slog.Warn("Twilio webhook carried malformed coordinates",
				"latitude", r.FormValue("Latitude"), "longitude", r.FormValue("Longitude"))
			http.Error(w, "Invalid coordinates", http.StatusBadRequest)
			return
		}
		event.Location = &models.Location{Latitude: lat, Longitude: lon}

	case r.FormValue("MediaUrl0") != "":
		data, err := s.client.FetchMedia(r.Context(), r.FormValue("MediaUrl0"))
		if err != nil {
			slog.Error("Twilio webhook media fetch failed", "error", err, "chatID", chatID)
			http.Error(w, "Media fetch failed", http.StatusBadGateway)
			return
		}
		event.Photo = data

	case r.FormValue("Body") != "":
		event.Text = r.FormValue("Body")

	default:
		slog.Warn("Twilio webhook carried no usable content", "chatID", chatID)
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	s.safeEmitEvent(event)

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// safeEmitEvent pushes an event into the events channel unless stopped.
func (s *TwilioService) safeEmitEvent(event models.IncomingEvent) {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		slog.Warn("TwilioService dropping inbound event (service stopped)", "chatID", event.ChatID)
		return
	}

	select {
	case s.events <- event:
		slog.Debug("TwilioService emitted inbound event", "chatID", event.ChatID)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("TwilioService events channel blocked, dropping event", "chatID", event.ChatID)
	}
}
