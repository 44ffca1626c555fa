// Package messaging provides the pluggable chat transport abstraction for
// PlantPipe and its WhatsApp (whatsmeow) and Twilio implementations.
package messaging

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/plantmap/PlantPipe/internal/models"
)

// Constants shared by transport implementations.
const (
	// DefaultChannelBufferSize defines the buffer size for the event channel.
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines the timeout for non-blocking channel sends.
	DefaultChannelTimeout = 1 * time.Second
)

// ErrServiceStopped is returned when an operation is attempted on a stopped service.
var ErrServiceStopped = errors.New("messaging service stopped")

// phoneNumberRegex matches everything that is not a digit.
var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// Service defines a pluggable chat transport. It delivers inbound events
// (text, photos resolved to raw bytes, locations, contact shares) and sends
// outbound text replies.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a chat
	// identity. Each transport implements its own rules.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a text message to a chat identity.
	SendMessage(ctx context.Context, to string, body string) error

	// Start begins background processing (event polling, webhook serving).
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error

	// Events returns the channel of inbound conversation events.
	Events() <-chan models.IncomingEvent
}
