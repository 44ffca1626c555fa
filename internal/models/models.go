// Package models defines the core data structures for PlantPipe.
//
// It includes the per-conversation session, transport-boundary events, and
// the record shapes exchanged with the remote content store.
package models

import (
	"errors"
	"time"
)

// SessionState identifies where a conversation is in the documentation flow.
type SessionState string

const (
	// StateIdle is the initial state before a documentation attempt starts.
	StateIdle SessionState = "IDLE"
	// StateWaitingForPhone is the identity-resolution sub-state entered when
	// the user is not yet known to the content store.
	StateWaitingForPhone SessionState = "WAITING_FOR_PHONE"
	// StateWaitingForPlantName waits for a free-text plant label.
	StateWaitingForPlantName SessionState = "WAITING_FOR_PLANT_NAME"
	// StateWaitingForImage waits for at least one qualifying photo.
	StateWaitingForImage SessionState = "WAITING_FOR_IMAGE"
	// StateWaitingForLocation waits for a shared geolocation.
	StateWaitingForLocation SessionState = "WAITING_FOR_LOCATION"
)

// IsValidSessionState checks if the given state is one of the known states.
func IsValidSessionState(s SessionState) bool {
	switch s {
	case StateIdle, StateWaitingForPhone, StateWaitingForPlantName, StateWaitingForImage, StateWaitingForLocation:
		return true
	default:
		return false
	}
}

// Error variables shared across modules.
var (
	ErrEmptyChatID    = errors.New("chat identity cannot be empty")
	ErrEmptyRecipient = errors.New("recipient cannot be empty")
	ErrEmptyBody      = errors.New("message body cannot be empty")
)

// Location is a shared geolocation.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Contact carries a shared phone number.
type Contact struct {
	PhoneNumber string `json:"phone_number"`
}

// Session holds everything collected so far for one conversation identity.
// It is owned exclusively by the session store and mutated only by the flow.
type Session struct {
	ChatID                 string       `json:"chat_id"`
	State                  SessionState `json:"state"`
	UserID                 int          `json:"user_id,omitempty"` // 0 until resolved against the content store
	PhoneNumber            string       `json:"phone_number,omitempty"`
	Username               string       `json:"username,omitempty"`
	PlantName              string       `json:"plant_name,omitempty"`
	CloseImageID           string       `json:"close_image_id,omitempty"`
	LocationImageID        string       `json:"location_image_id,omitempty"`
	PendingLocationImageID string       `json:"pending_location_image_id,omitempty"`
	ImageAnalysis          string       `json:"image_analysis,omitempty"`
	IsPlant                bool         `json:"is_plant"`
	Confidence             string       `json:"confidence,omitempty"`
	Location               *Location    `json:"location,omitempty"`
	IsNewPlanting          bool         `json:"is_new_planting"`
	CreatedAt              time.Time    `json:"created_at"`
	UpdatedAt              time.Time    `json:"updated_at"`
}

// NewSession creates a fresh IDLE session for the given chat identity.
func NewSession(chatID string) *Session {
	now := time.Now()
	return &Session{
		ChatID:    chatID,
		State:     StateIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// IsResolved reports whether the conversation has been linked to a content
// store user.
func (s *Session) IsResolved() bool {
	return s.UserID != 0
}

// HasImage reports whether any qualifying photo has been accepted.
func (s *Session) HasImage() bool {
	return s.CloseImageID != "" || s.LocationImageID != ""
}

// IncomingEvent is the transport-boundary event shape. Exactly one of Text,
// Photo, Location, or Contact is expected to be set per event.
type IncomingEvent struct {
	ChatID   string    `json:"chat_id"`
	Text     string    `json:"text,omitempty"`
	Photo    []byte    `json:"-"` // raw image bytes, resolved by the transport
	Location *Location `json:"location,omitempty"`
	Contact  *Contact  `json:"contact,omitempty"`
	Time     int64     `json:"time"`
}

// ImageAnalysis is the structured verdict returned by the image classifier.
// A degraded verdict substitutes safe defaults when the real call fails.
type ImageAnalysis struct {
	IsPlant         bool   `json:"is_plant"`
	Description     string `json:"description"`
	CloseUp         bool   `json:"close_up"`
	DistanceShot    bool   `json:"distance_shot"`
	PlantType       string `json:"plant_type,omitempty"`
	TypeConfidence  string `json:"type_confidence,omitempty"`
	Health          string `json:"health,omitempty"`
	NotableFeatures string `json:"notable_features,omitempty"`
	Confidence      string `json:"confidence"`
	Degraded        bool   `json:"degraded"`
}

// CMSUser is a user record in the remote content store.
type CMSUser struct {
	ID          int    `json:"id"`
	Username    string `json:"username"`
	Email       string `json:"email,omitempty"`
	PhoneNumber string `json:"phone_number,omitempty"`
	ChatID      string `json:"chat_id,omitempty"`
}

// UploadResult references a file uploaded to the remote content store.
type UploadResult struct {
	FileID  string `json:"file_id"`
	FileURL string `json:"file_url"`
}

// TrackingRecord is the payload persisted when a documentation attempt
// completes. PlantedAt is stamped only for new plantings.
type TrackingRecord struct {
	PlantName       string     `json:"plant_name"`
	CloseImageID    string     `json:"close_image,omitempty"`
	LocationImageID string     `json:"location_image,omitempty"`
	ImageAnalysis   string     `json:"image_analysis,omitempty"`
	Latitude        float64    `json:"latitude"`
	Longitude       float64    `json:"longitude"`
	VerifiedAt      time.Time  `json:"verified_at"`
	PhoneNumber     string     `json:"phone_number,omitempty"`
	UserID          int        `json:"user,omitempty"`
	IsPlant         bool       `json:"is_plant"`
	Confidence      string     `json:"confidence,omitempty"`
	PlantedAt       *time.Time `json:"planted_at,omitempty"`
}
