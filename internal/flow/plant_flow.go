// Package flow implements the per-chat conversation state machine that walks
// an operator through documenting a plant: resolve identity, collect a plant
// name, photos, and a geolocation, then persist the record to the content
// store.
package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/plantmap/PlantPipe/internal/cms"
	"github.com/plantmap/PlantPipe/internal/models"
	"github.com/plantmap/PlantPipe/internal/session"
)

// Reserved commands understood by the flow.
const (
	CmdStart       = "/start"
	CmdNewPlanting = "/newplanting"
	CmdAddPlant    = "/addplant"
	CmdMap         = "/map"
	CmdCancel      = "/cancel"
	CmdReplace     = "/replace"
	CmdKeep        = "/keep"
)

// uploadFolder is the content store media folder for plant photos.
const uploadFolder = "plants"

// MessagingService is the outbound side of the chat transport.
type MessagingService interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// ContentClient is the subset of the content store client the flow uses.
type ContentClient interface {
	Upload(ctx context.Context, data []byte, filename, folder string) (*models.UploadResult, error)
	FindUserByChatID(ctx context.Context, chatID string) (*models.CMSUser, error)
	FindUserByPhone(ctx context.Context, phone string) (*models.CMSUser, error)
	UpdateUserChatID(ctx context.Context, userID int, chatID string) error
	CreateTrackingRecord(ctx context.Context, record models.TrackingRecord) error
}

// ImageClassifier produces a best-effort verdict for raw image bytes. It is
// expected never to fail; degraded verdicts substitute for failures.
type ImageClassifier interface {
	AnalyzeImage(ctx context.Context, data []byte) *models.ImageAnalysis
}

// PlantFlow consumes inbound events against the current session state,
// invokes the classifier and content client as needed, and emits replies.
type PlantFlow struct {
	sessions   session.Store
	content    ContentClient
	classifier ImageClassifier
	messenger  MessagingService
	mapURL     string
}

// NewPlantFlow creates a new plant documentation flow with its dependencies.
func NewPlantFlow(sessions session.Store, content ContentClient, classifier ImageClassifier, messenger MessagingService, mapURL string) *PlantFlow {
	slog.Debug("NewPlantFlow creating flow", "mapURL_set", mapURL != "")
	return &PlantFlow{
		sessions:   sessions,
		content:    content,
		classifier: classifier,
		messenger:  messenger,
		mapURL:     mapURL,
	}
}

// HandleEvent processes one inbound event for a conversation. Any failure
// while handling is caught here: it is logged, the user is told to retry or
// cancel, and the session is left in its pre-error state.
func (f *PlantFlow) HandleEvent(ctx context.Context, evt models.IncomingEvent) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("PlantFlow panic while handling event", "panic", r, "chatID", evt.ChatID)
			f.send(ctx, evt.ChatID, msgGenericError)
		}
	}()

	if evt.ChatID == "" {
		slog.Error("PlantFlow received event with empty chat identity")
		return
	}

	if err := f.dispatch(ctx, evt); err != nil {
		slog.Error("PlantFlow event handling failed", "error", err, "chatID", evt.ChatID)
		f.send(ctx, evt.ChatID, msgGenericError)
	}
}

// dispatch routes the event on (state, event-kind).
func (f *PlantFlow) dispatch(ctx context.Context, evt models.IncomingEvent) error {
	sess, err := f.sessions.GetOrCreate(evt.ChatID)
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	slog.Debug("PlantFlow dispatching event", "chatID", evt.ChatID, "state", sess.State,
		"hasPhoto", len(evt.Photo) > 0, "hasLocation", evt.Location != nil, "hasContact", evt.Contact != nil)

	text := strings.TrimSpace(evt.Text)

	// Cancellation resets the session from any state.
	if text == CmdCancel {
		return f.handleCancel(ctx, sess)
	}

	// While a replacement distance shot is staged, all input is intercepted
	// until the user decides with /replace or /keep.
	if sess.PendingLocationImageID != "" {
		return f.handlePendingDecision(ctx, sess, text)
	}

	// Photo reception is accepted in any state.
	if len(evt.Photo) > 0 {
		return f.handlePhoto(ctx, sess, evt.Photo)
	}

	if evt.Contact != nil {
		return f.handleContact(ctx, sess, evt.Contact)
	}

	if evt.Location != nil {
		return f.handleLocation(ctx, sess, evt.Location)
	}

	return f.handleText(ctx, sess, text)
}

// handleCancel resets the session to IDLE and presents the command menu.
func (f *PlantFlow) handleCancel(ctx context.Context, sess *models.Session) error {
	if _, err := f.sessions.Reset(sess.ChatID); err != nil {
		return fmt.Errorf("failed to reset session: %w", err)
	}
	slog.Info("PlantFlow session cancelled", "chatID", sess.ChatID)
	f.send(ctx, sess.ChatID, msgCancelled)
	f.send(ctx, sess.ChatID, msgMenu)
	return nil
}

// handlePendingDecision resolves a staged replacement distance shot. Only
// /replace and /keep are honored; anything else is answered with a reminder.
func (f *PlantFlow) handlePendingDecision(ctx context.Context, sess *models.Session, text string) error {
	switch text {
	case CmdReplace:
		sess.LocationImageID = sess.PendingLocationImageID
		sess.PendingLocationImageID = ""
		sess.UpdatedAt = time.Now()
		if err := f.sessions.Save(sess); err != nil {
			return fmt.Errorf("failed to save session: %w", err)
		}
		slog.Info("PlantFlow distance shot replaced", "chatID", sess.ChatID, "imageID", sess.LocationImageID)
		f.send(ctx, sess.ChatID, msgReplaced)
		f.advanceAfterImage(ctx, sess)
		return nil
	case CmdKeep:
		sess.PendingLocationImageID = ""
		sess.UpdatedAt = time.Now()
		if err := f.sessions.Save(sess); err != nil {
			return fmt.Errorf("failed to save session: %w", err)
		}
		slog.Info("PlantFlow kept original distance shot", "chatID", sess.ChatID, "imageID", sess.LocationImageID)
		f.send(ctx, sess.ChatID, msgKept)
		f.advanceAfterImage(ctx, sess)
		return nil
	default:
		f.send(ctx, sess.ChatID, msgPendingResolveFirst)
		return nil
	}
}

// handleContact resolves the operator's identity by phone number. A user not
// found in the content store is a valid outcome, not an error.
func (f *PlantFlow) handleContact(ctx context.Context, sess *models.Session, contact *models.Contact) error {
	phone := cms.NormalizePhone(contact.PhoneNumber)
	slog.Debug("PlantFlow resolving identity by phone", "chatID", sess.ChatID, "phone", phone)

	user, err := f.content.FindUserByPhone(ctx, phone)
	if err != nil {
		if cms.IsUnavailable(err) {
			slog.Warn("PlantFlow content store unavailable during phone lookup", "error", err, "chatID", sess.ChatID)
			f.send(ctx, sess.ChatID, msgMaintenance)
			return nil
		}
		return fmt.Errorf("phone lookup failed: %w", err)
	}
	if user == nil {
		slog.Info("PlantFlow no account found for phone", "chatID", sess.ChatID, "phone", phone)
		sess.State = models.StateIdle
		sess.UpdatedAt = time.Now()
		if err := f.sessions.Save(sess); err != nil {
			return fmt.Errorf("failed to save session: %w", err)
		}
		f.send(ctx, sess.ChatID, msgAccountNotFound)
		return nil
	}

	if err := f.content.UpdateUserChatID(ctx, user.ID, sess.ChatID); err != nil {
		if cms.IsUnavailable(err) {
			f.send(ctx, sess.ChatID, msgMaintenance)
			return nil
		}
		return fmt.Errorf("failed to link chat identity: %w", err)
	}

	sess.UserID = user.ID
	sess.Username = user.Username
	sess.PhoneNumber = phone
	sess.State = models.StateWaitingForPlantName
	sess.UpdatedAt = time.Now()
	if err := f.sessions.Save(sess); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	slog.Info("PlantFlow identity resolved", "chatID", sess.ChatID, "userID", user.ID, "username", user.Username)
	f.send(ctx, sess.ChatID, fmt.Sprintf("✅ Hello %s! Your account is linked.", user.Username))
	f.send(ctx, sess.ChatID, msgAskPlantName)
	return nil
}

// handlePhoto uploads and classifies a photo, then routes the result to the
// close-up or distance slot. Accepted in any state.
func (f *PlantFlow) handlePhoto(ctx context.Context, sess *models.Session, photo []byte) error {
	upload, err := f.content.Upload(ctx, photo, "plant.jpg", uploadFolder)
	if err != nil {
		if cms.IsUnavailable(err) {
			slog.Warn("PlantFlow content store unavailable during upload", "error", err, "chatID", sess.ChatID)
			f.send(ctx, sess.ChatID, msgMaintenance)
			return nil
		}
		slog.Error("PlantFlow photo upload failed", "error", err, "chatID", sess.ChatID)
		f.send(ctx, sess.ChatID, msgUploadFailed)
		return nil
	}

	verdict := f.classifier.AnalyzeImage(ctx, photo)
	slog.Debug("PlantFlow photo classified", "chatID", sess.ChatID, "fileID", upload.FileID,
		"isPlant", verdict.IsPlant, "closeUp", verdict.CloseUp, "distanceShot", verdict.DistanceShot, "degraded", verdict.Degraded)

	switch {
	case verdict.Degraded:
		// Classifier unavailable: never block the workflow. The image fills
		// the close-up slot first, then the distance slot.
		if sess.CloseImageID == "" {
			f.acceptCloseUp(sess, upload.FileID, verdict)
		} else {
			if done, err := f.acceptDistanceShot(ctx, sess, upload.FileID, verdict); done || err != nil {
				return err
			}
		}
		if err := f.sessions.Save(sess); err != nil {
			return fmt.Errorf("failed to save session: %w", err)
		}
		f.send(ctx, sess.ChatID, msgPhotoSavedNoAnalysis)

	case verdict.CloseUp:
		if !verdict.IsPlant {
			f.send(ctx, sess.ChatID, msgPhotoNotPlant)
			return nil
		}
		f.acceptCloseUp(sess, upload.FileID, verdict)
		if err := f.sessions.Save(sess); err != nil {
			return fmt.Errorf("failed to save session: %w", err)
		}
		f.send(ctx, sess.ChatID, fmt.Sprintf("🔍 Close-up saved. %s", verdict.Description))

	case verdict.DistanceShot:
		done, err := f.acceptDistanceShot(ctx, sess, upload.FileID, verdict)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if err := f.sessions.Save(sess); err != nil {
			return fmt.Errorf("failed to save session: %w", err)
		}
		f.send(ctx, sess.ChatID, "🏞 Distance shot saved.")

	default:
		if !verdict.IsPlant {
			f.send(ctx, sess.ChatID, msgPhotoNotPlant)
		} else {
			f.send(ctx, sess.ChatID, msgPhotoUnrecognized)
		}
		return nil
	}

	f.advanceAfterImage(ctx, sess)
	return nil
}

// acceptCloseUp records an accepted close-up image and its analysis.
func (f *PlantFlow) acceptCloseUp(sess *models.Session, fileID string, verdict *models.ImageAnalysis) {
	sess.CloseImageID = fileID
	sess.ImageAnalysis = verdict.Description
	sess.IsPlant = verdict.IsPlant
	sess.Confidence = verdict.Confidence
	sess.UpdatedAt = time.Now()
	slog.Info("PlantFlow close-up accepted", "chatID", sess.ChatID, "fileID", fileID, "confidence", verdict.Confidence)
}

// acceptDistanceShot records an accepted distance shot. When one is already
// present, the new image is staged and the user must decide with /replace or
// /keep; in that case it reports done=true and the caller stops. The existing
// image is never overwritten directly.
func (f *PlantFlow) acceptDistanceShot(ctx context.Context, sess *models.Session, fileID string, verdict *models.ImageAnalysis) (done bool, err error) {
	if sess.LocationImageID != "" {
		sess.PendingLocationImageID = fileID
		sess.UpdatedAt = time.Now()
		if err := f.sessions.Save(sess); err != nil {
			return false, fmt.Errorf("failed to save session: %w", err)
		}
		slog.Info("PlantFlow distance shot staged for replace/keep decision", "chatID", sess.ChatID, "pendingID", fileID)
		f.send(ctx, sess.ChatID, msgLocationImagePending)
		return true, nil
	}
	sess.LocationImageID = fileID
	if sess.ImageAnalysis == "" {
		sess.ImageAnalysis = verdict.Description
		sess.IsPlant = verdict.IsPlant
		sess.Confidence = verdict.Confidence
	}
	sess.UpdatedAt = time.Now()
	slog.Info("PlantFlow distance shot accepted", "chatID", sess.ChatID, "fileID", fileID)
	return false, nil
}

// advanceAfterImage moves a session waiting on images forward once both the
// close-up and distance shots are present.
func (f *PlantFlow) advanceAfterImage(ctx context.Context, sess *models.Session) {
	if sess.State != models.StateWaitingForImage {
		return
	}
	if sess.CloseImageID == "" || sess.LocationImageID == "" {
		return
	}
	sess.State = models.StateWaitingForLocation
	sess.UpdatedAt = time.Now()
	if err := f.sessions.Save(sess); err != nil {
		slog.Error("PlantFlow failed to save session while advancing", "error", err, "chatID", sess.ChatID)
		return
	}
	slog.Info("PlantFlow advancing to location collection", "chatID", sess.ChatID)
	f.send(ctx, sess.ChatID, msgAskLocation)
}

// handleLocation records the shared coordinates and, when the session is
// ready, persists the record and completes the attempt.
func (f *PlantFlow) handleLocation(ctx context.Context, sess *models.Session, loc *models.Location) error {
	if sess.State != models.StateWaitingForLocation {
		// Location shares outside the location step get the current state's
		// usual reprompt.
		return f.handleText(ctx, sess, "")
	}

	sess.Location = &models.Location{Latitude: loc.Latitude, Longitude: loc.Longitude}
	sess.UpdatedAt = time.Now()
	if err := f.sessions.Save(sess); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	slog.Info("PlantFlow location received", "chatID", sess.ChatID, "latitude", loc.Latitude, "longitude", loc.Longitude)

	if err := f.persistRecord(ctx, sess); err != nil {
		if cms.IsUnavailable(err) {
			slog.Warn("PlantFlow content store unavailable during persist", "error", err, "chatID", sess.ChatID)
			f.send(ctx, sess.ChatID, msgMaintenance)
			return nil
		}
		slog.Error("PlantFlow failed to persist record", "error", err, "chatID", sess.ChatID)
		f.send(ctx, sess.ChatID, msgSaveFailed)
		return nil
	}

	f.send(ctx, sess.ChatID, f.formatSummary(sess))
	if _, err := f.sessions.Reset(sess.ChatID); err != nil {
		return fmt.Errorf("failed to reset session after completion: %w", err)
	}
	slog.Info("PlantFlow documentation completed", "chatID", sess.ChatID, "plantName", sess.PlantName)
	return nil
}

// persistRecord builds the tracking record from the session's accumulated
// fields and submits it to the content store. The planting date is stamped
// only for new plantings.
func (f *PlantFlow) persistRecord(ctx context.Context, sess *models.Session) error {
	if sess.PlantName == "" || sess.Location == nil {
		return fmt.Errorf("session not ready for persistence: plant name and location are required")
	}

	now := time.Now()
	record := models.TrackingRecord{
		PlantName:       sess.PlantName,
		CloseImageID:    sess.CloseImageID,
		LocationImageID: sess.LocationImageID,
		ImageAnalysis:   sess.ImageAnalysis,
		Latitude:        sess.Location.Latitude,
		Longitude:       sess.Location.Longitude,
		VerifiedAt:      now,
		PhoneNumber:     sess.PhoneNumber,
		UserID:          sess.UserID,
		IsPlant:         sess.IsPlant,
		Confidence:      sess.Confidence,
	}
	if sess.IsNewPlanting {
		record.PlantedAt = &now
	}
	return f.content.CreateTrackingRecord(ctx, record)
}

// formatSummary builds the completion message sent after a successful persist.
func (f *PlantFlow) formatSummary(sess *models.Session) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🌱 %s documented!\n", sess.PlantName)
	fmt.Fprintf(&b, "📍 Location: %.6f, %.6f", sess.Location.Latitude, sess.Location.Longitude)
	if sess.ImageAnalysis != "" {
		fmt.Fprintf(&b, "\n🔍 %s", sess.ImageAnalysis)
	}
	return b.String()
}

// handleText processes text input (including commands) for the current state.
func (f *PlantFlow) handleText(ctx context.Context, sess *models.Session, text string) error {
	if strings.HasPrefix(text, "/") {
		return f.handleCommand(ctx, sess, text)
	}

	switch sess.State {
	case models.StateIdle:
		if !sess.IsResolved() {
			f.send(ctx, sess.ChatID, msgSharePhone)
			return nil
		}
		f.send(ctx, sess.ChatID, msgMenu)
		return nil

	case models.StateWaitingForPhone:
		f.send(ctx, sess.ChatID, msgSharePhone)
		return nil

	case models.StateWaitingForPlantName:
		if text == "" {
			f.send(ctx, sess.ChatID, msgAskPlantName)
			return nil
		}
		sess.PlantName = text
		// An image accepted out of band skips the image collection step.
		if sess.HasImage() {
			sess.State = models.StateWaitingForLocation
		} else {
			sess.State = models.StateWaitingForImage
		}
		sess.UpdatedAt = time.Now()
		if err := f.sessions.Save(sess); err != nil {
			return fmt.Errorf("failed to save session: %w", err)
		}
		slog.Info("PlantFlow plant name recorded", "chatID", sess.ChatID, "plantName", text, "state", sess.State)
		if sess.State == models.StateWaitingForLocation {
			f.send(ctx, sess.ChatID, msgAskLocation)
		} else {
			f.send(ctx, sess.ChatID, msgAskPhoto)
		}
		return nil

	case models.StateWaitingForImage:
		f.send(ctx, sess.ChatID, msgAskPhoto)
		return nil

	case models.StateWaitingForLocation:
		f.send(ctx, sess.ChatID, msgAskLocation)
		return nil

	default:
		slog.Error("PlantFlow unknown session state", "chatID", sess.ChatID, "state", sess.State)
		f.send(ctx, sess.ChatID, msgMenu)
		return nil
	}
}

// handleCommand processes reserved commands outside the pending intercept.
func (f *PlantFlow) handleCommand(ctx context.Context, sess *models.Session, command string) error {
	switch command {
	case CmdStart:
		f.send(ctx, sess.ChatID, msgGreeting)
		f.send(ctx, sess.ChatID, msgMenu)
		return nil

	case CmdNewPlanting:
		return f.beginDocumentation(ctx, sess, true)

	case CmdAddPlant:
		return f.beginDocumentation(ctx, sess, false)

	case CmdMap:
		if f.mapURL != "" {
			f.send(ctx, sess.ChatID, fmt.Sprintf("🗺 View the plant map: %s", f.mapURL))
		} else {
			f.send(ctx, sess.ChatID, "🗺 The plant map is not configured.")
		}
		return nil

	case CmdReplace, CmdKeep:
		// No pending distance shot to decide on.
		f.send(ctx, sess.ChatID, msgMenu)
		return nil

	default:
		slog.Debug("PlantFlow unrecognized command", "chatID", sess.ChatID, "command", command)
		f.send(ctx, sess.ChatID, msgMenu)
		return nil
	}
}

// beginDocumentation starts a documentation attempt. Unknown operators are
// first looked up by chat identity; if that fails, the flow asks for a phone
// share.
func (f *PlantFlow) beginDocumentation(ctx context.Context, sess *models.Session, isNewPlanting bool) error {
	sess.IsNewPlanting = isNewPlanting

	if !sess.IsResolved() {
		user, err := f.content.FindUserByChatID(ctx, sess.ChatID)
		if err != nil {
			if cms.IsUnavailable(err) {
				f.send(ctx, sess.ChatID, msgMaintenance)
				return nil
			}
			return fmt.Errorf("chat identity lookup failed: %w", err)
		}
		if user == nil {
			sess.State = models.StateWaitingForPhone
			sess.UpdatedAt = time.Now()
			if err := f.sessions.Save(sess); err != nil {
				return fmt.Errorf("failed to save session: %w", err)
			}
			slog.Info("PlantFlow operator unknown, requesting phone share", "chatID", sess.ChatID)
			f.send(ctx, sess.ChatID, msgSharePhone)
			return nil
		}
		sess.UserID = user.ID
		sess.Username = user.Username
		sess.PhoneNumber = user.PhoneNumber
		slog.Info("PlantFlow operator resolved by chat identity", "chatID", sess.ChatID, "userID", user.ID)
	}

	sess.State = models.StateWaitingForPlantName
	sess.UpdatedAt = time.Now()
	if err := f.sessions.Save(sess); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	slog.Info("PlantFlow documentation started", "chatID", sess.ChatID, "isNewPlanting", isNewPlanting)
	f.send(ctx, sess.ChatID, msgAskPlantName)
	return nil
}

// send delivers a reply, logging delivery failures without failing the flow.
func (f *PlantFlow) send(ctx context.Context, chatID, body string) {
	if err := f.messenger.SendMessage(ctx, chatID, body); err != nil {
		slog.Error("PlantFlow failed to send message", "error", err, "chatID", chatID)
	}
}
