package flow

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/plantmap/PlantPipe/internal/cms"
	"github.com/plantmap/PlantPipe/internal/models"
	"github.com/plantmap/PlantPipe/internal/session"
)

// mockMessenger records outbound messages.
type mockMessenger struct {
	sent []sentMessage
}

type sentMessage struct {
	to   string
	body string
}

func (m *mockMessenger) SendMessage(ctx context.Context, to string, body string) error {
	m.sent = append(m.sent, sentMessage{to: to, body: body})
	return nil
}

func (m *mockMessenger) lastBody() string {
	if len(m.sent) == 0 {
		return ""
	}
	return m.sent[len(m.sent)-1].body
}

func (m *mockMessenger) containsBody(substr string) bool {
	for _, s := range m.sent {
		if strings.Contains(s.body, substr) {
			return true
		}
	}
	return false
}

// mockContent is an in-memory stand-in for the content store client.
type mockContent struct {
	uploadCount   int
	uploadErr     error
	usersByPhone  map[string]*models.CMSUser
	usersByChatID map[string]*models.CMSUser
	findErr       error
	linkedChatIDs map[int]string
	records       []models.TrackingRecord
	createErr     error
}

func newMockContent() *mockContent {
	return &mockContent{
		usersByPhone:  make(map[string]*models.CMSUser),
		usersByChatID: make(map[string]*models.CMSUser),
		linkedChatIDs: make(map[int]string),
	}
}

func (m *mockContent) Upload(ctx context.Context, data []byte, filename, folder string) (*models.UploadResult, error) {
	if m.uploadErr != nil {
		return nil, m.uploadErr
	}
	m.uploadCount++
	return &models.UploadResult{FileID: fmt.Sprintf("img-%d", m.uploadCount)}, nil
}

func (m *mockContent) FindUserByChatID(ctx context.Context, chatID string) (*models.CMSUser, error) {
	if m.findErr != nil {
		return nil, m.findErr
	}
	return m.usersByChatID[chatID], nil
}

func (m *mockContent) FindUserByPhone(ctx context.Context, phone string) (*models.CMSUser, error) {
	if m.findErr != nil {
		return nil, m.findErr
	}
	return m.usersByPhone[phone], nil
}

func (m *mockContent) UpdateUserChatID(ctx context.Context, userID int, chatID string) error {
	m.linkedChatIDs[userID] = chatID
	return nil
}

func (m *mockContent) CreateTrackingRecord(ctx context.Context, record models.TrackingRecord) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.records = append(m.records, record)
	return nil
}

// mockClassifier returns queued verdicts in order, repeating the last.
type mockClassifier struct {
	verdicts []*models.ImageAnalysis
	calls    int
}

func (m *mockClassifier) AnalyzeImage(ctx context.Context, data []byte) *models.ImageAnalysis {
	idx := m.calls
	if idx >= len(m.verdicts) {
		idx = len(m.verdicts) - 1
	}
	m.calls++
	if idx < 0 {
		return &models.ImageAnalysis{IsPlant: true, Description: "a plant", CloseUp: true, Confidence: "high"}
	}
	return m.verdicts[idx]
}

func closeUpVerdict(desc string) *models.ImageAnalysis {
	return &models.ImageAnalysis{IsPlant: true, Description: desc, CloseUp: true, Confidence: "high"}
}

func distanceVerdict(desc string) *models.ImageAnalysis {
	return &models.ImageAnalysis{IsPlant: true, Description: desc, DistanceShot: true, Confidence: "high"}
}

func newTestFlow(verdicts ...*models.ImageAnalysis) (*PlantFlow, session.Store, *mockContent, *mockMessenger) {
	store := session.NewInMemoryStore()
	content := newMockContent()
	messenger := &mockMessenger{}
	classifier := &mockClassifier{verdicts: verdicts}
	f := NewPlantFlow(store, content, classifier, messenger, "https://plants.example.org/map")
	return f, store, content, messenger
}

func mustSession(t *testing.T, store session.Store, chatID string) *models.Session {
	t.Helper()
	sess, err := store.Get(chatID)
	if err != nil {
		t.Fatalf("failed to load session: %v", err)
	}
	if sess == nil {
		t.Fatalf("expected session for %s, got nil", chatID)
	}
	return sess
}

func TestHandleEventEmptyChatID(t *testing.T) {
	f, _, _, messenger := newTestFlow()
	f.HandleEvent(context.Background(), models.IncomingEvent{Text: "hello"})
	if len(messenger.sent) != 0 {
		t.Errorf("expected no messages for empty chat identity, got %d", len(messenger.sent))
	}
}

func TestCancelResetsSession(t *testing.T) {
	f, store, _, messenger := newTestFlow()
	ctx := context.Background()

	f.HandleEvent(ctx, models.IncomingEvent{ChatID: "111222333", Text: "/newplanting"})
	f.HandleEvent(ctx, models.IncomingEvent{ChatID: "111222333", Text: "/cancel"})

	sess := mustSession(t, store, "111222333")
	if sess.State != models.StateIdle {
		t.Errorf("expected IDLE after cancel, got %s", sess.State)
	}
	if !messenger.containsBody(msgCancelled) {
		t.Errorf("expected cancellation confirmation, got %v", messenger.sent)
	}
	if messenger.lastBody() != msgMenu {
		t.Errorf("expected menu after cancellation, got %q", messenger.lastBody())
	}
}

func TestCancelWithoutSessionStillConfirms(t *testing.T) {
	f, store, _, messenger := newTestFlow()

	f.HandleEvent(context.Background(), models.IncomingEvent{ChatID: "999888777", Text: "/cancel"})

	sess := mustSession(t, store, "999888777")
	if sess.State != models.StateIdle {
		t.Errorf("expected IDLE, got %s", sess.State)
	}
	if !messenger.containsBody(msgCancelled) {
		t.Errorf("expected cancellation confirmation even with no prior session")
	}
}

func TestStartCommandShowsMenu(t *testing.T) {
	f, _, _, messenger := newTestFlow()

	f.HandleEvent(context.Background(), models.IncomingEvent{ChatID: "111222333", Text: "/start"})

	if !messenger.containsBody(msgGreeting) {
		t.Errorf("expected greeting, got %v", messenger.sent)
	}
	if messenger.lastBody() != msgMenu {
		t.Errorf("expected menu, got %q", messenger.lastBody())
	}
}

func TestNewPlantingUnknownOperatorAsksForPhone(t *testing.T) {
	f, store, _, messenger := newTestFlow()

	f.HandleEvent(context.Background(), models.IncomingEvent{ChatID: "111222333", Text: "/newplanting"})

	sess := mustSession(t, store, "111222333")
	if sess.State != models.StateWaitingForPhone {
		t.Errorf("expected WAITING_FOR_PHONE, got %s", sess.State)
	}
	if !sess.IsNewPlanting {
		t.Error("expected IsNewPlanting to be set")
	}
	if messenger.lastBody() != msgSharePhone {
		t.Errorf("expected phone share prompt, got %q", messenger.lastBody())
	}
}

func TestNewPlantingKnownOperatorSkipsPhone(t *testing.T) {
	f, store, content, messenger := newTestFlow()
	content.usersByChatID["111222333"] = &models.CMSUser{ID: 7, Username: "ada", PhoneNumber: "+4912345678"}

	f.HandleEvent(context.Background(), models.IncomingEvent{ChatID: "111222333", Text: "/addplant"})

	sess := mustSession(t, store, "111222333")
	if sess.State != models.StateWaitingForPlantName {
		t.Errorf("expected WAITING_FOR_PLANT_NAME, got %s", sess.State)
	}
	if sess.UserID != 7 || sess.Username != "ada" {
		t.Errorf("expected resolved identity, got userID=%d username=%q", sess.UserID, sess.Username)
	}
	if sess.IsNewPlanting {
		t.Error("expected IsNewPlanting false for /addplant")
	}
	if messenger.lastBody() != msgAskPlantName {
		t.Errorf("expected plant name prompt, got %q", messenger.lastBody())
	}
}

func TestContactUnknownPhone(t *testing.T) {
	f, store, _, messenger := newTestFlow()
	ctx := context.Background()

	f.HandleEvent(ctx, models.IncomingEvent{ChatID: "111222333", Text: "/newplanting"})
	f.HandleEvent(ctx, models.IncomingEvent{ChatID: "111222333", Contact: &models.Contact{PhoneNumber: "4900000000"}})

	sess := mustSession(t, store, "111222333")
	if sess.State != models.StateIdle {
		t.Errorf("expected IDLE after unknown phone, got %s", sess.State)
	}
	if messenger.lastBody() != msgAccountNotFound {
		t.Errorf("expected account-not-found message, got %q", messenger.lastBody())
	}
}

func TestContactResolvesIdentity(t *testing.T) {
	f, store, content, messenger := newTestFlow()
	content.usersByPhone["+4912345678"] = &models.CMSUser{ID: 42, Username: "linnea"}
	ctx := context.Background()

	f.HandleEvent(ctx, models.IncomingEvent{ChatID: "111222333", Text: "/newplanting"})
	// Contact arrives without a leading "+"; lookup must normalize it.
	f.HandleEvent(ctx, models.IncomingEvent{ChatID: "111222333", Contact: &models.Contact{PhoneNumber: "4912345678"}})

	sess := mustSession(t, store, "111222333")
	if sess.State != models.StateWaitingForPlantName {
		t.Errorf("expected WAITING_FOR_PLANT_NAME, got %s", sess.State)
	}
	if sess.UserID != 42 {
		t.Errorf("expected userID 42, got %d", sess.UserID)
	}
	if content.linkedChatIDs[42] != "111222333" {
		t.Errorf("expected chat identity linked to user 42, got %q", content.linkedChatIDs[42])
	}
	if !messenger.containsBody("Hello linnea") {
		t.Errorf("expected greeting with username, got %v", messenger.sent)
	}
	if messenger.lastBody() != msgAskPlantName {
		t.Errorf("expected plant name prompt, got %q", messenger.lastBody())
	}
}

func TestPlantNameAdvancesToImage(t *testing.T) {
	f, store, content, messenger := newTestFlow()
	content.usersByChatID["111222333"] = &models.CMSUser{ID: 7, Username: "ada"}
	ctx := context.Background()

	f.HandleEvent(ctx, models.IncomingEvent{ChatID: "111222333", Text: "/newplanting"})
	f.HandleEvent(ctx, models.IncomingEvent{ChatID: "111222333", Text: "Monstera"})

	sess := mustSession(t, store, "111222333")
	if sess.PlantName != "Monstera" {
		t.Errorf("expected plant name Monstera, got %q", sess.PlantName)
	}
	if sess.State != models.StateWaitingForImage {
		t.Errorf("expected WAITING_FOR_IMAGE, got %s", sess.State)
	}
	if messenger.lastBody() != msgAskPhoto {
		t.Errorf("expected photo prompt, got %q", messenger.lastBody())
	}
}

func TestEmptyPlantNameReprompts(t *testing.T) {
	f, store, content, messenger := newTestFlow()
	content.usersByChatID["111222333"] = &models.CMSUser{ID: 7}
	ctx := context.Background()

	f.HandleEvent(ctx, models.IncomingEvent{ChatID: "111222333", Text: "/newplanting"})
	f.HandleEvent(ctx, models.IncomingEvent{ChatID: "111222333", Text: "   "})

	sess := mustSession(t, store, "111222333")
	if sess.State != models.StateWaitingForPlantName {
		t.Errorf("expected to remain in WAITING_FOR_PLANT_NAME, got %s", sess.State)
	}
	if messenger.lastBody() != msgAskPlantName {
		t.Errorf("expected plant name reprompt, got %q", messenger.lastBody())
	}
}

func TestHappyPathDocumentsPlant(t *testing.T) {
	f, store, content, messenger := newTestFlow(
		closeUpVerdict("a healthy fern"),
		distanceVerdict("fern near a stone wall"),
	)
	content.usersByChatID["111222333"] = &models.CMSUser{ID: 7, Username: "ada", PhoneNumber: "+4912345678"}
	ctx := context.Background()

	f.HandleEvent(ctx, models.IncomingEvent{ChatID: "111222333", Text: "/newplanting"})
	f.HandleEvent(ctx, models.IncomingEvent{ChatID: "111222333", Text: "Fern"})
	f.HandleEvent(ctx, models.IncomingEvent{ChatID: "111222333", Photo: []byte("close")})
	f.HandleEvent(ctx, models.IncomingEvent{ChatID: "111222333", Photo: []byte("far")})

	sess := mustSession(t, store, "111222333")
	if sess.State != models.StateWaitingForLocation {
		t.Fatalf("expected WAITING_FOR_LOCATION after both images, got %s", sess.State)
	}
	if sess.CloseImageID != "img-1" || sess.LocationImageID != "img-2" {
		t.Fatalf("unexpected image slots: close=%q distance=%q", sess.CloseImageID, sess.LocationImageID)
	}

	f.HandleEvent(ctx, models.IncomingEvent{ChatID: "111222333", Location: &models.Location{Latitude: 52.52, Longitude: 13.405}})

	if len(content.records) != 1 {
		t.Fatalf("expected one tracking record, got %d", len(content.records))
	}
	rec := content.records[0]
	if rec.PlantName != "Fern" {
		t.Errorf("expected plant name Fern, got %q", rec.PlantName)
	}
	if rec.CloseImageID != "img-1" || rec.LocationImageID != "img-2" {
		t.Errorf("unexpected record images: close=%q distance=%q", rec.CloseImageID, rec.LocationImageID)
	}
	if rec.Latitude != 52.52 || rec.Longitude != 13.405 {
		t.Errorf("unexpected coordinates: %f, %f", rec.Latitude, rec.Longitude)
	}
	if rec.UserID != 7 {
		t.Errorf("expected user 7 on record, got %d", rec.UserID)
	}
	if rec.PlantedAt == nil {
		t.Error("expected planted_at stamped for a new planting")
	}
	if !messenger.containsBody("Fern documented") {
		t.Errorf("expected completion summary, got %v", messenger.sent)
	}

	sess = mustSession(t, store, "111222333")
	if sess.State != models.StateIdle || sess.PlantName != "" {
		t.Errorf("expected fresh session after completion, got state=%s plantName=%q", sess.State, sess.PlantName)
	}
}

func TestAddPlantOmitsPlantedAt(t *testing.T) {
	f, _, content, _ := newTestFlow(
		closeUpVerdict("an oak"),
		distanceVerdict("oak in a park"),
	)
	content.usersByChatID["111222333"] = &models.CMSUser{ID: 7}
	ctx := context.Background()

	f.HandleEvent(ctx, models.IncomingEvent{ChatID: "111222333", Text: "/addplant"})
	f.HandleEvent(ctx, models.IncomingEvent{ChatID: "111222333", Text: "Oak"})
	f.HandleEvent(ctx, models.IncomingEvent{ChatID: "111222333", Photo: []byte("close")})
	f.HandleEvent(ctx, models.IncomingEvent{ChatID: "111222333", Photo: []byte("far")})
	f.HandleEvent(ctx, models.IncomingEvent{ChatID: "111222333", Location: &models.Location{Latitude: 48.1, Longitude: 11.6}})

	if len(content.records) != 1 {
		t.Fatalf("expected one tracking record, got %d", len(content.records))
	}
	if content.records[0].PlantedAt != nil {
		t.Error("expected planted_at to be absent for an established plant")
	}
}

func TestPhotoNotPlantRejected(t *testing.T) {
	f, store, content, messenger := newTestFlow(
		&models.ImageAnalysis{IsPlant: false, Description: "a bicycle", CloseUp: true, Confidence: "high"},
	)
	content.usersByChatID["111222333"] = &models.CMSUser{ID: 7}
	ctx := context.Background()

	f.HandleEvent(ctx, models.IncomingEvent{ChatID: "111222333", Text: "/newplanting"})
	f.HandleEvent(ctx, models.IncomingEvent{ChatID: "111222333", Text: "Rose"})
	f.HandleEvent(ctx, models.IncomingEvent{ChatID: "111222333", Photo: []byte("bike")})

	sess := mustSession(t, store, "111222333")
	if sess.CloseImageID != "" {
		t.Errorf("expected no close-up accepted, got %q", sess.CloseImageID)
	}
	if messenger.lastBody() != msgPhotoNotPlant {
		t.Errorf("expected not-a-plant message, got %q", messenger.lastBody())
	}
}

func TestPhotoUnrecognizedFraming(t *testing.T) {
	f, store, content, messenger := newTestFlow(
		&models.ImageAnalysis{IsPlant: true, Description: "a blurry plant", Confidence: "high"},
	)
	content.usersByChatID["111222333"] = &models.CMSUser{ID: 7}
	ctx := context.Background()

	f.HandleEvent(ctx, models.IncomingEvent{ChatID: "111222333", Text: "/newplanting"})
	f.HandleEvent(ctx, models.IncomingEvent{ChatID: "111222333", Text: "Rose"})
	f.HandleEvent(ctx, models.IncomingEvent{ChatID: "111222333", Photo: []byte("blur")})

	sess := mustSession(t, store, "111222333")
	if sess.HasImage() {
		t.Error("expected no image accepted for unrecognized framing")
	}
	if messenger.lastBody() != msgPhotoUnrecognized {
		t.Errorf("expected unrecognized-framing message, got %q", messenger.lastBody())
	}
}

func TestDegradedVerdictNeverBlocks(t *testing.T) {
	f, store, content, messenger := newTestFlow(
		&models.ImageAnalysis{IsPlant: true, Description: "AI analysis failed - image saved without classification", Confidence: "unknown", Degraded: true},
	)
	content.usersByChatID["111222333"] = &models.CMSUser{ID: 7}
	ctx := context.Background()

	f.HandleEvent(ctx, models.IncomingEvent{ChatID: "111222333", Text: "/newplanting"})
	f.HandleEvent(ctx, models.IncomingEvent{ChatID: "111222333", Text: "Rose"})
	f.HandleEvent(ctx, models.IncomingEvent{ChatID: "111222333", Photo: []byte("mystery")})

	sess := mustSession(t, store, "111222333")
	if sess.CloseImageID == "" {
		t.Error("expected degraded verdict to fill the close-up slot")
	}
	if messenger.lastBody() != msgPhotoSavedNoAnalysis {
		t.Errorf("expected saved-without-analysis message, got %q", messenger.lastBody())
	}
}

func TestSecondDistanceShotRequiresDecision(t *testing.T) {
	f, store, content, messenger := newTestFlow(
		distanceVerdict("first shot"),
		distanceVerdict("second shot"),
	)
	content.usersByChatID["111222333"] = &models.CMSUser{ID: 7}
	ctx := context.Background()

	f.HandleEvent(ctx, models.IncomingEvent{ChatID: "111222333", Text: "/newplanting"})
	f.HandleEvent(ctx, models.IncomingEvent{ChatID: "111222333", Text: "Rose"})
	f.HandleEvent(ctx, models.IncomingEvent{ChatID: "111222333", Photo: []byte("far-1")})
	f.HandleEvent(ctx, models.IncomingEvent{ChatID: "111222333", Photo: []byte("far-2")})

	sess := mustSession(t, store, "111222333")
	if sess.LocationImageID != "img-1" {
		t.Errorf("expected original distance shot kept, got %q", sess.LocationImageID)
	}
	if sess.PendingLocationImageID != "img-2" {
		t.Errorf("expected second shot staged, got %q", sess.PendingLocationImageID)
	}
	if messenger.lastBody() != msgLocationImagePending {
		t.Errorf("expected pending decision prompt, got %q", messenger.lastBody())
	}

	// Unrelated input is intercepted until the decision is made.
	f.HandleEvent(ctx, models.IncomingEvent{ChatID: "111222333", Text: "hello"})
	if messenger.lastBody() != msgPendingResolveFirst {
		t.Errorf("expected resolve-first reminder, got %q", messenger.lastBody())
	}

	f.HandleEvent(ctx, models.IncomingEvent{ChatID: "111222333", Text: "/keep"})
	sess = mustSession(t, store, "111222333")
	if sess.LocationImageID != "img-1" || sess.PendingLocationImageID != "" {
		t.Errorf("expected original kept and pending cleared, got %q / %q", sess.LocationImageID, sess.PendingLocationImageID)
	}
	if !messenger.containsBody(msgKept) {
		t.Errorf("expected keep confirmation, got %v", messenger.sent)
	}
}

func TestReplacePendingDistanceShot(t *testing.T) {
	f, store, content, messenger := newTestFlow(
		distanceVerdict("first shot"),
		distanceVerdict("second shot"),
	)
	content.usersByChatID["111222333"] = &models.CMSUser{ID: 7}
	ctx := context.Background()

	f.HandleEvent(ctx, models.IncomingEvent{ChatID: "111222333", Text: "/newplanting"})
	f.HandleEvent(ctx, models.IncomingEvent{ChatID: "111222333", Text: "Rose"})
	f.HandleEvent(ctx, models.IncomingEvent{ChatID: "111222333", Photo: []byte("far-1")})
	f.HandleEvent(ctx, models.IncomingEvent{ChatID: "111222333", Photo: []byte("far-2")})
	f.HandleEvent(ctx, models.IncomingEvent{ChatID: "111222333", Text: "/replace"})

	sess := mustSession(t, store, "111222333")
	if sess.LocationImageID != "img-2" {
		t.Errorf("expected replacement distance shot, got %q", sess.LocationImageID)
	}
	if sess.PendingLocationImageID != "" {
		t.Errorf("expected pending cleared, got %q", sess.PendingLocationImageID)
	}
	if !messenger.containsBody(msgReplaced) {
		t.Errorf("expected replace confirmation, got %v", messenger.sent)
	}
}

func TestCancelResolvesPendingDecision(t *testing.T) {
	f, store, content, _ := newTestFlow(
		distanceVerdict("first shot"),
		distanceVerdict("second shot"),
	)
	content.usersByChatID["111222333"] = &models.CMSUser{ID: 7}
	ctx := context.Background()

	f.HandleEvent(ctx, models.IncomingEvent{ChatID: "111222333", Text: "/newplanting"})
	f.HandleEvent(ctx, models.IncomingEvent{ChatID: "111222333", Text: "Rose"})
	f.HandleEvent(ctx, models.IncomingEvent{ChatID: "111222333", Photo: []byte("far-1")})
	f.HandleEvent(ctx, models.IncomingEvent{ChatID: "111222333", Photo: []byte("far-2")})
	f.HandleEvent(ctx, models.IncomingEvent{ChatID: "111222333", Text: "/cancel"})

	sess := mustSession(t, store, "111222333")
	if sess.State != models.StateIdle || sess.PendingLocationImageID != "" {
		t.Errorf("expected cancel to clear the pending decision, got state=%s pending=%q", sess.State, sess.PendingLocationImageID)
	}
}

func TestPhotoBeforePlantNameSkipsImageStep(t *testing.T) {
	f, store, content, messenger := newTestFlow(
		closeUpVerdict("a rose"),
		distanceVerdict("rose bed"),
	)
	content.usersByChatID["111222333"] = &models.CMSUser{ID: 7}
	ctx := context.Background()

	// Photos accepted before the flow formally asks for them.
	f.HandleEvent(ctx, models.IncomingEvent{ChatID: "111222333", Photo: []byte("close")})
	f.HandleEvent(ctx, models.IncomingEvent{ChatID: "111222333", Photo: []byte("far")})
	f.HandleEvent(ctx, models.IncomingEvent{ChatID: "111222333", Text: "/newplanting"})
	f.HandleEvent(ctx, models.IncomingEvent{ChatID: "111222333", Text: "Rose"})

	sess := mustSession(t, store, "111222333")
	if sess.State != models.StateWaitingForLocation {
		t.Errorf("expected image step skipped, got %s", sess.State)
	}
	if messenger.lastBody() != msgAskLocation {
		t.Errorf("expected location prompt, got %q", messenger.lastBody())
	}
}

func TestContentStoreUnavailableShowsMaintenance(t *testing.T) {
	f, _, content, messenger := newTestFlow(closeUpVerdict("a plant"))
	content.usersByChatID["111222333"] = &models.CMSUser{ID: 7}
	ctx := context.Background()

	f.HandleEvent(ctx, models.IncomingEvent{ChatID: "111222333", Text: "/newplanting"})
	f.HandleEvent(ctx, models.IncomingEvent{ChatID: "111222333", Text: "Rose"})

	content.uploadErr = fmt.Errorf("upload: %w: dial tcp: connection refused", cms.ErrUnavailable)
	f.HandleEvent(ctx, models.IncomingEvent{ChatID: "111222333", Photo: []byte("close")})

	if messenger.lastBody() != msgMaintenance {
		t.Errorf("expected maintenance message, got %q", messenger.lastBody())
	}
}

func TestPersistFailureKeepsSession(t *testing.T) {
	f, store, content, messenger := newTestFlow(
		closeUpVerdict("a rose"),
		distanceVerdict("rose bed"),
	)
	content.usersByChatID["111222333"] = &models.CMSUser{ID: 7}
	content.createErr = fmt.Errorf("tracking record creation failed with status 500")
	ctx := context.Background()

	f.HandleEvent(ctx, models.IncomingEvent{ChatID: "111222333", Text: "/newplanting"})
	f.HandleEvent(ctx, models.IncomingEvent{ChatID: "111222333", Text: "Rose"})
	f.HandleEvent(ctx, models.IncomingEvent{ChatID: "111222333", Photo: []byte("close")})
	f.HandleEvent(ctx, models.IncomingEvent{ChatID: "111222333", Photo: []byte("far")})
	f.HandleEvent(ctx, models.IncomingEvent{ChatID: "111222333", Location: &models.Location{Latitude: 1, Longitude: 2}})

	if messenger.lastBody() != msgSaveFailed {
		t.Errorf("expected save-failed message, got %q", messenger.lastBody())
	}
	sess := mustSession(t, store, "111222333")
	if sess.State != models.StateWaitingForLocation {
		t.Errorf("expected session preserved for retry, got %s", sess.State)
	}

	// The user can retry once the store recovers.
	content.createErr = nil
	f.HandleEvent(ctx, models.IncomingEvent{ChatID: "111222333", Location: &models.Location{Latitude: 1, Longitude: 2}})
	if len(content.records) != 1 {
		t.Fatalf("expected record persisted on retry, got %d", len(content.records))
	}
	sess = mustSession(t, store, "111222333")
	if sess.State != models.StateIdle {
		t.Errorf("expected fresh session after retry success, got %s", sess.State)
	}
}

func TestMapCommand(t *testing.T) {
	f, _, _, messenger := newTestFlow()

	f.HandleEvent(context.Background(), models.IncomingEvent{ChatID: "111222333", Text: "/map"})

	if !messenger.containsBody("https://plants.example.org/map") {
		t.Errorf("expected map URL in reply, got %v", messenger.sent)
	}
}

func TestUnknownCommandShowsMenu(t *testing.T) {
	f, _, _, messenger := newTestFlow()

	f.HandleEvent(context.Background(), models.IncomingEvent{ChatID: "111222333", Text: "/frobnicate"})

	if messenger.lastBody() != msgMenu {
		t.Errorf("expected menu for unknown command, got %q", messenger.lastBody())
	}
}

func TestLocationOutsideLocationStepReprompts(t *testing.T) {
	f, _, content, messenger := newTestFlow()
	content.usersByChatID["111222333"] = &models.CMSUser{ID: 7}
	ctx := context.Background()

	f.HandleEvent(ctx, models.IncomingEvent{ChatID: "111222333", Text: "/newplanting"})
	f.HandleEvent(ctx, models.IncomingEvent{ChatID: "111222333", Location: &models.Location{Latitude: 1, Longitude: 2}})

	if messenger.lastBody() != msgAskPlantName {
		t.Errorf("expected the current step's reprompt, got %q", messenger.lastBody())
	}
	if len(content.records) != 0 {
		t.Errorf("expected no record persisted, got %d", len(content.records))
	}
}
